package repositories

import "context"

// SignedURLFetcher obtains a short-lived, pre-authorized websocket URL for one
// conversation attempt. Implementations must not retry.
type SignedURLFetcher interface {
	FetchSignedURL(ctx context.Context, agentID string) (string, error)
}

// SocketDialer opens the realtime socket to the agent. Dial returns once the
// socket is open; later events are delivered to events until OnClose.
type SocketDialer interface {
	Dial(ctx context.Context, url string, events SocketEvents) (Socket, error)
}

// Socket is an open agent connection
type Socket interface {
	// Send writes one text frame. Safe for concurrent use.
	Send(frame []byte) error
	// Close closes the socket. Further calls are no-ops.
	Close() error
}

// SocketEvents receives inbound socket events in arrival order
type SocketEvents interface {
	OnMessage(data []byte)
	OnError(err error)
	OnClose(code int, reason string)
}

// CaptureConfig describes the requested input device
type CaptureConfig struct {
	SampleRate       int  `json:"sample_rate"`
	Channels         int  `json:"channels"`
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	ChunkSize        int  `json:"chunk_size"`
}

// AudioCaptureDevice grants access to the default audio input device.
// Open may block on a permission prompt; it must honour ctx cancellation.
type AudioCaptureDevice interface {
	Open(ctx context.Context, config CaptureConfig) (CaptureStream, error)
}

// CaptureStream is an acquired microphone stream and its processing graph
type CaptureStream interface {
	// Tap installs a processing tap delivering fixed-size chunks of samples.
	// Chunks are delivered sequentially in capture order.
	Tap(chunkSize int, fn func(samples []float32)) (CaptureTap, error)
	// DisconnectSource disconnects the capture source node.
	DisconnectSource()
	// StopTracks stops every track of the acquired stream.
	StopTracks()
	// Close closes the audio context.
	Close() error
}

// CaptureTap is an installed processing tap
type CaptureTap interface {
	Detach()
}

// AudioOutputDevice schedules sample buffers for immediate playback
type AudioOutputDevice interface {
	Play(samples []float32, sampleRate, channels int) error
}

// Flusher is implemented by output devices that can drop already scheduled audio
type Flusher interface {
	Flush() error
}
