package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/audio"
)

const defaultMicTimeout = 30 * time.Second

var (
	// ErrMicrophoneDenied is returned by Open when the device refuses the microphone
	ErrMicrophoneDenied = errors.New("device denied microphone access")

	// ErrMicrophoneTimeout is returned by Open when the device never answers
	ErrMicrophoneTimeout = errors.New("device did not answer the microphone request")

	// ErrMicrophoneBusy is returned by Open while another request or stream is open
	ErrMicrophoneBusy = errors.New("device microphone is already in use")

	// ErrDeviceGone is returned once the device connection has closed
	ErrDeviceGone = errors.New("device disconnected")
)

// outbound is what device adapters need from a client connection.
type outbound interface {
	sendJSON(v interface{}) bool
	sendBinary(payload []byte) bool
}

// DeviceCapture is the microphone of one connected device. The device streams
// raw float32 little-endian samples as binary frames after granting a request.
type DeviceCapture struct {
	out     outbound
	timeout time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending *micRequest
	stream  *deviceStream
	gone    bool
}

var _ repositories.AudioCaptureDevice = (*DeviceCapture)(nil)

type micRequest struct {
	id     string
	answer chan error
}

// NewDeviceCapture creates a capture device writing control frames to out
func NewDeviceCapture(out outbound, timeout time.Duration, logger *zap.Logger) *DeviceCapture {
	if timeout <= 0 {
		timeout = defaultMicTimeout
	}
	return &DeviceCapture{out: out, timeout: timeout, logger: logger}
}

// Open sends a microphone_request and waits for the device's answer.
func (d *DeviceCapture) Open(ctx context.Context, cfg repositories.CaptureConfig) (repositories.CaptureStream, error) {
	req := &micRequest{id: uuid.NewString(), answer: make(chan error, 1)}

	d.mu.Lock()
	if d.gone {
		d.mu.Unlock()
		return nil, ErrDeviceGone
	}
	if d.pending != nil || d.stream != nil {
		d.mu.Unlock()
		return nil, ErrMicrophoneBusy
	}
	d.pending = req
	d.mu.Unlock()

	abandon := func() {
		d.mu.Lock()
		if d.pending == req {
			d.pending = nil
		}
		d.mu.Unlock()
	}

	if !d.out.sendJSON(CreateMicrophoneRequest(req.id, cfg)) {
		abandon()
		return nil, ErrDeviceGone
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case err := <-req.answer:
		if err != nil {
			abandon()
			return nil, err
		}
	case <-timer.C:
		abandon()
		return nil, ErrMicrophoneTimeout
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != req {
		// Superseded while the answer was in flight.
		return nil, ErrMicrophoneTimeout
	}
	d.pending = nil
	if d.gone {
		return nil, ErrDeviceGone
	}
	stream := &deviceStream{
		capture:   d,
		requestID: req.id,
		connected: true,
		rechunker: audio.NewRechunker(cfg.ChunkSize),
	}
	d.stream = stream
	d.logger.Info("Device microphone granted", zap.String("requestID", req.id))
	return stream, nil
}

// resolve delivers the device's answer to the pending request.
func (d *DeviceCapture) resolve(requestID string, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil || d.pending.id != requestID {
		return false
	}
	select {
	case d.pending.answer <- err:
	default:
	}
	return true
}

// deliver feeds one binary frame of samples into the open stream, if any.
func (d *DeviceCapture) deliver(samples []float32) {
	d.mu.Lock()
	stream := d.stream
	d.mu.Unlock()
	if stream == nil {
		return
	}
	stream.write(samples)
}

// disconnect fails a pending request and drops the open stream.
func (d *DeviceCapture) disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gone = true
	if d.pending != nil {
		select {
		case d.pending.answer <- ErrDeviceGone:
		default:
		}
	}
}

func (d *DeviceCapture) release(s *deviceStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == s {
		d.stream = nil
	}
}

type deviceStream struct {
	capture   *DeviceCapture
	requestID string

	mu        sync.Mutex
	connected bool
	stopped   bool
	rechunker *audio.Rechunker
	fn        func([]float32)
}

func (s *deviceStream) Tap(chunkSize int, fn func(samples []float32)) (repositories.CaptureTap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("capture stream %s is stopped", s.requestID)
	}
	if chunkSize != s.rechunker.Size() {
		s.rechunker = audio.NewRechunker(chunkSize)
	}
	s.fn = fn
	return &deviceTap{stream: s}, nil
}

// write runs on the client's read pump, so chunks are delivered in order.
func (s *deviceStream) write(samples []float32) {
	s.mu.Lock()
	if !s.connected || s.fn == nil {
		s.mu.Unlock()
		return
	}
	chunks := s.rechunker.Write(samples)
	fn := s.fn
	s.mu.Unlock()

	for _, chunk := range chunks {
		fn(chunk)
	}
}

func (s *deviceStream) DisconnectSource() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if n := s.rechunker.Pending(); n > 0 {
		s.capture.logger.Debug("Dropping partial capture chunk", zap.Int("samples", n))
	}
	s.rechunker.Reset()
}

func (s *deviceStream) StopTracks() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.capture.out.sendJSON(CreateMicrophoneRelease(s.requestID))
}

func (s *deviceStream) Close() error {
	s.capture.release(s)
	return nil
}

type deviceTap struct {
	stream *deviceStream
	once   sync.Once
}

func (t *deviceTap) Detach() {
	t.once.Do(func() {
		t.stream.mu.Lock()
		t.stream.fn = nil
		t.stream.mu.Unlock()
	})
}

// DeviceOutput plays agent audio on the device as binary float32 frames
type DeviceOutput struct {
	out outbound
}

var (
	_ repositories.AudioOutputDevice = (*DeviceOutput)(nil)
	_ repositories.Flusher           = (*DeviceOutput)(nil)
)

// NewDeviceOutput creates an output device writing to out
func NewDeviceOutput(out outbound) *DeviceOutput {
	return &DeviceOutput{out: out}
}

// Play queues samples for the device. The device plays frames on arrival.
func (o *DeviceOutput) Play(samples []float32, sampleRate, channels int) error {
	if sampleRate != audio.SampleRate || channels != audio.Channels {
		return fmt.Errorf("unsupported playback format %d Hz x %d", sampleRate, channels)
	}
	if !o.out.sendBinary(audio.PackFloat32(samples)) {
		return ErrDeviceGone
	}
	return nil
}

// Flush asks the device to drop audio it has queued but not played
func (o *DeviceOutput) Flush() error {
	if !o.out.sendJSON(CreatePlaybackFlush()) {
		return ErrDeviceGone
	}
	return nil
}
