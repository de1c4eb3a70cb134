package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/satriahrh/voicebridge/domain/repositories"
)

// callLog records resource operations across fakes, in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeFetcher struct {
	mu       sync.Mutex
	url      string
	err      error
	block    chan struct{}
	agentIDs []string
}

func (f *fakeFetcher) FetchSignedURL(ctx context.Context, agentID string) (string, error) {
	f.mu.Lock()
	f.agentIDs = append(f.agentIDs, agentID)
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.url, f.err
}

type fakeSocket struct {
	mu      sync.Mutex
	url     string
	events  repositories.SocketEvents
	sent    [][]byte
	closed  int
	sendErr error
	onSend  func()
	log     *callLog
}

func (s *fakeSocket) Send(frame []byte) error {
	s.mu.Lock()
	hook := s.onSend
	s.onSend = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.closed > 0 {
		return errors.New("socket closed")
	}
	s.sent = append(s.sent, frame)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	s.log.add("socket.close")
	return nil
}

func (s *fakeSocket) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSocket) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	err     error
	sockets []*fakeSocket
	log     *callLog

	// beforeReturn runs with the new socket before Dial returns it, the way a
	// transport may deliver events before the caller sees the socket.
	beforeReturn func(sock *fakeSocket)
	// onSend is installed on the next socket and runs on its first Send.
	onSend func()
}

func (d *fakeDialer) Dial(ctx context.Context, url string, events repositories.SocketEvents) (repositories.Socket, error) {
	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return nil, d.err
	}
	sock := &fakeSocket{url: url, events: events, log: d.log, onSend: d.onSend}
	d.sockets = append(d.sockets, sock)
	hook := d.beforeReturn
	d.mu.Unlock()

	if hook != nil {
		hook(sock)
	}
	return sock, nil
}

func (d *fakeDialer) socket(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sockets[i]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

type fakeCapture struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
	configs []repositories.CaptureConfig
	log     *callLog
}

func (c *fakeCapture) Open(ctx context.Context, config repositories.CaptureConfig) (repositories.CaptureStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs = append(c.configs, config)
	if c.err != nil {
		return nil, c.err
	}
	stream := &fakeStream{log: c.log}
	c.streams = append(c.streams, stream)
	return stream, nil
}

func (c *fakeCapture) stream(i int) *fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[i]
}

func (c *fakeCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

type fakeStream struct {
	mu        sync.Mutex
	chunkSize int
	tapFn     func([]float32)
	stopped   bool
	log       *callLog
}

func (s *fakeStream) Tap(chunkSize int, fn func(samples []float32)) (repositories.CaptureTap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkSize = chunkSize
	s.tapFn = fn
	return &fakeTap{stream: s}, nil
}

func (s *fakeStream) DisconnectSource() { s.log.add("source.disconnect") }

func (s *fakeStream) StopTracks() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.log.add("tracks.stop")
}

func (s *fakeStream) Close() error {
	s.log.add("context.close")
	return nil
}

// deliver simulates the audio subsystem calling the tap.
func (s *fakeStream) deliver(samples []float32) {
	s.mu.Lock()
	fn := s.tapFn
	s.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeTap struct {
	stream *fakeStream
}

func (t *fakeTap) Detach() {
	t.stream.mu.Lock()
	t.stream.tapFn = nil
	t.stream.mu.Unlock()
	t.stream.log.add("tap.detach")
}

type fakeOutput struct {
	mu       sync.Mutex
	played   [][]float32
	rates    []int
	channels []int
	flushes  int
	err      error
}

func (o *fakeOutput) Play(samples []float32, sampleRate, channels int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.played = append(o.played, samples)
	o.rates = append(o.rates, sampleRate)
	o.channels = append(o.channels, channels)
	return nil
}

func (o *fakeOutput) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushes++
	return nil
}

func (o *fakeOutput) playedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.played)
}
