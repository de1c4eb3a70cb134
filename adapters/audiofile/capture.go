package audiofile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/audio"
)

var (
	// ErrTapInstalled is returned when a stream already has a tap.
	ErrTapInstalled = errors.New("audiofile: tap already installed")
	// ErrStreamStopped is returned when tapping a stream whose tracks were stopped.
	ErrStreamStopped = errors.New("audiofile: stream stopped")
)

// CaptureOptions configures a file capture device
type CaptureOptions struct {
	Format Format
	// Realtime paces chunk delivery at the capture sample rate.
	Realtime bool
	// OnEOF is called once the source has been fully delivered.
	OnEOF func()
}

// Capture is an AudioCaptureDevice reading samples from a source opened per Open
type Capture struct {
	open   func() (io.ReadCloser, error)
	opts   CaptureOptions
	logger *zap.Logger
}

var _ repositories.AudioCaptureDevice = (*Capture)(nil)

// NewCapture creates a capture device over an arbitrary source
func NewCapture(open func() (io.ReadCloser, error), opts CaptureOptions, logger *zap.Logger) *Capture {
	if opts.Format == "" {
		opts.Format = FormatS16LE
	}
	return &Capture{open: open, opts: opts, logger: logger}
}

// NewFileCapture creates a capture device reading the file at path
func NewFileCapture(path string, opts CaptureOptions, logger *zap.Logger) *Capture {
	return NewCapture(func() (io.ReadCloser, error) {
		return os.Open(path)
	}, opts, logger)
}

// Open opens the source. It fails when the requested format is not 16 kHz mono.
func (c *Capture) Open(ctx context.Context, config repositories.CaptureConfig) (repositories.CaptureStream, error) {
	if err := checkFormat(config.SampleRate, config.Channels); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := c.open()
	if err != nil {
		return nil, fmt.Errorf("failed to open capture source: %w", err)
	}

	c.logger.Debug("File capture opened", zap.String("format", string(c.opts.Format)))
	return &stream{
		src:    src,
		reader: bufio.NewReader(src),
		opts:   c.opts,
		logger: c.logger,
	}, nil
}

type stream struct {
	src    io.ReadCloser
	reader *bufio.Reader
	opts   CaptureOptions
	logger *zap.Logger

	mu       sync.Mutex
	tap      *tap
	stopped  bool
	stopOnce sync.Once
	closeErr error
}

type tap struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (t *tap) Detach() {
	t.once.Do(func() {
		t.cancel()
		<-t.done
	})
}

func (s *stream) Tap(chunkSize int, fn func(samples []float32)) (repositories.CaptureTap, error) {
	if chunkSize <= 0 {
		chunkSize = audio.ChunkSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStreamStopped
	}
	if s.tap != nil {
		return nil, ErrTapInstalled
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &tap{cancel: cancel, done: make(chan struct{})}
	s.tap = t

	go func() {
		defer close(t.done)
		s.pump(ctx, chunkSize, fn)
	}()
	return t, nil
}

// pump reads whole chunks and hands them to fn in order. A short final chunk
// is padded with silence.
func (s *stream) pump(ctx context.Context, chunkSize int, fn func([]float32)) {
	var limiter *rate.Limiter
	if s.opts.Realtime {
		period := time.Duration(chunkSize) * time.Second / audio.SampleRate
		limiter = rate.NewLimiter(rate.Every(period), 1)
	}

	bps := s.opts.Format.BytesPerSample()
	buf := make([]byte, chunkSize*bps)
	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		} else if ctx.Err() != nil {
			return
		}

		n, err := io.ReadFull(s.reader, buf)
		n -= n % bps
		if n > 0 {
			samples := make([]float32, chunkSize)
			copy(samples, s.opts.Format.decode(buf[:n]))
			fn(samples)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				s.logger.Warn("File capture read failed", zap.Error(err))
			}
			if ctx.Err() == nil && s.opts.OnEOF != nil {
				s.opts.OnEOF()
			}
			return
		}
	}
}

func (s *stream) detach() {
	s.mu.Lock()
	t := s.tap
	s.mu.Unlock()
	if t != nil {
		t.Detach()
	}
}

func (s *stream) DisconnectSource() {
	s.detach()
}

func (s *stream) StopTracks() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.detach()
	s.stopOnce.Do(func() {
		s.closeErr = s.src.Close()
	})
}

func (s *stream) Close() error {
	s.StopTracks()
	return s.closeErr
}
