package audiofile

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/audio"
)

// ErrSinkClosed is returned by Play after Close
var ErrSinkClosed = errors.New("audiofile: sink closed")

// Sink is an AudioOutputDevice appending samples to a writer. Up to one
// second of audio stays buffered and is dropped by Flush.
type Sink struct {
	mu            sync.Mutex
	dst           io.Writer
	closer        io.Closer
	buf           *bufio.Writer
	format        Format
	closed        bool
	written       int
	interruptions int
}

var (
	_ repositories.AudioOutputDevice = (*Sink)(nil)
	_ repositories.Flusher           = (*Sink)(nil)
)

// NewSink creates a sink writing to w. If w is an io.Closer, Close closes it.
func NewSink(w io.Writer, format Format) *Sink {
	if format == "" {
		format = FormatS16LE
	}
	s := &Sink{
		dst:    w,
		buf:    bufio.NewWriterSize(w, audio.SampleRate*format.BytesPerSample()),
		format: format,
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// CreateFileSink creates or truncates the file at path
func CreateFileSink(path string, format Format) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewSink(f, format), nil
}

// Play appends samples. Only 16 kHz mono is accepted.
func (s *Sink) Play(samples []float32, sampleRate, channels int) error {
	if err := checkFormat(sampleRate, channels); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if _, err := s.buf.Write(s.format.encode(samples)); err != nil {
		return err
	}
	s.written += len(samples)
	return nil
}

// Flush drops buffered audio that has not reached the writer yet
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.written -= s.buf.Buffered() / s.format.BytesPerSample()
	s.buf.Reset(s.dst)
	s.interruptions++
	return nil
}

// Samples returns how many samples were kept
func (s *Sink) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Interruptions returns how many times Flush was called
func (s *Sink) Interruptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interruptions
}

// Close writes out buffered audio and closes the underlying writer
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.buf.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
