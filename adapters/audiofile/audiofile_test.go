package audiofile

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/audio"
	"github.com/satriahrh/voicebridge/internal/voice"
)

type trackingReader struct {
	*bytes.Reader
	mu     sync.Mutex
	closed int
}

func (r *trackingReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *trackingReader) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "s16le", want: FormatS16LE},
		{in: "PCM16", want: FormatS16LE},
		{in: " f32le ", want: FormatF32LE},
		{in: "float32", want: FormatF32LE},
		{in: "mp3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCapture_DeliversPaddedChunks(t *testing.T) {
	samples := make([]float32, 6000)
	for i := range samples {
		samples[i] = 0.5
	}
	src := &trackingReader{Reader: bytes.NewReader(audio.EncodePCM16(samples))}

	eof := make(chan struct{})
	capture := NewCapture(func() (io.ReadCloser, error) { return src, nil },
		CaptureOptions{OnEOF: func() { close(eof) }}, zap.NewNop())

	stream, err := capture.Open(context.Background(), voice.DefaultCaptureConfig())
	require.NoError(t, err)

	var mu sync.Mutex
	var chunks [][]float32
	tap, err := stream.Tap(audio.ChunkSize, func(chunk []float32) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
	})
	require.NoError(t, err)

	select {
	case <-eof:
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not reach the end of the source")
	}

	mu.Lock()
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], audio.ChunkSize)
	assert.Len(t, chunks[1], audio.ChunkSize)
	assert.InDelta(t, 0.5, chunks[1][6000-audio.ChunkSize-1], 1.0/32767)
	assert.Equal(t, float32(0), chunks[1][audio.ChunkSize-1])
	mu.Unlock()

	_, err = stream.Tap(audio.ChunkSize, func([]float32) {})
	assert.ErrorIs(t, err, ErrTapInstalled)

	tap.Detach()
	stream.DisconnectSource()
	stream.StopTracks()
	require.NoError(t, stream.Close())
	assert.Equal(t, 1, src.closeCount())

	_, err = stream.Tap(audio.ChunkSize, func([]float32) {})
	assert.ErrorIs(t, err, ErrStreamStopped)
}

func TestCapture_RealtimeStopsOnDetach(t *testing.T) {
	src := &trackingReader{Reader: bytes.NewReader(make([]byte, 10*audio.ChunkSize*2))}
	capture := NewCapture(func() (io.ReadCloser, error) { return src, nil },
		CaptureOptions{Realtime: true}, zap.NewNop())

	stream, err := capture.Open(context.Background(), voice.DefaultCaptureConfig())
	require.NoError(t, err)

	got := make(chan struct{}, 16)
	tap, err := stream.Tap(audio.ChunkSize, func([]float32) { got <- struct{}{} })
	require.NoError(t, err)

	<-got
	tap.Detach()
	// At 16 kHz a 4096-sample chunk lasts 256ms, so no more than one chunk
	// can have been paced out before the detach.
	assert.LessOrEqual(t, len(got), 1)
	require.NoError(t, stream.Close())
}

func TestCapture_RejectsFormat(t *testing.T) {
	capture := NewFileCapture("unused.raw", CaptureOptions{}, zap.NewNop())

	_, err := capture.Open(context.Background(), repositories.CaptureConfig{SampleRate: 48000, Channels: 2})
	assert.Error(t, err)
}

func TestCapture_MissingFile(t *testing.T) {
	capture := NewFileCapture(filepath.Join(t.TempDir(), "missing.raw"), CaptureOptions{}, zap.NewNop())

	_, err := capture.Open(context.Background(), voice.DefaultCaptureConfig())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSink_PlayFlushClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.raw")
	sink, err := CreateFileSink(path, FormatS16LE)
	require.NoError(t, err)

	require.NoError(t, sink.Play([]float32{1, -1, 0}, audio.SampleRate, audio.Channels))
	assert.Equal(t, 3, sink.Samples())

	require.NoError(t, sink.Flush())
	assert.Equal(t, 0, sink.Samples())
	assert.Equal(t, 1, sink.Interruptions())

	require.NoError(t, sink.Play([]float32{0.5}, audio.SampleRate, audio.Channels))
	assert.Error(t, sink.Play([]float32{0.5}, 44100, 1))

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Play([]float32{0.5}, audio.SampleRate, audio.Channels), ErrSinkClosed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, audio.EncodePCM16([]float32{0.5}), data)
}

func TestSink_Float32(t *testing.T) {
	var buf bytes.Buffer
	sink := NewSink(&buf, FormatF32LE)

	require.NoError(t, sink.Play([]float32{0.25, -0.25}, audio.SampleRate, audio.Channels))
	require.NoError(t, sink.Close())

	assert.Equal(t, []float32{0.25, -0.25}, audio.UnpackFloat32(buf.Bytes()))
}
