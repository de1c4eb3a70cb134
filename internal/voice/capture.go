package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain"
	"github.com/satriahrh/voicebridge/domain/entities"
	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/audio"
	"github.com/satriahrh/voicebridge/internal/metrics"
)

// startCapture acquires the microphone, installs the tap and goes live.
func (s *Session) startCapture(ctx context.Context, attempt uint64) error {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	// Never hold two microphone handles: wait for earlier attempts to let go.
	s.Wait()

	if !s.isCurrent(attempt) {
		return s.endedErr(attempt)
	}

	stream, err := s.deps.Capture.Open(ctx, s.cfg.Capture)
	if err != nil {
		if !s.isCurrent(attempt) {
			return s.endedErr(attempt)
		}
		s.logger.Warn("Microphone access denied", zap.Error(err))
		return s.failOrEnded(attempt, domain.NewMicrophoneAccessDenied(err))
	}

	tap, err := stream.Tap(s.cfg.Capture.ChunkSize, func(samples []float32) {
		s.handleCaptureChunk(attempt, samples)
	})
	if err != nil {
		(&resources{stream: stream}).release(s.logger)
		s.logger.Error("Failed to install capture tap", zap.Error(err))
		return s.failOrEnded(attempt, domain.NewMicrophoneAccessDenied(err))
	}

	if !s.goLive(attempt, stream, tap) {
		(&resources{tap: tap, stream: stream}).release(s.logger)
		return s.endedErr(attempt)
	}
	return nil
}

func (s *Session) goLive(attempt uint64, stream repositories.CaptureStream, tap repositories.CaptureTap) bool {
	s.mu.Lock()
	if !s.isCurrentLocked(attempt) {
		s.mu.Unlock()
		return false
	}
	if s.res == nil {
		s.res = &resources{}
	}
	s.res.stream = stream
	s.res.tap = tap
	s.lastActivity = time.Now()
	startedAt := s.startedAt
	s.setStatusLocked(entities.SessionStatusLive)
	s.mu.Unlock()

	metrics.SessionStartsTotal.WithLabelValues("live").Inc()
	metrics.SessionStartLatency.Observe(float64(time.Since(startedAt).Milliseconds()))
	s.publish()
	return true
}

// handleCaptureChunk forwards one captured chunk while live and unmuted.
// Chunks are never queued: anything else is dropped.
func (s *Session) handleCaptureChunk(attempt uint64, samples []float32) {
	s.mu.Lock()
	if attempt != s.attempt || s.status != entities.SessionStatusLive || s.res == nil || s.res.socket == nil {
		s.mu.Unlock()
		metrics.FramesDroppedTotal.WithLabelValues("inactive").Inc()
		return
	}
	if s.muted {
		s.mu.Unlock()
		metrics.FramesDroppedTotal.WithLabelValues("muted").Inc()
		return
	}
	sock := s.res.socket
	s.mu.Unlock()

	frame, err := encodeAudioFrame(samples)
	if err != nil {
		s.logger.Error("Failed to encode audio frame", zap.Error(err))
		metrics.FramesDroppedTotal.WithLabelValues("encode_failed").Inc()
		return
	}

	if err := sock.Send(frame); err != nil {
		s.logger.Warn("Failed to send audio frame", zap.Error(err))
		metrics.FramesDroppedTotal.WithLabelValues("send_failed").Inc()
		return
	}
	metrics.FramesSentTotal.Inc()
}

func encodeAudioFrame(samples []float32) ([]byte, error) {
	return json.Marshal(domain.UserAudioChunkMessage{
		UserAudioChunk: base64.StdEncoding.EncodeToString(audio.EncodePCM16(samples)),
	})
}
