package voice

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain"
	"github.com/satriahrh/voicebridge/domain/entities"
	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/audio"
	"github.com/satriahrh/voicebridge/internal/metrics"
)

// handleMessage dispatches one inbound frame. It never changes the status.
func (s *Session) handleMessage(attempt uint64, data []byte) {
	s.mu.Lock()
	if !s.isCurrentLocked(attempt) {
		s.mu.Unlock()
		return
	}
	s.lastActivity = time.Now()
	var sock repositories.Socket
	if s.res != nil {
		sock = s.res.socket
	}
	s.mu.Unlock()

	msg, err := domain.ParseAgentMessage(data)
	if err != nil {
		s.dropFrame(domain.NewFrameDecodeError(err))
		return
	}

	if b64, ok := msg.Audio(); ok {
		metrics.FramesReceivedTotal.WithLabelValues(string(domain.AgentEventAudio)).Inc()
		s.play(b64)
		return
	}

	if text, ok := msg.Transcript(); ok {
		metrics.FramesReceivedTotal.WithLabelValues(string(domain.AgentEventUserTranscript)).Inc()
		s.updateText(attempt, func() { s.transcript = text })
		return
	}

	if text, ok := msg.Response(); ok {
		metrics.FramesReceivedTotal.WithLabelValues(string(domain.AgentEventAgentResponse)).Inc()
		s.updateText(attempt, func() { s.response = text })
		return
	}

	if text, ok := msg.CorrectedResponse(); ok {
		metrics.FramesReceivedTotal.WithLabelValues(string(domain.AgentEventAgentResponseCorrected)).Inc()
		s.updateText(attempt, func() { s.response = text })
		return
	}

	switch {
	case msg.PingEvent != nil:
		metrics.FramesReceivedTotal.WithLabelValues(string(domain.AgentEventPing)).Inc()
		s.pong(sock, msg.PingEvent.EventID)
	case msg.InterruptionEvent != nil || msg.Type == domain.AgentEventInterruption:
		metrics.FramesReceivedTotal.WithLabelValues(string(domain.AgentEventInterruption)).Inc()
		s.flushOutput()
	case msg.ConversationInitiationMetadataEvent != nil:
		metrics.FramesReceivedTotal.WithLabelValues(string(domain.AgentEventInitiationMetadata)).Inc()
		conversationID := msg.ConversationInitiationMetadataEvent.ConversationID
		s.updateText(attempt, func() { s.conversationID = conversationID })
		s.logger.Info("Conversation initiated", zap.String("conversationID", conversationID))
	default:
		metrics.FramesReceivedTotal.WithLabelValues("other").Inc()
		s.logger.Debug("Ignoring agent frame", zap.String("type", string(msg.Type)))
	}
}

func (s *Session) updateText(attempt uint64, apply func()) {
	s.mu.Lock()
	if !s.isCurrentLocked(attempt) {
		s.mu.Unlock()
		return
	}
	apply()
	s.updatedAt = time.Now()
	s.mu.Unlock()
	s.publish()
}

// play decodes one audio payload and schedules it immediately.
func (s *Session) play(b64 string) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		s.dropFrame(domain.NewFrameDecodeError(fmt.Errorf("invalid base64 audio: %w", err)))
		return
	}
	samples := audio.DecodePCM16(raw)
	if len(samples) == 0 {
		s.dropFrame(domain.NewFrameDecodeError(errors.New("empty audio payload")))
		return
	}
	if s.deps.Output == nil {
		return
	}
	if err := s.deps.Output.Play(samples, audio.SampleRate, audio.Channels); err != nil {
		s.dropFrame(domain.NewFrameDecodeError(fmt.Errorf("playback failed: %w", err)))
	}
}

func (s *Session) flushOutput() {
	flusher, ok := s.deps.Output.(repositories.Flusher)
	if !ok {
		return
	}
	if err := flusher.Flush(); err != nil {
		s.logger.Warn("Failed to flush playback", zap.Error(err))
	}
}

func (s *Session) pong(sock repositories.Socket, eventID int64) {
	if sock == nil {
		s.logger.Debug("Ping received before socket was adopted", zap.Int64("eventID", eventID))
		return
	}
	frame, err := json.Marshal(domain.NewPong(eventID))
	if err != nil {
		return
	}
	if err := sock.Send(frame); err != nil {
		s.logger.Warn("Failed to answer ping", zap.Int64("eventID", eventID), zap.Error(err))
	}
}

func (s *Session) dropFrame(serr *domain.SessionError) {
	metrics.FrameDecodeErrorsTotal.Inc()
	s.logger.Warn("Dropping inbound frame", zap.Error(serr))
}

// handleSocketError moves a current attempt into the error state.
func (s *Session) handleSocketError(attempt uint64, err error) {
	s.logger.Error("Agent socket error", zap.Error(err))
	s.fail(attempt, domain.NewConnectionError(err))
}

// handleClose ends a current attempt. A close requested by the user, or one
// following an error, has already left the active states and is ignored.
func (s *Session) handleClose(attempt uint64, code int, reason string) {
	s.mu.Lock()
	if !s.isCurrentLocked(attempt) {
		s.mu.Unlock()
		return
	}

	var serr *domain.SessionError
	switch {
	case isOriginRejection(code, reason):
		serr = domain.NewOriginRejected(s.cfg.Origin, code, reason)
		s.lastErr = serr
		s.setStatusLocked(entities.SessionStatusError)
	case code == websocket.CloseNormalClosure:
		s.setStatusLocked(entities.SessionStatusStopped)
	default:
		serr = domain.NewUnexpectedClose(code, reason)
		s.lastErr = serr
		s.setStatusLocked(entities.SessionStatusStopped)
	}
	s.teardownLocked(s.takeResourcesLocked())
	s.mu.Unlock()

	if serr != nil {
		metrics.SessionErrorsTotal.WithLabelValues(string(serr.Kind)).Inc()
		s.logger.Warn("Agent socket closed", zap.Int("code", code), zap.String("reason", reason), zap.Error(serr))
	} else {
		s.logger.Info("Agent ended the conversation", zap.Int("code", code))
	}
	s.publish()
}

// isOriginRejection matches the policy-violation close the agent service sends
// when the caller's origin is not on the agent's allowlist.
func isOriginRejection(code int, reason string) bool {
	if code != websocket.ClosePolicyViolation && code < 3000 {
		return false
	}
	r := strings.ToLower(reason)
	return strings.Contains(r, "origin") || strings.Contains(r, "allowlist")
}
