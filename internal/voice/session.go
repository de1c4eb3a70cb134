// Package voice implements the realtime voice session bridge: one Session owns
// the agent socket, the microphone capture graph and the playback path for a
// single conversation attempt, and exposes a small status machine to its owner.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/voicebridge/domain"
	"github.com/satriahrh/voicebridge/domain/entities"
	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/audio"
	"github.com/satriahrh/voicebridge/internal/metrics"
)

var (
	// ErrStartAborted is returned by Start when Stop, Close or a newer Start
	// superseded the attempt before it went live.
	ErrStartAborted = errors.New("voice: start aborted")

	// ErrSessionClosed is returned once Close has been called.
	ErrSessionClosed = errors.New("voice: session closed")

	// ErrNotLive is returned by SetMuted outside the live state.
	ErrNotLive = errors.New("voice: session is not live")
)

// Config holds per-session settings
type Config struct {
	// Origin is sent by the transport and named when the agent rejects it.
	Origin string
	// Capture is the requested input device configuration.
	Capture repositories.CaptureConfig
	// Defaults fill in StartOptions fields left empty by the caller.
	Defaults entities.StartOptions
}

// DefaultCaptureConfig returns the 16 kHz mono capture settings
func DefaultCaptureConfig() repositories.CaptureConfig {
	return repositories.CaptureConfig{
		SampleRate:       audio.SampleRate,
		Channels:         audio.Channels,
		EchoCancellation: true,
		NoiseSuppression: true,
		ChunkSize:        audio.ChunkSize,
	}
}

// Dependencies are the capabilities a Session drives
type Dependencies struct {
	Fetcher repositories.SignedURLFetcher
	Dialer  repositories.SocketDialer
	Capture repositories.AudioCaptureDevice
	Output  repositories.AudioOutputDevice
}

// Session is one voice conversation between a client and a remote agent.
// All state transitions are serialized by mu; device and network I/O happen
// outside of it.
type Session struct {
	id     string
	cfg    Config
	deps   Dependencies
	logger *zap.Logger

	mu             sync.Mutex
	status         entities.SessionStatus
	lastErr        *domain.SessionError
	muted          bool
	transcript     string
	response       string
	conversationID string
	updatedAt      time.Time
	lastActivity   time.Time
	startedAt      time.Time
	attempt        uint64
	cancel         context.CancelFunc
	res            *resources
	pending        map[*pendingTeardown]struct{}
	closed         bool

	// acquireMu serializes microphone acquisition across attempts.
	acquireMu sync.Mutex

	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers map[int]func(entities.Snapshot)
	nextObsID int
}

// NewSession creates an idle session
func NewSession(cfg Config, deps Dependencies, logger *zap.Logger) *Session {
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture = DefaultCaptureConfig()
	}
	if cfg.Capture.ChunkSize == 0 {
		cfg.Capture.ChunkSize = audio.ChunkSize
	}

	id := uuid.NewString()
	return &Session{
		id:        id,
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With(zap.String("sessionID", id)),
		status:    entities.SessionStatusIdle,
		updatedAt: time.Now(),
		pending:   make(map[*pendingTeardown]struct{}),
		observers: make(map[int]func(entities.Snapshot)),
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Status returns the current connection status
func (s *Session) Status() entities.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns when the agent last sent a frame (or when the session went live)
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Snapshot returns the UI-facing view of the session
func (s *Session) Snapshot() entities.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() entities.Snapshot {
	snap := entities.Snapshot{
		SessionID:      s.id,
		Status:         s.status,
		Muted:          s.muted,
		Transcript:     s.transcript,
		Response:       s.response,
		ConversationID: s.conversationID,
		UpdatedAt:      s.updatedAt,
	}
	if s.lastErr != nil && s.lastErr.Surfaced() {
		snap.Error = s.lastErr.UserMessage()
		snap.ErrorKind = string(s.lastErr.Kind)
	}
	return snap
}

// Err returns the error that ended the last attempt, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		return nil
	}
	return s.lastErr
}

// Subscribe registers fn to receive a snapshot after every observable change.
// fn runs synchronously and must not call back into the session's mutating methods.
func (s *Session) Subscribe(fn func(entities.Snapshot)) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Session) publish() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	snap := s.Snapshot()

	s.obsMu.Lock()
	fns := make([]func(entities.Snapshot), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// setStatusLocked records a transition and keeps the active gauge in step.
func (s *Session) setStatusLocked(next entities.SessionStatus) {
	prev := s.status
	if prev == next {
		return
	}
	if !prev.IsActive() && next.IsActive() {
		metrics.ActiveSessions.Inc()
	} else if prev.IsActive() && !next.IsActive() {
		metrics.ActiveSessions.Dec()
	}
	s.status = next
	s.updatedAt = time.Now()

	s.logger.Info("Voice session status changed",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.Uint64("attempt", s.attempt))
}

func (s *Session) isCurrentLocked(attempt uint64) bool {
	return attempt == s.attempt && s.status.IsActive()
}

// Start begins a new connection attempt and blocks until the session is live
// or the attempt failed. Any previous attempt is torn down first.
func (s *Session) Start(ctx context.Context, opts entities.StartOptions) error {
	opts = s.withDefaults(opts)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.status.CanStart() {
		s.logger.Info("Restarting active voice session", zap.String("status", string(s.status)))
	}
	s.teardownLocked(s.takeResourcesLocked())

	s.attempt++
	attempt := s.attempt
	attemptCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.lastErr = nil
	s.transcript = ""
	s.response = ""
	s.conversationID = ""
	s.muted = false
	s.startedAt = time.Now()
	s.setStatusLocked(entities.SessionStatusConnecting)
	s.mu.Unlock()
	s.publish()

	logger := s.logger.With(zap.Uint64("attempt", attempt))
	logger.Info("Starting voice session",
		zap.String("agentID", opts.AgentID),
		zap.String("language", opts.Language))

	signedURL, err := s.deps.Fetcher.FetchSignedURL(attemptCtx, opts.AgentID)
	if err != nil {
		if !s.isCurrent(attempt) {
			return s.endedErr(attempt)
		}
		logger.Error("Failed to fetch signed URL", zap.Error(err))
		return s.failOrEnded(attempt, toStartError(err))
	}

	if !s.isCurrent(attempt) {
		return s.endedErr(attempt)
	}

	sock, err := s.deps.Dialer.Dial(attemptCtx, signedURL, &socketListener{s: s, attempt: attempt})
	if err != nil {
		if !s.isCurrent(attempt) {
			return s.endedErr(attempt)
		}
		logger.Error("Failed to open agent socket", zap.Error(err))
		return s.failOrEnded(attempt, domain.NewConnectionError(err))
	}

	if !s.adoptSocket(attempt, sock) {
		// Events delivered during the dial may already have ended the attempt.
		_ = sock.Close()
		return s.endedErr(attempt)
	}

	return s.handleOpen(attemptCtx, attempt, sock, opts)
}

func (s *Session) withDefaults(opts entities.StartOptions) entities.StartOptions {
	if opts.AgentID == "" {
		opts.AgentID = s.cfg.Defaults.AgentID
	}
	if opts.Language == "" {
		opts.Language = s.cfg.Defaults.Language
	}
	if opts.FirstMessage == "" {
		opts.FirstMessage = s.cfg.Defaults.FirstMessage
	}
	return opts
}

func (s *Session) isCurrent(attempt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCurrentLocked(attempt)
}

func (s *Session) adoptSocket(attempt uint64, sock repositories.Socket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isCurrentLocked(attempt) {
		return false
	}
	if s.res == nil {
		s.res = &resources{}
	}
	s.res.socket = sock
	return true
}

// handleOpen runs the connecting -> live transition: initiation frame, then capture.
func (s *Session) handleOpen(ctx context.Context, attempt uint64, sock repositories.Socket, opts entities.StartOptions) error {
	frame, err := json.Marshal(domain.NewConversationInitiation(opts.FirstMessage, opts.Language))
	if err != nil {
		return s.failOrEnded(attempt, domain.NewConnectionError(err))
	}
	if err := sock.Send(frame); err != nil {
		if !s.isCurrent(attempt) {
			return s.endedErr(attempt)
		}
		s.logger.Error("Failed to send conversation initiation", zap.Error(err))
		return s.failOrEnded(attempt, domain.NewConnectionError(err))
	}

	return s.startCapture(ctx, attempt)
}

// endedErr is what Start returns for an attempt that is no longer active:
// the error that ended it, or ErrStartAborted when Stop, Close or a newer
// Start ended it.
func (s *Session) endedErr(attempt uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt == s.attempt && s.lastErr != nil {
		return s.lastErr
	}
	return ErrStartAborted
}

// failOrEnded fails the attempt if it is still current and returns the
// error Start should report.
func (s *Session) failOrEnded(attempt uint64, serr *domain.SessionError) error {
	if !s.fail(attempt, serr) {
		return s.endedErr(attempt)
	}
	return serr
}

// fail moves a current attempt into the error state and tears it down. It
// reports false when the attempt had already ended.
func (s *Session) fail(attempt uint64, serr *domain.SessionError) bool {
	s.mu.Lock()
	if !s.isCurrentLocked(attempt) {
		s.mu.Unlock()
		return false
	}
	s.lastErr = serr
	s.setStatusLocked(entities.SessionStatusError)
	s.teardownLocked(s.takeResourcesLocked())
	s.mu.Unlock()

	metrics.SessionErrorsTotal.WithLabelValues(string(serr.Kind)).Inc()
	if serr.Kind == domain.ErrorKindSessionStart || serr.Kind == domain.ErrorKindMicrophoneAccessDenied {
		metrics.SessionStartsTotal.WithLabelValues(string(serr.Kind)).Inc()
	}
	s.publish()
	return true
}

// Stop ends the session on user request. The status becomes stopped
// immediately; resources are released in the background (see Wait).
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.status.IsActive() {
		s.mu.Unlock()
		return
	}
	s.setStatusLocked(entities.SessionStatusStopped)
	s.teardownLocked(s.takeResourcesLocked())
	s.mu.Unlock()

	s.logger.Info("Voice session stopped by user")
	s.publish()
}

// SetMuted suppresses (or resumes) sending captured audio. Capture continues.
func (s *Session) SetMuted(muted bool) error {
	s.mu.Lock()
	if s.status != entities.SessionStatusLive {
		s.mu.Unlock()
		return ErrNotLive
	}
	if s.muted == muted {
		s.mu.Unlock()
		return nil
	}
	s.muted = muted
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("Voice session mute changed", zap.Bool("muted", muted))
	s.publish()
	return nil
}

// Close tears the session down for good and waits for every resource to be released.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.Wait()
		return
	}
	s.closed = true
	if s.status.IsActive() {
		s.setStatusLocked(entities.SessionStatusStopped)
	}
	s.teardownLocked(s.takeResourcesLocked())
	s.mu.Unlock()

	s.publish()
	s.Wait()

	s.obsMu.Lock()
	s.observers = make(map[int]func(entities.Snapshot))
	s.obsMu.Unlock()
}

func toStartError(err error) *domain.SessionError {
	if serr, ok := domain.AsSessionError(err); ok && serr.Kind == domain.ErrorKindSessionStart {
		return serr
	}
	return domain.NewSessionStartError(err.Error(), err)
}

// socketListener binds socket events to the attempt that opened the socket,
// so events from a superseded socket are ignored.
type socketListener struct {
	s       *Session
	attempt uint64
}

func (l *socketListener) OnMessage(data []byte) {
	l.s.handleMessage(l.attempt, data)
}

func (l *socketListener) OnError(err error) {
	l.s.handleSocketError(l.attempt, err)
}

func (l *socketListener) OnClose(code int, reason string) {
	l.s.handleClose(l.attempt, code, reason)
}
