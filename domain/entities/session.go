package entities

import "time"

// SessionStatus represents the connection status of a voice session
type SessionStatus string

const (
	SessionStatusIdle       SessionStatus = "idle"
	SessionStatusConnecting SessionStatus = "connecting"
	SessionStatusLive       SessionStatus = "live"
	SessionStatusStopped    SessionStatus = "stopped"
	SessionStatusError      SessionStatus = "error"
)

// CanStart reports whether a new connection attempt may begin from this status.
func (s SessionStatus) CanStart() bool {
	return s == SessionStatusIdle || s == SessionStatusStopped || s == SessionStatusError
}

// IsActive reports whether the session holds (or is acquiring) a socket.
func (s SessionStatus) IsActive() bool {
	return s == SessionStatusConnecting || s == SessionStatusLive
}

// StartOptions carries the per-attempt conversation overrides
type StartOptions struct {
	AgentID      string `json:"agent_id,omitempty"`
	FirstMessage string `json:"first_message,omitempty"`
	Language     string `json:"language,omitempty"`
}

// Snapshot is the UI-facing view of a session
type Snapshot struct {
	SessionID      string        `json:"session_id"`
	Status         SessionStatus `json:"status"`
	Error          string        `json:"error,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	Muted          bool          `json:"muted"`
	Transcript     string        `json:"transcript,omitempty"`
	Response       string        `json:"response,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// CanToggleMute reports whether the mute control should be offered
func (s Snapshot) CanToggleMute() bool {
	return s.Status == SessionStatusLive
}
