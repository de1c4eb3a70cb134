package domain

import (
	"errors"
	"fmt"
)

// ErrorKind categorizes voice session failures
type ErrorKind string

const (
	// ErrorKindSessionStart is a failed signed URL fetch
	ErrorKindSessionStart ErrorKind = "session_start"
	// ErrorKindMicrophoneAccessDenied is a refused or busy capture device
	ErrorKindMicrophoneAccessDenied ErrorKind = "microphone_access_denied"
	// ErrorKindConnection is a socket-level error event
	ErrorKindConnection ErrorKind = "connection"
	// ErrorKindOriginRejected is a close caused by the remote origin allowlist
	ErrorKindOriginRejected ErrorKind = "origin_rejected"
	// ErrorKindUnexpectedClose is any other close not requested by the user
	ErrorKindUnexpectedClose ErrorKind = "unexpected_close"
	// ErrorKindFrameDecode is a malformed inbound frame. Logged only.
	ErrorKindFrameDecode ErrorKind = "frame_decode"
)

// Kind sentinels for errors.Is
var (
	ErrSessionStart           = &SessionError{Kind: ErrorKindSessionStart}
	ErrMicrophoneAccessDenied = &SessionError{Kind: ErrorKindMicrophoneAccessDenied}
	ErrConnection             = &SessionError{Kind: ErrorKindConnection}
	ErrOriginRejected         = &SessionError{Kind: ErrorKindOriginRejected}
	ErrUnexpectedClose        = &SessionError{Kind: ErrorKindUnexpectedClose}
	ErrFrameDecode            = &SessionError{Kind: ErrorKindFrameDecode}
)

// SessionError is the single error type surfaced by a voice session
type SessionError struct {
	Kind    ErrorKind
	Message string
	Err     error // Wrapped error
}

// Error implements the error interface
func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error for error unwrapping
func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is matches any SessionError of the same kind
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// UserMessage is the short message shown in the error slot
func (e *SessionError) UserMessage() string {
	return e.Message
}

// Surfaced reports whether the error is shown to the user
func (e *SessionError) Surfaced() bool {
	return e.Kind != ErrorKindFrameDecode
}

// NewSessionStartError wraps a signed URL fetch failure. The reason is shown verbatim.
func NewSessionStartError(reason string, err error) *SessionError {
	return &SessionError{Kind: ErrorKindSessionStart, Message: reason, Err: err}
}

// NewMicrophoneAccessDenied wraps a capture acquisition failure
func NewMicrophoneAccessDenied(err error) *SessionError {
	return &SessionError{
		Kind:    ErrorKindMicrophoneAccessDenied,
		Message: "microphone access denied: check microphone permissions and try again",
		Err:     err,
	}
}

// NewConnectionError wraps a socket error event
func NewConnectionError(err error) *SessionError {
	return &SessionError{
		Kind:    ErrorKindConnection,
		Message: "connection error with the voice agent",
		Err:     err,
	}
}

// NewOriginRejected describes a close caused by the remote origin allowlist
func NewOriginRejected(origin string, code int, reason string) *SessionError {
	if origin == "" {
		origin = "(unknown origin)"
	}
	return &SessionError{
		Kind: ErrorKindOriginRejected,
		Message: fmt.Sprintf("the voice agent rejected origin %s: add it to the agent's allowed origins and try again",
			origin),
		Err: fmt.Errorf("close %d: %s", code, reason),
	}
}

// NewUnexpectedClose describes a close not requested by the user
func NewUnexpectedClose(code int, reason string) *SessionError {
	return &SessionError{
		Kind:    ErrorKindUnexpectedClose,
		Message: "the voice connection closed unexpectedly",
		Err:     fmt.Errorf("close %d: %s", code, reason),
	}
}

// NewFrameDecodeError wraps a malformed inbound frame
func NewFrameDecodeError(err error) *SessionError {
	return &SessionError{Kind: ErrorKindFrameDecode, Message: "failed to decode inbound frame", Err: err}
}

// AsSessionError extracts a *SessionError from err, if any
func AsSessionError(err error) (*SessionError, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
