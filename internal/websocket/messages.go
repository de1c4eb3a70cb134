package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/satriahrh/voicebridge/domain/entities"
	"github.com/satriahrh/voicebridge/domain/repositories"
	"github.com/satriahrh/voicebridge/internal/audio"
)

// MessageType defines the type of a device WebSocket control message
type MessageType string

// Device -> bridge
const (
	MessageTypeStart             MessageType = "start"
	MessageTypeStop              MessageType = "stop"
	MessageTypeMute              MessageType = "mute"
	MessageTypeMicrophoneGranted MessageType = "microphone_granted"
	MessageTypeMicrophoneDenied  MessageType = "microphone_denied"
	MessageTypePing              MessageType = "ping"
)

// Bridge -> device
const (
	MessageTypeStatus            MessageType = "status"
	MessageTypeMicrophoneRequest MessageType = "microphone_request"
	MessageTypeMicrophoneRelease MessageType = "microphone_release"
	MessageTypePlaybackFlush     MessageType = "playback_flush"
	MessageTypePong              MessageType = "pong"
	MessageTypeError             MessageType = "error"
)

// BaseMessage defines the common structure for all control messages
type BaseMessage struct {
	Type      MessageType `json:"type" validate:"required"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id,omitempty"`
}

// StartMessage asks the bridge to start (or restart) the voice session
type StartMessage struct {
	BaseMessage
	entities.StartOptions
}

// StopMessage asks the bridge to stop the voice session
type StopMessage struct {
	BaseMessage
}

// MuteMessage toggles whether captured audio is forwarded
type MuteMessage struct {
	BaseMessage
	Muted bool `json:"muted"`
}

// MicrophoneResponseMessage answers a microphone_request
type MicrophoneResponseMessage struct {
	BaseMessage
	RequestID  string `json:"request_id" validate:"required"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// StatusMessage carries the UI-facing session view
type StatusMessage struct {
	BaseMessage
	Session       entities.Snapshot `json:"session"`
	CanToggleMute bool              `json:"can_toggle_mute"`
}

// MicrophoneRequestMessage asks the device to open its microphone
type MicrophoneRequestMessage struct {
	BaseMessage
	RequestID string                     `json:"request_id"`
	Config    repositories.CaptureConfig `json:"config"`
}

// MicrophoneReleaseMessage tells the device to stop its microphone tracks
type MicrophoneReleaseMessage struct {
	BaseMessage
	RequestID string `json:"request_id"`
}

// PlaybackFlushMessage tells the device to drop audio it has not played yet
type PlaybackFlushMessage struct {
	BaseMessage
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes sent in ErrorMessage
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeNotLive        = "not_live"
	ErrorCodeIdleTimeout    = "idle_timeout"
)

// MessageValidator provides validation for device control messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage validates an incoming control message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	// First parse as base message to get type
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeStart:
		var msg StartMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid start message: %w", err)
		}
		return &msg, nil

	case MessageTypeStop:
		return &StopMessage{BaseMessage: base}, nil

	case MessageTypeMute:
		var msg MuteMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid mute message: %w", err)
		}
		return &msg, nil

	case MessageTypeMicrophoneGranted, MessageTypeMicrophoneDenied:
		var msg MicrophoneResponseMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid microphone response: %w", err)
		}
		if err := v.validateMicrophoneResponse(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

// validateMicrophoneResponse validates microphone answer fields
func (v *MessageValidator) validateMicrophoneResponse(msg *MicrophoneResponseMessage) error {
	if msg.RequestID == "" {
		return fmt.Errorf("request_id is required")
	}
	if msg.Type != MessageTypeMicrophoneGranted {
		return nil
	}
	if msg.SampleRate != 0 && msg.SampleRate != audio.SampleRate {
		return fmt.Errorf("sample_rate must be %d", audio.SampleRate)
	}
	if msg.Channels != 0 && msg.Channels != audio.Channels {
		return fmt.Errorf("channels must be %d", audio.Channels)
	}
	return nil
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().Format(time.RFC3339)}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError),
		Code:        code,
		Message:     message,
		Details:     details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{BaseMessage: newBase(MessageTypePong), Data: data}
}

// CreateStatusMessage wraps a session snapshot
func CreateStatusMessage(snap entities.Snapshot) *StatusMessage {
	return &StatusMessage{
		BaseMessage:   newBase(MessageTypeStatus),
		Session:       snap,
		CanToggleMute: snap.CanToggleMute(),
	}
}

// CreateMicrophoneRequest asks the device for its microphone
func CreateMicrophoneRequest(requestID string, cfg repositories.CaptureConfig) *MicrophoneRequestMessage {
	return &MicrophoneRequestMessage{
		BaseMessage: newBase(MessageTypeMicrophoneRequest),
		RequestID:   requestID,
		Config:      cfg,
	}
}

// CreateMicrophoneRelease tells the device its microphone is no longer needed
func CreateMicrophoneRelease(requestID string) *MicrophoneReleaseMessage {
	return &MicrophoneReleaseMessage{BaseMessage: newBase(MessageTypeMicrophoneRelease), RequestID: requestID}
}

// CreatePlaybackFlush tells the device to drop queued playback
func CreatePlaybackFlush() *PlaybackFlushMessage {
	return &PlaybackFlushMessage{BaseMessage: newBase(MessageTypePlaybackFlush)}
}
