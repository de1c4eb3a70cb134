package domain

import (
	"encoding/json"
	"fmt"
)

// AgentEventType names an inbound frame from the conversational agent
type AgentEventType string

// Inbound event types
const (
	AgentEventAudio                  AgentEventType = "audio"
	AgentEventUserTranscript         AgentEventType = "user_transcript"
	AgentEventAgentResponse          AgentEventType = "agent_response"
	AgentEventPing                   AgentEventType = "ping"
	AgentEventInterruption           AgentEventType = "interruption"
	AgentEventInitiationMetadata     AgentEventType = "conversation_initiation_metadata"
	AgentEventAgentResponseCorrected AgentEventType = "agent_response_correction"
)

// ConversationInitiationMessage is the one-time frame sent after the socket opens
type ConversationInitiationMessage struct {
	Type                       string                      `json:"type"`
	ConversationConfigOverride *ConversationConfigOverride `json:"conversation_config_override,omitempty"`
}

// ConversationConfigOverride carries per-session agent overrides
type ConversationConfigOverride struct {
	Agent *AgentOverride `json:"agent,omitempty"`
}

// AgentOverride overrides the agent's first message and language
type AgentOverride struct {
	FirstMessage string `json:"first_message,omitempty"`
	Language     string `json:"language,omitempty"`
}

// UserAudioChunkMessage carries one base64 encoded PCM16 chunk
type UserAudioChunkMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// PongMessage answers an agent ping
type PongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

// NewConversationInitiation builds the initiation frame. Overrides are omitted when empty.
func NewConversationInitiation(firstMessage, language string) ConversationInitiationMessage {
	msg := ConversationInitiationMessage{Type: "conversation_initiation_client_data"}
	if firstMessage != "" || language != "" {
		msg.ConversationConfigOverride = &ConversationConfigOverride{
			Agent: &AgentOverride{
				FirstMessage: firstMessage,
				Language:     language,
			},
		}
	}
	return msg
}

// NewPong builds the reply to a ping event
func NewPong(eventID int64) PongMessage {
	return PongMessage{Type: "pong", EventID: eventID}
}

// AgentMessage is the union of all inbound frame shapes
type AgentMessage struct {
	Type AgentEventType `json:"type,omitempty"`

	// Audio may arrive nested under audio_event or at the top level. The
	// second shape is undocumented upstream; both are accepted.
	AudioEvent  *AudioEvent `json:"audio_event,omitempty"`
	AudioBase64 string      `json:"audio_base_64,omitempty"`

	UserTranscriptionEvent *UserTranscriptionEvent `json:"user_transcription_event,omitempty"`
	AgentResponseEvent     *AgentResponseEvent     `json:"agent_response_event,omitempty"`
	CorrectionEvent        *CorrectionEvent        `json:"agent_response_correction_event,omitempty"`
	PingEvent              *PingEvent              `json:"ping_event,omitempty"`
	InterruptionEvent      *InterruptionEvent      `json:"interruption_event,omitempty"`

	ConversationInitiationMetadataEvent *InitiationMetadataEvent `json:"conversation_initiation_metadata_event,omitempty"`
}

// AudioEvent is the nested audio payload
type AudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int64  `json:"event_id,omitempty"`
}

// UserTranscriptionEvent carries the recognized user speech
type UserTranscriptionEvent struct {
	UserTranscript string `json:"user_transcript"`
}

// AgentResponseEvent carries the agent's reply text
type AgentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

// CorrectionEvent replaces the last agent response after the user interrupted it
type CorrectionEvent struct {
	OriginalAgentResponse  string `json:"original_agent_response"`
	CorrectedAgentResponse string `json:"corrected_agent_response"`
}

// PingEvent is a keepalive that expects a pong with the same event id
type PingEvent struct {
	EventID int64 `json:"event_id"`
	PingMs  int64 `json:"ping_ms,omitempty"`
}

// InterruptionEvent signals the user talked over the agent
type InterruptionEvent struct {
	EventID int64 `json:"event_id,omitempty"`
}

// InitiationMetadataEvent is sent once the agent accepted the conversation
type InitiationMetadataEvent struct {
	ConversationID         string `json:"conversation_id"`
	AgentOutputAudioFormat string `json:"agent_output_audio_format,omitempty"`
	UserInputAudioFormat   string `json:"user_input_audio_format,omitempty"`
}

// ParseAgentMessage decodes one inbound frame
func ParseAgentMessage(data []byte) (*AgentMessage, error) {
	var msg AgentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	return &msg, nil
}

// Audio returns the base64 audio payload from either supported shape
func (m *AgentMessage) Audio() (string, bool) {
	if m.AudioEvent != nil && m.AudioEvent.AudioBase64 != "" {
		return m.AudioEvent.AudioBase64, true
	}
	if m.AudioBase64 != "" {
		return m.AudioBase64, true
	}
	return "", false
}

// Transcript returns the user transcription text, if present
func (m *AgentMessage) Transcript() (string, bool) {
	if m.UserTranscriptionEvent == nil {
		return "", false
	}
	return m.UserTranscriptionEvent.UserTranscript, true
}

// Response returns the agent response text, if present
func (m *AgentMessage) Response() (string, bool) {
	if m.AgentResponseEvent == nil {
		return "", false
	}
	return m.AgentResponseEvent.AgentResponse, true
}

// CorrectedResponse returns the truncated agent response, if present
func (m *AgentMessage) CorrectedResponse() (string, bool) {
	if m.CorrectionEvent == nil {
		return "", false
	}
	return m.CorrectionEvent.CorrectedAgentResponse, true
}
