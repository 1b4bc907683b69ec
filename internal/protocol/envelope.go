package protocol

import (
	"encoding/json"
	"time"
)

// Envelope types sent to clients.
const (
	TypeStateUpdate       = "state_update"
	TypeTranscriptUpdate  = "transcript_update"
	TypeAIResponse        = "ai_response"
	TypeSpeechEvent       = "speech_event"
	TypeError             = "error"
	TypeConnectionStatus  = "connection_status"
	TypeHeartbeatResponse = "heartbeat_response"
)

// Envelope wraps every outbound payload. It is constructed fresh per event
// and discarded after transmission; nothing here is persisted.
type Envelope struct {
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
	Payload        any       `json:"payload"`
}

// StateUpdatePayload reports the current state-machine value. Extra holds
// caller-supplied metadata flattened into the payload object on the wire.
type StateUpdatePayload struct {
	CurrentState            string `json:"current_state"`
	SpeechRecognitionActive bool   `json:"speech_recognition_active"`
	SpeechSynthesisActive   bool   `json:"speech_synthesis_active"`
	Extra                   map[string]any
}

func (p StateUpdatePayload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+3)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["current_state"] = p.CurrentState
	out["speech_recognition_active"] = p.SpeechRecognitionActive
	out["speech_synthesis_active"] = p.SpeechSynthesisActive
	return json.Marshal(out)
}

type TranscriptUpdatePayload struct {
	InterimTranscript     string   `json:"interim_transcript"`
	AccumulatedTranscript string   `json:"accumulated_transcript"`
	Confidence            *float64 `json:"confidence"`
}

type AIResponsePayload struct {
	MessageID string         `json:"message_id"`
	Content   string         `json:"content"`
	AudioURL  string         `json:"audio_url,omitempty"`
	Feedback  map[string]any `json:"feedback,omitempty"`
}

type SpeechEventPayload struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

type ErrorPayload struct {
	ErrorType  string `json:"error_type"`
	Message    string `json:"message"`
	RetryAfter *int   `json:"retry_after"`
}

type ConnectionStatusPayload struct {
	Status      string `json:"status"`
	ClientCount int    `json:"client_count"`
}

type HeartbeatResponsePayload struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"server_time"`
}

func NewEnvelope(msgType, conversationID string, now time.Time, payload any) Envelope {
	return Envelope{
		Type:           msgType,
		ConversationID: conversationID,
		Timestamp:      now.UTC(),
		Payload:        payload,
	}
}

func NewErrorEnvelope(conversationID string, now time.Time, errorType, message string) Envelope {
	return NewEnvelope(TypeError, conversationID, now, ErrorPayload{
		ErrorType: errorType,
		Message:   message,
	})
}
