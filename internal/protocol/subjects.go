package protocol

import "time"

// Bus subjects consumed by the bridge. Speech recognition, response
// generation and synthesis run as separate collaborators and publish
// their output here; the sync engine only relays it.
const (
	SubjectTranscriptPartial  = "stt.text.partial"
	SubjectTranscriptFinal    = "stt.text.final"
	SubjectAssistantResponse  = "llm.response.final"
	SubjectSpeechEventPrefix  = "speech.event"
	SubjectStateChangeRequest = "conversation.state.request"
	SubjectCleanup            = "conversation.cleanup"
)

// Transcript is STT output broadcast on the bus.
type Transcript struct {
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	Partial        bool      `json:"partial"`
	Timestamp      time.Time `json:"timestamp"`
	Confidence     *float64  `json:"confidence,omitempty"`
}

// AssistantResponse is the response generator's final output.
type AssistantResponse struct {
	ConversationID string         `json:"conversation_id"`
	Content        string         `json:"content"`
	AudioURL       string         `json:"audio_url,omitempty"`
	Feedback       map[string]any `json:"feedback,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// SpeechEvent carries synthesis/recognition coordination events.
type SpeechEvent struct {
	ConversationID string         `json:"conversation_id"`
	EventType      string         `json:"event_type"`
	Data           map[string]any `json:"data,omitempty"`
}

// StateRequest asks the engine for a state transition on behalf of a
// collaborator without a socket.
type StateRequest struct {
	ConversationID string         `json:"conversation_id"`
	State          string         `json:"state"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CleanupRequest tears a conversation down.
type CleanupRequest struct {
	ConversationID string `json:"conversation_id"`
}
