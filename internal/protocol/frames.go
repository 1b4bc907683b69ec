package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownFrameType marks a well-formed frame whose type is not part of
// the protocol. The router replies with an error envelope instead of
// dropping the connection.
var ErrUnknownFrameType = errors.New("unknown frame type")

// Frame types accepted from clients.
const (
	FrameTranscriptUpdate   = "transcript_update"
	FrameStateChangeRequest = "state_change_request"
	FrameSpeechEvent        = "speech_event"
	FrameHeartbeat          = "heartbeat"
)

// Frame is one inbound client message. Data stays raw until the router
// knows the type, so a bad payload for one type can be rejected without
// guessing at its shape.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type TranscriptUpdateRequest struct {
	InterimTranscript *string  `json:"interim_transcript"`
	FinalTranscript   *string  `json:"final_transcript"`
	Confidence        *float64 `json:"confidence"`
}

type StateChangeRequest struct {
	State    string         `json:"state"`
	Metadata map[string]any `json:"metadata"`
}

type SpeechEventRequest struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
}

var knownFrameTypes = map[string]struct{}{
	FrameTranscriptUpdate:   {},
	FrameStateChangeRequest: {},
	FrameSpeechEvent:        {},
	FrameHeartbeat:          {},
}

// ParseFrame decodes a raw client message and checks the type is known.
func ParseFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if _, ok := knownFrameTypes[f.Type]; !ok {
		return Frame{}, fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
	return f, nil
}
