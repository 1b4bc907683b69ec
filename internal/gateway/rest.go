package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ambiware-labs/parley/internal/conversation"
	"github.com/ambiware-labs/parley/internal/engine"
)

// REST mirror of the realtime surface. Every handler delegates to the
// same engine the websocket path uses, so the two views cannot diverge.

func (s *Service) handleGetState(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	sess, err := s.engine.State(conversationID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id":           sess.ID,
		"current_state":             string(sess.State),
		"valid_next_states":         conversation.Successors(sess.State),
		"speech_recognition_active": sess.State == conversation.StateListening,
		"speech_synthesis_active":   sess.State == conversation.StateSpeaking,
		"transcript": map[string]string{
			"final_transcript":   sess.Transcript,
			"interim_transcript": sess.InterimTranscript,
		},
		"active_connections": s.engine.ConnectionCount(conversationID),
		"timestamp":          s.clock().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Service) handlePostState(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	var body struct {
		State    string         `json:"state"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.State == "" {
		writeError(w, http.StatusBadRequest, "state is required")
		return
	}
	requested, err := conversation.ParseState(body.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.engine.UpdateState(r.Context(), conversationID, requested, body.Metadata)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"conversation_id": conversationID,
		"new_state":       string(sess.State),
		"timestamp":       s.clock().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Service) handlePostTranscript(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	var body struct {
		InterimTranscript *string  `json:"interim_transcript"`
		FinalTranscript   *string  `json:"final_transcript"`
		Confidence        *float64 `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := s.engine.UpdateTranscript(r.Context(), conversationID, body.InterimTranscript, body.FinalTranscript, body.Confidence); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"conversation_id": conversationID,
		"timestamp":       s.clock().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Service) handlePostAIResponse(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	var body struct {
		Content  string         `json:"content"`
		AudioURL string         `json:"audio_url"`
		Feedback map[string]any `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Content == "" {
		writeError(w, http.StatusBadRequest, "message content is required")
		return
	}

	messageID, err := s.engine.RelayResponse(r.Context(), conversationID, body.Content, body.AudioURL, body.Feedback)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"conversation_id": conversationID,
		"message_id":      messageID,
		"timestamp":       s.clock().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Service) handleGetConnections(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id":    conversationID,
		"active_connections": s.engine.ConnectionCount(conversationID),
		"timestamp":          s.clock().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Service) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	messages, err := s.store.ListMessages(r.Context(), conversationID, limit)
	if err != nil {
		s.log.Error("failed to list messages", slogError(err))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		entry := map[string]any{
			"message_id": m.ID,
			"role":       m.Role,
			"content":    m.Content,
			"audio_url":  m.AudioURL,
			"created_at": m.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if len(m.Feedback) > 0 {
			entry["feedback"] = json.RawMessage(m.Feedback)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"messages":        out,
	})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	if err := s.engine.Cleanup(r.Context(), conversationID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"conversation_id": conversationID,
		"timestamp":       s.clock().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Service) writeEngineError(w http.ResponseWriter, err error) {
	var te *engine.TransitionError
	switch {
	case errors.As(err, &te):
		writeError(w, http.StatusConflict, te.Error())
	case errors.Is(err, engine.ErrConversationEnded):
		writeError(w, http.StatusGone, "conversation has ended")
	case errors.Is(err, engine.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	default:
		s.log.Error("request failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
