package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ambiware-labs/parley/internal/conversation"
	"github.com/ambiware-labs/parley/internal/engine"
	"github.com/ambiware-labs/parley/internal/hub"
	"github.com/ambiware-labs/parley/internal/protocol"
)

// dispatch decodes one inbound frame and routes it to the engine. Every
// failure is answered on the originating connection only; a bad frame
// never reaches the other observers and never ends the connection.
func (s *Service) dispatch(ctx context.Context, conversationID string, c hub.Conn, raw []byte) {
	frame, err := protocol.ParseFrame(raw)
	if err != nil {
		errorType := "invalid_json"
		if errors.Is(err, protocol.ErrUnknownFrameType) {
			errorType = "unknown_message_type"
		}
		s.reply(ctx, c, protocol.NewErrorEnvelope(conversationID, s.clock(), errorType, err.Error()))
		return
	}

	switch frame.Type {
	case protocol.FrameHeartbeat:
		s.engine.Heartbeat(conversationID, c)
		s.reply(ctx, c, protocol.NewEnvelope(protocol.TypeHeartbeatResponse, conversationID, s.clock(),
			protocol.HeartbeatResponsePayload{Status: "alive", ServerTime: s.clock().UTC()}))

	case protocol.FrameTranscriptUpdate:
		var req protocol.TranscriptUpdateRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.reply(ctx, c, protocol.NewErrorEnvelope(conversationID, s.clock(), "invalid_json", "malformed transcript_update data"))
			return
		}
		if _, err := s.engine.UpdateTranscript(ctx, conversationID, req.InterimTranscript, req.FinalTranscript, req.Confidence); err != nil {
			s.replyEngineError(ctx, conversationID, c, err)
		}

	case protocol.FrameStateChangeRequest:
		var req protocol.StateChangeRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.reply(ctx, c, protocol.NewErrorEnvelope(conversationID, s.clock(), "invalid_json", "malformed state_change_request data"))
			return
		}
		requested, err := conversation.ParseState(req.State)
		if err != nil {
			s.reply(ctx, c, protocol.NewErrorEnvelope(conversationID, s.clock(), "invalid_state", err.Error()))
			return
		}
		if _, err := s.engine.UpdateState(ctx, conversationID, requested, req.Metadata); err != nil {
			s.replyEngineError(ctx, conversationID, c, err)
		}

	case protocol.FrameSpeechEvent:
		var req protocol.SpeechEventRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.reply(ctx, c, protocol.NewErrorEnvelope(conversationID, s.clock(), "invalid_json", "malformed speech_event data"))
			return
		}
		if req.EventType == "" {
			s.reply(ctx, c, protocol.NewErrorEnvelope(conversationID, s.clock(), "invalid_message", "speech_event requires event_type"))
			return
		}
		if err := s.engine.RelaySpeechEvent(ctx, conversationID, req.EventType, req.Data); err != nil {
			s.replyEngineError(ctx, conversationID, c, err)
		}
	}
}

// replyEngineError maps engine failures onto reply-only error envelopes.
// Rejected transitions are surfaced to the requester instead of being
// silently dropped.
func (s *Service) replyEngineError(ctx context.Context, conversationID string, c hub.Conn, err error) {
	var te *engine.TransitionError
	switch {
	case errors.As(err, &te):
		s.reply(ctx, c, protocol.NewErrorEnvelope(conversationID, s.clock(), "invalid_transition", te.Error()))
	case errors.Is(err, engine.ErrConversationEnded):
		s.reply(ctx, c, protocol.NewErrorEnvelope(conversationID, s.clock(), "conversation_ended", "conversation has ended"))
	case errors.Is(err, engine.ErrConversationNotFound):
		s.reply(ctx, c, protocol.NewErrorEnvelope(conversationID, s.clock(), "conversation_not_found", "conversation not found"))
	default:
		s.log.Error("frame handling failed", slog.String("conversation_id", conversationID), slogError(err))
		s.reply(ctx, c, protocol.NewErrorEnvelope(conversationID, s.clock(), "message_handling_error", err.Error()))
	}
}

func (s *Service) reply(ctx context.Context, c hub.Conn, env protocol.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		s.log.Error("failed to encode reply envelope", slogError(err))
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Send(sendCtx, payload); err != nil {
		s.log.Warn("failed to send reply", slogError(err))
	}
}
