package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/ambiware-labs/parley/internal/bus"
	"github.com/ambiware-labs/parley/internal/config"
	"github.com/ambiware-labs/parley/internal/conversation"
	"github.com/ambiware-labs/parley/internal/engine"
	"github.com/ambiware-labs/parley/internal/protocol"
)

// Service subscribes to collaborator traffic on the bus and feeds it into
// the engine. Speech recognition, response generation and synthesis all
// publish here; the bridge is their only write path into conversations.
type Service struct {
	cfg    config.BusConfig
	bus    *bus.Client
	engine *engine.Engine
	logger *slog.Logger
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(parent context.Context, cfg config.BusConfig, busClient *bus.Client, eng *engine.Engine, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		engine: eng,
		logger: logger.With(slog.String("component", "bridge")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	for _, binding := range []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectTranscriptPartial, s.handleTranscript},
		{protocol.SubjectTranscriptFinal, s.handleTranscript},
		{protocol.SubjectAssistantResponse, s.handleAssistantResponse},
		{protocol.SubjectSpeechEventPrefix + ".>", s.handleSpeechEvent},
		{protocol.SubjectStateChangeRequest, s.handleStateRequest},
		{protocol.SubjectCleanup, s.handleCleanup},
	} {
		sub, err := s.bus.Conn().Subscribe(binding.subject, binding.handler)
		if err != nil {
			s.drain()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.Info("bridge subscribed", slog.Int("subjects", len(s.subs)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || len(s.subs) > 0
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.logger.Warn("failed to decode transcript", slogError(err))
		return
	}
	if transcript.ConversationID == "" || transcript.Text == "" {
		return
	}

	var interim, final *string
	if transcript.Partial || msg.Subject == protocol.SubjectTranscriptPartial {
		interim = &transcript.Text
	} else {
		final = &transcript.Text
	}
	if _, err := s.engine.UpdateTranscript(s.ctx, transcript.ConversationID, interim, final, transcript.Confidence); err != nil {
		s.logEngineError("transcript", transcript.ConversationID, err)
	}
}

func (s *Service) handleAssistantResponse(msg *nats.Msg) {
	var response protocol.AssistantResponse
	if err := json.Unmarshal(msg.Data, &response); err != nil {
		s.logger.Warn("failed to decode assistant response", slogError(err))
		return
	}
	if response.ConversationID == "" || response.Content == "" {
		return
	}
	if _, err := s.engine.RelayResponse(s.ctx, response.ConversationID, response.Content, response.AudioURL, response.Feedback); err != nil {
		s.logEngineError("assistant response", response.ConversationID, err)
	}
}

func (s *Service) handleSpeechEvent(msg *nats.Msg) {
	var event protocol.SpeechEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		s.logger.Warn("failed to decode speech event", slogError(err))
		return
	}
	if event.ConversationID == "" || event.EventType == "" {
		return
	}
	if err := s.engine.RelaySpeechEvent(s.ctx, event.ConversationID, event.EventType, event.Data); err != nil {
		s.logEngineError("speech event", event.ConversationID, err)
	}
}

func (s *Service) handleStateRequest(msg *nats.Msg) {
	var request protocol.StateRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		s.logger.Warn("failed to decode state request", slogError(err))
		return
	}
	if request.ConversationID == "" {
		return
	}
	state, err := conversation.ParseState(request.State)
	if err != nil {
		s.logger.Warn("state request with unknown state",
			slog.String("conversation_id", request.ConversationID),
			slog.String("state", request.State))
		return
	}
	if _, err := s.engine.UpdateState(s.ctx, request.ConversationID, state, request.Metadata); err != nil {
		s.logEngineError("state request", request.ConversationID, err)
	}
}

func (s *Service) handleCleanup(msg *nats.Msg) {
	var request protocol.CleanupRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		s.logger.Warn("failed to decode cleanup request", slogError(err))
		return
	}
	if request.ConversationID == "" {
		return
	}
	if err := s.engine.Cleanup(s.ctx, request.ConversationID); err != nil {
		s.logEngineError("cleanup", request.ConversationID, err)
	}
}

// Bus traffic for ended or unknown conversations is routine during
// teardown, so those land at debug rather than warn.
func (s *Service) logEngineError(op, conversationID string, err error) {
	level := slog.LevelWarn
	if errors.Is(err, engine.ErrConversationEnded) || errors.Is(err, engine.ErrConversationNotFound) {
		level = slog.LevelDebug
	}
	s.logger.Log(s.ctx, level, "bus message rejected",
		slog.String("operation", op),
		slog.String("conversation_id", conversationID),
		slogError(err))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
