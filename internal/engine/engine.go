package engine

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ambiware-labs/parley/internal/conversation"
	"github.com/ambiware-labs/parley/internal/hub"
	"github.com/ambiware-labs/parley/internal/protocol"
)

// Store is the durable persistence collaborator. Writes are best-effort:
// the engine logs failures and keeps serving from memory.
type Store interface {
	SaveSnapshot(ctx context.Context, sess conversation.Session) error
	LoadSnapshot(ctx context.Context, conversationID string) (conversation.Session, bool, error)
	DeleteSnapshot(ctx context.Context, conversationID string) error
	SaveMessage(ctx context.Context, conversationID, role, content, audioURL string, feedback []byte) (string, error)
}

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	// SendTimeout bounds each per-connection send so one stuck peer
	// cannot stall fan-out to the rest.
	SendTimeout time.Duration
	// PersistTimeout bounds snapshot writes inside the critical section.
	PersistTimeout time.Duration
	// LockStripes is the number of keyed-mutex shards.
	LockStripes int
	// MaxTombstones caps how many cleaned-up ids are remembered.
	MaxTombstones int
}

const (
	defaultSendTimeout    = 5 * time.Second
	defaultPersistTimeout = 2 * time.Second
	defaultLockStripes    = 64
	defaultMaxTombstones  = 4096
)

// Engine is the synchronization core: one owned instance holding the
// session registry, the connection hub and the per-conversation guards.
// Every public operation for a given conversation id runs as one critical
// section, so mutation, persistence attempt and broadcast never interleave
// with a concurrent update to the same conversation.
type Engine struct {
	registry *conversation.Registry
	hub      *hub.Hub
	store    Store
	log      *slog.Logger
	clock    func() time.Time
	opts     Options
	metrics  *engineMetrics

	locks []sync.Mutex

	tombMu     sync.Mutex
	tombstones map[string]struct{}
	tombOrder  []string
}

func New(registry *conversation.Registry, h *hub.Hub, store Store, log *slog.Logger, opts Options) *Engine {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaultPersistTimeout
	}
	if opts.LockStripes <= 0 {
		opts.LockStripes = defaultLockStripes
	}
	if opts.MaxTombstones <= 0 {
		opts.MaxTombstones = defaultMaxTombstones
	}
	log = log.With(slog.String("component", "engine"))
	return &Engine{
		registry:   registry,
		hub:        h,
		store:      store,
		log:        log,
		clock:      time.Now,
		opts:       opts,
		metrics:    newEngineMetrics(log),
		locks:      make([]sync.Mutex, opts.LockStripes),
		tombstones: make(map[string]struct{}),
	}
}

// lockFor shards the per-conversation guard. Unrelated conversations can
// proceed in parallel; two updates to the same id always serialize.
func (e *Engine) lockFor(conversationID string) *sync.Mutex {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(conversationID))
	return &e.locks[hash.Sum32()%uint32(len(e.locks))]
}

// UpdateState validates and applies a state transition, persists the new
// snapshot and broadcasts a state_update. An illegal transition returns a
// *TransitionError with no observable effect.
func (e *Engine) UpdateState(ctx context.Context, conversationID string, requested conversation.State, metadata map[string]any) (conversation.Session, error) {
	mu := e.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.ensureLive(conversationID); err != nil {
		return conversation.Session{}, err
	}

	sess := e.sessionOrNew(ctx, conversationID)
	if !conversation.CanTransition(sess.State, requested) {
		e.metrics.transitionRejected(ctx)
		e.log.Warn("rejected state transition",
			slog.String("conversation_id", conversationID),
			slog.String("from", string(sess.State)),
			slog.String("to", string(requested)))
		return conversation.Session{}, &TransitionError{ConversationID: conversationID, From: sess.State, To: requested}
	}

	previous := sess.State
	sess.State = requested
	sess.UpdatedAt = e.clock()
	e.registry.Put(sess)
	e.persist(ctx, sess)
	e.broadcast(ctx, conversationID, protocol.NewEnvelope(
		protocol.TypeStateUpdate, conversationID, e.clock(), statePayload(sess, metadata)))

	e.log.Info("conversation state updated",
		slog.String("conversation_id", conversationID),
		slog.String("from", string(previous)),
		slog.String("to", string(requested)))
	return sess, nil
}

// UpdateTranscript merges a transcript fragment, persists and broadcasts a
// transcript_update. Confidence is forwarded on the wire but never stored.
func (e *Engine) UpdateTranscript(ctx context.Context, conversationID string, interim, final *string, confidence *float64) (conversation.Session, error) {
	mu := e.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.ensureLive(conversationID); err != nil {
		return conversation.Session{}, err
	}

	sess := e.sessionOrNew(ctx, conversationID)
	sess = conversation.ApplyTranscript(sess, interim, final, e.clock())
	e.registry.Put(sess)
	if final != nil {
		e.persist(ctx, sess)
	}
	e.broadcast(ctx, conversationID, protocol.NewEnvelope(
		protocol.TypeTranscriptUpdate, conversationID, e.clock(), protocol.TranscriptUpdatePayload{
			InterimTranscript:     sess.InterimTranscript,
			AccumulatedTranscript: sess.Transcript,
			Confidence:            confidence,
		}))
	return sess, nil
}

// RelayResponse stores an assistant message produced upstream and
// broadcasts it as an ai_response. The engine never generates content.
func (e *Engine) RelayResponse(ctx context.Context, conversationID, content, audioURL string, feedback map[string]any) (string, error) {
	mu := e.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.ensureLive(conversationID); err != nil {
		return "", err
	}

	var feedbackJSON []byte
	if feedback != nil {
		var err error
		if feedbackJSON, err = json.Marshal(feedback); err != nil {
			e.log.Warn("failed to encode feedback", slog.String("conversation_id", conversationID), slogError(err))
			feedbackJSON = nil
		}
	}

	storeCtx, cancel := context.WithTimeout(ctx, e.opts.PersistTimeout)
	messageID, err := e.store.SaveMessage(storeCtx, conversationID, "assistant", content, audioURL, feedbackJSON)
	cancel()
	if err != nil {
		e.log.Warn("failed to store assistant message", slog.String("conversation_id", conversationID), slogError(err))
		messageID = uuid.NewString()
	}

	e.broadcast(ctx, conversationID, protocol.NewEnvelope(
		protocol.TypeAIResponse, conversationID, e.clock(), protocol.AIResponsePayload{
			MessageID: messageID,
			Content:   content,
			AudioURL:  audioURL,
			Feedback:  feedback,
		}))
	return messageID, nil
}

// RelaySpeechEvent broadcasts a speech coordination event. No registry
// mutation, no persistence.
func (e *Engine) RelaySpeechEvent(ctx context.Context, conversationID, eventType string, data map[string]any) error {
	mu := e.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.ensureLive(conversationID); err != nil {
		return err
	}
	e.broadcast(ctx, conversationID, protocol.NewEnvelope(
		protocol.TypeSpeechEvent, conversationID, e.clock(), protocol.SpeechEventPayload{
			EventType: eventType,
			Data:      data,
		}))
	return nil
}

// Connect registers a transport handle and pushes the current truth to it:
// one state_update snapshot (current state plus transcript) followed by a
// connection_status with the live client count. The snapshot is sent to
// this handle only, never broadcast. A cold registry is seeded from the
// durable store when possible.
func (e *Engine) Connect(ctx context.Context, conversationID string, c hub.Conn) (conversation.Session, error) {
	mu := e.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.ensureLive(conversationID); err != nil {
		return conversation.Session{}, err
	}

	sess, ok := e.registry.Get(conversationID)
	if !ok {
		loadCtx, cancel := context.WithTimeout(ctx, e.opts.PersistTimeout)
		seeded, found, err := e.store.LoadSnapshot(loadCtx, conversationID)
		cancel()
		switch {
		case err != nil:
			e.log.Warn("failed to seed session from snapshot", slog.String("conversation_id", conversationID), slogError(err))
			sess = conversation.NewSession(conversationID, e.clock())
		case found:
			sess = seeded
		default:
			sess = conversation.NewSession(conversationID, e.clock())
		}
		e.registry.Put(sess)
	}

	e.hub.Add(conversationID, c)
	e.metrics.connectionDelta(ctx, 1)

	snapshot := protocol.NewEnvelope(protocol.TypeStateUpdate, conversationID, e.clock(), statePayload(sess, map[string]any{
		"transcript": map[string]string{
			"final_transcript":   sess.Transcript,
			"interim_transcript": sess.InterimTranscript,
		},
	}))
	if err := e.sendTo(ctx, conversationID, c, snapshot); err != nil {
		return conversation.Session{}, err
	}

	status := protocol.NewEnvelope(protocol.TypeConnectionStatus, conversationID, e.clock(), protocol.ConnectionStatusPayload{
		Status:      "connected",
		ClientCount: e.hub.Count(conversationID),
	})
	if err := e.sendTo(ctx, conversationID, c, status); err != nil {
		return conversation.Session{}, err
	}

	e.log.Info("connection added",
		slog.String("conversation_id", conversationID),
		slog.Int("client_count", e.hub.Count(conversationID)))
	return sess, nil
}

// Disconnect unregisters a handle. Safe to call after the broadcaster has
// already pruned it.
func (e *Engine) Disconnect(ctx context.Context, conversationID string, c hub.Conn) {
	if e.hub.Remove(conversationID, c) {
		e.metrics.connectionDelta(ctx, -1)
		e.log.Info("connection removed", slog.String("conversation_id", conversationID))
	}
}

// Cleanup ends a conversation: every connection is closed with an explicit
// reason (each closure failure-isolated), the session leaves the registry,
// the durable copy is deleted and the id is tombstoned so later
// operations fail with ErrConversationEnded instead of resurrecting a
// fresh session.
func (e *Engine) Cleanup(ctx context.Context, conversationID string) error {
	mu := e.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	if e.isTombstoned(conversationID) {
		return ErrConversationEnded
	}
	_, known := e.registry.Get(conversationID)
	conns := e.hub.RemoveAll(conversationID)
	if !known && len(conns) == 0 {
		return ErrConversationNotFound
	}

	for _, c := range conns {
		if err := c.Close("conversation ended"); err != nil {
			e.log.Warn("failed to close connection during cleanup",
				slog.String("conversation_id", conversationID), slogError(err))
		}
		e.metrics.connectionDelta(ctx, -1)
	}

	e.registry.Remove(conversationID)

	deleteCtx, cancel := context.WithTimeout(ctx, e.opts.PersistTimeout)
	if err := e.store.DeleteSnapshot(deleteCtx, conversationID); err != nil {
		e.log.Warn("failed to delete snapshot during cleanup",
			slog.String("conversation_id", conversationID), slogError(err))
	}
	cancel()

	e.tombstone(conversationID)
	e.log.Info("conversation cleaned up",
		slog.String("conversation_id", conversationID),
		slog.Int("connections_closed", len(conns)))
	return nil
}

// State returns a copy of the current session. Reads never materialize a
// session: unknown ids report not-found.
func (e *Engine) State(conversationID string) (conversation.Session, error) {
	mu := e.lockFor(conversationID)
	mu.Lock()
	defer mu.Unlock()

	if e.isTombstoned(conversationID) {
		return conversation.Session{}, ErrConversationEnded
	}
	sess, ok := e.registry.Get(conversationID)
	if !ok {
		return conversation.Session{}, ErrConversationNotFound
	}
	return sess, nil
}

// ConnectionCount exposes the live connection count for monitoring.
func (e *Engine) ConnectionCount(conversationID string) int {
	return e.hub.Count(conversationID)
}

// Heartbeat records liveness for a connection. No session mutation.
func (e *Engine) Heartbeat(conversationID string, c hub.Conn) {
	e.hub.Touch(conversationID, c)
}

func (e *Engine) ensureLive(conversationID string) error {
	if e.isTombstoned(conversationID) {
		return ErrConversationEnded
	}
	return nil
}

// sessionOrNew returns the registry session, seeding from the durable
// store or creating a fresh idle session on first touch. Caller holds the
// conversation guard.
func (e *Engine) sessionOrNew(ctx context.Context, conversationID string) conversation.Session {
	if sess, ok := e.registry.Get(conversationID); ok {
		return sess
	}
	loadCtx, cancel := context.WithTimeout(ctx, e.opts.PersistTimeout)
	defer cancel()
	if sess, found, err := e.store.LoadSnapshot(loadCtx, conversationID); err == nil && found {
		return sess
	} else if err != nil {
		e.log.Warn("failed to load snapshot", slog.String("conversation_id", conversationID), slogError(err))
	}
	return conversation.NewSession(conversationID, e.clock())
}

// persist writes the durable snapshot. Failures are logged and swallowed:
// durability is best-effort and never a precondition for live traffic.
func (e *Engine) persist(ctx context.Context, sess conversation.Session) {
	persistCtx, cancel := context.WithTimeout(ctx, e.opts.PersistTimeout)
	defer cancel()
	if err := e.store.SaveSnapshot(persistCtx, sess); err != nil {
		e.log.Warn("failed to persist snapshot", slog.String("conversation_id", sess.ID), slogError(err))
	}
}

func (e *Engine) isTombstoned(conversationID string) bool {
	e.tombMu.Lock()
	defer e.tombMu.Unlock()
	_, ok := e.tombstones[conversationID]
	return ok
}

func (e *Engine) tombstone(conversationID string) {
	e.tombMu.Lock()
	defer e.tombMu.Unlock()
	if _, ok := e.tombstones[conversationID]; ok {
		return
	}
	e.tombstones[conversationID] = struct{}{}
	e.tombOrder = append(e.tombOrder, conversationID)
	for len(e.tombOrder) > e.opts.MaxTombstones {
		oldest := e.tombOrder[0]
		e.tombOrder = e.tombOrder[1:]
		delete(e.tombstones, oldest)
	}
}

func statePayload(sess conversation.Session, metadata map[string]any) protocol.StateUpdatePayload {
	return protocol.StateUpdatePayload{
		CurrentState:            string(sess.State),
		SpeechRecognitionActive: sess.State == conversation.StateListening,
		SpeechSynthesisActive:   sess.State == conversation.StateSpeaking,
		Extra:                   metadata,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
