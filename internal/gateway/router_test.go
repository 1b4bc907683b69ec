package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/ambiware-labs/parley/internal/config"
	"github.com/ambiware-labs/parley/internal/conversation"
	"github.com/ambiware-labs/parley/internal/engine"
	"github.com/ambiware-labs/parley/internal/hub"
	"github.com/ambiware-labs/parley/internal/snapshot"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (c *fakeConn) Send(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("peer gone")
	}
	c.frames = append(c.frames, slices.Clone(payload))
	return nil
}

func (c *fakeConn) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type receivedEnvelope struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Payload        map[string]any `json:"payload"`
}

func (c *fakeConn) received(t *testing.T) []receivedEnvelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]receivedEnvelope, 0, len(c.frames))
	for _, raw := range c.frames {
		var env receivedEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := snapshot.Open(context.Background(), config.SnapshotStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	eng := engine.New(conversation.NewRegistry(), hub.New(), store, newLogger(), engine.Options{})
	return New(context.Background(), eng, store, newLogger())
}

func connect(t *testing.T, s *Service, id string) *fakeConn {
	t.Helper()
	c := &fakeConn{}
	if _, err := s.engine.Connect(context.Background(), id, c); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c
}

func lastEnvelope(t *testing.T, c *fakeConn) receivedEnvelope {
	t.Helper()
	got := c.received(t)
	if len(got) == 0 {
		t.Fatal("no frames received")
	}
	return got[len(got)-1]
}

func TestDispatchUnknownTypeRepliesToSenderOnly(t *testing.T) {
	s := newTestService(t)
	sender := connect(t, s, "conv-1")
	observer := connect(t, s, "conv-1")
	observerFrames := len(observer.received(t))

	s.dispatch(context.Background(), "conv-1", sender, []byte(`{"type":"reboot","data":{}}`))

	reply := lastEnvelope(t, sender)
	if reply.Type != "error" || reply.Payload["error_type"] != "unknown_message_type" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if got := len(observer.received(t)); got != observerFrames {
		t.Fatal("error replies must never be broadcast")
	}
}

func TestDispatchMalformedJSON(t *testing.T) {
	s := newTestService(t)
	sender := connect(t, s, "conv-1")

	s.dispatch(context.Background(), "conv-1", sender, []byte(`{not json`))

	reply := lastEnvelope(t, sender)
	if reply.Type != "error" || reply.Payload["error_type"] != "invalid_json" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestDispatchHeartbeat(t *testing.T) {
	s := newTestService(t)
	sender := connect(t, s, "conv-1")
	observer := connect(t, s, "conv-1")
	observerFrames := len(observer.received(t))
	before, err := s.engine.State("conv-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}

	s.dispatch(context.Background(), "conv-1", sender, []byte(`{"type":"heartbeat","data":{}}`))

	reply := lastEnvelope(t, sender)
	if reply.Type != "heartbeat_response" || reply.Payload["status"] != "alive" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if got := len(observer.received(t)); got != observerFrames {
		t.Fatal("heartbeats must have no broadcast side effect")
	}
	after, _ := s.engine.State("conv-1")
	if after != before {
		t.Fatal("heartbeats must not mutate the session")
	}
}

func TestDispatchStateChange(t *testing.T) {
	s := newTestService(t)
	sender := connect(t, s, "conv-1")
	observer := connect(t, s, "conv-1")

	s.dispatch(context.Background(), "conv-1", sender,
		[]byte(`{"type":"state_change_request","data":{"state":"listening","metadata":{"trigger":"mic"}}}`))

	for _, c := range []*fakeConn{sender, observer} {
		env := lastEnvelope(t, c)
		if env.Type != "state_update" || env.Payload["current_state"] != "listening" {
			t.Fatalf("expected listening broadcast, got %+v", env)
		}
		if env.Payload["trigger"] != "mic" {
			t.Fatalf("metadata not merged: %+v", env.Payload)
		}
	}
}

func TestDispatchIllegalStateChangeSurfacedToRequester(t *testing.T) {
	s := newTestService(t)
	sender := connect(t, s, "conv-1")
	observer := connect(t, s, "conv-1")
	s.dispatch(context.Background(), "conv-1", sender,
		[]byte(`{"type":"state_change_request","data":{"state":"listening"}}`))
	observerFrames := len(observer.received(t))

	// listening -> speaking is not in the table.
	s.dispatch(context.Background(), "conv-1", sender,
		[]byte(`{"type":"state_change_request","data":{"state":"speaking"}}`))

	reply := lastEnvelope(t, sender)
	if reply.Type != "error" || reply.Payload["error_type"] != "invalid_transition" {
		t.Fatalf("rejection must reach the requester: %+v", reply)
	}
	if got := len(observer.received(t)); got != observerFrames {
		t.Fatal("rejected transitions must not broadcast")
	}
	sess, _ := s.engine.State("conv-1")
	if sess.State != conversation.StateListening {
		t.Fatalf("state changed after rejection: %s", sess.State)
	}
}

func TestDispatchUnknownStateValue(t *testing.T) {
	s := newTestService(t)
	sender := connect(t, s, "conv-1")

	s.dispatch(context.Background(), "conv-1", sender,
		[]byte(`{"type":"state_change_request","data":{"state":"daydreaming"}}`))

	reply := lastEnvelope(t, sender)
	if reply.Type != "error" || reply.Payload["error_type"] != "invalid_state" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestDispatchTranscriptUpdate(t *testing.T) {
	s := newTestService(t)
	sender := connect(t, s, "conv-1")
	observer := connect(t, s, "conv-1")

	s.dispatch(context.Background(), "conv-1", sender,
		[]byte(`{"type":"transcript_update","data":{"interim_transcript":"hel"}}`))
	s.dispatch(context.Background(), "conv-1", sender,
		[]byte(`{"type":"transcript_update","data":{"final_transcript":"hello there","confidence":0.92}}`))

	env := lastEnvelope(t, observer)
	if env.Type != "transcript_update" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if env.Payload["accumulated_transcript"] != "hello there" || env.Payload["interim_transcript"] != "" {
		t.Fatalf("unexpected payload: %+v", env.Payload)
	}
	if env.Payload["confidence"] != 0.92 {
		t.Fatalf("confidence not forwarded: %+v", env.Payload)
	}
}

func TestDispatchSpeechEventRequiresType(t *testing.T) {
	s := newTestService(t)
	sender := connect(t, s, "conv-1")

	s.dispatch(context.Background(), "conv-1", sender,
		[]byte(`{"type":"speech_event","data":{"data":{"x":1}}}`))

	reply := lastEnvelope(t, sender)
	if reply.Type != "error" || reply.Payload["error_type"] != "invalid_message" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	s.dispatch(context.Background(), "conv-1", sender,
		[]byte(`{"type":"speech_event","data":{"event_type":"synthesis_started"}}`))
	env := lastEnvelope(t, sender)
	if env.Type != "speech_event" || env.Payload["event_type"] != "synthesis_started" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}
