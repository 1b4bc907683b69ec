package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/ambiware-labs/parley/internal/config"
	"github.com/ambiware-labs/parley/internal/conversation"
	"github.com/ambiware-labs/parley/internal/engine"
	"github.com/ambiware-labs/parley/internal/hub"
	"github.com/ambiware-labs/parley/internal/protocol"
	"github.com/ambiware-labs/parley/internal/snapshot"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newBridge(t *testing.T) (*Service, *engine.Engine) {
	t.Helper()
	store, err := snapshot.Open(context.Background(), config.SnapshotStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	eng := engine.New(conversation.NewRegistry(), hub.New(), store, newLogger(), engine.Options{})
	return NewService(context.Background(), config.BusConfig{Enabled: true}, nil, eng, newLogger()), eng
}

func busMsg(t *testing.T, subject string, payload any) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &nats.Msg{Subject: subject, Data: data}
}

func TestHandleTranscriptPartialAndFinal(t *testing.T) {
	s, eng := newBridge(t)

	s.handleTranscript(busMsg(t, protocol.SubjectTranscriptPartial, protocol.Transcript{
		ConversationID: "conv-1", Text: "turn on", Partial: true,
	}))
	s.handleTranscript(busMsg(t, protocol.SubjectTranscriptFinal, protocol.Transcript{
		ConversationID: "conv-1", Text: "turn on the lights",
	}))

	sess, err := eng.State("conv-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if sess.Transcript != "turn on the lights" {
		t.Fatalf("final transcript not applied: %q", sess.Transcript)
	}
	if sess.InterimTranscript != "" {
		t.Fatalf("final must clear interim: %q", sess.InterimTranscript)
	}
}

func TestHandleTranscriptPartialSubjectForcesInterim(t *testing.T) {
	s, eng := newBridge(t)

	// A publisher that forgets the partial flag still lands as interim
	// when it publishes on the partial subject.
	s.handleTranscript(busMsg(t, protocol.SubjectTranscriptPartial, protocol.Transcript{
		ConversationID: "conv-1", Text: "hel",
	}))

	sess, err := eng.State("conv-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if sess.InterimTranscript != "hel" || sess.Transcript != "" {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestHandleTranscriptIgnoresIncompleteMessages(t *testing.T) {
	s, eng := newBridge(t)

	s.handleTranscript(busMsg(t, protocol.SubjectTranscriptFinal, protocol.Transcript{Text: "no id"}))
	s.handleTranscript(busMsg(t, protocol.SubjectTranscriptFinal, protocol.Transcript{ConversationID: "conv-1"}))
	s.handleTranscript(&nats.Msg{Subject: protocol.SubjectTranscriptFinal, Data: []byte(`{broken`)})

	if _, err := eng.State("conv-1"); err == nil {
		t.Fatal("incomplete messages must not create conversations")
	}
}

func TestHandleStateRequest(t *testing.T) {
	s, eng := newBridge(t)

	s.handleStateRequest(busMsg(t, protocol.SubjectStateChangeRequest, protocol.StateRequest{
		ConversationID: "conv-1", State: "listening",
	}))

	sess, err := eng.State("conv-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if sess.State != conversation.StateListening {
		t.Fatalf("state request not applied: %s", sess.State)
	}

	// Illegal transitions are dropped, not applied.
	s.handleStateRequest(busMsg(t, protocol.SubjectStateChangeRequest, protocol.StateRequest{
		ConversationID: "conv-1", State: "speaking",
	}))
	sess, _ = eng.State("conv-1")
	if sess.State != conversation.StateListening {
		t.Fatalf("illegal transition leaked through: %s", sess.State)
	}
}

func TestHandleAssistantResponseAndSpeechEvent(t *testing.T) {
	s, eng := newBridge(t)
	c := &recordingConn{}
	if _, err := eng.Connect(context.Background(), "conv-1", c); err != nil {
		t.Fatalf("connect: %v", err)
	}
	connectFrames := c.count()

	s.handleAssistantResponse(busMsg(t, protocol.SubjectAssistantResponse, protocol.AssistantResponse{
		ConversationID: "conv-1", Content: "done",
	}))
	s.handleSpeechEvent(busMsg(t, protocol.SubjectSpeechEventPrefix+".synthesis", protocol.SpeechEvent{
		ConversationID: "conv-1", EventType: "synthesis_started",
	}))

	if got := c.count(); got != connectFrames+2 {
		t.Fatalf("expected 2 broadcasts, got %d", got-connectFrames)
	}
}

func TestHandleCleanupTombstones(t *testing.T) {
	s, eng := newBridge(t)
	if _, err := eng.UpdateState(context.Background(), "conv-1", conversation.StateListening, nil); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	s.handleCleanup(busMsg(t, protocol.SubjectCleanup, protocol.CleanupRequest{ConversationID: "conv-1"}))

	if _, err := eng.Connect(context.Background(), "conv-1", &recordingConn{}); !errors.Is(err, engine.ErrConversationEnded) {
		t.Fatalf("expected ErrConversationEnded, got %v", err)
	}
}

type recordingConn struct {
	frames int
}

func (c *recordingConn) Send(context.Context, []byte) error {
	c.frames++
	return nil
}

func (c *recordingConn) Close(string) error { return nil }

func (c *recordingConn) count() int { return c.frames }
