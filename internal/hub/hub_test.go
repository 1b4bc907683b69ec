package hub

import (
	"context"
	"testing"
)

type nopConn struct{ id int }

func (*nopConn) Send(context.Context, []byte) error { return nil }
func (*nopConn) Close(string) error                 { return nil }

func TestAddRemoveCount(t *testing.T) {
	h := New()
	a, b := &nopConn{1}, &nopConn{2}

	h.Add("conv-1", a)
	h.Add("conv-1", b)
	h.Add("conv-2", a)

	if got := h.Count("conv-1"); got != 2 {
		t.Fatalf("count = %d, want 2", got)
	}
	if got := h.Count("conv-2"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
	if got := h.Count("missing"); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}

	h.Remove("conv-1", a)
	if got := h.Count("conv-1"); got != 1 {
		t.Fatalf("count after remove = %d, want 1", got)
	}

	// Removing the last connection drops the set entirely.
	h.Remove("conv-1", b)
	if got := len(h.Conversations()); got != 1 {
		t.Fatalf("conversations = %d, want 1", got)
	}
}

func TestMembersSnapshotIsolation(t *testing.T) {
	h := New()
	a, b := &nopConn{1}, &nopConn{2}
	h.Add("conv-1", a)

	snap := h.Members("conv-1")
	h.Add("conv-1", b)
	h.Remove("conv-1", a)

	if len(snap) != 1 || snap[0] != a {
		t.Fatalf("snapshot should be unaffected by later mutation: %v", snap)
	}
	if got := h.Count("conv-1"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestRemoveAll(t *testing.T) {
	h := New()
	a, b := &nopConn{1}, &nopConn{2}
	h.Add("conv-1", a)
	h.Add("conv-1", b)

	removed := h.RemoveAll("conv-1")
	if len(removed) != 2 {
		t.Fatalf("removed %d conns, want 2", len(removed))
	}
	if got := h.Count("conv-1"); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
	if got := h.RemoveAll("conv-1"); got != nil {
		t.Fatalf("second RemoveAll should return nil, got %v", got)
	}
}
