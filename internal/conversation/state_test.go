package conversation

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateListening, true},
		{StateIdle, StateEnded, true},
		{StateIdle, StateSpeaking, false},
		{StateListening, StateProcessing, true},
		{StateListening, StateSpeaking, false},
		{StateProcessing, StateWaitingForUser, true},
		{StateSpeaking, StateWaitingForUser, true},
		{StateWaitingForUser, StateListening, true},
		{StateError, StateIdle, true},
		{StateError, StateListening, false},
		{StateEnded, StateIdle, false},
		{StateEnded, StateEnded, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestEndedIsTerminal(t *testing.T) {
	if got := Successors(StateEnded); len(got) != 0 {
		t.Fatalf("expected no successors for ended, got %v", got)
	}
}

func TestParseState(t *testing.T) {
	if s, err := ParseState("waiting_for_user"); err != nil || s != StateWaitingForUser {
		t.Fatalf("parse waiting_for_user: %v %v", s, err)
	}
	if _, err := ParseState("paused"); err == nil {
		t.Fatal("expected error for unknown state")
	}
	if _, err := ParseState(""); err == nil {
		t.Fatal("expected error for empty state")
	}
}
