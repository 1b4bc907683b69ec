package conversation

import (
	"fmt"
	"slices"
)

// State is one position in the conversation state machine.
type State string

const (
	StateIdle           State = "idle"
	StateListening      State = "listening"
	StateProcessing     State = "processing"
	StateSpeaking       State = "speaking"
	StateWaitingForUser State = "waiting_for_user"
	StateError          State = "error"
	StateEnded          State = "ended"
)

// transitions maps each state to the states it may legally move to.
// StateEnded is terminal.
var transitions = map[State][]State{
	StateIdle:           {StateListening, StateEnded},
	StateListening:      {StateProcessing, StateIdle, StateError},
	StateProcessing:     {StateSpeaking, StateError, StateWaitingForUser},
	StateSpeaking:       {StateWaitingForUser, StateIdle, StateError},
	StateWaitingForUser: {StateListening, StateIdle, StateError},
	StateError:          {StateIdle, StateEnded},
	StateEnded:          {},
}

// ParseState validates a wire value against the known states.
func ParseState(value string) (State, error) {
	s := State(value)
	if _, ok := transitions[s]; !ok {
		return "", fmt.Errorf("unknown conversation state %q", value)
	}
	return s, nil
}

// CanTransition reports whether moving from one state to another is legal.
// Safe for concurrent use; the table is never mutated after init.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Successors returns the legal next states for a state. The returned slice
// is a copy and may be modified by the caller.
func Successors(from State) []State {
	return slices.Clone(transitions[from])
}
