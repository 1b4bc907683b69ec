package engine

import (
	"errors"
	"fmt"

	"github.com/ambiware-labs/parley/internal/conversation"
)

// ErrConversationNotFound is returned for reads of a conversation the
// engine has never seen.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrConversationEnded is returned for any operation on a conversation
// that was cleaned up. Cleaned-up ids are never silently recreated.
var ErrConversationEnded = errors.New("conversation ended")

// TransitionError reports a state-change request with no edge in the
// transition table. The request leaves no trace: no mutation, no
// persistence write, no broadcast.
type TransitionError struct {
	ConversationID string
	From           conversation.State
	To             conversation.State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for conversation %s", e.From, e.To, e.ConversationID)
}
