package conversation

import "time"

// Session is the authoritative in-memory record of one conversation. It is
// a plain value; the registry hands out copies so only the engine's guarded
// writes ever change the stored one.
type Session struct {
	ID                string
	State             State
	Transcript        string
	InterimTranscript string
	UpdatedAt         time.Time
}

// NewSession returns a fresh idle session.
func NewSession(id string, now time.Time) Session {
	return Session{ID: id, State: StateIdle, UpdatedAt: now}
}
