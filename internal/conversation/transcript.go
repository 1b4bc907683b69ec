package conversation

import (
	"strings"
	"time"
)

// ApplyTranscript merges a speech-to-text fragment into the session.
//
// A final fragment is appended to the accumulated transcript (space-joined,
// trimmed) and clears the interim transcript; any interim supplied in the
// same call is ignored. An interim-only fragment replaces the previous
// interim verbatim: interims are a sliding window, not accumulated.
func ApplyTranscript(s Session, interim, final *string, now time.Time) Session {
	if final != nil {
		if s.Transcript == "" {
			s.Transcript = strings.TrimSpace(*final)
		} else {
			s.Transcript = strings.TrimSpace(s.Transcript + " " + *final)
		}
		s.InterimTranscript = ""
	} else if interim != nil {
		s.InterimTranscript = *interim
	}
	s.UpdatedAt = now
	return s
}
