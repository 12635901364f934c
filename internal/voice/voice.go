// Package voice defines the vocabulary shared by the realtime voice client:
// session status, conversation context, the connection descriptor issued by
// the broker, and the error taxonomy every component reports through.
package voice

import (
	"fmt"
	"time"
)

// ContextKind selects how the remote agent is primed for the conversation.
type ContextKind string

const (
	// ContextPublic is an anonymous visitor conversation.
	ContextPublic ContextKind = "public"

	// ContextAuthenticated is a conversation on behalf of a signed-in subject.
	ContextAuthenticated ContextKind = "authenticated"
)

// IsValid reports whether k is a known context kind.
func (k ContextKind) IsValid() bool {
	return k == ContextPublic || k == ContextAuthenticated
}

// Status is the lifecycle state of the voice session as exposed to the UI.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusListening
	StatusSpeaking
	StatusError
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusListening:
		return "listening"
	case StatusSpeaking:
		return "speaking"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Active reports whether the status belongs to an open conversation.
func (s Status) Active() bool {
	return s == StatusConnected || s == StatusListening || s == StatusSpeaking
}

// Session is one voice conversation from connect to teardown.
type Session struct {
	ID        string
	Context   ContextKind
	SubjectID string
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns the elapsed time of an ended session, or the time since
// StartedAt for a live one.
func (s Session) Duration(now time.Time) time.Duration {
	if !s.EndedAt.IsZero() {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// Descriptor is what the broker hands back for a new session: a short-lived
// endpoint URL plus the context the agent should be primed with.
type Descriptor struct {
	EndpointURL  string
	SessionID    string
	ContextKind  ContextKind
	ContextLabel string
}

// ValidateContext checks the pairing of kind and subject. Authenticated
// sessions need a subject; public ones must not carry one.
func ValidateContext(kind ContextKind, subjectID string) error {
	switch {
	case !kind.IsValid():
		return fmt.Errorf("%w: unknown context %q", ErrConfiguration, kind)
	case kind == ContextAuthenticated && subjectID == "":
		return fmt.Errorf("%w: authenticated context requires a subject", ErrConfiguration)
	case kind == ContextPublic && subjectID != "":
		return fmt.Errorf("%w: public context must not carry a subject", ErrConfiguration)
	}
	return nil
}
