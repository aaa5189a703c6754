package models

import "time"

// DeviceInfo is what the client reports about itself when a session starts.
type DeviceInfo struct {
	Browser    string `json:"browser"`
	DeviceType string `json:"device_type"`
	OS         string `json:"os"`
}

type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionActive    SessionStatus = "active"
	SessionEnded     SessionStatus = "ended"
	SessionAbandoned SessionStatus = "abandoned"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionAbandoned
}

// Session is one continuous period of client-application usage.
type Session struct {
	ID              string        `json:"id"`
	Identity        Identity      `json:"-"`
	Device          DeviceInfo    `json:"device"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	LastSeenAt      time.Time     `json:"last_seen_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	DurationSeconds *int          `json:"duration_seconds,omitempty"`
	PagesViewed     int           `json:"pages_viewed"`
	ActionsTaken    int           `json:"actions_taken"`
}

// OutcomeKind tags how a session reached its terminal state.
type OutcomeKind string

const (
	OutcomeEnded     OutcomeKind = "ended"
	OutcomeAbandoned OutcomeKind = "abandoned"
)

// SessionOutcome is the terminal result of a session: closed by the client
// (Ended) or by server-side reconciliation after going idle (Abandoned).
type SessionOutcome struct {
	Kind            OutcomeKind `json:"kind"`
	EndedAt         time.Time   `json:"ended_at"`
	DurationSeconds int         `json:"duration_seconds"`
}

// Outcome returns the session's terminal outcome. The second value is false
// while the session is still open.
func (s Session) Outcome() (SessionOutcome, bool) {
	if s.EndedAt == nil || s.DurationSeconds == nil {
		return SessionOutcome{}, false
	}
	kind := OutcomeEnded
	if s.Status == SessionAbandoned {
		kind = OutcomeAbandoned
	}
	return SessionOutcome{Kind: kind, EndedAt: *s.EndedAt, DurationSeconds: *s.DurationSeconds}, true
}

// SessionDuration is ended-started in whole seconds, never negative.
// Clock skew between the writer of started_at and ended_at clamps to zero.
func SessionDuration(startedAt, endedAt time.Time) int {
	d := endedAt.Sub(startedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}
