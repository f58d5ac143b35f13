package entity

import "time"

type SessionStatus string

const (
	StatusRequested  SessionStatus = "requested"
	StatusEscalating SessionStatus = "escalating"
	StatusAccepted   SessionStatus = "accepted"
	StatusActive     SessionStatus = "active"
	StatusExtending  SessionStatus = "extending"
	StatusCompleted  SessionStatus = "completed"
	StatusAbandoned  SessionStatus = "abandoned"
	StatusFailed     SessionStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusFailed:
		return true
	}
	return false
}

type TerminationReason string

const (
	ReasonNone             TerminationReason = ""
	ReasonExpired          TerminationReason = "expired"
	ReasonExtended         TerminationReason = "extended"
	ReasonEscalationFailed TerminationReason = "escalation_exhausted"
	ReasonConsentMissing   TerminationReason = "consent_missing"
	ReasonRecordingFailure TerminationReason = "recording_failure"
	ReasonTransportLost    TerminationReason = "transport_lost"
)

type CallSession struct {
	Id                string            `json:"id"`
	ClientId          string            `json:"client_id"`
	ReaderId          string            `json:"reader_id,omitempty"`
	Status            SessionStatus     `json:"status"`
	RequestedAt       time.Time         `json:"requested_at"`
	AcceptedAt        *time.Time        `json:"accepted_at,omitempty"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	ScheduledEndAt    *time.Time        `json:"scheduled_end_at,omitempty"`
	EndedAt           *time.Time        `json:"ended_at,omitempty"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	ExtensionOrdinal  int               `json:"extension_ordinal"`
	PredecessorId     string            `json:"predecessor_id,omitempty"`
	Version           int64             `json:"version"`
}

// Clone returns a deep copy so callers never share time pointers with the owner.
func (s *CallSession) Clone() *CallSession {
	c := *s
	c.AcceptedAt = copyTime(s.AcceptedAt)
	c.StartedAt = copyTime(s.StartedAt)
	c.ScheduledEndAt = copyTime(s.ScheduledEndAt)
	c.EndedAt = copyTime(s.EndedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
