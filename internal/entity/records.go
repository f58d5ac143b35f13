package entity

import "time"

type EscalationLevel int

const (
	LevelPrimary   EscalationLevel = 0
	LevelBackup    EscalationLevel = 1
	LevelAdmin     EscalationLevel = 2
	LevelBroadcast EscalationLevel = 3
)

type EscalationOutcome string

const (
	OutcomePending            EscalationOutcome = "pending"
	OutcomeAccepted           EscalationOutcome = "accepted"
	OutcomeTimedOut           EscalationOutcome = "timedOut"
	OutcomeDeclinedNotAllowed EscalationOutcome = "declined-not-allowed"
)

type EscalationEvent struct {
	Id          string            `json:"id"`
	SessionId   string            `json:"session_id"`
	Level       EscalationLevel   `json:"level"`
	CandidateId string            `json:"candidate_id,omitempty"`
	FiredAt     time.Time         `json:"fired_at"`
	Outcome     EscalationOutcome `json:"outcome"`
	Seq         int64             `json:"seq"`
}

type ConsentType string

const (
	ConsentParticipation ConsentType = "participation"
	ConsentRecording     ConsentType = "recording"
	ConsentExtension     ConsentType = "extension"
)

func (c ConsentType) Valid() bool {
	switch c {
	case ConsentParticipation, ConsentRecording, ConsentExtension:
		return true
	}
	return false
}

type ConsentRecord struct {
	Id          string      `json:"id"`
	SessionId   string      `json:"session_id"`
	SubjectId   string      `json:"subject_id"`
	ConsentType ConsentType `json:"consent_type"`
	Granted     bool        `json:"granted"`
	OriginIp    string      `json:"origin_ip"`
	UserAgent   string      `json:"user_agent"`
	CapturedAt  time.Time   `json:"captured_at"`
	Seq         int64       `json:"seq"`
}

type RecordingHandle struct {
	SessionId         string     `json:"session_id"`
	StorageRef        string     `json:"storage_ref"`
	StartedAt         time.Time  `json:"started_at"`
	StoppedAt         *time.Time `json:"stopped_at,omitempty"`
	PermanentlyStored bool       `json:"permanently_stored"`
	FailureFlag       bool       `json:"failure_flag"`
}

type ApprovalMode string

const (
	ApprovalAuto   ApprovalMode = "auto"
	ApprovalManual ApprovalMode = "manual"
)

type ExtensionChain struct {
	OriginSessionId  string       `json:"origin_session_id"`
	NewSessionId     string       `json:"new_session_id"`
	ExtensionOrdinal int          `json:"extension_ordinal"`
	PriceTierApplied int          `json:"price_tier_applied"`
	ApprovalMode     ApprovalMode `json:"approval_mode"`
	TransitionedAt   time.Time    `json:"transitioned_at"`
}

type AvailabilityWindow struct {
	ReaderId       string       `json:"reader_id"`
	DayOfWeek      time.Weekday `json:"day_of_week" validate:"min=0,max=6"`
	StartLocal     string       `json:"start_local" validate:"required,len=5"`
	EndLocal       string       `json:"end_local" validate:"required,len=5"`
	Timezone       string       `json:"timezone" validate:"required"`
	EmergencyOptIn bool         `json:"emergency_opt_in"`
}

type Reader struct {
	Id       string               `json:"id"`
	Login    string               `json:"login"`
	Role     string               `json:"role"`
	Priority int                  `json:"priority"`
	Windows  []AvailabilityWindow `json:"windows"`
}
