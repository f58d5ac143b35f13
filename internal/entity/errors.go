package entity

import (
	"errors"
	"fmt"
)

var (
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrNoCandidateAvailable = errors.New("no candidate available")
	ErrAlreadyAccepted      = errors.New("session already accepted")
	ErrConsentMissing       = errors.New("recording consent missing")
	ErrRecordingFailure     = errors.New("recording failure")
	ErrPaymentDeclined      = errors.New("payment declined")
	ErrPaymentTimeout       = errors.New("payment timed out")
	ErrTransportLost        = errors.New("transport lost")

	ErrSessionNotFound        = errors.New("session not found")
	ErrInvalidTransition      = errors.New("invalid session transition")
	ErrReaderBusy             = errors.New("reader busy")
	ErrReaderNotOffered       = errors.New("reader was not offered this session")
	ErrUnknownReader          = errors.New("reader not in directory")
	ErrDeclineNotAllowed      = errors.New("decline not allowed for emergency sessions")
	ErrMissingOrigin          = errors.New("consent origin ip required")
	ErrInvalidConsent         = errors.New("invalid consent record")
	ErrOutsideExtensionWindow = errors.New("outside extension window")
	ErrExtensionConsent       = errors.New("extension consent missing")
	ErrApprovalRequired       = errors.New("manual approval required")
	ErrTokenNotFound          = errors.New("extension token not found")
	ErrTokenUsed              = errors.New("extension token already used")
)

type TransitionError struct {
	SessionId string
	From      SessionStatus
	To        SessionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: cannot move from %s to %s", e.SessionId, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Fatal reports whether err terminates the session it happened in.
func Fatal(err error) bool {
	return errors.Is(err, ErrConsentMissing) ||
		errors.Is(err, ErrRecordingFailure) ||
		errors.Is(err, ErrTransportLost)
}
