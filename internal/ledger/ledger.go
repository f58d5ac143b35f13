package ledger

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"SirenServer/internal/entity"
	"SirenServer/internal/logger"
)

// Store is append-only; it has no update or delete. Every append takes the next value of one
// sequence shared by both kinds, and reads return that Seq.
type Store interface {
	AppendConsent(ctx context.Context, rec entity.ConsentRecord) error
	AppendEscalation(ctx context.Context, ev entity.EscalationEvent) error
	Consents(ctx context.Context, sessionID string) ([]entity.ConsentRecord, error)
	Escalations(ctx context.Context, sessionID string) ([]entity.EscalationEvent, error)
}

type EntryKind string

const (
	KindEscalation EntryKind = "escalation"
	KindConsent    EntryKind = "consent"
)

type Entry struct {
	Kind       EntryKind               `json:"kind"`
	At         time.Time               `json:"at"`
	Escalation *entity.EscalationEvent `json:"escalation,omitempty"`
	Consent    *entity.ConsentRecord   `json:"consent,omitempty"`
}

func (e Entry) seq() int64 {
	if e.Escalation != nil {
		return e.Escalation.Seq
	}
	return e.Consent.Seq
}

type Ledger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Ledger {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Ledger{store: store, now: time.Now}
}

// WithClock overrides the timestamp source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Record appends a consent event and returns its id. Records without an origin IP are refused.
func (l *Ledger) Record(ctx context.Context, rec entity.ConsentRecord) (string, error) {
	rec.OriginIp = strings.TrimSpace(rec.OriginIp)
	if rec.OriginIp == "" {
		return "", entity.ErrMissingOrigin
	}
	if net.ParseIP(rec.OriginIp) == nil {
		return "", fmt.Errorf("%w: origin ip %q", entity.ErrInvalidConsent, rec.OriginIp)
	}
	if rec.SessionId == "" || rec.SubjectId == "" {
		return "", fmt.Errorf("%w: session and subject required", entity.ErrInvalidConsent)
	}
	if !rec.ConsentType.Valid() {
		return "", fmt.Errorf("%w: consent type %q", entity.ErrInvalidConsent, rec.ConsentType)
	}

	rec.Id = uuid.NewString()
	rec.CapturedAt = l.now()
	if err := l.store.AppendConsent(ctx, rec); err != nil {
		return "", fmt.Errorf("append consent: %w", err)
	}

	logger.Session(rec.SessionId).WithFields(logrus.Fields{
		"subject_id": rec.SubjectId,
		"type":       rec.ConsentType,
		"granted":    rec.Granted,
		"origin_ip":  rec.OriginIp,
	}).Info("[CONSENT] recorded")
	return rec.Id, nil
}

// HasGranted reflects the most recent record of that type for the session.
func (l *Ledger) HasGranted(ctx context.Context, sessionID string, consentType entity.ConsentType) (bool, error) {
	recs, err := l.store.Consents(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("load consents: %w", err)
	}
	granted := false
	for _, r := range recs {
		if r.ConsentType == consentType {
			granted = r.Granted
		}
	}
	return granted, nil
}

func (l *Ledger) AppendEscalation(ctx context.Context, ev entity.EscalationEvent) error {
	if ev.Id == "" {
		ev.Id = uuid.NewString()
	}
	if ev.FiredAt.IsZero() {
		ev.FiredAt = l.now()
	}
	if err := l.store.AppendEscalation(ctx, ev); err != nil {
		return fmt.Errorf("append escalation event: %w", err)
	}
	return nil
}

func (l *Ledger) Escalations(ctx context.Context, sessionID string) ([]entity.EscalationEvent, error) {
	return l.store.Escalations(ctx, sessionID)
}

// EventsFor returns the merged escalation and consent trail in append order.
func (l *Ledger) EventsFor(ctx context.Context, sessionID string) ([]Entry, error) {
	evs, err := l.store.Escalations(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load escalations: %w", err)
	}
	recs, err := l.store.Consents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load consents: %w", err)
	}

	out := make([]Entry, 0, len(evs)+len(recs))
	for i := range evs {
		out = append(out, Entry{Kind: KindEscalation, At: evs[i].FiredAt, Escalation: &evs[i]})
	}
	for i := range recs {
		out = append(out, Entry{Kind: KindConsent, At: recs[i].CapturedAt, Consent: &recs[i]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].seq() < out[j].seq() })
	return out, nil
}
