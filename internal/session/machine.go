package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"SirenServer/internal/entity"
	"SirenServer/internal/logger"
	"SirenServer/internal/metrics"
)

// Store archives session snapshots. Snapshots carry a version; stores must ignore older versions.
type Store interface {
	Save(ctx context.Context, s *entity.CallSession) error
}

type ConsentChecker interface {
	HasGranted(ctx context.Context, sessionID string, consentType entity.ConsentType) (bool, error)
}

// TerminalHook runs once per session, after it reaches Completed, Abandoned or Failed.
type TerminalHook func(s *entity.CallSession)

type Config struct {
	Duration        time.Duration
	ExtensionWindow time.Duration
	ReconnectGrace  time.Duration
}

type tracked struct {
	mu            sync.Mutex
	s             *entity.CallSession
	expiry        *time.Timer
	grace         *time.Timer
	reconnectUsed bool
}

type Machine struct {
	cfg     Config
	store   Store
	consent ConsentChecker
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*tracked
	hooks    []TerminalHook
}

func NewMachine(cfg Config, store Store, consent ConsentChecker) *Machine {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Machine{
		cfg:      cfg,
		store:    store,
		consent:  consent,
		now:      time.Now,
		sessions: make(map[string]*tracked),
	}
}

// WithClock overrides the wall clock used for timestamps. Timers still run on real time.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) OnTerminal(h TerminalHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, h)
	m.mu.Unlock()
}

func (m *Machine) Create(ctx context.Context, clientID string) (*entity.CallSession, error) {
	s := &entity.CallSession{
		Id:          uuid.NewString(),
		ClientId:    clientID,
		Status:      entity.StatusRequested,
		RequestedAt: m.now(),
	}
	t := &tracked{s: s}

	m.mu.Lock()
	m.sessions[s.Id] = t
	m.mu.Unlock()

	snap := m.snapshot(t)
	m.persist(ctx, snap)
	return snap, nil
}

// CreateSuccessor opens the session that takes over from origin after a paid extension.
// It starts in Accepted with the same reader and a fresh deadline; Activate still gates it on consent.
func (m *Machine) CreateSuccessor(ctx context.Context, id string, origin *entity.CallSession) (*entity.CallSession, error) {
	now := m.now()
	end := now.Add(m.cfg.Duration)
	s := &entity.CallSession{
		Id:               id,
		ClientId:         origin.ClientId,
		ReaderId:         origin.ReaderId,
		Status:           entity.StatusAccepted,
		RequestedAt:      now,
		AcceptedAt:       &now,
		StartedAt:        &now,
		ScheduledEndAt:   &end,
		ExtensionOrdinal: origin.ExtensionOrdinal + 1,
		PredecessorId:    origin.Id,
	}
	t := &tracked{s: s}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s already exists", id)
	}
	m.sessions[id] = t
	m.mu.Unlock()

	t.mu.Lock()
	m.armExpiry(t)
	snap := m.bump(t)
	t.mu.Unlock()

	m.persist(ctx, snap)
	return snap, nil
}

func (m *Machine) Get(id string) (*entity.CallSession, error) {
	t, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return m.snapshot(t), nil
}

func (m *Machine) List() []*entity.CallSession {
	m.mu.RLock()
	all := make([]*tracked, 0, len(m.sessions))
	for _, t := range m.sessions {
		all = append(all, t)
	}
	m.mu.RUnlock()

	out := make([]*entity.CallSession, 0, len(all))
	for _, t := range all {
		out = append(out, m.snapshot(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

func (m *Machine) BeginEscalation(ctx context.Context, id string) error {
	return m.transition(ctx, id, entity.StatusEscalating, func(s *entity.CallSession) error {
		if s.Status != entity.StatusRequested {
			return &entity.TransitionError{SessionId: id, From: s.Status, To: entity.StatusEscalating}
		}
		return nil
	}, nil)
}

// Accept claims the session for readerID and archives the result.
func (m *Machine) Accept(ctx context.Context, id, readerID string) (*entity.CallSession, error) {
	snap, err := m.Claim(id, readerID)
	if err != nil {
		return nil, err
	}
	logger.Session(id).WithField("reader_id", readerID).Info("[SESSION] accepted")
	m.persist(ctx, snap)
	return snap, nil
}

// Claim is the single compare-and-swap Escalating -> Accepted. Losers get ErrAlreadyAccepted.
// The fixed deadline is set here, once, and its timer armed. Claim touches memory only;
// the caller archives the returned snapshot with Persist.
func (m *Machine) Claim(id, readerID string) (*entity.CallSession, error) {
	t, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.s
	if s.Status != entity.StatusEscalating {
		if s.ReaderId != "" {
			return nil, entity.ErrAlreadyAccepted
		}
		return nil, &entity.TransitionError{SessionId: id, From: s.Status, To: entity.StatusAccepted}
	}
	now := m.now()
	end := now.Add(m.cfg.Duration)
	s.ReaderId = readerID
	s.Status = entity.StatusAccepted
	s.AcceptedAt = &now
	s.StartedAt = &now
	s.ScheduledEndAt = &end
	m.armExpiry(t)
	return m.bump(t), nil
}

func (m *Machine) Persist(ctx context.Context, snap *entity.CallSession) {
	m.persist(ctx, snap)
}

// Activate moves Accepted -> Active only when recording consent is on the ledger; otherwise the session fails.
func (m *Machine) Activate(ctx context.Context, id string) (*entity.CallSession, error) {
	t, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	from := t.s.Status
	t.mu.Unlock()
	if from != entity.StatusAccepted {
		return nil, &entity.TransitionError{SessionId: id, From: from, To: entity.StatusActive}
	}

	// consulted outside the session lock; the status is re-checked below
	granted, err := m.consent.HasGranted(ctx, id, entity.ConsentRecording)
	if err != nil {
		return nil, fmt.Errorf("check recording consent: %w", err)
	}
	if !granted {
		if ferr := m.Fail(ctx, id, entity.ReasonConsentMissing); ferr != nil {
			return nil, ferr
		}
		return nil, entity.ErrConsentMissing
	}

	var snap *entity.CallSession
	err = m.transition(ctx, id, entity.StatusActive, func(s *entity.CallSession) error {
		if s.Status != entity.StatusAccepted {
			return &entity.TransitionError{SessionId: id, From: s.Status, To: entity.StatusActive}
		}
		return nil
	}, func(s *entity.CallSession) { snap = s })
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// BeginExtending opens the extension window. Calling it again while already extending is allowed.
func (m *Machine) BeginExtending(ctx context.Context, id string) (*entity.CallSession, error) {
	var snap *entity.CallSession
	err := m.transition(ctx, id, entity.StatusExtending, func(s *entity.CallSession) error {
		switch s.Status {
		case entity.StatusActive, entity.StatusExtending:
		default:
			return &entity.TransitionError{SessionId: id, From: s.Status, To: entity.StatusExtending}
		}
		now := m.now()
		opens := s.ScheduledEndAt.Add(-m.cfg.ExtensionWindow)
		if now.Before(opens) || !now.Before(*s.ScheduledEndAt) {
			return entity.ErrOutsideExtensionWindow
		}
		return nil
	}, func(s *entity.CallSession) { snap = s })
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// CompleteExtended closes a session whose successor has taken over.
func (m *Machine) CompleteExtended(ctx context.Context, id string) error {
	return m.end(ctx, id, entity.StatusCompleted, entity.ReasonExtended, func(s *entity.CallSession) error {
		if s.Status != entity.StatusExtending {
			return &entity.TransitionError{SessionId: id, From: s.Status, To: entity.StatusCompleted}
		}
		return nil
	})
}

func (m *Machine) Abandon(ctx context.Context, id string) error {
	return m.end(ctx, id, entity.StatusAbandoned, entity.ReasonEscalationFailed, func(s *entity.CallSession) error {
		if s.Status != entity.StatusEscalating {
			return &entity.TransitionError{SessionId: id, From: s.Status, To: entity.StatusAbandoned}
		}
		return nil
	})
}

// Fail moves any live session to Failed.
func (m *Machine) Fail(ctx context.Context, id string, reason entity.TerminationReason) error {
	return m.end(ctx, id, entity.StatusFailed, reason, func(s *entity.CallSession) error {
		if s.Status.Terminal() {
			return &entity.TransitionError{SessionId: id, From: s.Status, To: entity.StatusFailed}
		}
		return nil
	})
}

// TransportLost arms the reconnection grace timer. Only one recovery is granted per session;
// a loss after that fails the session at once.
func (m *Machine) TransportLost(ctx context.Context, id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	switch t.s.Status {
	case entity.StatusAccepted, entity.StatusActive, entity.StatusExtending:
	default:
		from := t.s.Status
		t.mu.Unlock()
		return &entity.TransitionError{SessionId: id, From: from, To: entity.StatusFailed}
	}
	if t.grace != nil {
		t.mu.Unlock()
		return nil
	}
	if t.reconnectUsed {
		t.mu.Unlock()
		if err := m.Fail(ctx, id, entity.ReasonTransportLost); err != nil {
			return err
		}
		return entity.ErrTransportLost
	}
	t.grace = time.AfterFunc(m.cfg.ReconnectGrace, func() {
		logger.Session(id).Warn("[SESSION] reconnection grace expired")
		_ = m.Fail(context.Background(), id, entity.ReasonTransportLost)
	})
	t.mu.Unlock()

	logger.Session(id).WithField("grace", m.cfg.ReconnectGrace).Warn("[SESSION] transport lost")
	return nil
}

func (m *Machine) TransportRestored(_ context.Context, id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.s.Status.Terminal() {
		return &entity.TransitionError{SessionId: id, From: t.s.Status, To: t.s.Status}
	}
	if t.grace != nil && t.grace.Stop() {
		t.grace = nil
		t.reconnectUsed = true
		logger.Session(id).Info("[SESSION] transport restored")
	}
	return nil
}

func (m *Machine) lookup(id string) (*tracked, error) {
	m.mu.RLock()
	t, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrSessionNotFound, id)
	}
	return t, nil
}

func (m *Machine) snapshot(t *tracked) *entity.CallSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.Clone()
}

// bump must be called with t.mu held.
func (m *Machine) bump(t *tracked) *entity.CallSession {
	t.s.Version++
	return t.s.Clone()
}

// armExpiry must be called with t.mu held. The timer is created once and never reset.
func (m *Machine) armExpiry(t *tracked) {
	if t.expiry != nil {
		return
	}
	id := t.s.Id
	d := t.s.ScheduledEndAt.Sub(m.now())
	t.expiry = time.AfterFunc(d, func() { m.expire(id) })
}

func (m *Machine) expire(id string) {
	err := m.end(context.Background(), id, entity.StatusCompleted, entity.ReasonExpired, func(s *entity.CallSession) error {
		if s.Status.Terminal() {
			return &entity.TransitionError{SessionId: id, From: s.Status, To: entity.StatusCompleted}
		}
		return nil
	})
	if err == nil {
		logger.Session(id).Info("[SESSION] scheduled end reached")
	}
}

func (m *Machine) transition(ctx context.Context, id string, to entity.SessionStatus, guard func(*entity.CallSession) error, after func(*entity.CallSession)) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if err := guard(t.s); err != nil {
		t.mu.Unlock()
		return err
	}
	from := t.s.Status
	t.s.Status = to
	snap := m.bump(t)
	t.mu.Unlock()

	if from != to {
		logger.Session(id).WithFields(logrus.Fields{"from": from, "to": to}).Info("[SESSION] transition")
	}
	m.persist(ctx, snap)
	if after != nil {
		after(snap)
	}
	return nil
}

func (m *Machine) end(ctx context.Context, id string, to entity.SessionStatus, reason entity.TerminationReason, guard func(*entity.CallSession) error) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if err := guard(t.s); err != nil {
		t.mu.Unlock()
		return err
	}
	now := m.now()
	t.s.Status = to
	t.s.TerminationReason = reason
	t.s.EndedAt = &now
	if t.expiry != nil {
		t.expiry.Stop()
	}
	if t.grace != nil {
		t.grace.Stop()
		t.grace = nil
	}
	snap := m.bump(t)
	t.mu.Unlock()

	logger.Session(id).WithFields(logrus.Fields{"status": to, "reason": reason}).Info("[SESSION] ended")
	metrics.SessionsTerminated.WithLabelValues(string(to), string(reason)).Inc()
	m.persist(ctx, snap)

	m.mu.RLock()
	hooks := append([]TerminalHook(nil), m.hooks...)
	m.mu.RUnlock()
	for _, h := range hooks {
		h(snap.Clone())
	}
	return nil
}

func (m *Machine) persist(ctx context.Context, snap *entity.CallSession) {
	if err := m.store.Save(ctx, snap); err != nil {
		logger.Session(snap.Id).WithError(err).Error("[SESSION] archive failed")
	}
}
