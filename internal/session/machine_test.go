package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"SirenServer/internal/entity"
	"SirenServer/internal/ledger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func grant(t *testing.T, l *ledger.Ledger, sessionID string) {
	t.Helper()
	_, err := l.Record(context.Background(), entity.ConsentRecord{
		SessionId:   sessionID,
		SubjectId:   "client",
		ConsentType: entity.ConsentRecording,
		Granted:     true,
		OriginIp:    "198.51.100.4",
	})
	if err != nil {
		t.Fatalf("record consent: %v", err)
	}
}

func newMachine(cfg Config) (*Machine, *ledger.Ledger) {
	l := ledger.New(nil)
	if cfg.Duration == 0 {
		cfg.Duration = time.Hour
	}
	if cfg.ExtensionWindow == 0 {
		cfg.ExtensionWindow = 5 * time.Minute
	}
	if cfg.ReconnectGrace == 0 {
		cfg.ReconnectGrace = time.Hour
	}
	return NewMachine(cfg, nil, l), l
}

func escalating(t *testing.T, m *Machine) *entity.CallSession {
	t.Helper()
	ctx := context.Background()
	s, err := m.Create(ctx, "client")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.BeginEscalation(ctx, s.Id); err != nil {
		t.Fatalf("begin escalation: %v", err)
	}
	return s
}

func TestSingleWinner(t *testing.T) {
	m, _ := newMachine(Config{})
	s := escalating(t, m)

	const n = 64
	var wins, lost atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := m.Accept(context.Background(), s.Id, fmt.Sprintf("reader-%d", i))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, entity.ErrAlreadyAccepted):
				lost.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 || lost.Load() != n-1 {
		t.Fatalf("wins=%d lost=%d", wins.Load(), lost.Load())
	}
	got, _ := m.Get(s.Id)
	if got.Status != entity.StatusAccepted || got.ReaderId == "" {
		t.Fatalf("unexpected session %+v", got)
	}
}

func TestAcceptBeforeEscalationIsInvalid(t *testing.T) {
	m, _ := newMachine(Config{})
	s, _ := m.Create(context.Background(), "client")
	_, err := m.Accept(context.Background(), s.Id, "r1")
	if !errors.Is(err, entity.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	var te *entity.TransitionError
	if !errors.As(err, &te) || te.From != entity.StatusRequested {
		t.Fatalf("expected TransitionError from requested, got %v", err)
	}
}

func TestScheduledEndNeverChanges(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	m, l := newMachine(Config{Duration: 30 * time.Minute})
	m.WithClock(clock.Now)

	s := escalating(t, m)
	accepted, err := m.Accept(ctx, s.Id, "r1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	want := *accepted.ScheduledEndAt
	if !want.Equal(accepted.StartedAt.Add(30 * time.Minute)) {
		t.Fatalf("scheduled end %v is not start+30m", want)
	}

	grant(t, l, s.Id)
	if _, err := m.Activate(ctx, s.Id); err != nil {
		t.Fatalf("activate: %v", err)
	}
	clock.Advance(27 * time.Minute)
	if _, err := m.BeginExtending(ctx, s.Id); err != nil {
		t.Fatalf("begin extending: %v", err)
	}
	if _, err := m.BeginExtending(ctx, s.Id); err != nil {
		t.Fatalf("repeat extending: %v", err)
	}
	if _, err := m.CreateSuccessor(ctx, "next", mustGet(t, m, s.Id)); err != nil {
		t.Fatalf("successor: %v", err)
	}
	if err := m.CompleteExtended(ctx, s.Id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	final := mustGet(t, m, s.Id)
	if !final.ScheduledEndAt.Equal(want) {
		t.Fatalf("scheduled end moved from %v to %v", want, final.ScheduledEndAt)
	}
	next := mustGet(t, m, "next")
	if next.ExtensionOrdinal != 1 || next.PredecessorId != s.Id || !next.ScheduledEndAt.After(want) {
		t.Fatalf("unexpected successor %+v", next)
	}
}

func mustGet(t *testing.T, m *Machine, id string) *entity.CallSession {
	t.Helper()
	s, err := m.Get(id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return s
}

func TestActivateWithoutConsentFails(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(Config{})
	var hooks atomic.Int64
	m.OnTerminal(func(s *entity.CallSession) { hooks.Add(1) })

	s := escalating(t, m)
	if _, err := m.Accept(ctx, s.Id, "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := m.Activate(ctx, s.Id); !errors.Is(err, entity.ErrConsentMissing) {
		t.Fatalf("expected ErrConsentMissing, got %v", err)
	}
	got := mustGet(t, m, s.Id)
	if got.Status != entity.StatusFailed || got.TerminationReason != entity.ReasonConsentMissing {
		t.Fatalf("unexpected session %+v", got)
	}
	if hooks.Load() != 1 {
		t.Fatalf("terminal hook ran %d times", hooks.Load())
	}
	if err := m.Fail(ctx, s.Id, entity.ReasonRecordingFailure); !errors.Is(err, entity.ErrInvalidTransition) {
		t.Fatalf("failing a failed session: %v", err)
	}
	if hooks.Load() != 1 {
		t.Fatal("terminal hook must run once")
	}
}

// Active must be unreachable without a recording grant, whatever the interleaving.
func TestConsentPreconditionUnderRandomOrdering(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		m, l := newMachine(Config{})
		s := escalating(t, m)
		if _, err := m.Accept(ctx, s.Id, "r1"); err != nil {
			t.Fatalf("accept: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.Record(ctx, entity.ConsentRecord{
				SessionId:   s.Id,
				SubjectId:   "client",
				ConsentType: entity.ConsentRecording,
				Granted:     true,
				OriginIp:    "198.51.100.4",
			})
			if err != nil {
				t.Errorf("record consent: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_, _ = m.Activate(ctx, s.Id)
		}()
		wg.Wait()

		got := mustGet(t, m, s.Id)
		switch got.Status {
		case entity.StatusActive:
			if ok, _ := l.HasGranted(ctx, s.Id, entity.ConsentRecording); !ok {
				t.Fatal("active without recording consent")
			}
		case entity.StatusFailed:
			if got.TerminationReason != entity.ReasonConsentMissing {
				t.Fatalf("unexpected reason %s", got.TerminationReason)
			}
		default:
			t.Fatalf("unexpected status %s", got.Status)
		}
	}
}

func TestExpiryCompletesSession(t *testing.T) {
	ctx := context.Background()
	m, l := newMachine(Config{Duration: 150 * time.Millisecond, ExtensionWindow: 50 * time.Millisecond})
	s := escalating(t, m)
	if _, err := m.Accept(ctx, s.Id, "r1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	grant(t, l, s.Id)
	if _, err := m.Activate(ctx, s.Id); err != nil {
		t.Fatalf("activate: %v", err)
	}

	waitFor(t, "expiry", func() bool { return mustGet(t, m, s.Id).Status == entity.StatusCompleted })
	if got := mustGet(t, m, s.Id); got.TerminationReason != entity.ReasonExpired {
		t.Fatalf("reason = %s", got.TerminationReason)
	}
}

func TestExtendingSessionStillEndsOnTime(t *testing.T) {
	ctx := context.Background()
	m, l := newMachine(Config{Duration: 300 * time.Millisecond, ExtensionWindow: 280 * time.Millisecond})
	s := escalating(t, m)
	_, _ = m.Accept(ctx, s.Id, "r1")
	grant(t, l, s.Id)
	_, _ = m.Activate(ctx, s.Id)
	time.Sleep(40 * time.Millisecond)
	if _, err := m.BeginExtending(ctx, s.Id); err != nil {
		t.Fatalf("begin extending: %v", err)
	}

	waitFor(t, "expiry while extending", func() bool { return mustGet(t, m, s.Id).Status == entity.StatusCompleted })
	if got := mustGet(t, m, s.Id); got.TerminationReason != entity.ReasonExpired {
		t.Fatalf("reason = %s", got.TerminationReason)
	}
}

func TestExtensionWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	m, l := newMachine(Config{Duration: 30 * time.Minute, ExtensionWindow: 5 * time.Minute})
	m.WithClock(clock.Now)

	s := escalating(t, m)
	_, _ = m.Accept(ctx, s.Id, "r1")
	if _, err := m.BeginExtending(ctx, s.Id); !errors.Is(err, entity.ErrInvalidTransition) {
		t.Fatalf("extending before active: %v", err)
	}
	grant(t, l, s.Id)
	_, _ = m.Activate(ctx, s.Id)

	clock.Advance(10 * time.Minute)
	if _, err := m.BeginExtending(ctx, s.Id); !errors.Is(err, entity.ErrOutsideExtensionWindow) {
		t.Fatalf("expected window error, got %v", err)
	}
	clock.Advance(15 * time.Minute)
	got, err := m.BeginExtending(ctx, s.Id)
	if err != nil || got.Status != entity.StatusExtending {
		t.Fatalf("begin extending at window open: %+v err=%v", got, err)
	}
}

func TestTransportGraceFailsSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(Config{ReconnectGrace: 20 * time.Millisecond})
	s := escalating(t, m)
	_, _ = m.Accept(ctx, s.Id, "r1")

	if err := m.TransportLost(ctx, s.Id); err != nil {
		t.Fatalf("lost: %v", err)
	}
	waitFor(t, "grace expiry", func() bool { return mustGet(t, m, s.Id).Status == entity.StatusFailed })
	if got := mustGet(t, m, s.Id); got.TerminationReason != entity.ReasonTransportLost {
		t.Fatalf("reason = %s", got.TerminationReason)
	}
}

func TestTransportRecoversOnlyOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(Config{ReconnectGrace: time.Hour})
	s := escalating(t, m)
	_, _ = m.Accept(ctx, s.Id, "r1")

	if err := m.TransportLost(ctx, s.Id); err != nil {
		t.Fatalf("lost: %v", err)
	}
	if err := m.TransportLost(ctx, s.Id); err != nil {
		t.Fatalf("repeated loss during grace: %v", err)
	}
	if err := m.TransportRestored(ctx, s.Id); err != nil {
		t.Fatalf("restored: %v", err)
	}
	if got := mustGet(t, m, s.Id); got.Status != entity.StatusAccepted {
		t.Fatalf("status after recovery = %s", got.Status)
	}
	if err := m.TransportLost(ctx, s.Id); !errors.Is(err, entity.ErrTransportLost) {
		t.Fatalf("second loss: %v", err)
	}
	if got := mustGet(t, m, s.Id); got.Status != entity.StatusFailed {
		t.Fatalf("status after second loss = %s", got.Status)
	}
}

func TestAbandonOnlyFromEscalating(t *testing.T) {
	ctx := context.Background()
	m, _ := newMachine(Config{})
	s := escalating(t, m)
	if err := m.Abandon(ctx, s.Id); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if _, err := m.Accept(ctx, s.Id, "late"); !errors.Is(err, entity.ErrInvalidTransition) {
		t.Fatalf("accept after abandon: %v", err)
	}
	if _, err := m.Get("missing"); !errors.Is(err, entity.ErrSessionNotFound) {
		t.Fatalf("get missing: %v", err)
	}
}

func TestStoreKeepsNewestVersion(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewMachine(Config{Duration: time.Hour, ExtensionWindow: time.Minute, ReconnectGrace: time.Minute}, store, ledger.New(nil))
	s := escalating(t, m)
	_, _ = m.Accept(ctx, s.Id, "r1")

	stale := s.Clone()
	stale.Status = entity.StatusRequested
	_ = store.Save(ctx, stale)

	got, ok := store.Load(s.Id)
	if !ok || got.Status != entity.StatusAccepted {
		t.Fatalf("store regressed to %+v", got)
	}
}
