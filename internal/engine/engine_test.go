package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"SirenServer/internal/alert"
	"SirenServer/internal/config"
	"SirenServer/internal/entity"
	"SirenServer/internal/extension"
	"SirenServer/internal/ledger"
)

type fakeNotifier struct {
	mu     sync.Mutex
	sirens map[string][]string
}

func (f *fakeNotifier) Siren(_ context.Context, sessionID, readerID string, _ entity.EscalationLevel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sirens == nil {
		f.sirens = make(map[string][]string)
	}
	f.sirens[sessionID] = append(f.sirens[sessionID], readerID)
	return nil
}

func (f *fakeNotifier) NotifyAdmins(context.Context, string, []string) error { return nil }

func (f *fakeNotifier) Broadcast(context.Context, string) error { return nil }

type fakeMedia struct {
	mu           sync.Mutex
	recording    map[string]bool
	disconnected []string
	retargeted   []string
}

func (f *fakeMedia) StartRecording(_ context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recording == nil {
		f.recording = make(map[string]bool)
	}
	f.recording[sessionID] = true
	return "rec/" + sessionID, nil
}

func (f *fakeMedia) StopRecording(_ context.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recording[sessionID] = false
	return nil
}

func (f *fakeMedia) Retarget(_ context.Context, _, to string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retargeted = append(f.retargeted, to)
	return nil
}

func (f *fakeMedia) Disconnect(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, sessionID)
	return nil
}

type fakeAlerts struct {
	mu     sync.Mutex
	raised []alert.Alert
}

func (f *fakeAlerts) Raise(_ context.Context, a alert.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, a)
	return nil
}

func (f *fakeAlerts) kinds() []alert.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []alert.Kind
	for _, a := range f.raised {
		out = append(out, a.Kind)
	}
	return out
}

type harness struct {
	*Engine
	notifier *fakeNotifier
	media    *fakeMedia
	alerts   *fakeAlerts
}

func newHarness(t *testing.T, mutate func(*config.Config), readers ...string) *harness {
	t.Helper()
	return newHarnessWith(t, Stores{}, mutate, readers...)
}

func newHarnessWith(t *testing.T, stores Stores, mutate func(*config.Config), readers ...string) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.ResponseWindow = time.Hour
	cfg.AdminAckWindow = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{notifier: &fakeNotifier{}, media: &fakeMedia{}, alerts: &fakeAlerts{}}
	h.Engine = New(cfg, stores, h.notifier, h.media, h.alerts)
	for i, id := range readers {
		if err := h.Directory().Put(entity.Reader{Id: id, Login: id, Role: "reader", Priority: len(readers) - i, Windows: allWeek(id)}); err != nil {
			t.Fatalf("put reader: %v", err)
		}
	}
	return h
}

func allWeek(readerID string) []entity.AvailabilityWindow {
	ws := make([]entity.AvailabilityWindow, 0, 7)
	for d := time.Sunday; d <= time.Saturday; d++ {
		ws = append(ws, entity.AvailabilityWindow{
			ReaderId: readerID, DayOfWeek: d, StartLocal: "00:00", EndLocal: "00:00", Timezone: "UTC", EmergencyOptIn: true,
		})
	}
	return ws
}

func (h *harness) grant(t *testing.T, sessionID string, ct entity.ConsentType) {
	t.Helper()
	_, err := h.RecordConsent(context.Background(), entity.ConsentRecord{
		SessionId: sessionID, SubjectId: "client", ConsentType: ct, Granted: true, OriginIp: "192.0.2.10", UserAgent: "test",
	})
	if err != nil {
		t.Fatalf("consent: %v", err)
	}
}

// live returns a session that is Active with reader.
func (h *harness) live(t *testing.T, reader string) *entity.CallSession {
	t.Helper()
	ctx := context.Background()
	s, err := h.Request(ctx, "client")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := h.AcceptAsReader(ctx, s.Id, reader); err != nil {
		t.Fatalf("accept: %v", err)
	}
	h.grant(t, s.Id, entity.ConsentRecording)
	active, err := h.StartSession(ctx, s.Id)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return active
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func inUse(t *testing.T, h *harness) int {
	t.Helper()
	n, err := h.Capacity().InUse(context.Background())
	if err != nil {
		t.Fatalf("in use: %v", err)
	}
	return n
}

func TestCeilingOneScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *config.Config) {
		c.CapacityCeiling = 1
		c.SessionDuration = 80 * time.Millisecond
		c.ExtensionWindow = 10 * time.Millisecond
	}, "R1")

	a := h.live(t, "R1")
	if _, err := h.Request(ctx, "b"); !errors.Is(err, entity.ErrCapacityExceeded) {
		t.Fatalf("B admitted: %v", err)
	}

	waitFor(t, "A to complete", func() bool {
		s, _ := h.Session(context.Background(), a.Id)
		return s.Status == entity.StatusCompleted
	})
	waitFor(t, "slot release", func() bool { return inUse(t, h) == 0 })

	c, err := h.Request(ctx, "c")
	if err != nil {
		t.Fatalf("C refused: %v", err)
	}
	if c.Status != entity.StatusEscalating {
		t.Fatalf("C status = %s", c.Status)
	}
}

func TestRequestSirensTopCandidate(t *testing.T) {
	h := newHarness(t, nil, "R1", "R2")
	s, err := h.Request(context.Background(), "client")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if got := h.notifier.sirens[s.Id]; len(got) != 1 || got[0] != "R1" {
		t.Fatalf("sirens = %v", got)
	}
}

func TestConcurrentAcceptOneWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s, err := h.Request(ctx, "client")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	const n = 20
	// registered after the request, so the ladder starts at the admin rung and all of them may accept
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("R%d", i)
		if err := h.Directory().Put(entity.Reader{Id: id, Login: id, Role: "reader"}); err != nil {
			t.Fatalf("put reader: %v", err)
		}
	}
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.AcceptAsReader(ctx, s.Id, fmt.Sprintf("R%d", i))
			if err == nil {
				wins.Add(1)
				return
			}
			if !errors.Is(err, entity.ErrAlreadyAccepted) {
				t.Errorf("loser got %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d winners", wins.Load())
	}

	winner, _ := h.Session(context.Background(), s.Id)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("R%d", i)
		if id == winner.ReaderId {
			continue
		}
		if err := h.Directory().Reserve(ctx, id, "elsewhere"); err != nil {
			t.Fatalf("loser %s left busy: %v", id, err)
		}
	}
}

func TestReaderCannotTakeTwoSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "R1")
	s1, _ := h.Request(ctx, "a")
	s2, _ := h.Request(ctx, "b")

	if _, err := h.AcceptAsReader(ctx, s1.Id, "R1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := h.AcceptAsReader(ctx, s2.Id, "R1"); !errors.Is(err, entity.ErrReaderBusy) {
		t.Fatalf("second accept: %v", err)
	}
	got, _ := h.Session(context.Background(), s2.Id)
	if got.Status != entity.StatusEscalating {
		t.Fatalf("s2 status = %s", got.Status)
	}
}

func TestDeclineRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "R1")
	s, _ := h.Request(ctx, "client")

	if err := h.DeclineAsReader(ctx, s.Id, "R1"); !errors.Is(err, entity.ErrDeclineNotAllowed) {
		t.Fatalf("decline: %v", err)
	}
	events, err := h.EventsFor(ctx, s.Id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	last := events[len(events)-1]
	if last.Kind != ledger.KindEscalation || last.Escalation.Outcome != entity.OutcomeDeclinedNotAllowed {
		t.Fatalf("last event = %+v", last)
	}
	if _, err := h.AcceptAsReader(ctx, s.Id, "R1"); err != nil {
		t.Fatalf("accept after decline attempt: %v", err)
	}
}

func TestStartWithoutConsentFailsAndFreesSlot(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "R1")
	s, _ := h.Request(ctx, "client")
	_, _ = h.AcceptAsReader(ctx, s.Id, "R1")

	if _, err := h.StartSession(ctx, s.Id); !errors.Is(err, entity.ErrConsentMissing) {
		t.Fatalf("start: %v", err)
	}
	got, _ := h.Session(context.Background(), s.Id)
	if got.Status != entity.StatusFailed || got.TerminationReason != entity.ReasonConsentMissing {
		t.Fatalf("session = %s/%s", got.Status, got.TerminationReason)
	}
	if inUse(t, h) != 0 {
		t.Fatal("slot not released")
	}
	if err := h.Directory().Reserve(ctx, "R1", "elsewhere"); err != nil {
		t.Fatalf("reader not released: %v", err)
	}
	if k := h.alerts.kinds(); len(k) != 1 || k[0] != alert.KindConsentMissing {
		t.Fatalf("alerts = %v", k)
	}
}

func TestRecordingFailureEndsSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "R1")
	s := h.live(t, "R1")

	if err := h.ReportRecordingFailure(ctx, s.Id, "encoder crashed"); !errors.Is(err, entity.ErrRecordingFailure) {
		t.Fatalf("report: %v", err)
	}
	got, _ := h.Session(context.Background(), s.Id)
	if got.Status != entity.StatusFailed || got.TerminationReason != entity.ReasonRecordingFailure {
		t.Fatalf("session = %s/%s", got.Status, got.TerminationReason)
	}
	rec, ok := h.Recording(context.Background(), s.Id)
	if !ok || !rec.FailureFlag || !rec.PermanentlyStored {
		t.Fatalf("recording = %+v", rec)
	}
	h.media.mu.Lock()
	disconnected := len(h.media.disconnected)
	h.media.mu.Unlock()
	if disconnected != 1 {
		t.Fatalf("disconnects = %d", disconnected)
	}
	if k := h.alerts.kinds(); len(k) != 1 || k[0] != alert.KindRecordingFailure {
		t.Fatalf("alerts = %v", k)
	}
}

func TestExtensionHandsOverSlotAndReader(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *config.Config) {
		c.CapacityCeiling = 1
		c.SessionDuration = 2 * time.Second
		c.ExtensionWindow = 1900 * time.Millisecond
	}, "R1")

	origin := h.live(t, "R1")
	h.grant(t, origin.Id, entity.ConsentExtension)
	time.Sleep(150 * time.Millisecond)

	tok, err := h.RequestExtension(ctx, origin.Id)
	if err != nil {
		t.Fatalf("request extension: %v", err)
	}
	h.grant(t, tok.SuccessorId, entity.ConsentRecording)
	next, err := h.Commit(ctx, tok.Token, extension.PaymentSucceeded)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if inUse(t, h) != 1 {
		t.Fatalf("slots in use = %d", inUse(t, h))
	}
	if err := h.Directory().Reserve(ctx, "R1", "elsewhere"); !errors.Is(err, entity.ErrReaderBusy) {
		t.Fatalf("reader freed during handover: %v", err)
	}
	old, _ := h.Session(context.Background(), origin.Id)
	if old.Status != entity.StatusCompleted || old.TerminationReason != entity.ReasonExtended {
		t.Fatalf("origin = %s/%s", old.Status, old.TerminationReason)
	}
	succ, _ := h.Session(context.Background(), next)
	if succ.Status != entity.StatusActive || succ.ExtensionOrdinal != 1 {
		t.Fatalf("successor = %+v", succ)
	}
	links, _ := h.Chain(ctx, next)
	if len(links) != 1 || links[0].OriginSessionId != origin.Id {
		t.Fatalf("chain = %+v", links)
	}

	if err := h.TransportLost(ctx, next); err != nil {
		t.Fatalf("lost: %v", err)
	}
	if err := h.ReportRecordingFailure(ctx, next, "disk"); !errors.Is(err, entity.ErrRecordingFailure) {
		t.Fatalf("report: %v", err)
	}
	if inUse(t, h) != 0 {
		t.Fatal("slot not released after successor ended")
	}
}

func TestEventsForUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.EventsFor(context.Background(), "missing"); !errors.Is(err, entity.ErrSessionNotFound) {
		t.Fatalf("events: %v", err)
	}
}

func (h *harness) sirens(sessionID string) []string {
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	return append([]string(nil), h.notifier.sirens[sessionID]...)
}

// hookStore archives nothing; it hands every snapshot to hook.
type hookStore struct {
	mu   sync.Mutex
	hook func(s *entity.CallSession)
}

func (h *hookStore) set(hook func(s *entity.CallSession)) {
	h.mu.Lock()
	h.hook = hook
	h.mu.Unlock()
}

func (h *hookStore) Save(_ context.Context, s *entity.CallSession) error {
	h.mu.Lock()
	hook := h.hook
	h.mu.Unlock()
	if hook != nil {
		hook(s)
	}
	return nil
}

type fakeArchive struct {
	sessions []*entity.CallSession
	handles  map[string]*entity.RecordingHandle
}

func (f *fakeArchive) FindByID(_ context.Context, id string) (*entity.CallSession, error) {
	for _, s := range f.sessions {
		if s.Id == id {
			return s.Clone(), nil
		}
	}
	return nil, entity.ErrSessionNotFound
}

func (f *fakeArchive) List(context.Context) ([]*entity.CallSession, error) {
	return f.sessions, nil
}

func (f *fakeArchive) FindBySession(_ context.Context, sessionID string) (*entity.RecordingHandle, bool, error) {
	h, ok := f.handles[sessionID]
	return h, ok, nil
}

func TestSecondAcceptBySameReader(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "R1", "R2")
	s, err := h.Request(ctx, "client")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := h.AcceptAsReader(ctx, s.Id, "R1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if _, err := h.AcceptAsReader(ctx, s.Id, "R1"); !errors.Is(err, entity.ErrAlreadyAccepted) {
		t.Fatalf("second accept: %v", err)
	}
	got, _ := h.Session(ctx, s.Id)
	if got.Status != entity.StatusAccepted || got.ReaderId != "R1" {
		t.Fatalf("session = %s/%s", got.Status, got.ReaderId)
	}
	if err := h.Directory().Reserve(ctx, "R1", "elsewhere"); !errors.Is(err, entity.ErrReaderBusy) {
		t.Fatalf("repeat accept freed the winner: %v", err)
	}
}

func TestConcurrentAcceptsBySameReader(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "R1")
	s, err := h.Request(ctx, "client")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	const n = 10
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.AcceptAsReader(ctx, s.Id, "R1")
			if err == nil {
				wins.Add(1)
				return
			}
			if !errors.Is(err, entity.ErrAlreadyAccepted) {
				t.Errorf("repeat got %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("%d winners", wins.Load())
	}
	if err := h.Directory().Reserve(ctx, "R1", "elsewhere"); !errors.Is(err, entity.ErrReaderBusy) {
		t.Fatalf("winner's flag lost: %v", err)
	}
}

func TestAcceptByReaderNotInDirectory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	s, err := h.Request(ctx, "client")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if lvl, running := h.scheduler.Level(s.Id); lvl != entity.LevelAdmin || !running {
		t.Fatalf("level=%d running=%v", lvl, running)
	}

	if _, err := h.AcceptAsReader(ctx, s.Id, "ghost"); !errors.Is(err, entity.ErrUnknownReader) {
		t.Fatalf("accept: %v", err)
	}
	got, _ := h.Session(ctx, s.Id)
	if got.Status != entity.StatusEscalating || got.ReaderId != "" {
		t.Fatalf("session = %s/%q", got.Status, got.ReaderId)
	}
}

func TestAcceptBeforeStartIsRefused(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, "R1")
	s, err := h.Admit(ctx, "client")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}

	if _, err := h.AcceptAsReader(ctx, s.Id, "R1"); !errors.Is(err, entity.ErrInvalidTransition) {
		t.Fatalf("accept before start: %v", err)
	}
	got, _ := h.Session(ctx, s.Id)
	if got.Status != entity.StatusRequested {
		t.Fatalf("status = %s", got.Status)
	}
	if err := h.Directory().Reserve(ctx, "R1", "elsewhere"); err != nil {
		t.Fatalf("refused accept left R1 busy: %v", err)
	}
	h.Directory().Release(ctx, "R1", "elsewhere")

	if err := h.Start(ctx, s.Id); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.sirens(s.Id); len(got) != 1 || got[0] != "R1" {
		t.Fatalf("sirens = %v", got)
	}
	if err := h.Start(ctx, s.Id); !errors.Is(err, entity.ErrInvalidTransition) {
		t.Fatalf("second start: %v", err)
	}
	if got := h.sirens(s.Id); len(got) != 1 {
		t.Fatalf("second start sirened again: %v", got)
	}
}

func TestAcceptWhileEscalationStartsIsRefused(t *testing.T) {
	ctx := context.Background()
	store := &hookStore{}
	h := newHarnessWith(t, Stores{Sessions: store}, nil, "R1", "R2")

	var during error
	var once sync.Once
	store.set(func(cs *entity.CallSession) {
		if cs.Status != entity.StatusEscalating {
			return
		}
		once.Do(func() { _, during = h.AcceptAsReader(ctx, cs.Id, "R2") })
	})

	s, err := h.Request(ctx, "client")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !errors.Is(during, entity.ErrReaderNotOffered) {
		t.Fatalf("accept before the first siren: %v", during)
	}
	if s.Status != entity.StatusEscalating || s.ReaderId != "" {
		t.Fatalf("session = %s/%q", s.Status, s.ReaderId)
	}
	if got := h.sirens(s.Id); len(got) != 1 || got[0] != "R1" {
		t.Fatalf("sirens = %v", got)
	}
	if err := h.Directory().Reserve(ctx, "R2", "elsewhere"); err != nil {
		t.Fatalf("refused reader left busy: %v", err)
	}
	if _, err := h.AcceptAsReader(ctx, s.Id, "R1"); err != nil {
		t.Fatalf("accept by sirened reader: %v", err)
	}
}

func TestAcceptArchivesOutsideLadderLock(t *testing.T) {
	ctx := context.Background()
	store := &hookStore{}
	h := newHarnessWith(t, Stores{Sessions: store}, nil, "R1")
	s, err := h.Request(ctx, "client")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	store.set(func(cs *entity.CallSession) {
		if cs.Status == entity.StatusAccepted {
			// takes the ladder lock when the ladder is still registered
			h.scheduler.Offered(cs.Id, "R1")
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.AcceptAsReader(ctx, s.Id, "R1")
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session archived while the ladder lock was held")
	}
}

func TestArchivedSessionsStayVisible(t *testing.T) {
	ctx := context.Background()
	requested := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	archive := &fakeArchive{
		sessions: []*entity.CallSession{{
			Id: "old", ClientId: "c", ReaderId: "R1", Status: entity.StatusCompleted,
			RequestedAt: requested, TerminationReason: entity.ReasonExpired,
		}},
		handles: map[string]*entity.RecordingHandle{
			"old": {SessionId: "old", StorageRef: "recordings/old.wav", StartedAt: requested, PermanentlyStored: true},
		},
	}
	h := newHarnessWith(t, Stores{SessionArchive: archive, RecordingArchive: archive}, nil, "R1")
	live, err := h.Request(ctx, "client")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	stale := live.Clone()
	stale.Status = entity.StatusRequested
	archive.sessions = append(archive.sessions, stale)

	old, err := h.Session(ctx, "old")
	if err != nil || old.Status != entity.StatusCompleted || old.TerminationReason != entity.ReasonExpired {
		t.Fatalf("archived session = %+v err=%v", old, err)
	}
	if _, err := h.EventsFor(ctx, "old"); err != nil {
		t.Fatalf("archived events: %v", err)
	}
	if rec, ok := h.Recording(ctx, "old"); !ok || rec.StorageRef != "recordings/old.wav" {
		t.Fatalf("archived recording = %+v ok=%v", rec, ok)
	}
	if _, err := h.Session(ctx, "missing"); !errors.Is(err, entity.ErrSessionNotFound) {
		t.Fatalf("missing: %v", err)
	}

	all, err := h.Sessions(ctx)
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if len(all) != 2 || all[0].Id != "old" || all[1].Id != live.Id {
		t.Fatalf("sessions = %+v", all)
	}
	if all[1].Status != entity.StatusEscalating {
		t.Fatalf("live session shadowed by its archive copy: %s", all[1].Status)
	}
}
