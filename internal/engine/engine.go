package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"SirenServer/internal/alert"
	"SirenServer/internal/availability"
	"SirenServer/internal/capacity"
	"SirenServer/internal/config"
	"SirenServer/internal/entity"
	"SirenServer/internal/escalation"
	"SirenServer/internal/extension"
	"SirenServer/internal/ledger"
	"SirenServer/internal/logger"
	"SirenServer/internal/recording"
	"SirenServer/internal/session"
)

// Media is the transport side: recording capture, re-targeting on extension, hang-up on termination.
type Media interface {
	recording.Recorder
	extension.Transport
	Disconnect(ctx context.Context, sessionID string) error
}

// SessionArchive reads back sessions this process does not track, such as ones from before a restart.
type SessionArchive interface {
	FindByID(ctx context.Context, id string) (*entity.CallSession, error)
	List(ctx context.Context) ([]*entity.CallSession, error)
}

type RecordingArchive interface {
	FindBySession(ctx context.Context, sessionID string) (*entity.RecordingHandle, bool, error)
}

// Stores are the durable backends. Nil entries fall back to in-memory stores; nil archives
// mean only live sessions are visible.
type Stores struct {
	Sessions         session.Store
	Ledger           ledger.Store
	Recordings       recording.Store
	Chains           extension.ChainStore
	Counter          capacity.Counter
	Busy             availability.BusyStore
	SessionArchive   SessionArchive
	RecordingArchive RecordingArchive
}

type Engine struct {
	cfg        config.Config
	capacity   *capacity.Controller
	directory  *availability.Directory
	machine    *session.Machine
	ledger     *ledger.Ledger
	scheduler  *escalation.Scheduler
	recordings *recording.Guard
	extensions *extension.Manager
	media      Media
	alerts     alert.Alerter
	sessions   SessionArchive
	archived   RecordingArchive

	mu    sync.Mutex
	slots map[string]bool
}

func New(cfg config.Config, stores Stores, notifier escalation.Notifier, media Media, alerts alert.Alerter) *Engine {
	if stores.Busy == nil {
		stores.Busy = availability.NewMemoryBusyStore()
	}
	e := &Engine{
		cfg:      cfg,
		media:    media,
		alerts:   alerts,
		sessions: stores.SessionArchive,
		archived: stores.RecordingArchive,
		slots:    make(map[string]bool),
	}
	e.capacity = capacity.New(cfg.CapacityCeiling, stores.Counter)
	e.directory = availability.NewDirectory(stores.Busy, nil)
	e.ledger = ledger.New(stores.Ledger)
	e.machine = session.NewMachine(session.Config{
		Duration:        cfg.SessionDuration,
		ExtensionWindow: cfg.ExtensionWindow,
		ReconnectGrace:  cfg.ReconnectGrace,
	}, stores.Sessions, e.ledger)
	e.scheduler = escalation.NewScheduler(escalation.Config{
		ResponseWindow: cfg.ResponseWindow,
		AdminAckWindow: cfg.AdminAckWindow,
		AdminIDs:       cfg.AdminIDs,
	}, notifier, e.ledger, e.machine, alerts)
	e.recordings = recording.NewGuard(e.ledger, media, stores.Recordings, e.machine, alerts, cfg.AllowUnrecorded)
	e.extensions = extension.NewManager(extension.Deps{
		Sessions:   e.machine,
		Consent:    e.ledger,
		Recordings: e.recordings,
		Transport:  media,
		Handover:   e,
		Chains:     stores.Chains,
		Policy:     cfg.Extension,
	})
	e.machine.OnTerminal(e.onTerminal)
	return e
}

func (e *Engine) Directory() *availability.Directory { return e.directory }

func (e *Engine) Capacity() *capacity.Controller { return e.capacity }

// Admit reserves a capacity slot and opens a session for it.
func (e *Engine) Admit(ctx context.Context, clientID string) (*entity.CallSession, error) {
	if _, err := e.capacity.Admit(ctx, capacity.Request{ClientId: clientID}); err != nil {
		return nil, err
	}
	s, err := e.machine.Create(ctx, clientID)
	if err != nil {
		e.capacity.Release(ctx)
		return nil, err
	}
	e.mu.Lock()
	e.slots[s.Id] = true
	e.mu.Unlock()

	logger.Session(s.Id).WithField("client_id", clientID).Info("[ADMIT] admitted")
	return s, nil
}

// Start begins escalation for an admitted session. An empty candidate list is not an error.
// The ladder is registered before the session turns Escalating, so nobody can accept in between.
func (e *Engine) Start(ctx context.Context, sessionID string) error {
	s, err := e.machine.Get(sessionID)
	if err != nil {
		return err
	}
	if s.Status != entity.StatusRequested {
		return &entity.TransitionError{SessionId: sessionID, From: s.Status, To: entity.StatusEscalating}
	}
	candidates, err := e.directory.CandidatesFor(ctx, s.RequestedAt, availability.SeedFor(sessionID))
	if err != nil {
		return fmt.Errorf("candidates: %w", err)
	}
	logger.Session(sessionID).WithField("candidates", candidates).Info("[ADMIT] escalating")
	return e.scheduler.Start(ctx, sessionID, candidates, func() error {
		return e.machine.BeginEscalation(ctx, sessionID)
	})
}

// Request is Admit followed by Start.
func (e *Engine) Request(ctx context.Context, clientID string) (*entity.CallSession, error) {
	s, err := e.Admit(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx, s.Id); err != nil {
		_ = e.machine.Fail(ctx, s.Id, entity.ReasonNone)
		return nil, err
	}
	return e.machine.Get(s.Id)
}

// AcceptAsReader is the one acceptance path. The reader's busy flag is taken first and given back
// if the claim loses. Under the ladder's lock only the in-memory claim runs; the snapshot is archived after.
func (e *Engine) AcceptAsReader(ctx context.Context, sessionID, readerID string) (*entity.CallSession, error) {
	if _, ok := e.directory.Get(readerID); !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrUnknownReader, readerID)
	}
	if err := e.directory.Reserve(ctx, readerID, sessionID); err != nil {
		return nil, err
	}

	var accepted *entity.CallSession
	err := e.scheduler.Accept(ctx, sessionID, readerID, func() error {
		s, err := e.machine.Claim(sessionID, readerID)
		if err != nil {
			return err
		}
		accepted = s
		return nil
	})
	if err != nil {
		e.directory.Release(ctx, readerID, sessionID)
		return nil, err
	}
	e.machine.Persist(ctx, accepted)
	return accepted, nil
}

func (e *Engine) DeclineAsReader(ctx context.Context, sessionID, readerID string) error {
	if _, err := e.machine.Get(sessionID); err != nil {
		return err
	}
	return e.scheduler.Decline(ctx, sessionID, readerID)
}

// StartSession moves an accepted session to Active and begins capture.
func (e *Engine) StartSession(ctx context.Context, sessionID string) (*entity.CallSession, error) {
	if _, err := e.machine.Activate(ctx, sessionID); err != nil {
		return nil, err
	}
	if _, err := e.recordings.BeginIfConsented(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.machine.Get(sessionID)
}

func (e *Engine) RecordConsent(ctx context.Context, rec entity.ConsentRecord) (string, error) {
	return e.ledger.Record(ctx, rec)
}

func (e *Engine) HasGranted(ctx context.Context, sessionID string, consentType entity.ConsentType) (bool, error) {
	return e.ledger.HasGranted(ctx, sessionID, consentType)
}

func (e *Engine) EventsFor(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	if _, err := e.Session(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.ledger.EventsFor(ctx, sessionID)
}

// Session returns a live session, or its archived snapshot once this process no longer tracks it.
func (e *Engine) Session(ctx context.Context, sessionID string) (*entity.CallSession, error) {
	s, err := e.machine.Get(sessionID)
	if err == nil || e.sessions == nil || !errors.Is(err, entity.ErrSessionNotFound) {
		return s, err
	}
	return e.sessions.FindByID(ctx, sessionID)
}

// Sessions lists live sessions plus archived ones that are not live, oldest request first.
func (e *Engine) Sessions(ctx context.Context) ([]*entity.CallSession, error) {
	live := e.machine.List()
	if e.sessions == nil {
		return live, nil
	}
	archived, err := e.sessions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("archived sessions: %w", err)
	}
	seen := make(map[string]bool, len(live))
	for _, s := range live {
		seen[s.Id] = true
	}
	out := live
	for _, s := range archived {
		if !seen[s.Id] {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (e *Engine) Recording(ctx context.Context, sessionID string) (*entity.RecordingHandle, bool) {
	if h, ok := e.recordings.Handle(sessionID); ok {
		return h, true
	}
	if e.archived == nil {
		return nil, false
	}
	h, ok, err := e.archived.FindBySession(ctx, sessionID)
	if err != nil {
		logger.Session(sessionID).WithError(err).Warn("[RECORDING] archived handle unreadable")
		return nil, false
	}
	return h, ok
}

func (e *Engine) Chain(ctx context.Context, sessionID string) ([]entity.ExtensionChain, error) {
	return e.extensions.Chain(ctx, sessionID)
}

func (e *Engine) TransportLost(ctx context.Context, sessionID string) error {
	return e.machine.TransportLost(ctx, sessionID)
}

func (e *Engine) TransportRestored(ctx context.Context, sessionID string) error {
	return e.machine.TransportRestored(ctx, sessionID)
}

func (e *Engine) ReportRecordingFailure(ctx context.Context, sessionID, cause string) error {
	if _, err := e.machine.Get(sessionID); err != nil {
		return err
	}
	return e.recordings.ReportFailure(ctx, sessionID, errors.New(cause))
}

func (e *Engine) RequestExtension(ctx context.Context, sessionID string) (extension.Token, error) {
	return e.extensions.RequestExtension(ctx, sessionID)
}

func (e *Engine) ApproveExtension(ctx context.Context, token, approverID string) (extension.Token, error) {
	return e.extensions.Approve(ctx, token, approverID)
}

func (e *Engine) Commit(ctx context.Context, token string, result extension.PaymentResult) (string, error) {
	return e.extensions.Commit(ctx, token, result)
}

// Handover gives the successor the origin's capacity slot and reader.
func (e *Engine) Handover(ctx context.Context, origin, successor *entity.CallSession) error {
	e.mu.Lock()
	if e.slots[origin.Id] {
		delete(e.slots, origin.Id)
		e.slots[successor.Id] = true
	}
	e.mu.Unlock()
	return e.directory.Transfer(ctx, origin.ReaderId, origin.Id, successor.Id)
}

func (e *Engine) onTerminal(s *entity.CallSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.scheduler.Stop(s.Id)
	if _, err := e.recordings.End(ctx, s.Id); err != nil {
		logger.Session(s.Id).WithError(err).Error("[SESSION] recording close failed")
	}

	e.mu.Lock()
	held := e.slots[s.Id]
	delete(e.slots, s.Id)
	e.mu.Unlock()
	if held {
		e.capacity.Release(ctx)
	}
	e.directory.Release(ctx, s.ReaderId, s.Id)

	if s.TerminationReason != entity.ReasonExtended && s.ReaderId != "" && e.media != nil {
		if err := e.media.Disconnect(ctx, s.Id); err != nil {
			logger.Session(s.Id).WithError(err).Warn("[SESSION] disconnect failed")
		}
	}
	switch s.TerminationReason {
	case entity.ReasonTransportLost:
		e.raise(ctx, alert.SeverityWarning, alert.KindTransportLost, s.Id, "transport lost and not recovered")
	case entity.ReasonConsentMissing:
		e.raise(ctx, alert.SeverityWarning, alert.KindConsentMissing, s.Id, "start refused without recording consent")
	}

	logger.Session(s.Id).WithFields(logrus.Fields{
		"status":     s.Status,
		"reason":     s.TerminationReason,
		"slot_freed": held,
		"reader_id":  s.ReaderId,
	}).Info("[SESSION] resources released")
}

func (e *Engine) raise(ctx context.Context, sev alert.Severity, kind alert.Kind, sessionID, msg string) {
	if e.alerts == nil {
		return
	}
	_ = e.alerts.Raise(ctx, alert.Alert{Severity: sev, Kind: kind, SessionId: sessionID, Message: msg})
}
