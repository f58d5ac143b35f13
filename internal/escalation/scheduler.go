package escalation

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"SirenServer/internal/alert"
	"SirenServer/internal/entity"
	"SirenServer/internal/logger"
	"SirenServer/internal/metrics"
)

// Notifier delivers sirens. It decides nothing; whom and when is the scheduler's job.
type Notifier interface {
	Siren(ctx context.Context, sessionID, readerID string, level entity.EscalationLevel) error
	NotifyAdmins(ctx context.Context, sessionID string, adminIDs []string) error
	Broadcast(ctx context.Context, sessionID string) error
}

type EventLog interface {
	AppendEscalation(ctx context.Context, ev entity.EscalationEvent) error
}

// Sessions is the session side the ladder reads and closes.
type Sessions interface {
	Get(id string) (*entity.CallSession, error)
	// Abandon closes a session once every rung has fired without an answer.
	Abandon(ctx context.Context, sessionID string) error
}

type Config struct {
	ResponseWindow time.Duration
	AdminAckWindow time.Duration
	AdminIDs       []string
}

type run struct {
	mu         sync.Mutex
	sessionID  string
	candidates []string
	level      entity.EscalationLevel
	offered    map[string]bool
	timer      *time.Timer
	gen        int
	done       bool
	exhausted  bool
	outbox     []entity.EscalationEvent

	// flushing serializes journal writes so events land in queue order.
	flushing sync.Mutex
}

type Scheduler struct {
	cfg      Config
	notifier Notifier
	events   EventLog
	sessions Sessions
	alerts   alert.Alerter

	mu   sync.Mutex
	runs map[string]*run
}

func NewScheduler(cfg Config, notifier Notifier, events EventLog, sessions Sessions, alerts alert.Alerter) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		notifier: notifier,
		events:   events,
		sessions: sessions,
		alerts:   alerts,
		runs:     make(map[string]*run),
	}
}

// Start registers the ladder, runs begin, then fires the first rung. Between registration and the
// first rung every acceptance is refused as not offered. The session must be Escalating once begin
// returns. With no candidates the ladder begins at the admin level.
func (s *Scheduler) Start(ctx context.Context, sessionID string, candidates []string, begin func() error) error {
	r := &run{
		sessionID:  sessionID,
		candidates: append([]string(nil), candidates...),
		offered:    make(map[string]bool),
	}

	s.mu.Lock()
	if _, exists := s.runs[sessionID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("escalation for %s already started", sessionID)
	}
	s.runs[sessionID] = r
	s.mu.Unlock()

	if begin != nil {
		if err := begin(); err != nil {
			s.discard(r)
			return err
		}
	}

	first := entity.LevelPrimary
	if len(candidates) == 0 {
		logger.Session(sessionID).WithError(entity.ErrNoCandidateAvailable).Warn("[ESCALATE] going straight to admins")
		first = entity.LevelAdmin
	}

	r.mu.Lock()
	cur, err := s.sessions.Get(sessionID)
	if err == nil && (r.done || cur.Status != entity.StatusEscalating) {
		err = &entity.TransitionError{SessionId: sessionID, From: cur.Status, To: entity.StatusEscalating}
	}
	if err != nil {
		r.mu.Unlock()
		s.discard(r)
		return err
	}
	notify := s.fire(ctx, r, first)
	r.mu.Unlock()

	s.flush(ctx, r)
	notify()
	return nil
}

// Accept runs claim while no rung can fire, then stops the ladder. claim must not block on I/O;
// the accepted event is journaled after the lock is released.
// Only a reader sirened so far may accept, until the admin rung opens the session to everyone.
// Without a running ladder nothing is claimed.
func (s *Scheduler) Accept(ctx context.Context, sessionID, readerID string, claim func() error) error {
	r := s.lookup(sessionID)
	if r == nil {
		return s.settled(sessionID)
	}

	r.mu.Lock()
	if r.exhausted {
		r.mu.Unlock()
		metrics.Acceptances.WithLabelValues("too_late").Inc()
		return &entity.TransitionError{SessionId: sessionID, From: entity.StatusAbandoned, To: entity.StatusAccepted}
	}
	if r.done {
		r.mu.Unlock()
		return s.settled(sessionID)
	}
	if r.level < entity.LevelAdmin && !r.offered[readerID] {
		r.mu.Unlock()
		metrics.Acceptances.WithLabelValues("not_offered").Inc()
		return entity.ErrReaderNotOffered
	}
	if err := claim(); err != nil {
		r.mu.Unlock()
		metrics.Acceptances.WithLabelValues("lost").Inc()
		return err
	}
	level := r.level
	r.stop()
	r.queue(entity.EscalationEvent{
		SessionId:   sessionID,
		Level:       level,
		CandidateId: readerID,
		Outcome:     entity.OutcomeAccepted,
	})
	r.mu.Unlock()

	metrics.Acceptances.WithLabelValues("won").Inc()
	s.forget(r)
	s.flush(ctx, r)
	logger.Session(sessionID).WithFields(logrus.Fields{"reader_id": readerID, "level": level}).Info("[ESCALATE] accepted")
	return nil
}

// settled answers an acceptance for a session with no running ladder.
func (s *Scheduler) settled(sessionID string) error {
	cur, err := s.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if cur.ReaderId != "" {
		metrics.Acceptances.WithLabelValues("lost").Inc()
		return entity.ErrAlreadyAccepted
	}
	metrics.Acceptances.WithLabelValues("too_late").Inc()
	return &entity.TransitionError{SessionId: sessionID, From: cur.Status, To: entity.StatusAccepted}
}

// Decline is recorded and refused. Escalation carries on as if nothing was said.
func (s *Scheduler) Decline(ctx context.Context, sessionID, readerID string) error {
	level := entity.LevelPrimary
	if r := s.lookup(sessionID); r != nil {
		r.mu.Lock()
		level = r.level
		r.queue(entity.EscalationEvent{
			SessionId:   sessionID,
			Level:       level,
			CandidateId: readerID,
			Outcome:     entity.OutcomeDeclinedNotAllowed,
		})
		r.mu.Unlock()
		s.flush(ctx, r)
	}
	logger.Session(sessionID).WithFields(logrus.Fields{"reader_id": readerID, "level": level}).Warn("[ESCALATE] decline refused")
	return entity.ErrDeclineNotAllowed
}

// Stop cancels the ladder. Stopping an unknown or finished session is a no-op.
func (s *Scheduler) Stop(sessionID string) {
	r := s.lookup(sessionID)
	if r == nil {
		return
	}
	r.mu.Lock()
	if !r.done {
		r.stop()
	}
	r.mu.Unlock()
	s.forget(r)
}

// Level reports the current rung of a running ladder.
func (s *Scheduler) Level(sessionID string) (entity.EscalationLevel, bool) {
	r := s.lookup(sessionID)
	if r == nil {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level, !r.done
}

// Offered reports whether the reader has been sirened for the session.
func (s *Scheduler) Offered(sessionID, readerID string) bool {
	r := s.lookup(sessionID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offered[readerID]
}

func (s *Scheduler) lookup(sessionID string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[sessionID]
}

func (s *Scheduler) forget(r *run) {
	s.mu.Lock()
	if s.runs[r.sessionID] == r {
		delete(s.runs, r.sessionID)
	}
	s.mu.Unlock()
}

// discard drops a ladder that never fired.
func (s *Scheduler) discard(r *run) {
	r.mu.Lock()
	r.stop()
	r.mu.Unlock()
	s.forget(r)
}

// queue must be called with r.mu held.
func (r *run) queue(ev entity.EscalationEvent) {
	r.outbox = append(r.outbox, ev)
}

// flush journals queued events in queue order. It must be called without r.mu held.
func (s *Scheduler) flush(ctx context.Context, r *run) {
	r.flushing.Lock()
	defer r.flushing.Unlock()

	r.mu.Lock()
	pending := r.outbox
	r.outbox = nil
	r.mu.Unlock()

	for _, ev := range pending {
		s.append(ctx, ev)
	}
}

// stop must be called with r.mu held.
func (r *run) stop() {
	r.done = true
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// fire enters a rung and arms its window. It must be called with r.mu held. It queues the rung's
// event and returns the delivery work; the caller flushes and delivers after unlocking.
func (s *Scheduler) fire(ctx context.Context, r *run, level entity.EscalationLevel) func() {
	r.level = level
	r.gen++
	gen := r.gen
	metrics.EscalationFires.WithLabelValues(strconv.Itoa(int(level))).Inc()

	ev := entity.EscalationEvent{SessionId: r.sessionID, Level: level, Outcome: entity.OutcomePending}
	log := logger.Session(r.sessionID).WithField("level", level)

	var window time.Duration
	var notify func()
	switch level {
	case entity.LevelPrimary, entity.LevelBackup:
		reader := r.candidates[level]
		ev.CandidateId = reader
		r.offered[reader] = true
		window = s.cfg.ResponseWindow
		notify = func() {
			if err := s.notifier.Siren(ctx, r.sessionID, reader, level); err != nil {
				log.WithError(err).WithField("reader_id", reader).Error("[ESCALATE] siren failed")
			}
		}
	case entity.LevelAdmin:
		window = s.cfg.AdminAckWindow
		notify = func() {
			if err := s.notifier.NotifyAdmins(ctx, r.sessionID, s.cfg.AdminIDs); err != nil {
				log.WithError(err).Error("[ESCALATE] admin notification failed")
			}
		}
	default:
		r.done = true
		r.exhausted = true
		notify = func() { s.exhaust(r) }
	}

	r.queue(ev)
	log.WithField("candidate_id", ev.CandidateId).Info("[ESCALATE] rung fired")

	if window > 0 {
		r.timer = time.AfterFunc(window, func() { s.timeout(r, gen) })
	}
	return notify
}

func (s *Scheduler) timeout(r *run, gen int) {
	ctx := context.Background()

	r.mu.Lock()
	if r.done || r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.queue(entity.EscalationEvent{
		SessionId:   r.sessionID,
		Level:       r.level,
		CandidateId: candidateAt(r),
		Outcome:     entity.OutcomeTimedOut,
	})
	notify := s.fire(ctx, r, next(r))
	r.mu.Unlock()

	s.flush(ctx, r)
	notify()
}

func candidateAt(r *run) string {
	if r.level <= entity.LevelBackup && int(r.level) < len(r.candidates) {
		return r.candidates[r.level]
	}
	return ""
}

func next(r *run) entity.EscalationLevel {
	if r.level == entity.LevelPrimary && len(r.candidates) > 1 {
		return entity.LevelBackup
	}
	if r.level < entity.LevelAdmin {
		return entity.LevelAdmin
	}
	return entity.LevelBroadcast
}

func (s *Scheduler) exhaust(r *run) {
	ctx := context.Background()
	sessionID := r.sessionID
	if err := s.notifier.Broadcast(ctx, sessionID); err != nil {
		logger.Session(sessionID).WithError(err).Error("[ESCALATE] broadcast failed")
	}
	if s.alerts != nil {
		_ = s.alerts.Raise(ctx, alert.Alert{
			Severity:  alert.SeverityImmediate,
			Kind:      alert.KindSystemBroadcast,
			SessionId: sessionID,
			Message:   "no reader answered the emergency request",
		})
	}
	if err := s.sessions.Abandon(ctx, sessionID); err != nil {
		logger.Session(sessionID).WithError(err).Warn("[ESCALATE] abandon skipped")
	}
	s.forget(r)
}

func (s *Scheduler) append(ctx context.Context, ev entity.EscalationEvent) {
	if err := s.events.AppendEscalation(ctx, ev); err != nil {
		logger.Session(ev.SessionId).WithError(err).Error("[ESCALATE] event not recorded")
	}
}
