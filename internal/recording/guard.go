package recording

import (
	"context"
	"fmt"
	"sync"
	"time"

	"SirenServer/internal/alert"
	"SirenServer/internal/entity"
	"SirenServer/internal/logger"
	"SirenServer/internal/metrics"
)

// Recorder drives the media side. Start returns where the capture is being written.
type Recorder interface {
	StartRecording(ctx context.Context, sessionID string) (string, error)
	StopRecording(ctx context.Context, sessionID, storageRef string) error
}

// Store keeps handles. There is no delete.
type Store interface {
	SaveRecording(ctx context.Context, h entity.RecordingHandle) error
}

type ConsentChecker interface {
	HasGranted(ctx context.Context, sessionID string, consentType entity.ConsentType) (bool, error)
}

type SessionFailer interface {
	Fail(ctx context.Context, sessionID string, reason entity.TerminationReason) error
}

type Guard struct {
	consent         ConsentChecker
	recorder        Recorder
	store           Store
	sessions        SessionFailer
	alerts          alert.Alerter
	allowUnrecorded bool
	now             func() time.Time

	mu      sync.Mutex
	handles map[string]*entity.RecordingHandle
}

func NewGuard(consent ConsentChecker, recorder Recorder, store Store, sessions SessionFailer, alerts alert.Alerter, allowUnrecorded bool) *Guard {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Guard{
		consent:         consent,
		recorder:        recorder,
		store:           store,
		sessions:        sessions,
		alerts:          alerts,
		allowUnrecorded: allowUnrecorded,
		now:             time.Now,
		handles:         make(map[string]*entity.RecordingHandle),
	}
}

// BeginIfConsented starts capture only when recording consent is on the ledger.
// A media or storage failure is reported as a recording failure and the session is failed.
func (g *Guard) BeginIfConsented(ctx context.Context, sessionID string) (*entity.RecordingHandle, error) {
	ok, err := g.consent.HasGranted(ctx, sessionID, entity.ConsentRecording)
	if err != nil {
		return nil, fmt.Errorf("check recording consent: %w", err)
	}
	if !ok {
		return nil, entity.ErrConsentMissing
	}

	g.mu.Lock()
	if h, exists := g.handles[sessionID]; exists && h.StoppedAt == nil {
		c := *h
		g.mu.Unlock()
		return &c, nil
	}
	g.mu.Unlock()

	ref, err := g.recorder.StartRecording(ctx, sessionID)
	if err != nil {
		return nil, g.ReportFailure(ctx, sessionID, fmt.Errorf("start capture: %w", err))
	}

	h := &entity.RecordingHandle{SessionId: sessionID, StorageRef: ref, StartedAt: g.now()}
	g.mu.Lock()
	g.handles[sessionID] = h
	snap := *h
	g.mu.Unlock()

	if err := g.store.SaveRecording(ctx, snap); err != nil {
		return nil, g.ReportFailure(ctx, sessionID, fmt.Errorf("store handle: %w", err))
	}
	logger.Session(sessionID).WithField("storage_ref", ref).Info("[RECORDING] started")
	return &snap, nil
}

// End stops capture and keeps the recording permanently.
func (g *Guard) End(ctx context.Context, sessionID string) (*entity.RecordingHandle, error) {
	g.mu.Lock()
	h, ok := g.handles[sessionID]
	if !ok || h.StoppedAt != nil {
		g.mu.Unlock()
		return nil, nil
	}
	now := g.now()
	h.StoppedAt = &now
	h.PermanentlyStored = true
	snap := *h
	g.mu.Unlock()

	var stopErr error
	if err := g.recorder.StopRecording(ctx, sessionID, snap.StorageRef); err != nil {
		stopErr = g.ReportFailure(ctx, sessionID, fmt.Errorf("stop capture: %w", err))
		snap.FailureFlag = true
	}
	if err := g.store.SaveRecording(ctx, snap); err != nil {
		return &snap, g.ReportFailure(ctx, sessionID, fmt.Errorf("store handle: %w", err))
	}
	logger.Session(sessionID).WithField("storage_ref", snap.StorageRef).Info("[RECORDING] stopped")
	return &snap, stopErr
}

// ReportFailure raises an immediate alert and fails the session, unless unrecorded sessions are allowed,
// in which case only the failure flag is set. It always returns an error wrapping ErrRecordingFailure.
func (g *Guard) ReportFailure(ctx context.Context, sessionID string, cause error) error {
	metrics.RecordingFailures.Inc()

	g.mu.Lock()
	var snap *entity.RecordingHandle
	if h, ok := g.handles[sessionID]; ok {
		h.FailureFlag = true
		c := *h
		snap = &c
	}
	g.mu.Unlock()

	if snap != nil {
		if err := g.store.SaveRecording(ctx, *snap); err != nil {
			logger.Session(sessionID).WithError(err).Error("[RECORDING] failure flag not stored")
		}
	}

	if g.alerts != nil {
		_ = g.alerts.Raise(ctx, alert.Alert{
			Severity:  alert.SeverityImmediate,
			Kind:      alert.KindRecordingFailure,
			SessionId: sessionID,
			Message:   fmt.Sprintf("recording failed: %v", cause),
		})
	}

	if g.allowUnrecorded {
		logger.Session(sessionID).WithError(cause).Warn("[RECORDING] continuing unrecorded")
	} else if err := g.sessions.Fail(ctx, sessionID, entity.ReasonRecordingFailure); err != nil {
		logger.Session(sessionID).WithError(err).Warn("[RECORDING] session already closed")
	}
	return fmt.Errorf("%w: %v", entity.ErrRecordingFailure, cause)
}

func (g *Guard) Handle(sessionID string) (*entity.RecordingHandle, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.handles[sessionID]
	if !ok {
		return nil, false
	}
	c := *h
	return &c, true
}
