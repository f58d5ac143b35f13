package extension

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"SirenServer/internal/entity"
	"SirenServer/internal/logger"
	"SirenServer/internal/metrics"
)

type PaymentResult string

const (
	PaymentSucceeded PaymentResult = "succeeded"
	PaymentDeclined  PaymentResult = "declined"
	PaymentTimedOut  PaymentResult = "timed_out"
)

type Sessions interface {
	Get(id string) (*entity.CallSession, error)
	BeginExtending(ctx context.Context, id string) (*entity.CallSession, error)
	CreateSuccessor(ctx context.Context, id string, origin *entity.CallSession) (*entity.CallSession, error)
	Activate(ctx context.Context, id string) (*entity.CallSession, error)
	CompleteExtended(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, reason entity.TerminationReason) error
}

type ConsentChecker interface {
	HasGranted(ctx context.Context, sessionID string, consentType entity.ConsentType) (bool, error)
}

type Recordings interface {
	BeginIfConsented(ctx context.Context, sessionID string) (*entity.RecordingHandle, error)
	End(ctx context.Context, sessionID string) (*entity.RecordingHandle, error)
}

// Transport moves the live media connection from one session id to another.
type Transport interface {
	Retarget(ctx context.Context, fromSessionID, toSessionID string) error
}

// Handover moves whatever the origin session holds (reader, capacity slot) to its successor.
type Handover interface {
	Handover(ctx context.Context, origin, successor *entity.CallSession) error
}

type ChainStore interface {
	AppendChain(ctx context.Context, c entity.ExtensionChain) error
	Chain(ctx context.Context, sessionID string) ([]entity.ExtensionChain, error)
}

type Policy interface {
	TierFor(ordinal int) int
	AutoApproved(tier int) bool
}

type Token struct {
	Token           string              `json:"token"`
	OriginSessionId string              `json:"origin_session_id"`
	SuccessorId     string              `json:"successor_id"`
	Ordinal         int                 `json:"extension_ordinal"`
	Tier            int                 `json:"price_tier"`
	ApprovalMode    entity.ApprovalMode `json:"approval_mode"`
	ApprovedBy      string              `json:"approved_by,omitempty"`
	RequestedAt     time.Time           `json:"requested_at"`
	used            bool
}

func (t Token) Approved() bool {
	return t.ApprovalMode == entity.ApprovalAuto || t.ApprovedBy != ""
}

type Deps struct {
	Sessions   Sessions
	Consent    ConsentChecker
	Recordings Recordings
	Transport  Transport
	Handover   Handover
	Chains     ChainStore
	Policy     Policy
}

type Manager struct {
	Deps
	now func() time.Time

	mu       sync.Mutex
	tokens   map[string]*Token
	byOrigin map[string]string
}

func NewManager(deps Deps) *Manager {
	if deps.Chains == nil {
		deps.Chains = NewMemoryChainStore()
	}
	return &Manager{
		Deps:     deps,
		now:      time.Now,
		tokens:   make(map[string]*Token),
		byOrigin: make(map[string]string),
	}
}

// RequestExtension opens the extension window on the session and issues a token for the payment flow.
// Asking again before the token is committed returns the same token.
func (m *Manager) RequestExtension(ctx context.Context, sessionID string) (Token, error) {
	ok, err := m.Consent.HasGranted(ctx, sessionID, entity.ConsentExtension)
	if err != nil {
		return Token{}, fmt.Errorf("check extension consent: %w", err)
	}
	if !ok {
		return Token{}, entity.ErrExtensionConsent
	}

	origin, err := m.Sessions.BeginExtending(ctx, sessionID)
	if err != nil {
		return Token{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, exists := m.byOrigin[sessionID]; exists {
		if t := m.tokens[id]; !t.used {
			return *t, nil
		}
	}

	ordinal := origin.ExtensionOrdinal + 1
	tier := m.Policy.TierFor(ordinal)
	mode := entity.ApprovalManual
	if m.Policy.AutoApproved(tier) {
		mode = entity.ApprovalAuto
	}
	t := &Token{
		Token:           uuid.NewString(),
		OriginSessionId: sessionID,
		SuccessorId:     uuid.NewString(),
		Ordinal:         ordinal,
		Tier:            tier,
		ApprovalMode:    mode,
		RequestedAt:     m.now(),
	}
	m.tokens[t.Token] = t
	m.byOrigin[sessionID] = t.Token

	logger.Session(sessionID).WithFields(logrus.Fields{
		"successor_id": t.SuccessorId,
		"ordinal":      ordinal,
		"tier":         tier,
		"approval":     mode,
	}).Info("[EXTEND] requested")
	return *t, nil
}

func (m *Manager) Approve(_ context.Context, token, approverID string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[token]
	if !ok {
		return Token{}, entity.ErrTokenNotFound
	}
	if t.used {
		return Token{}, entity.ErrTokenUsed
	}
	if t.ApprovalMode == entity.ApprovalManual {
		t.ApprovedBy = approverID
	}
	logger.Session(t.OriginSessionId).WithField("approver_id", approverID).Info("[EXTEND] approved")
	return *t, nil
}

func (m *Manager) Lookup(token string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return Token{}, entity.ErrTokenNotFound
	}
	return *t, nil
}

// Commit consumes the token with the payment outcome. On success the successor session takes over the
// reader, the capacity slot and the media connection, and the origin completes. On any other outcome the
// origin keeps running and still ends at its own scheduled end.
func (m *Manager) Commit(ctx context.Context, token string, result PaymentResult) (string, error) {
	t, err := m.consume(token)
	if err != nil {
		return "", err
	}
	log := logger.Session(t.OriginSessionId).WithFields(logrus.Fields{"successor_id": t.SuccessorId, "payment": result})

	switch result {
	case PaymentSucceeded:
	case PaymentDeclined:
		metrics.Extensions.WithLabelValues("declined").Inc()
		log.Warn("[EXTEND] payment declined")
		return "", entity.ErrPaymentDeclined
	case PaymentTimedOut:
		metrics.Extensions.WithLabelValues("timed_out").Inc()
		log.Warn("[EXTEND] payment timed out")
		return "", entity.ErrPaymentTimeout
	default:
		m.release(t)
		return "", fmt.Errorf("unknown payment result %q", result)
	}

	origin, err := m.Sessions.Get(t.OriginSessionId)
	if err != nil {
		return "", err
	}
	if origin.Status != entity.StatusExtending {
		metrics.Extensions.WithLabelValues("too_late").Inc()
		return "", &entity.TransitionError{SessionId: origin.Id, From: origin.Status, To: entity.StatusCompleted}
	}

	if _, err := m.Sessions.CreateSuccessor(ctx, t.SuccessorId, origin); err != nil {
		return "", fmt.Errorf("create successor: %w", err)
	}
	if _, err := m.Sessions.Activate(ctx, t.SuccessorId); err != nil {
		metrics.Extensions.WithLabelValues("failed").Inc()
		log.WithError(err).Error("[EXTEND] successor not activated")
		return "", err
	}
	if _, err := m.Recordings.BeginIfConsented(ctx, t.SuccessorId); err != nil {
		metrics.Extensions.WithLabelValues("failed").Inc()
		return "", err
	}
	if err := m.Transport.Retarget(ctx, t.OriginSessionId, t.SuccessorId); err != nil {
		metrics.Extensions.WithLabelValues("failed").Inc()
		log.WithError(err).Error("[EXTEND] retarget failed")
		_ = m.Sessions.Fail(ctx, t.SuccessorId, entity.ReasonTransportLost)
		return "", fmt.Errorf("%w: retarget: %v", entity.ErrTransportLost, err)
	}

	successor, err := m.Sessions.Get(t.SuccessorId)
	if err != nil {
		return "", err
	}
	if m.Handover != nil {
		if err := m.Handover.Handover(ctx, origin, successor); err != nil {
			log.WithError(err).Error("[EXTEND] handover incomplete")
		}
	}
	if _, err := m.Recordings.End(ctx, t.OriginSessionId); err != nil {
		log.WithError(err).Error("[EXTEND] origin recording not closed cleanly")
	}
	if err := m.Sessions.CompleteExtended(ctx, t.OriginSessionId); err != nil {
		log.WithError(err).Warn("[EXTEND] origin ended before takeover")
	}

	link := entity.ExtensionChain{
		OriginSessionId:  t.OriginSessionId,
		NewSessionId:     t.SuccessorId,
		ExtensionOrdinal: t.Ordinal,
		PriceTierApplied: t.Tier,
		ApprovalMode:     t.ApprovalMode,
		TransitionedAt:   m.now(),
	}
	if err := m.Chains.AppendChain(ctx, link); err != nil {
		log.WithError(err).Error("[EXTEND] chain link not stored")
	}

	metrics.Extensions.WithLabelValues("succeeded").Inc()
	log.Info("[EXTEND] successor took over")
	return t.SuccessorId, nil
}

// Chain returns the links that lead to and from the session.
func (m *Manager) Chain(ctx context.Context, sessionID string) ([]entity.ExtensionChain, error) {
	return m.Chains.Chain(ctx, sessionID)
}

func (m *Manager) consume(token string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[token]
	if !ok {
		return Token{}, entity.ErrTokenNotFound
	}
	if t.used {
		return Token{}, entity.ErrTokenUsed
	}
	if !t.Approved() {
		return Token{}, entity.ErrApprovalRequired
	}
	t.used = true
	return *t, nil
}

func (m *Manager) release(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.tokens[t.Token]; ok {
		cur.used = false
	}
}
