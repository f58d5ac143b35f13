package usecase

import (
	"context"

	"SirenServer/internal/entity"
	"SirenServer/internal/ledger"
)

type SessionSource interface {
	Session(ctx context.Context, sessionID string) (*entity.CallSession, error)
	EventsFor(ctx context.Context, sessionID string) ([]ledger.Entry, error)
	Chain(ctx context.Context, sessionID string) ([]entity.ExtensionChain, error)
	Recording(ctx context.Context, sessionID string) (*entity.RecordingHandle, bool)
}

// Audit is everything known about one session, in one document.
type Audit struct {
	Session   *entity.CallSession     `json:"session"`
	Events    []ledger.Entry          `json:"events"`
	Chain     []entity.ExtensionChain `json:"chain"`
	Recording *entity.RecordingHandle `json:"recording,omitempty"`
}

type AuditUsecase struct {
	sessions SessionSource
}

func NewAuditUsecase(sessions SessionSource) *AuditUsecase {
	return &AuditUsecase{sessions: sessions}
}

func (a *AuditUsecase) Audit(ctx context.Context, sessionID string) (*Audit, error) {
	s, err := a.sessions.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := a.sessions.EventsFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	chain, err := a.sessions.Chain(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := &Audit{Session: s, Events: events, Chain: chain}
	if h, ok := a.sessions.Recording(ctx, sessionID); ok {
		out.Recording = h
	}
	return out, nil
}
