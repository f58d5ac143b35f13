package ledger

import (
	"context"
	"sync"

	"SirenServer/internal/entity"
)

type MemoryStore struct {
	mu          sync.Mutex
	seq         int64
	consents    map[string][]entity.ConsentRecord
	escalations map[string][]entity.EscalationEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		consents:    make(map[string][]entity.ConsentRecord),
		escalations: make(map[string][]entity.EscalationEvent),
	}
}

func (s *MemoryStore) AppendConsent(_ context.Context, rec entity.ConsentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	rec.Seq = s.seq
	s.consents[rec.SessionId] = append(s.consents[rec.SessionId], rec)
	return nil
}

func (s *MemoryStore) AppendEscalation(_ context.Context, ev entity.EscalationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev.Seq = s.seq
	s.escalations[ev.SessionId] = append(s.escalations[ev.SessionId], ev)
	return nil
}

func (s *MemoryStore) Consents(_ context.Context, sessionID string) ([]entity.ConsentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]entity.ConsentRecord(nil), s.consents[sessionID]...), nil
}

func (s *MemoryStore) Escalations(_ context.Context, sessionID string) ([]entity.EscalationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]entity.EscalationEvent(nil), s.escalations[sessionID]...), nil
}
