package session

import (
	"context"
	"sync"

	"SirenServer/internal/entity"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*entity.CallSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*entity.CallSession)}
}

func (s *MemoryStore) Save(_ context.Context, cs *entity.CallSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.sessions[cs.Id]; ok && cur.Version >= cs.Version {
		return nil
	}
	s.sessions[cs.Id] = cs.Clone()
	return nil
}

func (s *MemoryStore) Load(id string) (*entity.CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return cs.Clone(), true
}
