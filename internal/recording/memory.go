package recording

import (
	"context"
	"sync"

	"SirenServer/internal/entity"
)

type MemoryStore struct {
	mu      sync.Mutex
	handles map[string]entity.RecordingHandle
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{handles: make(map[string]entity.RecordingHandle)}
}

func (s *MemoryStore) SaveRecording(_ context.Context, h entity.RecordingHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.SessionId] = h
	return nil
}

func (s *MemoryStore) Get(sessionID string) (entity.RecordingHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[sessionID]
	return h, ok
}
