package extension

import (
	"context"
	"sync"

	"SirenServer/internal/entity"
)

type MemoryChainStore struct {
	mu    sync.Mutex
	links []entity.ExtensionChain
}

func NewMemoryChainStore() *MemoryChainStore {
	return &MemoryChainStore{}
}

func (s *MemoryChainStore) AppendChain(_ context.Context, c entity.ExtensionChain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, c)
	return nil
}

func (s *MemoryChainStore) Chain(_ context.Context, sessionID string) ([]entity.ExtensionChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.ExtensionChain
	for _, c := range s.links {
		if c.OriginSessionId == sessionID || c.NewSessionId == sessionID {
			out = append(out, c)
		}
	}
	return out, nil
}
