package availability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// BusyStore holds the per-reader busy flag. TryMarkBusy is a free->busy compare-and-swap owned by a session.
type BusyStore interface {
	TryMarkBusy(ctx context.Context, readerID, sessionID string) (bool, error)
	Release(ctx context.Context, readerID, sessionID string) error
	Handover(ctx context.Context, readerID, fromSession, toSession string) (bool, error)
	IsBusy(ctx context.Context, readerID string) (bool, error)
	Owner(ctx context.Context, readerID string) (string, error)
}

type MemoryBusyStore struct {
	mu    sync.RWMutex
	flags map[string]*atomic.Pointer[string]
}

func NewMemoryBusyStore() *MemoryBusyStore {
	return &MemoryBusyStore{flags: make(map[string]*atomic.Pointer[string])}
}

func (m *MemoryBusyStore) flag(readerID string) *atomic.Pointer[string] {
	m.mu.RLock()
	f, ok := m.flags[readerID]
	m.mu.RUnlock()
	if ok {
		return f
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok = m.flags[readerID]; !ok {
		f = &atomic.Pointer[string]{}
		m.flags[readerID] = f
	}
	return f
}

func (m *MemoryBusyStore) TryMarkBusy(_ context.Context, readerID, sessionID string) (bool, error) {
	owner := sessionID
	return m.flag(readerID).CompareAndSwap(nil, &owner), nil
}

// Release clears the flag only when sessionID still owns it.
func (m *MemoryBusyStore) Release(_ context.Context, readerID, sessionID string) error {
	f := m.flag(readerID)
	cur := f.Load()
	if cur == nil || *cur != sessionID {
		return nil
	}
	f.CompareAndSwap(cur, nil)
	return nil
}

func (m *MemoryBusyStore) Handover(_ context.Context, readerID, fromSession, toSession string) (bool, error) {
	f := m.flag(readerID)
	cur := f.Load()
	if cur == nil || *cur != fromSession {
		return false, nil
	}
	next := toSession
	return f.CompareAndSwap(cur, &next), nil
}

func (m *MemoryBusyStore) IsBusy(_ context.Context, readerID string) (bool, error) {
	return m.flag(readerID).Load() != nil, nil
}

// Owner returns the session holding the flag, or "" when the reader is free.
func (m *MemoryBusyStore) Owner(_ context.Context, readerID string) (string, error) {
	if cur := m.flag(readerID).Load(); cur != nil {
		return *cur, nil
	}
	return "", nil
}

// RedisClient is the subset of go-redis used by RedisBusyStore.
type RedisClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

var releaseBusy = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var handoverBusy = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

type RedisBusyStore struct {
	client RedisClient
	prefix string
}

func NewRedisBusyStore(client RedisClient, prefix string) *RedisBusyStore {
	if prefix == "" {
		prefix = "siren:busy:"
	}
	return &RedisBusyStore{client: client, prefix: prefix}
}

func (r *RedisBusyStore) TryMarkBusy(ctx context.Context, readerID, sessionID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+readerID, sessionID, 0).Result()
	if err != nil {
		return false, fmt.Errorf("mark reader %s busy: %w", readerID, err)
	}
	return ok, nil
}

func (r *RedisBusyStore) Release(ctx context.Context, readerID, sessionID string) error {
	err := releaseBusy.Run(ctx, r.client, []string{r.prefix + readerID}, sessionID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release reader %s: %w", readerID, err)
	}
	return nil
}

func (r *RedisBusyStore) Handover(ctx context.Context, readerID, fromSession, toSession string) (bool, error) {
	n, err := handoverBusy.Run(ctx, r.client, []string{r.prefix + readerID}, fromSession, toSession).Int()
	if err != nil {
		return false, fmt.Errorf("hand over reader %s: %w", readerID, err)
	}
	return n == 1, nil
}

func (r *RedisBusyStore) IsBusy(ctx context.Context, readerID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+readerID).Result()
	if err != nil {
		return false, fmt.Errorf("reader %s busy flag: %w", readerID, err)
	}
	return n > 0, nil
}

func (r *RedisBusyStore) Owner(ctx context.Context, readerID string) (string, error) {
	owner, err := r.client.Get(ctx, r.prefix+readerID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reader %s busy owner: %w", readerID, err)
	}
	return owner, nil
}
