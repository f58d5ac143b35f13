package capacity

import (
	"context"
	"fmt"
	"sync/atomic"

	"SirenServer/internal/entity"
	"SirenServer/internal/logger"
	"SirenServer/internal/metrics"
)

// Counter is the single system-wide slot counter. Acquire must check and increment in one atomic step.
type Counter interface {
	TryAcquire(ctx context.Context, ceiling int) (bool, error)
	Release(ctx context.Context) error
	InUse(ctx context.Context) (int, error)
}

type Request struct {
	ClientId string
}

type Controller struct {
	ceiling int
	counter Counter
}

func New(ceiling int, counter Counter) *Controller {
	if counter == nil {
		counter = NewMemoryCounter()
	}
	return &Controller{ceiling: ceiling, counter: counter}
}

// Admit reserves one slot. A full system yields (false, ErrCapacityExceeded); callers retry after backoff.
func (c *Controller) Admit(ctx context.Context, req Request) (bool, error) {
	ok, err := c.counter.TryAcquire(ctx, c.ceiling)
	if err != nil {
		metrics.Admissions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("admit client %s: %w", req.ClientId, err)
	}
	if !ok {
		metrics.Admissions.WithLabelValues("capacity_exceeded").Inc()
		logger.Log.WithField("client_id", req.ClientId).Warn("[ADMIT] rejected, capacity exceeded")
		return false, entity.ErrCapacityExceeded
	}
	metrics.Admissions.WithLabelValues("admitted").Inc()
	metrics.SessionsInFlight.Inc()
	return true, nil
}

// Release returns one slot. Call exactly once per admitted session.
func (c *Controller) Release(ctx context.Context) {
	if err := c.counter.Release(ctx); err != nil {
		logger.Log.WithError(err).Error("[ADMIT] release slot failed")
		return
	}
	metrics.SessionsInFlight.Dec()
}

func (c *Controller) InUse(ctx context.Context) (int, error) {
	return c.counter.InUse(ctx)
}

func (c *Controller) Ceiling() int {
	return c.ceiling
}

type MemoryCounter struct {
	n atomic.Int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

func (m *MemoryCounter) TryAcquire(_ context.Context, ceiling int) (bool, error) {
	for {
		cur := m.n.Load()
		if cur >= int64(ceiling) {
			return false, nil
		}
		if m.n.CompareAndSwap(cur, cur+1) {
			return true, nil
		}
	}
}

func (m *MemoryCounter) Release(_ context.Context) error {
	for {
		cur := m.n.Load()
		if cur <= 0 {
			return fmt.Errorf("release with no slot held")
		}
		if m.n.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

func (m *MemoryCounter) InUse(_ context.Context) (int, error) {
	return int(m.n.Load()), nil
}
