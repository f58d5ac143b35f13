package availability

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"SirenServer/internal/entity"
	"SirenServer/internal/logger"
)

// Tiebreaker orders readers that share the same priority. It must only draw randomness from rng.
type Tiebreaker func(ids []string, rng *rand.Rand)

func ShuffleTiebreak(ids []string, rng *rand.Rand) {
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}

// SeedFor derives a per-session seed so one session always sees the same order and different sessions differ.
func SeedFor(sessionID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(sessionID))
	return h.Sum64()
}

type Directory struct {
	mu       sync.RWMutex
	readers  map[string]entity.Reader
	busy     BusyStore
	tiebreak Tiebreaker
}

func NewDirectory(busy BusyStore, tiebreak Tiebreaker) *Directory {
	if busy == nil {
		busy = NewMemoryBusyStore()
	}
	if tiebreak == nil {
		tiebreak = ShuffleTiebreak
	}
	return &Directory{
		readers:  make(map[string]entity.Reader),
		busy:     busy,
		tiebreak: tiebreak,
	}
}

// Replace swaps the whole reader set, e.g. after loading it from the repository.
func (d *Directory) Replace(readers []entity.Reader) {
	m := make(map[string]entity.Reader, len(readers))
	for _, r := range readers {
		m[r.Id] = r
	}
	d.mu.Lock()
	d.readers = m
	d.mu.Unlock()
}

func (d *Directory) Put(reader entity.Reader) error {
	for _, w := range reader.Windows {
		if err := Validate(w); err != nil {
			return fmt.Errorf("reader %s: %w", reader.Id, err)
		}
	}
	d.mu.Lock()
	d.readers[reader.Id] = reader
	d.mu.Unlock()
	return nil
}

func (d *Directory) SetWindows(readerID string, windows []entity.AvailabilityWindow) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.readers[readerID]
	if !ok {
		return fmt.Errorf("reader %s: not found", readerID)
	}
	stamped := make([]entity.AvailabilityWindow, len(windows))
	for i, w := range windows {
		w.ReaderId = readerID
		if err := Validate(w); err != nil {
			return fmt.Errorf("reader %s: %w", readerID, err)
		}
		stamped[i] = w
	}
	r.Windows = stamped
	d.readers[readerID] = r
	return nil
}

func (d *Directory) Get(readerID string) (entity.Reader, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.readers[readerID]
	return r, ok
}

func (d *Directory) List() []entity.Reader {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]entity.Reader, 0, len(d.readers))
	for _, r := range d.readers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

// CandidatesFor returns opted-in, free readers whose window contains requestTime, highest priority first.
// Equal priorities are ordered by the tiebreaker seeded with seed. An empty result is not an error.
func (d *Directory) CandidatesFor(ctx context.Context, requestTime time.Time, seed uint64) ([]string, error) {
	d.mu.RLock()
	readers := make([]entity.Reader, 0, len(d.readers))
	for _, r := range d.readers {
		readers = append(readers, r)
	}
	d.mu.RUnlock()

	byPriority := make(map[int][]string)
	for _, r := range readers {
		ok, err := d.eligible(ctx, r, requestTime)
		if err != nil {
			return nil, err
		}
		if ok {
			byPriority[r.Priority] = append(byPriority[r.Priority], r.Id)
		}
	}

	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]string, 0, len(readers))
	for _, p := range priorities {
		group := byPriority[p]
		// map iteration order is random; sort first so only rng decides ties
		sort.Strings(group)
		d.tiebreak(group, rng)
		out = append(out, group...)
	}
	return out, nil
}

func (d *Directory) eligible(ctx context.Context, r entity.Reader, at time.Time) (bool, error) {
	inWindow := false
	for _, w := range r.Windows {
		if !w.EmergencyOptIn {
			continue
		}
		ok, err := Contains(w, at)
		if err != nil {
			logger.Log.WithError(err).WithField("reader_id", r.Id).Warn("[AVAILABILITY] skipping bad window")
			continue
		}
		if ok {
			inWindow = true
			break
		}
	}
	if !inWindow {
		return false, nil
	}
	busy, err := d.busy.IsBusy(ctx, r.Id)
	if err != nil {
		return false, err
	}
	return !busy, nil
}

// OptedIn reports whether the reader has any emergency opt-in window at all.
func (d *Directory) OptedIn(readerID string) bool {
	r, ok := d.Get(readerID)
	if !ok {
		return false
	}
	for _, w := range r.Windows {
		if w.EmergencyOptIn {
			return true
		}
	}
	return false
}

// Reserve flips the reader from free to busy for sessionID. A reader already in another call gets
// ErrReaderBusy; one whose flag is already held for this very session gets ErrAlreadyAccepted.
// On either error the flag is left as it was.
func (d *Directory) Reserve(ctx context.Context, readerID, sessionID string) error {
	ok, err := d.busy.TryMarkBusy(ctx, readerID, sessionID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	owner, err := d.busy.Owner(ctx, readerID)
	if err != nil {
		return err
	}
	if owner == sessionID {
		return entity.ErrAlreadyAccepted
	}
	return entity.ErrReaderBusy
}

func (d *Directory) Release(ctx context.Context, readerID, sessionID string) {
	if readerID == "" {
		return
	}
	if err := d.busy.Release(ctx, readerID, sessionID); err != nil {
		logger.Log.WithError(err).WithField("reader_id", readerID).Error("[AVAILABILITY] release failed")
	}
}

// Transfer moves the busy flag from one session to its successor in one step, so the reader is never seen free.
func (d *Directory) Transfer(ctx context.Context, readerID, fromSession, toSession string) error {
	if readerID == "" {
		return nil
	}
	ok, err := d.busy.Handover(ctx, readerID, fromSession, toSession)
	if err != nil {
		return err
	}
	if !ok {
		return entity.ErrReaderBusy
	}
	return nil
}
