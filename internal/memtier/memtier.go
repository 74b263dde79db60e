// Package memtier implements the memory tier: a map of open chunks
// keyed by series id, backed by a fixed-capacity byte budget. Chunks
// are sealed and handed to the dropper once they fill, go stale, or
// the budget must be reclaimed.
package memtier

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"tsdbcore/internal/chunk"
	"tsdbcore/internal/codec"
	"tsdbcore/internal/logging"
	"tsdbcore/internal/sample"
)

var ErrAllocatorExhausted = errors.New("memtier: allocator budget exhausted")

// Config configures a Tier.
type Config struct {
	ChunkBytes     int
	BudgetBytes    int64
	Factory        codec.Factory
	RotationPolicy chunk.RotationPolicy
	Now            func() time.Time
	Logger         *slog.Logger

	// Evict is called when an append would exceed the budget. It should
	// free at least one chunk body's worth of budget and return the
	// number of bytes freed. Only open chunks count against the budget;
	// a chunk releases its reservation when it is sealed.
	Evict func() int64
}

// Tier holds every open chunk, one per series id, plus the sealed
// chunks not yet claimed by the dropper.
type Tier struct {
	mu sync.Mutex

	cfg       Config
	now       func() time.Time
	open      map[uint64]*openChunk
	sealed    []*chunk.Chunk
	usedBytes int64
	log       *slog.Logger
}

type openChunk struct {
	c         *chunk.Chunk
	createdAt time.Time
}

// New constructs an empty memory tier.
func New(cfg Config) *Tier {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Factory == nil {
		cfg.Factory = codec.NewXORStream
	}
	if cfg.RotationPolicy == nil {
		cfg.RotationPolicy = chunk.NewCompositePolicy()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Tier{
		cfg:  cfg,
		now:  cfg.Now,
		open: make(map[uint64]*openChunk),
		log:  logger.With("component", "memtier"),
	}
}

// Append writes s into the open chunk for s.ID, creating one if
// necessary, rotating to a fresh chunk on ChunkFull/OutOfOrder and
// retrying once, and invoking the configured eviction hook if the
// allocator budget would be exceeded.
func (t *Tier) Append(s sample.Sample) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	oc, err := t.getOrCreateLocked(s.ID)
	if err != nil {
		return err
	}

	if oc.c.Count() > 0 && t.cfg.RotationPolicy.ShouldRotate(t.stateLocked(oc), s) {
		t.sealLocked(s.ID)
		oc, err = t.getOrCreateLocked(s.ID)
		if err != nil {
			return err
		}
	}

	outcome := oc.c.Append(s)
	if outcome == chunk.Appended {
		return nil
	}

	// ChunkFull or OutOfOrder against the current chunk: seal it and
	// open a fresh one, then retry exactly once.
	t.sealLocked(s.ID)
	oc, err = t.getOrCreateLocked(s.ID)
	if err != nil {
		return err
	}
	if oc.c.Append(s) != chunk.Appended {
		// A fresh, empty chunk rejecting the very first sample can only
		// mean the sample itself is malformed (e.g. zero capacity);
		// surface as exhaustion rather than silently dropping it.
		return ErrAllocatorExhausted
	}
	return nil
}

func (t *Tier) stateLocked(oc *openChunk) chunk.ActiveChunkState {
	return chunk.ActiveChunkState{
		ID:        oc.c.ID(),
		SeriesID:  oc.c.SeriesID(),
		CreatedAt: oc.createdAt,
		MinTime:   oc.c.MinTime(),
		MaxTime:   oc.c.MaxTime(),
		Count:     oc.c.Count(),
		Bytes:     oc.c.UsedBytes(),
	}
}

func (t *Tier) getOrCreateLocked(id uint64) (*openChunk, error) {
	if oc, ok := t.open[id]; ok {
		return oc, nil
	}
	if err := t.reserveLocked(); err != nil {
		return nil, err
	}
	oc := &openChunk{c: chunk.New(id, t.cfg.ChunkBytes, t.cfg.Factory), createdAt: t.now()}
	t.open[id] = oc
	t.usedBytes += int64(t.cfg.ChunkBytes)
	return oc, nil
}

func (t *Tier) reserveLocked() error {
	if t.cfg.BudgetBytes <= 0 {
		return nil
	}
	if t.usedBytes+int64(t.cfg.ChunkBytes) <= t.cfg.BudgetBytes {
		return nil
	}
	if t.cfg.Evict != nil {
		t.usedBytes -= t.cfg.Evict()
	}
	if t.usedBytes+int64(t.cfg.ChunkBytes) > t.cfg.BudgetBytes {
		return ErrAllocatorExhausted
	}
	return nil
}

// sealLocked seals the open chunk for id (if any) and moves it onto
// the sealed list, releasing its budget reservation.
func (t *Tier) sealLocked(id uint64) {
	oc, ok := t.open[id]
	if !ok {
		return
	}
	oc.c.Seal()
	t.sealed = append(t.sealed, oc.c)
	delete(t.open, id)
	t.usedBytes -= int64(t.cfg.ChunkBytes)
}

// DropOld seals and removes every open chunk whose age exceeds maxAge,
// plus every already-sealed chunk resident in the tier, transferring
// ownership to the caller (the dropper). Per spec: chunks are returned
// sealed in max_time order so ordering guarantees carry through.
func (t *Tier) DropOld(now time.Time, maxAge time.Duration) []*chunk.Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, oc := range t.open {
		if oc.c.Count() > 0 && now.Sub(oc.createdAt) > maxAge {
			t.sealLocked(id)
		}
	}

	out := t.sealed
	t.sealed = nil
	sortByMaxTime(out)
	return out
}

// KnownIDs returns every series id with an open or resident sealed
// chunk, for reconstructing the engine's overall id registry.
func (t *Tier) KnownIDs() map[uint64]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]struct{}, len(t.open)+len(t.sealed))
	for id := range t.open {
		out[id] = struct{}{}
	}
	for _, c := range t.sealed {
		out[c.SeriesID()] = struct{}{}
	}
	return out
}

// SampleCount returns the total number of samples resident across
// every open and sealed chunk, for diagnostics.
func (t *Tier) SampleCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, oc := range t.open {
		total += int(oc.c.Count())
	}
	for _, c := range t.sealed {
		total += int(c.Count())
	}
	return total
}

// MinMaxTime returns the observed time bounds for id across open and
// resident sealed chunks.
func (t *Tier) MinMaxTime(id uint64) (min, max uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	found := false
	if oc, exists := t.open[id]; exists && oc.c.Count() > 0 {
		min, max = oc.c.MinTime(), oc.c.MaxTime()
		found = true
	}
	for _, c := range t.sealed {
		if c.SeriesID() != id || c.Count() == 0 {
			continue
		}
		if !found {
			min, max, found = c.MinTime(), c.MaxTime(), true
			continue
		}
		if c.MinTime() < min {
			min = c.MinTime()
		}
		if c.MaxTime() > max {
			max = c.MaxTime()
		}
	}
	return min, max, found
}

// ReadInterval streams every resident sample matching q to cb.
func (t *Tier) ReadInterval(q sample.Interval, cb func(sample.Sample)) {
	for _, c := range t.snapshot() {
		if !c.Overlaps(q.From, q.To) {
			continue
		}
		cur := c.Reader()
		for {
			s, ok := cur.Next()
			if !ok {
				break
			}
			if q.Matches(s) {
				cb(s)
			}
		}
	}
}

// ReadTimePoint returns, per requested id, the latest resident sample
// with time <= q.TimePoint.
func (t *Tier) ReadTimePoint(q sample.TimePoint) map[uint64]sample.Sample {
	best := make(map[uint64]sample.Sample)
	for _, c := range t.snapshot() {
		if _, want := q.IDs[c.SeriesID()]; !want {
			continue
		}
		cur := c.Reader()
		for {
			s, ok := cur.Next()
			if !ok {
				break
			}
			if s.Time > q.TimePoint || !s.MatchesFlag(q.FlagMask) {
				continue
			}
			existing, exists := best[s.ID]
			if !exists || s.Time > existing.Time {
				best[s.ID] = s
			}
		}
	}
	return best
}

func (t *Tier) snapshot() []*chunk.Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*chunk.Chunk, 0, len(t.open)+len(t.sealed))
	for _, oc := range t.open {
		out = append(out, oc.c)
	}
	out = append(out, t.sealed...)
	return out
}

func sortByMaxTime(chunks []*chunk.Chunk) {
	for i := 1; i < len(chunks); i++ {
		for j := i; j > 0 && chunks[j-1].MaxTime() > chunks[j].MaxTime(); j-- {
			chunks[j-1], chunks[j] = chunks[j], chunks[j-1]
		}
	}
}
