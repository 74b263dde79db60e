// Package engine is the public facade wiring the WAL, memory and page
// tiers together with the manifest, dropper and subscribe bus into a
// single storage instance.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tsdbcore/internal/bus"
	"tsdbcore/internal/chunk"
	"tsdbcore/internal/dropper"
	"tsdbcore/internal/logging"
	"tsdbcore/internal/manifest"
	"tsdbcore/internal/memtier"
	"tsdbcore/internal/page"
	"tsdbcore/internal/sample"
	"tsdbcore/internal/settings"
	"tsdbcore/internal/unionreader"
	"tsdbcore/internal/wal"
)

// FormatVersion identifies the on-disk layout this engine reads and
// writes. Surfaced by the "print format version" control-surface op.
const FormatVersion = 1

const (
	walDir  = "wal"
	pageDir = "page"
)

var ErrAlreadyExists = errors.New("engine: storage path already initialized")

// Create lays out a fresh, empty database at dir: subdirectories,
// settings file, and an empty manifest. Fails if dir already holds a
// settings file.
func Create(dir string, s settings.Settings) error {
	if _, err := os.Stat(filepath.Join(dir, "settings")); err == nil {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Join(dir, walDir), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, pageDir), 0o755); err != nil {
		return err
	}
	if err := settings.Save(dir, s); err != nil {
		return err
	}
	if _, err := manifest.Open(dir); err != nil {
		return err
	}
	return nil
}

// Engine is the facade over every tier. The zero value is not usable;
// construct with Open.
type Engine struct {
	dir      string
	settings settings.Settings
	log      *slog.Logger

	manifest *manifest.Manifest
	wal      *wal.Tier
	mem      *memtier.Tier
	pages    *page.Manager
	drop     *dropper.Dropper
	bus      *bus.Bus

	mu      sync.Mutex
	idsSeen map[uint64]struct{}
}

// Open loads settings, reconciles the manifest against the directory,
// and brings every tier up, replaying WAL/memory bounds as it goes.
func Open(dir string, logger *slog.Logger) (*Engine, error) {
	logger = logging.Default(logger).With("component", "engine")

	s, err := settings.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("engine: load settings: %w", err)
	}

	m, err := manifest.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("engine: open manifest: %w", err)
	}
	if err := m.Reconcile(walDir, ".wal", manifest.KindSegment); err != nil {
		return nil, fmt.Errorf("engine: reconcile wal: %w", err)
	}
	if err := m.Reconcile(pageDir, ".page", manifest.KindPage); err != nil {
		return nil, fmt.Errorf("engine: reconcile pages: %w", err)
	}

	walTier, mem, pages, drop, err := openTiers(dir, s, m, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:      dir,
		settings: s,
		log:      logger,
		manifest: m,
		wal:      walTier,
		mem:      mem,
		pages:    pages,
		drop:     drop,
		bus:      bus.New(64),
		idsSeen:  make(map[uint64]struct{}),
	}
	for id := range walTier.KnownIDs() {
		e.idsSeen[id] = struct{}{}
	}
	for id := range mem.KnownIDs() {
		e.idsSeen[id] = struct{}{}
	}
	return e, nil
}

func openTiers(dir string, s settings.Settings, m *manifest.Manifest, logger *slog.Logger) (*wal.Tier, *memtier.Tier, *page.Manager, *dropper.Dropper, error) {
	walHooks := wal.ManifestHooks{AddSegment: m.AddSegment, RemoveSegment: m.RemoveSegment}
	pageHooks := page.ManifestHooks{AddPage: m.AddPage, RemovePage: m.RemovePage}

	var d *dropper.Dropper
	sealedHook := func(seg *wal.Segment) {
		if d != nil {
			d.OnSegmentSealed(seg)
		}
	}

	syncPolicy, syncInterval, err := wal.ParseSyncPolicy(s.SyncWrites)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("engine: parse sync_writes: %w", err)
	}

	walTier, err := wal.Open(
		filepath.Join(dir, walDir),
		s.WALSegmentSize,
		syncPolicy,
		walHooks,
		m.Segments(),
		logger.With("tier", "wal"),
		wal.WithSealedHook(sealedHook),
	)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("engine: open wal: %w", err)
	}

	mem := memtier.New(memtier.Config{
		ChunkBytes:     int(s.ChunkSize),
		BudgetBytes:    int64(s.MemoryCap),
		RotationPolicy: chunk.NewCompositePolicy(chunk.NewSizePolicy(s.ChunkSize)),
		Logger:         logger.With("tier", "memory"),
	})

	pages, err := page.OpenManager(
		filepath.Join(dir, pageDir),
		s.ChunkPerPage,
		s.ChunkSize,
		pageHooks,
		m.Pages(),
		logger.With("tier", "page"),
	)
	if err != nil {
		walTier.Close()
		return nil, nil, nil, nil, fmt.Errorf("engine: open pages: %w", err)
	}

	baseAge, err := time.ParseDuration(s.OldChunkAge)
	if err != nil {
		baseAge = time.Hour
	}
	age, sweepEvery, disablePageMigration := strategyTuning(s.Strategy, baseAge)
	d, err = dropper.New(dropper.Config{
		WAL:                  walTier,
		Mem:                  mem,
		Pages:                pages,
		OldChunkAge:          age,
		SweepEvery:           sweepEvery,
		SyncEvery:            syncInterval,
		DisablePageMigration: disablePageMigration,
		Logger:               logger.With("component", "dropper"),
	})
	if err != nil {
		walTier.Close()
		pages.Close()
		return nil, nil, nil, nil, fmt.Errorf("engine: start dropper: %w", err)
	}
	return walTier, mem, pages, d, nil
}

// strategyTuning translates the strategy setting into the dropper
// parameters that actually differ its seal/migrate behavior:
//
//   - FAST_WRITE keeps the configured old_chunk_age and a one-minute
//     sweep: the default, least aggressive about sealing to pages.
//   - COMPRESSED and CACHE seal and migrate far more aggressively
//     (shorter effective age, shorter sweep interval), approximating a
//     write-through cache over pages — CACHE more aggressively than
//     COMPRESSED. Neither discards data without first persisting it to
//     a page; see DESIGN.md for why the stricter "evict without moving
//     data" reading of CACHE was scoped out.
//   - MEMORY disables the memory->page hop entirely ("no pages,
//     WAL+memory only"); sealed chunks accumulate in the memory tier
//     rather than draining, a deliberate tradeoff of this mode.
func strategyTuning(strategy settings.Strategy, baseAge time.Duration) (age, sweepEvery time.Duration, disablePageMigration bool) {
	switch strategy {
	case settings.StrategyCompressed:
		return clampAge(baseAge / 8), 15 * time.Second, false
	case settings.StrategyCache:
		return clampAge(baseAge / 32), 5 * time.Second, false
	case settings.StrategyMemory:
		return baseAge, time.Minute, true
	default: // FAST_WRITE
		return baseAge, time.Minute, false
	}
}

func clampAge(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

// Append writes s to the WAL, publishes it on the subscribe bus, and
// returns the count of samples actually written (0 or 1 — the engine
// never partially writes a single sample).
func (e *Engine) Append(s sample.Sample) (writed, ignored int) {
	if s.Flag == sample.NoData {
		e.log.Warn("append rejected: reserved flag", "id", s.ID, "time", s.Time)
		return 0, 1
	}
	if err := e.wal.Append(s); err != nil {
		e.log.Error("append failed", "id", s.ID, "time", s.Time, "err", err)
		return 0, 1
	}
	e.mu.Lock()
	e.idsSeen[s.ID] = struct{}{}
	e.mu.Unlock()
	e.bus.Publish(s)
	return 1, 0
}

// ReadInterval streams every sample across all three tiers matching q
// to cb, in time order, until cb's callback cancels or the query
// exhausts every id. The samples are produced on a separate goroutine,
// so the caller drains cb.Stream() after ReadInterval returns. An
// invalid q is returned as an error and nothing is streamed.
func (e *Engine) ReadInterval(q sample.Interval, cb *unionreader.Callback) error {
	if err := q.Validate(); err != nil {
		cb.Cancel()
		return err
	}
	ids := make([]uint64, 0, len(q.IDs))
	for id := range q.IDs {
		ids = append(ids, id)
	}
	go unionreader.ReadIDs(ids,
		func(id uint64) unionreader.Bounds { return e.pageBounds(id, q) },
		func(id uint64) unionreader.Bounds { return e.memBounds(id, q) },
		func(id uint64) unionreader.Bounds { return e.walBounds(id, q) },
		cb,
	)
	return nil
}

func (e *Engine) pageBounds(id uint64, q sample.Interval) unionreader.Bounds {
	single := sample.Interval{IDs: map[uint64]struct{}{id: {}}, FlagMask: q.FlagMask, From: q.From, To: q.To}
	links := e.pages.ChunksByInterval(single)
	var out []sample.Sample
	e.pages.ReadLinks(single, links, func(s sample.Sample) { out = append(out, s) }, nil)
	sortSamples(out)
	return unionreader.NewBounds(out)
}

func (e *Engine) memBounds(id uint64, q sample.Interval) unionreader.Bounds {
	single := sample.Interval{IDs: map[uint64]struct{}{id: {}}, FlagMask: q.FlagMask, From: q.From, To: q.To}
	var out []sample.Sample
	e.mem.ReadInterval(single, func(s sample.Sample) { out = append(out, s) })
	sortSamples(out)
	return unionreader.NewBounds(out)
}

func (e *Engine) walBounds(id uint64, q sample.Interval) unionreader.Bounds {
	single := sample.Interval{IDs: map[uint64]struct{}{id: {}}, FlagMask: q.FlagMask, From: q.From, To: q.To}
	var out []sample.Sample
	_ = e.wal.ReadInterval(single, func(s sample.Sample) { out = append(out, s) })
	sortSamples(out)
	return unionreader.NewBounds(out)
}

func sortSamples(s []sample.Sample) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].Time > s[j].Time; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// ReadTimePoint returns, for each requested id, the latest sample at
// or before q.TimePoint across all tiers, synthesizing NoData for ids
// with no match.
func (e *Engine) ReadTimePoint(q sample.TimePoint) map[uint64]sample.Sample {
	out := make(map[uint64]sample.Sample, len(q.IDs))
	walBest := e.wal.ReadTimePoint(q)
	memBest := e.mem.ReadTimePoint(q)
	pageBest := e.pages.ValuesBeforeTimePoint(q.IDs, q.FlagMask, q.TimePoint)

	for id := range q.IDs {
		var found sample.Sample
		have := false
		for _, m := range []map[uint64]sample.Sample{pageBest, memBest, walBest} {
			if s, exists := m[id]; exists && (!have || s.Time > found.Time) {
				found, have = s, true
			}
		}
		if have {
			out[id] = found
		} else {
			out[id] = sample.Synthetic(id, q.TimePoint)
		}
	}
	return out
}

// CurrentValue returns the most recently appended sample per id
// matching flag, equivalent to a time-point query at each id's own
// maximum observed time.
func (e *Engine) CurrentValue(ids map[uint64]struct{}, flag uint32) map[uint64]sample.Sample {
	out := make(map[uint64]sample.Sample, len(ids))
	for id := range ids {
		_, max, ok := e.MinMaxTime(id)
		if !ok {
			out[id] = sample.Synthetic(id, 0)
			continue
		}
		tp := sample.TimePoint{IDs: map[uint64]struct{}{id: {}}, FlagMask: flag, TimePoint: max}
		res := e.ReadTimePoint(tp)
		out[id] = res[id]
	}
	return out
}

// Subscribe registers a bus listener for future appends matching ids
// and flag.
func (e *Engine) Subscribe(ids map[uint64]struct{}, flag uint32) *bus.Subscription {
	return e.bus.Subscribe(bus.Filter{IDs: ids, FlagMask: flag})
}

// MinMaxTime reports the overall time bounds for id across all three
// tiers.
func (e *Engine) MinMaxTime(id uint64) (min, max uint64, ok bool) {
	if wMin, wMax, wOK := e.wal.MinMaxTime(id); wOK {
		min, max, ok = wMin, wMax, true
	}
	if mMin, mMax, mOK := e.mem.MinMaxTime(id); mOK {
		if !ok || mMin < min {
			min = mMin
		}
		if !ok || mMax > max {
			max = mMax
		}
		ok = true
	}
	if pMin, pMax, pOK := e.pages.MinMaxTime(id); pOK {
		if !ok || pMin < min {
			min = pMin
		}
		if !ok || pMax > max {
			max = pMax
		}
		ok = true
	}
	return min, max, ok
}

// MinTime returns the earliest observed sample time across every id
// the engine has ever appended (since last Open).
func (e *Engine) MinTime() (uint64, bool) {
	return e.aggregate(func(min, max uint64) uint64 { return min }, true)
}

// MaxTime returns the latest observed sample time across every id the
// engine has ever appended (since last Open).
func (e *Engine) MaxTime() (uint64, bool) {
	return e.aggregate(func(min, max uint64) uint64 { return max }, false)
}

func (e *Engine) aggregate(pick func(min, max uint64) uint64, wantMin bool) (uint64, bool) {
	e.mu.Lock()
	ids := make([]uint64, 0, len(e.idsSeen))
	for id := range e.idsSeen {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var best uint64
	found := false
	for _, id := range ids {
		min, max, ok := e.MinMaxTime(id)
		if !ok {
			continue
		}
		v := pick(min, max)
		if !found {
			best, found = v, true
			continue
		}
		if wantMin && v < best {
			best = v
		}
		if !wantMin && v > best {
			best = v
		}
	}
	return best, found
}

// Flush drains WAL->memory->page synchronously, leaving no data
// upstream of the page tier that flush can move.
func (e *Engine) Flush() error {
	return e.drop.Flush(time.Now())
}

// CompactAll merges every page into a freshly packed set, reclaiming
// space left behind by deleted or fsck-dropped chunks.
func (e *Engine) CompactAll() error {
	return e.pages.CompactAll()
}

// CompactRange merges every page overlapping [from, to) into a
// freshly packed set, leaving pages outside the range untouched.
func (e *Engine) CompactRange(from, to uint64) error {
	return e.pages.CompactRange(from, to)
}

// Stop flushes, seals, unmaps, and stops the background dropper.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.Flush(); err != nil {
		e.log.Error("flush during stop failed", "err", err)
	}
	e.bus.Close()
	if err := e.drop.Stop(ctx); err != nil {
		return err
	}
	if err := e.wal.Close(); err != nil {
		return err
	}
	return e.pages.Close()
}

// TierCounts reports the number of resident samples per tier, for the
// "console" diagnostic command.
func (e *Engine) TierCounts() (wal, memory, page int) {
	return e.wal.SampleCount(), e.mem.SampleCount(), e.pages.SampleCount()
}

// Settings returns the engine's current configuration.
func (e *Engine) Settings() settings.Settings { return e.settings }

// ChangeSetting updates a single setting key and persists it. Every
// key only takes effect on the next restart — tier sizing, sync
// policy, and the dropper's strategy-driven seal/migrate cadence are
// all fixed when openTiers runs at Open.
func (e *Engine) ChangeSetting(key, value string) error {
	updated, err := e.settings.Set(key, value)
	if err != nil {
		return err
	}
	if err := settings.Save(e.dir, updated); err != nil {
		return err
	}
	e.settings = updated
	return nil
}
