package wal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tsdbcore/internal/logging"
	"tsdbcore/internal/sample"
)

// SyncPolicy controls when a segment is fsynced after an append.
type SyncPolicy struct {
	// Mode is one of "per_write", "per_batch", "periodic". Any other
	// value is treated as "per_batch" (an fsync after every 64 appends).
	Mode string
}

const (
	ModePerWrite = "per_write"
	ModePerBatch = "per_batch"
	ModePeriodic = "periodic"
)

// ParseSyncPolicy parses the sync_writes setting value ("per_write",
// "per_batch", or "periodic:<ms>") into a SyncPolicy plus the interval
// a periodic policy should be driven at. Callers wire the returned
// interval to an external ticker (the dropper's scheduler); Append
// itself never blocks on a periodic sync.
func ParseSyncPolicy(raw string) (SyncPolicy, time.Duration, error) {
	if rest, ok := strings.CutPrefix(raw, "periodic:"); ok {
		ms, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return SyncPolicy{}, 0, fmt.Errorf("wal: invalid periodic sync interval %q: %w", raw, err)
		}
		return SyncPolicy{Mode: ModePeriodic}, time.Duration(ms) * time.Millisecond, nil
	}
	return SyncPolicy{Mode: raw}, 0, nil
}

// ManifestHooks lets the tier enroll/retire segment files in the
// engine-owned manifest without importing the manifest package
// (avoids a dependency cycle; the engine wires concrete functions).
type ManifestHooks struct {
	AddSegment    func(name string) error
	RemoveSegment func(name string) error
}

// Tier owns the WAL directory: the single open segment accepting
// appends, plus any sealed segments still resident awaiting the
// dropper's WAL->memory migration.
type Tier struct {
	mu sync.Mutex

	dir         string
	capacity    uint32
	sync        SyncPolicy
	hooks       ManifestHooks
	log         *slog.Logger
	nextID      uint64
	open        *Segment
	sealed      []*Segment
	bounds      map[uint64]*bounds
	onSealed    func(seg *Segment)
	writesSince uint32
}

type bounds struct {
	min, max uint64
}

// Option configures a Tier at construction.
type Option func(*Tier)

// WithSealedHook registers a callback invoked synchronously whenever a
// segment is sealed by rotation or by Flush, letting the dropper
// schedule a WAL->memory migration. Close seals without invoking it.
func WithSealedHook(fn func(seg *Segment)) Option {
	return func(t *Tier) { t.onSealed = fn }
}

// Open opens (creating if necessary) the WAL directory at dir,
// replaying any segment files already named in the manifest to
// reconstruct per-id time bounds.
func Open(dir string, capacity uint32, policy SyncPolicy, hooks ManifestHooks, existingSegments []string, logger *slog.Logger, opts ...Option) (*Tier, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	t := &Tier{
		dir:      dir,
		capacity: capacity,
		sync:     policy,
		hooks:    hooks,
		log:      logger,
		bounds:   make(map[uint64]*bounds),
	}
	for _, opt := range opts {
		opt(t)
	}

	sort.Strings(existingSegments)
	for _, name := range existingSegments {
		seg, samples, err := OpenSegment(filepath.Join(dir, name))
		if err != nil {
			t.log.Warn("wal: failed to recover segment, skipping", "segment", name, "err", err)
			continue
		}
		for _, s := range samples {
			t.recordBounds(s)
		}
		if seg.id >= t.nextID {
			t.nextID = seg.id + 1
		}
		// Every recovered segment is treated as sealed and resident,
		// re-offered to the dropper; none stays open, so the next
		// Append creates a fresh segment.
		seg.sealed = true
		t.sealed = append(t.sealed, seg)
	}
	return t, nil
}

func (t *Tier) recordBounds(s sample.Sample) {
	b, ok := t.bounds[s.ID]
	if !ok {
		b = &bounds{min: s.Time, max: s.Time}
		t.bounds[s.ID] = b
		return
	}
	if s.Time < b.min {
		b.min = s.Time
	}
	if s.Time > b.max {
		b.max = s.Time
	}
}

func (t *Tier) segmentName(id uint64) string {
	return fmt.Sprintf("%020d.wal", id)
}

// Append writes s to the current open segment, rotating first if
// necessary.
func (t *Tier) Append(s sample.Sample) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open == nil || t.open.Full() {
		if err := t.rotateLocked(); err != nil {
			return err
		}
	}
	if err := t.open.Append(s); err != nil {
		return err
	}
	t.recordBounds(s)
	t.writesSince++

	switch t.sync.Mode {
	case ModePerWrite:
		return t.open.Sync()
	default: // ModePerBatch, and any unrecognized mode
		if t.writesSince >= 64 {
			t.writesSince = 0
			return t.open.Sync()
		}
	case ModePeriodic:
		// Fsync is driven externally by the periodic sync job (see
		// dropper.Config's wal-sync interval); Append never blocks on it.
	}
	return nil
}

// Sync flushes the open segment unconditionally. Called by the
// periodic sync ticker under the "periodic:<ms>" policy.
func (t *Tier) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open == nil {
		return nil
	}
	t.writesSince = 0
	return t.open.Sync()
}

func (t *Tier) rotateLocked() error {
	if t.open != nil {
		if err := t.sealLocked(t.open); err != nil {
			return err
		}
	}
	id := t.nextID
	t.nextID++
	name := t.segmentName(id)
	seg, err := CreateSegment(filepath.Join(t.dir, name), id, t.capacity)
	if err != nil {
		return err
	}
	if t.hooks.AddSegment != nil {
		if err := t.hooks.AddSegment(name); err != nil {
			seg.Close()
			return err
		}
	}
	t.open = seg
	return nil
}

func (t *Tier) sealLocked(seg *Segment) error {
	if err := seg.Seal(); err != nil {
		return err
	}
	t.sealed = append(t.sealed, seg)
	if t.onSealed != nil {
		t.onSealed(seg)
	}
	return nil
}

// RemoveSegment is called by the dropper once every sample in seg has
// been durably migrated to the memory tier. It deletes the file and
// retires it from the manifest.
func (t *Tier) RemoveSegment(seg *Segment) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.sealed {
		if s == seg {
			t.sealed = append(t.sealed[:i], t.sealed[i+1:]...)
			break
		}
	}
	seg.Close()
	if err := os.Remove(seg.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if t.hooks.RemoveSegment != nil {
		return t.hooks.RemoveSegment(filepath.Base(seg.Path()))
	}
	return nil
}

// SealedSegments returns the segments awaiting WAL->memory migration,
// oldest first (FIFO order, matching ingestion order).
func (t *Tier) SealedSegments() []*Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Segment, len(t.sealed))
	copy(out, t.sealed)
	return out
}

// KnownIDs returns every series id with a sample appended to or
// recovered into the WAL since Open, including ids whose samples have
// since been migrated out, for reconstructing the engine's overall id
// registry.
func (t *Tier) KnownIDs() map[uint64]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint64]struct{}, len(t.bounds))
	for id := range t.bounds {
		out[id] = struct{}{}
	}
	return out
}

// SampleCount returns the total number of samples resident across
// every segment, for diagnostics.
func (t *Tier) SampleCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, seg := range t.sealed {
		total += int(seg.Count())
	}
	if t.open != nil {
		total += int(t.open.Count())
	}
	return total
}

// MinMaxTime returns the time bounds for id over every sample appended
// or recovered since Open. The bounds are not narrowed when
// RemoveSegment retires a migrated segment, so they can cover samples
// that have left the WAL.
func (t *Tier) MinMaxTime(id uint64) (min, max uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, found := t.bounds[id]
	if !found {
		return 0, 0, false
	}
	return b.min, b.max, true
}

// ReadInterval scans every resident segment for samples matching q,
// invoking cb for each match. Order across segments is not guaranteed;
// callers needing time order must sort.
func (t *Tier) ReadInterval(q sample.Interval, cb func(sample.Sample)) error {
	segments := t.snapshotSegments()
	for _, seg := range segments {
		if err := scanSegment(seg, func(s sample.Sample) {
			if q.Matches(s) {
				cb(s)
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

// ReadTimePoint returns, for each requested id, the latest resident
// sample with time <= q.TimePoint, if any.
func (t *Tier) ReadTimePoint(q sample.TimePoint) map[uint64]sample.Sample {
	best := make(map[uint64]sample.Sample)
	segments := t.snapshotSegments()
	for _, seg := range segments {
		_ = scanSegment(seg, func(s sample.Sample) {
			if _, want := q.IDs[s.ID]; !want || s.Time > q.TimePoint {
				return
			}
			if !s.MatchesFlag(q.FlagMask) {
				return
			}
			cur, ok := best[s.ID]
			if !ok || s.Time > cur.Time {
				best[s.ID] = s
			}
		})
	}
	return best
}

func (t *Tier) snapshotSegments() []*Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	segs := make([]*Segment, 0, len(t.sealed)+1)
	segs = append(segs, t.sealed...)
	if t.open != nil {
		segs = append(segs, t.open)
	}
	return segs
}

// ReadSegment returns every sample recorded in seg, in append order.
// Used by the dropper to replay a sealed segment ahead of a WAL->memory
// move.
func (t *Tier) ReadSegment(seg *Segment) ([]sample.Sample, error) {
	var out []sample.Sample
	err := scanSegment(seg, func(s sample.Sample) { out = append(out, s) })
	return out, err
}

func scanSegment(seg *Segment, cb func(sample.Sample)) error {
	count := seg.Count()
	buf := make([]byte, recordSize)
	for i := uint32(0); i < count; i++ {
		if _, err := seg.file.ReadAt(buf, int64(segmentHeaderSize)+int64(i)*recordSize); err != nil {
			return err
		}
		cb(decodeRecord(buf))
	}
	return nil
}

// Flush seals the currently open segment (if any samples were
// written) so the dropper can migrate it, without waiting for the
// segment to fill. Used by engine.flush().
func (t *Tier) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open == nil || t.open.Count() == 0 {
		return nil
	}
	seg := t.open
	t.open = nil
	return t.sealLocked(seg)
}

// Close seals the open segment and closes every resident segment's
// file handle without deleting anything.
func (t *Tier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open != nil {
		if err := t.open.Seal(); err != nil {
			return err
		}
		t.sealed = append(t.sealed, t.open)
		t.open = nil
	}
	for _, seg := range t.sealed {
		seg.Close()
	}
	return nil
}
