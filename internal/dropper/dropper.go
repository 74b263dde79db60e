// Package dropper implements the single background tier-migration
// worker: WAL segments move to the memory tier as they seal, and
// memory-tier chunks move to the page tier once they age out or the
// allocator needs room. Every move is idempotent — a crash mid-move
// leaves the source tier holding the data, and the next run simply
// retries it.
package dropper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"tsdbcore/internal/callgroup"
	"tsdbcore/internal/logging"
	"tsdbcore/internal/memtier"
	"tsdbcore/internal/page"
	"tsdbcore/internal/sample"
	"tsdbcore/internal/wal"
)

// Config configures a Dropper.
type Config struct {
	WAL         *wal.Tier
	Mem         *memtier.Tier
	Pages       *page.Manager
	OldChunkAge time.Duration
	SweepEvery  time.Duration

	// SyncEvery, when positive, schedules a periodic wal.Tier.Sync() job
	// alongside the migration sweep, for sync_writes="periodic:<ms>".
	SyncEvery time.Duration

	// DisablePageMigration keeps sealed memory chunks resident instead
	// of handing them to the page tier (the MEMORY strategy's "no
	// pages, WAL+memory only"). WAL->memory migration and chunk sealing
	// still run; only the final memory->page hop is skipped.
	DisablePageMigration bool

	Logger *slog.Logger
}

// Dropper owns the single background migration worker.
type Dropper struct {
	wal                  *wal.Tier
	mem                  *memtier.Tier
	pages                *page.Manager
	age                  time.Duration
	disablePageMigration bool
	log                  *slog.Logger
	group                callgroup.Group[string]
	sched                gocron.Scheduler

	mu     sync.Mutex
	closed bool
}

// New constructs a Dropper and starts its periodic sweep. Callers
// wire wal.WithSealedHook(dropper.OnSegmentSealed) at WAL tier
// construction so every rotation triggers an immediate WAL->memory
// move alongside the periodic memory->page sweep.
func New(cfg Config) (*Dropper, error) {
	logger := logging.Default(cfg.Logger).With("component", "dropper")
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("dropper: create scheduler: %w", err)
	}

	d := &Dropper{
		wal:                  cfg.WAL,
		mem:                  cfg.Mem,
		pages:                cfg.Pages,
		age:                  cfg.OldChunkAge,
		disablePageMigration: cfg.DisablePageMigration,
		log:                  logger,
		sched:                sched,
	}

	interval := cfg.SweepEvery
	if interval <= 0 {
		interval = time.Minute
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { d.sweep() }),
		gocron.WithName("memory-to-page-sweep"),
	)
	if err != nil {
		return nil, fmt.Errorf("dropper: schedule sweep: %w", err)
	}

	if cfg.SyncEvery > 0 {
		_, err = sched.NewJob(
			gocron.DurationJob(cfg.SyncEvery),
			gocron.NewTask(func() {
				if err := d.wal.Sync(); err != nil {
					d.log.Error("periodic wal sync failed", "err", err)
				}
			}),
			gocron.WithName("wal-periodic-sync"),
		)
		if err != nil {
			return nil, fmt.Errorf("dropper: schedule wal sync: %w", err)
		}
	}

	sched.Start()
	return d, nil
}

// OnSegmentSealed is wired as wal.WithSealedHook: every time a WAL
// segment rotates, the dropper immediately drains it into the memory
// tier in the background, deduplicated by segment path so a sweep
// racing the hook never double-migrates the same segment.
func (d *Dropper) OnSegmentSealed(seg *wal.Segment) {
	go func() {
		<-d.group.DoChan(seg.Path(), func() error {
			return d.moveSegment(seg)
		})
	}()
}

// MigrateWAL drains every sealed WAL segment into the memory tier,
// oldest first (the order wal.SealedSegments returns them in). Safe to
// call repeatedly; segments already removed are simply absent.
func (d *Dropper) MigrateWAL() error {
	for _, seg := range d.wal.SealedSegments() {
		if err := <-d.group.DoChan(seg.Path(), func() error { return d.moveSegment(seg) }); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dropper) moveSegment(seg *wal.Segment) error {
	resident := false
	for _, s := range d.wal.SealedSegments() {
		resident = resident || s == seg
	}
	if !resident {
		return nil // already migrated by an earlier call for this path
	}
	samples, err := d.wal.ReadSegment(seg)
	if err != nil {
		return fmt.Errorf("dropper: read segment: %w", err)
	}
	for _, s := range samples {
		if err := d.appendWithEvictRetry(s); err != nil {
			d.log.Error("wal->memory append failed", "id", s.ID, "time", s.Time, "err", err)
			return err
		}
	}
	if err := d.wal.RemoveSegment(seg); err != nil {
		return fmt.Errorf("dropper: remove segment: %w", err)
	}
	d.log.Info("wal segment migrated to memory", "segment", seg.Path(), "samples", len(samples))
	return nil
}

// appendWithEvictRetry appends s to the memory tier. If the allocator
// is exhausted, it forces an immediate memory->page migration to
// reclaim budget and retries exactly once, per the allocator-exhausted
// error contract. A second failure is returned as-is: moveSegment then
// leaves the sample's segment in the WAL rather than removing it, so
// the sample is never lost and the next sweep retries the whole
// segment. The memory tier's own Evict hook is deliberately left
// unwired here: calling back into the tier's locked DropOld from
// inside its own budget check (which already holds the tier's mutex)
// would deadlock, since that mutex isn't reentrant.
func (d *Dropper) appendWithEvictRetry(s sample.Sample) error {
	err := d.mem.Append(s)
	if !errors.Is(err, memtier.ErrAllocatorExhausted) || d.disablePageMigration {
		return err
	}
	if migrateErr := d.MigrateMemory(time.Now()); migrateErr != nil {
		return err
	}
	return d.mem.Append(s)
}

// MigrateMemory seals every aged-out open chunk and every resident
// sealed chunk in the memory tier and hands them to the page tier, in
// max_time order so ordering guarantees carry through. Under the
// MEMORY strategy (DisablePageMigration) it does nothing: aged open
// chunks are not sealed here, and chunks sealed by the memory tier's
// own rotation stay in its sealed list, queryable but never handed to
// a page.
func (d *Dropper) MigrateMemory(now time.Time) error {
	if d.disablePageMigration {
		return nil
	}
	chunks := d.mem.DropOld(now, d.age)
	if len(chunks) == 0 {
		return nil
	}
	if err := d.pages.AppendChunks(chunks); err != nil {
		return fmt.Errorf("dropper: append chunks to page tier: %w", err)
	}
	d.log.Info("memory chunks migrated to page tier", "chunks", len(chunks))
	return nil
}

// Flush synchronously drains WAL->memory then memory->page, honoring
// engine.flush()'s "no data left upstream" contract. Unlike the
// periodic sweep, flush seals every open chunk regardless of
// old_chunk_age — flush itself is the trigger, per spec. Under the
// MEMORY strategy the memory->page hop is skipped, same as
// MigrateMemory.
func (d *Dropper) Flush(now time.Time) error {
	if err := d.wal.Flush(); err != nil {
		return err
	}
	if err := d.MigrateWAL(); err != nil {
		return err
	}
	if d.disablePageMigration {
		return nil
	}
	chunks := d.mem.DropOld(now, 0)
	if len(chunks) == 0 {
		return nil
	}
	if err := d.pages.AppendChunks(chunks); err != nil {
		return fmt.Errorf("dropper: append chunks to page tier: %w", err)
	}
	d.log.Info("memory chunks migrated to page tier on flush", "chunks", len(chunks))
	return nil
}

func (d *Dropper) sweep() {
	if err := d.MigrateWAL(); err != nil {
		d.log.Error("periodic wal sweep failed", "err", err)
	}
	if err := d.MigrateMemory(time.Now()); err != nil {
		d.log.Error("periodic memory sweep failed", "err", err)
	}
}

// Stop halts the periodic sweep. Does not flush; callers wanting a
// final drain should call Flush first.
func (d *Dropper) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.sched.Shutdown()
}
