package dropper

import (
	"context"
	"testing"
	"time"

	"tsdbcore/internal/memtier"
	"tsdbcore/internal/page"
	"tsdbcore/internal/sample"
	"tsdbcore/internal/wal"
)

func newTestStack(t *testing.T) (*wal.Tier, *memtier.Tier, *page.Manager) {
	t.Helper()
	walDir := t.TempDir()
	pageDir := t.TempDir()

	walTier, err := wal.Open(walDir, 16, wal.SyncPolicy{Mode: wal.ModePerBatch}, wal.ManifestHooks{}, nil, nil)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	memTier := memtier.New(memtier.Config{ChunkBytes: 4096})
	pages, err := page.OpenManager(pageDir, 4, 4096, page.ManifestHooks{}, nil, nil)
	if err != nil {
		t.Fatalf("open page manager: %v", err)
	}
	return walTier, memTier, pages
}

func TestMigrateWALDrainsSealedSegmentIntoMemory(t *testing.T) {
	walTier, memTier, pages := newTestStack(t)
	d, err := New(Config{WAL: walTier, Mem: memTier, Pages: pages, OldChunkAge: time.Hour, SweepEvery: time.Hour})
	if err != nil {
		t.Fatalf("new dropper: %v", err)
	}
	defer d.Stop(context.Background())

	for i := uint64(0); i < 16; i++ {
		if err := walTier.Append(sample.Sample{ID: 1, Time: i, Value: float64(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// Force a rotation so the full segment seals.
	if err := walTier.Append(sample.Sample{ID: 1, Time: 16, Value: 16}); err != nil {
		t.Fatalf("append 16: %v", err)
	}

	if err := d.MigrateWAL(); err != nil {
		t.Fatalf("migrate wal: %v", err)
	}

	min, max, ok := memTier.MinMaxTime(1)
	if !ok {
		t.Fatal("expected memory tier to have bounds for id=1 after migration")
	}
	if min != 0 || max != 15 {
		t.Fatalf("min/max = %d/%d, want 0/15 (sealed segment only)", min, max)
	}
	if segs := walTier.SealedSegments(); len(segs) != 0 {
		t.Fatalf("expected sealed segment removed after migration, got %d remaining", len(segs))
	}
}

func TestMigrateMemoryMovesAgedChunksToPages(t *testing.T) {
	walTier, memTier, pages := newTestStack(t)
	d, err := New(Config{WAL: walTier, Mem: memTier, Pages: pages, OldChunkAge: time.Hour, SweepEvery: time.Hour})
	if err != nil {
		t.Fatalf("new dropper: %v", err)
	}
	defer d.Stop(context.Background())

	for i := uint64(0); i < 10; i++ {
		if err := memTier.Append(sample.Sample{ID: 5, Time: i, Value: float64(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if err := d.MigrateMemory(time.Now().Add(2 * time.Hour)); err != nil {
		t.Fatalf("migrate memory: %v", err)
	}

	q := sample.Interval{IDs: map[uint64]struct{}{5: {}}, From: 0, To: 10}
	links := pages.ChunksByInterval(q)
	if len(links) != 1 {
		t.Fatalf("expected 1 chunk landed in the page tier, got %d", len(links))
	}
}

func TestFlushDrainsWALAndMemorySynchronously(t *testing.T) {
	walTier, memTier, pages := newTestStack(t)
	d, err := New(Config{WAL: walTier, Mem: memTier, Pages: pages, OldChunkAge: 0, SweepEvery: time.Hour})
	if err != nil {
		t.Fatalf("new dropper: %v", err)
	}
	defer d.Stop(context.Background())

	for i := uint64(0); i < 3; i++ {
		if err := walTier.Append(sample.Sample{ID: 9, Time: i, Value: float64(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := d.Flush(time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("flush: %v", err)
	}

	q := sample.Interval{IDs: map[uint64]struct{}{9: {}}, From: 0, To: 3}
	links := pages.ChunksByInterval(q)
	if len(links) != 1 {
		t.Fatalf("expected flush to push the series all the way to the page tier, got %d links", len(links))
	}
}

func TestMigrateMemoryDisablePageMigrationKeepsChunksResident(t *testing.T) {
	walTier, memTier, pages := newTestStack(t)
	d, err := New(Config{
		WAL: walTier, Mem: memTier, Pages: pages,
		OldChunkAge: time.Hour, SweepEvery: time.Hour,
		DisablePageMigration: true,
	})
	if err != nil {
		t.Fatalf("new dropper: %v", err)
	}
	defer d.Stop(context.Background())

	for i := uint64(0); i < 10; i++ {
		if err := memTier.Append(sample.Sample{ID: 5, Time: i, Value: float64(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if err := d.MigrateMemory(time.Now().Add(2 * time.Hour)); err != nil {
		t.Fatalf("migrate memory: %v", err)
	}

	q := sample.Interval{IDs: map[uint64]struct{}{5: {}}, From: 0, To: 10}
	if links := pages.ChunksByInterval(q); len(links) != 0 {
		t.Fatalf("expected no chunks pushed to pages under DisablePageMigration, got %d", len(links))
	}
	min, max, ok := memTier.MinMaxTime(5)
	if !ok || min != 0 || max != 9 {
		t.Fatalf("expected samples to remain resident in memory, got min=%d max=%d ok=%v", min, max, ok)
	}
}

func TestMoveSegmentRetriesAfterAllocatorExhaustion(t *testing.T) {
	walDir := t.TempDir()
	pageDir := t.TempDir()

	walTier, err := wal.Open(walDir, 8, wal.SyncPolicy{Mode: wal.ModePerBatch}, wal.ManifestHooks{}, nil, nil)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	// Budget for exactly one open chunk; a second series can only open
	// once the first is sealed and migrated to pages.
	memTier := memtier.New(memtier.Config{ChunkBytes: 256, BudgetBytes: 256})
	pages, err := page.OpenManager(pageDir, 4, 256, page.ManifestHooks{}, nil, nil)
	if err != nil {
		t.Fatalf("open page manager: %v", err)
	}

	d, err := New(Config{WAL: walTier, Mem: memTier, Pages: pages, OldChunkAge: -time.Hour, SweepEvery: time.Hour})
	if err != nil {
		t.Fatalf("new dropper: %v", err)
	}
	defer d.Stop(context.Background())

	if err := memTier.Append(sample.Sample{ID: 1, Time: 1, Value: 1}); err != nil {
		t.Fatalf("seed first series: %v", err)
	}

	if err := walTier.Append(sample.Sample{ID: 2, Time: 1, Value: 1}); err != nil {
		t.Fatalf("append to wal: %v", err)
	}
	if err := walTier.Flush(); err != nil {
		t.Fatalf("flush wal: %v", err)
	}

	if err := d.MigrateWAL(); err != nil {
		t.Fatalf("migrate wal: %v", err)
	}

	if _, _, ok := memTier.MinMaxTime(2); !ok {
		t.Fatal("expected series 2 to land in memory after the forced eviction retry")
	}
	q := sample.Interval{IDs: map[uint64]struct{}{1: {}}, From: 0, To: 10}
	if links := pages.ChunksByInterval(q); len(links) != 1 {
		t.Fatalf("expected series 1's chunk evicted to pages to make room, got %d links", len(links))
	}
}
