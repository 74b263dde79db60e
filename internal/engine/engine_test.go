package engine

import (
	"context"
	"testing"
	"time"

	"tsdbcore/internal/sample"
	"tsdbcore/internal/settings"
	"tsdbcore/internal/unionreader"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	s := settings.Default()
	s.WALSegmentSize = 8
	s.ChunkSize = 4096
	s.ChunkPerPage = 4
	s.OldChunkAge = "1h"
	if err := Create(dir, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { e.Stop(context.Background()) })
	return e
}

func drainCallback(cb *unionreader.Callback) []sample.Sample {
	var out []sample.Sample
	for s := range cb.Stream() {
		out = append(out, s)
	}
	return out
}

func TestCreateRejectsExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	s := settings.Default()
	if err := Create(dir, s); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := Create(dir, s); err == nil {
		t.Fatal("expected second create to fail")
	}
}

func TestAppendAndReadIntervalAcrossFreshWAL(t *testing.T) {
	e := newTestEngine(t)
	for i := uint64(0); i < 5; i++ {
		writed, ignored := e.Append(sample.Sample{ID: 1, Time: i, Value: float64(i)})
		if writed != 1 || ignored != 0 {
			t.Fatalf("append %d: writed=%d ignored=%d", i, writed, ignored)
		}
	}

	cb := unionreader.NewCallback(0)
	q := sample.Interval{IDs: map[uint64]struct{}{1: {}}, From: 0, To: 5}
	if err := e.ReadInterval(q, cb); err != nil {
		t.Fatalf("read interval: %v", err)
	}
	got := drainCallback(cb)
	if len(got) != 5 {
		t.Fatalf("got %d samples, want 5", len(got))
	}
	for i, s := range got {
		if s.Time != uint64(i) {
			t.Fatalf("sample %d has time %d, want %d", i, s.Time, i)
		}
	}
}

func TestAppendRejectsReservedFlag(t *testing.T) {
	e := newTestEngine(t)
	writed, ignored := e.Append(sample.Sample{ID: 1, Time: 1, Flag: sample.NoData})
	if writed != 0 || ignored != 1 {
		t.Fatalf("writed=%d ignored=%d, want 0/1", writed, ignored)
	}
}

func TestReadTimePointSynthesizesNoDataForUnknownID(t *testing.T) {
	e := newTestEngine(t)
	q := sample.TimePoint{IDs: map[uint64]struct{}{42: {}}, TimePoint: 100}
	got := e.ReadTimePoint(q)
	s, ok := got[42]
	if !ok {
		t.Fatal("expected an entry for the requested id")
	}
	if s.Flag != sample.NoData {
		t.Fatalf("expected NoData flag for unseen id, got %+v", s)
	}
}

func TestReadTimePointReturnsLatestAtOrBefore(t *testing.T) {
	e := newTestEngine(t)
	for i := uint64(0); i < 5; i++ {
		e.Append(sample.Sample{ID: 7, Time: i * 10, Value: float64(i)})
	}
	q := sample.TimePoint{IDs: map[uint64]struct{}{7: {}}, TimePoint: 25}
	got := e.ReadTimePoint(q)
	s, ok := got[7]
	if !ok || s.Time != 20 {
		t.Fatalf("got %+v ok=%v, want time=20", s, ok)
	}
}

func TestCurrentValueReturnsMostRecentSample(t *testing.T) {
	e := newTestEngine(t)
	for i := uint64(0); i < 3; i++ {
		e.Append(sample.Sample{ID: 9, Time: i, Value: float64(i)})
	}
	got := e.CurrentValue(map[uint64]struct{}{9: {}}, 0)
	s, ok := got[9]
	if !ok || s.Time != 2 || s.Value != 2 {
		t.Fatalf("got %+v ok=%v, want time=2 value=2", s, ok)
	}
}

func TestSubscribeReceivesFutureAppends(t *testing.T) {
	e := newTestEngine(t)
	sub := e.Subscribe(map[uint64]struct{}{5: {}}, 0)
	defer sub.Unsubscribe()

	e.Append(sample.Sample{ID: 5, Time: 1, Value: 1})
	e.Append(sample.Sample{ID: 6, Time: 1, Value: 1}) // unsubscribed id

	select {
	case s := <-sub.C:
		if s.ID != 5 {
			t.Fatalf("got id %d, want 5", s.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed append")
	}
}

func TestMinMaxTimeAndAggregatesTrackAppends(t *testing.T) {
	e := newTestEngine(t)
	e.Append(sample.Sample{ID: 1, Time: 5})
	e.Append(sample.Sample{ID: 2, Time: 50})
	e.Append(sample.Sample{ID: 1, Time: 10})

	min, max, ok := e.MinMaxTime(1)
	if !ok || min != 5 || max != 10 {
		t.Fatalf("id=1 min/max = %d/%d ok=%v, want 5/10", min, max, ok)
	}

	overallMin, ok := e.MinTime()
	if !ok || overallMin != 5 {
		t.Fatalf("MinTime = %d ok=%v, want 5", overallMin, ok)
	}
	overallMax, ok := e.MaxTime()
	if !ok || overallMax != 50 {
		t.Fatalf("MaxTime = %d ok=%v, want 50", overallMax, ok)
	}
}

func TestFlushMovesSamplesAllTheWayToPages(t *testing.T) {
	e := newTestEngine(t)
	for i := uint64(0); i < 3; i++ {
		e.Append(sample.Sample{ID: 3, Time: i, Value: float64(i)})
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	links := e.pages.ChunksByInterval(sample.Interval{IDs: map[uint64]struct{}{3: {}}, From: 0, To: 3})
	if len(links) != 1 {
		t.Fatalf("expected flush to push series 3 to the page tier, got %d links", len(links))
	}
}

func TestChangeSettingPersists(t *testing.T) {
	e := newTestEngine(t)
	if err := e.ChangeSetting("strategy", "CACHE"); err != nil {
		t.Fatalf("change setting: %v", err)
	}
	if e.Settings().Strategy != settings.StrategyCache {
		t.Fatalf("got strategy %q, want CACHE", e.Settings().Strategy)
	}
	reloaded, err := settings.Load(e.dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Strategy != settings.StrategyCache {
		t.Fatalf("persisted strategy = %q, want CACHE", reloaded.Strategy)
	}
}

func TestStrategyTuning(t *testing.T) {
	baseAge := time.Hour
	cases := []struct {
		strategy             settings.Strategy
		wantAge              time.Duration
		wantSweep            time.Duration
		wantDisablePageMoves bool
	}{
		{settings.StrategyFastWrite, time.Hour, time.Minute, false},
		{settings.StrategyCompressed, time.Hour / 8, 15 * time.Second, false},
		{settings.StrategyCache, time.Hour / 32, 5 * time.Second, false},
		{settings.StrategyMemory, time.Hour, time.Minute, true},
	}
	for _, tc := range cases {
		age, sweep, disable := strategyTuning(tc.strategy, baseAge)
		if age != tc.wantAge || sweep != tc.wantSweep || disable != tc.wantDisablePageMoves {
			t.Errorf("strategyTuning(%s) = (%v, %v, %v), want (%v, %v, %v)",
				tc.strategy, age, sweep, disable, tc.wantAge, tc.wantSweep, tc.wantDisablePageMoves)
		}
	}
}

func TestMemoryStrategyNeverMigratesToPages(t *testing.T) {
	dir := t.TempDir()
	s := settings.Default()
	s.Strategy = settings.StrategyMemory
	s.WALSegmentSize = 8
	s.ChunkSize = 4096
	s.ChunkPerPage = 4
	s.OldChunkAge = "1h"
	if err := Create(dir, s); err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Stop(context.Background())

	for i := uint64(0); i < 3; i++ {
		e.Append(sample.Sample{ID: 4, Time: i, Value: float64(i)})
	}
	if err := e.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	links := e.pages.ChunksByInterval(sample.Interval{IDs: map[uint64]struct{}{4: {}}, From: 0, To: 3})
	if len(links) != 0 {
		t.Fatalf("expected MEMORY strategy to keep data out of pages, got %d links", len(links))
	}
	if _, max, ok := e.mem.MinMaxTime(4); !ok || max != 2 {
		t.Fatalf("expected series 4 still resident in the memory tier, got max=%d ok=%v", max, ok)
	}
}
