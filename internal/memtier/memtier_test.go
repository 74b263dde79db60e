package memtier

import (
	"testing"
	"time"

	"tsdbcore/internal/chunk"
	"tsdbcore/internal/sample"
)

func TestAppendAndReadInterval(t *testing.T) {
	tier := New(Config{ChunkBytes: 4096})
	for i := uint64(0); i < 50; i++ {
		if err := tier.Append(sample.Sample{ID: 1, Time: i, Value: float64(i), Flag: sample.NoData}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	var got []sample.Sample
	q := sample.Interval{IDs: map[uint64]struct{}{1: {}}, From: 10, To: 20}
	tier.ReadInterval(q, func(s sample.Sample) { got = append(got, s) })
	if len(got) != 10 {
		t.Fatalf("got %d samples, want 10", len(got))
	}
}

func TestAppendRotatesOnOutOfOrder(t *testing.T) {
	tier := New(Config{ChunkBytes: 4096})
	if err := tier.Append(sample.Sample{ID: 1, Time: 100}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// Earlier time forces seal-and-retry into a new chunk for id=1.
	if err := tier.Append(sample.Sample{ID: 1, Time: 50}); err != nil {
		t.Fatalf("append out of order: %v", err)
	}
	min, max, ok := tier.MinMaxTime(1)
	if !ok {
		t.Fatal("expected bounds to be known")
	}
	if min != 50 || max != 100 {
		t.Fatalf("min/max = %d/%d, want 50/100 (50 is in the fresh open chunk, 100 in the sealed one)", min, max)
	}
}

func TestDropOldSealsAgedChunks(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tier := New(Config{ChunkBytes: 4096, Now: func() time.Time { return base }})
	tier.Append(sample.Sample{ID: 1, Time: 1})

	dropped := tier.DropOld(base.Add(2*time.Hour), time.Hour)
	if len(dropped) != 1 {
		t.Fatalf("expected 1 dropped chunk, got %d", len(dropped))
	}
	if !dropped[0].Sealed() {
		t.Fatal("dropped chunk must be sealed")
	}
	if _, _, ok := tier.MinMaxTime(1); ok {
		t.Fatal("tier should no longer report bounds for a fully dropped id")
	}
}

func TestAllocatorExhaustionTriggersEviction(t *testing.T) {
	evictCalls := 0
	tier := New(Config{
		ChunkBytes:  1024,
		BudgetBytes: 1024, // room for exactly one open chunk
		Evict: func() int64 {
			evictCalls++
			return 1024
		},
	})
	tier.Append(sample.Sample{ID: 1, Time: 1})
	// A new series forces eviction since budget only fits one chunk.
	if err := tier.Append(sample.Sample{ID: 2, Time: 1}); err != nil {
		t.Fatalf("append after eviction: %v", err)
	}
	if evictCalls != 1 {
		t.Fatalf("expected eviction to be invoked once, got %d", evictCalls)
	}
}

func TestAppendHonorsRotationPolicy(t *testing.T) {
	rotateAtTwo := chunk.RotationPolicyFunc(func(state chunk.ActiveChunkState, _ sample.Sample) bool {
		return state.Count >= 2
	})
	tier := New(Config{ChunkBytes: 4096, RotationPolicy: rotateAtTwo})
	for i := uint64(0); i < 3; i++ {
		if err := tier.Append(sample.Sample{ID: 1, Time: i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	// The policy forces a seal after every 2 samples, so the 3rd sample
	// must land in a fresh chunk rather than the first one.
	min, max, ok := tier.MinMaxTime(1)
	if !ok || min != 0 || max != 2 {
		t.Fatalf("min/max = %d/%d ok=%v, want 0/2", min, max, ok)
	}
	// The open chunk is younger than an hour, so only the sealed one is returned.
	sealed := tier.DropOld(time.Now(), time.Hour)
	if len(sealed) != 1 || sealed[0].Count() != 2 {
		t.Fatalf("expected one sealed chunk holding the first 2 samples, got %d chunk(s)", len(sealed))
	}
}

func TestReadTimePointReturnsLatestAtOrBefore(t *testing.T) {
	tier := New(Config{ChunkBytes: 4096})
	for i := uint64(0); i < 5; i++ {
		tier.Append(sample.Sample{ID: 3, Time: i * 100, Value: float64(i)})
	}
	q := sample.TimePoint{IDs: map[uint64]struct{}{3: {}}, TimePoint: 250}
	got := tier.ReadTimePoint(q)
	s, ok := got[3]
	if !ok || s.Time != 200 {
		t.Fatalf("got %+v ok=%v, want time=200", s, ok)
	}
}
