// Package unionreader merges the page, memory and WAL tiers' results
// for a single series into one time-ordered stream. Most of the time
// the three tiers are already time-disjoint (older data lives in
// pages, newer in memory, newest in the WAL) and the merge degenerates
// to a concatenation; only overlapping tiers pay for a sort.
package unionreader

import (
	"sort"
	"sync/atomic"

	"tsdbcore/internal/sample"
)

// Bounds is one tier's already time-ordered contribution to a
// single-id query, along with the [MinTime, MaxTime] range the caller
// computed for it (e.g. via each tier's MinMaxTime).
type Bounds struct {
	Samples []sample.Sample
	MinTime uint64
	MaxTime uint64
	Empty   bool
}

// NewBounds wraps an already time-ordered sample slice, deriving
// MinTime/MaxTime from its first and last elements.
func NewBounds(samples []sample.Sample) Bounds {
	if len(samples) == 0 {
		return Bounds{Empty: true}
	}
	return Bounds{Samples: samples, MinTime: samples[0].Time, MaxTime: samples[len(samples)-1].Time}
}

// Callback is the push-style sink a union read delivers samples
// through: Call for each sample, implicitly signaling end of stream
// when Merge returns, and a cooperative Cancel a producer observes at
// chunk/tier boundaries rather than mid-sample.
type Callback struct {
	out       chan sample.Sample
	cancelled atomic.Bool
}

// NewCallback returns a callback backed by a channel of the given
// buffer size; 0 is a valid, fully synchronous size.
func NewCallback(bufferSize int) *Callback {
	return &Callback{out: make(chan sample.Sample, bufferSize)}
}

// Stream returns the channel samples are delivered on. It is closed
// once the producer reaches is_end (including on cancellation), so a
// range loop over it terminates naturally.
func (c *Callback) Stream() <-chan sample.Sample { return c.out }

// Cancel requests the producer stop. Observed at the next chunk/tier
// boundary, never more than one tier's worth of samples later.
func (c *Callback) Cancel() { c.cancelled.Store(true) }

func (c *Callback) isCancelled() bool { return c.cancelled.Load() }

func (c *Callback) call(s sample.Sample) { c.out <- s }

func (c *Callback) isEnd() { close(c.out) }

// Merge decides whether page/memory/wal are already time-disjoint (in
// that priority order, oldest tier first) and either concatenates
// them directly or materializes and stably sorts the union. It always
// closes cb's stream before returning, even on cancellation.
func Merge(page, memory, wal Bounds, cb *Callback) {
	defer cb.isEnd()
	if cb.isCancelled() {
		return
	}

	if isOrdered(page, memory, wal) {
		for _, tier := range [...]Bounds{page, memory, wal} {
			for _, s := range tier.Samples {
				if cb.isCancelled() {
					return
				}
				cb.call(s)
			}
			if cb.isCancelled() {
				return
			}
		}
		return
	}

	all := make([]sample.Sample, 0, len(page.Samples)+len(memory.Samples)+len(wal.Samples))
	all = append(all, page.Samples...)
	all = append(all, memory.Samples...)
	all = append(all, wal.Samples...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Time < all[j].Time })

	for _, s := range all {
		if cb.isCancelled() {
			return
		}
		cb.call(s)
	}
}

// isOrdered reports whether the non-empty tiers, taken in (page,
// memory, wal) priority order, are pairwise time-disjoint: each
// tier's MaxTime strictly precedes the next non-empty tier's MinTime.
func isOrdered(page, memory, wal Bounds) bool {
	var prev *Bounds
	for _, tier := range [...]*Bounds{&page, &memory, &wal} {
		if tier.Empty {
			continue
		}
		if prev != nil && prev.MaxTime >= tier.MinTime {
			return false
		}
		prev = tier
	}
	return true
}

// ReadIDs runs Merge once per id in ids, in order, delivering every
// id's samples through the same callback before moving to the next.
// pageFor, memoryFor and walFor are each called once per id to obtain
// that tier's already-filtered, time-ordered contribution.
func ReadIDs(ids []uint64, pageFor, memoryFor, walFor func(id uint64) Bounds, cb *Callback) {
	defer cb.isEnd()
	for _, id := range ids {
		if cb.isCancelled() {
			return
		}
		inner := NewCallback(0)
		done := make(chan struct{})
		go func() {
			Merge(pageFor(id), memoryFor(id), walFor(id), inner)
			close(done)
		}()
		for s := range inner.Stream() {
			if cb.isCancelled() {
				inner.Cancel()
				continue
			}
			cb.call(s)
		}
		<-done
	}
}
