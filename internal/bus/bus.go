// Package bus fans newly appended samples out to registered
// subscribers. Delivery is commit-order within a single WAL segment;
// a subscriber that falls behind has its oldest buffered sample
// dropped rather than stalling the writer.
package bus

import (
	"sync"

	"tsdbcore/internal/sample"
)

// Filter selects which appended samples a subscriber receives.
type Filter struct {
	IDs      map[uint64]struct{}
	FlagMask uint32
}

func (f Filter) matches(s sample.Sample) bool {
	if _, ok := f.IDs[s.ID]; !ok {
		return false
	}
	return s.MatchesFlag(f.FlagMask)
}

// Subscription is a live registration returned by Bus.Subscribe. The
// caller ranges over C until Unsubscribe closes it.
type Subscription struct {
	C <-chan sample.Sample

	bus *Bus
	id  uint64
	ch  chan sample.Sample
}

// Unsubscribe deregisters the subscription and closes its channel. Safe
// to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

// Bus is the append-path fan-out point. The zero value is not usable;
// construct with New.
type Bus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*subEntry
	bufSize int
}

type subEntry struct {
	filter Filter
	ch     chan sample.Sample
}

// New returns a Bus whose per-subscriber channels hold bufSize
// samples before the oldest buffered sample is dropped to make room
// for the newest. bufSize <= 0 is treated as 1.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &Bus{subs: make(map[uint64]*subEntry), bufSize: bufSize}
}

// Subscribe registers a new listener matching filter. Publish calls
// made after Subscribe returns are guaranteed to be offered to it;
// calls racing with Subscribe may or may not be seen.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan sample.Sample, b.bufSize)
	b.subs[id] = &subEntry{filter: filter, ch: ch}
	return &Subscription{C: ch, bus: b, id: id, ch: ch}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(e.ch)
}

// Publish offers s to every matching subscriber; the order in which
// subscribers are offered a sample is not defined.
// A subscriber whose buffer is full has its oldest sample evicted to
// make room; Publish itself never blocks.
func (b *Bus) Publish(s sample.Sample) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.subs {
		if !e.filter.matches(s) {
			continue
		}
		offer(e.ch, s)
	}
}

func offer(ch chan sample.Sample, s sample.Sample) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Close unsubscribes every listener, closing their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.subs {
		delete(b.subs, id)
		close(e.ch)
	}
}
