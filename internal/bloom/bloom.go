// Package bloom implements a fixed 64-bit Bloom filter over u64 keys,
// used by the page tier to test series-id and flag membership without
// decoding chunk bodies.
package bloom

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// numHashes is the number of bit positions set per key (k). With a single
// 64-bit word and k=4 the expected false-positive rate after n keys is
// (1-e^(-4n/64))^4: about 16% at n=16, about 23% at n=19 and about 93% at
// n=64, so it stays under 25% only up to roughly 19 keys.
const numHashes = 4

// Filter is a fixed-width 64-bit Bloom filter. The zero value is an empty
// filter ready to use.
type Filter uint64

// New returns an empty filter. Equivalent to the zero value; provided for
// symmetry with Add/Union call sites that read more naturally as
// constructors.
func New() Filter { return 0 }

// Add sets the bits corresponding to x.
func (f Filter) Add(x uint64) Filter {
	h1, h2 := split(x)
	for i := uint64(0); i < numHashes; i++ {
		bit := (h1 + i*h2) % 64
		f |= 1 << bit
	}
	return f
}

// Contains reports whether x may have been added. False positives are
// possible; false negatives are not — Contains never returns false after
// the corresponding Add.
func (f Filter) Contains(x uint64) bool {
	h1, h2 := split(x)
	for i := uint64(0); i < numHashes; i++ {
		bit := (h1 + i*h2) % 64
		if f&(1<<bit) == 0 {
			return false
		}
	}
	return true
}

// Union returns a filter that contains every key either a or b contains.
func Union(a, b Filter) Filter {
	return a | b
}

// split derives two independent 32-bit-ish hash lanes from x using xxhash,
// following the Kirsch-Mitzenmacher technique of combining two hashes to
// simulate k independent hash functions.
func split(x uint64) (uint64, uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], x)
	sum := xxhash.Sum64(buf[:])
	h1 := sum & 0xFFFFFFFF
	h2 := (sum >> 32) | 1 // force odd so repeated addition cycles through all 64 bits
	return h1, h2
}
