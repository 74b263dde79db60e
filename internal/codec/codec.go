// Package codec implements the chunk body compressor.
//
// The storage core treats compression as a pluggable, deterministic
// black box: encode a finite stream of (time, value, flag) triples into a
// bounded byte buffer, support early-stop decoding, and report "buffer
// full" without corrupting whatever was already committed. The default
// implementation here is a Gorilla-style delta-of-delta timestamp and
// XOR value codec, the same scheme Prometheus's and Loki's chunk encoders
// use for exactly this tradeoff (high ratio, cheap streaming decode). The
// flag accompanying each sample is carried alongside as a run-length
// coded 32-bit field (a single bit says "unchanged since the last
// sample"), since flags are typically constant across long runs.
package codec

import (
	"math"
	"math/bits"
)

// Sample is the (time, value, flag) triple the codec compresses. Callers
// (the chunk package) carry the series id alongside out-of-band.
type Sample struct {
	Time  uint64
	Value float64
	Flag  uint32
}

// Stream is a bounded, append-only compressed run of samples. A Stream is
// single-writer while open; once sealed its body is immutable and safe
// for concurrent readers.
type Stream interface {
	// Append encodes s into the stream. Returns false if the stream has no
	// room left for another sample; the stream's prior state is unchanged
	// on failure.
	Append(s Sample) bool

	// Len returns the number of samples successfully appended.
	Len() int

	// Bytes returns the encoded byte buffer, sized to the stream's fixed
	// capacity (trailing bytes beyond the last written bit are zero).
	Bytes() []byte

	// UsedBytes returns the number of leading bytes of Bytes that carry
	// encoded data (rounded up to a whole byte).
	UsedBytes() int

	// Reader returns a restartable cursor over the decoded samples.
	Reader() Reader
}

// Reader decodes samples from a Stream lazily, supporting early stop.
type Reader interface {
	// Next decodes the next sample. ok is false once exhausted.
	Next() (Sample, bool)
}

// Factory constructs a new, empty Stream backed by a buffer of exactly
// capacityBytes bytes.
type Factory func(capacityBytes int) Stream

// NewXORStream is the default Factory: Gorilla delta-of-delta timestamps,
// XOR-coded float64 values, into a fixed-size bit-packed buffer.
func NewXORStream(capacityBytes int) Stream {
	return &xorStream{buf: make([]byte, capacityBytes)}
}

type xorStream struct {
	buf []byte
	w   *bitWriter
	n   int

	tLast      uint64
	tDeltaLast int64
	vLast      uint64
	leading    int // leading zero count of the previous XOR window, -1 if unset
	trailing   int

	flagSet  bool
	flagLast uint32
}

func (c *xorStream) ensureWriter() {
	if c.w == nil {
		c.w = newBitWriter(c.buf)
		c.leading = -1
	}
}

func (c *xorStream) Append(s Sample) bool {
	c.ensureWriter()
	mark := c.w.mark()
	saved := *c

	var ok bool
	switch c.n {
	case 0:
		ok = c.w.writeBits(s.Time, 64) && c.w.writeBits(math.Float64bits(s.Value), 64)
		if ok {
			c.tLast = s.Time
			c.vLast = math.Float64bits(s.Value)
		}
	case 1:
		delta := int64(s.Time) - int64(c.tLast)
		ok = c.encodeDoD(delta) && c.appendValue(s.Value)
		if ok {
			c.tDeltaLast = delta
			c.tLast = s.Time
		}
	default:
		delta := int64(s.Time) - int64(c.tLast)
		dod := delta - c.tDeltaLast
		ok = c.encodeDoD(dod) && c.appendValue(s.Value)
		if ok {
			c.tDeltaLast = delta
			c.tLast = s.Time
		}
	}

	if ok {
		ok = c.appendFlag(s.Flag)
	}

	if !ok {
		c.w.rollback(mark)
		*c = saved
		return false
	}
	c.n++
	return true
}

// appendFlag writes a 1-bit "same as previous flag" indicator, followed
// by the full 32-bit flag only when it changed. The first sample in a
// stream always writes its flag in full.
func (c *xorStream) appendFlag(f uint32) bool {
	if c.flagSet && f == c.flagLast {
		return c.w.writeBit(0)
	}
	if !c.w.writeBit(1) || !c.w.writeBits(uint64(f), 32) {
		return false
	}
	c.flagSet = true
	c.flagLast = f
	return true
}

// encodeDoD writes a delta-of-delta using the Gorilla variable-width scheme:
// a unary prefix selects a bit width class, then a zigzag-encoded value of
// that width follows.
func (c *xorStream) encodeDoD(dod int64) bool {
	switch {
	case dod == 0:
		return c.w.writeBit(0)
	case fitsSigned(dod, 7):
		return c.w.writeBits(0b10, 2) && c.w.writeBits(zigzag(dod), 7)
	case fitsSigned(dod, 9):
		return c.w.writeBits(0b110, 3) && c.w.writeBits(zigzag(dod), 9)
	case fitsSigned(dod, 12):
		return c.w.writeBits(0b1110, 4) && c.w.writeBits(zigzag(dod), 12)
	case fitsSigned(dod, 16):
		return c.w.writeBits(0b11110, 5) && c.w.writeBits(zigzag(dod), 16)
	default:
		return c.w.writeBits(0b11111, 5) && c.w.writeBits(zigzag(dod), 64)
	}
}

func (c *xorStream) appendValue(v float64) bool {
	vBits := math.Float64bits(v)
	xor := c.vLast ^ vBits
	c.vLast = vBits

	if xor == 0 {
		return c.w.writeBit(0)
	}
	if !c.w.writeBit(1) {
		return false
	}

	leading := bits.LeadingZeros64(xor)
	trailing := bits.TrailingZeros64(xor)
	if leading > 31 {
		leading = 31 // fits in 5 bits
	}

	if c.leading >= 0 && leading >= c.leading && trailing >= c.trailing {
		meaningful := 64 - c.leading - c.trailing
		return c.w.writeBit(0) && c.w.writeBits(xor>>uint(c.trailing), meaningful)
	}

	meaningful := 64 - leading - trailing
	c.leading, c.trailing = leading, trailing
	return c.w.writeBit(1) &&
		c.w.writeBits(uint64(leading), 5) &&
		c.w.writeBits(uint64(meaningful), 6) &&
		c.w.writeBits(xor>>uint(trailing), meaningful)
}

func (c *xorStream) Len() int      { return c.n }
func (c *xorStream) Bytes() []byte { return c.buf }
func (c *xorStream) UsedBytes() int {
	if c.w == nil {
		return 0
	}
	return c.w.bytesWritten()
}
func (c *xorStream) Reader() Reader { return &xorReader{stream: c} }

// LoadXORStream reconstructs a sealed, read-only stream over buf that
// already holds count encoded samples (e.g. copied out of a page's
// mmap region). Appending to the returned stream always fails.
func LoadXORStream(buf []byte, count int) Stream {
	return &xorStream{
		buf: buf,
		w:   &bitWriter{buf: buf, bitPos: len(buf) * 8},
		n:   count,
	}
}

func fitsSigned(v int64, bits int) bool {
	zz := zigzag(v)
	return zz < uint64(1)<<uint(bits)
}

func zigzag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

type xorReader struct {
	stream *xorStream
	r      *bitReader
	idx    int

	tLast      uint64
	tDeltaLast int64
	vLast      uint64
	leading    int
	trailing   int

	flagLast uint32
}

func (it *xorReader) Next() (Sample, bool) {
	if it.idx >= it.stream.n {
		return Sample{}, false
	}
	if it.r == nil {
		it.r = newBitReader(it.stream.buf, it.stream.w.bitPos)
		it.leading = -1
	}

	var s Sample
	switch it.idx {
	case 0:
		t, ok1 := it.r.readBits(64)
		v, ok2 := it.r.readBits(64)
		if !ok1 || !ok2 {
			return Sample{}, false
		}
		s = Sample{Time: t, Value: math.Float64frombits(v)}
		it.tLast = t
		it.vLast = v
	case 1:
		delta, ok := it.decodeDoD()
		if !ok {
			return Sample{}, false
		}
		it.tLast = uint64(int64(it.tLast) + delta)
		it.tDeltaLast = delta
		val, ok := it.decodeValue()
		if !ok {
			return Sample{}, false
		}
		s = Sample{Time: it.tLast, Value: val}
	default:
		dod, ok := it.decodeDoD()
		if !ok {
			return Sample{}, false
		}
		it.tDeltaLast += dod
		it.tLast = uint64(int64(it.tLast) + it.tDeltaLast)
		val, ok := it.decodeValue()
		if !ok {
			return Sample{}, false
		}
		s = Sample{Time: it.tLast, Value: val}
	}

	flag, ok := it.decodeFlag()
	if !ok {
		return Sample{}, false
	}
	s.Flag = flag

	it.idx++
	return s, true
}

// decodeFlag mirrors appendFlag: a 0 bit means "same as previous flag",
// a 1 bit is followed by the full 32-bit replacement.
func (it *xorReader) decodeFlag() (uint32, bool) {
	changed, ok := it.r.readBit()
	if !ok {
		return 0, false
	}
	if changed == 0 {
		return it.flagLast, true
	}
	v, ok := it.r.readBits(32)
	if !ok {
		return 0, false
	}
	it.flagLast = uint32(v)
	return it.flagLast, true
}

func (it *xorReader) decodeDoD() (int64, bool) {
	var prefixLen int
	var class int
	for class = 0; class < 5; class++ {
		b, ok := it.r.readBit()
		if !ok {
			return 0, false
		}
		if b == 0 {
			break
		}
		prefixLen++
	}
	_ = prefixLen

	widths := [5]int{7, 9, 12, 16, 64}
	if class == 0 {
		return 0, true
	}
	width := widths[class-1]
	zz, ok := it.r.readBits(width)
	if !ok {
		return 0, false
	}
	return unzigzag(zz), true
}

func (it *xorReader) decodeValue() (float64, bool) {
	b, ok := it.r.readBit()
	if !ok {
		return 0, false
	}
	if b == 0 {
		return math.Float64frombits(it.vLast), true
	}

	ctl, ok := it.r.readBit()
	if !ok {
		return 0, false
	}
	if ctl == 1 {
		leadBits, ok1 := it.r.readBits(5)
		meanBits, ok2 := it.r.readBits(6)
		if !ok1 || !ok2 {
			return 0, false
		}
		it.leading = int(leadBits)
		meaningful := int(meanBits)
		if meaningful == 0 { // 64 does not fit in the 6-bit field and wraps to 0
			meaningful = 64
		}
		it.trailing = 64 - it.leading - meaningful
	}
	meaningful := 64 - it.leading - it.trailing
	payload, ok := it.r.readBits(meaningful)
	if !ok {
		return 0, false
	}
	xor := payload << uint(it.trailing)
	vBits := it.vLast ^ xor
	it.vLast = vBits
	return math.Float64frombits(vBits), true
}
