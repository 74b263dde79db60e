// Package chunk defines the append-only, compressible unit of storage
// shared by every tier: a fixed-capacity run of samples for a single
// series, identified by a UUIDv7 ChunkID, backed by a pluggable
// codec.Stream. A Chunk is open (single-writer, growing) or sealed
// (immutable, safe for concurrent readers) — never both.
package chunk

import (
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tsdbcore/internal/bloom"
	"tsdbcore/internal/codec"
	"tsdbcore/internal/sample"
)

var (
	ErrChunkSealed    = errors.New("chunk: already sealed")
	ErrChunkNotSealed = errors.New("chunk: not sealed")
	ErrOutOfOrder     = errors.New("chunk: sample time not after the chunk's max time")
	ErrWrongSeries    = errors.New("chunk: sample id does not match the chunk's series")
)

// chunkIDEncoding is base32hex (RFC 4648) lowercase without padding;
// its alphabet (0-9a-v) preserves lexicographic sort order, so ID
// strings sort the same as their creation order.
var chunkIDEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// ID uniquely identifies a chunk. It is a UUIDv7 (16 bytes); its string
// form is a 26-character lowercase base32hex value, sortable by
// creation time.
type ID [16]byte

// NewID creates an ID from a freshly generated UUIDv7.
func NewID() ID {
	return ID(uuid.Must(uuid.NewV7()))
}

// ParseID parses a 26-character base32hex string into an ID.
func ParseID(value string) (ID, error) {
	if len(value) != 26 {
		return ID{}, fmt.Errorf("chunk: invalid id length %d (want 26)", len(value))
	}
	decoded, err := chunkIDEncoding.DecodeString(strings.ToUpper(value))
	if err != nil {
		return ID{}, fmt.Errorf("chunk: invalid id: %w", err)
	}
	var id ID
	copy(id[:], decoded)
	return id, nil
}

func (id ID) String() string {
	return strings.ToLower(chunkIDEncoding.EncodeToString(id[:]))
}

// Time returns the creation time embedded in the UUIDv7 id.
func (id ID) Time() time.Time {
	ms := int64(id[0])<<40 | int64(id[1])<<32 | int64(id[2])<<24 |
		int64(id[3])<<16 | int64(id[4])<<8 | int64(id[5])
	return time.UnixMilli(ms)
}

// AppendOutcome is the result of attempting to append a sample to an
// open chunk.
type AppendOutcome int

const (
	// Appended means the sample was written.
	Appended AppendOutcome = iota
	// ChunkFull means the chunk has no capacity left; the chunk is
	// unchanged and the caller should seal it and open a new one.
	ChunkFull
	// OutOfOrder means the sample's time did not strictly increase past
	// the chunk's current max time; the chunk is unchanged.
	OutOfOrder
)

func (o AppendOutcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case ChunkFull:
		return "chunk_full"
	case OutOfOrder:
		return "out_of_order"
	default:
		return "unknown"
	}
}

// Header is the fixed-size metadata that accompanies every chunk body,
// on disk and in memory alike.
type Header struct {
	ID            ID
	SeriesID      uint64
	First         sample.Sample
	Count         uint32
	MinTime       uint64
	MaxTime       uint64
	FlagBloom     bloom.Filter
	Sealed        bool
	CapacityBytes uint32
}

// Chunk is a single series' run of samples, open for append or sealed
// for read. The zero value is not usable; construct with New.
type Chunk struct {
	header Header
	stream codec.Stream
}

// New opens an empty chunk for seriesID with the given byte capacity,
// using factory to construct the underlying compressed stream.
func New(seriesID uint64, capacityBytes int, factory codec.Factory) *Chunk {
	return &Chunk{
		header: Header{
			ID:            NewID(),
			SeriesID:      seriesID,
			CapacityBytes: uint32(capacityBytes), //nolint:gosec // capacityBytes is config-bounded, never attacker controlled
		},
		stream: factory(capacityBytes),
	}
}

// Append writes s into the chunk if it fits and is not out of order.
func (c *Chunk) Append(s sample.Sample) AppendOutcome {
	if c.header.Sealed {
		return ChunkFull
	}
	if s.ID != c.header.SeriesID {
		return OutOfOrder
	}
	if c.header.Count > 0 && s.Time <= c.header.MaxTime {
		return OutOfOrder
	}
	if !c.stream.Append(codec.Sample{Time: s.Time, Value: s.Value, Flag: s.Flag}) {
		return ChunkFull
	}

	if c.header.Count == 0 {
		c.header.First = s
		c.header.MinTime = s.Time
	}
	c.header.Count++
	c.header.MaxTime = s.Time
	if s.Flag != sample.NoData {
		c.header.FlagBloom = c.header.FlagBloom.Add(uint64(s.Flag))
	}
	return Appended
}

// Load reconstructs a sealed chunk from a previously persisted header
// and its raw compressed body bytes (e.g. a page's chunk body slot).
func Load(header Header, body []byte) *Chunk {
	header.Sealed = true
	return &Chunk{header: header, stream: codec.LoadXORStream(body, int(header.Count))}
}

// Body returns the stream's encoded byte buffer truncated to the bytes
// actually used, suitable for persisting into a page's chunk body
// region.
func (c *Chunk) Body() []byte {
	return c.stream.Bytes()[:c.stream.UsedBytes()]
}

// Seal freezes the chunk against further appends. Idempotent.
func (c *Chunk) Seal() {
	c.header.Sealed = true
}

func (c *Chunk) Sealed() bool     { return c.header.Sealed }
func (c *Chunk) Header() Header   { return c.header }
func (c *Chunk) ID() ID           { return c.header.ID }
func (c *Chunk) SeriesID() uint64 { return c.header.SeriesID }
func (c *Chunk) Count() uint32    { return c.header.Count }
func (c *Chunk) MinTime() uint64  { return c.header.MinTime }
func (c *Chunk) MaxTime() uint64  { return c.header.MaxTime }

// UsedBytes returns the number of compressed bytes the stream has
// written so far, for rotation policies that size-limit open chunks.
func (c *Chunk) UsedBytes() uint32 { return uint32(c.stream.UsedBytes()) }

// Overlaps reports whether the chunk's [MinTime, MaxTime] closed range
// intersects the half-open [from, to) interval.
func (c *Chunk) Overlaps(from, to uint64) bool {
	if c.header.Count == 0 {
		return false
	}
	return c.header.MinTime < to && c.header.MaxTime >= from
}

// MayHaveFlag reports whether the chunk's flag bloom filter admits the
// possibility that a sample carries every bit in mask. A false result
// is authoritative; a true result requires the caller to decode and
// check.
func (c *Chunk) MayHaveFlag(mask uint32) bool {
	if mask == 0 {
		return true
	}
	return c.header.FlagBloom.Contains(uint64(mask))
}

// Reader returns a restartable cursor over the chunk's decoded samples,
// re-attaching the series id (the codec stream carries time, value and
// flag, but not the id).
func (c *Chunk) Reader() *Cursor {
	return &Cursor{seriesID: c.header.SeriesID, inner: c.stream.Reader()}
}

// Cursor decodes samples from a chunk lazily.
type Cursor struct {
	seriesID uint64
	inner    codec.Reader
}

// Next returns the next decoded sample, or ok=false once exhausted.
func (cur *Cursor) Next() (sample.Sample, bool) {
	s, ok := cur.inner.Next()
	if !ok {
		return sample.Sample{}, false
	}
	return sample.Sample{ID: cur.seriesID, Time: s.Time, Value: s.Value, Flag: s.Flag}, true
}
