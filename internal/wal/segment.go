// Package wal implements the write-ahead log tier: uncompressed,
// append-only segment files that absorb every sample before it is
// migrated to the memory tier by the dropper.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"tsdbcore/internal/format"
	"tsdbcore/internal/sample"
)

const (
	segmentVersion = 0x01

	// header: format header (4) + segment id (8) + sample count (4)
	headerIDOffset    = format.HeaderSize
	headerCountOffset = format.HeaderSize + 8
	segmentHeaderSize = format.HeaderSize + 8 + 4

	// record: id(8) time(8) value(8) flag(4), little-endian, no padding
	recordSize = 28
)

var (
	ErrSegmentFull     = errors.New("wal: segment record budget exhausted")
	ErrSegmentSealed   = errors.New("wal: segment is sealed")
	ErrCorruptSegment  = errors.New("wal: corrupt segment header")
	ErrTruncatedRecord = errors.New("wal: trailing record truncated, discarded")
)

// Segment is a single WAL file: a fixed-capacity (in sample count),
// append-only log. A Segment is single-writer while open.
type Segment struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	id       uint64
	capacity uint32
	count    uint32
	sealed   bool
}

// CreateSegment creates a new segment file at path with the given
// segment id and capacity (samples), and writes the placeholder
// header.
func CreateSegment(path string, id uint64, capacity uint32) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	s := &Segment{file: f, path: path, id: id, capacity: capacity}
	if err := s.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Segment) writeHeader() error {
	buf := make([]byte, segmentHeaderSize)
	h := format.Header{Type: format.TypeWALSegment, Version: segmentVersion}
	h.EncodeInto(buf)
	binary.LittleEndian.PutUint64(buf[headerIDOffset:], s.id)
	binary.LittleEndian.PutUint32(buf[headerCountOffset:], s.count)
	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return nil
}

// Append writes a sample record. Returns ErrSegmentFull once capacity
// is reached, ErrSegmentSealed once Seal has been called.
func (s *Segment) Append(sm sample.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return ErrSegmentSealed
	}
	if s.count >= s.capacity {
		return ErrSegmentFull
	}
	var buf [recordSize]byte
	encodeRecord(buf[:], sm)
	off := int64(segmentHeaderSize) + int64(s.count)*recordSize
	if _, err := s.file.WriteAt(buf[:], off); err != nil {
		return err
	}
	s.count++
	return nil
}

// Full reports whether the segment has reached its sample capacity.
func (s *Segment) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count >= s.capacity
}

// Sync flushes the segment's file to stable storage.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// Seal finalizes the segment: rewrites the committed count into the
// header and fsyncs. Idempotent.
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], s.count)
	if _, err := s.file.WriteAt(countBuf[:], headerCountOffset); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}
	s.sealed = true
	return nil
}

func (s *Segment) ID() uint64   { return s.id }
func (s *Segment) Path() string { return s.path }
func (s *Segment) Count() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close releases the underlying file descriptor without sealing.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// OpenSegment reopens an existing segment file for recovery/replay,
// scanning it end-to-end and discarding a truncated trailing record
// rather than treating it as fatal.
func OpenSegment(path string) (*Segment, []sample.Sample, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}
	hdrBuf := make([]byte, segmentHeaderSize)
	if _, err := io.ReadFull(f, hdrBuf); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptSegment, err)
	}
	if _, err := format.DecodeAndValidate(hdrBuf, format.TypeWALSegment, segmentVersion); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptSegment, err)
	}
	id := binary.LittleEndian.Uint64(hdrBuf[headerIDOffset:])
	claimedCount := binary.LittleEndian.Uint32(hdrBuf[headerCountOffset:])

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	bodyBytes := info.Size() - segmentHeaderSize
	if bodyBytes < 0 {
		bodyBytes = 0
	}
	maxWholeRecords := uint32(bodyBytes / recordSize) //nolint:gosec // bounded by file size

	// A segment that was never sealed still has count 0 in its header.
	actual := claimedCount
	if actual == 0 || actual > maxWholeRecords {
		actual = maxWholeRecords
	}

	samples := make([]sample.Sample, 0, actual)
	buf := make([]byte, recordSize)
	for i := uint32(0); i < actual; i++ {
		if _, err := f.ReadAt(buf, int64(segmentHeaderSize)+int64(i)*recordSize); err != nil {
			break
		}
		samples = append(samples, decodeRecord(buf))
	}

	capacity := claimedCount
	if capacity == 0 {
		capacity = actual
	}
	s := &Segment{file: f, path: path, id: id, capacity: capacity, count: uint32(len(samples))} //nolint:gosec
	return s, samples, nil
}

func encodeRecord(buf []byte, s sample.Sample) {
	binary.LittleEndian.PutUint64(buf[0:8], s.ID)
	binary.LittleEndian.PutUint64(buf[8:16], s.Time)
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(s.Value))
	binary.LittleEndian.PutUint32(buf[24:28], s.Flag)
}

func decodeRecord(buf []byte) sample.Sample {
	return sample.Sample{
		ID:    binary.LittleEndian.Uint64(buf[0:8]),
		Time:  binary.LittleEndian.Uint64(buf[8:16]),
		Value: math.Float64frombits(binary.LittleEndian.Uint64(buf[16:24])),
		Flag:  binary.LittleEndian.Uint32(buf[24:28]),
	}
}
