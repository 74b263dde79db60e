// Package page implements the immutable, memory-mapped page tier: the
// final resting place for sealed chunks, packed into fixed-layout
// page files and served to readers without full decode.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"syscall"

	"tsdbcore/internal/bloom"
	"tsdbcore/internal/chunk"
	"tsdbcore/internal/format"
	"tsdbcore/internal/sample"
)

const pageVersion = 0x01

// PageHeader field layout, little-endian, following the 4-byte format
// header:
//
//	chunk_per_page  u32
//	chunk_size      u32
//	added_chunks    u32
//	removed_chunks  u32
//	file_size       u64
//	is_full         u8
//	is_closed       u8
//	min_time        u64
//	max_time        u64
//	max_chunk_id    [16]byte (UUIDv7 of the most recently written chunk)
const (
	fChunkPerPage  = format.HeaderSize
	fChunkSize     = fChunkPerPage + 4
	fAddedChunks   = fChunkSize + 4
	fRemovedChunks = fAddedChunks + 4
	fFileSize      = fRemovedChunks + 4
	fIsFull        = fFileSize + 8
	fIsClosed      = fIsFull + 1
	fMinTime       = fIsClosed + 1
	fMaxTime       = fMinTime + 8
	fMaxChunkID    = fMaxTime + 8
	pageHeaderSize = fMaxChunkID + 16
)

// IndexRecord field layout, little-endian:
//
//	is_init      u8
//	is_readonly  u8
//	id           u64
//	id_bloom     u64
//	flag_bloom   u64
//	min_time     u64
//	max_time     u64
//	first_sample 28 bytes (id, time, value, flag)
//	offset       u64
//	size         u32 (encoded byte length of the chunk body)
//	count        u32 (number of samples in the chunk)
const (
	rIsInit         = 0
	rIsReadonly     = 1
	rID             = 2
	rIDBloom        = rID + 8
	rFlagBloom      = rIDBloom + 8
	rMinTime        = rFlagBloom + 8
	rMaxTime        = rMinTime + 8
	rFirstSample    = rMaxTime + 8
	rOffset         = rFirstSample + 28
	rSize           = rOffset + 8
	rCount          = rSize + 4
	indexRecordSize = rCount + 4
)

var (
	ErrPageFull       = errors.New("page: no free slot")
	ErrCorruptPage    = errors.New("page: corrupt header or index")
	ErrSlotOutOfRange = errors.New("page: slot index out of range")
)

// Page is a single memory-mapped page file: a fixed header, an array
// of chunk_per_page index records, and a chunk body region.
type Page struct {
	mu           sync.RWMutex
	file         *os.File
	data         []byte
	path         string
	chunkPerPage uint32
	chunkSize    uint32
	readers      int32
}

// Create allocates a new, empty page file at path sized for
// chunkPerPage slots of chunkSize bytes each.
func Create(path string, chunkPerPage, chunkSize uint32) (*Page, error) {
	total := int64(pageHeaderSize) + int64(chunkPerPage)*int64(indexRecordSize) + int64(chunkPerPage)*int64(chunkSize)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(total); err != nil {
		f.Close()
		return nil, err
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(total), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	p := &Page{file: f, data: data, path: path, chunkPerPage: chunkPerPage, chunkSize: chunkSize}
	p.writeFormatHeader()
	binary.LittleEndian.PutUint32(p.data[fChunkPerPage:], chunkPerPage)
	binary.LittleEndian.PutUint32(p.data[fChunkSize:], chunkSize)
	binary.LittleEndian.PutUint64(p.data[fFileSize:], uint64(total)) //nolint:gosec
	return p, nil
}

func (p *Page) writeFormatHeader() {
	h := format.Header{Type: format.TypePage, Version: pageVersion}
	h.EncodeInto(p.data)
}

// Open mmaps an existing page file, running fsck if it was not
// cleanly closed.
func Open(path string) (*Page, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := format.DecodeAndValidate(data, format.TypePage, pageVersion); err != nil {
		syscall.Munmap(data)
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	p := &Page{
		file:         f,
		data:         data,
		path:         path,
		chunkPerPage: binary.LittleEndian.Uint32(data[fChunkPerPage:]),
		chunkSize:    binary.LittleEndian.Uint32(data[fChunkSize:]),
	}
	if data[fIsClosed] == 0 {
		p.fsck()
	}
	data[fIsClosed] = 1
	return p, nil
}

// fsck walks every initialized index record and clears any whose body
// prefix fails a basic sanity check (first sample id/time mismatch),
// per the page tier's open-time recovery contract.
func (p *Page) fsck() {
	removed := uint32(0)
	for slot := uint32(0); slot < p.chunkPerPage; slot++ {
		rec := p.indexRecord(slot)
		if rec[rIsInit] == 0 {
			continue
		}
		id := binary.LittleEndian.Uint64(rec[rID:])
		firstID := binary.LittleEndian.Uint64(rec[rFirstSample:])
		firstTime := binary.LittleEndian.Uint64(rec[rFirstSample+8:])
		minTime := binary.LittleEndian.Uint64(rec[rMinTime:])
		offset := binary.LittleEndian.Uint64(rec[rOffset:])
		size := uint64(binary.LittleEndian.Uint32(rec[rSize:]))
		limit := uint64(len(p.data) - p.bodyRegionStart())
		bodyOK := false
		if offset <= limit && size <= limit-offset {
			first, ok := p.decodeChunk(slot).Reader().Next()
			bodyOK = ok && first.Time == firstTime
		}
		if firstID != id || firstTime != minTime || !bodyOK {
			rec[rIsInit] = 0
			removed++
		}
	}
	if removed > 0 {
		cur := binary.LittleEndian.Uint32(p.data[fRemovedChunks:])
		binary.LittleEndian.PutUint32(p.data[fRemovedChunks:], cur+removed)
	}
}

func (p *Page) indexRecord(slot uint32) []byte {
	off := pageHeaderSize + int(slot)*indexRecordSize
	return p.data[off : off+indexRecordSize]
}

func (p *Page) bodyRegionStart() int {
	return pageHeaderSize + int(p.chunkPerPage)*indexRecordSize
}

// IsFull reports whether every slot is occupied.
func (p *Page) IsFull() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.data[fIsFull] != 0
}

// AppendChunk copies c's sealed body into the first free slot. Returns
// ErrPageFull if no slot is available.
func (p *Page) AppendChunk(c *chunk.Chunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := uint32(math.MaxUint32)
	for i := uint32(0); i < p.chunkPerPage; i++ {
		if p.indexRecord(i)[rIsInit] == 0 {
			slot = i
			break
		}
	}
	if slot == math.MaxUint32 {
		return ErrPageFull
	}

	body := c.Body()
	if uint32(len(body)) > p.chunkSize {
		return fmt.Errorf("page: chunk body %d bytes exceeds slot size %d", len(body), p.chunkSize)
	}
	bodyOff := p.bodyRegionStart() + int(slot)*int(p.chunkSize)
	copy(p.data[bodyOff:bodyOff+int(p.chunkSize)], body)

	h := c.Header()
	rec := p.indexRecord(slot)
	rec[rIsInit] = 1
	rec[rIsReadonly] = 1
	binary.LittleEndian.PutUint64(rec[rID:], h.SeriesID)
	binary.LittleEndian.PutUint64(rec[rIDBloom:], uint64(bloom.New().Add(h.SeriesID)))
	binary.LittleEndian.PutUint64(rec[rFlagBloom:], uint64(h.FlagBloom))
	binary.LittleEndian.PutUint64(rec[rMinTime:], h.MinTime)
	binary.LittleEndian.PutUint64(rec[rMaxTime:], h.MaxTime)
	encodeSample(rec[rFirstSample:], h.First)
	binary.LittleEndian.PutUint64(rec[rOffset:], uint64(bodyOff-p.bodyRegionStart()))
	binary.LittleEndian.PutUint32(rec[rSize:], uint32(len(body))) //nolint:gosec
	binary.LittleEndian.PutUint32(rec[rCount:], h.Count)

	added := binary.LittleEndian.Uint32(p.data[fAddedChunks:]) + 1
	binary.LittleEndian.PutUint32(p.data[fAddedChunks:], added)

	if added == 1 {
		binary.LittleEndian.PutUint64(p.data[fMinTime:], h.MinTime)
		binary.LittleEndian.PutUint64(p.data[fMaxTime:], h.MaxTime)
	} else {
		minTime := binary.LittleEndian.Uint64(p.data[fMinTime:])
		maxTime := binary.LittleEndian.Uint64(p.data[fMaxTime:])
		if h.MinTime < minTime {
			binary.LittleEndian.PutUint64(p.data[fMinTime:], h.MinTime)
		}
		if h.MaxTime > maxTime {
			binary.LittleEndian.PutUint64(p.data[fMaxTime:], h.MaxTime)
		}
	}
	copy(p.data[fMaxChunkID:], h.ID[:])

	if added >= p.chunkPerPage {
		p.data[fIsFull] = 1
	}
	return nil
}

func encodeSample(buf []byte, s sample.Sample) {
	binary.LittleEndian.PutUint64(buf[0:8], s.ID)
	binary.LittleEndian.PutUint64(buf[8:16], s.Time)
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(s.Value))
	binary.LittleEndian.PutUint32(buf[24:28], s.Flag)
}

func decodeSample(buf []byte) sample.Sample {
	return sample.Sample{
		ID:    binary.LittleEndian.Uint64(buf[0:8]),
		Time:  binary.LittleEndian.Uint64(buf[8:16]),
		Value: math.Float64frombits(binary.LittleEndian.Uint64(buf[16:24])),
		Flag:  binary.LittleEndian.Uint32(buf[24:28]),
	}
}

// Link identifies a chunk's location within a page without requiring
// it to be decoded.
type Link struct {
	Page     *Page
	Slot     uint32
	SeriesID uint64
	MinTime  uint64
	MaxTime  uint64
}

// ChunksByInterval returns links for every index record whose id_bloom
// admits one of q's ids, whose time range overlaps q, and whose
// flag_bloom passes the flag mask.
func (p *Page) ChunksByInterval(q sample.Interval) []Link {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var links []Link
	for slot := uint32(0); slot < p.chunkPerPage; slot++ {
		rec := p.indexRecord(slot)
		if rec[rIsInit] == 0 {
			continue
		}
		idBloom := bloom.Filter(binary.LittleEndian.Uint64(rec[rIDBloom:]))
		if !anyIDMatches(idBloom, q.IDs) {
			continue
		}
		minTime := binary.LittleEndian.Uint64(rec[rMinTime:])
		maxTime := binary.LittleEndian.Uint64(rec[rMaxTime:])
		if !(minTime < q.To && maxTime >= q.From) {
			continue
		}
		flagBloom := bloom.Filter(binary.LittleEndian.Uint64(rec[rFlagBloom:]))
		if q.FlagMask != 0 && !flagBloom.Contains(uint64(q.FlagMask)) {
			continue
		}
		links = append(links, Link{
			Page:     p,
			Slot:     slot,
			SeriesID: binary.LittleEndian.Uint64(rec[rID:]),
			MinTime:  minTime,
			MaxTime:  maxTime,
		})
	}
	return links
}

func anyIDMatches(idBloom bloom.Filter, ids map[uint64]struct{}) bool {
	if len(ids) == 0 {
		return true
	}
	for id := range ids {
		if idBloom.Contains(id) {
			return true
		}
	}
	return false
}

// ReadLinks decodes each link's chunk body and streams samples
// matching q to cb, stopping early if cancel returns true.
func (p *Page) ReadLinks(q sample.Interval, links []Link, cb func(sample.Sample), cancel func() bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, link := range links {
		if cancel != nil && cancel() {
			return
		}
		c := p.decodeChunk(link.Slot)
		if c == nil {
			continue
		}
		cur := c.Reader()
		for {
			s, ok := cur.Next()
			if !ok {
				break
			}
			if q.Matches(s) {
				cb(s)
			}
		}
	}
}

// ValuesBeforeTimePoint returns, for the requested ids, the sample
// with the greatest time <= timePoint that passes flagMask. Every
// chunk of a requested id whose MinTime <= timePoint is decoded and
// the latest qualifying sample across them wins.
func (p *Page) ValuesBeforeTimePoint(ids map[uint64]struct{}, flagMask uint32, timePoint uint64) map[uint64]sample.Sample {
	p.mu.RLock()
	defer p.mu.RUnlock()

	best := make(map[uint64]sample.Sample)
	for slot := uint32(0); slot < p.chunkPerPage; slot++ {
		rec := p.indexRecord(slot)
		if rec[rIsInit] == 0 {
			continue
		}
		id := binary.LittleEndian.Uint64(rec[rID:])
		if _, want := ids[id]; !want {
			continue
		}
		minTime := binary.LittleEndian.Uint64(rec[rMinTime:])
		if minTime > timePoint {
			continue
		}
		c := p.decodeChunk(slot)
		if c == nil {
			continue
		}
		cur := c.Reader()
		for {
			s, ok := cur.Next()
			if !ok {
				break
			}
			if s.Time > timePoint || !s.MatchesFlag(flagMask) {
				continue
			}
			existing, exists := best[id]
			if !exists || s.Time > existing.Time {
				best[id] = s
			}
		}
	}
	return best
}

func (p *Page) decodeChunk(slot uint32) *chunk.Chunk {
	rec := p.indexRecord(slot)
	if rec[rIsInit] == 0 {
		return nil
	}
	offset := binary.LittleEndian.Uint64(rec[rOffset:])
	size := binary.LittleEndian.Uint32(rec[rSize:])
	bodyOff := p.bodyRegionStart() + int(offset)
	body := p.data[bodyOff : bodyOff+int(size)]

	h := chunk.Header{
		SeriesID:  binary.LittleEndian.Uint64(rec[rID:]),
		First:     decodeSample(rec[rFirstSample:]),
		MinTime:   binary.LittleEndian.Uint64(rec[rMinTime:]),
		MaxTime:   binary.LittleEndian.Uint64(rec[rMaxTime:]),
		FlagBloom: bloom.Filter(binary.LittleEndian.Uint64(rec[rFlagBloom:])),
		Count:     binary.LittleEndian.Uint32(rec[rCount:]),
	}
	return chunk.Load(h, body)
}

// Close marks the page cleanly closed, then unmaps and closes the page
// file. It waits only for page methods holding the page lock; there is
// no reader count, and chunks returned earlier by Chunks read from the
// mapping, so they are no longer valid after Close.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[fIsClosed] = 1
	if err := syscall.Munmap(p.data); err != nil {
		return err
	}
	return p.file.Close()
}

func (p *Page) Path() string { return p.path }

// Overlaps reports whether any chunk in the page could fall within
// [from, to). An empty page (no chunks added) never overlaps.
func (p *Page) Overlaps(from, to uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if binary.LittleEndian.Uint32(p.data[fAddedChunks:]) == 0 {
		return false
	}
	minTime := binary.LittleEndian.Uint64(p.data[fMinTime:])
	maxTime := binary.LittleEndian.Uint64(p.data[fMaxTime:])
	return minTime < to && maxTime >= from
}

// Count returns the number of samples resident in live chunks, for
// diagnostics.
func (p *Page) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for slot := uint32(0); slot < p.chunkPerPage; slot++ {
		rec := p.indexRecord(slot)
		if rec[rIsInit] == 0 {
			continue
		}
		total += int(binary.LittleEndian.Uint32(rec[rCount:]))
	}
	return total
}

// Chunks decodes every live index record into a Chunk, for compaction.
func (p *Page) Chunks() []*chunk.Chunk {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*chunk.Chunk
	for slot := uint32(0); slot < p.chunkPerPage; slot++ {
		if c := p.decodeChunk(slot); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Remove unmaps, closes, and deletes the page file. Callers must have
// already migrated out any chunks worth keeping.
func (p *Page) Remove() error {
	if err := p.Close(); err != nil {
		return err
	}
	return os.Remove(p.path)
}
