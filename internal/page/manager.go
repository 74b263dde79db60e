package page

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"tsdbcore/internal/chunk"
	"tsdbcore/internal/logging"
	"tsdbcore/internal/sample"
)

// ManifestHooks lets the manager enroll/retire page files without a
// dependency on the manifest package.
type ManifestHooks struct {
	AddPage    func(name string) error
	RemovePage func(name string) error
}

// Manager owns every mapped page and answers queries by consulting
// their indices, opening a fresh page once the current one fills.
type Manager struct {
	mu           sync.RWMutex
	dir          string
	chunkPerPage uint32
	chunkSize    uint32
	hooks        ManifestHooks
	log          *slog.Logger
	pages        []*Page
	nextID       uint64
}

// OpenManager opens every page named in existingPages (under dir) and
// prepares to create more as needed.
func OpenManager(dir string, chunkPerPage, chunkSize uint32, hooks ManifestHooks, existingPages []string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	m := &Manager{
		dir:          dir,
		chunkPerPage: chunkPerPage,
		chunkSize:    chunkSize,
		hooks:        hooks,
		log:          logger.With("component", "page-manager"),
	}
	sort.Strings(existingPages)
	for _, name := range existingPages {
		p, err := Open(filepath.Join(dir, name))
		if err != nil {
			m.log.Warn("page: failed to open, skipping", "page", name, "err", err)
			continue
		}
		m.pages = append(m.pages, p)
	}
	m.nextID = uint64(len(m.pages))
	return m, nil
}

// AppendChunks writes each sealed chunk into a page with a free slot,
// opening a new page when the current one fills.
func (m *Manager) AppendChunks(chunks []*chunk.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range chunks {
		if err := m.appendOneLocked(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) appendOneLocked(c *chunk.Chunk) error {
	var target *Page
	if n := len(m.pages); n > 0 && !m.pages[n-1].IsFull() {
		target = m.pages[n-1]
	} else {
		name := fmt.Sprintf("%020d.page", m.nextID)
		m.nextID++
		p, err := Create(filepath.Join(m.dir, name), m.chunkPerPage, m.chunkSize)
		if err != nil {
			return err
		}
		if m.hooks.AddPage != nil {
			if err := m.hooks.AddPage(name); err != nil {
				p.Close()
				return err
			}
		}
		m.pages = append(m.pages, p)
		target = p
	}
	return target.AppendChunk(c)
}

// ChunksByInterval scans every page's index and returns matching
// links.
func (m *Manager) ChunksByInterval(q sample.Interval) []Link {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var links []Link
	for _, p := range m.pages {
		links = append(links, p.ChunksByInterval(q)...)
	}
	return links
}

// ReadLinks decodes and streams samples for a batch of links,
// respecting the page each link belongs to.
func (m *Manager) ReadLinks(q sample.Interval, links []Link, cb func(sample.Sample), cancel func() bool) {
	byPage := make(map[*Page][]Link)
	for _, l := range links {
		byPage[l.Page] = append(byPage[l.Page], l)
	}
	for p, pageLinks := range byPage {
		if cancel != nil && cancel() {
			return
		}
		p.ReadLinks(q, pageLinks, cb, cancel)
	}
}

// ValuesBeforeTimePoint merges per-page time-point lookups, keeping
// the globally latest sample at or before timePoint for each id.
func (m *Manager) ValuesBeforeTimePoint(ids map[uint64]struct{}, flagMask uint32, timePoint uint64) map[uint64]sample.Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := make(map[uint64]sample.Sample)
	for _, p := range m.pages {
		for id, s := range p.ValuesBeforeTimePoint(ids, flagMask, timePoint) {
			existing, ok := best[id]
			if !ok || s.Time > existing.Time {
				best[id] = s
			}
		}
	}
	return best
}

// MinMaxTime returns the overall time bounds for id across every
// page, consulting each page's index records directly.
func (m *Manager) MinMaxTime(id uint64) (min, max uint64, ok bool) {
	q := sample.Interval{IDs: map[uint64]struct{}{id: {}}, From: 0, To: ^uint64(0)}
	links := m.ChunksByInterval(q)
	for _, l := range links {
		if l.SeriesID != id {
			continue
		}
		if !ok || l.MinTime < min {
			min = l.MinTime
		}
		if !ok || l.MaxTime > max {
			max = l.MaxTime
		}
		ok = true
	}
	return min, max, ok
}

// CompactAll merges every page's live chunks into a freshly packed set
// of pages, reclaiming the slack left by fsck-removed chunks. A no-op
// if there is nothing to merge (0 or 1 resident page).
func (m *Manager) CompactAll() error {
	return m.compact(func(*Page) bool { return true })
}

// CompactRange merges every page overlapping [from, to) into a
// freshly packed set of pages, leaving pages outside the range alone.
func (m *Manager) CompactRange(from, to uint64) error {
	return m.compact(func(p *Page) bool { return p.Overlaps(from, to) })
}

func (m *Manager) compact(selected func(*Page) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keep, drop []*Page
	for _, p := range m.pages {
		if selected(p) {
			drop = append(drop, p)
		} else {
			keep = append(keep, p)
		}
	}
	if len(drop) <= 1 {
		return nil
	}

	// Decoding each selected page's chunks is independent, mmap-backed
	// I/O; fan it out one goroutine per page and join with errgroup,
	// the same pattern the teacher's index builder uses to parallelize
	// per-chunk indexers. The page count here is administrator-bounded
	// (CompactAll/CompactRange select a handful of pages at a time), so
	// there's no need for a concurrency limit beyond that.
	decoded := make([][]*chunk.Chunk, len(drop))
	var g errgroup.Group
	for i, p := range drop {
		g.Go(func() error {
			decoded[i] = p.Chunks()
			return nil
		})
	}
	_ = g.Wait() // Page.Chunks never errors; Wait only joins the goroutines.

	var chunks []*chunk.Chunk
	for _, cs := range decoded {
		chunks = append(chunks, cs...)
	}
	sortChunksByMaxTime(chunks)

	// Re-append into new pages only, so the kept pages are not written.
	m.pages = nil
	for _, c := range chunks {
		if err := m.appendOneLocked(c); err != nil {
			m.pages = append(keep, m.pages...)
			return err
		}
	}
	m.pages = append(keep, m.pages...)
	for _, p := range drop {
		name := filepath.Base(p.Path())
		if err := p.Remove(); err != nil {
			return err
		}
		if m.hooks.RemovePage != nil {
			if err := m.hooks.RemovePage(name); err != nil {
				return err
			}
		}
	}
	m.log.Info("pages compacted", "merged_pages", len(drop), "resulting_pages", len(m.pages)-len(keep), "chunks", len(chunks))
	return nil
}

func sortChunksByMaxTime(chunks []*chunk.Chunk) {
	for i := 1; i < len(chunks); i++ {
		for j := i; j > 0 && chunks[j-1].MaxTime() > chunks[j].MaxTime(); j-- {
			chunks[j-1], chunks[j] = chunks[j], chunks[j-1]
		}
	}
}

// SampleCount returns the total number of samples resident across
// every page, for diagnostics.
func (m *Manager) SampleCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, p := range m.pages {
		total += p.Count()
	}
	return total
}

// Close unmaps and closes every page.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, p := range m.pages {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
