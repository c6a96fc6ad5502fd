// Package pagemgr owns the raw page arena: a fixed-size, page-addressable
// span of memory, optionally backed by a memory-mapped file, that every
// higher layer (page, pagebatch, pagedb) treats as the single source of
// truth for page bytes.
package pagemgr

import (
	"fmt"
	"os"
	"sort"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/gofrs/flock"

	"github.com/NethermindEth/paprika-go/dbaddress"
)

// writeCoalesceLimit is the largest run of consecutive pages folded into a
// single write syscall.
const writeCoalesceLimit = 64

var (
	metricPagesWritten = metrics.NewRegisteredMeter("paprika/pagemgr/pages_written", nil)
	metricFlushes      = metrics.NewRegisteredMeter("paprika/pagemgr/flushes", nil)
	metricMaxPage      = metrics.NewRegisteredGauge("paprika/pagemgr/max_page", nil)
)

// PageManager owns the backing arena and exposes page-granular access to it.
// Exactly one instance should exist per open database file; concurrent
// readers share it freely; mutation is serialized above this layer by the
// single write batch.
type PageManager struct {
	mu sync.RWMutex

	arena    []byte // the whole mapped/anonymous span
	file     *os.File
	mapping  mmap.MMap
	lock     *flock.Flock
	anon     bool
	pageSize int

	historyDepth uint32
	maxPage      uint32 // number of valid pages = len(arena)/pageSize
}

// Open creates or reopens a PageManager per opts. When opts.Path is empty
// the arena is an anonymous in-process buffer (no persistence, no locking);
// otherwise the arena is a memory-mapped, advisory-locked file.
func Open(opts Options) (*PageManager, error) {
	pageSize := dbaddress.PageSize
	pages := (opts.SizeBytes + int64(pageSize) - 1) / int64(pageSize)
	if pages < int64(opts.HistoryDepth) {
		pages = int64(opts.HistoryDepth)
	}
	size := pages * int64(pageSize)

	pm := &PageManager{
		pageSize:     pageSize,
		historyDepth: opts.HistoryDepth,
		maxPage:      uint32(pages),
	}

	if opts.Path == "" {
		pm.anon = true
		pm.arena = make([]byte, size)
		metricMaxPage.Update(int64(pm.maxPage))
		return pm, nil
	}

	lock := flock.New(opts.Path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("pagemgr: acquiring advisory lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("pagemgr: %s is already open for writing by another process", opts.Path)
	}

	f, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("pagemgr: opening %s: %w", opts.Path, err)
	}
	if info, statErr := f.Stat(); statErr == nil && info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			lock.Unlock()
			return nil, fmt.Errorf("pagemgr: growing %s to %d bytes: %w", opts.Path, size, err)
		}
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("pagemgr: mmap %s: %w", opts.Path, err)
	}

	pm.file = f
	pm.lock = lock
	pm.mapping = m
	pm.arena = m
	metricMaxPage.Update(int64(pm.maxPage))
	log.Info("paprika: opened page arena", "path", opts.Path, "pages", pm.maxPage, "historyDepth", pm.historyDepth)
	return pm, nil
}

// MaxPage reports the number of valid page slots in the arena.
func (pm *PageManager) MaxPage() uint32 {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.maxPage
}

// HistoryDepth reports the number of root-ring slots reserved at arena open.
func (pm *PageManager) HistoryDepth() uint32 { return pm.historyDepth }

// GetAt returns a direct view into the page at addr. The returned slice
// aliases the arena; callers must go through CoW (pagebatch) before
// mutating it.
func (pm *PageManager) GetAt(addr dbaddress.DbAddress) []byte {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if uint32(addr) >= pm.maxPage {
		panic(fmt.Sprintf("pagemgr: address %d out of range (max_page=%d)", addr, pm.maxPage))
	}
	off := addr.Offset()
	return pm.arena[off : off+int64(pm.pageSize)]
}

// GetAddress is the inverse of GetAt: given a slice previously returned by
// GetAt (or a sub-slice of the arena with the same backing array), it
// recovers the page's address.
func (pm *PageManager) GetAddress(buf []byte) dbaddress.DbAddress {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	base := &pm.arena[0]
	bufBase := &buf[0]
	offset := uintptrDiff(bufBase, base)
	return dbaddress.FromOffset(offset)
}

// WritePages persists the pages at addrs (deduplicated, sorted, and
// coalesced into runs of up to writeCoalesceLimit consecutive pages) to the
// backing file. It is a no-op for an anonymous arena.
func (pm *PageManager) WritePages(addrs []dbaddress.DbAddress, opt CommitOption) error {
	if opt == DangerNoWrite {
		return nil
	}
	if pm.anon || len(addrs) == 0 {
		return nil
	}
	sorted := append([]dbaddress.DbAddress(nil), addrs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	uniq := sorted[:1]
	for _, a := range sorted[1:] {
		if a != uniq[len(uniq)-1] {
			uniq = append(uniq, a)
		}
	}
	sorted = uniq

	pm.mu.RLock()
	defer pm.mu.RUnlock()

	i := 0
	for i < len(sorted) {
		j := i + 1
		for j < len(sorted) && j-i < writeCoalesceLimit && sorted[j] == sorted[j-1]+1 {
			j++
		}
		start := sorted[i].Offset()
		end := sorted[j-1].Offset() + int64(pm.pageSize)
		if _, err := pm.file.WriteAt(pm.arena[start:end], start); err != nil {
			return fmt.Errorf("pagemgr: writing pages [%d,%d): %w", sorted[i], sorted[j-1], err)
		}
		metricPagesWritten.Mark(int64(j - i))
		i = j
	}
	if opt == FlushDataThenRoot || opt == FlushDataOnly {
		return pm.Flush()
	}
	return nil
}

// WriteRootPage persists a single root-ring page, optionally fsyncing.
func (pm *PageManager) WriteRootPage(addr dbaddress.DbAddress, opt CommitOption) error {
	if opt == DangerNoWrite || pm.anon {
		return nil
	}
	pm.mu.RLock()
	off := addr.Offset()
	if uint32(addr) >= pm.maxPage {
		pm.mu.RUnlock()
		panic(fmt.Sprintf("pagemgr: root address %d out of range (max_page=%d)", addr, pm.maxPage))
	}
	_, err := pm.file.WriteAt(pm.arena[off:off+int64(pm.pageSize)], off)
	pm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("pagemgr: writing root page %d: %w", addr, err)
	}
	if opt == FlushDataThenRoot {
		return pm.ForceFlush()
	}
	return nil
}

// Flush fsyncs the backing file; a no-op for an anonymous arena.
func (pm *PageManager) Flush() error {
	if pm.anon {
		return nil
	}
	metricFlushes.Mark(1)
	return pm.file.Sync()
}

// ForceFlush is Flush with no early-outs for commit options; WriteRootPage
// calls it after writing the root page under FlushDataThenRoot.
func (pm *PageManager) ForceFlush() error { return pm.Flush() }

// Prefetch hints the OS to page in addrs; failures are silent (best-effort
// only).
func (pm *PageManager) Prefetch(addrs []dbaddress.DbAddress) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, a := range addrs {
		if uint32(a) >= pm.maxPage {
			continue
		}
		buf := pm.arena[a.Offset() : a.Offset()+int64(pm.pageSize)]
		var sink byte
		for i := 0; i < len(buf); i += 4096 {
			sink += buf[i]
		}
		_ = sink
	}
}

// Close unmaps and releases the backing file and advisory lock, if any.
func (pm *PageManager) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.anon {
		return nil
	}
	var firstErr error
	if pm.mapping != nil {
		if err := pm.mapping.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if pm.file != nil {
		if err := pm.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if pm.lock != nil {
		if err := pm.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
