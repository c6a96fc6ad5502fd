// Package pagebatch implements BatchContext, the single-writer transaction
// facade that every page-level mutation goes through for CoW and
// allocation bookkeeping.
package pagebatch

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/NethermindEth/paprika-go/dbaddress"
	"github.com/NethermindEth/paprika-go/page"
)

// Manager is the subset of pagemgr.PageManager a Context needs; kept as a
// small interface so tests can fake the arena without a real PageManager.
type Manager interface {
	GetAt(addr dbaddress.DbAddress) []byte
	MaxPage() uint32
}

// Context is a single in-flight write batch. It satisfies page.Batch, so
// every page-kind operation in the page package can take a *Context
// directly as its Batch argument.
type Context struct {
	mgr     Manager
	batchID uint32

	nextFreePage uint32
	written      map[dbaddress.DbAddress]struct{}

	// reusePool holds addresses dequeued from AbandonedPage chains older
	// than history_depth, available for immediate reuse within this batch.
	reusePool []dbaddress.DbAddress

	// abandoned collects addresses registered for future reuse by this
	// batch; PagedDb.Commit drains this into the AbandonedPage chain.
	abandoned []dbaddress.DbAddress
}

// New constructs a Context for batchID, seeded with any pages already
// reclaimable from the abandoned-page pool (reusePool).
func New(mgr Manager, batchID uint32, nextFreePage uint32, reusePool []dbaddress.DbAddress) *Context {
	return &Context{
		mgr:          mgr,
		batchID:      batchID,
		nextFreePage: nextFreePage,
		written:      make(map[dbaddress.DbAddress]struct{}),
		reusePool:    append([]dbaddress.DbAddress(nil), reusePool...),
	}
}

// BatchID implements page.Batch.
func (c *Context) BatchID() uint32 { return c.batchID }

// GetAt implements page.Batch: delegates to the underlying PageManager.
func (c *Context) GetAt(addr dbaddress.DbAddress) []byte {
	if uint32(addr) >= c.mgr.MaxPage() {
		panic("pagebatch: address out of range")
	}
	return c.mgr.GetAt(addr)
}

// WasWritten reports whether this batch has already produced a writable
// version of addr.
func (c *Context) WasWritten(addr dbaddress.DbAddress) bool {
	_, ok := c.written[addr]
	return ok
}

// GetNewPage allocates a fresh, zeroed page: from the reuse pool first,
// else by bumping the arena's high-water mark.
func (c *Context) GetNewPage() ([]byte, dbaddress.DbAddress) {
	var addr dbaddress.DbAddress
	if n := len(c.reusePool); n > 0 {
		addr = c.reusePool[n-1]
		c.reusePool = c.reusePool[:n-1]
	} else {
		if c.nextFreePage >= c.mgr.MaxPage() {
			panic("pagebatch: out of space: arena exhausted")
		}
		addr = dbaddress.DbAddress(c.nextFreePage)
		c.nextFreePage++
	}
	buf := c.mgr.GetAt(addr)
	page.Init(buf, page.KindData, c.batchID)
	c.written[addr] = struct{}{}
	return buf, addr
}

// GetWritableCopy implements page.Batch: a page already stamped with this
// batch's id is returned as-is; a foreign-batch page is copied into a
// freshly allocated one stamped with this batch's id, and the original is
// registered for future reuse.
func (c *Context) GetWritableCopy(addr dbaddress.DbAddress) ([]byte, dbaddress.DbAddress) {
	src := c.mgr.GetAt(addr)
	if page.NewHeader(src).BatchID() == c.batchID {
		return src, addr
	}
	newBuf, newAddr := c.GetNewPage()
	copy(newBuf, src)
	page.NewHeader(newBuf).SetBatchID(c.batchID)
	c.RegisterForFutureReuse(addr)
	return newBuf, newAddr
}

// RegisterForFutureReuse implements page.Batch. A page belonging to the
// current batch is never enqueued onto its own abandoned list.
func (c *Context) RegisterForFutureReuse(addr dbaddress.DbAddress) {
	if page.NewHeader(c.mgr.GetAt(addr)).BatchID() == c.batchID {
		log.Warn("paprika: ignoring attempt to abandon a page from the current batch", "addr", addr)
		return
	}
	c.abandoned = append(c.abandoned, addr)
}

// EnsureWritableExists ensures the page at *addr is writable by this batch,
// allocating a fresh page if *addr is Null and performing CoW otherwise,
// updating *addr in place.
func (c *Context) EnsureWritableExists(addr *dbaddress.DbAddress) []byte {
	buf, newAddr := page.EnsureWritable(c, *addr)
	*addr = newAddr
	c.written[newAddr] = struct{}{}
	return buf
}

// Abandoned returns every address this batch has registered for future
// reuse, for PagedDb.Commit to fold into the AbandonedPage chain.
func (c *Context) Abandoned() []dbaddress.DbAddress { return c.abandoned }

// NextFreePage returns the current high-water mark, for PagedDb.Commit to
// persist into the next root.
func (c *Context) NextFreePage() uint32 { return c.nextFreePage }

// WrittenAddresses returns every address this batch produced a writable
// version of, for PagedDb.Commit to pass to PageManager.WritePages.
func (c *Context) WrittenAddresses() []dbaddress.DbAddress {
	out := make([]dbaddress.DbAddress, 0, len(c.written))
	for a := range c.written {
		out = append(out, a)
	}
	return out
}
