package page

import (
	"encoding/binary"

	"github.com/NethermindEth/paprika-go/dbaddress"
)

// AbandonedPage holds a queue of addresses freed during some past batch,
// chained through Next when a single page's capacity is exceeded.
type AbandonedPage struct {
	buf []byte
}

func NewAbandonedPage(buf []byte) AbandonedPage { return AbandonedPage{buf: buf} }

func (p AbandonedPage) Header() Header { return NewHeader(p.buf) }
func (p AbandonedPage) body() []byte   { return Body(p.buf) }

const (
	abandonedAtOffset = 0
	nextOffset        = 4
	countOffset       = 8
	entriesOffset     = 10
)

// Capacity is the number of DbAddress entries a single AbandonedPage can
// queue before it must chain to a new one.
var Capacity = (Size - HeaderSize - entriesOffset) / 4

func (p AbandonedPage) AbandonedAtBatchID() uint32 {
	return binary.LittleEndian.Uint32(p.body()[abandonedAtOffset:])
}
func (p AbandonedPage) SetAbandonedAtBatchID(id uint32) {
	binary.LittleEndian.PutUint32(p.body()[abandonedAtOffset:], id)
}

func (p AbandonedPage) Next() dbaddress.DbAddress {
	return dbaddress.DbAddress(binary.LittleEndian.Uint32(p.body()[nextOffset:]))
}
func (p AbandonedPage) SetNext(a dbaddress.DbAddress) {
	binary.LittleEndian.PutUint32(p.body()[nextOffset:], uint32(a))
}

func (p AbandonedPage) count() int {
	return int(binary.LittleEndian.Uint16(p.body()[countOffset:]))
}
func (p AbandonedPage) setCount(n int) {
	binary.LittleEndian.PutUint16(p.body()[countOffset:], uint16(n))
}

func (p AbandonedPage) entryAt(i int) dbaddress.DbAddress {
	off := entriesOffset + i*4
	return dbaddress.DbAddress(binary.LittleEndian.Uint32(p.body()[off:]))
}
func (p AbandonedPage) setEntryAt(i int, a dbaddress.DbAddress) {
	off := entriesOffset + i*4
	binary.LittleEndian.PutUint32(p.body()[off:], uint32(a))
}

// IsFull reports whether this page's queue has reached Capacity.
func (p AbandonedPage) IsFull() bool { return p.count() >= Capacity }

// Enqueue appends addr to this page's queue. The caller must check IsFull
// first and chain to a new page (via SetNext) if so.
func (p AbandonedPage) Enqueue(addr dbaddress.DbAddress) {
	n := p.count()
	p.setEntryAt(n, addr)
	p.setCount(n + 1)
}

// TryDequeueFree removes and returns the lowest-DbAddress entry in this
// page's queue. Ties among equally-aged pages break by lowest address, so
// within a single page the smallest is always handed out first; that keeps
// allocation deterministic and reproducible across runs.
func (p AbandonedPage) TryDequeueFree() (dbaddress.DbAddress, bool) {
	n := p.count()
	if n == 0 {
		return dbaddress.Null, false
	}
	bestIdx := 0
	best := p.entryAt(0)
	for i := 1; i < n; i++ {
		if p.entryAt(i) < best {
			best = p.entryAt(i)
			bestIdx = i
		}
	}
	last := p.entryAt(n - 1)
	p.setEntryAt(bestIdx, last)
	p.setCount(n - 1)
	return best, true
}

// Entries returns every queued address, for diagnostics/stats only.
func (p AbandonedPage) Entries() []dbaddress.DbAddress {
	n := p.count()
	out := make([]dbaddress.DbAddress, n)
	for i := 0; i < n; i++ {
		out[i] = p.entryAt(i)
	}
	return out
}
