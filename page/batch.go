package page

import "github.com/NethermindEth/paprika-go/dbaddress"

// Batch is the minimal surface a page implementation needs from the write
// transaction that owns it: allocate, copy-on-write, and retire addresses.
// pagebatch.Context satisfies this interface; it lives here (rather than
// page depending on pagebatch) to avoid an import cycle, since pagebatch
// itself needs to know about page Kinds and headers.
type Batch interface {
	// GetAt returns the raw buffer for addr, without any CoW check.
	GetAt(addr dbaddress.DbAddress) []byte
	// BatchID is the id stamped into every page mutated by this batch.
	BatchID() uint32
	// GetNewPage allocates a fresh page (from the reuse pool or by bumping
	// the arena's high-water mark) and returns it along with its address.
	GetNewPage() (buf []byte, addr dbaddress.DbAddress)
	// GetWritableCopy returns a page at addr that is safe to mutate: if the
	// page already belongs to this batch it is returned as-is, otherwise a
	// fresh copy is allocated, the original is registered for future
	// reuse, and the new address is returned.
	GetWritableCopy(addr dbaddress.DbAddress) (buf []byte, newAddr dbaddress.DbAddress)
	// RegisterForFutureReuse enqueues addr onto this batch's abandoned list.
	RegisterForFutureReuse(addr dbaddress.DbAddress)
}

// EnsureWritable returns a page buffer at addr that this batch may mutate,
// performing CoW via b.GetWritableCopy when necessary, and reports the
// (possibly new) address the caller must persist in its own parent pointer.
func EnsureWritable(b Batch, addr dbaddress.DbAddress) ([]byte, dbaddress.DbAddress) {
	if addr.IsNull() {
		buf, newAddr := b.GetNewPage()
		return buf, newAddr
	}
	buf := b.GetAt(addr)
	if NewHeader(buf).BatchID() == b.BatchID() {
		return buf, addr
	}
	return b.GetWritableCopy(addr)
}
