package page

import (
	"encoding/binary"

	"github.com/NethermindEth/paprika-go/dbaddress"
)

// AbandonedHeads is the number of abandoned-page chain heads kept directly
// in a RootPage, one per reclamation generation bucket retained alongside
// the root.
const AbandonedHeads = 4

// RootPage is pinned into one of the first HistoryDepth page slots of the
// arena: block_number, state_root_hash, the address of the
// top-level account-plane DataPage, and up to AbandonedHeads abandoned-page
// chain heads. Its header's BatchID orders roots chronologically.
type RootPage struct {
	buf []byte
}

// NewRootPage wraps a whole page buffer as a RootPage view.
func NewRootPage(buf []byte) RootPage { return RootPage{buf: buf} }

func (r RootPage) Header() Header { return NewHeader(r.buf) }

func (r RootPage) body() []byte { return Body(r.buf) }

func (r RootPage) BlockNumber() uint32 { return binary.LittleEndian.Uint32(r.body()[0:4]) }
func (r RootPage) SetBlockNumber(n uint32) {
	binary.LittleEndian.PutUint32(r.body()[0:4], n)
}

// stateRootOffset leaves 4 bytes of padding after block_number for
// alignment.
const stateRootOffset = 8

func (r RootPage) StateRootHash() [32]byte {
	var h [32]byte
	copy(h[:], r.body()[stateRootOffset:stateRootOffset+32])
	return h
}
func (r RootPage) SetStateRootHash(h [32]byte) {
	copy(r.body()[stateRootOffset:stateRootOffset+32], h[:])
}

const dataPageOffset = stateRootOffset + 32
const merkleRootOffset = dataPageOffset + 4
const storageRootsOffset = merkleRootOffset + 4
const nextFreePageOffset = storageRootsOffset + 4
const abandonedOffset = nextFreePageOffset + 4

func (r RootPage) DataPage() dbaddress.DbAddress {
	return dbaddress.DbAddress(binary.LittleEndian.Uint32(r.body()[dataPageOffset:]))
}
func (r RootPage) SetDataPage(a dbaddress.DbAddress) {
	binary.LittleEndian.PutUint32(r.body()[dataPageOffset:], uint32(a))
}

// MerkleRoot is the address of the StateRootPage anchoring the Merkle-plane
// trie for this root.
func (r RootPage) MerkleRoot() dbaddress.DbAddress {
	return dbaddress.DbAddress(binary.LittleEndian.Uint32(r.body()[merkleRootOffset:]))
}
func (r RootPage) SetMerkleRoot(a dbaddress.DbAddress) {
	binary.LittleEndian.PutUint32(r.body()[merkleRootOffset:], uint32(a))
}

// StorageRootsIndex is the address of a dedicated UShortPage caching each
// touched contract's storage-trie root hash, keyed by the leading 8 nibbles
// of its account path.
func (r RootPage) StorageRootsIndex() dbaddress.DbAddress {
	return dbaddress.DbAddress(binary.LittleEndian.Uint32(r.body()[storageRootsOffset:]))
}
func (r RootPage) SetStorageRootsIndex(a dbaddress.DbAddress) {
	binary.LittleEndian.PutUint32(r.body()[storageRootsOffset:], uint32(a))
}

// NextFreePage is the arena high-water mark this root's batch left behind:
// the next page index get_new_page will bump to once the reuse pool is
// empty.
func (r RootPage) NextFreePage() uint32 {
	return binary.LittleEndian.Uint32(r.body()[nextFreePageOffset:])
}
func (r RootPage) SetNextFreePage(n uint32) {
	binary.LittleEndian.PutUint32(r.body()[nextFreePageOffset:], n)
}

func (r RootPage) AbandonedHead(i int) dbaddress.DbAddress {
	off := abandonedOffset + i*4
	return dbaddress.DbAddress(binary.LittleEndian.Uint32(r.body()[off:]))
}
func (r RootPage) SetAbandonedHead(i int, a dbaddress.DbAddress) {
	off := abandonedOffset + i*4
	binary.LittleEndian.PutUint32(r.body()[off:], uint32(a))
}

// CopyFrom overwrites r's whole page, header included, with src's, keeping
// r's own buffer.
func (r RootPage) CopyFrom(src RootPage) {
	copy(r.buf, src.buf)
}

// Init stamps a fresh, empty root page (used the very first time a given
// ring slot is written).
func (r RootPage) Init(batchID uint32) {
	Init(r.buf, KindRoot, batchID)
}
