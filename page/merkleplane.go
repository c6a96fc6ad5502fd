package page

import (
	"encoding/binary"

	"github.com/NethermindEth/paprika-go/dbaddress"
	"github.com/NethermindEth/paprika-go/nibbles"
	"github.com/NethermindEth/paprika-go/slotted"
)

// The Merkle-plane pages (StateRootPage, FanOutPage, LeafPage) hold trie
// nodes addressed by NibblePath rather than raw account keys.
// maxFanDepth bounds how many FanOutPage levels are stacked before the
// remaining subtree is held flat in a LeafPage.
const maxFanDepth = 6

// --- StateRootPage: fans 256-ways on the first two nibbles -----------------

const stateRootChildren = 256
const stateRootBucketsSize = stateRootChildren * 4

func stateRootIndex(key nibbles.Path) int { return int(key.GetAt(0))*16 + int(key.GetAt(1)) }

func stateRootChild(body []byte, idx int) dbaddress.DbAddress {
	return dbaddress.DbAddress(binary.LittleEndian.Uint32(body[idx*4:]))
}
func setStateRootChild(body []byte, idx int, addr dbaddress.DbAddress) {
	binary.LittleEndian.PutUint32(body[idx*4:], uint32(addr))
}

// StateRootPageSet writes a Merkle node record at key (expected length >= 2
// nibbles), lazily materializing the FanOutPage for its (nibble0, nibble1)
// bucket.
func StateRootPageSet(b Batch, addr dbaddress.DbAddress, key nibbles.Path, value []byte) dbaddress.DbAddress {
	fresh := addr.IsNull()
	buf, addr := EnsureWritable(b, addr)
	if fresh {
		// GetNewPage stamps KindData; re-tag the first page of a brand-new
		// Merkle plane.
		Init(buf, KindStateRoot, b.BatchID())
	}
	body := Body(buf)
	if key.Length() < 2 {
		panic("page: StateRootPage keys must be at least 2 nibbles")
	}
	idx := stateRootIndex(key)
	child := stateRootChild(body, idx)
	newChild := fanOutSetOrCreate(b, child, 0, key.SliceFrom(2), value)
	if newChild != child {
		setStateRootChild(body, idx, newChild)
	}
	return addr
}

// StateRootPageGet reads a Merkle node record.
func StateRootPageGet(b Batch, addr dbaddress.DbAddress, key nibbles.Path) ([]byte, bool) {
	if addr.IsNull() || key.Length() < 2 {
		return nil, false
	}
	body := Body(b.GetAt(addr))
	child := stateRootChild(body, stateRootIndex(key))
	return fanOutOrLeafGet(b, child, key.SliceFrom(2))
}

// --- FanOutPage: 16-way fan-out with a write-through cache ----------------

const fanOutChildren = 16
const fanOutBucketsSize = fanOutChildren * 4

// fanOutCacheBudget is the byte size of the write-through cache: everything
// in the page after the header and the bucket array.
const fanOutCacheBudget = Size - HeaderSize - fanOutBucketsSize

func fanOutBuckets(body []byte) []byte { return body[:fanOutBucketsSize] }

func fanOutCacheBuf(body []byte) []byte { return body[fanOutBucketsSize:] }

func fanOutCache(body []byte) *slotted.Array { return slotted.New(fanOutCacheBuf(body)) }

func fanOutChild(body []byte, nib byte) dbaddress.DbAddress {
	return dbaddress.DbAddress(binary.LittleEndian.Uint32(fanOutBuckets(body)[int(nib)*4:]))
}
func setFanOutChild(body []byte, nib byte, addr dbaddress.DbAddress) {
	binary.LittleEndian.PutUint32(fanOutBuckets(body)[int(nib)*4:], uint32(addr))
}

// fanOutSetOrCreate writes key/value under the fan-out subtree rooted at
// addr (which may be Null, in which case a fresh FanOutPage or LeafPage is
// created depending on depth), returning the (possibly new) address.
func fanOutSetOrCreate(b Batch, addr dbaddress.DbAddress, depth int, key nibbles.Path, value []byte) dbaddress.DbAddress {
	if addr.IsNull() {
		buf, newAddr := b.GetNewPage()
		kind := KindFanOut
		if depth >= maxFanDepth {
			kind = KindLeaf
		}
		Init(buf, kind, b.BatchID())
		NewHeader(buf).SetLevel(uint8(depth))
		addr = newAddr
	}
	h := NewHeader(b.GetAt(addr))
	if h.Kind() == KindLeaf {
		return leafSet(b, addr, key, value)
	}
	return fanOutSet(b, addr, depth, key, value)
}

func fanOutSet(b Batch, addr dbaddress.DbAddress, depth int, key nibbles.Path, value []byte) dbaddress.DbAddress {
	buf, addr := EnsureWritable(b, addr)
	body := Body(buf)
	cache := fanOutCache(body)
	if key.IsEmpty() {
		// A record for this page's own prefix has no nibble to fan out on;
		// it always lives in the cache.
		if !cache.TrySet(key, value) {
			tryFlushDownToExisting(b, body, depth)
			if !cache.TrySet(key, value) {
				flushDownToTheBiggestNewChild(b, body, depth)
				if !cache.TrySet(key, value) {
					panic("page: fanout cache still overflowing after eviction")
				}
			}
		}
		return addr
	}
	nib := key.FirstNibble()
	if child := fanOutChild(body, nib); !child.IsNull() {
		newChild := fanOutSetOrCreate(b, child, depth+1, key.SliceFrom(1), value)
		if newChild != child {
			setFanOutChild(body, nib, newChild)
		}
		return addr
	}
	if cache.TrySet(key, value) {
		return addr
	}
	tryFlushDownToExisting(b, body, depth)
	if cache.TrySet(key, value) {
		return addr
	}
	flushDownToTheBiggestNewChild(b, body, depth)
	// The evicted nibble may or may not be ours; re-check rather than
	// assume it was.
	if child := fanOutChild(body, nib); !child.IsNull() {
		newChild := fanOutSetOrCreate(b, child, depth+1, key.SliceFrom(1), value)
		if newChild != child {
			setFanOutChild(body, nib, newChild)
		}
		return addr
	}
	if !cache.TrySet(key, value) {
		panic("page: fanout cache still overflowing after eviction")
	}
	return addr
}

// tryFlushDownToExisting pushes cached entries whose leading nibble already
// has a materialized child into that child, shrinking the cache without
// allocating a new page.
func tryFlushDownToExisting(b Batch, body []byte, depth int) {
	cache := fanOutCache(body)
	type pending struct {
		key nibbles.Path
		val []byte
	}
	var moved []pending
	cache.EnumerateAll(func(e slotted.Entry) bool {
		if e.Key.IsEmpty() {
			return true
		}
		if child := fanOutChild(body, e.Key.FirstNibble()); !child.IsNull() {
			moved = append(moved, pending{key: e.Key, val: append([]byte(nil), e.Value...)})
		}
		return true
	})
	for _, m := range moved {
		nib := m.key.FirstNibble()
		child := fanOutChild(body, nib)
		newChild := fanOutSetOrCreate(b, child, depth+1, m.key.SliceFrom(1), m.val)
		if newChild != child {
			setFanOutChild(body, nib, newChild)
		}
		cache.Delete(m.key)
	}
	if len(moved) > 0 {
		cache.Compact()
	}
}

// flushDownToTheBiggestNewChild materializes the most-frequent not-yet-
// materialized nibble in the cache as a brand-new child page.
func flushDownToTheBiggestNewChild(b Batch, body []byte, depth int) {
	cache := fanOutCache(body)
	var sizes [fanOutChildren]int
	cache.EnumerateAll(func(e slotted.Entry) bool {
		if e.Key.IsEmpty() {
			return true
		}
		nib := e.Key.FirstNibble()
		if !fanOutChild(body, nib).IsNull() {
			return true // already has a child; handled by tryFlushDownToExisting
		}
		sizes[nib] += len(e.Value) + e.Key.Length()
		return true
	})
	best := byte(0)
	bestSz := -1
	for nib, sz := range sizes {
		if sz > bestSz {
			bestSz = sz
			best = byte(nib)
		}
	}
	if bestSz <= 0 {
		panic("page: fanout cache overflow with no evictable nibble")
	}
	buf, newAddr := b.GetNewPage()
	kind := KindFanOut
	if depth+1 >= maxFanDepth {
		kind = KindLeaf
	}
	Init(buf, kind, b.BatchID())
	NewHeader(buf).SetLevel(uint8(depth + 1))
	setFanOutChild(body, best, newAddr)

	// Route the evicted entries through the ordinary setter so a bucket
	// too big for one child page keeps cascading down instead of being
	// silently truncated.
	type pending struct {
		key nibbles.Path
		val []byte
	}
	var moved []pending
	cache.EnumerateAll(func(e slotted.Entry) bool {
		if e.Key.IsEmpty() || e.Key.FirstNibble() != best {
			return true
		}
		moved = append(moved, pending{key: e.Key, val: append([]byte(nil), e.Value...)})
		return true
	})
	for _, m := range moved {
		child := fanOutChild(body, best)
		newChild := fanOutSetOrCreate(b, child, depth+1, m.key.SliceFrom(1), m.val)
		if newChild != child {
			setFanOutChild(body, best, newChild)
		}
		cache.Delete(m.key)
	}
	cache.Compact()
}

func fanOutOrLeafGet(b Batch, addr dbaddress.DbAddress, key nibbles.Path) ([]byte, bool) {
	if addr.IsNull() {
		return nil, false
	}
	h := NewHeader(b.GetAt(addr))
	if h.Kind() == KindLeaf {
		return leafGet(b, addr, key)
	}
	return fanOutGet(b, addr, key)
}

func fanOutGet(b Batch, addr dbaddress.DbAddress, key nibbles.Path) ([]byte, bool) {
	body := Body(b.GetAt(addr))
	if key.IsEmpty() {
		return fanOutCache(body).TryGet(key)
	}
	nib := key.FirstNibble()
	if child := fanOutChild(body, nib); !child.IsNull() {
		return fanOutOrLeafGet(b, child, key.SliceFrom(1))
	}
	return fanOutCache(body).TryGet(key)
}

// --- LeafPage: a flat SlottedArray over the remaining subtree -------------

func leafArray(buf []byte) *slotted.Array { return slotted.New(Body(buf)) }

func leafSet(b Batch, addr dbaddress.DbAddress, key nibbles.Path, value []byte) dbaddress.DbAddress {
	buf, addr := EnsureWritable(b, addr)
	if !leafArray(buf).TrySet(key, value) {
		panic("page: LeafPage overflow is not handled at maxFanDepth; widen maxFanDepth or compact")
	}
	return addr
}

func leafGet(b Batch, addr dbaddress.DbAddress, key nibbles.Path) ([]byte, bool) {
	return leafArray(b.GetAt(addr)).TryGet(key)
}
