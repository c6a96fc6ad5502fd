// Package slotted implements the in-page associative map used by every
// trie page kind: a vector of slot descriptors plus a bump-allocated
// payload region, keyed by short nibble paths and storing raw bytes.
package slotted

import (
	"encoding/binary"

	"github.com/NethermindEth/paprika-go/nibbles"
)

const (
	slotSize = 4 // hash16 (uint16) + payloadOffset (uint16)
	// headerSize accounts for count (uint16) + payloadCursor (uint16) at the
	// front of the buffer this array is given.
	headerSize = 4

	tombstoneMarker = 0xffff
)


// Array is a slotted map living entirely inside a caller-supplied byte
// buffer (typically a page body, minus the page header). All entries are
// stored in buf; TrySet/TryGet/Delete all operate directly on it.
type Array struct {
	buf []byte
}

// New wraps buf as a slotted array. buf must already be zeroed for a fresh
// page, or contain a previously-written array for an existing one.
func New(buf []byte) *Array { return &Array{buf: buf} }

func (a *Array) count() int { return int(binary.LittleEndian.Uint16(a.buf[0:2])) }
func (a *Array) setCount(n int) {
	binary.LittleEndian.PutUint16(a.buf[0:2], uint16(n))
}

// payloadCursor is the byte offset (from the start of buf) at which the
// payload region currently begins; it only ever decreases.
func (a *Array) payloadCursor() int {
	c := binary.LittleEndian.Uint16(a.buf[2:4])
	if c == 0 {
		return len(a.buf)
	}
	return int(c)
}
func (a *Array) setPayloadCursor(c int) {
	binary.LittleEndian.PutUint16(a.buf[2:4], uint16(c))
}

func (a *Array) slotOffset(i int) int { return headerSize + i*slotSize }

func (a *Array) slotHash(i int) uint16 {
	return binary.LittleEndian.Uint16(a.buf[a.slotOffset(i):])
}
func (a *Array) slotPayload(i int) int {
	return int(binary.LittleEndian.Uint16(a.buf[a.slotOffset(i)+2:]))
}
func (a *Array) setSlot(i int, hash uint16, payloadOffset int) {
	off := a.slotOffset(i)
	binary.LittleEndian.PutUint16(a.buf[off:], hash)
	binary.LittleEndian.PutUint16(a.buf[off+2:], uint16(payloadOffset))
}

// hashKey is a seed-free FNV-1a fold over the key's nibble length and its
// re-packed bytes. Slot hashes are persisted inside pages, so the function
// must produce identical values across process restarts; re-packing via
// key.Bytes() makes keys that differ only in backing-array alignment hash
// identically too.
func hashKey(key nibbles.Path) uint16 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	h = (h ^ uint32(key.Length())) * fnvPrime
	for _, b := range key.Bytes() {
		h = (h ^ uint32(b)) * fnvPrime
	}
	return uint16(h) ^ uint16(h>>16)
}

// payloadLayout: [keyLen:2][keyBytes...][valueLen:2][valueBytes...]
// valueLen == tombstoneMarker denotes a deleted entry; its space is
// reclaimed lazily on the next compaction (push-down or explicit Compact).
func payloadSize(keyNibbles, valueLen int) int {
	return 2 + (keyNibbles+1)/2 + 2 + valueLen
}

// TrySet inserts or updates key -> value. It returns false iff there is not
// enough remaining space for the entry; the array is left unmodified in
// that case. A key occupies at most one slot: updates rewrite the value in
// place when it fits, or append a fresh payload and repoint the existing
// slot, so a lookup can never match a stale duplicate ahead of the live
// entry.
func (a *Array) TrySet(key nibbles.Path, value []byte) bool {
	h := hashKey(key)
	need := payloadSize(key.Length(), len(value))

	if idx, ok := a.find(key, h); ok {
		off := a.slotPayload(idx)
		_, existingValLen := a.readPayloadLens(off)
		// In-place rewrite when the new value fits the old payload (the
		// common case for Merkle re-hashing of same-size node records).
		if existingValLen != tombstoneMarker && existingValLen >= len(value) {
			a.writeValueInPlace(off, value)
			return true
		}
		// Larger value, or a tombstoned slot being rewritten: append a
		// fresh payload and repoint the slot at it.
		if need > a.freeSpace() {
			return false
		}
		if existingValLen != tombstoneMarker {
			a.tombstonePayload(off)
		}
		cursor := a.payloadCursor() - need
		a.writePayload(cursor, key, value)
		a.setPayloadCursor(cursor)
		a.setSlot(idx, h, cursor)
		return true
	}

	if slotSize+need > a.freeSpace() {
		return false
	}
	cursor := a.payloadCursor() - need
	a.writePayload(cursor, key, value)
	a.setPayloadCursor(cursor)

	n := a.count()
	a.setSlot(n, h, cursor)
	a.setCount(n + 1)
	return true
}

func (a *Array) freeSpace() int {
	slotsEnd := headerSize + a.count()*slotSize
	return a.payloadCursor() - slotsEnd
}

func (a *Array) readPayloadLens(off int) (keyNibbles, valueLen int) {
	keyNibbles = int(binary.LittleEndian.Uint16(a.buf[off:]))
	keyBytes := (keyNibbles + 1) / 2
	vOff := off + 2 + keyBytes
	valueLen = int(binary.LittleEndian.Uint16(a.buf[vOff:]))
	return
}

func (a *Array) writeValueInPlace(off int, value []byte) {
	keyNibbles := int(binary.LittleEndian.Uint16(a.buf[off:]))
	keyBytes := (keyNibbles + 1) / 2
	vOff := off + 2 + keyBytes
	binary.LittleEndian.PutUint16(a.buf[vOff:], uint16(len(value)))
	copy(a.buf[vOff+2:], value)
}

func (a *Array) tombstonePayload(off int) {
	keyNibbles := int(binary.LittleEndian.Uint16(a.buf[off:]))
	keyBytes := (keyNibbles + 1) / 2
	vOff := off + 2 + keyBytes
	binary.LittleEndian.PutUint16(a.buf[vOff:], tombstoneMarker)
}

func (a *Array) writePayload(off int, key nibbles.Path, value []byte) {
	binary.LittleEndian.PutUint16(a.buf[off:], uint16(key.Length()))
	keyBytes := (key.Length() + 1) / 2
	packed := key.Bytes()
	copy(a.buf[off+2:off+2+keyBytes], packed)
	vOff := off + 2 + keyBytes
	binary.LittleEndian.PutUint16(a.buf[vOff:], uint16(len(value)))
	copy(a.buf[vOff+2:], value)
}

func (a *Array) keyAt(off int) nibbles.Path {
	keyNibbles := int(binary.LittleEndian.Uint16(a.buf[off:]))
	keyBytes := (keyNibbles + 1) / 2
	return nibbles.Decode(a.buf[off+2:off+2+keyBytes], keyNibbles)
}

func (a *Array) valueAt(off int) ([]byte, bool) {
	keyNibbles := int(binary.LittleEndian.Uint16(a.buf[off:]))
	keyBytes := (keyNibbles + 1) / 2
	vOff := off + 2 + keyBytes
	valueLen := int(binary.LittleEndian.Uint16(a.buf[vOff:]))
	if valueLen == tombstoneMarker {
		return nil, false
	}
	return a.buf[vOff+2 : vOff+2+valueLen], true
}

func (a *Array) find(key nibbles.Path, h uint16) (idx int, ok bool) {
	n := a.count()
	for i := 0; i < n; i++ {
		if a.slotHash(i) != h {
			continue
		}
		off := a.slotPayload(i)
		if a.keyAt(off).Equal(key) {
			return i, true
		}
	}
	return 0, false
}

// TryGet returns the value stored for key, if any live (non-tombstoned)
// entry exists.
func (a *Array) TryGet(key nibbles.Path) ([]byte, bool) {
	idx, ok := a.find(key, hashKey(key))
	if !ok {
		return nil, false
	}
	return a.valueAt(a.slotPayload(idx))
}

// Delete tombstones the slot for key. It returns true iff a live entry was
// found and removed.
func (a *Array) Delete(key nibbles.Path) bool {
	idx, ok := a.find(key, hashKey(key))
	if !ok {
		return false
	}
	off := a.slotPayload(idx)
	if _, live := a.valueAt(off); !live {
		return false
	}
	a.tombstonePayload(off)
	return true
}

// Entry is one live key/value pair yielded by EnumerateAll.
type Entry struct {
	Key   nibbles.Path
	Value []byte
}

// EnumerateAll yields every live (non-tombstoned) entry. Iteration order is
// unspecified but stable until the next mutation.
func (a *Array) EnumerateAll(yield func(Entry) bool) {
	n := a.count()
	for i := 0; i < n; i++ {
		off := a.slotPayload(i)
		v, ok := a.valueAt(off)
		if !ok {
			continue
		}
		if !yield(Entry{Key: a.keyAt(off), Value: v}) {
			return
		}
	}
}

// DeleteByPrefix tombstones every live entry whose key has the given
// nibble prefix, returning the count removed.
func (a *Array) DeleteByPrefix(prefix nibbles.Path) int {
	removed := 0
	n := a.count()
	for i := 0; i < n; i++ {
		off := a.slotPayload(i)
		if _, ok := a.valueAt(off); !ok {
			continue
		}
		if a.keyAt(off).HasPrefix(prefix) {
			a.tombstonePayload(off)
			removed++
		}
	}
	return removed
}

// PushDownBiggestBucket finds the top-level nibble (of the live entries'
// keys) with the largest aggregate payload size, moves every entry
// beginning with that nibble into target (sliced one nibble off the front),
// and returns the evicted nibble. It panics if the array is empty; callers
// must check Count()/IsEmpty first.
func (a *Array) PushDownBiggestBucket(target *Array) byte {
	var sizes [16]int
	n := a.count()
	for i := 0; i < n; i++ {
		off := a.slotPayload(i)
		v, ok := a.valueAt(off)
		if !ok {
			continue
		}
		k := a.keyAt(off)
		if k.IsEmpty() {
			continue
		}
		sizes[k.FirstNibble()] += payloadSize(k.Length(), len(v))
	}
	biggest := byte(0)
	best := -1
	for nib, sz := range sizes {
		if sz > best {
			best = sz
			biggest = byte(nib)
		}
	}
	if best <= 0 {
		panic("slotted: push-down on an array with no live entries")
	}
	for i := 0; i < n; i++ {
		off := a.slotPayload(i)
		v, ok := a.valueAt(off)
		if !ok {
			continue
		}
		k := a.keyAt(off)
		if k.IsEmpty() || k.FirstNibble() != biggest {
			continue
		}
		if !target.TrySet(k.SliceFrom(1), v) {
			panic("slotted: target page has insufficient space for push-down; caller must allocate a fresh page")
		}
		a.tombstonePayload(off)
	}
	a.Compact()
	return biggest
}

// Count returns the number of slots, including tombstoned ones.
func (a *Array) Count() int { return a.count() }

// IsEmpty reports whether the array holds zero live entries.
func (a *Array) IsEmpty() bool {
	empty := true
	a.EnumerateAll(func(Entry) bool {
		empty = false
		return false
	})
	return empty
}

// Reset clears the array back to empty, zeroing its header.
func (a *Array) Reset() {
	a.setCount(0)
	a.setPayloadCursor(len(a.buf))
}

// Compact rewrites the array in place, discarding tombstoned payloads and
// reclaiming their space. Apart from Reset, it is the only operation that
// shrinks the slot count.
func (a *Array) Compact() {
	type live struct {
		hash uint16
		key  nibbles.Path
		val  []byte
	}
	var entries []live
	n := a.count()
	for i := 0; i < n; i++ {
		off := a.slotPayload(i)
		v, ok := a.valueAt(off)
		if !ok {
			continue
		}
		// Copy out before Reset reuses the buffer.
		key := a.keyAt(off)
		valCopy := append([]byte(nil), v...)
		entries = append(entries, live{hash: a.slotHash(i), key: key, val: valCopy})
	}
	// keyAt returns a view into a.buf; snapshot packed bytes before Reset.
	packedKeys := make([][]byte, len(entries))
	for i, e := range entries {
		packedKeys[i] = e.key.Bytes()
	}
	a.Reset()
	for i, e := range entries {
		k := nibbles.Decode(packedKeys[i], e.key.Length())
		if !a.TrySet(k, e.val) {
			panic("slotted: compact could not fit previously-live entries; corrupt budget accounting")
		}
	}
}
