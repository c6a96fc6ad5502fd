package page

import (
	"github.com/NethermindEth/paprika-go/nibbles"
)

// UShortPage is a compact, fixed-record page kind for very short residual
// keys paired with a fixed-size value. The StorageTreeRoot record (a
// contract's storage-trie root hash, keyed by the leading nibbles of the
// account path) is the motivating case. Unlike
// SlottedArray-backed pages it carries no hash table or variable-length
// payload machinery: records are packed linearly and scanned, which is
// cheap because both the keys and values involved are tiny and the page is
// expected to hold very few of them.
const (
	ushortMaxKeyNibbles = 8 // fits in 4 packed bytes
	ushortKeyBytes      = ushortMaxKeyNibbles / 2
	ushortValueBytes    = 32
	ushortRecordSize    = 1 + ushortKeyBytes + ushortValueBytes // length prefix + key + value
)

var ushortCapacity = (Size - HeaderSize - 2) / ushortRecordSize

func ushortCount(body []byte) int { return int(body[0])<<8 | int(body[1]) }

func setUshortCount(body []byte, n int) {
	body[0] = byte(n >> 8)
	body[1] = byte(n)
}

func ushortRecord(body []byte, i int) []byte {
	off := 2 + i*ushortRecordSize
	return body[off : off+ushortRecordSize]
}

// UShortPageSet stores value (must be exactly ushortValueBytes) under key
// (must be at most ushortMaxKeyNibbles nibbles), replacing any existing
// record with the same key and appending otherwise. Pages full past
// ushortCapacity panic: callers are expected to size their key space (e.g.
// by choosing a short enough residual) so this never triggers in practice.
func UShortPageSet(buf []byte, key nibbles.Path, value []byte) {
	if key.Length() > ushortMaxKeyNibbles {
		panic("page: UShortPage key exceeds max nibble length")
	}
	if len(value) != ushortValueBytes {
		panic("page: UShortPage value must be exactly 32 bytes")
	}
	body := Body(buf)
	n := ushortCount(body)
	keyBuf := key.AppendTo(make([]byte, 0, ushortKeyBytes))
	for i := 0; i < n; i++ {
		rec := ushortRecord(body, i)
		if int(rec[0]) == key.Length() && string(rec[1:1+len(keyBuf)]) == string(keyBuf) {
			copy(rec[1+ushortKeyBytes:], value)
			return
		}
	}
	if n >= ushortCapacity {
		panic("page: UShortPage is full")
	}
	rec := ushortRecord(body, n)
	rec[0] = byte(key.Length())
	copy(rec[1:1+ushortKeyBytes], keyBuf)
	copy(rec[1+ushortKeyBytes:], value)
	setUshortCount(body, n+1)
}

// UShortPageGet reads the record stored at key, if any.
func UShortPageGet(buf []byte, key nibbles.Path) ([]byte, bool) {
	if key.Length() > ushortMaxKeyNibbles {
		return nil, false
	}
	body := Body(buf)
	n := ushortCount(body)
	keyBuf := key.AppendTo(make([]byte, 0, ushortKeyBytes))
	for i := 0; i < n; i++ {
		rec := ushortRecord(body, i)
		if int(rec[0]) == key.Length() && string(rec[1:1+len(keyBuf)]) == string(keyBuf) {
			out := make([]byte, ushortValueBytes)
			copy(out, rec[1+ushortKeyBytes:])
			return out, true
		}
	}
	return nil, false
}

// UShortPageHasRoom reports whether one more record fits without
// overflowing the page.
func UShortPageHasRoom(buf []byte) bool {
	return ushortCount(Body(buf)) < ushortCapacity
}

// UShortPageReset drops every record, returning the page to empty. Callers
// that use the page as a bounded cache reset it instead of overflowing.
func UShortPageReset(buf []byte) {
	setUshortCount(Body(buf), 0)
}

// UShortPageDelete removes the record at key, moving the last record into
// the freed slot. Reports whether a record was removed.
func UShortPageDelete(buf []byte, key nibbles.Path) bool {
	if key.Length() > ushortMaxKeyNibbles {
		return false
	}
	body := Body(buf)
	n := ushortCount(body)
	keyBuf := key.AppendTo(make([]byte, 0, ushortKeyBytes))
	for i := 0; i < n; i++ {
		rec := ushortRecord(body, i)
		if int(rec[0]) == key.Length() && string(rec[1:1+len(keyBuf)]) == string(keyBuf) {
			last := ushortRecord(body, n-1)
			copy(rec, last)
			setUshortCount(body, n-1)
			return true
		}
	}
	return false
}
