package page

import (
	"encoding/binary"

	"github.com/NethermindEth/paprika-go/dbaddress"
	"github.com/NethermindEth/paprika-go/nibbles"
	"github.com/NethermindEth/paprika-go/slotted"
)

// bottomThreshold is the nibble depth at which a DataPage's push-down
// materializes a BottomPage child instead of another DataPage: once 4
// levels of 16-way fan-out have been consumed (up to 65536 distinct
// buckets), the remaining key space for any one bucket is sparse enough
// that a flat slotted page is the better fit. BottomPage children always
// stay BottomPage.
const bottomThreshold = 4

const bucketCount = 16
const bucketsSize = bucketCount * 4 // DbAddress is 4 bytes

// bucketBuckets returns the 16 child-bucket slots of a DataPage/BottomPage
// body (the part of the buffer after the shared header).
func bucketBuckets(body []byte) []byte { return body[:bucketsSize] }

func bucketChild(body []byte, nib byte) dbaddress.DbAddress {
	b := bucketBuckets(body)
	return dbaddress.DbAddress(binary.LittleEndian.Uint32(b[int(nib)*4:]))
}

func setBucketChild(body []byte, nib byte, addr dbaddress.DbAddress) {
	b := bucketBuckets(body)
	binary.LittleEndian.PutUint32(b[int(nib)*4:], uint32(addr))
}

func bucketArray(body []byte) *slotted.Array { return slotted.New(body[bucketsSize:]) }

// childKindFor decides what kind a push-down-created child page should be,
// given the parent's own kind and level.
func childKindFor(parentKind Kind, parentLevel uint8) Kind {
	if parentKind == KindBottom {
		return KindBottom
	}
	if parentLevel+1 >= bottomThreshold {
		return KindBottom
	}
	return KindData
}

// BucketPageSet implements the shared DataPage/BottomPage write
// algorithm: descend into an already-materialized child bucket, else
// try the in-page map, else push the biggest bucket down into a new child
// page and retry.
func BucketPageSet(b Batch, addr dbaddress.DbAddress, key nibbles.Path, value []byte) dbaddress.DbAddress {
	buf, addr := EnsureWritable(b, addr)
	h := NewHeader(buf)
	body := Body(buf)

	for {
		if key.IsEmpty() {
			// Empty residual keys only arise for the special "account
			// itself" record; store it in this page's map under the
			// empty path.
			if bucketArray(body).TrySet(key, value) {
				return addr
			}
			panic("page: bucket page has no room even after eviction for empty-key record")
		}
		nib := key.FirstNibble()
		if child := bucketChild(body, nib); !child.IsNull() {
			newChild := BucketPageSet(b, child, key.SliceFrom(1), value)
			if newChild != child {
				setBucketChild(body, nib, newChild)
			}
			return addr
		}
		if bucketArray(body).TrySet(key, value) {
			return addr
		}
		// Overflow: push the biggest bucket down into a brand-new child.
		childBuf, childAddr := b.GetNewPage()
		Init(childBuf, childKindFor(h.Kind(), h.Level()), b.BatchID())
		NewHeader(childBuf).SetLevel(h.Level() + 1)
		evicted := bucketArray(body).PushDownBiggestBucket(bucketArray(Body(childBuf)))
		setBucketChild(body, evicted, childAddr)
		// Loop and retry; either we now fit directly, or we descend into
		// the child we just created.
	}
}

// BucketPageGet implements the shared DataPage/BottomPage read algorithm.
func BucketPageGet(b Batch, addr dbaddress.DbAddress, key nibbles.Path) ([]byte, bool) {
	if addr.IsNull() {
		return nil, false
	}
	body := Body(b.GetAt(addr))
	if key.IsEmpty() {
		return bucketArray(body).TryGet(key)
	}
	nib := key.FirstNibble()
	if child := bucketChild(body, nib); !child.IsNull() {
		return BucketPageGet(b, child, key.SliceFrom(1))
	}
	return bucketArray(body).TryGet(key)
}

// BucketPageDelete tombstones key's value (an empty value acts as delete
// acts as delete), returning the (possibly new, post-CoW) address.
func BucketPageDelete(b Batch, addr dbaddress.DbAddress, key nibbles.Path) dbaddress.DbAddress {
	return BucketPageSet(b, addr, key, nil)
}

// WalkBucketPage enumerates every live entry in the DataPage/BottomPage
// subtree rooted at addr, reconstructing each entry's full key by
// prepending prefix to the residual path stored in-page. yield returning
// false stops the walk early.
func WalkBucketPage(b Batch, addr dbaddress.DbAddress, prefix nibbles.Path, yield func(key nibbles.Path, value []byte) bool) bool {
	if addr.IsNull() {
		return true
	}
	body := Body(b.GetAt(addr))
	cont := true
	bucketArray(body).EnumerateAll(func(e slotted.Entry) bool {
		full := nibbles.Concat(prefix, e.Key)
		cont = yield(full, e.Value)
		return cont
	})
	if !cont {
		return false
	}
	for nib := byte(0); nib < bucketCount; nib++ {
		if child := bucketChild(body, nib); !child.IsNull() {
			childPrefix := nibbles.Concat(prefix, nibbleOf(nib))
			if !WalkBucketPage(b, child, childPrefix, yield) {
				return false
			}
		}
	}
	return true
}

// nibbleOf builds a length-1 Path over a single nibble value, for
// reconstructing a full key one bucket-descent at a time during enumeration.
func nibbleOf(nib byte) nibbles.Path {
	return nibbles.Decode([]byte{nib << 4}, 1)
}

// BucketPageDeleteByPrefix walks both the in-page map and every child whose
// address falls under prefix, tombstoning matching entries.
func BucketPageDeleteByPrefix(b Batch, addr dbaddress.DbAddress, prefix nibbles.Path) dbaddress.DbAddress {
	if addr.IsNull() {
		return addr
	}
	buf, addr := EnsureWritable(b, addr)
	body := Body(buf)
	if prefix.IsEmpty() {
		bucketArray(body).Reset()
		for nib := byte(0); nib < bucketCount; nib++ {
			setBucketChild(body, nib, dbaddress.Null)
		}
		return addr
	}
	bucketArray(body).DeleteByPrefix(prefix)
	nib := prefix.FirstNibble()
	if child := bucketChild(body, nib); !child.IsNull() {
		newChild := BucketPageDeleteByPrefix(b, child, prefix.SliceFrom(1))
		if newChild != child {
			setBucketChild(body, nib, newChild)
		}
	}
	return addr
}
