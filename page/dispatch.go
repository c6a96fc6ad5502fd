package page

import (
	"github.com/NethermindEth/paprika-go/dbaddress"
	"github.com/NethermindEth/paprika-go/nibbles"
)

// Visitor observes every page reached by an Accept walk.
type Visitor interface {
	VisitPage(addr dbaddress.DbAddress, kind Kind, level uint8)
}

// Accept walks the page tree rooted at addr depth-first, reporting each
// page to v before descending into its children. It is the single place
// that knows which page kinds carry child pointers and where, so adding a
// ninth kind is one new switch arm here (plus its Get/Set arms below).
func Accept(b Batch, addr dbaddress.DbAddress, v Visitor) {
	if addr.IsNull() {
		return
	}
	buf := b.GetAt(addr)
	h := NewHeader(buf)
	v.VisitPage(addr, h.Kind(), h.Level())
	body := Body(buf)
	switch h.Kind() {
	case KindData, KindBottom:
		for nib := byte(0); nib < bucketCount; nib++ {
			Accept(b, bucketChild(body, nib), v)
		}
	case KindStateRoot:
		for i := 0; i < stateRootChildren; i++ {
			Accept(b, stateRootChild(body, i), v)
		}
	case KindFanOut:
		for nib := byte(0); nib < fanOutChildren; nib++ {
			Accept(b, fanOutChild(body, nib), v)
		}
	case KindLeaf, KindUShort:
		// No child pointers.
	case KindAbandoned:
		Accept(b, NewAbandonedPage(buf).Next(), v)
	case KindRoot:
		r := NewRootPage(buf)
		Accept(b, r.DataPage(), v)
		Accept(b, r.MerkleRoot(), v)
		Accept(b, r.StorageRootsIndex(), v)
		for i := 0; i < AbandonedHeads; i++ {
			Accept(b, r.AbandonedHead(i), v)
		}
	}
}

// Get reads a record from either plane, dispatching purely on the page's
// own Kind tag rather than requiring the caller to know which plane addr
// belongs to.
func Get(b Batch, addr dbaddress.DbAddress, key nibbles.Path) ([]byte, bool) {
	if addr.IsNull() {
		return nil, false
	}
	h := NewHeader(b.GetAt(addr))
	switch h.Kind() {
	case KindData, KindBottom:
		return BucketPageGet(b, addr, key)
	case KindStateRoot:
		return StateRootPageGet(b, addr, key)
	case KindFanOut, KindLeaf:
		return fanOutOrLeafGet(b, addr, key)
	default:
		panic("page: Get called on a page kind with no record-level reader: " + h.Kind().String())
	}
}

// Set writes a record to either plane, dispatching on the existing page's
// Kind when addr is non-null, or on wantKind when allocating the first
// page of a brand-new subtree.
func Set(b Batch, addr dbaddress.DbAddress, wantKind Kind, key nibbles.Path, value []byte) dbaddress.DbAddress {
	kind := wantKind
	if !addr.IsNull() {
		kind = NewHeader(b.GetAt(addr)).Kind()
	}
	switch kind {
	case KindData, KindBottom:
		return BucketPageSet(b, addr, key, value)
	case KindStateRoot:
		return StateRootPageSet(b, addr, key, value)
	case KindFanOut, KindLeaf:
		return fanOutSetOrCreate(b, addr, 0, key, value)
	default:
		panic("page: Set called with an unsupported page kind: " + kind.String())
	}
}
