// Package page implements the eight fixed 4 KiB page layouts that make up
// the paged store: DataPage, BottomPage, LeafPage, FanOutPage,
// StateRootPage, AbandonedPage, RootPage and UShortPage. Every kind shares
// an 8-byte header and is dispatched uniformly through Kind/Accept.
package page

import (
	"encoding/binary"

	"github.com/NethermindEth/paprika-go/dbaddress"
)

// Kind tags the page type stored in a page's header, used for dynamic
// dispatch without heap-allocated polymorphic objects.
type Kind uint8

const (
	KindData Kind = iota
	KindBottom
	KindLeaf
	KindFanOut
	KindStateRoot
	KindAbandoned
	KindRoot
	KindUShort
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindBottom:
		return "bottom"
	case KindLeaf:
		return "leaf"
	case KindFanOut:
		return "fanout"
	case KindStateRoot:
		return "stateroot"
	case KindAbandoned:
		return "abandoned"
	case KindRoot:
		return "root"
	case KindUShort:
		return "ushort"
	default:
		return "unknown"
	}
}

// HeaderSize is the fixed first-bytes layout shared by every page:
// page_type: u8, level: u8, metadata: u16, batch_id: u32.
const HeaderSize = 8

// Size is the total fixed page size; the header occupies the first
// HeaderSize bytes, the remainder (Size-HeaderSize) is payload.
const Size = dbaddress.PageSize

// Header is a thin view over a page's first 8 bytes.
type Header struct {
	buf []byte
}

// NewHeader wraps the first HeaderSize bytes of a page buffer.
func NewHeader(buf []byte) Header { return Header{buf: buf[:HeaderSize]} }

func (h Header) Kind() Kind       { return Kind(h.buf[0]) }
func (h Header) SetKind(k Kind)   { h.buf[0] = byte(k) }
func (h Header) Level() uint8     { return h.buf[1] }
func (h Header) SetLevel(l uint8) { h.buf[1] = l }
func (h Header) Metadata() uint16 { return binary.LittleEndian.Uint16(h.buf[2:4]) }
func (h Header) SetMetadata(m uint16) {
	binary.LittleEndian.PutUint16(h.buf[2:4], m)
}
func (h Header) BatchID() uint32 { return binary.LittleEndian.Uint32(h.buf[4:8]) }
func (h Header) SetBatchID(id uint32) {
	binary.LittleEndian.PutUint32(h.buf[4:8], id)
}

// Body returns the payload region following the header.
func Body(buf []byte) []byte { return buf[HeaderSize:] }

// Init stamps a freshly allocated page with its kind and owning batch id,
// zeroing the payload region.
func Init(buf []byte, kind Kind, batchID uint32) {
	for i := range buf {
		buf[i] = 0
	}
	h := NewHeader(buf)
	h.SetKind(kind)
	h.SetBatchID(batchID)
}
