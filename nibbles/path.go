// Package nibbles provides an immutable, allocation-free view over nibble
// sequences carved out of a 256-bit key. One byte encodes two nibbles,
// big-endian within the byte (high nibble first), matching the Ethereum
// Merkle-Patricia Trie convention.
package nibbles

import "fmt"

// KeccakNibbleLength is the number of nibbles in a full 256-bit keccak key.
const KeccakNibbleLength = 64

// Path is an immutable reference into some byte span plus an
// (offset, length) pair expressed in nibbles. It never materializes a new
// byte slice; every derived Path reuses the same backing array.
type Path struct {
	data   []byte
	offset int // in nibbles
	length int // in nibbles
}

// FromBytes builds a Path spanning every nibble of b.
func FromBytes(b []byte) Path {
	return Path{data: b, offset: 0, length: len(b) * 2}
}

// FromKeccak builds a full-length Path over a 32-byte keccak digest.
func FromKeccak(hash [32]byte) Path {
	buf := make([]byte, 32)
	copy(buf, hash[:])
	return FromBytes(buf)
}

// Empty returns the zero-length path.
func Empty() Path { return Path{} }

// Length reports the number of nibbles in the path.
func (p Path) Length() int { return p.length }

// IsEmpty reports whether the path has zero nibbles.
func (p Path) IsEmpty() bool { return p.length == 0 }

// GetAt returns the nibble at logical index i (0 <= i < Length()).
func (p Path) GetAt(i int) byte {
	if i < 0 || i >= p.length {
		panic(fmt.Sprintf("nibbles: GetAt index %d out of range [0,%d)", i, p.length))
	}
	abs := p.offset + i
	b := p.data[abs/2]
	if abs%2 == 0 {
		return b >> 4
	}
	return b & 0x0f
}

// FirstNibble returns the first nibble of the path. Panics if empty.
func (p Path) FirstNibble() byte { return p.GetAt(0) }

// SliceFrom returns the sub-path starting at logical index i, running to the
// end of the receiver.
func (p Path) SliceFrom(i int) Path {
	if i < 0 || i > p.length {
		panic(fmt.Sprintf("nibbles: SliceFrom index %d out of range [0,%d]", i, p.length))
	}
	return Path{data: p.data, offset: p.offset + i, length: p.length - i}
}

// SliceTo returns the sub-path of the first n nibbles.
func (p Path) SliceTo(n int) Path {
	if n < 0 || n > p.length {
		panic(fmt.Sprintf("nibbles: SliceTo index %d out of range [0,%d]", n, p.length))
	}
	return Path{data: p.data, offset: p.offset, length: n}
}

// Slice returns the sub-path [from, to).
func (p Path) Slice(from, to int) Path { return p.SliceFrom(from).SliceTo(to - from) }

// Equal reports whether p and o denote the same nibble sequence, regardless
// of their backing arrays or alignment.
func (p Path) Equal(o Path) bool {
	if p.length != o.length {
		return false
	}
	return p.FindFirstDifferentNibble(o) == p.length
}

// FindFirstDifferentNibble returns the index of the first nibble at which p
// and o diverge, or min(p.Length(), o.Length()) if one is a prefix of the
// other (including the case where they are fully equal).
func (p Path) FindFirstDifferentNibble(o Path) int {
	n := p.length
	if o.length < n {
		n = o.length
	}
	// Byte-aligned fast path: when both paths start on an even nibble
	// boundary we can compare whole bytes at a time.
	i := 0
	if p.offset%2 == 0 && o.offset%2 == 0 {
		pb := p.data[p.offset/2:]
		ob := o.data[o.offset/2:]
		fullBytes := n / 2
		for bi := 0; bi < fullBytes; bi++ {
			if pb[bi] != ob[bi] {
				if pb[bi]>>4 != ob[bi]>>4 {
					return i
				}
				return i + 1
			}
			i += 2
		}
	}
	for ; i < n; i++ {
		if p.GetAt(i) != o.GetAt(i) {
			return i
		}
	}
	return n
}

// CommonPrefixLength is a convenience alias for FindFirstDifferentNibble,
// read at call sites that want the longest-common-prefix length rather than
// the divergence index (they are the same value).
func (p Path) CommonPrefixLength(o Path) int { return p.FindFirstDifferentNibble(o) }

// HasPrefix reports whether prefix is a prefix of p.
func (p Path) HasPrefix(prefix Path) bool {
	if prefix.length > p.length {
		return false
	}
	return p.SliceTo(prefix.length).FindFirstDifferentNibble(prefix) == prefix.length
}

// Raw returns the raw backing bytes and the (offset, length) in nibbles,
// for callers (slotted arrays, page codecs) that need to serialize the path.
func (p Path) Raw() (data []byte, offset, length int) { return p.data, p.offset, p.length }

// AppendTo writes the path's nibbles into a freshly-allocated, packed byte
// slice (high nibble first), materializing it only at serialization time.
func (p Path) AppendTo(dst []byte) []byte {
	packedLen := (p.length + 1) / 2
	start := len(dst)
	dst = append(dst, make([]byte, packedLen)...)
	for i := 0; i < p.length; i++ {
		v := p.GetAt(i)
		bi := start + i/2
		if i%2 == 0 {
			dst[bi] = v << 4
		} else {
			dst[bi] |= v
		}
	}
	return dst
}

// Bytes materializes the path into a new, tightly-packed byte slice.
func (p Path) Bytes() []byte { return p.AppendTo(nil) }

// Decode reconstructs a Path previously serialized with AppendTo, given the
// known nibble length.
func Decode(b []byte, length int) Path {
	return Path{data: b, offset: 0, length: length}
}

// Concat materializes a new Path holding a's nibbles followed by b's,
// packed correctly regardless of either operand's nibble-alignment. Used by
// enumeration helpers that rebuild a full key from a page-walk prefix plus
// a page-local residual path; not a hot-path operation.
func Concat(a, b Path) Path {
	if a.IsEmpty() {
		return b
	}
	if b.IsEmpty() {
		return a
	}
	length := a.length + b.length
	packed := make([]byte, (length+1)/2)
	for i := 0; i < a.length; i++ {
		setNibble(packed, i, a.GetAt(i))
	}
	for i := 0; i < b.length; i++ {
		setNibble(packed, a.length+i, b.GetAt(i))
	}
	return Decode(packed, length)
}

func setNibble(buf []byte, i int, v byte) {
	bi := i / 2
	if i%2 == 0 {
		buf[bi] = (buf[bi] & 0x0f) | (v << 4)
	} else {
		buf[bi] = (buf[bi] & 0xf0) | (v & 0x0f)
	}
}
