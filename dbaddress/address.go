// Package dbaddress defines the fixed-width page address used throughout the
// paged store: a 32-bit index into the PageManager's page array.
package dbaddress

import "fmt"

// PageSize is the fixed size, in bytes, of every page in the arena.
const PageSize = 4096

// DbAddress is a 32-bit page index into the PageManager's array. Page 0 is
// reserved: Null never denotes a live page, and the first history-depth
// pages host the root-page ring (see pagedb.Options.HistoryDepth).
type DbAddress uint32

// Null is the sentinel address denoting "no page".
const Null DbAddress = 0

// IsNull reports whether a is the null address.
func (a DbAddress) IsNull() bool { return a == Null }

// String renders the address for logs and error messages.
func (a DbAddress) String() string {
	if a.IsNull() {
		return "null"
	}
	return fmt.Sprintf("0x%x", uint32(a))
}

// Offset returns the byte offset of the page within the arena.
func (a DbAddress) Offset() int64 { return int64(a) * PageSize }

// FromOffset recovers the address of the page containing the given byte
// offset. It is the inverse of Offset.
func FromOffset(offset int64) DbAddress { return DbAddress(offset / PageSize) }
