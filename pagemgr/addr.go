package pagemgr

import "unsafe"

// uintptrDiff returns the byte offset of elem within a buffer that starts at
// base, both taken as pointers to the first byte of a slice backed by the
// same underlying array. Used by GetAddress to recover a DbAddress from a
// slice previously handed out by GetAt.
func uintptrDiff(elem, base *byte) int64 {
	return int64(uintptr(unsafe.Pointer(elem)) - uintptr(unsafe.Pointer(base)))
}
