package pagedb

import "errors"

// Corruption and I/O failures are meant to
// abort the writer; ConcurrentWriter and SnapshotMissing are ordinary,
// recoverable conditions the caller is expected to handle.
var (
	// ErrConcurrentWriter is returned by BeginBatch while another write
	// batch is still active; at most one may be open at a time.
	ErrConcurrentWriter = errors.New("pagedb: a write batch is already active")
	// ErrSnapshotMissing is returned by ReorganizeBackTo when the requested
	// state root hash is not among the retained history.
	ErrSnapshotMissing = errors.New("pagedb: requested root hash is outside the retained history window")
	// ErrInvalidAddress names a read of a page outside the arena. No
	// function in this module returns it: PageManager.GetAt and
	// pagebatch.Context.GetAt panic on an out-of-range address.
	ErrInvalidAddress = errors.New("pagedb: address outside the arena")
	// ErrUseAfterDispose indicates a batch was used after Rollback/Commit/
	// Close. Programmer error; callers should treat this as a bug report.
	ErrUseAfterDispose = errors.New("pagedb: batch used after being disposed")
)
