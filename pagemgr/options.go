package pagemgr

// CommitOption controls how aggressively a commit persists pages to durable
// storage. The Danger* variants exist purely for tests that need
// to exercise recovery paths without paying for real I/O.
type CommitOption int

const (
	// FlushDataOnly persists data pages but defers the root-page swap's own
	// fsync; a crash between the two recovers to the previous root.
	FlushDataOnly CommitOption = iota
	// FlushDataThenRoot fsyncs data pages, then writes and fsyncs the root
	// page: the default, fully durable commit path.
	FlushDataThenRoot
	// DangerNoWrite skips persisting data pages entirely. Test-only.
	DangerNoWrite
	// DangerNoFlush writes pages but skips fsync. Test-only.
	DangerNoFlush
)

// Options configures a new PageManager.
type Options struct {
	// SizeBytes is the total arena size; it is rounded up to a whole number
	// of Size-byte pages.
	SizeBytes int64
	// HistoryDepth is the number of root-page ring slots pinned at the start
	// of the arena.
	HistoryDepth uint32
	// Path, if non-empty, backs the arena with a memory-mapped file instead
	// of an anonymous in-process buffer.
	Path string
}
