package pagedb

// Options configures a new PagedDb, following go-ethereum's plain-struct
// ethconfig.Config convention rather than a generic config framework.
type Options struct {
	// SizeBytes is the total arena size, rounded up to whole pages.
	SizeBytes int64
	// Path, if non-empty, backs the arena with a memory-mapped file.
	Path string
	// HistoryDepth is the number of retained roots: the
	// reorg window and the reuse-quarantine period for abandoned pages.
	HistoryDepth uint32
	// CacheBudgetEntries sizes the per-batch read-then-written cache handed
	// to the Merkle layer.
	CacheBudgetEntries int
	// MerkleCacheBytes sizes the clean-node memoization cache.
	MerkleCacheBytes int
}

// DefaultOptions returns sane defaults for a small/medium deployment.
func DefaultOptions() Options {
	return Options{
		SizeBytes:          1 << 30, // 1 GiB
		HistoryDepth:       32,
		CacheBudgetEntries: 4096,
		MerkleCacheBytes:   32 << 20, // 32 MiB
	}
}
