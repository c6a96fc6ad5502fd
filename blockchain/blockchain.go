// Package blockchain implements the pipelined layer of in-memory blocks on
// top of PagedDb: StartNew hands out mutable overlay blocks,
// Commit seals them, Finalize marks them canonical, and a single background
// flusher drains finalized blocks oldest-first into the paged store.
package blockchain

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/NethermindEth/paprika-go/account"
	"github.com/NethermindEth/paprika-go/merkle"
	"github.com/NethermindEth/paprika-go/pagedb"
	"github.com/NethermindEth/paprika-go/pagemgr"
)

var (
	// ErrUnknownParent is returned by StartNew when the parent hash matches
	// neither a committed in-memory block nor the flushed state root.
	ErrUnknownParent = errors.New("blockchain: unknown parent hash")
	// ErrUnknownBlock is returned by Finalize for a hash no committed block
	// carries.
	ErrUnknownBlock = errors.New("blockchain: unknown block hash")
	// ErrClosed is returned once Close has begun shutting the chain down.
	ErrClosed = errors.New("blockchain: closed")
)

// FlushedEvent is emitted on the Flushed feed once a block's changes have
// durably landed in the paged store.
type FlushedEvent struct {
	BlockNumber uint32
	StateRoot   common.Hash
}

// Options configures a Blockchain.
type Options struct {
	// QueueDepth bounds the finalized-blocks queue feeding the background
	// flusher; a saturated queue applies backpressure to Finalize and,
	// transitively, to the producer.
	QueueDepth int
	// ReorgWindow is how many of the most recently finalized blocks are
	// held back from flushing, keeping them reorganizable. Must be at most
	// the store's history depth.
	ReorgWindow uint32
	// CoalesceLimit caps how many queued blocks the flusher folds into a
	// single paged batch.
	CoalesceLimit int
	// MerkleCacheBytes sizes the chain's own clean-node cache used when
	// sealing blocks; independent of the paged store's cache.
	MerkleCacheBytes int
}

// DefaultOptions returns the defaults used by the CLI and tests.
func DefaultOptions() Options {
	return Options{
		QueueDepth:       64,
		ReorgWindow:      0,
		CoalesceLimit:    8,
		MerkleCacheBytes: 16 << 20,
	}
}

// Blockchain owns the in-memory block pipeline above one PagedDb. It does
// not own the PagedDb itself; the caller closes the store after Close
// returns.
type Blockchain struct {
	db     *pagedb.PagedDb
	opts   Options
	hasher *merkle.Hasher

	feed event.Feed

	mu        sync.Mutex
	committed map[common.Hash]*Block // sealed, not yet flushed
	held      []*Block               // finalized, inside the reorg window
	closed    bool

	queue chan *Block
	quit  chan struct{}
	eg    *errgroup.Group
}

// New starts a Blockchain over db, spawning the single background flusher.
func New(db *pagedb.PagedDb, opts Options) *Blockchain {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultOptions().QueueDepth
	}
	if opts.CoalesceLimit <= 0 {
		opts.CoalesceLimit = DefaultOptions().CoalesceLimit
	}
	bc := &Blockchain{
		db:        db,
		opts:      opts,
		hasher:    merkle.NewHasher(opts.MerkleCacheBytes),
		committed: make(map[common.Hash]*Block),
		queue:     make(chan *Block, opts.QueueDepth),
		quit:      make(chan struct{}),
	}
	bc.eg = new(errgroup.Group)
	bc.eg.Go(bc.runFlusher)
	return bc
}

// StartNew returns a fresh mutable block whose parent is the committed
// in-memory block with the given state root, or the flushed store when the
// hash names the flushed root (or is zero / the empty-trie root on an empty
// store).
func (bc *Blockchain) StartNew(parent common.Hash) (*Block, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return nil, ErrClosed
	}
	if p, ok := bc.committed[parent]; ok {
		p.refs++
		return newBlock(bc, p, nil), nil
	}
	snap := bc.db.BeginReadOnlyBatch("blockchain")
	flushedRoot := snap.StateRootHash()
	empty := common.Hash(merkle.EmptyRootHash())
	if parent != (common.Hash{}) && parent != flushedRoot && !(parent == empty && flushedRoot == (common.Hash{})) {
		snap.Close()
		return nil, ErrUnknownParent
	}
	return newBlock(bc, nil, snap), nil
}

// StartReadOnly returns a read-only view of the world at the given state
// root: a committed in-memory block's overlay, or the flushed store itself
// when no pending block carries that root.
func (bc *Blockchain) StartReadOnly(parent common.Hash) (*ReadOnlyWorld, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return nil, ErrClosed
	}
	if p, ok := bc.committed[parent]; ok {
		p.refs++
		return &ReadOnlyWorld{chain: bc, block: p}, nil
	}
	snap := bc.db.BeginReadOnlyBatch("blockchain-ro")
	flushedRoot := snap.StateRootHash()
	if parent != (common.Hash{}) && parent != flushedRoot {
		snap.Close()
		return nil, ErrUnknownParent
	}
	return &ReadOnlyWorld{chain: bc, snapshot: snap}, nil
}

// register files a freshly sealed block under its state root.
func (bc *Blockchain) register(b *Block) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	bc.committed[b.hash] = b
}

// deref drops one reference to b and frees whatever the drop makes
// unreachable. Callers hold bc.mu.
func (bc *Blockchain) deref(b *Block) {
	b.refs--
	bc.maybeFree(b)
}

// maybeFree releases b's snapshot and its hold on the parent chain once b
// is both done (flushed or discarded) and unreferenced, cascading up the
// ancestor chain. Callers hold bc.mu.
func (bc *Blockchain) maybeFree(b *Block) {
	for blk := b; blk != nil && blk.refs <= 0 && (blk.flushed || blk.discarded); {
		if blk.snapshot != nil {
			blk.snapshot.Close()
			blk.snapshot = nil
		}
		parent := blk.parent
		blk.parent = nil
		if parent != nil {
			parent.refs--
		}
		blk = parent
	}
}

// Finalize marks the block with the given state root (and every unfinalized
// ancestor) canonical and releases anything older than the reorg window to
// the background flusher, oldest first. A saturated flusher queue blocks
// here, applying backpressure.
func (bc *Blockchain) Finalize(hash common.Hash) error {
	bc.mu.Lock()
	if bc.closed {
		bc.mu.Unlock()
		return ErrClosed
	}
	blk, ok := bc.committed[hash]
	if !ok {
		bc.mu.Unlock()
		return ErrUnknownBlock
	}
	// Collect the unfinalized ancestor run, oldest first.
	var run []*Block
	for b := blk; b != nil && !b.finalized; b = b.parent {
		run = append([]*Block{b}, run...)
	}
	for _, b := range run {
		b.finalized = true
	}
	bc.held = append(bc.held, run...)

	var toFlush []*Block
	for len(bc.held) > int(bc.opts.ReorgWindow) {
		toFlush = append(toFlush, bc.held[0])
		bc.held = bc.held[1:]
	}
	bc.mu.Unlock()

	// Enqueue outside the lock: a full queue must not wedge readers.
	for _, b := range toFlush {
		select {
		case bc.queue <- b:
		case <-bc.quit:
			return ErrClosed
		}
	}
	return nil
}

// SubscribeFlushed subscribes ch to FlushedEvent notifications; the
// subscription follows go-ethereum's event.Feed semantics.
func (bc *Blockchain) SubscribeFlushed(ch chan<- FlushedEvent) event.Subscription {
	return bc.feed.Subscribe(ch)
}

// runFlusher is the single background consumer: it dequeues
// finalized blocks oldest-first, coalesces a bounded run of them into one
// paged batch, and commits.
func (bc *Blockchain) runFlusher() error {
	for {
		select {
		case <-bc.quit:
			// Drain whatever was already enqueued before shutdown.
			for {
				select {
				case blk := <-bc.queue:
					if err := bc.flush([]*Block{blk}); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		case blk := <-bc.queue:
			blks := []*Block{blk}
		coalesce:
			for len(blks) < bc.opts.CoalesceLimit {
				select {
				case next := <-bc.queue:
					blks = append(blks, next)
				default:
					break coalesce
				}
			}
			if err := bc.flush(blks); err != nil {
				return err
			}
		}
	}
}

// flush applies a run of sealed blocks, oldest first, through one paged
// write batch and commits it durably.
func (bc *Blockchain) flush(blks []*Block) error {
	wb, err := bc.db.BeginBatch()
	if err != nil {
		return err
	}
	for _, blk := range blks {
		for acc := range blk.wiped {
			wb.DeleteStorageByPrefix(acc)
		}
		for keccak, acc := range blk.accounts {
			if acc == nil {
				wb.DeleteAccount(keccak)
				continue
			}
			wb.SetAccount(keccak, *acc)
		}
		for accKey, slots := range blk.storage {
			for slot, v := range slots {
				wb.SetStorage(accKey, slot, v)
			}
		}
	}
	last := blks[len(blks)-1]
	wb.SetBlockNumber(last.number)
	// Commit disposes the batch either way; a failed commit is fatal for
	// the writer, so the error propagates up and stops the flusher rather
	// than being retried.
	root, err := wb.Commit(pagemgr.FlushDataThenRoot)
	if err != nil {
		return err
	}
	if root != last.hash {
		// Both sides hash the same merged state; divergence means a bug,
		// not a recoverable condition.
		log.Error("paprika: flushed root diverges from sealed block root", "block", last.number, "sealed", last.hash, "flushed", root)
	}

	bc.mu.Lock()
	for _, blk := range blks {
		delete(bc.committed, blk.hash)
		blk.flushed = true
		bc.maybeFree(blk)
	}
	bc.mu.Unlock()

	for _, blk := range blks {
		bc.feed.Send(FlushedEvent{BlockNumber: blk.number, StateRoot: blk.hash})
	}
	log.Debug("paprika: flushed blocks", "count", len(blks), "head", last.number, "root", root)
	return nil
}

// Close stops accepting new blocks, lets the flusher drain its queue, and
// returns the flusher's terminal error, if any. The underlying PagedDb
// stays open.
func (bc *Blockchain) Close() error {
	bc.mu.Lock()
	if bc.closed {
		bc.mu.Unlock()
		return nil
	}
	bc.closed = true
	bc.mu.Unlock()
	close(bc.quit)
	return bc.eg.Wait()
}

// ReadOnlyWorld is the fall-through read view handed out by StartReadOnly:
// a committed in-memory block's overlay chain, or a bare flushed snapshot.
type ReadOnlyWorld struct {
	chain    *Blockchain
	block    *Block
	snapshot *pagedb.ReadOnlyBatch
	closed   bool
}

// GetAccount reads an account as of this world's state root.
func (w *ReadOnlyWorld) GetAccount(keccak common.Hash) (account.Account, error) {
	if w.closed {
		panic("blockchain: read-only world used after Close")
	}
	if w.block != nil {
		return w.block.GetAccount(keccak)
	}
	return w.snapshot.GetAccount(keccak)
}

// GetStorage reads one storage slot as of this world's state root.
func (w *ReadOnlyWorld) GetStorage(account_ common.Hash, slot common.Hash) ([]byte, error) {
	if w.closed {
		panic("blockchain: read-only world used after Close")
	}
	if w.block != nil {
		return w.block.GetStorage(account_, slot)
	}
	return w.snapshot.GetStorage(account_, slot)
}

// Close releases the world's snapshot or its hold on the in-memory block.
func (w *ReadOnlyWorld) Close() {
	if w.closed {
		return
	}
	w.closed = true
	if w.snapshot != nil {
		w.snapshot.Close()
		return
	}
	w.chain.mu.Lock()
	w.chain.deref(w.block)
	w.chain.mu.Unlock()
}
