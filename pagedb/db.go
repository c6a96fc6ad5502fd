// Package pagedb implements PagedDb: the top-level store
// keeping a ring of history-depth root pages, handing out a single write
// batch and any number of read-only batches, reclaiming pages once they
// age out of the history window.
package pagedb

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/NethermindEth/paprika-go/account"
	"github.com/NethermindEth/paprika-go/cachebudget"
	"github.com/NethermindEth/paprika-go/dbaddress"
	"github.com/NethermindEth/paprika-go/merkle"
	"github.com/NethermindEth/paprika-go/nibbles"
	"github.com/NethermindEth/paprika-go/page"
	"github.com/NethermindEth/paprika-go/pagebatch"
	"github.com/NethermindEth/paprika-go/pagemgr"
)

var (
	metricCommits      = metrics.NewRegisteredMeter("paprika/pagedb/commits", nil)
	metricReclaimed    = metrics.NewRegisteredMeter("paprika/pagedb/pages_reclaimed", nil)
	metricUsedPages    = metrics.NewRegisteredGauge("paprika/pagedb/used_pages", nil)
	metricReadOnlyOpen = metrics.NewRegisteredGauge("paprika/pagedb/readonly_batches", nil)
)

// PagedDb is the single root of mutable state: one
// PageManager, a root-page ring, and the bookkeeping needed to serialize
// writers and track live read-only snapshots.
type PagedDb struct {
	mgr          *pagemgr.PageManager
	historyDepth uint32
	cacheEntries int
	hasher       *merkle.Hasher

	mu            sync.Mutex
	writerActive  bool
	newestBatchID uint32
	newestSlot    uint32

	roMu     sync.Mutex
	nextRoID uint64
	openRO   map[uint64]uint32 // readonly batch id -> its snapshot batch id

	// pendingHeads is the post-reclaim chain-head state BeginBatch computed
	// for the in-flight batch; persistAbandoned prepends the batch's own
	// newly-abandoned chain onto it, and Commit folds the result into the
	// new root.
	pendingHeads [page.AbandonedHeads]dbaddress.DbAddress
}

// Open creates or reopens a PagedDb per opts.
func Open(opts Options) (*PagedDb, error) {
	mgr, err := pagemgr.Open(pagemgr.Options{
		SizeBytes:    opts.SizeBytes,
		HistoryDepth: opts.HistoryDepth,
		Path:         opts.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("pagedb: %w", err)
	}
	db := &PagedDb{
		mgr:          mgr,
		historyDepth: opts.HistoryDepth,
		cacheEntries: opts.CacheBudgetEntries,
		hasher:       merkle.NewHasher(opts.MerkleCacheBytes),
		openRO:       make(map[uint64]uint32),
	}
	for i := uint32(0); i < opts.HistoryDepth; i++ {
		h := page.NewHeader(mgr.GetAt(dbaddress.DbAddress(i)))
		if h.Kind() == page.KindRoot && h.BatchID() >= db.newestBatchID {
			db.newestBatchID = h.BatchID()
			db.newestSlot = i
		}
	}
	log.Info("paprika: opened paged db", "historyDepth", opts.HistoryDepth, "newestBatchID", db.newestBatchID)
	return db, nil
}

func (db *PagedDb) newestRoot() page.RootPage {
	return page.NewRootPage(db.mgr.GetAt(dbaddress.DbAddress(db.newestSlot)))
}

// WriteBatch is the write-transaction facade handed out by BeginBatch: one
// BatchContext plus the account-plane/Merkle-plane/StorageTreeRoot-index
// addresses it is building toward.
type WriteBatch struct {
	db     *PagedDb
	ctx    *pagebatch.Context
	budget *cachebudget.Budget

	batchID      uint32
	blockNumber  uint32
	dataPage     dbaddress.DbAddress
	merkleRoot   dbaddress.DbAddress
	storageIndex dbaddress.DbAddress

	readers  []*ReadOnlyBatch
	disposed bool
}

// BeginBatch starts the single write transaction PagedDb allows at a
// time. The returned WriteBatch must be Commit-ed or
// Rollback-ed exactly once.
func (db *PagedDb) BeginBatch() (*WriteBatch, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.writerActive {
		return nil, ErrConcurrentWriter
	}

	newBatchID := db.newestBatchID + 1
	var dataPage, merkleRoot, storageIndex dbaddress.DbAddress
	var nextFreePage uint32 = db.historyDepth
	var heads [page.AbandonedHeads]dbaddress.DbAddress

	if db.newestBatchID > 0 {
		root := db.newestRoot()
		dataPage = root.DataPage()
		merkleRoot = root.MerkleRoot()
		storageIndex = root.StorageRootsIndex()
		nextFreePage = root.NextFreePage()
		for i := 0; i < page.AbandonedHeads; i++ {
			heads[i] = root.AbandonedHead(i)
		}
	}

	minReusable := db.minReusableBatchID(newBatchID)
	reusePool, remainingHeads := db.reclaim(heads, minReusable)
	// remainingHeads is the authoritative post-reclaim chain state: a fully
	// drained bucket must become Null here, not be re-derived later from the
	// old root's (now stale) pointer. Commit threads it into the new root.
	db.pendingHeads = remainingHeads

	ctx := pagebatch.New(db.mgr, newBatchID, nextFreePage, reusePool)
	db.writerActive = true

	metricUsedPages.Update(int64(nextFreePage))
	return &WriteBatch{
		db:           db,
		ctx:          ctx,
		budget:       cachebudget.New(db.cacheEntries),
		batchID:      newBatchID,
		dataPage:     dataPage,
		merkleRoot:   merkleRoot,
		storageIndex: storageIndex,
	}, nil
}

func (db *PagedDb) minReusableBatchID(newBatchID uint32) uint32 {
	var min uint32
	if newBatchID > db.historyDepth {
		min = newBatchID - db.historyDepth
	}
	db.roMu.Lock()
	for _, snap := range db.openRO {
		if snap < min {
			min = snap
		}
	}
	db.roMu.Unlock()
	return min
}

// reclaim walks each AbandonedPage chain head, draining every page old
// enough to be outside every live snapshot's view.
//
// Each commit prepends its freshly-abandoned pages at the head of one
// bucket's chain (see persistAbandoned/applyAbandonedHeads), so
// abandoned_at_batch_id only decreases walking from head toward the tail:
// once one node qualifies for reuse, every node behind it does too. reclaim
// collects the chain, finds that oldest reclaimable suffix, drains it, and
// severs the link so the next BeginBatch doesn't walk into freed pages.
func (db *PagedDb) reclaim(heads [page.AbandonedHeads]dbaddress.DbAddress, minReusable uint32) ([]dbaddress.DbAddress, [page.AbandonedHeads]dbaddress.DbAddress) {
	var pool []dbaddress.DbAddress
	for i, head := range heads {
		var chain []dbaddress.DbAddress
		for addr := head; !addr.IsNull(); {
			chain = append(chain, addr)
			addr = page.NewAbandonedPage(db.mgr.GetAt(addr)).Next()
		}

		cut := len(chain)
		for cut > 0 {
			ap := page.NewAbandonedPage(db.mgr.GetAt(chain[cut-1]))
			if ap.AbandonedAtBatchID() >= minReusable {
				break
			}
			cut--
		}

		for j := cut; j < len(chain); j++ {
			ap := page.NewAbandonedPage(db.mgr.GetAt(chain[j]))
			for {
				e, ok := ap.TryDequeueFree()
				if !ok {
					break
				}
				pool = append(pool, e)
			}
			pool = append(pool, chain[j])
		}

		if cut == len(chain) {
			heads[i] = head
		} else if cut == 0 {
			heads[i] = dbaddress.Null
		} else {
			heads[i] = chain[0]
			page.NewAbandonedPage(db.mgr.GetAt(chain[cut-1])).SetNext(dbaddress.Null)
		}
	}
	if n := len(pool); n > 0 {
		metricReclaimed.Mark(int64(n))
	}
	return pool, heads
}

// BatchID reports the id this batch will commit as.
func (wb *WriteBatch) BatchID() uint32 { return wb.batchID }

// SetBlockNumber records the block number the eventual root should carry.
func (wb *WriteBatch) SetBlockNumber(n uint32) { wb.blockNumber = n }

func (wb *WriteBatch) checkLive() {
	if wb.disposed {
		panic(ErrUseAfterDispose)
	}
}

// GetAccount reads the Account record for keccak, returning account.Empty
// if none exists.
func (wb *WriteBatch) GetAccount(keccak common.Hash) (account.Account, error) {
	wb.checkLive()
	key := account.ForAccount(keccak)
	if v, ok := wb.budget.Get(key); ok {
		if len(v) == 0 {
			return account.Empty, nil
		}
		return account.Unmarshal(v)
	}
	// An empty value is the delete tombstone, not a record.
	v, ok := page.Get(wb.ctx, wb.dataPage, key.Encode())
	if !ok || len(v) == 0 {
		wb.budget.Put(key, nil)
		return account.Empty, nil
	}
	wb.budget.Put(key, v)
	return account.Unmarshal(v)
}

// SetAccount writes acc under keccak.
func (wb *WriteBatch) SetAccount(keccak common.Hash, acc account.Account) {
	wb.checkLive()
	key := account.ForAccount(keccak)
	v := acc.Marshal()
	wb.dataPage = page.Set(wb.ctx, wb.dataPage, page.KindData, key.Encode(), v)
	wb.budget.Put(key, v)
}

// DeleteAccount tombstones keccak's Account record.
func (wb *WriteBatch) DeleteAccount(keccak common.Hash) {
	wb.checkLive()
	key := account.ForAccount(keccak)
	wb.dataPage = page.BucketPageDelete(wb.ctx, wb.dataPage, key.Encode())
	wb.budget.Invalidate(key)
}

// GetStorage reads one storage slot of account, returning the zero value
// if unset.
func (wb *WriteBatch) GetStorage(account_ common.Hash, slot common.Hash) ([]byte, error) {
	wb.checkLive()
	key := account.ForStorageCell(account_, slot)
	if v, ok := wb.budget.Get(key); ok {
		return v, nil
	}
	v, ok := page.Get(wb.ctx, wb.dataPage, key.Encode())
	if !ok {
		wb.budget.Put(key, nil)
		return nil, nil
	}
	wb.budget.Put(key, v)
	return v, nil
}

// SetStorage writes value under account/slot. An empty value deletes the
// slot.
func (wb *WriteBatch) SetStorage(account_ common.Hash, slot common.Hash, value []byte) {
	wb.checkLive()
	key := account.ForStorageCell(account_, slot)
	if len(value) == 0 {
		wb.dataPage = page.BucketPageDelete(wb.ctx, wb.dataPage, key.Encode())
		wb.budget.Invalidate(key)
		return
	}
	wb.dataPage = page.Set(wb.ctx, wb.dataPage, page.KindData, key.Encode(), value)
	wb.budget.Put(key, value)
}

// DeleteStorageByPrefix drops every storage slot of account_, reverting
// its storage root to the empty-trie root on the next commit.
func (wb *WriteBatch) DeleteStorageByPrefix(account_ common.Hash) {
	wb.checkLive()
	// A Key with no StoragePath encodes to just the tag nibble plus the
	// account path: exactly the common prefix of every storage-cell key
	// belonging to this account.
	prefix := account.Key{Path: nibbles.FromKeccak(account_), Type: account.TypeStorageCell}.Encode()
	wb.dataPage = page.BucketPageDeleteByPrefix(wb.ctx, wb.dataPage, prefix)
}

// Commit runs the Merkle pre-commit, persists every page this batch wrote,
// swaps the root ring slot, and returns the new state root hash.
func (wb *WriteBatch) Commit(opt pagemgr.CommitOption) (common.Hash, error) {
	wb.checkLive()
	defer wb.dispose()

	stateRoot, newDataPage, newMerkleRoot, newStorageIndex, err := merkle.CalculateStateRootHash(wb.db.hasher, wb.ctx, wb.dataPage, wb.merkleRoot, wb.storageIndex)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pagedb: merkle precommit: %w", err)
	}
	wb.dataPage = newDataPage
	wb.merkleRoot = newMerkleRoot
	wb.storageIndex = newStorageIndex

	db := wb.db
	if err := db.persistAbandoned(wb.ctx); err != nil {
		return common.Hash{}, err
	}

	if err := db.mgr.WritePages(wb.ctx.WrittenAddresses(), opt); err != nil {
		return common.Hash{}, fmt.Errorf("pagedb: writing pages: %w", err)
	}

	slot := wb.batchID % db.historyDepth
	root := page.NewRootPage(db.mgr.GetAt(dbaddress.DbAddress(slot)))
	root.Init(wb.batchID)
	root.SetBlockNumber(wb.blockNumber)
	root.SetStateRootHash(stateRoot)
	root.SetDataPage(wb.dataPage)
	root.SetMerkleRoot(wb.merkleRoot)
	root.SetStorageRootsIndex(wb.storageIndex)
	root.SetNextFreePage(wb.ctx.NextFreePage())
	db.applyAbandonedHeads(root)

	if err := db.mgr.WriteRootPage(dbaddress.DbAddress(slot), opt); err != nil {
		return common.Hash{}, fmt.Errorf("pagedb: writing root page: %w", err)
	}

	db.mu.Lock()
	db.newestBatchID = wb.batchID
	db.newestSlot = slot
	db.writerActive = false
	db.mu.Unlock()

	metricCommits.Mark(1)
	log.Info("paprika: committed batch", "batchID", wb.batchID, "block", wb.blockNumber, "root", stateRoot)
	return stateRoot, nil
}

// Rollback discards this batch without persisting anything, freeing the
// writer slot for another BeginBatch.
func (wb *WriteBatch) Rollback() {
	wb.checkLive()
	wb.dispose()
	wb.db.mu.Lock()
	wb.db.writerActive = false
	wb.db.mu.Unlock()
}

// RegisterReader ties rb's lifetime to this batch: the reader is closed
// automatically when the batch is committed or rolled back, releasing its
// reclamation protection without the caller tracking it separately.
func (wb *WriteBatch) RegisterReader(rb *ReadOnlyBatch) {
	wb.checkLive()
	wb.readers = append(wb.readers, rb)
}

func (wb *WriteBatch) dispose() {
	wb.disposed = true
	for _, rb := range wb.readers {
		rb.Close()
	}
	wb.readers = nil
}

// persistAbandoned folds ctx's newly-abandoned addresses into a fresh
// AbandonedPage chain, prepended onto whatever reclaim() left
// standing in this batch's bucket (db.pendingHeads, keyed by
// batchID % AbandonedHeads) so the chain stays connected rather than
// orphaning older, not-yet-reclaimable entries. Pages are stamped with this
// batch's id, so they only become reusable once historyDepth further
// batches have committed.
func (db *PagedDb) persistAbandoned(ctx *pagebatch.Context) error {
	addrs := ctx.Abandoned()
	if len(addrs) == 0 {
		return nil
	}
	slot := int(ctx.BatchID() % page.AbandonedHeads)

	buf, addr := ctx.GetNewPage()
	page.Init(buf, page.KindAbandoned, ctx.BatchID())
	ap := page.NewAbandonedPage(buf)
	ap.SetAbandonedAtBatchID(ctx.BatchID())
	ap.SetNext(db.pendingHeads[slot])
	head := addr

	for _, a := range addrs {
		if ap.IsFull() {
			newBuf, newAddr := ctx.GetNewPage()
			page.Init(newBuf, page.KindAbandoned, ctx.BatchID())
			newAP := page.NewAbandonedPage(newBuf)
			newAP.SetAbandonedAtBatchID(ctx.BatchID())
			newAP.SetNext(head)
			head = newAddr
			ap = newAP
		}
		ap.Enqueue(a)
	}
	db.pendingHeads[slot] = head
	return nil
}

// applyAbandonedHeads persists db.pendingHeads (the post-reclaim state
// BeginBatch computed, with this batch's own newly-abandoned chain already
// folded in by persistAbandoned) into the new root.
func (db *PagedDb) applyAbandonedHeads(root page.RootPage) {
	for i := 0; i < page.AbandonedHeads; i++ {
		root.SetAbandonedHead(i, db.pendingHeads[i])
	}
}

// ReadOnlyBatch is a stable snapshot overlaying the root that was newest at
// BeginReadOnlyBatch time.
type ReadOnlyBatch struct {
	db      *PagedDb
	roID    uint64
	batchID uint32

	dataPage  dbaddress.DbAddress
	stateRoot common.Hash
	ctx       *readOnlyCtx
	disposed  bool
}

// BeginReadOnlyBatch captures the newest root's addresses; the snapshot
// remains stable until Close, regardless of later writer activity.
func (db *PagedDb) BeginReadOnlyBatch(name string) *ReadOnlyBatch {
	db.mu.Lock()
	var dataPage dbaddress.DbAddress
	var stateRoot common.Hash
	batchID := db.newestBatchID
	if batchID > 0 {
		root := db.newestRoot()
		dataPage = root.DataPage()
		stateRoot = root.StateRootHash()
	}
	db.mu.Unlock()

	db.roMu.Lock()
	id := db.nextRoID
	db.nextRoID++
	db.openRO[id] = batchID
	db.roMu.Unlock()
	metricReadOnlyOpen.Update(int64(len(db.openRO)))

	log.Debug("paprika: opened read-only batch", "name", name, "batchID", batchID)
	return &ReadOnlyBatch{db: db, roID: id, batchID: batchID, dataPage: dataPage, stateRoot: stateRoot, ctx: &readOnlyCtx{mgr: db.mgr, batchID: batchID}}
}

// StateRootHash reports the state root of the root this snapshot observes
// (the zero hash before any batch has committed).
func (rb *ReadOnlyBatch) StateRootHash() common.Hash { return rb.stateRoot }

// BatchID reports the batch id of the root this snapshot observes.
func (rb *ReadOnlyBatch) BatchID() uint32 { return rb.batchID }

// Walk enumerates every live account-plane record as of this snapshot,
// decoding each record's Key. yield returning false stops the walk early.
func (rb *ReadOnlyBatch) Walk(yield func(k account.Key, value []byte) bool) {
	rb.checkLive()
	page.WalkBucketPage(rb.ctx, rb.dataPage, nibbles.Empty(), func(key nibbles.Path, value []byte) bool {
		if len(value) == 0 {
			// Delete tombstone, not a live record.
			return true
		}
		return yield(account.DecodeKey(key, nibbles.KeccakNibbleLength), value)
	})
}

// GetAccount reads the Account record as of this snapshot.
func (rb *ReadOnlyBatch) GetAccount(keccak common.Hash) (account.Account, error) {
	rb.checkLive()
	key := account.ForAccount(keccak)
	v, ok := page.Get(rb.ctx, rb.dataPage, key.Encode())
	if !ok || len(v) == 0 {
		return account.Empty, nil
	}
	return account.Unmarshal(v)
}

// GetStorage reads one storage slot as of this snapshot.
func (rb *ReadOnlyBatch) GetStorage(account_ common.Hash, slot common.Hash) ([]byte, error) {
	rb.checkLive()
	key := account.ForStorageCell(account_, slot)
	v, _ := page.Get(rb.ctx, rb.dataPage, key.Encode())
	return v, nil
}

func (rb *ReadOnlyBatch) checkLive() {
	if rb.disposed {
		panic(ErrUseAfterDispose)
	}
}

// Close releases the snapshot's protection against reclamation.
func (rb *ReadOnlyBatch) Close() {
	if rb.disposed {
		return
	}
	rb.disposed = true
	rb.db.roMu.Lock()
	delete(rb.db.openRO, rb.roID)
	rb.db.roMu.Unlock()
}

// readOnlyCtx implements page.Batch for read-only traversal: reads are
// delegated to the PageManager directly, and any mutating method is a
// programmer-error panic since a read-only batch must never write.
type readOnlyCtx struct {
	mgr     *pagemgr.PageManager
	batchID uint32
}

func (r *readOnlyCtx) GetAt(addr dbaddress.DbAddress) []byte { return r.mgr.GetAt(addr) }
func (r *readOnlyCtx) BatchID() uint32                       { return r.batchID }
func (r *readOnlyCtx) GetNewPage() ([]byte, dbaddress.DbAddress) {
	panic("pagedb: mutation attempted on a read-only batch")
}
func (r *readOnlyCtx) GetWritableCopy(dbaddress.DbAddress) ([]byte, dbaddress.DbAddress) {
	panic("pagedb: mutation attempted on a read-only batch")
}
func (r *readOnlyCtx) RegisterForFutureReuse(dbaddress.DbAddress) {
	panic("pagedb: mutation attempted on a read-only batch")
}

// ReorganizeBackTo finds the retained root whose state root hash matches h
// and starts a fresh batch as if it were the newest. Roots more recent than h
// become unreachable and their pages age out of the history window the
// ordinary way.
func (db *PagedDb) ReorganizeBackTo(h common.Hash) (*WriteBatch, error) {
	db.mu.Lock()
	if db.writerActive {
		db.mu.Unlock()
		return nil, ErrConcurrentWriter
	}
	var found uint32
	var foundSlot uint32
	ok := false
	for i := uint32(0); i < db.historyDepth; i++ {
		r := page.NewRootPage(db.mgr.GetAt(dbaddress.DbAddress(i)))
		if r.Header().Kind() != page.KindRoot {
			continue
		}
		if r.StateRootHash() == h && r.Header().BatchID() > found {
			found = r.Header().BatchID()
			foundSlot = i
			ok = true
		}
	}
	if !ok {
		db.mu.Unlock()
		return nil, ErrSnapshotMissing
	}
	db.newestBatchID = found
	db.newestSlot = foundSlot
	db.mu.Unlock()
	return db.BeginBatch()
}

// Stats reports coarse occupancy for diagnostics and capacity planning.
// PagesByKind counts every page reachable from the newest root, broken
// down by page kind.
type Stats struct {
	MaxPage      uint32
	UsedPages    uint32
	HistoryDepth uint32
	PagesByKind  map[page.Kind]uint32
}

// kindCounter tallies pages per kind during a page.Accept walk.
type kindCounter map[page.Kind]uint32

func (c kindCounter) VisitPage(_ dbaddress.DbAddress, kind page.Kind, _ uint8) { c[kind]++ }

// Stats snapshots the arena's current occupancy.
func (db *PagedDb) Stats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()
	used := db.historyDepth
	counts := make(kindCounter)
	if db.newestBatchID > 0 {
		used = db.newestRoot().NextFreePage()
		ctx := &readOnlyCtx{mgr: db.mgr, batchID: db.newestBatchID}
		page.Accept(ctx, dbaddress.DbAddress(db.newestSlot), counts)
	}
	return Stats{
		MaxPage:      db.mgr.MaxPage(),
		UsedPages:    used,
		HistoryDepth: db.historyDepth,
		PagesByKind:  counts,
	}
}

// Close releases the underlying arena.
func (db *PagedDb) Close() error { return db.mgr.Close() }
