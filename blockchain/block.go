package blockchain

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/NethermindEth/paprika-go/account"
	"github.com/NethermindEth/paprika-go/merkle"
	"github.com/NethermindEth/paprika-go/nibbles"
	"github.com/NethermindEth/paprika-go/pagedb"
)

// Block is an in-memory mutable world overlay on top of its parent's
// state: either another committed Block still in memory, or a stable
// read-only snapshot of the flushed paged store. Writes accumulate in
// per-block maps; Commit seals the block and computes its state root;
// Blockchain.Finalize hands it to the background flusher.
//
// A Block is single-writer: its setters must not be called concurrently,
// and must not be called at all once Commit has sealed it.
type Block struct {
	chain    *Blockchain
	parent   *Block                // nil when the parent is the flushed state
	snapshot *pagedb.ReadOnlyBatch // non-nil iff parent is nil

	number uint32
	hash   common.Hash

	accounts map[common.Hash]*account.Account // nil entry = deleted
	storage  map[common.Hash]map[common.Hash][]byte
	wiped    map[common.Hash]bool // DeleteStorageByPrefix was called

	committed bool
	finalized bool
	flushed   bool
	discarded bool
	refs      int // children and read-only worlds still pointing at us
}

func newBlock(chain *Blockchain, parent *Block, snapshot *pagedb.ReadOnlyBatch) *Block {
	return &Block{
		chain:    chain,
		parent:   parent,
		snapshot: snapshot,
		accounts: make(map[common.Hash]*account.Account),
		storage:  make(map[common.Hash]map[common.Hash][]byte),
		wiped:    make(map[common.Hash]bool),
	}
}

func (b *Block) checkWritable() {
	if b.committed {
		panic("blockchain: block mutated after Commit")
	}
}

// Hash returns the block's state root, valid only after Commit.
func (b *Block) Hash() common.Hash { return b.hash }

// Number returns the block number recorded at Commit.
func (b *Block) Number() uint32 { return b.number }

// GetAccount reads the Account for keccak through the overlay chain,
// falling through to the flushed snapshot at the bottom. Missing accounts
// return account.Empty.
func (b *Block) GetAccount(keccak common.Hash) (account.Account, error) {
	for blk := b; blk != nil; blk = blk.parent {
		if acc, ok := blk.accounts[keccak]; ok {
			if acc == nil {
				return account.Empty, nil
			}
			return *acc, nil
		}
		if blk.snapshot != nil {
			return blk.snapshot.GetAccount(keccak)
		}
	}
	return account.Empty, nil
}

// SetAccount records acc for keccak in this block's overlay.
func (b *Block) SetAccount(keccak common.Hash, acc account.Account) {
	b.checkWritable()
	b.accounts[keccak] = &acc
}

// DeleteAccount records the deletion of keccak's account.
func (b *Block) DeleteAccount(keccak common.Hash) {
	b.checkWritable()
	b.accounts[keccak] = nil
}

// GetStorage reads one storage slot through the overlay chain. A wipe
// (DeleteStorageByPrefix) at any level stops the fall-through for that
// account's slots. Unset slots return nil.
func (b *Block) GetStorage(account_ common.Hash, slot common.Hash) ([]byte, error) {
	for blk := b; blk != nil; blk = blk.parent {
		if slots, ok := blk.storage[account_]; ok {
			if v, ok := slots[slot]; ok {
				if len(v) == 0 {
					return nil, nil
				}
				return v, nil
			}
		}
		if blk.wiped[account_] {
			return nil, nil
		}
		if blk.snapshot != nil {
			return blk.snapshot.GetStorage(account_, slot)
		}
	}
	return nil, nil
}

// SetStorage records value for account_/slot; an empty value deletes the
// slot.
func (b *Block) SetStorage(account_ common.Hash, slot common.Hash, value []byte) {
	b.checkWritable()
	slots, ok := b.storage[account_]
	if !ok {
		slots = make(map[common.Hash][]byte)
		b.storage[account_] = slots
	}
	slots[slot] = append([]byte(nil), value...)
}

// DeleteStorageByPrefix drops every storage slot of account_, including
// slots set earlier in this same block.
func (b *Block) DeleteStorageByPrefix(account_ common.Hash) {
	b.checkWritable()
	delete(b.storage, account_)
	b.wiped[account_] = true
}

// worldState is the fully-merged (key -> value) view Commit hashes over.
type worldState struct {
	accounts map[common.Hash]account.Account
	storage  map[common.Hash]map[common.Hash][]byte
}

// mergedState replays the flushed snapshot plus every overlay from the
// oldest in-memory ancestor down to b itself.
func (b *Block) mergedState() worldState {
	var chain []*Block
	for blk := b; blk != nil; blk = blk.parent {
		chain = append(chain, blk)
	}
	base := chain[len(chain)-1]

	ws := worldState{
		accounts: make(map[common.Hash]account.Account),
		storage:  make(map[common.Hash]map[common.Hash][]byte),
	}
	base.snapshot.Walk(func(k account.Key, value []byte) bool {
		switch k.Type {
		case account.TypeAccount:
			acc, err := account.Unmarshal(value)
			if err != nil {
				return true
			}
			ws.accounts[common.BytesToHash(k.Path.Bytes())] = acc
		case account.TypeStorageCell, account.TypeStorageTreeStorageCell:
			accKey := common.BytesToHash(k.Path.Bytes())
			slots, ok := ws.storage[accKey]
			if !ok {
				slots = make(map[common.Hash][]byte)
				ws.storage[accKey] = slots
			}
			slots[common.BytesToHash(k.StoragePath.Bytes())] = append([]byte(nil), value...)
		}
		return true
	})

	// Oldest overlay first; later blocks supersede earlier ones.
	for i := len(chain) - 1; i >= 0; i-- {
		blk := chain[i]
		for acc := range blk.wiped {
			delete(ws.storage, acc)
		}
		for k, acc := range blk.accounts {
			if acc == nil {
				delete(ws.accounts, k)
				continue
			}
			ws.accounts[k] = *acc
		}
		for accKey, slots := range blk.storage {
			merged, ok := ws.storage[accKey]
			if !ok {
				merged = make(map[common.Hash][]byte)
				ws.storage[accKey] = merged
			}
			for slot, v := range slots {
				if len(v) == 0 {
					delete(merged, slot)
					continue
				}
				merged[slot] = v
			}
		}
	}
	return ws
}

// Commit seals the block, computes its state root over the merged world
// state, registers it with the chain and returns the root.
// Committing the same block twice is a programmer error.
func (b *Block) Commit(blockNumber uint32) (common.Hash, error) {
	b.checkWritable()

	ws := b.mergedState()
	hasher := b.chain.hasher

	entries := make([]merkle.Entry, 0, len(ws.accounts))
	for keccak, acc := range ws.accounts {
		storageRoot := merkle.EmptyRootHash()
		if slots := ws.storage[keccak]; len(slots) > 0 {
			sEntries := make([]merkle.Entry, 0, len(slots))
			for slot, v := range slots {
				sEntries = append(sEntries, merkle.Entry{Path: nibbles.FromKeccak(slot), Value: v})
			}
			storageRoot = hasher.Root(sEntries)
		}
		acc.StorageRoot = storageRoot
		entries = append(entries, merkle.Entry{Path: nibbles.FromKeccak(keccak), Value: acc.Marshal()})
	}

	b.number = blockNumber
	b.hash = hasher.Root(entries)
	b.committed = true
	b.chain.register(b)
	return b.hash, nil
}

// Discard drops an uncommitted (or committed-but-unwanted) block, releasing
// its snapshot and its hold on the parent chain. Using the block afterwards
// is a programmer error.
func (b *Block) Discard() {
	b.chain.mu.Lock()
	defer b.chain.mu.Unlock()
	if b.discarded {
		return
	}
	if b.committed {
		delete(b.chain.committed, b.hash)
	}
	b.discarded = true
	b.chain.maybeFree(b)
}
