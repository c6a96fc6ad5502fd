package merkle

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/NethermindEth/paprika-go/account"
	"github.com/NethermindEth/paprika-go/dbaddress"
	"github.com/NethermindEth/paprika-go/nibbles"
	"github.com/NethermindEth/paprika-go/page"
)

// storageRootIndexKeyNibbles is how many leading account-path nibbles key
// the StorageTreeRoot cache: short enough to fit a UShortPage
// record, long enough that distinct accounts rarely collide within one
// batch's touched set.
const storageRootIndexKeyNibbles = 8

// record is one raw (key, value) pair read back off the account-plane
// DataPage tree during precommit, before its DataType has been interpreted.
type record struct {
	key   account.Key
	value []byte
}

// CalculateStateRootHash implements the Merkle pre-commit: it
// walks every account-plane entry, recomputes each touched contract's
// storage-trie root from its storage cells, rewrites the Account record
// with the refreshed storage root, refreshes the StorageTreeRoot cache
// page, persists memoized subtree hashes as Merkle-plane node records, and
// finally returns the state root over every account.
//
// dataPage, merkleRoot and storageIndex are the batch's current working
// addresses for the account-plane tree, the Merkle-plane StateRootPage and
// the StorageTreeRoot cache (typically read from the RootPage the batch
// started from); CalculateStateRootHash returns the possibly-relocated
// addresses (CoW may move pages along the way) for the caller to thread
// back into the RootPage it is about to persist.
func CalculateStateRootHash(hasher *Hasher, b page.Batch, dataPage, merkleRoot, storageIndex dbaddress.DbAddress) (stateRoot common.Hash, newDataPage, newMerkleRoot, newStorageIndex dbaddress.DbAddress, err error) {
	var accounts []record
	storageByAccount := make(map[[32]byte][]Entry)

	page.WalkBucketPage(b, dataPage, nibbles.Empty(), func(key nibbles.Path, value []byte) bool {
		if len(value) == 0 {
			// Delete tombstone: the record is gone.
			return true
		}
		k := account.DecodeKey(key, nibbles.KeccakNibbleLength)
		switch k.Type {
		case account.TypeAccount:
			accounts = append(accounts, record{key: k, value: value})
		case account.TypeStorageCell, account.TypeStorageTreeStorageCell:
			var accKey [32]byte
			copy(accKey[:], k.Path.Bytes())
			storageByAccount[accKey] = append(storageByAccount[accKey], Entry{Path: k.StoragePath, Value: value})
		}
		return true
	})

	accountEntries := make([]Entry, 0, len(accounts))
	for _, rec := range accounts {
		acc, decErr := account.Unmarshal(rec.value)
		if decErr != nil {
			err = decErr
			return
		}
		var accKey [32]byte
		copy(accKey[:], rec.key.Path.Bytes())

		storageRoot := EmptyRootHash()
		hasStorage := false
		if entries, ok := storageByAccount[accKey]; ok && len(entries) > 0 {
			storageRoot = hasher.Root(entries)
			hasStorage = true
		}
		if acc.StorageRoot != common.Hash(storageRoot) {
			acc.StorageRoot = common.Hash(storageRoot)
			dataPage = page.Set(b, dataPage, page.KindData, rec.key.Encode(), acc.Marshal())

			// The StorageTreeRoot index only tracks contracts that hold
			// storage; the authoritative root lives in the account record,
			// so the index is a bounded cache and resets when full.
			if hasStorage {
				indexKey := rec.key.Path.SliceTo(storageRootIndexKeyNibbles)
				var indexBuf []byte
				if storageIndex.IsNull() || page.NewHeader(b.GetAt(storageIndex)).Kind() != page.KindUShort {
					newBuf, addr := b.GetNewPage()
					page.Init(newBuf, page.KindUShort, b.BatchID())
					storageIndex = addr
					indexBuf = newBuf
				} else if page.NewHeader(b.GetAt(storageIndex)).BatchID() != b.BatchID() {
					newBuf, addr := b.GetWritableCopy(storageIndex)
					storageIndex = addr
					indexBuf = newBuf
				} else {
					indexBuf = b.GetAt(storageIndex)
				}
				if !page.UShortPageHasRoom(indexBuf) {
					page.UShortPageReset(indexBuf)
				}
				page.UShortPageSet(indexBuf, indexKey, storageRoot[:])
			}
		}
		accountEntries = append(accountEntries, Entry{Path: rec.key.Path, Value: acc.Marshal()})
	}

	// Memoized subtree hashes land in the Merkle plane as node records
	// keyed by path prefix; the top two nibbles are always recomputed and
	// skip memoization.
	memo := func(prefix nibbles.Path, hash [32]byte) {
		merkleRoot = page.Set(b, merkleRoot, page.KindStateRoot, prefix, hash[:])
	}
	root := hasher.RootMemo(accountEntries, memo)
	return root, dataPage, merkleRoot, storageIndex, nil
}
