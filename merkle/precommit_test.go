package merkle

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/NethermindEth/paprika-go/account"
	"github.com/NethermindEth/paprika-go/dbaddress"
	"github.com/NethermindEth/paprika-go/nibbles"
	"github.com/NethermindEth/paprika-go/page"
)

// memBatch is a minimal in-memory page.Batch for exercising the precommit
// without a real arena.
type memBatch struct {
	pages   map[dbaddress.DbAddress][]byte
	next    uint32
	batchID uint32
}

func newMemBatch() *memBatch {
	return &memBatch{pages: make(map[dbaddress.DbAddress][]byte), next: 1, batchID: 1}
}

func (m *memBatch) GetAt(addr dbaddress.DbAddress) []byte { return m.pages[addr] }
func (m *memBatch) BatchID() uint32                       { return m.batchID }

func (m *memBatch) GetNewPage() ([]byte, dbaddress.DbAddress) {
	addr := dbaddress.DbAddress(m.next)
	m.next++
	buf := make([]byte, page.Size)
	page.Init(buf, page.KindData, m.batchID)
	m.pages[addr] = buf
	return buf, addr
}

func (m *memBatch) GetWritableCopy(addr dbaddress.DbAddress) ([]byte, dbaddress.DbAddress) {
	buf, newAddr := m.GetNewPage()
	copy(buf, m.pages[addr])
	page.NewHeader(buf).SetBatchID(m.batchID)
	return buf, newAddr
}

func (m *memBatch) RegisterForFutureReuse(dbaddress.DbAddress) {}

func TestPrecommitEmptyTree(t *testing.T) {
	b := newMemBatch()
	h := NewHasher(0)

	root, _, _, _, err := CalculateStateRootHash(h, b, dbaddress.Null, dbaddress.Null, dbaddress.Null)
	require.NoError(t, err)
	require.Equal(t, common.Hash(EmptyRootHash()), root)
}

func TestPrecommitMatchesDirectHashing(t *testing.T) {
	b := newMemBatch()
	h := NewHasher(0)

	dataPage := dbaddress.Null
	var want []Entry
	for i := uint64(0); i < 30; i++ {
		keccak := crypto.Keccak256Hash([]byte{byte(i)})
		acc := account.Account{Balance: uint256.NewInt(i + 1), Nonce: i}
		key := account.ForAccount(keccak)
		dataPage = page.Set(b, dataPage, page.KindData, key.Encode(), acc.Marshal())

		withRoot := acc
		withRoot.StorageRoot = common.Hash(EmptyRootHash())
		want = append(want, Entry{Path: nibbles.FromKeccak(keccak), Value: withRoot.Marshal()})
	}

	root, _, _, _, err := CalculateStateRootHash(h, b, dataPage, dbaddress.Null, dbaddress.Null)
	require.NoError(t, err)
	require.Equal(t, h.Root(want), [32]byte(root))
}

func TestPrecommitRefreshesStorageRoots(t *testing.T) {
	b := newMemBatch()
	h := NewHasher(0)

	keccak := crypto.Keccak256Hash([]byte("contract"))
	slot := crypto.Keccak256Hash([]byte("slot"))
	acc := account.Account{Balance: uint256.NewInt(1)}

	dataPage := page.Set(b, dbaddress.Null, page.KindData, account.ForAccount(keccak).Encode(), acc.Marshal())
	dataPage = page.Set(b, dataPage, page.KindData, account.ForStorageCell(keccak, slot).Encode(), []byte{0x2a})

	root, newDataPage, _, storageIndex, err := CalculateStateRootHash(h, b, dataPage, dbaddress.Null, dbaddress.Null)
	require.NoError(t, err)

	// The stored account record now carries the live storage root.
	raw, ok := page.Get(b, newDataPage, account.ForAccount(keccak).Encode())
	require.True(t, ok)
	stored, err := account.Unmarshal(raw)
	require.NoError(t, err)
	wantStorageRoot := h.Root([]Entry{{Path: nibbles.FromKeccak(slot), Value: []byte{0x2a}}})
	require.Equal(t, common.Hash(wantStorageRoot), stored.StorageRoot)

	// And the StorageTreeRoot index caches it.
	require.False(t, storageIndex.IsNull())
	indexKey := nibbles.FromKeccak(keccak).SliceTo(storageRootIndexKeyNibbles)
	cached, ok := page.UShortPageGet(b.GetAt(storageIndex), indexKey)
	require.True(t, ok)
	require.Equal(t, wantStorageRoot[:], cached)

	// The overall root covers the refreshed account.
	wantRoot := h.Root([]Entry{{Path: nibbles.FromKeccak(keccak), Value: stored.Marshal()}})
	require.Equal(t, common.Hash(wantRoot), root)
}

func TestPrecommitWritesMerklePlane(t *testing.T) {
	b := newMemBatch()
	h := NewHasher(0)

	dataPage := dbaddress.Null
	for i := uint64(0); i < 600; i++ {
		keccak := crypto.Keccak256Hash([]byte{byte(i), byte(i >> 8)})
		acc := account.Account{Balance: uint256.NewInt(i + 1)}
		dataPage = page.Set(b, dataPage, page.KindData, account.ForAccount(keccak).Encode(), acc.Marshal())
	}

	_, _, merkleRoot, _, err := CalculateStateRootHash(h, b, dataPage, dbaddress.Null, dbaddress.Null)
	require.NoError(t, err)
	require.False(t, merkleRoot.IsNull(), "memoized subtrees must land in the Merkle plane")
	require.Equal(t, page.KindStateRoot, page.NewHeader(b.GetAt(merkleRoot)).Kind())
}
