package blockchain

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/NethermindEth/paprika-go/account"
	"github.com/NethermindEth/paprika-go/pagedb"
)

func openChain(t *testing.T) (*Blockchain, *pagedb.PagedDb) {
	t.Helper()
	db, err := pagedb.Open(pagedb.Options{
		SizeBytes:          8 << 20,
		HistoryDepth:       4,
		CacheBudgetEntries: 256,
		MerkleCacheBytes:   1 << 20,
	})
	require.NoError(t, err)
	chain := New(db, DefaultOptions())
	t.Cleanup(func() {
		chain.Close()
		db.Close()
	})
	return chain, db
}

func keccakOf(s string) common.Hash { return crypto.Keccak256Hash([]byte(s)) }

func accountOf(i uint64) account.Account {
	return account.Account{Balance: uint256.NewInt(i), Nonce: i}
}

func requireSameAccount(t *testing.T, want, got account.Account) {
	t.Helper()
	require.Equal(t, want.Nonce, got.Nonce)
	require.True(t, want.Balance.Eq(got.Balance))
}

// waitFlushed blocks until the event for blockNumber arrives.
func waitFlushed(t *testing.T, ch <-chan FlushedEvent, blockNumber uint32) FlushedEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.BlockNumber == blockNumber {
				return ev
			}
		case <-deadline:
			t.Fatalf("block %d never flushed", blockNumber)
		}
	}
}

func TestSingleBlockPipeline(t *testing.T) {
	chain, db := openChain(t)

	flushed := make(chan FlushedEvent, 8)
	sub := chain.SubscribeFlushed(flushed)
	defer sub.Unsubscribe()

	blk, err := chain.StartNew(common.Hash{})
	require.NoError(t, err)
	k := keccakOf("alice")
	blk.SetAccount(k, accountOf(10))

	got, err := blk.GetAccount(k)
	require.NoError(t, err)
	requireSameAccount(t, accountOf(10), got)

	root, err := blk.Commit(1)
	require.NoError(t, err)
	require.NotEqual(t, common.Hash{}, root)
	require.NoError(t, chain.Finalize(root))

	ev := waitFlushed(t, flushed, 1)
	require.Equal(t, root, ev.StateRoot)

	// The flushed store agrees with the sealed block, both on the value
	// and on the root, which both hashers must agree on.
	rb := db.BeginReadOnlyBatch("verify")
	defer rb.Close()
	require.Equal(t, root, rb.StateRootHash())
	got, err = rb.GetAccount(k)
	require.NoError(t, err)
	requireSameAccount(t, accountOf(10), got)
}

func TestBlocksChainThroughParents(t *testing.T) {
	chain, _ := openChain(t)

	b1, err := chain.StartNew(common.Hash{})
	require.NoError(t, err)
	b1.SetAccount(keccakOf("a"), accountOf(1))
	r1, err := b1.Commit(1)
	require.NoError(t, err)

	// b2 overlays b1 while b1 is still only in memory.
	b2, err := chain.StartNew(r1)
	require.NoError(t, err)
	got, err := b2.GetAccount(keccakOf("a"))
	require.NoError(t, err)
	requireSameAccount(t, accountOf(1), got)

	b2.SetAccount(keccakOf("b"), accountOf(2))
	r2, err := b2.Commit(2)
	require.NoError(t, err)
	require.NotEqual(t, r1, r2)

	// Committing the same content on the same parent reproduces the root.
	b2x, err := chain.StartNew(r1)
	require.NoError(t, err)
	b2x.SetAccount(keccakOf("b"), accountOf(2))
	r2x, err := b2x.Commit(2)
	require.NoError(t, err)
	require.Equal(t, r2, r2x)
}

func TestStartNewUnknownParent(t *testing.T) {
	chain, _ := openChain(t)
	_, err := chain.StartNew(keccakOf("no-such-root"))
	require.ErrorIs(t, err, ErrUnknownParent)
}

func TestStorageThroughPipeline(t *testing.T) {
	chain, db := openChain(t)

	flushed := make(chan FlushedEvent, 8)
	sub := chain.SubscribeFlushed(flushed)
	defer sub.Unsubscribe()

	acct := keccakOf("contract")
	slot := keccakOf("slot")

	blk, err := chain.StartNew(common.Hash{})
	require.NoError(t, err)
	blk.SetAccount(acct, accountOf(1))
	blk.SetStorage(acct, slot, []byte{0xca, 0xfe})

	v, err := blk.GetStorage(acct, slot)
	require.NoError(t, err)
	require.Equal(t, []byte{0xca, 0xfe}, v)

	root, err := blk.Commit(1)
	require.NoError(t, err)
	require.NoError(t, chain.Finalize(root))
	waitFlushed(t, flushed, 1)

	rb := db.BeginReadOnlyBatch("verify")
	defer rb.Close()
	v, err = rb.GetStorage(acct, slot)
	require.NoError(t, err)
	require.Equal(t, []byte{0xca, 0xfe}, v)
	require.Equal(t, root, rb.StateRootHash())
}

func TestDeleteStorageByPrefixInBlock(t *testing.T) {
	chain, _ := openChain(t)
	acct := keccakOf("contract")

	b1, err := chain.StartNew(common.Hash{})
	require.NoError(t, err)
	b1.SetAccount(acct, accountOf(1))
	r1, err := b1.Commit(1)
	require.NoError(t, err)

	b2, err := chain.StartNew(r1)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		b2.SetStorage(acct, keccakOf(string(rune(i))), []byte{byte(i + 1)})
	}
	r2, err := b2.Commit(2)
	require.NoError(t, err)
	require.NotEqual(t, r1, r2)

	// Wiping the contract's storage reverts its trie contribution: the
	// child block's root equals the storage-less root.
	b3, err := chain.StartNew(r2)
	require.NoError(t, err)
	b3.DeleteStorageByPrefix(acct)
	v, err := b3.GetStorage(acct, keccakOf(string(rune(3))))
	require.NoError(t, err)
	require.Empty(t, v)
	r3, err := b3.Commit(3)
	require.NoError(t, err)
	require.Equal(t, r1, r3)
}

func TestWipeThenSetInSameBlock(t *testing.T) {
	chain, _ := openChain(t)
	acct := keccakOf("contract")

	b1, err := chain.StartNew(common.Hash{})
	require.NoError(t, err)
	b1.SetAccount(acct, accountOf(1))
	b1.SetStorage(acct, keccakOf("old"), []byte{0x01})
	r1, err := b1.Commit(1)
	require.NoError(t, err)

	b2, err := chain.StartNew(r1)
	require.NoError(t, err)
	b2.DeleteStorageByPrefix(acct)
	b2.SetStorage(acct, keccakOf("new"), []byte{0x02})

	v, err := b2.GetStorage(acct, keccakOf("old"))
	require.NoError(t, err)
	require.Empty(t, v, "wipe hides pre-existing slots")
	v, err = b2.GetStorage(acct, keccakOf("new"))
	require.NoError(t, err)
	require.Equal(t, []byte{0x02}, v, "writes after the wipe survive")
}

func TestDeleteAccountInBlock(t *testing.T) {
	chain, _ := openChain(t)
	k := keccakOf("victim")

	b1, err := chain.StartNew(common.Hash{})
	require.NoError(t, err)
	b1.SetAccount(k, accountOf(5))
	r1, err := b1.Commit(1)
	require.NoError(t, err)

	b2, err := chain.StartNew(r1)
	require.NoError(t, err)
	b2.DeleteAccount(k)
	got, err := b2.GetAccount(k)
	require.NoError(t, err)
	require.True(t, got.IsEmpty())

	// Deleting the only account returns the trie to empty.
	r2, err := b2.Commit(2)
	require.NoError(t, err)
	b0, err := chain.StartNew(common.Hash{})
	require.NoError(t, err)
	r0, err := b0.Commit(0)
	require.NoError(t, err)
	require.Equal(t, r0, r2)
}

func TestManyBlocksAgainstOracle(t *testing.T) {
	// Many blocks of overlapping updates replayed against a plain map
	// oracle.
	chain, db := openChain(t)

	flushed := make(chan FlushedEvent, 64)
	sub := chain.SubscribeFlushed(flushed)
	defer sub.Unsubscribe()

	oracle := make(map[common.Hash]uint64)
	parent := common.Hash{}
	const blocks = 30
	for n := uint64(1); n <= blocks; n++ {
		blk, err := chain.StartNew(parent)
		require.NoError(t, err)
		for i := uint64(0); i < 20; i++ {
			k := keccakOf(string(rune(int(n*7+i) % 50)))
			blk.SetAccount(k, accountOf(n*100+i))
			oracle[k] = n*100 + i
		}
		root, err := blk.Commit(uint32(n))
		require.NoError(t, err)
		require.NoError(t, chain.Finalize(root))
		parent = root
	}
	waitFlushed(t, flushed, blocks)

	rb := db.BeginReadOnlyBatch("oracle")
	defer rb.Close()
	for k, v := range oracle {
		got, err := rb.GetAccount(k)
		require.NoError(t, err)
		requireSameAccount(t, accountOf(v), got)
	}
	require.Equal(t, parent, rb.StateRootHash())
}

func TestReorgWindowHoldsBlocksBack(t *testing.T) {
	db, err := pagedb.Open(pagedb.Options{
		SizeBytes: 8 << 20, HistoryDepth: 4,
		CacheBudgetEntries: 256, MerkleCacheBytes: 1 << 20,
	})
	require.NoError(t, err)
	defer db.Close()

	opts := DefaultOptions()
	opts.ReorgWindow = 2
	chain := New(db, opts)
	defer chain.Close()

	parent := common.Hash{}
	var roots []common.Hash
	for n := uint32(1); n <= 3; n++ {
		blk, err := chain.StartNew(parent)
		require.NoError(t, err)
		blk.SetAccount(keccakOf(string(rune(n))), accountOf(uint64(n)))
		root, err := blk.Commit(n)
		require.NoError(t, err)
		require.NoError(t, chain.Finalize(root))
		parent = root
		roots = append(roots, root)
	}

	// Only block 1 is outside the window of 2; give the flusher a moment,
	// then confirm the store has not advanced past it.
	require.Eventually(t, func() bool {
		rb := db.BeginReadOnlyBatch("probe")
		defer rb.Close()
		return rb.StateRootHash() == roots[0]
	}, 5*time.Second, 10*time.Millisecond)

	rb := db.BeginReadOnlyBatch("verify")
	defer rb.Close()
	require.Equal(t, roots[0], rb.StateRootHash())
}

func TestReadOnlyWorldOverlaysPendingBlocks(t *testing.T) {
	chain, _ := openChain(t)

	b1, err := chain.StartNew(common.Hash{})
	require.NoError(t, err)
	b1.SetAccount(keccakOf("a"), accountOf(1))
	r1, err := b1.Commit(1)
	require.NoError(t, err)

	// The world at r1 sees the pending (unflushed) block's write.
	w, err := chain.StartReadOnly(r1)
	require.NoError(t, err)
	defer w.Close()
	got, err := w.GetAccount(keccakOf("a"))
	require.NoError(t, err)
	requireSameAccount(t, accountOf(1), got)
}

func TestDiscardDropsBlock(t *testing.T) {
	chain, _ := openChain(t)

	blk, err := chain.StartNew(common.Hash{})
	require.NoError(t, err)
	blk.SetAccount(keccakOf("x"), accountOf(1))
	root, err := blk.Commit(1)
	require.NoError(t, err)
	blk.Discard()

	_, err = chain.StartNew(root)
	require.ErrorIs(t, err, ErrUnknownParent)
}

func TestMutateAfterCommitPanics(t *testing.T) {
	chain, _ := openChain(t)
	blk, err := chain.StartNew(common.Hash{})
	require.NoError(t, err)
	blk.SetAccount(keccakOf("x"), accountOf(1))
	_, err = blk.Commit(1)
	require.NoError(t, err)
	require.Panics(t, func() { blk.SetAccount(keccakOf("y"), accountOf(2)) })
}

func TestFinalizeUnknownBlock(t *testing.T) {
	chain, _ := openChain(t)
	require.ErrorIs(t, chain.Finalize(keccakOf("nope")), ErrUnknownBlock)
}

func TestCloseIsIdempotentAndStopsIntake(t *testing.T) {
	chain, _ := openChain(t)
	require.NoError(t, chain.Close())
	require.NoError(t, chain.Close())
	_, err := chain.StartNew(common.Hash{})
	require.ErrorIs(t, err, ErrClosed)
}
