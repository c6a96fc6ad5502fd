package cachebudget

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/NethermindEth/paprika-go/account"
)

func accountKey(s string) account.Key {
	return account.ForAccount(crypto.Keccak256Hash([]byte(s)))
}

func TestGetPut(t *testing.T) {
	b := New(8)

	_, ok := b.Get(accountKey("a"))
	require.False(t, ok)

	b.Put(accountKey("a"), []byte("value"))
	v, ok := b.Get(accountKey("a"))
	require.True(t, ok)
	require.Equal(t, []byte("value"), v)
}

func TestAccountAndStorageKeysAreDistinct(t *testing.T) {
	b := New(8)
	acct := crypto.Keccak256Hash([]byte("acct"))
	slot := crypto.Keccak256Hash([]byte("slot"))

	b.Put(account.ForAccount(acct), []byte("account-record"))
	b.Put(account.ForStorageCell(acct, slot), []byte("slot-value"))

	v, ok := b.Get(account.ForAccount(acct))
	require.True(t, ok)
	require.Equal(t, []byte("account-record"), v)
	v, ok = b.Get(account.ForStorageCell(acct, slot))
	require.True(t, ok)
	require.Equal(t, []byte("slot-value"), v)
}

func TestNegativeEntriesAreCached(t *testing.T) {
	b := New(8)
	b.Put(accountKey("missing"), nil)
	v, ok := b.Get(accountKey("missing"))
	require.True(t, ok, "a cached miss is still a cache hit")
	require.Nil(t, v)
}

func TestInvalidate(t *testing.T) {
	b := New(8)
	b.Put(accountKey("a"), []byte("x"))
	b.Invalidate(accountKey("a"))
	_, ok := b.Get(accountKey("a"))
	require.False(t, ok)
}

func TestBudgetEvictsLRU(t *testing.T) {
	b := New(4)
	keys := []string{"a", "b", "c", "d", "e", "f"}
	for _, k := range keys {
		b.Put(accountKey(k), []byte(k))
	}
	require.Equal(t, 4, b.Len())

	// The oldest entries fell out; the newest are still present.
	_, ok := b.Get(accountKey("a"))
	require.False(t, ok)
	v, ok := b.Get(accountKey("f"))
	require.True(t, ok)
	require.Equal(t, []byte("f"), v)
}
