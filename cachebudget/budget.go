// Package cachebudget implements the per-batch budgeted cache of
// read-then-written entries used to amortize repeated Merkle traversals
// within a single commit.
package cachebudget

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/NethermindEth/paprika-go/account"
)

// Budget caches account and storage reads made during one batch so that a
// leaf touched multiple times while the Merkle layer walks the trie
// bottom-up is only fetched from the paged store once. It is
// scoped to a single batch: construct a fresh Budget per BeginBatch.
type Budget struct {
	entries *lru.Cache
}

type cacheKey struct {
	path  string
	typ   account.DataType
	extra string
}

func keyOf(k account.Key) cacheKey {
	ck := cacheKey{path: string(k.Path.Bytes()), typ: k.Type}
	if k.Type == account.TypeStorageCell || k.Type == account.TypeStorageTreeStorageCell {
		ck.extra = string(k.StoragePath.Bytes())
	}
	return ck
}

// New constructs a Budget holding up to maxEntries read-then-written
// records.
func New(maxEntries int) *Budget {
	c, err := lru.New(maxEntries)
	if err != nil {
		// lru.New only errors on a non-positive size; a batch-scoped cache
		// with no entries is a programmer error, not a runtime condition.
		panic("cachebudget: " + err.Error())
	}
	return &Budget{entries: c}
}

// Get returns a previously-cached value for k, if any.
func (b *Budget) Get(k account.Key) ([]byte, bool) {
	v, ok := b.entries.Get(keyOf(k))
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Put records the value last read or written for k, evicting the least
// recently used entry once the budget is exhausted.
func (b *Budget) Put(k account.Key, value []byte) {
	b.entries.Add(keyOf(k), value)
}

// Invalidate drops any cached value for k, used when a write supersedes
// whatever this batch last cached for the same key.
func (b *Budget) Invalidate(k account.Key) {
	b.entries.Remove(keyOf(k))
}

// Len reports the number of entries currently cached.
func (b *Budget) Len() int { return b.entries.Len() }
