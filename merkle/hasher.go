package merkle

import (
	"sort"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/metrics"

	"github.com/NethermindEth/paprika-go/nibbles"
)

var (
	metricHashComputed = metrics.NewRegisteredMeter("paprika/merkle/nodes_hashed", nil)
	metricHashReused   = metrics.NewRegisteredMeter("paprika/merkle/nodes_memoized", nil)
)

// Entry is one (fully-qualified nibble path, RLP-encoded leaf value) pair
// fed into the hasher, e.g. an account's keccak path paired with its
// marshaled Account record.
type Entry struct {
	Path  nibbles.Path
	Value []byte
}

// Hasher computes the MPT root hash over a sorted set of Entry values,
// memoizing subtree encodings in a clean-node cache keyed by content so
// that repeated commits over an unchanged region of the key space skip
// re-encoding. The cache is content-addressed rather than diff-tracked per
// batch, so unchanged subtrees reuse their memoized hashes without any
// per-batch dirtiness bookkeeping.
type Hasher struct {
	cache *fastcache.Cache
}

// NewHasher constructs a Hasher with a clean-node cache of the given
// byte budget, the same role fastcache.Cache plays in go-ethereum's
// trie.Database. A non-positive budget disables the cache.
func NewHasher(cacheBytes int) *Hasher {
	if cacheBytes <= 0 {
		return &Hasher{}
	}
	return &Hasher{cache: fastcache.New(cacheBytes)}
}

// memoMinDepth is the nibble depth below which subtree hashes are never
// memoized: the top ~2 nibbles of the state trie are recomputed on every
// commit anyway, so persisting them buys nothing.
const memoMinDepth = 2

// MemoFunc receives the path prefix and hash of each memoized subtree
// during Root computation, letting the caller persist them as Merkle-plane
// records keyed by node path.
type MemoFunc func(prefix nibbles.Path, hash [32]byte)

// Root computes the MPT root hash over entries. entries need not be
// pre-sorted; Root sorts a copy by path. An empty entries set returns
// EmptyRootHash.
func (h *Hasher) Root(entries []Entry) [32]byte {
	return h.RootMemo(entries, nil)
}

// RootMemo is Root plus subtree-hash memoization: for each topmost subtree
// rooted at nibble depth >= memoMinDepth, memo is invoked once with the
// subtree's path prefix and computed hash. A nil memo degrades to Root.
func (h *Hasher) RootMemo(entries []Entry, memo MemoFunc) [32]byte {
	if len(entries) == 0 {
		return emptyRoot
	}
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return lessPath(sorted[i].Path, sorted[j].Path) })
	ref := h.build(sorted, 0, memo)
	if ref.IsHash {
		return ref.Hash
	}
	// The trie root is always addressed by hash even when its own encoding
	// happens to be under 32 bytes (a near-empty trie).
	return crypto.Keccak256Hash(ref.Inline)
}

func lessPath(a, b nibbles.Path) bool {
	n := a.Length()
	if b.Length() < n {
		n = b.Length()
	}
	for i := 0; i < n; i++ {
		av, bv := a.GetAt(i), b.GetAt(i)
		if av != bv {
			return av < bv
		}
	}
	return a.Length() < b.Length()
}

// build recursively constructs the compact trie over sorted[...] at nibble
// depth depth (all entries share the same first `depth` nibbles by
// construction of the recursive split), returning the child reference for
// this subtree. The topmost multi-entry subtree at depth >= memoMinDepth
// along each recursion path reports its hash through memo; deeper levels
// pass nil down so each record covers as much of the trie as possible.
func (h *Hasher) build(sorted []Entry, depth int, memo MemoFunc) KeccakOrRlp {
	if len(sorted) == 1 {
		return h.encodeLeaf(sorted[0].Path.SliceFrom(depth), sorted[0].Value)
	}

	childMemo := memo
	if memo != nil && depth >= memoMinDepth {
		childMemo = nil
	}

	// Determine the longest common nibble prefix across the whole group
	// beyond depth; if it's non-empty, emit an extension node wrapping a
	// branch (or further extension) at depth+commonLen.
	commonLen := sorted[0].Path.Length() - depth
	for _, e := range sorted[1:] {
		cl := e.Path.SliceFrom(depth).FindFirstDifferentNibble(sorted[0].Path.SliceFrom(depth))
		if cl < commonLen {
			commonLen = cl
		}
	}
	var ref KeccakOrRlp
	if commonLen > 0 {
		branch := h.buildBranch(sorted, depth+commonLen, childMemo)
		extPath := sorted[0].Path.Slice(depth, depth+commonLen)
		ref = h.encodeExtension(extPath, branch)
	} else {
		ref = h.buildBranch(sorted, depth, childMemo)
	}
	if memo != nil && depth >= memoMinDepth && ref.IsHash {
		memo(sorted[0].Path.SliceTo(depth), ref.Hash)
	}
	return ref
}

// buildBranch splits sorted by the nibble at exactly `depth` into the 16
// child groups (plus a possible own-value entry whose path ends exactly at
// depth) and recurses.
func (h *Hasher) buildBranch(sorted []Entry, depth int, memo MemoFunc) KeccakOrRlp {
	var groups [16][]Entry
	var ownValue []byte
	for _, e := range sorted {
		if e.Path.Length() == depth {
			ownValue = e.Value
			continue
		}
		nib := e.Path.GetAt(depth)
		groups[nib] = append(groups[nib], e)
	}
	node := &branchNode{Value: ownValue}
	for nib, g := range groups {
		if len(g) == 0 {
			continue
		}
		node.Children[nib] = h.build(g, depth+1, memo)
	}
	return h.encodeBranch(node, depth)
}

func (h *Hasher) encodeLeaf(residual nibbles.Path, value []byte) KeccakOrRlp {
	n := &leafNode{Path: residual, Value: value}
	enc := n.encode()
	metricHashComputed.Mark(1)
	return wrap(enc)
}

func (h *Hasher) encodeExtension(path nibbles.Path, child KeccakOrRlp) KeccakOrRlp {
	n := &extensionNode{Path: path, Child: child}
	enc := n.encode()
	metricHashComputed.Mark(1)
	return wrap(enc)
}

func (h *Hasher) encodeBranch(n *branchNode, depth int) KeccakOrRlp {
	key := branchCacheKey(n, depth)
	if h.cache != nil {
		if cached, ok := h.cache.HasGet(nil, key); ok && len(cached) == 33 {
			metricHashReused.Mark(1)
			var ref KeccakOrRlp
			ref.IsHash = cached[0] == 1
			if ref.IsHash {
				copy(ref.Hash[:], cached[1:])
				return ref
			}
		}
	}
	enc := n.encode()
	metricHashComputed.Mark(1)
	ref := wrap(enc)
	if h.cache != nil && ref.IsHash {
		var stamp [33]byte
		stamp[0] = 1
		copy(stamp[1:], ref.Hash[:])
		h.cache.Set(key, stamp[:])
	}
	return ref
}

// branchCacheKey derives a stable content key for a branch node's memoized
// hash: the depth plus each child's own embedded bytes, so two branches
// with identical children at the same depth collapse to one cache entry
// regardless of which batch produced them.
func branchCacheKey(n *branchNode, depth int) []byte {
	key := make([]byte, 0, 2+17*33)
	key = append(key, byte(depth>>8), byte(depth))
	for _, c := range n.Children {
		key = append(key, c.Embedded()...)
	}
	key = append(key, n.Value...)
	return key
}

