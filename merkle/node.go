// Package merkle implements the Merkle-Patricia Trie layer on top of the
// paged store: node RLP encoding, bottom-up hash computation, and
// memoization of unchanged subtrees through the Merkle-plane pages.
package merkle

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/NethermindEth/paprika-go/nibbles"
)

// KeccakOrRlp is a child reference in a branch or extension node: a 32-byte
// keccak digest if the child's own RLP encoding is at least 32 bytes long,
// otherwise the child's RLP inlined directly.
type KeccakOrRlp struct {
	Hash   [32]byte
	Inline []byte
	IsHash bool
}

var emptyChildRLP = rlp.RawValue{0x80}

// Embedded returns the RLP bytes to splice verbatim into a parent node's
// encoding: the RLP string of the 32-byte hash when IsHash, the child's own
// pre-encoded RLP bytes otherwise (embedding a structure, not a string, is
// exactly what lets sub-32-byte nodes avoid an extra hash+lookup).
func (k KeccakOrRlp) Embedded() rlp.RawValue {
	if k.IsHash {
		enc, err := rlp.EncodeToBytes(k.Hash[:])
		if err != nil {
			panic("merkle: encoding hash reference: " + err.Error())
		}
		return enc
	}
	if len(k.Inline) == 0 {
		return emptyChildRLP
	}
	return rlp.RawValue(k.Inline)
}

// wrap folds an encoded child's raw RLP bytes into a KeccakOrRlp per the
// ">= 32 bytes -> hash, else inline" rule.
func wrap(encoded []byte) KeccakOrRlp {
	if len(encoded) >= 32 {
		return KeccakOrRlp{Hash: crypto.Keccak256Hash(encoded), IsHash: true}
	}
	return KeccakOrRlp{Inline: append([]byte(nil), encoded...)}
}

// emptyRoot is the hash of RLP-encoded empty string, Ethereum's well-known
// "empty trie root" constant.
var emptyRoot = crypto.Keccak256Hash(rlp.EmptyString)

// EmptyRootHash is the canonical root hash of a trie with no entries.
func EmptyRootHash() [32]byte { return emptyRoot }

// branchNode carries 16 child references plus an optional value at the
// branch's own path.
type branchNode struct {
	Children [16]KeccakOrRlp
	Value    []byte
}

func (n *branchNode) encode() []byte {
	items := make([]interface{}, 17)
	for i, c := range n.Children {
		items[i] = c.Embedded()
	}
	if n.Value == nil {
		items[16] = emptyChildRLP
	} else {
		items[16] = n.Value
	}
	b, err := rlp.EncodeToBytes(items)
	if err != nil {
		panic("merkle: encoding branch node: " + err.Error())
	}
	return b
}

// extensionNode holds a shared nibble path and a single child reference.
type extensionNode struct {
	Path  nibbles.Path
	Child KeccakOrRlp
}

func (n *extensionNode) encode() []byte {
	b, err := rlp.EncodeToBytes([]interface{}{hexPrefix(n.Path, false), n.Child.Embedded()})
	if err != nil {
		panic("merkle: encoding extension node: " + err.Error())
	}
	return b
}

// leafNode holds the residual nibble path and the raw (already RLP-encoded,
// for account/storage leaves) value.
type leafNode struct {
	Path  nibbles.Path
	Value []byte
}

func (n *leafNode) encode() []byte {
	b, err := rlp.EncodeToBytes([]interface{}{hexPrefix(n.Path, true), n.Value})
	if err != nil {
		panic("merkle: encoding leaf node: " + err.Error())
	}
	return b
}

// hexPrefix implements Ethereum's compact nibble-path encoding used for
// leaf and extension node keys: a leading flag nibble (bit 1 set for a
// leaf, bit 0 set for odd length) followed by the path nibbles, packed two
// to a byte.
func hexPrefix(path nibbles.Path, isLeaf bool) []byte {
	odd := path.Length()%2 == 1
	var flag byte
	if isLeaf {
		flag |= 0x2
	}
	if odd {
		flag |= 0x1
	}
	out := make([]byte, 0, path.Length()/2+1)
	if odd {
		out = append(out, flag<<4|path.GetAt(0))
		for i := 1; i+1 < path.Length(); i += 2 {
			out = append(out, path.GetAt(i)<<4|path.GetAt(i+1))
		}
	} else {
		out = append(out, flag<<4)
		for i := 0; i+1 < path.Length(); i += 2 {
			out = append(out, path.GetAt(i)<<4|path.GetAt(i+1))
		}
	}
	return out
}
