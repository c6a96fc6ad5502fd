// Package account defines the account-plane record types and the Key that
// addresses both the account plane and the Merkle plane: an account keccak,
// a DataType discriminator, and an optional storage-slot keccak.
package account

import (
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/NethermindEth/paprika-go/nibbles"
)

// Account is the account-plane record stored for every non-empty account
// keccak, mirroring go-ethereum's state.Account shape.
type Account struct {
	Balance     *uint256.Int
	Nonce       uint64
	CodeHash    common.Hash
	StorageRoot common.Hash
}

// rlpAccount is the wire shape: uint256 has no native RLP encoder, so the
// balance is carried as big.Int-compatible bytes the same way go-ethereum's
// own StateAccount does.
type rlpAccount struct {
	Nonce       uint64
	Balance     []byte
	StorageRoot common.Hash
	CodeHash    common.Hash
}

// Empty is the zero-value account returned for keys with no live record
// and for deleted keys.
var Empty = Account{Balance: uint256.NewInt(0)}

// IsEmpty reports whether a carries no balance, nonce, code or storage,
// the state go-ethereum would prune the account entirely for.
func (a Account) IsEmpty() bool {
	return (a.Balance == nil || a.Balance.IsZero()) &&
		a.Nonce == 0 &&
		a.CodeHash == (common.Hash{}) &&
		a.StorageRoot == (common.Hash{})
}

// EncodeRLP implements rlp.Encoder.
func (a Account) EncodeRLP(w io.Writer) error {
	bal := a.Balance
	if bal == nil {
		bal = uint256.NewInt(0)
	}
	return rlp.Encode(w, rlpAccount{
		Nonce:       a.Nonce,
		Balance:     bal.Bytes(),
		StorageRoot: a.StorageRoot,
		CodeHash:    a.CodeHash,
	})
}

// DecodeRLP implements rlp.Decoder.
func (a *Account) DecodeRLP(s *rlp.Stream) error {
	var raw rlpAccount
	if err := s.Decode(&raw); err != nil {
		return err
	}
	a.Nonce = raw.Nonce
	a.Balance = new(uint256.Int).SetBytes(raw.Balance)
	a.StorageRoot = raw.StorageRoot
	a.CodeHash = raw.CodeHash
	return nil
}

// Marshal packs the account into the raw bytes stored in a DataPage slot.
func (a Account) Marshal() []byte {
	b, err := rlp.EncodeToBytes(a)
	if err != nil {
		panic("account: marshal: " + err.Error())
	}
	return b
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(b []byte) (Account, error) {
	var a Account
	if err := rlp.DecodeBytes(b, &a); err != nil {
		return Account{}, err
	}
	return a, nil
}

// DataType discriminates the five record kinds addressed by Key.
type DataType uint8

const (
	// TypeAccount addresses the Account record for an account keccak.
	TypeAccount DataType = iota
	// TypeStorageCell addresses a single 32-byte storage slot value.
	TypeStorageCell
	// TypeMerkle addresses a memoized Merkle-plane node hash, keyed by the
	// node's own path rather than an account/storage keccak.
	TypeMerkle
	// TypeStorageTreeRoot addresses the storage-trie root hash of one
	// contract account, held as a UShortPage record.
	TypeStorageTreeRoot
	// TypeStorageTreeStorageCell addresses a storage slot the same way
	// TypeStorageCell does and is encoded into the same DataPage tree under
	// its own type tag. Readers treat it like TypeStorageCell; SetStorage
	// and DeleteStorageByPrefix work on TypeStorageCell keys only.
	TypeStorageTreeStorageCell
)

func (t DataType) String() string {
	switch t {
	case TypeAccount:
		return "account"
	case TypeStorageCell:
		return "storage-cell"
	case TypeMerkle:
		return "merkle"
	case TypeStorageTreeRoot:
		return "storage-tree-root"
	case TypeStorageTreeStorageCell:
		return "storage-tree-storage-cell"
	default:
		return "unknown"
	}
}

// Key addresses one record in either plane: an account keccak path, a type
// discriminator, and (for storage records) the storage slot's own keccak
// path.
type Key struct {
	Path        nibbles.Path
	Type        DataType
	StoragePath nibbles.Path // only meaningful when Type is a storage kind
}

// ForAccount builds the Key for an account's own record.
func ForAccount(keccak common.Hash) Key {
	return Key{Path: nibbles.FromKeccak(keccak), Type: TypeAccount}
}

// ForStorageCell builds the Key for one storage slot of an account.
func ForStorageCell(account, slot common.Hash) Key {
	return Key{Path: nibbles.FromKeccak(account), Type: TypeStorageCell, StoragePath: nibbles.FromKeccak(slot)}
}

// ForStorageTreeRoot builds the Key addressing a contract's storage-trie
// root hash record.
func ForStorageTreeRoot(account common.Hash) Key {
	return Key{Path: nibbles.FromKeccak(account), Type: TypeStorageTreeRoot}
}

// tagNibble packs a DataType into a single nibble, as the leading nibble of
// an encoded Key.
func tagNibble(t DataType) nibbles.Path {
	return nibbles.Decode([]byte{byte(t) << 4}, 1)
}

// Encode packs Key into a single nibbles.Path suitable as a DataPage/
// BottomPage key: a one-nibble type tag, the account path, and (for storage
// kinds) the storage path appended. Because the type tag is the leading
// nibble, records of different types sit in different DataPage subtrees;
// records of one type under one account share the tag+account prefix.
func (k Key) Encode() nibbles.Path {
	encoded := nibbles.Concat(tagNibble(k.Type), k.Path)
	if k.Type == TypeStorageCell || k.Type == TypeStorageTreeStorageCell {
		encoded = nibbles.Concat(encoded, k.StoragePath)
	}
	return encoded
}

// DecodeKey reconstructs a Key from a nibbles.Path previously produced by
// Encode, given the expected account-path nibble length (always 64 for a
// full keccak).
func DecodeKey(encoded nibbles.Path, accountPathLength int) Key {
	t := DataType(encoded.GetAt(0))
	rest := encoded.SliceFrom(1)
	k := Key{Path: rest.SliceTo(accountPathLength), Type: t}
	if t == TypeStorageCell || t == TypeStorageTreeStorageCell {
		k.StoragePath = rest.SliceFrom(accountPathLength)
	}
	return k
}

// MerkleNodeKey builds the nibbles.Path a Merkle-plane page is addressed by
// for the trie node at the given path.
func MerkleNodeKey(nodePath nibbles.Path) nibbles.Path { return nodePath }
