package types

import (
	"math/big"

	"github.com/ethcore/ethcore/rlp"
)

// Account is the state-trie leaf value for an Ethereum address: nonce,
// balance, the root of the account's storage trie, and the hash of its
// contract code. Externally-owned accounts carry EmptyRootHash and
// EmptyCodeHash.
type Account struct {
	Nonce    uint64
	Balance  *big.Int
	Root     Hash   // storage trie root (EmptyRootHash for no storage)
	CodeHash []byte // keccak256 of code (EmptyCodeHash for EOAs)
}

// NewAccount creates a new account with zero balance and empty storage.
func NewAccount() Account {
	return Account{
		Balance:  new(big.Int),
		CodeHash: EmptyCodeHash.Bytes(),
		Root:     EmptyRootHash,
	}
}

// IsEmpty reports whether the account meets the EIP-161 definition of an
// empty account: zero nonce, zero balance, and no code.
func (a Account) IsEmpty() bool {
	return a.Nonce == 0 && (a.Balance == nil || a.Balance.Sign() == 0) && len(a.CodeHash) == 0 || a.IsEOAEmpty()
}

// IsEOAEmpty reports whether the account has no deployed code, comparing
// against the canonical empty-code hash.
func (a Account) IsEOAEmpty() bool {
	return a.Nonce == 0 && (a.Balance == nil || a.Balance.Sign() == 0) &&
		(len(a.CodeHash) == 0 || Hash(mustBE32(a.CodeHash)) == EmptyCodeHash)
}

func mustBE32(b []byte) [32]byte {
	var out [32]byte
	if len(b) == 32 {
		copy(out[:], b)
	} else if len(b) < 32 {
		copy(out[32-len(b):], b)
	}
	return out
}

// rlpAccount is the wire representation of Account used by the Merkle
// Patricia state trie: [nonce, balance, storageRoot, codeHash].
type rlpAccount struct {
	Nonce    uint64
	Balance  *big.Int
	Root     []byte
	CodeHash []byte
}

// EncodeRLP returns the RLP encoding of the account as stored in the state
// trie: the four-element list [nonce, balance, storageRoot, codeHash].
func (a Account) EncodeRLP() ([]byte, error) {
	root := a.Root
	if root == (Hash{}) {
		root = EmptyRootHash
	}
	codeHash := a.CodeHash
	if len(codeHash) == 0 {
		codeHash = EmptyCodeHash.Bytes()
	}
	balance := a.Balance
	if balance == nil {
		balance = new(big.Int)
	}
	return rlp.EncodeToBytes(rlpAccount{
		Nonce:    a.Nonce,
		Balance:  balance,
		Root:     root.Bytes(),
		CodeHash: codeHash,
	})
}

// DecodeAccountRLP parses a state-trie leaf value back into an Account.
func DecodeAccountRLP(data []byte) (Account, error) {
	var raw rlpAccount
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return Account{}, err
	}
	acc := Account{
		Nonce:    raw.Nonce,
		Balance:  raw.Balance,
		CodeHash: raw.CodeHash,
	}
	copy(acc.Root[:], raw.Root)
	return acc, nil
}
