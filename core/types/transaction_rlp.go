package types

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethcore/ethcore/rlp"
	"golang.org/x/crypto/sha3"
)

var errUnknownTxType = errors.New("unknown transaction type")

// legacyTxRLP is the RLP encoding layout for LegacyTx.
// Fields: [nonce, gasPrice, gasLimit, to, value, data, v, r, s]
type legacyTxRLP struct {
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	To       []byte // empty for contract creation, 20 bytes otherwise
	Value    *big.Int
	Data     []byte
	V        *big.Int
	R        *big.Int
	S        *big.Int
}

// EncodeRLP returns the RLP encoding of the transaction: RLP([nonce,
// gasPrice, gasLimit, to, value, data, v, r, s]).
func (tx *Transaction) EncodeRLP() ([]byte, error) {
	inner, ok := tx.inner.(*LegacyTx)
	if !ok {
		return nil, errUnknownTxType
	}
	enc := legacyTxRLP{
		Nonce:    inner.Nonce,
		GasPrice: bigOrZero(inner.GasPrice),
		Gas:      inner.Gas,
		To:       addressPtrToBytes(inner.To),
		Value:    bigOrZero(inner.Value),
		Data:     inner.Data,
		V:        bigOrZero(inner.V),
		R:        bigOrZero(inner.R),
		S:        bigOrZero(inner.S),
	}
	return rlp.EncodeToBytes(enc)
}

// DecodeTxRLP decodes an RLP-encoded legacy transaction.
func DecodeTxRLP(data []byte) (*Transaction, error) {
	if len(data) == 0 {
		return nil, errors.New("empty transaction data")
	}
	var dec legacyTxRLP
	if err := rlp.DecodeBytes(data, &dec); err != nil {
		return nil, fmt.Errorf("decode legacy tx: %w", err)
	}
	inner := &LegacyTx{
		Nonce:    dec.Nonce,
		GasPrice: dec.GasPrice,
		Gas:      dec.Gas,
		To:       bytesToAddressPtr(dec.To),
		Value:    dec.Value,
		Data:     dec.Data,
		V:        dec.V,
		R:        dec.R,
		S:        dec.S,
	}
	return NewTransaction(inner), nil
}

func addressPtrToBytes(a *Address) []byte {
	if a == nil {
		return nil
	}
	return a[:]
}

func bytesToAddressPtr(b []byte) *Address {
	if len(b) == 0 {
		return nil
	}
	a := BytesToAddress(b)
	return &a
}

// bigOrZero returns i if non-nil, otherwise a zero big.Int.
func bigOrZero(i *big.Int) *big.Int {
	if i != nil {
		return i
	}
	return new(big.Int)
}

// hashRLP computes Keccak-256 of the transaction's RLP encoding.
func (tx *Transaction) hashRLP() Hash {
	enc, err := tx.EncodeRLP()
	if err != nil {
		return Hash{}
	}
	d := sha3.NewLegacyKeccak256()
	d.Write(enc)
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}

// SigningHash returns the hash that was signed to produce the transaction's
// signature: for pre-EIP-155 legacy transactions,
// Keccak256(RLP([nonce, gasPrice, gas, to, value, data])); for EIP-155
// transactions, the chain ID and two zero fields are appended per §3.
func (tx *Transaction) SigningHash() Hash {
	t, ok := tx.inner.(*LegacyTx)
	if !ok {
		return Hash{}
	}
	return signingHashLegacy(t)
}

func signingHashLegacy(tx *LegacyTx) Hash {
	chainID := deriveChainID(tx.V)
	toBytes := make([]byte, 0)
	if tx.To != nil {
		toBytes = tx.To[:]
	}

	var items [][]byte
	enc := func(v interface{}) {
		b, _ := rlp.EncodeToBytes(v)
		items = append(items, b)
	}

	enc(tx.Nonce)
	enc(tx.GasPrice)
	enc(tx.Gas)
	enc(toBytes)
	enc(tx.Value)
	enc(tx.Data)

	if chainID != nil && chainID.Sign() > 0 {
		enc(chainID)
		enc(uint(0))
		enc(uint(0))
	}

	var payload []byte
	for _, item := range items {
		payload = append(payload, item...)
	}
	encoded := rlp.WrapList(payload)

	d := sha3.NewLegacyKeccak256()
	d.Write(encoded)
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}
