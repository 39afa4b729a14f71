package core

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethcore/ethcore/consensus"
	"github.com/ethcore/ethcore/core/types"
	"github.com/ethcore/ethcore/crypto"
	"github.com/ethcore/ethcore/rlp"
)

// Block validation errors.
var (
	ErrUnknownParent       = errors.New("unknown parent")
	ErrFutureBlock         = errors.New("block in the future")
	ErrInvalidNumber       = errors.New("invalid block number")
	ErrInvalidGasLimit     = errors.New("invalid gas limit")
	ErrInvalidGasUsed      = errors.New("gas used exceeds gas limit")
	ErrInvalidTimestamp    = errors.New("timestamp not greater than parent")
	ErrExtraDataTooLong    = errors.New("extra data too long")
	ErrInvalidDifficulty   = errors.New("invalid block difficulty")
	ErrTooManyUncles       = errors.New("too many uncles")
	ErrDuplicateUncle      = errors.New("duplicate uncle")
	ErrUncleIsAncestor     = errors.New("uncle is an ancestor")
	ErrUncleTooOld         = errors.New("uncle too old")
	ErrInvalidUncleParent  = errors.New("uncle's parent is not an ancestor")
	ErrInvalidUncleHash    = errors.New("uncle hash mismatch")
	ErrInvalidSeal         = errors.New("invalid proof-of-work seal")
)

const (
	// MaxExtraDataSize is the maximum allowed extra data in a block header.
	MaxExtraDataSize = 32

	// GasLimitBoundDivisor is the divisor for max gas limit change per block.
	GasLimitBoundDivisor uint64 = 1024

	// MinGasLimit is the minimum gas limit.
	MinGasLimit uint64 = 5000

	// MaxGasLimit is the maximum gas limit (2^63 - 1).
	MaxGasLimit uint64 = 1<<63 - 1

	// MaxUncles is the maximum number of uncles a block may include.
	MaxUncles = 2

	// MaxUncleDepth is how many generations back an uncle's parent may be
	// from the including block for the uncle to still be valid.
	MaxUncleDepth = 7
)

// AncestorReader looks up ancestor headers by hash, used to validate that
// an uncle's parent is a recent ancestor of the including block.
type AncestorReader interface {
	GetHeader(hash types.Hash) *types.Header
}

// BlockValidator validates block headers and bodies against classical
// proof-of-work consensus rules.
type BlockValidator struct {
	config *ChainConfig
	hv     *consensus.HeaderValidator
}

// NewBlockValidator creates a new block validator.
func NewBlockValidator(config *ChainConfig) *BlockValidator {
	return &BlockValidator{config: config, hv: consensus.NewHeaderValidator()}
}

// ValidateHeader checks whether a header conforms to the consensus rules,
// delegating parent linkage, number continuity, timestamp, gas limit and
// extra-data checks to the shared header validator, then additionally
// verifying the difficulty matches the classical formula.
func (v *BlockValidator) ValidateHeader(header, parent *types.Header) error {
	if err := v.hv.ValidateHeader(header, parent); err != nil {
		return err
	}

	expectedDifficulty := consensus.CalcDifficulty(header.Number, parent.Difficulty, parent.Time, header.Time)
	if header.Difficulty == nil || header.Difficulty.Cmp(expectedDifficulty) != 0 {
		return fmt.Errorf("%w: want %v, got %v", ErrInvalidDifficulty, expectedDifficulty, header.Difficulty)
	}

	if !v.config.SkipSealVerification {
		if err := consensus.VerifySeal(header); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSeal, err)
		}
	}

	return nil
}

// ValidateBody checks the block body (transactions and uncles) against the
// header: the uncle hash must match, at most MaxUncles may be included, and
// each uncle must independently satisfy header validity plus the classical
// recency and non-duplication rules. ancestors may be nil, in which case
// uncle ancestry is not checked (useful for isolated/test blocks).
func (v *BlockValidator) ValidateBody(block *types.Block, ancestors AncestorReader) error {
	uncles := block.Uncles()
	if len(uncles) > MaxUncles {
		return fmt.Errorf("%w: %d > %d", ErrTooManyUncles, len(uncles), MaxUncles)
	}

	computedHash, err := CalcUncleHash(uncles)
	if err != nil {
		return err
	}
	if block.UncleHash() != computedHash {
		return fmt.Errorf("%w: header %s, computed %s", ErrInvalidUncleHash, block.UncleHash().Hex(), computedHash.Hex())
	}

	seen := make(map[types.Hash]bool, len(uncles))
	for _, uncle := range uncles {
		uh := uncle.Hash()
		if seen[uh] {
			return fmt.Errorf("%w: %s", ErrDuplicateUncle, uh.Hex())
		}
		seen[uh] = true

		if uncle.Number.Cmp(block.Number()) >= 0 {
			return fmt.Errorf("%w: %s", ErrUncleIsAncestor, uh.Hex())
		}
		depth := new(big.Int).Sub(block.Number(), uncle.Number)
		if depth.Cmp(big.NewInt(MaxUncleDepth)) > 0 {
			return fmt.Errorf("%w: uncle %s is %s generations old", ErrUncleTooOld, uh.Hex(), depth)
		}

		if ancestors != nil {
			uncleParent := ancestors.GetHeader(uncle.ParentHash)
			if uncleParent == nil {
				return fmt.Errorf("%w: %s", ErrInvalidUncleParent, uh.Hex())
			}
			if err := v.ValidateHeader(uncle, uncleParent); err != nil {
				return fmt.Errorf("uncle %s: %w", uh.Hex(), err)
			}
		}
	}

	return nil
}

// CalcUncleHash computes the Keccak-256 hash of the RLP-encoded uncle list,
// matching the protocol's UncleHash header field.
func CalcUncleHash(uncles []*types.Header) (types.Hash, error) {
	if len(uncles) == 0 {
		return types.EmptyUncleHash, nil
	}
	var payload bytes.Buffer
	for _, uncle := range uncles {
		enc, err := uncle.EncodeRLP()
		if err != nil {
			return types.Hash{}, err
		}
		payload.Write(enc)
	}
	return crypto.Keccak256Hash(rlp.WrapList(payload.Bytes())), nil
}
