// validator.go implements a standalone, stateless transaction validator
// that runs a fixed sequence of checks (basic shape, gas bounds, size
// bounds, chain ID, signature presence) and reports which checks passed.
package txpool

import (
	"errors"
	"math/big"

	"github.com/ethcore/ethcore/core/types"
)

// oneGwei is 1 Gwei in wei, the default minimum gas price floor.
var oneGwei = big.NewInt(1_000_000_000)

// Transaction validation errors.
var (
	ErrTxGasTooLow    = errors.New("txpool/validator: gas price or gas limit too low")
	ErrTxGasTooHigh   = errors.New("txpool/validator: gas limit too high")
	ErrTxDataTooLarge = errors.New("txpool/validator: data too large")
	ErrTxValueTooHigh = errors.New("txpool/validator: value too high")
	ErrTxNoSignature  = errors.New("txpool/validator: missing signature")
	ErrTxBadChainID   = errors.New("txpool/validator: chain ID mismatch")
)

// TxValidationConfig configures a TxValidator.
type TxValidationConfig struct {
	MinGasPrice *big.Int // minimum accepted gas price (0 = use default)
	MaxGasLimit uint64   // maximum accepted gas limit (0 = use default)
	MaxDataSize int      // maximum accepted data size in bytes (0 = use default)
	MaxValueWei *big.Int // maximum accepted value in wei (nil = unbounded)
	ChainID     uint64   // expected chain ID (0 = skip chain ID check)
}

// DefaultTxValidationConfig returns sensible defaults: 1 Gwei minimum gas
// price, 30M gas limit, 128KiB data, mainnet chain ID.
func DefaultTxValidationConfig() TxValidationConfig {
	return TxValidationConfig{
		MinGasPrice: new(big.Int).Set(oneGwei),
		MaxGasLimit: 30_000_000,
		MaxDataSize: 128 * 1024,
		ChainID:     1,
	}
}

// ValidationResult reports the outcome of validating one transaction,
// including the ordered list of checks that passed before any failure.
type ValidationResult struct {
	Valid  bool
	Error  error
	Checks []string
}

// TxValidator runs a fixed pipeline of stateless checks against
// transactions. It holds no pool state and is safe for concurrent use.
type TxValidator struct {
	config TxValidationConfig
}

// NewTxValidator creates a validator with the given config, filling in
// zero-valued fields with defaults.
func NewTxValidator(config TxValidationConfig) *TxValidator {
	if config.MinGasPrice == nil {
		config.MinGasPrice = new(big.Int).Set(oneGwei)
	}
	if config.MaxGasLimit == 0 {
		config.MaxGasLimit = 30_000_000
	}
	if config.MaxDataSize == 0 {
		config.MaxDataSize = 128 * 1024
	}
	return &TxValidator{config: config}
}

// ValidateTx runs the full check pipeline against tx: basic shape, gas
// bounds, size bounds, chain ID (if configured), and signature presence.
// It stops and reports the first failing check.
func (v *TxValidator) ValidateTx(tx *types.Transaction) ValidationResult {
	var checks []string

	if err := v.ValidateBasic(tx); err != nil {
		return ValidationResult{Valid: false, Error: err, Checks: checks}
	}
	checks = append(checks, "basic")

	if err := v.ValidateGas(tx); err != nil {
		return ValidationResult{Valid: false, Error: err, Checks: checks}
	}
	checks = append(checks, "gas")

	if err := v.ValidateSize(tx); err != nil {
		return ValidationResult{Valid: false, Error: err, Checks: checks}
	}
	checks = append(checks, "size")

	if v.config.ChainID != 0 {
		if err := v.ValidateChainID(tx, v.config.ChainID); err != nil {
			return ValidationResult{Valid: false, Error: err, Checks: checks}
		}
		checks = append(checks, "chainid")
	}

	if err := v.ValidateSignature(tx); err != nil {
		return ValidationResult{Valid: false, Error: err, Checks: checks}
	}
	checks = append(checks, "signature")

	return ValidationResult{Valid: true, Checks: checks}
}

// ValidateBatch validates each transaction in txs independently.
func (v *TxValidator) ValidateBatch(txs []*types.Transaction) []ValidationResult {
	results := make([]ValidationResult, len(txs))
	for i, tx := range txs {
		results[i] = v.ValidateTx(tx)
	}
	return results
}

// ValidateBasic checks that the transaction has a nonzero gas limit and,
// if a value transfer is present, a non-negative value.
func (v *TxValidator) ValidateBasic(tx *types.Transaction) error {
	if tx.Gas() == 0 {
		return ErrTxGasTooLow
	}
	if val := tx.Value(); val != nil && val.Sign() < 0 {
		return ErrTxValueTooHigh
	}
	if v.config.MaxValueWei != nil {
		if val := tx.Value(); val != nil && val.Cmp(v.config.MaxValueWei) > 0 {
			return ErrTxValueTooHigh
		}
	}
	return nil
}

// ValidateGas checks the transaction's gas price against the configured
// minimum and its gas limit against the configured maximum.
func (v *TxValidator) ValidateGas(tx *types.Transaction) error {
	gp := tx.GasPrice()
	if gp == nil || gp.Cmp(v.config.MinGasPrice) < 0 {
		return ErrTxGasTooLow
	}
	if tx.Gas() > v.config.MaxGasLimit {
		return ErrTxGasTooHigh
	}
	return nil
}

// ValidateSize checks the transaction's input data against the
// configured maximum size.
func (v *TxValidator) ValidateSize(tx *types.Transaction) error {
	if len(tx.Data()) > v.config.MaxDataSize {
		return ErrTxDataTooLarge
	}
	return nil
}

// ValidateChainID checks that tx was signed for the expected chain ID.
// Pre-EIP-155 legacy transactions (chain ID 0) always pass.
func (v *TxValidator) ValidateChainID(tx *types.Transaction, expected uint64) error {
	chainID := tx.ChainId()
	if chainID == nil || chainID.Sign() == 0 {
		return nil
	}
	if chainID.Cmp(new(big.Int).SetUint64(expected)) != 0 {
		return ErrTxBadChainID
	}
	return nil
}

// ValidateSignature checks that the transaction carries a non-zero
// signature.
func (v *TxValidator) ValidateSignature(tx *types.Transaction) error {
	vv, r, s := tx.RawSignatureValues()
	if vv == nil || r == nil || s == nil {
		return ErrTxNoSignature
	}
	if r.Sign() == 0 || s.Sign() == 0 {
		return ErrTxNoSignature
	}
	return nil
}
