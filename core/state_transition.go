// state_transition.go implements the Ethereum execution layer state transition
// function: validating transactions, applying them against the state, and
// performing post-block validation (state root, gas used, logs bloom) plus
// the classical block reward schedule.
package core

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethcore/ethcore/core/state"
	"github.com/ethcore/ethcore/core/types"
)

// State transition errors.
var (
	ErrSTStateRootMismatch   = errors.New("post-state root mismatch")
	ErrSTReceiptRootMismatch = errors.New("receipt root mismatch")
	ErrSTBloomMismatch       = errors.New("logs bloom mismatch")
	ErrSTGasUsedMismatch     = errors.New("gas used mismatch")
	ErrSTInvalidSender       = errors.New("transaction sender not set")
)

// StateTransition manages the execution of a block against the world state.
// It validates transactions, executes them sequentially, and performs
// post-block state-root computation. All public methods are thread-safe.
type StateTransition struct {
	mu     sync.Mutex
	config *ChainConfig
}

// NewStateTransition creates a new StateTransition with the given chain config.
func NewStateTransition(config *ChainConfig) *StateTransition {
	return &StateTransition{config: config}
}

// TransitionResult holds the outputs of a block state transition.
type TransitionResult struct {
	Receipts  []*types.Receipt
	GasUsed   uint64
	LogsBloom types.Bloom
	StateRoot types.Hash
}

// ApplyBlock executes all transactions in the block against the given state
// and returns the collected receipts, then credits the block reward (and any
// ommer rewards) to the coinbase and ommer beneficiaries.
func (st *StateTransition) ApplyBlock(block *types.Block, statedb state.StateDB) (*TransitionResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	header := block.Header()
	txs := block.Transactions()

	gasPool := new(GasPool).AddGas(header.GasLimit)

	var (
		receipts          []*types.Receipt
		cumulativeGasUsed uint64
	)

	for i, tx := range txs {
		if err := ValidateTransaction(tx, statedb, header, st.config); err != nil {
			return nil, fmt.Errorf("tx %d validation failed: %w", i, err)
		}

		statedb.SetTxContext(tx.Hash(), i)

		receipt, usedGas, err := applyTransaction(st.config, nil, statedb, header, tx, gasPool)
		if err != nil {
			return nil, fmt.Errorf("tx %d [%s] execution failed: %w", i, tx.Hash().Hex(), err)
		}

		cumulativeGasUsed += usedGas
		receipt.CumulativeGasUsed = cumulativeGasUsed
		receipt.TransactionIndex = uint(i)
		receipt.BlockHash = block.Hash()
		receipt.BlockNumber = new(big.Int).Set(header.Number)
		setLogContext(receipt, header, block.Hash())

		receipts = append(receipts, receipt)
	}

	var logIdx uint
	for _, r := range receipts {
		for _, l := range r.Logs {
			l.Index = logIdx
			logIdx++
		}
	}

	AccumulateRewards(st.config, statedb, header, block.Uncles())

	bloom := types.CreateBloom(receipts)

	stateRoot, err := statedb.Commit()
	if err != nil {
		return nil, fmt.Errorf("state commit failed: %w", err)
	}

	return &TransitionResult{
		Receipts:  receipts,
		GasUsed:   cumulativeGasUsed,
		LogsBloom: bloom,
		StateRoot: stateRoot,
	}, nil
}

// ValidateTransaction performs full validation of a transaction against the
// current state and block header: nonce, gas limit, intrinsic gas and
// balance.
func ValidateTransaction(tx *types.Transaction, statedb state.StateDB, header *types.Header, config *ChainConfig) error {
	sender := tx.Sender()
	if sender == nil {
		return ErrSTInvalidSender
	}
	from := *sender

	stateNonce := statedb.GetNonce(from)
	if tx.Nonce() < stateNonce {
		return fmt.Errorf("%w: tx %d, state %d", ErrNonceTooLow, tx.Nonce(), stateNonce)
	}
	if tx.Nonce() > stateNonce {
		return fmt.Errorf("%w: tx %d, state %d", ErrNonceTooHigh, tx.Nonce(), stateNonce)
	}

	if tx.Gas() > header.GasLimit {
		return fmt.Errorf("%w: tx gas %d > block limit %d",
			ErrGasLimitExceeded, tx.Gas(), header.GasLimit)
	}

	igas := txIntrinsicGas(tx)
	if tx.Gas() < igas {
		return fmt.Errorf("%w: have %d, want %d",
			ErrIntrinsicGasTooLow, tx.Gas(), igas)
	}

	cost := TxCost(tx)
	balance := statedb.GetBalance(from)
	if balance.Cmp(cost) < 0 {
		return fmt.Errorf("%w: have %s, want %s",
			ErrInsufficientBalance, balance.String(), cost.String())
	}

	return nil
}

// txIntrinsicGas computes the base gas cost of a transaction before EVM
// execution: the flat transaction fee, per-byte calldata cost, and the
// contract-creation surcharge.
func txIntrinsicGas(tx *types.Transaction) uint64 {
	isCreate := tx.To() == nil
	gas := TxGas
	if isCreate {
		gas += TxCreateGas
	}
	for _, b := range tx.Data() {
		if b == 0 {
			gas += TxDataZeroGas
		} else {
			gas += TxDataNonZeroGas
		}
	}
	return gas
}

// TxCost computes the maximum cost a transaction can incur: value transfer
// plus gas cost at the transaction's own gas price.
func TxCost(tx *types.Transaction) *big.Int {
	cost := new(big.Int)
	if tx.Value() != nil {
		cost.Set(tx.Value())
	}
	gasPrice := tx.GasPrice()
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(tx.Gas()))
	return cost.Add(cost, gasCost)
}

// ValidatePostBlock checks that the block header fields match the computed
// values from execution: state root, gas used, and logs bloom.
func ValidatePostBlock(header *types.Header, result *TransitionResult) error {
	if header.GasUsed != result.GasUsed {
		return fmt.Errorf("%w: header %d, computed %d",
			ErrSTGasUsedMismatch, header.GasUsed, result.GasUsed)
	}

	if header.Root != result.StateRoot {
		return fmt.Errorf("%w: header %s, computed %s",
			ErrSTStateRootMismatch, header.Root.Hex(), result.StateRoot.Hex())
	}

	if header.Bloom != result.LogsBloom {
		return ErrSTBloomMismatch
	}

	return nil
}

// weiPerEther is 1 ETH expressed in Wei.
var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// BlockReward returns the static block reward in Wei for the fork active at
// header.Number: 5 ETH before Byzantium, 3 ETH from Byzantium, 2 ETH from
// Constantinople onward.
func BlockReward(config *ChainConfig, header *types.Header) *big.Int {
	var ether int64 = 5
	if config != nil {
		switch {
		case config.IsConstantinople(header.Number):
			ether = 2
		case config.IsByzantium(header.Number):
			ether = 3
		}
	}
	return new(big.Int).Mul(big.NewInt(ether), weiPerEther)
}

// AccumulateRewards credits the block reward to the coinbase and distributes
// ommer (uncle) rewards per the classical schedule: each ommer included at
// depth d (1..7 blocks behind the including block) earns (8-d)/8 of the
// block reward, and the including block's coinbase earns an extra 1/32 of
// the block reward for each ommer it includes.
func AccumulateRewards(config *ChainConfig, statedb state.StateDB, header *types.Header, uncles []*types.Header) {
	reward := BlockReward(config, header)
	if reward.Sign() == 0 {
		return
	}

	coinbaseReward := new(big.Int).Set(reward)
	for _, uncle := range uncles {
		// (8 - (blockNumber - uncleNumber)) * reward / 8
		depth := new(big.Int).Sub(header.Number, uncle.Number)
		uncleReward := new(big.Int).Sub(big.NewInt(8), depth)
		uncleReward.Mul(uncleReward, reward)
		uncleReward.Div(uncleReward, big.NewInt(8))
		if uncleReward.Sign() > 0 {
			statedb.AddBalance(uncle.Coinbase, uncleReward)
		}

		// coinbase bonus: reward / 32 per included ommer.
		bonus := new(big.Int).Div(reward, big.NewInt(32))
		coinbaseReward.Add(coinbaseReward, bonus)
	}
	statedb.AddBalance(header.Coinbase, coinbaseReward)
}
