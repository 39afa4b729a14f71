package core

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethcore/ethcore/core/state"
	"github.com/ethcore/ethcore/core/types"
	"github.com/ethcore/ethcore/core/vm"
)

// Intrinsic gas constants (classical, pre-Shanghai/Istanbul calldata pricing
// aside — these are the Frontier/Homestead/Byzantium base costs still in
// effect through Berlin).
const (
	TxGas            uint64 = 21000
	TxDataZeroGas    uint64 = 4
	TxDataNonZeroGas uint64 = 16
	TxCreateGas      uint64 = 32000
)

// Transaction application errors.
var (
	ErrNonceTooLow         = errors.New("nonce too low")
	ErrNonceTooHigh        = errors.New("nonce too high")
	ErrInsufficientBalance = errors.New("insufficient balance for transfer")
	ErrGasLimitExceeded    = errors.New("gas limit exceeded")
	ErrIntrinsicGasTooLow  = errors.New("intrinsic gas too low")
	ErrContractCreation    = errors.New("contract creation failed")
	ErrContractCall        = errors.New("contract call failed")
)

// StateProcessor applies the transactions of a block against a StateDB,
// producing the resulting receipts. It holds no state of its own beyond the
// chain configuration and an optional BLOCKHASH resolver.
type StateProcessor struct {
	config  *ChainConfig
	getHash vm.GetHashFunc
}

// NewStateProcessor creates a StateProcessor for the given chain configuration.
func NewStateProcessor(config *ChainConfig) *StateProcessor {
	return &StateProcessor{config: config}
}

// SetGetHash installs the BLOCKHASH resolver used by the EVM. If unset,
// BLOCKHASH always resolves to the zero hash.
func (p *StateProcessor) SetGetHash(fn vm.GetHashFunc) {
	p.getHash = fn
}

// Process executes every transaction in the block against statedb in order,
// returning the resulting receipts. It does not validate the header against
// the block's execution results (see ValidatePostBlock) and does not credit
// the block reward (see AccumulateRewards) — callers that want the full
// block pipeline should use StateTransition.ApplyBlock instead.
func (p *StateProcessor) Process(block *types.Block, statedb state.StateDB) ([]*types.Receipt, error) {
	header := block.Header()
	txs := block.Transactions()

	gp := new(GasPool).AddGas(header.GasLimit)

	receipts := make([]*types.Receipt, 0, len(txs))
	var cumulativeGasUsed uint64

	for i, tx := range txs {
		statedb.SetTxContext(tx.Hash(), i)

		receipt, usedGas, err := applyTransaction(p.config, p.getHash, statedb, header, tx, gp)
		if err != nil {
			return nil, fmt.Errorf("tx %d [%s]: %w", i, tx.Hash().Hex(), err)
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

	return receipts, nil
}

// ApplyTransaction applies a single transaction against statedb and returns
// the resulting receipt and gas used.
func ApplyTransaction(config *ChainConfig, statedb state.StateDB, header *types.Header, tx *types.Transaction, gp *GasPool) (*types.Receipt, uint64, error) {
	return applyTransaction(config, nil, statedb, header, tx, gp)
}

// applyTransaction is the internal implementation shared by ApplyTransaction
// and StateProcessor.Process.
func applyTransaction(config *ChainConfig, getHash vm.GetHashFunc, statedb state.StateDB, header *types.Header, tx *types.Transaction, gp *GasPool) (*types.Receipt, uint64, error) {
	msg := TransactionToMessage(tx)
	if sender := tx.Sender(); sender != nil {
		msg.From = *sender
	}

	snapshot := statedb.Snapshot()
	result, err := applyMessage(config, getHash, statedb, header, &msg, gp)
	if err != nil {
		statedb.RevertToSnapshot(snapshot)
		return nil, 0, err
	}

	var status uint64
	if result.Failed() {
		status = types.ReceiptStatusFailed
	} else {
		status = types.ReceiptStatusSuccessful
	}

	receipt := types.NewReceipt(status, result.UsedGas)
	receipt.Type = tx.Type()
	receipt.TxHash = tx.Hash()
	receipt.GasUsed = result.UsedGas
	receipt.EffectiveGasPrice = new(big.Int).Set(msg.GasPrice)

	if msg.To == nil {
		receipt.ContractAddress = result.ContractAddress
	}

	receipt.Logs = statedb.GetLogs(tx.Hash())
	receipt.Bloom = types.LogsBloom(receipt.Logs)

	return receipt, result.UsedGas, nil
}

// setLogContext fills in the block-identifying fields of a receipt's logs
// once the including block's hash is known.
func setLogContext(receipt *types.Receipt, header *types.Header, blockHash types.Hash) {
	for _, log := range receipt.Logs {
		log.BlockNumber = header.Number.Uint64()
		log.BlockHash = blockHash
		log.TxHash = receipt.TxHash
	}
}

// intrinsicGas computes the base gas cost of a message before EVM execution:
// the flat transaction fee, per-byte calldata cost, and the contract-creation
// surcharge.
func intrinsicGas(data []byte, isCreate bool) uint64 {
	gas := TxGas
	if isCreate {
		gas += TxCreateGas
	}
	for _, b := range data {
		if b == 0 {
			gas += TxDataZeroGas
		} else {
			gas += TxDataNonZeroGas
		}
	}
	return gas
}

// ExecutionResult holds the outcome of applying a single message (the
// EVM-execution portion of a transaction) against the state.
type ExecutionResult struct {
	UsedGas         uint64
	Err             error
	ReturnData      []byte
	ContractAddress types.Address
}

// Failed reports whether execution ended in an EVM-level error (out of gas,
// revert, invalid opcode, and so on). A Failed result still consumes gas and
// still produces a receipt — it differs from the errors applyMessage itself
// returns, which indicate the transaction was invalid and never ran.
func (r *ExecutionResult) Failed() bool { return r.Err != nil }

// Unwrap returns the underlying EVM error, or nil on success.
func (r *ExecutionResult) Unwrap() error { return r.Err }

// Return returns the data returned by a successful execution, or nil on failure.
func (r *ExecutionResult) Return() []byte {
	if r.Err != nil {
		return nil
	}
	return r.ReturnData
}

// Revert returns the revert reason data from a failed execution, or nil on success.
func (r *ExecutionResult) Revert() []byte {
	if r.Err == nil {
		return nil
	}
	return r.ReturnData
}

// applyMessage runs a single message against statedb: it validates the
// sender's nonce and balance, deducts the gas cost up front, executes the
// message as either a CREATE or a CALL, applies the refund counter (capped
// at half the gas used), returns unused gas to the pool, and credits the
// entire gas payment to the block's coinbase.
func applyMessage(config *ChainConfig, getHash vm.GetHashFunc, statedb state.StateDB, header *types.Header, msg *Message, gp *GasPool) (*ExecutionResult, error) {
	isCreate := msg.To == nil

	// Gas limit must fit in the remaining block gas pool.
	if err := gp.SubGas(msg.GasLimit); err != nil {
		return nil, err
	}

	// Nonce check.
	stateNonce := statedb.GetNonce(msg.From)
	if msg.Nonce < stateNonce {
		gp.AddGas(msg.GasLimit)
		return nil, fmt.Errorf("%w: tx %d, state %d", ErrNonceTooLow, msg.Nonce, stateNonce)
	}
	if msg.Nonce > stateNonce {
		gp.AddGas(msg.GasLimit)
		return nil, fmt.Errorf("%w: tx %d, state %d", ErrNonceTooHigh, msg.Nonce, stateNonce)
	}

	gasPrice := msg.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}

	// Balance check: value transferred plus the full gas allowance at the
	// message's gas price.
	value := msg.Value
	if value == nil {
		value = new(big.Int)
	}
	gasCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(msg.GasLimit))
	totalCost := new(big.Int).Add(value, gasCost)

	igas := intrinsicGas(msg.Data, isCreate)
	if msg.GasLimit < igas {
		gp.AddGas(msg.GasLimit)
		return nil, fmt.Errorf("%w: have %d, want %d", ErrIntrinsicGasTooLow, msg.GasLimit, igas)
	}

	balance := statedb.GetBalance(msg.From)
	if balance.Cmp(totalCost) < 0 {
		gp.AddGas(msg.GasLimit)
		return nil, fmt.Errorf("%w: have %s, want %s", ErrInsufficientBalance, balance, totalCost)
	}

	// Deduct gas cost up front; unused gas is refunded after execution.
	statedb.SubBalance(msg.From, gasCost)

	if !isCreate {
		statedb.SetNonce(msg.From, stateNonce+1)
	}

	rules := config.Rules(header.Number)
	forkRules := vm.ForkRules{
		IsBerlin:         rules.IsBerlin,
		IsIstanbul:       rules.IsIstanbul,
		IsConstantinople: rules.IsConstantinople,
		IsByzantium:      rules.IsByzantium,
		IsHomestead:      rules.IsHomestead,
		IsEIP158:         rules.IsEIP158,
	}

	blockCtx := vm.BlockContext{
		GetHash:     getHash,
		BlockNumber: header.Number,
		Time:        header.Time,
		Coinbase:    header.Coinbase,
		GasLimit:    header.GasLimit,
		PrevRandao:  header.MixDigest,
	}
	txCtx := vm.TxContext{
		Origin:   msg.From,
		GasPrice: gasPrice,
	}

	evm := vm.NewEVMWithState(blockCtx, txCtx, vm.Config{}, statedb)
	evm.SetJumpTable(vm.SelectJumpTable(forkRules))
	evm.SetPrecompiles(vm.SelectPrecompiles(forkRules))
	evm.SetForkRules(forkRules)

	// EIP-2929: pre-warm sender, recipient and precompiles before execution.
	if rules.IsBerlin {
		evm.PreWarmAccessList(msg.From, msg.To)
	}

	gasRemaining := msg.GasLimit - igas

	var (
		returnData      []byte
		leftOverGas     uint64
		vmErr           error
		contractAddress types.Address
	)

	if isCreate {
		returnData, contractAddress, leftOverGas, vmErr = evm.Create(msg.From, msg.Data, gasRemaining, value)
	} else {
		returnData, leftOverGas, vmErr = evm.Call(msg.From, *msg.To, msg.Data, gasRemaining, value)
	}

	gasUsed := msg.GasLimit - leftOverGas

	// Refund counter, capped at half the gas used (classical pre-EIP-3529 rule).
	refund := statedb.GetRefund()
	maxRefund := gasUsed / 2
	if refund > maxRefund {
		refund = maxRefund
	}
	leftOverGas += refund
	gasUsed -= refund

	// Return unused gas to the pool and to the sender.
	gp.AddGas(leftOverGas)
	remainingCost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(leftOverGas))
	statedb.AddBalance(msg.From, remainingCost)

	// All gas actually spent goes to the coinbase: no base-fee burn, since
	// this chain predates EIP-1559.
	coinbasePayment := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasUsed))
	statedb.AddBalance(header.Coinbase, coinbasePayment)

	result := &ExecutionResult{
		UsedGas:         gasUsed,
		Err:             vmErr,
		ReturnData:      returnData,
		ContractAddress: contractAddress,
	}
	return result, nil
}
