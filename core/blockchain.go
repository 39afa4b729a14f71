package core

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethcore/ethcore/core/rawdb"
	"github.com/ethcore/ethcore/core/state"
	"github.com/ethcore/ethcore/core/types"
)

var (
	ErrNoGenesis      = errors.New("genesis block not provided")
	ErrGenesisExists  = errors.New("genesis already initialized")
	ErrBlockNotFound  = errors.New("block not found")
	ErrInvalidChain   = errors.New("invalid chain: blocks not contiguous")
	ErrFutureBlock2   = errors.New("block number too high")
	ErrStateNotFound  = errors.New("state not found for block")
)

// Blockchain manages the canonical chain of blocks, applying state
// transitions and persisting data to the underlying database.
type Blockchain struct {
	mu        sync.RWMutex
	config    *ChainConfig
	db        rawdb.Database
	hc        *HeaderChain
	processor *StateProcessor
	validator *BlockValidator

	// Block cache: hash -> block.
	blockCache map[types.Hash]*types.Block

	// Canonical number -> hash for quick lookups.
	canonCache map[uint64]types.Hash

	// Genesis state (used as base for re-execution).
	genesisState *state.MemoryStateDB

	// Current state after processing the head block.
	currentState *state.MemoryStateDB

	// The genesis block.
	genesis *types.Block

	// Current head block.
	currentBlock *types.Block

	// Receipts produced for each inserted block, keyed by block hash.
	receiptCache map[types.Hash][]*types.Receipt

	// Transaction lookup index: tx hash -> (block hash, block number, index).
	txLookup map[types.Hash]txLookupEntry

	// bt indexes every known block by hash and picks the canonical tip by
	// total difficulty, per the classical fork-choice rule: the heaviest
	// chain wins even if it is not the tallest.
	bt *Blocktree

	// reorgLog records every canonical head change bt produces, so RPC and
	// logging callers can inspect reorg depth and history without having to
	// diff blocktree snapshots themselves.
	reorgLog *ChainReorgHandler
}

// txLookupEntry records where a transaction was included in the canonical chain.
type txLookupEntry struct {
	blockHash types.Hash
	blockNum  uint64
	index     uint64
}

// NewBlockchain creates a new blockchain initialized with the given genesis block.
// The statedb should contain the genesis state (pre-funded accounts, etc.).
func NewBlockchain(config *ChainConfig, genesis *types.Block, statedb *state.MemoryStateDB, db rawdb.Database) (*Blockchain, error) {
	if genesis == nil {
		return nil, ErrNoGenesis
	}

	bc := &Blockchain{
		config:       config,
		db:           db,
		processor:    NewStateProcessor(config),
		validator:    NewBlockValidator(config),
		blockCache:   make(map[types.Hash]*types.Block),
		canonCache:   make(map[uint64]types.Hash),
		genesisState: statedb,
		currentState: statedb.Copy(),
		genesis:      genesis,
		currentBlock: genesis,
		receiptCache: make(map[types.Hash][]*types.Receipt),
		txLookup:     make(map[types.Hash]txLookupEntry),
		bt:           NewBlocktree(genesis),
		reorgLog:     NewChainReorgHandler(DefaultReorgConfig()),
	}
	bc.reorgLog.ProcessNewHead(genesis.NumberU64(), genesis.Hash(), genesis.Header().ParentHash)

	// Create HeaderChain from genesis header.
	bc.hc = NewHeaderChain(config, genesis.Header())

	// Store genesis in caches.
	hash := genesis.Hash()
	bc.blockCache[hash] = genesis
	bc.canonCache[genesis.NumberU64()] = hash

	// Persist genesis to rawdb.
	bc.writeBlock(genesis)
	rawdb.WriteCanonicalHash(db, genesis.NumberU64(), hash)
	rawdb.WriteHeadBlockHash(db, hash)
	rawdb.WriteHeadHeaderHash(db, hash)

	return bc, nil
}

// InsertBlock validates, executes, and inserts a single block.
func (bc *Blockchain) InsertBlock(block *types.Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.insertBlock(block)
}

// insertBlock is the internal insert without locking.
func (bc *Blockchain) insertBlock(block *types.Block) error {
	hash := block.Hash()

	// Skip if already known.
	if _, ok := bc.blockCache[hash]; ok {
		return nil
	}

	header := block.Header()

	// Find parent.
	parent := bc.blockCache[header.ParentHash]
	if parent == nil {
		return fmt.Errorf("%w: parent %v", ErrUnknownParent, header.ParentHash)
	}

	// Validate header against parent.
	parentHeader := parent.Header()
	if err := bc.validator.ValidateHeader(header, parentHeader); err != nil {
		return err
	}

	// Validate body.
	if err := bc.validator.ValidateBody(block, bc.hc); err != nil {
		return err
	}

	// Build state for execution by re-executing from genesis.
	statedb, err := bc.stateAt(parent)
	if err != nil {
		return fmt.Errorf("state at parent %d: %w", parent.NumberU64(), err)
	}

	// Execute transactions.
	receipts, err := bc.processor.Process(block, statedb)
	if err != nil {
		return fmt.Errorf("process block %d: %w", block.NumberU64(), err)
	}

	// Store in block cache.
	bc.blockCache[hash] = block
	bc.receiptCache[hash] = receipts

	// Record the block in the blocktree and let it decide whether this
	// extends, forks from, or overtakes the canonical chain: classical
	// fork choice is total difficulty, not block height, so a shorter but
	// heavier branch must still win.
	if _, err := bc.bt.Insert(block); err != nil {
		return err
	}

	oldHead := bc.currentBlock.Hash()
	newTip, _ := bc.bt.Tip()
	switch {
	case newTip == oldHead:
		// Neither extended nor overtook the canonical chain (a side block).
	case newTip == hash && header.ParentHash == oldHead:
		// Common case: the new block directly extends the canonical head
		// and is still the heaviest chain. Adopt the state already
		// computed above instead of re-deriving it via reorgTo.
		num := block.NumberU64()
		bc.canonCache[num] = hash
		bc.currentBlock = block
		bc.currentState = statedb.(*state.MemoryStateDB)
		bc.writeBlock(block)
		rawdb.WriteCanonicalHash(bc.db, num, hash)
		rawdb.WriteHeadBlockHash(bc.db, hash)
		rawdb.WriteHeadHeaderHash(bc.db, hash)
		bc.hc.InsertHeaders([]*types.Header{header})
		for i, tx := range block.Transactions() {
			bc.txLookup[tx.Hash()] = txLookupEntry{blockHash: hash, blockNum: num, index: uint64(i)}
		}
		bc.reorgLog.ProcessNewHead(num, hash, header.ParentHash)
	default:
		// Either a fork just overtook the canonical chain by total
		// difficulty, or a late-arriving side block turned out heavier.
		if err := bc.reorgTo(newTip); err != nil {
			return err
		}
	}

	return nil
}

// reorgTo makes newTipHash the canonical head, rolling the canonical index
// back to the common ancestor with the current head and replaying every
// block on the new branch forward from there.
func (bc *Blockchain) reorgTo(newTipHash types.Hash) error {
	newTip := bc.blockCache[newTipHash]
	if newTip == nil {
		return fmt.Errorf("%w: reorg target %v", ErrBlockNotFound, newTipHash)
	}

	oldTipHash := bc.currentBlock.Hash()
	ancestorHash, ok := bc.bt.CommonAncestor(oldTipHash, newTipHash)
	if !ok {
		return fmt.Errorf("%w: no common ancestor between %v and %v", ErrInvalidChain, oldTipHash, newTipHash)
	}
	ancestorNum := bc.bt.Block(ancestorHash).NumberU64()

	// Un-canonicalize everything above the ancestor on the old branch.
	for n := bc.currentBlock.NumberU64(); n > ancestorNum; n-- {
		staleHash, ok := bc.canonCache[n]
		if !ok {
			continue
		}
		if stale := bc.blockCache[staleHash]; stale != nil {
			for _, tx := range stale.Transactions() {
				delete(bc.txLookup, tx.Hash())
			}
		}
		rawdb.DeleteCanonicalHash(bc.db, n)
		delete(bc.canonCache, n)
	}
	bc.hc.SetHead(ancestorNum)

	// Canonicalize the new branch, oldest block first.
	path := bc.bt.PathToTip(ancestorHash, newTipHash)
	headers := make([]*types.Header, 0, len(path))
	for _, b := range path {
		num := b.NumberU64()
		bc.canonCache[num] = b.Hash()
		rawdb.WriteCanonicalHash(bc.db, num, b.Hash())
		for i, tx := range b.Transactions() {
			bc.txLookup[tx.Hash()] = txLookupEntry{
				blockHash: b.Hash(),
				blockNum:  num,
				index:     uint64(i),
			}
		}
		headers = append(headers, b.Header())
	}
	if len(headers) > 0 {
		if _, err := bc.hc.InsertHeaders(headers); err != nil {
			return fmt.Errorf("reorg: %w", err)
		}
	}

	statedb, err := bc.stateAt(newTip)
	if err != nil {
		return fmt.Errorf("reorg: re-derive state at %d: %w", newTip.NumberU64(), err)
	}

	bc.currentBlock = newTip
	bc.currentState = statedb.(*state.MemoryStateDB)
	bc.writeBlock(newTip)
	rawdb.WriteHeadBlockHash(bc.db, newTipHash)
	rawdb.WriteHeadHeaderHash(bc.db, newTipHash)

	bc.reorgLog.ProcessNewHead(newTip.NumberU64(), newTipHash, newTip.Header().ParentHash)

	return nil
}

// ReorgHistory returns up to limit of the most recent canonical-head changes
// recorded while applying blocks, oldest first.
func (bc *Blockchain) ReorgHistory(limit int) []ReorgEvent {
	return bc.reorgLog.ReorgHistory(limit)
}

// GetReceipts returns the receipts produced when the block with the given
// hash was processed, or nil if the block is unknown.
func (bc *Blockchain) GetReceipts(blockHash types.Hash) []*types.Receipt {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.receiptCache[blockHash]
}

// GetBlockReceipts returns the receipts for the canonical block at the given
// number, or nil if no such block exists.
func (bc *Blockchain) GetBlockReceipts(number uint64) []*types.Receipt {
	bc.mu.RLock()
	hash, ok := bc.canonCache[number]
	bc.mu.RUnlock()
	if !ok {
		return nil
	}
	return bc.GetReceipts(hash)
}

// GetLogs returns all logs emitted by transactions in the block with the
// given hash.
func (bc *Blockchain) GetLogs(blockHash types.Hash) []*types.Log {
	receipts := bc.GetReceipts(blockHash)
	var logs []*types.Log
	for _, r := range receipts {
		logs = append(logs, r.Logs...)
	}
	return logs
}

// GetTransactionLookup reports where the transaction with the given hash is
// located in the canonical chain.
func (bc *Blockchain) GetTransactionLookup(txHash types.Hash) (blockHash types.Hash, blockNum uint64, index uint64, found bool) {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	entry, ok := bc.txLookup[txHash]
	if !ok {
		return types.Hash{}, 0, 0, false
	}
	return entry.blockHash, entry.blockNum, entry.index, true
}

// StateAtRoot returns the post-execution state of the canonical block whose
// state root matches the given hash.
func (bc *Blockchain) StateAtRoot(root types.Hash) (state.StateDB, error) {
	bc.mu.RLock()
	var target *types.Block
	for _, b := range bc.blockCache {
		if b.Header().Root == root {
			target = b
			break
		}
	}
	bc.mu.RUnlock()

	if target == nil {
		return nil, fmt.Errorf("%w: no block with state root %v", ErrStateNotFound, root)
	}
	return bc.stateAt(target)
}

// InsertChain inserts a chain of blocks sequentially.
// Blocks must be in ascending order but need not be contiguous with the head
// at the time of the call (though each must connect to its parent).
func (bc *Blockchain) InsertChain(blocks []*types.Block) (int, error) {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	for i, block := range blocks {
		if err := bc.insertBlock(block); err != nil {
			return i, err
		}
	}
	return len(blocks), nil
}

// GetBlock retrieves a block by hash, or nil if not found.
func (bc *Blockchain) GetBlock(hash types.Hash) *types.Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.blockCache[hash]
}

// GetBlockByNumber retrieves the canonical block for a given number.
func (bc *Blockchain) GetBlockByNumber(number uint64) *types.Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	hash, ok := bc.canonCache[number]
	if !ok {
		return nil
	}
	return bc.blockCache[hash]
}

// CurrentBlock returns the head of the canonical chain.
func (bc *Blockchain) CurrentBlock() *types.Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.currentBlock
}

// HasBlock checks if a block with the given hash exists.
func (bc *Blockchain) HasBlock(hash types.Hash) bool {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	_, ok := bc.blockCache[hash]
	return ok
}

// SetHead rewinds the canonical chain to the given block number.
// Blocks above the target number are removed from the canonical index.
func (bc *Blockchain) SetHead(number uint64) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	target, ok := bc.canonCache[number]
	if !ok {
		return fmt.Errorf("%w: no canonical block at %d", ErrBlockNotFound, number)
	}

	// Remove canonical entries above target.
	current := bc.currentBlock.NumberU64()
	for n := current; n > number; n-- {
		if hash, ok := bc.canonCache[n]; ok {
			rawdb.DeleteCanonicalHash(bc.db, n)
			delete(bc.canonCache, n)
			// Remove from block cache too.
			delete(bc.blockCache, hash)
		}
	}

	// Set new head.
	bc.currentBlock = bc.blockCache[target]

	// Re-derive state by re-executing from genesis.
	statedb, err := bc.stateAt(bc.currentBlock)
	if err != nil {
		return fmt.Errorf("re-derive state at %d: %w", number, err)
	}
	bc.currentState = statedb.(*state.MemoryStateDB)

	// Update rawdb pointers.
	hash := bc.currentBlock.Hash()
	rawdb.WriteHeadBlockHash(bc.db, hash)
	rawdb.WriteHeadHeaderHash(bc.db, hash)

	// Rewind header chain.
	bc.hc.SetHead(number)

	return nil
}

// GetHashFn returns a GetHashFunc that resolves block number -> hash
// for the BLOCKHASH opcode (EIP-210 compatible, up to 256 blocks back).
func (bc *Blockchain) GetHashFn() func(uint64) types.Hash {
	return func(number uint64) types.Hash {
		bc.mu.RLock()
		defer bc.mu.RUnlock()
		if hash, ok := bc.canonCache[number]; ok {
			return hash
		}
		return types.Hash{}
	}
}

// Genesis returns the genesis block.
func (bc *Blockchain) Genesis() *types.Block {
	return bc.genesis
}

// Config returns the chain configuration.
func (bc *Blockchain) Config() *ChainConfig {
	return bc.config
}

// State returns a copy of the current state.
func (bc *Blockchain) State() *state.MemoryStateDB {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.currentState.Copy()
}

// stateAt returns the state after executing up to (and including) the given block.
// For the genesis block, this is the genesis state directly.
func (bc *Blockchain) stateAt(block *types.Block) (state.StateDB, error) {
	if block.Hash() == bc.genesis.Hash() {
		return bc.genesisState.Copy(), nil
	}

	// Collect the chain of blocks from genesis to this block.
	var chain []*types.Block
	current := block
	for current.Hash() != bc.genesis.Hash() {
		chain = append(chain, current)
		parent, ok := bc.blockCache[current.ParentHash()]
		if !ok {
			return nil, fmt.Errorf("%w: missing ancestor at %v", ErrStateNotFound, current.ParentHash())
		}
		current = parent
	}

	// Re-execute from genesis.
	statedb := bc.genesisState.Copy()
	for i := len(chain) - 1; i >= 0; i-- {
		b := chain[i]
		if _, err := bc.processor.Process(b, statedb); err != nil {
			return nil, fmt.Errorf("re-execute block %d: %w", b.NumberU64(), err)
		}
	}
	return statedb, nil
}

// writeBlock persists a block's header data to rawdb.
func (bc *Blockchain) writeBlock(block *types.Block) {
	num := block.NumberU64()
	hash := block.Hash()
	// Store a placeholder â€” full RLP serialization is left for later.
	rawdb.WriteHeader(bc.db, num, hash, []byte("header"))
	rawdb.WriteBody(bc.db, num, hash, []byte("body"))
}

// ChainLength returns the length of the canonical chain (genesis = 1).
func (bc *Blockchain) ChainLength() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.currentBlock.NumberU64() + 1
}

// makeGenesis is a helper for creating a genesis block with the given gas limit and starting difficulty.
func makeGenesis(gasLimit uint64, difficulty *big.Int) *types.Block {
	if difficulty == nil {
		difficulty = new(big.Int)
	}
	header := &types.Header{
		Number:     big.NewInt(0),
		GasLimit:   gasLimit,
		GasUsed:    0,
		Time:       0,
		Difficulty: difficulty,
		UncleHash:  types.EmptyUncleHash,
	}
	return types.NewBlock(header, nil)
}
