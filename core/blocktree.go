package core

import (
	"math/big"
	"sync"

	"github.com/ethcore/ethcore/core/types"
)

// blocktreeNode is one entry in the Blocktree: a known block together with
// its cumulative proof-of-work and the set of blocks that name it as parent.
// The tree is rooted at genesis; every other node is reachable by following
// parent hashes down to the root.
type blocktreeNode struct {
	block           *types.Block
	totalDifficulty *big.Int
	children        []types.Hash
}

// Blocktree indexes every known block by hash and tracks the canonical tip:
// the leaf with the greatest total difficulty, ties broken by whichever
// block was inserted first (a strictly-greater comparison on insert never
// displaces an existing tip of equal weight). It does not itself execute or
// validate blocks; Blockchain calls Insert after a block has already passed
// header/body validation and state-transition, then asks Blocktree which
// hash is canonical.
type Blocktree struct {
	mu      sync.RWMutex
	nodes   map[types.Hash]*blocktreeNode
	tipHash types.Hash
	tipTD   *big.Int
}

// NewBlocktree creates a Blocktree rooted at genesis.
func NewBlocktree(genesis *types.Block) *Blocktree {
	hash := genesis.Hash()
	td := new(big.Int)
	if d := genesis.Header().Difficulty; d != nil {
		td.Set(d)
	}
	root := &blocktreeNode{
		block:           genesis,
		totalDifficulty: td,
	}
	return &Blocktree{
		nodes:   map[types.Hash]*blocktreeNode{hash: root},
		tipHash: hash,
		tipTD:   new(big.Int).Set(td),
	}
}

// Insert adds block as a child of its parent and returns the block's total
// difficulty. It reports ErrUnknownParent if the parent has not itself been
// inserted, and is a no-op (returning the existing total difficulty) if the
// block is already known.
func (bt *Blocktree) Insert(block *types.Block) (*big.Int, error) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	hash := block.Hash()
	if existing, ok := bt.nodes[hash]; ok {
		return new(big.Int).Set(existing.totalDifficulty), nil
	}

	parentHash := block.Header().ParentHash
	parent, ok := bt.nodes[parentHash]
	if !ok {
		return nil, ErrUnknownParent
	}

	diff := block.Header().Difficulty
	if diff == nil {
		diff = new(big.Int)
	}
	td := new(big.Int).Add(parent.totalDifficulty, diff)

	node := &blocktreeNode{
		block:           block,
		totalDifficulty: td,
	}
	bt.nodes[hash] = node
	parent.children = append(parent.children, hash)

	if td.Cmp(bt.tipTD) > 0 {
		bt.tipHash, bt.tipTD = hash, new(big.Int).Set(td)
	}

	return new(big.Int).Set(td), nil
}

// Tip returns the canonical tip: the block hash with the greatest total
// difficulty currently known, and that total difficulty.
func (bt *Blocktree) Tip() (types.Hash, *big.Int) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.tipHash, new(big.Int).Set(bt.tipTD)
}

// TotalDifficulty returns the cumulative difficulty of the named block, or
// nil if the block is unknown.
func (bt *Blocktree) TotalDifficulty(hash types.Hash) *big.Int {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	node, ok := bt.nodes[hash]
	if !ok {
		return nil
	}
	return new(big.Int).Set(node.totalDifficulty)
}

// Children returns the hashes of blocks that name hash as their parent.
func (bt *Blocktree) Children(hash types.Hash) []types.Hash {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	node, ok := bt.nodes[hash]
	if !ok {
		return nil
	}
	out := make([]types.Hash, len(node.children))
	copy(out, node.children)
	return out
}

// Has reports whether hash has been inserted.
func (bt *Blocktree) Has(hash types.Hash) bool {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	_, ok := bt.nodes[hash]
	return ok
}

// Block returns the block stored under hash, or nil if unknown.
func (bt *Blocktree) Block(hash types.Hash) *types.Block {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	node, ok := bt.nodes[hash]
	if !ok {
		return nil
	}
	return node.block
}

// CommonAncestor walks both a and b back toward genesis until their paths
// meet, returning the hash where they converge. It is used when a
// higher-total-difficulty fork is adopted: the chain must roll back to this
// point before applying the new branch.
func (bt *Blocktree) CommonAncestor(a, b types.Hash) (types.Hash, bool) {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	seen := make(map[types.Hash]bool)
	for cur := a; ; {
		seen[cur] = true
		node, ok := bt.nodes[cur]
		if !ok {
			break
		}
		parent := node.block.Header().ParentHash
		if _, ok := bt.nodes[parent]; !ok {
			break // cur is the root (genesis): its parent is not tracked
		}
		cur = parent
	}

	for cur := b; ; {
		if seen[cur] {
			return cur, true
		}
		node, ok := bt.nodes[cur]
		if !ok {
			return types.Hash{}, false
		}
		parent := node.block.Header().ParentHash
		if _, ok := bt.nodes[parent]; !ok {
			return types.Hash{}, false // reached root without matching `a`'s path
		}
		cur = parent
	}
}

// PathToTip returns the chain of blocks from (but not including) ancestor up
// to and including tipHash, ordered from oldest to newest. It is used to
// replay a newly-adopted fork's blocks after rolling back to the common
// ancestor.
func (bt *Blocktree) PathToTip(ancestor, tipHash types.Hash) []*types.Block {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	var path []*types.Block
	for cur := tipHash; cur != ancestor; {
		node, ok := bt.nodes[cur]
		if !ok {
			return nil
		}
		path = append(path, node.block)
		cur = node.block.Header().ParentHash
	}
	// Reverse into oldest-first order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
