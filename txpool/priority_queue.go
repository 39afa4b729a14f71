// priority_queue.go implements a priority queue for transaction ordering
// by effective gas price. It supports eviction of lowest-price transactions,
// nonce gap tracking with pending state, and reorg re-insertion.
package txpool

import (
	"container/heap"
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/ethcore/ethcore/core/types"
)

// Priority queue errors.
var (
	ErrPQFull      = errors.New("txpool/pq: priority queue is full")
	ErrPQDuplicate = errors.New("txpool/pq: transaction already in queue")
	ErrPQNotFound  = errors.New("txpool/pq: transaction not found")
	ErrPQNilTx     = errors.New("txpool/pq: nil transaction")
	ErrPQNonceGap  = errors.New("txpool/pq: nonce gap detected")
)

// TxPriorityQueueConfig configures the priority queue.
type TxPriorityQueueConfig struct {
	MaxSize int // max entries in queue (0 = unlimited)
}

// QueueEntry holds a transaction with cached priority metadata.
type QueueEntry struct {
	TxHash       types.Hash
	Sender       types.Address
	EffectiveTip *big.Int
	GasUsed      uint64
	Nonce        uint64
	index        int // heap index
}

// EffectiveTipCalculator computes the effective gas price of a transaction
// for block building priority.
type EffectiveTipCalculator struct{}

// NewEffectiveTipCalculator creates a new tip calculator.
func NewEffectiveTipCalculator() *EffectiveTipCalculator {
	return &EffectiveTipCalculator{}
}

// CalcEffectiveTip returns the transaction's gas price.
func (c *EffectiveTipCalculator) CalcEffectiveTip(tx *types.Transaction) *big.Int {
	gp := tx.GasPrice()
	if gp == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(gp)
}

// tipHeap implements a max-heap by effective tip (highest tip first).
type tipHeap []*QueueEntry

func (h tipHeap) Len() int { return len(h) }

func (h tipHeap) Less(i, j int) bool {
	cmp := h[i].EffectiveTip.Cmp(h[j].EffectiveTip)
	if cmp != 0 {
		return cmp > 0 // max-heap: higher tip first
	}
	// Tie-break: lower nonce first (more likely to be executable).
	return h[i].Nonce < h[j].Nonce
}

func (h tipHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *tipHeap) Push(x interface{}) {
	entry := x.(*QueueEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *tipHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// TxPriorityQueue is a priority queue for transaction ordering. Transactions
// are ordered by effective gas price (highest first). It supports
// capacity-bounded insertion with eviction, nonce gap tracking, and chain
// reorg re-insertion. All methods are safe for concurrent use.
type TxPriorityQueue struct {
	mu     sync.RWMutex
	config TxPriorityQueueConfig
	calc   *EffectiveTipCalculator

	h     tipHeap
	index map[types.Hash]*QueueEntry

	// bySender tracks entries per sender for nonce gap detection.
	bySender map[types.Address][]*QueueEntry

	// pending tracks the "expected next nonce" per sender.
	pendingNonce map[types.Address]uint64
}

// NewTxPriorityQueue creates a new priority queue with the given config.
func NewTxPriorityQueue(config TxPriorityQueueConfig) *TxPriorityQueue {
	pq := &TxPriorityQueue{
		config:       config,
		calc:         NewEffectiveTipCalculator(),
		index:        make(map[types.Hash]*QueueEntry),
		bySender:     make(map[types.Address][]*QueueEntry),
		pendingNonce: make(map[types.Address]uint64),
	}
	heap.Init(&pq.h)
	return pq
}

// Insert adds a transaction to the priority queue. If the queue is full,
// the lowest-price transaction is evicted (if the new tx has a higher price).
func (pq *TxPriorityQueue) Insert(tx *types.Transaction, sender types.Address) (*QueueEntry, error) {
	if tx == nil {
		return nil, ErrPQNilTx
	}

	hash := tx.Hash()

	pq.mu.Lock()
	defer pq.mu.Unlock()

	if _, exists := pq.index[hash]; exists {
		return nil, ErrPQDuplicate
	}

	tip := pq.calc.CalcEffectiveTip(tx)

	entry := &QueueEntry{
		TxHash:       hash,
		Sender:       sender,
		EffectiveTip: tip,
		GasUsed:      tx.Gas(),
		Nonce:        tx.Nonce(),
	}

	// Evict if at capacity.
	if pq.config.MaxSize > 0 && len(pq.h) >= pq.config.MaxSize {
		lowest := pq.findLowestTip()
		if lowest == nil || tip.Cmp(lowest.EffectiveTip) <= 0 {
			return nil, ErrPQFull
		}
		pq.removeLocked(lowest.TxHash)
	}

	heap.Push(&pq.h, entry)
	pq.index[hash] = entry
	pq.bySender[sender] = append(pq.bySender[sender], entry)

	return entry, nil
}

// Remove removes a transaction from the queue by hash.
func (pq *TxPriorityQueue) Remove(hash types.Hash) bool {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.removeLocked(hash)
}

// removeLocked removes an entry. Caller must hold pq.mu.
func (pq *TxPriorityQueue) removeLocked(hash types.Hash) bool {
	entry, ok := pq.index[hash]
	if !ok {
		return false
	}

	if entry.index >= 0 && entry.index < len(pq.h) {
		heap.Remove(&pq.h, entry.index)
	}
	delete(pq.index, hash)

	// Remove from bySender.
	senderEntries := pq.bySender[entry.Sender]
	for i, e := range senderEntries {
		if e.TxHash == hash {
			pq.bySender[entry.Sender] = append(senderEntries[:i], senderEntries[i+1:]...)
			break
		}
	}
	if len(pq.bySender[entry.Sender]) == 0 {
		delete(pq.bySender, entry.Sender)
	}
	return true
}

// Peek returns the highest-tip entry without removing it.
func (pq *TxPriorityQueue) Peek() *QueueEntry {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	if len(pq.h) == 0 {
		return nil
	}
	return pq.h[0]
}

// Pop removes and returns the highest-tip entry.
func (pq *TxPriorityQueue) Pop() *QueueEntry {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if len(pq.h) == 0 {
		return nil
	}
	entry := heap.Pop(&pq.h).(*QueueEntry)
	delete(pq.index, entry.TxHash)

	senderEntries := pq.bySender[entry.Sender]
	for i, e := range senderEntries {
		if e.TxHash == entry.TxHash {
			pq.bySender[entry.Sender] = append(senderEntries[:i], senderEntries[i+1:]...)
			break
		}
	}
	if len(pq.bySender[entry.Sender]) == 0 {
		delete(pq.bySender, entry.Sender)
	}
	return entry
}

// Size returns the number of entries in the queue.
func (pq *TxPriorityQueue) Size() int {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	return len(pq.h)
}

// Contains checks if a transaction hash is in the queue.
func (pq *TxPriorityQueue) Contains(hash types.Hash) bool {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	_, ok := pq.index[hash]
	return ok
}

// GetBySender returns all entries for a sender, sorted by nonce ascending.
func (pq *TxPriorityQueue) GetBySender(sender types.Address) []*QueueEntry {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	entries := pq.bySender[sender]
	if len(entries) == 0 {
		return nil
	}
	result := make([]*QueueEntry, len(entries))
	copy(result, entries)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Nonce < result[j].Nonce
	})
	return result
}

// SetPendingNonce sets the expected next nonce for a sender.
func (pq *TxPriorityQueue) SetPendingNonce(sender types.Address, nonce uint64) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.pendingNonce[sender] = nonce
}

// DetectNonceGaps returns missing nonces between the pending nonce and the
// highest nonce in the queue for the given sender.
func (pq *TxPriorityQueue) DetectNonceGaps(sender types.Address) []uint64 {
	pq.mu.RLock()
	defer pq.mu.RUnlock()

	entries := pq.bySender[sender]
	if len(entries) == 0 {
		return nil
	}

	baseNonce, ok := pq.pendingNonce[sender]
	if !ok {
		return nil
	}

	nonceSet := make(map[uint64]bool, len(entries))
	maxNonce := baseNonce
	for _, e := range entries {
		nonceSet[e.Nonce] = true
		if e.Nonce > maxNonce {
			maxNonce = e.Nonce
		}
	}

	var gaps []uint64
	for n := baseNonce; n <= maxNonce; n++ {
		if !nonceSet[n] {
			gaps = append(gaps, n)
		}
	}
	return gaps
}

// EvictLowestTip removes the entry with the lowest effective tip from the
// queue. Returns the evicted entry or nil if the queue is empty.
func (pq *TxPriorityQueue) EvictLowestTip() *QueueEntry {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	lowest := pq.findLowestTip()
	if lowest == nil {
		return nil
	}
	pq.removeLocked(lowest.TxHash)
	return lowest
}

// ReinsertAfterReorg re-inserts entries that were displaced by a chain reorg.
// Returns the number of successfully reinserted entries.
func (pq *TxPriorityQueue) ReinsertAfterReorg(entries []*QueueEntry) int {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	reinserted := 0
	for _, entry := range entries {
		if _, exists := pq.index[entry.TxHash]; exists {
			continue
		}
		if pq.config.MaxSize > 0 && len(pq.h) >= pq.config.MaxSize {
			lowest := pq.findLowestTip()
			if lowest == nil || entry.EffectiveTip.Cmp(lowest.EffectiveTip) <= 0 {
				continue
			}
			pq.removeLocked(lowest.TxHash)
		}
		heap.Push(&pq.h, entry)
		pq.index[entry.TxHash] = entry
		pq.bySender[entry.Sender] = append(pq.bySender[entry.Sender], entry)
		reinserted++
	}
	return reinserted
}

// findLowestTip scans the heap for the entry with the lowest tip.
// Caller must hold at least pq.mu RLock.
func (pq *TxPriorityQueue) findLowestTip() *QueueEntry {
	if len(pq.h) == 0 {
		return nil
	}
	lowest := pq.h[0]
	for _, e := range pq.h {
		if e.EffectiveTip.Cmp(lowest.EffectiveTip) < 0 {
			lowest = e
		}
	}
	return lowest
}
