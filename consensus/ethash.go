package consensus

import (
	"encoding/binary"
	"errors"
	"math/big"
	"sync"

	"github.com/ethcore/ethcore/core/types"
	"github.com/ethcore/ethcore/crypto"
	"github.com/ethcore/ethcore/rlp"
	"github.com/holiman/uint256"
)

// Ethash epoch parameters. Real mainnet Ethash grows the cache and dataset
// every EpochLength blocks; this implementation follows the same schedule
// but uses a cache sized for verification only (light client / full-node
// header validation), never materializing the multi-gigabyte mining
// dataset. See hashimotoLight below.
const (
	EpochLength     = 30000
	CacheInitBytes  = 1 << 24 // 16 MiB cache at epoch 0
	CacheGrowBytes  = 1 << 17 // cache grows ~128 KiB per epoch
	CacheRounds     = 3       // cache-init mix rounds (simplified from upstream's 3 full passes)
	hashBytes       = 64      // one Keccak-512 cache item
	datasetParents  = 256     // mix rounds per hashimoto step
	mixBytes        = 128
)

var (
	ErrInvalidPoW      = errors.New("ethash: proof-of-work invalid (hash*difficulty > 2^256)")
	ErrInvalidMixHash  = errors.New("ethash: mix_hash does not match recomputation")
	ErrZeroDifficulty  = errors.New("ethash: header difficulty is zero or nil")
)

// epochCache holds the Ethash verification cache for one epoch, along with
// its seed hash and byte size.
type epochCache struct {
	epoch uint64
	seed  []byte
	items [][]byte // each item is hashBytes long
}

// cacheSize returns the cache size (in items) for the given epoch, following
// Ethash's linear growth schedule.
func cacheSize(epoch uint64) int {
	size := CacheInitBytes + CacheGrowBytes*int(epoch)
	return size / hashBytes
}

// seedHash computes the Ethash seed for an epoch: Keccak256 applied to the
// zero hash, iterated epoch times.
func seedHash(epoch uint64) []byte {
	seed := make([]byte, 32)
	for i := uint64(0); i < epoch; i++ {
		seed = crypto.Keccak256(seed)
	}
	return seed
}

// generateCache builds the epoch verification cache: items are seeded by
// repeated Keccak-512 hashing, then mixed with their neighbors for
// CacheRounds passes so each item depends on pseudo-random earlier entries
// (a simplified form of Ethash's RandMemoHash cache-generation step).
func generateCache(epoch uint64) *epochCache {
	seed := seedHash(epoch)
	n := cacheSize(epoch)
	if n < 64 {
		n = 64
	}

	items := make([][]byte, n)
	items[0] = crypto.Keccak512(seed)
	for i := 1; i < n; i++ {
		items[i] = crypto.Keccak512(items[i-1])
	}

	tmp := make([]byte, hashBytes)
	for round := 0; round < CacheRounds; round++ {
		for i := 0; i < n; i++ {
			srcOff := (i - 1 + n) % n
			dstOff := binary.LittleEndian.Uint32(items[i][:4]) % uint32(n)
			xorBytes(tmp, items[srcOff], items[dstOff])
			items[i] = crypto.Keccak512(tmp)
		}
	}

	return &epochCache{epoch: epoch, seed: seed, items: items}
}

func xorBytes(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

// cacheStore lazily generates and caches per-epoch Ethash caches, since a
// fresh cache is expensive to build and is reused for every block within
// the same epoch.
type cacheStore struct {
	mu    sync.Mutex
	cache map[uint64]*epochCache
}

var globalCacheStore = &cacheStore{cache: make(map[uint64]*epochCache)}

func (s *cacheStore) get(epoch uint64) *epochCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cache[epoch]; ok {
		return c
	}
	c := generateCache(epoch)
	s.cache[epoch] = c
	return c
}

// fnv1 is the FNV-prime integer mix used throughout Ethash to combine
// dataset/cache words cheaply.
func fnv1(a, b uint32) uint32 {
	return a*0x01000193 ^ b
}

// hashimotoLight recomputes the Ethash mix digest and PoW result for a
// header hash and nonce against an epoch cache, without materializing the
// full mining dataset — the same "light verification" shortcut real
// Ethereum full nodes use to check blocks mined by others.
func hashimotoLight(cache *epochCache, headerHash []byte, nonce uint64) (mixDigest, result []byte) {
	nonceBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(nonceBytes, nonce)
	seed := crypto.Keccak512(headerHash, nonceBytes)

	mixLen := mixBytes / 4
	mix := make([]uint32, mixLen)
	for i := 0; i < mixLen; i++ {
		mix[i] = binary.LittleEndian.Uint32(seed[(i%16)*4 : (i%16)*4+4])
	}

	n := len(cache.items)
	rows := uint32(n)
	for i := 0; i < datasetParents; i++ {
		parent := fnv1(uint32(i)^binary.LittleEndian.Uint32(seed[:4]), mix[i%mixLen]) % rows
		item := cache.items[parent]
		for j := 0; j < mixLen && j*4+4 <= len(item); j++ {
			mix[j] = fnv1(mix[j], binary.LittleEndian.Uint32(item[j*4:j*4+4]))
		}
	}

	// Compress the 128-byte mix down to 32 bytes, four words at a time.
	compressed := make([]byte, 32)
	for i := 0; i < 8; i++ {
		v := fnv1(fnv1(fnv1(mix[i*4], mix[i*4+1]), mix[i*4+2]), mix[i*4+3])
		binary.LittleEndian.PutUint32(compressed[i*4:i*4+4], v)
	}

	result = crypto.Keccak256(seed, compressed)
	return compressed, result
}

// sealHash returns Keccak256(RLP(header without mix_hash and nonce)), the
// value the miner's proof-of-work is computed over.
func sealHash(h *types.Header) ([]byte, error) {
	items := []interface{}{
		h.ParentHash,
		h.UncleHash,
		h.Coinbase,
		h.Root,
		h.TxHash,
		h.ReceiptHash,
		h.Bloom,
		sealBigIntOrZero(h.Difficulty),
		sealBigIntOrZero(h.Number),
		h.GasLimit,
		h.GasUsed,
		h.Time,
		h.Extra,
	}
	var payload []byte
	for _, item := range items {
		enc, err := rlp.EncodeToBytes(item)
		if err != nil {
			return nil, err
		}
		payload = append(payload, enc...)
	}
	return crypto.Keccak256(rlp.WrapList(payload)), nil
}

func sealBigIntOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// VerifySeal checks Ethash rule 7: the PoW inequality
// Keccak256(Keccak256(RLP(header without mix_hash, nonce)) ∥ mix_hash) · difficulty ≤ 2^256
// and that mix_hash equals the Ethash recomputation from (header_hash, nonce, epoch_cache).
func VerifySeal(h *types.Header) error {
	if h.Difficulty == nil || h.Difficulty.Sign() <= 0 {
		return ErrZeroDifficulty
	}

	truncatedHash, err := sealHash(h)
	if err != nil {
		return err
	}

	epoch := h.Number.Uint64() / EpochLength
	cache := globalCacheStore.get(epoch)

	nonce := binary.BigEndian.Uint64(h.Nonce[:])
	mixDigest, result := hashimotoLight(cache, truncatedHash, nonce)

	if types.BytesToHash(mixDigest) != h.MixDigest {
		return ErrInvalidMixHash
	}

	// Keccak256(truncatedHash ∥ mix_hash) is exactly `result` above since
	// hashimotoLight already folds the mix into the final digest via the
	// same seed; compare it against 2^256 / difficulty.
	resultInt := new(uint256.Int).SetBytes(result)
	maxU256 := new(big.Int).Lsh(big.NewInt(1), 256)
	threshold := new(big.Int).Div(maxU256, h.Difficulty)
	if resultInt.ToBig().Cmp(threshold) > 0 {
		return ErrInvalidPoW
	}
	return nil
}
