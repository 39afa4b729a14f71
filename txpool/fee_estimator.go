// fee_estimator.go provides gas price estimation based on recent block
// history. FeeEstimator tracks recent block gas prices and suggests
// appropriate gas prices for new legacy transactions.
package txpool

import (
	"math/big"
	"sort"
	"sync"
)

// Fee estimator constants.
const (
	// FeeHistorySize is the number of recent blocks tracked for fee estimation.
	FeeHistorySize = 20

	// DefaultMinSuggestedGasPrice is the floor for suggested gas prices (1 Gwei).
	DefaultMinSuggestedGasPrice = 1_000_000_000

	// FeeEstPercentileLow is the low percentile for conservative estimates.
	FeeEstPercentileLow = 10

	// FeeEstPercentileMed is the medium percentile for standard estimates.
	FeeEstPercentileMed = 50

	// FeeEstPercentileHigh is the high percentile for fast estimates.
	FeeEstPercentileHigh = 90
)

// BlockFeeData holds fee information from a single block used for estimation.
type BlockFeeData struct {
	BlockNumber uint64
	GasPrices   []*big.Int // gas prices of transactions in the block
}

// FeeEstimatorConfig configures the FeeEstimator.
type FeeEstimatorConfig struct {
	HistorySize int      // number of blocks to track
	MinGasPrice *big.Int // minimum suggested gas price
}

// DefaultFeeEstimatorConfig returns sensible defaults.
func DefaultFeeEstimatorConfig() FeeEstimatorConfig {
	return FeeEstimatorConfig{
		HistorySize: FeeHistorySize,
		MinGasPrice: big.NewInt(DefaultMinSuggestedGasPrice),
	}
}

// FeeEstimator tracks recent block gas prices to suggest fees for new
// transactions. It maintains a sliding window of recent block fee data
// and computes percentile-based recommendations.
type FeeEstimator struct {
	config FeeEstimatorConfig

	mu      sync.RWMutex
	history []BlockFeeData // circular buffer of recent blocks
	head    int            // index of next write position
	count   int            // number of valid entries
}

// NewFeeEstimator creates a new FeeEstimator with the given configuration.
func NewFeeEstimator(config FeeEstimatorConfig) *FeeEstimator {
	if config.HistorySize <= 0 {
		config.HistorySize = FeeHistorySize
	}
	if config.MinGasPrice == nil {
		config.MinGasPrice = big.NewInt(DefaultMinSuggestedGasPrice)
	}
	return &FeeEstimator{
		config:  config,
		history: make([]BlockFeeData, config.HistorySize),
	}
}

// AddBlock records fee data from a newly processed block. Old entries
// beyond HistorySize are overwritten in a circular fashion.
func (fe *FeeEstimator) AddBlock(data BlockFeeData) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	fe.history[fe.head] = data
	fe.head = (fe.head + 1) % fe.config.HistorySize
	if fe.count < fe.config.HistorySize {
		fe.count++
	}
}

// SuggestGasPrice returns a recommended gas price for legacy transactions
// based on the median gas price of recent blocks. The result is clamped
// to the configured minimum.
func (fe *FeeEstimator) SuggestGasPrice() *big.Int {
	fe.mu.RLock()
	defer fe.mu.RUnlock()

	prices := fe.collectGasPrices()
	if len(prices) == 0 {
		return new(big.Int).Set(fe.config.MinGasPrice)
	}

	median := percentile(prices, FeeEstPercentileMed)
	if median.Cmp(fe.config.MinGasPrice) < 0 {
		return new(big.Int).Set(fe.config.MinGasPrice)
	}
	return median
}

// FeeEstByPercentile returns gas price estimates at the low, medium,
// and high percentiles for more nuanced fee suggestions.
func (fe *FeeEstimator) FeeEstByPercentile() (low, med, high *big.Int) {
	fe.mu.RLock()
	defer fe.mu.RUnlock()

	prices := fe.collectGasPrices()
	if len(prices) == 0 {
		min := new(big.Int).Set(fe.config.MinGasPrice)
		return min, min, min
	}

	low = percentile(prices, FeeEstPercentileLow)
	med = percentile(prices, FeeEstPercentileMed)
	high = percentile(prices, FeeEstPercentileHigh)

	if low.Cmp(fe.config.MinGasPrice) < 0 {
		low = new(big.Int).Set(fe.config.MinGasPrice)
	}
	if med.Cmp(fe.config.MinGasPrice) < 0 {
		med = new(big.Int).Set(fe.config.MinGasPrice)
	}
	if high.Cmp(fe.config.MinGasPrice) < 0 {
		high = new(big.Int).Set(fe.config.MinGasPrice)
	}
	return low, med, high
}

// HistoryLen returns the number of blocks currently in the history.
func (fe *FeeEstimator) HistoryLen() int {
	fe.mu.RLock()
	defer fe.mu.RUnlock()
	return fe.count
}

// collectGasPrices gathers all gas prices from the history. Caller must hold fe.mu.
func (fe *FeeEstimator) collectGasPrices() []*big.Int {
	var prices []*big.Int
	for i := 0; i < fe.count; i++ {
		idx := (fe.head - fe.count + i + fe.config.HistorySize) % fe.config.HistorySize
		for _, p := range fe.history[idx].GasPrices {
			if p != nil && p.Sign() > 0 {
				prices = append(prices, new(big.Int).Set(p))
			}
		}
	}
	return prices
}

// percentile computes the p-th percentile (0-100) of a slice of big.Int values.
// The input slice is sorted in place.
func percentile(values []*big.Int, p int) *big.Int {
	if len(values) == 0 {
		return new(big.Int)
	}
	sort.Slice(values, func(i, j int) bool {
		return values[i].Cmp(values[j]) < 0
	})
	if p <= 0 {
		return new(big.Int).Set(values[0])
	}
	if p >= 100 {
		return new(big.Int).Set(values[len(values)-1])
	}
	idx := (len(values) - 1) * p / 100
	return new(big.Int).Set(values[idx])
}
