// price_bumper.go implements PriceBumper, a gas price suggestion system
// that recommends gas prices for new transactions based on recent block
// history. It provides percentile-based gas price estimation and tiered
// fee recommendations (urgent/fast/standard/slow), in the style of a
// classical (pre-EIP-1559) gas price oracle.
package txpool

import (
	"math/big"
	"sort"
	"sync"

	"github.com/ethcore/ethcore/core/types"
)

// Fee tier constants define the percentile targets for each speed tier.
const (
	TierUrgent   = "urgent"
	TierFast     = "fast"
	TierStandard = "standard"
	TierSlow     = "slow"

	// Default percentile targets for each tier.
	urgentPercentile   = 90
	fastPercentile     = 75
	standardPercentile = 50
	slowPercentile     = 25

	// DefaultFeeHistoryDepth is the number of recent blocks to track.
	DefaultFeeHistoryDepth = 20

	// BumperMinSuggestedTip is the minimum suggested gas price (1 Gwei).
	BumperMinSuggestedTip = 1_000_000_000
)

// BumperConfig configures the PriceBumper behaviour.
type BumperConfig struct {
	// HistoryDepth is the number of recent blocks to use for fee estimation.
	HistoryDepth int

	// MinSuggestedTip is the floor for suggested gas prices in wei.
	MinSuggestedTip *big.Int

	// IgnorePrice is the minimum gas price below which transactions are
	// excluded from fee history sampling (filters spam/zero-fee txs).
	IgnorePrice *big.Int
}

// DefaultBumperConfig returns sensible defaults for fee estimation.
func DefaultBumperConfig() BumperConfig {
	return BumperConfig{
		HistoryDepth:    DefaultFeeHistoryDepth,
		MinSuggestedTip: big.NewInt(BumperMinSuggestedTip),
		IgnorePrice:     big.NewInt(1), // 1 wei minimum
	}
}

// BumperBlockFeeData captures the fee-relevant data from a single block needed
// for gas price estimation.
type BumperBlockFeeData struct {
	GasUsedRatio float64    // gasUsed / gasLimit
	Prices       []*big.Int // gas prices of all transactions in the block
	BlockNumber  uint64
}

// FeeSuggestion holds a complete fee recommendation for a transaction.
type FeeSuggestion struct {
	// GasPrice is the suggested gas price for the transaction.
	GasPrice *big.Int
}

// TieredSuggestion holds fee suggestions for all speed tiers.
type TieredSuggestion struct {
	Urgent   FeeSuggestion
	Fast     FeeSuggestion
	Standard FeeSuggestion
	Slow     FeeSuggestion
}

// PriceBumper tracks recent block fee data and computes gas price
// suggestions for different confirmation speed targets. It is safe for
// concurrent use.
type PriceBumper struct {
	mu      sync.RWMutex
	config  BumperConfig
	history []BumperBlockFeeData // circular buffer of recent blocks
	head    int                  // next write position in history
	count   int                  // number of entries in history
}

// NewPriceBumper creates a new PriceBumper with the given configuration.
func NewPriceBumper(config BumperConfig) *PriceBumper {
	if config.HistoryDepth <= 0 {
		config.HistoryDepth = DefaultFeeHistoryDepth
	}
	if config.MinSuggestedTip == nil {
		config.MinSuggestedTip = big.NewInt(BumperMinSuggestedTip)
	}
	return &PriceBumper{
		config:  config,
		history: make([]BumperBlockFeeData, config.HistoryDepth),
	}
}

// RecordBlock feeds fee data from a new block into the history buffer.
// This should be called for each new block header processed.
func (pb *PriceBumper) RecordBlock(data BumperBlockFeeData) {
	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.history[pb.head] = data
	pb.head = (pb.head + 1) % len(pb.history)
	if pb.count < len(pb.history) {
		pb.count++
	}
}

// RecordBlockFromHeader is a convenience method that extracts fee data
// from a block header and its transactions, then feeds it into the buffer.
func (pb *PriceBumper) RecordBlockFromHeader(header *types.Header, txs []*types.Transaction) {
	data := BumperBlockFeeData{
		BlockNumber: header.Number.Uint64(),
	}
	if header.GasLimit > 0 {
		data.GasUsedRatio = float64(header.GasUsed) / float64(header.GasLimit)
	}

	for _, tx := range txs {
		price := tx.GasPrice()
		if price == nil || price.Sign() <= 0 {
			continue
		}
		if pb.config.IgnorePrice != nil && price.Cmp(pb.config.IgnorePrice) < 0 {
			continue
		}
		data.Prices = append(data.Prices, price)
	}

	pb.RecordBlock(data)
}

// SuggestFee returns a fee suggestion for the desired speed tier. Valid
// tiers are TierUrgent, TierFast, TierStandard, and TierSlow.
func (pb *PriceBumper) SuggestFee(tier string) FeeSuggestion {
	percentile := tierToPercentile(tier)
	return pb.suggestAtPercentile(percentile)
}

// SuggestAllTiers returns fee suggestions for all four speed tiers at once.
func (pb *PriceBumper) SuggestAllTiers() TieredSuggestion {
	return TieredSuggestion{
		Urgent:   pb.suggestAtPercentile(urgentPercentile),
		Fast:     pb.suggestAtPercentile(fastPercentile),
		Standard: pb.suggestAtPercentile(standardPercentile),
		Slow:     pb.suggestAtPercentile(slowPercentile),
	}
}

// suggestAtPercentile computes a fee suggestion targeting the given price
// percentile across recent block history.
func (pb *PriceBumper) suggestAtPercentile(percentile int) FeeSuggestion {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	price := pb.priceAtPercentileLocked(percentile)
	if price.Cmp(pb.config.MinSuggestedTip) < 0 {
		price = new(big.Int).Set(pb.config.MinSuggestedTip)
	}

	return FeeSuggestion{GasPrice: price}
}

// priceAtPercentileLocked computes the gas price at the given percentile
// across the combined price samples from all blocks in the history buffer.
// Caller must hold pb.mu (at least RLock).
func (pb *PriceBumper) priceAtPercentileLocked(percentile int) *big.Int {
	var allPrices []*big.Int

	for i := 0; i < pb.count; i++ {
		idx := (pb.head - pb.count + i + len(pb.history)) % len(pb.history)
		entry := pb.history[idx]
		for _, price := range entry.Prices {
			if price != nil && price.Sign() > 0 {
				allPrices = append(allPrices, price)
			}
		}
	}

	if len(allPrices) == 0 {
		return new(big.Int).Set(pb.config.MinSuggestedTip)
	}

	sort.Slice(allPrices, func(i, j int) bool {
		return allPrices[i].Cmp(allPrices[j]) < 0
	})

	idx := (len(allPrices) - 1) * percentile / 100
	if idx >= len(allPrices) {
		idx = len(allPrices) - 1
	}
	return new(big.Int).Set(allPrices[idx])
}

// SuggestReplacementFee computes the minimum gas price needed for a
// replacement transaction that will pass the pool's price bump threshold.
func (pb *PriceBumper) SuggestReplacementFee(tx *types.Transaction, bumpPercent int) FeeSuggestion {
	if bumpPercent <= 0 {
		bumpPercent = DefaultMinPriceBump
	}

	multiplier := big.NewInt(int64(100 + bumpPercent))
	divisor := big.NewInt(100)

	price := tx.GasPrice()
	if price == nil {
		price = new(big.Int)
	}
	newPrice := new(big.Int).Mul(price, multiplier)
	newPrice.Div(newPrice, divisor)

	return FeeSuggestion{GasPrice: newPrice}
}

// GasPriceAtPercentile computes the gas price at the given percentile
// (0-100) across all transactions in the fee history buffer.
func (pb *PriceBumper) GasPriceAtPercentile(percentile int) *big.Int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	if percentile < 0 {
		percentile = 0
	}
	if percentile > 100 {
		percentile = 100
	}
	return pb.priceAtPercentileLocked(percentile)
}

// HistoryLen returns the number of blocks currently in the history buffer.
func (pb *PriceBumper) HistoryLen() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.count
}

// FeeHistory returns the gas used ratios for the last n blocks in the
// history buffer (most recent first).
func (pb *PriceBumper) FeeHistory(n int) (gasUsedRatios []float64) {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	if n <= 0 || pb.count == 0 {
		return nil
	}
	if n > pb.count {
		n = pb.count
	}

	gasUsedRatios = make([]float64, n)

	for i := 0; i < n; i++ {
		// Walk backwards from the most recent entry.
		idx := (pb.head - 1 - i + len(pb.history)) % len(pb.history)
		gasUsedRatios[i] = pb.history[idx].GasUsedRatio
	}
	return gasUsedRatios
}

// tierToPercentile maps a tier name to its percentile target.
func tierToPercentile(tier string) int {
	switch tier {
	case TierUrgent:
		return urgentPercentile
	case TierFast:
		return fastPercentile
	case TierStandard:
		return standardPercentile
	case TierSlow:
		return slowPercentile
	default:
		return standardPercentile
	}
}
