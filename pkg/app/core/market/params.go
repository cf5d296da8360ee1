package market

import "time"

// MarketParams is a helper struct for creating markets with all parameters
// This separates config from the runtime Market struct
type MarketParams struct {
	TickSize       float64
	MinChunk       float64
	MaxChunk       float64
	MaxPriceImpact float64
	MaxSlippage    float64
	IterationCap   int
	Shard          int
	AMMTimeout     time.Duration
}

// DefaultParams returns parameters for a liquid stable-quoted pair.
var DefaultParams = MarketParams{
	// TickSize: 0.0001 quote units
	TickSize: 0.0001,

	// Chunking
	// MinChunk: AMM windows below 0.01 base are not worth a swap
	// MaxChunk: at most 1,000 base per source per iteration
	MinChunk: 0.01,
	MaxChunk: 1000,

	// AMM guards
	// 5% max marginal price move per chunk, 1% execution slippage
	MaxPriceImpact: 0.05,
	MaxSlippage:    0.01,

	// Router loop bound
	IterationCap: 100,

	// Unpinned: admission picks the least-loaded shard
	Shard: -1,

	// One chain round-trip
	AMMTimeout: 2 * time.Second,
}

// NewMarketWithDefaults creates a market using DefaultParams
func NewMarketWithDefaults(symbol, baseAsset, quoteAsset string) (*Market, error) {
	return NewMarket(symbol, baseAsset, quoteAsset, DefaultParams)
}

// PinnedParams returns DefaultParams pinned to a shard.
func PinnedParams(shard int) MarketParams {
	p := DefaultParams
	p.Shard = shard
	return p
}
