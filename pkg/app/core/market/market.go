package market

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

// MarketStatus defines the trading status of a pair
type MarketStatus int8

const (
	Active   MarketStatus = iota // Trading enabled
	Paused                       // Trading halted (emergency)
	Delisted                     // Pair closed, terminal
)

// ParseMarketStatus accepts a status name in any case.
func ParseMarketStatus(s string) (MarketStatus, error) {
	switch strings.ToLower(s) {
	case "active":
		return Active, nil
	case "paused":
		return Paused, nil
	case "delisted":
		return Delisted, nil
	default:
		return 0, fmt.Errorf("unknown market status %q", s)
	}
}

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Delisted:
		return "Delisted"
	default:
		return "Unknown"
	}
}

// Market is the static configuration of one token pair (e.g. ETH-USDC)
// consumed by the order book, the router and the admission layer.
type Market struct {
	// Identity
	Symbol     string // "ETH-USDC"
	BaseAsset  string // "ETH"
	QuoteAsset string // "USDC"
	Status     MarketStatus

	// TickSize: minimum price increment. Book levels live on this grid.
	TickSize float64

	// MinChunk: smallest AMM chunk worth executing. Smaller AMM windows are
	// treated as price parity with the book.
	MinChunk float64

	// MaxChunk: cap on the amount routed to one source in one iteration.
	MaxChunk float64

	// MaxPriceImpact: AMM marginal price may move at most this fraction from
	// spot within one chunk (0.05 = 5%).
	MaxPriceImpact float64

	// MaxSlippage passed to the AMM executor.
	MaxSlippage float64

	// IterationCap bounds the router loop for one order.
	IterationCap int

	// Shard pins the pair to a matching shard. Negative means unpinned.
	Shard int

	// AMMTimeout bounds each oracle quote/execute call.
	AMMTimeout time.Duration
}

// NewMarket creates a new market with validation
func NewMarket(symbol, baseAsset, quoteAsset string, params MarketParams) (*Market, error) {
	m := &Market{
		Symbol:         symbol,
		BaseAsset:      baseAsset,
		QuoteAsset:     quoteAsset,
		Status:         Active,
		TickSize:       params.TickSize,
		MinChunk:       params.MinChunk,
		MaxChunk:       params.MaxChunk,
		MaxPriceImpact: params.MaxPriceImpact,
		MaxSlippage:    params.MaxSlippage,
		IterationCap:   params.IterationCap,
		Shard:          params.Shard,
		AMMTimeout:     params.AMMTimeout,
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}

	return m, nil
}

// NewMarketFromSymbol splits "BASE-QUOTE" and applies params.
func NewMarketFromSymbol(symbol string, params MarketParams) (*Market, error) {
	base, quote, ok := strings.Cut(symbol, "-")
	if !ok {
		return nil, fmt.Errorf("symbol %q must be BASE-QUOTE", symbol)
	}
	return NewMarket(symbol, base, quote, params)
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if m.TickSize <= 0 {
		return fmt.Errorf("tick size must be positive")
	}
	if m.MinChunk < 0 {
		return fmt.Errorf("min chunk cannot be negative")
	}
	if m.MaxChunk <= 0 {
		return fmt.Errorf("max chunk must be positive")
	}
	if m.MinChunk > m.MaxChunk {
		return fmt.Errorf("min chunk cannot exceed max chunk")
	}
	if m.MaxPriceImpact <= 0 || m.MaxPriceImpact >= 1 {
		return fmt.Errorf("max price impact must be in (0, 1)")
	}
	if m.MaxSlippage < 0 {
		return fmt.Errorf("max slippage cannot be negative")
	}
	if m.IterationCap <= 0 {
		return fmt.Errorf("iteration cap must be positive")
	}
	if m.AMMTimeout <= 0 {
		return fmt.Errorf("amm timeout must be positive")
	}
	return nil
}

// ToTicks converts a price to integer ticks on this pair's grid.
func (m *Market) ToTicks(price float64) int64 {
	return int64(math.Round(price / m.TickSize))
}

// FromTicks converts integer ticks back to a price.
func (m *Market) FromTicks(ticks int64) float64 {
	return float64(ticks) * m.TickSize
}

// OnTick reports whether price sits on the tick grid.
func (m *Market) OnTick(price float64) bool {
	return math.Abs(m.FromTicks(m.ToTicks(price))-price) <= order.Epsilon*math.Max(1, price)
}

// ValidateOrder performs all pair-level order checks on top of o.Validate.
func (m *Market) ValidateOrder(o *order.Order) error {
	if err := m.ValidateShape(o); err != nil {
		return err
	}
	return m.CheckActive()
}

// ValidateShape checks o against the market's static configuration only.
func (m *Market) ValidateShape(o *order.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.Pair != m.Symbol {
		return &order.ValidationError{Field: "pair", Reason: fmt.Sprintf("does not match market %s", m.Symbol)}
	}
	if o.HasLimit() && !m.OnTick(o.LimitPrice) {
		return &order.ValidationError{Field: "limit_price", Reason: fmt.Sprintf("not a multiple of tick size %g", m.TickSize)}
	}
	return nil
}

// CheckActive fails with ErrMarketPaused unless the market is trading.
func (m *Market) CheckActive() error {
	if m.Status != Active {
		return fmt.Errorf("market %s is %s: %w", m.Symbol, m.Status, order.ErrMarketPaused)
	}
	return nil
}
