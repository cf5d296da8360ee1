package amm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	ethCrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

// maxBuyFraction caps how much of the base reserve one swap may take out.
const maxBuyFraction = 0.99

// Pool is one constant-product (x*y=k) curve. Base is the traded asset,
// quote the pricing asset. Fees are charged on the input side and paid out
// of the pool, so k is invariant across swaps.
type Pool struct {
	mu    sync.Mutex
	pair  string
	base  float64
	quote float64
	fee   float64
}

// PoolConfig seeds a pool.
type PoolConfig struct {
	Pair         string
	BaseReserve  float64
	QuoteReserve float64
	FeeBps       float64
}

func newPool(cfg PoolConfig) (*Pool, error) {
	if cfg.BaseReserve <= 0 || cfg.QuoteReserve <= 0 {
		return nil, fmt.Errorf("pool %s: reserves must be positive", cfg.Pair)
	}
	if cfg.FeeBps < 0 || cfg.FeeBps >= 10_000 {
		return nil, fmt.Errorf("pool %s: fee must be in [0, 10000) bps", cfg.Pair)
	}
	return &Pool{
		pair:  cfg.Pair,
		base:  cfg.BaseReserve,
		quote: cfg.QuoteReserve,
		fee:   cfg.FeeBps / 10_000,
	}, nil
}

func (p *Pool) k() float64 { return p.base * p.quote }

// spot is the marginal price a taker on side pays or receives, fee included.
func (p *Pool) spot(side order.Side) float64 {
	mid := p.quote / p.base
	if side == order.Buy {
		return mid / (1 - p.fee)
	}
	return mid * (1 - p.fee)
}

// available caps amount to what the curve can deliver.
func (p *Pool) available(side order.Side, amount float64) float64 {
	if side == order.Buy {
		return math.Min(amount, p.base*maxBuyFraction)
	}
	return amount
}

// notional is the quote paid (Buy) or received (Sell) for amount base.
func (p *Pool) notional(side order.Side, amount float64) float64 {
	if side == order.Buy {
		return (p.k()/(p.base-amount) - p.quote) / (1 - p.fee)
	}
	in := amount * (1 - p.fee)
	return p.quote - p.k()/(p.base+in)
}

func (p *Pool) avgPrice(side order.Side, amount float64) float64 {
	if amount <= order.Epsilon {
		return p.spot(side)
	}
	return p.notional(side, amount) / amount
}

// sizeToPrice inverts the marginal price curve.
//
//	buy:  k/(b-dx)^2/(1-f) = target  =>  dx = b - sqrt(k/(target(1-f)))
//	sell: k(1-f)/(b+dx(1-f))^2 = target  =>  dx = (sqrt(k(1-f)/target) - b)/(1-f)
func (p *Pool) sizeToPrice(side order.Side, target float64) float64 {
	if target <= 0 {
		return 0
	}
	var dx float64
	if side == order.Buy {
		dx = p.base - math.Sqrt(p.k()/(target*(1-p.fee)))
		dx = math.Min(dx, p.base*maxBuyFraction)
	} else {
		dx = (math.Sqrt(p.k()*(1-p.fee)/target) - p.base) / (1 - p.fee)
	}
	if dx <= order.Epsilon {
		return 0
	}
	return dx
}

func (p *Pool) apply(side order.Side, amount, notional float64) {
	if side == order.Buy {
		p.base -= amount
		p.quote += notional * (1 - p.fee)
		return
	}
	p.base += amount * (1 - p.fee)
	p.quote -= notional
}

// VenueConfig describes the simulated chain the pools live on.
type VenueConfig struct {
	QuoteLatency time.Duration // one RPC round-trip
	ExecLatency  time.Duration // submission to inclusion
	GasCost      float64       // per swap, in quote units
	StartBlock   uint64
}

// Venue is an Oracle over a set of constant-product pools. Swaps settle
// after ExecLatency; a swap whose price moved more than maxSlippage while
// pending reverts with order.ErrExecutionFailed.
type Venue struct {
	mu    sync.RWMutex
	pools map[string]*Pool
	cfg   VenueConfig

	block atomic.Uint64
}

func NewVenue(cfg VenueConfig) *Venue {
	v := &Venue{pools: make(map[string]*Pool), cfg: cfg}
	v.block.Store(cfg.StartBlock)
	return v
}

// AddPool registers a curve for cfg.Pair.
func (v *Venue) AddPool(cfg PoolConfig) error {
	p, err := newPool(cfg)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.pools[cfg.Pair]; ok {
		return fmt.Errorf("pool %s already exists", cfg.Pair)
	}
	v.pools[cfg.Pair] = p
	return nil
}

func (v *Venue) pool(pair string) (*Pool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	p, ok := v.pools[pair]
	if !ok {
		return nil, fmt.Errorf("no pool for %s: %w", pair, order.ErrQuoteUnavailable)
	}
	return p, nil
}

// Reserves returns the current base and quote reserves of pair.
func (v *Venue) Reserves(pair string) (base, quote float64, err error) {
	p, err := v.pool(pair)
	if err != nil {
		return 0, 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.base, p.quote, nil
}

// Spot returns the marginal price for a taker on side.
func (v *Venue) Spot(pair string, side order.Side) (float64, error) {
	p, err := v.pool(pair)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spot(side), nil
}

func (v *Venue) Quote(ctx context.Context, pair string, side order.Side, amount float64) (order.Quote, error) {
	p, err := v.pool(pair)
	if err != nil {
		return order.Quote{}, err
	}
	if err := wait(ctx, v.cfg.QuoteLatency); err != nil {
		return order.Quote{}, fmt.Errorf("quote %s: %w", pair, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	spot := p.spot(side)
	avail := p.available(side, amount)
	price := p.avgPrice(side, avail)
	return order.Quote{
		Source:    order.AMM,
		Available: avail,
		Price:     price,
		SpotPrice: spot,
		Impact:    math.Abs(price-spot) / spot,
		ETA:       v.cfg.ExecLatency,
		Cost:      v.cfg.GasCost,
	}, nil
}

func (v *Venue) SizeToPrice(ctx context.Context, pair string, side order.Side, target float64) (float64, error) {
	p, err := v.pool(pair)
	if err != nil {
		return 0, err
	}
	if err := wait(ctx, v.cfg.QuoteLatency); err != nil {
		return 0, fmt.Errorf("size %s: %w", pair, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizeToPrice(side, target), nil
}

func (v *Venue) Execute(ctx context.Context, pair string, side order.Side, amount, maxSlippage float64) (Execution, error) {
	p, err := v.pool(pair)
	if err != nil {
		return Execution{}, fmt.Errorf("execute %s: %w", pair, order.ErrExecutionFailed)
	}
	if amount <= order.Epsilon {
		return Execution{}, fmt.Errorf("execute %s: amount %g: %w", pair, amount, order.ErrExecutionFailed)
	}

	p.mu.Lock()
	expected := p.avgPrice(side, p.available(side, amount))
	p.mu.Unlock()

	if err := wait(ctx, v.cfg.ExecLatency); err != nil {
		return Execution{}, fmt.Errorf("execute %s: %w", pair, err)
	}

	p.mu.Lock()
	if p.available(side, amount) < amount-order.Epsilon {
		p.mu.Unlock()
		return Execution{}, fmt.Errorf("execute %s: pool cannot deliver %g: %w", pair, amount, order.ErrExecutionFailed)
	}
	notional := p.notional(side, amount)
	price := notional / amount
	if slip := math.Abs(price-expected) / expected; slip > maxSlippage+order.Epsilon {
		p.mu.Unlock()
		return Execution{}, fmt.Errorf("execute %s: slippage %.4f over %.4f: %w", pair, slip, maxSlippage, order.ErrExecutionFailed)
	}
	p.apply(side, amount, notional)
	p.mu.Unlock()

	block := v.block.Add(1)
	return Execution{
		Filled:        amount,
		Price:         price,
		SettlementRef: settlementRef(pair, side, amount, price, block),
		Block:         block,
		Cost:          v.cfg.GasCost,
	}, nil
}

// settlementRef derives a transaction-hash-shaped reference for a swap.
func settlementRef(pair string, side order.Side, amount, price float64, block uint64) string {
	buf := make([]byte, 0, len(pair)+25)
	buf = append(buf, pair...)
	buf = append(buf, byte(side))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(amount))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(price))
	buf = binary.BigEndian.AppendUint64(buf, block)
	return ethCrypto.Keccak256Hash(buf).Hex()
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
