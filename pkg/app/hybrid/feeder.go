package hybrid

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

// FeederConfig controls synthetic order flow.
type FeederConfig struct {
	OrdersPerSecond float64
	Burst           int
	NumAccounts     int
	Symbols         []string
	Spread          float64 // limit prices fall within ref*(1±Spread)
	MaxAmount       float64
	Seed            int64
}

func DefaultFeederConfig() FeederConfig {
	return FeederConfig{
		OrdersPerSecond: 100,
		Burst:           10,
		NumAccounts:     50,
		Symbols:         []string{"ETH-USDC"},
		Spread:          0.02,
		MaxAmount:       5,
		Seed:            1,
	}
}

// HighLoadFeederConfig is for stress runs against the admission layer.
func HighLoadFeederConfig() FeederConfig {
	cfg := DefaultFeederConfig()
	cfg.OrdersPerSecond = 5000
	cfg.Burst = 250
	cfg.NumAccounts = 500
	return cfg
}

// PriceFunc returns a reference price for a pair, e.g. the AMM spot.
type PriceFunc func(pair string) (float64, bool)

// OrderGenerator creates random orders around a reference price.
type OrderGenerator struct {
	accounts []string
	symbols  []string
	markets  Markets
	ref      PriceFunc
	spread   float64
	maxAmt   float64
	rng      *rand.Rand
}

func NewOrderGenerator(cfg FeederConfig, markets Markets, ref PriceFunc) *OrderGenerator {
	accounts := make([]string, max(cfg.NumAccounts, 1))
	var seed [8]byte
	for i := range accounts {
		binary.BigEndian.PutUint64(seed[:], uint64(i))
		accounts[i] = common.BytesToAddress(crypto.Keccak256([]byte("trader"), seed[:])).Hex()
	}
	return &OrderGenerator{
		accounts: accounts,
		symbols:  cfg.Symbols,
		markets:  markets,
		ref:      ref,
		spread:   cfg.Spread,
		maxAmt:   max(cfg.MaxAmount, 0.1),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Generate returns one order request. ok is false when the chosen pair has
// no reference price or market.
func (g *OrderGenerator) Generate() (order.Order, bool) {
	pair := g.symbols[g.rng.Intn(len(g.symbols))]
	mkt, err := g.markets.GetMarket(pair)
	if err != nil {
		return order.Order{}, false
	}
	ref, ok := g.ref(pair)
	if !ok || ref <= 0 {
		return order.Order{}, false
	}

	side := order.Buy
	if g.rng.Intn(2) == 1 {
		side = order.Sell
	}

	// 60% resting limit, 20% market IOC, 10% limit IOC, 10% limit FOK
	kind, tif := order.Limit, order.GTC
	switch r := g.rng.Intn(100); {
	case r >= 90:
		tif = order.FOK
	case r >= 80:
		tif = order.IOC
	case r >= 60:
		kind, tif = order.Market, order.IOC
	}

	var limit float64
	if kind == order.Limit {
		px := ref * (1 + g.spread*(2*g.rng.Float64()-1))
		limit = mkt.FromTicks(mkt.ToTicks(px))
		if limit <= 0 {
			limit = mkt.TickSize
		}
	}

	amount := math.Round((0.1+g.rng.Float64()*(g.maxAmt-0.1))*1e4) / 1e4

	o := order.New("", pair, side, kind, tif, amount, limit)
	o.Owner = g.accounts[g.rng.Intn(len(g.accounts))]
	switch r := g.rng.Intn(100); {
	case r < 5:
		o.Priority = order.Urgent
	case r < 25:
		o.Priority = order.High
	case r < 85:
		o.Priority = order.Normal
	default:
		o.Priority = order.Low
	}
	return *o, true
}

type Submitter interface {
	SubmitOrder(req order.Order) (*OrderHandle, error)
}

// RunFeeder submits generated orders at the configured rate until ctx ends.
func RunFeeder(ctx context.Context, sub Submitter, gen *OrderGenerator, cfg FeederConfig, logger *zap.SugaredLogger) error {
	if cfg.OrdersPerSecond <= 0 {
		return fmt.Errorf("feeder rate must be positive, got %g", cfg.OrdersPerSecond)
	}
	if len(gen.symbols) == 0 {
		return errors.New("feeder has no symbols")
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.OrdersPerSecond), max(cfg.Burst, 1))

	startTime := time.Now()
	lastReport := startTime
	var submitted, rejected int

	logger.Infow("feeder_started",
		"rate", cfg.OrdersPerSecond,
		"burst", cfg.Burst,
		"accounts", len(gen.accounts),
		"symbols", gen.symbols,
	)
	for {
		if err := limiter.Wait(ctx); err != nil {
			elapsed := time.Since(startTime)
			logger.Infow("feeder_stopped",
				"submitted", submitted,
				"rejected", rejected,
				"elapsed", elapsed.Round(time.Millisecond),
				"rate", float64(submitted)/max(elapsed.Seconds(), 1e-9),
			)
			return nil
		}

		req, ok := gen.Generate()
		if !ok {
			continue
		}
		if _, err := sub.SubmitOrder(req); err != nil {
			rejected++
		} else {
			submitted++
		}

		if time.Since(lastReport) >= 10*time.Second {
			lastReport = time.Now()
			elapsed := lastReport.Sub(startTime)
			logger.Infow("feeder_stats",
				"submitted", submitted,
				"rejected", rejected,
				"rate", float64(submitted)/elapsed.Seconds(),
			)
		}
	}
}
