package amm

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

const pair = "ETH-USDC"

func newTestVenue(t *testing.T, cfg VenueConfig) *Venue {
	t.Helper()
	v := NewVenue(cfg)
	if err := v.AddPool(PoolConfig{Pair: pair, BaseReserve: 1000, QuoteReserve: 1000, FeeBps: 30}); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestSizeToPriceReachesTarget(t *testing.T) {
	tests := []struct {
		side   order.Side
		target float64
	}{
		{order.Buy, 1.05},
		{order.Sell, 0.95},
	}
	for _, tt := range tests {
		t.Run(tt.side.String(), func(t *testing.T) {
			v := newTestVenue(t, VenueConfig{})
			ctx := context.Background()

			dx, err := v.SizeToPrice(ctx, pair, tt.side, tt.target)
			if err != nil {
				t.Fatal(err)
			}
			if dx <= 0 {
				t.Fatalf("SizeToPrice = %g, want positive", dx)
			}
			if _, err := v.Execute(ctx, pair, tt.side, dx, 1); err != nil {
				t.Fatal(err)
			}
			spot, _ := v.Spot(pair, tt.side)
			if math.Abs(spot-tt.target) > 1e-9 {
				t.Errorf("spot after sizing = %.10f, want %.10f", spot, tt.target)
			}

			again, _ := v.SizeToPrice(ctx, pair, tt.side, tt.target)
			if again != 0 {
				t.Errorf("SizeToPrice at target = %g, want 0", again)
			}
		})
	}
}

func TestQuoteImpactGrowsWithSize(t *testing.T) {
	v := newTestVenue(t, VenueConfig{GasCost: 0.5, ExecLatency: 12 * time.Second})
	ctx := context.Background()

	small, err := v.Quote(ctx, pair, order.Buy, 1)
	if err != nil {
		t.Fatal(err)
	}
	large, _ := v.Quote(ctx, pair, order.Buy, 100)
	if !(large.Price > small.Price && large.Impact > small.Impact) {
		t.Errorf("larger quote should cost more: small=%+v large=%+v", small, large)
	}
	if small.Source != order.AMM || small.Cost != 0.5 || small.ETA != 12*time.Second {
		t.Errorf("quote metadata = %+v", small)
	}

	huge, _ := v.Quote(ctx, pair, order.Buy, 5000)
	if huge.Available >= 1000 {
		t.Errorf("buy availability must stay below the base reserve, got %g", huge.Available)
	}
}

func TestExecuteSuccessivePricesMonotonic(t *testing.T) {
	v := newTestVenue(t, VenueConfig{StartBlock: 100})
	ctx := context.Background()

	var last float64
	var lastBlock uint64 = 100
	for i := 0; i < 5; i++ {
		ex, err := v.Execute(ctx, pair, order.Buy, 10, 1)
		if err != nil {
			t.Fatal(err)
		}
		if ex.Price < last {
			t.Errorf("chunk %d price %g below previous %g", i, ex.Price, last)
		}
		if ex.Block != lastBlock+1 {
			t.Errorf("block = %d, want %d", ex.Block, lastBlock+1)
		}
		if !strings.HasPrefix(ex.SettlementRef, "0x") || len(ex.SettlementRef) != 66 {
			t.Errorf("settlement ref = %q", ex.SettlementRef)
		}
		last, lastBlock = ex.Price, ex.Block
	}

	base, quote, _ := v.Reserves(pair)
	if !order.Equal(base, 950) || quote <= 1000 {
		t.Errorf("reserves = %g/%g", base, quote)
	}
}

func TestExecuteRevertsOnSlippage(t *testing.T) {
	v := newTestVenue(t, VenueConfig{ExecLatency: 200 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = v.Execute(ctx, pair, order.Buy, 100, 0.001)
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if errors.Is(err, order.ErrExecutionFailed) {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("expected exactly one reverted swap, got errs %v", errs)
	}
}

func TestUnknownPair(t *testing.T) {
	v := newTestVenue(t, VenueConfig{})
	if _, err := v.Quote(context.Background(), "BTC-USDC", order.Buy, 1); !errors.Is(err, order.ErrQuoteUnavailable) {
		t.Errorf("Quote err = %v", err)
	}
	if _, err := v.Execute(context.Background(), "BTC-USDC", order.Buy, 1, 1); !errors.Is(err, order.ErrExecutionFailed) {
		t.Errorf("Execute err = %v", err)
	}
}

func TestWithTimeout(t *testing.T) {
	v := newTestVenue(t, VenueConfig{QuoteLatency: time.Second, ExecLatency: time.Second})
	o := WithTimeout(v, Fixed(10*time.Millisecond))
	ctx := context.Background()

	if _, err := o.Quote(ctx, pair, order.Buy, 1); !errors.Is(err, order.ErrTimeout) {
		t.Errorf("Quote err = %v, want timeout", err)
	}
	if _, err := o.SizeToPrice(ctx, pair, order.Buy, 2); !errors.Is(err, order.ErrTimeout) {
		t.Errorf("SizeToPrice err = %v, want timeout", err)
	}
	if _, err := o.Execute(ctx, pair, order.Buy, 1, 1); !errors.Is(err, order.ErrTimeout) {
		t.Errorf("Execute err = %v, want timeout", err)
	}
	if base, _, _ := v.Reserves(pair); base != 1000 {
		t.Errorf("timed out swap moved reserves: base = %g", base)
	}
}
