package hybrid

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

func TestOrderGeneratorProducesValidOrders(t *testing.T) {
	reg := defaultRegistry(t)
	cfg := DefaultFeederConfig()
	cfg.Symbols = []string{ethPair, btcPair}
	ref := func(pair string) (float64, bool) {
		if pair == btcPair {
			return 60_000, true
		}
		return 2_500, true
	}
	gen := NewOrderGenerator(cfg, reg, ref)

	var tifs [3]int
	for i := 0; i < 1000; i++ {
		req, ok := gen.Generate()
		if !ok {
			t.Fatal("Generate() = false with a reference price")
		}
		req.ID = "sample"
		mkt, err := reg.GetMarket(req.Pair)
		if err != nil {
			t.Fatal(err)
		}
		if err := mkt.ValidateOrder(&req); err != nil {
			t.Fatalf("generated invalid order %+v: %v", req, err)
		}
		tifs[req.TIF]++
	}
	for tif, n := range tifs {
		if n == 0 {
			t.Errorf("no %s orders generated", order.TimeInForce(tif))
		}
	}
}

func TestOrderGeneratorSkipsPairsWithoutPrice(t *testing.T) {
	gen := NewOrderGenerator(DefaultFeederConfig(), defaultRegistry(t), func(string) (float64, bool) { return 0, false })
	if _, ok := gen.Generate(); ok {
		t.Error("Generate() without a reference price should report false")
	}
}

type countingSubmitter struct{ n atomic.Int64 }

func (c *countingSubmitter) SubmitOrder(order.Order) (*OrderHandle, error) {
	c.n.Add(1)
	return nil, nil
}

func TestRunFeederStopsOnCancel(t *testing.T) {
	cfg := DefaultFeederConfig()
	cfg.OrdersPerSecond = 2000
	cfg.Burst = 20
	gen := NewOrderGenerator(cfg, defaultRegistry(t), func(string) (float64, bool) { return 2_500, true })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sub := &countingSubmitter{}
	if err := RunFeeder(ctx, sub, gen, cfg, zap.NewNop().Sugar()); err != nil {
		t.Fatal(err)
	}
	if sub.n.Load() == 0 {
		t.Error("feeder submitted nothing")
	}
}

func TestRunFeederRejectsZeroRate(t *testing.T) {
	cfg := DefaultFeederConfig()
	cfg.OrdersPerSecond = 0
	gen := NewOrderGenerator(cfg, defaultRegistry(t), nil)
	if err := RunFeeder(context.Background(), &countingSubmitter{}, gen, cfg, zap.NewNop().Sugar()); err == nil {
		t.Error("zero rate should be refused")
	}
}
