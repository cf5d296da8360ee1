package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/uhyunpark/hyperroute/pkg/app/core/amm"
	"github.com/uhyunpark/hyperroute/pkg/app/core/market"
	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
	"github.com/uhyunpark/hyperroute/pkg/app/core/orderbook"
)

const pair = "ETH-USDC"

var errDown = fmt.Errorf("rpc down: %w", order.ErrQuoteUnavailable)

// flatOracle quotes unlimited liquidity at a fixed price.
type flatOracle struct {
	mu        sync.Mutex
	price     float64
	window    float64 // SizeToPrice result when the target is reachable; 0 = unlimited
	fail      error
	onExecute func()
	executed  int
}

func (f *flatOracle) Quote(_ context.Context, _ string, _ order.Side, amount float64) (order.Quote, error) {
	if f.fail != nil {
		return order.Quote{}, f.fail
	}
	return order.Quote{Source: order.AMM, Available: amount, Price: f.price, SpotPrice: f.price}, nil
}

func (f *flatOracle) SizeToPrice(_ context.Context, _ string, side order.Side, target float64) (float64, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	if !order.Better(side, f.price, target) {
		return 0, nil
	}
	if f.window > 0 {
		return f.window, nil
	}
	return 1e18, nil
}

func (f *flatOracle) Execute(_ context.Context, _ string, _ order.Side, amount, _ float64) (amm.Execution, error) {
	if f.fail != nil {
		return amm.Execution{}, fmt.Errorf("revert: %w", order.ErrExecutionFailed)
	}
	f.mu.Lock()
	f.executed++
	n := f.executed
	f.mu.Unlock()
	if f.onExecute != nil {
		f.onExecute()
	}
	return amm.Execution{
		Filled:        amount,
		Price:         f.price,
		SettlementRef: fmt.Sprintf("0x%064x", n),
		Block:         uint64(n),
	}, nil
}

type recordingSink struct {
	mu    sync.Mutex
	fills []order.Fill
}

func (s *recordingSink) Record(f order.Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills = append(s.fills, f)
}

type fixture struct {
	engine *orderbook.Engine
	router *Router
	sink   *recordingSink
}

func newFixture(t *testing.T, oracle amm.Oracle, mutate func(*market.MarketParams)) *fixture {
	t.Helper()
	p := market.DefaultParams
	if mutate != nil {
		mutate(&p)
	}
	m, err := market.NewMarketFromSymbol(pair, p)
	if err != nil {
		t.Fatal(err)
	}
	reg := market.NewMarketRegistry()
	if err := reg.RegisterMarket(m); err != nil {
		t.Fatal(err)
	}
	now := func() time.Time { return time.Unix(1_700_000_000, 0) }
	eng := orderbook.NewEngine(reg, now)
	sink := &recordingSink{}
	return &fixture{engine: eng, router: New(eng, oracle, reg, sink, now), sink: sink}
}

func (fx *fixture) rest(t *testing.T, id string, side order.Side, amount, price float64) {
	t.Helper()
	if _, err := fx.engine.Submit(order.New(id, pair, side, order.Limit, order.GTC, amount, price)); err != nil {
		t.Fatal(err)
	}
}

func newVenue(t *testing.T, cfg amm.VenueConfig) *amm.Venue {
	t.Helper()
	v := amm.NewVenue(cfg)
	if err := v.AddPool(amm.PoolConfig{Pair: pair, BaseReserve: 1000, QuoteReserve: 1000, FeeBps: 30}); err != nil {
		t.Fatal(err)
	}
	return v
}

func checkConserved(t *testing.T, o *order.Order, res *Result) {
	t.Helper()
	if !o.Conserved() {
		t.Errorf("filled %g + remaining %g != amount %g", o.Filled, o.Remaining, o.Amount)
	}
	if got := order.TotalAmount(res.Fills); !order.Equal(got, res.TotalFilled) {
		t.Errorf("fills sum %g != total filled %g", got, res.TotalFilled)
	}
}

func TestScenarioBookThenAMM(t *testing.T) {
	fx := newFixture(t, &flatOracle{price: 1.02}, nil)
	fx.rest(t, "ask", order.Sell, 10, 1.00)

	o := order.New("o1", pair, order.Buy, order.Market, order.IOC, 15, 0)
	res, err := fx.router.Route(context.Background(), o)
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Fills) != 2 {
		t.Fatalf("got %d fills, want 2", len(res.Fills))
	}
	want := []struct {
		src    order.Source
		amount float64
		price  float64
	}{
		{order.Orderbook, 10, 1.00},
		{order.AMM, 5, 1.02},
	}
	for i, w := range want {
		f := res.Fills[i]
		if f.Source != w.src || !order.Equal(f.Amount, w.amount) || !order.Equal(f.Price, w.price) {
			t.Errorf("fill %d = %v %g@%g, want %v %g@%g", i, f.Source, f.Amount, f.Price, w.src, w.amount, w.price)
		}
		if f.Chunk != i {
			t.Errorf("fill %d chunk = %d", i, f.Chunk)
		}
	}
	if res.Status != order.Filled || o.Status != order.Filled {
		t.Errorf("status = %v / %v, want Filled", res.Status, o.Status)
	}
	if avg := (10*1.00 + 5*1.02) / 15; !order.Equal(res.AveragePrice, avg) {
		t.Errorf("average price = %.6f, want %.6f", res.AveragePrice, avg)
	}
	if res.AMMChunks != 1 || res.BookChunks != 1 {
		t.Errorf("chunks book=%d amm=%d", res.BookChunks, res.AMMChunks)
	}
	if res.Fills[1].Settlement == nil || res.Fills[1].Settlement.TxRef == "" {
		t.Errorf("amm fill missing settlement metadata")
	}
	if len(fx.sink.fills) != 2 {
		t.Errorf("sink got %d fills, want 2", len(fx.sink.fills))
	}
	checkConserved(t, o, res)
}

func TestScenarioEmptyBookAllAMM(t *testing.T) {
	fx := newFixture(t, newVenue(t, amm.VenueConfig{}), nil)

	o := order.New("o1", pair, order.Buy, order.Market, order.IOC, 50, 0)
	res, err := fx.router.Route(context.Background(), o)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != order.Filled || !order.Equal(res.TotalFilled, 50) {
		t.Errorf("status %v filled %g, want Filled 50", res.Status, res.TotalFilled)
	}
	if res.BookChunks != 0 {
		t.Errorf("book chunks = %d, want 0", res.BookChunks)
	}
	for _, f := range res.Fills {
		if f.Source != order.AMM {
			t.Errorf("unexpected %v fill", f.Source)
		}
	}
	checkConserved(t, o, res)
}

func TestScenarioValidationRejects(t *testing.T) {
	fx := newFixture(t, &flatOracle{price: 1}, nil)
	fx.rest(t, "ask", order.Sell, 10, 1.00)
	before := fx.engine.StateHash()

	o := order.New("o1", pair, order.Buy, order.Market, order.IOC, 0, 0)
	res, err := fx.router.Route(context.Background(), o)

	var verr *order.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if res.Status != order.Rejected || len(res.Fills) != 0 {
		t.Errorf("result = %+v", res)
	}
	if fx.engine.StateHash() != before {
		t.Errorf("book mutated by rejected order")
	}
	if len(fx.sink.fills) != 0 {
		t.Errorf("sink received fills for a rejected order")
	}
}

func TestScenarioAMMDown(t *testing.T) {
	fx := newFixture(t, &flatOracle{price: 1.02, fail: errDown}, nil)
	fx.rest(t, "ask", order.Sell, 5, 1.00)

	o := order.New("o1", pair, order.Buy, order.Market, order.IOC, 10, 0)
	res, err := fx.router.Route(context.Background(), o)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fills) != 1 || !order.Equal(res.Fills[0].Amount, 5) || !order.Equal(res.Fills[0].Price, 1.00) {
		t.Fatalf("fills = %+v, want one 5@1.00", res.Fills)
	}
	if !order.Equal(res.Remaining, 5) || res.Status != order.PartiallyFilled {
		t.Errorf("remaining %g status %v, want 5 PartiallyFilled", res.Remaining, res.Status)
	}
	if !errors.Is(res.Condition, order.ErrInsufficientLiquidity) {
		t.Errorf("condition = %v", res.Condition)
	}
	checkConserved(t, o, res)
}

func TestNoLiquidityUnfilled(t *testing.T) {
	fx := newFixture(t, &flatOracle{fail: errDown}, nil)
	o := order.New("o1", pair, order.Sell, order.Market, order.IOC, 3, 0)
	res, err := fx.router.Route(context.Background(), o)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != order.Unfilled || res.Iterations != 1 {
		t.Errorf("status %v iterations %d", res.Status, res.Iterations)
	}
}

func TestIterationCap(t *testing.T) {
	fx := newFixture(t, &flatOracle{fail: errDown}, func(p *market.MarketParams) { p.IterationCap = 3 })
	for i := 0; i < 10; i++ {
		fx.rest(t, fmt.Sprintf("ask%d", i), order.Sell, 1, float64(100+i)/100)
	}

	o := order.New("o1", pair, order.Buy, order.Market, order.IOC, 10, 0)
	res, err := fx.router.Route(context.Background(), o)
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
	if !errors.Is(res.Condition, order.ErrIterationLimit) {
		t.Errorf("condition = %v, want iteration limit", res.Condition)
	}
	if res.Status != order.PartiallyFilled || !order.Equal(res.TotalFilled, 3) {
		t.Errorf("status %v filled %g", res.Status, res.TotalFilled)
	}
	checkConserved(t, o, res)
}

func TestIterationCapReportedWhenResting(t *testing.T) {
	fx := newFixture(t, &flatOracle{price: 0.90, window: 1}, func(p *market.MarketParams) { p.IterationCap = 3 })

	o := order.New("o1", pair, order.Buy, order.Limit, order.GTC, 10, 1.00)
	res, err := fx.router.Route(context.Background(), o)
	if err != nil {
		t.Fatal(err)
	}
	if !order.Equal(res.TotalFilled, 3) || res.AMMChunks != 3 {
		t.Errorf("filled %g in %d amm chunks, want 3/3", res.TotalFilled, res.AMMChunks)
	}
	if !res.Rested || res.Status != order.PartiallyFilled {
		t.Errorf("rested=%v status=%v", res.Rested, res.Status)
	}
	if !errors.Is(res.Condition, order.ErrIterationLimit) {
		t.Errorf("condition = %v, want iteration limit", res.Condition)
	}
	if resting, ok := fx.engine.Order("o1"); !ok || !order.Equal(resting.Remaining, 7) {
		t.Errorf("resting remainder = %+v", resting)
	}
	checkConserved(t, o, res)
}

func TestEmptyBookSkipsTinyAMMWindow(t *testing.T) {
	oracle := &flatOracle{price: 1, window: 0.001}
	fx := newFixture(t, oracle, nil)

	res, err := fx.router.Route(context.Background(), order.New("o1", pair, order.Buy, order.Market, order.IOC, 1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != order.Unfilled || res.AMMChunks != 0 || oracle.executed != 0 {
		t.Errorf("status %v amm chunks %d executed %d", res.Status, res.AMMChunks, oracle.executed)
	}
	if !errors.Is(res.Condition, order.ErrInsufficientLiquidity) {
		t.Errorf("condition = %v", res.Condition)
	}
}

func TestUnknownPairRejected(t *testing.T) {
	fx := newFixture(t, &flatOracle{price: 1}, nil)
	res, err := fx.router.Route(context.Background(), order.New("o1", "DOGE-USDC", order.Buy, order.Market, order.IOC, 1, 0))
	if !errors.Is(err, order.ErrUnknownPair) || errors.Is(err, order.ErrValidation) {
		t.Fatalf("err = %v, want unknown pair", err)
	}
	if res.Status != order.Rejected {
		t.Errorf("status = %v", res.Status)
	}
}

func TestBookConsumesOneLevelPerChunk(t *testing.T) {
	fx := newFixture(t, &flatOracle{fail: errDown}, nil)
	fx.rest(t, "a1", order.Sell, 2, 1.00)
	fx.rest(t, "a2", order.Sell, 2, 1.01)

	res, _ := fx.router.Route(context.Background(), order.New("o1", pair, order.Buy, order.Market, order.IOC, 4, 0))
	if res.BookChunks != 2 || res.Iterations != 2 {
		t.Errorf("book chunks %d iterations %d, want 2/2", res.BookChunks, res.Iterations)
	}
}

func TestParityPrefersBook(t *testing.T) {
	fx := newFixture(t, &flatOracle{price: 1.02}, nil)
	fx.rest(t, "ask", order.Sell, 10, 1.02)

	res, _ := fx.router.Route(context.Background(), order.New("o1", pair, order.Buy, order.Market, order.IOC, 15, 0))
	if len(res.Fills) != 2 || res.Fills[0].Source != order.Orderbook || res.Fills[1].Source != order.AMM {
		t.Fatalf("fills = %+v, want book then amm", res.Fills)
	}
}

func TestTinyAMMWindowTreatedAsParity(t *testing.T) {
	fx := newFixture(t, &flatOracle{price: 0.99, window: 0.001}, nil)
	fx.rest(t, "ask", order.Sell, 1, 1.00)

	res, _ := fx.router.Route(context.Background(), order.New("o1", pair, order.Buy, order.Market, order.IOC, 1, 0))
	if len(res.Fills) == 0 || res.Fills[0].Source != order.Orderbook {
		t.Fatalf("fills = %+v, want book first", res.Fills)
	}
}

func TestAMMChunkPricesMonotonic(t *testing.T) {
	tests := []struct {
		name string
		side order.Side
		book order.Side
	}{
		{"buy", order.Buy, order.Sell},
		{"sell", order.Sell, order.Buy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, newVenue(t, amm.VenueConfig{}), func(p *market.MarketParams) { p.MaxChunk = 20 })
			for i := 1; i <= 5; i++ {
				px := 1 + float64(tt.side)*float64(i)/100
				fx.rest(t, fmt.Sprintf("m%d", i), tt.book, 5, px)
			}

			o := order.New("o1", pair, tt.side, order.Market, order.IOC, 150, 0)
			res, err := fx.router.Route(context.Background(), o)
			if err != nil {
				t.Fatal(err)
			}
			if res.AMMChunks < 2 || res.BookChunks == 0 {
				t.Fatalf("expected interleaved sources, got book=%d amm=%d", res.BookChunks, res.AMMChunks)
			}

			var last float64
			for _, f := range res.Fills {
				if f.Source != order.AMM {
					continue
				}
				if last != 0 && order.Better(tt.side, f.Price, last) {
					t.Errorf("amm chunk at %g improved on previous %g", f.Price, last)
				}
				last = f.Price
			}
			checkConserved(t, o, res)
			if res.Iterations > market.DefaultParams.IterationCap {
				t.Errorf("iterations %d over cap", res.Iterations)
			}
		})
	}
}

func TestLimitFilterAndRest(t *testing.T) {
	fx := newFixture(t, newVenue(t, amm.VenueConfig{}), nil)
	fx.rest(t, "ask", order.Sell, 50, 1.02)

	o := order.New("o1", pair, order.Buy, order.Limit, order.GTC, 100, 1.01)
	res, err := fx.router.Route(context.Background(), o)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalFilled <= 0 {
		t.Fatal("expected the AMM to fill up to the limit")
	}
	for _, f := range res.Fills {
		if f.Price > 1.01+order.Epsilon {
			t.Errorf("fill at %g breaches limit", f.Price)
		}
	}
	if !res.Rested || res.Status != order.PartiallyFilled || res.Condition != nil {
		t.Errorf("rested=%v status=%v condition=%v", res.Rested, res.Status, res.Condition)
	}
	resting, ok := fx.engine.Order("o1")
	if !ok || !order.Equal(resting.Remaining, res.Remaining) {
		t.Errorf("resting remainder = %+v", resting)
	}
	if px, _ := fx.engine.BestPrice(pair, order.Buy); !order.Equal(px, 1.01) {
		t.Errorf("best bid = %g, want 1.01", px)
	}
}

func TestCancelledBeforeStart(t *testing.T) {
	fx := newFixture(t, &flatOracle{price: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := fx.router.Route(ctx, order.New("o1", pair, order.Buy, order.Market, order.IOC, 10, 0))
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != order.Cancelled || len(res.Fills) != 0 || !errors.Is(res.Condition, context.Canceled) {
		t.Errorf("result = %+v", res)
	}
}

func TestCancelKeepsExecutedChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	oracle := &flatOracle{price: 1, onExecute: cancel}
	fx := newFixture(t, oracle, func(p *market.MarketParams) { p.MaxChunk = 10 })

	o := order.New("o1", pair, order.Buy, order.Limit, order.GTC, 100, 1.5)
	res, err := fx.router.Route(ctx, o)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != order.Cancelled || !order.Equal(res.TotalFilled, 10) {
		t.Errorf("status %v filled %g, want Cancelled with 10", res.Status, res.TotalFilled)
	}
	if _, ok := fx.engine.Order("o1"); ok {
		t.Errorf("cancelled order must not rest")
	}
	checkConserved(t, o, res)
}

func TestFillOrKill(t *testing.T) {
	t.Run("book alone", func(t *testing.T) {
		fx := newFixture(t, &flatOracle{fail: errDown}, nil)
		fx.rest(t, "ask", order.Sell, 5, 1.00)
		res, err := fx.router.Route(context.Background(), order.New("o1", pair, order.Buy, order.Limit, order.FOK, 5, 1.00))
		if err != nil || res.Status != order.Filled || res.BookChunks != 1 {
			t.Errorf("err=%v result=%+v", err, res)
		}
	})

	t.Run("amm alone", func(t *testing.T) {
		oracle := &flatOracle{price: 0.98}
		fx := newFixture(t, oracle, nil)
		fx.rest(t, "ask", order.Sell, 5, 1.00)
		res, err := fx.router.Route(context.Background(), order.New("o1", pair, order.Buy, order.Market, order.FOK, 8, 0))
		if err != nil || res.Status != order.Filled || res.AMMChunks != 1 || res.BookChunks != 0 {
			t.Errorf("err=%v result=%+v", err, res)
		}
		if got := fx.engine.DepthAt(pair, order.Sell, 1.00); !order.Equal(got, 5) {
			t.Errorf("book touched: depth %g", got)
		}
	})

	t.Run("book and amm together", func(t *testing.T) {
		fx := newFixture(t, &flatOracle{price: 1.02}, func(p *market.MarketParams) { p.MaxChunk = 8 })
		fx.rest(t, "ask", order.Sell, 5, 1.00)
		o := order.New("o1", pair, order.Buy, order.Market, order.FOK, 10, 0)
		res, err := fx.router.Route(context.Background(), o)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != order.Filled || res.BookChunks != 1 || res.AMMChunks != 1 {
			t.Fatalf("result = %+v", res)
		}
		want := []struct {
			src    order.Source
			amount float64
			price  float64
		}{
			{order.Orderbook, 5, 1.00},
			{order.AMM, 5, 1.02},
		}
		for i, w := range want {
			f := res.Fills[i]
			if f.Source != w.src || !order.Equal(f.Amount, w.amount) || !order.Equal(f.Price, w.price) {
				t.Errorf("fill %d = %v %g@%g, want %v %g@%g", i, f.Source, f.Amount, f.Price, w.src, w.amount, w.price)
			}
		}
		checkConserved(t, o, res)
	})

	t.Run("book priced better than amm", func(t *testing.T) {
		v := newVenue(t, amm.VenueConfig{})
		fx := newFixture(t, v, nil)
		fx.rest(t, "ask", order.Sell, 5, 0.99)
		o := order.New("o1", pair, order.Buy, order.Market, order.FOK, 10, 0)
		res, err := fx.router.Route(context.Background(), o)
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != order.Filled || len(res.Fills) < 2 {
			t.Fatalf("result = %+v", res)
		}
		if f := res.Fills[0]; f.Source != order.Orderbook || !order.Equal(f.Price, 0.99) || !order.Equal(f.Amount, 5) {
			t.Errorf("first fill = %v %g@%g, want book 5@0.99", f.Source, f.Amount, f.Price)
		}
		if got := fx.engine.DepthAt(pair, order.Sell, 0.99); got != 0 {
			t.Errorf("cheaper ask left on the book: depth %g", got)
		}
		if base, _, _ := v.Reserves(pair); !order.Equal(1000-base, 5) {
			t.Errorf("pool sold %g base, want 5", 1000-base)
		}
		checkConserved(t, o, res)
	})

	t.Run("more chunks than the cap", func(t *testing.T) {
		fx := newFixture(t, &flatOracle{fail: errDown}, func(p *market.MarketParams) { p.IterationCap = 3 })
		for i := 0; i < 5; i++ {
			fx.rest(t, fmt.Sprintf("ask%d", i), order.Sell, 1, float64(100+i)/100)
		}
		before := fx.engine.StateHash()
		o := order.New("o1", pair, order.Buy, order.Market, order.FOK, 5, 0)
		res, err := fx.router.Route(context.Background(), o)
		if !errors.Is(err, order.ErrFOKUnfillable) {
			t.Fatalf("err = %v", err)
		}
		if res.Status != order.Rejected || o.Filled != 0 {
			t.Errorf("result = %+v", res)
		}
		if fx.engine.StateHash() != before {
			t.Errorf("book mutated by rejected FOK")
		}
	})

	t.Run("unfillable", func(t *testing.T) {
		fx := newFixture(t, &flatOracle{fail: errDown}, nil)
		fx.rest(t, "ask", order.Sell, 5, 1.00)
		before := fx.engine.StateHash()
		o := order.New("o1", pair, order.Buy, order.Market, order.FOK, 8, 0)
		res, err := fx.router.Route(context.Background(), o)
		if !errors.Is(err, order.ErrFOKUnfillable) {
			t.Fatalf("err = %v", err)
		}
		if res.Status != order.Rejected || o.Filled != 0 || len(res.Fills) != 0 {
			t.Errorf("result = %+v", res)
		}
		if fx.engine.StateHash() != before {
			t.Errorf("book mutated by rejected FOK")
		}
	})
}

func TestAMMTimeoutFallsBack(t *testing.T) {
	v := newVenue(t, amm.VenueConfig{ExecLatency: time.Second})
	fx := newFixture(t, v, func(p *market.MarketParams) { p.AMMTimeout = 20 * time.Millisecond })
	fx.rest(t, "ask", order.Sell, 5, 1.00)

	start := time.Now()
	res, err := fx.router.Route(context.Background(), order.New("o1", pair, order.Buy, order.Market, order.IOC, 10, 0))
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("route did not honour the amm timeout")
	}
	if !order.Equal(res.TotalFilled, 5) || res.Status != order.PartiallyFilled {
		t.Errorf("filled %g status %v", res.TotalFilled, res.Status)
	}
	if base, _, _ := v.Reserves(pair); base != 1000 {
		t.Errorf("timed-out swap settled")
	}
}

func TestNotifyObservesEveryFill(t *testing.T) {
	fx := newFixture(t, &flatOracle{price: 1.02}, nil)
	fx.rest(t, "ask", order.Sell, 10, 1.00)

	var seen []order.Status
	_, err := fx.router.RouteNotify(context.Background(), order.New("o1", pair, order.Buy, order.Market, order.IOC, 15, 0),
		func(f order.Fill, o *order.Order) { seen = append(seen, o.Status) })
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[0] != order.PartiallyFilled || seen[1] != order.Filled {
		t.Errorf("progress statuses = %v", seen)
	}
}

func TestAMMErrorLogLevel(t *testing.T) {
	tests := []struct {
		name  string
		fail  error
		level zapcore.Level
	}{
		{name: "source failure", fail: errDown, level: zapcore.WarnLevel},
		{name: "unexpected", fail: errors.New("pool misconfigured"), level: zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			fx := newFixture(t, &flatOracle{price: 1.02, fail: tt.fail}, nil)
			fx.router.Logger = zap.New(core).Sugar()
			fx.rest(t, "ask", order.Sell, 5, 1.00)

			if _, err := fx.router.Route(context.Background(), order.New("o1", pair, order.Buy, order.Market, order.IOC, 10, 0)); err != nil {
				t.Fatal(err)
			}
			entries := logs.FilterMessage("amm_quote_failed").All()
			if len(entries) == 0 {
				t.Fatal("quote failure not logged")
			}
			for _, e := range entries {
				if e.Level != tt.level {
					t.Errorf("logged at %v, want %v", e.Level, tt.level)
				}
			}
			if n := logs.FilterMessage("route_fill_mismatch").Len(); n != 0 {
				t.Errorf("fills and filled amount disagree")
			}
		})
	}
}
