// Package router fills one order across the order book and an AMM pool by
// re-deciding, chunk by chunk, which source currently prices better.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hyperroute/pkg/app/core/amm"
	"github.com/uhyunpark/hyperroute/pkg/app/core/market"
	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
	"github.com/uhyunpark/hyperroute/pkg/app/core/orderbook"
)

// Book is the order book surface the router trades against.
type Book interface {
	Submit(o *order.Order) ([]order.Fill, error)
	BestLevel(pair string, side order.Side) (price, amount float64, ok bool)
	Fillable(o *order.Order) float64
	Levels(pair string, depth int) (bids, asks []orderbook.PriceLevel, err error)
	Rest(o *order.Order) error
}

// Markets resolves pair configuration.
type Markets interface {
	GetMarket(symbol string) (*market.Market, error)
}

// Sink receives every fill as soon as it exists. Record must not block.
type Sink interface {
	Record(f order.Fill)
}

// NotifyFunc observes routing progress: called after every fill with the
// order as it stands.
type NotifyFunc func(f order.Fill, o *order.Order)

// Result is the outcome of one Route call.
type Result struct {
	OrderID      string
	Fills        []order.Fill
	TotalFilled  float64
	AveragePrice float64
	Remaining    float64
	Status       order.Status
	Iterations   int
	BookChunks   int
	AMMChunks    int
	Rested       bool

	// Condition explains a non-Filled terminal status: ErrInsufficientLiquidity,
	// ErrIterationLimit, or the context error on cancellation. It is not a
	// failure of the call.
	Condition error
	Elapsed   time.Duration
}

type Router struct {
	book    Book
	oracle  amm.Oracle
	markets Markets
	sink    Sink
	now     func() time.Time

	Logger *zap.SugaredLogger
}

// New wires a router. AMM calls are bounded by each pair's AMMTimeout.
func New(book Book, oracle amm.Oracle, markets Markets, sink Sink, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	r := &Router{
		book:    book,
		markets: markets,
		sink:    sink,
		now:     now,
		Logger:  zap.NewNop().Sugar(),
	}
	r.oracle = amm.WithTimeout(oracle, r.ammTimeout)
	return r
}

func (r *Router) ammTimeout(pair string) time.Duration {
	m, err := r.markets.GetMarket(pair)
	if err != nil {
		return market.DefaultParams.AMMTimeout
	}
	return m.AMMTimeout
}

// Route fills o. It returns an error only when o is rejected outright
// (validation failure, unknown or paused pair, unfillable FOK); every other
// outcome is a Result with a terminal status and the fills made so far.
func (r *Router) Route(ctx context.Context, o *order.Order) (*Result, error) {
	return r.RouteNotify(ctx, o, nil)
}

// RouteNotify is Route with a progress callback.
func (r *Router) RouteNotify(ctx context.Context, o *order.Order, notify NotifyFunc) (*Result, error) {
	start := r.now()
	run := &routeRun{r: r, o: o, notify: notify, res: &Result{OrderID: o.ID}}

	mkt, err := r.markets.GetMarket(o.Pair)
	if err != nil {
		return run.reject(err)
	}
	if err := mkt.ValidateOrder(o); err != nil {
		return run.reject(err)
	}
	run.mkt = mkt

	if o.TIF == order.FOK {
		if err := ctx.Err(); err != nil {
			run.res.Condition = err
			return run.finish(start), nil
		}
		plan, err := run.planFOK(ctx)
		if err != nil {
			return run.reject(err)
		}
		run.commitFOK(ctx, plan)
	}

	for !o.Done() {
		if err := ctx.Err(); err != nil {
			run.res.Condition = err
			break
		}
		if run.res.Iterations >= mkt.IterationCap {
			run.res.Condition = fmt.Errorf("%d iterations: %w", mkt.IterationCap, order.ErrIterationLimit)
			break
		}
		run.res.Iterations++
		if !run.step(ctx) {
			if err := ctx.Err(); err != nil {
				run.res.Condition = err
			} else {
				run.res.Condition = order.ErrInsufficientLiquidity
			}
			break
		}
	}

	if o.TIF == order.FOK && o.Filled == 0 && !isContextErr(run.res.Condition) {
		return run.reject(fmt.Errorf("order %s: %w", o.ID, order.ErrFOKUnfillable))
	}
	if !o.Done() && run.res.Condition != nil && !isContextErr(run.res.Condition) {
		run.restRemainder()
	}
	return run.finish(start), nil
}

// routeRun holds the per-order loop state.
type routeRun struct {
	r      *Router
	mkt    *market.Market
	o      *order.Order
	notify NotifyFunc
	res    *Result
}

func (run *routeRun) reject(err error) (*Result, error) {
	run.o.Status = order.Rejected
	run.res.Status = order.Rejected
	run.res.Remaining = run.o.Remaining
	run.r.Logger.Debugw("route_rejected", "order", run.o.ID, "pair", run.o.Pair, "err", err)
	return run.res, err
}

// ammWindow sizes the AMM exposure for this iteration: the amount that
// moves the pool's marginal price to the book's best price, bounded by the
// pair's price-impact threshold, the order's limit and candidate.
type ammWindow struct {
	spot   float64
	amount float64
}

func (run *routeRun) sizeAMM(ctx context.Context, candidate, bookPx float64, hasBook bool) (ammWindow, error) {
	o := run.o
	q, err := run.r.oracle.Quote(ctx, o.Pair, o.Side, candidate)
	if err != nil {
		return ammWindow{}, err
	}
	w := ammWindow{spot: q.SpotPrice}
	if q.SpotPrice <= 0 || !o.Marketable(q.SpotPrice) {
		return w, nil
	}
	if hasBook && !order.Better(o.Side, q.SpotPrice, bookPx) {
		return w, nil
	}

	size, err := run.r.oracle.SizeToPrice(ctx, o.Pair, o.Side, run.ammTarget(q.SpotPrice, bookPx, hasBook))
	if err != nil {
		return w, err
	}
	w.amount = min(size, candidate, q.Available)
	if w.amount <= order.Epsilon {
		w.amount = 0
	}
	return w, nil
}

// ammTarget is the marginal price an AMM chunk may push the pool to: spot
// moved by the impact threshold, never past the book's best or the limit.
func (run *routeRun) ammTarget(spot, bookPx float64, hasBook bool) float64 {
	o, mkt := run.o, run.mkt
	if o.Side == order.Buy {
		target := spot * (1 + mkt.MaxPriceImpact)
		if hasBook {
			target = min(target, bookPx)
		}
		if o.HasLimit() {
			target = min(target, o.LimitPrice)
		}
		return target
	}
	target := spot * (1 - mkt.MaxPriceImpact)
	if hasBook {
		target = max(target, bookPx)
	}
	if o.HasLimit() {
		target = max(target, o.LimitPrice)
	}
	return target
}

// step runs one router iteration and reports whether anything filled.
func (run *routeRun) step(ctx context.Context) bool {
	o, mkt := run.o, run.mkt
	candidate := min(o.Remaining, mkt.MaxChunk)

	bookPx, bookAmt, hasBook := run.r.book.BestLevel(o.Pair, o.Side.Opposite())
	if hasBook && !o.Marketable(bookPx) {
		hasBook = false
	}

	w, ammErr := run.sizeAMM(ctx, candidate, bookPx, hasBook)
	if ammErr != nil {
		run.logSourceErr("amm_quote_failed", ammErr, "iteration", run.res.Iterations)
	}
	// windows under MinChunk are never executed, with or without a book
	ammUsable := ammErr == nil && w.amount > 0 && w.amount >= min(mkt.MinChunk, candidate)-order.Epsilon

	var plan []order.Source
	switch {
	case !hasBook:
		plan = []order.Source{order.AMM}
	case ammErr != nil:
		plan = []order.Source{order.Orderbook}
	case order.Better(o.Side, bookPx, w.spot):
		plan = []order.Source{order.Orderbook, order.AMM}
	case order.Better(o.Side, w.spot, bookPx) && ammUsable:
		plan = []order.Source{order.AMM, order.Orderbook}
	default:
		// parity, or an AMM window too small to be worth a swap
		plan = []order.Source{order.Orderbook, order.AMM}
	}

	for _, src := range plan {
		switch src {
		case order.Orderbook:
			if hasBook && run.takeBook(bookPx, min(candidate, bookAmt)) {
				return true
			}
		case order.AMM:
			if ammUsable && run.takeAMM(ctx, w.amount) {
				return true
			}
		}
	}
	return false
}

// takeBook consumes at most one price level with an IOC child order.
func (run *routeRun) takeBook(price, amount float64) bool {
	o := run.o
	child := order.New(o.ID, o.Pair, o.Side, order.Limit, order.IOC, amount, price)
	child.Priority = o.Priority
	child.Owner = o.Owner
	child.SubmittedAt = o.SubmittedAt

	fills, err := run.r.book.Submit(child)
	if err != nil {
		run.r.Logger.Warnw("book_chunk_failed", "order", o.ID, "pair", o.Pair, "price", price, "err", err)
		return false
	}
	if len(fills) == 0 {
		return false
	}
	run.res.BookChunks++
	for _, f := range fills {
		run.record(f)
	}
	run.r.Logger.Debugw("route_chunk", "order", o.ID, "source", order.Orderbook, "amount", child.Filled, "price", price, "iteration", run.res.Iterations)
	return true
}

func (run *routeRun) takeAMM(ctx context.Context, amount float64) bool {
	o := run.o
	ex, err := run.r.oracle.Execute(ctx, o.Pair, o.Side, amount, run.mkt.MaxSlippage)
	if err != nil {
		run.logSourceErr("amm_execute_failed", err, "amount", amount)
		return false
	}
	if ex.Filled <= order.Epsilon {
		return false
	}
	run.res.AMMChunks++
	run.record(ammFill(o, ex, run.r.now()))
	run.r.Logger.Debugw("route_chunk", "order", o.ID, "source", order.AMM, "amount", ex.Filled, "price", ex.Price, "iteration", run.res.Iterations, "tx", ex.SettlementRef)
	return true
}

func ammFill(o *order.Order, ex amm.Execution, now time.Time) order.Fill {
	id := ex.SettlementRef
	if len(id) > 18 {
		id = id[:18]
	}
	return order.Fill{
		ID:        "amm-" + id,
		OrderID:   o.ID,
		Pair:      o.Pair,
		Price:     ex.Price,
		Amount:    min(ex.Filled, o.Remaining),
		Side:      o.Side,
		Source:    order.AMM,
		Timestamp: now,
		Settlement: &order.Settlement{
			TxRef: ex.SettlementRef,
			Block: ex.Block,
			Cost:  ex.Cost,
		},
	}
}

// record applies f to the order, tags its chunk and hands it off.
func (run *routeRun) record(f order.Fill) {
	f.Chunk = run.res.Iterations - 1
	run.o.Apply(f.Amount)
	if run.o.Done() {
		run.o.Status = order.Filled
	} else {
		run.o.Status = order.PartiallyFilled
	}
	run.res.Fills = append(run.res.Fills, f)
	if run.r.sink != nil {
		run.r.sink.Record(f)
	}
	if run.notify != nil {
		run.notify(f, run.o)
	}
}

// logSourceErr logs a failed AMM call. Source failures are expected and
// recovered from; anything else is unexpected.
func (run *routeRun) logSourceErr(event string, err error, kv ...any) {
	kv = append([]any{"order", run.o.ID, "pair", run.o.Pair, "err", err}, kv...)
	if order.IsSourceFailure(err) {
		run.r.Logger.Warnw(event, kv...)
		return
	}
	run.r.Logger.Errorw(event, kv...)
}

// fokChunk is one planned fill-or-kill chunk. Book chunks carry the level
// price they take.
type fokChunk struct {
	src    order.Source
	price  float64
	amount float64
}

// planFOK replays the routing loop against a snapshot of the book ladder
// and the pool curve without executing anything. It fails with
// ErrFOKUnfillable unless the plan covers the whole order.
func (run *routeRun) planFOK(ctx context.Context) ([]fokChunk, error) {
	o, mkt := run.o, run.mkt
	unfillable := func(why string) error {
		return fmt.Errorf("order %s: %s: %w", o.ID, why, order.ErrFOKUnfillable)
	}

	var spot, avail float64
	q, err := run.r.oracle.Quote(ctx, o.Pair, o.Side, o.Remaining)
	ammOK := err == nil && q.SpotPrice > 0
	if err != nil {
		run.logSourceErr("amm_quote_failed", err)
	}
	if ammOK {
		spot, avail = q.SpotPrice, q.Available
	} else if run.r.book.Fillable(o) < o.Remaining-order.Epsilon {
		return nil, unfillable("book depth")
	}

	bids, asks, err := run.r.book.Levels(o.Pair, mkt.IterationCap)
	if err != nil {
		return nil, err
	}
	levels := asks
	if o.Side == order.Sell {
		levels = bids
	}

	var (
		plan      []fokChunk
		remaining = o.Remaining
		ammUsed   float64
		lvl       int
		lvlLeft   float64
	)
	if len(levels) > 0 {
		lvlLeft = levels[0].Amount
	}
	for remaining > order.Epsilon {
		if len(plan) >= mkt.IterationCap {
			return nil, unfillable(fmt.Sprintf("needs more than %d chunks", mkt.IterationCap))
		}
		candidate := min(remaining, mkt.MaxChunk)
		hasBook := lvl < len(levels) && o.Marketable(levels[lvl].Price)
		var bookPx float64
		if hasBook {
			bookPx = levels[lvl].Price
		}

		if ammOK && o.Marketable(spot) && (!hasBook || order.Better(o.Side, spot, bookPx)) {
			target := run.ammTarget(spot, bookPx, hasBook)
			total, err := run.r.oracle.SizeToPrice(ctx, o.Pair, o.Side, target)
			if err != nil {
				run.logSourceErr("amm_size_failed", err)
				ammOK = false
				continue
			}
			// SizeToPrice is measured from the live pool, so earlier planned
			// chunks come off the top.
			window := min(total-ammUsed, candidate, avail-ammUsed)
			if window > order.Epsilon && window >= min(mkt.MinChunk, candidate)-order.Epsilon {
				plan = append(plan, fokChunk{src: order.AMM, amount: window})
				ammUsed += window
				remaining -= window
				if ammUsed >= total-order.Epsilon {
					spot = target
				}
				continue
			}
		}

		if !hasBook {
			return nil, unfillable("liquidity")
		}
		take := min(candidate, lvlLeft)
		plan = append(plan, fokChunk{src: order.Orderbook, price: bookPx, amount: take})
		remaining -= take
		if lvlLeft -= take; lvlLeft <= order.Epsilon {
			lvl++
			if lvl < len(levels) {
				lvlLeft = levels[lvl].Amount
			}
		}
	}
	return plan, nil
}

// commitFOK executes a plan chunk by chunk. A chunk the live sources no
// longer honour is replaced by a regular routing step.
func (run *routeRun) commitFOK(ctx context.Context, plan []fokChunk) {
	o := run.o
	for _, c := range plan {
		if o.Done() {
			return
		}
		if err := ctx.Err(); err != nil {
			run.res.Condition = err
			return
		}
		run.res.Iterations++
		amount := min(c.amount, o.Remaining)
		var ok bool
		switch c.src {
		case order.Orderbook:
			ok = run.takeBook(c.price, amount)
		case order.AMM:
			ok = run.takeAMM(ctx, amount)
		}
		if !ok {
			run.r.Logger.Warnw("fok_plan_diverged", "order", o.ID, "pair", o.Pair, "source", c.src, "amount", amount, "iteration", run.res.Iterations)
			if !run.step(ctx) {
				return
			}
		}
	}
}

// restRemainder parks a GTC limit remainder on the book.
func (run *routeRun) restRemainder() {
	o := run.o
	if o.Kind != order.Limit || o.TIF != order.GTC {
		return
	}
	if err := run.r.book.Rest(o); err != nil {
		run.r.Logger.Warnw("rest_failed", "order", o.ID, "pair", o.Pair, "remaining", o.Remaining, "err", err)
		return
	}
	run.res.Rested = true
	// a liquidity stop is explained by resting; a hit cap is still reported
	if errors.Is(run.res.Condition, order.ErrInsufficientLiquidity) {
		run.res.Condition = nil
	}
}

func (run *routeRun) finish(start time.Time) *Result {
	o, res := run.o, run.res
	switch {
	case o.Done():
		o.Status = order.Filled
	case res.Condition != nil && isContextErr(res.Condition):
		o.Status = order.Cancelled
	case res.Rested && o.Filled > 0:
		o.Status = order.PartiallyFilled
	case res.Rested:
		o.Status = order.Open
	case o.Filled > 0:
		o.Status = order.PartiallyFilled
	default:
		o.Status = order.Unfilled
	}

	res.Status = o.Status
	res.TotalFilled = o.Filled
	res.Remaining = o.Remaining
	res.AveragePrice = order.AveragePrice(res.Fills)
	res.Elapsed = run.r.now().Sub(start)
	if sum := order.TotalAmount(res.Fills); !order.Equal(sum, o.Filled) {
		run.r.Logger.Errorw("route_fill_mismatch", "order", o.ID, "fills", sum, "filled", o.Filled)
	}

	run.r.Logger.Debugw("route_done",
		"order", o.ID,
		"pair", o.Pair,
		"status", res.Status,
		"filled", res.TotalFilled,
		"avg_price", res.AveragePrice,
		"iterations", res.Iterations,
		"book_chunks", res.BookChunks,
		"amm_chunks", res.AMMChunks,
		"condition", res.Condition,
	)
	return res
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
