// Package amm is the automated-market-maker side of the router: the Oracle
// contract the router consumes and a constant-product venue implementing it.
package amm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

// Execution is the outcome of a swap.
type Execution struct {
	Filled        float64
	Price         float64 // average price in quote per base, fees included
	SettlementRef string
	Block         uint64
	Cost          float64
}

// Oracle quotes and executes swaps against an external pool.
//
// Quote and Execute fail with errors wrapping order.ErrQuoteUnavailable,
// order.ErrExecutionFailed or order.ErrTimeout.
type Oracle interface {
	Quote(ctx context.Context, pair string, side order.Side, amount float64) (order.Quote, error)
	Execute(ctx context.Context, pair string, side order.Side, amount, maxSlippage float64) (Execution, error)

	// SizeToPrice returns the amount that moves the pool's marginal price
	// for side to target. It is 0 when the pool is already at or beyond
	// target.
	SizeToPrice(ctx context.Context, pair string, side order.Side, target float64) (float64, error)
}

// TimeoutFunc returns the call budget for pair.
type TimeoutFunc func(pair string) time.Duration

// Fixed applies the same budget to every pair.
func Fixed(d time.Duration) TimeoutFunc {
	return func(string) time.Duration { return d }
}

type timeoutOracle struct {
	next    Oracle
	timeout TimeoutFunc
}

// WithTimeout bounds every call on o. Deadline expiry is reported as
// order.ErrTimeout.
func WithTimeout(o Oracle, timeout TimeoutFunc) Oracle {
	return &timeoutOracle{next: o, timeout: timeout}
}

func (t *timeoutOracle) ctx(parent context.Context, pair string) (context.Context, context.CancelFunc) {
	d := t.timeout(pair)
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}

func (t *timeoutOracle) Quote(ctx context.Context, pair string, side order.Side, amount float64) (order.Quote, error) {
	ctx, cancel := t.ctx(ctx, pair)
	defer cancel()
	q, err := t.next.Quote(ctx, pair, side, amount)
	return q, mapDeadline(err)
}

func (t *timeoutOracle) Execute(ctx context.Context, pair string, side order.Side, amount, maxSlippage float64) (Execution, error) {
	ctx, cancel := t.ctx(ctx, pair)
	defer cancel()
	ex, err := t.next.Execute(ctx, pair, side, amount, maxSlippage)
	return ex, mapDeadline(err)
}

func (t *timeoutOracle) SizeToPrice(ctx context.Context, pair string, side order.Side, target float64) (float64, error) {
	ctx, cancel := t.ctx(ctx, pair)
	defer cancel()
	n, err := t.next.SizeToPrice(ctx, pair, side, target)
	return n, mapDeadline(err)
}

func mapDeadline(err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, order.ErrTimeout) {
		return fmt.Errorf("%w: %v", order.ErrTimeout, err)
	}
	return err
}
