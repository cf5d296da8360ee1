package order

import (
	"math"
	"time"
)

// Epsilon is the tolerance below which an amount is treated as zero.
const Epsilon = 1e-8

// IsDust reports whether x is small enough to be considered resolved.
func IsDust(x float64) bool { return x <= Epsilon }

// Equal compares two amounts or prices within Epsilon.
func Equal(a, b float64) bool { return math.Abs(a-b) <= Epsilon }

// Order is a client order. It is mutated only by the order book (on match)
// and the router (status and remaining updates).
type Order struct {
	ID         string
	Pair       string
	Side       Side
	Kind       Kind
	TIF        TimeInForce
	Amount     float64 // original amount in base units
	LimitPrice float64 // 0 means no limit
	Remaining  float64
	Filled     float64
	Status     Status
	Priority   Priority

	SubmittedAt time.Time
	Owner       string
	Seq         uint64 // admission sequence, breaks timestamp ties
}

// New builds a pending order with Remaining initialised to amount.
func New(id, pair string, side Side, kind Kind, tif TimeInForce, amount, limit float64) *Order {
	return &Order{
		ID:         id,
		Pair:       pair,
		Side:       side,
		Kind:       kind,
		TIF:        tif,
		Amount:     amount,
		LimitPrice: limit,
		Remaining:  amount,
		Status:     Pending,
		Priority:   Normal,
	}
}

// Validate checks the order shape. It never mutates the order.
func (o *Order) Validate() error {
	if o.Pair == "" {
		return invalid("pair", "is required")
	}
	if o.Side != Buy && o.Side != Sell {
		return invalid("side", "must be buy or sell")
	}
	if o.Kind != Market && o.Kind != Limit {
		return invalid("kind", "must be market or limit")
	}
	if o.TIF < GTC || o.TIF > FOK {
		return invalid("tif", "must be GTC, IOC or FOK")
	}
	if math.IsNaN(o.Amount) || math.IsInf(o.Amount, 0) || o.Amount <= 0 {
		return invalid("amount", "must be positive")
	}
	if math.IsNaN(o.LimitPrice) || math.IsInf(o.LimitPrice, 0) || o.LimitPrice < 0 {
		return invalid("limit_price", "must be a finite non-negative number")
	}
	if o.Kind == Limit && o.LimitPrice <= 0 {
		return invalid("limit_price", "is required for limit orders")
	}
	if !o.Priority.Valid() {
		return invalid("priority", "must be urgent, high, normal or low")
	}
	return nil
}

// Reset prepares an order for reuse from an arena.
func (o *Order) Reset() { *o = Order{} }

// HasLimit reports whether a limit price filter applies.
func (o *Order) HasLimit() bool { return o.Kind == Limit && o.LimitPrice > 0 }

// Marketable reports whether trading at price is acceptable for this order.
func (o *Order) Marketable(price float64) bool {
	if !o.HasLimit() {
		return true
	}
	if o.Side == Buy {
		return price <= o.LimitPrice+Epsilon
	}
	return price >= o.LimitPrice-Epsilon
}

// Apply records amount as filled. Dust remainders are snapped to zero so
// Filled + Remaining always equals Amount.
func (o *Order) Apply(amount float64) {
	if amount > o.Remaining {
		amount = o.Remaining
	}
	o.Remaining -= amount
	o.Filled += amount
	if IsDust(o.Remaining) {
		o.Remaining = 0
		o.Filled = o.Amount
	}
}

// Done reports whether the remaining amount is dust.
func (o *Order) Done() bool { return IsDust(o.Remaining) }

// Conserved checks the filled + remaining == amount invariant.
func (o *Order) Conserved() bool {
	return math.Abs(o.Filled+o.Remaining-o.Amount) <= Epsilon
}

// Better reports whether price a is strictly better than b for a taker on side.
func Better(side Side, a, b float64) bool {
	if side == Buy {
		return a < b-Epsilon
	}
	return a > b+Epsilon
}
