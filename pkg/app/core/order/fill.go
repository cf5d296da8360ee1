package order

import "time"

// Settlement carries on-chain metadata for AMM fills.
type Settlement struct {
	TxRef string  `json:"txRef"`
	Block uint64  `json:"block"`
	Cost  float64 `json:"cost"`
}

// Fill is an immutable execution record. Fills are append-only.
type Fill struct {
	ID         string      `json:"id"`
	OrderID    string      `json:"orderId"`
	MakerID    string      `json:"makerId,omitempty"` // resting order, orderbook fills only
	Pair       string      `json:"pair"`
	Price      float64     `json:"price"`
	Amount     float64     `json:"amount"`
	Side       Side        `json:"side"`
	Source     Source      `json:"source"`
	Chunk      int         `json:"chunk"`
	Timestamp  time.Time   `json:"timestamp"`
	Settlement *Settlement `json:"settlement,omitempty"`
}

// Notional returns price * amount.
func (f Fill) Notional() float64 { return f.Price * f.Amount }

// AveragePrice is the amount-weighted price over fills, 0 for no fills.
func AveragePrice(fills []Fill) float64 {
	var notional, amount float64
	for _, f := range fills {
		notional += f.Notional()
		amount += f.Amount
	}
	if amount <= Epsilon {
		return 0
	}
	return notional / amount
}

// TotalAmount sums fill amounts.
func TotalAmount(fills []Fill) float64 {
	var total float64
	for _, f := range fills {
		total += f.Amount
	}
	return total
}

// Quote is a per-iteration price estimate from one source. Never persisted.
type Quote struct {
	Source    Source
	Available float64       // amount obtainable at the queried size
	Price     float64       // effective average price for Available
	SpotPrice float64       // marginal price before the trade
	Impact    float64       // |Price - SpotPrice| / SpotPrice
	ETA       time.Duration // expected settlement latency
	Cost      float64       // expected execution cost in quote units
}
