package orderbook

import (
	"fmt"
	"sync"
	"time"

	"github.com/uhyunpark/hyperroute/pkg/app/core/market"
	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

// Level is one price of one side: a FIFO queue of resting orders plus their
// aggregate remaining amount.
type Level struct {
	Ticks  int64
	Price  float64
	Orders []*order.Order
	Total  float64
}

// PriceLevel is a read-only aggregate of a Level.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
	Orders int     `json:"orders"`
}

// OrderBook is the bid/ask ladder of a single pair. A single mutex
// serialises every scan and mutation for the pair.
type OrderBook struct {
	mu  sync.Mutex
	mkt *market.Market
	now func() time.Time

	// Heap-based best price tracking (O(1) peek)
	bidHeap *tickHeap
	askHeap *tickHeap

	// Price level queues (FIFO matching at each price)
	bids map[int64]*Level
	asks map[int64]*Level

	// Order index for O(1) cancellation
	index map[string]*order.Order

	fillSeq   uint64
	lastPrice float64
}

func NewOrderBook(mkt *market.Market, now func() time.Time) *OrderBook {
	if now == nil {
		now = time.Now
	}
	return &OrderBook{
		mkt:     mkt,
		now:     now,
		bidHeap: newTickHeap(true),
		askHeap: newTickHeap(false),
		bids:    make(map[int64]*Level),
		asks:    make(map[int64]*Level),
		index:   make(map[string]*order.Order),
	}
}

func (ob *OrderBook) Market() *market.Market { return ob.mkt }

func (ob *OrderBook) side(s order.Side) (map[int64]*Level, *tickHeap) {
	if s == order.Buy {
		return ob.bids, ob.bidHeap
	}
	return ob.asks, ob.askHeap
}

// best returns the top level of book side s.
func (ob *OrderBook) best(s order.Side) *Level {
	levels, h := ob.side(s)
	for {
		t, ok := h.peek()
		if !ok {
			return nil
		}
		if lvl := levels[t]; lvl != nil && len(lvl.Orders) > 0 {
			return lvl
		}
		// stale tick, drop it
		delete(levels, t)
		h.remove(t)
	}
}

func (ob *OrderBook) dropLevel(s order.Side, lvl *Level) {
	levels, h := ob.side(s)
	delete(levels, lvl.Ticks)
	h.remove(lvl.Ticks)
}

func (ob *OrderBook) add(o *order.Order) {
	levels, h := ob.side(o.Side)
	t := ob.mkt.ToTicks(o.LimitPrice)
	lvl := levels[t]
	if lvl == nil {
		// New price level - add to heap
		lvl = &Level{Ticks: t, Price: ob.mkt.FromTicks(t)}
		levels[t] = lvl
		h.add(t)
	}
	lvl.Orders = append(lvl.Orders, o)
	lvl.Total += o.Remaining
	ob.index[o.ID] = o
}

// Submit matches o against the opposite side by price-time priority and
// updates o in place. A Limit GTC remainder rests as a copy; IOC and Market
// remainders are cancelled; FOK orders that cannot fill completely are
// rejected without touching the book.
func (ob *OrderBook) Submit(o *order.Order) ([]order.Fill, error) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if err := ob.mkt.ValidateShape(o); err != nil {
		o.Status = order.Rejected
		return nil, err
	}
	if _, dup := ob.index[o.ID]; dup {
		o.Status = order.Rejected
		return nil, &order.ValidationError{Field: "id", Reason: fmt.Sprintf("%s already resting", o.ID)}
	}

	if o.TIF == order.FOK && ob.fillable(o, o.Remaining) < o.Remaining-order.Epsilon {
		o.Status = order.Rejected
		return nil, fmt.Errorf("order %s: %w", o.ID, order.ErrFOKUnfillable)
	}

	fills := ob.match(o)

	switch {
	case o.Done():
		o.Status = order.Filled
	case o.Kind == order.Limit && o.TIF == order.GTC:
		if o.Filled > 0 {
			o.Status = order.PartiallyFilled
		} else {
			o.Status = order.Open
		}
		cp := *o
		ob.add(&cp)
	default:
		o.Status = order.Cancelled
	}
	return fills, nil
}

// match consumes the opposite side from the best price outward.
func (ob *OrderBook) match(o *order.Order) []order.Fill {
	var fills []order.Fill
	contra := o.Side.Opposite()

	for !o.Done() {
		lvl := ob.best(contra)
		if lvl == nil || !o.Marketable(lvl.Price) {
			break
		}
		for len(lvl.Orders) > 0 && !o.Done() {
			maker := lvl.Orders[0]
			amt := min(o.Remaining, maker.Remaining)
			o.Apply(amt)
			maker.Apply(amt)
			lvl.Total -= amt

			ob.fillSeq++
			fills = append(fills, order.Fill{
				ID:        fmt.Sprintf("%s-%d", ob.mkt.Symbol, ob.fillSeq),
				OrderID:   o.ID,
				MakerID:   maker.ID,
				Pair:      ob.mkt.Symbol,
				Price:     lvl.Price,
				Amount:    amt,
				Side:      o.Side,
				Source:    order.Orderbook,
				Timestamp: ob.now(),
			})
			ob.lastPrice = lvl.Price

			if maker.Done() {
				maker.Status = order.Filled
				lvl.Orders[0] = nil
				lvl.Orders = lvl.Orders[1:]
				delete(ob.index, maker.ID)
			} else {
				maker.Status = order.PartiallyFilled
			}
		}
		if len(lvl.Orders) == 0 {
			ob.dropLevel(contra, lvl)
		} else if lvl.Total < order.Epsilon {
			lvl.Total = levelTotal(lvl)
		}
	}
	return fills
}

func levelTotal(lvl *Level) float64 {
	var total float64
	for _, o := range lvl.Orders {
		total += o.Remaining
	}
	return total
}

// fillable simulates matching o for up to want without mutating anything.
func (ob *OrderBook) fillable(o *order.Order, want float64) float64 {
	levels, h := ob.side(o.Side.Opposite())
	var got float64
	for _, t := range h.sorted() {
		lvl := levels[t]
		if lvl == nil {
			continue
		}
		if !o.Marketable(lvl.Price) {
			break
		}
		got += lvl.Total
		if got >= want-order.Epsilon {
			return want
		}
	}
	return got
}

// Fillable reports how much of o could fill right now, capped at o.Remaining.
func (ob *OrderBook) Fillable(o *order.Order) float64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.fillable(o, o.Remaining)
}

// Rest inserts a limit order without matching. It refuses orders that would
// cross the book.
func (ob *OrderBook) Rest(o *order.Order) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if o.Kind != order.Limit || o.LimitPrice <= 0 {
		return &order.ValidationError{Field: "kind", Reason: "only limit orders can rest"}
	}
	if o.Done() {
		return nil
	}
	if lvl := ob.best(o.Side.Opposite()); lvl != nil && o.Marketable(lvl.Price) {
		return fmt.Errorf("order %s at %g would cross the book at %g", o.ID, o.LimitPrice, lvl.Price)
	}
	if _, dup := ob.index[o.ID]; dup {
		return &order.ValidationError{Field: "id", Reason: fmt.Sprintf("%s already resting", o.ID)}
	}
	cp := *o
	ob.add(&cp)
	return nil
}

func (ob *OrderBook) Cancel(id string) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	// O(1) lookup via index
	o, ok := ob.index[id]
	if !ok {
		return false
	}
	levels, _ := ob.side(o.Side)
	lvl := levels[ob.mkt.ToTicks(o.LimitPrice)]
	delete(ob.index, id)
	if lvl == nil {
		return false
	}
	for i, r := range lvl.Orders {
		if r.ID == id {
			// Remove from FIFO queue
			lvl.Orders = append(lvl.Orders[:i], lvl.Orders[i+1:]...)
			lvl.Total -= r.Remaining
			r.Status = order.Cancelled
			if len(lvl.Orders) == 0 {
				ob.dropLevel(o.Side, lvl)
			}
			return true
		}
	}
	return false
}

// BestPrice returns the top price of book side s (Buy = bids, Sell = asks).
func (ob *OrderBook) BestPrice(s order.Side) (float64, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if lvl := ob.best(s); lvl != nil {
		return lvl.Price, true
	}
	return 0, false
}

// BestLevel returns the top price of book side s and the amount resting there.
func (ob *OrderBook) BestLevel(s order.Side) (float64, float64, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if lvl := ob.best(s); lvl != nil {
		return lvl.Price, lvl.Total, true
	}
	return 0, 0, false
}

// DepthAt returns the aggregate remaining amount at price on book side s.
func (ob *OrderBook) DepthAt(s order.Side, price float64) float64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	levels, _ := ob.side(s)
	if lvl := levels[ob.mkt.ToTicks(price)]; lvl != nil {
		return lvl.Total
	}
	return 0
}

// Order returns a snapshot of a resting order.
func (ob *OrderBook) Order(id string) (order.Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if o, ok := ob.index[id]; ok {
		return *o, true
	}
	return order.Order{}, false
}

// Levels returns bid levels high to low and ask levels low to high,
// at most depth each (0 = all).
func (ob *OrderBook) Levels(depth int) (bids, asks []PriceLevel) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.levels(order.Buy, depth), ob.levels(order.Sell, depth)
}

func (ob *OrderBook) levels(s order.Side, depth int) []PriceLevel {
	levels, h := ob.side(s)
	var out []PriceLevel
	for _, t := range h.sorted() {
		lvl := levels[t]
		if lvl == nil || len(lvl.Orders) == 0 {
			continue
		}
		out = append(out, PriceLevel{Price: lvl.Price, Amount: lvl.Total, Orders: len(lvl.Orders)})
		if depth > 0 && len(out) == depth {
			break
		}
	}
	return out
}

// GetLastPrice returns the price of the most recent fill, 0 if none.
func (ob *OrderBook) GetLastPrice() float64 {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.lastPrice
}
