package orderbook

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/hyperroute/pkg/app/core/market"
	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

// Engine manages one OrderBook per pair. Books for different pairs are
// independent and may be used concurrently.
type Engine struct {
	mu      sync.RWMutex
	markets *market.MarketRegistry
	books   map[string]*OrderBook
	now     func() time.Time
}

func NewEngine(markets *market.MarketRegistry, now func() time.Time) *Engine {
	return &Engine{
		markets: markets,
		books:   make(map[string]*OrderBook),
		now:     now,
	}
}

// Book gets or creates the book for a registered pair.
func (e *Engine) Book(pair string) (*OrderBook, error) {
	e.mu.RLock()
	ob, ok := e.books[pair]
	e.mu.RUnlock()
	if ok {
		return ob, nil
	}

	mkt, err := e.markets.GetMarket(pair)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ob, ok := e.books[pair]; ok {
		return ob, nil
	}
	ob = NewOrderBook(mkt, e.now)
	e.books[pair] = ob
	return ob, nil
}

// Submit matches o on its pair's book. Trading status is read from the
// registry on every call; books only hold static market configuration.
func (e *Engine) Submit(o *order.Order) ([]order.Fill, error) {
	ob, err := e.Book(o.Pair)
	if err != nil {
		o.Status = order.Rejected
		return nil, &order.ValidationError{Field: "pair", Reason: err.Error()}
	}
	if mkt, err := e.markets.GetMarket(o.Pair); err == nil {
		if err := mkt.CheckActive(); err != nil {
			o.Status = order.Rejected
			return nil, err
		}
	}
	return ob.Submit(o)
}

// LastPrice returns the price of pair's most recent book fill, 0 if none.
func (e *Engine) LastPrice(pair string) float64 {
	ob, err := e.Book(pair)
	if err != nil {
		return 0
	}
	return ob.GetLastPrice()
}

// Rest inserts a limit order on its pair's book without matching.
func (e *Engine) Rest(o *order.Order) error {
	ob, err := e.Book(o.Pair)
	if err != nil {
		return err
	}
	return ob.Rest(o)
}

// Cancel removes a resting order from whichever book holds it.
func (e *Engine) Cancel(id string) bool {
	for _, ob := range e.snapshotBooks() {
		if ob.Cancel(id) {
			return true
		}
	}
	return false
}

// Order returns a snapshot of a resting order on any book.
func (e *Engine) Order(id string) (order.Order, bool) {
	for _, ob := range e.snapshotBooks() {
		if o, ok := ob.Order(id); ok {
			return o, true
		}
	}
	return order.Order{}, false
}

// BestPrice returns the best price on book side s of pair.
func (e *Engine) BestPrice(pair string, s order.Side) (float64, bool) {
	ob, err := e.Book(pair)
	if err != nil {
		return 0, false
	}
	return ob.BestPrice(s)
}

// BestLevel returns the best price and its depth on book side s of pair.
func (e *Engine) BestLevel(pair string, s order.Side) (float64, float64, bool) {
	ob, err := e.Book(pair)
	if err != nil {
		return 0, 0, false
	}
	return ob.BestLevel(s)
}

// DepthAt returns the resting amount at price on book side s of pair.
func (e *Engine) DepthAt(pair string, s order.Side, price float64) float64 {
	ob, err := e.Book(pair)
	if err != nil {
		return 0
	}
	return ob.DepthAt(s, price)
}

// Fillable simulates how much of o its book could fill.
func (e *Engine) Fillable(o *order.Order) float64 {
	ob, err := e.Book(o.Pair)
	if err != nil {
		return 0
	}
	return ob.Fillable(o)
}

// Levels returns a depth-limited ladder snapshot of pair.
func (e *Engine) Levels(pair string, depth int) (bids, asks []PriceLevel, err error) {
	ob, err := e.Book(pair)
	if err != nil {
		return nil, nil, err
	}
	bids, asks = ob.Levels(depth)
	return bids, asks, nil
}

func (e *Engine) snapshotBooks() []*OrderBook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*OrderBook, 0, len(e.books))
	for _, ob := range e.books {
		out = append(out, ob)
	}
	return out
}

// StateHash computes a deterministic hash of every book.
//
// Components hashed (in order), per pair sorted by symbol:
//   - symbol name
//   - bid levels (ticks, amount bits), high to low
//   - ask levels (ticks, amount bits), low to high
//
// Replaying the same admitted sequence against a fresh engine must reproduce
// the same hash.
func (e *Engine) StateHash() [32]byte {
	e.mu.RLock()
	symbols := make([]string, 0, len(e.books))
	for sym := range e.books {
		symbols = append(symbols, sym)
	}
	e.mu.RUnlock()
	sort.Strings(symbols)

	h := sha256.New()
	var buf [8]byte
	for _, sym := range symbols {
		ob, _ := e.Book(sym)
		h.Write([]byte(sym))

		bids, asks := ob.Levels(0)
		for _, side := range [][]PriceLevel{bids, asks} {
			for _, lvl := range side {
				binary.BigEndian.PutUint64(buf[:], uint64(ob.mkt.ToTicks(lvl.Price)))
				h.Write(buf[:])
				binary.BigEndian.PutUint64(buf[:], math.Float64bits(lvl.Amount))
				h.Write(buf[:])
			}
			h.Write([]byte{0xff})
		}
	}

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
