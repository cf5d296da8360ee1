package market

import (
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/hyperroute/pkg/app/core/order"
)

// MarketRegistry manages multiple pairs in a thread-safe manner
// Supports registration, lookup, and status updates for all trading pairs
type MarketRegistry struct {
	mu      sync.RWMutex
	markets map[string]*Market // symbol -> market
}

// NewMarketRegistry creates an empty market registry
func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{
		markets: make(map[string]*Market),
	}
}

// RegisterMarket adds a new market to the registry
// Returns error if market with same symbol already exists
func (mr *MarketRegistry) RegisterMarket(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()

	if _, exists := mr.markets[m.Symbol]; exists {
		return fmt.Errorf("market %s already registered", m.Symbol)
	}

	mr.markets[m.Symbol] = m
	return nil
}

// GetMarket retrieves a market by symbol
func (mr *MarketRegistry) GetMarket(symbol string) (*Market, error) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return nil, fmt.Errorf("market %s: %w", symbol, order.ErrUnknownPair)
	}

	return m, nil
}

// ListMarkets returns all registered markets sorted by symbol
func (mr *MarketRegistry) ListMarkets() []*Market {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	markets := make([]*Market, 0, len(mr.markets))
	for _, m := range mr.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })

	return markets
}

// UpdateMarketStatus changes the trading status of a market
// Used for emergency pausing and delisting
//
// Markets handed out by GetMarket are never mutated: the update swaps in a
// copy, so readers keep a consistent snapshot without holding the lock.
func (mr *MarketRegistry) UpdateMarketStatus(symbol string, status MarketStatus) (*Market, error) {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return nil, fmt.Errorf("market %s: %w", symbol, order.ErrUnknownPair)
	}

	// Delisted is terminal
	if m.Status == Delisted {
		return nil, fmt.Errorf("cannot change status of delisted market %s: %w", symbol, order.ErrMarketPaused)
	}

	next := *m
	next.Status = status
	mr.markets[symbol] = &next
	return &next, nil
}

// Count returns the total number of registered markets
func (mr *MarketRegistry) Count() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.markets)
}
