package market

import (
	"fmt"
	"sort"
	"sync"
)

// MarketRegistry manages multiple markets in a thread-safe manner
// Supports registration, lookup, and status updates for all trading markets
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

// GetMarket retrieves a copy of the market by symbol
func (mr *MarketRegistry) GetMarket(symbol string) (Market, error) {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return Market{}, fmt.Errorf("market %s not found", symbol)
	}

	return *m, nil
}

// ListMarkets returns copies of all registered markets sorted by symbol
func (mr *MarketRegistry) ListMarkets() []Market {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	markets := make([]Market, 0, len(mr.markets))
	for _, m := range mr.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].Symbol < markets[j].Symbol })

	return markets
}

// UpdateMarketStatus changes the trading status of a market
// Used for emergency pausing and final settlement
func (mr *MarketRegistry) UpdateMarketStatus(symbol string, status MarketStatus) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return fmt.Errorf("market %s not found", symbol)
	}

	// Settled is terminal
	if m.Status == Settled {
		return fmt.Errorf("cannot change status of %s from Settled (terminal state)", symbol)
	}

	m.Status = status
	return nil
}

// Tradable reports whether orders may be matched on the symbol.
func (mr *MarketRegistry) Tradable(symbol string) error {
	mr.mu.RLock()
	defer mr.mu.RUnlock()

	m, exists := mr.markets[symbol]
	if !exists {
		return fmt.Errorf("market %s not found", symbol)
	}
	if m.Status != Active {
		return fmt.Errorf("market %s is %s", symbol, m.Status)
	}
	return nil
}

// Count returns the total number of registered markets
func (mr *MarketRegistry) Count() int {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return len(mr.markets)
}

// Exists checks if a market is registered
func (mr *MarketRegistry) Exists(symbol string) bool {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	_, exists := mr.markets[symbol]
	return exists
}
