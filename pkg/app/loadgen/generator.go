// Package loadgen drives a venue with random order flow from simulated traders.
package loadgen

import (
	"fmt"
	"math/rand/v2"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/clearcore/pkg/app/core"
	"github.com/uhyunpark/clearcore/pkg/app/core/market"
	"github.com/uhyunpark/clearcore/pkg/app/venue"
)

// recentWindow is how many placed order ids per symbol stay cancel candidates.
const recentWindow = 100

// Action is one generated step: an order to place or an order to cancel.
type Action struct {
	Place  *venue.OrderRequest
	Cancel *CancelRequest
}

type CancelRequest struct {
	Symbol  string
	OrderID string
}

// Generator creates random orders around a mid price. It is not safe for concurrent use.
type Generator struct {
	accounts []string
	markets  []market.Market
	mid      decimal.Decimal
	nextID   int
	recent   map[string][]string
	rng      *rand.Rand
}

func NewGenerator(numAccounts int, markets []market.Market, mid decimal.Decimal, seed uint64) *Generator {
	accounts := make([]string, numAccounts)
	for i := range numAccounts {
		accounts[i] = fmt.Sprintf("trader_%d", i+1)
	}
	return &Generator{
		accounts: accounts,
		markets:  markets,
		mid:      mid,
		nextID:   1,
		recent:   make(map[string][]string),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (g *Generator) Accounts() []string { return g.accounts }

// step returns n increments of size, or n hundredths when the market has no increment.
func step(size decimal.Decimal, n int) decimal.Decimal {
	if size.IsZero() {
		size = decimal.New(1, -2)
	}
	return size.Mul(decimal.NewFromInt(int64(n)))
}

// GenerateOrder picks a trader, market and side. 70% are GTC limits, 20% IOC limits
// and 10% market orders; limit prices land within 5% of the mid on the market's tick.
func (g *Generator) GenerateOrder() venue.OrderRequest {
	account := g.accounts[g.rng.IntN(len(g.accounts))]
	m := g.markets[g.rng.IntN(len(g.markets))]

	req := venue.OrderRequest{
		ID:        fmt.Sprintf("%s-o%d", account, g.nextID),
		AccountID: account,
		Symbol:    m.Symbol,
		Side:      core.Buy,
		Type:      core.Limit,
		Quantity:  step(m.LotSize, g.rng.IntN(100)+1),
	}
	g.nextID++
	if g.rng.IntN(2) == 1 {
		req.Side = core.Sell
	}

	switch r := g.rng.IntN(100); {
	case r < 70:
		req.TimeInForce = core.GTC
	case r < 90:
		req.TimeInForce = core.IOC
	default:
		req.Type = core.Market
		req.TimeInForce = core.IOC
		return req
	}

	tick := m.TickSize
	if tick.IsZero() {
		tick = decimal.New(1, -2)
	}
	ticks := g.mid.Div(tick).Floor()
	spread := ticks.Div(decimal.NewFromInt(20)).IntPart() // 5%
	offset := int64(0)
	if spread > 0 {
		offset = g.rng.Int64N(2*spread+1) - spread
	}
	req.Price = ticks.Add(decimal.NewFromInt(offset)).Mul(tick)
	if !req.Price.IsPositive() {
		req.Price = tick
	}

	if req.TimeInForce == core.GTC {
		ids := append(g.recent[m.Symbol], req.ID)
		if len(ids) > recentWindow {
			ids = ids[len(ids)-recentWindow:]
		}
		g.recent[m.Symbol] = ids
	}
	return req
}

// GenerateCancel targets a recently generated GTC order, which may already be filled.
func (g *Generator) GenerateCancel() (CancelRequest, bool) {
	m := g.markets[g.rng.IntN(len(g.markets))]
	ids := g.recent[m.Symbol]
	if len(ids) == 0 {
		return CancelRequest{}, false
	}
	i := g.rng.IntN(len(ids))
	id := ids[i]
	g.recent[m.Symbol] = append(ids[:i:i], ids[i+1:]...)
	return CancelRequest{Symbol: m.Symbol, OrderID: id}, true
}

// Next returns an order 90% of the time and a cancel otherwise.
func (g *Generator) Next() Action {
	if g.rng.IntN(100) >= 90 {
		if c, ok := g.GenerateCancel(); ok {
			return Action{Cancel: &c}
		}
	}
	o := g.GenerateOrder()
	return Action{Place: &o}
}

func (g *Generator) Batch(n int) []Action {
	batch := make([]Action, n)
	for i := range n {
		batch[i] = g.Next()
	}
	return batch
}
