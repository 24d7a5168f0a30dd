// Package orderbook keeps the resting orders of one instrument in price-time priority.
//
// An OrderBook is not safe for concurrent use. The matching engine owns one book per
// symbol and serializes every call on it.
package orderbook

import (
	"container/heap"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/clearcore/pkg/app/core"
)

var (
	ErrDuplicateOrder = errors.New("order already resting")
	ErrInvalidOrder   = errors.New("order cannot rest on the book")
	ErrInvalidFill    = errors.New("invalid fill quantity")
)

// PriceLevel is the FIFO queue of orders resting at one price.
// Quantity is always the sum of Remaining() over its orders.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
	orders   []*core.Order
}

// Orders returns a copy of the FIFO queue.
func (l *PriceLevel) Orders() []*core.Order {
	return slices.Clone(l.orders)
}

// LevelUpdate describes the state of a level after a mutation.
// Quantity zero with Orders zero means the level was removed.
type LevelUpdate struct {
	Side     core.Side       `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
	Sequence uint64          `json:"sequence"`
}

// LevelView is one aggregated row of a snapshot.
type LevelView struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

type Snapshot struct {
	Symbol   string      `json:"symbol"`
	Bids     []LevelView `json:"bids"`
	Asks     []LevelView `json:"asks"`
	Sequence uint64      `json:"sequence"`
}

type location struct {
	side core.Side
	key  string
	pos  int
}

type levelKey struct {
	side core.Side
	key  string
}

type OrderBook struct {
	symbol string

	// Heap-based best price tracking (O(1) peek)
	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	// Price levels keyed by canonical price string
	bids map[string]*PriceLevel
	asks map[string]*PriceLevel

	// Order index for O(1) cancellation
	index map[string]location

	sequence   uint64
	pending    []LevelUpdate
	pendingIdx map[levelKey]int
}

func NewOrderBook(symbol string) *OrderBook {
	bidHeap := &MaxPriceHeap{}
	askHeap := &MinPriceHeap{}
	heap.Init(bidHeap)
	heap.Init(askHeap)

	return &OrderBook{
		symbol:     symbol,
		bidHeap:    bidHeap,
		askHeap:    askHeap,
		bids:       make(map[string]*PriceLevel),
		asks:       make(map[string]*PriceLevel),
		index:      make(map[string]location),
		pendingIdx: make(map[levelKey]int),
	}
}

// priceKey is the canonical map key of a price; decimal.String trims trailing zeros
// so 101 and 101.00 share a level.
func priceKey(p decimal.Decimal) string {
	return p.String()
}

func (ob *OrderBook) Symbol() string { return ob.symbol }

func (ob *OrderBook) levels(side core.Side) map[string]*PriceLevel {
	if side == core.Buy {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) heapFor(side core.Side) priceHeap {
	if side == core.Buy {
		return ob.bidHeap
	}
	return ob.askHeap
}

// AddOrder appends the order to the tail of its price level, creating the level if needed.
// The book keeps the pointer; callers must not mutate the order afterwards.
func (ob *OrderBook) AddOrder(o *core.Order) (LevelUpdate, error) {
	if _, exists := ob.index[o.ID]; exists {
		return LevelUpdate{}, fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	if o.Side != core.Buy && o.Side != core.Sell {
		return LevelUpdate{}, fmt.Errorf("%w: unknown side", ErrInvalidOrder)
	}
	if !o.Price.IsPositive() || !o.Remaining().IsPositive() {
		return LevelUpdate{}, fmt.Errorf("%w: price and remaining quantity must be positive", ErrInvalidOrder)
	}

	key := priceKey(o.Price)
	levels := ob.levels(o.Side)
	lvl, ok := levels[key]
	if !ok {
		// New price level - add to heap
		lvl = &PriceLevel{Price: o.Price}
		levels[key] = lvl
		heap.Push(ob.heapFor(o.Side), o.Price)
	}
	lvl.orders = append(lvl.orders, o)
	lvl.Quantity = lvl.Quantity.Add(o.Remaining())
	ob.index[o.ID] = location{side: o.Side, key: key, pos: len(lvl.orders) - 1}

	return ob.record(o.Side, lvl), nil
}

// RemoveOrder takes the order off the book. Unknown ids return nil, nil.
func (ob *OrderBook) RemoveOrder(orderID string) (*core.Order, *LevelUpdate) {
	loc, ok := ob.index[orderID]
	if !ok {
		return nil, nil
	}
	levels := ob.levels(loc.side)
	lvl := levels[loc.key]
	o := lvl.orders[loc.pos]

	lvl.orders = slices.Delete(lvl.orders, loc.pos, loc.pos+1)
	lvl.Quantity = lvl.Quantity.Sub(o.Remaining())
	delete(ob.index, orderID)

	// Re-index the orders that shifted left
	for i := loc.pos; i < len(lvl.orders); i++ {
		id := lvl.orders[i].ID
		l := ob.index[id]
		l.pos = i
		ob.index[id] = l
	}

	if len(lvl.orders) == 0 {
		delete(levels, loc.key)
		ob.removeFromHeap(loc.side, lvl.Price)
		lvl.Quantity = decimal.Zero
	}

	update := ob.record(loc.side, lvl)
	return o, &update
}

// UpdateOrderFill sets the cumulative filled quantity of a resting order and adjusts the
// level aggregate by the delta. A fully filled order is removed. Unknown ids return nil, nil.
func (ob *OrderBook) UpdateOrderFill(orderID string, filledQuantity decimal.Decimal) (*LevelUpdate, error) {
	loc, ok := ob.index[orderID]
	if !ok {
		return nil, nil
	}
	lvl := ob.levels(loc.side)[loc.key]
	o := lvl.orders[loc.pos]

	if filledQuantity.LessThan(o.FilledQuantity) || filledQuantity.GreaterThan(o.Quantity) {
		return nil, fmt.Errorf("%w: order %s filled %s of %s, got %s",
			ErrInvalidFill, orderID, o.FilledQuantity, o.Quantity, filledQuantity)
	}

	delta := filledQuantity.Sub(o.FilledQuantity)
	o.FilledQuantity = filledQuantity
	lvl.Quantity = lvl.Quantity.Sub(delta)

	if !o.Remaining().IsPositive() {
		_, update := ob.RemoveOrder(orderID)
		return update, nil
	}

	update := ob.record(loc.side, lvl)
	return &update, nil
}

// removeFromHeap removes a price level from the heap (O(N) worst case, but rare)
func (ob *OrderBook) removeFromHeap(side core.Side, price decimal.Decimal) {
	h := ob.heapFor(side)
	for i := 0; i < h.Len(); i++ {
		if h.at(i).Equal(price) {
			heap.Remove(h, i)
			return
		}
	}
}

// record bumps the sequence and remembers the level's new state for FlushUpdates.
func (ob *OrderBook) record(side core.Side, lvl *PriceLevel) LevelUpdate {
	ob.sequence++
	update := LevelUpdate{
		Side:     side,
		Price:    lvl.Price,
		Quantity: lvl.Quantity,
		Orders:   len(lvl.orders),
		Sequence: ob.sequence,
	}

	// Coalesce: only the latest state of each level is kept until the next flush
	k := levelKey{side: side, key: priceKey(lvl.Price)}
	if i, ok := ob.pendingIdx[k]; ok {
		ob.pending[i] = update
	} else {
		ob.pendingIdx[k] = len(ob.pending)
		ob.pending = append(ob.pending, update)
	}
	return update
}

// FlushUpdates drains the level updates accumulated since the previous flush,
// in the order the levels were first touched.
func (ob *OrderBook) FlushUpdates() []LevelUpdate {
	if len(ob.pending) == 0 {
		return nil
	}
	out := ob.pending
	ob.pending = nil
	clear(ob.pendingIdx)
	return out
}

func (ob *OrderBook) BestBid() (decimal.Decimal, bool) {
	return ob.bidHeap.Peek()
}

func (ob *OrderBook) BestAsk() (decimal.Decimal, bool) {
	return ob.askHeap.Peek()
}

// Spread is best ask minus best bid; false when either side is empty.
func (ob *OrderBook) Spread() (decimal.Decimal, bool) {
	bid, ok := ob.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := ob.BestAsk()
	if !ok {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// prices yields the level prices of one side from best to worst.
// It walks a copy of the heap, so levels removed mid-iteration are skipped by the caller.
func (ob *OrderBook) prices(side core.Side) iter.Seq[decimal.Decimal] {
	return func(yield func(decimal.Decimal) bool) {
		h := ob.heapFor(side).clone()
		for h.Len() > 0 {
			if !yield(heap.Pop(h).(decimal.Decimal)) {
				return
			}
		}
	}
}

// crosses reports whether a taker on takerSide with the given limit can trade at price.
func crosses(takerSide core.Side, price, limit decimal.Decimal) bool {
	if takerSide == core.Buy {
		return price.LessThanOrEqual(limit)
	}
	return price.GreaterThanOrEqual(limit)
}

// Candidates yields the counter-side orders a taker on takerSide may match against,
// best price first and FIFO within a level. Iteration stops at the first level that no
// longer crosses limit; a nil limit (market order) walks the whole side.
//
// The sequence is lazy and may be restarted. Orders filled or removed while iterating
// are skipped.
func (ob *OrderBook) Candidates(takerSide core.Side, limit *decimal.Decimal) iter.Seq[*core.Order] {
	makerSide := takerSide.Opposite()
	return func(yield func(*core.Order) bool) {
		levels := ob.levels(makerSide)
		for price := range ob.prices(makerSide) {
			if limit != nil && !crosses(takerSide, price, *limit) {
				return
			}
			lvl, ok := levels[priceKey(price)]
			if !ok {
				continue
			}
			for _, o := range slices.Clone(lvl.orders) {
				if _, live := ob.index[o.ID]; !live {
					continue
				}
				if !yield(o) {
					return
				}
			}
		}
	}
}

// Snapshot returns up to depth levels per side (all levels when depth <= 0).
func (ob *OrderBook) Snapshot(depth int) Snapshot {
	return Snapshot{
		Symbol:   ob.symbol,
		Bids:     ob.view(core.Buy, depth),
		Asks:     ob.view(core.Sell, depth),
		Sequence: ob.sequence,
	}
}

func (ob *OrderBook) view(side core.Side, depth int) []LevelView {
	levels := ob.levels(side)
	out := make([]LevelView, 0, len(levels))
	for price := range ob.prices(side) {
		if depth > 0 && len(out) == depth {
			break
		}
		lvl := levels[priceKey(price)]
		out = append(out, LevelView{Price: lvl.Price, Quantity: lvl.Quantity, Orders: len(lvl.orders)})
	}
	return out
}

// Level returns the level resting at price on side, if any.
func (ob *OrderBook) Level(side core.Side, price decimal.Decimal) (*PriceLevel, bool) {
	lvl, ok := ob.levels(side)[priceKey(price)]
	return lvl, ok
}

// Order returns a copy of a resting order.
func (ob *OrderBook) Order(orderID string) (core.Order, bool) {
	loc, ok := ob.index[orderID]
	if !ok {
		return core.Order{}, false
	}
	return *ob.levels(loc.side)[loc.key].orders[loc.pos], true
}

// Len returns the number of resting orders.
func (ob *OrderBook) Len() int { return len(ob.index) }

// Depth returns the number of price levels on a side.
func (ob *OrderBook) Depth(side core.Side) int { return len(ob.levels(side)) }

func (ob *OrderBook) Sequence() uint64 { return ob.sequence }
