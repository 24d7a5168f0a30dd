// Package matching runs continuous price-time matching over one order book per symbol.
//
// Each book has a single writer: Submit and Cancel for a symbol hold that symbol's
// lock for the whole match, so hooks observe a consistent book. Different symbols
// match in parallel.
package matching

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearcore/pkg/app/core"
	"github.com/uhyunpark/clearcore/pkg/app/core/events"
	"github.com/uhyunpark/clearcore/pkg/app/core/market"
	"github.com/uhyunpark/clearcore/pkg/app/core/orderbook"
	"github.com/uhyunpark/clearcore/pkg/metrics"
	"github.com/uhyunpark/clearcore/pkg/util"
)

var (
	ErrInvalidOrder   = errors.New("invalid order")
	ErrDuplicateOrder = errors.New("duplicate order id")
	ErrUnknownMarket  = errors.New("unknown market")
)

// DoneReason says why an order stopped being eligible to match.
type DoneReason string

const (
	DoneFilled    DoneReason = "filled"
	DoneCancelled DoneReason = "cancelled"
	DoneExpired   DoneReason = "expired" // IOC or market remainder dropped
	DoneKilled    DoneReason = "killed"  // FOK not fully fillable
)

// Liquidity is what an order would cross on arrival: the notional and quantity of the
// resting orders it can take, up to its own quantity.
type Liquidity struct {
	Notional decimal.Decimal
	Fillable decimal.Decimal
}

// Hooks run inside the symbol's critical section.
type Hooks struct {
	// BeforeMatch may reject an order before it touches the book. crossing is exact:
	// the book cannot change between the hook and the match that follows.
	BeforeMatch func(ctx context.Context, o core.Order, crossing Liquidity) error
	// OnExecution receives every execution in match order. Executions are final, so an
	// error is logged and matching continues.
	OnExecution func(ctx context.Context, e core.Execution) error
	// OnOrderDone fires once per order that leaves the book or never rests.
	OnOrderDone func(ctx context.Context, o core.Order, reason DoneReason)
}

type Result struct {
	Order      core.Order       `json:"order"`
	Executions []core.Execution `json:"executions"`
	Resting    bool             `json:"resting"`
	Done       DoneReason       `json:"done,omitempty"`
}

// DefaultFinishedWindow is how many finished order ids each book remembers to reject reuse.
const DefaultFinishedWindow = 4096

type book struct {
	mu       sync.Mutex
	ob       *orderbook.OrderBook
	execSeq  uint64
	finished *lru.Cache[string, struct{}]
}

type Engine struct {
	mu      sync.RWMutex
	books   map[string]*book
	markets *market.MarketRegistry
	hooks   Hooks
	events  events.Publisher
	metrics *metrics.Metrics
	clock   util.Clock
	log     *zap.SugaredLogger

	finishedWindow int
	arrival        atomic.Uint64
}

type Option func(*Engine)

func WithHooks(h Hooks) Option { return func(e *Engine) { e.hooks = h } }

func WithEvents(p events.Publisher) Option { return func(e *Engine) { e.events = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithClock(c util.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *zap.SugaredLogger) Option { return func(e *Engine) { e.log = l } }

func WithFinishedWindow(n int) Option { return func(e *Engine) { e.finishedWindow = n } }

func NewEngine(markets *market.MarketRegistry, opts ...Option) *Engine {
	e := &Engine{
		books:   make(map[string]*book),
		markets: markets,
		events:  events.Nop{},
		clock:   util.RealClock{},
		log:     zap.NewNop().Sugar(),

		finishedWindow: DefaultFinishedWindow,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.finishedWindow = max(e.finishedWindow, 1)
	return e
}

// SetHooks replaces the hooks. It must be called before the engine takes orders.
func (e *Engine) SetHooks(h Hooks) { e.hooks = h }

func (e *Engine) book(symbol string) (*book, error) {
	e.mu.RLock()
	b, ok := e.books[symbol]
	e.mu.RUnlock()
	if ok {
		return b, nil
	}
	if !e.markets.Exists(symbol) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok = e.books[symbol]; !ok {
		finished, err := lru.New[string, struct{}](e.finishedWindow)
		if err != nil {
			return nil, fmt.Errorf("finished id cache: %w", err)
		}
		b = &book{ob: orderbook.NewOrderBook(symbol), finished: finished}
		e.books[symbol] = b
	}
	return b, nil
}

func (e *Engine) validate(o *core.Order) error {
	if o.ID == "" || o.AccountID == "" {
		return fmt.Errorf("%w: id and account are required", ErrInvalidOrder)
	}
	if o.Side != core.Buy && o.Side != core.Sell {
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	}
	switch o.Type {
	case core.Limit:
		if o.TimeInForce == "" {
			o.TimeInForce = core.GTC
		}
	case core.Market:
		// Market orders never rest
		if o.TimeInForce == "" || o.TimeInForce == core.GTC {
			o.TimeInForce = core.IOC
		}
		o.Price = decimal.Zero
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOrder, o.Type)
	}
	switch o.TimeInForce {
	case core.GTC, core.IOC, core.FOK:
	default:
		return fmt.Errorf("%w: unknown time in force %q", ErrInvalidOrder, o.TimeInForce)
	}
	if !o.FilledQuantity.IsZero() {
		return fmt.Errorf("%w: new orders cannot be partially filled", ErrInvalidOrder)
	}
	if err := e.markets.Tradable(o.Symbol); err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownMarket, err)
	}
	m, err := e.markets.GetMarket(o.Symbol)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownMarket, err)
	}
	if err := m.ValidateOrder(o); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	return nil
}

// Submit matches o against the opposite side and rests any GTC limit remainder.
// The caller's order is not modified; the final state is in Result.Order.
func (e *Engine) Submit(ctx context.Context, o core.Order) (*Result, error) {
	if err := e.validate(&o); err != nil {
		e.metrics.Order(o.Symbol, "invalid")
		return nil, err
	}
	b, err := e.book(o.Symbol)
	if err != nil {
		e.metrics.Order(o.Symbol, "invalid")
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, resting := b.ob.Order(o.ID); resting || b.finished.Contains(o.ID) {
		e.metrics.Order(o.Symbol, "duplicate")
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = e.clock.Now()
	}
	o.Seq = e.arrival.Add(1)

	var limit *decimal.Decimal
	if o.Type == core.Limit {
		limit = &o.Price
	}

	if e.hooks.BeforeMatch != nil {
		if err := e.hooks.BeforeMatch(ctx, o, crossing(b.ob, o.Side, o.Quantity, limit)); err != nil {
			e.metrics.Order(o.Symbol, "rejected")
			return nil, err
		}
	}

	res := &Result{}
	if o.TimeInForce == core.FOK && available(b.ob, o.Side, limit, o.Quantity).LessThan(o.Quantity) {
		res.Order, res.Done = o, DoneKilled
		e.done(ctx, b, o, DoneKilled)
		e.metrics.Order(o.Symbol, string(DoneKilled))
		return res, nil
	}

	taker := o
	res.Executions = e.match(ctx, b, &taker, limit)

	switch {
	case taker.IsFilled():
		res.Done = DoneFilled
	case taker.TimeInForce == core.GTC:
		rest := taker
		if _, err := b.ob.AddOrder(&rest); err != nil {
			// Validation above makes this unreachable for limit orders
			e.log.Errorw("rest_order_failed", "order_id", taker.ID, "err", err)
			res.Done = DoneExpired
			break
		}
		res.Resting = true
		e.events.Publish(events.Event{Kind: events.KindOrderAccepted, Symbol: taker.Symbol, Payload: taker, Timestamp: e.clock.Now()})
	default:
		res.Done = DoneExpired
	}
	res.Order = taker
	if res.Done != "" {
		e.done(ctx, b, taker, res.Done)
	}

	e.publishBook(b)
	e.metrics.Executions(o.Symbol, len(res.Executions))
	result := "resting"
	if res.Done != "" {
		result = string(res.Done)
	}
	e.metrics.Order(o.Symbol, result)
	return res, nil
}

// match crosses taker against resting makers until it is filled or no level crosses.
func (e *Engine) match(ctx context.Context, b *book, taker *core.Order, limit *decimal.Decimal) []core.Execution {
	var execs []core.Execution
	for maker := range b.ob.Candidates(taker.Side, limit) {
		remaining := taker.Remaining()
		if !remaining.IsPositive() {
			break
		}
		qty := decimal.Min(remaining, maker.Remaining())
		taker.FilledQuantity = taker.FilledQuantity.Add(qty)

		makerFilled := maker.FilledQuantity.Add(qty)
		if _, err := b.ob.UpdateOrderFill(maker.ID, makerFilled); err != nil {
			e.log.Errorw("maker_fill_failed", "order_id", maker.ID, "err", err)
			continue
		}

		b.execSeq++
		exec := core.Execution{
			ID:             uuid.Must(uuid.NewV7()).String(),
			Symbol:         taker.Symbol,
			Price:          maker.Price,
			Quantity:       qty,
			MakerOrderID:   maker.ID,
			TakerOrderID:   taker.ID,
			MakerAccountID: maker.AccountID,
			TakerAccountID: taker.AccountID,
			MakerSide:      maker.Side,
			Sequence:       b.execSeq,
			Timestamp:      e.clock.Now(),
		}
		execs = append(execs, exec)

		if e.hooks.OnExecution != nil {
			if err := e.hooks.OnExecution(ctx, exec); err != nil {
				e.log.Errorw("execution_hook_failed", "execution_id", exec.ID, "symbol", exec.Symbol, "err", err)
			}
		}
		if maker.IsFilled() {
			e.done(ctx, b, *maker, DoneFilled)
		}
	}
	return execs
}

// available sums the crossing liquidity up to want.
func available(ob *orderbook.OrderBook, side core.Side, limit *decimal.Decimal, want decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for maker := range ob.Candidates(side, limit) {
		total = total.Add(maker.Remaining())
		if total.GreaterThanOrEqual(want) {
			break
		}
	}
	return total
}

func (e *Engine) done(ctx context.Context, b *book, o core.Order, reason DoneReason) {
	b.finished.Add(o.ID, struct{}{})
	if e.hooks.OnOrderDone != nil {
		e.hooks.OnOrderDone(ctx, o, reason)
	}
	e.events.Publish(events.Event{
		Kind:      events.KindOrderDone,
		Symbol:    o.Symbol,
		Payload:   map[string]any{"order": o, "reason": reason},
		Timestamp: e.clock.Now(),
	})
}

func (e *Engine) publishBook(b *book) {
	now := e.clock.Now()
	for _, u := range b.ob.FlushUpdates() {
		e.events.Publish(events.Event{Kind: events.KindBookUpdate, Symbol: b.ob.Symbol(), Payload: u, Timestamp: now})
	}
}

// Cancel removes a resting order. Unknown ids are not an error and return false.
func (e *Engine) Cancel(ctx context.Context, symbol, orderID string) (core.Order, bool, error) {
	b, err := e.book(symbol)
	if err != nil {
		return core.Order{}, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	o, _ := b.ob.RemoveOrder(orderID)
	if o == nil {
		return core.Order{}, false, nil
	}
	removed := *o
	e.done(ctx, b, removed, DoneCancelled)
	e.publishBook(b)
	e.log.Debugw("order_cancelled", "order_id", orderID, "symbol", symbol, "remaining", removed.Remaining().String())
	return removed, true, nil
}

// Order returns a resting order.
func (e *Engine) Order(symbol, orderID string) (core.Order, bool) {
	b, err := e.book(symbol)
	if err != nil {
		return core.Order{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ob.Order(orderID)
}

func (e *Engine) Snapshot(symbol string, depth int) (orderbook.Snapshot, error) {
	b, err := e.book(symbol)
	if err != nil {
		return orderbook.Snapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ob.Snapshot(depth), nil
}

// Quote walks the liquidity a taker on side would cross for up to qty and returns its
// notional and the fillable quantity. A nil limit quotes a market order.
func (e *Engine) Quote(symbol string, side core.Side, qty decimal.Decimal, limit *decimal.Decimal) (notional, fillable decimal.Decimal, err error) {
	b, err := e.book(symbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	liq := crossing(b.ob, side, qty, limit)
	return liq.Notional, liq.Fillable, nil
}

func crossing(ob *orderbook.OrderBook, side core.Side, qty decimal.Decimal, limit *decimal.Decimal) Liquidity {
	liq := Liquidity{Notional: decimal.Zero, Fillable: decimal.Zero}
	for maker := range ob.Candidates(side, limit) {
		left := qty.Sub(liq.Fillable)
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(left, maker.Remaining())
		liq.Fillable = liq.Fillable.Add(take)
		liq.Notional = liq.Notional.Add(take.Mul(maker.Price))
	}
	return liq
}

// Symbols lists the symbols that have a book.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.books))
	for sym := range e.books {
		out = append(out, sym)
	}
	slices.Sort(out)
	return out
}
