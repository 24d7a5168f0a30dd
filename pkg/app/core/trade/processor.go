// Package trade turns matching-engine executions into settled, persisted trades.
//
// A trade is created pending and ends settled or failed; neither terminal state is
// ever left again. Persistence is batched and runs off the settlement path.
package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearcore/pkg/app/core"
	"github.com/uhyunpark/clearcore/pkg/app/core/events"
	"github.com/uhyunpark/clearcore/pkg/app/core/fees"
	"github.com/uhyunpark/clearcore/pkg/app/core/ledger"
	"github.com/uhyunpark/clearcore/pkg/metrics"
	"github.com/uhyunpark/clearcore/pkg/util"
)

var (
	ErrSettlementFailed = errors.New("trade settlement failed")
	ErrInvalidExecution = errors.New("invalid execution")
)

type FeeSchedule interface {
	CalculateFees(makerAccountID, takerAccountID string, tradeValue decimal.Decimal) fees.Fees
	UpdateVolume(accountID string, tradeValue decimal.Decimal)
}

type Settler interface {
	RecordTrade(ctx context.Context, t ledger.TradeSettlement) error
}

// PositionNotifier receives one Fill per counterparty of every trade.
type PositionNotifier interface {
	OnFill(ctx context.Context, f core.Fill) error
}

type Config struct {
	SettlementEnabled bool
	// SettlementAttempts is the total number of RecordTrade calls per trade.
	// 1 disables automatic retry.
	SettlementAttempts int
	// SettlementTimeout bounds each RecordTrade call; zero means no deadline.
	SettlementTimeout time.Duration
	BatchSize         int
	FlushInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		SettlementEnabled:  true,
		SettlementAttempts: 1,
		BatchSize:          100,
		FlushInterval:      time.Second,
	}
}

type Processor struct {
	cfg       Config
	fees      FeeSchedule
	settler   Settler
	store     Store
	positions []PositionNotifier
	events    events.Publisher
	metrics   *metrics.Metrics
	clock     util.Clock
	log       *zap.SugaredLogger

	queue   *persistQueue
	stats   *StatsTracker
	flushMu sync.Mutex
}

type Option func(*Processor)

func WithClock(c util.Clock) Option { return func(p *Processor) { p.clock = c } }

func WithLogger(l *zap.SugaredLogger) Option { return func(p *Processor) { p.log = l } }

func WithEvents(pub events.Publisher) Option { return func(p *Processor) { p.events = pub } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Processor) { p.metrics = m } }

// WithPositions adds a position collaborator; several may be registered.
func WithPositions(n PositionNotifier) Option {
	return func(p *Processor) { p.positions = append(p.positions, n) }
}

func NewProcessor(cfg Config, schedule FeeSchedule, settler Settler, store Store, opts ...Option) *Processor {
	if cfg.SettlementAttempts < 1 {
		cfg.SettlementAttempts = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	p := &Processor{
		cfg:     cfg,
		fees:    schedule,
		settler: settler,
		store:   store,
		events:  events.Nop{},
		clock:   util.RealClock{},
		log:     zap.NewNop().Sugar(),
		queue:   newPersistQueue(cfg.BatchSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.stats = NewStatsTracker(p.clock)
	return p
}

func validateExecution(e core.Execution) error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidExecution)
	case e.MakerSide != core.Buy && e.MakerSide != core.Sell:
		return fmt.Errorf("%w: maker side not set", ErrInvalidExecution)
	case !e.Price.IsPositive() || !e.Quantity.IsPositive():
		return fmt.Errorf("%w: price and quantity must be positive", ErrInvalidExecution)
	}
	return nil
}

// ProcessTrade prices, settles and enqueues one execution. When settlement fails the
// returned trade is already marked failed and the error wraps ErrSettlementFailed.
func (p *Processor) ProcessTrade(ctx context.Context, e core.Execution) (core.Trade, error) {
	if err := validateExecution(e); err != nil {
		return core.Trade{}, err
	}

	value := e.Price.Mul(e.Quantity)
	charged := p.fees.CalculateFees(e.MakerAccountID, e.TakerAccountID, value)
	p.fees.UpdateVolume(e.MakerAccountID, value)
	if e.TakerAccountID != e.MakerAccountID {
		p.fees.UpdateVolume(e.TakerAccountID, value)
	}

	createdAt := e.Timestamp
	if createdAt.IsZero() {
		createdAt = p.clock.Now()
	}
	t := core.Trade{
		ID:             e.ID,
		Symbol:         e.Symbol,
		MakerOrderID:   e.MakerOrderID,
		TakerOrderID:   e.TakerOrderID,
		MakerAccountID: e.MakerAccountID,
		TakerAccountID: e.TakerAccountID,
		MakerSide:      e.MakerSide,
		Price:          e.Price,
		Quantity:       e.Quantity,
		MakerFee:       charged.MakerFee,
		TakerFee:       charged.TakerFee,
		Status:         core.TradePending,
		CreatedAt:      createdAt,
	}

	p.notifyPositions(ctx, t)

	var settleErr error
	if p.cfg.SettlementEnabled {
		settleErr = p.settle(ctx, e, &t)
	}

	depth := p.queue.push(t)
	p.metrics.QueueDepth(depth)
	p.stats.Record(t.Symbol, t.Price, t.Quantity, t.CreatedAt)
	p.metrics.Trade(t.Symbol, string(t.Status))

	kind := events.KindTradeExecuted
	switch t.Status {
	case core.TradeSettled:
		kind = events.KindTradeSettled
	case core.TradeFailed:
		kind = events.KindTradeFailed
	}
	p.events.Publish(events.Event{Kind: kind, Symbol: t.Symbol, Payload: t, Timestamp: p.clock.Now()})

	if settleErr != nil {
		return t, fmt.Errorf("%w: trade %s: %w", ErrSettlementFailed, t.ID, settleErr)
	}
	return t, nil
}

func (p *Processor) notifyPositions(ctx context.Context, t core.Trade) {
	if len(p.positions) == 0 {
		return
	}
	maker := core.Fill{
		TradeID: t.ID, OrderID: t.MakerOrderID, AccountID: t.MakerAccountID, Symbol: t.Symbol,
		Side: t.MakerSide, Price: t.Price, Quantity: t.Quantity, Fee: t.MakerFee, Maker: true,
		Timestamp: t.CreatedAt,
	}
	taker := core.Fill{
		TradeID: t.ID, OrderID: t.TakerOrderID, AccountID: t.TakerAccountID, Symbol: t.Symbol,
		Side: t.MakerSide.Opposite(), Price: t.Price, Quantity: t.Quantity, Fee: t.TakerFee,
		Timestamp: t.CreatedAt,
	}
	for _, n := range p.positions {
		for _, f := range []core.Fill{maker, taker} {
			if err := n.OnFill(ctx, f); err != nil {
				p.log.Warnw("position_update_failed", "trade_id", t.ID, "account", f.AccountID, "err", err)
			}
		}
	}
}

func (p *Processor) settle(ctx context.Context, e core.Execution, t *core.Trade) error {
	buyer, buyOrder, seller, sellOrder := e.BuyerSeller()
	buyerFee, sellerFee := t.TakerFee, t.MakerFee
	if e.MakerSide == core.Buy {
		buyerFee, sellerFee = t.MakerFee, t.TakerFee
	}
	settlement := ledger.TradeSettlement{
		TradeID:         t.ID,
		Symbol:          t.Symbol,
		BuyerAccountID:  buyer,
		SellerAccountID: seller,
		BuyOrderID:      buyOrder,
		SellOrderID:     sellOrder,
		Price:           t.Price,
		Quantity:        t.Quantity,
		BuyerFee:        buyerFee,
		SellerFee:       sellerFee,
	}

	start := time.Now()
	var err error
	for attempt := 1; attempt <= p.cfg.SettlementAttempts; attempt++ {
		err = p.recordTrade(ctx, settlement)
		if err == nil || ctx.Err() != nil {
			break
		}
		p.log.Warnw("settlement_attempt_failed", "trade_id", t.ID, "attempt", attempt, "err", err)
	}
	p.metrics.ObserveSettlement(time.Since(start).Seconds())

	if err != nil {
		t.Status = core.TradeFailed
		t.FailureReason = err.Error()
		p.metrics.SettlementFailed()
		p.log.Errorw("trade_settlement_failed",
			"trade_id", t.ID, "symbol", t.Symbol,
			"buyer", buyer, "seller", seller,
			"price", t.Price.String(), "qty", t.Quantity.String(),
			"err", err)
		return err
	}
	now := p.clock.Now()
	t.Status = core.TradeSettled
	t.SettledAt = &now
	p.log.Debugw("trade_settled", "trade_id", t.ID, "symbol", t.Symbol, "price", t.Price.String(), "qty", t.Quantity.String())
	return nil
}

func (p *Processor) recordTrade(ctx context.Context, s ledger.TradeSettlement) error {
	if p.cfg.SettlementTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.SettlementTimeout)
		defer cancel()
	}
	return p.settler.RecordTrade(ctx, s)
}

// Run flushes whenever a full batch is waiting or FlushInterval elapses, and drains
// the queue once more when ctx ends.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Infow("trade_flusher_started", "batch_size", p.cfg.BatchSize, "interval", p.cfg.FlushInterval)
	for {
		select {
		case <-ctx.Done():
			err := p.Flush(context.WithoutCancel(ctx))
			p.log.Infow("trade_flusher_stopped", "pending", p.queue.len())
			return err
		case <-p.queue.ready:
		case <-p.clock.After(p.cfg.FlushInterval):
		}
		// Failures are logged and the batch stays queued for the next cycle.
		_ = p.Flush(ctx)
	}
}

// Flush writes queued trades in batches until the queue is empty. A failed batch
// goes back to the front of the queue and the error is returned.
func (p *Processor) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	for {
		batch := p.queue.take()
		if len(batch) == 0 {
			p.metrics.QueueDepth(0)
			return nil
		}
		if err := p.store.SaveTrades(ctx, batch); err != nil {
			p.queue.requeue(batch)
			p.metrics.Flushed(false)
			p.metrics.QueueDepth(p.queue.len())
			p.log.Errorw("trade_flush_failed", "batch", len(batch), "pending", p.queue.len(), "err", err)
			return fmt.Errorf("save %d trades: %w", len(batch), err)
		}
		p.metrics.Flushed(true)
		p.log.Debugw("trades_flushed", "count", len(batch))
	}
}

// Pending is the number of trades not yet persisted.
func (p *Processor) Pending() int { return p.queue.len() }

func (p *Processor) Stats(symbol string) (Stats, bool) { return p.stats.Get(symbol) }

func (p *Processor) AllStats() []Stats {
	syms := p.stats.Symbols()
	out := make([]Stats, 0, len(syms))
	for _, sym := range syms {
		if s, ok := p.stats.Get(sym); ok {
			out = append(out, s)
		}
	}
	return out
}

// RecentTrades returns the newest trades of symbol, including those still queued.
func (p *Processor) RecentTrades(ctx context.Context, symbol string, limit int) ([]core.Trade, error) {
	queued := p.queue.snapshot(symbol)
	out := make([]core.Trade, 0, len(queued))
	seen := make(map[string]struct{}, len(queued))
	for i := len(queued) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			return out, nil
		}
		out = append(out, queued[i])
		seen[queued[i].ID] = struct{}{}
	}
	stored, err := p.store.RecentTrades(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	for _, t := range stored {
		if limit > 0 && len(out) == limit {
			break
		}
		if _, dup := seen[t.ID]; dup {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
