// Package venue wires the matching engine, ledger and trade processor into the
// order entry surface of a spot venue.
package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearcore/pkg/app/core"
	"github.com/uhyunpark/clearcore/pkg/app/core/fees"
	"github.com/uhyunpark/clearcore/pkg/app/core/ledger"
	"github.com/uhyunpark/clearcore/pkg/app/core/market"
	"github.com/uhyunpark/clearcore/pkg/app/core/matching"
	"github.com/uhyunpark/clearcore/pkg/app/core/position"
	"github.com/uhyunpark/clearcore/pkg/app/core/trade"
)

var (
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoLiquidity       = errors.New("no liquidity for market order")
)

var bps = decimal.NewFromInt(10000)

// OrderRequest is a structurally valid order from the intake layer.
type OrderRequest struct {
	ID          string           `json:"id,omitempty"`
	AccountID   string           `json:"account_id"`
	Symbol      string           `json:"symbol"`
	Side        core.Side        `json:"side"`
	Type        core.OrderType   `json:"type"`
	TimeInForce core.TimeInForce `json:"time_in_force,omitempty"`
	Price       decimal.Decimal  `json:"price"`
	Quantity    decimal.Decimal  `json:"quantity"`
}

type Venue struct {
	markets   *market.MarketRegistry
	ledger    *ledger.Service
	fees      *fees.Calculator
	trades    *trade.Processor
	engine    *matching.Engine
	positions *position.Tracker
	log       *zap.SugaredLogger
}

type Option func(*Venue)

func WithLogger(l *zap.SugaredLogger) Option { return func(v *Venue) { v.log = l } }

func WithPositions(t *position.Tracker) Option { return func(v *Venue) { v.positions = t } }

// New installs the venue's hooks on engine; the engine must not take orders from
// anywhere else.
func New(markets *market.MarketRegistry, l *ledger.Service, calc *fees.Calculator, proc *trade.Processor, engine *matching.Engine, opts ...Option) *Venue {
	v := &Venue{
		markets: markets,
		ledger:  l,
		fees:    calc,
		trades:  proc,
		engine:  engine,
		log:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(v)
	}
	engine.SetHooks(matching.Hooks{
		BeforeMatch: v.beforeMatch,
		OnExecution: v.onExecution,
		OnOrderDone: v.onOrderDone,
	})
	return v
}

// beforeMatch reserves the order's funds while the book is locked, so a market buy
// is sized against exactly the liquidity it is about to take.
func (v *Venue) beforeMatch(ctx context.Context, o core.Order, crossing matching.Liquidity) error {
	m, err := v.markets.GetMarket(o.Symbol)
	if err != nil {
		return fmt.Errorf("%w: %w", matching.ErrUnknownMarket, err)
	}
	hold, err := v.holdFor(o, m, crossing)
	if err != nil {
		return err
	}
	ok, err := v.ledger.CreateHold(ctx, hold)
	switch {
	case errors.Is(err, ledger.ErrHoldExists):
		return fmt.Errorf("%w: %s", matching.ErrDuplicateOrder, o.ID)
	case err != nil:
		return fmt.Errorf("hold funds: %w", err)
	case !ok:
		return fmt.Errorf("%w: order %s needs %s %s", ErrInsufficientFunds, o.ID, hold.Amount, hold.Asset)
	}
	return nil
}

func (v *Venue) onExecution(ctx context.Context, e core.Execution) error {
	_, err := v.trades.ProcessTrade(ctx, e)
	return err
}

// onOrderDone returns whatever the order still holds to the account.
func (v *Venue) onOrderDone(ctx context.Context, o core.Order, reason matching.DoneReason) {
	released, err := v.ledger.ReleaseHold(ctx, o.ID)
	if err != nil {
		v.log.Errorw("hold_release_failed", "order_id", o.ID, "reason", reason, "err", err)
		return
	}
	if released {
		v.log.Debugw("hold_released", "order_id", o.ID, "reason", reason)
	}
}

// holdFor sizes the reservation an order needs: buys reserve quote for the worst
// price plus the higher of the account's fee rates, sells reserve the base quantity.
// A market buy's worst price is whatever crossing it finds on arrival.
func (v *Venue) holdFor(o core.Order, m market.Market, crossing matching.Liquidity) (ledger.HoldRequest, error) {
	req := ledger.HoldRequest{OrderID: o.ID, AccountID: o.AccountID}
	if o.Side == core.Sell {
		req.Asset, req.Amount = m.BaseAsset, o.Quantity
		return req, nil
	}

	notional := o.Price.Mul(o.Quantity)
	if o.Type == core.Market {
		if !crossing.Notional.IsPositive() {
			return req, ErrNoLiquidity
		}
		notional = crossing.Notional
	}
	rates := v.fees.GetFeeRates(o.AccountID)
	rate := max(rates.MakerBps, rates.TakerBps)
	req.Asset = m.QuoteAsset
	req.Amount = notional.Add(fees.Fee(notional, rate))
	return req, nil
}

func (r OrderRequest) order() (core.Order, error) {
	o := core.Order{
		ID:          r.ID,
		AccountID:   r.AccountID,
		Symbol:      r.Symbol,
		Side:        r.Side,
		Type:        r.Type,
		TimeInForce: r.TimeInForce,
		Price:       r.Price,
		Quantity:    r.Quantity,
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Type == "" {
		o.Type = core.Limit
	}
	switch {
	case o.AccountID == "":
		return o, fmt.Errorf("%w: account is required", ErrInvalidOrder)
	case o.Side != core.Buy && o.Side != core.Sell:
		return o, fmt.Errorf("%w: side must be buy or sell", ErrInvalidOrder)
	case !o.Quantity.IsPositive():
		return o, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case o.Type == core.Limit && !o.Price.IsPositive():
		return o, fmt.Errorf("%w: limit price must be positive", ErrInvalidOrder)
	}
	return o, nil
}

// PlaceOrder matches the order after the engine has reserved its funds through
// beforeMatch. Funds not spent by the time the order leaves the book are released.
func (v *Venue) PlaceOrder(ctx context.Context, req OrderRequest) (*matching.Result, error) {
	o, err := req.order()
	if err != nil {
		return nil, err
	}
	if _, err := v.markets.GetMarket(o.Symbol); err != nil {
		return nil, fmt.Errorf("%w: %w", matching.ErrUnknownMarket, err)
	}

	res, err := v.engine.Submit(ctx, o)
	if err != nil {
		return nil, err
	}
	v.log.Infow("order_placed",
		"order_id", o.ID, "account", o.AccountID, "symbol", o.Symbol,
		"side", o.Side.String(), "type", o.Type, "executions", len(res.Executions), "resting", res.Resting)
	return res, nil
}

// CancelOrder removes a resting order; its hold is released by the done hook.
func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) (bool, error) {
	_, ok, err := v.engine.Cancel(ctx, symbol, orderID)
	return ok, err
}

func (v *Venue) Deposit(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	return v.ledger.Deposit(ctx, ledger.Change{AccountID: accountID, Asset: asset, Amount: amount})
}

func (v *Venue) Withdraw(ctx context.Context, accountID, asset string, amount decimal.Decimal) error {
	return v.ledger.Withdraw(ctx, ledger.Change{AccountID: accountID, Asset: asset, Amount: amount})
}

func (v *Venue) Markets() *market.MarketRegistry { return v.markets }
func (v *Venue) Ledger() *ledger.Service         { return v.ledger }
func (v *Venue) Fees() *fees.Calculator          { return v.fees }
func (v *Venue) Trades() *trade.Processor        { return v.trades }
func (v *Venue) Engine() *matching.Engine        { return v.engine }

// Positions may be nil when no tracker was configured.
func (v *Venue) Positions() *position.Tracker { return v.positions }
