// Package ledger owns per-account asset balances, order holds and the append-only
// entry log that explains every balance change.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearcore/pkg/app/core"
	"github.com/uhyunpark/clearcore/pkg/util"
)

// errHoldRejected aborts a CreateHold transaction without surfacing an error.
var errHoldRejected = errors.New("hold rejected")

type Service struct {
	repo  Repository
	clock util.Clock
	log   *zap.SugaredLogger
}

type Option func(*Service)

func WithClock(c util.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l *zap.SugaredLogger) Option { return func(s *Service) { s.log = l } }

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:  repo,
		clock: util.RealClock{},
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newEntryID() string {
	// v7 ids sort by creation time, which the storage adapters rely on for entry keys
	return uuid.Must(uuid.NewV7()).String()
}

// entry records one mutation of b with the balance state after it.
func (s *Service) entry(tx Tx, b Balance, typ EntryType, amount decimal.Decimal, refType, refID string) error {
	return tx.AppendEntry(Entry{
		ID:            newEntryID(),
		AccountID:     b.AccountID,
		Asset:         b.Asset,
		Type:          typ,
		Amount:        amount,
		Available:     b.Available,
		Held:          b.Held,
		ReferenceType: refType,
		ReferenceID:   refID,
		CreatedAt:     b.UpdatedAt,
	})
}

func (s *Service) credit(tx Tx, key BalanceKey, amount decimal.Decimal, typ EntryType, refType, refID string) error {
	b, err := tx.Balance(key)
	if err != nil {
		return err
	}
	b.Available = b.Available.Add(amount)
	b.UpdatedAt = s.clock.Now()
	if err := tx.PutBalance(b); err != nil {
		return err
	}
	return s.entry(tx, b, typ, amount, refType, refID)
}

func (s *Service) debit(tx Tx, key BalanceKey, amount decimal.Decimal, typ EntryType, refType, refID string) error {
	b, err := tx.Balance(key)
	if err != nil {
		return err
	}
	if amount.GreaterThan(b.Available) {
		return fmt.Errorf("%w: %s has %s available, needs %s", ErrInsufficientBalance, key, b.Available, amount)
	}
	b.Available = b.Available.Sub(amount)
	b.UpdatedAt = s.clock.Now()
	if err := tx.PutBalance(b); err != nil {
		return err
	}
	return s.entry(tx, b, typ, amount, refType, refID)
}

func validateChange(c Change) error {
	if c.AccountID == "" || c.Asset == "" {
		return fmt.Errorf("account and asset are required")
	}
	if !c.Amount.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, c.Amount)
	}
	return nil
}

func (s *Service) apply(ctx context.Context, c Change, typ EntryType, fn func(Tx, BalanceKey, decimal.Decimal, EntryType, string, string) error) error {
	if err := validateChange(c); err != nil {
		return err
	}
	refType := c.ReferenceType
	if refType == "" {
		refType = RefManual
	}
	return s.repo.Atomically(ctx, []BalanceKey{c.Key()}, func(tx Tx) error {
		return fn(tx, c.Key(), c.Amount, typ, refType, c.ReferenceID)
	})
}

// Credit increases available funds.
func (s *Service) Credit(ctx context.Context, c Change) error {
	return s.apply(ctx, c, EntryCredit, s.credit)
}

// Debit decreases available funds; ErrInsufficientBalance when amount exceeds available.
func (s *Service) Debit(ctx context.Context, c Change) error {
	return s.apply(ctx, c, EntryDebit, s.debit)
}

func (s *Service) Deposit(ctx context.Context, c Change) error {
	if c.ReferenceType == "" {
		c.ReferenceType = RefTransfer
	}
	if err := s.apply(ctx, c, EntryDeposit, s.credit); err != nil {
		return err
	}
	s.log.Infow("deposit", "account", c.AccountID, "asset", c.Asset, "amount", c.Amount.String())
	return nil
}

func (s *Service) Withdraw(ctx context.Context, c Change) error {
	if c.ReferenceType == "" {
		c.ReferenceType = RefTransfer
	}
	if err := s.apply(ctx, c, EntryWithdrawal, s.debit); err != nil {
		return err
	}
	s.log.Infow("withdrawal", "account", c.AccountID, "asset", c.Asset, "amount", c.Amount.String())
	return nil
}

// CreateHold moves amount from available to held for an order. It returns false, with
// balances untouched, when available funds are insufficient.
func (s *Service) CreateHold(ctx context.Context, req HoldRequest) (bool, error) {
	if req.OrderID == "" || req.AccountID == "" || req.Asset == "" {
		return false, fmt.Errorf("order, account and asset are required")
	}
	if !req.Amount.IsPositive() {
		return false, fmt.Errorf("%w: got %s", ErrInvalidAmount, req.Amount)
	}

	key := BalanceKey{AccountID: req.AccountID, Asset: req.Asset}
	err := s.repo.Atomically(ctx, []BalanceKey{key}, func(tx Tx) error {
		if _, exists, err := tx.Hold(req.OrderID); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("%w: %s", ErrHoldExists, req.OrderID)
		}

		b, err := tx.Balance(key)
		if err != nil {
			return err
		}
		if req.Amount.GreaterThan(b.Available) {
			return errHoldRejected
		}

		now := s.clock.Now()
		b.Available = b.Available.Sub(req.Amount)
		b.Held = b.Held.Add(req.Amount)
		b.UpdatedAt = now
		if err := tx.PutBalance(b); err != nil {
			return err
		}
		hold := Hold{OrderID: req.OrderID, AccountID: req.AccountID, Asset: req.Asset, Amount: req.Amount, CreatedAt: now}
		if err := tx.PutHold(hold); err != nil {
			return err
		}
		return s.entry(tx, b, EntryHold, req.Amount, RefOrder, req.OrderID)
	})
	if errors.Is(err, errHoldRejected) {
		s.log.Debugw("hold_rejected", "order_id", req.OrderID, "account", req.AccountID, "asset", req.Asset, "amount", req.Amount.String())
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// withHold locks the balance of an order's hold and runs fn with the current hold.
// It returns false when the order has no active hold.
func (s *Service) withHold(ctx context.Context, orderID string, fn func(tx Tx, h Hold, b Balance) error) (bool, error) {
	h, ok, err := s.repo.Hold(ctx, orderID)
	if err != nil || !ok {
		return false, err
	}

	found := false
	err = s.repo.Atomically(ctx, []BalanceKey{h.Key()}, func(tx Tx) error {
		// Re-read under the lock; a concurrent release may have won
		current, ok, err := tx.Hold(orderID)
		if err != nil || !ok || current.Key() != h.Key() {
			return err
		}
		b, err := tx.Balance(current.Key())
		if err != nil {
			return err
		}
		found = true
		return fn(tx, current, b)
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// ReleaseHold returns the remaining held amount of an order to available.
func (s *Service) ReleaseHold(ctx context.Context, orderID string) (bool, error) {
	return s.withHold(ctx, orderID, func(tx Tx, h Hold, b Balance) error {
		b.Held = b.Held.Sub(h.Amount)
		b.Available = b.Available.Add(h.Amount)
		b.UpdatedAt = s.clock.Now()
		if err := tx.PutBalance(b); err != nil {
			return err
		}
		if err := tx.DeleteHold(orderID); err != nil {
			return err
		}
		return s.entry(tx, b, EntryRelease, h.Amount, RefOrder, orderID)
	})
}

// ConsumeHold spends held funds of an order. A zero amount consumes the whole hold and
// deletes it; a smaller positive amount leaves the rest of the hold active.
func (s *Service) ConsumeHold(ctx context.Context, orderID string, amount decimal.Decimal) (bool, error) {
	if amount.IsNegative() {
		return false, fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}
	return s.withHold(ctx, orderID, func(tx Tx, h Hold, b Balance) error {
		take := amount
		if take.IsZero() {
			take = h.Amount
		}
		if take.GreaterThan(h.Amount) {
			return fmt.Errorf("%w: consume %s exceeds hold %s of order %s", ErrInvalidAmount, take, h.Amount, orderID)
		}
		return s.consume(tx, h, b, take, RefOrder, orderID)
	})
}

// consume removes take from both the hold and the held balance.
func (s *Service) consume(tx Tx, h Hold, b Balance, take decimal.Decimal, refType, refID string) error {
	b.Held = b.Held.Sub(take)
	b.UpdatedAt = s.clock.Now()
	if err := tx.PutBalance(b); err != nil {
		return err
	}
	h.Amount = h.Amount.Sub(take)
	if h.Amount.IsZero() {
		if err := tx.DeleteHold(h.OrderID); err != nil {
			return err
		}
	} else if err := tx.PutHold(h); err != nil {
		return err
	}
	return s.entry(tx, b, EntryConsume, take, refType, refID)
}

// settleDebit takes amount from key, drawing first on the hold of orderID when it
// reserves the same balance, then on available funds.
func (s *Service) settleDebit(tx Tx, key BalanceKey, orderID string, amount decimal.Decimal, tradeID string) error {
	remaining := amount
	if orderID != "" {
		h, ok, err := tx.Hold(orderID)
		if err != nil {
			return err
		}
		if ok && h.Key() == key {
			b, err := tx.Balance(key)
			if err != nil {
				return err
			}
			take := decimal.Min(h.Amount, remaining)
			if err := s.consume(tx, h, b, take, RefTrade, tradeID); err != nil {
				return err
			}
			remaining = remaining.Sub(take)
		}
	}
	if remaining.IsZero() {
		return nil
	}
	return s.debit(tx, key, remaining, EntryTradeDebit, RefTrade, tradeID)
}

// RecordTrade moves the four legs of a trade as one atomic unit:
// the buyer pays value + fee in quote and receives quantity in base, the seller
// delivers quantity in base and receives value − fee in quote.
func (s *Service) RecordTrade(ctx context.Context, t TradeSettlement) error {
	base, quote, err := core.SplitSymbol(t.Symbol)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSymbol, err)
	}
	if t.BuyerAccountID == "" || t.SellerAccountID == "" {
		return fmt.Errorf("buyer and seller are required")
	}
	if !t.Price.IsPositive() || !t.Quantity.IsPositive() {
		return fmt.Errorf("%w: price %s quantity %s", ErrInvalidAmount, t.Price, t.Quantity)
	}
	if t.BuyerFee.IsNegative() || t.SellerFee.IsNegative() {
		return fmt.Errorf("%w: negative fee", ErrInvalidAmount)
	}

	value := t.Price.Mul(t.Quantity)
	buyerPays := value.Add(t.BuyerFee)
	sellerGets := value.Sub(t.SellerFee)
	if sellerGets.IsNegative() {
		return fmt.Errorf("%w: seller fee %s exceeds trade value %s", ErrInvalidAmount, t.SellerFee, value)
	}

	buyerQuote := BalanceKey{AccountID: t.BuyerAccountID, Asset: quote}
	buyerBase := BalanceKey{AccountID: t.BuyerAccountID, Asset: base}
	sellerBase := BalanceKey{AccountID: t.SellerAccountID, Asset: base}
	sellerQuote := BalanceKey{AccountID: t.SellerAccountID, Asset: quote}
	keys := []BalanceKey{buyerQuote, buyerBase, sellerBase, sellerQuote}

	return s.repo.Atomically(ctx, keys, func(tx Tx) error {
		if err := s.settleDebit(tx, buyerQuote, t.BuyOrderID, buyerPays, t.TradeID); err != nil {
			return fmt.Errorf("buyer quote leg: %w", err)
		}
		if err := s.credit(tx, buyerBase, t.Quantity, EntryTradeCredit, RefTrade, t.TradeID); err != nil {
			return fmt.Errorf("buyer base leg: %w", err)
		}
		if err := s.settleDebit(tx, sellerBase, t.SellOrderID, t.Quantity, t.TradeID); err != nil {
			return fmt.Errorf("seller base leg: %w", err)
		}
		if sellerGets.IsPositive() {
			if err := s.credit(tx, sellerQuote, sellerGets, EntryTradeCredit, RefTrade, t.TradeID); err != nil {
				return fmt.Errorf("seller quote leg: %w", err)
			}
		}
		return nil
	})
}

func (s *Service) Balance(ctx context.Context, accountID, asset string) (Balance, error) {
	return s.repo.Balance(ctx, BalanceKey{AccountID: accountID, Asset: asset})
}

func (s *Service) Balances(ctx context.Context, accountID string) ([]Balance, error) {
	return s.repo.Balances(ctx, accountID)
}

func (s *Service) Hold(ctx context.Context, orderID string) (Hold, bool, error) {
	return s.repo.Hold(ctx, orderID)
}

func (s *Service) Entries(ctx context.Context, accountID, asset string, limit int) ([]Entry, error) {
	return s.repo.Entries(ctx, BalanceKey{AccountID: accountID, Asset: asset}, limit)
}
