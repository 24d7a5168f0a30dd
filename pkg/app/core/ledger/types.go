package ledger

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidSymbol       = errors.New("invalid symbol")
	ErrHoldExists          = errors.New("order already has an active hold")
	ErrNegativeBalance     = errors.New("balance would become negative")
	ErrKeyNotLocked        = errors.New("balance key not locked by transaction")
)

// BalanceKey identifies one (account, asset) balance.
type BalanceKey struct {
	AccountID string `json:"account_id"`
	Asset     string `json:"asset"`
}

func (k BalanceKey) String() string { return k.AccountID + "/" + k.Asset }

func compareKeys(a, b BalanceKey) int {
	if c := cmp.Compare(a.AccountID, b.AccountID); c != 0 {
		return c
	}
	return cmp.Compare(a.Asset, b.Asset)
}

// SortKeys returns the distinct keys in lock order: account id, then asset.
func SortKeys(keys []BalanceKey) []BalanceKey {
	out := slices.Clone(keys)
	slices.SortFunc(out, compareKeys)
	return slices.Compact(out)
}

type Balance struct {
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (b Balance) Key() BalanceKey { return BalanceKey{AccountID: b.AccountID, Asset: b.Asset} }

func (b Balance) Total() decimal.Decimal { return b.Available.Add(b.Held) }

// Validate rejects balances that went negative on either component.
func (b Balance) Validate() error {
	if b.Available.IsNegative() {
		return fmt.Errorf("%w: %s available %s", ErrNegativeBalance, b.Key(), b.Available)
	}
	if b.Held.IsNegative() {
		return fmt.Errorf("%w: %s held %s", ErrNegativeBalance, b.Key(), b.Held)
	}
	return nil
}

// Hold reserves funds of one balance for one order.
type Hold struct {
	OrderID   string          `json:"order_id"`
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

func (h Hold) Key() BalanceKey { return BalanceKey{AccountID: h.AccountID, Asset: h.Asset} }

type EntryType string

const (
	EntryCredit      EntryType = "credit"
	EntryDebit       EntryType = "debit"
	EntryDeposit     EntryType = "deposit"
	EntryWithdrawal  EntryType = "withdrawal"
	EntryHold        EntryType = "hold"
	EntryRelease     EntryType = "hold_release"
	EntryConsume     EntryType = "hold_consume"
	EntryTradeDebit  EntryType = "trade_debit"
	EntryTradeCredit EntryType = "trade_credit"
)

// Reference types of the event that caused an entry.
const (
	RefOrder    = "order"
	RefTrade    = "trade"
	RefTransfer = "transfer"
	RefManual   = "manual"
)

// Entry is the immutable audit record of one balance mutation. Available and Held are
// the balance components after the mutation.
type Entry struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Asset         string          `json:"asset"`
	Type          EntryType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Available     decimal.Decimal `json:"available"`
	Held          decimal.Decimal `json:"held"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   string          `json:"reference_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (e Entry) Key() BalanceKey { return BalanceKey{AccountID: e.AccountID, Asset: e.Asset} }

// Change is a single credit or debit request.
type Change struct {
	AccountID     string
	Asset         string
	Amount        decimal.Decimal
	ReferenceType string
	ReferenceID   string
}

func (c Change) Key() BalanceKey { return BalanceKey{AccountID: c.AccountID, Asset: c.Asset} }

type HoldRequest struct {
	OrderID   string
	AccountID string
	Asset     string
	Amount    decimal.Decimal
}

// TradeSettlement carries everything RecordTrade needs to move the four legs of a trade.
// BuyOrderID and SellOrderID are optional; when set and the order has an active hold in
// the debited asset, the debit is drawn from that hold first.
type TradeSettlement struct {
	TradeID         string
	Symbol          string
	BuyerAccountID  string
	SellerAccountID string
	BuyOrderID      string
	SellOrderID     string
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	BuyerFee        decimal.Decimal
	SellerFee       decimal.Decimal
}
