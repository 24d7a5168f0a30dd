// Package core holds the order, execution and trade types shared by the matching,
// settlement and persistence layers.
package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the counter side.
func (s Side) Opposite() Side { return -s }

func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy", "bid":
		return Buy, nil
	case "sell", "ask":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

// MarshalText refuses sides ParseSide could not read back.
func (s Side) MarshalText() ([]byte, error) {
	if s != Buy && s != Sell {
		return nil, fmt.Errorf("invalid side %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

type TimeInForce string

const (
	GTC TimeInForce = "GTC" // rest the remainder
	IOC TimeInForce = "IOC" // drop the remainder
	FOK TimeInForce = "FOK" // fill completely or not at all
)

type Order struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	TimeInForce    TimeInForce     `json:"time_in_force"`
	Price          decimal.Decimal `json:"price"` // zero for market orders
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	CreatedAt      time.Time       `json:"created_at"`
	Seq            uint64          `json:"seq"` // arrival order within the book
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

func (o *Order) IsFilled() bool {
	return !o.Remaining().IsPositive()
}

// Execution is a single match between a resting maker order and an incoming taker order.
// MakerSide is always carried explicitly; consumers never infer it from order ids.
type Execution struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	MakerOrderID   string          `json:"maker_order_id"`
	TakerOrderID   string          `json:"taker_order_id"`
	MakerAccountID string          `json:"maker_account_id"`
	TakerAccountID string          `json:"taker_account_id"`
	MakerSide      Side            `json:"maker_side"`
	Sequence       uint64          `json:"sequence"`
	Timestamp      time.Time       `json:"timestamp"`
}

// BuyerSeller returns the (account, order) pairs of the buying and selling party.
func (e Execution) BuyerSeller() (buyAccount, buyOrder, sellAccount, sellOrder string) {
	if e.MakerSide == Buy {
		return e.MakerAccountID, e.MakerOrderID, e.TakerAccountID, e.TakerOrderID
	}
	return e.TakerAccountID, e.TakerOrderID, e.MakerAccountID, e.MakerOrderID
}

type TradeStatus string

const (
	TradePending TradeStatus = "pending"
	TradeSettled TradeStatus = "settled"
	TradeFailed  TradeStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s TradeStatus) Terminal() bool {
	return s == TradeSettled || s == TradeFailed
}

type Trade struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	MakerOrderID   string          `json:"maker_order_id"`
	TakerOrderID   string          `json:"taker_order_id"`
	MakerAccountID string          `json:"maker_account_id"`
	TakerAccountID string          `json:"taker_account_id"`
	MakerSide      Side            `json:"maker_side"`
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	MakerFee       decimal.Decimal `json:"maker_fee"`
	TakerFee       decimal.Decimal `json:"taker_fee"`
	Status         TradeStatus     `json:"status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	SettledAt      *time.Time      `json:"settled_at,omitempty"`
}

// Value is price × quantity in the quote asset.
func (t Trade) Value() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// SplitSymbol splits "BASE-QUOTE" (or "BASE/QUOTE") into its two assets.
func SplitSymbol(symbol string) (base, quote string, err error) {
	sep := "-"
	if strings.Contains(symbol, "/") {
		if strings.Contains(symbol, "-") {
			return "", "", fmt.Errorf("symbol %q mixes separators", symbol)
		}
		sep = "/"
	}
	parts := strings.Split(symbol, sep)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("symbol %q must have exactly two components", symbol)
	}
	return parts[0], parts[1], nil
}

// Fill is one counterparty's view of a trade, handed to position tracking.
type Fill struct {
	TradeID   string          `json:"trade_id"`
	OrderID   string          `json:"order_id"`
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Fee       decimal.Decimal `json:"fee"`
	Maker     bool            `json:"maker"`
	Timestamp time.Time       `json:"timestamp"`
}
