package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/clearcore/pkg/app/core"
	"github.com/uhyunpark/clearcore/pkg/app/core/trade"
)

// API request and response types for REST endpoints and WebSocket messages

// MarketInfo represents a market's static configuration
type MarketInfo struct {
	Symbol      string          `json:"symbol"`     // e.g., "BTC-USDT"
	BaseAsset   string          `json:"baseAsset"`  // e.g., "BTC"
	QuoteAsset  string          `json:"quoteAsset"` // e.g., "USDT"
	Status      string          `json:"status"`     // "Active", "Paused", "Settled"
	TickSize    decimal.Decimal `json:"tickSize"`
	LotSize     decimal.Decimal `json:"lotSize"`
	MinNotional decimal.Decimal `json:"minNotional"`
}

// PriceLevel represents [price, size] tuple
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`
	Orders int             `json:"orders"`
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"` // Sorted high to low
	Asks      []PriceLevel `json:"asks"` // Sorted low to high
	Sequence  uint64       `json:"sequence"`
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

// TradeInfo represents a recent trade
type TradeInfo struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	Side          string          `json:"side"` // taker side
	MakerFee      decimal.Decimal `json:"makerFee"`
	TakerFee      decimal.Decimal `json:"takerFee"`
	Status        string          `json:"status"`
	FailureReason string          `json:"failureReason,omitempty"`
	Timestamp     int64           `json:"timestamp"` // Unix milliseconds
}

func tradeInfo(t core.Trade) TradeInfo {
	return TradeInfo{
		ID:            t.ID,
		Symbol:        t.Symbol,
		Price:         t.Price,
		Size:          t.Quantity,
		Side:          t.MakerSide.Opposite().String(),
		MakerFee:      t.MakerFee,
		TakerFee:      t.TakerFee,
		Status:        string(t.Status),
		FailureReason: t.FailureReason,
		Timestamp:     t.CreatedAt.UnixMilli(),
	}
}

// StatsInfo is the rolling 24h summary of one market
type StatsInfo struct {
	Symbol      string          `json:"symbol"`
	Count       int             `json:"count"`
	Volume      decimal.Decimal `json:"volume"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Last        decimal.Decimal `json:"last"`
	LastTradeAt int64           `json:"lastTradeAt,omitempty"`
}

func statsInfo(st trade.Stats) StatsInfo {
	info := StatsInfo{
		Symbol:      st.Symbol,
		Count:       st.Count,
		Volume:      st.Volume,
		QuoteVolume: st.QuoteVolume,
		Open:        st.Open,
		High:        st.High,
		Low:         st.Low,
		Last:        st.Last,
	}
	if !st.LastTradeAt.IsZero() {
		info.LastTradeAt = st.LastTradeAt.UnixMilli()
	}
	return info
}

// BalanceInfo is one asset balance of an account
type BalanceInfo struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	Total     decimal.Decimal `json:"total"`
}

type EntryInfo struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	Available     decimal.Decimal `json:"available"`
	Held          decimal.Decimal `json:"held"`
	ReferenceType string          `json:"referenceType"`
	ReferenceID   string          `json:"referenceId"`
	Timestamp     int64           `json:"timestamp"`
}

// FeeInfo is the fee schedule currently applied to an account
type FeeInfo struct {
	AccountID string          `json:"accountId"`
	MakerBps  int64           `json:"makerBps"`
	TakerBps  int64           `json:"takerBps"`
	Source    string          `json:"source"` // "tier" or "override"
	Tier      int             `json:"tier"`
	Volume30d decimal.Decimal `json:"volume30d"`
}

// FeeOverrideRequest pins an account to fixed rates
type FeeOverrideRequest struct {
	MakerBps  int64      `json:"makerBps"`
	TakerBps  int64      `json:"takerBps"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// TransferRequest is a deposit or withdrawal
type TransferRequest struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// PlaceOrderRequest is an order submitted over REST
type PlaceOrderRequest struct {
	ID          string           `json:"id,omitempty"`
	Account     string           `json:"account"`
	Symbol      string           `json:"symbol"`
	Side        core.Side        `json:"side"`
	Type        core.OrderType   `json:"type,omitempty"` // "limit" (default) or "market"
	TimeInForce core.TimeInForce `json:"timeInForce,omitempty"`
	Price       decimal.Decimal  `json:"price"`
	Size        decimal.Decimal  `json:"size"`
}

// OrderInfo represents an order (open or historical)
type OrderInfo struct {
	ID          string          `json:"id"`
	Account     string          `json:"account"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Type        string          `json:"type"`
	TimeInForce string          `json:"timeInForce"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	Filled      decimal.Decimal `json:"filled"`
	Remaining   decimal.Decimal `json:"remaining"`
	Status      string          `json:"status"` // "open" or the reason the order is done
	Timestamp   int64           `json:"timestamp"`
}

func orderInfo(o core.Order, status string) OrderInfo {
	return OrderInfo{
		ID:          o.ID,
		Account:     o.AccountID,
		Symbol:      o.Symbol,
		Side:        o.Side.String(),
		Type:        string(o.Type),
		TimeInForce: string(o.TimeInForce),
		Price:       o.Price,
		Size:        o.Quantity,
		Filled:      o.FilledQuantity,
		Remaining:   o.Remaining(),
		Status:      status,
		Timestamp:   o.CreatedAt.UnixMilli(),
	}
}

// ExecutionInfo is one fill of a submitted order
type ExecutionInfo struct {
	ID           string          `json:"id"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	MakerOrderID string          `json:"makerOrderId"`
	MakerSide    string          `json:"makerSide"`
}

type SubmitOrderResponse struct {
	Order      OrderInfo       `json:"order"`
	Executions []ExecutionInfo `json:"executions"`
}

type CancelOrderRequest struct {
	Symbol  string `json:"symbol"`
	OrderID string `json:"orderId"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients to (un)subscribe to channels such as
// "orderbook:BTC-USDT", "trades:BTC-USDT" or "orders:BTC-USDT".
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSMessage wraps one bus event for a channel
type WSMessage struct {
	Channel   string `json:"channel"`
	Type      string `json:"type"`
	Symbol    string `json:"symbol"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}
