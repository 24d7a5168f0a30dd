package market

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/clearcore/pkg/app/core"
)

// MarketStatus defines the trading status of a market
type MarketStatus int8

const (
	Active  MarketStatus = iota // Trading enabled
	Paused                      // Trading halted (emergency)
	Settled                     // Market closed
)

func (ms MarketStatus) String() string {
	switch ms {
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Settled:
		return "Settled"
	default:
		return "Unknown"
	}
}

// Market defines the trading parameters of a spot instrument (e.g., BTC-USDT)
type Market struct {
	Symbol     string       // "BTC-USDT"
	BaseAsset  string       // "BTC"
	QuoteAsset string       // "USDT"
	Status     MarketStatus // Active, Paused, Settled

	// TickSize: minimum price increment; zero disables the check
	TickSize decimal.Decimal
	// LotSize: minimum quantity increment; zero disables the check
	LotSize decimal.Decimal
	// MinNotional: minimum price × quantity for limit orders
	MinNotional decimal.Decimal
}

// NewMarket derives base and quote from the symbol and validates the parameters.
func NewMarket(symbol string, tickSize, lotSize, minNotional decimal.Decimal) (*Market, error) {
	base, quote, err := core.SplitSymbol(symbol)
	if err != nil {
		return nil, err
	}
	m := &Market{
		Symbol:      symbol,
		BaseAsset:   base,
		QuoteAsset:  quote,
		Status:      Active,
		TickSize:    tickSize,
		LotSize:     lotSize,
		MinNotional: minNotional,
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market params: %w", err)
	}
	return m, nil
}

// Validate checks market parameter sanity
func (m *Market) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if m.BaseAsset == "" || m.QuoteAsset == "" {
		return fmt.Errorf("base and quote assets must be specified")
	}
	if m.TickSize.IsNegative() {
		return fmt.Errorf("tick size cannot be negative")
	}
	if m.LotSize.IsNegative() {
		return fmt.Errorf("lot size cannot be negative")
	}
	if m.MinNotional.IsNegative() {
		return fmt.Errorf("min notional cannot be negative")
	}
	return nil
}

// ValidateOrder checks price and quantity against the market's increments.
// Market orders carry no price and skip the tick and notional checks.
func (m *Market) ValidateOrder(o *core.Order) error {
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("quantity must be positive")
	}
	if m.LotSize.IsPositive() && !o.Quantity.Mod(m.LotSize).IsZero() {
		return fmt.Errorf("quantity %s is not a multiple of lot size %s", o.Quantity, m.LotSize)
	}
	if o.Type == core.Market {
		return nil
	}
	if !o.Price.IsPositive() {
		return fmt.Errorf("limit price must be positive")
	}
	if m.TickSize.IsPositive() && !o.Price.Mod(m.TickSize).IsZero() {
		return fmt.Errorf("price %s is not a multiple of tick size %s", o.Price, m.TickSize)
	}
	if notional := o.Price.Mul(o.Quantity); notional.LessThan(m.MinNotional) {
		return fmt.Errorf("order notional %s below minimum %s", notional, m.MinNotional)
	}
	return nil
}
