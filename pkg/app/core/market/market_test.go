package market

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/clearcore/pkg/app/core"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNewMarketSplitsSymbol(t *testing.T) {
	m, err := NewMarket("BTC-USDT", d("0.01"), d("0.001"), d("10"))
	if err != nil {
		t.Fatalf("failed to create market: %v", err)
	}
	if m.BaseAsset != "BTC" || m.QuoteAsset != "USDT" {
		t.Errorf("expected BTC/USDT, got %s/%s", m.BaseAsset, m.QuoteAsset)
	}
	if m.Status != Active {
		t.Errorf("expected Active status, got %v", m.Status)
	}

	if _, err := NewMarket("BTCUSDT", d("0.01"), d("0.001"), d("10")); err == nil {
		t.Error("expected error for symbol without separator")
	}
	if _, err := NewMarket("BTC-USDT", d("-1"), d("0.001"), d("10")); err == nil {
		t.Error("expected error for negative tick size")
	}
}

func TestValidateOrder(t *testing.T) {
	m, err := NewMarket("BTC-USDT", d("0.5"), d("0.1"), d("10"))
	if err != nil {
		t.Fatalf("failed to create market: %v", err)
	}

	tests := []struct {
		name    string
		order   core.Order
		wantErr bool
	}{
		{name: "valid limit", order: core.Order{Type: core.Limit, Price: d("100.5"), Quantity: d("1.2")}},
		{name: "off tick", order: core.Order{Type: core.Limit, Price: d("100.3"), Quantity: d("1")}, wantErr: true},
		{name: "off lot", order: core.Order{Type: core.Limit, Price: d("100"), Quantity: d("1.25")}, wantErr: true},
		{name: "below notional", order: core.Order{Type: core.Limit, Price: d("1"), Quantity: d("1")}, wantErr: true},
		{name: "zero quantity", order: core.Order{Type: core.Limit, Price: d("100"), Quantity: d("0")}, wantErr: true},
		{name: "market ignores price", order: core.Order{Type: core.Market, Quantity: d("0.1")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.ValidateOrder(&tt.order)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateOrder() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryStatusTransitions(t *testing.T) {
	reg := NewMarketRegistry()
	m, _ := NewMarket("ETH-USDT", decimal.Zero, decimal.Zero, decimal.Zero)
	if err := reg.RegisterMarket(m); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RegisterMarket(m); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := reg.Tradable("ETH-USDT"); err != nil {
		t.Errorf("expected tradable, got %v", err)
	}

	if err := reg.UpdateMarketStatus("ETH-USDT", Paused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := reg.Tradable("ETH-USDT"); err == nil {
		t.Error("paused market should not be tradable")
	}

	if err := reg.UpdateMarketStatus("ETH-USDT", Settled); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := reg.UpdateMarketStatus("ETH-USDT", Active); err == nil {
		t.Error("expected Settled to be terminal")
	}
	if err := reg.Tradable("SOL-USDT"); err == nil {
		t.Error("unknown market should not be tradable")
	}
	if reg.Count() != 1 || len(reg.ListMarkets()) != 1 {
		t.Errorf("expected one market, got %d", reg.Count())
	}
}
