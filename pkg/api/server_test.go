package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/clearcore/pkg/app/core/events"
	"github.com/uhyunpark/clearcore/pkg/app/core/fees"
	"github.com/uhyunpark/clearcore/pkg/app/core/ledger"
	"github.com/uhyunpark/clearcore/pkg/app/core/market"
	"github.com/uhyunpark/clearcore/pkg/app/core/matching"
	"github.com/uhyunpark/clearcore/pkg/app/core/position"
	"github.com/uhyunpark/clearcore/pkg/app/core/trade"
	"github.com/uhyunpark/clearcore/pkg/app/venue"
	"github.com/uhyunpark/clearcore/pkg/metrics"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	server *Server
	http   *httptest.Server
	bus    *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := market.NewMarketRegistry()
	m, err := market.NewMarket("BTC-USDT", d("0.01"), d("0.001"), decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, reg.RegisterMarket(m))

	calc, err := fees.NewCalculator([]fees.Tier{{MinVolume: decimal.Zero, MakerBps: 10, TakerBps: 20}}, nil)
	require.NoError(t, err)

	bus := events.NewBus()
	positions := position.NewTracker()
	l := ledger.NewService(ledger.NewMemoryRepository())
	proc := trade.NewProcessor(trade.DefaultConfig(), calc, l, trade.NewMemoryStore(),
		trade.WithEvents(bus), trade.WithPositions(positions))
	engine := matching.NewEngine(reg, matching.WithEvents(bus))
	v := venue.New(reg, l, calc, proc, engine, venue.WithPositions(positions))

	s := NewServer(v, WithMetrics(metrics.New()), WithAllowedOrigins([]string{"http://localhost:3000"}))
	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.Run(ctx)
	go s.hub.Feed(ctx, bus.Subscribe(64, nil))

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &harness{server: s, http: srv, bus: bus}
}

func (h *harness) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (h *harness) deposit(t *testing.T, account, asset, amount string) {
	t.Helper()
	code := h.do(t, "POST", "/api/v1/accounts/"+account+"/deposits", TransferRequest{Asset: asset, Amount: d(amount)}, nil)
	require.Equal(t, http.StatusOK, code)
}

func TestMarketsAndHealth(t *testing.T) {
	h := newHarness(t)

	var markets []MarketInfo
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/markets", nil, &markets))
	require.Len(t, markets, 1)
	assert.Equal(t, "BTC", markets[0].BaseAsset)
	assert.Equal(t, "Active", markets[0].Status)

	assert.Equal(t, http.StatusNotFound, h.do(t, "GET", "/api/v1/markets/DOGE-USDT", nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do(t, "GET", "/api/v1/markets/DOGE-USDT/trades", nil, nil))

	var health map[string]any
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/health", nil, &health))
	assert.Equal(t, "ok", health["status"])

	resp, err := http.Get(h.http.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOrderFlowOverREST(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "maker", "BTC", "2")
	h.deposit(t, "taker", "USDT", "100000")

	var placed SubmitOrderResponse
	code := h.do(t, "POST", "/api/v1/orders", map[string]any{
		"id": "ask-1", "account": "maker", "symbol": "BTC-USDT", "side": "sideways", "price": "50000", "size": "1",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, code, "unknown side is rejected")

	code = h.do(t, "POST", "/api/v1/orders", map[string]any{
		"id": "ask-1", "account": "maker", "symbol": "BTC-USDT", "side": "sell", "price": "50000", "size": "1",
	}, &placed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "open", placed.Order.Status)
	assert.Empty(t, placed.Executions)

	var book OrderbookSnapshot
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/markets/BTC-USDT/orderbook?depth=5", nil, &book))
	require.Len(t, book.Asks, 1)
	assert.True(t, book.Asks[0].Price.Equal(d("50000")))

	code = h.do(t, "POST", "/api/v1/orders", map[string]any{
		"id": "bid-1", "account": "taker", "symbol": "BTC-USDT", "side": "buy", "price": "50000", "size": "0.4",
	}, &placed)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(matching.DoneFilled), placed.Order.Status)
	require.Len(t, placed.Executions, 1)
	assert.Equal(t, "sell", placed.Executions[0].MakerSide)
	assert.Equal(t, "ask-1", placed.Executions[0].MakerOrderID)

	var trades []TradeInfo
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/markets/BTC-USDT/trades", nil, &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "buy", trades[0].Side)
	assert.Equal(t, "settled", trades[0].Status)
	// 0.4 × 50000 = 20000; maker 10 bps, taker 20 bps
	assert.True(t, trades[0].MakerFee.Equal(d("20")))
	assert.True(t, trades[0].TakerFee.Equal(d("40")))

	var stats StatsInfo
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/markets/BTC-USDT/stats", nil, &stats))
	assert.Equal(t, 1, stats.Count)
	assert.True(t, stats.QuoteVolume.Equal(d("20000")))

	var balances []BalanceInfo
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/accounts/taker/balances", nil, &balances))
	byAsset := map[string]BalanceInfo{}
	for _, b := range balances {
		byAsset[b.Asset] = b
	}
	assert.True(t, byAsset["BTC"].Available.Equal(d("0.4")))
	assert.True(t, byAsset["USDT"].Available.Equal(d("79960")))
	assert.True(t, byAsset["USDT"].Held.IsZero())

	var entries []EntryInfo
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/accounts/maker/balances/USDT/entries?limit=10", nil, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, string(ledger.EntryTradeCredit), entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(d("19980")))

	var positions []position.Position
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/accounts/taker/positions", nil, &positions))
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Size.Equal(d("0.4")))

	var order OrderInfo
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/orders/BTC-USDT/ask-1", nil, &order))
	assert.True(t, order.Remaining.Equal(d("0.6")))

	assert.Equal(t, http.StatusOK, h.do(t, "DELETE", "/api/v1/orders/BTC-USDT/ask-1", nil, nil))
	assert.Equal(t, http.StatusNotFound, h.do(t, "DELETE", "/api/v1/orders/BTC-USDT/ask-1", nil, nil))
	assert.Equal(t, http.StatusNotFound,
		h.do(t, "POST", "/api/v1/orders/cancel", CancelOrderRequest{Symbol: "BTC-USDT", OrderID: "ask-1"}, nil))

	require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/accounts/maker/balances", nil, &balances))
	for _, b := range balances {
		assert.True(t, b.Held.IsZero(), "%s hold released on cancel", b.Asset)
	}
}

func TestOrderErrorsMapToStatus(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "alice", "USDT", "10")

	order := map[string]any{"account": "alice", "symbol": "BTC-USDT", "side": "buy", "price": "50000", "size": "1"}
	assert.Equal(t, http.StatusUnprocessableEntity, h.do(t, "POST", "/api/v1/orders", order, nil))

	order["symbol"] = "DOGE-USDT"
	assert.Equal(t, http.StatusNotFound, h.do(t, "POST", "/api/v1/orders", order, nil))

	order["symbol"] = "BTC-USDT"
	order["size"] = "0"
	assert.Equal(t, http.StatusBadRequest, h.do(t, "POST", "/api/v1/orders", order, nil))

	order = map[string]any{"account": "alice", "symbol": "BTC-USDT", "side": "buy", "type": "market", "size": "1"}
	assert.Equal(t, http.StatusUnprocessableEntity, h.do(t, "POST", "/api/v1/orders", order, nil), "empty book")

	assert.Equal(t, http.StatusUnprocessableEntity,
		h.do(t, "POST", "/api/v1/accounts/alice/withdrawals", TransferRequest{Asset: "USDT", Amount: d("11")}, nil))
	assert.Equal(t, http.StatusBadRequest,
		h.do(t, "POST", "/api/v1/accounts/alice/deposits", TransferRequest{Asset: "USDT", Amount: d("-1")}, nil))
}

func TestFeeEndpoints(t *testing.T) {
	h := newHarness(t)

	var info FeeInfo
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/accounts/vip/fees", nil, &info))
	assert.Equal(t, int64(10), info.MakerBps)
	assert.Equal(t, fees.SourceTier, info.Source)
	assert.True(t, info.Volume30d.IsZero())

	require.Equal(t, http.StatusOK,
		h.do(t, "PUT", "/api/v1/accounts/vip/fees/override", FeeOverrideRequest{MakerBps: 0, TakerBps: 5}, nil))
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/accounts/vip/fees", nil, &info))
	assert.Equal(t, fees.SourceOverride, info.Source)
	assert.Equal(t, int64(5), info.TakerBps)

	assert.Equal(t, http.StatusBadRequest,
		h.do(t, "PUT", "/api/v1/accounts/vip/fees/override", FeeOverrideRequest{MakerBps: -1}, nil))

	require.Equal(t, http.StatusNoContent, h.do(t, "DELETE", "/api/v1/accounts/vip/fees/override", nil, nil))
	require.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/accounts/vip/fees", nil, &info))
	assert.Equal(t, fees.SourceTier, info.Source)
}

func TestWebSocketStreamsSubscribedChannels(t *testing.T) {
	h := newHarness(t)

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"trades:BTC-USDT"}}))

	var msg WSMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "subscribed", msg.Type)

	// Not subscribed: dropped for this client
	h.bus.Publish(events.Event{Kind: events.KindBookUpdate, Symbol: "BTC-USDT", Payload: "ignored"})
	h.bus.Publish(events.Event{Kind: events.KindTradeSettled, Symbol: "BTC-USDT", Payload: map[string]string{"id": "t1"}})

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "trades:BTC-USDT", msg.Channel)
	assert.Equal(t, string(events.KindTradeSettled), msg.Type)
	assert.Equal(t, map[string]any{"id": "t1"}, msg.Data)
}

func TestChannelFor(t *testing.T) {
	for kind, want := range map[events.Kind]string{
		events.KindBookUpdate:    "orderbook:X-Y",
		events.KindTradeFailed:   "trades:X-Y",
		events.KindTradeExecuted: "trades:X-Y",
		events.KindOrderDone:     "orders:X-Y",
		events.KindOrderAccepted: "orders:X-Y",
	} {
		assert.Equal(t, want, channelFor(events.Event{Kind: kind, Symbol: "X-Y"}))
	}
}
