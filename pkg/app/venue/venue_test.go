package venue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/clearcore/pkg/app/core"
	"github.com/uhyunpark/clearcore/pkg/app/core/events"
	"github.com/uhyunpark/clearcore/pkg/app/core/fees"
	"github.com/uhyunpark/clearcore/pkg/app/core/ledger"
	"github.com/uhyunpark/clearcore/pkg/app/core/market"
	"github.com/uhyunpark/clearcore/pkg/app/core/matching"
	"github.com/uhyunpark/clearcore/pkg/app/core/position"
	"github.com/uhyunpark/clearcore/pkg/app/core/trade"
	"github.com/uhyunpark/clearcore/pkg/util"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	venue *Venue
	bus   *events.Bus
	store *trade.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := util.NewManualClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	reg := market.NewMarketRegistry()
	m, err := market.NewMarket("BASE-QUOTE", decimal.Zero, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, reg.RegisterMarket(m))

	calc, err := fees.NewCalculator([]fees.Tier{{MinVolume: decimal.Zero, MakerBps: 10, TakerBps: 20}}, clock)
	require.NoError(t, err)

	bus := events.NewBus()
	store := trade.NewMemoryStore()
	positions := position.NewTracker()
	l := ledger.NewService(ledger.NewMemoryRepository(), ledger.WithClock(clock))
	proc := trade.NewProcessor(trade.DefaultConfig(), calc, l, store,
		trade.WithClock(clock), trade.WithEvents(bus), trade.WithPositions(positions))
	engine := matching.NewEngine(reg, matching.WithClock(clock), matching.WithEvents(bus))
	return &fixture{
		venue: New(reg, l, calc, proc, engine, WithPositions(positions)),
		bus:   bus,
		store: store,
	}
}

func (f *fixture) balance(t *testing.T, account, asset string) ledger.Balance {
	t.Helper()
	b, err := f.venue.Ledger().Balance(context.Background(), account, asset)
	require.NoError(t, err)
	return b
}

func assertBalance(t *testing.T, f *fixture, account, asset, available, held string) {
	t.Helper()
	b := f.balance(t, account, asset)
	assert.True(t, b.Available.Equal(d(available)), "%s %s available: want %s got %s", account, asset, available, b.Available)
	assert.True(t, b.Held.Equal(d(held)), "%s %s held: want %s got %s", account, asset, held, b.Held)
}

func limitOrder(id, account string, side core.Side, price, qty string) OrderRequest {
	return OrderRequest{
		ID: id, AccountID: account, Symbol: "BASE-QUOTE",
		Side: side, Type: core.Limit, Price: d(price), Quantity: d(qty),
	}
}

// Resting buy 10 @ 100 is the maker; the incoming sell is the taker
func TestMakerTakerSettlementEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.venue.Deposit(ctx, "maker", "QUOTE", d("2000")))
	require.NoError(t, f.venue.Deposit(ctx, "taker", "BASE", d("10")))
	sub := f.bus.Subscribe(8, events.Kinds(events.KindTradeSettled))

	res, err := f.venue.PlaceOrder(ctx, limitOrder("buy-1", "maker", core.Buy, "100", "10"))
	require.NoError(t, err)
	require.True(t, res.Resting)
	// 1000 plus the higher fee rate (20 bps)
	assertBalance(t, f, "maker", "QUOTE", "998", "1002")

	res, err = f.venue.PlaceOrder(ctx, limitOrder("sell-1", "taker", core.Sell, "100", "10"))
	require.NoError(t, err)
	require.Len(t, res.Executions, 1)
	assert.Equal(t, core.Buy, res.Executions[0].MakerSide)

	// Maker paid 1001.0 and got the unspent 1.0 of its hold back
	assertBalance(t, f, "maker", "QUOTE", "999", "0")
	assertBalance(t, f, "maker", "BASE", "10", "0")
	assertBalance(t, f, "taker", "BASE", "0", "0")
	assertBalance(t, f, "taker", "QUOTE", "998", "0")

	ev := <-sub.C()
	tr := ev.Payload.(core.Trade)
	assert.True(t, tr.MakerFee.Equal(d("1.0")))
	assert.True(t, tr.TakerFee.Equal(d("2.0")))

	pos := f.venue.Positions().Get("maker", "BASE-QUOTE")
	assert.True(t, pos.Size.Equal(d("10")))

	require.NoError(t, f.venue.Trades().Flush(ctx))
	stored, err := f.store.RecentTrades(ctx, "BASE-QUOTE", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, core.TradeSettled, stored[0].Status)
}

func TestInsufficientFundsRejectsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.venue.Deposit(ctx, "alice", "QUOTE", d("50")))

	_, err := f.venue.PlaceOrder(ctx, limitOrder("o2", "alice", core.Buy, "100", "1"))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assertBalance(t, f, "alice", "QUOTE", "50", "0")

	snap, err := f.venue.Engine().Snapshot("BASE-QUOTE", 0)
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
}

func TestCancelReleasesHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.venue.Deposit(ctx, "alice", "BASE", d("5")))

	_, err := f.venue.PlaceOrder(ctx, limitOrder("s1", "alice", core.Sell, "100", "3"))
	require.NoError(t, err)
	assertBalance(t, f, "alice", "BASE", "2", "3")

	ok, err := f.venue.CancelOrder(ctx, "BASE-QUOTE", "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assertBalance(t, f, "alice", "BASE", "5", "0")

	ok, err = f.venue.CancelOrder(ctx, "BASE-QUOTE", "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPartialFillKeepsRemainingHold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.venue.Deposit(ctx, "seller", "BASE", d("10")))
	require.NoError(t, f.venue.Deposit(ctx, "buyer", "QUOTE", d("1000")))

	_, err := f.venue.PlaceOrder(ctx, limitOrder("s1", "seller", core.Sell, "50", "10"))
	require.NoError(t, err)
	_, err = f.venue.PlaceOrder(ctx, limitOrder("b1", "buyer", core.Buy, "50", "4"))
	require.NoError(t, err)

	// Four of the ten held units were delivered
	assertBalance(t, f, "seller", "BASE", "0", "6")
	h, ok, err := f.venue.Ledger().Hold(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, h.Amount.Equal(d("6")))

	// Buyer's hold was released once its order filled
	_, ok, err = f.venue.Ledger().Hold(ctx, "b1")
	require.NoError(t, err)
	assert.False(t, ok)
	assertBalance(t, f, "buyer", "QUOTE", "799.6", "0")
	assertBalance(t, f, "buyer", "BASE", "4", "0")
}

func TestMarketBuyHoldsQuotedNotional(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.venue.Deposit(ctx, "seller", "BASE", d("3")))
	require.NoError(t, f.venue.Deposit(ctx, "buyer", "QUOTE", d("1000")))

	_, err := f.venue.PlaceOrder(ctx, OrderRequest{AccountID: "buyer", Symbol: "BASE-QUOTE", Side: core.Buy, Type: core.Market, Quantity: d("1")})
	require.ErrorIs(t, err, ErrNoLiquidity)

	_, err = f.venue.PlaceOrder(ctx, limitOrder("s1", "seller", core.Sell, "100", "1"))
	require.NoError(t, err)
	_, err = f.venue.PlaceOrder(ctx, limitOrder("s2", "seller", core.Sell, "110", "2"))
	require.NoError(t, err)

	res, err := f.venue.PlaceOrder(ctx, OrderRequest{AccountID: "buyer", Symbol: "BASE-QUOTE", Side: core.Buy, Type: core.Market, Quantity: d("2")})
	require.NoError(t, err)
	require.Len(t, res.Executions, 2)
	assert.Equal(t, matching.DoneFilled, res.Done)

	// 210 notional + 0.42 taker fee
	assertBalance(t, f, "buyer", "QUOTE", "789.58", "0")
	assertBalance(t, f, "buyer", "BASE", "2", "0")
}

// A market buy funded for the old best price must not reach the book once a
// competing buyer has taken that level.
func TestMarketBuySizedAgainstBookAtMatchTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	failed := f.bus.Subscribe(8, events.Kinds(events.KindTradeFailed))
	require.NoError(t, f.venue.Deposit(ctx, "seller", "BASE", d("10")))
	require.NoError(t, f.venue.Deposit(ctx, "rival", "QUOTE", d("1000")))
	// Exactly 5 @ 100 plus the 20 bps taker fee
	require.NoError(t, f.venue.Deposit(ctx, "buyer", "QUOTE", d("501")))

	_, err := f.venue.PlaceOrder(ctx, limitOrder("s1", "seller", core.Sell, "100", "5"))
	require.NoError(t, err)
	_, err = f.venue.PlaceOrder(ctx, limitOrder("s2", "seller", core.Sell, "150", "5"))
	require.NoError(t, err)

	res, err := f.venue.PlaceOrder(ctx, limitOrder("rival-1", "rival", core.Buy, "100", "5"))
	require.NoError(t, err)
	require.Equal(t, matching.DoneFilled, res.Done)

	_, err = f.venue.PlaceOrder(ctx, OrderRequest{ID: "m1", AccountID: "buyer", Symbol: "BASE-QUOTE", Side: core.Buy, Type: core.Market, Quantity: d("5")})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Contains(t, err.Error(), "751.5 QUOTE")

	assertBalance(t, f, "buyer", "QUOTE", "501", "0")
	assertBalance(t, f, "buyer", "BASE", "0", "0")
	rest, ok := f.venue.Engine().Order("BASE-QUOTE", "s2")
	require.True(t, ok, "maker liquidity must survive the rejected buy")
	assert.True(t, rest.FilledQuantity.IsZero())
	assertBalance(t, f, "seller", "BASE", "0", "5")
	assert.Empty(t, failed.C())

	// Funded for the new price, the same buy settles
	require.NoError(t, f.venue.Deposit(ctx, "buyer", "QUOTE", d("250.5")))
	res, err = f.venue.PlaceOrder(ctx, OrderRequest{ID: "m2", AccountID: "buyer", Symbol: "BASE-QUOTE", Side: core.Buy, Type: core.Market, Quantity: d("5")})
	require.NoError(t, err)
	assert.Equal(t, matching.DoneFilled, res.Done)
	assertBalance(t, f, "buyer", "QUOTE", "0", "0")
	assertBalance(t, f, "buyer", "BASE", "5", "0")
	assert.Empty(t, failed.C())
}

func TestConcurrentMarketBuysNeverFailSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	failed := f.bus.Subscribe(64, events.Kinds(events.KindTradeFailed))

	const asks, buyers = 20, 12
	require.NoError(t, f.venue.Deposit(ctx, "seller", "BASE", d(fmt.Sprint(asks))))
	for i := range asks {
		_, err := f.venue.PlaceOrder(ctx, limitOrder(fmt.Sprintf("s%d", i), "seller", core.Sell, fmt.Sprint(100+i), "1"))
		require.NoError(t, err)
	}
	// Each buyer can afford the two best asks as they stand before anyone trades
	for i := range buyers {
		require.NoError(t, f.venue.Deposit(ctx, fmt.Sprintf("buyer-%d", i), "QUOTE", d("201.402")))
	}

	var wg sync.WaitGroup
	for i := range buyers {
		wg.Go(func() {
			_, err := f.venue.PlaceOrder(ctx, OrderRequest{
				AccountID: fmt.Sprintf("buyer-%d", i), Symbol: "BASE-QUOTE",
				Side: core.Buy, Type: core.Market, Quantity: d("2"),
			})
			if err != nil {
				assert.ErrorIs(t, err, ErrInsufficientFunds)
			}
		})
	}
	wg.Wait()

	assert.Empty(t, failed.C())
	trades, err := f.venue.Trades().RecentTrades(ctx, "BASE-QUOTE", 0)
	require.NoError(t, err)
	require.NotEmpty(t, trades)
	for _, tr := range trades {
		assert.Equal(t, core.TradeSettled, tr.Status, tr.ID)
	}

	bought := decimal.Zero
	for i := range buyers {
		b := f.balance(t, fmt.Sprintf("buyer-%d", i), "BASE")
		q := f.balance(t, fmt.Sprintf("buyer-%d", i), "QUOTE")
		assert.False(t, q.Available.IsNegative())
		assert.True(t, q.Held.IsZero())
		bought = bought.Add(b.Available)
	}
	snap, err := f.venue.Engine().Snapshot("BASE-QUOTE", 0)
	require.NoError(t, err)
	resting := decimal.Zero
	for _, lvl := range snap.Asks {
		resting = resting.Add(lvl.Quantity)
	}
	seller := f.balance(t, "seller", "BASE")
	assert.True(t, seller.Held.Equal(resting), "seller holds %s for %s resting", seller.Held, resting)
	assert.True(t, bought.Add(resting).Equal(d(fmt.Sprint(asks))), "bought %s resting %s", bought, resting)
}

// Rates are fixed into the hold when a buy rests. A later raise is charged in full,
// with the part the hold does not cover drawn from available funds.
func TestFeeRaiseWhileRestingDrawsFromAvailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.venue.Deposit(ctx, "maker", "QUOTE", d("2000")))
	require.NoError(t, f.venue.Deposit(ctx, "taker", "BASE", d("10")))

	_, err := f.venue.PlaceOrder(ctx, limitOrder("b1", "maker", core.Buy, "100", "10"))
	require.NoError(t, err)
	assertBalance(t, f, "maker", "QUOTE", "998", "1002")

	require.NoError(t, f.venue.Fees().SetOverride(fees.Override{AccountID: "maker", MakerBps: 50, TakerBps: 50}))
	res, err := f.venue.PlaceOrder(ctx, limitOrder("s1", "taker", core.Sell, "100", "10"))
	require.NoError(t, err)
	require.Len(t, res.Executions, 1)

	// 1000 notional + 5 fee: 1002 from the hold, 3 from available
	assertBalance(t, f, "maker", "QUOTE", "995", "0")
	assertBalance(t, f, "maker", "BASE", "10", "0")
	trades, err := f.venue.Trades().RecentTrades(ctx, "BASE-QUOTE", 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, core.TradeSettled, trades[0].Status)
	assert.True(t, trades[0].MakerFee.Equal(d("5")))
}

func TestPlaceOrderValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.venue.PlaceOrder(ctx, OrderRequest{AccountID: "a", Symbol: "BASE-QUOTE", Side: core.Buy, Quantity: d("1")})
	assert.ErrorIs(t, err, ErrInvalidOrder, "limit without price")
	_, err = f.venue.PlaceOrder(ctx, OrderRequest{AccountID: "a", Symbol: "BASE-QUOTE", Side: core.Buy, Price: d("1")})
	assert.ErrorIs(t, err, ErrInvalidOrder, "zero quantity")
	_, err = f.venue.PlaceOrder(ctx, limitOrder("x", "a", core.Buy, "1", "1").withSymbol("NOPE-QUOTE"))
	assert.ErrorIs(t, err, matching.ErrUnknownMarket)
}

func TestDuplicateOrderID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.venue.Deposit(ctx, "a", "BASE", d("10")))

	_, err := f.venue.PlaceOrder(ctx, limitOrder("s1", "a", core.Sell, "100", "1"))
	require.NoError(t, err)
	_, err = f.venue.PlaceOrder(ctx, limitOrder("s1", "a", core.Sell, "100", "1"))
	require.ErrorIs(t, err, matching.ErrDuplicateOrder)
	assertBalance(t, f, "a", "BASE", "9", "1")
}

func (r OrderRequest) withSymbol(s string) OrderRequest {
	r.Symbol = s
	return r
}
