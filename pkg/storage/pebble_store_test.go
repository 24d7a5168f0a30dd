package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/clearcore/pkg/app/core"
	"github.com/uhyunpark/clearcore/pkg/app/core/ledger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func openStore(t *testing.T, path string) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(path)
	require.NoError(t, err)
	return s
}

func TestPebbleLedgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "db")

	s := openStore(t, path)
	svc := ledger.NewService(s)
	require.NoError(t, svc.Deposit(ctx, ledger.Change{AccountID: "alice", Asset: "USD", Amount: d("1000")}))
	ok, err := svc.CreateHold(ctx, ledger.HoldRequest{OrderID: "o1", AccountID: "alice", Asset: "USD", Amount: d("200")})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close())

	s = openStore(t, path)
	defer s.Close()
	svc = ledger.NewService(s)

	b, err := svc.Balance(ctx, "alice", "USD")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d("800")))
	assert.True(t, b.Held.Equal(d("200")))

	released, err := svc.ReleaseHold(ctx, "o1")
	require.NoError(t, err)
	require.True(t, released)
	b, err = svc.Balance(ctx, "alice", "USD")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d("1000")))
	assert.True(t, b.Held.IsZero())

	entries, err := svc.Entries(ctx, "alice", "USD", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.EntryRelease, entries[0].Type)
	assert.Equal(t, ledger.EntryDeposit, entries[2].Type)

	entries, err = svc.Entries(ctx, "alice", "USD", 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPebbleRecordTradeAtomic(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "db"))
	defer s.Close()
	svc := ledger.NewService(s)

	require.NoError(t, svc.Deposit(ctx, ledger.Change{AccountID: "buyer", Asset: "USDT", Amount: d("5000")}))
	require.NoError(t, svc.Deposit(ctx, ledger.Change{AccountID: "seller", Asset: "BTC", Amount: d("1")}))

	settlement := ledger.TradeSettlement{
		TradeID: "t1", Symbol: "BTC-USDT", BuyerAccountID: "buyer", SellerAccountID: "seller",
		Price: d("100"), Quantity: d("10"), BuyerFee: d("1"), SellerFee: d("2"),
	}
	require.ErrorIs(t, svc.RecordTrade(ctx, settlement), ledger.ErrInsufficientBalance)

	b, err := svc.Balance(ctx, "buyer", "USDT")
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d("5000")), "failed settlement must not leak a leg")

	require.NoError(t, svc.Deposit(ctx, ledger.Change{AccountID: "seller", Asset: "BTC", Amount: d("9")}))
	require.NoError(t, svc.RecordTrade(ctx, settlement))

	balances, err := svc.Balances(ctx, "buyer")
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "BTC", balances[0].Asset)
	assert.True(t, balances[0].Available.Equal(d("10")))
	assert.True(t, balances[1].Available.Equal(d("3999")))

	seller, err := svc.Balance(ctx, "seller", "USDT")
	require.NoError(t, err)
	assert.True(t, seller.Available.Equal(d("998")))
}

func TestPebbleSecondHoldRejected(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "db"))
	defer s.Close()
	svc := ledger.NewService(s)
	require.NoError(t, svc.Deposit(ctx, ledger.Change{AccountID: "a", Asset: "USD", Amount: d("100")}))
	require.NoError(t, svc.Deposit(ctx, ledger.Change{AccountID: "b", Asset: "USD", Amount: d("100")}))

	// Same order id from two accounts locks different keys; the commit still sees it
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, acc := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, acc string) {
			defer wg.Done()
			_, results[i] = svc.CreateHold(ctx, ledger.HoldRequest{OrderID: "dup", AccountID: acc, Asset: "USD", Amount: d("10")})
		}(i, acc)
	}
	wg.Wait()

	failures := 0
	for _, err := range results {
		if err != nil {
			assert.ErrorIs(t, err, ledger.ErrHoldExists)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestPebbleConcurrentHolds(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "db"))
	defer s.Close()
	svc := ledger.NewService(s)
	require.NoError(t, svc.Deposit(ctx, ledger.Change{AccountID: "alice", Asset: "USD", Amount: d("100")}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := svc.CreateHold(ctx, ledger.HoldRequest{OrderID: fmt.Sprintf("o%d", i), AccountID: "alice", Asset: "USD", Amount: d("10")})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, granted)
}

func TestPebbleTrades(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, filepath.Join(t.TempDir(), "db"))
	defer s.Close()

	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	var trades []core.Trade
	for i := 0; i < 5; i++ {
		trades = append(trades, core.Trade{
			ID: fmt.Sprintf("t%d", i), Symbol: "BTC-USDT",
			MakerAccountID: "m", TakerAccountID: "t", MakerSide: core.Sell,
			Price: d("10"), Quantity: d("1"), Status: core.TradeSettled,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	trades = append(trades, core.Trade{
		ID: "e1", Symbol: "ETH-USDT", MakerAccountID: "m", TakerAccountID: "x", MakerSide: core.Buy,
		Price: d("2"), Quantity: d("3"), Status: core.TradeSettled, CreatedAt: base.Add(48 * time.Hour),
	})
	require.NoError(t, s.SaveTrades(ctx, trades))

	// Re-saving with a new status overwrites in place
	updated := trades[4]
	updated.Status = core.TradeFailed
	require.NoError(t, s.SaveTrades(ctx, []core.Trade{updated}))

	recent, err := s.RecentTrades(ctx, "BTC-USDT", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "t4", recent[0].ID)
	assert.Equal(t, core.TradeFailed, recent[0].Status)
	assert.Equal(t, "t3", recent[1].ID)
	assert.Equal(t, core.Sell, recent[1].MakerSide)

	// A trade without a maker side could never be read back
	err = s.SaveTrades(ctx, []core.Trade{{ID: "bad", Symbol: "BTC-USDT", Price: d("1"), Quantity: d("1"), CreatedAt: base}})
	require.Error(t, err)

	all, err := s.RecentTrades(ctx, "BTC-USDT", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	vols, err := s.DailyVolumes(ctx, base)
	require.NoError(t, err)
	require.Len(t, vols, 4)
	// Day one: four settled trades of value 10 each for both counterparties
	assert.Equal(t, "m", vols[0].AccountID)
	assert.True(t, vols[0].Volume.Equal(d("40")))
	assert.Equal(t, "t", vols[1].AccountID)
	assert.True(t, vols[2].Volume.Equal(d("6")))
}
