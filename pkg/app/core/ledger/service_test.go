package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T) (*Service, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	return NewService(repo), repo
}

func fund(t *testing.T, s *Service, account, asset, amount string) {
	t.Helper()
	require.NoError(t, s.Deposit(context.Background(), Change{AccountID: account, Asset: asset, Amount: d(amount)}))
}

func requireBalance(t *testing.T, s *Service, account, asset, available, held string) {
	t.Helper()
	b, err := s.Balance(context.Background(), account, asset)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(d(available)), "%s/%s available: want %s got %s", account, asset, available, b.Available)
	assert.True(t, b.Held.Equal(d(held)), "%s/%s held: want %s got %s", account, asset, held, b.Held)
}

func TestHoldAndRelease(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	fund(t, s, "alice", "USD", "1000")

	ok, err := s.CreateHold(ctx, HoldRequest{OrderID: "o1", AccountID: "alice", Asset: "USD", Amount: d("200")})
	require.NoError(t, err)
	require.True(t, ok)
	requireBalance(t, s, "alice", "USD", "800", "200")

	released, err := s.ReleaseHold(ctx, "o1")
	require.NoError(t, err)
	require.True(t, released)
	requireBalance(t, s, "alice", "USD", "1000", "0")

	// Releasing twice is a no-op
	released, err = s.ReleaseHold(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, released)
	requireBalance(t, s, "alice", "USD", "1000", "0")
}

func TestCreateHoldInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	s, repo := newTestService(t)
	fund(t, s, "bob", "USD", "50")

	ok, err := s.CreateHold(ctx, HoldRequest{OrderID: "o1", AccountID: "bob", Asset: "USD", Amount: d("100")})
	require.NoError(t, err)
	assert.False(t, ok)
	requireBalance(t, s, "bob", "USD", "50", "0")

	_, exists, err := repo.Hold(ctx, "o1")
	require.NoError(t, err)
	assert.False(t, exists)

	entries, err := s.Entries(ctx, "bob", "USD", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the deposit should be recorded")
}

func TestCreateHoldRejectsSecondHold(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	fund(t, s, "alice", "USD", "1000")

	ok, err := s.CreateHold(ctx, HoldRequest{OrderID: "o1", AccountID: "alice", Asset: "USD", Amount: d("100")})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.CreateHold(ctx, HoldRequest{OrderID: "o1", AccountID: "alice", Asset: "USD", Amount: d("100")})
	assert.ErrorIs(t, err, ErrHoldExists)
	requireBalance(t, s, "alice", "USD", "900", "100")
}

func TestRecordTradeAppliesFourLegs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	fund(t, s, "maker", "USDT", "5000")
	fund(t, s, "taker", "BTC", "20")

	// Maker buys 10 @ 100 paying a 1.0 fee; taker sells paying 2.0
	err := s.RecordTrade(ctx, TradeSettlement{
		TradeID:         "t1",
		Symbol:          "BTC-USDT",
		BuyerAccountID:  "maker",
		SellerAccountID: "taker",
		Price:           d("100"),
		Quantity:        d("10"),
		BuyerFee:        d("1.0"),
		SellerFee:       d("2.0"),
	})
	require.NoError(t, err)

	requireBalance(t, s, "maker", "USDT", "3999", "0")
	requireBalance(t, s, "maker", "BTC", "10", "0")
	requireBalance(t, s, "taker", "BTC", "10", "0")
	requireBalance(t, s, "taker", "USDT", "998", "0")
}

func TestRecordTradeIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	fund(t, s, "buyer", "USDT", "5000")
	fund(t, s, "seller", "BTC", "1")

	err := s.RecordTrade(ctx, TradeSettlement{
		TradeID: "t1", Symbol: "BTC-USDT",
		BuyerAccountID: "buyer", SellerAccountID: "seller",
		Price: d("100"), Quantity: d("10"),
		BuyerFee: d("1"), SellerFee: d("1"),
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// The buyer legs ran before the seller leg failed and must have been discarded
	requireBalance(t, s, "buyer", "USDT", "5000", "0")
	requireBalance(t, s, "buyer", "BTC", "0", "0")
	requireBalance(t, s, "seller", "BTC", "1", "0")
	requireBalance(t, s, "seller", "USDT", "0", "0")

	entries, err := s.Entries(ctx, "buyer", "USDT", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordTradeDrawsFromHolds(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	fund(t, s, "buyer", "USDT", "2000")
	fund(t, s, "seller", "BTC", "5")

	ok, err := s.CreateHold(ctx, HoldRequest{OrderID: "buy-1", AccountID: "buyer", Asset: "USDT", Amount: d("1020")})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.CreateHold(ctx, HoldRequest{OrderID: "sell-1", AccountID: "seller", Asset: "BTC", Amount: d("10")})
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.CreateHold(ctx, HoldRequest{OrderID: "sell-1", AccountID: "seller", Asset: "BTC", Amount: d("4")})
	require.NoError(t, err)
	require.True(t, ok)

	err = s.RecordTrade(ctx, TradeSettlement{
		TradeID: "t1", Symbol: "BTC-USDT",
		BuyerAccountID: "buyer", SellerAccountID: "seller",
		BuyOrderID: "buy-1", SellOrderID: "sell-1",
		Price: d("100"), Quantity: d("5"),
		BuyerFee: d("1"), SellerFee: d("2"),
	})
	require.NoError(t, err)

	// Buyer paid 501 from the 1020 hold
	requireBalance(t, s, "buyer", "USDT", "980", "519")
	h, ok, err := s.Hold(ctx, "buy-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, h.Amount.Equal(d("519")))

	// Seller delivered 5: 4 from the hold, 1 from available
	requireBalance(t, s, "seller", "BTC", "0", "0")
	_, ok, err = s.Hold(ctx, "sell-1")
	require.NoError(t, err)
	assert.False(t, ok)
	requireBalance(t, s, "seller", "USDT", "498", "0")
}

func TestRecordTradeValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	base := TradeSettlement{
		TradeID: "t", Symbol: "BTC-USDT", BuyerAccountID: "a", SellerAccountID: "b",
		Price: d("1"), Quantity: d("1"),
	}
	tests := []struct {
		name   string
		mutate func(*TradeSettlement)
		want   error
	}{
		{name: "bad symbol", mutate: func(ts *TradeSettlement) { ts.Symbol = "BTCUSDT" }, want: ErrInvalidSymbol},
		{name: "three parts", mutate: func(ts *TradeSettlement) { ts.Symbol = "A-B-C" }, want: ErrInvalidSymbol},
		{name: "zero quantity", mutate: func(ts *TradeSettlement) { ts.Quantity = decimal.Zero }, want: ErrInvalidAmount},
		{name: "negative fee", mutate: func(ts *TradeSettlement) { ts.BuyerFee = d("-1") }, want: ErrInvalidAmount},
		{name: "fee above value", mutate: func(ts *TradeSettlement) { ts.SellerFee = d("2") }, want: ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := base
			tt.mutate(&ts)
			assert.ErrorIs(t, s.RecordTrade(ctx, ts), tt.want)
		})
	}
}

func TestConsumeHold(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	fund(t, s, "alice", "USD", "1000")

	ok, err := s.CreateHold(ctx, HoldRequest{OrderID: "o1", AccountID: "alice", Asset: "USD", Amount: d("300")})
	require.NoError(t, err)
	require.True(t, ok)

	consumed, err := s.ConsumeHold(ctx, "o1", d("100"))
	require.NoError(t, err)
	require.True(t, consumed)
	requireBalance(t, s, "alice", "USD", "700", "200")

	_, err = s.ConsumeHold(ctx, "o1", d("500"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	requireBalance(t, s, "alice", "USD", "700", "200")

	consumed, err = s.ConsumeHold(ctx, "o1", decimal.Zero)
	require.NoError(t, err)
	require.True(t, consumed)
	requireBalance(t, s, "alice", "USD", "700", "0")

	consumed, err = s.ConsumeHold(ctx, "o1", decimal.Zero)
	require.NoError(t, err)
	assert.False(t, consumed)
}

func TestCreditDebitValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	assert.ErrorIs(t, s.Credit(ctx, Change{AccountID: "a", Asset: "USD", Amount: d("0")}), ErrInvalidAmount)
	assert.ErrorIs(t, s.Credit(ctx, Change{AccountID: "a", Asset: "USD", Amount: d("-5")}), ErrInvalidAmount)
	assert.ErrorIs(t, s.Debit(ctx, Change{AccountID: "a", Asset: "USD", Amount: d("1")}), ErrInsufficientBalance)

	require.NoError(t, s.Credit(ctx, Change{AccountID: "a", Asset: "USD", Amount: d("10")}))
	require.NoError(t, s.Debit(ctx, Change{AccountID: "a", Asset: "USD", Amount: d("10")}))
	requireBalance(t, s, "a", "USD", "0", "0")

	require.NoError(t, s.Deposit(ctx, Change{AccountID: "a", Asset: "USD", Amount: d("5")}))
	assert.ErrorIs(t, s.Withdraw(ctx, Change{AccountID: "a", Asset: "USD", Amount: d("6")}), ErrInsufficientBalance)
	require.NoError(t, s.Withdraw(ctx, Change{AccountID: "a", Asset: "USD", Amount: d("5")}))

	entries, err := s.Entries(ctx, "a", "USD", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryWithdrawal, entries[0].Type)
	assert.Equal(t, EntryDeposit, entries[1].Type)
	assert.Equal(t, RefTransfer, entries[0].ReferenceType)
}

// Every entry's resulting balance matches the running sum of the entries before it
func TestEntriesExplainBalance(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	fund(t, s, "alice", "USD", "1000")
	_, err := s.CreateHold(ctx, HoldRequest{OrderID: "o1", AccountID: "alice", Asset: "USD", Amount: d("400")})
	require.NoError(t, err)
	_, err = s.ConsumeHold(ctx, "o1", d("150"))
	require.NoError(t, err)
	_, err = s.ReleaseHold(ctx, "o1")
	require.NoError(t, err)
	require.NoError(t, s.Debit(ctx, Change{AccountID: "alice", Asset: "USD", Amount: d("50")}))

	entries, err := s.Entries(ctx, "alice", "USD", 0)
	require.NoError(t, err)

	avail, held := decimal.Zero, decimal.Zero
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch e.Type {
		case EntryDeposit, EntryCredit, EntryTradeCredit:
			avail = avail.Add(e.Amount)
		case EntryDebit, EntryWithdrawal, EntryTradeDebit:
			avail = avail.Sub(e.Amount)
		case EntryHold:
			avail, held = avail.Sub(e.Amount), held.Add(e.Amount)
		case EntryRelease:
			avail, held = avail.Add(e.Amount), held.Sub(e.Amount)
		case EntryConsume:
			held = held.Sub(e.Amount)
		}
		assert.True(t, avail.Equal(e.Available), "entry %d available", i)
		assert.True(t, held.Equal(e.Held), "entry %d held", i)
	}
	requireBalance(t, s, "alice", "USD", avail.String(), held.String())
}

// Concurrent trades between the same accounts never lose an update and conserve totals
func TestConcurrentSettlementConservesTotals(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	accounts := []string{"a", "b", "c", "d"}
	for _, acc := range accounts {
		fund(t, s, acc, "USDT", "100000")
		fund(t, s, acc, "BTC", "1000")
	}

	const rounds = 50
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		for j := range accounts {
			wg.Add(1)
			go func(i, j int) {
				defer wg.Done()
				buyer := accounts[j]
				seller := accounts[(j+1)%len(accounts)]
				err := s.RecordTrade(ctx, TradeSettlement{
					TradeID: fmt.Sprintf("t-%d-%d", i, j), Symbol: "BTC-USDT",
					BuyerAccountID: buyer, SellerAccountID: seller,
					Price: d("10"), Quantity: d("1"),
					BuyerFee: d("0.1"), SellerFee: d("0.2"),
				})
				assert.NoError(t, err)
			}(i, j)
		}
	}
	wg.Wait()

	totalQuote, totalBase := decimal.Zero, decimal.Zero
	for _, acc := range accounts {
		q, err := s.Balance(ctx, acc, "USDT")
		require.NoError(t, err)
		b, err := s.Balance(ctx, acc, "BTC")
		require.NoError(t, err)
		totalQuote = totalQuote.Add(q.Total())
		totalBase = totalBase.Add(b.Total())
	}
	trades := decimal.NewFromInt(int64(rounds * len(accounts)))
	assert.True(t, totalBase.Equal(d("4000")))
	assert.True(t, totalQuote.Equal(d("400000").Sub(trades.Mul(d("0.3")))), "quote total %s", totalQuote)
}

func TestConcurrentHoldsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	fund(t, s, "alice", "USD", "1000")

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.CreateHold(ctx, HoldRequest{OrderID: fmt.Sprintf("o%d", i), AccountID: "alice", Asset: "USD", Amount: d("100")})
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
	requireBalance(t, s, "alice", "USD", "0", "1000")
}
