package trade

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/clearcore/pkg/app/core"
	"github.com/uhyunpark/clearcore/pkg/app/core/fees"
)

// Store is the durable home of trades. SaveTrades must be idempotent per trade id
// because a failed batch is written again on the next flush.
type Store interface {
	SaveTrades(ctx context.Context, trades []core.Trade) error
	// RecentTrades returns the newest trades of a symbol first.
	RecentTrades(ctx context.Context, symbol string, limit int) ([]core.Trade, error)
}

// MemoryStore keeps trades in process; it also serves fee volume history.
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string]core.Trade
	order  map[string][]string // symbol -> trade ids in insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]core.Trade),
		order:  make(map[string][]string),
	}
}

var (
	_ Store             = (*MemoryStore)(nil)
	_ fees.VolumeSource = (*MemoryStore)(nil)
)

func (s *MemoryStore) SaveTrades(_ context.Context, trades []core.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range trades {
		if _, exists := s.trades[t.ID]; !exists {
			s.order[t.Symbol] = append(s.order[t.Symbol], t.ID)
		}
		s.trades[t.ID] = t
	}
	return nil
}

func (s *MemoryStore) RecentTrades(_ context.Context, symbol string, limit int) ([]core.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.order[symbol]
	out := make([]core.Trade, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.trades[ids[i]])
	}
	return out, nil
}

// DailyVolumes credits each trade's value to both counterparties, once for a self-trade.
func (s *MemoryStore) DailyVolumes(_ context.Context, since time.Time) ([]fees.DailyVolume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return AggregateDailyVolumes(func(yield func(core.Trade) bool) {
		for _, t := range s.trades {
			if t.CreatedAt.Before(since) {
				continue
			}
			if !yield(t) {
				return
			}
		}
	}), nil
}

// AggregateDailyVolumes folds trades into per-account, per-UTC-day traded value.
// Failed trades never moved funds and are skipped.
func AggregateDailyVolumes(trades func(yield func(core.Trade) bool)) []fees.DailyVolume {
	type key struct {
		account string
		day     time.Time
	}
	totals := make(map[key]decimal.Decimal)
	for t := range trades {
		if t.Status == core.TradeFailed {
			continue
		}
		day := t.CreatedAt.UTC().Truncate(24 * time.Hour)
		v := t.Value()
		accounts := []string{t.MakerAccountID}
		if t.TakerAccountID != t.MakerAccountID {
			accounts = append(accounts, t.TakerAccountID)
		}
		for _, acc := range accounts {
			k := key{account: acc, day: day}
			totals[k] = totals[k].Add(v)
		}
	}
	out := make([]fees.DailyVolume, 0, len(totals))
	for k, v := range totals {
		out = append(out, fees.DailyVolume{AccountID: k.account, Day: k.day, Volume: v})
	}
	slices.SortFunc(out, func(a, b fees.DailyVolume) int {
		if c := a.Day.Compare(b.Day); c != 0 {
			return c
		}
		if a.AccountID < b.AccountID {
			return -1
		}
		if a.AccountID > b.AccountID {
			return 1
		}
		return 0
	})
	return out
}
