package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/clearcore/pkg/app/core"
	"github.com/uhyunpark/clearcore/pkg/app/core/fees"
	"github.com/uhyunpark/clearcore/pkg/app/core/ledger"
	"github.com/uhyunpark/clearcore/pkg/app/core/trade"
)

// PebbleStore persists ledger state and trades in one Pebble database.
//
// Ledger writes take the per-key locks of a KeyedLocker and commit their staged
// write set as one synced batch.
type PebbleStore struct {
	db     *pebble.DB
	locker *ledger.KeyedLocker

	// commitMu orders batch commits so a hold created by two racing transactions
	// is detected before either batch lands.
	commitMu sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, locker: ledger.NewKeyedLocker()}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

var (
	_ ledger.Repository = (*PebbleStore)(nil)
	_ trade.Store       = (*PebbleStore)(nil)
	_ fees.VolumeSource = (*PebbleStore)(nil)
)

// ============================================================================
// Ledger
// ============================================================================

func (s *PebbleStore) Atomically(ctx context.Context, keys []ledger.BalanceKey, fn func(tx ledger.Tx) error) error {
	unlock := s.locker.Lock(keys)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := ledger.NewStagedTx(pebbleReader{s.db}, keys)
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *PebbleStore) commit(tx *ledger.StagedTx) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	for _, id := range tx.CreatedHolds() {
		var h ledger.Hold
		exists, err := get(s.db, holdKey(id), &h)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ledger.ErrHoldExists, id)
		}
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, b := range tx.StagedBalances() {
		if err := setJSON(batch, balanceKey(b.Key()), b); err != nil {
			return err
		}
	}
	puts, deletes := tx.StagedHolds()
	for _, h := range puts {
		if err := setJSON(batch, holdKey(h.OrderID), h); err != nil {
			return err
		}
	}
	for _, id := range deletes {
		if err := batch.Delete(holdKey(id), nil); err != nil {
			return err
		}
	}
	for _, e := range tx.StagedEntries() {
		if err := setJSON(batch, entryKey(e), e); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit ledger batch: %w", err)
	}
	return nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return b.Set(key, data, nil)
}

type pebbleReader struct{ r pebble.Reader }

func (p pebbleReader) LoadBalance(key ledger.BalanceKey) (ledger.Balance, bool, error) {
	var b ledger.Balance
	ok, err := get(p.r, balanceKey(key), &b)
	return b, ok, err
}

func (p pebbleReader) LoadHold(orderID string) (ledger.Hold, bool, error) {
	var h ledger.Hold
	ok, err := get(p.r, holdKey(orderID), &h)
	return h, ok, err
}

func (s *PebbleStore) Balance(_ context.Context, key ledger.BalanceKey) (ledger.Balance, error) {
	b, ok, err := pebbleReader{s.db}.LoadBalance(key)
	if err != nil {
		return ledger.Balance{}, err
	}
	if !ok {
		return ledger.Balance{AccountID: key.AccountID, Asset: key.Asset}, nil
	}
	return b, nil
}

func (s *PebbleStore) Balances(_ context.Context, accountID string) ([]ledger.Balance, error) {
	var out []ledger.Balance
	err := scan(s.db, balancePrefix(accountID), false, func(b ledger.Balance) bool {
		// An account id that extends this one shares the prefix
		if b.AccountID == accountID {
			out = append(out, b)
		}
		return true
	})
	return out, err
}

func (s *PebbleStore) Hold(_ context.Context, orderID string) (ledger.Hold, bool, error) {
	return pebbleReader{s.db}.LoadHold(orderID)
}

func (s *PebbleStore) Entries(_ context.Context, key ledger.BalanceKey, limit int) ([]ledger.Entry, error) {
	var out []ledger.Entry
	err := scan(s.db, entryPrefix(key), true, func(e ledger.Entry) bool {
		if e.AccountID == key.AccountID && e.Asset == key.Asset {
			out = append(out, e)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

// ============================================================================
// Trades
// ============================================================================

// SaveTrades writes a batch of trades. A trade's key depends only on its symbol,
// creation time and id, so saving it again overwrites it in place.
func (s *PebbleStore) SaveTrades(_ context.Context, trades []core.Trade) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, t := range trades {
		if err := setJSON(batch, tradeKey(t.Symbol, t.CreatedAt.UnixNano(), t.ID), t); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit trade batch: %w", err)
	}
	return nil
}

// RecentTrades loads the most recent trades for a symbol, newest first
func (s *PebbleStore) RecentTrades(_ context.Context, symbol string, limit int) ([]core.Trade, error) {
	var out []core.Trade
	err := scan(s.db, tradePrefix(symbol), true, func(t core.Trade) bool {
		if t.Symbol == symbol {
			out = append(out, t)
		}
		return limit <= 0 || len(out) < limit
	})
	return out, err
}

func (s *PebbleStore) DailyVolumes(_ context.Context, since time.Time) ([]fees.DailyVolume, error) {
	var scanErr error
	vols := trade.AggregateDailyVolumes(func(yield func(core.Trade) bool) {
		scanErr = scan(s.db, []byte(prefixTrade), false, func(t core.Trade) bool {
			if t.CreatedAt.Before(since) {
				return true
			}
			return yield(t)
		})
	})
	if scanErr != nil {
		return nil, scanErr
	}
	return vols, nil
}
