package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryRepository keeps ledger state in maps. Per-key serialization comes from a
// KeyedLocker; mu only guards the maps while a write set is applied or read.
type MemoryRepository struct {
	locker *KeyedLocker

	mu       sync.RWMutex
	balances map[BalanceKey]Balance
	holds    map[string]Hold
	entries  map[BalanceKey][]Entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		locker:   NewKeyedLocker(),
		balances: make(map[BalanceKey]Balance),
		holds:    make(map[string]Hold),
		entries:  make(map[BalanceKey][]Entry),
	}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) Atomically(ctx context.Context, keys []BalanceKey, fn func(tx Tx) error) error {
	unlock := r.locker.Lock(keys)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := NewStagedTx(memoryReader{r}, keys)
	if err := fn(tx); err != nil {
		return err
	}
	return r.commit(tx)
}

func (r *MemoryRepository) commit(tx *StagedTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range tx.CreatedHolds() {
		if _, exists := r.holds[id]; exists {
			return fmt.Errorf("%w: %s", ErrHoldExists, id)
		}
	}

	for _, b := range tx.StagedBalances() {
		r.balances[b.Key()] = b
	}
	puts, deletes := tx.StagedHolds()
	for _, h := range puts {
		r.holds[h.OrderID] = h
	}
	for _, id := range deletes {
		delete(r.holds, id)
	}
	for _, e := range tx.StagedEntries() {
		r.entries[e.Key()] = append(r.entries[e.Key()], e)
	}
	return nil
}

type memoryReader struct{ r *MemoryRepository }

func (m memoryReader) LoadBalance(key BalanceKey) (Balance, bool, error) {
	m.r.mu.RLock()
	defer m.r.mu.RUnlock()
	b, ok := m.r.balances[key]
	return b, ok, nil
}

func (m memoryReader) LoadHold(orderID string) (Hold, bool, error) {
	m.r.mu.RLock()
	defer m.r.mu.RUnlock()
	h, ok := m.r.holds[orderID]
	return h, ok, nil
}

func (r *MemoryRepository) Balance(_ context.Context, key BalanceKey) (Balance, error) {
	b, ok, _ := memoryReader{r}.LoadBalance(key)
	if !ok {
		return Balance{AccountID: key.AccountID, Asset: key.Asset}, nil
	}
	return b, nil
}

func (r *MemoryRepository) Balances(_ context.Context, accountID string) ([]Balance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Balance
	for k, b := range r.balances {
		if k.AccountID == accountID {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b Balance) int { return compareKeys(a.Key(), b.Key()) })
	return out, nil
}

func (r *MemoryRepository) Hold(_ context.Context, orderID string) (Hold, bool, error) {
	return memoryReader{r}.LoadHold(orderID)
}

func (r *MemoryRepository) Entries(_ context.Context, key BalanceKey, limit int) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.entries[key]
	out := make([]Entry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}
