package ledger

import (
	"cmp"
	"slices"

	"github.com/shopspring/decimal"
)

// Reader is the committed state a StagedTx falls back to for keys it has not written.
type Reader interface {
	LoadBalance(key BalanceKey) (Balance, bool, error)
	LoadHold(orderID string) (Hold, bool, error)
}

// StagedTx buffers the writes of one Atomically call. Repositories that commit by
// applying a write set (memory maps, pebble batches) build on it.
type StagedTx struct {
	reader   Reader
	locked   map[BalanceKey]struct{}
	balances map[BalanceKey]Balance
	holds    map[string]*Hold // nil marks a deletion
	created  map[string]struct{}
	entries  []Entry
}

func NewStagedTx(r Reader, keys []BalanceKey) *StagedTx {
	locked := make(map[BalanceKey]struct{}, len(keys))
	for _, k := range keys {
		locked[k] = struct{}{}
	}
	return &StagedTx{
		reader:   r,
		locked:   locked,
		balances: make(map[BalanceKey]Balance),
		holds:    make(map[string]*Hold),
		created:  make(map[string]struct{}),
	}
}

var _ Tx = (*StagedTx)(nil)

func (tx *StagedTx) Balance(key BalanceKey) (Balance, error) {
	if _, ok := tx.locked[key]; !ok {
		return Balance{}, ErrKeyNotLocked
	}
	if b, ok := tx.balances[key]; ok {
		return b, nil
	}
	b, ok, err := tx.reader.LoadBalance(key)
	if err != nil {
		return Balance{}, err
	}
	if !ok {
		return Balance{AccountID: key.AccountID, Asset: key.Asset, Available: decimal.Zero, Held: decimal.Zero}, nil
	}
	return b, nil
}

func (tx *StagedTx) PutBalance(b Balance) error {
	if _, ok := tx.locked[b.Key()]; !ok {
		return ErrKeyNotLocked
	}
	if err := b.Validate(); err != nil {
		return err
	}
	tx.balances[b.Key()] = b
	return nil
}

func (tx *StagedTx) Hold(orderID string) (Hold, bool, error) {
	if h, ok := tx.holds[orderID]; ok {
		if h == nil {
			return Hold{}, false, nil
		}
		return *h, true, nil
	}
	return tx.reader.LoadHold(orderID)
}

func (tx *StagedTx) PutHold(h Hold) error {
	if _, ok := tx.locked[h.Key()]; !ok {
		return ErrKeyNotLocked
	}
	if _, exists, err := tx.Hold(h.OrderID); err != nil {
		return err
	} else if !exists {
		tx.created[h.OrderID] = struct{}{}
	}
	tx.holds[h.OrderID] = &h
	return nil
}

func (tx *StagedTx) DeleteHold(orderID string) error {
	tx.holds[orderID] = nil
	delete(tx.created, orderID)
	return nil
}

func (tx *StagedTx) AppendEntry(e Entry) error {
	tx.entries = append(tx.entries, e)
	return nil
}

// StagedBalances returns the written balances in lock order.
func (tx *StagedTx) StagedBalances() []Balance {
	out := make([]Balance, 0, len(tx.balances))
	for _, b := range tx.balances {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b Balance) int { return compareKeys(a.Key(), b.Key()) })
	return out
}

// StagedHolds splits hold writes into upserts and deletions.
func (tx *StagedTx) StagedHolds() (puts []Hold, deletes []string) {
	for id, h := range tx.holds {
		if h == nil {
			deletes = append(deletes, id)
			continue
		}
		puts = append(puts, *h)
	}
	slices.SortFunc(puts, func(a, b Hold) int { return cmp.Compare(a.OrderID, b.OrderID) })
	slices.Sort(deletes)
	return puts, deletes
}

// CreatedHolds lists order ids whose hold did not exist when the transaction read it.
// Committers use it to reject a concurrent second hold for the same order.
func (tx *StagedTx) CreatedHolds() []string {
	out := make([]string, 0, len(tx.created))
	for id := range tx.created {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (tx *StagedTx) StagedEntries() []Entry { return tx.entries }
