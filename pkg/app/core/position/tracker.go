package position

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/clearcore/pkg/app/core"
)

// Position is an account's net exposure on one symbol.
type Position struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`

	// Net size (+ve = long, -ve = short, in base units)
	Size decimal.Decimal `json:"size"`

	// Volume-weighted average entry price
	// Updated on each fill: newEntry = (oldEntry × |oldSize| + fillPrice × fillSize) / |newSize|
	EntryPrice decimal.Decimal `json:"entry_price"`

	Fills     int64           `json:"fills"`
	Volume    decimal.Decimal `json:"volume"` // cumulative quote value traded
	FeesPaid  decimal.Decimal `json:"fees_paid"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type key struct {
	account string
	symbol  string
}

// Tracker keeps positions in memory from fill notifications.
type Tracker struct {
	mu        sync.RWMutex
	positions map[key]*Position
}

func NewTracker() *Tracker {
	return &Tracker{positions: make(map[key]*Position)}
}

// OnFill applies one fill to the account's position.
func (t *Tracker) OnFill(_ context.Context, f core.Fill) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{account: f.AccountID, symbol: f.Symbol}
	pos, ok := t.positions[k]
	if !ok {
		pos = &Position{AccountID: f.AccountID, Symbol: f.Symbol}
		t.positions[k] = pos
	}

	delta := f.Quantity
	if f.Side == core.Sell {
		delta = delta.Neg()
	}
	oldSize := pos.Size
	newSize := oldSize.Add(delta)

	switch {
	case newSize.IsZero():
		// Position closed
		pos.EntryPrice = decimal.Zero
	case oldSize.IsZero() || oldSize.Sign() == newSize.Sign() && oldSize.Sign() == delta.Sign():
		// Opening or adding in the same direction: update VWAP
		if oldSize.IsZero() {
			pos.EntryPrice = f.Price
		} else {
			pos.EntryPrice = pos.EntryPrice.Mul(oldSize.Abs()).
				Add(f.Price.Mul(delta.Abs())).
				Div(newSize.Abs())
		}
	case oldSize.Sign() != newSize.Sign():
		// Position flipped: new entry price is fill price
		pos.EntryPrice = f.Price
	default:
		// Position reduced but not flipped; entry price unchanged
	}

	pos.Size = newSize
	pos.Fills++
	pos.Volume = pos.Volume.Add(f.Price.Mul(f.Quantity))
	pos.FeesPaid = pos.FeesPaid.Add(f.Fee)
	pos.UpdatedAt = f.Timestamp
	return nil
}

// Get returns a copy of the position, zero-valued when the account never traded the symbol.
func (t *Tracker) Get(accountID, symbol string) Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if pos, ok := t.positions[key{account: accountID, symbol: symbol}]; ok {
		return *pos
	}
	return Position{AccountID: accountID, Symbol: symbol}
}

// List returns the account's positions sorted by symbol.
func (t *Tracker) List(accountID string) []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Position
	for k, pos := range t.positions {
		if k.account == accountID {
			out = append(out, *pos)
		}
	}
	slices.SortFunc(out, func(a, b Position) int { return cmp.Compare(a.Symbol, b.Symbol) })
	return out
}
