package ledger

import "context"

// Repository stores balances, holds and entries.
//
// Atomically is the only write path: it gives fn exclusive access to the listed keys,
// and the writes fn stages through tx become visible together when fn returns nil.
// Any error discards every staged write.
type Repository interface {
	Atomically(ctx context.Context, keys []BalanceKey, fn func(tx Tx) error) error

	Balance(ctx context.Context, key BalanceKey) (Balance, error)
	Balances(ctx context.Context, accountID string) ([]Balance, error)
	Hold(ctx context.Context, orderID string) (Hold, bool, error)
	// Entries returns the newest entries of a balance first; limit <= 0 means all.
	Entries(ctx context.Context, key BalanceKey, limit int) ([]Entry, error)
}

// Tx is the view of a repository inside Atomically. Missing balances read as zero.
// Balance and PutBalance fail with ErrKeyNotLocked for keys outside the locked set.
type Tx interface {
	Balance(key BalanceKey) (Balance, error)
	PutBalance(b Balance) error
	Hold(orderID string) (Hold, bool, error)
	PutHold(h Hold) error
	DeleteHold(orderID string) error
	AppendEntry(e Entry) error
}
