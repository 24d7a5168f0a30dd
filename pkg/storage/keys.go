package storage

import (
	"fmt"

	"github.com/uhyunpark/clearcore/pkg/app/core/ledger"
)

// Key schema for Pebble storage
//
//   bal:<account>:<asset>          → Balance
//   hold:<orderID>                 → Hold
//   ent:<account>:<asset>:<entry>  → Entry (entry ids are UUIDv7, so keys sort by time)
//   trade:<symbol>:<unixnano>:<id> → Trade

const (
	prefixBalance = "bal:"
	prefixHold    = "hold:"
	prefixEntry   = "ent:"
	prefixTrade   = "trade:"
)

func balanceKey(k ledger.BalanceKey) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, k.AccountID, k.Asset))
}

// balancePrefix returns the prefix for all balances of an account
func balancePrefix(accountID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixBalance, accountID))
}

func holdKey(orderID string) []byte {
	return []byte(prefixHold + orderID)
}

func entryKey(e ledger.Entry) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixEntry, e.AccountID, e.Asset, e.ID))
}

func entryPrefix(k ledger.BalanceKey) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:", prefixEntry, k.AccountID, k.Asset))
}

// tradeKey returns the key for a trade
// Timestamp is zero-padded (20 digits) for lexicographic sorting
func tradeKey(symbol string, timestamp int64, tradeID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", prefixTrade, symbol, timestamp, tradeID))
}

func tradePrefix(symbol string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, symbol))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
