package ledger

import "sync"

// KeyedLocker hands out one exclusive lock per balance key.
// Lock acquires keys in SortKeys order so overlapping multi-key callers cannot deadlock.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[BalanceKey]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[BalanceKey]*refLock)}
}

// Lock blocks until every key is held and returns the function that releases them.
func (l *KeyedLocker) Lock(keys []BalanceKey) (unlock func()) {
	sorted := SortKeys(keys)
	held := make([]*refLock, 0, len(sorted))
	for _, k := range sorted {
		rl := l.acquire(k)
		rl.mu.Lock()
		held = append(held, rl)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.release(sorted[i])
		}
	}
}

func (l *KeyedLocker) acquire(k BalanceKey) *refLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl, ok := l.locks[k]
	if !ok {
		rl = &refLock{}
		l.locks[k] = rl
	}
	rl.refs++
	return rl
}

func (l *KeyedLocker) release(k BalanceKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rl := l.locks[k]
	rl.refs--
	if rl.refs == 0 {
		delete(l.locks, k)
	}
}

// size is the number of keys currently tracked.
func (l *KeyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
