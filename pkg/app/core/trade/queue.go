package trade

import (
	"slices"
	"sync"

	"github.com/uhyunpark/clearcore/pkg/app/core"
)

// persistQueue buffers trades between settlement and the store.
// push never blocks; it pokes ready once a full batch is waiting.
type persistQueue struct {
	mu        sync.Mutex
	items     []core.Trade
	batchSize int
	ready     chan struct{}
}

func newPersistQueue(batchSize int) *persistQueue {
	return &persistQueue{batchSize: batchSize, ready: make(chan struct{}, 1)}
}

func (q *persistQueue) push(t core.Trade) int {
	q.mu.Lock()
	q.items = append(q.items, t)
	n := len(q.items)
	q.mu.Unlock()

	if n >= q.batchSize {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return n
}

// take removes up to batchSize trades from the front.
func (q *persistQueue) take() []core.Trade {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(len(q.items), q.batchSize)
	if n == 0 {
		return nil
	}
	batch := slices.Clone(q.items[:n])
	q.items = slices.Delete(q.items, 0, n)
	return batch
}

// requeue puts a failed batch back ahead of anything enqueued since it was taken.
func (q *persistQueue) requeue(batch []core.Trade) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(slices.Clone(batch), q.items...)
}

func (q *persistQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// snapshot copies the queued trades of one symbol in queue order.
func (q *persistQueue) snapshot(symbol string) []core.Trade {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []core.Trade
	for _, t := range q.items {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	return out
}
