package orderbook

import "github.com/shopspring/decimal"

// MaxPriceHeap implements heap.Interface for bid prices (highest price on top)
// Use container/heap package to manipulate this heap (Init, Push, Pop, Remove)
type MaxPriceHeap []decimal.Decimal

func (h MaxPriceHeap) Len() int           { return len(h) }
func (h MaxPriceHeap) Less(i, j int) bool { return h[i].GreaterThan(h[j]) }
func (h MaxPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *MaxPriceHeap) Push(x any) {
	*h = append(*h, x.(decimal.Decimal))
}

func (h *MaxPriceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Peek returns the top element without removing it
func (h MaxPriceHeap) Peek() (decimal.Decimal, bool) {
	if len(h) == 0 {
		return decimal.Zero, false
	}
	return h[0], true
}

// MinPriceHeap implements heap.Interface for ask prices (lowest price on top)
type MinPriceHeap []decimal.Decimal

func (h MinPriceHeap) Len() int           { return len(h) }
func (h MinPriceHeap) Less(i, j int) bool { return h[i].LessThan(h[j]) }
func (h MinPriceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *MinPriceHeap) Push(x any) {
	*h = append(*h, x.(decimal.Decimal))
}

func (h *MinPriceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// Peek returns the top element without removing it
func (h MinPriceHeap) Peek() (decimal.Decimal, bool) {
	if len(h) == 0 {
		return decimal.Zero, false
	}
	return h[0], true
}

// priceHeap is the common surface of both heaps.
type priceHeap interface {
	Len() int
	Less(i, j int) bool
	Swap(i, j int)
	Push(x any)
	Pop() any
	Peek() (decimal.Decimal, bool)
	at(i int) decimal.Decimal
	clone() priceHeap
}

func (h *MaxPriceHeap) at(i int) decimal.Decimal { return (*h)[i] }
func (h *MinPriceHeap) at(i int) decimal.Decimal { return (*h)[i] }

// clone copies the backing slice; a copy of a valid heap is itself a valid heap.
func (h *MaxPriceHeap) clone() priceHeap {
	c := make(MaxPriceHeap, len(*h))
	copy(c, *h)
	return &c
}

func (h *MinPriceHeap) clone() priceHeap {
	c := make(MinPriceHeap, len(*h))
	copy(c, *h)
	return &c
}
