package trade

import (
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/clearcore/pkg/util"
)

// StatsWindow is the span covered by Stats.
const StatsWindow = 24 * time.Hour

// Stats is the rolling 24h summary of one symbol.
type Stats struct {
	Symbol      string          `json:"symbol"`
	Count       int             `json:"count"`
	Volume      decimal.Decimal `json:"volume"`       // base asset
	QuoteVolume decimal.Decimal `json:"quote_volume"` // quote asset
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Last        decimal.Decimal `json:"last"`
	LastTradeAt time.Time       `json:"last_trade_at"`
}

type minuteBucket struct {
	minute int64
	count  int
	volume decimal.Decimal
	quote  decimal.Decimal
	open   decimal.Decimal
	high   decimal.Decimal
	low    decimal.Decimal
}

type symbolStats struct {
	buckets []minuteBucket // ascending by minute
	last    decimal.Decimal
	lastAt  time.Time
}

// StatsTracker aggregates trades into one-minute buckets and answers over the
// trailing window. Last price survives the window so a quiet market still quotes.
type StatsTracker struct {
	mu      sync.Mutex
	clock   util.Clock
	symbols map[string]*symbolStats
}

func NewStatsTracker(clock util.Clock) *StatsTracker {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &StatsTracker{clock: clock, symbols: make(map[string]*symbolStats)}
}

func minuteOf(t time.Time) int64 { return t.Unix() / 60 }

func (s *StatsTracker) Record(symbol string, price, quantity decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.symbols[symbol]
	if !ok {
		st = &symbolStats{}
		s.symbols[symbol] = st
	}
	if !at.Before(st.lastAt) {
		st.last, st.lastAt = price, at
	}

	m := minuteOf(at)
	i, found := slices.BinarySearchFunc(st.buckets, m, func(b minuteBucket, m int64) int {
		switch {
		case b.minute < m:
			return -1
		case b.minute > m:
			return 1
		}
		return 0
	})
	if !found {
		st.buckets = slices.Insert(st.buckets, i, minuteBucket{
			minute: m, volume: decimal.Zero, quote: decimal.Zero,
			open: price, high: price, low: price,
		})
	}
	b := &st.buckets[i]
	b.count++
	b.volume = b.volume.Add(quantity)
	b.quote = b.quote.Add(price.Mul(quantity))
	if price.GreaterThan(b.high) {
		b.high = price
	}
	if price.LessThan(b.low) {
		b.low = price
	}
	s.pruneLocked(st)
}

func (s *StatsTracker) pruneLocked(st *symbolStats) {
	cutoff := minuteOf(s.clock.Now().Add(-StatsWindow))
	n := 0
	for n < len(st.buckets) && st.buckets[n].minute <= cutoff {
		n++
	}
	if n > 0 {
		st.buckets = slices.Delete(st.buckets, 0, n)
	}
}

// Get returns the summary for symbol; ok is false if it never traded.
func (s *StatsTracker) Get(symbol string) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.symbols[symbol]
	if !ok {
		return Stats{}, false
	}
	s.pruneLocked(st)

	out := Stats{
		Symbol:      symbol,
		Volume:      decimal.Zero,
		QuoteVolume: decimal.Zero,
		Last:        st.last,
		LastTradeAt: st.lastAt,
	}
	for i, b := range st.buckets {
		if i == 0 {
			out.Open, out.High, out.Low = b.open, b.high, b.low
		}
		out.Count += b.count
		out.Volume = out.Volume.Add(b.volume)
		out.QuoteVolume = out.QuoteVolume.Add(b.quote)
		if b.high.GreaterThan(out.High) {
			out.High = b.high
		}
		if b.low.LessThan(out.Low) {
			out.Low = b.low
		}
	}
	return out, true
}

func (s *StatsTracker) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	slices.Sort(out)
	return out
}
