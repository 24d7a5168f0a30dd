// Package fees computes maker and taker fees from volume tiers and per-account overrides.
package fees

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/clearcore/pkg/util"
)

const (
	// VolumeWindow is how far back trailing volume counts toward tier qualification.
	VolumeWindow = 30 * 24 * time.Hour

	day = 24 * time.Hour
)

var bpsDivisor = decimal.NewFromInt(10000)

// Tier applies to accounts whose trailing volume is at least MinVolume.
type Tier struct {
	MinVolume decimal.Decimal `json:"min_volume"`
	MakerBps  int64           `json:"maker_bps"`
	TakerBps  int64           `json:"taker_bps"`
}

// Override replaces tier rates for one account until ExpiresAt (nil never expires).
type Override struct {
	AccountID string     `json:"account_id"`
	MakerBps  int64      `json:"maker_bps"`
	TakerBps  int64      `json:"taker_bps"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (o Override) expired(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

const (
	SourceTier     = "tier"
	SourceOverride = "override"
)

// Rates are the bps an account pays right now and where they came from.
type Rates struct {
	MakerBps int64  `json:"maker_bps"`
	TakerBps int64  `json:"taker_bps"`
	Source   string `json:"source"`
	Tier     int    `json:"tier"` // index into the tier table, -1 for overrides
}

type Fees struct {
	MakerFee   decimal.Decimal
	TakerFee   decimal.Decimal
	MakerRates Rates
	TakerRates Rates
}

// DailyVolume is one account's traded quote value on one UTC day.
type DailyVolume struct {
	AccountID string
	Day       time.Time
	Volume    decimal.Decimal
}

// VolumeSource loads historical volume, used once at startup to seed the window.
type VolumeSource interface {
	DailyVolumes(ctx context.Context, since time.Time) ([]DailyVolume, error)
}

type Calculator struct {
	mu        sync.Mutex
	tiers     []Tier // ascending MinVolume
	overrides map[string]Override
	volumes   map[string]map[int64]decimal.Decimal // account -> UTC day number -> volume
	clock     util.Clock
}

// NewCalculator validates and sorts the tier table. At least one tier is required.
func NewCalculator(tiers []Tier, clock util.Clock) (*Calculator, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one fee tier is required")
	}
	sorted := slices.Clone(tiers)
	slices.SortFunc(sorted, func(a, b Tier) int { return a.MinVolume.Cmp(b.MinVolume) })
	for i, t := range sorted {
		if t.MinVolume.IsNegative() {
			return nil, fmt.Errorf("tier %d: negative min volume", i)
		}
		if t.MakerBps < 0 || t.TakerBps < 0 || t.MakerBps > 10000 || t.TakerBps > 10000 {
			return nil, fmt.Errorf("tier %d: bps must be within [0, 10000]", i)
		}
		if i > 0 && t.MinVolume.Equal(sorted[i-1].MinVolume) {
			return nil, fmt.Errorf("duplicate tier threshold %s", t.MinVolume)
		}
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Calculator{
		tiers:     sorted,
		overrides: make(map[string]Override),
		volumes:   make(map[string]map[int64]decimal.Decimal),
		clock:     clock,
	}, nil
}

func dayNumber(t time.Time) int64 {
	return t.UTC().Truncate(day).Unix() / int64(day/time.Second)
}

// Seed loads the trailing window of history from src.
func (c *Calculator) Seed(ctx context.Context, src VolumeSource) error {
	since := c.clock.Now().Add(-VolumeWindow)
	rows, err := src.DailyVolumes(ctx, since)
	if err != nil {
		return fmt.Errorf("seed fee volumes: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rows {
		c.addLocked(r.AccountID, dayNumber(r.Day), r.Volume)
	}
	return nil
}

func (c *Calculator) addLocked(accountID string, dayNum int64, value decimal.Decimal) {
	days, ok := c.volumes[accountID]
	if !ok {
		days = make(map[int64]decimal.Decimal)
		c.volumes[accountID] = days
	}
	days[dayNum] = days[dayNum].Add(value)
}

// UpdateVolume adds a trade value to the account's trailing volume.
func (c *Calculator) UpdateVolume(accountID string, tradeValue decimal.Decimal) {
	if !tradeValue.IsPositive() {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addLocked(accountID, dayNumber(now), tradeValue)
}

// volumeLocked sums the window and drops buckets that fell out of it.
func (c *Calculator) volumeLocked(accountID string, now time.Time) decimal.Decimal {
	days := c.volumes[accountID]
	oldest := dayNumber(now.Add(-VolumeWindow))
	total := decimal.Zero
	for n, v := range days {
		if n <= oldest {
			delete(days, n)
			continue
		}
		total = total.Add(v)
	}
	if len(days) == 0 {
		delete(c.volumes, accountID)
	}
	return total
}

// Volume returns the account's trailing 30-day volume.
func (c *Calculator) Volume(accountID string) decimal.Decimal {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volumeLocked(accountID, now)
}

func (c *Calculator) SetOverride(o Override) error {
	if o.AccountID == "" {
		return fmt.Errorf("override needs an account")
	}
	if o.MakerBps < 0 || o.TakerBps < 0 || o.MakerBps > 10000 || o.TakerBps > 10000 {
		return fmt.Errorf("override bps must be within [0, 10000]")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides[o.AccountID] = o
	return nil
}

func (c *Calculator) RemoveOverride(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.overrides, accountID)
}

// Override returns the stored override, expired or not.
func (c *Calculator) Override(accountID string) (Override, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.overrides[accountID]
	return o, ok
}

// ratesLocked prefers a live override, purging an expired one, then falls back to the
// highest tier the trailing volume qualifies for. Accounts below every threshold get
// the lowest tier.
func (c *Calculator) ratesLocked(accountID string, now time.Time) Rates {
	if o, ok := c.overrides[accountID]; ok {
		if !o.expired(now) {
			return Rates{MakerBps: o.MakerBps, TakerBps: o.TakerBps, Source: SourceOverride, Tier: -1}
		}
		delete(c.overrides, accountID)
	}

	volume := c.volumeLocked(accountID, now)
	idx := 0
	for i, t := range c.tiers {
		if volume.GreaterThanOrEqual(t.MinVolume) {
			idx = i
		}
	}
	t := c.tiers[idx]
	return Rates{MakerBps: t.MakerBps, TakerBps: t.TakerBps, Source: SourceTier, Tier: idx}
}

func (c *Calculator) GetFeeRates(accountID string) Rates {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ratesLocked(accountID, now)
}

// Fee is value × bps / 10000.
func Fee(value decimal.Decimal, bps int64) decimal.Decimal {
	return value.Mul(decimal.NewFromInt(bps)).Div(bpsDivisor)
}

// CalculateFees prices one trade for its maker and taker.
func (c *Calculator) CalculateFees(makerAccountID, takerAccountID string, tradeValue decimal.Decimal) Fees {
	now := c.clock.Now()
	c.mu.Lock()
	maker := c.ratesLocked(makerAccountID, now)
	taker := c.ratesLocked(takerAccountID, now)
	c.mu.Unlock()

	return Fees{
		MakerFee:   Fee(tradeValue, maker.MakerBps),
		TakerFee:   Fee(tradeValue, taker.TakerBps),
		MakerRates: maker,
		TakerRates: taker,
	}
}

// Tiers returns a copy of the tier table.
func (c *Calculator) Tiers() []Tier {
	return slices.Clone(c.tiers)
}
