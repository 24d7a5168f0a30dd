package loadgen

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/clearcore/pkg/app/core/matching"
	"github.com/uhyunpark/clearcore/pkg/app/venue"
)

type Config struct {
	BatchSize   int           // actions per tick
	Interval    time.Duration // time between batches
	NumAccounts int
	MidPrice    decimal.Decimal
	// Funding is deposited into every simulated account, in each asset traded, before the first batch.
	Funding decimal.Decimal
	Seed    uint64
}

func DefaultConfig() Config {
	return Config{
		BatchSize:   10,
		Interval:    100 * time.Millisecond,
		NumAccounts: 50,
		MidPrice:    decimal.NewFromInt(50000),
		Funding:     decimal.NewFromInt(1_000_000_000),
	}
}

// HighLoadConfig is roughly 1000 actions per second.
func HighLoadConfig() Config {
	cfg := DefaultConfig()
	cfg.BatchSize = 100
	cfg.NumAccounts = 200
	return cfg
}

// ConfigForMode maps the LOADGEN_MODE names onto presets.
func ConfigForMode(mode string) Config {
	if mode == "high" {
		return HighLoadConfig()
	}
	return DefaultConfig()
}

type Stats struct {
	Placed     int
	Rejected   int
	Executions int
	Cancelled  int
}

// Feeder places generated order flow on a venue at a fixed rate.
type Feeder struct {
	venue *venue.Venue
	gen   *Generator
	cfg   Config
	log   *zap.SugaredLogger
	stats Stats
}

func NewFeeder(v *venue.Venue, cfg Config, log *zap.SugaredLogger) *Feeder {
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Feeder{
		venue: v,
		gen:   NewGenerator(cfg.NumAccounts, v.Markets().ListMarkets(), cfg.MidPrice, cfg.Seed),
		cfg:   cfg,
		log:   log,
	}
}

// Fund deposits cfg.Funding of every base and quote asset into each simulated account.
func (f *Feeder) Fund(ctx context.Context) error {
	assets := make(map[string]struct{})
	for _, m := range f.venue.Markets().ListMarkets() {
		assets[m.BaseAsset] = struct{}{}
		assets[m.QuoteAsset] = struct{}{}
	}
	for _, account := range f.gen.Accounts() {
		for asset := range assets {
			if err := f.venue.Deposit(ctx, account, asset, f.cfg.Funding); err != nil {
				return err
			}
		}
	}
	return nil
}

// Step runs one batch of generated actions.
func (f *Feeder) Step(ctx context.Context) {
	for _, a := range f.gen.Batch(f.cfg.BatchSize) {
		switch {
		case a.Place != nil:
			res, err := f.venue.PlaceOrder(ctx, *a.Place)
			if err != nil {
				f.stats.Rejected++
				if !expectedReject(err) {
					f.log.Warnw("loadgen_order_failed", "order_id", a.Place.ID, "err", err)
				}
				continue
			}
			f.stats.Placed++
			f.stats.Executions += len(res.Executions)
		case a.Cancel != nil:
			ok, err := f.venue.CancelOrder(ctx, a.Cancel.Symbol, a.Cancel.OrderID)
			if err != nil {
				f.log.Warnw("loadgen_cancel_failed", "order_id", a.Cancel.OrderID, "err", err)
				continue
			}
			if ok {
				f.stats.Cancelled++
			}
		}
	}
}

func expectedReject(err error) bool {
	return errors.Is(err, venue.ErrNoLiquidity) ||
		errors.Is(err, venue.ErrInsufficientFunds) ||
		errors.Is(err, matching.ErrInvalidOrder)
}

func (f *Feeder) Stats() Stats { return f.stats }

// Run funds the simulated accounts and feeds batches until ctx ends.
func (f *Feeder) Run(ctx context.Context) error {
	if err := f.Fund(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	report := time.NewTicker(10 * time.Second)
	defer report.Stop()

	start := time.Now()
	f.log.Infow("loadgen_started", "batch", f.cfg.BatchSize, "interval", f.cfg.Interval, "accounts", f.cfg.NumAccounts)
	for {
		select {
		case <-ctx.Done():
			f.log.Infow("loadgen_stopped", "elapsed", time.Since(start).Round(time.Second), "placed", f.stats.Placed)
			return nil
		case <-ticker.C:
			f.Step(ctx)
		case <-report.C:
			elapsed := time.Since(start).Seconds()
			f.log.Infow("loadgen_stats",
				"placed", f.stats.Placed,
				"rejected", f.stats.Rejected,
				"executions", f.stats.Executions,
				"cancelled", f.stats.Cancelled,
				"orders_per_sec", float64(f.stats.Placed)/elapsed)
		}
	}
}
