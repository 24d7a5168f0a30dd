package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/clearcore/params"
	"github.com/uhyunpark/clearcore/pkg/api"
	"github.com/uhyunpark/clearcore/pkg/app/core/events"
	"github.com/uhyunpark/clearcore/pkg/app/core/fees"
	"github.com/uhyunpark/clearcore/pkg/app/core/ledger"
	"github.com/uhyunpark/clearcore/pkg/app/core/market"
	"github.com/uhyunpark/clearcore/pkg/app/core/matching"
	"github.com/uhyunpark/clearcore/pkg/app/core/position"
	"github.com/uhyunpark/clearcore/pkg/app/core/trade"
	"github.com/uhyunpark/clearcore/pkg/app/loadgen"
	"github.com/uhyunpark/clearcore/pkg/app/venue"
	"github.com/uhyunpark/clearcore/pkg/broker"
	"github.com/uhyunpark/clearcore/pkg/metrics"
	"github.com/uhyunpark/clearcore/pkg/p2p"
	"github.com/uhyunpark/clearcore/pkg/storage"
	"github.com/uhyunpark/clearcore/pkg/storage/postgres"
	"github.com/uhyunpark/clearcore/pkg/util"
)

// backend bundles the repositories one storage choice provides.
type backend struct {
	ledger  ledger.Repository
	trades  trade.Store
	volumes fees.VolumeSource
	closer  io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func openBackend(ctx context.Context, cfg params.Storage, sugar *zap.SugaredLogger) (backend, error) {
	switch cfg.Backend {
	case params.BackendPebble:
		st, err := storage.NewPebbleStore(cfg.PebblePath)
		if err != nil {
			return backend{}, fmt.Errorf("open pebble at %s: %w", cfg.PebblePath, err)
		}
		return backend{ledger: st, trades: st, volumes: st, closer: st}, nil

	case params.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.Postgres)
		if err != nil {
			return backend{}, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return backend{}, err
		}
		st := postgres.NewStore(pool)
		return backend{ledger: st, trades: st, volumes: st, closer: closerFunc(func() error {
			pool.Close()
			return nil
		})}, nil

	default:
		sugar.Warnw("memory_backend", "note", "balances and trades are lost on restart")
		trades := trade.NewMemoryStore()
		return backend{
			ledger:  ledger.NewMemoryRepository(),
			trades:  trades,
			volumes: trades,
			closer:  closerFunc(func() error { return nil }),
		}, nil
	}
}

func buildMarkets(cfg params.Config) (*market.MarketRegistry, error) {
	specs, err := cfg.MarketSpecs()
	if err != nil {
		return nil, err
	}
	reg := market.NewMarketRegistry()
	for _, s := range specs {
		m, err := market.NewMarket(s.Symbol, s.TickSize, s.LotSize, decimal.Zero)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", s.Symbol, err)
		}
		if err := reg.RegisterMarket(m); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func buildCalculator(cfg params.Config) (*fees.Calculator, error) {
	raw, err := cfg.FeeTiers()
	if err != nil {
		return nil, err
	}
	tiers := make([]fees.Tier, 0, len(raw))
	for _, t := range raw {
		tiers = append(tiers, fees.Tier{MinVolume: t.MinVolume, MakerBps: t.MakerBps, TakerBps: t.TakerBps})
	}
	return fees.NewCalculator(tiers, nil)
}

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	if err := run(cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(cfg params.Config, sugar *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	bus := events.NewBus()
	bus.OnDrop(func(e events.Event) { m.EventDropped(string(e.Kind)) })
	defer bus.Close()

	markets, err := buildMarkets(cfg)
	if err != nil {
		return err
	}

	be, err := openBackend(ctx, cfg.Storage, sugar)
	if err != nil {
		return err
	}
	defer be.closer.Close()

	calc, err := buildCalculator(cfg)
	if err != nil {
		return err
	}
	if err := calc.Seed(ctx, be.volumes); err != nil {
		return err
	}

	ledgerSvc := ledger.NewService(be.ledger, ledger.WithLogger(sugar.Named("ledger")))
	positions := position.NewTracker()
	proc := trade.NewProcessor(trade.Config{
		SettlementEnabled:  cfg.Settlement.Enabled,
		SettlementAttempts: cfg.Settlement.Attempts,
		SettlementTimeout:  cfg.Settlement.Timeout,
		BatchSize:          cfg.Persistence.BatchSize,
		FlushInterval:      cfg.Persistence.FlushInterval,
	}, calc, ledgerSvc, be.trades,
		trade.WithEvents(bus),
		trade.WithMetrics(m),
		trade.WithPositions(positions),
		trade.WithLogger(sugar.Named("trade")),
	)
	engine := matching.NewEngine(markets,
		matching.WithEvents(bus),
		matching.WithMetrics(m),
		matching.WithLogger(sugar.Named("matching")),
	)
	v := venue.New(markets, ledgerSvc, calc, proc, engine,
		venue.WithPositions(positions),
		venue.WithLogger(sugar.Named("venue")),
	)
	server := api.NewServer(v,
		api.WithLogger(sugar.Named("api")),
		api.WithMetrics(m),
		api.WithAllowedOrigins(cfg.Node.CORSOrigins),
	)

	var sinks []broker.Sink
	if len(cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, broker.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic))
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		sinks = append(sinks, broker.NewRedisSink(client, cfg.Redis.Channel))
	}

	var gossip *p2p.Gossip
	if cfg.P2P.Listen != "" {
		gossip, err = p2p.NewGossip(ctx, p2p.GossipConfig{
			ListenAddr: cfg.P2P.Listen,
			Bootstrap:  cfg.P2P.Bootstrap,
			Topic:      cfg.P2P.Topic,
			Logger:     sugar.Named("p2p"),
		})
		if err != nil {
			return fmt.Errorf("p2p: %w", err)
		}
		gossip.OnEvent(func(w p2p.EventWire) {
			sugar.Debugw("peer_event", "origin", w.Origin, "kind", w.Kind, "symbol", w.Symbol)
		})
		sugar.Infow("p2p_enabled", "peer_id", gossip.Host().ID().String(), "addrs", gossip.Host().Addrs())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proc.Run(ctx) })
	apiSub := bus.Subscribe(cfg.Events.Buffer, nil)
	g.Go(func() error { return server.Run(ctx, cfg.Node.APIAddr, apiSub) })

	if cfg.Loadgen.Enabled {
		lcfg := loadgen.ConfigForMode(cfg.Loadgen.Mode)
		lcfg.MidPrice = cfg.Loadgen.MidPrice
		feeder := loadgen.NewFeeder(v, lcfg, sugar.Named("loadgen"))
		g.Go(func() error { return feeder.Run(ctx) })
	}

	for _, sink := range sinks {
		sub := bus.Subscribe(cfg.Events.Buffer, nil)
		g.Go(func() error {
			defer sink.Close()
			return broker.Forward(ctx, sub, sink, broker.DefaultForwardConfig(), sugar.Named("broker"))
		})
		sugar.Infow("broker_sink_enabled", "sink", sink.Name())
	}
	if gossip != nil {
		sub := bus.Subscribe(cfg.Events.Buffer, nil)
		g.Go(func() error {
			defer gossip.Close()
			return gossip.Forward(ctx, sub)
		})
	}

	sugar.Infow("node_starting",
		"api_addr", cfg.Node.APIAddr,
		"backend", cfg.Storage.Backend,
		"markets", markets.Count(),
		"settlement_attempts", cfg.Settlement.Attempts,
		"sinks", len(sinks))

	return g.Wait()
}
