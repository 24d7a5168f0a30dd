package params

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Storage backends accepted by STORAGE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

type Node struct {
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`
	LogFile  string `env:"LOG_FILE" envDefault:"logs/node.log"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:3001"`
}

type Postgres struct {
	Host            string        `env:"HOST" envDefault:"localhost"`
	Port            int           `env:"PORT" envDefault:"5432"`
	Database        string        `env:"DATABASE" envDefault:"clearcore"`
	Username        string        `env:"USERNAME" envDefault:"postgres"`
	Password        string        `env:"PASSWORD" envDefault:""`
	SSLMode         string        `env:"SSL_MODE" envDefault:"disable"`
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"20"`
	MinConns        int32         `env:"MIN_CONNS" envDefault:"2"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"1h"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"5s"`
	ApplicationName string        `env:"APPLICATION_NAME" envDefault:"clearcore"`
}

type Storage struct {
	// Backend selects the ledger/trade repository adapter: memory, pebble or postgres.
	Backend    string   `env:"BACKEND" envDefault:"memory"`
	PebblePath string   `env:"PEBBLE_PATH" envDefault:"data/clearcore"`
	Postgres   Postgres `envPrefix:"POSTGRES_"`
}

type Fees struct {
	// Tiers is "minVolume:makerBps:takerBps" entries separated by ';'.
	Tiers string `env:"TIERS" envDefault:"0:10:20;100000:8:16;1000000:5:12;10000000:2:8"`
}

// Settlement controls how the trade processor hands trades to the ledger.
//
// Attempts is the total number of RecordTrade calls made for one trade before it is
// marked failed. The default of 1 means a failed settlement is never retried
// automatically; failed trades are left for manual reconciliation.
type Settlement struct {
	Enabled  bool          `env:"ENABLED" envDefault:"true"`
	Attempts int           `env:"ATTEMPTS" envDefault:"1"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"0s"`
}

type Persistence struct {
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"100"`
	FlushInterval time.Duration `env:"FLUSH_INTERVAL" envDefault:"1s"`
}

type Events struct {
	Buffer int `env:"BUFFER" envDefault:"1024"`
}

type Kafka struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"clearcore.events"`
}

type Redis struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	Channel  string `env:"CHANNEL" envDefault:"clearcore:events"`
}

type P2P struct {
	Listen    string   `env:"LISTEN"`
	Bootstrap []string `env:"BOOTSTRAP" envSeparator:","`
	Topic     string   `env:"TOPIC" envDefault:"clearcore/events/1"`
}

// Loadgen feeds simulated order flow into the venue for local load testing.
type Loadgen struct {
	Enabled  bool            `env:"ENABLED" envDefault:"false"`
	Mode     string          `env:"MODE" envDefault:"default"` // default or high
	MidPrice decimal.Decimal `env:"MID_PRICE" envDefault:"50000"`
}

type Config struct {
	Node        Node        `envPrefix:"NODE_"`
	Storage     Storage     `envPrefix:"STORAGE_"`
	// Markets entries are SYMBOL or SYMBOL:tickSize:lotSize.
	Markets     []string    `env:"MARKETS" envSeparator:"," envDefault:"BTC-USDT:0.01:0.00001,ETH-USDT:0.01:0.0001"`
	Fees        Fees        `envPrefix:"FEE_"`
	Settlement  Settlement  `envPrefix:"SETTLEMENT_"`
	Persistence Persistence `envPrefix:"PERSIST_"`
	Events      Events      `envPrefix:"EVENTS_"`
	Kafka       Kafka       `envPrefix:"KAFKA_"`
	Redis       Redis       `envPrefix:"REDIS_"`
	P2P         P2P         `envPrefix:"P2P_"`
	Loadgen     Loadgen     `envPrefix:"LOADGEN_"`
}

// FeeTier is one parsed entry of Fees.Tiers.
type FeeTier struct {
	MinVolume decimal.Decimal
	MakerBps  int64
	TakerBps  int64
}

// Default returns the configuration obtained from struct defaults alone.
func Default() Config {
	var cfg Config
	// Parsing an empty environment only applies envDefault tags and cannot fail.
	_ = env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}})
	return cfg
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	// .env is optional
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendPebble, BackendPostgres:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Settlement.Attempts < 1 {
		return fmt.Errorf("settlement attempts must be >= 1, got %d", c.Settlement.Attempts)
	}
	if c.Persistence.BatchSize < 1 {
		return fmt.Errorf("persist batch size must be >= 1, got %d", c.Persistence.BatchSize)
	}
	if c.Persistence.FlushInterval <= 0 {
		return fmt.Errorf("persist flush interval must be positive")
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market is required")
	}
	if _, err := c.MarketSpecs(); err != nil {
		return err
	}
	if _, err := c.FeeTiers(); err != nil {
		return err
	}
	return nil
}

// MarketSpec is one parsed entry of Markets. Zero increments disable the check.
type MarketSpec struct {
	Symbol   string
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
}

func (c Config) MarketSpecs() ([]MarketSpec, error) {
	markets := make([]MarketSpec, 0, len(c.Markets))
	for _, raw := range c.Markets {
		parts := strings.Split(strings.TrimSpace(raw), ":")
		m := MarketSpec{Symbol: parts[0]}
		switch len(parts) {
		case 1:
		case 3:
			var err error
			if m.TickSize, err = decimal.NewFromString(parts[1]); err != nil {
				return nil, fmt.Errorf("market %q: tick size: %w", raw, err)
			}
			if m.LotSize, err = decimal.NewFromString(parts[2]); err != nil {
				return nil, fmt.Errorf("market %q: lot size: %w", raw, err)
			}
		default:
			return nil, fmt.Errorf("malformed market %q: want SYMBOL or SYMBOL:tickSize:lotSize", raw)
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// FeeTiers parses Fees.Tiers.
func (c Config) FeeTiers() ([]FeeTier, error) {
	var tiers []FeeTier
	for _, raw := range strings.Split(c.Fees.Tiers, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed fee tier %q: want minVolume:makerBps:takerBps", raw)
		}
		minVolume, err := decimal.NewFromString(parts[0])
		if err != nil {
			return nil, fmt.Errorf("fee tier %q: min volume: %w", raw, err)
		}
		var maker, taker int64
		if _, err := fmt.Sscanf(parts[1], "%d", &maker); err != nil {
			return nil, fmt.Errorf("fee tier %q: maker bps: %w", raw, err)
		}
		if _, err := fmt.Sscanf(parts[2], "%d", &taker); err != nil {
			return nil, fmt.Errorf("fee tier %q: taker bps: %w", raw, err)
		}
		tiers = append(tiers, FeeTier{MinVolume: minVolume, MakerBps: maker, TakerBps: taker})
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("no fee tiers configured")
	}
	return tiers, nil
}
