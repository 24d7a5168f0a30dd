// Package postgres stores ledger state and trades in PostgreSQL through pgx.
package postgres

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uhyunpark/clearcore/params"
)

// Connect opens a pool for cfg and checks that the server answers.
func Connect(ctx context.Context, cfg params.Postgres) (*pgxpool.Pool, error) {
	return ConnectURL(ctx, connString(cfg), cfg)
}

// ConnectURL is Connect with an explicit connection string; pool sizing still comes from cfg.
func ConnectURL(ctx context.Context, dsn string, cfg params.Postgres) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ConnectTimeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		pcfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

func connString(cfg params.Postgres) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.Database,
	}
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

const schema = `
CREATE TABLE IF NOT EXISTS balances (
	account_id TEXT        NOT NULL,
	asset      TEXT        NOT NULL,
	available  NUMERIC     NOT NULL DEFAULT 0 CHECK (available >= 0),
	held       NUMERIC     NOT NULL DEFAULT 0 CHECK (held >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (account_id, asset)
);

CREATE TABLE IF NOT EXISTS holds (
	order_id   TEXT        PRIMARY KEY,
	account_id TEXT        NOT NULL,
	asset      TEXT        NOT NULL,
	amount     NUMERIC     NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id             UUID        PRIMARY KEY,
	account_id     TEXT        NOT NULL,
	asset          TEXT        NOT NULL,
	entry_type     TEXT        NOT NULL,
	amount         NUMERIC     NOT NULL,
	available      NUMERIC     NOT NULL,
	held           NUMERIC     NOT NULL,
	reference_type TEXT        NOT NULL,
	reference_id   TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_balance_idx ON ledger_entries (account_id, asset, id DESC);

CREATE TABLE IF NOT EXISTS trades (
	id               TEXT        PRIMARY KEY,
	symbol           TEXT        NOT NULL,
	maker_order_id   TEXT        NOT NULL,
	taker_order_id   TEXT        NOT NULL,
	maker_account_id TEXT        NOT NULL,
	taker_account_id TEXT        NOT NULL,
	maker_side       TEXT        NOT NULL,
	price            NUMERIC     NOT NULL,
	quantity         NUMERIC     NOT NULL,
	maker_fee        NUMERIC     NOT NULL,
	taker_fee        NUMERIC     NOT NULL,
	status           TEXT        NOT NULL,
	failure_reason   TEXT        NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	settled_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS trades_symbol_time_idx ON trades (symbol, created_at DESC);
CREATE INDEX IF NOT EXISTS trades_time_idx ON trades (created_at);
`

// Migrate creates the tables used by Store. It is safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}
