package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/clearcore/pkg/app/core"
	"github.com/uhyunpark/clearcore/pkg/app/core/fees"
	"github.com/uhyunpark/clearcore/pkg/app/core/ledger"
	"github.com/uhyunpark/clearcore/pkg/app/core/trade"
)

const uniqueViolation = "23505"

// Store implements the ledger repository, the trade store and the fee volume
// source on one pool. Ledger transactions lock their balance rows with
// SELECT ... FOR UPDATE in key order and commit the staged write set in the
// same database transaction.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

var (
	_ ledger.Repository = (*Store)(nil)
	_ trade.Store       = (*Store)(nil)
	_ fees.VolumeSource = (*Store)(nil)
)

func (s *Store) Atomically(ctx context.Context, keys []ledger.BalanceKey, fn func(tx ledger.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	sorted := ledger.SortKeys(keys)
	for _, k := range sorted {
		if _, err = tx.Exec(ctx,
			`INSERT INTO balances (account_id, asset) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			k.AccountID, k.Asset); err != nil {
			return fmt.Errorf("ensure balance %s: %w", k, err)
		}
	}
	for _, k := range sorted {
		if _, err = tx.Exec(ctx,
			`SELECT 1 FROM balances WHERE account_id = $1 AND asset = $2 FOR UPDATE`,
			k.AccountID, k.Asset); err != nil {
			return fmt.Errorf("lock balance %s: %w", k, err)
		}
	}

	staged := ledger.NewStagedTx(txReader{ctx: ctx, q: tx}, keys)
	if err = fn(staged); err != nil {
		return err
	}
	if err = applyStaged(ctx, tx, staged); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

func applyStaged(ctx context.Context, tx pgx.Tx, staged *ledger.StagedTx) error {
	for _, b := range staged.StagedBalances() {
		if _, err := tx.Exec(ctx,
			`UPDATE balances SET available = $3::numeric, held = $4::numeric, updated_at = $5
			 WHERE account_id = $1 AND asset = $2`,
			b.AccountID, b.Asset, b.Available.String(), b.Held.String(), b.UpdatedAt); err != nil {
			return fmt.Errorf("write balance %s: %w", b.Key(), err)
		}
	}

	created := make(map[string]struct{})
	for _, id := range staged.CreatedHolds() {
		created[id] = struct{}{}
	}
	puts, deletes := staged.StagedHolds()
	for _, h := range puts {
		if _, ok := created[h.OrderID]; ok {
			_, err := tx.Exec(ctx,
				`INSERT INTO holds (order_id, account_id, asset, amount, created_at) VALUES ($1, $2, $3, $4::numeric, $5)`,
				h.OrderID, h.AccountID, h.Asset, h.Amount.String(), h.CreatedAt)
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return fmt.Errorf("%w: %s", ledger.ErrHoldExists, h.OrderID)
			}
			if err != nil {
				return fmt.Errorf("insert hold %s: %w", h.OrderID, err)
			}
			continue
		}
		if _, err := tx.Exec(ctx,
			`UPDATE holds SET amount = $2::numeric WHERE order_id = $1`,
			h.OrderID, h.Amount.String()); err != nil {
			return fmt.Errorf("update hold %s: %w", h.OrderID, err)
		}
	}
	for _, id := range deletes {
		if _, err := tx.Exec(ctx, `DELETE FROM holds WHERE order_id = $1`, id); err != nil {
			return fmt.Errorf("delete hold %s: %w", id, err)
		}
	}

	entries := staged.StagedEntries()
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO ledger_entries
			 (id, account_id, asset, entry_type, amount, available, held, reference_type, reference_id, created_at)
			 VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9, $10)`,
			e.ID, e.AccountID, e.Asset, string(e.Type), e.Amount.String(), e.Available.String(),
			e.Held.String(), e.ReferenceType, e.ReferenceID, e.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert ledger entries: %w", err)
	}
	return nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// txReader serves StagedTx reads from inside the database transaction.
type txReader struct {
	ctx context.Context
	q   querier
}

func (r txReader) LoadBalance(key ledger.BalanceKey) (ledger.Balance, bool, error) {
	return loadBalance(r.ctx, r.q, key)
}

func (r txReader) LoadHold(orderID string) (ledger.Hold, bool, error) {
	return loadHold(r.ctx, r.q, orderID)
}

func loadBalance(ctx context.Context, q querier, key ledger.BalanceKey) (ledger.Balance, bool, error) {
	row := q.QueryRow(ctx,
		`SELECT account_id, asset, available::text, held::text, updated_at
		 FROM balances WHERE account_id = $1 AND asset = $2`,
		key.AccountID, key.Asset)
	b, err := scanBalance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, fmt.Errorf("load balance %s: %w", key, err)
	}
	return b, true, nil
}

func loadHold(ctx context.Context, q querier, orderID string) (ledger.Hold, bool, error) {
	var (
		h      ledger.Hold
		amount string
	)
	err := q.QueryRow(ctx,
		`SELECT order_id, account_id, asset, amount::text, created_at FROM holds WHERE order_id = $1`,
		orderID).Scan(&h.OrderID, &h.AccountID, &h.Asset, &amount, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Hold{}, false, nil
	}
	if err != nil {
		return ledger.Hold{}, false, fmt.Errorf("load hold %s: %w", orderID, err)
	}
	if h.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Hold{}, false, fmt.Errorf("parse hold amount: %w", err)
	}
	h.CreatedAt = h.CreatedAt.UTC()
	return h, true, nil
}

func scanBalance(row pgx.Row) (ledger.Balance, error) {
	var (
		b               ledger.Balance
		available, held string
	)
	if err := row.Scan(&b.AccountID, &b.Asset, &available, &held, &b.UpdatedAt); err != nil {
		return ledger.Balance{}, err
	}
	var err error
	if b.Available, err = decimal.NewFromString(available); err != nil {
		return ledger.Balance{}, fmt.Errorf("parse available: %w", err)
	}
	if b.Held, err = decimal.NewFromString(held); err != nil {
		return ledger.Balance{}, fmt.Errorf("parse held: %w", err)
	}
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (s *Store) Balance(ctx context.Context, key ledger.BalanceKey) (ledger.Balance, error) {
	b, ok, err := loadBalance(ctx, s.pool, key)
	if err != nil {
		return ledger.Balance{}, err
	}
	if !ok {
		return ledger.Balance{AccountID: key.AccountID, Asset: key.Asset}, nil
	}
	return b, nil
}

func (s *Store) Balances(ctx context.Context, accountID string) ([]ledger.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, asset, available::text, held::text, updated_at
		 FROM balances WHERE account_id = $1 ORDER BY asset`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	var out []ledger.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) Hold(ctx context.Context, orderID string) (ledger.Hold, bool, error) {
	return loadHold(ctx, s.pool, orderID)
}

func (s *Store) Entries(ctx context.Context, key ledger.BalanceKey, limit int) ([]ledger.Entry, error) {
	sql := `SELECT id::text, account_id, asset, entry_type, amount::text, available::text, held::text,
	               reference_type, reference_id, created_at
	        FROM ledger_entries WHERE account_id = $1 AND asset = $2 ORDER BY id DESC`
	args := []any{key.AccountID, key.Asset}
	if limit > 0 {
		sql += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var out []ledger.Entry
	for rows.Next() {
		var (
			e                       ledger.Entry
			typ                     string
			amount, available, held string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Asset, &typ, &amount, &available, &held,
			&e.ReferenceType, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = ledger.EntryType(typ)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if e.Available, err = decimal.NewFromString(available); err != nil {
			return nil, err
		}
		if e.Held, err = decimal.NewFromString(held); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveTrades upserts trades in one round trip. A trade saved again takes its latest
// status, failure reason and settlement time.
func (s *Store) SaveTrades(ctx context.Context, trades []core.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range trades {
		side, err := t.MakerSide.MarshalText()
		if err != nil {
			return fmt.Errorf("save trade %s: %w", t.ID, err)
		}
		batch.Queue(
			`INSERT INTO trades
			 (id, symbol, maker_order_id, taker_order_id, maker_account_id, taker_account_id, maker_side,
			  price, quantity, maker_fee, taker_fee, status, failure_reason, created_at, settled_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11::numeric, $12, $13, $14, $15)
			 ON CONFLICT (id) DO UPDATE SET
			  status = EXCLUDED.status,
			  failure_reason = EXCLUDED.failure_reason,
			  settled_at = EXCLUDED.settled_at`,
			t.ID, t.Symbol, t.MakerOrderID, t.TakerOrderID, t.MakerAccountID, t.TakerAccountID,
			string(side), t.Price.String(), t.Quantity.String(), t.MakerFee.String(),
			t.TakerFee.String(), string(t.Status), t.FailureReason, t.CreatedAt, t.SettledAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save trades: %w", err)
	}
	return nil
}

func (s *Store) RecentTrades(ctx context.Context, symbol string, limit int) ([]core.Trade, error) {
	sql := `SELECT id, symbol, maker_order_id, taker_order_id, maker_account_id, taker_account_id, maker_side,
	               price::text, quantity::text, maker_fee::text, taker_fee::text, status, failure_reason,
	               created_at, settled_at
	        FROM trades WHERE symbol = $1 ORDER BY created_at DESC, id DESC`
	args := []any{symbol}
	if limit > 0 {
		sql += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []core.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(rows pgx.Rows) (core.Trade, error) {
	var (
		t                              core.Trade
		side, status                   string
		price, qty, makerFee, takerFee string
	)
	if err := rows.Scan(&t.ID, &t.Symbol, &t.MakerOrderID, &t.TakerOrderID, &t.MakerAccountID,
		&t.TakerAccountID, &side, &price, &qty, &makerFee, &takerFee, &status, &t.FailureReason,
		&t.CreatedAt, &t.SettledAt); err != nil {
		return core.Trade{}, err
	}
	var err error
	if t.MakerSide, err = core.ParseSide(side); err != nil {
		return core.Trade{}, err
	}
	t.Status = core.TradeStatus(status)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&t.Price, price}, {&t.Quantity, qty}, {&t.MakerFee, makerFee}, {&t.TakerFee, takerFee}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return core.Trade{}, fmt.Errorf("parse trade %s: %w", t.ID, err)
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	if t.SettledAt != nil {
		at := t.SettledAt.UTC()
		t.SettledAt = &at
	}
	return t, nil
}

// DailyVolumes sums non-failed trade value per account and UTC day. Both counterparties
// are credited, a self-trade once.
func (s *Store) DailyVolumes(ctx context.Context, since time.Time) ([]fees.DailyVolume, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, day, SUM(value)::text FROM (
			SELECT maker_account_id AS account_id,
			       date_trunc('day', created_at AT TIME ZONE 'UTC') AS day,
			       price * quantity AS value
			FROM trades WHERE created_at >= $1 AND status <> 'failed'
			UNION ALL
			SELECT taker_account_id,
			       date_trunc('day', created_at AT TIME ZONE 'UTC'),
			       price * quantity
			FROM trades WHERE created_at >= $1 AND status <> 'failed' AND taker_account_id <> maker_account_id
		) v
		GROUP BY account_id, day
		ORDER BY day, account_id`, since)
	if err != nil {
		return nil, fmt.Errorf("query daily volumes: %w", err)
	}
	defer rows.Close()

	var out []fees.DailyVolume
	for rows.Next() {
		var (
			v     fees.DailyVolume
			total string
		)
		if err := rows.Scan(&v.AccountID, &v.Day, &total); err != nil {
			return nil, err
		}
		if v.Volume, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		v.Day = time.Date(v.Day.Year(), v.Day.Month(), v.Day.Day(), 0, 0, 0, 0, time.UTC)
		out = append(out, v)
	}
	return out, rows.Err()
}
