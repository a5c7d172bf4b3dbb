// Package sqlite implements the storage ports on SQLite: the trading
// Store (portfolios, orders, positions) and a candle table usable as a
// MarketDataSource.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"papertrade/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// dsnParams: WAL, immediate write locks, 5s busy wait.
const dsnParams = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate"

// Store is a model.Store over a single-writer SQLite connection.
type Store struct {
	db      *sql.DB
	initial model.Money
	now     func() time.Time
}

// Open creates the schema if needed. New portfolios start with initial cash.
func Open(dbPath string, initial model.Money, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// One connection serialises writers; View and Update share it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info("opened trading store", "component", "sqlite", "path", dbPath)
	return &Store{db: db, initial: initial, now: time.Now}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS portfolios (
			user_id      TEXT    PRIMARY KEY,
			cash         TEXT    NOT NULL,
			blocked_cash TEXT    NOT NULL,
			total_value  TEXT    NOT NULL,
			updated_at   INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS orders (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT    NOT NULL UNIQUE,
			user_id         TEXT    NOT NULL,
			symbol          TEXT    NOT NULL,
			side            TEXT    NOT NULL,
			order_type      TEXT    NOT NULL,
			quantity        INTEGER NOT NULL,
			limit_price     TEXT,
			trading_mode    TEXT    NOT NULL,
			execution_time  INTEGER,
			ref_price       TEXT,
			blocked_amount  TEXT    NOT NULL,
			status          TEXT    NOT NULL,
			filled_quantity INTEGER NOT NULL DEFAULT 0,
			filled_price    TEXT,
			reason          TEXT    NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			filled_at       INTEGER,
			cancelled_at    INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_orders_user   ON orders(user_id, seq);
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, order_type);

		CREATE TABLE IF NOT EXISTS positions (
			user_id        TEXT    NOT NULL,
			symbol         TEXT    NOT NULL,
			quantity       INTEGER NOT NULL,
			avg_price      TEXT    NOT NULL,
			last_price     TEXT,
			unrealized_pnl TEXT    NOT NULL,
			updated_at     INTEGER NOT NULL,
			PRIMARY KEY (user_id, symbol)
		);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Update runs fn in a write transaction and commits when it returns nil.
func (s *Store) Update(ctx context.Context, fn func(model.Tx) error) error {
	return s.run(ctx, false, fn)
}

// View runs fn in a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(model.Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(model.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	t := &tx{ctx: ctx, tx: sqlTx, s: s, readOnly: readOnly}
	if err := fn(t); err != nil {
		sqlTx.Rollback()
		return err
	}
	if readOnly {
		return sqlTx.Rollback()
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var errReadOnly = errors.New("sqlite: write in read-only transaction")

type tx struct {
	ctx      context.Context
	tx       *sql.Tx
	s        *Store
	readOnly bool
}

func (t *tx) exec(query string, args ...any) (sql.Result, error) {
	if t.readOnly {
		return nil, errReadOnly
	}
	return t.tx.ExecContext(t.ctx, query, args...)
}

// ── Portfolios ──

func (t *tx) Portfolio(userID string) (model.Portfolio, error) {
	var (
		cash, blocked, total string
		updated              int64
	)
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT cash, blocked_cash, total_value, updated_at FROM portfolios WHERE user_id = ?`, userID,
	).Scan(&cash, &blocked, &total, &updated)

	if errors.Is(err, sql.ErrNoRows) {
		p := model.Portfolio{UserID: userID, Cash: t.s.initial, TotalValue: t.s.initial, UpdatedAt: t.s.now()}
		if t.readOnly {
			return p, nil
		}
		return p, t.SavePortfolio(p)
	}
	if err != nil {
		return model.Portfolio{}, fmt.Errorf("sqlite portfolio %s: %w", userID, err)
	}

	var d decoder
	p := model.Portfolio{
		UserID:      userID,
		Cash:        d.money(cash),
		BlockedCash: d.money(blocked),
		TotalValue:  d.money(total),
		UpdatedAt:   fromUnix(updated),
	}
	return p, d.err
}

func (t *tx) SavePortfolio(p model.Portfolio) error {
	_, err := t.exec(`
		INSERT INTO portfolios (user_id, cash, blocked_cash, total_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			cash = excluded.cash,
			blocked_cash = excluded.blocked_cash,
			total_value = excluded.total_value,
			updated_at = excluded.updated_at
	`, p.UserID, p.Cash.String(), p.BlockedCash.String(), p.TotalValue.String(), p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite save portfolio %s: %w", p.UserID, err)
	}
	return nil
}

// ── Orders ──

const orderColumns = `id, user_id, symbol, side, order_type, quantity, limit_price, trading_mode,
	execution_time, ref_price, blocked_amount, status, filled_quantity, filled_price, reason,
	created_at, updated_at, filled_at, cancelled_at`

func (t *tx) InsertOrder(o model.Order) error {
	_, err := t.exec(`INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.Symbol, string(o.Side), string(o.Type), o.Quantity, optPrice(o.LimitPrice),
		string(o.Mode), optTime(o.ExecutionTime), optPrice(o.RefPrice), o.BlockedAmount.String(),
		string(o.Status), o.FilledQuantity, optPrice(o.FilledPrice), o.Reason,
		o.CreatedAt.UnixNano(), o.UpdatedAt.UnixNano(), optTime(o.FilledAt), optTime(o.CancelledAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite insert order %s: %w", o.ID, err)
	}
	return nil
}

func (t *tx) Order(id string) (model.Order, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, model.ErrNotFound
	}
	return o, err
}

func (t *tx) TransitionOrder(o model.Order, from model.OrderStatus) error {
	res, err := t.exec(`
		UPDATE orders SET
			status = ?, filled_quantity = ?, filled_price = ?, reason = ?, ref_price = ?,
			blocked_amount = ?, updated_at = ?, filled_at = ?, cancelled_at = ?
		WHERE id = ? AND status = ?`,
		string(o.Status), o.FilledQuantity, optPrice(o.FilledPrice), o.Reason, optPrice(o.RefPrice),
		o.BlockedAmount.String(), o.UpdatedAt.UnixNano(), optTime(o.FilledAt), optTime(o.CancelledAt),
		o.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("sqlite transition order %s: %w", o.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := t.Order(o.ID); err != nil {
		return err
	}
	return model.ErrConflict
}

func (t *tx) OrdersByUser(userID string, limit int) ([]model.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ? ORDER BY seq DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return t.queryOrders(q, args...)
}

func (t *tx) OrdersByStatus(userID string, statuses []model.OrderStatus, types []model.OrderType) ([]model.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var (
		where []string
		args  []any
	)
	where = append(where, `status IN (`+placeholders(len(statuses))+`)`)
	for _, s := range statuses {
		args = append(args, string(s))
	}
	if len(types) > 0 {
		where = append(where, `order_type IN (`+placeholders(len(types))+`)`)
		for _, ty := range types {
			args = append(args, string(ty))
		}
	}
	if userID != "" {
		where = append(where, `user_id = ?`)
		args = append(args, userID)
	}
	q := `SELECT ` + orderColumns + ` FROM orders WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	return t.queryOrders(q, args...)
}

func (t *tx) queryOrders(q string, args ...any) ([]model.Order, error) {
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query orders: %w", err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *tx) FilledQuantity(userID, symbol string) (int64, int64, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT side, COALESCE(SUM(filled_quantity), 0)
		FROM orders
		WHERE user_id = ? AND symbol = ? AND status = ?
		GROUP BY side`, userID, symbol, string(model.StatusFilled))
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite filled quantity: %w", err)
	}
	defer rows.Close()

	var bought, sold int64
	for rows.Next() {
		var (
			side string
			qty  int64
		)
		if err := rows.Scan(&side, &qty); err != nil {
			return 0, 0, err
		}
		if model.Side(side) == model.SideBuy {
			bought = qty
		} else {
			sold = qty
		}
	}
	return bought, sold, rows.Err()
}

// ── Positions ──

const positionColumns = `user_id, symbol, quantity, avg_price, last_price, unrealized_pnl, updated_at`

func (t *tx) Position(userID, symbol string) (model.Position, bool, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = ? AND symbol = ?`, userID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, err
	}
	return p, true, nil
}

func (t *tx) Positions(userID string) ([]model.Position, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = ? ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *tx) SavePosition(p model.Position) error {
	_, err := t.exec(`
		INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_price = excluded.avg_price,
			last_price = excluded.last_price,
			unrealized_pnl = excluded.unrealized_pnl,
			updated_at = excluded.updated_at
	`, p.UserID, p.Symbol, p.Quantity, p.AvgPrice.String(), optPrice(p.LastPrice),
		p.UnrealizedPnL.String(), p.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite save position %s: %w", p.Key(), err)
	}
	return nil
}

func (t *tx) DeletePosition(userID, symbol string) error {
	_, err := t.exec(`DELETE FROM positions WHERE user_id = ? AND symbol = ?`, userID, symbol)
	if err != nil {
		return fmt.Errorf("sqlite delete position %s:%s: %w", userID, symbol, err)
	}
	return nil
}

// ── Row decoding ──

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (model.Order, error) {
	var (
		o                                model.Order
		side, typ, mode, status, blocked string
		limit, ref, filledPx             sql.NullString
		execTime, filledAt, cancelledAt  sql.NullInt64
		created, updated                 int64
	)
	if err := r.Scan(&o.ID, &o.UserID, &o.Symbol, &side, &typ, &o.Quantity, &limit, &mode,
		&execTime, &ref, &blocked, &status, &o.FilledQuantity, &filledPx, &o.Reason,
		&created, &updated, &filledAt, &cancelledAt); err != nil {
		return model.Order{}, err
	}

	var d decoder
	o.Side = model.Side(side)
	o.Type = model.OrderType(typ)
	o.Mode = model.Mode(mode)
	o.Status = model.OrderStatus(status)
	o.LimitPrice = d.optPrice(limit)
	o.RefPrice = d.optPrice(ref)
	o.FilledPrice = d.optPrice(filledPx)
	o.BlockedAmount = d.money(blocked)
	o.ExecutionTime = optUnix(execTime)
	o.FilledAt = optUnix(filledAt)
	o.CancelledAt = optUnix(cancelledAt)
	o.CreatedAt = fromUnix(created)
	o.UpdatedAt = fromUnix(updated)
	if d.err != nil {
		return model.Order{}, fmt.Errorf("sqlite decode order %s: %w", o.ID, d.err)
	}
	return o, nil
}

func scanPosition(r rowScanner) (model.Position, error) {
	var (
		p        model.Position
		avg, pnl string
		last     sql.NullString
		updated  int64
	)
	if err := r.Scan(&p.UserID, &p.Symbol, &p.Quantity, &avg, &last, &pnl, &updated); err != nil {
		return model.Position{}, err
	}
	var d decoder
	p.AvgPrice = d.price(avg)
	p.LastPrice = d.optPrice(last)
	p.UnrealizedPnL = d.money(pnl)
	p.UpdatedAt = fromUnix(updated)
	if d.err != nil {
		return model.Position{}, fmt.Errorf("sqlite decode position %s: %w", p.Key(), d.err)
	}
	return p, nil
}

// decoder parses decimal columns and keeps the first error.
type decoder struct{ err error }

func (d *decoder) money(s string) model.Money {
	m, err := model.NewMoney(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return m
}

func (d *decoder) price(s string) model.Price {
	p, err := model.NewPrice(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return p
}

func (d *decoder) optPrice(ns sql.NullString) *model.Price {
	if !ns.Valid {
		return nil
	}
	p := d.price(ns.String)
	return &p
}

func optPrice(p *model.Price) any {
	if p == nil {
		return nil
	}
	return p.String()
}

func optTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func optUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func fromUnix(nanos int64) time.Time { return time.Unix(0, nanos) }

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
