package execution

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"papertrade/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Fill is one executed order as recorded in the journal.
type Fill struct {
	OrderID  string          `json:"order_id"`
	UserID   string          `json:"user_id"`
	Symbol   string          `json:"symbol"`
	Side     model.Side      `json:"side"`
	Type     model.OrderType `json:"order_type"`
	Mode     model.Mode      `json:"trading_mode"`
	Quantity int64           `json:"quantity"`
	Price    model.Price     `json:"price"`
	Amount   model.Money     `json:"amount"`
	Source   string          `json:"source"`
	FilledAt time.Time       `json:"filled_at"`
}

// FillJournal receives every committed fill. A journal failure never undoes
// the fill.
type FillJournal interface {
	RecordFill(ctx context.Context, f Fill) error
}

type nopJournal struct{}

func (nopJournal) RecordFill(context.Context, Fill) error { return nil }

// Journal persists fills to SQLite for analysis and audit.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJournal opens (or creates) the fills table in the SQLite database at dbPath.
func NewJournal(dbPath string, log *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS fills (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id    TEXT NOT NULL,
		user_id     TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		order_type  TEXT NOT NULL,
		mode        TEXT NOT NULL,
		qty         INTEGER NOT NULL,
		price       TEXT NOT NULL,
		amount      TEXT NOT NULL,
		source      TEXT NOT NULL,
		filled_at   DATETIME NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_fills_user ON fills(user_id, filled_at);
	CREATE INDEX IF NOT EXISTS idx_fills_symbol ON fills(symbol);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create fills table: %w", err)
	}

	log.Info("opened fill journal", "path", dbPath)
	return &Journal{db: db}, nil
}

// RecordFill appends a fill.
func (j *Journal) RecordFill(ctx context.Context, f Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO fills (order_id, user_id, symbol, side, order_type, mode, qty, price, amount, source, filled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID,
		f.UserID,
		f.Symbol,
		string(f.Side),
		string(f.Type),
		string(f.Mode),
		f.Quantity,
		f.Price.String(),
		f.Amount.String(),
		f.Source,
		f.FilledAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Fills returns the user's last N fills, newest first. An empty userID
// returns fills for everyone.
func (j *Journal) Fills(ctx context.Context, userID string, limit int) ([]Fill, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx,
		`SELECT order_id, user_id, symbol, side, order_type, mode, qty, price, amount, source, filled_at
		 FROM fills WHERE (? = '' OR user_id = ?) ORDER BY id DESC LIMIT ?`, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []Fill
	for rows.Next() {
		var (
			f                 Fill
			side, typ, mode   string
			price, amount, ts string
		)
		if err := rows.Scan(&f.OrderID, &f.UserID, &f.Symbol, &side, &typ, &mode,
			&f.Quantity, &price, &amount, &f.Source, &ts); err != nil {
			return nil, err
		}
		f.Side, f.Type, f.Mode = model.Side(side), model.OrderType(typ), model.Mode(mode)
		if f.Price, err = model.NewPrice(price); err != nil {
			return nil, fmt.Errorf("fill %s price: %w", f.OrderID, err)
		}
		if f.Amount, err = model.NewMoney(amount); err != nil {
			return nil, fmt.Errorf("fill %s amount: %w", f.OrderID, err)
		}
		f.FilledAt, _ = time.Parse(time.RFC3339Nano, ts)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
