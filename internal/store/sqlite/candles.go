package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"papertrade/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// CandleStore keeps OHLCV buckets in SQLite and serves them as a
// model.MarketDataSource.
type CandleStore struct {
	db  *sql.DB
	log *slog.Logger
}

// OpenCandles opens (or creates) the candles table at dbPath.
func OpenCandles(dbPath string, log *slog.Logger) (*CandleStore, error) {
	db, err := sql.Open("sqlite3", dbPath+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("sqlite open candles: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol   TEXT    NOT NULL,
			interval TEXT    NOT NULL,
			ts       INTEGER NOT NULL,
			open     TEXT    NOT NULL,
			high     TEXT    NOT NULL,
			low      TEXT    NOT NULL,
			close    TEXT    NOT NULL,
			volume   INTEGER NOT NULL,
			gross    REAL    NOT NULL DEFAULT 0,
			PRIMARY KEY (symbol, interval, ts)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite candles schema: %w", err)
	}

	log = log.With("component", "sqlite-candles")
	log.Info("opened candle store", "path", dbPath)
	return &CandleStore{db: db, log: log}, nil
}

// DB returns the underlying sql.DB for health checks.
func (s *CandleStore) DB() *sql.DB { return s.db }

const candleColumns = `symbol, interval, ts, open, high, low, close, volume, gross`

// Latest returns up to limit candles, newest first.
func (s *CandleStore) Latest(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+candleColumns+` FROM candles
		WHERE symbol = ? AND interval = ?
		ORDER BY ts DESC
		LIMIT ?`, symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// PriceAt returns the close of the last bucket starting at or before ts.
func (s *CandleStore) PriceAt(ctx context.Context, symbol, interval string, ts time.Time) (model.Price, bool, error) {
	var px string
	err := s.db.QueryRowContext(ctx, `
		SELECT close FROM candles
		WHERE symbol = ? AND interval = ? AND ts <= ?
		ORDER BY ts DESC
		LIMIT 1`, symbol, interval, ts.Unix()).Scan(&px)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Price{}, false, nil
	}
	if err != nil {
		return model.Price{}, false, fmt.Errorf("sqlite price at: %w", err)
	}
	p, err := model.NewPrice(px)
	if err != nil {
		return model.Price{}, false, err
	}
	return p, true, nil
}

// Range returns buckets starting within [from, to], oldest first, keeping
// the newest limit.
func (s *CandleStore) Range(ctx context.Context, symbol, interval string, from, to time.Time, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+candleColumns+` FROM candles
		WHERE symbol = ? AND interval = ? AND ts BETWEEN ? AND ?
		ORDER BY ts DESC
		LIMIT ?`, symbol, interval, from.Unix(), to.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite range candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func reverse(cs []model.Candle) {
	for i, j := 0, len(cs)-1; i < j; i, j = i+1, j-1 {
		cs[i], cs[j] = cs[j], cs[i]
	}
}

// Put upserts a single candle.
func (s *CandleStore) Put(ctx context.Context, c model.Candle) error {
	return s.insertBatch(ctx, []model.Candle{c})
}

// LastTimestamp returns the newest bucket start for symbol/interval, or the
// zero time when there is none.
func (s *CandleStore) LastTimestamp(ctx context.Context, symbol, interval string) (time.Time, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM candles WHERE symbol = ? AND interval = ?`, symbol, interval,
	).Scan(&ts)
	if err != nil || !ts.Valid {
		return time.Time{}, err
	}
	return time.Unix(ts.Int64, 0), nil
}

// Run reads candles from candleCh and inserts them in batched transactions.
// Flushes every batchSize candles OR every flushDelay, whichever first.
// Blocks until ctx is cancelled or candleCh is closed.
func (s *CandleStore) Run(ctx context.Context, candleCh <-chan model.Candle) {
	batch := make([]model.Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		// The run context may already be cancelled on the final flush.
		if err := s.insertBatch(context.Background(), batch); err != nil {
			s.log.Error("batch insert failed", "count", len(batch), "err", err)
		} else {
			s.log.Debug("committed candles", "count", len(batch), "took", time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case c, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (s *CandleStore) insertBatch(ctx context.Context, candles []model.Candle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (`+candleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		_, err := stmt.ExecContext(ctx, c.Symbol, c.Interval, c.TS.Unix(),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume, c.GrossTradeAmount)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func scanCandle(r rowScanner) (model.Candle, error) {
	var (
		c                        model.Candle
		ts                       int64
		open, high, low, closePx string
	)
	if err := r.Scan(&c.Symbol, &c.Interval, &ts, &open, &high, &low, &closePx, &c.Volume, &c.GrossTradeAmount); err != nil {
		return model.Candle{}, err
	}
	var d decoder
	c.TS = time.Unix(ts, 0)
	c.Open = d.price(open)
	c.High = d.price(high)
	c.Low = d.price(low)
	c.Close = d.price(closePx)
	if d.err != nil {
		return model.Candle{}, fmt.Errorf("sqlite decode candle %s: %w", c.Symbol, d.err)
	}
	return c, nil
}

// Close closes the database.
func (s *CandleStore) Close() error {
	return s.db.Close()
}
