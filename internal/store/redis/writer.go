package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"papertrade/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// ~5 trading days of 1m buckets.
	defaultStreamMaxLen = 1500
	defaultLatestTTL    = 30 * time.Minute
)

// ErrStaleCandle is returned when a closed bucket is not newer than the
// stream head.
var ErrStaleCandle = errors.New("candle is not newer than the stream head")

// Writer publishes candles for Source to read.
type Writer struct {
	rdb    *goredis.Client
	maxLen int64
	ttl    time.Duration
}

// NewWriter creates a Writer. maxLen <= 0 uses the default stream length.
func NewWriter(rdb *goredis.Client, maxLen int64) *Writer {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &Writer{rdb: rdb, maxLen: maxLen, ttl: defaultLatestTTL}
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.rdb }

// WriteForming replaces the symbol's forming bucket.
func (w *Writer) WriteForming(ctx context.Context, c model.Candle) error {
	if err := w.rdb.Set(ctx, LatestKey(c.Interval, c.Symbol), c.JSON(), w.ttl).Err(); err != nil {
		return fmt.Errorf("redis set forming %s: %w", c.Symbol, err)
	}
	return nil
}

// AppendClosed adds a finished bucket to the stream, trimming it to about
// maxLen entries.
func (w *Writer) AppendClosed(ctx context.Context, c model.Candle) error {
	err := w.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(c.Interval, c.Symbol),
		ID:     streamID(c.TS),
		MaxLen: w.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(c.JSON())},
	}).Err()
	if err != nil {
		if strings.Contains(err.Error(), "equal or smaller") {
			return fmt.Errorf("redis append %s at %s: %w", c.Symbol, c.TS.Format(time.RFC3339), ErrStaleCandle)
		}
		return fmt.Errorf("redis append %s: %w", c.Symbol, err)
	}
	return nil
}

// Close closes the client.
func (w *Writer) Close() error {
	return w.rdb.Close()
}
