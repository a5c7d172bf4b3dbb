package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"papertrade/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

// Source is a model.MarketDataSource over the candle streams.
type Source struct {
	rdb *goredis.Client
	cb  *CircuitBreaker
	log *slog.Logger
}

// NewSource wraps rdb. cb may be shared with other Redis users.
func NewSource(rdb *goredis.Client, cb *CircuitBreaker, log *slog.Logger) *Source {
	return &Source{rdb: rdb, cb: cb, log: log.With("component", "redis-candles")}
}

// Latest returns up to limit candles, newest first. The forming bucket,
// when newer than the last closed one, comes first.
func (s *Source) Latest(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []model.Candle
	err := s.cb.Execute(func() error {
		pipe := s.rdb.Pipeline()
		formingCmd := pipe.Get(ctx, LatestKey(interval, symbol))
		closedCmd := pipe.XRevRangeN(ctx, StreamKey(interval, symbol), "+", "-", int64(limit))
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if err := closedCmd.Err(); err != nil {
			return err
		}
		forming, err := decodeForming(formingCmd)
		if err != nil {
			return err
		}
		closed, err := decodeEntries(closedCmd.Val())
		if err != nil {
			return err
		}
		out = mergeForming(forming, closed, limit)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis latest %s: %w", symbol, err)
	}
	return out, nil
}

// PriceAt returns the close of the newest bucket starting at or before ts.
func (s *Source) PriceAt(ctx context.Context, symbol, interval string, ts time.Time) (model.Price, bool, error) {
	var (
		px model.Price
		ok bool
	)
	err := s.cb.Execute(func() error {
		pipe := s.rdb.Pipeline()
		formingCmd := pipe.Get(ctx, LatestKey(interval, symbol))
		closedCmd := pipe.XRevRangeN(ctx, StreamKey(interval, symbol), strconv.FormatInt(ts.UnixMilli(), 10), "-", 1)
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if err := closedCmd.Err(); err != nil {
			return err
		}
		forming, err := decodeForming(formingCmd)
		if err != nil {
			return err
		}
		closed, err := decodeEntries(closedCmd.Val())
		if err != nil {
			return err
		}
		if forming != nil && forming.TS.After(ts) {
			forming = nil
		}
		if best := mergeForming(forming, closed, 1); len(best) == 1 {
			px, ok = best[0].Close, true
		}
		return nil
	})
	if err != nil {
		return model.Price{}, false, fmt.Errorf("redis price at %s: %w", symbol, err)
	}
	return px, ok, nil
}

// Range returns buckets starting within [from, to], oldest first, keeping
// the newest limit. The forming bucket is included when it falls in range.
func (s *Source) Range(ctx context.Context, symbol, interval string, from, to time.Time, limit int) ([]model.Candle, error) {
	if to.Before(from) {
		return nil, nil
	}
	var out []model.Candle
	err := s.cb.Execute(func() error {
		pipe := s.rdb.Pipeline()
		formingCmd := pipe.Get(ctx, LatestKey(interval, symbol))
		hi, lo := strconv.FormatInt(to.UnixMilli(), 10), strconv.FormatInt(from.UnixMilli(), 10)
		var closedCmd *goredis.XMessageSliceCmd
		if limit > 0 {
			closedCmd = pipe.XRevRangeN(ctx, StreamKey(interval, symbol), hi, lo, int64(limit))
		} else {
			closedCmd = pipe.XRevRange(ctx, StreamKey(interval, symbol), hi, lo)
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if err := closedCmd.Err(); err != nil {
			return err
		}
		forming, err := decodeForming(formingCmd)
		if err != nil {
			return err
		}
		closed, err := decodeEntries(closedCmd.Val())
		if err != nil {
			return err
		}
		out = rangeOldestFirst(forming, closed, from, to, limit)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis range %s: %w", symbol, err)
	}
	return out, nil
}

func decodeForming(cmd *goredis.StringCmd) (*model.Candle, error) {
	raw, err := cmd.Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c model.Candle
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode forming candle: %w", err)
	}
	return &c, nil
}

// decodeEntries parses stream entries; each carries the candle JSON in "data".
func decodeEntries(msgs []goredis.XMessage) ([]model.Candle, error) {
	out := make([]model.Candle, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			return nil, fmt.Errorf("stream entry %s has no data field", m.ID)
		}
		var c model.Candle
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", m.ID, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// rangeOldestFirst merges forming into the newest-first closed buckets when
// it starts within [from, to], keeps the newest limit and returns them
// oldest first.
func rangeOldestFirst(forming *model.Candle, closed []model.Candle, from, to time.Time, limit int) []model.Candle {
	if forming != nil && (forming.TS.Before(from) || forming.TS.After(to)) {
		forming = nil
	}
	if limit <= 0 {
		limit = len(closed) + 1
	}
	merged := mergeForming(forming, closed, limit)
	out := make([]model.Candle, len(merged))
	for i, c := range merged {
		out[len(merged)-1-i] = c
	}
	return out
}

// mergeForming puts forming ahead of the newest-first closed list when it
// is strictly newer, then trims to limit. A closed bucket wins over a
// forming one with the same start.
func mergeForming(forming *model.Candle, closed []model.Candle, limit int) []model.Candle {
	out := closed
	if forming != nil && (len(closed) == 0 || forming.TS.After(closed[0].TS)) {
		out = make([]model.Candle, 0, len(closed)+1)
		out = append(out, *forming)
		out = append(out, closed...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
