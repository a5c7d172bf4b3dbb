package redis

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"papertrade/internal/model"

	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bucket0 = time.Date(2024, 6, 3, 3, 0, 0, 0, time.UTC)

func flat(symbol string, ts time.Time, px string) model.Candle {
	p := model.MustPrice(px)
	return model.Candle{Symbol: symbol, Interval: "1m", TS: ts, Open: p, High: p, Low: p, Close: p, Volume: 100}
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "candle:1m:ACB", StreamKey("1m", "ACB"))
	assert.Equal(t, "candle:1m:latest:ACB", LatestKey("1m", "ACB"))
	assert.Equal(t, "1717383600000-0", streamID(bucket0))
}

func TestMergeForming(t *testing.T) {
	closed := []model.Candle{flat("ACB", bucket0.Add(time.Minute), "26"), flat("ACB", bucket0, "25")}

	newer := flat("ACB", bucket0.Add(2*time.Minute), "27")
	got := mergeForming(&newer, closed, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "27", got[0].Close.String())
	assert.Equal(t, "26", got[1].Close.String())

	same := flat("ACB", bucket0.Add(time.Minute), "99")
	got = mergeForming(&same, closed, 5)
	require.Len(t, got, 2)
	assert.Equal(t, "26", got[0].Close.String(), "closed bucket wins")

	got = mergeForming(&newer, nil, 5)
	require.Len(t, got, 1)

	assert.Empty(t, mergeForming(nil, nil, 5))
}

func TestRangeOldestFirst(t *testing.T) {
	closed := []model.Candle{flat("ACB", bucket0.Add(2*time.Minute), "27"), flat("ACB", bucket0.Add(time.Minute), "26"), flat("ACB", bucket0, "25")}
	forming := flat("ACB", bucket0.Add(3*time.Minute), "28")

	got := rangeOldestFirst(&forming, closed, bucket0, bucket0.Add(time.Hour), 0)
	require.Len(t, got, 4)
	assert.Equal(t, "25", got[0].Close.String())
	assert.Equal(t, "28", got[3].Close.String())

	got = rangeOldestFirst(&forming, closed, bucket0, bucket0.Add(2*time.Minute), 0)
	require.Len(t, got, 3, "forming bucket outside the window is left out")
	assert.Equal(t, "27", got[2].Close.String())

	got = rangeOldestFirst(&forming, closed, bucket0, bucket0.Add(time.Hour), 2)
	require.Len(t, got, 2, "limit keeps the newest")
	assert.Equal(t, "27", got[0].Close.String())
	assert.Equal(t, "28", got[1].Close.String())

	assert.Empty(t, rangeOldestFirst(nil, nil, bucket0, bucket0.Add(time.Hour), 5))
}

func TestDecodeEntries(t *testing.T) {
	c := flat("ACB", bucket0, "25.5")
	got, err := decodeEntries([]goredis.XMessage{{ID: "1-0", Values: map[string]interface{}{"data": string(c.JSON())}}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].TS.Equal(bucket0))
	assert.Equal(t, "25.5", got[0].Close.String())

	_, err = decodeEntries([]goredis.XMessage{{ID: "2-0", Values: map[string]interface{}{}}})
	assert.Error(t, err)
}

// TestSourceAgainstRedis runs only when PAPERTRADE_TEST_REDIS points at a
// disposable Redis 5+ server.
func TestSourceAgainstRedis(t *testing.T) {
	addr := os.Getenv("PAPERTRADE_TEST_REDIS")
	if addr == "" {
		t.Skip("PAPERTRADE_TEST_REDIS not set")
	}
	ctx := context.Background()
	rdb, err := Connect(ctx, Config{Addr: addr, DB: 15})
	require.NoError(t, err)
	defer rdb.Close()

	sym := "TEST" + time.Now().Format("150405")
	t.Cleanup(func() { rdb.Del(ctx, StreamKey("1m", sym), LatestKey("1m", sym)) })

	w := NewWriter(rdb, 100)
	src := NewSource(rdb, NewCircuitBreaker(3, time.Second), slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, w.AppendClosed(ctx, flat(sym, bucket0, "25")))
	require.NoError(t, w.AppendClosed(ctx, flat(sym, bucket0.Add(time.Minute), "26")))
	assert.ErrorIs(t, w.AppendClosed(ctx, flat(sym, bucket0, "24")), ErrStaleCandle)
	require.NoError(t, w.WriteForming(ctx, flat(sym, bucket0.Add(2*time.Minute), "26.5")))

	latest, err := src.Latest(ctx, sym, "1m", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "26.5", latest[0].Close.String())
	assert.Equal(t, "26", latest[1].Close.String())

	px, ok, err := src.PriceAt(ctx, sym, "1m", bucket0.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "25", px.String())

	_, ok, err = src.PriceAt(ctx, sym, "1m", bucket0.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	window, err := src.Range(ctx, sym, "1m", bucket0.Add(time.Minute), bucket0.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, "26", window[0].Close.String())
	assert.Equal(t, "26.5", window[1].Close.String())

	window, err = src.Range(ctx, sym, "1m", bucket0, bucket0.Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "26", window[0].Close.String())
}
