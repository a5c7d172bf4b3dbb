package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"papertrade/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bucket0 = time.Date(2024, 6, 3, 3, 0, 0, 0, time.UTC)

func flat(symbol string, ts time.Time, px string) model.Candle {
	p := model.MustPrice(px)
	return model.Candle{Symbol: symbol, Interval: "1m", TS: ts, Open: p, High: p, Low: p, Close: p, Volume: 100, GrossTradeAmount: 100 * p.Float64()}
}

func openCandles(t *testing.T) *CandleStore {
	t.Helper()
	s, err := OpenCandles(filepath.Join(t.TempDir(), "candles.db"), quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCandleStore_LatestAndPriceAt(t *testing.T) {
	s := openCandles(t)
	ctx := context.Background()
	for i, px := range []string{"25", "25.5", "26"} {
		require.NoError(t, s.Put(ctx, flat("ACB", bucket0.Add(time.Duration(i)*time.Minute), px)))
	}

	latest, err := s.Latest(ctx, "ACB", "1m", 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "26", latest[0].Close.String())
	assert.True(t, latest[0].TS.Equal(bucket0.Add(2*time.Minute)))
	assert.Equal(t, "25.5", latest[1].Close.String())

	p, ok, err := s.PriceAt(ctx, "ACB", "1m", bucket0.Add(90*time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "25.5", p.String())

	_, ok, err = s.PriceAt(ctx, "ACB", "1m", bucket0.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	none, err := s.Latest(ctx, "VNM", "1m", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCandleStore_Range(t *testing.T) {
	s := openCandles(t)
	ctx := context.Background()
	for i, px := range []string{"25", "25.5", "26", "26.5"} {
		require.NoError(t, s.Put(ctx, flat("ACB", bucket0.Add(time.Duration(i)*time.Minute), px)))
	}

	got, err := s.Range(ctx, "ACB", "1m", bucket0.Add(time.Minute), bucket0.Add(2*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 2, "both ends inclusive")
	assert.Equal(t, "25.5", got[0].Close.String())
	assert.Equal(t, "26", got[1].Close.String())

	got, err = s.Range(ctx, "ACB", "1m", bucket0, bucket0.Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, got, 2, "limit keeps the newest")
	assert.True(t, got[0].TS.Equal(bucket0.Add(2*time.Minute)))
	assert.True(t, got[1].TS.Equal(bucket0.Add(3*time.Minute)))

	got, err = s.Range(ctx, "ACB", "1m", bucket0.Add(time.Hour), bucket0.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCandleStore_PutReplacesBucket(t *testing.T) {
	s := openCandles(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, flat("ACB", bucket0, "25")))
	require.NoError(t, s.Put(ctx, flat("ACB", bucket0, "25.2")))

	latest, err := s.Latest(ctx, "ACB", "1m", 10)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "25.2", latest[0].Close.String())
}

func TestCandleStore_RunFlushesOnClose(t *testing.T) {
	s := openCandles(t)
	ctx := context.Background()

	ch := make(chan model.Candle, 10)
	for i := 0; i < 5; i++ {
		ch <- flat("ACB", bucket0.Add(time.Duration(i)*time.Minute), "25")
	}
	close(ch)
	s.Run(ctx, ch)

	last, err := s.LastTimestamp(ctx, "ACB", "1m")
	require.NoError(t, err)
	assert.True(t, last.Equal(bucket0.Add(4*time.Minute)))

	empty, err := s.LastTimestamp(ctx, "VNM", "1m")
	require.NoError(t, err)
	assert.True(t, empty.IsZero())
}
