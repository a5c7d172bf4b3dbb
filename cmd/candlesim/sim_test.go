package main

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstruments(t *testing.T) {
	got := parseInstruments(" acb:25.1, FPT ,,VNM:-3,:9")
	require.Len(t, got, 3)
	assert.Equal(t, "ACB", got[0].Symbol)
	assert.Equal(t, "25.1", got[0].Price.String())
	assert.Equal(t, "FPT", got[1].Symbol)
	assert.Equal(t, "10", got[1].Price.String())
	assert.Equal(t, "10", got[2].Price.String(), "non-positive start price falls back")
}

func TestWalkPriceStaysWithinStep(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	price := decimal.NewFromInt(100)
	for i := 0; i < 1000; i++ {
		next := walkPrice(rng, price)
		limit := price.Mul(walkStep).Add(decimal.RequireFromString("0.005"))
		assert.True(t, next.Sub(price).Abs().LessThanOrEqual(limit), "step %d: %s -> %s", i, price, next)
		assert.True(t, next.Equal(next.Round(2)))
		price = next
	}
}

func TestWalkPriceFloor(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, "0.01", walkPrice(rng, decimal.RequireFromString("0.001")).String())
}

func TestStepBuildsAndClosesBuckets(t *testing.T) {
	s := newSim("1m", time.Minute, 7, parseInstruments("ACB:25"))
	t0 := time.Date(2024, 6, 3, 3, 0, 5, 0, time.UTC)

	var last []int64
	var highs, lows []string
	for i := 0; i < 5; i++ {
		forming, closed := s.step(t0.Add(time.Duration(i) * 10 * time.Second))
		require.Len(t, forming, 1)
		assert.Empty(t, closed)
		c := forming[0]
		assert.Equal(t, t0.Truncate(time.Minute), c.TS)
		assert.Equal(t, "1m", c.Interval)
		assert.True(t, c.Low.LessThanOrEqual(c.Close) && c.Close.LessThanOrEqual(c.High))
		assert.True(t, c.Low.LessThanOrEqual(c.Open) && c.Open.LessThanOrEqual(c.High))
		last = append(last, c.Volume)
		highs = append(highs, c.High.String())
		lows = append(lows, c.Low.String())
	}
	for i := 1; i < len(last); i++ {
		assert.Greater(t, last[i], last[i-1], "volume accumulates within a bucket")
	}

	forming, closed := s.step(t0.Add(time.Minute))
	require.Len(t, closed, 1)
	assert.Equal(t, t0.Truncate(time.Minute), closed[0].TS)
	assert.Equal(t, last[len(last)-1], closed[0].Volume)
	assert.Equal(t, highs[len(highs)-1], closed[0].High.String())
	assert.Equal(t, lows[len(lows)-1], closed[0].Low.String())

	require.Len(t, forming, 1)
	assert.Equal(t, t0.Truncate(time.Minute).Add(time.Minute), forming[0].TS)
	assert.True(t, forming[0].Open.Equal(forming[0].Close))
	assert.Positive(t, forming[0].GrossTradeAmount)
}
