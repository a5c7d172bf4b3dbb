package main

import (
	"math/rand"
	"strings"
	"time"

	"papertrade/internal/model"

	"github.com/shopspring/decimal"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol  string
	Price   decimal.Decimal
	forming *model.Candle
}

// sim random-walks a set of instruments and aggregates the walk into
// interval candles.
type sim struct {
	interval    string
	bucket      time.Duration
	rng         *rand.Rand
	instruments []*instrument
}

func newSim(interval string, bucket time.Duration, seed int64, instruments []*instrument) *sim {
	return &sim{
		interval:    interval,
		bucket:      bucket,
		rng:         rand.New(rand.NewSource(seed)),
		instruments: instruments,
	}
}

// step advances every instrument by one trade at now. It returns the
// forming candle of each instrument and any bucket that closed because now
// crossed into a new one.
func (s *sim) step(now time.Time) (forming, closed []model.Candle) {
	start := now.Truncate(s.bucket)
	for _, in := range s.instruments {
		in.Price = walkPrice(s.rng, in.Price)
		qty := int64(s.rng.Intn(100)+1) * 100

		if in.forming != nil && !in.forming.TS.Equal(start) {
			closed = append(closed, *in.forming)
			in.forming = nil
		}
		px := model.PriceFromDecimal(in.Price)
		if in.forming == nil {
			in.forming = &model.Candle{
				Symbol:   in.Symbol,
				Interval: s.interval,
				TS:       start,
				Open:     px,
				High:     px,
				Low:      px,
			}
		}
		c := in.forming
		if px.Cmp(c.High) > 0 {
			c.High = px
		}
		if px.Cmp(c.Low) < 0 {
			c.Low = px
		}
		c.Close = px
		c.Volume += qty
		c.GrossTradeAmount += px.Float64() * float64(qty)
		forming = append(forming, *c)
	}
	return forming, closed
}

var (
	minPrice = decimal.RequireFromString("0.01")
	walkStep = decimal.RequireFromString("0.001")
)

// walkPrice moves price by up to ±0.1%, rounded to two decimals.
func walkPrice(rng *rand.Rand, price decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromFloat(rng.Float64()*2 - 1).Mul(walkStep)
	next := price.Add(price.Mul(pct)).Round(2)
	if next.LessThan(minPrice) {
		return minPrice
	}
	return next
}

// parseInstruments parses "ACB:25.1,FPT:120" into instruments. A symbol
// without a price starts at 10.
func parseInstruments(s string) []*instrument {
	var out []*instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, priceStr, _ := strings.Cut(part, ":")
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" {
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(priceStr))
		if err != nil || !price.IsPositive() {
			price = decimal.NewFromInt(10)
		}
		out = append(out, &instrument{Symbol: sym, Price: price})
	}
	return out
}
