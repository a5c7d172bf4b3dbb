package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"papertrade/internal/model"
)

// CandleSource is a model.MarketDataSource over candles held in memory.
// Tests use it to script price moves and outages.
type CandleSource struct {
	mu      sync.RWMutex
	candles map[string][]model.Candle // symbol -> ascending by TS
	err     error
	calls   int
}

// NewCandleSource creates an empty source.
func NewCandleSource() *CandleSource {
	return &CandleSource{candles: make(map[string][]model.Candle)}
}

// Put inserts or replaces the candle with the same symbol and timestamp.
func (s *CandleSource) Put(c model.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.candles[c.Symbol]
	i := sort.Search(len(list), func(i int) bool { return !list[i].TS.Before(c.TS) })
	if i < len(list) && list[i].TS.Equal(c.TS) {
		list[i] = c
	} else {
		list = append(list, model.Candle{})
		copy(list[i+1:], list[i:])
		list[i] = c
	}
	s.candles[c.Symbol] = list
}

// SetClose is shorthand for a flat candle at ts with the given close.
func (s *CandleSource) SetClose(symbol string, ts time.Time, closePx string) {
	p := model.MustPrice(closePx)
	s.Put(model.Candle{Symbol: symbol, Interval: "1m", TS: ts, Open: p, High: p, Low: p, Close: p, Volume: 100})
}

// SetErr makes every call fail with err until cleared with nil.
func (s *CandleSource) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Calls returns how many lookups were served.
func (s *CandleSource) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

func (s *CandleSource) Latest(ctx context.Context, symbol, interval string, limit int) ([]model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	list := s.candles[symbol]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]model.Candle, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (s *CandleSource) Range(ctx context.Context, symbol, interval string, from, to time.Time, limit int) ([]model.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	list := s.candles[symbol]
	lo := sort.Search(len(list), func(i int) bool { return !list[i].TS.Before(from) })
	hi := sort.Search(len(list), func(i int) bool { return list[i].TS.After(to) })
	if lo >= hi {
		return nil, nil
	}
	if limit > 0 && hi-lo > limit {
		lo = hi - limit
	}
	return append([]model.Candle(nil), list[lo:hi]...), nil
}

func (s *CandleSource) PriceAt(ctx context.Context, symbol, interval string, ts time.Time) (model.Price, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return model.Price{}, false, s.err
	}
	list := s.candles[symbol]
	i := sort.Search(len(list), func(i int) bool { return list[i].TS.After(ts) })
	if i == 0 {
		return model.Price{}, false, nil
	}
	return list[i-1].Close, true, nil
}
