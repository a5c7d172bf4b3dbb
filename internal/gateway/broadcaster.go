package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"papertrade/internal/metrics"
	"papertrade/internal/model"
)

// ErrSlowSubscriber is returned by Subscriber.Send when the peer cannot keep up.
var ErrSlowSubscriber = errors.New("subscriber send buffer full")

// Subscriber is one market-data connection. Send must not block.
type Subscriber interface {
	Send(msg []byte) error
}

// BroadcasterConfig tunes polling and filtering.
type BroadcasterConfig struct {
	Interval       string  // candle interval, e.g. "1m"
	HistoryCandles int     // snapshot size sent on subscribe
	NoiseThreshold float64 // fraction, e.g. 0.2
}

// Broadcaster polls the market-data source for every subscribed symbol and
// fans deduplicated candle updates out to that symbol's subscribers.
// Construct one per process and share it between the WS handler and the
// poll loop.
type Broadcaster struct {
	src     model.MarketDataSource
	cfg     BroadcasterConfig
	metrics *metrics.Metrics
	health  *metrics.HealthStatus
	log     *slog.Logger

	mu     sync.RWMutex
	bySym  map[string]map[Subscriber]struct{}
	bySub  map[Subscriber]map[string]struct{}
	pollMu sync.Mutex // guards dedup
	dedup  *Deduper
}

// NewBroadcaster creates a Broadcaster over src. m and health may be nil.
func NewBroadcaster(src model.MarketDataSource, cfg BroadcasterConfig, m *metrics.Metrics, health *metrics.HealthStatus, log *slog.Logger) *Broadcaster {
	if cfg.Interval == "" {
		cfg.Interval = "1m"
	}
	if cfg.HistoryCandles <= 0 {
		cfg.HistoryCandles = 100
	}
	if cfg.NoiseThreshold <= 0 {
		cfg.NoiseThreshold = 0.2
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Broadcaster{
		src:     src,
		cfg:     cfg,
		metrics: m,
		health:  health,
		log:     log.With("component", "broadcaster"),
		bySym:   make(map[string]map[Subscriber]struct{}),
		bySub:   make(map[Subscriber]map[string]struct{}),
		dedup:   NewDeduper(cfg.NoiseThreshold),
	}
}

// Subscribe replaces s's symbol set with symbols and sends each symbol's
// historical snapshot. Passing no symbols registers s with an empty set.
func (b *Broadcaster) Subscribe(ctx context.Context, s Subscriber, symbols ...string) {
	b.mu.Lock()
	orphaned := b.detachLocked(s)
	set := make(map[string]struct{}, len(symbols))
	for _, sym := range symbols {
		set[sym] = struct{}{}
		subs, ok := b.bySym[sym]
		if !ok {
			subs = make(map[Subscriber]struct{})
			b.bySym[sym] = subs
		}
		subs[s] = struct{}{}
		delete(orphaned, sym)
	}
	b.bySub[s] = set
	b.metrics.Subscribers.Set(float64(len(b.bySub)))
	b.mu.Unlock()

	b.forget(orphaned)
	for _, sym := range symbols {
		b.sendHistory(ctx, s, sym)
	}
}

// Unsubscribe removes symbol from s's set.
func (b *Broadcaster) Unsubscribe(s Subscriber, symbol string) {
	b.mu.Lock()
	orphaned := map[string]struct{}{}
	if set, ok := b.bySub[s]; ok {
		delete(set, symbol)
		if subs, ok := b.bySym[symbol]; ok {
			delete(subs, s)
			if len(subs) == 0 {
				delete(b.bySym, symbol)
				orphaned[symbol] = struct{}{}
			}
		}
	}
	b.mu.Unlock()
	b.forget(orphaned)
}

// Remove drops s entirely. Safe to call more than once.
func (b *Broadcaster) Remove(s Subscriber) {
	b.mu.Lock()
	_, known := b.bySub[s]
	orphaned := b.detachLocked(s)
	delete(b.bySub, s)
	b.metrics.Subscribers.Set(float64(len(b.bySub)))
	b.mu.Unlock()

	if known {
		b.forget(orphaned)
	}
}

// detachLocked removes s from every symbol it follows and returns the
// symbols left with no subscribers. Caller holds b.mu.
func (b *Broadcaster) detachLocked(s Subscriber) map[string]struct{} {
	orphaned := make(map[string]struct{})
	for sym := range b.bySub[s] {
		subs := b.bySym[sym]
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.bySym, sym)
			orphaned[sym] = struct{}{}
		}
	}
	b.bySub[s] = map[string]struct{}{}
	return orphaned
}

// forget drops dedup state for symbols nobody watches, so a returning
// subscriber starts from a fresh noise reference.
func (b *Broadcaster) forget(symbols map[string]struct{}) {
	if len(symbols) == 0 {
		return
	}
	b.pollMu.Lock()
	for sym := range symbols {
		b.dedup.Forget(sym)
	}
	b.pollMu.Unlock()
}

// Symbols returns the symbols with at least one subscriber, sorted.
func (b *Broadcaster) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.bySym))
	for sym := range b.bySym {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// SymbolsOf returns the symbols s follows, sorted.
func (b *Broadcaster) SymbolsOf(s Subscriber) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.bySub[s]))
	for sym := range b.bySub[s] {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// SubscriberCount returns the number of registered subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bySub)
}

func (b *Broadcaster) sendHistory(ctx context.Context, s Subscriber, symbol string) {
	candles, err := b.src.Latest(ctx, symbol, b.cfg.Interval, b.cfg.HistoryCandles)
	if err != nil {
		b.log.Warn("history fetch failed", "symbol", symbol, "err", err)
		candles = nil
	}
	if err := s.Send(encodeHistorical(symbol, candles)); err != nil {
		b.drop(s, err)
	}
}

// Poll fetches the latest candle of every subscribed symbol once and pushes
// the ones that changed. Returns the number of symbols pushed.
func (b *Broadcaster) Poll(ctx context.Context) int {
	pushed := 0
	for _, sym := range b.Symbols() {
		if ctx.Err() != nil {
			return pushed
		}
		candles, err := b.src.Latest(ctx, sym, b.cfg.Interval, 1)
		if err != nil {
			b.log.Debug("poll failed", "symbol", sym, "err", err)
			continue
		}
		if len(candles) == 0 {
			continue
		}
		c := candles[0]
		c.Symbol = sym

		b.pollMu.Lock()
		decision := b.dedup.Observe(c)
		b.pollMu.Unlock()

		switch decision {
		case Push:
			b.fanout(sym, encodeUpdate(sym, c))
			b.metrics.BroadcastPushes.Inc()
			pushed++
		case Noise:
			b.metrics.BroadcastSuppressed.WithLabelValues(decision.String()).Inc()
			b.log.Warn("suppressed implausible candle", "symbol", sym, "close", c.Close.String(), "ts", c.TS)
		default:
			b.metrics.BroadcastSuppressed.WithLabelValues(decision.String()).Inc()
		}
	}
	if pushed > 0 && b.health != nil {
		b.health.SetLastPushTime(time.Now())
	}
	return pushed
}

// fanout sends msg to every subscriber of symbol. A failed send removes
// only that subscriber.
func (b *Broadcaster) fanout(symbol string, msg []byte) {
	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.bySym[symbol]))
	for s := range b.bySym[symbol] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(msg); err != nil {
			b.drop(s, err)
		}
	}
}

func (b *Broadcaster) drop(s Subscriber, err error) {
	b.log.Info("dropping subscriber", "err", err)
	b.metrics.SubscriberDrops.Inc()
	b.Remove(s)
}

// Run polls every interval until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	b.log.Info("broadcaster started", "every", every, "interval", b.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			b.log.Info("broadcaster stopped")
			return
		case <-ticker.C:
			b.Poll(ctx)
		}
	}
}
