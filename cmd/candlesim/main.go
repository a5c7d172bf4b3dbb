// cmd/candlesim is a demo candle feed.
// Random-walks a set of symbols and writes the resulting candles to the same
// store cmd/server reads from, so the engine and the broadcaster can run
// without a real market-data feed.
//
// Shares CANDLE_SOURCE, REDIS_*, CANDLES_PATH and CANDLE_INTERVAL with
// cmd/server. Own settings (env vars):
//
//	SIM_SYMBOLS  : comma-separated SYMBOL:START_PRICE pairs (default: "ACB:25,FPT:120,VNM:68")
//	SIM_TICK_MS  : trade interval in milliseconds (default: "1000")
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"papertrade/config"
	"papertrade/internal/logger"
	"papertrade/internal/model"
	redisstore "papertrade/internal/store/redis"
	sqlitestore "papertrade/internal/store/sqlite"

	"github.com/spf13/viper"
)

// sink receives the simulated candles.
type sink interface {
	Forming(ctx context.Context, c model.Candle) error
	Closed(ctx context.Context, c model.Candle) error
}

type redisSink struct{ w *redisstore.BufferedWriter }

func (s redisSink) Forming(_ context.Context, c model.Candle) error { return s.w.WriteForming(c) }
func (s redisSink) Closed(_ context.Context, c model.Candle) error  { return s.w.AppendClosed(c) }

// sqliteSink upserts the forming bucket directly and hands closed buckets to
// the store's batching loop.
type sqliteSink struct {
	store  *sqlitestore.CandleStore
	closed chan<- model.Candle
}

func (s sqliteSink) Forming(ctx context.Context, c model.Candle) error { return s.store.Put(ctx, c) }

func (s sqliteSink) Closed(ctx context.Context, c model.Candle) error {
	select {
	case s.closed <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := logger.Init("candlesim", logger.ParseLevel(cfg.LogLevel))

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("SIM_SYMBOLS", "ACB:25,FPT:120,VNM:68")
	v.SetDefault("SIM_TICK_MS", 1000)

	instruments := parseInstruments(v.GetString("SIM_SYMBOLS"))
	if len(instruments) == 0 {
		log.Error("no instruments configured via SIM_SYMBOLS")
		os.Exit(1)
	}
	bucket, err := time.ParseDuration(cfg.CandleInterval)
	if err != nil || bucket <= 0 {
		log.Error("CANDLE_INTERVAL is not a duration", "interval", cfg.CandleInterval)
		os.Exit(1)
	}
	tick := time.Duration(v.GetInt("SIM_TICK_MS")) * time.Millisecond
	if tick <= 0 {
		tick = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	var out sink
	switch cfg.CandleSource {
	case "redis":
		rdb, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Error("redis connect", "err", err)
			os.Exit(1)
		}
		w := redisstore.NewWriter(rdb, 0)
		defer w.Close()
		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		bw := redisstore.NewBufferedWriter(ctx, w, cb, 0, log)
		bw.OnFlush = func(n int) { log.Info("replayed buffered candles", "count", n) }
		out = redisSink{w: bw}
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.CandlesPath), 0o755); err != nil {
			log.Error("create data dir", "err", err)
			os.Exit(1)
		}
		store, err := sqlitestore.OpenCandles(cfg.CandlesPath, log)
		if err != nil {
			log.Error("open candle store", "err", err)
			os.Exit(1)
		}
		defer store.Close()
		ch := make(chan model.Candle, 1024)
		done := make(chan struct{})
		go func() {
			defer close(done)
			store.Run(ctx, ch)
		}()
		defer func() { <-done }()
		out = sqliteSink{store: store, closed: ch}
	}

	log.Info("simulating", "symbols", len(instruments), "tick", tick, "interval", cfg.CandleInterval, "sink", cfg.CandleSource)
	run(ctx, newSim(cfg.CandleInterval, bucket, time.Now().UnixNano(), instruments), out, tick, log)
	log.Info("candlesim stopped")
}

func run(ctx context.Context, s *sim, out sink, tick time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			forming, closed := s.step(now)
			for _, c := range closed {
				if err := out.Closed(ctx, c); err != nil {
					log.Warn("write closed candle", "symbol", c.Symbol, "err", err)
				}
			}
			for _, c := range forming {
				if err := out.Forming(ctx, c); err != nil {
					log.Debug("write forming candle", "symbol", c.Symbol, "err", err)
				}
			}
		}
	}
}
