// cmd/server runs the paper-trading engine, its REST API and the market-data
// WebSocket broadcaster in one process.
//
// Config comes from the environment (see config.Config), optionally seeded
// from papertrade.env in the working directory.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"papertrade/config"
	"papertrade/internal/execution"
	"papertrade/internal/gateway"
	"papertrade/internal/logger"
	"papertrade/internal/markethours"
	"papertrade/internal/metrics"
	"papertrade/internal/model"
	"papertrade/internal/notification"
	redisstore "papertrade/internal/store/redis"
	sqlitestore "papertrade/internal/store/sqlite"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := logger.Init("papertrade", logger.ParseLevel(cfg.LogLevel))
	log.Info("starting", "listen", cfg.ListenAddr, "candle_source", cfg.CandleSource)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	prom := metrics.New(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus(cfg.CandleSource == "redis")
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, log)
	metricsSrv.Start()

	// ---- Ledger + fill journal ----
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		log.Error("create data dir", "err", err)
		os.Exit(1)
	}
	store, err := sqlitestore.Open(cfg.SQLitePath, model.MoneyFromInt(cfg.InitialBalance), log)
	if err != nil {
		log.Error("open ledger", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	journal, err := execution.NewJournal(cfg.SQLitePath, log)
	if err != nil {
		log.Error("open fill journal", "err", err)
		os.Exit(1)
	}
	defer journal.Close()

	// ---- Candle source ----
	var (
		prices model.MarketDataSource
		rdb    *goredis.Client
	)
	switch cfg.CandleSource {
	case "redis":
		rdb, err = redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Error("redis connect", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		cb := redisstore.NewCircuitBreaker(5, 30*time.Second)
		redisstore.Instrument(cb, prom)
		prices = redisstore.NewSource(rdb, cb, log)
	case "sqlite":
		candles, err := sqlitestore.OpenCandles(cfg.CandlesPath, log)
		if err != nil {
			log.Error("open candle store", "err", err)
			os.Exit(1)
		}
		defer candles.Close()
		prices = candles
	}
	health.StartLivenessChecker(ctx, rdb, store.DB(), 10*time.Second)

	// ---- Notifications ----
	notifier, closeNotifier := buildNotifier(cfg, log)
	defer closeNotifier()
	async := notification.NewAsync(notifier, 1024, log)
	go async.Run(ctx)

	// ---- Engine + broadcaster ----
	gate := markethours.NewGate(time.Now)
	eng := execution.NewEngine(store, prices, gate, execution.Config{
		Interval:        cfg.CandleInterval,
		PriceHintMaxAge: cfg.PriceHintMaxAge(),
	},
		execution.WithJournal(journal),
		execution.WithNotifier(async),
		execution.WithMetrics(prom),
		execution.WithLogger(log),
	)
	var loops loopGroup
	loops.Go(ctx, func(ctx context.Context) { eng.Run(ctx, cfg.SweepInterval()) })

	b := gateway.NewBroadcaster(prices, gateway.BroadcasterConfig{
		Interval:       cfg.CandleInterval,
		HistoryCandles: cfg.HistoryCandles,
		NoiseThreshold: cfg.NoiseThreshold,
	}, prom, health, log)
	loops.Go(ctx, func(ctx context.Context) { b.Run(ctx, cfg.BroadcastInterval()) })

	api := gateway.NewAPI(eng, b, gate, prices, journal, cfg.CandleInterval, log)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("api listening", "addr", cfg.ListenAddr, "market", gate.Status())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server error", "err", err)
			sigCh <- syscall.SIGTERM
		}
	}()

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	if !loops.Wait(5 * time.Second) {
		log.Warn("background loops still running at shutdown")
	}
	select {
	case <-async.Done():
	case <-shutdownCtx.Done():
	}
	log.Info("shutdown complete")
}

// buildNotifier always logs, and adds each external backend that is configured.
func buildNotifier(cfg config.Config, log *slog.Logger) (notification.Notifier, func()) {
	out := notification.Multi{notification.NewLogNotifier(log)}
	closeFn := func() {}
	if cfg.WebhookURL != "" {
		out = append(out, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		out = append(out, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.NatsURL != "" {
		nc, err := notification.NewNATSNotifier(cfg.NatsURL)
		if err != nil {
			log.Warn("nats unavailable, continuing without it", "url", cfg.NatsURL, "err", err)
		} else {
			out = append(out, nc)
			closeFn = func() { nc.Close() }
		}
	}
	return out, closeFn
}
