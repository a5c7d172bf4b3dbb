package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trading engine and the
// market-data broadcaster.
type Metrics struct {
	// Order lifecycle
	OrdersTotal    *prometheus.CounterVec // labels: type, side, status
	FillsTotal     *prometheus.CounterVec // labels: source
	FillConflicts  prometheus.Counter
	SweepDuration  *prometheus.HistogramVec // labels: sweep
	PriceLookupErr prometheus.Counter

	// Broadcaster
	BroadcastPushes     prometheus.Counter
	BroadcastSuppressed *prometheus.CounterVec // labels: reason
	Subscribers         prometheus.Gauge
	SubscriberDrops     prometheus.Counter

	// Candle source
	BreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	BreakerTrips prometheus.Counter

	// Market session
	MarketOpen prometheus.Gauge // 0=closed, 1=open
}

// New builds the metric set and registers it with reg. A nil reg leaves the
// collectors unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrade_orders_total",
			Help: "Orders by type, side and resulting status",
		}, []string{"type", "side", "status"}),
		FillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrade_fills_total",
			Help: "Fills by the path that executed them",
		}, []string{"source"}),
		FillConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_fill_conflicts_total",
			Help: "Fill attempts aborted because the order changed underneath",
		}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "papertrade_sweep_duration_seconds",
			Help:    "Background sweep latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		PriceLookupErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_price_lookup_failures_total",
			Help: "Price lookups that returned no price or failed",
		}),

		BroadcastPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_broadcast_pushes_total",
			Help: "Candle updates fanned out to subscribers",
		}),
		BroadcastSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "papertrade_broadcast_suppressed_total",
			Help: "Candle observations not pushed (duplicate or noise)",
		}, []string{"reason"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "papertrade_ws_subscribers",
			Help: "Connected WebSocket subscribers",
		}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_ws_subscriber_drops_total",
			Help: "Subscribers removed after a failed send",
		}),

		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "papertrade_candle_source_breaker_state",
			Help: "Candle source circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "papertrade_candle_source_breaker_trips_total",
			Help: "Times the candle source circuit breaker tripped open",
		}),

		MarketOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "papertrade_market_open",
			Help: "REALTIME session state (0=closed, 1=open)",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.OrdersTotal,
			m.FillsTotal,
			m.FillConflicts,
			m.SweepDuration,
			m.PriceLookupErr,
			m.BroadcastPushes,
			m.BroadcastSuppressed,
			m.Subscribers,
			m.SubscriberDrops,
			m.BreakerState,
			m.BreakerTrips,
			m.MarketOpen,
		)
	}
	return m
}

// HealthStatus tracks dependency liveness for /health.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected  bool      `json:"redis_connected"`
	SQLiteOK        bool      `json:"sqlite_ok"`
	LastPushTime    time.Time `json:"last_push_time"`
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	redisRequired bool
}

// NewHealthStatus returns a default health status. redisRequired controls
// whether a Redis outage degrades overall health.
func NewHealthStatus(redisRequired bool) *HealthStatus {
	return &HealthStatus{
		StartedAt:     time.Now(),
		redisRequired: redisRequired,
	}
}

// SetLastPushTime records the latest broadcaster push.
func (h *HealthStatus) SetLastPushTime(t time.Time) {
	h.mu.Lock()
	h.LastPushTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	check := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if sqlDB != nil {
			h.CheckSQLite(probeCtx, sqlDB)
		}
	}
	go func() {
		check()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				check()
			}
		}
	}()
}

// ServeHTTP handles the /health endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.SQLiteOK || (h.redisRequired && !h.RedisConnected) {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}

	lastPush := ""
	if !h.LastPushTime.IsZero() {
		lastPush = h.LastPushTime.Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastPushTime    string  `json:"last_push_time"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overall,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastPushTime:    lastPush,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	})
}

// Server runs an HTTP server exposing /metrics and /health.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus, log *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", health)

	return &Server{
		addr: addr,
		log:  log,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error("metrics server error", "err", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
