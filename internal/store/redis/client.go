// Package redis serves candles from Redis: closed buckets in a per-symbol
// stream, the forming bucket in a plain key. Reads and writes go through a
// circuit breaker so an outage fails fast.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

// Config configures the Redis connection.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Connect creates a client and pings the server.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// StreamKey is the stream of closed buckets, e.g. "candle:1m:ACB".
func StreamKey(interval, symbol string) string {
	return "candle:" + interval + ":" + symbol
}

// LatestKey holds the forming bucket, e.g. "candle:1m:latest:ACB".
func LatestKey(interval, symbol string) string {
	return "candle:" + interval + ":latest:" + symbol
}

// streamID is the entry id for a bucket: its start in milliseconds.
func streamID(ts time.Time) string {
	return fmt.Sprintf("%d-0", ts.UnixMilli())
}
