// Package config loads process configuration from the environment, with an
// optional papertrade.env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// Listeners
	ListenAddr  string `mapstructure:"LISTEN_ADDR"`
	MetricsAddr string `mapstructure:"METRICS_ADDR"`

	// Storage
	SQLitePath    string `mapstructure:"SQLITE_PATH"`
	CandlesPath   string `mapstructure:"CANDLES_PATH"`
	CandleSource  string `mapstructure:"CANDLE_SOURCE"` // redis | sqlite
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Engine
	CandleInterval     string `mapstructure:"CANDLE_INTERVAL"`
	SweepIntervalSec   int    `mapstructure:"SWEEP_INTERVAL_SEC"`
	InitialBalance     int64  `mapstructure:"INITIAL_BALANCE"`
	PriceHintMaxAgeSec int    `mapstructure:"PRICE_HINT_MAX_AGE_SEC"`

	// Broadcaster
	BroadcastIntervalSec int     `mapstructure:"BROADCAST_INTERVAL_SEC"`
	NoiseThreshold       float64 `mapstructure:"NOISE_THRESHOLD"`
	HistoryCandles       int     `mapstructure:"HISTORY_CANDLES"`

	// Notifications (each optional)
	WebhookURL       string `mapstructure:"WEBHOOK_URL"`
	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID   string `mapstructure:"TELEGRAM_CHAT_ID"`
	NatsURL          string `mapstructure:"NATS_URL"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

var defaults = map[string]any{
	"LISTEN_ADDR":            ":8080",
	"METRICS_ADDR":           ":9090",
	"SQLITE_PATH":            "data/papertrade.db",
	"CANDLES_PATH":           "data/candles.db",
	"CANDLE_SOURCE":          "redis",
	"REDIS_ADDR":             "localhost:6379",
	"REDIS_PASSWORD":         "",
	"REDIS_DB":               0,
	"CANDLE_INTERVAL":        "1m",
	"SWEEP_INTERVAL_SEC":     5,
	"INITIAL_BALANCE":        1_000_000,
	"PRICE_HINT_MAX_AGE_SEC": 60,
	"BROADCAST_INTERVAL_SEC": 5,
	"NOISE_THRESHOLD":        0.2,
	"HISTORY_CANDLES":        100,
	"WEBHOOK_URL":            "",
	"TELEGRAM_BOT_TOKEN":     "",
	"TELEGRAM_CHAT_ID":       "",
	"NATS_URL":               "",
	"LOG_LEVEL":              "info",
}

// Load reads configuration from the environment over built-in defaults and
// validates it.
func Load() (Config, error) {
	return LoadFrom(".")
}

// LoadFrom is Load with papertrade.env looked up in dir.
func LoadFrom(dir string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("papertrade")
	v.SetConfigType("env")
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.CandleSource = strings.ToLower(strings.TrimSpace(cfg.CandleSource))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.SweepIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL_SEC must be positive, got %d", c.SweepIntervalSec))
	}
	if c.BroadcastIntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_INTERVAL_SEC must be positive, got %d", c.BroadcastIntervalSec))
	}
	if c.NoiseThreshold <= 0 || c.NoiseThreshold > 1 {
		errs = append(errs, fmt.Errorf("NOISE_THRESHOLD must be in (0,1], got %g", c.NoiseThreshold))
	}
	if c.HistoryCandles <= 0 {
		errs = append(errs, fmt.Errorf("HISTORY_CANDLES must be positive, got %d", c.HistoryCandles))
	}
	if c.InitialBalance < 0 {
		errs = append(errs, fmt.Errorf("INITIAL_BALANCE must not be negative, got %d", c.InitialBalance))
	}
	if c.PriceHintMaxAgeSec < 0 {
		errs = append(errs, fmt.Errorf("PRICE_HINT_MAX_AGE_SEC must not be negative, got %d", c.PriceHintMaxAgeSec))
	}
	if c.CandleSource != "redis" && c.CandleSource != "sqlite" {
		errs = append(errs, fmt.Errorf("CANDLE_SOURCE must be redis or sqlite, got %q", c.CandleSource))
	}
	if c.CandleInterval == "" {
		errs = append(errs, errors.New("CANDLE_INTERVAL must be set"))
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}
	return errors.Join(errs...)
}

// SweepInterval is how often the background sweeps run.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// BroadcastInterval is how often the broadcaster polls for new candles.
func (c Config) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalSec) * time.Second
}

// PriceHintMaxAge is how old a client price hint may be.
func (c Config) PriceHintMaxAge() time.Duration {
	return time.Duration(c.PriceHintMaxAgeSec) * time.Second
}
