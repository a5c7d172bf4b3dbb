package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr: got %q", cfg.ListenAddr)
	}
	if cfg.CandleSource != "redis" {
		t.Errorf("CandleSource: got %q", cfg.CandleSource)
	}
	if cfg.InitialBalance != 1_000_000 {
		t.Errorf("InitialBalance: got %d", cfg.InitialBalance)
	}
	if cfg.NoiseThreshold != 0.2 {
		t.Errorf("NoiseThreshold: got %v", cfg.NoiseThreshold)
	}
	if cfg.SweepInterval() != 5*time.Second {
		t.Errorf("SweepInterval: got %v", cfg.SweepInterval())
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CANDLE_SOURCE", "SQLite")
	t.Setenv("SWEEP_INTERVAL_SEC", "2")
	t.Setenv("NOISE_THRESHOLD", "0.15")
	t.Setenv("INITIAL_BALANCE", "10000000")
	t.Setenv("PRICE_HINT_MAX_AGE_SEC", "30")

	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CandleSource != "sqlite" {
		t.Errorf("CandleSource: got %q", cfg.CandleSource)
	}
	if cfg.SweepInterval() != 2*time.Second {
		t.Errorf("SweepInterval: got %v", cfg.SweepInterval())
	}
	if cfg.NoiseThreshold != 0.15 {
		t.Errorf("NoiseThreshold: got %v", cfg.NoiseThreshold)
	}
	if cfg.InitialBalance != 10_000_000 {
		t.Errorf("InitialBalance: got %d", cfg.InitialBalance)
	}
	if cfg.PriceHintMaxAge() != 30*time.Second {
		t.Errorf("PriceHintMaxAge: got %v", cfg.PriceHintMaxAge())
	}
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	body := "LISTEN_ADDR=:7070\nHISTORY_CANDLES=250\n"
	if err := os.WriteFile(filepath.Join(dir, "papertrade.env"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HISTORY_CANDLES", "300")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr from file: got %q", cfg.ListenAddr)
	}
	if cfg.HistoryCandles != 300 {
		t.Errorf("env should beat file: got %d", cfg.HistoryCandles)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv("BROADCAST_INTERVAL_SEC", "0")
	if _, err := LoadFrom(t.TempDir()); err == nil || !strings.Contains(err.Error(), "BROADCAST_INTERVAL_SEC") {
		t.Fatalf("expected BROADCAST_INTERVAL_SEC error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		CandleSource:         "redis",
		CandleInterval:       "1m",
		SweepIntervalSec:     5,
		BroadcastIntervalSec: 5,
		NoiseThreshold:       0.2,
		HistoryCandles:       100,
		InitialBalance:       1_000_000,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero sweep", func(c *Config) { c.SweepIntervalSec = 0 }, "SWEEP_INTERVAL_SEC"},
		{"noise zero", func(c *Config) { c.NoiseThreshold = 0 }, "NOISE_THRESHOLD"},
		{"noise above one", func(c *Config) { c.NoiseThreshold = 1.5 }, "NOISE_THRESHOLD"},
		{"unknown source", func(c *Config) { c.CandleSource = "kafka" }, "CANDLE_SOURCE"},
		{"no history", func(c *Config) { c.HistoryCandles = 0 }, "HISTORY_CANDLES"},
		{"negative balance", func(c *Config) { c.InitialBalance = -1 }, "INITIAL_BALANCE"},
		{"telegram half set", func(c *Config) { c.TelegramBotToken = "x" }, "TELEGRAM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
