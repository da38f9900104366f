package config

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func lookup(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(lookup(map[string]string{"JWT_SECRET": "s"}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.Store != StorePostgres {
		t.Errorf("Expected postgres store, got %s", cfg.Store)
	}
	if cfg.RateSource != RateSourceCoinGecko {
		t.Errorf("Expected coingecko, got %s", cfg.RateSource)
	}
	if cfg.RedisAddr != "" {
		t.Errorf("Expected no redis, got %s", cfg.RedisAddr)
	}
	if cfg.RateCacheTTL != 5*time.Minute {
		t.Errorf("Expected 5m, got %v", cfg.RateCacheTTL)
	}
	if cfg.Settlement.RateTimeout != 3*time.Second {
		t.Errorf("Expected 3s rate timeout, got %v", cfg.Settlement.RateTimeout)
	}
	if !cfg.Settlement.BuyFeePercent.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Expected 2%% buy fee, got %s", cfg.Settlement.BuyFeePercent)
	}
	if !cfg.Settlement.MinTransaction.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("Expected 5000 minimum, got %s", cfg.Settlement.MinTransaction)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "info" {
		t.Errorf("Expected json/info logging, got %s/%s", cfg.Logging.Format, cfg.Logging.Level)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(lookup(map[string]string{
		"JWT_SECRET":             "s",
		"JWT_ISSUER":             "auth",
		"HTTP_ADDR":              ":9090",
		"STORE":                  "Memory",
		"RATE_SOURCE":            "static",
		"REDIS_ADDR":             "redis:6379",
		"POSTGRES_URL":           "postgres://u:p@db/x",
		"POSTGRES_PORT":          "6543",
		"BUY_FEE_PERCENT":        "1.5",
		"SELL_FEE_PERCENT":       "0.5",
		"MIN_TRANSACTION_AMOUNT": "1000",
		"MIN_DEPOSIT_AMOUNT":     "50",
		"MAX_FIAT_AMOUNT":        "1000000",
		"RATE_TIMEOUT":           "500ms",
		"RATE_CACHE_TTL":         "1m",
		"LOG_DEV":                "true",
		"LOG_LEVEL":              "debug",
	}))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.HTTPAddr != ":9090" || cfg.Store != StoreMemory || cfg.RateSource != RateSourceStatic {
		t.Errorf("Unexpected server settings: %+v", cfg)
	}
	if cfg.JWTIssuer != "auth" || cfg.RedisAddr != "redis:6379" {
		t.Errorf("Unexpected issuer/redis: %s %s", cfg.JWTIssuer, cfg.RedisAddr)
	}
	if cfg.Postgres.URL != "postgres://u:p@db/x" || cfg.Postgres.Port != 6543 {
		t.Errorf("Unexpected postgres config: %+v", cfg.Postgres)
	}
	if !cfg.Settlement.BuyFeePercent.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("Expected 1.5, got %s", cfg.Settlement.BuyFeePercent)
	}
	if !cfg.Settlement.SellFeePercent.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("Expected 0.5, got %s", cfg.Settlement.SellFeePercent)
	}
	if !cfg.Settlement.MinDeposit.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected 50, got %s", cfg.Settlement.MinDeposit)
	}
	if !cfg.Settlement.MaxFiat.Equal(decimal.NewFromInt(1000000)) {
		t.Errorf("Expected 1000000, got %s", cfg.Settlement.MaxFiat)
	}
	if cfg.Settlement.RateTimeout != 500*time.Millisecond || cfg.RateCacheTTL != time.Minute {
		t.Errorf("Unexpected durations: %v %v", cfg.Settlement.RateTimeout, cfg.RateCacheTTL)
	}
	if !cfg.Logging.Development || cfg.Logging.Format != "console" || cfg.Logging.Level != "debug" {
		t.Errorf("Expected development logging at debug, got %+v", cfg.Logging)
	}
}

func TestFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name     string
		vars     map[string]string
		contains []string
	}{
		{"missing secret", map[string]string{}, []string{"JWT_SECRET"}},
		{"bad store", map[string]string{"JWT_SECRET": "s", "STORE": "mysql"}, []string{"STORE"}},
		{"bad source", map[string]string{"JWT_SECRET": "s", "RATE_SOURCE": "binance"}, []string{"RATE_SOURCE"}},
		{"bad level", map[string]string{"JWT_SECRET": "s", "LOG_LEVEL": "loud"}, []string{"LOG_LEVEL"}},
		{"negative fee", map[string]string{"JWT_SECRET": "s", "BUY_FEE_PERCENT": "-1"}, []string{"fee"}},
		{
			"several parse errors",
			map[string]string{"JWT_SECRET": "s", "RATE_TIMEOUT": "soon", "POSTGRES_PORT": "x", "MIN_DEPOSIT_AMOUNT": "lots"},
			[]string{"RATE_TIMEOUT", "POSTGRES_PORT", "MIN_DEPOSIT_AMOUNT"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(lookup(tt.vars))
			if err == nil {
				t.Fatal("Expected an error")
			}
			for _, want := range tt.contains {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("Expected error to mention %s, got %v", want, err)
				}
			}
		})
	}
}
