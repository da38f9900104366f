// Package config assembles the server configuration from a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"coinvault/pkg/ledger/postgres"
	"coinvault/pkg/logging"
	"coinvault/pkg/settlement"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	RateSourceCoinGecko = "coingecko"
	RateSourceStatic    = "static"
)

type AppConfig struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	Store    string
	Postgres postgres.Config

	// RedisAddr enables the shared quote cache tier. Empty keeps quotes in process only.
	RedisAddr     string
	RedisPassword string

	RateSource       string
	CoinGeckoBaseURL string
	CoinGeckoAPIKey  string
	CoinGeckoPerMin  int
	RateCacheTTL     time.Duration

	Settlement settlement.Config

	JWTSecret string
	JWTIssuer string

	Logging logging.Config
}

// Load reads .env when present, then the process environment. Variables already set in the
// environment win over the file.
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("config: read .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from a lookup function.
func FromEnv(getenv func(string) string) (AppConfig, error) {
	e := env{get: getenv}

	cfg := AppConfig{
		HTTPAddr:         e.str("HTTP_ADDR", ":8080"),
		ShutdownTimeout:  e.dur("SHUTDOWN_TIMEOUT", 15*time.Second),
		Store:            strings.ToLower(e.str("STORE", StorePostgres)),
		RedisAddr:        e.str("REDIS_ADDR", ""),
		RedisPassword:    e.str("REDIS_PASSWORD", ""),
		RateSource:       strings.ToLower(e.str("RATE_SOURCE", RateSourceCoinGecko)),
		CoinGeckoBaseURL: e.str("COINGECKO_BASE_URL", ""),
		CoinGeckoAPIKey:  e.str("COINGECKO_API_KEY", ""),
		CoinGeckoPerMin:  e.num("COINGECKO_RATE_LIMIT_PER_MIN", 30),
		RateCacheTTL:     e.dur("RATE_CACHE_TTL", 5*time.Minute),
		JWTSecret:        e.str("JWT_SECRET", ""),
		JWTIssuer:        e.str("JWT_ISSUER", ""),
	}

	pg := postgres.DefaultConfig()
	pg.URL = e.str("POSTGRES_URL", e.str("DATABASE_URL", ""))
	pg.Host = e.str("POSTGRES_HOST", pg.Host)
	pg.Port = e.num("POSTGRES_PORT", pg.Port)
	pg.User = e.str("POSTGRES_USER", pg.User)
	pg.Password = e.str("POSTGRES_PASSWORD", pg.Password)
	pg.Database = e.str("POSTGRES_DB", pg.Database)
	pg.SSLMode = e.str("POSTGRES_SSLMODE", pg.SSLMode)
	cfg.Postgres = pg

	st := settlement.DefaultConfig()
	st.BuyFeePercent = e.dec("BUY_FEE_PERCENT", st.BuyFeePercent)
	st.SellFeePercent = e.dec("SELL_FEE_PERCENT", st.SellFeePercent)
	st.MinTransaction = e.dec("MIN_TRANSACTION_AMOUNT", st.MinTransaction)
	st.MinDeposit = e.dec("MIN_DEPOSIT_AMOUNT", st.MinDeposit)
	st.MaxFiat = e.dec("MAX_FIAT_AMOUNT", st.MaxFiat)
	st.RateTimeout = e.dur("RATE_TIMEOUT", st.RateTimeout)
	cfg.Settlement = st

	lg := logging.DefaultConfig()
	if e.flag("LOG_DEV", false) {
		lg = logging.DevelopmentConfig()
	}
	lg.Level = e.str("LOG_LEVEL", lg.Level)
	lg.Format = e.str("LOG_FORMAT", lg.Format)
	cfg.Logging = lg

	if len(e.errs) > 0 {
		return AppConfig{}, errors.Join(e.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate checks values that cannot be caught while parsing.
func (c AppConfig) Validate() error {
	var errs []error
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("config: STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store))
	}
	switch c.RateSource {
	case RateSourceCoinGecko, RateSourceStatic:
	default:
		errs = append(errs, fmt.Errorf("config: RATE_SOURCE must be %q or %q, got %q", RateSourceCoinGecko, RateSourceStatic, c.RateSource))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("config: JWT_SECRET is required"))
	}
	if c.CoinGeckoPerMin <= 0 {
		errs = append(errs, errors.New("config: COINGECKO_RATE_LIMIT_PER_MIN must be positive"))
	}
	if c.RateCacheTTL <= 0 {
		errs = append(errs, errors.New("config: RATE_CACHE_TTL must be positive"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: LOG_LEVEL: %w", err))
	}
	if err := c.Settlement.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// env reads typed values and collects every parse error.
type env struct {
	get  func(string) string
	errs []error
}

func (e *env) str(key, fallback string) string {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		return v
	}
	return fallback
}

func (e *env) num(key string, fallback int) int {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return n
}

func (e *env) flag(key string, fallback bool) bool {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return b
}

func (e *env) dur(key string, fallback time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return d
}

func (e *env) dec(key string, fallback decimal.Decimal) decimal.Decimal {
	v := e.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return d
}
