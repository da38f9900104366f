package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"coinvault/pkg/api"
	"coinvault/pkg/auth"
	"coinvault/pkg/cache"
	"coinvault/pkg/cache/memory"
	"coinvault/pkg/cache/redis"
	"coinvault/pkg/chain"
	"coinvault/pkg/config"
	"coinvault/pkg/history"
	"coinvault/pkg/ledger"
	ledgermem "coinvault/pkg/ledger/memory"
	"coinvault/pkg/ledger/postgres"
	"coinvault/pkg/logging"
	promMetrics "coinvault/pkg/metrics/prometheus"
	"coinvault/pkg/rates"
	"coinvault/pkg/rates/coingecko"
	"coinvault/pkg/settlement"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func run(cfg config.AppConfig, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	collector := promMetrics.NewPrometheusCollector("coinvault")
	if err := collector.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	quoteCache, err := buildQuoteCache(cfg, collector, logger)
	if err != nil {
		return err
	}
	defer quoteCache.Close()

	source, err := buildRateSource(cfg, collector, logger)
	if err != nil {
		return err
	}
	provider := rates.NewCachedProvider(source, quoteCache, rates.CachedProviderConfig{
		TTL:     cfg.RateCacheTTL,
		Metrics: collector,
	})

	engine, err := settlement.NewEngine(store, provider, cfg.Settlement, collector)
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Address = cfg.HTTPAddr
	server, err := api.NewServer(api.Services{
		Engine:     engine,
		History:    history.NewQuery(store),
		Rates:      provider,
		Verifier:   verifier,
		QuoteCache: quoteCache,
		Registry:   registry,
	}, serverConfig)
	if err != nil {
		return err
	}

	logger.Info("starting coinvault",
		zap.String("address", cfg.HTTPAddr),
		zap.String("store", cfg.Store),
		zap.String("rate_source", source.Name()),
		zap.String("quote_cache", quoteCache.String()),
		zap.Strings("symbols", engine.Config().Supported()),
	)

	errc := server.Start()
	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := quoteCache.Flush(2 * time.Second); err != nil {
		logger.Warn("quote cache flush incomplete", zap.Error(err))
	}

	logger.Info("server stopped gracefully")
	return nil
}

func openStore(ctx context.Context, cfg config.AppConfig, logger *logging.Logger) (ledger.Store, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using the in-memory ledger; balances are lost on restart")
		return ledgermem.New(), nil
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := postgres.Open(openCtx, cfg.Postgres, logger.Named("postgres"))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return store, nil
}

// buildQuoteCache creates memory L1 and, when REDIS_ADDR is set, a Redis L2 shared by
// every instance.
func buildQuoteCache(cfg config.AppConfig, collector *promMetrics.PrometheusCollector, logger *logging.Logger) (*chain.Chain, error) {
	layers := []cache.Layer{
		memory.NewMemoryCache(memory.MemoryCacheConfig{
			Name:            "L1-Memory",
			MaxSize:         1000,
			DefaultTTL:      cfg.RateCacheTTL,
			CleanupInterval: time.Minute,
		}),
	}

	if cfg.RedisAddr != "" {
		redisConfig := redis.DefaultRedisCacheConfig()
		redisConfig.Name = "L2-Redis"
		redisConfig.Addr = cfg.RedisAddr
		redisConfig.Password = cfg.RedisPassword

		l2, err := redis.NewRedisCache(redisConfig)
		if err != nil {
			// Quotes still work from L1 and the upstream.
			logger.Warn("redis unavailable, continuing without L2", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			layers = append(layers, l2)
		}
	}

	chainConfig := chain.DefaultConfig()
	chainConfig.DefaultTTL = cfg.RateCacheTTL
	chainConfig.Metrics = collector

	c, err := chain.NewWithConfig(chainConfig, layers...)
	if err != nil {
		var closeErr error
		for _, l := range layers {
			closeErr = errors.Join(closeErr, l.Close())
		}
		return nil, errors.Join(fmt.Errorf("quote cache: %w", err), closeErr)
	}
	return c, nil
}

func buildRateSource(cfg config.AppConfig, collector *promMetrics.PrometheusCollector, logger *logging.Logger) (rates.Source, error) {
	switch cfg.RateSource {
	case config.RateSourceStatic:
		logger.Warn("using static rates")
		return rates.NewStaticProvider(rates.DefaultStaticPrices()), nil
	case config.RateSourceCoinGecko:
		cgConfig := coingecko.ClientConfigDefaults()
		if cfg.CoinGeckoBaseURL != "" {
			cgConfig.BaseURL = cfg.CoinGeckoBaseURL
		}
		cgConfig.APIKey = cfg.CoinGeckoAPIKey
		cgConfig.RateLimitPerMin = cfg.CoinGeckoPerMin
		cgConfig.Metrics = collector
		cgConfig.Logger = logger.Named("coingecko")
		return coingecko.NewClient(cgConfig), nil
	default:
		return nil, fmt.Errorf("unknown rate source %q", cfg.RateSource)
	}
}
