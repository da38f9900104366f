package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coinvault/pkg/cache"
	"coinvault/pkg/chain"
	"coinvault/pkg/logging"
	"coinvault/pkg/metrics"

	"go.uber.org/zap"
)

var rateKeys = cache.NewKeyPattern("rate", ":")

// CacheKey returns the cache key holding the quote for symbol.
func CacheKey(symbol string) string {
	return rateKeys.Build(Normalize(symbol))
}

// CachedProvider serves quotes from a cache chain and falls back to its source on a miss.
// Concurrent misses for one symbol share a single source call.
type CachedProvider struct {
	source  Source
	chain   *chain.Chain
	ttl     time.Duration
	metrics metrics.Collector
	logger  *logging.Logger
}

// CachedProviderConfig configures a CachedProvider.
type CachedProviderConfig struct {
	// TTL is how long a quote stays fresh (default: 5m)
	TTL     time.Duration
	Metrics metrics.Collector
}

func NewCachedProvider(source Source, c *chain.Chain, config CachedProviderConfig) *CachedProvider {
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NoOpCollector{}
	}
	return &CachedProvider{
		source:  source,
		chain:   c,
		ttl:     config.TTL,
		metrics: config.Metrics,
		logger:  logging.Global().Named("rates"),
	}
}

func (p *CachedProvider) Name() string { return "cached:" + p.source.Name() }

func (p *CachedProvider) Quote(ctx context.Context, symbol string) (Quote, error) {
	symbol = Normalize(symbol)
	key := CacheKey(symbol)

	data, err := p.chain.GetOrLoad(ctx, key, p.ttl, func(ctx context.Context) ([]byte, error) {
		q, err := p.fetch(ctx, symbol)
		if err != nil {
			return nil, err
		}
		return json.Marshal(q)
	})
	if err != nil {
		return Quote{}, err
	}

	var q Quote
	if err := json.Unmarshal(data, &q); err != nil || q.Symbol != symbol {
		p.logger.Warn("discarding unreadable cached quote", logging.Symbol(symbol), zap.Error(err))
		if delErr := p.chain.Delete(ctx, key); delErr != nil {
			p.logger.Debug("cache delete failed", zap.String("key", key), zap.Error(delErr))
		}
		return p.fetch(ctx, symbol)
	}
	return q, nil
}

// Invalidate drops the cached quote for symbol from every layer.
func (p *CachedProvider) Invalidate(ctx context.Context, symbol string) error {
	return p.chain.Delete(ctx, CacheKey(symbol))
}

func (p *CachedProvider) fetch(ctx context.Context, symbol string) (Quote, error) {
	start := time.Now()
	q, err := p.source.Quote(ctx, symbol)
	outcome := Outcome(err)
	p.metrics.RecordRateFetch(p.source.Name(), outcome, time.Since(start))

	if err != nil {
		p.logger.Warn("rate fetch failed",
			logging.Symbol(symbol),
			zap.String("source", p.source.Name()),
			logging.Outcome(outcome),
			zap.Error(err),
		)
		return Quote{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, symbol, err)
	}

	p.logger.Debug("rate fetched",
		logging.Symbol(symbol),
		zap.String("source", p.source.Name()),
		logging.Amount("fiat", q.Fiat),
	)
	return q, nil
}
