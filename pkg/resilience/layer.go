package resilience

import (
	"context"
	"time"

	"coinvault/pkg/cache"
	"coinvault/pkg/metrics"

	"go.uber.org/zap"
)

// Compile-time check that ResilientLayer implements cache.Layer.
var _ cache.Layer = (*ResilientLayer)(nil)

// ResilientLayer guards a cache.Layer with a Breaker. Misses do not count as failures.
type ResilientLayer struct {
	layer   cache.Layer
	breaker *Breaker
	metrics metrics.Collector
}

// NewResilientLayer wraps layer without metrics.
func NewResilientLayer(layer cache.Layer, config ResilientConfig) *ResilientLayer {
	return NewResilientLayerWithMetrics(layer, config, metrics.NoOpCollector{})
}

// NewResilientLayerWithMetrics wraps layer and records every operation on collector.
func NewResilientLayerWithMetrics(layer cache.Layer, config ResilientConfig, collector metrics.Collector) *ResilientLayer {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	isSuccessful := config.CircuitBreakerConfig.IsSuccessful
	config.CircuitBreakerConfig.IsSuccessful = func(err error) bool {
		if err == nil || cache.IsNotFound(err) {
			return true
		}
		return isSuccessful != nil && isSuccessful(err)
	}

	return &ResilientLayer{
		layer:   layer,
		breaker: NewBreaker(layer.Name(), config, collector),
		metrics: collector,
	}
}

// Name returns the name of the underlying layer.
func (rl *ResilientLayer) Name() string {
	return rl.layer.Name()
}

// State returns the circuit state of this layer's breaker.
func (rl *ResilientLayer) State() metrics.CircuitState {
	return rl.breaker.State()
}

func (rl *ResilientLayer) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()

	var value []byte
	err := rl.breaker.Do(ctx, "get", func(ctx context.Context) error {
		v, err := rl.layer.Get(ctx, key)
		value = v
		return err
	})

	rl.metrics.RecordGet(rl.layer.Name(), err == nil, time.Since(start))

	if err != nil {
		if !cache.IsNotFound(err) && !cache.IsCircuitOpen(err) {
			rl.breaker.logger.Error("get operation failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return nil, err
	}
	return value, nil
}

func (rl *ResilientLayer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()

	err := rl.breaker.Do(ctx, "set", func(ctx context.Context) error {
		return rl.layer.Set(ctx, key, value, ttl)
	})

	rl.metrics.RecordSet(rl.layer.Name(), err == nil, time.Since(start))

	if err != nil && !cache.IsCircuitOpen(err) {
		rl.breaker.logger.Error("set operation failed",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err),
		)
	}
	return err
}

func (rl *ResilientLayer) Delete(ctx context.Context, key string) error {
	start := time.Now()

	err := rl.breaker.Do(ctx, "delete", func(ctx context.Context) error {
		return rl.layer.Delete(ctx, key)
	})

	rl.metrics.RecordDelete(rl.layer.Name(), err == nil, time.Since(start))
	return err
}

// Close closes the underlying layer.
func (rl *ResilientLayer) Close() error {
	return rl.layer.Close()
}
