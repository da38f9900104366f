// Package chain reads through an ordered set of cache layers, fastest first, and loads
// from the source of truth when every layer misses.
package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coinvault/pkg/cache"
	"coinvault/pkg/logging"
	"coinvault/pkg/metrics"
	"coinvault/pkg/resilience"
	"coinvault/pkg/writer"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Loader produces the value for a key that no layer holds.
type Loader func(ctx context.Context) ([]byte, error)

// Config tunes a Chain. Zero values fall back to the defaults of DefaultConfig.
type Config struct {
	// DefaultTTL is the base lifetime used when warming layers after a hit.
	DefaultTTL time.Duration

	// TTL maps the base lifetime to a per-layer lifetime.
	TTL TTLStrategy

	// FirstLayerTimeout bounds every call to L1, DeeperLayerTimeout every other layer.
	FirstLayerTimeout  time.Duration
	DeeperLayerTimeout time.Duration

	Writer  writer.AsyncWriterConfig
	Metrics metrics.Collector
}

// DefaultConfig returns the configuration used by New.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:         5 * time.Minute,
		TTL:                &UniformTTLStrategy{},
		FirstLayerTimeout:  100 * time.Millisecond,
		DeeperLayerTimeout: time.Second,
		Writer: writer.AsyncWriterConfig{
			QueueSize:   1000,
			Workers:     2,
			MaxWaitTime: 10 * time.Millisecond,
		},
		Metrics: metrics.NoOpCollector{},
	}
}

// Chain manages multiple cache layers with automatic fallback and warm-up.
// Layers are ordered from fastest (L1) to slowest (LN).
type Chain struct {
	layers  []cache.Layer
	writers []*writer.AsyncWriter
	sf      singleflight.Group
	config  Config
	logger  *logging.Logger
}

// New creates a chain with DefaultConfig.
func New(layers ...cache.Layer) (*Chain, error) {
	return NewWithConfig(DefaultConfig(), layers...)
}

// NewWithConfig creates a chain. Every layer is wrapped with its own circuit breaker and
// timeout, and gets an async writer for warm-up.
func NewWithConfig(config Config, layers ...cache.Layer) (*Chain, error) {
	if len(layers) == 0 {
		return nil, errors.New("chain: at least one layer required")
	}

	defaults := DefaultConfig()
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.TTL == nil {
		config.TTL = defaults.TTL
	}
	if config.FirstLayerTimeout <= 0 {
		config.FirstLayerTimeout = defaults.FirstLayerTimeout
	}
	if config.DeeperLayerTimeout <= 0 {
		config.DeeperLayerTimeout = defaults.DeeperLayerTimeout
	}
	if config.Metrics == nil {
		config.Metrics = defaults.Metrics
	}

	resilientLayers := make([]cache.Layer, len(layers))
	writers := make([]*writer.AsyncWriter, len(layers))
	for i, layer := range layers {
		rc := resilience.DefaultResilientConfig().WithTimeout(config.DeeperLayerTimeout)
		if i == 0 {
			rc = rc.WithTimeout(config.FirstLayerTimeout)
		}

		resilientLayers[i] = resilience.NewResilientLayerWithMetrics(layer, rc, config.Metrics)
		writers[i] = writer.NewAsyncWriterWithMetrics(resilientLayers[i], config.Writer, config.Metrics)
	}

	return &Chain{
		layers:  resilientLayers,
		writers: writers,
		config:  config,
		logger:  logging.Global().Named("chain"),
	}, nil
}

// Get traverses the layers in order until a hit and warms the layers above it.
// Concurrent Gets for the same key share one traversal.
func (c *Chain) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	value, index, err := c.lookup(ctx, key)
	c.config.Metrics.RecordChainGet(err == nil, index, time.Since(start))
	return value, err
}

// GetOrLoad returns the cached value for key or, when every layer misses or fails, calls
// load once per key across concurrent callers and stores the result in every layer with
// the lifetime the TTL strategy assigns from baseTTL.
//
// Cache failures never fail the call; only the loader's error is returned.
func (c *Chain) GetOrLoad(ctx context.Context, key string, baseTTL time.Duration, load Loader) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if baseTTL <= 0 {
		baseTTL = c.config.DefaultTTL
	}

	start := time.Now()
	if value, index, err := c.lookup(ctx, key); err == nil {
		c.config.Metrics.RecordChainGet(true, index, time.Since(start))
		return value, nil
	}
	c.config.Metrics.RecordChainGet(false, -1, time.Since(start))

	// The shared load must not die with whichever caller happened to start it.
	shared := context.WithoutCancel(ctx)
	ch := c.sf.DoChan("load:"+key, func() (interface{}, error) {
		value, err := load(shared)
		if err != nil {
			return nil, err
		}
		c.store(shared, key, value, baseTTL)
		return value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Chain) lookup(ctx context.Context, key string) ([]byte, int, error) {
	type hit struct {
		value []byte
		index int
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		value, index, err := c.getWithFallback(ctx, key)
		if err != nil {
			return nil, err
		}
		return hit{value: value, index: index}, nil
	})
	if err != nil {
		return nil, -1, err
	}

	h := result.(hit)
	return h.value, h.index, nil
}

// getWithFallback performs the actual chain traversal and warm-up.
func (c *Chain) getWithFallback(ctx context.Context, key string) ([]byte, int, error) {
	var lastErr error

	for i, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return nil, -1, err
		}

		value, err := layer.Get(ctx, key)
		if err != nil {
			// Misses and unavailable layers both fall through to the next layer.
			if !cache.IsNotFound(err) {
				c.logger.Debug("cache layer failed", zap.String("layer", layer.Name()), zap.String("key", key), zap.Error(err))
			}
			lastErr = err
			continue
		}

		if i > 0 {
			c.warmUpperLayers(ctx, key, value, i)
		}
		return value, i, nil
	}

	if lastErr == nil || cache.IsNotFound(lastErr) {
		return nil, -1, cache.ErrKeyNotFound
	}
	return nil, -1, lastErr
}

// warmUpperLayers hands copies for every layer above hitIndex to the async writers.
func (c *Chain) warmUpperLayers(ctx context.Context, key string, value []byte, hitIndex int) {
	for i := hitIndex - 1; i >= 0; i-- {
		ttl := c.config.TTL.GetTTL(i, len(c.layers), c.config.DefaultTTL)
		if err := c.writers[i].Write(ctx, key, value, ttl); err != nil {
			c.logger.Debug("warm-up skipped", zap.String("layer", c.layers[i].Name()), zap.Error(err))
		}
	}
}

// store writes a freshly loaded value to every layer, ignoring layer failures.
func (c *Chain) store(ctx context.Context, key string, value []byte, baseTTL time.Duration) {
	for i, layer := range c.layers {
		ttl := c.config.TTL.GetTTL(i, len(c.layers), baseTTL)
		if err := layer.Set(ctx, key, value, ttl); err != nil {
			c.logger.Warn("cache store failed", zap.String("layer", layer.Name()), zap.String("key", key), zap.Error(err))
		}
	}
}

// Set writes the value to all layers in the chain.
// If any layer fails, the error is returned but other layers are still attempted.
func (c *Chain) Set(ctx context.Context, key string, value []byte, baseTTL time.Duration) error {
	var errs []error

	for i, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return err
		}

		ttl := c.config.TTL.GetTTL(i, len(c.layers), baseTTL)
		if err := layer.Set(ctx, key, value, ttl); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Delete removes the key from all layers in the chain.
func (c *Chain) Delete(ctx context.Context, key string) error {
	var errs []error

	for _, layer := range c.layers {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := layer.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Close stops the writers, then closes every layer.
func (c *Chain) Close() error {
	var errs []error

	for _, w := range c.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	for _, layer := range c.layers {
		if err := layer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Flush waits for pending warm-up writes.
func (c *Chain) Flush(timeout time.Duration) error {
	for _, w := range c.writers {
		if err := w.Flush(timeout); err != nil {
			return err
		}
	}
	return nil
}

// Layers returns a copy of the (wrapped) layers.
func (c *Chain) Layers() []cache.Layer {
	layers := make([]cache.Layer, len(c.layers))
	copy(layers, c.layers)
	return layers
}

// Len returns the number of layers in the chain.
func (c *Chain) Len() int {
	return len(c.layers)
}

func (c *Chain) String() string {
	names := make([]string, len(c.layers))
	for i, layer := range c.layers {
		names[i] = layer.Name()
	}
	return fmt.Sprintf("chain(%d layers): %s", len(c.layers), strings.Join(names, " -> "))
}
