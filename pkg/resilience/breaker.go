package resilience

import (
	"context"
	"errors"
	"time"

	"coinvault/pkg/cache"
	"coinvault/pkg/logging"
	"coinvault/pkg/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Errors returned by a Breaker. They are the cache package's sentinels so a cache layer
// wrapped in a Breaker reports failures the same way as any other layer.
var (
	ErrCircuitOpen = cache.ErrCircuitOpen
	ErrTimeout     = cache.ErrTimeout
)

// Breaker runs calls under a per-call timeout and a gobreaker circuit breaker.
type Breaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.Collector
	logger  *logging.Logger
}

// NewBreaker creates a named breaker. A nil collector records nothing.
func NewBreaker(name string, config ResilientConfig, collector metrics.Collector) *Breaker {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	b := &Breaker{
		name:    name,
		timeout: config.Timeout,
		metrics: collector,
		logger:  logging.Global().Named("resilience").Named(name),
	}

	cbc := config.CircuitBreakerConfig
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cbc.MaxRequests,
		Interval:    cbc.Interval,
		Timeout:     cbc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cbc.ReadyToTrip != nil {
				return cbc.ReadyToTrip(Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				})
			}
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: cbc.IsSuccessful,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			b.metrics.RecordCircuitState(name, toCircuitState(to))
		},
	}

	b.cb = gobreaker.NewCircuitBreaker(settings)

	b.logger.Debug("breaker initialized",
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", cbc.MaxRequests),
		zap.Duration("circuit_interval", cbc.Interval),
		zap.Duration("circuit_timeout", cbc.Timeout),
	)

	return b
}

func toCircuitState(s gobreaker.State) metrics.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current circuit state.
func (b *Breaker) State() metrics.CircuitState {
	return toCircuitState(b.cb.State())
}

// Do runs fn with the configured deadline applied to ctx.
// It returns ErrCircuitOpen without calling fn while the circuit is open, and ErrTimeout
// when the per-call deadline (not the caller's) expired.
func (b *Breaker) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	start := time.Now()
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(callCtx)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.logger.Debug("circuit breaker rejected call", zap.String("operation", op))
		return ErrCircuitOpen
	}

	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		b.logger.Warn("operation timeout",
			zap.String("operation", op),
			zap.Duration("timeout", b.timeout),
			zap.Duration("elapsed", time.Since(start)),
		)
		return ErrTimeout
	}

	return err
}
