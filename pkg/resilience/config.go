package resilience

import (
	"time"
)

// ResilientConfig configures a Breaker: a per-call timeout plus circuit breaking.
type ResilientConfig struct {
	// Timeout bounds each call. Zero means no extra deadline.
	Timeout time.Duration

	CircuitBreakerConfig CircuitBreakerConfig
}

// CircuitBreakerConfig mirrors the gobreaker settings coinvault uses.
type CircuitBreakerConfig struct {
	// MaxRequests is how many trial calls pass while half-open.
	MaxRequests uint32

	// Interval is the closed-state period after which counts reset. Zero never resets.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// ReadyToTrip decides, after a failure, whether to open. Nil trips after 5 consecutive failures.
	ReadyToTrip func(counts Counts) bool

	// IsSuccessful decides whether a returned error still counts as a success.
	// Nil treats only a nil error as success.
	IsSuccessful func(err error) bool
}

// Counts holds the numbers of requests and their successes/failures.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultResilientConfig suits a cache layer: tolerant, and only trips on a sustained error rate.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout: 2 * time.Second,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 5,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts Counts) bool {
				if counts.Requests < 20 {
					return false
				}
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRate >= 0.15
			},
		},
	}
}

// UpstreamConfig suits a remote price source: a short timeout and a breaker that opens
// after a handful of consecutive failures so callers stop waiting on a dead upstream.
func UpstreamConfig(timeout time.Duration) ResilientConfig {
	return ResilientConfig{
		Timeout: timeout,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		},
	}
}

// WithTimeout returns a copy of the config with the specified timeout.
func (c ResilientConfig) WithTimeout(timeout time.Duration) ResilientConfig {
	c.Timeout = timeout
	return c
}

// WithCircuitBreakerTimeout returns a copy of the config with the specified open-state duration.
func (c ResilientConfig) WithCircuitBreakerTimeout(timeout time.Duration) ResilientConfig {
	c.CircuitBreakerConfig.Timeout = timeout
	return c
}
