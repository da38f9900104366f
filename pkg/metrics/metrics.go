// Package metrics defines what coinvault measures. Backends live in sub-packages.
package metrics

import (
	"time"
)

// Collector receives measurements from the cache tiers, the rate sources and the
// settlement engine.
type Collector interface {
	// Cache layers
	RecordGet(layer string, hit bool, duration time.Duration)
	RecordSet(layer string, success bool, duration time.Duration)
	RecordDelete(layer string, success bool, duration time.Duration)

	// Circuit breakers, keyed by breaker name
	RecordCircuitState(name string, state CircuitState)

	// Async warm-up writer
	RecordQueueDepth(layer string, depth int)
	RecordWriteDropped(layer string)
	RecordAsyncWrite(layer string, success bool, duration time.Duration)

	// Chain-level lookup. layerIndex is -1 when every layer missed.
	RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration)

	// Upstream rate fetch. outcome is "ok" or an error class.
	RecordRateFetch(source string, outcome string, duration time.Duration)

	// One buy, sell or deposit attempt. outcome is ledger.Classify of the result.
	RecordSettlement(operation, symbol, outcome string, duration time.Duration)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the service has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector discards everything. It is the default wherever no collector is given.
type NoOpCollector struct{}

func (NoOpCollector) RecordGet(layer string, hit bool, duration time.Duration)                {}
func (NoOpCollector) RecordSet(layer string, success bool, duration time.Duration)            {}
func (NoOpCollector) RecordDelete(layer string, success bool, duration time.Duration)         {}
func (NoOpCollector) RecordCircuitState(name string, state CircuitState)                      {}
func (NoOpCollector) RecordQueueDepth(layer string, depth int)                                {}
func (NoOpCollector) RecordWriteDropped(layer string)                                         {}
func (NoOpCollector) RecordAsyncWrite(layer string, success bool, duration time.Duration)     {}
func (NoOpCollector) RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration)    {}
func (NoOpCollector) RecordRateFetch(source string, outcome string, duration time.Duration)   {}
func (NoOpCollector) RecordSettlement(operation, symbol, outcome string, d time.Duration)     {}
