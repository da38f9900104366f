// Package memory is a metrics.Collector that keeps counts in process, for tests and /debug output.
package memory

import (
	"sync"
	"time"

	"coinvault/pkg/metrics"
)

// Compile-time check that MemoryCollector implements metrics.Collector.
var _ metrics.Collector = (*MemoryCollector)(nil)

// MemoryCollector accumulates every recording under one mutex.
type MemoryCollector struct {
	mu sync.Mutex

	layers      map[string]*LayerMetrics
	circuits    map[string]metrics.CircuitState
	opens       map[string]int64
	chainHits   map[int]int64
	chainMisses int64
	rateFetches map[string]map[string]int64 // source -> outcome -> count
	settlements map[SettlementKey]int64
}

// LayerMetrics holds counts for a single cache layer.
type LayerMetrics struct {
	Hits          int64
	Misses        int64
	Sets          int64
	Deletes       int64
	Errors        int64
	QueueDepth    int
	DroppedWrites int64
	AsyncWrites   int64
	AsyncErrors   int64
}

// SettlementKey identifies one settlement counter.
type SettlementKey struct {
	Operation string
	Symbol    string
	Outcome   string
}

// NewMemoryCollector creates an empty collector.
func NewMemoryCollector() *MemoryCollector {
	mc := &MemoryCollector{}
	mc.reset()
	return mc
}

func (mc *MemoryCollector) reset() {
	mc.layers = make(map[string]*LayerMetrics)
	mc.circuits = make(map[string]metrics.CircuitState)
	mc.opens = make(map[string]int64)
	mc.chainHits = make(map[int]int64)
	mc.chainMisses = 0
	mc.rateFetches = make(map[string]map[string]int64)
	mc.settlements = make(map[SettlementKey]int64)
}

// layer returns the metrics for name. Callers hold mu.
func (mc *MemoryCollector) layer(name string) *LayerMetrics {
	lm, ok := mc.layers[name]
	if !ok {
		lm = &LayerMetrics{}
		mc.layers[name] = lm
	}
	return lm
}

func (mc *MemoryCollector) RecordGet(layer string, hit bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if hit {
		mc.layer(layer).Hits++
	} else {
		mc.layer(layer).Misses++
	}
}

func (mc *MemoryCollector) RecordSet(layer string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.Sets++
	if !success {
		lm.Errors++
	}
}

func (mc *MemoryCollector) RecordDelete(layer string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.Deletes++
	if !success {
		lm.Errors++
	}
}

// RecordCircuitState stores the state and counts transitions into open.
func (mc *MemoryCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.circuits[name] != metrics.CircuitOpen && state == metrics.CircuitOpen {
		mc.opens[name]++
	}
	mc.circuits[name] = state
}

func (mc *MemoryCollector) RecordQueueDepth(layer string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.layer(layer).QueueDepth = depth
}

func (mc *MemoryCollector) RecordWriteDropped(layer string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.layer(layer).DroppedWrites++
}

func (mc *MemoryCollector) RecordAsyncWrite(layer string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	lm := mc.layer(layer)
	lm.AsyncWrites++
	if !success {
		lm.AsyncErrors++
	}
}

func (mc *MemoryCollector) RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if hit {
		mc.chainHits[layerIndex]++
	} else {
		mc.chainMisses++
	}
}

func (mc *MemoryCollector) RecordRateFetch(source string, outcome string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	bySource, ok := mc.rateFetches[source]
	if !ok {
		bySource = make(map[string]int64)
		mc.rateFetches[source] = bySource
	}
	bySource[outcome]++
}

func (mc *MemoryCollector) RecordSettlement(operation, symbol, outcome string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.settlements[SettlementKey{Operation: operation, Symbol: symbol, Outcome: outcome}]++
}

// Snapshot is a point-in-time copy of everything recorded.
type Snapshot struct {
	Layers           map[string]LayerMetrics         `json:"layers"`
	Circuits         map[string]string               `json:"circuits"`
	CircuitOpens     map[string]int64                `json:"circuit_opens"`
	ChainHitsByLayer map[int]int64                   `json:"chain_hits_by_layer"`
	ChainMisses      int64                           `json:"chain_misses"`
	RateFetches      map[string]map[string]int64     `json:"rate_fetches"`
	Settlements      map[SettlementKey]int64         `json:"-"`
}

// Snapshot returns a deep copy of the current state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	s := Snapshot{
		Layers:           make(map[string]LayerMetrics, len(mc.layers)),
		Circuits:         make(map[string]string, len(mc.circuits)),
		CircuitOpens:     make(map[string]int64, len(mc.opens)),
		ChainHitsByLayer: make(map[int]int64, len(mc.chainHits)),
		ChainMisses:      mc.chainMisses,
		RateFetches:      make(map[string]map[string]int64, len(mc.rateFetches)),
		Settlements:      make(map[SettlementKey]int64, len(mc.settlements)),
	}
	for k, v := range mc.layers {
		s.Layers[k] = *v
	}
	for k, v := range mc.circuits {
		s.Circuits[k] = v.String()
	}
	for k, v := range mc.opens {
		s.CircuitOpens[k] = v
	}
	for k, v := range mc.chainHits {
		s.ChainHitsByLayer[k] = v
	}
	for source, outcomes := range mc.rateFetches {
		cp := make(map[string]int64, len(outcomes))
		for k, v := range outcomes {
			cp[k] = v
		}
		s.RateFetches[source] = cp
	}
	for k, v := range mc.settlements {
		s.Settlements[k] = v
	}
	return s
}

// Layer returns a copy of one layer's counts, or nil if nothing was recorded for it.
func (mc *MemoryCollector) Layer(name string) *LayerMetrics {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if lm, ok := mc.layers[name]; ok {
		cp := *lm
		return &cp
	}
	return nil
}

// Settlements returns the count for one (operation, symbol, outcome) triple.
func (mc *MemoryCollector) Settlements(operation, symbol, outcome string) int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	return mc.settlements[SettlementKey{Operation: operation, Symbol: symbol, Outcome: outcome}]
}

// RateFetches returns the count for one (source, outcome) pair.
func (mc *MemoryCollector) RateFetches(source, outcome string) int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	return mc.rateFetches[source][outcome]
}

// CircuitState returns the last recorded state of a breaker.
func (mc *MemoryCollector) CircuitState(name string) metrics.CircuitState {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	return mc.circuits[name]
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.reset()
}
