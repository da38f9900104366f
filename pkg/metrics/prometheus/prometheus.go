// Package prometheus exports coinvault metrics through client_golang.
package prometheus

import (
	"strconv"
	"time"

	"coinvault/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// Compile-time checks: usable both as a metrics.Collector and as a prometheus.Collector.
var (
	_ metrics.Collector    = (*PrometheusCollector)(nil)
	_ prometheus.Collector = (*PrometheusCollector)(nil)
)

var latencyBuckets = prometheus.ExponentialBuckets(0.0001, 2, 15) // 0.1ms to ~3s

// PrometheusCollector implements metrics.Collector with Prometheus vectors.
// Register it once with prometheus.MustRegister or Register.
type PrometheusCollector struct {
	namespace string

	cacheHits    *prometheus.CounterVec
	cacheMisses  *prometheus.CounterVec
	cacheSets    *prometheus.CounterVec
	cacheDeletes *prometheus.CounterVec
	cacheErrors  *prometheus.CounterVec

	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	queueDepth    *prometheus.GaugeVec
	droppedWrites *prometheus.CounterVec
	asyncWrites   *prometheus.CounterVec

	getLatency   *prometheus.HistogramVec
	setLatency   *prometheus.HistogramVec
	asyncLatency *prometheus.HistogramVec

	chainGets    *prometheus.CounterVec
	chainLatency *prometheus.HistogramVec

	rateFetches *prometheus.CounterVec
	rateLatency *prometheus.HistogramVec

	settlements       *prometheus.CounterVec
	settlementLatency *prometheus.HistogramVec
}

// NewPrometheusCollector creates the metric vectors under namespace.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	return &PrometheusCollector{
		namespace: namespace,

		cacheHits:    counter("cache_hits_total", "Total number of cache hits per layer", "layer"),
		cacheMisses:  counter("cache_misses_total", "Total number of cache misses per layer", "layer"),
		cacheSets:    counter("cache_sets_total", "Total number of cache set operations per layer", "layer"),
		cacheDeletes: counter("cache_deletes_total", "Total number of cache delete operations per layer", "layer"),
		cacheErrors:  counter("cache_errors_total", "Total number of cache errors per layer and operation", "layer", "operation"),

		circuitOpens: counter("circuit_opens_total", "Total number of circuit breaker opens", "breaker"),
		circuitState: gauge("circuit_state", "Current circuit breaker state (0=closed, 1=open, 2=half-open)", "breaker"),

		queueDepth:    gauge("warmup_queue_depth", "Current warm-up writer queue depth per layer", "layer"),
		droppedWrites: counter("warmup_dropped_total", "Warm-up writes dropped because the queue was full", "layer"),
		asyncWrites:   counter("warmup_writes_total", "Warm-up writes per layer and status", "layer", "status"),

		getLatency:   histogram("cache_get_duration_seconds", "Cache get latency", latencyBuckets, "layer"),
		setLatency:   histogram("cache_set_duration_seconds", "Cache set latency", latencyBuckets, "layer"),
		asyncLatency: histogram("warmup_write_duration_seconds", "Warm-up write latency", latencyBuckets, "layer"),

		chainGets:    counter("rate_cache_lookups_total", "Rate cache lookups by the layer that answered (none = miss)", "layer_index"),
		chainLatency: histogram("rate_cache_lookup_duration_seconds", "Rate cache lookup latency", latencyBuckets, "hit"),

		rateFetches: counter("rate_fetches_total", "Upstream rate fetches by source and outcome", "source", "outcome"),
		rateLatency: histogram("rate_fetch_duration_seconds", "Upstream rate fetch latency", prometheus.DefBuckets, "source"),

		settlements:       counter("settlements_total", "Settlement attempts by operation, symbol and outcome", "operation", "symbol", "outcome"),
		settlementLatency: histogram("settlement_duration_seconds", "Settlement latency including the rate lookup", prometheus.DefBuckets, "operation"),
	}
}

func (pc *PrometheusCollector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		pc.cacheHits, pc.cacheMisses, pc.cacheSets, pc.cacheDeletes, pc.cacheErrors,
		pc.circuitOpens, pc.circuitState,
		pc.queueDepth, pc.droppedWrites, pc.asyncWrites,
		pc.getLatency, pc.setLatency, pc.asyncLatency,
		pc.chainGets, pc.chainLatency,
		pc.rateFetches, pc.rateLatency,
		pc.settlements, pc.settlementLatency,
	}
}

// Register registers all metrics with the given registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	return registry.Register(pc)
}

// Describe implements prometheus.Collector.
func (pc *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range pc.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (pc *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, c := range pc.collectors() {
		c.Collect(ch)
	}
}

func (pc *PrometheusCollector) RecordGet(layer string, hit bool, duration time.Duration) {
	if hit {
		pc.cacheHits.WithLabelValues(layer).Inc()
	} else {
		pc.cacheMisses.WithLabelValues(layer).Inc()
	}
	pc.getLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordSet(layer string, success bool, duration time.Duration) {
	pc.cacheSets.WithLabelValues(layer).Inc()
	if !success {
		pc.cacheErrors.WithLabelValues(layer, "set").Inc()
	}
	pc.setLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordDelete(layer string, success bool, duration time.Duration) {
	pc.cacheDeletes.WithLabelValues(layer).Inc()
	if !success {
		pc.cacheErrors.WithLabelValues(layer, "delete").Inc()
	}
}

func (pc *PrometheusCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(name).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(name).Inc()
	}
}

func (pc *PrometheusCollector) RecordQueueDepth(layer string, depth int) {
	pc.queueDepth.WithLabelValues(layer).Set(float64(depth))
}

func (pc *PrometheusCollector) RecordWriteDropped(layer string) {
	pc.droppedWrites.WithLabelValues(layer).Inc()
}

func (pc *PrometheusCollector) RecordAsyncWrite(layer string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	pc.asyncWrites.WithLabelValues(layer, status).Inc()
	pc.asyncLatency.WithLabelValues(layer).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordChainGet(hit bool, layerIndex int, totalDuration time.Duration) {
	index := "none"
	if hit {
		index = strconv.Itoa(layerIndex)
	}
	pc.chainGets.WithLabelValues(index).Inc()
	pc.chainLatency.WithLabelValues(strconv.FormatBool(hit)).Observe(totalDuration.Seconds())
}

func (pc *PrometheusCollector) RecordRateFetch(source string, outcome string, duration time.Duration) {
	pc.rateFetches.WithLabelValues(source, outcome).Inc()
	pc.rateLatency.WithLabelValues(source).Observe(duration.Seconds())
}

func (pc *PrometheusCollector) RecordSettlement(operation, symbol, outcome string, duration time.Duration) {
	pc.settlements.WithLabelValues(operation, symbol, outcome).Inc()
	pc.settlementLatency.WithLabelValues(operation).Observe(duration.Seconds())
}
