// Package writer warms upper cache layers in the background.
//
// When a quote is found in a lower layer (or loaded from the source), the chain hands the
// copies for the faster layers to an AsyncWriter so the lookup never waits on them.
package writer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"coinvault/pkg/cache"
	"coinvault/pkg/logging"
	"coinvault/pkg/metrics"

	"go.uber.org/zap"
)

// AsyncWriter writes to one layer from a bounded queue drained by a fixed worker pool.
type AsyncWriter struct {
	layer     cache.Layer
	layerName string
	queue     chan writeOp
	config    AsyncWriterConfig
	metrics   metrics.Collector
	logger    *logging.Logger

	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once

	// pending counts writes accepted but not yet finished
	pending       int64
	droppedWrites int64
	totalWrites   int64
	failedWrites  int64

	metricsTicker *time.Ticker
}

type writeOp struct {
	key   string
	value []byte
	ttl   time.Duration
}

// AsyncWriterConfig configures the async writer behavior.
type AsyncWriterConfig struct {
	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of concurrent workers (default: 2)
	Workers int

	// MaxWaitTime is how long Write waits for queue space before dropping (default: 10ms)
	MaxWaitTime time.Duration

	// WriteTimeout bounds each layer write (default: 2s)
	WriteTimeout time.Duration
}

// NewAsyncWriter creates a writer without metrics.
func NewAsyncWriter(layer cache.Layer, config AsyncWriterConfig) *AsyncWriter {
	return NewAsyncWriterWithMetrics(layer, config, metrics.NoOpCollector{})
}

// NewAsyncWriterWithMetrics creates a writer and starts its workers. Close must be called.
func NewAsyncWriterWithMetrics(layer cache.Layer, config AsyncWriterConfig, collector metrics.Collector) *AsyncWriter {
	if config.QueueSize <= 0 {
		config.QueueSize = 1000
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = 10 * time.Millisecond
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 2 * time.Second
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	w := &AsyncWriter{
		layer:         layer,
		layerName:     layer.Name(),
		queue:         make(chan writeOp, config.QueueSize),
		config:        config,
		metrics:       collector,
		logger:        logging.Global().Named("writer").Named(layer.Name()),
		done:          make(chan struct{}),
		metricsTicker: time.NewTicker(5 * time.Second),
	}

	for i := 0; i < config.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}

	w.wg.Add(1)
	go w.reportMetrics()

	return w
}

// Write enqueues a copy of value. It waits up to MaxWaitTime for queue space and returns
// ErrQueueFull if none frees up.
func (w *AsyncWriter) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	select {
	case <-w.done:
		return ErrWriterClosed
	default:
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	op := writeOp{key: key, value: append([]byte(nil), value...), ttl: ttl}

	timer := time.NewTimer(w.config.MaxWaitTime)
	defer timer.Stop()

	atomic.AddInt64(&w.pending, 1)
	select {
	case w.queue <- op:
		atomic.AddInt64(&w.totalWrites, 1)
		return nil
	case <-timer.C:
		atomic.AddInt64(&w.pending, -1)
		atomic.AddInt64(&w.droppedWrites, 1)
		w.metrics.RecordWriteDropped(w.layerName)
		return ErrQueueFull
	case <-ctx.Done():
		atomic.AddInt64(&w.pending, -1)
		return ctx.Err()
	case <-w.done:
		atomic.AddInt64(&w.pending, -1)
		return ErrWriterClosed
	}
}

func (w *AsyncWriter) worker() {
	defer w.wg.Done()

	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		case <-w.done:
			// Drain what was accepted before Close.
			for {
				select {
				case op := <-w.queue:
					w.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) apply(op writeOp) {
	defer atomic.AddInt64(&w.pending, -1)

	ctx, cancel := context.WithTimeout(context.Background(), w.config.WriteTimeout)
	defer cancel()

	start := time.Now()
	err := w.layer.Set(ctx, op.key, op.value, op.ttl)
	w.metrics.RecordAsyncWrite(w.layerName, err == nil, time.Since(start))

	if err != nil {
		atomic.AddInt64(&w.failedWrites, 1)
		w.logger.Debug("warm-up write failed", zap.String("key", op.key), zap.Error(err))
	}
}

// Flush waits until every accepted write has been applied, or timeout elapses.
func (w *AsyncWriter) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for atomic.LoadInt64(&w.pending) > 0 {
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// Close stops accepting writes, applies what is queued and waits for the workers.
// It does not close the underlying layer. Calling Close more than once is safe.
func (w *AsyncWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.metricsTicker.Stop()
		w.wg.Wait()
	})
	return nil
}

func (w *AsyncWriter) reportMetrics() {
	defer w.wg.Done()

	for {
		select {
		case <-w.metricsTicker.C:
			w.metrics.RecordQueueDepth(w.layerName, len(w.queue))
		case <-w.done:
			return
		}
	}
}

// Stats returns current statistics about the async writer.
func (w *AsyncWriter) Stats() AsyncWriterStats {
	return AsyncWriterStats{
		QueueDepth:    len(w.queue),
		DroppedWrites: atomic.LoadInt64(&w.droppedWrites),
		TotalWrites:   atomic.LoadInt64(&w.totalWrites),
		FailedWrites:  atomic.LoadInt64(&w.failedWrites),
	}
}
