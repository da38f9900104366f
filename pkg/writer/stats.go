package writer

import "errors"

// AsyncWriterStats provides statistics about async writer operations.
type AsyncWriterStats struct {
	// QueueDepth is the current number of pending writes in the queue
	QueueDepth int

	// DroppedWrites counts writes rejected because the queue stayed full
	DroppedWrites int64

	// TotalWrites counts writes accepted into the queue
	TotalWrites int64

	// FailedWrites counts accepted writes the layer rejected
	FailedWrites int64
}

// DropRate returns the share of attempted writes that were dropped.
func (s AsyncWriterStats) DropRate() float64 {
	attempted := s.TotalWrites + s.DroppedWrites
	if attempted == 0 {
		return 0
	}
	return float64(s.DroppedWrites) / float64(attempted)
}

// Errors returned by async writer operations.
var (
	// ErrQueueFull is returned when the write queue is full and MaxWaitTime exceeded
	ErrQueueFull = errors.New("writer: queue full, write dropped")

	// ErrWriterClosed is returned when attempting to write to a closed writer
	ErrWriterClosed = errors.New("writer: writer is closed")

	// ErrFlushTimeout is returned when Flush() times out waiting for queue to drain
	ErrFlushTimeout = errors.New("writer: flush timeout exceeded")
)
