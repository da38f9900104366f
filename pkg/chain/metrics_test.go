package chain

import (
	"context"
	"testing"
	"time"

	"coinvault/pkg/cache/mock"
	metricsmem "coinvault/pkg/metrics/memory"
)

func TestChain_RecordsLookups(t *testing.T) {
	l1 := mock.NewMockLayer("L1")
	l2 := mock.NewMockLayer("L2")
	l2.GetFunc = hitWith("v")

	collector := metricsmem.NewMemoryCollector()
	chain, _ := NewWithConfig(Config{Metrics: collector}, l1, l2)
	defer chain.Close()
	ctx := context.Background()

	chain.Get(ctx, "rate:BTC")
	chain.Flush(time.Second)

	snap := collector.Snapshot()
	if snap.ChainHitsByLayer[1] != 1 {
		t.Errorf("Expected one hit at layer index 1, got %v", snap.ChainHitsByLayer)
	}
	if lm := collector.Layer("L1"); lm == nil || lm.Misses != 1 || lm.AsyncWrites != 1 {
		t.Errorf("Expected an L1 miss and a warm-up write, got %+v", lm)
	}
	if lm := collector.Layer("L2"); lm == nil || lm.Hits != 1 {
		t.Errorf("Expected an L2 hit, got %+v", lm)
	}
}

func TestChain_RecordsMissBeforeLoad(t *testing.T) {
	collector := metricsmem.NewMemoryCollector()
	chain, _ := NewWithConfig(Config{Metrics: collector}, mock.NewMockLayer("L1"))
	defer chain.Close()

	chain.GetOrLoad(context.Background(), "rate:BTC", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("v"), nil
	})

	if snap := collector.Snapshot(); snap.ChainMisses != 1 {
		t.Errorf("Expected one chain miss, got %d", snap.ChainMisses)
	}
}
