package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coinvault/pkg/cache"
	"coinvault/pkg/cache/memory"
	"coinvault/pkg/cache/mock"
)

func hitWith(value string) func(ctx context.Context, key string) ([]byte, error) {
	return func(ctx context.Context, key string) ([]byte, error) {
		return []byte(value), nil
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		layers      []cache.Layer
		expectError bool
		expectedLen int
	}{
		{"empty layers", nil, true, 0},
		{"single layer", []cache.Layer{mock.NewMockLayer("L1")}, false, 1},
		{"two layers", []cache.Layer{mock.NewMockLayer("L1"), mock.NewMockLayer("L2")}, false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain, err := New(tt.layers...)
			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			defer chain.Close()

			if chain.Len() != tt.expectedLen {
				t.Errorf("Expected length %d, got %d", tt.expectedLen, chain.Len())
			}
		})
	}
}

func TestChain_Get_L1Hit(t *testing.T) {
	l1 := mock.NewMockLayer("L1")
	l1.GetFunc = hitWith("from-l1")
	l2 := mock.NewMockLayer("L2")

	chain, _ := New(l1, l2)
	defer chain.Close()

	value, err := chain.Get(context.Background(), "rate:BTC")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(value) != "from-l1" {
		t.Errorf("Expected from-l1, got %s", value)
	}
	if l2.GetCalls() != 0 {
		t.Errorf("Expected L2 untouched on L1 hit, got %d calls", l2.GetCalls())
	}
}

func TestChain_Get_L2HitWarmsL1(t *testing.T) {
	l1 := mock.NewMockLayer("L1")
	l2 := mock.NewMockLayer("L2")
	l2.GetFunc = hitWith("from-l2")

	chain, _ := New(l1, l2)
	defer chain.Close()

	value, err := chain.Get(context.Background(), "rate:ETH")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if string(value) != "from-l2" {
		t.Errorf("Expected from-l2, got %s", value)
	}

	if err := chain.Flush(time.Second); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if l1.SetCalls() != 1 {
		t.Errorf("Expected L1 to be warmed once, got %d", l1.SetCalls())
	}
	if l2.SetCalls() != 0 {
		t.Errorf("Expected no write back to the hit layer, got %d", l2.SetCalls())
	}
}

func TestChain_Get_AllMiss(t *testing.T) {
	chain, _ := New(mock.NewMockLayer("L1"), mock.NewMockLayer("L2"))
	defer chain.Close()

	if _, err := chain.Get(context.Background(), "rate:BTC"); !errors.Is(err, cache.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestChain_Get_CancelledContext(t *testing.T) {
	chain, _ := New(mock.NewMockLayer("L1"))
	defer chain.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := chain.Get(ctx, "rate:BTC"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestChain_GetOrLoad_LoadsAndStores(t *testing.T) {
	l1 := memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "L1"})
	l2 := memory.NewMemoryCache(memory.MemoryCacheConfig{Name: "L2"})
	chain, _ := NewWithConfig(Config{TTL: &DecayingTTLStrategy{DecayFactor: 0.5}}, l1, l2)
	defer chain.Close()
	ctx := context.Background()

	var loads int32
	load := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		return []byte("95000000"), nil
	}

	for i := 0; i < 3; i++ {
		value, err := chain.GetOrLoad(ctx, "rate:BTC", 4*time.Minute, load)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if string(value) != "95000000" {
			t.Errorf("Expected 95000000, got %s", value)
		}
	}
	if loads != 1 {
		t.Errorf("Expected one load, got %d", loads)
	}

	e1, ok1 := l1.Entry("rate:BTC")
	e2, ok2 := l2.Entry("rate:BTC")
	if !ok1 || !ok2 {
		t.Fatal("Expected the loaded value in both layers")
	}
	if ttl := e1.TimeToLive(); ttl > 2*time.Minute || ttl < time.Minute {
		t.Errorf("Expected L1 TTL near 2m, got %v", ttl)
	}
	if ttl := e2.TimeToLive(); ttl > 4*time.Minute || ttl < 3*time.Minute {
		t.Errorf("Expected L2 TTL near 4m, got %v", ttl)
	}
}

func TestChain_GetOrLoad_LoaderError(t *testing.T) {
	l1 := mock.NewMockLayer("L1")
	chain, _ := New(l1)
	defer chain.Close()

	boom := errors.New("upstream down")
	_, err := chain.GetOrLoad(context.Background(), "rate:BTC", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected loader error, got %v", err)
	}
	if l1.SetCalls() != 0 {
		t.Errorf("Expected nothing stored after a failed load, got %d sets", l1.SetCalls())
	}
}

func TestChain_GetOrLoad_CacheFailureFallsBackToLoader(t *testing.T) {
	broken := mock.NewMockLayer("L1")
	broken.GetFunc = func(ctx context.Context, key string) ([]byte, error) {
		return nil, cache.ErrLayerUnavailable
	}
	broken.SetFunc = func(ctx context.Context, key string, value []byte, ttl time.Duration) error {
		return cache.ErrLayerUnavailable
	}
	chain, _ := New(broken)
	defer chain.Close()

	value, err := chain.GetOrLoad(context.Background(), "rate:BTC", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("1"), nil
	})
	if err != nil {
		t.Fatalf("Expected cache failure to be absorbed, got %v", err)
	}
	if string(value) != "1" {
		t.Errorf("Expected loaded value, got %s", value)
	}
}

func TestChain_GetOrLoad_SingleFlight(t *testing.T) {
	chain, _ := New(mock.NewMockLayer("L1"))
	defer chain.Close()

	release := make(chan struct{})
	var loads int32
	load := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return []byte("v"), nil
	}

	const callers = 20
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := chain.GetOrLoad(context.Background(), "rate:USDT", time.Minute, load); err != nil {
				errs <- err
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Unexpected error: %v", err)
	}
	if loads != 1 {
		t.Errorf("Expected concurrent misses to collapse into one load, got %d", loads)
	}
}

func TestChain_GetOrLoad_CallerCancellation(t *testing.T) {
	chain, _ := New(mock.NewMockLayer("L1"))
	defer chain.Close()

	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := chain.GetOrLoad(ctx, "rate:BTC", time.Minute, func(ctx context.Context) ([]byte, error) {
		<-release
		return []byte("v"), nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestChain_SetAndDelete(t *testing.T) {
	l1 := mock.NewMockLayer("L1")
	l2 := mock.NewMockLayer("L2")
	l2.SetFunc = func(ctx context.Context, key string, value []byte, ttl time.Duration) error {
		return cache.ErrLayerUnavailable
	}
	chain, _ := New(l1, l2)
	defer chain.Close()
	ctx := context.Background()

	if err := chain.Set(ctx, "rate:BTC", []byte("v"), time.Minute); !errors.Is(err, cache.ErrLayerUnavailable) {
		t.Errorf("Expected the L2 failure to be reported, got %v", err)
	}
	if l1.SetCalls() != 1 {
		t.Errorf("Expected L1 to be written despite L2 failure, got %d", l1.SetCalls())
	}

	if err := chain.Delete(ctx, "rate:BTC"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if l1.DeleteCalls() != 1 || l2.DeleteCalls() != 1 {
		t.Errorf("Expected delete on every layer, got %d and %d", l1.DeleteCalls(), l2.DeleteCalls())
	}
}

func TestChain_Close(t *testing.T) {
	l1 := mock.NewMockLayer("L1")
	l2 := mock.NewMockLayer("L2")
	l2.CloseFunc = func() error { return errors.New("close failed") }
	chain, _ := New(l1, l2)

	if err := chain.Close(); err == nil {
		t.Error("Expected close error from L2")
	}
	if l1.CloseCalls() != 1 || l2.CloseCalls() != 1 {
		t.Error("Expected every layer to be closed")
	}
}

func TestChain_String(t *testing.T) {
	chain, _ := New(mock.NewMockLayer("memory"), mock.NewMockLayer("redis"))
	defer chain.Close()

	s := chain.String()
	if !strings.Contains(s, "2 layers") || !strings.Contains(s, "memory -> redis") {
		t.Errorf("Unexpected string: %s", s)
	}
}

func BenchmarkChain_Get_L1Hit(b *testing.B) {
	l1 := mock.NewMockLayer("L1")
	l1.GetFunc = hitWith("v")
	chain, _ := New(l1)
	defer chain.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		chain.Get(ctx, "rate:BTC")
	}
}
