package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"coinvault/pkg/cache"
)

func newTestCache(maxSize int) *MemoryCache {
	return NewMemoryCache(MemoryCacheConfig{
		Name:            "test",
		MaxSize:         maxSize,
		DefaultTTL:      time.Hour,
		CleanupInterval: time.Minute,
	})
}

func TestMemoryCache_GetSet(t *testing.T) {
	c := newTestCache(0)
	defer c.Close()
	ctx := context.Background()

	if _, err := c.Get(ctx, "rate:BTC"); !errors.Is(err, cache.ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}

	if err := c.Set(ctx, "rate:BTC", []byte(`{"fiat":"1"}`), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := c.Get(ctx, "rate:BTC")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != `{"fiat":"1"}` {
		t.Errorf("Expected stored payload, got %s", got)
	}
}

func TestMemoryCache_ReturnsCopies(t *testing.T) {
	c := newTestCache(0)
	defer c.Close()
	ctx := context.Background()

	value := []byte("abc")
	c.Set(ctx, "k", value, 0)
	value[0] = 'x'

	got, _ := c.Get(ctx, "k")
	got[1] = 'y'

	again, _ := c.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("Expected stored value to be isolated from callers, got %s", again)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := newTestCache(0)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "short", []byte("v"), 20*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	if _, err := c.Get(ctx, "short"); !cache.IsNotFound(err) {
		t.Errorf("Expected expired entry to miss, got %v", err)
	}
}

func TestMemoryCache_EvictsLRU(t *testing.T) {
	c := newTestCache(2)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "a", []byte("1"), 0)
	time.Sleep(time.Millisecond)
	c.Set(ctx, "b", []byte("2"), 0)
	time.Sleep(time.Millisecond)
	c.Get(ctx, "a")
	time.Sleep(time.Millisecond)
	c.Set(ctx, "c", []byte("3"), 0)

	if _, err := c.Get(ctx, "b"); err == nil {
		t.Error("Expected b to be evicted")
	}
	if _, err := c.Get(ctx, "a"); err != nil {
		t.Errorf("Expected a to survive, got %v", err)
	}
	if stats := c.Stats(); stats.Size != 2 {
		t.Errorf("Expected size 2, got %d", stats.Size)
	}
}

func TestMemoryCache_InvalidInput(t *testing.T) {
	c := newTestCache(0)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "", []byte("v"), 0); !errors.Is(err, cache.ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey, got %v", err)
	}
	if err := c.Set(ctx, "k", nil, 0); !errors.Is(err, cache.ErrInvalidValue) {
		t.Errorf("Expected ErrInvalidValue, got %v", err)
	}
}

func TestMemoryCache_DeleteAndEntry(t *testing.T) {
	c := newTestCache(0)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), time.Minute)
	e, ok := c.Entry("k")
	if !ok || e.TimeToLive() <= 0 {
		t.Fatalf("Expected live entry, got %+v", e)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Errorf("Expected deleting a missing key to succeed, got %v", err)
	}
	if _, ok := c.Entry("k"); ok {
		t.Error("Expected entry to be gone")
	}
}

func TestMemoryCache_Concurrent(t *testing.T) {
	c := newTestCache(50)
	defer c.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%d-%d", id, j%10)
				c.Set(ctx, key, []byte("v"), 0)
				c.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()

	if stats := c.Stats(); stats.Size > 50 {
		t.Errorf("Expected size <= 50, got %d", stats.Size)
	}
}
