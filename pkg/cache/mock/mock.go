// Package mock provides a scriptable cache.Layer for tests.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"coinvault/pkg/cache"
)

// Compile-time check that MockLayer implements cache.Layer.
var _ cache.Layer = (*MockLayer)(nil)

// MockLayer delegates to the Func hooks when set and counts every call.
type MockLayer struct {
	GetFunc    func(ctx context.Context, key string) ([]byte, error)
	SetFunc    func(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteFunc func(ctx context.Context, key string) error
	NameFunc   func() string
	CloseFunc  func() error

	getCalls    int64
	setCalls    int64
	deleteCalls int64
	closeCalls  int64
}

// NewMockLayer returns a layer that misses every Get and accepts every write.
func NewMockLayer(name string) *MockLayer {
	return &MockLayer{
		NameFunc: func() string { return name },
		GetFunc: func(ctx context.Context, key string) ([]byte, error) {
			return nil, cache.ErrKeyNotFound
		},
	}
}

func (m *MockLayer) Get(ctx context.Context, key string) ([]byte, error) {
	atomic.AddInt64(&m.getCalls, 1)
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return nil, cache.ErrKeyNotFound
}

func (m *MockLayer) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	atomic.AddInt64(&m.setCalls, 1)
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, ttl)
	}
	return nil
}

func (m *MockLayer) Delete(ctx context.Context, key string) error {
	atomic.AddInt64(&m.deleteCalls, 1)
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, key)
	}
	return nil
}

func (m *MockLayer) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

func (m *MockLayer) Close() error {
	atomic.AddInt64(&m.closeCalls, 1)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// GetCalls returns the number of Get calls.
func (m *MockLayer) GetCalls() int { return int(atomic.LoadInt64(&m.getCalls)) }

// SetCalls returns the number of Set calls.
func (m *MockLayer) SetCalls() int { return int(atomic.LoadInt64(&m.setCalls)) }

// DeleteCalls returns the number of Delete calls.
func (m *MockLayer) DeleteCalls() int { return int(atomic.LoadInt64(&m.deleteCalls)) }

// CloseCalls returns the number of Close calls.
func (m *MockLayer) CloseCalls() int { return int(atomic.LoadInt64(&m.closeCalls)) }
