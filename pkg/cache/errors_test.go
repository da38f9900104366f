package cache

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"ErrKeyNotFound", ErrKeyNotFound, true},
		{"wrapped ErrKeyNotFound", WrapError(ErrKeyNotFound, "L1", "get"), true},
		{"other error", ErrInvalidKey, false},
		{"nil error", nil, false},
		{"custom error", errors.New("custom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.expected {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestIsUnavailable(t *testing.T) {
	if !IsUnavailable(ErrCircuitOpen) {
		t.Error("Expected open circuit to count as unavailable")
	}
	if !IsUnavailable(fmt.Errorf("redis: %w", ErrLayerUnavailable)) {
		t.Error("Expected wrapped ErrLayerUnavailable to count as unavailable")
	}
	if IsUnavailable(ErrKeyNotFound) {
		t.Error("Expected miss not to count as unavailable")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err      error
		expected string
	}{
		{nil, "none"},
		{ErrCircuitOpen, "circuit_breaker_open"},
		{ErrTimeout, "timeout"},
		{WrapError(ErrKeyNotFound, "L2", "get"), "key_not_found"},
		{ErrLayerUnavailable, "unavailable"},
		{ErrInvalidKey, "invalid_key"},
		{ErrInvalidValue, "invalid_value"},
		{errors.New("dial tcp 127.0.0.1:6379: Connection refused"), "connection"},
		{errors.New("json: cannot unmarshal string"), "serialization"},
		{errors.New("redis get: READONLY"), "backend"},
		{errors.New("something else"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(nil, "L1", "get") != nil {
		t.Error("Expected nil for nil error")
	}

	err := WrapError(ErrTimeout, "L2-Redis", "set")
	if err.Error() != "cache layer L2-Redis set: cache: operation timeout" {
		t.Errorf("Unexpected message: %q", err.Error())
	}
	if !IsTimeout(err) {
		t.Error("Expected wrapped error to keep its kind")
	}
}
