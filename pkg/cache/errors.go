package cache

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by cache layers.
var (
	// ErrKeyNotFound is returned when a key is absent or expired
	ErrKeyNotFound = errors.New("cache: key not found")

	// ErrInvalidKey is returned when a key is empty, too long or contains control characters
	ErrInvalidKey = errors.New("cache: invalid key")

	// ErrInvalidValue is returned when a value is nil
	ErrInvalidValue = errors.New("cache: invalid value")

	// ErrLayerUnavailable is returned when a layer cannot be reached
	ErrLayerUnavailable = errors.New("cache: layer unavailable")

	// ErrTimeout is returned when a layer call exceeds its deadline
	ErrTimeout = errors.New("cache: operation timeout")

	// ErrCircuitOpen is returned while a layer's circuit breaker rejects calls
	ErrCircuitOpen = errors.New("cache: circuit breaker open")
)

// IsNotFound reports whether err is a miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// IsTimeout reports whether err is a layer timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable reports whether err means the layer could not serve the call.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrLayerUnavailable) || errors.Is(err, ErrCircuitOpen)
}

// IsCircuitOpen reports whether err came from an open circuit breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// ClassifyError returns a short label for err, used as a metrics dimension.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_breaker_open"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, ErrLayerUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrInvalidValue):
		return "invalid_value"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection", "connect", "dial"):
		return "connection"
	case containsAny(msg, "marshal", "unmarshal", "encode", "decode"):
		return "serialization"
	case containsAny(msg, "redis"):
		return "backend"
	default:
		return "other"
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// WrapError annotates err with the layer and operation it came from.
func WrapError(err error, layer, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("cache layer %s %s: %w", layer, operation, err)
}
