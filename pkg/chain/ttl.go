package chain

import (
	"math"
	"time"
)

// TTLStrategy determines the lifetime of an entry in each layer of the chain.
type TTLStrategy interface {
	// GetTTL returns the TTL for layerIndex in a chain of numLayers layers.
	GetTTL(layerIndex, numLayers int, baseTTL time.Duration) time.Duration
}

// UniformTTLStrategy uses the same TTL for all layers.
type UniformTTLStrategy struct{}

func (s *UniformTTLStrategy) GetTTL(layerIndex, numLayers int, baseTTL time.Duration) time.Duration {
	return baseTTL
}

// DecayingTTLStrategy shortens the TTL of faster layers, so a process-local copy of a
// quote goes stale sooner than the shared one.
type DecayingTTLStrategy struct {
	DecayFactor float64 // 0.5 means each layer keeps half as long as the one below it
}

// GetTTL gives the last layer the full baseTTL and layer i baseTTL*factor^(numLayers-1-i).
func (s *DecayingTTLStrategy) GetTTL(layerIndex, numLayers int, baseTTL time.Duration) time.Duration {
	if s.DecayFactor <= 0 || s.DecayFactor >= 1 || layerIndex >= numLayers-1 {
		return baseTTL
	}

	exponent := float64(numLayers - layerIndex - 1)
	return time.Duration(float64(baseTTL) * math.Pow(s.DecayFactor, exponent))
}

// CustomTTLStrategy uses explicit TTL values for each layer.
type CustomTTLStrategy struct {
	TTLs []time.Duration
}

// GetTTL returns the custom TTL for a layer, or baseTTL if not specified.
func (s *CustomTTLStrategy) GetTTL(layerIndex, numLayers int, baseTTL time.Duration) time.Duration {
	if layerIndex < len(s.TTLs) && s.TTLs[layerIndex] > 0 {
		return s.TTLs[layerIndex]
	}
	return baseTTL
}
