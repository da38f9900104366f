package cache

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxKeyLength is the longest key a layer accepts.
const MaxKeyLength = 250

// ValidateKey checks that key is non-empty, at most MaxKeyLength bytes, free of control
// characters and without surrounding whitespace.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key too long (max %d characters)", ErrInvalidKey, MaxKeyLength)
	}

	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: key contains control character", ErrInvalidKey)
		}
	}

	if strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}

	return nil
}

// KeyPattern builds keys of the form prefix<sep>part<sep>part.
type KeyPattern struct {
	prefix    string
	separator string
}

// NewKeyPattern creates a key pattern. An empty separator defaults to ":".
func NewKeyPattern(prefix, separator string) *KeyPattern {
	if separator == "" {
		separator = ":"
	}
	return &KeyPattern{prefix: prefix, separator: separator}
}

// Build joins the prefix and parts. Example: NewKeyPattern("rate", "").Build("BTC") -> "rate:BTC"
func (kp *KeyPattern) Build(parts ...string) string {
	if len(parts) == 0 {
		return kp.prefix
	}
	return kp.prefix + kp.separator + strings.Join(parts, kp.separator)
}

// MustBuild is like Build but panics if the resulting key is invalid.
func (kp *KeyPattern) MustBuild(parts ...string) string {
	key := kp.Build(parts...)
	if err := ValidateKey(key); err != nil {
		panic(fmt.Sprintf("invalid key generated: %v", err))
	}
	return key
}
