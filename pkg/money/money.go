// Package money holds the fixed-point rules shared by the ledger and the settlement engine.
// Fiat values carry 2 fractional digits, crypto quantities and rates carry 8.
// Nothing in this module represents money as a binary float.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// FiatScale is the number of fractional digits kept for fiat amounts.
	FiatScale int32 = 2
	// CryptoScale is the number of fractional digits kept for crypto quantities and rates.
	CryptoScale int32 = 8

	// MaxIntegerDigits bounds the integer part of any parsed amount. It fits the
	// NUMERIC(20,2) fiat columns and the NUMERIC(28,8) crypto columns.
	MaxIntegerDigits = 18
	// MaxFractionDigits bounds the exponent of any parsed amount.
	MaxFractionDigits = 18

	maxTextLen = 64
)

// ErrOutOfRange is returned for amounts with too many digits on either side of the point.
var ErrOutOfRange = errors.New("money: amount out of range")

var hundred = decimal.NewFromInt(100)

// Fiat rounds d to fiat precision, half away from zero.
func Fiat(d decimal.Decimal) decimal.Decimal {
	return d.Round(FiatScale)
}

// Crypto truncates d to crypto precision. A quantity is never rounded up.
func Crypto(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(CryptoScale)
}

// Rate rounds a price to crypto precision.
func Rate(d decimal.Decimal) decimal.Decimal {
	return d.Round(CryptoScale)
}

// Percent returns pct percent of base, rounded to fiat precision.
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return Fiat(base.Mul(pct).Div(hundred))
}

// FormatFiat renders d with exactly two fractional digits.
func FormatFiat(d decimal.Decimal) string {
	return d.StringFixed(FiatScale)
}

// FormatCrypto renders d with exactly eight fractional digits.
func FormatCrypto(d decimal.Decimal) string {
	return d.StringFixed(CryptoScale)
}

// Parse reads a decimal from its string form. Empty input is rejected.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("money: empty amount")
	}
	if len(s) > maxTextLen {
		return decimal.Zero, ErrOutOfRange
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	if !InRange(d) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrOutOfRange, s)
	}
	return d, nil
}

// InRange reports whether d has at most MaxIntegerDigits integer digits and an exponent
// no smaller than -MaxFractionDigits. It inspects only the coefficient and exponent,
// so it is safe to call before any rescaling arithmetic.
func InRange(d decimal.Decimal) bool {
	exp := d.Exponent()
	if exp < -MaxFractionDigits || exp > MaxIntegerDigits {
		return false
	}
	if d.Coefficient().BitLen() > 256 {
		return false
	}
	return d.NumDigits()+int(exp) <= MaxIntegerDigits
}

// MustParse is Parse for constants. It panics on malformed input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Amount is a request-side decimal that accepts both JSON numbers and numeric strings.
// The raw text is decoded straight into a decimal so a number never passes through float64.
type Amount struct {
	Value decimal.Decimal
	Set   bool
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*a = Amount{}
		return nil
	}

	text := string(b)
	if len(text) > 0 && text[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		text = s
	}

	d, err := Parse(text)
	if err != nil {
		return err
	}
	a.Value = d
	a.Set = true
	return nil
}
