// Package rates supplies the current fiat price of a crypto asset.
package rates

import (
	"context"
	"errors"
	"strings"
	"time"

	"coinvault/pkg/money"
	"coinvault/pkg/resilience"

	"github.com/shopspring/decimal"
)

// USDToNGN converts a USD price when a source has no naira quote.
var USDToNGN = decimal.NewFromInt(1550)

// ErrUnavailable means no price could be produced for the symbol.
var ErrUnavailable = errors.New("rates: rate unavailable")

// Quote is one price observation for one asset.
type Quote struct {
	Symbol string          `json:"symbol"`
	Fiat   decimal.Decimal `json:"fiat"`
	// USD is set only when the source priced the asset in dollars.
	USD       decimal.NullDecimal `json:"usd"`
	Source    string              `json:"source"`
	FetchedAt time.Time           `json:"fetched_at"`
}

// USDValue returns the dollar price, derived from Fiat at USDToNGN when the source gave none.
func (q Quote) USDValue() decimal.Decimal {
	if q.USD.Valid {
		return q.USD.Decimal
	}
	return money.Rate(q.Fiat.Div(USDToNGN))
}

// Provider returns the current price of a symbol.
type Provider interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// Source is a Provider that talks to a named origin of prices.
type Source interface {
	Provider
	Name() string
}

// Normalize upper-cases and trims a symbol.
func Normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Outcome classifies a fetch result for metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, resilience.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
