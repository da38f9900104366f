package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Order and ledger errors. Validation kinds are detected before any mutation
// and are never retried automatically.
var (
	// ErrUnsupportedAsset is returned when the symbol is outside the supported set
	ErrUnsupportedAsset = errors.New("ledger: unsupported asset")

	// ErrBelowMinimumAmount is returned when an amount is non-positive or under its minimum
	ErrBelowMinimumAmount = errors.New("ledger: amount below minimum")

	// ErrAboveMaximumAmount is returned when a fiat value or resulting balance exceeds the ledger limit
	ErrAboveMaximumAmount = errors.New("ledger: amount above maximum")

	// ErrBelowMinimumTransaction is returned when the fee-adjusted fiat value is under the minimum
	ErrBelowMinimumTransaction = errors.New("ledger: transaction below minimum")

	// ErrRateUnavailable is returned when no current rate could be obtained. Safe to retry.
	ErrRateUnavailable = errors.New("ledger: rate unavailable")

	// ErrInsufficientFunds is returned when the fiat balance does not cover a buy
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientHoldings is returned when the holding does not cover a sell
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")

	// ErrUnauthenticated is returned when a request carries no verified user
	ErrUnauthenticated = errors.New("ledger: unauthenticated")

	// ErrInternal marks a storage or programming failure. Details never leave the process.
	ErrInternal = errors.New("ledger: internal failure")

	// ErrWalletNotFound is returned by stores when the user has no wallet
	ErrWalletNotFound = errors.New("ledger: wallet not found")

	// ErrHoldingNotFound is returned by stores when the wallet holds no row for the symbol
	ErrHoldingNotFound = errors.New("ledger: holding not found")
)

// TradeError carries the structured detail a caller needs to correct a rejected request.
// Kind is one of the sentinel errors above; errors.Is(err, Kind) holds.
type TradeError struct {
	Kind      error
	Message   string
	Field     string
	Symbol    string
	Minimum   decimal.NullDecimal
	Maximum   decimal.NullDecimal
	Required  decimal.NullDecimal
	Available decimal.NullDecimal
}

func (e *TradeError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
}

func (e *TradeError) Unwrap() error {
	return e.Kind
}

// Reject builds a TradeError of the given kind.
func Reject(kind error, format string, args ...interface{}) *TradeError {
	return &TradeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithField names the request field at fault.
func (e *TradeError) WithField(field string) *TradeError {
	e.Field = field
	return e
}

// WithMinimum records the threshold that was not met.
func (e *TradeError) WithMinimum(min decimal.Decimal) *TradeError {
	e.Minimum = decimal.NewNullDecimal(min)
	return e
}

// WithMaximum records the limit that was exceeded.
func (e *TradeError) WithMaximum(max decimal.Decimal) *TradeError {
	e.Maximum = decimal.NewNullDecimal(max)
	return e
}

// WithShortfall records what was required against what was available.
func (e *TradeError) WithShortfall(required, available decimal.Decimal) *TradeError {
	e.Required = decimal.NewNullDecimal(required)
	e.Available = decimal.NewNullDecimal(available)
	return e
}

// IsValidation reports whether err is a client-correctable rejection.
func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrUnsupportedAsset),
		errors.Is(err, ErrBelowMinimumAmount),
		errors.Is(err, ErrAboveMaximumAmount),
		errors.Is(err, ErrBelowMinimumTransaction),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientHoldings):
		return true
	default:
		return false
	}
}

// IsRetryable reports whether the caller may simply try again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateUnavailable)
}

// Classify returns a short label for err, used for metrics and logs.
func Classify(err error) string {
	if err == nil {
		return "ok"
	}

	switch {
	case errors.Is(err, ErrUnsupportedAsset):
		return "unsupported_asset"
	case errors.Is(err, ErrBelowMinimumAmount):
		return "below_minimum_amount"
	case errors.Is(err, ErrAboveMaximumAmount):
		return "above_maximum_amount"
	case errors.Is(err, ErrBelowMinimumTransaction):
		return "below_minimum_transaction"
	case errors.Is(err, ErrRateUnavailable):
		return "rate_unavailable"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientHoldings):
		return "insufficient_holdings"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrWalletNotFound):
		return "wallet_not_found"
	default:
		return "internal"
	}
}
