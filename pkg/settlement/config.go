package settlement

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"coinvault/pkg/ledger"
	"coinvault/pkg/money"

	"github.com/shopspring/decimal"
)

// Config holds the economic parameters of the engine.
type Config struct {
	// BuyFeePercent and SellFeePercent are percentages of the gross fiat value (default: 2.0)
	BuyFeePercent  decimal.Decimal
	SellFeePercent decimal.Decimal

	// MinTransaction is the smallest fee-adjusted fiat value of a trade (default: 5000)
	MinTransaction decimal.Decimal

	// MinDeposit is the smallest fiat top-up (default: 100)
	MinDeposit decimal.Decimal

	// MaxFiat caps the fiat value of one trade or deposit and any resulting balance
	// (default: 1000000000000000)
	MaxFiat decimal.Decimal

	// MinAmounts is the smallest tradable quantity per symbol. Its keys are the
	// supported symbols.
	MinAmounts map[string]decimal.Decimal

	// RateTimeout bounds the rate lookup of one order (default: 3s)
	RateTimeout time.Duration
}

// DefaultConfig returns the production parameters.
func DefaultConfig() Config {
	return Config{
		BuyFeePercent:  decimal.RequireFromString("2.0"),
		SellFeePercent: decimal.RequireFromString("2.0"),
		MinTransaction: decimal.NewFromInt(5000),
		MinDeposit:     decimal.NewFromInt(100),
		MaxFiat:        decimal.New(1, 15),
		MinAmounts: map[string]decimal.Decimal{
			"BTC":  decimal.RequireFromString("0.0001"),
			"ETH":  decimal.RequireFromString("0.001"),
			"USDT": decimal.NewFromInt(1),
		},
		RateTimeout: 3 * time.Second,
	}
}

// Validate reports the first parameter that makes no economic sense.
func (c Config) Validate() error {
	if c.BuyFeePercent.IsNegative() || c.SellFeePercent.IsNegative() {
		return errors.New("settlement: fee percent must not be negative")
	}
	if c.SellFeePercent.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return errors.New("settlement: sell fee must be below 100 percent")
	}
	if c.MinTransaction.IsNegative() || c.MinDeposit.IsNegative() {
		return errors.New("settlement: minimums must not be negative")
	}
	if !c.MaxFiat.GreaterThan(c.MinDeposit) || !c.MaxFiat.GreaterThan(c.MinTransaction) {
		return errors.New("settlement: maximum fiat value must exceed the minimums")
	}
	if !money.InRange(c.MaxFiat) {
		return fmt.Errorf("settlement: maximum fiat value %s does not fit the ledger", c.MaxFiat)
	}
	if len(c.MinAmounts) == 0 {
		return errors.New("settlement: no supported symbols")
	}
	for symbol, min := range c.MinAmounts {
		if symbol != ledger.NormalizeSymbol(symbol) {
			return fmt.Errorf("settlement: symbol %q must be upper case", symbol)
		}
		if min.IsNegative() {
			return fmt.Errorf("settlement: negative minimum for %s", symbol)
		}
	}
	if c.RateTimeout <= 0 {
		return errors.New("settlement: rate timeout must be positive")
	}
	return nil
}

// Supported lists the tradable symbols in sorted order.
func (c Config) Supported() []string {
	symbols := make([]string, 0, len(c.MinAmounts))
	for symbol := range c.MinAmounts {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// IsSupported reports whether symbol, in any case, can be traded.
func (c Config) IsSupported(symbol string) bool {
	_, ok := c.MinAmounts[ledger.NormalizeSymbol(symbol)]
	return ok
}

func (c Config) feePercent(side ledger.Side) decimal.Decimal {
	if side == ledger.SideSell {
		return c.SellFeePercent
	}
	return c.BuyFeePercent
}
