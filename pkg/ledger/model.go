// Package ledger defines the custodial ledger: wallets, holdings, the append-only trade and
// transaction logs, the unit-of-work contract that storage backends implement, and the
// error taxonomy shared by everything that moves money.
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FiatCurrency is the currency every wallet balance is held in.
const FiatCurrency = "NGN"

// Side is the direction of a trade from the user's point of view.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide returns the side named by s, or false if s names none.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// TradeStatus is the lifecycle state of a trade record.
type TradeStatus string

const (
	TradePending   TradeStatus = "pending"
	TradeCompleted TradeStatus = "completed"
	TradeFailed    TradeStatus = "failed"
)

// TransactionKind classifies a fiat balance mutation.
type TransactionKind string

const (
	KindDeposit    TransactionKind = "deposit"
	KindWithdrawal TransactionKind = "withdrawal"
	KindBuyCrypto  TransactionKind = "buy_crypto"
	KindSellCrypto TransactionKind = "sell_crypto"
)

// NormalizeSymbol returns the canonical (upper case) form of an asset symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Wallet is a user's fiat account. There is exactly one per user.
type Wallet struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	FiatBalance decimal.Decimal `json:"naira_balance"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Holding is the quantity of one asset held by a wallet.
type Holding struct {
	ID        string          `json:"id"`
	WalletID  string          `json:"wallet_id"`
	Symbol    string          `json:"crypto_symbol"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Trade is the immutable record of one executed order.
// FiatAmount is post-fee: total cost for a buy, net proceeds for a sell.
type Trade struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Side       Side            `json:"type"`
	Symbol     string          `json:"crypto_symbol"`
	Amount     decimal.Decimal `json:"amount"`
	FiatAmount decimal.Decimal `json:"naira_amount"`
	Rate       decimal.Decimal `json:"rate"`
	Fee        decimal.Decimal `json:"fee"`
	Status     TradeStatus     `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Transaction is the audit entry for one fiat balance mutation.
type Transaction struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Kind            TransactionKind `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	NewBalance      decimal.Decimal `json:"new_balance"`
	CreatedAt       time.Time       `json:"created_at"`
}
