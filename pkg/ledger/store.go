package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store is durable ledger state. Every mutation goes through WithinTx.
type Store interface {
	// WithinTx runs fn as one unit of work. The work commits if fn returns nil
	// and is rolled back completely otherwise, including when fn panics.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// OpenWallet creates the user's wallet with a zero balance, or returns the existing one.
	OpenWallet(ctx context.Context, userID string) (*Wallet, error)

	// Wallet reads the user's wallet without locking it.
	// Returns ErrWalletNotFound if the user has none.
	Wallet(ctx context.Context, userID string) (*Wallet, error)

	// Holdings lists the wallet's holdings ordered by symbol.
	Holdings(ctx context.Context, walletID string) ([]Holding, error)

	// Trades returns one page of the user's trades, newest first, and the total match count.
	Trades(ctx context.Context, q TradeQuery) ([]Trade, int, error)

	// Transactions returns one page of the user's ledger entries, newest first, and the total.
	Transactions(ctx context.Context, q TransactionQuery) ([]Transaction, int, error)

	// Close releases the store's resources.
	Close() error
}

// Tx is the handle a unit of work operates through.
// Locks taken through it are held until the unit of work ends. Callers lock the
// wallet before any of its holdings.
type Tx interface {
	// LockWallet reads the user's wallet and locks it against concurrent mutation.
	LockWallet(ctx context.Context, userID string) (*Wallet, error)

	// LockHolding reads and locks the holding, or returns ErrHoldingNotFound.
	LockHolding(ctx context.Context, walletID, symbol string) (*Holding, error)

	// EnsureHolding locks the holding, creating it with a zero amount first if absent.
	EnsureHolding(ctx context.Context, walletID, symbol string) (*Holding, error)

	UpdateWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal) error
	UpdateHoldingAmount(ctx context.Context, holdingID string, amount decimal.Decimal) error

	InsertTrade(ctx context.Context, t *Trade) error
	InsertTransaction(ctx context.Context, t *Transaction) error
}

// TradeQuery selects a page of one user's trades.
// Empty Symbol and Side mean no filter. Offset and Limit are already bounded by the caller.
type TradeQuery struct {
	UserID string
	Symbol string
	Side   Side
	Offset int
	Limit  int
}

// TransactionQuery selects a page of one user's ledger entries.
type TransactionQuery struct {
	UserID string
	Offset int
	Limit  int
}
