package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"coinvault/pkg/logging"

	"go.uber.org/zap"
)

// TxManager runs functions inside a database transaction.
//
// Usage:
//
//	txm, _ := postgres.NewTxManager(db, logger)
//	opts := &postgres.TxOptions{Isolation: sql.LevelReadCommitted}
//	err := txm.WithTransactionOptions(ctx, opts, func(tx *sql.Tx) error {
//	    if _, err := tx.ExecContext(ctx, debit, walletID, amount); err != nil {
//	        return err // triggers rollback
//	    }
//	    _, err := tx.ExecContext(ctx, insertTrade, ...)
//	    return err
//	})
type TxManager struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewTxManager creates a new transaction manager.
func NewTxManager(db *sql.DB, logger *logging.Logger) (*TxManager, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection cannot be nil")
	}
	if logger == nil {
		logger = logging.L()
	}
	return &TxManager{db: db, logger: logger}, nil
}

// TxOptions configures transaction behavior. A nil *TxOptions uses the database defaults.
type TxOptions struct {
	Isolation sql.IsolationLevel
	ReadOnly  bool
}

// WithTransactionOptions executes fn within a database transaction.
//
// The transaction is rolled back if fn returns an error, if fn panics (the panic is
// re-raised after rollback) or if commit fails.
func (m *TxManager) WithTransactionOptions(ctx context.Context, opts *TxOptions, fn func(tx *sql.Tx) error) error {
	var txOpts *sql.TxOptions
	if opts != nil {
		txOpts = &sql.TxOptions{
			Isolation: opts.Isolation,
			ReadOnly:  opts.ReadOnly,
		}
	}

	tx, err := m.db.BeginTx(ctx, txOpts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				m.logger.Error("Failed to rollback transaction after panic", zap.Error(rbErr))
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Error("Failed to rollback transaction",
				zap.Error(rbErr),
				zap.NamedError("original_error", err),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
