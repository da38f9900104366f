package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coinvault/pkg/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// tx implements ledger.Tx on one *sql.Tx.
type tx struct {
	tx *sql.Tx
}

func (t *tx) LockWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`,
		userID,
	)
	return scanWallet(row)
}

func (t *tx) LockHolding(ctx context.Context, walletID, symbol string) (*ledger.Holding, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE wallet_id = $1 AND crypto_symbol = $2 FOR UPDATE`,
		walletID, symbol,
	)
	return scanHolding(row)
}

func (t *tx) EnsureHolding(ctx context.Context, walletID, symbol string) (*ledger.Holding, error) {
	h, err := t.LockHolding(ctx, walletID, symbol)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ledger.ErrHoldingNotFound) {
		return nil, err
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO holdings (id, wallet_id, crypto_symbol, amount) VALUES ($1, $2, $3, 0)
		 ON CONFLICT (wallet_id, crypto_symbol) DO NOTHING`,
		uuid.New().String(), walletID, symbol,
	)
	if err != nil {
		return nil, fmt.Errorf("create holding: %w", err)
	}

	return t.LockHolding(ctx, walletID, symbol)
}

func (t *tx) UpdateWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE wallets SET naira_balance = $2, updated_at = NOW() WHERE id = $1`,
		walletID, balance,
	)
	if err != nil {
		return fmt.Errorf("update wallet balance: %w", err)
	}
	return expectOne(res, "wallet", walletID)
}

func (t *tx) UpdateHoldingAmount(ctx context.Context, holdingID string, amount decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE holdings SET amount = $2, updated_at = NOW() WHERE id = $1`,
		holdingID, amount,
	)
	if err != nil {
		return fmt.Errorf("update holding amount: %w", err)
	}
	return expectOne(res, "holding", holdingID)
}

func (t *tx) InsertTrade(ctx context.Context, tr *ledger.Trade) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trades (id, user_id, type, crypto_symbol, amount, naira_amount, rate, fee, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		tr.ID, tr.UserID, string(tr.Side), tr.Symbol, tr.Amount,
		tr.FiatAmount, tr.Rate, tr.Fee, string(tr.Status), tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (t *tx) InsertTransaction(ctx context.Context, tr *ledger.Transaction) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, description, previous_balance, new_balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		tr.ID, tr.UserID, string(tr.Kind), tr.Amount, tr.Description,
		tr.PreviousBalance, tr.NewBalance, tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func expectOne(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", what, id, err)
	}
	if n != 1 {
		return fmt.Errorf("update %s %s: %d rows affected", what, id, n)
	}
	return nil
}
