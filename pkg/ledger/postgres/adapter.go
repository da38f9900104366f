// Package postgres is the PostgreSQL ledger.Store.
//
// Wallet and holding rows are locked with SELECT ... FOR UPDATE inside a READ COMMITTED
// transaction, always wallet first. Balances are NUMERIC columns scanned straight into
// decimal.Decimal, and CHECK constraints reject any negative balance or holding.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"coinvault/pkg/ledger"
	"coinvault/pkg/logging"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Compile-time check that Store implements ledger.Store.
var _ ledger.Store = (*Store)(nil)

// Config holds PostgreSQL connection configuration.
type Config struct {
	// URL, when set, is used as the connection string and the fields below are ignored.
	URL string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "coinvault",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func (c Config) dsn() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Store implements ledger.Store on a *sql.DB.
type Store struct {
	db     *sql.DB
	txm    *TxManager
	logger *logging.Logger
}

// Open connects, verifies the connection and creates the schema if needed.
func Open(ctx context.Context, cfg Config, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.L()
	}

	db, err := sql.Open("postgres", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	txm, err := NewTxManager(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, txm: txm, logger: logger.Named("postgres")}
	if err := s.initTables(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}

	return s, nil
}

func (s *Store) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			naira_balance NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (naira_balance >= 0),
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS holdings (
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL REFERENCES wallets(id),
			crypto_symbol TEXT NOT NULL,
			amount NUMERIC(28,8) NOT NULL DEFAULT 0 CHECK (amount >= 0),
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			UNIQUE (wallet_id, crypto_symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			crypto_symbol TEXT NOT NULL,
			amount NUMERIC(28,8) NOT NULL,
			naira_amount NUMERIC(20,2) NOT NULL,
			rate NUMERIC(28,8) NOT NULL,
			fee NUMERIC(20,2) NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_seq ON trades(user_id, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			amount NUMERIC(20,2) NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			previous_balance NUMERIC(20,2) NOT NULL,
			new_balance NUMERIC(20,2) NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user_seq ON transactions(user_id, seq DESC)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}

	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithinTx runs fn in a READ COMMITTED transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.txm.WithTransactionOptions(ctx, &TxOptions{Isolation: sql.LevelReadCommitted}, func(sqlTx *sql.Tx) error {
		return fn(&tx{tx: sqlTx})
	})
}

// OpenWallet inserts the user's wallet unless one exists, then returns it.
func (s *Store) OpenWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("postgres: open wallet: empty user id")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO wallets (id, user_id, naira_balance) VALUES ($1, $2, 0) ON CONFLICT (user_id) DO NOTHING`,
		uuid.New().String(), userID,
	)
	if err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("Wallet opened", zap.String("user_id", userID))
	}

	return s.Wallet(ctx, userID)
}

const walletColumns = `id, user_id, naira_balance, created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (*ledger.Wallet, error) {
	var w ledger.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.FiatBalance, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan wallet: %w", err)
	}
	return &w, nil
}

// Wallet reads the user's wallet without locking it.
func (s *Store) Wallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
	return scanWallet(row)
}

const holdingColumns = `id, wallet_id, crypto_symbol, amount, created_at, updated_at`

func scanHolding(row interface{ Scan(...any) error }) (*ledger.Holding, error) {
	var h ledger.Holding
	err := row.Scan(&h.ID, &h.WalletID, &h.Symbol, &h.Amount, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrHoldingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan holding: %w", err)
	}
	return &h, nil
}

// Holdings lists the wallet's holdings ordered by symbol.
func (s *Store) Holdings(ctx context.Context, walletID string) ([]ledger.Holding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+holdingColumns+` FROM holdings WHERE wallet_id = $1 ORDER BY crypto_symbol`,
		walletID,
	)
	if err != nil {
		return nil, fmt.Errorf("query holdings: %w", err)
	}
	defer rows.Close()

	holdings := make([]ledger.Holding, 0)
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, *h)
	}
	return holdings, rows.Err()
}

// readOnly runs fn in a read-only REPEATABLE READ transaction so a count and the page it
// describes come from the same snapshot.
func (s *Store) readOnly(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.txm.WithTransactionOptions(ctx, &TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func pageBounds(limit, offset, total int) (int, int) {
	if limit <= 0 {
		limit = total
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Trades returns one page of the user's trades, newest first.
func (s *Store) Trades(ctx context.Context, q ledger.TradeQuery) ([]ledger.Trade, int, error) {
	where := []string{"user_id = $1"}
	args := []any{q.UserID}
	if q.Symbol != "" {
		args = append(args, q.Symbol)
		where = append(where, fmt.Sprintf("crypto_symbol = $%d", len(args)))
	}
	if q.Side != "" {
		args = append(args, string(q.Side))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var (
		total  int
		trades = make([]ledger.Trade, 0)
	)
	err := s.readOnly(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE `+cond, args...).Scan(&total); err != nil {
			return fmt.Errorf("count trades: %w", err)
		}

		limit, offset := pageBounds(q.Limit, q.Offset, total)
		pageArgs := append(args[:len(args):len(args)], limit, offset)
		query := fmt.Sprintf(`
			SELECT id, user_id, type, crypto_symbol, amount, naira_amount, rate, fee, status, created_at
			FROM trades
			WHERE %s
			ORDER BY seq DESC
			LIMIT $%d OFFSET $%d
		`, cond, len(pageArgs)-1, len(pageArgs))

		rows, err := tx.QueryContext(ctx, query, pageArgs...)
		if err != nil {
			return fmt.Errorf("query trades: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var t ledger.Trade
			if err := rows.Scan(
				&t.ID, &t.UserID, &t.Side, &t.Symbol, &t.Amount,
				&t.FiatAmount, &t.Rate, &t.Fee, &t.Status, &t.CreatedAt,
			); err != nil {
				return fmt.Errorf("scan trade: %w", err)
			}
			trades = append(trades, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return trades, total, nil
}

// Transactions returns one page of the user's ledger entries, newest first.
func (s *Store) Transactions(ctx context.Context, q ledger.TransactionQuery) ([]ledger.Transaction, int, error) {
	var (
		total int
		txns  = make([]ledger.Transaction, 0)
	)
	err := s.readOnly(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE user_id = $1`, q.UserID).Scan(&total); err != nil {
			return fmt.Errorf("count transactions: %w", err)
		}

		limit, offset := pageBounds(q.Limit, q.Offset, total)
		rows, err := tx.QueryContext(ctx, `
			SELECT id, user_id, type, amount, description, previous_balance, new_balance, created_at
			FROM transactions
			WHERE user_id = $1
			ORDER BY seq DESC
			LIMIT $2 OFFSET $3
		`, q.UserID, limit, offset)
		if err != nil {
			return fmt.Errorf("query transactions: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var t ledger.Transaction
			if err := rows.Scan(
				&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Description,
				&t.PreviousBalance, &t.NewBalance, &t.CreatedAt,
			); err != nil {
				return fmt.Errorf("scan transaction: %w", err)
			}
			txns = append(txns, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
