// Package memory is an in-process ledger.Store.
//
// It follows the same discipline as the PostgreSQL store: a unit of work holds the
// wallet's mutex from LockWallet until commit or rollback, writes are staged on the
// unit of work and only applied on commit, and different wallets never share a lock.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"coinvault/pkg/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Compile-time check that Store implements ledger.Store.
var _ ledger.Store = (*Store)(nil)

type holdingKey struct {
	walletID string
	symbol   string
}

// Store keeps all ledger state in maps guarded by mu.
// Per-wallet mutexes in walletLocks serialise units of work on the same wallet.
type Store struct {
	mu           sync.RWMutex
	wallets      map[string]*ledger.Wallet // by user id
	walletOwners map[string]string         // wallet id -> user id
	walletLocks  map[string]*sync.Mutex    // by wallet id
	holdings     map[holdingKey]*ledger.Holding
	trades       []ledger.Trade
	transactions []ledger.Transaction

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		wallets:      make(map[string]*ledger.Wallet),
		walletOwners: make(map[string]string),
		walletLocks:  make(map[string]*sync.Mutex),
		holdings:     make(map[holdingKey]*ledger.Holding),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// OpenWallet creates the user's wallet if it does not exist yet.
func (s *Store) OpenWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("memory: open wallet: empty user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}

	now := s.now()
	w := &ledger.Wallet{
		ID:          uuid.New().String(),
		UserID:      userID,
		FiatBalance: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.wallets[userID] = w
	s.walletOwners[w.ID] = userID
	s.walletLocks[w.ID] = &sync.Mutex{}

	cp := *w
	return &cp, nil
}

// Wallet returns a snapshot of the user's committed wallet.
func (s *Store) Wallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

// Holdings returns the wallet's committed holdings ordered by symbol.
func (s *Store) Holdings(ctx context.Context, walletID string) ([]ledger.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ledger.Holding, 0)
	for key, h := range s.holdings {
		if key.walletID == walletID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Trades pages through the user's trades, newest first.
func (s *Store) Trades(ctx context.Context, q ledger.TradeQuery) ([]ledger.Trade, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []ledger.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if t.UserID != q.UserID {
			continue
		}
		if q.Symbol != "" && t.Symbol != q.Symbol {
			continue
		}
		if q.Side != "" && t.Side != q.Side {
			continue
		}
		matched = append(matched, t)
	}

	return page(matched, q.Offset, q.Limit), len(matched), nil
}

// Transactions pages through the user's ledger entries, newest first.
func (s *Store) Transactions(ctx context.Context, q ledger.TransactionQuery) ([]ledger.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []ledger.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].UserID == q.UserID {
			matched = append(matched, s.transactions[i])
		}
	}

	return page(matched, q.Offset, q.Limit), len(matched), nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if limit > 0 && limit < end-offset {
		end = offset + limit
	}
	return items[offset:end]
}

// WithinTx runs fn against a staged view of the store and applies the staged writes on success.
func (s *Store) WithinTx(ctx context.Context, fn func(tx ledger.Tx) error) (err error) {
	t := &tx{
		s:        s,
		locked:   make(map[string]*sync.Mutex),
		wallets:  make(map[string]ledger.Wallet),
		holdings: make(map[holdingKey]ledger.Holding),
	}

	// Locks are released on every path; a panic is re-raised after the rollback.
	defer func() {
		if p := recover(); p != nil {
			t.release()
			panic(p)
		}
	}()

	if err := fn(t); err != nil {
		t.release()
		return err
	}

	t.commit()
	return nil
}

// tx stages writes until commit.
type tx struct {
	s            *Store
	locked       map[string]*sync.Mutex // wallet id -> held mutex
	wallets      map[string]ledger.Wallet
	holdings     map[holdingKey]ledger.Holding
	trades       []ledger.Trade
	transactions []ledger.Transaction
}

func (t *tx) lockWalletID(ctx context.Context, walletID string) error {
	if _, held := t.locked[walletID]; held {
		return nil
	}

	t.s.mu.RLock()
	m, ok := t.s.walletLocks[walletID]
	t.s.mu.RUnlock()
	if !ok {
		return ledger.ErrWalletNotFound
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	m.Lock()
	t.locked[walletID] = m
	return nil
}

func (t *tx) LockWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	t.s.mu.RLock()
	w, ok := t.s.wallets[userID]
	var walletID string
	if ok {
		walletID = w.ID
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}

	if err := t.lockWalletID(ctx, walletID); err != nil {
		return nil, err
	}

	if staged, ok := t.wallets[walletID]; ok {
		cp := staged
		return &cp, nil
	}

	// Re-read under the lock: another unit of work may have committed while we waited.
	t.s.mu.RLock()
	cp := *t.s.wallets[userID]
	t.s.mu.RUnlock()

	t.wallets[walletID] = cp
	return &cp, nil
}

func (t *tx) LockHolding(ctx context.Context, walletID, symbol string) (*ledger.Holding, error) {
	if err := t.lockWalletID(ctx, walletID); err != nil {
		return nil, err
	}

	key := holdingKey{walletID: walletID, symbol: symbol}
	if staged, ok := t.holdings[key]; ok {
		cp := staged
		return &cp, nil
	}

	t.s.mu.RLock()
	h, ok := t.s.holdings[key]
	var cp ledger.Holding
	if ok {
		cp = *h
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, ledger.ErrHoldingNotFound
	}

	t.holdings[key] = cp
	return &cp, nil
}

func (t *tx) EnsureHolding(ctx context.Context, walletID, symbol string) (*ledger.Holding, error) {
	h, err := t.LockHolding(ctx, walletID, symbol)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ledger.ErrHoldingNotFound) {
		return nil, err
	}

	now := t.s.now()
	created := ledger.Holding{
		ID:        uuid.New().String(),
		WalletID:  walletID,
		Symbol:    symbol,
		Amount:    decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.holdings[holdingKey{walletID: walletID, symbol: symbol}] = created
	return &created, nil
}

func (t *tx) UpdateWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal) error {
	w, ok := t.wallets[walletID]
	if !ok {
		return fmt.Errorf("memory: update wallet %s: not locked in this unit of work", walletID)
	}
	if balance.IsNegative() {
		return fmt.Errorf("memory: update wallet %s: negative balance %s", walletID, balance)
	}
	w.FiatBalance = balance
	w.UpdatedAt = t.s.now()
	t.wallets[walletID] = w
	return nil
}

func (t *tx) UpdateHoldingAmount(ctx context.Context, holdingID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("memory: update holding %s: negative amount %s", holdingID, amount)
	}
	for key, h := range t.holdings {
		if h.ID == holdingID {
			h.Amount = amount
			h.UpdatedAt = t.s.now()
			t.holdings[key] = h
			return nil
		}
	}
	return fmt.Errorf("memory: update holding %s: not locked in this unit of work", holdingID)
}

func (t *tx) InsertTrade(ctx context.Context, tr *ledger.Trade) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = t.s.now()
	}
	t.trades = append(t.trades, *tr)
	return nil
}

func (t *tx) InsertTransaction(ctx context.Context, tr *ledger.Transaction) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = t.s.now()
	}
	t.transactions = append(t.transactions, *tr)
	return nil
}

func (t *tx) commit() {
	t.s.mu.Lock()
	for walletID, w := range t.wallets {
		cp := w
		t.s.wallets[t.s.walletOwners[walletID]] = &cp
	}
	for key, h := range t.holdings {
		cp := h
		t.s.holdings[key] = &cp
	}
	t.s.trades = append(t.s.trades, t.trades...)
	t.s.transactions = append(t.s.transactions, t.transactions...)
	t.s.mu.Unlock()

	t.release()
}

func (t *tx) release() {
	for id, m := range t.locked {
		m.Unlock()
		delete(t.locked, id)
	}
}
