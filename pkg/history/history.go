// Package history pages through a user's trades and ledger entries.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"

	"coinvault/pkg/ledger"
	"coinvault/pkg/logging"

	"go.uber.org/zap"
)

// Paging defaults. A larger per_page is clamped to MaxPerPage.
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
)

// TradeFilter narrows a trade listing. Zero values mean "no filter" and default paging.
type TradeFilter struct {
	Symbol string
	// Side is matched only when it is "buy" or "sell"; any other value is ignored.
	Side    string
	Page    int
	PerPage int
}

// Pagination describes one page of a listing.
type Pagination struct {
	Total       int `json:"total"`
	PerPage     int `json:"per_page"`
	CurrentPage int `json:"current_page"`
	LastPage    int `json:"last_page"`
}

// TradePage is one page of trades with its pagination metadata.
type TradePage struct {
	Trades     []ledger.Trade
	Pagination Pagination
}

// TransactionPage is one page of ledger entries with its pagination metadata.
type TransactionPage struct {
	Transactions []ledger.Transaction
	Pagination   Pagination
}

// Query reads history. It never mutates and only returns records owned by the given user.
type Query struct {
	store  ledger.Store
	logger *logging.Logger
}

// NewQuery builds a Query over store.
func NewQuery(store ledger.Store) *Query {
	return &Query{store: store, logger: logging.Global().Named("history")}
}

// Trades returns the user's trades newest first.
func (q *Query) Trades(ctx context.Context, userID string, filter TradeFilter) (*TradePage, error) {
	if userID == "" {
		return nil, ledger.ErrUnauthenticated
	}

	page, perPage := normalizePaging(filter.Page, filter.PerPage)
	tq := ledger.TradeQuery{
		UserID: userID,
		Symbol: ledger.NormalizeSymbol(filter.Symbol),
		Offset: (page - 1) * perPage,
		Limit:  perPage,
	}
	if side, ok := ledger.ParseSide(filter.Side); ok {
		tq.Side = side
	}

	trades, total, err := q.store.Trades(ctx, tq)
	if err != nil {
		q.logger.Error("trade history read failed", logging.UserID(userID), zap.Error(err))
		return nil, internal("trades", err)
	}
	if trades == nil {
		trades = []ledger.Trade{}
	}

	return &TradePage{Trades: trades, Pagination: paginate(total, page, perPage)}, nil
}

// Transactions returns the user's ledger entries newest first.
func (q *Query) Transactions(ctx context.Context, userID string, page, perPage int) (*TransactionPage, error) {
	if userID == "" {
		return nil, ledger.ErrUnauthenticated
	}

	page, perPage = normalizePaging(page, perPage)
	entries, total, err := q.store.Transactions(ctx, ledger.TransactionQuery{
		UserID: userID,
		Offset: (page - 1) * perPage,
		Limit:  perPage,
	})
	if err != nil {
		q.logger.Error("transaction history read failed", logging.UserID(userID), zap.Error(err))
		return nil, internal("transactions", err)
	}
	if entries == nil {
		entries = []ledger.Transaction{}
	}

	return &TransactionPage{Transactions: entries, Pagination: paginate(total, page, perPage)}, nil
}

func normalizePaging(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	if page > math.MaxInt/perPage {
		page = math.MaxInt / perPage
	}
	return page, perPage
}

// paginate computes page metadata. An empty listing still has one (empty) last page.
func paginate(total, page, perPage int) Pagination {
	last := (total + perPage - 1) / perPage
	if last < 1 {
		last = 1
	}
	return Pagination{Total: total, PerPage: perPage, CurrentPage: page, LastPage: last}
}

func internal(what string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("history: %s: %w: %w", what, ledger.ErrInternal, err)
}
