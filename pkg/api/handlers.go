package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"coinvault/pkg/auth"
	"coinvault/pkg/history"
	"coinvault/pkg/ledger"
	"coinvault/pkg/money"
	"coinvault/pkg/settlement"

	"golang.org/x/sync/errgroup"
)

// orderRequest keeps amount raw so a malformed value becomes a field error, not a bad body.
type orderRequest struct {
	Symbol string          `json:"crypto_symbol"`
	Amount json.RawMessage `json:"amount"`
}

type depositRequest struct {
	Amount json.RawMessage `json:"amount"`
}

func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	symbols := s.engine.Config().Supported()
	timeout := s.engine.Config().RateTimeout
	views := make([]rateView, len(symbols))

	var g errgroup.Group
	for i, symbol := range symbols {
		i, symbol := i, symbol
		views[i] = rateView{Symbol: symbol}
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			q, err := s.rates.Quote(ctx, symbol)
			if err != nil || !q.Fiat.IsPositive() {
				return nil
			}
			views[i].RateNGN = optionalString(q.Fiat, money.FormatFiat)
			views[i].RateUSD = optionalString(q.USDValue(), money.FormatCrypto)
			return nil
		})
	}
	g.Wait()

	writeJSON(w, http.StatusOK, ratesBody{
		Success:   true,
		Data:      views,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, ledger.SideBuy)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, ledger.SideSell)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request, side ledger.Side) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		s.writeError(w, r, ledger.ErrUnauthenticated)
		return
	}

	var req orderRequest
	if !s.decode(w, r, &req) {
		return
	}
	order := settlement.Order{UserID: userID, Symbol: req.Symbol, Amount: parseAmount(req.Amount)}

	var (
		receipt *settlement.Receipt
		err     error
		message string
	)
	if side == ledger.SideBuy {
		receipt, err = s.engine.Buy(r.Context(), order)
		message = "Purchase successful"
	} else {
		receipt, err = s.engine.Sell(r.Context(), order)
		message = "Sale successful"
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, dataBody{Success: true, Message: message, Data: newTradeView(receipt)})
}

func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		s.writeError(w, r, ledger.ErrUnauthenticated)
		return
	}

	q := r.URL.Query()
	page, err := s.history.Trades(r.Context(), userID, history.TradeFilter{
		Symbol:  q.Get("symbol"),
		Side:    q.Get("type"),
		Page:    queryInt(q.Get("page")),
		PerPage: queryInt(q.Get("per_page")),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, pageBody{
		Success:    true,
		Data:       newHistoryTradeViews(page.Trades),
		Pagination: page.Pagination,
	})
}

func (s *Server) handleAddFunds(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		s.writeError(w, r, ledger.ErrUnauthenticated)
		return
	}

	var req depositRequest
	if !s.decode(w, r, &req) {
		return
	}

	receipt, err := s.engine.Deposit(r.Context(), userID, parseAmount(req.Amount))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, dataBody{
		Success: true,
		Message: "Funds added successfully",
		Data: depositView{
			TransactionID: receipt.TransactionID,
			Amount:        money.FormatFiat(receipt.Amount),
			Balance:       money.FormatFiat(receipt.Balance),
			Timestamp:     receipt.Timestamp.UTC().Format(time.RFC3339),
		},
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		s.writeError(w, r, ledger.ErrUnauthenticated)
		return
	}

	balance, err := s.engine.Balance(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataBody{Success: true, Data: newBalanceView(balance)})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		s.writeError(w, r, ledger.ErrUnauthenticated)
		return
	}

	q := r.URL.Query()
	page, err := s.history.Transactions(r.Context(), userID, queryInt(q.Get("page")), queryInt(q.Get("per_page")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, pageBody{
		Success:    true,
		Data:       newTransactionViews(page.Transactions),
		Pagination: page.Pagination,
	})
}

// decode reads a JSON body into v, answering 400 itself when the body is unusable.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	err := json.NewDecoder(body).Decode(v)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Message: "request body too large"})
	case errors.Is(err, io.EOF):
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "request body is required"})
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "invalid request body"})
	}
	return false
}

// parseAmount returns an unset Amount for a missing or non-numeric value.
func parseAmount(raw json.RawMessage) money.Amount {
	var a money.Amount
	if len(raw) == 0 {
		return a
	}
	if err := a.UnmarshalJSON(raw); err != nil {
		return money.Amount{}
	}
	return a
}

// queryInt returns 0, meaning "use the default", for anything that is not an integer.
func queryInt(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}
