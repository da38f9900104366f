package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"coinvault/pkg/history"
	"coinvault/pkg/ledger"
	"coinvault/pkg/money"
	"coinvault/pkg/settlement"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const internalMessage = "internal server error"

type errorBody struct {
	Success   bool                `json:"success"`
	Message   string              `json:"message"`
	Errors    map[string][]string `json:"errors,omitempty"`
	Required  string              `json:"required,omitempty"`
	Available string              `json:"available,omitempty"`
	Minimum   string              `json:"minimum,omitempty"`
	Maximum   string              `json:"maximum,omitempty"`
}

type dataBody struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data"`
}

type pageBody struct {
	Success    bool               `json:"success"`
	Data       interface{}        `json:"data"`
	Pagination history.Pagination `json:"pagination"`
}

type rateView struct {
	Symbol  string  `json:"symbol"`
	RateNGN *string `json:"rate_ngn"`
	RateUSD *string `json:"rate_usd"`
}

type ratesBody struct {
	Success   bool       `json:"success"`
	Data      []rateView `json:"data"`
	Timestamp string     `json:"timestamp"`
}

type tradeView struct {
	TradeID       string `json:"trade_id"`
	Type          string `json:"type"`
	Crypto        string `json:"crypto"`
	CryptoAmount  string `json:"crypto_amount"`
	Rate          string `json:"rate"`
	Subtotal      string `json:"subtotal,omitempty"`
	GrossProceeds string `json:"gross_proceeds,omitempty"`
	Fee           string `json:"fee"`
	TotalCost     string `json:"total_cost,omitempty"`
	NetProceeds   string `json:"net_proceeds,omitempty"`
	FeePercent    string `json:"fee_percent"`
	Timestamp     string `json:"timestamp"`
	NewBalance    string `json:"new_balance"`
}

func newTradeView(r *settlement.Receipt) tradeView {
	v := tradeView{
		TradeID:      r.TradeID,
		Type:         string(r.Side),
		Crypto:       r.Symbol,
		CryptoAmount: money.FormatCrypto(r.Amount),
		Rate:         money.FormatCrypto(r.Rate),
		Fee:          money.FormatFiat(r.Fee),
		FeePercent:   r.FeePercent.StringFixed(2),
		Timestamp:    r.Timestamp.UTC().Format(time.RFC3339),
		NewBalance:   money.FormatFiat(r.Balance),
	}
	if r.Side == ledger.SideBuy {
		v.Subtotal = money.FormatFiat(r.Subtotal)
		v.TotalCost = money.FormatFiat(r.Total)
	} else {
		v.GrossProceeds = money.FormatFiat(r.Subtotal)
		v.NetProceeds = money.FormatFiat(r.Total)
	}
	return v
}

type historyTradeView struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Symbol     string `json:"crypto_symbol"`
	Amount     string `json:"amount"`
	NairaTotal string `json:"naira_amount"`
	Rate       string `json:"rate"`
	Fee        string `json:"fee"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

func newHistoryTradeViews(trades []ledger.Trade) []historyTradeView {
	out := make([]historyTradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, historyTradeView{
			ID:         t.ID,
			Type:       string(t.Side),
			Symbol:     t.Symbol,
			Amount:     money.FormatCrypto(t.Amount),
			NairaTotal: money.FormatFiat(t.FiatAmount),
			Rate:       money.FormatCrypto(t.Rate),
			Fee:        money.FormatFiat(t.Fee),
			Status:     string(t.Status),
			CreatedAt:  t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

type transactionView struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Amount          string `json:"amount"`
	Description     string `json:"description"`
	PreviousBalance string `json:"previous_balance"`
	NewBalance      string `json:"new_balance"`
	CreatedAt       string `json:"created_at"`
}

func newTransactionViews(entries []ledger.Transaction) []transactionView {
	out := make([]transactionView, 0, len(entries))
	for _, t := range entries {
		out = append(out, transactionView{
			ID:              t.ID,
			Type:            string(t.Kind),
			Amount:          money.FormatFiat(t.Amount),
			Description:     t.Description,
			PreviousBalance: money.FormatFiat(t.PreviousBalance),
			NewBalance:      money.FormatFiat(t.NewBalance),
			CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

type holdingView struct {
	Symbol    string `json:"crypto_symbol"`
	Amount    string `json:"amount"`
	UpdatedAt string `json:"updated_at"`
}

type balanceView struct {
	NairaBalance string        `json:"naira_balance"`
	Holdings     []holdingView `json:"holdings"`
}

func newBalanceView(b *settlement.Balance) balanceView {
	v := balanceView{
		NairaBalance: money.FormatFiat(b.Wallet.FiatBalance),
		Holdings:     make([]holdingView, 0, len(b.Holdings)),
	}
	for _, h := range b.Holdings {
		v.Holdings = append(v.Holdings, holdingView{
			Symbol:    h.Symbol,
			Amount:    money.FormatCrypto(h.Amount),
			UpdatedAt: h.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return v
}

type depositView struct {
	TransactionID string `json:"transaction_id"`
	Amount        string `json:"amount"`
	Balance       string `json:"balance"`
	Timestamp     string `json:"timestamp"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps an engine or query error onto a status and a body. Internal failures
// are logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var te *ledger.TradeError
	switch {
	case errors.Is(err, ledger.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorBody{Message: "unauthenticated"})

	case ledger.IsRetryable(err):
		w.Header().Set("Retry-After", strconv.Itoa(int(s.config.RetryAfter.Seconds())))
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Message: messageOf(err)})

	case ledger.IsValidation(err) && errors.As(err, &te):
		writeJSON(w, http.StatusUnprocessableEntity, rejection(te))

	default:
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: internalMessage})
	}
}

func rejection(te *ledger.TradeError) errorBody {
	body := errorBody{Message: messageOf(te)}
	if te.Field != "" {
		body.Errors = map[string][]string{te.Field: {body.Message}}
	}

	format := money.FormatFiat
	if errors.Is(te, ledger.ErrInsufficientHoldings) {
		format = money.FormatCrypto
	}
	if te.Required.Valid {
		body.Required = format(te.Required.Decimal)
	}
	if te.Available.Valid {
		body.Available = format(te.Available.Decimal)
	}
	if te.Minimum.Valid {
		body.Minimum = formatMinimum(te)
	}
	if te.Maximum.Valid {
		body.Maximum = money.FormatFiat(te.Maximum.Decimal)
	}
	return body
}

// formatMinimum keeps the precision of per-asset minimums such as 0.0001.
func formatMinimum(te *ledger.TradeError) string {
	if errors.Is(te, ledger.ErrBelowMinimumTransaction) {
		return money.FormatFiat(te.Minimum.Decimal)
	}
	return te.Minimum.Decimal.String()
}

func messageOf(err error) string {
	var te *ledger.TradeError
	if errors.As(err, &te) && te.Message != "" {
		return te.Message
	}
	return err.Error()
}

func optionalString(d decimal.Decimal, format func(decimal.Decimal) string) *string {
	s := format(d)
	return &s
}
