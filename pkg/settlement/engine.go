// Package settlement prices and executes buy, sell and deposit requests against the ledger.
//
// Every request runs the same pipeline: validate the symbol and quantity, price it at the
// current rate, apply the fee and the transaction minimum, then, in a single unit of work,
// lock the wallet (and holding), check funds, mutate and append the audit trail. A rejected
// request never writes anything.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coinvault/pkg/ledger"
	"coinvault/pkg/logging"
	"coinvault/pkg/metrics"
	"coinvault/pkg/money"
	"coinvault/pkg/rates"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Order is one buy or sell request of an authenticated user.
type Order struct {
	UserID string
	Symbol string
	// Amount is the crypto quantity. An unset Amount is rejected as below minimum.
	Amount money.Amount
}

// NewOrder builds an order for a known quantity.
func NewOrder(userID, symbol string, amount decimal.Decimal) Order {
	return Order{UserID: userID, Symbol: symbol, Amount: money.Amount{Value: amount, Set: true}}
}

// Receipt describes an executed trade.
type Receipt struct {
	TradeID    string
	Side       ledger.Side
	Symbol     string
	Amount     decimal.Decimal
	Rate       decimal.Decimal
	Subtotal   decimal.Decimal // gross fiat value before the fee
	Fee        decimal.Decimal
	FeePercent decimal.Decimal
	Total      decimal.Decimal // cost of a buy, net proceeds of a sell
	Timestamp  time.Time
	Balance    decimal.Decimal // fiat balance after the trade
}

// DepositReceipt describes an executed fiat top-up.
type DepositReceipt struct {
	TransactionID string
	Amount        decimal.Decimal
	Balance       decimal.Decimal
	Timestamp     time.Time
}

// Balance is a wallet together with its holdings.
type Balance struct {
	Wallet   ledger.Wallet
	Holdings []ledger.Holding
}

// Engine is safe for concurrent use. Requests for one wallet serialise on the wallet lock
// taken by the store; requests for different wallets do not contend.
type Engine struct {
	store   ledger.Store
	rates   rates.Provider
	config  Config
	metrics metrics.Collector
	logger  *logging.Logger
}

// NewEngine validates config and builds an engine. A nil collector records nothing.
func NewEngine(store ledger.Store, provider rates.Provider, config Config, collector metrics.Collector) (*Engine, error) {
	if store == nil || provider == nil {
		return nil, errors.New("settlement: store and rate provider are required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}

	return &Engine{
		store:   store,
		rates:   provider,
		config:  config,
		metrics: collector,
		logger:  logging.Global().Named("settlement"),
	}, nil
}

// Config returns the engine's parameters.
func (e *Engine) Config() Config {
	return e.config
}

// pricing is the outcome of the validation pipeline up to the fee-adjusted minimum.
type pricing struct {
	side   ledger.Side
	symbol string
	amount decimal.Decimal
	rate   decimal.Decimal
	gross  decimal.Decimal
	fee    decimal.Decimal
	pct    decimal.Decimal
	total  decimal.Decimal
}

// price runs the steps that need no lock: symbol, quantity, rate, fee and the
// transaction minimum, in that order.
func (e *Engine) price(ctx context.Context, side ledger.Side, order Order) (pricing, error) {
	symbol := ledger.NormalizeSymbol(order.Symbol)
	minAmount, ok := e.config.MinAmounts[symbol]
	if !ok {
		return pricing{}, ledger.Reject(ledger.ErrUnsupportedAsset, "%q is not a supported asset", order.Symbol).
			WithField("crypto_symbol")
	}

	if !order.Amount.Set {
		return pricing{}, ledger.Reject(ledger.ErrBelowMinimumAmount, "amount is required and must be numeric").
			WithField("amount").WithMinimum(minAmount)
	}
	if !money.InRange(order.Amount.Value) {
		return pricing{}, ledger.Reject(ledger.ErrBelowMinimumAmount, "amount is out of range").
			WithField("amount").WithMinimum(minAmount)
	}
	amount := money.Crypto(order.Amount.Value)
	if !amount.IsPositive() || amount.LessThan(minAmount) {
		return pricing{}, ledger.Reject(ledger.ErrBelowMinimumAmount, "minimum amount for %s is %s", symbol, minAmount).
			WithField("amount").WithMinimum(minAmount)
	}

	rate, err := e.rate(ctx, symbol)
	if err != nil {
		return pricing{}, err
	}

	p := pricing{side: side, symbol: symbol, amount: amount, rate: rate, pct: e.config.feePercent(side)}
	p.gross = money.Fiat(amount.Mul(rate))
	p.fee = money.Percent(p.gross, p.pct)
	if side == ledger.SideBuy {
		p.total = p.gross.Add(p.fee)
	} else {
		p.total = p.gross.Sub(p.fee)
	}

	if p.total.GreaterThan(e.config.MaxFiat) {
		return pricing{}, e.aboveMaximum("amount", "transaction amount too large, maximum is %s")
	}
	if p.total.LessThan(e.config.MinTransaction) {
		te := ledger.Reject(ledger.ErrBelowMinimumTransaction, "transaction amount too small, minimum is %s",
			money.FormatFiat(e.config.MinTransaction)).WithMinimum(e.config.MinTransaction)
		te.Required = decimal.NewNullDecimal(e.config.MinTransaction)
		te.Available = decimal.NewNullDecimal(p.total)
		return pricing{}, te
	}
	return p, nil
}

func (e *Engine) aboveMaximum(field, format string) *ledger.TradeError {
	return ledger.Reject(ledger.ErrAboveMaximumAmount, format, money.FormatFiat(e.config.MaxFiat)).
		WithField(field).WithMaximum(e.config.MaxFiat)
}

func (e *Engine) rate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.RateTimeout)
	defer cancel()

	q, err := e.rates.Quote(ctx, symbol)
	if err != nil {
		e.logger.Warn("rate lookup failed", logging.Symbol(symbol), zap.Error(err))
		return decimal.Zero, ledger.Reject(ledger.ErrRateUnavailable, "unable to fetch current rate for %s", symbol)
	}

	rate := money.Rate(q.Fiat)
	if !rate.IsPositive() {
		return decimal.Zero, ledger.Reject(ledger.ErrRateUnavailable, "no usable rate for %s", symbol)
	}
	return rate, nil
}

// Buy debits the total cost from the wallet and credits the holding.
func (e *Engine) Buy(ctx context.Context, order Order) (*Receipt, error) {
	return e.trade(ctx, ledger.SideBuy, order)
}

// Sell debits the holding and credits the net proceeds to the wallet.
func (e *Engine) Sell(ctx context.Context, order Order) (*Receipt, error) {
	return e.trade(ctx, ledger.SideSell, order)
}

func (e *Engine) trade(ctx context.Context, side ledger.Side, order Order) (receipt *Receipt, err error) {
	start := time.Now()
	symbol := ledger.NormalizeSymbol(order.Symbol)
	defer func() {
		e.finish(string(side), symbol, order.UserID, start, err, receipt)
	}()

	if order.UserID == "" {
		return nil, ledger.ErrUnauthenticated
	}

	p, err := e.price(ctx, side, order)
	if err != nil {
		return nil, err
	}

	var trade ledger.Trade
	var newBalance decimal.Decimal
	err = e.withWallet(ctx, order.UserID, func(ctx context.Context, tx ledger.Tx) error {
		var execErr error
		if side == ledger.SideBuy {
			trade, newBalance, execErr = e.executeBuy(ctx, tx, order.UserID, p)
		} else {
			trade, newBalance, execErr = e.executeSell(ctx, tx, order.UserID, p)
		}
		return execErr
	})
	if err != nil {
		return nil, err
	}

	return &Receipt{
		TradeID:    trade.ID,
		Side:       side,
		Symbol:     p.symbol,
		Amount:     p.amount,
		Rate:       p.rate,
		Subtotal:   p.gross,
		Fee:        p.fee,
		FeePercent: p.pct,
		Total:      p.total,
		Timestamp:  trade.CreatedAt,
		Balance:    e.currentBalance(ctx, order.UserID, newBalance),
	}, nil
}

func (e *Engine) executeBuy(ctx context.Context, tx ledger.Tx, userID string, p pricing) (ledger.Trade, decimal.Decimal, error) {
	wallet, err := tx.LockWallet(ctx, userID)
	if err != nil {
		return ledger.Trade{}, decimal.Zero, err
	}

	if wallet.FiatBalance.LessThan(p.total) {
		return ledger.Trade{}, decimal.Zero, ledger.Reject(ledger.ErrInsufficientFunds, "insufficient %s balance", ledger.FiatCurrency).
			WithShortfall(p.total, wallet.FiatBalance)
	}

	holding, err := tx.EnsureHolding(ctx, wallet.ID, p.symbol)
	if err != nil {
		return ledger.Trade{}, decimal.Zero, err
	}

	newBalance := wallet.FiatBalance.Sub(p.total)
	if err := tx.UpdateWalletBalance(ctx, wallet.ID, newBalance); err != nil {
		return ledger.Trade{}, decimal.Zero, err
	}
	if err := tx.UpdateHoldingAmount(ctx, holding.ID, holding.Amount.Add(p.amount)); err != nil {
		return ledger.Trade{}, decimal.Zero, err
	}

	trade, err := e.record(ctx, tx, userID, p, wallet.FiatBalance, newBalance)
	return trade, newBalance, err
}

func (e *Engine) executeSell(ctx context.Context, tx ledger.Tx, userID string, p pricing) (ledger.Trade, decimal.Decimal, error) {
	wallet, err := tx.LockWallet(ctx, userID)
	if err != nil {
		return ledger.Trade{}, decimal.Zero, err
	}

	holding, err := tx.LockHolding(ctx, wallet.ID, p.symbol)
	if errors.Is(err, ledger.ErrHoldingNotFound) {
		return ledger.Trade{}, decimal.Zero, ledger.Reject(ledger.ErrInsufficientHoldings, "insufficient %s holdings", p.symbol).
			WithShortfall(p.amount, decimal.Zero)
	}
	if err != nil {
		return ledger.Trade{}, decimal.Zero, err
	}

	if holding.Amount.LessThan(p.amount) {
		return ledger.Trade{}, decimal.Zero, ledger.Reject(ledger.ErrInsufficientHoldings, "insufficient %s holdings", p.symbol).
			WithShortfall(p.amount, holding.Amount)
	}

	newBalance := wallet.FiatBalance.Add(p.total)
	if newBalance.GreaterThan(e.config.MaxFiat) {
		return ledger.Trade{}, decimal.Zero, e.aboveMaximum("amount", "balance would exceed %s")
	}
	if err := tx.UpdateHoldingAmount(ctx, holding.ID, holding.Amount.Sub(p.amount)); err != nil {
		return ledger.Trade{}, decimal.Zero, err
	}
	if err := tx.UpdateWalletBalance(ctx, wallet.ID, newBalance); err != nil {
		return ledger.Trade{}, decimal.Zero, err
	}

	trade, err := e.record(ctx, tx, userID, p, wallet.FiatBalance, newBalance)
	return trade, newBalance, err
}

// record appends the trade and its ledger entry.
func (e *Engine) record(ctx context.Context, tx ledger.Tx, userID string, p pricing, previous, current decimal.Decimal) (ledger.Trade, error) {
	trade := ledger.Trade{
		UserID:     userID,
		Side:       p.side,
		Symbol:     p.symbol,
		Amount:     p.amount,
		FiatAmount: p.total,
		Rate:       p.rate,
		Fee:        p.fee,
		Status:     ledger.TradeCompleted,
	}
	if err := tx.InsertTrade(ctx, &trade); err != nil {
		return ledger.Trade{}, err
	}

	kind, verb := ledger.KindBuyCrypto, "Bought"
	if p.side == ledger.SideSell {
		kind, verb = ledger.KindSellCrypto, "Sold"
	}
	entry := ledger.Transaction{
		UserID:          userID,
		Kind:            kind,
		Amount:          p.total,
		Description:     fmt.Sprintf("%s %s %s", verb, p.amount.String(), p.symbol),
		PreviousBalance: previous,
		NewBalance:      current,
	}
	if err := tx.InsertTransaction(ctx, &entry); err != nil {
		return ledger.Trade{}, err
	}
	return trade, nil
}

// Deposit credits amount to the user's fiat balance. Amounts are truncated to fiat precision.
func (e *Engine) Deposit(ctx context.Context, userID string, amount money.Amount) (receipt *DepositReceipt, err error) {
	start := time.Now()
	defer func() {
		var r *Receipt
		if receipt != nil {
			r = &Receipt{Total: receipt.Amount, Balance: receipt.Balance}
		}
		e.finish("deposit", ledger.FiatCurrency, userID, start, err, r)
	}()

	if userID == "" {
		return nil, ledger.ErrUnauthenticated
	}
	if !amount.Set {
		return nil, ledger.Reject(ledger.ErrBelowMinimumAmount, "minimum deposit is %s", money.FormatFiat(e.config.MinDeposit)).
			WithField("amount").WithMinimum(e.config.MinDeposit)
	}
	if !money.InRange(amount.Value) {
		return nil, ledger.Reject(ledger.ErrBelowMinimumAmount, "amount is out of range").
			WithField("amount").WithMinimum(e.config.MinDeposit)
	}
	value := amount.Value.Truncate(money.FiatScale)
	if value.LessThan(e.config.MinDeposit) {
		return nil, ledger.Reject(ledger.ErrBelowMinimumAmount, "minimum deposit is %s", money.FormatFiat(e.config.MinDeposit)).
			WithField("amount").WithMinimum(e.config.MinDeposit)
	}
	if value.GreaterThan(e.config.MaxFiat) {
		return nil, e.aboveMaximum("amount", "maximum deposit is %s")
	}

	var entry ledger.Transaction
	err = e.withWallet(ctx, userID, func(ctx context.Context, tx ledger.Tx) error {
		wallet, err := tx.LockWallet(ctx, userID)
		if err != nil {
			return err
		}

		newBalance := wallet.FiatBalance.Add(value)
		if newBalance.GreaterThan(e.config.MaxFiat) {
			return e.aboveMaximum("amount", "balance would exceed %s")
		}
		if err := tx.UpdateWalletBalance(ctx, wallet.ID, newBalance); err != nil {
			return err
		}

		entry = ledger.Transaction{
			UserID:          userID,
			Kind:            ledger.KindDeposit,
			Amount:          value,
			Description:     "Deposit",
			PreviousBalance: wallet.FiatBalance,
			NewBalance:      newBalance,
		}
		return tx.InsertTransaction(ctx, &entry)
	})
	if err != nil {
		return nil, err
	}

	return &DepositReceipt{
		TransactionID: entry.ID,
		Amount:        value,
		Balance:       e.currentBalance(ctx, userID, entry.NewBalance),
		Timestamp:     entry.CreatedAt,
	}, nil
}

// OpenWallet provisions the user's wallet. Calling it again returns the same wallet.
func (e *Engine) OpenWallet(ctx context.Context, userID string) (*ledger.Wallet, error) {
	if userID == "" {
		return nil, ledger.ErrUnauthenticated
	}
	w, err := e.store.OpenWallet(ctx, userID)
	if err != nil {
		e.logger.Error("open wallet failed", logging.UserID(userID), zap.Error(err))
		return nil, fmt.Errorf("settlement: open wallet: %w: %w", ledger.ErrInternal, err)
	}
	return w, nil
}

// Balance returns the user's wallet and holdings, provisioning the wallet if needed.
func (e *Engine) Balance(ctx context.Context, userID string) (*Balance, error) {
	if userID == "" {
		return nil, ledger.ErrUnauthenticated
	}

	wallet, err := e.store.Wallet(ctx, userID)
	if errors.Is(err, ledger.ErrWalletNotFound) {
		wallet, err = e.store.OpenWallet(ctx, userID)
	}
	if err != nil {
		e.logger.Error("balance read failed", logging.UserID(userID), zap.Error(err))
		return nil, fmt.Errorf("settlement: balance: %w: %w", ledger.ErrInternal, err)
	}

	holdings, err := e.store.Holdings(ctx, wallet.ID)
	if err != nil {
		e.logger.Error("holdings read failed", logging.UserID(userID), zap.Error(err))
		return nil, fmt.Errorf("settlement: holdings: %w: %w", ledger.ErrInternal, err)
	}
	return &Balance{Wallet: *wallet, Holdings: holdings}, nil
}

// withWallet runs fn as one unit of work detached from the caller's cancellation, so a
// dropped client cannot leave a half-applied trade. A user without a wallet is
// provisioned and the work retried once.
func (e *Engine) withWallet(ctx context.Context, userID string, fn func(ctx context.Context, tx ledger.Tx) error) error {
	ctx = context.WithoutCancel(ctx)
	run := func() error {
		return e.store.WithinTx(ctx, func(tx ledger.Tx) error {
			return fn(ctx, tx)
		})
	}

	err := run()
	if errors.Is(err, ledger.ErrWalletNotFound) {
		if _, openErr := e.store.OpenWallet(ctx, userID); openErr != nil {
			err = openErr
		} else {
			err = run()
		}
	}
	if err == nil {
		return nil
	}

	var te *ledger.TradeError
	if errors.As(err, &te) {
		return err
	}
	return fmt.Errorf("settlement: %w: %w", ledger.ErrInternal, err)
}

// currentBalance re-reads the committed balance, falling back to the value computed in the
// unit of work.
func (e *Engine) currentBalance(ctx context.Context, userID string, computed decimal.Decimal) decimal.Decimal {
	w, err := e.store.Wallet(context.WithoutCancel(ctx), userID)
	if err != nil {
		e.logger.Warn("post-commit balance read failed", logging.UserID(userID), zap.Error(err))
		return computed
	}
	return w.FiatBalance
}

// finish records the metric and the log line of one attempt.
func (e *Engine) finish(operation, symbol, userID string, start time.Time, err error, r *Receipt) {
	elapsed := time.Since(start)
	outcome := ledger.Classify(err)
	e.metrics.RecordSettlement(operation, symbol, outcome, elapsed)

	fields := []zap.Field{
		zap.String("operation", operation),
		logging.Symbol(symbol),
		logging.UserID(userID),
		logging.Outcome(outcome),
		zap.Duration("duration", elapsed),
	}

	switch {
	case err == nil:
		if r != nil {
			if r.TradeID != "" {
				fields = append(fields, logging.TradeID(r.TradeID))
			}
			fields = append(fields, logging.Amount("total", r.Total), logging.Amount("balance", r.Balance))
		}
		e.logger.Info("settlement completed", fields...)
	case ledger.IsValidation(err) || ledger.IsRetryable(err) || errors.Is(err, ledger.ErrUnauthenticated):
		e.logger.Warn("settlement rejected", append(fields, zap.Error(err))...)
	default:
		e.logger.Error("settlement failed", append(fields, zap.Error(err))...)
	}
}
