package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"coinvault/pkg/ledger"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestOpenWallet_Idempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	w1, err := s.OpenWallet(ctx, "user-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	w2, err := s.OpenWallet(ctx, "user-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if w1.ID != w2.ID {
		t.Errorf("Expected the same wallet, got %s and %s", w1.ID, w2.ID)
	}
	if !w1.FiatBalance.IsZero() {
		t.Errorf("Expected zero balance, got %s", w1.FiatBalance)
	}
}

func TestWallet_NotFound(t *testing.T) {
	s := New()
	if _, err := s.Wallet(context.Background(), "nobody"); !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Errorf("Expected ErrWalletNotFound, got %v", err)
	}
}

func TestWithinTx_CommitsOnSuccess(t *testing.T) {
	s := New()
	ctx := context.Background()
	w, _ := s.OpenWallet(ctx, "user-1")

	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		locked, err := tx.LockWallet(ctx, "user-1")
		if err != nil {
			return err
		}
		if err := tx.UpdateWalletBalance(ctx, locked.ID, d("1000")); err != nil {
			return err
		}
		h, err := tx.EnsureHolding(ctx, locked.ID, "BTC")
		if err != nil {
			return err
		}
		if err := tx.UpdateHoldingAmount(ctx, h.ID, d("0.5")); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &ledger.Transaction{UserID: "user-1", Kind: ledger.KindDeposit, Amount: d("1000")})
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got, _ := s.Wallet(ctx, "user-1")
	if !got.FiatBalance.Equal(d("1000")) {
		t.Errorf("Expected balance 1000, got %s", got.FiatBalance)
	}
	holdings, _ := s.Holdings(ctx, w.ID)
	if len(holdings) != 1 || !holdings[0].Amount.Equal(d("0.5")) {
		t.Errorf("Expected one BTC holding of 0.5, got %+v", holdings)
	}
	txns, total, _ := s.Transactions(ctx, ledger.TransactionQuery{UserID: "user-1", Limit: 10})
	if total != 1 || len(txns) != 1 || txns[0].ID == "" {
		t.Errorf("Expected one recorded transaction with an id, got %d %+v", total, txns)
	}
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	w, _ := s.OpenWallet(ctx, "user-1")
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockWallet(ctx, "user-1"); err != nil {
			return err
		}
		_ = tx.UpdateWalletBalance(ctx, w.ID, d("500"))
		h, _ := tx.EnsureHolding(ctx, w.ID, "ETH")
		_ = tx.UpdateHoldingAmount(ctx, h.ID, d("1"))
		_ = tx.InsertTrade(ctx, &ledger.Trade{UserID: "user-1", Side: ledger.SideBuy, Symbol: "ETH"})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	got, _ := s.Wallet(ctx, "user-1")
	if !got.FiatBalance.IsZero() {
		t.Errorf("Expected balance unchanged, got %s", got.FiatBalance)
	}
	holdings, _ := s.Holdings(ctx, w.ID)
	if len(holdings) != 0 {
		t.Errorf("Expected no holdings, got %+v", holdings)
	}
	_, total, _ := s.Trades(ctx, ledger.TradeQuery{UserID: "user-1"})
	if total != 0 {
		t.Errorf("Expected no trades, got %d", total)
	}

	// The wallet lock must have been released.
	err = s.WithinTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.LockWallet(ctx, "user-1")
		return err
	})
	if err != nil {
		t.Errorf("Expected wallet to be lockable again, got %v", err)
	}
}

func TestWithinTx_RollsBackOnPanic(t *testing.T) {
	s := New()
	ctx := context.Background()
	w, _ := s.OpenWallet(ctx, "user-1")

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Expected panic to propagate")
			}
		}()
		_ = s.WithinTx(ctx, func(tx ledger.Tx) error {
			_, _ = tx.LockWallet(ctx, "user-1")
			_ = tx.UpdateWalletBalance(ctx, w.ID, d("10"))
			panic("boom")
		})
	}()

	got, _ := s.Wallet(ctx, "user-1")
	if !got.FiatBalance.IsZero() {
		t.Errorf("Expected balance unchanged after panic, got %s", got.FiatBalance)
	}

	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.LockWallet(ctx, "user-1")
		return err
	})
	if err != nil {
		t.Errorf("Expected wallet lock released after panic, got %v", err)
	}
}

func TestTx_RejectsNegativeBalance(t *testing.T) {
	s := New()
	ctx := context.Background()
	w, _ := s.OpenWallet(ctx, "user-1")

	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockWallet(ctx, "user-1"); err != nil {
			return err
		}
		return tx.UpdateWalletBalance(ctx, w.ID, d("-0.01"))
	})
	if err == nil {
		t.Error("Expected negative balance to be rejected")
	}
}

func TestTx_LockHoldingNotFound(t *testing.T) {
	s := New()
	ctx := context.Background()
	w, _ := s.OpenWallet(ctx, "user-1")

	err := s.WithinTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.LockHolding(ctx, w.ID, "BTC")
		return err
	})
	if !errors.Is(err, ledger.ErrHoldingNotFound) {
		t.Errorf("Expected ErrHoldingNotFound, got %v", err)
	}
}

func TestTrades_FilterAndPaging(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.OpenWallet(ctx, "user-1")
	s.OpenWallet(ctx, "user-2")

	insert := func(user string, side ledger.Side, symbol string) {
		err := s.WithinTx(ctx, func(tx ledger.Tx) error {
			return tx.InsertTrade(ctx, &ledger.Trade{UserID: user, Side: side, Symbol: symbol, Status: ledger.TradeCompleted})
		})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	insert("user-1", ledger.SideBuy, "BTC")
	insert("user-1", ledger.SideSell, "BTC")
	insert("user-1", ledger.SideBuy, "ETH")
	insert("user-2", ledger.SideBuy, "BTC")

	all, total, _ := s.Trades(ctx, ledger.TradeQuery{UserID: "user-1", Limit: 20})
	if total != 3 || len(all) != 3 {
		t.Fatalf("Expected 3 trades, got %d/%d", len(all), total)
	}
	if all[0].Symbol != "ETH" {
		t.Errorf("Expected newest first, got %s", all[0].Symbol)
	}

	btc, total, _ := s.Trades(ctx, ledger.TradeQuery{UserID: "user-1", Symbol: "BTC", Limit: 20})
	if total != 2 || len(btc) != 2 {
		t.Errorf("Expected 2 BTC trades, got %d", total)
	}

	buys, total, _ := s.Trades(ctx, ledger.TradeQuery{UserID: "user-1", Side: ledger.SideBuy, Limit: 1})
	if total != 2 || len(buys) != 1 {
		t.Errorf("Expected page of 1 out of 2 buys, got %d/%d", len(buys), total)
	}

	beyond, total, _ := s.Trades(ctx, ledger.TradeQuery{UserID: "user-1", Offset: 10, Limit: 20})
	if total != 3 || len(beyond) != 0 {
		t.Errorf("Expected empty page past the end, got %d", len(beyond))
	}

	negative, _, _ := s.Trades(ctx, ledger.TradeQuery{UserID: "user-1", Offset: -20, Limit: 2})
	if len(negative) != 2 || negative[0].Symbol != "ETH" {
		t.Errorf("Expected a negative offset to read from the start, got %d", len(negative))
	}
}

func TestWithinTx_SerialisesSameWallet(t *testing.T) {
	s := New()
	ctx := context.Background()
	w, _ := s.OpenWallet(ctx, "user-1")

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinTx(ctx, func(tx ledger.Tx) error {
				locked, err := tx.LockWallet(ctx, "user-1")
				if err != nil {
					return err
				}
				return tx.UpdateWalletBalance(ctx, w.ID, locked.FiatBalance.Add(decimal.NewFromInt(1)))
			})
		}()
	}
	wg.Wait()

	got, _ := s.Wallet(ctx, "user-1")
	if !got.FiatBalance.Equal(decimal.NewFromInt(workers)) {
		t.Errorf("Expected balance %d, got %s", workers, got.FiatBalance)
	}
}
