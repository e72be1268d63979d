package ledger

import (
	"context"
	"testing"

	"SettleCore/internal/errs"
	"SettleCore/internal/fixedpoint"
	"SettleCore/internal/testutil"
)

const (
	baseCurrency = "RUPEE"
	testAccount  = "FTestAccount1SettleLedgerXYZab"
)

func scaled(units int64) int64 { return units * fixedpoint.Scale }

func TestCreditAndConsume(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	l := NewAccountLedger(baseCurrency)

	if err := l.Credit(ctx, db, testAccount, "TOKEN1", scaled(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Credit(ctx, db, testAccount, "TOKEN1", scaled(5)); err != nil {
		t.Fatalf("second credit: %v", err)
	}

	total, err := l.TotalBalance(ctx, db, testAccount, "TOKEN1")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != scaled(15) {
		t.Errorf("total = %d, want %d", total, scaled(15))
	}

	if err := l.Consume(ctx, db, testAccount, "TOKEN1", scaled(6)); err != nil {
		t.Fatalf("consume: %v", err)
	}
	total, _ = l.TotalBalance(ctx, db, testAccount, "TOKEN1")
	if total != scaled(9) {
		t.Errorf("total after consume = %d, want %d", total, scaled(9))
	}
}

func TestConsumeInsufficient(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	l := NewAccountLedger(baseCurrency)

	if err := l.Credit(ctx, db, testAccount, "TOKEN1", scaled(3)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	err := l.Consume(ctx, db, testAccount, "TOKEN1", scaled(4))
	if !errs.IsKind(err, errs.KindInsufficientFunds) {
		t.Errorf("consume beyond balance: got %v, want InsufficientFunds", err)
	}

	// A failed consume must not touch the row.
	total, _ := l.TotalBalance(ctx, db, testAccount, "TOKEN1")
	if total != scaled(3) {
		t.Errorf("total after failed consume = %d, want %d", total, scaled(3))
	}
}

func TestMissingRowReadsAsZero(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	l := NewAccountLedger(baseCurrency)

	total, err := l.TotalBalance(ctx, db, "FNoSuchAccountEverKnownHereZZ1", "TOKEN1")
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}

	err = l.Consume(ctx, db, "FNoSuchAccountEverKnownHereZZ1", "TOKEN1", 1)
	if !errs.IsKind(err, errs.KindInsufficientFunds) {
		t.Errorf("consume on missing row: got %v, want InsufficientFunds", err)
	}
}

func TestLockedBalanceFromSellOrders(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	l := NewAccountLedger(baseCurrency)

	if err := l.Credit(ctx, db, testAccount, "TOKEN1", scaled(10)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO sell_orders (account, asset, quantity, limit_price)
		VALUES ($1, 'TOKEN1', $2, $3)
	`, testAccount, scaled(3), scaled(2)); err != nil {
		t.Fatalf("insert sell order: %v", err)
	}

	locked, err := l.LockedBalance(ctx, db, testAccount, "TOKEN1")
	if err != nil {
		t.Fatalf("locked: %v", err)
	}
	if locked != scaled(3) {
		t.Errorf("locked = %d, want %d", locked, scaled(3))
	}

	// Total 10, locked 3: spending 8 must fail as locked, 6 must pass.
	err = l.CheckAvailable(ctx, db, testAccount, "TOKEN1", scaled(8))
	if !errs.IsKind(err, errs.KindFundsLocked) {
		t.Errorf("spend 8 of 10 with 3 locked: got %v, want FundsLocked", err)
	}
	if err := l.CheckAvailable(ctx, db, testAccount, "TOKEN1", scaled(6)); err != nil {
		t.Errorf("spend 6 of 10 with 3 locked: %v", err)
	}
	// And more than the total is InsufficientFunds, not FundsLocked.
	err = l.CheckAvailable(ctx, db, testAccount, "TOKEN1", scaled(11))
	if !errs.IsKind(err, errs.KindInsufficientFunds) {
		t.Errorf("spend 11 of 10: got %v, want InsufficientFunds", err)
	}
}

func TestLockedBalanceBaseCurrencySpansAssets(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	l := NewAccountLedger(baseCurrency)

	if err := l.Credit(ctx, db, testAccount, baseCurrency, scaled(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	// Two buy orders in different assets both hold base currency.
	for _, row := range []struct {
		asset      string
		qty, price int64
	}{
		{"TOKEN1", scaled(2), scaled(5)},  // holds 10
		{"TOKEN2", scaled(1), scaled(25)}, // holds 25
	} {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO buy_orders (account, asset, quantity, limit_price)
			VALUES ($1, $2, $3, $4)
		`, testAccount, row.asset, row.qty, row.price); err != nil {
			t.Fatalf("insert buy order: %v", err)
		}
	}

	locked, err := l.LockedBalance(ctx, db, testAccount, baseCurrency)
	if err != nil {
		t.Fatalf("locked: %v", err)
	}
	if locked != scaled(35) {
		t.Errorf("locked = %d, want %d", locked, scaled(35))
	}

	avail, err := l.AvailableBalance(ctx, db, testAccount, baseCurrency)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if avail != scaled(65) {
		t.Errorf("available = %d, want %d", avail, scaled(65))
	}
}

func TestAccountBalances(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	l := NewAccountLedger(baseCurrency)

	l.Credit(ctx, db, testAccount, baseCurrency, scaled(7))
	l.Credit(ctx, db, testAccount, "TOKEN1", scaled(2))

	got, err := l.AccountBalances(ctx, db, testAccount)
	if err != nil {
		t.Fatalf("account balances: %v", err)
	}
	if len(got) != 2 || got[baseCurrency] != scaled(7) || got["TOKEN1"] != scaled(2) {
		t.Errorf("account balances = %v", got)
	}
}
