package market

import (
	"context"
	"database/sql"
	"testing"

	"SettleCore/internal/asset"
	"SettleCore/internal/errs"
	"SettleCore/internal/fixedpoint"
	"SettleCore/internal/ledger"
	"SettleCore/internal/observability"
	"SettleCore/internal/orderbook"
	"SettleCore/internal/quota"
	"SettleCore/internal/testutil"
	"SettleCore/internal/transfer"
)

const (
	baseCurrency = "RUPEE"
	accountA     = "FMarketAccountA1SettleXYZabcde"
	accountB     = "FMarketAccountB1SettleXYZabcde"
)

var testMetrics = observability.NewMetrics()

func scaled(units int64) int64 { return units * fixedpoint.Scale }

func newTestService(t *testing.T, db *sql.DB) (*Service, *ledger.AccountLedger, *transfer.Engine) {
	t.Helper()
	l := ledger.NewAccountLedger(baseCurrency)
	q := quota.NewRegistry(scaled(1000), observability.NewLogger("quota-test"))
	assets := asset.NewRegistry(baseCurrency, "FLO", []string{"TOKEN1"})
	book := orderbook.NewBook(db, l, q, assets, nil, testMetrics, observability.NewLogger("book-test"))
	eng := transfer.NewEngine(db, l, q, assets, nil, testMetrics, observability.NewLogger("transfer-test"))
	svc := NewService(db, l, book, assets, observability.NewLogger("market-test"))
	return svc, l, eng
}

func TestGetBalanceShapes(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc, l, _ := newTestService(t, db)

	l.Credit(ctx, db, accountA, baseCurrency, scaled(7))
	l.Credit(ctx, db, accountA, "TOKEN1", scaled(2))
	l.Credit(ctx, db, accountB, "TOKEN1", scaled(3))

	// Point query.
	v, err := svc.GetBalance(ctx, accountA, "TOKEN1")
	if err != nil {
		t.Fatalf("point query: %v", err)
	}
	if v.Balance != "2.00000000" {
		t.Errorf("balance = %q, want 2.00000000", v.Balance)
	}

	// Account-wide, keyed by asset.
	v, err = svc.GetBalance(ctx, accountA, "")
	if err != nil {
		t.Fatalf("account query: %v", err)
	}
	if len(v.Balances) != 2 || v.Balances[baseCurrency] != "7.00000000" {
		t.Errorf("account balances = %v", v.Balances)
	}

	// Asset-wide, keyed by account.
	v, err = svc.GetBalance(ctx, "", "TOKEN1")
	if err != nil {
		t.Fatalf("asset query: %v", err)
	}
	if len(v.Balances) != 2 || v.Balances[accountB] != "3.00000000" {
		t.Errorf("asset balances = %v", v.Balances)
	}

	// Neither parameter.
	_, err = svc.GetBalance(ctx, "", "")
	if !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("empty query: got %v, want Validation", err)
	}

	// A point query on a never-seen pair reads as zero.
	v, err = svc.GetBalance(ctx, accountB, baseCurrency)
	if err != nil {
		t.Fatalf("zero query: %v", err)
	}
	if v.Balance != "0.00000000" {
		t.Errorf("zero balance = %q", v.Balance)
	}
}

func TestGetTransaction(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc, l, eng := newTestService(t, db)

	l.Credit(ctx, db, accountA, "TOKEN1", scaled(10))
	txid, err := eng.Transfer(ctx, accountA, map[string]int64{accountB: scaled(4)}, "TOKEN1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	details, err := svc.GetTransaction(ctx, txid)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if details.Type != "transfer" || details.Transfer == nil {
		t.Fatalf("details = %+v, want transfer", details)
	}
	if details.Transfer.Receivers[accountB] != scaled(4) {
		t.Errorf("receivers = %v", details.Transfer.Receivers)
	}

	_, err = svc.GetTransaction(ctx, transfer.TransferIDPrefix+"0000")
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Errorf("missing record: got %v, want NotFound", err)
	}
	_, err = svc.GetTransaction(ctx, "garbage")
	if !errs.IsKind(err, errs.KindValidation) {
		t.Errorf("bad prefix: got %v, want Validation", err)
	}
}

func TestGetAccountSummary(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	svc, l, eng := newTestService(t, db)

	l.Credit(ctx, db, accountA, "TOKEN1", scaled(10))
	l.Credit(ctx, db, accountA, baseCurrency, scaled(50))
	l.Credit(ctx, db, accountB, baseCurrency, scaled(50))

	if _, err := eng.Transfer(ctx, accountA, map[string]int64{accountB: scaled(1)}, "TOKEN1"); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := eng.RecordTrade(ctx, accountA, accountB, "TOKEN1", scaled(2), scaled(5)); err != nil {
		t.Fatalf("trade: %v", err)
	}

	sum, err := svc.GetAccountSummary(ctx, accountA)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Account != accountA {
		t.Errorf("account = %s", sum.Account)
	}
	if len(sum.Balances) == 0 {
		t.Error("balances empty")
	}
	if len(sum.Trades) != 1 {
		t.Errorf("trades = %d, want 1", len(sum.Trades))
	}
	if len(sum.Transfers) != 1 {
		t.Errorf("transfers = %d, want 1", len(sum.Transfers))
	}

	// The receiver sees the same transfer in its history.
	sum, err = svc.GetAccountSummary(ctx, accountB)
	if err != nil {
		t.Fatalf("receiver summary: %v", err)
	}
	if len(sum.Transfers) != 1 {
		t.Errorf("receiver transfers = %d, want 1", len(sum.Transfers))
	}
}
