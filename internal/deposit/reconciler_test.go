package deposit

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"SettleCore/internal/chain"
	"SettleCore/internal/errs"
	"SettleCore/internal/fixedpoint"
	"SettleCore/internal/ledger"
	"SettleCore/internal/observability"
	"SettleCore/internal/testutil"
)

var testMetrics = observability.NewMetrics()

func scaled(units int64) int64 { return units * fixedpoint.Scale }

// fakeCoinClient serves canned transactions keyed by txid.
type fakeCoinClient struct {
	txs map[string]*chain.CoinTx
}

func (f *fakeCoinClient) GetTransaction(_ context.Context, txid string) (*chain.CoinTx, error) {
	tx, ok := f.txs[txid]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", txid)
	}
	return tx, nil
}

func (f *fakeCoinClient) Broadcast(context.Context, string, string, int64, string) (string, error) {
	return "", fmt.Errorf("not supported")
}

type fakeTokenClient struct {
	txs map[string]*chain.TokenTx
}

func (f *fakeTokenClient) GetTransaction(_ context.Context, txid string) (*chain.TokenTx, error) {
	tx, ok := f.txs[txid]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", txid)
	}
	return tx, nil
}

func (f *fakeTokenClient) SendToken(context.Context, string, int64, string, string, string) (string, error) {
	return "", fmt.Errorf("not supported")
}

func newTestReconciler(db *sql.DB, coin *fakeCoinClient, token *fakeTokenClient) (*Reconciler, *ledger.AccountLedger) {
	l := ledger.NewAccountLedger("RUPEE")
	r := NewReconciler(db, l, testAssets(), coin, token, sinkAddr,
		nil, testMetrics, observability.NewLogger("deposit-test"))
	return r, l
}

func TestRequestCoinDepositIdempotence(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	r, _ := newTestReconciler(db, &fakeCoinClient{}, &fakeTokenClient{})

	msg, err := r.RequestCoinDeposit(ctx, depositor, "coin-tx-1")
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if msg == "" {
		t.Error("first request returned empty message")
	}

	_, err = r.RequestCoinDeposit(ctx, depositor, "coin-tx-1")
	if !errs.IsKind(err, errs.KindConflict) {
		t.Fatalf("duplicate request: got %v, want Conflict", err)
	}
	if err.Error() != "transaction already in process" {
		t.Errorf("duplicate message = %q", err.Error())
	}
}

func TestReconcileCoinSuccess(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	coin := &fakeCoinClient{txs: map[string]*chain.CoinTx{
		"coin-tx-1": coinTx([]string{depositor}, map[string]int64{sinkAddr: scaled(7)}, 100, 3),
	}}
	r, l := newTestReconciler(db, coin, &fakeTokenClient{})

	if _, err := r.RequestCoinDeposit(ctx, depositor, "coin-tx-1"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := r.ReconcileCoin(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	bal, _ := l.TotalBalance(ctx, db, depositor, "FLO")
	if bal != scaled(7) {
		t.Errorf("balance = %d, want %d", bal, scaled(7))
	}
	var status string
	var amount int64
	db.QueryRowContext(ctx,
		`SELECT status, amount FROM coin_deposits WHERE txid = 'coin-tx-1'`,
	).Scan(&status, &amount)
	if status != StatusSuccess || amount != scaled(7) {
		t.Errorf("record = (%s, %d), want (SUCCESS, %d)", status, amount, scaled(7))
	}

	// A second pass must not credit again.
	if err := r.ReconcileCoin(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	bal, _ = l.TotalBalance(ctx, db, depositor, "FLO")
	if bal != scaled(7) {
		t.Errorf("balance after second pass = %d, want %d", bal, scaled(7))
	}

	// And a new claim on the used txid reports it as spent.
	_, err := r.RequestCoinDeposit(ctx, depositor, "coin-tx-1")
	if !errs.IsKind(err, errs.KindConflict) {
		t.Errorf("claim on used txid: got %v, want Conflict", err)
	}
}

func TestReconcileCoinRejectsForeignInputs(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	coin := &fakeCoinClient{txs: map[string]*chain.CoinTx{
		"coin-tx-2": coinTx([]string{depositor, stranger}, map[string]int64{sinkAddr: scaled(1)}, 100, 3),
	}}
	r, l := newTestReconciler(db, coin, &fakeTokenClient{})

	r.RequestCoinDeposit(ctx, depositor, "coin-tx-2")
	if err := r.ReconcileCoin(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	var status string
	db.QueryRowContext(ctx,
		`SELECT status FROM coin_deposits WHERE txid = 'coin-tx-2'`).Scan(&status)
	if status != StatusRejected {
		t.Errorf("status = %s, want REJECTED", status)
	}
	bal, _ := l.TotalBalance(ctx, db, depositor, "FLO")
	if bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}

	// Re-claiming reports the rejection.
	_, err := r.RequestCoinDeposit(ctx, depositor, "coin-tx-2")
	if err == nil || err.Error() != "transaction already rejected" {
		t.Errorf("re-claim: got %v, want 'transaction already rejected'", err)
	}
}

func TestReconcileCoinRetryableStaysPending(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	unconfirmed := coinTx([]string{depositor}, map[string]int64{sinkAddr: scaled(2)}, 0, 0)
	coin := &fakeCoinClient{txs: map[string]*chain.CoinTx{"coin-tx-3": unconfirmed}}
	r, l := newTestReconciler(db, coin, &fakeTokenClient{})

	r.RequestCoinDeposit(ctx, depositor, "coin-tx-3")
	if err := r.ReconcileCoin(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	var status string
	db.QueryRowContext(ctx,
		`SELECT status FROM coin_deposits WHERE txid = 'coin-tx-3'`).Scan(&status)
	if status != StatusPending {
		t.Fatalf("status = %s, want PENDING", status)
	}

	// The transaction confirms; the next pass credits it.
	unconfirmed.BlockHeight = 200
	unconfirmed.Confirmations = 1
	if err := r.ReconcileCoin(ctx); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	bal, _ := l.TotalBalance(ctx, db, depositor, "FLO")
	if bal != scaled(2) {
		t.Errorf("balance = %d, want %d", bal, scaled(2))
	}
}

func TestReconcileTokenCreditsCoinRider(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	coinAmt := scaled(1) / 100
	token := &fakeTokenClient{txs: map[string]*chain.TokenTx{
		"token-tx-1": tokenTx("transfer", "token", "TOKEN1", scaled(5),
			[]string{depositor}, map[string]int64{sinkAddr: coinAmt}),
	}}
	r, l := newTestReconciler(db, &fakeCoinClient{}, token)

	if _, err := r.RequestTokenDeposit(ctx, depositor, "token-tx-1"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := r.ReconcileToken(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	tokenBal, _ := l.TotalBalance(ctx, db, depositor, "TOKEN1")
	if tokenBal != scaled(5) {
		t.Errorf("token balance = %d, want %d", tokenBal, scaled(5))
	}
	coinBal, _ := l.TotalBalance(ctx, db, depositor, "FLO")
	if coinBal != coinAmt {
		t.Errorf("coin balance = %d, want %d", coinBal, coinAmt)
	}

	// The synthetic coin record blocks a later coin-path claim.
	var status string
	if err := db.QueryRowContext(ctx,
		`SELECT status FROM coin_deposits WHERE txid = 'token-tx-1'`).Scan(&status); err != nil {
		t.Fatalf("synthetic coin record missing: %v", err)
	}
	if status != StatusSuccess {
		t.Errorf("synthetic coin record status = %s, want SUCCESS", status)
	}
	_, err := r.RequestCoinDeposit(ctx, depositor, "token-tx-1")
	if !errs.IsKind(err, errs.KindConflict) {
		t.Errorf("coin claim on token txid: got %v, want Conflict", err)
	}
}

func TestTokenDepositAfterForeignCoinClaim(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	coinAmt := scaled(1) / 100
	coin := &fakeCoinClient{txs: map[string]*chain.CoinTx{
		"shared-tx": coinTx([]string{depositor}, map[string]int64{sinkAddr: coinAmt}, 100, 3),
	}}
	token := &fakeTokenClient{txs: map[string]*chain.TokenTx{
		"shared-tx": tokenTx("transfer", "token", "TOKEN1", scaled(5),
			[]string{depositor}, map[string]int64{sinkAddr: coinAmt}),
	}}
	r, l := newTestReconciler(db, coin, token)

	// A stranger claims the txid through the coin path and is rejected:
	// the transaction was not sent by them.
	if _, err := r.RequestCoinDeposit(ctx, stranger, "shared-tx"); err != nil {
		t.Fatalf("stranger claim: %v", err)
	}
	if err := r.ReconcileCoin(ctx); err != nil {
		t.Fatalf("coin reconcile: %v", err)
	}
	var status string
	db.QueryRowContext(ctx,
		`SELECT status FROM coin_deposits WHERE txid = 'shared-tx'`).Scan(&status)
	if status != StatusRejected {
		t.Fatalf("stranger claim status = %s, want REJECTED", status)
	}

	// The real sender's token claim must still settle: the token is
	// credited and the burned coin record is left alone.
	if _, err := r.RequestTokenDeposit(ctx, depositor, "shared-tx"); err != nil {
		t.Fatalf("sender token claim: %v", err)
	}
	if err := r.ReconcileToken(ctx); err != nil {
		t.Fatalf("token reconcile: %v", err)
	}

	db.QueryRowContext(ctx,
		`SELECT status FROM token_deposits WHERE txid = 'shared-tx'`).Scan(&status)
	if status != StatusSuccess {
		t.Errorf("token claim status = %s, want SUCCESS", status)
	}
	tokenBal, _ := l.TotalBalance(ctx, db, depositor, "TOKEN1")
	if tokenBal != scaled(5) {
		t.Errorf("token balance = %d, want %d", tokenBal, scaled(5))
	}
	coinBal, _ := l.TotalBalance(ctx, db, depositor, "FLO")
	if coinBal != 0 {
		t.Errorf("coin balance = %d, want 0 (txid burned by the rejected claim)", coinBal)
	}
	db.QueryRowContext(ctx,
		`SELECT status FROM coin_deposits WHERE txid = 'shared-tx'`).Scan(&status)
	if status != StatusRejected {
		t.Errorf("burned coin record status = %s, want REJECTED", status)
	}

	// A later coin claim by anyone reports the record's actual status.
	_, err := r.RequestCoinDeposit(ctx, depositor, "shared-tx")
	if err == nil || err.Error() != "transaction already rejected" {
		t.Errorf("cross-account re-claim: got %v, want 'transaction already rejected'", err)
	}
}

func TestRequestReportsStatusAcrossAccounts(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	coin := &fakeCoinClient{txs: map[string]*chain.CoinTx{
		"coin-tx-9": coinTx([]string{depositor}, map[string]int64{sinkAddr: scaled(1)}, 100, 3),
	}}
	r, _ := newTestReconciler(db, coin, &fakeTokenClient{})

	if _, err := r.RequestCoinDeposit(ctx, depositor, "coin-tx-9"); err != nil {
		t.Fatalf("request: %v", err)
	}

	// While the claim is pending, another account sees it as in process.
	_, err := r.RequestCoinDeposit(ctx, stranger, "coin-tx-9")
	if err == nil || err.Error() != "transaction already in process" {
		t.Errorf("pending re-claim: got %v, want 'transaction already in process'", err)
	}

	// After the credit it reads as spent, regardless of claimant.
	if err := r.ReconcileCoin(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	_, err = r.RequestCoinDeposit(ctx, stranger, "coin-tx-9")
	if !errs.IsKind(err, errs.KindConflict) || err.Error() != "transaction already used to add coins" {
		t.Errorf("spent re-claim: got %v, want 'transaction already used to add coins'", err)
	}
}

func TestReconcileUnknownTxStaysPending(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	r, _ := newTestReconciler(db, &fakeCoinClient{}, &fakeTokenClient{})

	r.RequestCoinDeposit(ctx, depositor, "never-seen")
	if err := r.ReconcileCoin(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	var status string
	db.QueryRowContext(ctx,
		`SELECT status FROM coin_deposits WHERE txid = 'never-seen'`).Scan(&status)
	if status != StatusPending {
		t.Errorf("status = %s, want PENDING", status)
	}
}
