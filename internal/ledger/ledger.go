// Package ledger is the balance store: one Postgres row per
// (account, asset), quantities in 8-decimal fixed-point units.
//
// Locked amounts are never stored. They are computed live from the open
// order rows, so a cancelled order releases its hold the moment the row
// is gone and the two tables cannot drift apart.
package ledger

import (
	"context"
	"database/sql"

	"SettleCore/internal/errs"
	"SettleCore/internal/fixedpoint"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so every operation can
// run standalone or inside a caller's transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AccountLedger reads and mutates balances. The base currency matters to
// the lock computation: buy orders hold base currency across every asset,
// sell orders hold the order's asset.
type AccountLedger struct {
	base string
}

func NewAccountLedger(baseCurrency string) *AccountLedger {
	return &AccountLedger{base: baseCurrency}
}

// Lock takes a row lock on (account, asset), creating a zero row first if
// none exists. Callers run this at the top of any check-then-reserve
// transaction so concurrent reservations against the same balance
// serialize instead of double-spending the available amount.
func (l *AccountLedger) Lock(ctx context.Context, tx DBTX, account, asset string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (account, asset, quantity)
		VALUES ($1, $2, 0)
		ON CONFLICT (account, asset) DO NOTHING
	`, account, asset); err != nil {
		return errs.Internal(err)
	}
	var q int64
	err := tx.QueryRowContext(ctx, `
		SELECT quantity FROM balances
		WHERE account = $1 AND asset = $2
		FOR UPDATE
	`, account, asset).Scan(&q)
	if err != nil {
		return errs.Internal(err)
	}
	return nil
}

// Credit adds amount to the (account, asset) balance, creating the row on
// first use.
func (l *AccountLedger) Credit(ctx context.Context, tx DBTX, account, asset string, amount int64) error {
	if amount <= 0 {
		return errs.New(errs.KindValidation, "credit amount must be positive")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (account, asset, quantity)
		VALUES ($1, $2, $3)
		ON CONFLICT (account, asset)
		DO UPDATE SET quantity = balances.quantity + EXCLUDED.quantity
	`, account, asset, amount)
	if err != nil {
		return errs.Internal(err)
	}
	return nil
}

// Consume subtracts amount, refusing to let the balance go negative. The
// conditional update is the last line of defense; callers still check
// availability (including locks) before reaching here.
func (l *AccountLedger) Consume(ctx context.Context, tx DBTX, account, asset string, amount int64) error {
	if amount <= 0 {
		return errs.New(errs.KindValidation, "consume amount must be positive")
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE balances SET quantity = quantity - $3
		WHERE account = $1 AND asset = $2 AND quantity >= $3
	`, account, asset, amount)
	if err != nil {
		return errs.Internal(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Internal(err)
	}
	if n == 0 {
		return errs.New(errs.KindInsufficientFunds, "insufficient %s balance", asset)
	}
	return nil
}

// TotalBalance returns the stored quantity, zero when no row exists.
func (l *AccountLedger) TotalBalance(ctx context.Context, q DBTX, account, asset string) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx, `
		SELECT quantity FROM balances WHERE account = $1 AND asset = $2
	`, account, asset).Scan(&total)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Internal(err)
	}
	return total, nil
}

// LockedBalance computes the amount held by the account's open orders.
// For the base currency that is Σ quantity×limit_price over its buy
// orders in every asset; for anything else it is Σ quantity over its
// sell orders in that asset.
func (l *AccountLedger) LockedBalance(ctx context.Context, q DBTX, account, asset string) (int64, error) {
	if asset == l.base {
		rows, err := q.QueryContext(ctx, `
			SELECT quantity, limit_price FROM buy_orders WHERE account = $1
		`, account)
		if err != nil {
			return 0, errs.Internal(err)
		}
		defer rows.Close()

		var locked int64
		for rows.Next() {
			var qty, price int64
			if err := rows.Scan(&qty, &price); err != nil {
				return 0, errs.Internal(err)
			}
			cost, err := fixedpoint.Mul(qty, price)
			if err != nil {
				return 0, errs.Internal(err)
			}
			locked += cost
		}
		if err := rows.Err(); err != nil {
			return 0, errs.Internal(err)
		}
		return locked, nil
	}

	var locked int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM sell_orders
		WHERE account = $1 AND asset = $2
	`, account, asset).Scan(&locked)
	if err != nil {
		return 0, errs.Internal(err)
	}
	return locked, nil
}

// AvailableBalance is total minus locked.
func (l *AccountLedger) AvailableBalance(ctx context.Context, q DBTX, account, asset string) (int64, error) {
	total, err := l.TotalBalance(ctx, q, account, asset)
	if err != nil {
		return 0, err
	}
	locked, err := l.LockedBalance(ctx, q, account, asset)
	if err != nil {
		return 0, err
	}
	return total - locked, nil
}

// CheckAvailable verifies the account can spend amount right now. The two
// failure kinds are distinct on purpose: InsufficientFunds means the money
// is not there, FundsLocked means it is there but held by open orders.
func (l *AccountLedger) CheckAvailable(ctx context.Context, q DBTX, account, asset string, amount int64) error {
	total, err := l.TotalBalance(ctx, q, account, asset)
	if err != nil {
		return err
	}
	if total < amount {
		return errs.New(errs.KindInsufficientFunds, "insufficient %s balance", asset)
	}
	locked, err := l.LockedBalance(ctx, q, account, asset)
	if err != nil {
		return err
	}
	if total-locked < amount {
		return errs.New(errs.KindFundsLocked, "%s balance is locked by open orders", asset)
	}
	return nil
}

// AccountBalances returns every asset the account holds.
func (l *AccountLedger) AccountBalances(ctx context.Context, q DBTX, account string) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT asset, quantity FROM balances WHERE account = $1
	`, account)
	if err != nil {
		return nil, errs.Internal(err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var asset string
		var qty int64
		if err := rows.Scan(&asset, &qty); err != nil {
			return nil, errs.Internal(err)
		}
		out[asset] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}

// AssetBalances returns every account holding the asset.
func (l *AccountLedger) AssetBalances(ctx context.Context, q DBTX, asset string) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT account, quantity FROM balances WHERE asset = $1
	`, asset)
	if err != nil {
		return nil, errs.Internal(err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var account string
		var qty int64
		if err := rows.Scan(&account, &qty); err != nil {
			return nil, errs.Internal(err)
		}
		out[account] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}
