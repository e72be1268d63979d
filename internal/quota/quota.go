// Package quota holds seller eligibility data: account tags, distributor
// grants, and the sell-chip ledgers that cap how much of a restricted
// asset an account may list for sale.
package quota

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"SettleCore/internal/errs"
	"SettleCore/internal/ledger"
)

// TagLaunchSeller marks accounts whose incoming transfers earn sell chips
// up to the launch allowance.
const TagLaunchSeller = "launch-seller"

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// Registry manages tags, distributor grants and sell quotas.
type Registry struct {
	maxLaunchQuota int64
	log            zerolog.Logger
}

func NewRegistry(maxLaunchQuota int64, log zerolog.Logger) *Registry {
	return &Registry{maxLaunchQuota: maxLaunchQuota, log: log}
}

// AddTag grants a tag to an account. The tag must already be a known value.
func (r *Registry) AddTag(ctx context.Context, q ledger.DBTX, account, tag string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO account_tags (account, tag) VALUES ($1, $2)
	`, account, tag)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case pqUniqueViolation:
				return errs.New(errs.KindConflict, "account already tagged %s", tag)
			case pqForeignKeyViolation:
				return errs.New(errs.KindInvalidReference, "unknown tag %s", tag)
			}
		}
		return errs.Internal(err)
	}
	return nil
}

func (r *Registry) RemoveTag(ctx context.Context, q ledger.DBTX, account, tag string) error {
	res, err := q.ExecContext(ctx, `
		DELETE FROM account_tags WHERE account = $1 AND tag = $2
	`, account, tag)
	if err != nil {
		return errs.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindNotFound, "account does not carry tag %s", tag)
	}
	return nil
}

func (r *Registry) HasTag(ctx context.Context, q ledger.DBTX, account, tag string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM account_tags WHERE account = $1 AND tag = $2
	`, account, tag).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Internal(err)
	}
	return true, nil
}

// AddDistributor authorizes an account to distribute an asset. Transfers
// it sends of that asset leave Vault-tagged credits at the receivers.
func (r *Registry) AddDistributor(ctx context.Context, q ledger.DBTX, account, asset string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO distributors (account, asset) VALUES ($1, $2)
	`, account, asset)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return errs.New(errs.KindConflict, "account is already a distributor of %s", asset)
		}
		return errs.Internal(err)
	}
	return nil
}

func (r *Registry) RemoveDistributor(ctx context.Context, q ledger.DBTX, account, asset string) error {
	res, err := q.ExecContext(ctx, `
		DELETE FROM distributors WHERE account = $1 AND asset = $2
	`, account, asset)
	if err != nil {
		return errs.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindNotFound, "account is not a distributor of %s", asset)
	}
	return nil
}

func (r *Registry) IsDistributor(ctx context.Context, q ledger.DBTX, account, asset string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM distributors WHERE account = $1 AND asset = $2
	`, account, asset).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Internal(err)
	}
	return true, nil
}

// GrantSellQuota records an administrative sell-chip grant.
func (r *Registry) GrantSellQuota(ctx context.Context, q ledger.DBTX, account, asset string, quantity int64) error {
	if quantity <= 0 {
		return errs.New(errs.KindValidation, "grant quantity must be positive")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO sell_chips (account, asset, quantity) VALUES ($1, $2, $3)
	`, account, asset, quantity)
	if err != nil {
		return errs.Internal(err)
	}
	return nil
}

// SellQuota returns the cumulative chips granted to the account for asset.
func (r *Registry) SellQuota(ctx context.Context, q ledger.DBTX, account, asset string) (int64, error) {
	var total int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM sell_chips
		WHERE account = $1 AND asset = $2
	`, account, asset).Scan(&total)
	if err != nil {
		return 0, errs.Internal(err)
	}
	return total, nil
}

// CheckSellRequirement verifies the account may list newQuantity more of
// asset for sale: its cumulative chips must exceed the quantity already
// locked in open sell orders plus the new order.
func (r *Registry) CheckSellRequirement(ctx context.Context, q ledger.DBTX, account, asset string, newQuantity int64) error {
	chips, err := r.SellQuota(ctx, q, account, asset)
	if err != nil {
		return err
	}
	var locked int64
	err = q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM sell_orders
		WHERE account = $1 AND asset = $2
	`, account, asset).Scan(&locked)
	if err != nil {
		return errs.Internal(err)
	}
	if chips <= locked+newQuantity {
		return errs.New(errs.KindQuotaExceeded, "sell quota for %s exhausted", asset)
	}
	return nil
}

// GrantLaunchAllowance tops up a launch seller's chips on an incoming
// transfer. The headroom is MaxLaunchQuota minus everything already sold
// or granted, plus everything bought back; exhaustion grants zero and is
// not an error. Returns the granted amount.
func (r *Registry) GrantLaunchAllowance(ctx context.Context, q ledger.DBTX, account, asset string, requested int64) (int64, error) {
	var sold, bought, granted int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM trade_transactions
		WHERE seller = $1 AND asset = $2
	`, account, asset).Scan(&sold)
	if err != nil {
		return 0, errs.Internal(err)
	}
	err = q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM trade_transactions
		WHERE buyer = $1 AND asset = $2
	`, account, asset).Scan(&bought)
	if err != nil {
		return 0, errs.Internal(err)
	}
	granted, err = r.SellQuota(ctx, q, account, asset)
	if err != nil {
		return 0, err
	}

	headroom := r.maxLaunchQuota - (sold + granted) + bought
	if headroom <= 0 {
		return 0, nil
	}
	grant := requested
	if grant > headroom {
		grant = headroom
	}
	if err := r.GrantSellQuota(ctx, q, account, asset, grant); err != nil {
		return 0, err
	}
	r.log.Info().
		Str("account", account).
		Str("asset", asset).
		Int64("granted", grant).
		Msg("launch allowance granted")
	return grant, nil
}
