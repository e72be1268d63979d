// Package deposit turns externally observed chain transactions into
// internal balance credits. Each claim moves PENDING → SUCCESS or
// PENDING → REJECTED exactly once; the chain is consulted outside any
// store transaction, and the credit plus the status flip commit as one.
package deposit

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"SettleCore/internal/asset"
	"SettleCore/internal/chain"
	"SettleCore/internal/errs"
	"SettleCore/internal/events"
	"SettleCore/internal/fixedpoint"
	"SettleCore/internal/ledger"
	"SettleCore/internal/observability"
)

const (
	StatusPending  = "PENDING"
	StatusSuccess  = "SUCCESS"
	StatusRejected = "REJECTED"
)

const pqUniqueViolation = "23505"

// Reconciler drives the deposit state machines for both asset classes.
type Reconciler struct {
	db      *sql.DB
	ledger  *ledger.AccountLedger
	assets  *asset.Registry
	coin    chain.CoinClient
	token   chain.TokenClient
	sink    string
	pub     *events.Publisher
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewReconciler(
	db *sql.DB,
	l *ledger.AccountLedger,
	assets *asset.Registry,
	coin chain.CoinClient,
	token chain.TokenClient,
	sinkAddress string,
	pub *events.Publisher,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		db: db, ledger: l, assets: assets,
		coin: coin, token: token, sink: sinkAddress,
		pub: pub, metrics: metrics, log: log,
	}
}

// RequestCoinDeposit registers a native-coin deposit claim. The PENDING
// insert is the idempotency gate: it happens before any chain lookup so
// concurrent duplicate claims collapse onto one record.
func (r *Reconciler) RequestCoinDeposit(ctx context.Context, account, txid string) (string, error) {
	return r.request(ctx, "coin_deposits", "coin", account, txid, "already used to add coins")
}

// RequestTokenDeposit registers a token deposit claim.
func (r *Reconciler) RequestTokenDeposit(ctx context.Context, account, txid string) (string, error) {
	return r.request(ctx, "token_deposits", "token", account, txid, "already used to add tokens")
}

func (r *Reconciler) request(ctx context.Context, table, class, account, txid, usedMsg string) (string, error) {
	if !chain.ValidateAddress(account) {
		return "", errs.New(errs.KindValidation, "invalid account address")
	}
	if txid == "" {
		return "", errs.New(errs.KindValidation, "missing transaction id")
	}

	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM `+table+` WHERE txid = $1`, txid,
	).Scan(&status)
	if err != nil && err != sql.ErrNoRows {
		return "", errs.Internal(err)
	}
	if err == nil {
		switch status {
		case StatusPending:
			return "", errs.New(errs.KindConflict, "transaction already in process")
		case StatusRejected:
			return "", errs.New(errs.KindConflict, "transaction already rejected")
		default:
			return "", errs.New(errs.KindConflict, "transaction %s", usedMsg)
		}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO `+table+` (txid, account, status) VALUES ($1, $2, $3)`,
		txid, account, StatusPending)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			// Lost the race to a concurrent identical claim.
			return "", errs.New(errs.KindConflict, "transaction already in process")
		}
		return "", errs.Internal(err)
	}

	r.metrics.DepositsRequested.WithLabelValues(class).Inc()
	return "deposit request in process", nil
}

// ReconcileCoin processes every PENDING coin claim. Item failures are
// isolated: one bad claim never blocks the rest.
func (r *Reconciler) ReconcileCoin(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account, txid FROM coin_deposits WHERE status = $1
	`, StatusPending)
	if err != nil {
		return errs.Internal(err)
	}
	claims, err := scanClaims(rows)
	if err != nil {
		return err
	}

	for _, c := range claims {
		if err := r.reconcileCoinClaim(ctx, c); err != nil {
			r.metrics.ReconcileItemErrors.WithLabelValues("coin_deposit").Inc()
			r.log.Error().Err(err).Str("txid", c.txid).Msg("coin deposit reconcile failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (r *Reconciler) reconcileCoinClaim(ctx context.Context, c claim) error {
	tx, err := r.coin.GetTransaction(ctx, c.txid)
	if err != nil {
		// Chain unreachable or transaction unknown: retry next pass.
		r.metrics.DepositsRetried.WithLabelValues("coin").Inc()
		r.log.Debug().Err(err).Str("txid", c.txid).Msg("coin lookup failed, will retry")
		return nil
	}

	amount, verr := VerifyCoinDeposit(tx, c.account, r.sink)
	if verr != nil {
		return r.settleVerifyFailure(ctx, "coin_deposits", "coin", c, verr)
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Internal(err)
	}
	defer dbtx.Rollback()

	if err := r.ledger.Credit(ctx, dbtx, c.account, r.assets.NativeCoin(), amount); err != nil {
		return err
	}
	if _, err := dbtx.ExecContext(ctx, `
		UPDATE coin_deposits SET status = $1, amount = $2 WHERE id = $3
	`, StatusSuccess, amount, c.id); err != nil {
		return errs.Internal(err)
	}
	if err := dbtx.Commit(); err != nil {
		return errs.Internal(err)
	}

	r.metrics.DepositsCredited.WithLabelValues("coin").Inc()
	r.log.Info().
		Str("account", c.account).
		Str("txid", c.txid).
		Str("amount", fixedpoint.Format(amount)).
		Msg("coin deposited")
	r.pub.Publish(ctx, events.TypeDepositCredited, map[string]any{
		"class": "coin", "account": c.account, "txid": c.txid, "amount": amount,
	})
	return nil
}

// ReconcileToken processes every PENDING token claim.
func (r *Reconciler) ReconcileToken(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account, txid FROM token_deposits WHERE status = $1
	`, StatusPending)
	if err != nil {
		return errs.Internal(err)
	}
	claims, err := scanClaims(rows)
	if err != nil {
		return err
	}

	for _, c := range claims {
		if err := r.reconcileTokenClaim(ctx, c); err != nil {
			r.metrics.ReconcileItemErrors.WithLabelValues("token_deposit").Inc()
			r.log.Error().Err(err).Str("txid", c.txid).Msg("token deposit reconcile failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (r *Reconciler) reconcileTokenClaim(ctx context.Context, c claim) error {
	tx, err := r.token.GetTransaction(ctx, c.txid)
	if err != nil {
		r.metrics.DepositsRetried.WithLabelValues("token").Inc()
		r.log.Debug().Err(err).Str("txid", c.txid).Msg("token lookup failed, will retry")
		return nil
	}

	token, tokenAmount, coinAmount, verr := VerifyTokenDeposit(tx, c.account, r.sink, r.assets)
	if verr != nil {
		return r.settleVerifyFailure(ctx, "token_deposits", "token", c, verr)
	}

	// If the same chain transaction was never claimed as a coin deposit,
	// credit the coin value too and plant a SUCCESS coin record so it
	// can never be credited again through the coin path. txid is unique
	// per class, so the guard looks it up regardless of claimant: any
	// existing row means the coin value is already accounted for or the
	// txid is burned by a rejected claim.
	var coinClaimed bool
	var one int
	err = r.db.QueryRowContext(ctx, `
		SELECT 1 FROM coin_deposits WHERE txid = $1
	`, c.txid).Scan(&one)
	if err == nil {
		coinClaimed = true
	} else if err != sql.ErrNoRows {
		return errs.Internal(err)
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Internal(err)
	}
	defer dbtx.Rollback()

	if !coinClaimed {
		if err := r.ledger.Credit(ctx, dbtx, c.account, r.assets.NativeCoin(), coinAmount); err != nil {
			return err
		}
		if _, err := dbtx.ExecContext(ctx, `
			INSERT INTO coin_deposits (txid, account, amount, status) VALUES ($1, $2, $3, $4)
		`, c.txid, c.account, coinAmount, StatusSuccess); err != nil {
			return errs.Internal(err)
		}
	}
	if err := r.ledger.Credit(ctx, dbtx, c.account, token, tokenAmount); err != nil {
		return err
	}
	if _, err := dbtx.ExecContext(ctx, `
		UPDATE token_deposits SET status = $1, token = $2, amount = $3 WHERE id = $4
	`, StatusSuccess, token, tokenAmount, c.id); err != nil {
		return errs.Internal(err)
	}
	if err := dbtx.Commit(); err != nil {
		return errs.Internal(err)
	}

	r.metrics.DepositsCredited.WithLabelValues("token").Inc()
	r.log.Info().
		Str("account", c.account).
		Str("txid", c.txid).
		Str("token", token).
		Str("amount", fixedpoint.Format(tokenAmount)).
		Msg("token deposited")
	r.pub.Publish(ctx, events.TypeDepositCredited, map[string]any{
		"class": "token", "account": c.account, "txid": c.txid,
		"token": token, "amount": tokenAmount,
	})
	return nil
}

func (r *Reconciler) settleVerifyFailure(ctx context.Context, table, class string, c claim, verr *chain.VerifyError) error {
	if !verr.Permanent {
		r.metrics.DepositsRetried.WithLabelValues(class).Inc()
		r.log.Debug().Str("txid", c.txid).Str("reason", verr.Reason).Msg("deposit claim left pending")
		return nil
	}

	if _, err := r.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = $1 WHERE id = $2`, StatusRejected, c.id,
	); err != nil {
		return errs.Internal(err)
	}
	r.metrics.DepositsRejected.WithLabelValues(class, verr.Reason).Inc()
	r.log.Warn().
		Str("account", c.account).
		Str("txid", c.txid).
		Str("reason", verr.Reason).
		Msg("deposit claim rejected")
	r.pub.Publish(ctx, events.TypeDepositRejected, map[string]any{
		"class": class, "account": c.account, "txid": c.txid, "reason": verr.Reason,
	})
	return nil
}

type claim struct {
	id      int64
	account string
	txid    string
}

func scanClaims(rows *sql.Rows) ([]claim, error) {
	defer rows.Close()
	var out []claim
	for rows.Next() {
		var c claim
		if err := rows.Scan(&c.id, &c.account, &c.txid); err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}
