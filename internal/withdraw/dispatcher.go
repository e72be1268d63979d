// Package withdraw turns internal debits into broadcast chain
// transactions. The debit always commits before any broadcast attempt;
// a failed broadcast leaves a PENDING record that is retried on later
// passes, never a refund, since a send may have partially reached the
// network. Status only moves forward: PENDING → WAITING_CONFIRMATION →
// SUCCESS.
package withdraw

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"SettleCore/internal/asset"
	"SettleCore/internal/chain"
	"SettleCore/internal/errs"
	"SettleCore/internal/events"
	"SettleCore/internal/ledger"
	"SettleCore/internal/observability"
)

const (
	StatusPending             = "PENDING"
	StatusWaitingConfirmation = "WAITING_CONFIRMATION"
	StatusSuccess             = "SUCCESS"
)

const withdrawalMemo = "(withdrawal from market)"

// SinkIdentity is the exchange's chain identity used to sign outgoing
// transactions.
type SinkIdentity struct {
	Address    string
	PrivateKey string
}

// Dispatcher runs the withdrawal state machines for both asset classes.
type Dispatcher struct {
	db      *sql.DB
	ledger  *ledger.AccountLedger
	assets  *asset.Registry
	coin    chain.CoinClient
	token   chain.TokenClient
	sink    SinkIdentity
	sendAmt int64 // native coin carried by every token broadcast
	txFee   int64 // native coin network fee per broadcast
	pub     *events.Publisher
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewDispatcher(
	db *sql.DB,
	l *ledger.AccountLedger,
	assets *asset.Registry,
	coin chain.CoinClient,
	token chain.TokenClient,
	sink SinkIdentity,
	sendAmt, txFee int64,
	pub *events.Publisher,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		db: db, ledger: l, assets: assets,
		coin: coin, token: token, sink: sink,
		sendAmt: sendAmt, txFee: txFee,
		pub: pub, metrics: metrics, log: log,
	}
}

// RequestCoinWithdrawal debits amount of native coin and attempts the
// broadcast. Both outcomes are success for the caller: the debit is
// committed either way and the broadcast is retried by later passes.
func (d *Dispatcher) RequestCoinWithdrawal(ctx context.Context, account string, amount int64) (string, error) {
	if !chain.ValidateAddress(account) {
		return "", errs.New(errs.KindValidation, "invalid account address")
	}
	if amount <= 0 {
		return "", errs.New(errs.KindValidation, "amount must be positive")
	}
	coinName := d.assets.NativeCoin()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errs.Internal(err)
	}
	defer tx.Rollback()

	if err := d.ledger.Lock(ctx, tx, account, coinName); err != nil {
		return "", err
	}
	if err := d.ledger.CheckAvailable(ctx, tx, account, coinName, amount); err != nil {
		return "", err
	}
	if err := d.ledger.Consume(ctx, tx, account, coinName, amount); err != nil {
		return "", err
	}
	if err := consumeVault(ctx, tx, account, coinName, amount); err != nil {
		return "", err
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO coin_withdrawals (account, amount, status)
		VALUES ($1, $2, $3)
		RETURNING id
	`, account, amount, StatusPending).Scan(&id)
	if err != nil {
		return "", errs.Internal(err)
	}
	if err := tx.Commit(); err != nil {
		return "", errs.Internal(err)
	}
	d.metrics.WithdrawalsRequested.WithLabelValues("coin").Inc()

	// The debit is committed; the broadcast happens outside any store
	// transaction and may fail without losing the withdrawal.
	txid, err := d.coin.Broadcast(ctx, d.sink.PrivateKey, account, amount, withdrawalMemo)
	if err != nil || txid == "" {
		d.metrics.WithdrawalsPendingSend.WithLabelValues("coin").Inc()
		d.log.Warn().Err(err).
			Str("account", account).
			Int64("withdrawal_id", id).
			Msg("coin broadcast failed, left pending")
		return "withdrawal request is in process", nil
	}
	d.markBroadcast(ctx, "coin_withdrawals", "coin", id, txid, account)
	return "withdrawal was successful", nil
}

// RequestTokenWithdrawal debits the token amount plus the fixed
// native-coin send-and-fee cost, then attempts the token broadcast.
func (d *Dispatcher) RequestTokenWithdrawal(ctx context.Context, account, token string, amount int64) (string, error) {
	if !chain.ValidateAddress(account) {
		return "", errs.New(errs.KindValidation, "invalid account address")
	}
	if amount <= 0 {
		return "", errs.New(errs.KindValidation, "amount must be positive")
	}
	if token == d.assets.NativeCoin() || !d.assets.IsKnown(token) {
		return "", errs.New(errs.KindValidation, "invalid token (%s)", token)
	}
	coinName := d.assets.NativeCoin()
	requiredCoin := d.sendAmt + d.txFee

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errs.Internal(err)
	}
	defer tx.Rollback()

	// Every broadcast costs native coin, paid by the withdrawer.
	if err := d.ledger.Lock(ctx, tx, account, coinName); err != nil {
		return "", err
	}
	if err := d.ledger.Lock(ctx, tx, account, token); err != nil {
		return "", err
	}
	if err := d.ledger.CheckAvailable(ctx, tx, account, coinName, requiredCoin); err != nil {
		return "", err
	}
	if err := d.ledger.CheckAvailable(ctx, tx, account, token, amount); err != nil {
		return "", err
	}
	if err := d.ledger.Consume(ctx, tx, account, coinName, requiredCoin); err != nil {
		return "", err
	}
	if err := d.ledger.Consume(ctx, tx, account, token, amount); err != nil {
		return "", err
	}
	if err := consumeVault(ctx, tx, account, token, amount); err != nil {
		return "", err
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO token_withdrawals (account, token, amount, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, account, token, amount, StatusPending).Scan(&id)
	if err != nil {
		return "", errs.Internal(err)
	}
	if err := tx.Commit(); err != nil {
		return "", errs.Internal(err)
	}
	d.metrics.WithdrawalsRequested.WithLabelValues("token").Inc()

	txid, err := d.token.SendToken(ctx, d.sink.PrivateKey, amount, account, withdrawalMemo, token)
	if err != nil || txid == "" {
		d.metrics.WithdrawalsPendingSend.WithLabelValues("token").Inc()
		d.log.Warn().Err(err).
			Str("account", account).
			Int64("withdrawal_id", id).
			Msg("token broadcast failed, left pending")
		return "withdrawal request is in process", nil
	}
	d.markBroadcast(ctx, "token_withdrawals", "token", id, txid, account)
	return "withdrawal was successful", nil
}

// RetryPending re-attempts the broadcast for every PENDING withdrawal.
// On success the record advances to WAITING_CONFIRMATION exactly once;
// the debited funds are never touched again.
func (d *Dispatcher) RetryPending(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, account, amount FROM coin_withdrawals WHERE status = $1
	`, StatusPending)
	if err != nil {
		return errs.Internal(err)
	}
	coinItems, err := scanCoinItems(rows)
	if err != nil {
		return err
	}
	for _, it := range coinItems {
		txid, err := d.coin.Broadcast(ctx, d.sink.PrivateKey, it.account, it.amount, withdrawalMemo)
		if err != nil || txid == "" {
			d.metrics.ReconcileItemErrors.WithLabelValues("coin_withdrawal_retry").Inc()
			d.log.Warn().Err(err).Int64("withdrawal_id", it.id).Msg("coin retry failed")
			continue
		}
		d.markBroadcast(ctx, "coin_withdrawals", "coin", it.id, txid, it.account)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	rows, err = d.db.QueryContext(ctx, `
		SELECT id, account, token, amount FROM token_withdrawals WHERE status = $1
	`, StatusPending)
	if err != nil {
		return errs.Internal(err)
	}
	tokenItems, err := scanTokenItems(rows)
	if err != nil {
		return err
	}
	for _, it := range tokenItems {
		txid, err := d.token.SendToken(ctx, d.sink.PrivateKey, it.amount, it.account, withdrawalMemo, it.token)
		if err != nil || txid == "" {
			d.metrics.ReconcileItemErrors.WithLabelValues("token_withdrawal_retry").Inc()
			d.log.Warn().Err(err).Int64("withdrawal_id", it.id).Msg("token retry failed")
			continue
		}
		d.markBroadcast(ctx, "token_withdrawals", "token", it.id, txid, it.account)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// ConfirmWaiting advances WAITING_CONFIRMATION records whose broadcast
// the chain now reports. Coin withdrawals require block inclusion and a
// confirmation; token withdrawals count as done once the token chain
// knows the transaction.
func (d *Dispatcher) ConfirmWaiting(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, account, amount, txid FROM coin_withdrawals WHERE status = $1
	`, StatusWaitingConfirmation)
	if err != nil {
		return errs.Internal(err)
	}
	type waiting struct {
		id      int64
		account string
		amount  int64
		txid    string
	}
	var coinWaiting []waiting
	for rows.Next() {
		var w waiting
		if err := rows.Scan(&w.id, &w.account, &w.amount, &w.txid); err != nil {
			rows.Close()
			return errs.Internal(err)
		}
		coinWaiting = append(coinWaiting, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errs.Internal(err)
	}

	for _, w := range coinWaiting {
		tx, err := d.coin.GetTransaction(ctx, w.txid)
		if err != nil {
			d.log.Debug().Err(err).Str("txid", w.txid).Msg("coin confirmation lookup failed")
			continue
		}
		if tx.BlockHeight == 0 || tx.Confirmations == 0 {
			continue
		}
		d.markConfirmed(ctx, "coin_withdrawals", "coin", w.id, w.account, w.txid)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	rows, err = d.db.QueryContext(ctx, `
		SELECT id, account, token, amount, txid FROM token_withdrawals WHERE status = $1
	`, StatusWaitingConfirmation)
	if err != nil {
		return errs.Internal(err)
	}
	type tokenWaiting struct {
		id      int64
		account string
		token   string
		amount  int64
		txid    string
	}
	var tokWaiting []tokenWaiting
	for rows.Next() {
		var w tokenWaiting
		if err := rows.Scan(&w.id, &w.account, &w.token, &w.amount, &w.txid); err != nil {
			rows.Close()
			return errs.Internal(err)
		}
		tokWaiting = append(tokWaiting, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errs.Internal(err)
	}

	for _, w := range tokWaiting {
		if _, err := d.token.GetTransaction(ctx, w.txid); err != nil {
			d.log.Debug().Err(err).Str("txid", w.txid).Msg("token confirmation lookup failed")
			continue
		}
		d.markConfirmed(ctx, "token_withdrawals", "token", w.id, w.account, w.txid)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) markBroadcast(ctx context.Context, table, class string, id int64, txid, account string) {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = $1, txid = $2 WHERE id = $3 AND status = $4`,
		StatusWaitingConfirmation, txid, id, StatusPending,
	); err != nil {
		d.log.Error().Err(err).Int64("withdrawal_id", id).Msg("record broadcast state")
		return
	}
	d.metrics.WithdrawalsBroadcast.WithLabelValues(class).Inc()
	d.log.Info().
		Str("account", account).
		Str("txid", txid).
		Int64("withdrawal_id", id).
		Msg("withdrawal broadcast")
	d.pub.Publish(ctx, events.TypeWithdrawalBroadcast, map[string]any{
		"class": class, "account": account, "txid": txid,
	})
}

func (d *Dispatcher) markConfirmed(ctx context.Context, table, class string, id int64, account, txid string) {
	if _, err := d.db.ExecContext(ctx,
		`UPDATE `+table+` SET status = $1 WHERE id = $2 AND status = $3`,
		StatusSuccess, id, StatusWaitingConfirmation,
	); err != nil {
		d.log.Error().Err(err).Int64("withdrawal_id", id).Msg("record confirmed state")
		return
	}
	d.metrics.WithdrawalsConfirmed.WithLabelValues(class).Inc()
	d.log.Info().
		Str("account", account).
		Str("txid", txid).
		Int64("withdrawal_id", id).
		Msg("withdrawal confirmed")
	d.pub.Publish(ctx, events.TypeWithdrawalConfirmed, map[string]any{
		"class": class, "account": account, "txid": txid,
	})
}

// consumeVault burns distributor-sourced vault entries for the withdrawn
// asset, oldest first. Only the distributor-tracked portion is consumed;
// a withdrawal larger than the vaulted amount simply drains the vault.
func consumeVault(ctx context.Context, tx ledger.DBTX, account, assetName string, amount int64) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, quantity FROM vault
		WHERE account = $1 AND asset = $2
		ORDER BY acquired_at, id
		FOR UPDATE
	`, account, assetName)
	if err != nil {
		return errs.Internal(err)
	}
	type entry struct {
		id  int64
		qty int64
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.qty); err != nil {
			rows.Close()
			return errs.Internal(err)
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errs.Internal(err)
	}

	remaining := amount
	for _, e := range entries {
		if remaining <= 0 {
			break
		}
		if e.qty <= remaining {
			if _, err := tx.ExecContext(ctx, `DELETE FROM vault WHERE id = $1`, e.id); err != nil {
				return errs.Internal(err)
			}
			remaining -= e.qty
		} else {
			if _, err := tx.ExecContext(ctx,
				`UPDATE vault SET quantity = quantity - $1 WHERE id = $2`, remaining, e.id,
			); err != nil {
				return errs.Internal(err)
			}
			remaining = 0
		}
	}
	return nil
}

type coinItem struct {
	id      int64
	account string
	amount  int64
}

func scanCoinItems(rows *sql.Rows) ([]coinItem, error) {
	defer rows.Close()
	var out []coinItem
	for rows.Next() {
		var it coinItem
		if err := rows.Scan(&it.id, &it.account, &it.amount); err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}

type tokenItem struct {
	id      int64
	account string
	token   string
	amount  int64
}

func scanTokenItems(rows *sql.Rows) ([]tokenItem, error) {
	defer rows.Close()
	var out []tokenItem
	for rows.Next() {
		var it tokenItem
		if err := rows.Scan(&it.id, &it.account, &it.token, &it.amount); err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}
