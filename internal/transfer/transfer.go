// Package transfer implements the atomic internal asset movement
// primitives: the multi-receiver transfer and the trade settlement
// record used by the matching engine. Both produce write-once
// transaction records keyed by a deterministic content hash.
package transfer

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"SettleCore/internal/asset"
	"SettleCore/internal/chain"
	"SettleCore/internal/errs"
	"SettleCore/internal/events"
	"SettleCore/internal/fixedpoint"
	"SettleCore/internal/ledger"
	"SettleCore/internal/observability"
	"SettleCore/internal/quota"
)

// Transaction id prefixes, used by lookups to dispatch to the right table.
const (
	TransferIDPrefix = "xfer-"
	TradeIDPrefix    = "trade-"
)

// Engine settles internal movements.
type Engine struct {
	db      *sql.DB
	ledger  *ledger.AccountLedger
	quota   *quota.Registry
	assets  *asset.Registry
	pub     *events.Publisher
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewEngine(
	db *sql.DB,
	l *ledger.AccountLedger,
	q *quota.Registry,
	assets *asset.Registry,
	pub *events.Publisher,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	return &Engine{db: db, ledger: l, quota: q, assets: assets, pub: pub, metrics: metrics, log: log}
}

// Transfer moves asset from sender to every receiver in one atomic unit
// and returns the record's transaction id. If any receiver address is
// invalid the whole transfer fails listing all of them, with no partial
// mutation.
func (e *Engine) Transfer(ctx context.Context, sender string, receivers map[string]int64, assetName string) (string, error) {
	if !chain.ValidateAddress(sender) {
		return "", errs.New(errs.KindValidation, "invalid sender (%s)", sender)
	}
	if !e.assets.IsKnown(assetName) {
		return "", errs.New(errs.KindValidation, "invalid asset (%s)", assetName)
	}
	if len(receivers) == 0 {
		return "", errs.New(errs.KindValidation, "no receivers")
	}

	var invalid []string
	var total int64
	for addr, amount := range receivers {
		if !chain.ValidateAddress(addr) {
			invalid = append(invalid, addr)
			continue
		}
		if amount <= 0 {
			return "", errs.New(errs.KindValidation, "non-positive amount for receiver %s", addr)
		}
		total += amount
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return "", errs.New(errs.KindValidation, "invalid receiver (%s)", strings.Join(invalid, ", "))
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errs.Internal(err)
	}
	defer tx.Rollback()

	if err := e.ledger.Lock(ctx, tx, sender, assetName); err != nil {
		return "", err
	}
	if err := e.ledger.CheckAvailable(ctx, tx, sender, assetName, total); err != nil {
		return "", err
	}
	if err := e.ledger.Consume(ctx, tx, sender, assetName, total); err != nil {
		return "", err
	}
	for addr, amount := range receivers {
		if err := e.ledger.Credit(ctx, tx, addr, assetName, amount); err != nil {
			return "", err
		}
	}

	isDistributor, err := e.quota.IsDistributor(ctx, tx, sender, assetName)
	if err != nil {
		return "", err
	}
	if isDistributor {
		for addr, amount := range receivers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO vault (account, asset, quantity) VALUES ($1, $2, $3)
			`, addr, assetName, amount); err != nil {
				return "", errs.Internal(err)
			}
		}
	}

	// Launch sellers earn sell chips on receipt, capped by their
	// lifetime allowance.
	for addr, amount := range receivers {
		tagged, err := e.quota.HasTag(ctx, tx, addr, quota.TagLaunchSeller)
		if err != nil {
			return "", err
		}
		if tagged {
			if _, err := e.quota.GrantLaunchAllowance(ctx, tx, addr, assetName, amount); err != nil {
				return "", err
			}
		}
	}

	now := time.Now().UTC()
	txid, err := transferID(sender, receivers, assetName, total, now)
	if err != nil {
		return "", errs.Internal(err)
	}
	receiversJSON, err := json.Marshal(receivers)
	if err != nil {
		return "", errs.Internal(err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transfer_transactions (txid, sender, receivers, asset, total_amount, tx_time)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, txid, sender, receiversJSON, assetName, total, now); err != nil {
		return "", errs.Internal(err)
	}

	if err := tx.Commit(); err != nil {
		return "", errs.Internal(err)
	}

	e.metrics.TransfersSettled.Inc()
	e.metrics.TransferValue.WithLabelValues(assetName).Add(float64(total))
	e.log.Info().
		Str("txid", txid).
		Str("sender", sender).
		Str("asset", assetName).
		Str("total", fixedpoint.Format(total)).
		Int("receivers", len(receivers)).
		Msg("transfer settled")
	e.pub.Publish(ctx, events.TypeTransferSettled, map[string]any{
		"txid": txid, "sender": sender, "asset": assetName, "total": total,
	})
	return txid, nil
}

// RecordTrade settles one match: the seller's asset moves to the buyer
// and the buyer's base currency moves to the seller, with a write-once
// trade record. The matching engine calls this after pairing orders, so
// the funds involved are the ones its order rows already hold.
func (e *Engine) RecordTrade(ctx context.Context, seller, buyer, assetName string, quantity, unitPrice int64) (string, error) {
	if quantity <= 0 || unitPrice <= 0 {
		return "", errs.New(errs.KindValidation, "quantity and price must be positive")
	}
	cost, err := fixedpoint.Mul(quantity, unitPrice)
	if err != nil {
		return "", errs.New(errs.KindValidation, "trade value out of range")
	}
	base := e.assets.BaseCurrency()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errs.Internal(err)
	}
	defer tx.Rollback()

	if err := e.ledger.Consume(ctx, tx, seller, assetName, quantity); err != nil {
		return "", err
	}
	if err := e.ledger.Credit(ctx, tx, buyer, assetName, quantity); err != nil {
		return "", err
	}
	if err := e.ledger.Consume(ctx, tx, buyer, base, cost); err != nil {
		return "", err
	}
	if err := e.ledger.Credit(ctx, tx, seller, base, cost); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	txid, err := tradeID(seller, buyer, assetName, quantity, unitPrice, now)
	if err != nil {
		return "", errs.Internal(err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trade_transactions (txid, seller, buyer, asset, quantity, unit_price, tx_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, txid, seller, buyer, assetName, quantity, unitPrice, now); err != nil {
		return "", errs.Internal(err)
	}
	if err := tx.Commit(); err != nil {
		return "", errs.Internal(err)
	}

	e.log.Info().
		Str("txid", txid).
		Str("asset", assetName).
		Str("quantity", fixedpoint.Format(quantity)).
		Msg("trade settled")
	return txid, nil
}

// transferID hashes the canonical transfer content. encoding/json sorts
// map keys, so the same receivers always produce the same digest.
func transferID(sender string, receivers map[string]int64, assetName string, total int64, at time.Time) (string, error) {
	content, err := json.Marshal(map[string]any{
		"sender":       sender,
		"receivers":    receivers,
		"asset":        assetName,
		"total_amount": total,
		"tx_time":      at.UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(content)
	return TransferIDPrefix + hex.EncodeToString(sum[:]), nil
}

func tradeID(seller, buyer, assetName string, quantity, unitPrice int64, at time.Time) (string, error) {
	content, err := json.Marshal(map[string]any{
		"seller":     seller,
		"buyer":      buyer,
		"asset":      assetName,
		"quantity":   quantity,
		"unit_price": unitPrice,
		"tx_time":    at.UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(content)
	return TradeIDPrefix + hex.EncodeToString(sum[:]), nil
}
