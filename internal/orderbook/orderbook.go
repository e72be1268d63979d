// Package orderbook owns the open order rows. An order's quantity is an
// implicit hold against the owner's balance: sell orders hold the asset,
// buy orders hold quantity×limit_price of the base currency. The hold is
// computed live by the ledger, so deleting the row releases it.
package orderbook

import (
	"context"
	"database/sql"
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

type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// Order is one open order row.
type Order struct {
	ID         int64     `json:"id"`
	Account    string    `json:"account"`
	Asset      string    `json:"asset"`
	Quantity   int64     `json:"quantity"`
	LimitPrice int64     `json:"limit_price"`
	PlacedAt   time.Time `json:"placed_at"`
}

// Book places, cancels and lists orders.
type Book struct {
	db      *sql.DB
	ledger  *ledger.AccountLedger
	quota   *quota.Registry
	assets  *asset.Registry
	pub     *events.Publisher
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewBook(
	db *sql.DB,
	l *ledger.AccountLedger,
	q *quota.Registry,
	assets *asset.Registry,
	pub *events.Publisher,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Book {
	return &Book{db: db, ledger: l, quota: q, assets: assets, pub: pub, metrics: metrics, log: log}
}

func (b *Book) validate(account, assetName string, quantity, limitPrice int64) error {
	if !chain.ValidateAddress(account) {
		return errs.New(errs.KindValidation, "invalid account address")
	}
	if quantity <= 0 {
		return errs.New(errs.KindValidation, "quantity must be positive")
	}
	if limitPrice <= 0 {
		return errs.New(errs.KindValidation, "price must be positive")
	}
	if !b.assets.IsTradable(assetName) {
		return errs.New(errs.KindValidation, "asset %s is not tradable", assetName)
	}
	return nil
}

// PlaceSell lists quantity of assetName at limitPrice. The availability
// and quota checks and the insert run in one transaction that locks the
// seller's asset balance row first, so two concurrent placements cannot
// both pass the same availability check.
func (b *Book) PlaceSell(ctx context.Context, account, assetName string, quantity, limitPrice int64) (int64, error) {
	if err := b.validate(account, assetName, quantity, limitPrice); err != nil {
		b.countRejected(SideSell, err)
		return 0, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Internal(err)
	}
	defer tx.Rollback()

	if err := b.ledger.Lock(ctx, tx, account, assetName); err != nil {
		return 0, err
	}
	if err := b.ledger.CheckAvailable(ctx, tx, account, assetName, quantity); err != nil {
		b.countRejected(SideSell, err)
		return 0, err
	}
	if err := b.quota.CheckSellRequirement(ctx, tx, account, assetName, quantity); err != nil {
		b.countRejected(SideSell, err)
		return 0, err
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO sell_orders (account, asset, quantity, limit_price)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, account, assetName, quantity, limitPrice).Scan(&id)
	if err != nil {
		return 0, errs.Internal(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Internal(err)
	}

	b.metrics.OrdersPlaced.WithLabelValues(string(SideSell), assetName).Inc()
	b.log.Info().
		Str("account", account).
		Str("asset", assetName).
		Int64("order_id", id).
		Str("quantity", fixedpoint.Format(quantity)).
		Msg("sell order placed")
	b.pub.Publish(ctx, events.TypeOrderPlaced, map[string]any{
		"side": SideSell, "order_id": id, "account": account,
		"asset": assetName, "quantity": quantity, "limit_price": limitPrice,
	})
	return id, nil
}

// PlaceBuy lists a bid for quantity of assetName at limitPrice, holding
// quantity×limitPrice of the base currency.
func (b *Book) PlaceBuy(ctx context.Context, account, assetName string, quantity, limitPrice int64) (int64, error) {
	if err := b.validate(account, assetName, quantity, limitPrice); err != nil {
		b.countRejected(SideBuy, err)
		return 0, err
	}
	cost, err := fixedpoint.Mul(quantity, limitPrice)
	if err != nil {
		return 0, errs.New(errs.KindValidation, "order value out of range")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Internal(err)
	}
	defer tx.Rollback()

	base := b.assets.BaseCurrency()
	if err := b.ledger.Lock(ctx, tx, account, base); err != nil {
		return 0, err
	}
	if err := b.ledger.CheckAvailable(ctx, tx, account, base, cost); err != nil {
		b.countRejected(SideBuy, err)
		return 0, err
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO buy_orders (account, asset, quantity, limit_price)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, account, assetName, quantity, limitPrice).Scan(&id)
	if err != nil {
		return 0, errs.Internal(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Internal(err)
	}

	b.metrics.OrdersPlaced.WithLabelValues(string(SideBuy), assetName).Inc()
	b.log.Info().
		Str("account", account).
		Str("asset", assetName).
		Int64("order_id", id).
		Str("quantity", fixedpoint.Format(quantity)).
		Msg("buy order placed")
	b.pub.Publish(ctx, events.TypeOrderPlaced, map[string]any{
		"side": SideBuy, "order_id": id, "account": account,
		"asset": assetName, "quantity": quantity, "limit_price": limitPrice,
	})
	return id, nil
}

// Cancel removes the order if account owns it. The implicit hold is
// released by the row disappearing.
func (b *Book) Cancel(ctx context.Context, side Side, id int64, account string) error {
	table, err := tableFor(side)
	if err != nil {
		return err
	}

	var owner string
	err = b.db.QueryRowContext(ctx,
		`SELECT account FROM `+table+` WHERE id = $1`, id,
	).Scan(&owner)
	if err == sql.ErrNoRows {
		return errs.New(errs.KindNotFound, "order not found")
	}
	if err != nil {
		return errs.Internal(err)
	}
	if owner != account {
		return errs.New(errs.KindNotOwner, "order does not belong to this account")
	}

	res, err := b.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE id = $1 AND account = $2`, id, account)
	if err != nil {
		return errs.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Deleted or matched between the read and the delete.
		return errs.New(errs.KindNotFound, "order not found")
	}

	b.metrics.OrdersCancelled.WithLabelValues(string(side)).Inc()
	b.log.Info().Str("side", string(side)).Int64("order_id", id).Msg("order cancelled")
	b.pub.Publish(ctx, events.TypeOrderCancelled, map[string]any{
		"side": side, "order_id": id, "account": account,
	})
	return nil
}

// ListSellOrders returns open sell orders for an asset, oldest first.
func (b *Book) ListSellOrders(ctx context.Context, assetName string) ([]Order, error) {
	return b.list(ctx, "sell_orders", `asset = $1`, assetName)
}

// ListBuyOrders returns open buy orders for an asset, oldest first.
func (b *Book) ListBuyOrders(ctx context.Context, assetName string) ([]Order, error) {
	return b.list(ctx, "buy_orders", `asset = $1`, assetName)
}

// AccountOrders returns one side's open orders for an account.
func (b *Book) AccountOrders(ctx context.Context, side Side, account string) ([]Order, error) {
	table, err := tableFor(side)
	if err != nil {
		return nil, err
	}
	return b.list(ctx, table, `account = $1`, account)
}

func (b *Book) list(ctx context.Context, table, where string, arg any) ([]Order, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, account, asset, quantity, limit_price, placed_at
		FROM `+table+` WHERE `+where+` ORDER BY placed_at, id
	`, arg)
	if err != nil {
		return nil, errs.Internal(err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.Account, &o.Asset, &o.Quantity, &o.LimitPrice, &o.PlacedAt); err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}

func (b *Book) countRejected(side Side, err error) {
	b.metrics.OrdersRejected.WithLabelValues(string(side), errs.KindOf(err).String()).Inc()
}

func tableFor(side Side) (string, error) {
	switch side {
	case SideSell:
		return "sell_orders", nil
	case SideBuy:
		return "buy_orders", nil
	default:
		return "", errs.New(errs.KindValidation, "unknown order side %q", side)
	}
}
