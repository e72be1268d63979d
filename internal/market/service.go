// Package market is the read facade over the settlement stores: balance
// views, account summaries and transaction lookups, shaped the way the
// request layer serves them.
package market

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"SettleCore/internal/asset"
	"SettleCore/internal/chain"
	"SettleCore/internal/errs"
	"SettleCore/internal/fixedpoint"
	"SettleCore/internal/ledger"
	"SettleCore/internal/orderbook"
	"SettleCore/internal/transfer"
)

// BalanceView is the answer to any of the three balance queries.
// Exactly one of Balance / Balances is set: Balance for the
// (account, asset) point query, Balances keyed by asset for an
// account-wide query and by account for an asset-wide query.
type BalanceView struct {
	Account  string            `json:"account,omitempty"`
	Asset    string            `json:"asset,omitempty"`
	Balance  string            `json:"balance,omitempty"`
	Balances map[string]string `json:"balances,omitempty"`
}

// TradeRecord is one settled match.
type TradeRecord struct {
	TxID      string    `json:"txid"`
	Seller    string    `json:"seller"`
	Buyer     string    `json:"buyer"`
	Asset     string    `json:"asset"`
	Quantity  int64     `json:"quantity"`
	UnitPrice int64     `json:"unit_price"`
	Time      time.Time `json:"tx_time"`
}

// TransferRecord is one settled internal transfer.
type TransferRecord struct {
	TxID      string           `json:"txid"`
	Sender    string           `json:"sender"`
	Receivers map[string]int64 `json:"receivers"`
	Asset     string           `json:"asset"`
	Total     int64            `json:"total_amount"`
	Time      time.Time        `json:"tx_time"`
}

// TransactionDetails is the prefix-dispatched lookup result; exactly one
// of Trade / Transfer is set, matching Type.
type TransactionDetails struct {
	Type     string          `json:"type"`
	Trade    *TradeRecord    `json:"trade,omitempty"`
	Transfer *TransferRecord `json:"transfer,omitempty"`
}

// AccountSummary aggregates everything the exchange knows about one
// account, each part from its own named query.
type AccountSummary struct {
	Account    string            `json:"account"`
	Time       time.Time         `json:"time"`
	Balances   map[string]string `json:"balances"`
	SellOrders []orderbook.Order `json:"sell_orders"`
	BuyOrders  []orderbook.Order `json:"buy_orders"`
	Trades     []TradeRecord     `json:"trades"`
	Transfers  []TransferRecord  `json:"transfers"`
}

// Service serves the read surface.
type Service struct {
	db     *sql.DB
	ledger *ledger.AccountLedger
	book   *orderbook.Book
	assets *asset.Registry
	log    zerolog.Logger
}

func NewService(db *sql.DB, l *ledger.AccountLedger, book *orderbook.Book, assets *asset.Registry, log zerolog.Logger) *Service {
	return &Service{db: db, ledger: l, book: book, assets: assets, log: log}
}

// GetBalance answers all three balance query shapes. account and asset
// are each optional but at least one is required.
func (s *Service) GetBalance(ctx context.Context, account, assetName string) (*BalanceView, error) {
	if account != "" && !chain.ValidateAddress(account) {
		return nil, errs.New(errs.KindValidation, "invalid account (%s)", account)
	}
	if assetName != "" && !s.assets.IsKnown(assetName) {
		return nil, errs.New(errs.KindValidation, "invalid asset (%s)", assetName)
	}

	switch {
	case account != "" && assetName != "":
		total, err := s.ledger.TotalBalance(ctx, s.db, account, assetName)
		if err != nil {
			return nil, err
		}
		return &BalanceView{
			Account: account,
			Asset:   assetName,
			Balance: fixedpoint.Format(total),
		}, nil

	case account != "":
		rows, err := s.ledger.AccountBalances(ctx, s.db, account)
		if err != nil {
			return nil, err
		}
		return &BalanceView{Account: account, Balances: formatAll(rows)}, nil

	case assetName != "":
		rows, err := s.ledger.AssetBalances(ctx, s.db, assetName)
		if err != nil {
			return nil, err
		}
		return &BalanceView{Asset: assetName, Balances: formatAll(rows)}, nil

	default:
		return nil, errs.New(errs.KindValidation, "missing parameters: requires at least one of (account, asset)")
	}
}

// GetAccountSummary assembles the account's balances, open orders and
// settlement history.
func (s *Service) GetAccountSummary(ctx context.Context, account string) (*AccountSummary, error) {
	if !chain.ValidateAddress(account) {
		return nil, errs.New(errs.KindValidation, "invalid account (%s)", account)
	}

	balances, err := s.ledger.AccountBalances(ctx, s.db, account)
	if err != nil {
		return nil, err
	}
	sells, err := s.book.AccountOrders(ctx, orderbook.SideSell, account)
	if err != nil {
		return nil, err
	}
	buys, err := s.book.AccountOrders(ctx, orderbook.SideBuy, account)
	if err != nil {
		return nil, err
	}
	trades, err := s.accountTrades(ctx, account)
	if err != nil {
		return nil, err
	}
	transfers, err := s.accountTransfers(ctx, account)
	if err != nil {
		return nil, err
	}

	return &AccountSummary{
		Account:    account,
		Time:       time.Now().UTC(),
		Balances:   formatAll(balances),
		SellOrders: sells,
		BuyOrders:  buys,
		Trades:     trades,
		Transfers:  transfers,
	}, nil
}

// GetTransaction looks a settlement record up by id, dispatching on the
// id prefix.
func (s *Service) GetTransaction(ctx context.Context, txid string) (*TransactionDetails, error) {
	switch {
	case strings.HasPrefix(txid, transfer.TransferIDPrefix):
		rec, err := s.transferByID(ctx, txid)
		if err != nil {
			return nil, err
		}
		return &TransactionDetails{Type: "transfer", Transfer: rec}, nil

	case strings.HasPrefix(txid, transfer.TradeIDPrefix):
		rec, err := s.tradeByID(ctx, txid)
		if err != nil {
			return nil, err
		}
		return &TransactionDetails{Type: "trade", Trade: rec}, nil

	default:
		return nil, errs.New(errs.KindValidation, "invalid transaction id")
	}
}

func (s *Service) transferByID(ctx context.Context, txid string) (*TransferRecord, error) {
	var rec TransferRecord
	var receiversJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT txid, sender, receivers, asset, total_amount, tx_time
		FROM transfer_transactions WHERE txid = $1
	`, txid).Scan(&rec.TxID, &rec.Sender, &receiversJSON, &rec.Asset, &rec.Total, &rec.Time)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "transaction not found")
	}
	if err != nil {
		return nil, errs.Internal(err)
	}
	if err := json.Unmarshal(receiversJSON, &rec.Receivers); err != nil {
		return nil, errs.Internal(err)
	}
	return &rec, nil
}

func (s *Service) tradeByID(ctx context.Context, txid string) (*TradeRecord, error) {
	var rec TradeRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT txid, seller, buyer, asset, quantity, unit_price, tx_time
		FROM trade_transactions WHERE txid = $1
	`, txid).Scan(&rec.TxID, &rec.Seller, &rec.Buyer, &rec.Asset, &rec.Quantity, &rec.UnitPrice, &rec.Time)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "transaction not found")
	}
	if err != nil {
		return nil, errs.Internal(err)
	}
	return &rec, nil
}

func (s *Service) accountTrades(ctx context.Context, account string) ([]TradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT txid, seller, buyer, asset, quantity, unit_price, tx_time
		FROM trade_transactions
		WHERE seller = $1 OR buyer = $1
		ORDER BY tx_time
	`, account)
	if err != nil {
		return nil, errs.Internal(err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var rec TradeRecord
		if err := rows.Scan(&rec.TxID, &rec.Seller, &rec.Buyer, &rec.Asset, &rec.Quantity, &rec.UnitPrice, &rec.Time); err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}

func (s *Service) accountTransfers(ctx context.Context, account string) ([]TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT txid, sender, receivers, asset, total_amount, tx_time
		FROM transfer_transactions
		WHERE sender = $1 OR receivers ? $1
		ORDER BY tx_time
	`, account)
	if err != nil {
		return nil, errs.Internal(err)
	}
	defer rows.Close()

	var out []TransferRecord
	for rows.Next() {
		var rec TransferRecord
		var receiversJSON []byte
		if err := rows.Scan(&rec.TxID, &rec.Sender, &receiversJSON, &rec.Asset, &rec.Total, &rec.Time); err != nil {
			return nil, errs.Internal(err)
		}
		if err := json.Unmarshal(receiversJSON, &rec.Receivers); err != nil {
			return nil, errs.Internal(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Internal(err)
	}
	return out, nil
}

func formatAll(raw map[string]int64) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fixedpoint.Format(v)
	}
	return out
}
