package chain

import (
	"context"

	"SettleCore/internal/observability"
)

// InstrumentCoin wraps a CoinClient with call counters and latency
// histograms, labelled client="coin".
func InstrumentCoin(c CoinClient, m *observability.Metrics) CoinClient {
	return &instrumentedCoin{next: c, m: m}
}

// InstrumentToken wraps a TokenClient the same way, labelled client="token".
func InstrumentToken(c TokenClient, m *observability.Metrics) TokenClient {
	return &instrumentedToken{next: c, m: m}
}

type instrumentedCoin struct {
	next CoinClient
	m    *observability.Metrics
}

func (c *instrumentedCoin) GetTransaction(ctx context.Context, txid string) (*CoinTx, error) {
	done := c.m.ObserveChainCall("coin", "get_transaction")
	tx, err := c.next.GetTransaction(ctx, txid)
	done(err)
	return tx, err
}

func (c *instrumentedCoin) Broadcast(ctx context.Context, fromKey, toAddress string, amount int64, memo string) (string, error) {
	done := c.m.ObserveChainCall("coin", "broadcast")
	txid, err := c.next.Broadcast(ctx, fromKey, toAddress, amount, memo)
	done(err)
	return txid, err
}

type instrumentedToken struct {
	next TokenClient
	m    *observability.Metrics
}

func (c *instrumentedToken) GetTransaction(ctx context.Context, txid string) (*TokenTx, error) {
	done := c.m.ObserveChainCall("token", "get_transaction")
	tx, err := c.next.GetTransaction(ctx, txid)
	done(err)
	return tx, err
}

func (c *instrumentedToken) SendToken(ctx context.Context, fromKey string, amount int64, toAddress, memo, tokenID string) (string, error) {
	done := c.m.ObserveChainCall("token", "send_token")
	txid, err := c.next.SendToken(ctx, fromKey, amount, toAddress, memo, tokenID)
	done(err)
	return txid, err
}
