// Package chain specifies the contracts of the external blockchain
// collaborators. The settlement engine only ever sees these interfaces;
// wire-level protocol details stay behind them.
package chain

import (
	"context"
	"fmt"
)

// TxInput is one input of an on-chain transaction.
type TxInput struct {
	Address string `json:"address"`
}

// TxOutput is one output of an on-chain transaction. Amount is in the
// ledger's 8-decimal fixed-point units.
type TxOutput struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
}

// CoinTx is a native-coin transaction as reported by the chain.
type CoinTx struct {
	TxID          string     `json:"txid"`
	Inputs        []TxInput  `json:"inputs"`
	Outputs       []TxOutput `json:"outputs"`
	BlockHeight   int64      `json:"block_height"`
	Confirmations int64      `json:"confirmations"`
}

// TokenTx is a token-layer transaction: a payload riding on a coin
// transaction. Type/TransferKind describe the payload, Coin carries the
// underlying native-coin movement.
type TokenTx struct {
	Type         string `json:"type"`
	TransferKind string `json:"transfer_kind"`
	TokenID      string `json:"token_id"`
	TokenAmount  int64  `json:"token_amount"`
	Coin         CoinTx `json:"coin"`
}

// CoinClient is the native-coin chain collaborator.
type CoinClient interface {
	// GetTransaction looks up a transaction by id. A transaction the
	// chain does not know yet is an error, not an empty result.
	GetTransaction(ctx context.Context, txid string) (*CoinTx, error)

	// Broadcast signs and sends amount from the key's address to
	// toAddress, returning the new transaction id.
	Broadcast(ctx context.Context, fromKey, toAddress string, amount int64, memo string) (string, error)
}

// TokenClient is the token-layer chain collaborator.
type TokenClient interface {
	GetTransaction(ctx context.Context, txid string) (*TokenTx, error)
	SendToken(ctx context.Context, fromKey string, amount int64, toAddress, memo, tokenID string) (string, error)
}

// VerifyError classifies a deposit verification failure. Permanent
// failures reject the claim; retryable ones leave it pending for the
// next reconciliation pass.
type VerifyError struct {
	Permanent bool
	Reason    string
}

func (e *VerifyError) Error() string {
	mode := "retryable"
	if e.Permanent {
		mode = "permanent"
	}
	return fmt.Sprintf("verification failed (%s): %s", mode, e.Reason)
}

// Rejected builds a permanent verification failure.
func Rejected(format string, args ...any) *VerifyError {
	return &VerifyError{Permanent: true, Reason: fmt.Sprintf(format, args...)}
}

// Retry builds a retryable verification failure.
func Retry(format string, args ...any) *VerifyError {
	return &VerifyError{Permanent: false, Reason: fmt.Sprintf(format, args...)}
}

const (
	addrMinLen = 26
	addrMaxLen = 34
)

// ValidateAddress checks the syntactic shape of a chain address:
// base58 alphabet (no 0, O, I, l) and the usual length band.
func ValidateAddress(addr string) bool {
	if len(addr) < addrMinLen || len(addr) > addrMaxLen {
		return false
	}
	for _, c := range addr {
		switch {
		case c >= '1' && c <= '9':
		case c >= 'a' && c <= 'z' && c != 'l':
		case c >= 'A' && c <= 'Z' && c != 'I' && c != 'O':
		default:
			return false
		}
	}
	return true
}
