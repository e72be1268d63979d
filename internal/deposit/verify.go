package deposit

import (
	"SettleCore/internal/asset"
	"SettleCore/internal/chain"
)

// VerifyCoinDeposit applies the claim rules to a fetched coin
// transaction and returns the creditable amount: the sum of outputs paid
// to the exchange's sink address.
//
// Permanent failures (wrong sender, foreign inputs, wrong receiver)
// reject the claim. A transaction that is not yet block-included or
// confirmed is a retryable non-result.
func VerifyCoinDeposit(tx *chain.CoinTx, sender, sink string) (int64, *chain.VerifyError) {
	var fromSender int
	for _, in := range tx.Inputs {
		if in.Address == sender {
			fromSender++
		}
	}
	if fromSender == 0 {
		return 0, chain.Rejected("transaction not sent by the sender")
	}
	if fromSender != len(tx.Inputs) {
		return 0, chain.Rejected("transaction inputs contain other addresses")
	}
	if tx.BlockHeight == 0 {
		return 0, chain.Retry("transaction not included in any block yet")
	}
	if tx.Confirmations == 0 {
		return 0, chain.Retry("transaction not confirmed yet")
	}

	var amount int64
	for _, out := range tx.Outputs {
		if out.Address == sink {
			amount += out.Amount
		}
	}
	if amount == 0 {
		return 0, chain.Rejected("transaction receiver is not the exchange")
	}
	return amount, nil
}

// VerifyTokenDeposit applies the claim rules to a fetched token
// transaction. It returns the token id, the token amount, and the
// native-coin amount that rode along to the sink address.
//
// The payload must be a token transfer of an authorised token, sent (at
// least in part) by the claimed sender, with coin value reaching the
// sink. Unlike coin deposits, no confirmation depth is required.
func VerifyTokenDeposit(tx *chain.TokenTx, sender, sink string, assets *asset.Registry) (string, int64, int64, *chain.VerifyError) {
	if tx.Type != "transfer" {
		return "", 0, 0, chain.Rejected("transaction type not 'transfer'")
	}
	if tx.TransferKind != "token" {
		return "", 0, 0, chain.Rejected("transaction transfer is not 'token'")
	}
	token := tx.TokenID
	if token == assets.NativeCoin() || (!assets.IsTradable(token) && token != assets.BaseCurrency()) {
		return "", 0, 0, chain.Rejected("token not authorised")
	}

	var fromSender bool
	for _, in := range tx.Coin.Inputs {
		if in.Address == sender {
			fromSender = true
			break
		}
	}
	if !fromSender {
		return "", 0, 0, chain.Rejected("transaction not sent by the sender")
	}

	var coinAmount int64
	for _, out := range tx.Coin.Outputs {
		if out.Address == sink {
			coinAmount += out.Amount
		}
	}
	if coinAmount == 0 {
		return "", 0, 0, chain.Rejected("transaction receiver is not the exchange")
	}
	return token, tx.TokenAmount, coinAmount, nil
}
