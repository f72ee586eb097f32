package sendcoins

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/hdwallet/chainfee"
	"github.com/lightningnetwork/hdwallet/wallet"
)

// selection is the outcome of a successful coin selection.
type selection struct {
	// coins are the outputs to spend, largest first.
	coins []wallet.Utxo

	// total is the value of coins.
	total btcutil.Amount

	// fee is what the transaction pays to miners, including any change
	// too small to be worth an output.
	fee btcutil.Amount

	// change is the value of the change output, zero if there is none.
	change btcutil.Amount
}

// selectCoins adds coins, largest first, until they pay for the outputs and
// the fee of the resulting transaction. A change output is added if what is
// left over is not dust, otherwise the remainder goes to the fee. Every input
// is assumed to spend a compressed P2PKH output.
func selectCoins(coins []wallet.Utxo, outputs []*wire.TxOut,
	rate chainfee.SatPerKVByte) (*selection, error) {

	var amt btcutil.Amount
	for _, out := range outputs {
		amt += btcutil.Amount(out.Value)
	}

	var total btcutil.Amount
	for i, coin := range coins {
		total += coin.Value
		numInputs := i + 1

		feeNoChange := rate.FeeForSize(
			txsizes.EstimateSerializeSize(numInputs, outputs, false),
		)
		if total < amt+feeNoChange {
			continue
		}

		sel := &selection{
			coins: coins[:numInputs],
			total: total,
			fee:   total - amt,
		}

		feeWithChange := rate.FeeForSize(
			txsizes.EstimateSerializeSize(numInputs, outputs, true),
		)
		change := total - amt - feeWithChange

		// Change below the dust limit of the relay fee is left to
		// the miners.
		if change > 0 && !chainfee.MinimumFeePerKB.IsDust(
			change, txsizes.P2PKHPkScriptSize,
		) {

			sel.change = change
			sel.fee = feeWithChange
		}

		return sel, nil
	}

	minFee := rate.FeeForSize(
		txsizes.EstimateSerializeSize(max(len(coins), 1), outputs, false),
	)

	return nil, fmt.Errorf("%w: need %v plus a fee of at least %v, "+
		"have %v", ErrInsufficientFunds, amt, minFee, total)
}
