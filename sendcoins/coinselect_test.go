package sendcoins

import (
	"sort"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/hdwallet/chainfee"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var p2pkhScript = append(
	append([]byte{0x76, 0xa9, 0x14}, make([]byte, 20)...), 0x88, 0xac,
)

func coinsOf(values ...int64) []wallet.Utxo {
	coins := make([]wallet.Utxo, 0, len(values))
	for i, v := range values {
		coins = append(coins, wallet.Utxo{
			OutPoint: wire.OutPoint{
				Hash:  chainhash.Hash{byte(i + 1)},
				Index: uint32(i),
			},
			Value:    btcutil.Amount(v),
			PkScript: p2pkhScript,
			Height:   1,
		})
	}

	return coins
}

// TestSelectCoins covers change creation and the dust cutoff.
func TestSelectCoins(t *testing.T) {
	t.Parallel()

	rate := chainfee.DefaultFeePerKB
	outputs := []*wire.TxOut{wire.NewTxOut(100_000, p2pkhScript)}
	feeNoChange := rate.FeeForSize(
		txsizes.EstimateSerializeSize(1, outputs, false),
	)
	feeWithChange := rate.FeeForSize(
		txsizes.EstimateSerializeSize(1, outputs, true),
	)

	tests := []struct {
		name      string
		coins     []wallet.Utxo
		numCoins  int
		fee       btcutil.Amount
		change    btcutil.Amount
		expectErr error
	}{
		{
			name:     "change output",
			coins:    coinsOf(1_000_000, 200_000),
			numCoins: 1,
			fee:      feeWithChange,
			change:   1_000_000 - 100_000 - feeWithChange,
		},
		{
			name:     "exact amount",
			coins:    coinsOf(100_000 + int64(feeNoChange)),
			numCoins: 1,
			fee:      feeNoChange,
		},
		{
			name: "dust change goes to fee",
			coins: coinsOf(
				100_000 + int64(feeWithChange) + 100,
			),
			numCoins: 1,
			fee:      feeWithChange + 100,
		},
		{
			name:     "two coins needed",
			coins:    coinsOf(60_000, 50_000),
			numCoins: 2,
		},
		{
			name:      "not enough for the fee",
			coins:     coinsOf(100_000),
			expectErr: ErrInsufficientFunds,
		},
		{
			name:      "no coins",
			expectErr: ErrInsufficientFunds,
		},
	}

	for _, test := range tests {
		sel, err := selectCoins(test.coins, outputs, rate)
		if test.expectErr != nil {
			require.ErrorIs(t, err, test.expectErr, test.name)
			continue
		}
		require.NoError(t, err, test.name)
		require.Len(t, sel.coins, test.numCoins, test.name)

		if test.fee != 0 {
			require.Equal(t, test.fee, sel.fee, test.name)
			require.Equal(t, test.change, sel.change, test.name)
		}
	}
}

// TestSelectCoinsProperty checks the amounts of every selection balance and
// that a failed selection really lacks the funds.
func TestSelectCoinsProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		values := rapid.SliceOfN(
			rapid.Int64Range(1, 10_000_000), 0, 10,
		).Draw(t, "values")
		amt := rapid.Int64Range(546, 20_000_000).Draw(t, "amt")
		rate := chainfee.Normalise(
			rapid.Int64Range(0, 100_000).Draw(t, "rate"),
		)

		coins := coinsOf(values...)
		sort.Slice(coins, func(i, j int) bool {
			return coins[i].Value > coins[j].Value
		})
		outputs := []*wire.TxOut{wire.NewTxOut(amt, p2pkhScript)}

		sel, err := selectCoins(coins, outputs, rate)
		if err != nil {
			require.ErrorIs(t, err, ErrInsufficientFunds)

			var total btcutil.Amount
			for _, c := range coins {
				total += c.Value
			}
			minFee := rate.FeeForSize(txsizes.EstimateSerializeSize(
				max(len(coins), 1), outputs, false,
			))
			require.Less(t, total, btcutil.Amount(amt)+minFee)

			return
		}

		var total btcutil.Amount
		for _, c := range sel.coins {
			total += c.Value
		}
		require.Equal(t, total, sel.total)
		require.Equal(t, sel.total, btcutil.Amount(amt)+sel.fee+sel.change)

		minFee := rate.FeeForSize(txsizes.EstimateSerializeSize(
			len(sel.coins), outputs, sel.change > 0,
		))
		require.GreaterOrEqual(t, sel.fee, minFee)

		if sel.change > 0 {
			require.False(t, chainfee.MinimumFeePerKB.IsDust(
				sel.change, txsizes.P2PKHPkScriptSize,
			))
		}
	})
}
