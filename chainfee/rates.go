package chainfee

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

// SatPerKVByte represents a fee rate in sat/kb. The size is the serialized
// size of the transaction in bytes since the wallet only builds legacy
// transactions.
type SatPerKVByte btcutil.Amount

// FeeForSize calculates the fee resulting from this fee rate and the given
// serialized transaction size in bytes.
func (s SatPerKVByte) FeeForSize(size int) btcutil.Amount {
	return txrules.FeeForSerializeSize(btcutil.Amount(s), size)
}

// IsDust reports whether an output of amt with a script of scriptSize bytes
// would be uneconomical to spend at this fee rate.
func (s SatPerKVByte) IsDust(amt btcutil.Amount, scriptSize int) bool {
	out := wire.NewTxOut(int64(amt), make([]byte, scriptSize))

	return txrules.IsDustOutput(out, btcutil.Amount(s))
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return fmt.Sprintf("%v sat/kb", int64(s))
}
