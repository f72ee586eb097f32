package keychain

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// AddressFor encodes the compressed public key as a pay-to-pubkey-hash
// address on the given network.
func AddressFor(pub *btcec.PublicKey,
	params *chaincfg.Params) (*btcutil.AddressPubKeyHash, error) {

	return btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pub.SerializeCompressed()), params,
	)
}

// PkScriptFor returns the output script paying to the key.
func PkScriptFor(pub *btcec.PublicKey, params *chaincfg.Params) ([]byte,
	error) {

	addr, err := AddressFor(pub, params)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}
