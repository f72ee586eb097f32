package keychain

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PrivKeyDigestSigner signs digests with a single private key.
type PrivKeyDigestSigner struct {
	PrivKey *btcec.PrivateKey
}

// PubKey returns the public key of the signer.
func (p *PrivKeyDigestSigner) PubKey() *btcec.PublicKey {
	return p.PrivKey.PubKey()
}

// SignDigest signs the given SHA256 message digest with the private key and
// returns the ECDSA signature.
func (p *PrivKeyDigestSigner) SignDigest(digest [32]byte) *ecdsa.Signature {
	return ecdsa.Sign(p.PrivKey, digest[:])
}

// InputSigner produces the unlocking script of a single transaction input.
type InputSigner interface {
	// SignInput returns the signature script for input idx of tx that
	// spends an output locked by prevPkScript.
	SignInput(tx *wire.MsgTx, idx int, prevPkScript []byte,
		privKey *btcec.PrivateKey) ([]byte, error)
}

// P2PKHSigner signs pay-to-pubkey-hash inputs with SIGHASH_ALL and a
// compressed public key.
type P2PKHSigner struct{}

// A compile time check to ensure P2PKHSigner implements the InputSigner
// interface.
var _ InputSigner = (*P2PKHSigner)(nil)

// SignInput returns the signature script for input idx of tx that spends an
// output locked by prevPkScript.
//
// NOTE: This is part of the keychain.InputSigner interface.
func (P2PKHSigner) SignInput(tx *wire.MsgTx, idx int, prevPkScript []byte,
	privKey *btcec.PrivateKey) ([]byte, error) {

	return txscript.SignatureScript(
		tx, idx, prevPkScript, txscript.SigHashAll, privKey, true,
	)
}
