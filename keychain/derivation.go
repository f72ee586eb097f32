package keychain

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// BIP0044Purpose is the purpose field of the BIP44 derivation path
	// every wallet key is derived under.
	BIP0044Purpose = 44

	// DefaultAccount is the only account a wallet derives keys for.
	DefaultAccount = 0

	// ExternalBranch is the receive branch of the account. Change is sent
	// back to the source key, so the internal branch is never used.
	ExternalBranch = 0
)

var (
	// ErrCannotDerivePrivKey is returned when a private key is requested
	// from a key ring that only carries public material.
	ErrCannotDerivePrivKey = errors.New("unable to derive private key")

	// ErrWrongNetwork is returned when an extended key is loaded for a
	// different network than the one the ring was asked for.
	ErrWrongNetwork = errors.New("extended key is for a different network")
)

// KeyLocator identifies a key within the wallet's external branch. The full
// derivation path of a key is
//
//   - m/44'/coinType'/0'/0/index
type KeyLocator struct {
	// Index is the child index of the key within the external branch.
	Index uint32
}

// KeyDescriptor wraps a KeyLocator and also optionally includes a public key.
// Either the KeyLocator must be non-empty, or the public key pointer be
// non-nil.
type KeyDescriptor struct {
	// KeyLocator is the internal KeyLocator of the descriptor.
	KeyLocator

	// PubKey is an optional public key that fully describes a target key.
	PubKey *btcec.PublicKey
}

// KeyRing is the primary interface that will be used to perform public
// derivation of various keys used within the wallet.
type KeyRing interface {
	// DeriveKey attempts to derive an arbitrary key specified by the
	// passed KeyLocator.
	DeriveKey(keyLoc KeyLocator) (KeyDescriptor, error)
}

// SecretKeyRing is a ring similar to the regular KeyRing interface, but it is
// also able to derive *private keys*. As this is a super-set of the regular
// KeyRing, we also expose the public derivation methods.
type SecretKeyRing interface {
	KeyRing

	// DerivePrivKey attempts to derive the private key that corresponds to
	// the passed key locator.
	DerivePrivKey(keyLoc KeyLocator) (*btcec.PrivateKey, error)
}

// CoinType returns the BIP44 coin type for the network.
func CoinType(params *chaincfg.Params) uint32 {
	return params.HDCoinType
}

// AccountPath returns the hardened path of the wallet account.
func AccountPath(params *chaincfg.Params) []uint32 {
	return []uint32{
		hdkeychain.HardenedKeyStart + BIP0044Purpose,
		hdkeychain.HardenedKeyStart + CoinType(params),
		hdkeychain.HardenedKeyStart + DefaultAccount,
	}
}
