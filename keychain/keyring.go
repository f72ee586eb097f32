package keychain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// ErrInvalidSeed is returned when the seed length is outside the range
// allowed for a master key.
var ErrInvalidSeed = errors.New("invalid seed")

// HDKeyRing derives the wallet keys below the BIP44 external branch of a
// single account. A ring created from a seed or an extended private key is
// able to derive private keys, a neutered ring only public ones.
type HDKeyRing struct {
	params *chaincfg.Params

	// masterPub is only known when the ring was created from the seed.
	masterPub *btcec.PublicKey

	account *hdkeychain.ExtendedKey
	branch  *hdkeychain.ExtendedKey
}

// A compile time check to ensure HDKeyRing implements the SecretKeyRing
// interface.
var _ SecretKeyRing = (*HDKeyRing)(nil)

// NewHDKeyRing derives the account of the wallet from the seed.
func NewHDKeyRing(seed []byte, params *chaincfg.Params) (*HDKeyRing, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		if errors.Is(err, hdkeychain.ErrInvalidSeedLen) ||
			errors.Is(err, hdkeychain.ErrUnusableSeed) {

			return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
		}

		return nil, err
	}
	defer master.Zero()

	masterPub, err := master.ECPubKey()
	if err != nil {
		return nil, err
	}

	account := master
	for _, idx := range AccountPath(params) {
		account, err = account.Derive(idx)
		if err != nil {
			return nil, err
		}
	}

	ring, err := newRing(account, params)
	if err != nil {
		return nil, err
	}
	ring.masterPub = masterPub

	log.Debugf("Derived key ring for account m/44'/%d'/%d'",
		CoinType(params), DefaultAccount)

	return ring, nil
}

// NewHDKeyRingFromAccount restores a ring from a serialized extended account
// key, either public or private.
func NewHDKeyRingFromAccount(accountKey string,
	params *chaincfg.Params) (*HDKeyRing, error) {

	account, err := hdkeychain.NewKeyFromString(accountKey)
	if err != nil {
		return nil, err
	}
	if !account.IsForNet(params) {
		return nil, ErrWrongNetwork
	}

	return newRing(account, params)
}

func newRing(account *hdkeychain.ExtendedKey,
	params *chaincfg.Params) (*HDKeyRing, error) {

	branch, err := account.Derive(ExternalBranch)
	if err != nil {
		return nil, err
	}

	return &HDKeyRing{
		params:  params,
		account: account,
		branch:  branch,
	}, nil
}

// MasterPubKey returns the master public key the ring was derived from, if
// it was created from a seed.
func (r *HDKeyRing) MasterPubKey() (*btcec.PublicKey, bool) {
	return r.masterPub, r.masterPub != nil
}

// IsPrivate reports whether the ring is able to derive private keys.
func (r *HDKeyRing) IsPrivate() bool {
	return r.account.IsPrivate()
}

// AccountXPub returns the serialized extended public key of the account.
func (r *HDKeyRing) AccountXPub() (string, error) {
	pub, err := r.account.Neuter()
	if err != nil {
		return "", err
	}

	return pub.String(), nil
}

// AccountXPrv returns the serialized extended private key of the account.
func (r *HDKeyRing) AccountXPrv() (string, error) {
	if !r.IsPrivate() {
		return "", ErrCannotDerivePrivKey
	}

	return r.account.String(), nil
}

// Neuter returns a copy of the ring that can only derive public keys.
func (r *HDKeyRing) Neuter() (*HDKeyRing, error) {
	account, err := r.account.Neuter()
	if err != nil {
		return nil, err
	}

	ring, err := newRing(account, r.params)
	if err != nil {
		return nil, err
	}
	ring.masterPub = r.masterPub

	return ring, nil
}

// DeriveKey attempts to derive an arbitrary key specified by the passed
// KeyLocator.
//
// NOTE: This is part of the keychain.KeyRing interface.
func (r *HDKeyRing) DeriveKey(keyLoc KeyLocator) (KeyDescriptor, error) {
	child, err := r.branch.Derive(keyLoc.Index)
	if err != nil {
		return KeyDescriptor{}, err
	}

	pub, err := child.ECPubKey()
	if err != nil {
		return KeyDescriptor{}, err
	}

	return KeyDescriptor{
		KeyLocator: keyLoc,
		PubKey:     pub,
	}, nil
}

// DerivePrivKey attempts to derive the private key that corresponds to the
// passed key locator.
//
// NOTE: This is part of the keychain.SecretKeyRing interface.
func (r *HDKeyRing) DerivePrivKey(keyLoc KeyLocator) (*btcec.PrivateKey,
	error) {

	if !r.IsPrivate() {
		return nil, ErrCannotDerivePrivKey
	}

	child, err := r.branch.Derive(keyLoc.Index)
	if err != nil {
		return nil, err
	}

	return child.ECPrivKey()
}

// Zero wipes the private material held by the ring.
func (r *HDKeyRing) Zero() {
	r.account.Zero()
	r.branch.Zero()
}
