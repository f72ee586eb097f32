package wallet

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/hdwallet/keychain"
)

// CreateConfig describes a wallet to be created from a seed.
type CreateConfig struct {
	// Params are the parameters of the network the wallet is for.
	Params *chaincfg.Params

	// Scrypt is the cost of the password based key derivation.
	Scrypt ScryptOptions

	// RootDir maps the derived wallet ID to its storage directory.
	RootDir func(ID) string

	// Details is the initial metadata of the wallet.
	Details Details
}

// Create derives a new wallet from the seed. The account private key is
// encrypted under the password right away and the resulting wallet holds
// exactly one key. The seed is not retained. Seeds outside the length
// accepted for a master key fail with keychain.ErrInvalidSeed.
func Create(seed, password []byte, cfg CreateConfig) (*WalletData, error) {
	ring, err := keychain.NewHDKeyRing(seed, cfg.Params)
	if err != nil {
		return nil, err
	}
	defer ring.Zero()

	masterPub, _ := ring.MasterPubKey()
	id := IDFromPubKey(masterPub)

	xpub, err := ring.AccountXPub()
	if err != nil {
		return nil, err
	}

	secret, pubKey, err := NewSecret(password, ring, cfg.Scrypt)
	if err != nil {
		return nil, err
	}

	w, err := FromState(Config{
		RootDir:      cfg.RootDir(id),
		Params:       cfg.Params,
		PubCryptoKey: pubKey,
		Scrypt:       cfg.Scrypt,
	}, &State{
		ID:          id,
		Network:     cfg.Params.Name,
		AccountXPub: xpub,
		Secret:      *secret,
		Details:     cfg.Details,
	})
	if err != nil {
		return nil, err
	}

	if _, err := w.DeriveNextKey(); err != nil {
		return nil, err
	}

	log.Infof("Created wallet %v", id)

	return w, nil
}
