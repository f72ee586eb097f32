package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcwallet/snacl"
	"github.com/lightningnetwork/hdwallet/keychain"
)

// ErrWrongPassword is returned when the password does not open the wallet.
// Corrupt or undecryptable data yields the same error.
var ErrWrongPassword = errors.New("wrong password or corrupt wallet data")

// ScryptOptions holds the scrypt parameters used to derive the master key
// from the wallet password.
type ScryptOptions struct {
	N, R, P int
}

var (
	// DefaultScryptOptions is the scrypt cost used for new wallets.
	DefaultScryptOptions = ScryptOptions{
		N: 262144,
		R: 8,
		P: 1,
	}

	// FastScryptOptions trades security for speed and must only be used
	// in tests.
	FastScryptOptions = ScryptOptions{
		N: 16,
		R: 8,
		P: 1,
	}
)

// Secret is the encrypted key material of a wallet. The password derives a
// master key whose parameters are stored in MasterKeyParams. The master key
// encrypts two random crypto keys. The public one seals the wallet files and
// stays in memory while the wallet is loaded. The private one encrypts the
// account extended private key and only lives for the duration of an unlock.
type Secret struct {
	MasterKeyParams   []byte
	EncPubCryptoKey   []byte
	EncPrivCryptoKey  []byte
	EncAccountPrivKey []byte
}

// Copy returns a deep copy of the secret.
func (s Secret) Copy() Secret {
	return Secret{
		MasterKeyParams:   append([]byte(nil), s.MasterKeyParams...),
		EncPubCryptoKey:   append([]byte(nil), s.EncPubCryptoKey...),
		EncPrivCryptoKey:  append([]byte(nil), s.EncPrivCryptoKey...),
		EncAccountPrivKey: append([]byte(nil), s.EncAccountPrivKey...),
	}
}

// NewSecret encrypts the account private key of the ring under the password
// and returns the secret together with the public crypto key.
func NewSecret(password []byte, ring *keychain.HDKeyRing,
	opts ScryptOptions) (*Secret, *snacl.CryptoKey, error) {

	xprv, err := ring.AccountXPrv()
	if err != nil {
		return nil, nil, err
	}

	pw := append([]byte(nil), password...)
	defer zero(pw)

	masterKey, err := snacl.NewSecretKey(&pw, opts.N, opts.R, opts.P)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to derive master key: %w",
			err)
	}
	defer masterKey.Zero()

	pubKey, err := snacl.GenerateCryptoKey()
	if err != nil {
		return nil, nil, err
	}
	privKey, err := snacl.GenerateCryptoKey()
	if err != nil {
		return nil, nil, err
	}
	defer privKey.Zero()

	encPub, err := masterKey.Encrypt(pubKey[:])
	if err != nil {
		return nil, nil, err
	}
	encPriv, err := masterKey.Encrypt(privKey[:])
	if err != nil {
		return nil, nil, err
	}
	encXPrv, err := privKey.Encrypt([]byte(xprv))
	if err != nil {
		return nil, nil, err
	}

	return &Secret{
		MasterKeyParams:   masterKey.Marshal(),
		EncPubCryptoKey:   encPub,
		EncPrivCryptoKey:  encPriv,
		EncAccountPrivKey: encXPrv,
	}, pubKey, nil
}

// OpenPublic derives the master key from the password and decrypts the
// public crypto key. Every failure maps to ErrWrongPassword. When the stored
// parameters are malformed a throw-away derivation with the fallback cost is
// run so that a corrupt header takes as long as a wrong password.
func (s *Secret) OpenPublic(password []byte,
	fallback ScryptOptions) (*snacl.CryptoKey, error) {

	masterKey, err := s.masterKey(password, fallback)
	if err != nil {
		return nil, err
	}
	defer masterKey.Zero()

	return decryptCryptoKey(masterKey, s.EncPubCryptoKey)
}

// openPrivate returns the serialized account private key.
func (s *Secret) openPrivate(password []byte,
	fallback ScryptOptions) ([]byte, error) {

	masterKey, err := s.masterKey(password, fallback)
	if err != nil {
		return nil, err
	}
	defer masterKey.Zero()

	privKey, err := decryptCryptoKey(masterKey, s.EncPrivCryptoKey)
	if err != nil {
		return nil, err
	}
	defer privKey.Zero()

	xprv, err := privKey.Decrypt(s.EncAccountPrivKey)
	if err != nil {
		return nil, ErrWrongPassword
	}

	return xprv, nil
}

func (s *Secret) masterKey(password []byte,
	fallback ScryptOptions) (*snacl.SecretKey, error) {

	pw := append([]byte(nil), password...)
	defer zero(pw)

	var masterKey snacl.SecretKey
	if err := masterKey.Unmarshal(s.MasterKeyParams); err != nil {
		burnKeyDerivation(pw, fallback)
		return nil, ErrWrongPassword
	}

	if err := masterKey.DeriveKey(&pw); err != nil {
		return nil, ErrWrongPassword
	}

	return &masterKey, nil
}

func decryptCryptoKey(masterKey *snacl.SecretKey,
	enc []byte) (*snacl.CryptoKey, error) {

	raw, err := masterKey.Decrypt(enc)
	if err != nil {
		return nil, ErrWrongPassword
	}
	defer zero(raw)

	var key snacl.CryptoKey
	if len(raw) != len(key) {
		return nil, ErrWrongPassword
	}
	copy(key[:], raw)

	return &key, nil
}

func burnKeyDerivation(pw []byte, opts ScryptOptions) {
	key, err := snacl.NewSecretKey(&pw, opts.N, opts.R, opts.P)
	if err == nil {
		key.Zero()
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
