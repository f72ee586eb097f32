package seed

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

const (
	// DefaultEntropyBits is the entropy used for a 12 word mnemonic.
	DefaultEntropyBits = 128

	// MaxEntropyBits is the entropy used for a 24 word mnemonic.
	MaxEntropyBits = 256
)

var (
	// ErrInvalidMnemonic is returned when a mnemonic contains unknown
	// words, has the wrong length or fails its checksum.
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// ErrInvalidEntropy is returned when a mnemonic is requested for an
	// unsupported entropy size.
	ErrInvalidEntropy = errors.New("entropy must be a multiple of 32 " +
		"bits between 128 and 256")
)

// Mnemonic is an ordered sequence of words from the BIP-39 English wordlist.
type Mnemonic []string

// NewMnemonic generates a fresh random mnemonic carrying entropyBits of
// entropy.
func NewMnemonic(entropyBits int) (Mnemonic, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntropy, err)
	}
	defer zero(entropy)

	phrase, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}

	return ParseMnemonic(phrase)
}

// ParseMnemonic splits a space separated phrase into a Mnemonic and checks
// its words and checksum.
func ParseMnemonic(phrase string) (Mnemonic, error) {
	words := strings.Fields(strings.ToLower(phrase))
	m := Mnemonic(words)

	if !bip39.IsMnemonicValid(m.String()) {
		return nil, ErrInvalidMnemonic
	}

	return m, nil
}

// String joins the words with single spaces.
func (m Mnemonic) String() string {
	return strings.Join(m, " ")
}

// ToSeed derives the binary seed from the mnemonic and passphrase. The
// derivation is deterministic, the same words and passphrase always produce
// the same bytes.
func (m Mnemonic) ToSeed(passphrase string) (Seed, error) {
	raw, err := bip39.NewSeedWithErrorChecking(m.String(), passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}

	log.Debugf("Derived %d byte seed from %d word mnemonic", len(raw),
		len(m))

	return Seed(raw), nil
}

// Seed is the raw key material a wallet keychain is derived from. It should
// be zeroed as soon as the keychain has been created.
type Seed []byte

// Zero wipes the seed bytes in place.
func (s Seed) Zero() {
	zero(s)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
