package seed

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const testVectorMnemonic = "abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon abandon about"

// TestSeedVector checks the seed against the reference BIP-39 vector.
func TestSeedVector(t *testing.T) {
	t.Parallel()

	m, err := ParseMnemonic(testVectorMnemonic)
	require.NoError(t, err)
	require.Len(t, m, 12)

	s, err := m.ToSeed("TREZOR")
	require.NoError(t, err)

	require.Equal(t, "c55257c360c07c72029aebc1b53c05ed0362ada38ead3e3e"+
		"9efa3708e53495531f09a6987599d18264c1e1c92f2cf141630c7a3c"+
		"4ab7c81b2f001698e7463b04", hex.EncodeToString(s))
}

// TestParseMnemonicInvalid asserts malformed phrases are rejected.
func TestParseMnemonicInvalid(t *testing.T) {
	t.Parallel()

	tests := []string{
		"",
		"abandon",
		"abandon abandon abandon abandon abandon abandon abandon " +
			"abandon abandon abandon abandon abandon",
		"notaword abandon abandon abandon abandon abandon abandon " +
			"abandon abandon abandon abandon about",
	}
	for _, phrase := range tests {
		_, err := ParseMnemonic(phrase)
		require.ErrorIs(t, err, ErrInvalidMnemonic, phrase)
	}
}

// TestNewMnemonicEntropy checks the word count for the supported sizes and
// rejects unsupported ones.
func TestNewMnemonicEntropy(t *testing.T) {
	t.Parallel()

	m, err := NewMnemonic(DefaultEntropyBits)
	require.NoError(t, err)
	require.Len(t, m, 12)

	m, err = NewMnemonic(MaxEntropyBits)
	require.NoError(t, err)
	require.Len(t, m, 24)

	_, err = NewMnemonic(100)
	require.ErrorIs(t, err, ErrInvalidEntropy)
}

// TestSeedDeterminism asserts that the same mnemonic and passphrase always
// derive the same seed.
func TestSeedDeterminism(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		bits := rapid.SampledFrom(
			[]int{128, 160, 192, 224, 256},
		).Draw(t, "bits")
		pass := rapid.String().Draw(t, "passphrase")

		m, err := NewMnemonic(bits)
		require.NoError(t, err)

		reparsed, err := ParseMnemonic(m.String())
		require.NoError(t, err)

		s1, err := m.ToSeed(pass)
		require.NoError(t, err)
		s2, err := reparsed.ToSeed(pass)
		require.NoError(t, err)

		require.Equal(t, s1, s2)
		require.Len(t, s1, 64)
	})
}

// TestSeedZero checks the seed is wiped in place.
func TestSeedZero(t *testing.T) {
	t.Parallel()

	s := Seed{1, 2, 3}
	s.Zero()
	require.Equal(t, Seed{0, 0, 0}, s)
}
