package keychain

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39"
	"pgregory.net/rapid"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon about"

func testSeed(t require.TestingT) []byte {
	seed, err := bip39.NewSeedWithErrorChecking(testMnemonic, "")
	require.NoError(t, err)

	return seed
}

// TestFirstAddressVector checks the first receive address against the BIP44
// reference derivation of the well known test mnemonic.
func TestFirstAddressVector(t *testing.T) {
	t.Parallel()

	ring, err := NewHDKeyRing(testSeed(t), &chaincfg.MainNetParams)
	require.NoError(t, err)

	desc, err := ring.DeriveKey(KeyLocator{Index: 0})
	require.NoError(t, err)

	addr, err := AddressFor(desc.PubKey, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, "1LqBGSKuX5yYUonjxT5qGfpUsXKYYWeabA",
		addr.EncodeAddress())
}

// TestInvalidSeed asserts seeds of the wrong length are rejected.
func TestInvalidSeed(t *testing.T) {
	t.Parallel()

	_, err := NewHDKeyRing(nil, &chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrInvalidSeed)

	_, err = NewHDKeyRing(make([]byte, 8), &chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrInvalidSeed)

	_, err = NewHDKeyRing(make([]byte, 65), &chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrInvalidSeed)
}

// TestDerivationDeterminism asserts that the same seed always yields the same
// keys and that public and private rings agree.
func TestDerivationDeterminism(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		seed := rapid.SliceOfN(rapid.Byte(), 16, 64).Draw(t, "seed")
		idx := rapid.Uint32Range(0, 1000).Draw(t, "index")

		ring1, err := NewHDKeyRing(seed, &chaincfg.TestNet3Params)
		if err != nil {
			// A tiny fraction of seeds are unusable.
			t.Skip(err)
		}
		ring2, err := NewHDKeyRing(seed, &chaincfg.TestNet3Params)
		require.NoError(t, err)

		loc := KeyLocator{Index: idx}
		d1, err := ring1.DeriveKey(loc)
		require.NoError(t, err)
		d2, err := ring2.DeriveKey(loc)
		require.NoError(t, err)
		require.True(t, d1.PubKey.IsEqual(d2.PubKey))

		priv, err := ring1.DerivePrivKey(loc)
		require.NoError(t, err)
		require.True(t, priv.PubKey().IsEqual(d1.PubKey))

		pubRing, err := ring1.Neuter()
		require.NoError(t, err)
		d3, err := pubRing.DeriveKey(loc)
		require.NoError(t, err)
		require.True(t, d3.PubKey.IsEqual(d1.PubKey))
	})
}

// TestAccountRoundTrip restores rings from their serialized account keys.
func TestAccountRoundTrip(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	ring, err := NewHDKeyRing(testSeed(t), params)
	require.NoError(t, err)

	_, ok := ring.MasterPubKey()
	require.True(t, ok)

	xpub, err := ring.AccountXPub()
	require.NoError(t, err)
	xprv, err := ring.AccountXPrv()
	require.NoError(t, err)

	pubRing, err := NewHDKeyRingFromAccount(xpub, params)
	require.NoError(t, err)
	require.False(t, pubRing.IsPrivate())

	_, err = pubRing.DerivePrivKey(KeyLocator{Index: 1})
	require.ErrorIs(t, err, ErrCannotDerivePrivKey)
	_, err = pubRing.AccountXPrv()
	require.ErrorIs(t, err, ErrCannotDerivePrivKey)

	privRing, err := NewHDKeyRingFromAccount(xprv, params)
	require.NoError(t, err)

	want, err := ring.DeriveKey(KeyLocator{Index: 7})
	require.NoError(t, err)
	got, err := privRing.DeriveKey(KeyLocator{Index: 7})
	require.NoError(t, err)
	require.True(t, want.PubKey.IsEqual(got.PubKey))

	_, err = NewHDKeyRingFromAccount(xpub, &chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrWrongNetwork)
}

// TestSignInput signs a P2PKH spend and runs it through the script engine.
func TestSignInput(t *testing.T) {
	t.Parallel()

	params := &chaincfg.RegressionNetParams
	ring, err := NewHDKeyRing(testSeed(t), params)
	require.NoError(t, err)

	loc := KeyLocator{Index: 0}
	priv, err := ring.DerivePrivKey(loc)
	require.NoError(t, err)

	pkScript, err := PkScriptFor(priv.PubKey(), params)
	require.NoError(t, err)

	const value = 50000
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&chainhash.Hash{1}, 0), nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(value-1000, pkScript))

	sigScript, err := P2PKHSigner{}.SignInput(tx, 0, pkScript, priv)
	require.NoError(t, err)
	tx.TxIn[0].SignatureScript = sigScript

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, value)
	vm, err := txscript.NewEngine(
		pkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, fetcher), value, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

// TestSignDigest checks digest signatures verify against the public key.
func TestSignDigest(t *testing.T) {
	t.Parallel()

	ring, err := NewHDKeyRing(testSeed(t), &chaincfg.MainNetParams)
	require.NoError(t, err)
	priv, err := ring.DerivePrivKey(KeyLocator{Index: 3})
	require.NoError(t, err)

	signer := &PrivKeyDigestSigner{PrivKey: priv}
	digest := chainhash.HashH([]byte("hdwallet"))
	sig := signer.SignDigest(digest)
	require.True(t, sig.Verify(digest[:], signer.PubKey()))

	parsed, err := ecdsa.ParseDERSignature(sig.Serialize())
	require.NoError(t, err)
	require.True(t, bytes.Equal(parsed.Serialize(), sig.Serialize()))
}
