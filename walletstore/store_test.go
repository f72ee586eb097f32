package walletstore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/hdwallet/keychain"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	testParams   = &chaincfg.RegressionNetParams
	testPassword = []byte("orinocoFlow")
	testTime     = time.Unix(1700000000, 0)
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	return New(Config{
		RootDir: t.TempDir(),
		Params:  testParams,
		Scrypt:  wallet.FastScryptOptions,
	})
}

func newTestWallet(t require.TestingT, s *Store,
	seed []byte) *wallet.WalletData {

	w, err := wallet.Create(seed, testPassword, wallet.CreateConfig{
		Params:  testParams,
		Scrypt:  wallet.FastScryptOptions,
		RootDir: s.WalletRoot,
		Details: wallet.Details{
			Name:      "spending",
			CreatedAt: testTime,
		},
	})
	require.NoError(t, err)

	return w
}

func payTo(t require.TestingT, w *wallet.WalletData, keyIdx int,
	value int64, salt uint32) *wire.MsgTx {

	pkScript, err := keychain.PkScriptFor(
		w.Keys()[keyIdx].PubKey, testParams,
	)
	require.NoError(t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&chainhash.Hash{1}, salt), []byte{0x51}, nil,
	))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))

	return tx
}

// TestPersistLoadRoundTrip checks keychain, history and metadata survive a
// persist and load.
func TestPersistLoadRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	w := newTestWallet(t, s, make([]byte, 32))

	_, err := w.DeriveNextKey()
	require.NoError(t, err)

	block := chainhash.Hash{9}
	w.ApplyTransaction(payTo(t, w, 0, 50000, 1), 5, &block, testTime)
	w.ApplyTransaction(payTo(t, w, 1, 20000, 2), 0, nil, testTime)
	w.SetSyncTip(5, block)

	require.NoError(t, s.Persist(w))
	require.True(t, s.Exists(w.ID()))

	loaded, err := s.Load(w.ID(), testPassword)
	require.NoError(t, err)

	require.Equal(t, w.Snapshot(), loaded.Snapshot())
	require.Equal(t, w.Balance(), loaded.Balance())
	require.Equal(t, w.RootDir(), loaded.RootDir())

	ids, err := s.List()
	require.NoError(t, err)
	require.Equal(t, []wallet.ID{w.ID()}, ids)
}

// TestPersistLoadProperty runs the round trip for random histories.
func TestPersistLoadProperty(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	rapid.Check(t, func(rt *rapid.T) {
		seed := rapid.SliceOfN(rapid.Byte(), 16, 64).Draw(rt, "seed")
		numTxs := rapid.IntRange(0, 5).Draw(rt, "txs")

		w, err := wallet.Create(seed, testPassword, wallet.CreateConfig{
			Params:  testParams,
			Scrypt:  wallet.FastScryptOptions,
			RootDir: s.WalletRoot,
		})
		if err != nil {
			rt.Skip(err)
		}

		for i := 0; i < numTxs; i++ {
			value := rapid.Int64Range(1, 1e8).Draw(rt, "value")
			height := rapid.Int32Range(0, 1000).Draw(rt, "height")

			var block *chainhash.Hash
			if height > 0 {
				block = &chainhash.Hash{byte(i + 1)}
			}
			w.ApplyTransaction(
				payTo(rt, w, 0, value, uint32(i)), height,
				block, testTime,
			)
		}

		require.NoError(rt, s.Persist(w))

		loaded, err := s.Load(w.ID(), testPassword)
		require.NoError(rt, err)
		require.Equal(rt, w.Snapshot(), loaded.Snapshot())
	})
}

// TestLoadStaleKeysFile simulates a crash after the history was written but
// before the keys file was replaced, and checks outputs paying to keys the
// stale keys file does not count are still the wallet's.
func TestLoadStaleKeysFile(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	w := newTestWallet(t, s, make([]byte, 32))
	require.NoError(t, s.Persist(w))

	keysPath := filepath.Join(s.WalletRoot(w.ID()), keysFileName)
	staleKeys, err := os.ReadFile(keysPath)
	require.NoError(t, err)

	_, err = w.DeriveNextKey()
	require.NoError(t, err)
	block := chainhash.Hash{3}
	require.True(t, w.ApplyTransaction(
		payTo(t, w, 1, 40_000, 1), 2, &block, testTime,
	))
	require.NoError(t, s.Persist(w))

	require.NoError(t, os.WriteFile(keysPath, staleKeys, 0600))

	loaded, err := s.Load(w.ID(), testPassword)
	require.NoError(t, err)
	require.Len(t, loaded.Keys(), 2)
	require.Equal(t, w.Balance(), loaded.Balance())
	require.Len(t, loaded.Utxos(), 1)
	require.Equal(t, uint32(1), loaded.Utxos()[0].KeyIndex)
}

// TestLoadWrongPassword asserts a wrong password fails without data.
func TestLoadWrongPassword(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	w := newTestWallet(t, s, make([]byte, 32))
	require.NoError(t, s.Persist(w))

	loaded, err := s.Load(w.ID(), []byte("wrong password"))
	require.ErrorIs(t, err, wallet.ErrWrongPassword)
	require.Nil(t, loaded)
}

// TestLoadCorrupt asserts corrupt files are reported exactly like a wrong
// password.
func TestLoadCorrupt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		corrupt func(t *testing.T, dir string)
	}{
		{
			name: "truncated keys file",
			corrupt: func(t *testing.T, dir string) {
				path := filepath.Join(dir, keysFileName)
				raw, err := os.ReadFile(path)
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(
					path, raw[:len(raw)/2], 0600,
				))
			},
		},
		{
			name: "flipped body byte",
			corrupt: func(t *testing.T, dir string) {
				path := filepath.Join(dir, keysFileName)
				raw, err := os.ReadFile(path)
				require.NoError(t, err)
				raw[len(raw)-1] ^= 0xff
				require.NoError(t, os.WriteFile(path, raw, 0600))
			},
		},
		{
			name: "garbage",
			corrupt: func(t *testing.T, dir string) {
				path := filepath.Join(dir, keysFileName)
				require.NoError(t, os.WriteFile(
					path, []byte("garbage"), 0600,
				))
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			s := newTestStore(t)
			w := newTestWallet(t, s, make([]byte, 32))
			require.NoError(t, s.Persist(w))

			test.corrupt(t, w.RootDir())

			loaded, err := s.Load(w.ID(), testPassword)
			require.ErrorIs(t, err, wallet.ErrWrongPassword)
			require.Nil(t, loaded)
		})
	}
}

// TestLoadNotFound checks a missing wallet is reported as such.
func TestLoadNotFound(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	w := newTestWallet(t, s, make([]byte, 32))

	_, err := s.Load(w.ID(), testPassword)
	require.ErrorIs(t, err, ErrNotFound)
	require.False(t, s.Exists(w.ID()))
}

// TestPersistKeepsPriorStateOnStaleTemp checks that a temp file left behind
// by an interrupted write does not affect loading.
func TestPersistKeepsPriorStateOnStaleTemp(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	w := newTestWallet(t, s, make([]byte, 32))
	require.NoError(t, s.Persist(w))

	tmp := filepath.Join(w.RootDir(), keysFileName+tempSuffix)
	require.NoError(t, os.WriteFile(tmp, []byte("half written"), 0600))

	loaded, err := s.Load(w.ID(), testPassword)
	require.NoError(t, err)
	require.Equal(t, w.Snapshot(), loaded.Snapshot())

	// The next persist replaces the stale temp file.
	require.NoError(t, s.Persist(w))
	_, err = os.Stat(tmp)
	require.True(t, os.IsNotExist(err))
}

// TestPersistConcurrentWithWrites persists while transactions are being
// applied and checks every persisted state loads.
func TestPersistConcurrentWithWrites(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	w := newTestWallet(t, s, make([]byte, 32))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			w.ApplyTransaction(
				payTo(t, w, 0, 1000, uint32(i)), 0, nil,
				testTime,
			)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Persist(w))
		}
	}()
	wg.Wait()

	require.NoError(t, s.Persist(w))
	loaded, err := s.Load(w.ID(), testPassword)
	require.NoError(t, err)
	require.Len(t, loaded.Transactions(), 20)
}

// TestDelete removes a wallet only with the right password.
func TestDelete(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	w := newTestWallet(t, s, make([]byte, 32))
	require.NoError(t, s.Persist(w))

	require.ErrorIs(
		t, s.Delete(w.ID(), []byte("nope")), wallet.ErrWrongPassword,
	)
	require.True(t, s.Exists(w.ID()))

	require.NoError(t, s.Delete(w.ID(), testPassword))
	require.False(t, s.Exists(w.ID()))

	ids, err := s.List()
	require.NoError(t, err)
	require.Empty(t, ids)
}
