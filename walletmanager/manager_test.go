package walletmanager

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/hdwallet/events"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/lightningnetwork/hdwallet/walletstore"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

var (
	testPassword = []byte("orinocoFlow")
	testTime     = time.Unix(1700000000, 0)
	seedA        = bytes.Repeat([]byte{0xaa}, 32)
	seedB        = bytes.Repeat([]byte{0xbb}, 32)
)

// recordingObserver records the switch callbacks it receives.
type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingObserver) record(prefix string,
	o fn.Option[*wallet.WalletData]) {

	r.mu.Lock()
	defer r.mu.Unlock()

	name := "none"
	o.WhenSome(func(w *wallet.WalletData) {
		name = w.Details().Name
	})
	r.calls = append(r.calls, prefix+":"+name)
}

func (r *recordingObserver) BeforeSwitch(prev fn.Option[*wallet.WalletData]) {
	r.record("before", prev)
}

func (r *recordingObserver) AfterSwitch(next fn.Option[*wallet.WalletData]) {
	r.record("after", next)
}

func (r *recordingObserver) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.calls...)
}

func newTestManager(t *testing.T, bus *events.Bus) *Manager {
	t.Helper()

	m := New(Config{
		Params: &chaincfg.RegressionNetParams,
		Scrypt: wallet.FastScryptOptions,
		Clock:  clock.NewTestClock(testTime),
		Bus:    bus,
	})
	require.NoError(t, m.Initialise(t.TempDir()))

	return m
}

// TestNotInitialised checks operations fail before Initialise.
func TestNotInitialised(t *testing.T) {
	t.Parallel()

	m := New(Config{Params: &chaincfg.RegressionNetParams})

	_, err := m.CreateWallet(seedA, testPassword)
	require.ErrorIs(t, err, ErrNotInitialised)

	_, err = m.LoadWallet("id", testPassword)
	require.ErrorIs(t, err, ErrNotInitialised)

	_, err = m.CurrentWalletData()
	require.ErrorIs(t, err, ErrNoCurrentWallet)

	require.Empty(t, m.CreateWalletRoot("id"))
}

// TestCreateWallet checks a new wallet is stored, registered and becomes
// current only when there is no current wallet.
func TestCreateWallet(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)

	_, err := m.CurrentWalletData()
	require.ErrorIs(t, err, ErrNoCurrentWallet)

	a, err := m.CreateWallet(seedA, testPassword, WithName("A"))
	require.NoError(t, err)
	require.Len(t, a.Keys(), 1)
	require.Equal(t, "A", a.Details().Name)
	require.Equal(t, testTime, a.Details().CreatedAt)
	require.Equal(t, m.CreateWalletRoot(a.ID()), a.RootDir())

	cur, err := m.CurrentWalletData()
	require.NoError(t, err)
	require.Same(t, a, cur)

	b, err := m.CreateWallet(seedB, testPassword, WithName("B"))
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())

	cur, err = m.CurrentWalletData()
	require.NoError(t, err)
	require.Same(t, a, cur)

	require.Len(t, m.Wallets(), 2)

	stored, err := m.StoredWallets()
	require.NoError(t, err)
	require.Len(t, stored, 2)
}

// TestCreateWalletInvalidInput covers seed and password validation.
func TestCreateWalletInvalidInput(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)

	for _, seed := range [][]byte{nil, make([]byte, 15), make([]byte, 65)} {
		_, err := m.CreateWallet(seed, testPassword)
		require.ErrorIs(t, err, ErrInvalidSeed)
	}

	_, err := m.CreateWallet(seedA, []byte("short"))
	require.ErrorIs(t, err, ErrPasswordTooShort)

	require.Empty(t, m.Wallets())
}

// TestCreateWalletTwice asserts the same seed never duplicates a wallet,
// neither in memory nor on disk.
func TestCreateWalletTwice(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	m := New(Config{
		Params: &chaincfg.RegressionNetParams,
		Scrypt: wallet.FastScryptOptions,
	})
	require.NoError(t, m.Initialise(root))

	first, err := m.CreateWallet(seedA, testPassword, WithName("one"))
	require.NoError(t, err)

	again, err := m.CreateWallet(seedA, testPassword, WithName("two"))
	require.NoError(t, err)
	require.Same(t, first, again)
	require.Equal(t, "two", again.Details().Name)

	_, err = m.CreateWallet(seedA, []byte("another password"))
	require.ErrorIs(t, err, wallet.ErrWrongPassword)

	// A fresh manager on the same directory finds the stored wallet and
	// opens it instead of creating a new one.
	fresh := New(Config{
		Params: &chaincfg.RegressionNetParams,
		Scrypt: wallet.FastScryptOptions,
	})
	require.NoError(t, fresh.Initialise(root))

	reopened, err := fresh.CreateWallet(seedA, testPassword)
	require.NoError(t, err)
	require.Equal(t, first.ID(), reopened.ID())
	require.Equal(t, "two", reopened.Details().Name)

	stored, err := fresh.StoredWallets()
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

// TestSwitchNotifiesObservers checks observers see the previous wallet
// before and the next one after every switch.
func TestSwitchNotifiesObservers(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)
	obs := &recordingObserver{}
	m.RegisterSwitchObserver(obs)

	a, err := m.CreateWallet(seedA, testPassword, WithName("A"))
	require.NoError(t, err)
	b, err := m.CreateWallet(seedB, testPassword, WithName("B"))
	require.NoError(t, err)

	require.NoError(t, m.SetCurrentWalletData(b))
	require.NoError(t, m.SetCurrentWalletData(b))
	require.NoError(t, m.SetCurrentWalletData(a))

	require.Equal(t, []string{
		"before:none", "after:A",
		"before:A", "after:B",
		"before:B", "after:A",
	}, obs.Calls())

	// Moving to another root forgets the current wallet.
	require.NoError(t, m.Initialise(t.TempDir()))
	_, err = m.CurrentWalletData()
	require.ErrorIs(t, err, ErrNoCurrentWallet)
	require.Empty(t, m.Wallets())
	require.Equal(t, []string{"before:A", "after:none"}, obs.Calls()[6:])
}

// TestLoadWallet checks stored wallets can be opened only with their
// password.
func TestLoadWallet(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	cfg := Config{
		Params: &chaincfg.RegressionNetParams,
		Scrypt: wallet.FastScryptOptions,
	}

	m := New(cfg)
	require.NoError(t, m.Initialise(root))
	a, err := m.CreateWallet(seedA, testPassword)
	require.NoError(t, err)

	fresh := New(cfg)
	require.NoError(t, fresh.Initialise(root))

	_, err = fresh.LoadWallet(a.ID(), []byte("wrong password"))
	require.ErrorIs(t, err, wallet.ErrWrongPassword)

	_, err = fresh.LoadWallet("00000000-00000000-00000000-00000000-00000000",
		testPassword)
	require.ErrorIs(t, err, walletstore.ErrNotFound)

	loaded, err := fresh.LoadWallet(a.ID(), testPassword)
	require.NoError(t, err)
	require.Equal(t, a.Snapshot(), loaded.Snapshot())

	again, err := fresh.LoadWallet(a.ID(), testPassword)
	require.NoError(t, err)
	require.Same(t, loaded, again)
}

// TestUpdateDetails checks versioned metadata updates persist and fire a
// wallet changed event only on success.
func TestUpdateDetails(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	require.NoError(t, bus.Start())
	t.Cleanup(func() { require.NoError(t, bus.Stop()) })

	m := newTestManager(t, bus)
	a, err := m.CreateWallet(seedA, testPassword)
	require.NoError(t, err)

	client, err := bus.SubscribeWallets()
	require.NoError(t, err)

	v := a.Version()
	details := wallet.Details{Name: "savings", Description: "long term"}
	newV, err := m.UpdateDetails(a.ID(), v, details)
	require.NoError(t, err)
	require.Equal(t, v+1, newV)

	_, err = m.UpdateDetails(a.ID(), v, wallet.Details{Name: "stale"})
	require.ErrorIs(t, err, wallet.ErrVersionConflict)

	_, err = m.UpdateDetails("unknown", 0, details)
	require.ErrorIs(t, err, walletstore.ErrNotFound)

	select {
	case e := <-client.Updates():
		require.Equal(t, events.WalletChangedEvent{
			WalletID: a.ID(),
			Change:   events.WalletUpdated,
			Version:  newV,
		}, e)
	case <-time.After(5 * time.Second):
		t.Fatalf("no wallet changed event")
	}

	select {
	case e := <-client.Updates():
		t.Fatalf("unexpected event %v", e)
	case <-time.After(50 * time.Millisecond):
	}

	// The new details survive a reload.
	fresh := New(Config{
		Params: &chaincfg.RegressionNetParams,
		Scrypt: wallet.FastScryptOptions,
	})
	require.NoError(t, fresh.Initialise(m.store.Config().RootDir))
	loaded, err := fresh.LoadWallet(a.ID(), testPassword)
	require.NoError(t, err)
	require.Equal(t, "savings", loaded.Details().Name)
	require.Equal(t, "long term", loaded.Details().Description)
}

// TestDeleteWallet checks the current wallet is protected and others can be
// removed.
func TestDeleteWallet(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, nil)
	a, err := m.CreateWallet(seedA, testPassword)
	require.NoError(t, err)
	b, err := m.CreateWallet(seedB, testPassword)
	require.NoError(t, err)

	require.ErrorIs(t, m.DeleteWallet(a.ID(), testPassword), ErrWalletInUse)
	require.ErrorIs(
		t, m.DeleteWallet(b.ID(), []byte("wrong password")),
		wallet.ErrWrongPassword,
	)

	require.NoError(t, m.DeleteWallet(b.ID(), testPassword))
	require.Len(t, m.Wallets(), 1)

	stored, err := m.StoredWallets()
	require.NoError(t, err)
	require.Equal(t, []wallet.ID{a.ID()}, stored)
}
