package walletmanager

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/hdwallet/events"
	"github.com/lightningnetwork/hdwallet/keychain"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/lightningnetwork/hdwallet/walletstore"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// MinPasswordLength is the shortest password a new wallet accepts.
const MinPasswordLength = 8

var (
	// ErrNotInitialised is returned when a wallet operation is attempted
	// before Initialise was called.
	ErrNotInitialised = errors.New("wallet manager not initialised")

	// ErrNoCurrentWallet is returned when an operation needs the current
	// wallet but none is selected.
	ErrNoCurrentWallet = errors.New("no current wallet")

	// ErrInvalidSeed is returned for seeds that cannot create a wallet.
	ErrInvalidSeed = keychain.ErrInvalidSeed

	// ErrPasswordTooShort is returned when a new wallet's password is
	// shorter than MinPasswordLength.
	ErrPasswordTooShort = fmt.Errorf("password must have at least %d "+
		"characters", MinPasswordLength)

	// ErrWalletInUse is returned when deleting the current wallet.
	ErrWalletInUse = errors.New("wallet is the current wallet")
)

// SwitchObserver is notified around every change of the current wallet.
// BeforeSwitch must not return before all writes to prev have stopped.
type SwitchObserver interface {
	// BeforeSwitch is called before the current wallet moves away from
	// prev.
	BeforeSwitch(prev fn.Option[*wallet.WalletData])

	// AfterSwitch is called once next is the current wallet.
	AfterSwitch(next fn.Option[*wallet.WalletData])
}

// Config holds the dependencies of a Manager.
type Config struct {
	// Params are the parameters of the network all wallets are for.
	Params *chaincfg.Params

	// Scrypt is the cost of password based key derivations.
	Scrypt wallet.ScryptOptions

	// Clock stamps new wallets. Defaults to the system clock.
	Clock clock.Clock

	// Bus receives wallet change events. It is optional.
	Bus *events.Bus
}

// Manager owns the registry of loaded wallets and the current wallet
// pointer.
type Manager struct {
	cfg Config

	// switchMtx serializes changes of the current wallet, including the
	// observer callbacks around them.
	switchMtx sync.Mutex

	mu        sync.RWMutex
	store     *walletstore.Store
	wallets   map[wallet.ID]*wallet.WalletData
	current   fn.Option[*wallet.WalletData]
	observers []SwitchObserver
}

// New creates a manager. Initialise must be called before wallets can be
// created or loaded.
func New(cfg Config) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Manager{
		cfg:     cfg,
		wallets: make(map[wallet.ID]*wallet.WalletData),
		current: fn.None[*wallet.WalletData](),
	}
}

// RegisterSwitchObserver adds an observer of current wallet changes.
func (m *Manager) RegisterSwitchObserver(o SwitchObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.observers = append(m.observers, o)
}

// Initialise sets the directory all wallets are stored in. Re-initialising
// with another directory forgets the loaded wallets and the current wallet.
func (m *Manager) Initialise(rootDir string) error {
	if err := os.MkdirAll(rootDir, 0700); err != nil {
		return fmt.Errorf("%w: %v", walletstore.ErrStorage, err)
	}

	m.mu.RLock()
	same := m.store != nil && m.store.Config().RootDir == rootDir
	m.mu.RUnlock()
	if same {
		return nil
	}

	// Quiesce observers of the old current wallet before the registry is
	// dropped.
	m.switchMtx.Lock()
	defer m.switchMtx.Unlock()

	prev := m.currentOption()
	observers := m.switchObservers()
	if prev.IsSome() {
		for _, o := range observers {
			o.BeforeSwitch(prev)
		}
	}

	m.mu.Lock()
	m.store = walletstore.New(walletstore.Config{
		RootDir: rootDir,
		Params:  m.cfg.Params,
		Scrypt:  m.cfg.Scrypt,
	})
	m.wallets = make(map[wallet.ID]*wallet.WalletData)
	m.current = fn.None[*wallet.WalletData]()
	m.mu.Unlock()

	if prev.IsSome() {
		for _, o := range observers {
			o.AfterSwitch(fn.None[*wallet.WalletData]())
		}
	}

	log.Infof("Wallet manager initialised at %v", rootDir)

	return nil
}

// walletStore returns the store or ErrNotInitialised.
func (m *Manager) walletStore() (*walletstore.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.store == nil {
		return nil, ErrNotInitialised
	}

	return m.store, nil
}

// CreateWalletRoot returns the directory a wallet with the ID is stored in.
// It returns an empty string before Initialise.
func (m *Manager) CreateWalletRoot(id wallet.ID) string {
	store, err := m.walletStore()
	if err != nil {
		return ""
	}

	return store.WalletRoot(id)
}

// CreateOption customizes a newly created wallet.
type CreateOption func(*wallet.Details)

// WithName sets the name of a new wallet.
func WithName(name string) CreateOption {
	return func(d *wallet.Details) {
		d.Name = name
	}
}

// WithDescription sets the description of a new wallet.
func WithDescription(description string) CreateOption {
	return func(d *wallet.Details) {
		d.Description = description
	}
}

// CreateWallet derives a wallet from the seed, encrypts it with the password,
// stores it and registers it. If a wallet for the seed is already known it
// is opened with the password and returned instead of being duplicated. The
// wallet becomes the current one only if there is none.
func (m *Manager) CreateWallet(seed, password []byte,
	opts ...CreateOption) (*wallet.WalletData, error) {

	store, err := m.walletStore()
	if err != nil {
		return nil, err
	}

	if len(password) < MinPasswordLength {
		return nil, ErrPasswordTooShort
	}

	id, err := walletIDFromSeed(seed, m.cfg.Params)
	if err != nil {
		return nil, err
	}

	var details wallet.Details
	for _, opt := range opts {
		opt(&details)
	}

	w, created, err := m.openOrCreate(store, id, seed, password, details)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.wallets[id]; ok {
		w = existing
	} else {
		m.wallets[id] = w
	}
	noCurrent := m.current.IsNone()
	m.mu.Unlock()

	change := events.WalletCreated
	if !created {
		change = events.WalletUpdated
	}
	m.notify(w, change)

	if noCurrent {
		if err := m.SetCurrentWalletData(w); err != nil {
			return nil, err
		}
	}

	return w, nil
}

// openOrCreate returns the wallet with the ID, loading it from memory or
// disk if it exists and creating it from the seed otherwise. Known wallets
// get non-empty details applied in place.
func (m *Manager) openOrCreate(store *walletstore.Store, id wallet.ID, seed,
	password []byte, details wallet.Details) (*wallet.WalletData, bool,
	error) {

	m.mu.RLock()
	w, ok := m.wallets[id]
	m.mu.RUnlock()

	switch {
	case ok:
		keys, err := w.Unlock(password)
		if err != nil {
			return nil, false, err
		}
		keys.Lock()

	case store.Exists(id):
		var err error
		w, err = store.Load(id, password)
		if err != nil {
			return nil, false, err
		}

	default:
		details.CreatedAt = m.cfg.Clock.Now().Round(0)
		w, err := wallet.Create(seed, password, wallet.CreateConfig{
			Params:  m.cfg.Params,
			Scrypt:  m.cfg.Scrypt,
			RootDir: store.WalletRoot,
			Details: details,
		})
		if err != nil {
			return nil, false, err
		}
		if err := store.Persist(w); err != nil {
			return nil, false, err
		}

		return w, true, nil
	}

	log.Infof("Wallet %v already exists, updating in place", id)

	if details.Name == "" && details.Description == "" {
		return w, false, nil
	}

	cur := w.Details()
	if details.Name != "" {
		cur.Name = details.Name
	}
	if details.Description != "" {
		cur.Description = details.Description
	}
	if _, err := w.UpdateDetails(w.Version(), cur); err != nil {
		return nil, false, err
	}
	if err := store.Persist(w); err != nil {
		return nil, false, err
	}

	return w, false, nil
}

// walletIDFromSeed derives the ID of the wallet the seed creates without
// touching any encryption.
func walletIDFromSeed(seed []byte, params *chaincfg.Params) (wallet.ID,
	error) {

	ring, err := keychain.NewHDKeyRing(seed, params)
	if err != nil {
		return "", err
	}
	defer ring.Zero()

	masterPub, _ := ring.MasterPubKey()

	return wallet.IDFromPubKey(masterPub), nil
}

// LoadWallet opens a stored wallet and registers it. Loading a wallet that
// is already registered returns the registered instance once the password
// checks out.
func (m *Manager) LoadWallet(id wallet.ID, password []byte) (
	*wallet.WalletData, error) {

	store, err := m.walletStore()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	w, ok := m.wallets[id]
	m.mu.RUnlock()
	if ok {
		keys, err := w.Unlock(password)
		if err != nil {
			return nil, err
		}
		keys.Lock()

		return w, nil
	}

	w, err = store.Load(id, password)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.wallets[id]; ok {
		w = existing
	} else {
		m.wallets[id] = w
	}
	m.mu.Unlock()

	return w, nil
}

// SetCurrentWalletData makes w the current wallet, registering it if
// needed. Observers are given the chance to stop writing to the previous
// wallet before the pointer moves.
func (m *Manager) SetCurrentWalletData(w *wallet.WalletData) error {
	if w == nil {
		return errors.New("nil wallet")
	}
	if _, err := m.walletStore(); err != nil {
		return err
	}

	m.switchMtx.Lock()
	defer m.switchMtx.Unlock()

	prev := m.currentOption()
	if prev.UnwrapOr(nil) == w {
		return nil
	}

	observers := m.switchObservers()
	for _, o := range observers {
		o.BeforeSwitch(prev)
	}

	m.mu.Lock()
	if existing, ok := m.wallets[w.ID()]; ok && existing != w {
		log.Warnf("Replacing registered instance of wallet %v", w.ID())
	}
	m.wallets[w.ID()] = w
	m.current = fn.Some(w)
	m.mu.Unlock()

	log.Infof("Current wallet is now %v", w.ID())

	next := fn.Some(w)
	for _, o := range observers {
		o.AfterSwitch(next)
	}

	m.notify(w, events.WalletSelected)

	return nil
}

// CurrentWalletData returns the current wallet.
func (m *Manager) CurrentWalletData() (*wallet.WalletData, error) {
	return m.currentOption().UnwrapOrErr(ErrNoCurrentWallet)
}

func (m *Manager) currentOption() fn.Option[*wallet.WalletData] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current
}

func (m *Manager) switchObservers() []SwitchObserver {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]SwitchObserver(nil), m.observers...)
}

// Wallets returns the registered wallets ordered by ID.
func (m *Manager) Wallets() []*wallet.WalletData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wallets := make([]*wallet.WalletData, 0, len(m.wallets))
	for _, w := range m.wallets {
		wallets = append(wallets, w)
	}
	sort.Slice(wallets, func(i, j int) bool {
		return wallets[i].ID() < wallets[j].ID()
	})

	return wallets
}

// StoredWallets returns the IDs of every wallet stored on disk, loaded or
// not.
func (m *Manager) StoredWallets() ([]wallet.ID, error) {
	store, err := m.walletStore()
	if err != nil {
		return nil, err
	}

	return store.List()
}

// DeleteWallet removes a wallet from disk and from the registry. The current
// wallet cannot be deleted.
func (m *Manager) DeleteWallet(id wallet.ID, password []byte) error {
	store, err := m.walletStore()
	if err != nil {
		return err
	}

	m.switchMtx.Lock()
	defer m.switchMtx.Unlock()

	cur := m.currentOption()
	if cur.IsSome() && cur.UnwrapOr(nil).ID() == id {
		return ErrWalletInUse
	}

	if err := store.Delete(id, password); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.wallets, id)
	m.mu.Unlock()

	m.publish(events.WalletChangedEvent{
		WalletID: id,
		Change:   events.WalletDeleted,
	})

	return nil
}

// UpdateDetails replaces the details of a registered wallet if it is still
// at expectedVersion and persists it. It returns the new version.
func (m *Manager) UpdateDetails(id wallet.ID, expectedVersion uint64,
	details wallet.Details) (uint64, error) {

	store, err := m.walletStore()
	if err != nil {
		return 0, err
	}

	m.mu.RLock()
	w, ok := m.wallets[id]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %v", walletstore.ErrNotFound, id)
	}

	version, err := w.UpdateDetails(expectedVersion, details)
	if err != nil {
		return 0, err
	}

	if err := store.Persist(w); err != nil {
		return 0, err
	}

	m.notify(w, events.WalletUpdated)

	return version, nil
}

// Persist writes the wallet to disk.
func (m *Manager) Persist(w *wallet.WalletData) error {
	store, err := m.walletStore()
	if err != nil {
		return err
	}

	return store.Persist(w)
}

func (m *Manager) notify(w *wallet.WalletData, change events.WalletChange) {
	m.publish(events.WalletChangedEvent{
		WalletID: w.ID(),
		Change:   change,
		Version:  w.Version(),
	})
}

func (m *Manager) publish(e events.WalletChangedEvent) {
	if m.cfg.Bus == nil {
		return
	}

	m.cfg.Bus.PublishWalletChanged(e)
}
