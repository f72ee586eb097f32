package wallet

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/snacl"
	"github.com/lightningnetwork/hdwallet/keychain"
)

// ErrVersionConflict is returned when a versioned update was computed
// against a stale copy of the wallet.
var ErrVersionConflict = errors.New("wallet was modified concurrently")

// Details is the user facing metadata of a wallet.
type Details struct {
	// Name is a short label chosen by the user.
	Name string

	// Description is free form text.
	Description string

	// CreatedAt is when the wallet was first created.
	CreatedAt time.Time
}

// State is a consistent copy of everything a wallet persists.
type State struct {
	ID          ID
	Network     string
	AccountXPub string
	Secret      Secret
	Details     Details
	Version     uint64
	KeyCount    uint32
	SyncHeight  int32
	SyncHash    chainhash.Hash
	Txs         []TxRecord
}

// Config holds what is needed to bring a wallet into memory besides its
// persisted state.
type Config struct {
	// RootDir is the directory the wallet is stored in.
	RootDir string

	// Params are the parameters of the network the wallet is for.
	Params *chaincfg.Params

	// PubCryptoKey seals the wallet files. It is obtained by opening the
	// secret with the password.
	PubCryptoKey *snacl.CryptoKey

	// Scrypt is the cost used for key derivations that fail early.
	Scrypt ScryptOptions
}

// WalletData is the in-memory representation of a single wallet. Its fields
// are only changed through its methods and every method is safe for
// concurrent use.
type WalletData struct {
	// unlocked counts the unlocks currently in progress.
	unlocked atomic.Int32

	cfg Config

	// ring only carries the public account key.
	ring *keychain.HDKeyRing

	mu sync.RWMutex

	id          ID
	accountXPub string
	secret      Secret
	details     Details
	version     uint64

	keys    []keychain.KeyDescriptor
	scripts map[string]uint32

	txs *txStore

	syncHeight int32
	syncHash   chainhash.Hash
}

// FromState creates a wallet from its persisted state.
func FromState(cfg Config, st *State) (*WalletData, error) {
	if cfg.Params == nil || st.Network != cfg.Params.Name {
		return nil, fmt.Errorf("wallet %v is for network %q", st.ID,
			st.Network)
	}

	ring, err := keychain.NewHDKeyRingFromAccount(st.AccountXPub, cfg.Params)
	if err != nil {
		return nil, err
	}

	w := &WalletData{
		cfg:         cfg,
		ring:        ring,
		id:          st.ID,
		accountXPub: st.AccountXPub,
		secret:      st.Secret.Copy(),
		details:     st.Details,
		version:     st.Version,
		scripts:     make(map[string]uint32),
		txs:         newTxStore(),
		syncHeight:  st.SyncHeight,
		syncHash:    st.SyncHash,
	}

	for i := uint32(0); i < st.KeyCount; i++ {
		if _, err := w.deriveNextKey(); err != nil {
			return nil, err
		}
	}

	for i := range st.Txs {
		rec := st.Txs[i]
		w.txs.add(&rec)
	}

	return w, nil
}

// ID returns the identifier of the wallet.
func (w *WalletData) ID() ID {
	return w.id
}

// RootDir returns the directory the wallet is stored in.
func (w *WalletData) RootDir() string {
	return w.cfg.RootDir
}

// Params returns the network parameters of the wallet.
func (w *WalletData) Params() *chaincfg.Params {
	return w.cfg.Params
}

// PubCryptoKey returns the key sealing the wallet files.
func (w *WalletData) PubCryptoKey() *snacl.CryptoKey {
	return w.cfg.PubCryptoKey
}

// Details returns the metadata of the wallet.
func (w *WalletData) Details() Details {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.details
}

// Version returns the number of state changes applied to the wallet.
func (w *WalletData) Version() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.version
}

// UpdateDetails replaces the metadata if the wallet is still at
// expectedVersion and returns the new version.
func (w *WalletData) UpdateDetails(expectedVersion uint64,
	details Details) (uint64, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.version != expectedVersion {
		return 0, fmt.Errorf("%w: at version %d, expected %d",
			ErrVersionConflict, w.version, expectedVersion)
	}

	// The creation time is immutable.
	details.CreatedAt = w.details.CreatedAt
	w.details = details
	w.version++

	return w.version, nil
}

// Keys returns the keychain in derivation order.
func (w *WalletData) Keys() []keychain.KeyDescriptor {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return append([]keychain.KeyDescriptor(nil), w.keys...)
}

// Addresses returns the address of every key in derivation order.
func (w *WalletData) Addresses() ([]btcutil.Address, error) {
	keys := w.Keys()

	addrs := make([]btcutil.Address, 0, len(keys))
	for _, key := range keys {
		addr, err := keychain.AddressFor(key.PubKey, w.cfg.Params)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}

	return addrs, nil
}

// KeyForAddress looks up the key an address was derived from.
func (w *WalletData) KeyForAddress(addr btcutil.Address) (
	keychain.KeyDescriptor, bool) {

	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, key := range w.keys {
		ours, err := keychain.AddressFor(key.PubKey, w.cfg.Params)
		if err != nil {
			continue
		}
		if ours.EncodeAddress() == addr.EncodeAddress() {
			return key, true
		}
	}

	return keychain.KeyDescriptor{}, false
}

// DeriveNextKey appends the next key to the keychain.
func (w *WalletData) DeriveNextKey() (keychain.KeyDescriptor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	desc, err := w.deriveNextKey()
	if err != nil {
		return keychain.KeyDescriptor{}, err
	}
	w.version++

	return desc, nil
}

func (w *WalletData) deriveNextKey() (keychain.KeyDescriptor, error) {
	loc := keychain.KeyLocator{Index: uint32(len(w.keys))}
	desc, err := w.ring.DeriveKey(loc)
	if err != nil {
		return keychain.KeyDescriptor{}, err
	}

	pkScript, err := keychain.PkScriptFor(desc.PubKey, w.cfg.Params)
	if err != nil {
		return keychain.KeyDescriptor{}, err
	}

	w.keys = append(w.keys, desc)
	w.scripts[string(pkScript)] = loc.Index

	return desc, nil
}

// IsRelevant reports whether the transaction pays to or spends from the
// wallet.
func (w *WalletData) IsRelevant(tx *wire.MsgTx) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.isRelevant(tx)
}

func (w *WalletData) isRelevant(tx *wire.MsgTx) bool {
	for _, txOut := range tx.TxOut {
		if _, ok := w.scripts[string(txOut.PkScript)]; ok {
			return true
		}
	}
	for _, txIn := range tx.TxIn {
		if w.txs.isOurs(txIn.PreviousOutPoint, w.scripts) {
			return true
		}
	}

	return false
}

// ApplyTransaction records a relevant transaction seen on the network. A
// zero height marks it unconfirmed. Applying a transaction that is already
// known at the same height changes nothing, so replays are harmless. It
// returns whether the wallet changed.
func (w *WalletData) ApplyTransaction(tx *wire.MsgTx, height int32,
	blockHash *chainhash.Hash, seen time.Time) bool {

	return w.apply(tx, height, blockHash, seen, false)
}

// ApplyOutgoing records a transaction the wallet built and broadcast.
func (w *WalletData) ApplyOutgoing(tx *wire.MsgTx, seen time.Time) bool {
	return w.apply(tx, 0, nil, seen, true)
}

func (w *WalletData) apply(tx *wire.MsgTx, height int32,
	blockHash *chainhash.Hash, seen time.Time, outgoing bool) bool {

	w.mu.Lock()
	defer w.mu.Unlock()

	if !outgoing && !w.isRelevant(tx) {
		return false
	}

	rec := &TxRecord{
		Tx:       tx,
		Hash:     tx.TxHash(),
		Height:   height,
		Received: seen,
		Outgoing: outgoing,
	}
	if blockHash != nil {
		rec.BlockHash = *blockHash
	}

	if !w.txs.add(rec) {
		return false
	}
	w.version++

	log.Debugf("Wallet %v recorded tx %v at height %d", w.id, rec.Hash,
		height)

	return true
}

// Transactions returns the history of the wallet in the order transactions
// were first seen.
func (w *WalletData) Transactions() []TxRecord {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.txs.list()
}

// Utxos returns every unspent output of the wallet.
func (w *WalletData) Utxos() []Utxo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.txs.utxos(w.scripts)
}

// WatchedOutputs returns the outputs of the wallet whose spend has not been
// confirmed yet. A rescan must watch them since the transaction spending
// them may pay to no address of the wallet.
func (w *WalletData) WatchedOutputs() []Utxo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.txs.watched(w.scripts)
}

// SpendableUtxos returns the spendable outputs locked to the key, largest
// first.
func (w *WalletData) SpendableUtxos(keyIndex uint32) []Utxo {
	var spendable []Utxo
	for _, utxo := range w.Utxos() {
		if utxo.KeyIndex == keyIndex && utxo.Spendable() {
			spendable = append(spendable, utxo)
		}
	}
	sortUtxosByValue(spendable)

	return spendable
}

// Balance recomputes the balance from the unspent outputs.
func (w *WalletData) Balance() Balance {
	var bal Balance
	for _, utxo := range w.Utxos() {
		if utxo.Height > 0 {
			bal.Confirmed += utxo.Value
		} else {
			bal.Unconfirmed += utxo.Value
		}
	}

	return bal
}

// SyncTip returns the last block the wallet was synchronized to.
func (w *WalletData) SyncTip() (int32, chainhash.Hash) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.syncHeight, w.syncHash
}

// SetSyncTip records the last block the wallet was synchronized to.
func (w *WalletData) SetSyncTip(height int32, hash chainhash.Hash) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.syncHeight == height && w.syncHash == hash {
		return
	}
	w.syncHeight = height
	w.syncHash = hash
	w.version++
}

// Snapshot returns a consistent copy of the persisted state.
func (w *WalletData) Snapshot() *State {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return &State{
		ID:          w.id,
		Network:     w.cfg.Params.Name,
		AccountXPub: w.accountXPub,
		Secret:      w.secret.Copy(),
		Details:     w.details,
		Version:     w.version,
		KeyCount:    uint32(len(w.keys)),
		SyncHeight:  w.syncHeight,
		SyncHash:    w.syncHash,
		Txs:         w.txs.list(),
	}
}

// IsLocked reports whether no unlock is in progress.
func (w *WalletData) IsLocked() bool {
	return w.unlocked.Load() == 0
}

// Unlock decrypts the signing keys with the password. The keys stay usable
// until Lock is called on the returned value, which the caller must do as
// soon as possible.
func (w *WalletData) Unlock(password []byte) (*UnlockedKeys, error) {
	w.mu.RLock()
	secret := w.secret.Copy()
	w.mu.RUnlock()

	xprv, err := secret.openPrivate(password, w.cfg.Scrypt)
	if err != nil {
		return nil, err
	}
	defer zero(xprv)

	ring, err := keychain.NewHDKeyRingFromAccount(
		string(xprv), w.cfg.Params,
	)
	if err != nil {
		return nil, ErrWrongPassword
	}

	w.unlocked.Add(1)

	return &UnlockedKeys{
		ring:   ring,
		wallet: w,
	}, nil
}

// UnlockedKeys gives temporary access to the private keys of a wallet.
type UnlockedKeys struct {
	ring   *keychain.HDKeyRing
	wallet *WalletData
	once   sync.Once
}

// A compile time check to ensure UnlockedKeys implements the
// keychain.SecretKeyRing interface.
var _ keychain.SecretKeyRing = (*UnlockedKeys)(nil)

// DeriveKey derives the public key at the locator.
//
// NOTE: This is part of the keychain.KeyRing interface.
func (u *UnlockedKeys) DeriveKey(loc keychain.KeyLocator) (
	keychain.KeyDescriptor, error) {

	return u.ring.DeriveKey(loc)
}

// DerivePrivKey derives the private key at the locator.
//
// NOTE: This is part of the keychain.SecretKeyRing interface.
func (u *UnlockedKeys) DerivePrivKey(loc keychain.KeyLocator) (
	*btcec.PrivateKey, error) {

	return u.ring.DerivePrivKey(loc)
}

// Lock wipes the private keys. It is safe to call more than once.
func (u *UnlockedKeys) Lock() {
	u.once.Do(func() {
		u.ring.Zero()
		u.wallet.unlocked.Add(-1)
	})
}
