package walletstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/hdwallet/multimutex"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// walletDirPrefix prefixes the directory of every wallet.
	walletDirPrefix = "wallet-"

	// keysFileName is the encrypted keychain and metadata file.
	keysFileName = "wallet.keys"

	// historyFileName is the transaction history database.
	historyFileName = "txhistory.db"

	// tempSuffix is appended to files that are being written.
	tempSuffix = ".tmp"
)

var (
	// ErrStorage is returned when the wallet files cannot be read or
	// written.
	ErrStorage = errors.New("wallet storage failure")

	// ErrNotFound is returned when no wallet with the requested ID exists
	// on disk.
	ErrNotFound = errors.New("wallet not found")
)

// Config holds the settings of a Store.
type Config struct {
	// RootDir is the directory all wallet directories live in.
	RootDir string

	// Params are the parameters of the network the wallets are for.
	Params *chaincfg.Params

	// Scrypt is the cost of password based key derivations.
	Scrypt wallet.ScryptOptions
}

// Store persists wallets below a root directory. Each wallet lives in its own
// directory holding an encrypted keys file and a transaction history
// database. Access to a wallet's files is serialized per wallet ID.
type Store struct {
	cfg Config

	locks *multimutex.Mutex[wallet.ID]
}

// New creates a store rooted at cfg.RootDir.
func New(cfg Config) *Store {
	return &Store{
		cfg:   cfg,
		locks: multimutex.NewMutex[wallet.ID](),
	}
}

// Config returns the configuration of the store.
func (s *Store) Config() Config {
	return s.cfg
}

// WalletRoot returns the directory of the wallet with the given ID. It does
// not touch the disk.
func (s *Store) WalletRoot(id wallet.ID) string {
	return WalletRoot(s.cfg.RootDir, id)
}

// WalletRoot maps a wallet ID to its directory below rootDir.
func WalletRoot(rootDir string, id wallet.ID) string {
	return filepath.Join(rootDir, walletDirPrefix+id.String())
}

// Exists reports whether a wallet with the ID is stored on disk.
func (s *Store) Exists(id wallet.ID) bool {
	_, err := os.Stat(filepath.Join(s.WalletRoot(id), keysFileName))

	return err == nil
}

// List returns the IDs of all wallets stored below the root directory.
func (s *Store) List() ([]wallet.ID, error) {
	entries, err := os.ReadDir(s.cfg.RootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var ids []wallet.ID
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, walletDirPrefix) {
			continue
		}

		id, err := wallet.ParseID(strings.TrimPrefix(name, walletDirPrefix))
		if err != nil || !s.Exists(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids, nil
}

// Persist writes the full state of the wallet. The history database is
// replaced within a single transaction and the keys file is swapped in with
// a rename, so a crash leaves either the old or the new version of each
// file. The history is written first, which means a torn persist can only
// leave transactions the sync tip does not account for yet, and those are
// re-applied idempotently.
func (s *Store) Persist(w *wallet.WalletData) error {
	id := w.ID()

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	st := w.Snapshot()
	pubKey := w.PubCryptoKey()

	dir := s.WalletRoot(id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err := writeHistory(dir, st, pubKey); err != nil {
		return fmt.Errorf("%w: unable to write history: %v", ErrStorage,
			err)
	}

	keys, err := encodeKeysFile(st, pubKey)
	if err != nil {
		return fmt.Errorf("%w: unable to encode keys: %v", ErrStorage,
			err)
	}
	if err := writeFileAtomic(filepath.Join(dir, keysFileName), keys); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	log.Debugf("Persisted wallet %v at version %d with %d txs", id,
		st.Version, len(st.Txs))

	return nil
}

// Load reads and decrypts the wallet with the given ID. A wrong password and
// a corrupt file both fail with wallet.ErrWrongPassword and no partial data
// is returned.
func (s *Store) Load(id wallet.ID, password []byte) (*wallet.WalletData,
	error) {

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	dir := s.WalletRoot(id)
	raw, err := os.ReadFile(filepath.Join(dir, keysFileName))
	switch {
	case os.IsNotExist(err):
		return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	// A malformed header still runs through the key derivation so that
	// it costs the same as a wrong password.
	h, err := decodeKeysHeader(raw)
	if err != nil {
		h = &keysHeader{}
	}
	secret := wallet.Secret{
		MasterKeyParams:  h.masterKeyParams,
		EncPubCryptoKey:  h.encPubKey,
		EncPrivCryptoKey: h.encPrivKey,
	}
	pubKey, err := secret.OpenPublic(password, s.cfg.Scrypt)
	if err != nil {
		return nil, wallet.ErrWrongPassword
	}

	st, err := openBody(h, pubKey)
	if err != nil || st.ID != id {
		return nil, wallet.ErrWrongPassword
	}

	hist, err := readHistory(dir, pubKey)
	if err != nil {
		if errors.Is(err, errMalformed) {
			return nil, wallet.ErrWrongPassword
		}

		return nil, fmt.Errorf("%w: unable to read history: %v",
			ErrStorage, err)
	}
	st.Txs = hist.txs

	// Keys derive from the account key alone, so the larger count of the
	// two files restores every key the history may pay to.
	if hist.keyCount > st.KeyCount {
		log.Warnf("Wallet %v keys file counts %d keys, history %d",
			id, st.KeyCount, hist.keyCount)
		st.KeyCount = hist.keyCount
	}

	w, err := wallet.FromState(wallet.Config{
		RootDir:      dir,
		Params:       s.cfg.Params,
		PubCryptoKey: pubKey,
		Scrypt:       s.cfg.Scrypt,
	}, st)
	if err != nil {
		return nil, wallet.ErrWrongPassword
	}

	log.Debugf("Loaded wallet %v with %d keys and %d txs", id,
		st.KeyCount, len(st.Txs))

	return w, nil
}

// Delete removes the wallet directory. The password must open the wallet.
func (s *Store) Delete(id wallet.ID, password []byte) error {
	if _, err := s.Load(id, password); err != nil {
		return err
	}

	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	if err := os.RemoveAll(s.WalletRoot(id)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	log.Infof("Deleted wallet %v", id)

	return nil
}

// writeFileAtomic writes data to a temporary file with O_SYNC and renames it
// over the target.
func writeFileAtomic(name string, data []byte) error {
	tmp := name + tempSuffix
	if err := fn.WriteFileRemove(tmp, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmp, name); err != nil {
		_ = os.Remove(tmp)
		return err
	}

	return syncDir(filepath.Dir(name))
}

// syncDir flushes the directory entry of a rename to disk.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	// Some platforms do not support syncing directories.
	_ = d.Sync()

	return nil
}
