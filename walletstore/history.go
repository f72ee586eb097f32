package walletstore

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcwallet/snacl"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/lightningnetwork/lnd/kvdb"
)

var (
	// txBucket holds the sealed transaction records keyed by their
	// position in the history.
	txBucket = []byte("txs")

	// metaBucket holds the sealed number of keys the history was written
	// with. The keys file is written after the history, so after a crash
	// between the two it may count fewer keys than the history uses.
	metaBucket = []byte("meta")

	keyCountKey = []byte("key-count")
)

// history is what the history database stores.
type history struct {
	txs      []wallet.TxRecord
	keyCount uint32
}

// openHistory opens, creating if needed, the bolt history database.
func openHistory(dir string) (kvdb.Backend, error) {
	return kvdb.Create(
		kvdb.BoltBackendName, filepath.Join(dir, historyFileName), true,
		kvdb.DefaultDBTimeout, false,
	)
}

// writeHistory replaces the stored history with the transactions and key
// count of st in one database transaction.
func writeHistory(dir string, st *wallet.State,
	pubKey *snacl.CryptoKey) error {

	db, err := openHistory(dir)
	if err != nil {
		return err
	}
	defer db.Close()

	return kvdb.Update(db, func(tx kvdb.RwTx) error {
		err := tx.DeleteTopLevelBucket(txBucket)
		if err != nil && err != kvdb.ErrBucketNotFound {
			return err
		}

		bucket, err := tx.CreateTopLevelBucket(txBucket)
		if err != nil {
			return err
		}

		for i := range st.Txs {
			raw, err := encodeTxRecord(&st.Txs[i])
			if err != nil {
				return err
			}

			sealed, err := pubKey.Encrypt(raw)
			if err != nil {
				return err
			}

			var key [8]byte
			binary.BigEndian.PutUint64(key[:], uint64(i))
			if err := bucket.Put(key[:], sealed); err != nil {
				return err
			}
		}

		meta, err := tx.CreateTopLevelBucket(metaBucket)
		if err != nil {
			return err
		}

		var count [4]byte
		binary.BigEndian.PutUint32(count[:], st.KeyCount)
		sealed, err := pubKey.Encrypt(count[:])
		if err != nil {
			return err
		}

		return meta.Put(keyCountKey, sealed)
	}, func() {})
}

// readHistory returns the stored history with its transactions in order. A
// missing database is an empty history.
func readHistory(dir string, pubKey *snacl.CryptoKey) (*history, error) {
	_, err := os.Stat(filepath.Join(dir, historyFileName))
	if os.IsNotExist(err) {
		return &history{}, nil
	}

	db, err := openHistory(dir)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	h := &history{}
	err = kvdb.View(db, func(tx kvdb.RTx) error {
		if meta := tx.ReadBucket(metaBucket); meta != nil {
			if sealed := meta.Get(keyCountKey); sealed != nil {
				count, err := pubKey.Decrypt(sealed)
				if err != nil || len(count) != 4 {
					return errMalformed
				}
				h.keyCount = binary.BigEndian.Uint32(count)
			}
		}

		bucket := tx.ReadBucket(txBucket)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(_, v []byte) error {
			raw, err := pubKey.Decrypt(v)
			if err != nil {
				return errMalformed
			}

			rec, err := decodeTxRecord(raw)
			if err != nil {
				return errMalformed
			}
			h.txs = append(h.txs, *rec)

			return nil
		})
	}, func() {
		h = &history{}
	})
	if err != nil {
		return nil, err
	}

	return h, nil
}
