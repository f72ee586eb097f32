package wallet

import (
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxRecord is a transaction that pays to or spends from one of the wallet's
// keys.
type TxRecord struct {
	// Tx is the full transaction.
	Tx *wire.MsgTx

	// Hash is the txid of Tx.
	Hash chainhash.Hash

	// Height is the height of the block that confirmed the transaction,
	// zero while it is unconfirmed.
	Height int32

	// BlockHash is the hash of the confirming block, zero while the
	// transaction is unconfirmed.
	BlockHash chainhash.Hash

	// Received is when the wallet first saw the transaction.
	Received time.Time

	// Outgoing is set for transactions the wallet built and broadcast
	// itself.
	Outgoing bool
}

// Confirmed reports whether the transaction is in a block.
func (r *TxRecord) Confirmed() bool {
	return r.Height > 0
}

// Utxo is an unspent output paying to one of the wallet's keys.
type Utxo struct {
	// OutPoint is where the output lives.
	OutPoint wire.OutPoint

	// Value is the amount locked in the output.
	Value btcutil.Amount

	// PkScript is the output script.
	PkScript []byte

	// KeyIndex is the index of the key able to spend the output.
	KeyIndex uint32

	// Height is the confirmation height, zero if unconfirmed.
	Height int32

	// FromSelf is set when the output was created by an outgoing
	// transaction of this wallet, for instance change.
	FromSelf bool
}

// Spendable reports whether the output may be used as an input. Confirmed
// outputs and unconfirmed outputs of our own transactions qualify.
func (u *Utxo) Spendable() bool {
	return u.Height > 0 || u.FromSelf
}

// Balance is derived from the unspent outputs of the wallet.
type Balance struct {
	// Confirmed is the value of all confirmed unspent outputs.
	Confirmed btcutil.Amount

	// Unconfirmed is the value of all unconfirmed unspent outputs.
	Unconfirmed btcutil.Amount
}

// Total returns the sum of the confirmed and unconfirmed balance.
func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed
}

// txStore indexes the transactions of a wallet. It is not safe for
// concurrent use, WalletData guards it.
type txStore struct {
	records map[chainhash.Hash]*TxRecord
	order   []chainhash.Hash

	// spent marks every outpoint consumed by a known transaction.
	spent map[wire.OutPoint]chainhash.Hash
}

func newTxStore() *txStore {
	return &txStore{
		records: make(map[chainhash.Hash]*TxRecord),
		spent:   make(map[wire.OutPoint]chainhash.Hash),
	}
}

// add inserts a new record or updates the confirmation of a known one. It
// returns true if anything changed, so applying the same record twice is a
// no-op.
func (s *txStore) add(rec *TxRecord) bool {
	known, ok := s.records[rec.Hash]
	if ok {
		changed := false
		if rec.Height > 0 && (known.Height != rec.Height ||
			known.BlockHash != rec.BlockHash) {

			known.Height = rec.Height
			known.BlockHash = rec.BlockHash
			changed = true
		}
		if rec.Outgoing && !known.Outgoing {
			known.Outgoing = true
			changed = true
		}

		return changed
	}

	s.records[rec.Hash] = rec
	s.order = append(s.order, rec.Hash)
	for _, txIn := range rec.Tx.TxIn {
		s.spent[txIn.PreviousOutPoint] = rec.Hash
	}

	return true
}

// isOurs reports whether the outpoint pays to one of the wallet's scripts.
func (s *txStore) isOurs(op wire.OutPoint, scripts map[string]uint32) bool {
	rec, ok := s.records[op.Hash]
	if !ok || int(op.Index) >= len(rec.Tx.TxOut) {
		return false
	}
	_, ok = scripts[string(rec.Tx.TxOut[op.Index].PkScript)]

	return ok
}

// utxos lists the unspent outputs paying to the scripts in insertion order.
func (s *txStore) utxos(scripts map[string]uint32) []Utxo {
	var utxos []Utxo
	for _, hash := range s.order {
		rec := s.records[hash]
		for i, txOut := range rec.Tx.TxOut {
			keyIdx, ok := scripts[string(txOut.PkScript)]
			if !ok {
				continue
			}

			op := wire.OutPoint{Hash: hash, Index: uint32(i)}
			if _, spent := s.spent[op]; spent {
				continue
			}

			utxos = append(utxos, Utxo{
				OutPoint: op,
				Value:    btcutil.Amount(txOut.Value),
				PkScript: txOut.PkScript,
				KeyIndex: keyIdx,
				Height:   rec.Height,
				FromSelf: rec.Outgoing,
			})
		}
	}

	return utxos
}

// watched lists the outputs paying to the scripts whose spend is not yet
// confirmed. These are the unspent outputs plus the ones consumed by
// transactions still waiting for a block.
func (s *txStore) watched(scripts map[string]uint32) []Utxo {
	var outputs []Utxo
	for _, hash := range s.order {
		rec := s.records[hash]
		for i, txOut := range rec.Tx.TxOut {
			keyIdx, ok := scripts[string(txOut.PkScript)]
			if !ok {
				continue
			}

			op := wire.OutPoint{Hash: hash, Index: uint32(i)}
			if spender, ok := s.spent[op]; ok &&
				s.records[spender].Confirmed() {

				continue
			}

			outputs = append(outputs, Utxo{
				OutPoint: op,
				Value:    btcutil.Amount(txOut.Value),
				PkScript: txOut.PkScript,
				KeyIndex: keyIdx,
				Height:   rec.Height,
				FromSelf: rec.Outgoing,
			})
		}
	}

	return outputs
}

// list returns copies of the records in the order they were first seen.
func (s *txStore) list() []TxRecord {
	recs := make([]TxRecord, 0, len(s.order))
	for _, hash := range s.order {
		recs = append(recs, *s.records[hash])
	}

	return recs
}

// sortUtxosByValue orders the outputs largest first.
func sortUtxosByValue(utxos []Utxo) {
	sort.SliceStable(utxos, func(i, j int) bool {
		return utxos[i].Value > utxos[j].Value
	})
}
