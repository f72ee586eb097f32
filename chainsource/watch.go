package chainsource

import (
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// WatchList tracks the output scripts of watched addresses and the outputs
// paying to them, so that both payments to and spends from the addresses
// are recognised.
type WatchList struct {
	mu        sync.RWMutex
	scripts   map[string]struct{}
	outpoints map[wire.OutPoint]struct{}
}

// NewWatchList creates a watch list for the addresses.
func NewWatchList(addrs []btcutil.Address) (*WatchList, error) {
	w := &WatchList{
		scripts:   make(map[string]struct{}),
		outpoints: make(map[wire.OutPoint]struct{}),
	}
	if err := w.Add(addrs); err != nil {
		return nil, err
	}

	return w, nil
}

// Add starts watching the addresses.
func (w *WatchList) Add(addrs []btcutil.Address) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, addr := range addrs {
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return err
		}
		w.scripts[string(pkScript)] = struct{}{}
	}

	return nil
}

// AddOutputs starts watching the outputs for spends.
func (w *WatchList) AddOutputs(outputs []WatchedOutput) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, out := range outputs {
		w.outpoints[out.OutPoint] = struct{}{}
	}
}

// Len returns the number of watched scripts.
func (w *WatchList) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return len(w.scripts)
}

// Match reports whether the transaction pays to or spends from a watched
// address. Outputs paying to a watched address are remembered so later
// spends of them match too.
func (w *WatchList) Match(tx *wire.MsgTx) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	matched := false
	for _, in := range tx.TxIn {
		if _, ok := w.outpoints[in.PreviousOutPoint]; ok {
			matched = true
			break
		}
	}

	hash := tx.TxHash()
	for i, out := range tx.TxOut {
		if _, ok := w.scripts[string(out.PkScript)]; ok {
			w.outpoints[wire.OutPoint{
				Hash:  hash,
				Index: uint32(i),
			}] = struct{}{}
			matched = true
		}
	}

	return matched
}
