package sendcoins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/txsort"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/hdwallet/chainfee"
	"github.com/lightningnetwork/hdwallet/events"
	"github.com/lightningnetwork/hdwallet/keychain"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultSubmitTimeout bounds how long the network may take to accept a
// transaction.
const DefaultSubmitTimeout = time.Minute

var (
	// ErrUnknownSourceAddress is returned when the source address of a
	// send is not part of the wallet.
	ErrUnknownSourceAddress = errors.New("source address not in wallet")

	// ErrInsufficientFunds is returned when the source address cannot
	// pay for the amount and the fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for amounts that are not positive or
	// too small to be relayed.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidDestination is returned for destinations of another
	// network.
	ErrInvalidDestination = errors.New("invalid destination address")

	// ErrWrongPassword is returned when the password does not unlock the
	// wallet.
	ErrWrongPassword = wallet.ErrWrongPassword

	// ErrShuttingDown is returned for sends made while the orchestrator
	// stops.
	ErrShuttingDown = errors.New("send orchestrator shutting down")
)

// Publisher broadcasts transactions to the network.
type Publisher interface {
	// PublishTransaction broadcasts the transaction. A refusal by the
	// network is returned as an error.
	PublishTransaction(ctx context.Context, tx *wire.MsgTx) error
}

// SendRequest describes a payment from one of the wallet's addresses.
type SendRequest struct {
	// Destination is the address paid to.
	Destination btcutil.Address

	// Amount is what the destination receives.
	Amount btcutil.Amount

	// SourceAddress is the wallet address whose outputs fund the
	// payment. Change is returned to it.
	SourceAddress btcutil.Address

	// FeeRate is the requested fee rate. It is normalised before use.
	FeeRate chainfee.SatPerKVByte

	// Password unlocks the signing key. It is only used during the call.
	Password []byte
}

// PendingSend tracks a transaction that was handed to the network.
type PendingSend struct {
	// RequestID identifies the send in its SentEvent.
	RequestID uint64

	// TxID is the id of the signed transaction.
	TxID chainhash.Hash

	// Fee is what the transaction pays to miners.
	Fee btcutil.Amount

	done   chan struct{}
	result events.SentEvent
}

// Done returns a channel that is closed once the outcome is known.
func (p *PendingSend) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome of the send. It must only be called after Done
// is closed.
func (p *PendingSend) Result() events.SentEvent {
	return p.result
}

// Wait blocks until the outcome is known or the context expires.
func (p *PendingSend) Wait(ctx context.Context) (events.SentEvent, error) {
	select {
	case <-p.done:
		return p.result, nil

	case <-ctx.Done():
		return events.SentEvent{}, ctx.Err()
	}
}

// Config holds the dependencies of the orchestrator.
type Config struct {
	// Publisher broadcasts signed transactions.
	Publisher Publisher

	// Bus receives a SentEvent for every submitted send. May be nil.
	Bus *events.Bus

	// Persist stores a wallet after an accepted send was recorded in it.
	Persist func(*wallet.WalletData) error

	// Signer produces the input scripts. Defaults to P2PKH signing.
	Signer keychain.InputSigner

	// Clock stamps outgoing transactions. Defaults to the system clock.
	Clock clock.Clock

	// SubmitTimeout bounds the broadcast of a single transaction.
	SubmitTimeout time.Duration
}

// Orchestrator builds, signs and broadcasts payments.
type Orchestrator struct {
	cfg Config

	requestID atomic.Uint64

	// leaseMtx serializes coin selection. leased holds the coins spent by
	// transactions still being submitted so two sends never pick the same
	// coin.
	leaseMtx sync.Mutex
	leased   map[wire.OutPoint]struct{}

	// lastMtx guards last, the most recent submission of every wallet.
	// A submission publishes its event only after the one before it, so
	// the events of a wallet follow the order of the sends.
	lastMtx sync.Mutex
	last    map[wallet.ID]*PendingSend

	gm *fn.GoroutineManager
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Signer == nil {
		cfg.Signer = keychain.P2PKHSigner{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}

	return &Orchestrator{
		cfg:    cfg,
		leased: make(map[wire.OutPoint]struct{}),
		last:   make(map[wallet.ID]*PendingSend),
		gm:     fn.NewGoroutineManager(),
	}
}

// Stop aborts submissions in flight and waits for their events to be
// published.
func (o *Orchestrator) Stop() {
	o.gm.Stop()
}

// Send validates the request, builds and signs the transaction and submits
// it in the background. Validation errors are returned directly and never
// published. Once Send returns a PendingSend exactly one SentEvent follows.
func (o *Orchestrator) Send(ctx context.Context, w *wallet.WalletData,
	req SendRequest) (*PendingSend, error) {

	o.leaseMtx.Lock()
	tx, fee, err := o.buildTx(w, req)
	if err == nil {
		o.lease(tx)
	}
	o.leaseMtx.Unlock()
	if err != nil {
		return nil, err
	}

	pending := &PendingSend{
		RequestID: o.requestID.Add(1),
		TxID:      tx.TxHash(),
		Fee:       fee,
		done:      make(chan struct{}),
	}

	log.Infof("Submitting tx %v paying %v to %v from wallet %v, fee %v",
		pending.TxID, req.Amount, req.Destination, w.ID(), fee)
	log.Tracef("Signed tx %v: %v", pending.TxID,
		newLogClosure(func() string {
			return spew.Sdump(tx)
		}),
	)

	// The submission outlives the caller's context, only the timeout and
	// a shutdown cut it short.
	submitCtx := context.WithoutCancel(ctx)

	o.lastMtx.Lock()
	prev := o.last[w.ID()]
	started := o.gm.Go(submitCtx, func(ctx context.Context) {
		o.submit(ctx, w, tx, pending, prev)
	})
	if started {
		o.last[w.ID()] = pending
	}
	o.lastMtx.Unlock()

	if !started {
		o.release(tx)
		return nil, ErrShuttingDown
	}

	return pending, nil
}

// lease marks the inputs of tx as taken.
//
// NOTE: leaseMtx must be held.
func (o *Orchestrator) lease(tx *wire.MsgTx) {
	for _, txIn := range tx.TxIn {
		o.leased[txIn.PreviousOutPoint] = struct{}{}
	}
}

// release returns the inputs of tx to coin selection.
func (o *Orchestrator) release(tx *wire.MsgTx) {
	o.leaseMtx.Lock()
	defer o.leaseMtx.Unlock()

	for _, txIn := range tx.TxIn {
		delete(o.leased, txIn.PreviousOutPoint)
	}
}

// buildTx turns the request into a signed transaction and returns it with
// its fee.
//
// NOTE: leaseMtx must be held.
func (o *Orchestrator) buildTx(w *wallet.WalletData,
	req SendRequest) (*wire.MsgTx, btcutil.Amount, error) {

	params := w.Params()

	if req.Destination == nil || !req.Destination.IsForNet(params) {
		return nil, 0, fmt.Errorf("%w: %v is not a %s address",
			ErrInvalidDestination, req.Destination, params.Name)
	}
	if req.SourceAddress == nil {
		return nil, 0, ErrUnknownSourceAddress
	}
	key, ok := w.KeyForAddress(req.SourceAddress)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnknownSourceAddress,
			req.SourceAddress)
	}

	destScript, err := txscript.PayToAddrScript(req.Destination)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidDestination, err)
	}
	if req.Amount <= 0 || chainfee.MinimumFeePerKB.IsDust(
		req.Amount, len(destScript),
	) {

		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidAmount,
			req.Amount)
	}

	keys, err := w.Unlock(req.Password)
	if err != nil {
		return nil, 0, err
	}
	defer keys.Lock()

	rate := chainfee.Normalise(int64(req.FeeRate))

	outputs := []*wire.TxOut{wire.NewTxOut(int64(req.Amount), destScript)}
	var coins []wallet.Utxo
	for _, coin := range w.SpendableUtxos(key.Index) {
		if _, ok := o.leased[coin.OutPoint]; !ok {
			coins = append(coins, coin)
		}
	}
	sel, err := selectCoins(coins, outputs, rate)
	if err != nil {
		return nil, 0, err
	}

	sourceScript, err := txscript.PayToAddrScript(req.SourceAddress)
	if err != nil {
		return nil, 0, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, out := range outputs {
		tx.AddTxOut(out)
	}
	if sel.change > 0 {
		tx.AddTxOut(wire.NewTxOut(int64(sel.change), sourceScript))
	}

	prevScripts := make(map[wire.OutPoint][]byte, len(sel.coins))
	for _, coin := range sel.coins {
		op := coin.OutPoint
		tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
		prevScripts[op] = coin.PkScript
	}

	txsort.InPlaceSort(tx)

	privKey, err := keys.DerivePrivKey(key.KeyLocator)
	if err != nil {
		return nil, 0, err
	}
	for i, txIn := range tx.TxIn {
		sigScript, err := o.cfg.Signer.SignInput(
			tx, i, prevScripts[txIn.PreviousOutPoint], privKey,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("unable to sign input %d: %w",
				i, err)
		}
		txIn.SignatureScript = sigScript
	}

	log.Debugf("Built tx %v spending %d coins worth %v at %v, change %v",
		tx.TxHash(), len(sel.coins), sel.total, rate, sel.change)

	return tx, sel.fee, nil
}

// submit broadcasts the transaction and publishes the outcome once prev, the
// previous send of the wallet, published its own.
func (o *Orchestrator) submit(ctx context.Context, w *wallet.WalletData,
	tx *wire.MsgTx, pending, prev *PendingSend) {

	ctx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	defer cancel()

	result := events.SentEvent{
		WalletID:  w.ID(),
		RequestID: pending.RequestID,
	}

	err := o.cfg.Publisher.PublishTransaction(ctx, tx)
	switch {
	case err != nil:
		log.Warnf("Tx %v not accepted: %v", pending.TxID, err)
		result.Reason = err.Error()

	default:
		result.Success = true
		result.TxID = pending.TxID

		w.ApplyOutgoing(tx, o.cfg.Clock.Now())
		if o.cfg.Persist != nil {
			if err := o.cfg.Persist(w); err != nil {
				log.Errorf("Unable to persist wallet %v after "+
					"sending %v: %v", w.ID(), pending.TxID,
					err)
			}
		}
	}

	// Accepted inputs are now spent in the wallet, rejected ones are
	// free again.
	o.release(tx)

	// Every started submission finishes, so this wait is bounded by the
	// submit timeout of the sends before.
	if prev != nil {
		<-prev.done
	}
	o.finish(w.ID(), pending, result)
}

// finish publishes the outcome and then releases waiters on the pending
// send.
func (o *Orchestrator) finish(id wallet.ID, pending *PendingSend,
	result events.SentEvent) {

	if o.cfg.Bus != nil {
		o.cfg.Bus.PublishSent(result)
	}

	pending.result = result
	close(pending.done)

	o.lastMtx.Lock()
	if o.last[id] == pending {
		delete(o.last, id)
	}
	o.lastMtx.Unlock()
}
