package sendcoins

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/hdwallet/chainfee"
	"github.com/lightningnetwork/hdwallet/chainsource"
	"github.com/lightningnetwork/hdwallet/events"
	"github.com/lightningnetwork/hdwallet/keychain"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/stretchr/testify/require"
)

const timeout = 5 * time.Second

var (
	testParams   = &chaincfg.RegressionNetParams
	testPassword = []byte("orinocoFlow")
	testTime     = time.Unix(1700000000, 0)
)

// mockPublisher records published transactions and answers with err. If gate
// is set every publish waits for it or for its context.
type mockPublisher struct {
	mu        sync.Mutex
	err       error
	gate      chan struct{}
	published []*wire.MsgTx
}

func (m *mockPublisher) PublishTransaction(ctx context.Context,
	tx *wire.MsgTx) error {

	m.mu.Lock()
	gate, err := m.gate, m.err
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, tx)

	return nil
}

func (m *mockPublisher) Published() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*wire.MsgTx(nil), m.published...)
}

type harness struct {
	t         *testing.T
	w         *wallet.WalletData
	source    btcutil.Address
	dest      btcutil.Address
	pub       *mockPublisher
	bus       *events.Bus
	sent      <-chan events.SentEvent
	o         *Orchestrator
	persisted chan *wallet.WalletData
}

func newHarness(t *testing.T, seed byte, cfg Config) *harness {
	t.Helper()

	w, err := wallet.Create(
		bytes.Repeat([]byte{seed}, 32), testPassword,
		wallet.CreateConfig{
			Params:  testParams,
			Scrypt:  wallet.FastScryptOptions,
			RootDir: func(id wallet.ID) string { return t.TempDir() },
		},
	)
	require.NoError(t, err)

	addrs, err := w.Addresses()
	require.NoError(t, err)

	dest, err := btcutil.NewAddressPubKeyHash(
		bytes.Repeat([]byte{0x42}, 20), testParams,
	)
	require.NoError(t, err)

	bus := events.NewBus()
	require.NoError(t, bus.Start())
	client, err := bus.SubscribeSent()
	require.NoError(t, err)

	h := &harness{
		t:         t,
		w:         w,
		source:    addrs[0],
		dest:      dest,
		pub:       &mockPublisher{},
		bus:       bus,
		sent:      client.Updates(),
		persisted: make(chan *wallet.WalletData, 10),
	}

	if cfg.Publisher == nil {
		cfg.Publisher = h.pub
	}
	cfg.Bus = bus
	cfg.Persist = func(w *wallet.WalletData) error {
		h.persisted <- w
		return nil
	}
	h.o = New(cfg)

	t.Cleanup(func() {
		h.o.Stop()
		require.NoError(t, bus.Stop())
	})

	return h
}

// fund confirms an output of value paying to the source address.
func (h *harness) fund(value int64, salt uint32) wire.OutPoint {
	pkScript, err := txscript.PayToAddrScript(h.source)
	require.NoError(h.t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&chainhash.Hash{0xfe}, salt), []byte{0x51},
		nil,
	))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))

	block := chainhash.Hash{byte(salt)}
	require.True(h.t, h.w.ApplyTransaction(tx, 10, &block, testTime))

	return wire.OutPoint{Hash: tx.TxHash(), Index: 0}
}

func (h *harness) request(amt btcutil.Amount) SendRequest {
	return SendRequest{
		Destination:   h.dest,
		Amount:        amt,
		SourceAddress: h.source,
		FeeRate:       chainfee.DefaultFeePerKB,
		Password:      testPassword,
	}
}

func (h *harness) expectEvent() events.SentEvent {
	h.t.Helper()

	select {
	case e := <-h.sent:
		return e
	case <-time.After(timeout):
		h.t.Fatalf("no sent event")
	}

	return events.SentEvent{}
}

func (h *harness) expectNoEvent() {
	h.t.Helper()

	select {
	case e := <-h.sent:
		h.t.Fatalf("unexpected sent event %v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func wait(t *testing.T, p *PendingSend) events.SentEvent {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := p.Wait(ctx)
	require.NoError(t, err)

	return result
}

// verifyInputs runs every input script of tx against the output it spends.
func verifyInputs(t *testing.T, w *wallet.WalletData, tx *wire.MsgTx) {
	t.Helper()

	prevOuts := make(map[wire.OutPoint]*wire.TxOut)
	for _, rec := range w.Transactions() {
		for i, out := range rec.Tx.TxOut {
			prevOuts[wire.OutPoint{Hash: rec.Hash, Index: uint32(i)}] =
				out
		}
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)

	for i, txIn := range tx.TxIn {
		prev, ok := prevOuts[txIn.PreviousOutPoint]
		require.True(t, ok)

		vm, err := txscript.NewEngine(
			prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, txscript.NewTxSigHashes(tx, fetcher), prev.Value,
			fetcher,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute())
	}
}

// TestSendSuccess sends with change and checks the transaction, the event
// and the resulting wallet state.
func TestSendSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0x01, Config{})
	h.fund(1_000_000, 1)

	pending, err := h.o.Send(context.Background(), h.w, h.request(100_000))
	require.NoError(t, err)

	result := wait(t, pending)
	require.True(t, result.Success)
	require.Equal(t, pending.TxID, result.TxID)
	require.Equal(t, h.w.ID(), result.WalletID)
	require.Equal(t, pending.RequestID, result.RequestID)
	require.Equal(t, result, h.expectEvent())

	published := h.pub.Published()
	require.Len(t, published, 1)
	tx := published[0]
	require.Equal(t, pending.TxID, tx.TxHash())
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 2)

	destScript, err := txscript.PayToAddrScript(h.dest)
	require.NoError(t, err)

	// One P2PKH input paying the destination and change.
	expectedFee := chainfee.DefaultFeePerKB.FeeForSize(
		txsizes.EstimateSerializeSize(
			1, []*wire.TxOut{wire.NewTxOut(100_000, destScript)},
			true,
		),
	)
	require.Equal(t, expectedFee, pending.Fee)

	var paid, change int64
	for _, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, destScript) {
			paid += out.Value
		} else {
			change += out.Value
		}
	}
	require.EqualValues(t, 100_000, paid)
	require.EqualValues(t, 1_000_000-100_000-int64(expectedFee), change)

	verifyInputs(t, h.w, tx)

	select {
	case w := <-h.persisted:
		require.Same(t, h.w, w)
	case <-time.After(timeout):
		t.Fatalf("wallet not persisted")
	}

	bal := h.w.Balance()
	require.Zero(t, bal.Confirmed)
	require.Equal(t, btcutil.Amount(change), bal.Unconfirmed)
	require.True(t, h.w.IsLocked())

	// The unconfirmed change is ours, so it can be spent right away.
	pending, err = h.o.Send(context.Background(), h.w, h.request(50_000))
	require.NoError(t, err)
	require.True(t, wait(t, pending).Success)
}

// TestSendInsufficientFunds checks a send the source cannot pay for fails
// synchronously and publishes nothing.
func TestSendInsufficientFunds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0x02, Config{})

	_, err := h.o.Send(context.Background(), h.w, h.request(100_000))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	// Exactly the balance leaves nothing for the fee.
	h.fund(100_000, 1)
	_, err = h.o.Send(context.Background(), h.w, h.request(100_000))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	h.expectNoEvent()
	require.Empty(t, h.pub.Published())
}

// TestSendValidation covers the requests rejected before anything is built.
func TestSendValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0x03, Config{})
	h.fund(1_000_000, 1)

	foreign, err := btcutil.NewAddressPubKeyHash(
		bytes.Repeat([]byte{0x07}, 20), testParams,
	)
	require.NoError(t, err)

	mainnetDest, err := btcutil.NewAddressPubKeyHash(
		bytes.Repeat([]byte{0x42}, 20), &chaincfg.MainNetParams,
	)
	require.NoError(t, err)

	tests := []struct {
		name   string
		modify func(*SendRequest)
		err    error
	}{
		{
			name:   "unknown source",
			modify: func(r *SendRequest) { r.SourceAddress = foreign },
			err:    ErrUnknownSourceAddress,
		},
		{
			name:   "missing source",
			modify: func(r *SendRequest) { r.SourceAddress = nil },
			err:    ErrUnknownSourceAddress,
		},
		{
			name: "wrong password",
			modify: func(r *SendRequest) {
				r.Password = []byte("not the password")
			},
			err: ErrWrongPassword,
		},
		{
			name:   "zero amount",
			modify: func(r *SendRequest) { r.Amount = 0 },
			err:    ErrInvalidAmount,
		},
		{
			name:   "dust amount",
			modify: func(r *SendRequest) { r.Amount = 100 },
			err:    ErrInvalidAmount,
		},
		{
			name:   "other network",
			modify: func(r *SendRequest) { r.Destination = mainnetDest },
			err:    ErrInvalidDestination,
		},
	}

	for _, test := range tests {
		req := h.request(10_000)
		test.modify(&req)

		_, err := h.o.Send(context.Background(), h.w, req)
		require.ErrorIs(t, err, test.err, test.name)
	}

	h.expectNoEvent()
	require.True(t, h.w.IsLocked())
}

// TestSendRejected checks a refusal is published as a failed send, leaves the
// wallet untouched and frees the coins.
func TestSendRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0x04, Config{})
	h.fund(1_000_000, 1)
	h.pub.err = fmt.Errorf("%w: bad-txns", chainsource.ErrAdapterRejection)

	pending, err := h.o.Send(context.Background(), h.w, h.request(100_000))
	require.NoError(t, err)

	result := wait(t, pending)
	require.False(t, result.Success)
	require.Contains(t, result.Reason, "bad-txns")
	require.Equal(t, result, h.expectEvent())
	h.expectNoEvent()

	require.Len(t, h.w.Transactions(), 1)
	require.Equal(t, btcutil.Amount(1_000_000), h.w.Balance().Confirmed)

	// The coin is available for the next attempt.
	h.pub.mu.Lock()
	h.pub.err = nil
	h.pub.mu.Unlock()

	pending, err = h.o.Send(context.Background(), h.w, h.request(100_000))
	require.NoError(t, err)
	require.True(t, wait(t, pending).Success)
}

// TestSendTimeout checks a network that never answers yields a failed send
// once the submit timeout expires.
func TestSendTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0x05, Config{SubmitTimeout: 50 * time.Millisecond})
	h.fund(1_000_000, 1)
	h.pub.gate = make(chan struct{})

	// Cancelling the caller's context does not abort the submission.
	ctx, cancel := context.WithCancel(context.Background())
	pending, err := h.o.Send(ctx, h.w, h.request(100_000))
	require.NoError(t, err)
	cancel()

	result := wait(t, pending)
	require.False(t, result.Success)
	require.Contains(t, result.Reason, context.DeadlineExceeded.Error())
	require.Equal(t, result, h.expectEvent())
}

// TestConcurrentSendsUseDistinctCoins checks coins of a send still in flight
// are not selected again.
func TestConcurrentSendsUseDistinctCoins(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0x06, Config{})
	h.fund(500_000, 1)
	h.fund(400_000, 2)
	gate := make(chan struct{})
	h.pub.gate = gate

	first, err := h.o.Send(context.Background(), h.w, h.request(300_000))
	require.NoError(t, err)
	second, err := h.o.Send(context.Background(), h.w, h.request(300_000))
	require.NoError(t, err)

	_, err = h.o.Send(context.Background(), h.w, h.request(300_000))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	close(gate)
	require.True(t, wait(t, first).Success)
	require.True(t, wait(t, second).Success)

	published := h.pub.Published()
	require.Len(t, published, 2)

	spent := make(map[wire.OutPoint]struct{})
	for _, tx := range published {
		for _, txIn := range tx.TxIn {
			_, dup := spent[txIn.PreviousOutPoint]
			require.False(t, dup)
			spent[txIn.PreviousOutPoint] = struct{}{}
		}
	}
}

// releasePublisher holds every broadcast until the test releases its
// transaction.
type releasePublisher struct {
	mu    sync.Mutex
	gates map[chainhash.Hash]chan struct{}
}

func (p *releasePublisher) gate(hash chainhash.Hash) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gates == nil {
		p.gates = make(map[chainhash.Hash]chan struct{})
	}
	gate, ok := p.gates[hash]
	if !ok {
		gate = make(chan struct{})
		p.gates[hash] = gate
	}

	return gate
}

func (p *releasePublisher) PublishTransaction(ctx context.Context,
	tx *wire.MsgTx) error {

	select {
	case <-p.gate(tx.TxHash()):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TestSentEventsFollowSendOrder checks the events of a wallet are published
// in the order of the sends even when the network accepts a later
// transaction first.
func TestSentEventsFollowSendOrder(t *testing.T) {
	t.Parallel()

	pub := &releasePublisher{}
	h := newHarness(t, 0x08, Config{Publisher: pub})
	h.fund(500_000, 1)
	h.fund(400_000, 2)

	first, err := h.o.Send(context.Background(), h.w, h.request(300_000))
	require.NoError(t, err)
	second, err := h.o.Send(context.Background(), h.w, h.request(300_000))
	require.NoError(t, err)
	require.Less(t, first.RequestID, second.RequestID)

	// The second broadcast completes but waits for the first.
	close(pub.gate(second.TxID))
	h.expectNoEvent()
	select {
	case <-second.Done():
		t.Fatalf("second send finished before the first")
	default:
	}

	close(pub.gate(first.TxID))

	e := h.expectEvent()
	require.Equal(t, first.RequestID, e.RequestID)
	require.Equal(t, first.TxID, e.TxID)
	require.True(t, e.Success)

	e = h.expectEvent()
	require.Equal(t, second.RequestID, e.RequestID)
	require.Equal(t, second.TxID, e.TxID)
	require.True(t, e.Success)

	require.Equal(t, e, wait(t, second))
}

// TestStopFailsPendingSends checks stopping the orchestrator still publishes
// one failed event for a send in flight and refuses new ones.
func TestStopFailsPendingSends(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0x07, Config{})
	h.fund(1_000_000, 1)
	h.pub.gate = make(chan struct{})

	pending, err := h.o.Send(context.Background(), h.w, h.request(100_000))
	require.NoError(t, err)

	h.o.Stop()

	select {
	case <-pending.Done():
	default:
		t.Fatalf("pending send not finished after stop")
	}
	require.False(t, pending.Result().Success)
	require.Equal(t, pending.Result(), h.expectEvent())

	_, err = h.o.Send(context.Background(), h.w, h.request(100_000))
	require.ErrorIs(t, err, ErrShuttingDown)
}

// TestKeyForSigning sanity checks the source key signs for its address.
func TestKeyForSigning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0x08, Config{})
	key, ok := h.w.KeyForAddress(h.source)
	require.True(t, ok)

	addr, err := keychain.AddressFor(key.PubKey, testParams)
	require.NoError(t, err)
	require.Equal(t, h.source.EncodeAddress(), addr.EncodeAddress())
}
