package chainsource

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/queue"
)

// mockBlock is a block of the in-memory chain.
type mockBlock struct {
	stamp BlockStamp
	txs   []*wire.MsgTx
}

// MockSource is an in-memory chain source. Blocks are added by the caller and
// published transactions land in its mempool.
type MockSource struct {
	mu sync.Mutex

	blocks  []mockBlock
	mempool map[chainhash.Hash]*wire.MsgTx

	connected       bool
	connectAttempts int
	connectFailures int

	publishHook func(context.Context, *wire.MsgTx) error
	published   []*wire.MsgTx

	rescanGate chan struct{}

	watch *WatchList
	ntfns *queue.ConcurrentQueue
}

// A compile time check to ensure MockSource implements the ChainSource
// interface.
var _ ChainSource = (*MockSource)(nil)

// NewMockSource creates a chain holding only the genesis block of params.
func NewMockSource(params *chaincfg.Params) *MockSource {
	return &MockSource{
		blocks: []mockBlock{{
			stamp: BlockStamp{Hash: *params.GenesisHash},
		}},
		mempool: make(map[chainhash.Hash]*wire.MsgTx),
	}
}

// SetConnectFailures makes the next n connection attempts fail.
func (m *MockSource) SetConnectFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connectFailures = n
}

// ConnectAttempts returns how often Connect was called.
func (m *MockSource) ConnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connectAttempts
}

// SetPublishHook overrides how published transactions are handled. A nil
// hook accepts every transaction into the mempool.
func (m *MockSource) SetPublishHook(
	hook func(context.Context, *wire.MsgTx) error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.publishHook = hook
}

// SetRescanGate makes Rescan wait for a value on gate before each block it
// scans. A nil gate removes the wait.
func (m *MockSource) SetRescanGate(gate chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rescanGate = gate
}

// Published returns the transactions accepted by PublishTransaction.
func (m *MockSource) Published() []*wire.MsgTx {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]*wire.MsgTx(nil), m.published...)
}

// IsConnected reports whether a session is connected.
func (m *MockSource) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.connected
}

// AddBlock mines a block with the transactions on top of the chain and
// removes them from the mempool. Connected clients are notified.
func (m *MockSource) AddBlock(txs ...*wire.MsgTx) BlockStamp {
	m.mu.Lock()
	defer m.mu.Unlock()

	tip := m.blocks[len(m.blocks)-1].stamp

	var buf [36]byte
	copy(buf[:32], tip.Hash[:])
	binary.BigEndian.PutUint32(buf[32:], uint32(tip.Height+1))

	stamp := BlockStamp{
		Height: tip.Height + 1,
		Hash:   chainhash.DoubleHashH(buf[:]),
	}
	m.blocks = append(m.blocks, mockBlock{stamp: stamp, txs: txs})

	for _, tx := range txs {
		delete(m.mempool, tx.TxHash())
	}

	m.notify(BlockConnected{BlockStamp: stamp})

	return stamp
}

// AddMempoolTx adds an unconfirmed transaction. Connected clients watching
// one of its addresses are notified.
func (m *MockSource) AddMempoolTx(tx *wire.MsgTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.addMempoolTx(tx)
}

func (m *MockSource) addMempoolTx(tx *wire.MsgTx) {
	m.mempool[tx.TxHash()] = tx

	if m.watch != nil && m.watch.Match(tx) {
		m.notify(RelevantTx{Tx: tx})
	}
}

// notify queues a notification for the connected client. The caller must
// hold the mutex.
func (m *MockSource) notify(ntfn interface{}) {
	if !m.connected {
		return
	}

	m.ntfns.ChanIn() <- ntfn
}

// Connect starts a session, failing as configured by SetConnectFailures.
//
// NOTE: This is part of the ChainSource interface.
func (m *MockSource) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connectAttempts++

	if err := ctx.Err(); err != nil {
		return err
	}

	if m.connectFailures > 0 {
		m.connectFailures--
		return fmt.Errorf("%w: mock refused attempt %d",
			ErrAdapterConnection, m.connectAttempts)
	}

	if m.connected {
		return nil
	}

	m.watch, _ = NewWatchList(nil)
	m.ntfns = queue.NewConcurrentQueue(20)
	m.ntfns.Start()
	m.connected = true

	log.Debugf("Mock source connected at height %d", len(m.blocks)-1)

	return nil
}

// Disconnect ends the session and stops its notifications.
//
// NOTE: This is part of the ChainSource interface.
func (m *MockSource) Disconnect() {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	ntfns := m.ntfns
	m.watch = nil
	m.mu.Unlock()

	ntfns.Stop()
}

// BestBlock returns the tip of the chain.
//
// NOTE: This is part of the ChainSource interface.
func (m *MockSource) BestBlock(_ context.Context) (*BlockStamp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, ErrAdapterConnection
	}

	stamp := m.blocks[len(m.blocks)-1].stamp

	return &stamp, nil
}

// Rescan reports the relevant transactions of the blocks in range. Like a
// filter based scan it only learns about outputs from the blocks it
// scans, so spends of older outputs are found through outputs alone.
//
// NOTE: This is part of the ChainSource interface.
func (m *MockSource) Rescan(ctx context.Context, addrs []btcutil.Address,
	outputs []WatchedOutput, from, to int32,
	onBlock func(FilteredBlock) error) error {

	watch, err := NewWatchList(addrs)
	if err != nil {
		return err
	}
	watch.AddOutputs(outputs)

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrAdapterConnection
	}
	if to >= int32(len(m.blocks)) {
		to = int32(len(m.blocks)) - 1
	}
	if from < 0 {
		from = 0
	}
	var blocks []mockBlock
	if from <= to {
		blocks = append(blocks, m.blocks[from:to+1]...)
	}
	gate := m.rescanGate
	m.mu.Unlock()

	for _, block := range blocks {
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		var relevant []*wire.MsgTx
		for _, tx := range block.txs {
			if watch.Match(tx) {
				relevant = append(relevant, tx)
			}
		}

		if len(relevant) == 0 {
			continue
		}

		err := onBlock(FilteredBlock{
			BlockStamp: block.stamp,
			Txs:        relevant,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// NotifyReceived watches the addresses for mempool transactions, reporting
// those already in the mempool right away.
//
// NOTE: This is part of the ChainSource interface.
func (m *MockSource) NotifyReceived(addrs []btcutil.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrAdapterConnection
	}

	if err := m.watch.Add(addrs); err != nil {
		return err
	}

	// Outputs confirmed so far must be known to recognise spends.
	for _, block := range m.blocks {
		for _, tx := range block.txs {
			m.watch.Match(tx)
		}
	}
	for _, tx := range m.mempool {
		if m.watch.Match(tx) {
			m.notify(RelevantTx{Tx: tx})
		}
	}

	return nil
}

// Notifications returns the notification channel of the current session.
//
// NOTE: This is part of the ChainSource interface.
func (m *MockSource) Notifications() <-chan interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ntfns == nil {
		return nil
	}

	return m.ntfns.ChanOut()
}

// PublishTransaction hands the transaction to the publish hook or accepts it
// into the mempool.
//
// NOTE: This is part of the ChainSource interface.
func (m *MockSource) PublishTransaction(ctx context.Context,
	tx *wire.MsgTx) error {

	m.mu.Lock()
	hook := m.publishHook
	connected := m.connected
	m.mu.Unlock()

	if !connected {
		return ErrAdapterConnection
	}

	if hook != nil {
		if err := hook(ctx, tx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.published = append(m.published, tx)
	m.addMempoolTx(tx)

	return nil
}

// BackEnd returns the name of the backend.
//
// NOTE: This is part of the ChainSource interface.
func (m *MockSource) BackEnd() string {
	return "mock"
}
