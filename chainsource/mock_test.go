package chainsource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var testParams = &chaincfg.RegressionNetParams

func testAddr(t *testing.T, b byte) btcutil.Address {
	t.Helper()

	var hash [20]byte
	hash[0] = b
	addr, err := btcutil.NewAddressPubKeyHash(hash[:], testParams)
	require.NoError(t, err)

	return addr
}

func payTx(t *testing.T, addr btcutil.Address, prev wire.OutPoint,
	value int64) *wire.MsgTx {

	t.Helper()

	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&prev, []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))

	return tx
}

// TestMockRescan checks payments to and spends from watched addresses are
// reported per block in ascending order.
func TestMockRescan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMockSource(testParams)
	ours, theirs := testAddr(t, 1), testAddr(t, 2)

	fund := payTx(t, ours, wire.OutPoint{Hash: chainhash.Hash{1}}, 1000)
	unrelated := payTx(t, theirs, wire.OutPoint{Hash: chainhash.Hash{2}}, 5)
	spend := payTx(t, theirs, wire.OutPoint{Hash: fund.TxHash()}, 900)

	m.AddBlock(fund, unrelated)
	m.AddBlock()
	m.AddBlock(spend)

	_, err := m.BestBlock(ctx)
	require.ErrorIs(t, err, ErrAdapterConnection)

	require.NoError(t, m.Connect(ctx))
	t.Cleanup(m.Disconnect)

	best, err := m.BestBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(3), best.Height)

	var got []FilteredBlock
	err = m.Rescan(ctx, []btcutil.Address{ours}, nil, 1, best.Height,
		func(b FilteredBlock) error {
			got = append(got, b)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int32(1), got[0].Height)
	require.Equal(t, []*wire.MsgTx{fund}, got[0].Txs)
	require.Equal(t, int32(3), got[1].Height)
	require.Equal(t, []*wire.MsgTx{spend}, got[1].Txs)

	// Starting past the funding block the spend pays no watched address,
	// it is only found when the funded output is passed in.
	got = nil
	err = m.Rescan(ctx, []btcutil.Address{ours}, nil, 2, best.Height,
		func(b FilteredBlock) error {
			got = append(got, b)
			return nil
		})
	require.NoError(t, err)
	require.Empty(t, got)

	outputs := []WatchedOutput{{
		OutPoint: wire.OutPoint{Hash: fund.TxHash()},
		PkScript: fund.TxOut[0].PkScript,
	}}
	err = m.Rescan(ctx, []btcutil.Address{ours}, outputs, 2, best.Height,
		func(b FilteredBlock) error {
			got = append(got, b)
			return nil
		})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int32(3), got[0].Height)
	require.Equal(t, []*wire.MsgTx{spend}, got[0].Txs)

	// Callback errors abort the rescan.
	stop := errors.New("stop")
	err = m.Rescan(ctx, []btcutil.Address{ours}, nil, 0, best.Height,
		func(FilteredBlock) error { return stop })
	require.ErrorIs(t, err, stop)
}

// TestMockNotifications checks blocks and relevant mempool transactions are
// delivered while connected.
func TestMockNotifications(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMockSource(testParams)
	ours := testAddr(t, 1)

	require.NoError(t, m.Connect(ctx))
	require.NoError(t, m.NotifyReceived([]btcutil.Address{ours}))

	tx := payTx(t, ours, wire.OutPoint{Hash: chainhash.Hash{1}}, 1000)
	m.AddMempoolTx(tx)
	m.AddMempoolTx(payTx(
		t, testAddr(t, 2), wire.OutPoint{Hash: chainhash.Hash{2}}, 1,
	))
	stamp := m.AddBlock(tx)

	recv := func() interface{} {
		select {
		case n := <-m.Notifications():
			return n
		case <-time.After(5 * time.Second):
			t.Fatalf("no notification")
			return nil
		}
	}

	require.Equal(t, RelevantTx{Tx: tx}, recv())
	require.Equal(t, BlockConnected{BlockStamp: stamp}, recv())

	m.Disconnect()
	m.Disconnect()
	require.False(t, m.IsConnected())

	m.AddBlock()
	_, err := m.BestBlock(ctx)
	require.ErrorIs(t, err, ErrAdapterConnection)
}

// TestMockConnectFailures checks the configured number of attempts fail.
func TestMockConnectFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMockSource(testParams)
	m.SetConnectFailures(2)

	require.ErrorIs(t, m.Connect(ctx), ErrAdapterConnection)
	require.ErrorIs(t, m.Connect(ctx), ErrAdapterConnection)
	require.NoError(t, m.Connect(ctx))
	require.Equal(t, 3, m.ConnectAttempts())
	m.Disconnect()

	m.SetPublishHook(func(context.Context, *wire.MsgTx) error {
		return ErrAdapterRejection
	})
	require.NoError(t, m.Connect(ctx))
	tx := payTx(t, testAddr(t, 1), wire.OutPoint{}, 1)
	require.ErrorIs(t, m.PublishTransaction(ctx, tx), ErrAdapterRejection)
	require.Empty(t, m.Published())

	m.SetPublishHook(nil)
	require.NoError(t, m.PublishTransaction(ctx, tx))
	require.Len(t, m.Published(), 1)
	m.Disconnect()
}
