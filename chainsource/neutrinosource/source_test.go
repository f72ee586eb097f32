package neutrinosource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/hdwallet/chainsource"
	"github.com/stretchr/testify/require"
)

// TestNotConnected checks every network call fails before Connect.
func TestNotConnected(t *testing.T) {
	t.Parallel()

	s := New(Config{
		DataDir: t.TempDir(),
		Params:  &chaincfg.RegressionNetParams,
	})
	require.Equal(t, DefaultPollInterval, s.cfg.PollInterval)
	require.Equal(t, backendName, s.BackEnd())
	require.Nil(t, s.Notifications())

	ctx := context.Background()

	_, err := s.BestBlock(ctx)
	require.ErrorIs(t, err, chainsource.ErrAdapterConnection)

	err = s.Rescan(ctx, nil, nil, 0, 10, nil)
	require.ErrorIs(t, err, chainsource.ErrAdapterConnection)

	require.ErrorIs(
		t, s.NotifyReceived(nil), chainsource.ErrAdapterConnection,
	)

	err = s.PublishTransaction(ctx, wire.NewMsgTx(wire.TxVersion))
	require.ErrorIs(t, err, chainsource.ErrAdapterConnection)

	// Disconnecting an idle source is a no-op.
	s.Disconnect()
}

// TestConnectNotCurrent checks a light client whose header chain cannot
// catch up is reported as unreachable and releases its database, so a later
// attempt can open it again.
func TestConnectNotCurrent(t *testing.T) {
	t.Parallel()

	s := New(Config{
		DataDir:        t.TempDir(),
		Params:         &chaincfg.RegressionNetParams,
		ConnectPeers:   []string{"127.0.0.1:1"},
		CurrentTimeout: 200 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
	})

	for i := 0; i < 2; i++ {
		err := s.Connect(context.Background())
		require.ErrorIs(t, err, chainsource.ErrAdapterConnection)

		_, err = s.BestBlock(context.Background())
		require.ErrorIs(t, err, chainsource.ErrAdapterConnection)
	}
}

func testTx(salt uint32) *btcutil.Tx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(
		wire.NewOutPoint(&chainhash.Hash{1}, salt), nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(int64(salt), []byte{0x51}))

	return btcutil.NewTx(tx)
}

// TestBlockRelay checks only blocks in range with relevant transactions are
// handed over, in the order the rescan reports their transactions, and that
// reaching the end block completes the relay.
func TestBlockRelay(t *testing.T) {
	t.Parallel()

	var (
		got     []chainsource.FilteredBlock
		stopped int
	)
	relay := newBlockRelay(5, 7, func(b chainsource.FilteredBlock) error {
		got = append(got, b)
		return nil
	}, func() { stopped++ })

	header := &wire.BlockHeader{Nonce: 1}
	fund, spend := testTx(1), testTx(2)

	// The start block is reported by the rescan but lies before from.
	relay.filteredBlockConnected(4, header, []*btcutil.Tx{fund})
	relay.filteredBlockConnected(5, header, []*btcutil.Tx{fund, spend})
	relay.filteredBlockConnected(6, header, nil)

	select {
	case <-relay.done:
		t.Fatalf("relay done before the end block")
	default:
	}

	relay.filteredBlockConnected(7, header, nil)
	select {
	case <-relay.done:
	default:
		t.Fatalf("relay not done at the end block")
	}

	require.Len(t, got, 1)
	require.Equal(t, int32(5), got[0].Height)
	require.Equal(t, header.BlockHash(), got[0].Hash)
	require.Equal(
		t, []*wire.MsgTx{fund.MsgTx(), spend.MsgTx()}, got[0].Txs,
	)
	require.NoError(t, relay.err)

	relay.stop()
	relay.stop()
	require.Equal(t, 1, stopped)
}

// TestBlockRelayError checks a failing callback stops the rescan and is
// reported.
func TestBlockRelayError(t *testing.T) {
	t.Parallel()

	errStop := errors.New("stop")
	calls := 0
	stopped := 0
	relay := newBlockRelay(1, 10, func(chainsource.FilteredBlock) error {
		calls++
		return errStop
	}, func() { stopped++ })

	header := &wire.BlockHeader{}
	relay.filteredBlockConnected(2, header, []*btcutil.Tx{testTx(1)})
	relay.filteredBlockConnected(3, header, []*btcutil.Tx{testTx(2)})

	<-relay.done
	require.ErrorIs(t, relay.err, errStop)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, stopped)
}

// TestWatchInputs checks the wallet outputs are watched with their scripts
// so spends of outputs created before the rescan are reported.
func TestWatchInputs(t *testing.T) {
	t.Parallel()

	require.Empty(t, watchInputs(nil))

	outputs := []chainsource.WatchedOutput{
		{
			OutPoint: wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0},
			PkScript: []byte{0x76, 0xa9},
		},
		{
			OutPoint: wire.OutPoint{Hash: chainhash.Hash{2}, Index: 3},
			PkScript: []byte{0x00, 0x14},
		},
	}
	inputs := watchInputs(outputs)
	require.Len(t, inputs, 2)
	for i, out := range outputs {
		require.Equal(t, out.OutPoint, inputs[i].OutPoint)
		require.Equal(t, out.PkScript, inputs[i].PkScript)
	}
}
