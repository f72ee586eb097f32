package chainsource

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrAdapterConnection is returned when the chain source cannot be
	// reached.
	ErrAdapterConnection = errors.New("chain source connection failed")

	// ErrAdapterRejection is returned when the network refused a
	// transaction.
	ErrAdapterRejection = errors.New("transaction rejected by network")
)

// BlockStamp identifies a block by height and hash.
type BlockStamp struct {
	Height int32
	Hash   chainhash.Hash
}

// FilteredBlock is a block reduced to the transactions relevant to a set of
// watched addresses.
type FilteredBlock struct {
	BlockStamp

	// Txs are the relevant transactions in block order.
	Txs []*wire.MsgTx
}

// WatchedOutput is an unspent output of the wallet. A rescan reports the
// transaction spending it even if none of its outputs pays to a watched
// address.
type WatchedOutput struct {
	OutPoint wire.OutPoint
	PkScript []byte
}

// BlockConnected is sent on the notification channel when the chain source
// learns about a new best block.
type BlockConnected struct {
	BlockStamp
}

// RelevantTx is sent on the notification channel when a transaction touching
// a watched address enters the mempool.
type RelevantTx struct {
	Tx *wire.MsgTx
}

// ChainSource is the view of the Bitcoin network the wallet synchronizes
// against.
type ChainSource interface {
	// Connect establishes the connection to the network. It fails with
	// ErrAdapterConnection if the network cannot be reached.
	Connect(ctx context.Context) error

	// Disconnect tears down the connection. No notifications are sent
	// once it returns.
	Disconnect()

	// BestBlock returns the tip of the best chain.
	BestBlock(ctx context.Context) (*BlockStamp, error)

	// Rescan scans the blocks from..to inclusive for transactions paying
	// to addrs or spending one of outputs. Outputs created in the range
	// that pay to addrs are watched for spends for the rest of the scan.
	// onBlock is called in ascending height order for every block with
	// relevant transactions. Once it returns nil, every block up to to
	// has been scanned.
	Rescan(ctx context.Context, addrs []btcutil.Address,
		outputs []WatchedOutput, from, to int32,
		onBlock func(FilteredBlock) error) error

	// NotifyReceived adds addresses to the set watched for mempool
	// transactions.
	NotifyReceived(addrs []btcutil.Address) error

	// Notifications returns the channel BlockConnected and RelevantTx
	// values of the current connection are delivered on.
	Notifications() <-chan interface{}

	// PublishTransaction broadcasts the transaction. A refusal by the
	// network is reported as ErrAdapterRejection.
	PublishTransaction(ctx context.Context, tx *wire.MsgTx) error

	// BackEnd returns the name of the backend.
	BackEnd() string
}
