package events

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/hdwallet/wallet"
)

// SyncState is a state of the chain synchronization service.
type SyncState uint8

const (
	// StateStopped is the idle state. No session is active.
	StateStopped SyncState = iota

	// StateStarting means a session is connecting to the chain source.
	StateStarting

	// StateRunning means the session is connected and following the
	// chain.
	StateRunning

	// StateStopping means the session is being torn down.
	StateStopping

	// StateFailed means the session could not connect within its retry
	// budget or lost its chain source.
	StateFailed
)

// String returns a human readable name of the state.
func (s SyncState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("SyncState(%d)", uint8(s))
	}
}

// SentEvent reports the outcome of a submitted send. Exactly one is
// published for every send that made it past validation.
type SentEvent struct {
	// WalletID is the wallet that funded the transaction.
	WalletID wallet.ID

	// RequestID identifies the send request.
	RequestID uint64

	// Success is true if the network accepted the transaction.
	Success bool

	// TxID is the hash of the transaction. It is only set on success.
	TxID chainhash.Hash

	// Reason describes why the send failed. It is only set on failure.
	Reason string
}

// String returns a short description of the event.
func (e SentEvent) String() string {
	if e.Success {
		return fmt.Sprintf("send %d from %v accepted: %v", e.RequestID,
			e.WalletID, e.TxID)
	}

	return fmt.Sprintf("send %d from %v failed: %v", e.RequestID,
		e.WalletID, e.Reason)
}

// SyncProgressEvent reports how far the download of the chain has come.
type SyncProgressEvent struct {
	// WalletID is the wallet being synchronized.
	WalletID wallet.ID

	// Height is the last block processed.
	Height int32

	// Target is the best height known to the chain source.
	Target int32
}

// Percent returns the progress in the range [0, 100].
func (e SyncProgressEvent) Percent() float64 {
	if e.Target <= 0 || e.Height >= e.Target {
		return 100
	}
	if e.Height <= 0 {
		return 0
	}

	return float64(e.Height) * 100 / float64(e.Target)
}

// StateEvent is published on every state transition of the sync service.
type StateEvent struct {
	// WalletID is the wallet bound to the session, if any.
	WalletID wallet.ID

	// Prev is the state that was left.
	Prev SyncState

	// State is the state that was entered.
	State SyncState

	// Err is the cause of a transition into StateFailed.
	Err error
}

// WalletChange is the kind of a wallet change.
type WalletChange uint8

const (
	// WalletCreated is sent when a wallet was created or re-registered.
	WalletCreated WalletChange = iota

	// WalletUpdated is sent when the details of a wallet changed.
	WalletUpdated

	// WalletSelected is sent when the current wallet changed.
	WalletSelected

	// WalletDeleted is sent when a wallet was removed.
	WalletDeleted
)

// String returns a human readable name of the change.
func (c WalletChange) String() string {
	switch c {
	case WalletCreated:
		return "created"
	case WalletUpdated:
		return "updated"
	case WalletSelected:
		return "selected"
	case WalletDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("WalletChange(%d)", uint8(c))
	}
}

// WalletChangedEvent is published when the set of wallets or one of them
// changed.
type WalletChangedEvent struct {
	// WalletID is the wallet that changed.
	WalletID wallet.ID

	// Change is what happened.
	Change WalletChange

	// Version is the version of the wallet after the change.
	Version uint64
}
