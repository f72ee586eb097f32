package events

import (
	"sync/atomic"

	"github.com/lightningnetwork/hdwallet/subscribe"
)

// Bus delivers events to subscribers. Each kind of event has its own
// subscription server so ordering is kept per kind and subscribers only see
// the events they asked for.
type Bus struct {
	started atomic.Bool
	stopped atomic.Bool

	sent     *subscribe.Server[SentEvent]
	progress *subscribe.Server[SyncProgressEvent]
	state    *subscribe.Server[StateEvent]
	wallets  *subscribe.Server[WalletChangedEvent]
}

// NewBus creates a new event bus. It must be started before use.
func NewBus() *Bus {
	return &Bus{
		sent:     subscribe.NewServer[SentEvent](),
		progress: subscribe.NewServer[SyncProgressEvent](),
		state:    subscribe.NewServer[StateEvent](),
		wallets:  subscribe.NewServer[WalletChangedEvent](),
	}
}

// Start starts all subscription servers.
func (b *Bus) Start() error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Debugf("Event bus starting")

	for _, start := range []func() error{
		b.sent.Start, b.progress.Start, b.state.Start, b.wallets.Start,
	} {
		if err := start(); err != nil {
			return err
		}
	}

	return nil
}

// Stop stops all subscription servers. Clients see their quit channels
// closed.
func (b *Bus) Stop() error {
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Debugf("Event bus shutting down")

	for _, stop := range []func() error{
		b.sent.Stop, b.progress.Stop, b.state.Stop, b.wallets.Stop,
	} {
		if err := stop(); err != nil {
			return err
		}
	}

	return nil
}

// SubscribeSent registers for send completions.
func (b *Bus) SubscribeSent() (*subscribe.Client[SentEvent], error) {
	return b.sent.Subscribe()
}

// SubscribeProgress registers for sync progress updates.
func (b *Bus) SubscribeProgress() (*subscribe.Client[SyncProgressEvent],
	error) {

	return b.progress.Subscribe()
}

// SubscribeState registers for sync state transitions.
func (b *Bus) SubscribeState() (*subscribe.Client[StateEvent], error) {
	return b.state.Subscribe()
}

// SubscribeWallets registers for wallet changes.
func (b *Bus) SubscribeWallets() (*subscribe.Client[WalletChangedEvent],
	error) {

	return b.wallets.Subscribe()
}

// PublishSent publishes the outcome of a send.
func (b *Bus) PublishSent(e SentEvent) {
	log.Debugf("Publishing %v", e)
	publish(b.sent, e)
}

// PublishProgress publishes a sync progress update.
func (b *Bus) PublishProgress(e SyncProgressEvent) {
	log.Tracef("Wallet %v synced to %d/%d", e.WalletID, e.Height,
		e.Target)
	publish(b.progress, e)
}

// PublishState publishes a sync state transition.
func (b *Bus) PublishState(e StateEvent) {
	log.Debugf("Wallet %v sync state %v -> %v", e.WalletID, e.Prev,
		e.State)
	publish(b.state, e)
}

// PublishWalletChanged publishes a wallet change.
func (b *Bus) PublishWalletChanged(e WalletChangedEvent) {
	log.Debugf("Wallet %v %v at version %d", e.WalletID, e.Change,
		e.Version)
	publish(b.wallets, e)
}

// publish hands the event to its server. Events sent after shutdown are
// dropped.
func publish[T any](s *subscribe.Server[T], e T) {
	if err := s.SendUpdate(e); err != nil {
		log.Debugf("Dropping %T: %v", e, err)
	}
}
