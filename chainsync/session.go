package chainsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/hdwallet/chainsource"
	"github.com/lightningnetwork/hdwallet/sendcoins"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// session is the synchronization of a single wallet from connect to stop.
type session struct {
	svc *Service
	w   *wallet.WalletData

	ctx    context.Context
	cancel context.CancelFunc
	gm     *fn.GoroutineManager

	sender *sendcoins.Orchestrator

	// download is signalled to request a catch up with the tip.
	download chan struct{}

	// wantDownload is set once a download was requested. From then on
	// new blocks are followed.
	wantDownload atomic.Bool
}

func newSession(svc *Service, w *wallet.WalletData) *session {
	ctx, cancel := context.WithCancel(context.Background())

	return &session{
		svc:    svc,
		w:      w,
		ctx:    ctx,
		cancel: cancel,
		gm:     fn.NewGoroutineManager(),
		sender: sendcoins.New(sendcoins.Config{
			Publisher:     svc.cfg.Source,
			Bus:           svc.cfg.Bus,
			Persist:       svc.cfg.Wallets.Persist,
			Clock:         svc.cfg.Clock,
			SubmitTimeout: svc.cfg.SubmitTimeout,
		}),
		download: make(chan struct{}, 1),
	}
}

// requestDownload queues a catch up. Requests made while one is pending are
// merged.
func (s *session) requestDownload() {
	s.wantDownload.Store(true)

	select {
	case s.download <- struct{}{}:
	default:
	}
}

func (s *session) downloadRequested() bool {
	return s.wantDownload.Load()
}

// stop cancels the session and waits for it to wind down. Sends in flight
// are failed and the chain source is disconnected.
func (s *session) stop() {
	s.cancel()
	s.gm.Stop()
	s.sender.Stop()
	s.svc.cfg.Source.Disconnect()
}

// run connects and then serves downloads and notifications until the session
// is cancelled or fails.
func (s *session) run(ctx context.Context) {
	if err := s.connect(ctx); err != nil {
		if ctx.Err() == nil {
			s.fail(err)
		}
		return
	}

	if !s.svc.transition(s, StateRunning, nil, StateStarting) {
		return
	}

	log.Infof("Sync of wallet %v running", s.w.ID())

	source := s.svc.cfg.Source
	addrs, err := s.w.Addresses()
	if err != nil {
		s.fail(err)
		return
	}
	if err := source.NotifyReceived(addrs); err != nil {
		s.fail(err)
		return
	}

	ntfns := source.Notifications()
	for {
		select {
		case <-s.download:
			if err := s.catchUp(ctx, nil); err != nil {
				s.handleErr(ctx, err)
				return
			}

		case ntfn := <-ntfns:
			if err := s.handleNotification(ctx, ntfn); err != nil {
				s.handleErr(ctx, err)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// connect tries to connect up to MaxConnectAttempts times, waiting a
// linearly growing backoff between attempts.
func (s *session) connect(ctx context.Context) error {
	cfg := s.svc.cfg

	var err error
	for attempt := 1; attempt <= cfg.MaxConnectAttempts; attempt++ {
		err = cfg.Source.Connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warnf("Connection attempt %d/%d to %s failed: %v",
			attempt, cfg.MaxConnectAttempts, cfg.Source.BackEnd(),
			err)

		if attempt == cfg.MaxConnectAttempts {
			break
		}

		backoff := time.Duration(attempt) * cfg.RetryBackoff
		select {
		case <-cfg.Clock.TickAfter(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !errors.Is(err, chainsource.ErrAdapterConnection) {
		err = fmt.Errorf("%w: %v", chainsource.ErrAdapterConnection,
			err)
	}

	return fmt.Errorf("giving up after %d attempts: %w",
		cfg.MaxConnectAttempts, err)
}

// fail moves the service to FAILED and releases the chain source.
func (s *session) fail(err error) {
	log.Errorf("Sync of wallet %v failed: %v", s.w.ID(), err)

	s.svc.transition(s, StateFailed, err, StateStarting, StateRunning)
	s.svc.cfg.Source.Disconnect()
}

// handleErr fails the session unless err stems from its cancellation.
func (s *session) handleErr(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}

	s.fail(err)
}

// handleNotification applies a chain source notification to the wallet.
func (s *session) handleNotification(ctx context.Context,
	ntfn interface{}) error {

	switch n := ntfn.(type) {
	case chainsource.BlockConnected:
		// Blocks are only followed once the wallet was asked to sync.
		if !s.downloadRequested() {
			return nil
		}

		stamp := n.BlockStamp
		return s.catchUp(ctx, &stamp)

	case chainsource.RelevantTx:
		now := s.svc.cfg.Clock.Now()
		if !s.w.ApplyTransaction(n.Tx, 0, nil, now) {
			return nil
		}

		log.Infof("Wallet %v received unconfirmed tx %v", s.w.ID(),
			n.Tx.TxHash())

		return s.persist()

	default:
		log.Warnf("Unknown notification %T", ntfn)
		return nil
	}
}

// catchUp rescans the blocks after the wallet's sync tip up to target, or up
// to the best block if target is nil.
func (s *session) catchUp(ctx context.Context,
	target *chainsource.BlockStamp) error {

	source := s.svc.cfg.Source
	id := s.w.ID()

	if target == nil {
		best, err := source.BestBlock(ctx)
		if err != nil {
			return err
		}
		target = best
	}

	height, _ := s.w.SyncTip()
	if height >= target.Height {
		s.svc.publishProgress(id, height, target.Height)
		return nil
	}

	addrs, err := s.w.Addresses()
	if err != nil {
		return err
	}

	var outputs []chainsource.WatchedOutput
	for _, utxo := range s.w.WatchedOutputs() {
		outputs = append(outputs, chainsource.WatchedOutput{
			OutPoint: utxo.OutPoint,
			PkScript: utxo.PkScript,
		})
	}

	log.Infof("Syncing wallet %v from height %d to %d watching %d "+
		"outputs", id, height+1, target.Height, len(outputs))
	s.svc.publishProgress(id, height, target.Height)

	err = source.Rescan(
		ctx, addrs, outputs, height+1, target.Height,
		func(block chainsource.FilteredBlock) error {
			return s.applyBlock(block, target.Height)
		},
	)
	if err != nil {
		return err
	}

	// Every block up to the target was scanned, including the ones
	// without relevant transactions.
	s.w.SetSyncTip(target.Height, target.Hash)
	if err := s.persist(); err != nil {
		return err
	}
	s.svc.publishProgress(id, target.Height, target.Height)

	log.Infof("Wallet %v synced to height %d", id, target.Height)

	return nil
}

// applyBlock records the relevant transactions of a block and advances the
// sync tip to it.
func (s *session) applyBlock(block chainsource.FilteredBlock,
	target int32) error {

	now := s.svc.cfg.Clock.Now()
	for _, tx := range block.Txs {
		s.w.ApplyTransaction(tx, block.Height, &block.Hash, now)
	}
	s.w.SetSyncTip(block.Height, block.Hash)

	if err := s.persist(); err != nil {
		return err
	}
	s.svc.publishProgress(s.w.ID(), block.Height, target)

	return nil
}

func (s *session) persist() error {
	if err := s.svc.cfg.Wallets.Persist(s.w); err != nil {
		return fmt.Errorf("unable to persist wallet %v: %w", s.w.ID(),
			err)
	}

	return nil
}
