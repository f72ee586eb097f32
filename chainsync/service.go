package chainsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightningnetwork/hdwallet/chainsource"
	"github.com/lightningnetwork/hdwallet/events"
	"github.com/lightningnetwork/hdwallet/sendcoins"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/lightningnetwork/hdwallet/walletmanager"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// SyncState is a state of the service.
type SyncState = events.SyncState

const (
	StateStopped  = events.StateStopped
	StateStarting = events.StateStarting
	StateRunning  = events.StateRunning
	StateStopping = events.StateStopping
	StateFailed   = events.StateFailed
)

const (
	// DefaultMaxConnectAttempts is how often a session tries to connect
	// before it fails.
	DefaultMaxConnectAttempts = 5

	// DefaultRetryBackoff is the wait after the first failed connection
	// attempt. Every further attempt waits one more multiple of it.
	DefaultRetryBackoff = 2 * time.Second
)

var (
	// ErrNotRunning is returned for requests that need a started
	// session.
	ErrNotRunning = errors.New("chain sync not running")

	// ErrNotStopped is returned when starting a service that has a
	// session.
	ErrNotStopped = errors.New("chain sync not stopped")

	// ErrNoCurrentWallet is returned when starting without a current
	// wallet.
	ErrNoCurrentWallet = walletmanager.ErrNoCurrentWallet
)

// WalletProvider gives the service access to the current wallet.
type WalletProvider interface {
	// CurrentWalletData returns the current wallet or
	// ErrNoCurrentWallet.
	CurrentWalletData() (*wallet.WalletData, error)

	// Persist writes the wallet to disk.
	Persist(w *wallet.WalletData) error
}

// Config holds the dependencies of the service.
type Config struct {
	// Source is the view of the network.
	Source chainsource.ChainSource

	// Wallets provides the wallet a session binds to.
	Wallets WalletProvider

	// Bus receives state, progress and send events. It must be started.
	// May be nil.
	Bus *events.Bus

	// Clock times connection retries. Defaults to the system clock.
	Clock clock.Clock

	// MaxConnectAttempts bounds the connection attempts of a session.
	MaxConnectAttempts int

	// RetryBackoff is the linear backoff step between attempts.
	RetryBackoff time.Duration

	// SubmitTimeout bounds the broadcast of a transaction.
	SubmitTimeout time.Duration
}

// Service keeps the current wallet synchronized with the network. At most
// one session is active at a time and a session only ever writes to the
// wallet it was started for.
type Service struct {
	cfg Config

	// opMtx serializes Start and StopAndWait.
	opMtx sync.Mutex

	mu          sync.Mutex
	state       SyncState
	stateChange chan struct{}
	lastErr     error
	sess        *session

	// resume is set by BeforeSwitch when AfterSwitch should start a
	// session for the next wallet.
	resume         bool
	resumeDownload bool
}

// A compile time check to ensure Service implements the
// walletmanager.SwitchObserver interface.
var _ walletmanager.SwitchObserver = (*Service)(nil)

// New creates a stopped service.
func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = DefaultMaxConnectAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	return &Service{
		cfg:         cfg,
		state:       StateStopped,
		stateChange: make(chan struct{}),
	}
}

// State returns the current state and the error that caused the last
// failure, if any.
func (s *Service) State() (SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state, s.lastErr
}

// Start binds a session to the current wallet and connects it in the
// background. It is only valid in the STOPPED state.
func (s *Service) Start() error {
	w, err := s.cfg.Wallets.CurrentWalletData()
	if err != nil {
		return err
	}

	return s.start(w)
}

func (s *Service) start(w *wallet.WalletData) error {
	s.opMtx.Lock()
	defer s.opMtx.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return fmt.Errorf("%w: %v", ErrNotStopped, s.state)
	}

	sess := newSession(s, w)
	s.sess = sess
	s.lastErr = nil
	s.setState(w.ID(), StateStarting, nil)

	log.Infof("Starting sync of wallet %v against %s", w.ID(),
		s.cfg.Source.BackEnd())

	if !sess.gm.Go(sess.ctx, sess.run) {
		s.sess = nil
		s.setState(w.ID(), StateStopped, nil)

		return ErrNotRunning
	}

	return nil
}

// DownloadBlockChain requests the wallet to be brought up to the tip of the
// chain. A request made while connecting is served once connected.
func (s *Service) DownloadBlockChain() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateStarting, StateRunning:
		s.sess.requestDownload()
		return nil

	default:
		return fmt.Errorf("%w: %v", ErrNotRunning, s.state)
	}
}

// Send pays from the session's wallet. It returns once the transaction was
// handed to the network in the background. The outcome is published as a
// SentEvent and available on the returned PendingSend.
func (s *Service) Send(ctx context.Context,
	req sendcoins.SendRequest) (*sendcoins.PendingSend, error) {

	s.mu.Lock()
	sess := s.sess
	state := s.state
	s.mu.Unlock()

	if state != StateRunning {
		return nil, fmt.Errorf("%w: %v", ErrNotRunning, state)
	}

	return sess.sender.Send(ctx, sess.w, req)
}

// StopAndWait ends the session, if any, and blocks until its goroutines have
// exited and the chain source is disconnected. It is safe to call in any
// state and leaves the service STOPPED.
func (s *Service) StopAndWait() {
	s.opMtx.Lock()
	defer s.opMtx.Unlock()

	s.mu.Lock()
	sess := s.sess
	if sess == nil {
		s.mu.Unlock()
		return
	}
	id := sess.w.ID()
	if s.state != StateFailed {
		s.setState(id, StateStopping, nil)
	}
	s.mu.Unlock()

	sess.stop()

	s.mu.Lock()
	s.sess = nil
	s.setState(id, StateStopped, nil)
	s.mu.Unlock()

	log.Infof("Sync of wallet %v stopped", id)
}

// WaitForState blocks until the service is in one of the states or the
// context expires. It returns the state reached.
func (s *Service) WaitForState(ctx context.Context,
	states ...SyncState) (SyncState, error) {

	for {
		s.mu.Lock()
		state, changed := s.state, s.stateChange
		s.mu.Unlock()

		for _, want := range states {
			if state == want {
				return state, nil
			}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// BeforeSwitch stops the session of the previous wallet so nothing writes
// to it once the current wallet changes.
//
// NOTE: This is part of the walletmanager.SwitchObserver interface.
func (s *Service) BeforeSwitch(_ fn.Option[*wallet.WalletData]) {
	s.mu.Lock()
	s.resume = s.state == StateStarting || s.state == StateRunning
	s.resumeDownload = s.resume && s.sess.downloadRequested()
	s.mu.Unlock()

	s.StopAndWait()
}

// AfterSwitch starts a clean session for the next wallet if one was active
// before the switch.
//
// NOTE: This is part of the walletmanager.SwitchObserver interface.
func (s *Service) AfterSwitch(next fn.Option[*wallet.WalletData]) {
	s.mu.Lock()
	resume, download := s.resume, s.resumeDownload
	s.resume, s.resumeDownload = false, false
	s.mu.Unlock()

	if !resume {
		return
	}

	next.WhenSome(func(w *wallet.WalletData) {
		if err := s.start(w); err != nil {
			log.Errorf("Unable to resume sync for wallet %v: %v",
				w.ID(), err)
			return
		}
		if download {
			if err := s.DownloadBlockChain(); err != nil {
				log.Errorf("Unable to resume download for "+
					"wallet %v: %v", w.ID(), err)
			}
		}
	})
}

// setState moves to a new state and publishes the transition.
//
// NOTE: The caller must hold mu.
func (s *Service) setState(id wallet.ID, state SyncState, err error) {
	prev := s.state
	if prev == state {
		return
	}

	s.state = state
	if err != nil {
		s.lastErr = err
	}
	close(s.stateChange)
	s.stateChange = make(chan struct{})

	log.Debugf("Sync of wallet %v: %v -> %v", id, prev, state)

	if s.cfg.Bus != nil {
		s.cfg.Bus.PublishState(events.StateEvent{
			WalletID: id,
			Prev:     prev,
			State:    state,
			Err:      err,
		})
	}
}

// transition moves the session's service from one of the from states to the
// next state. It does nothing if the session was replaced or the service is
// in another state, for instance because it is stopping.
func (s *Service) transition(sess *session, next SyncState, err error,
	from ...SyncState) bool {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess != sess {
		return false
	}
	for _, state := range from {
		if s.state == state {
			s.setState(sess.w.ID(), next, err)
			return true
		}
	}

	return false
}

// publishProgress publishes how far the wallet is synchronized.
func (s *Service) publishProgress(id wallet.ID, height, target int32) {
	if s.cfg.Bus == nil {
		return
	}

	s.cfg.Bus.PublishProgress(events.SyncProgressEvent{
		WalletID: id,
		Height:   height,
		Target:   target,
	})
}
