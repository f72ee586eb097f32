package neutrinosource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightninglabs/neutrino"
	"github.com/lightninglabs/neutrino/headerfs"
	"github.com/lightningnetwork/hdwallet/chainsource"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// backendName is the name of the neutrino backend.
	backendName = "neutrino"

	// dbName is the name of the header and filter database.
	dbName = "neutrino.db"

	// DefaultPollInterval is how often the header tip is checked for new
	// blocks.
	DefaultPollInterval = 10 * time.Second
)

// Config holds the configuration of a neutrino chain source.
type Config struct {
	// DataDir is the directory the headers and filters are stored in. A
	// sub directory per network is created below it.
	DataDir string

	// Params are the parameters of the network to join.
	Params *chaincfg.Params

	// AddPeers are peers connected to in addition to those found through
	// DNS seeds.
	AddPeers []string

	// ConnectPeers, if set, are the only peers connected to.
	ConnectPeers []string

	// CurrentTimeout, if non zero, makes Connect wait up to this long for
	// the header chain to be current. A light client that cannot catch
	// up within it is reported as unreachable.
	CurrentTimeout time.Duration

	// PollInterval is the interval the header tip is checked at.
	PollInterval time.Duration

	// NewTicker creates the poll ticker. Defaults to ticker.New.
	NewTicker func(time.Duration) ticker.Ticker
}

// Source is a chain source backed by an embedded BIP 157/158 light client.
//
// Light clients have no mempool view. Unconfirmed transactions are only
// learnt about once they confirm, apart from the ones the wallet publishes
// itself.
type Source struct {
	cfg Config

	mu        sync.Mutex
	db        walletdb.DB
	cs        *neutrino.ChainService
	connected bool
	best      chainsource.BlockStamp
	watched   map[string]btcutil.Address
	ntfns     *queue.ConcurrentQueue
	quit      chan struct{}

	wg sync.WaitGroup
}

// A compile time check to ensure Source implements the
// chainsource.ChainSource interface.
var _ chainsource.ChainSource = (*Source)(nil)

// New creates a neutrino chain source. It does not connect.
func New(cfg Config) *Source {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		}
	}

	return &Source{cfg: cfg}
}

// Connect opens the header database and starts the light client.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	db, cs, err := s.startChainService()
	if err != nil {
		return fmt.Errorf("%w: %v", chainsource.ErrAdapterConnection,
			err)
	}

	cleanUp := func() {
		if err := cs.Stop(); err != nil {
			log.Errorf("Unable to stop neutrino light client: %v",
				err)
		}
		db.Close()
	}

	if err := s.waitCurrent(ctx, cs); err != nil {
		cleanUp()
		return fmt.Errorf("%w: %v", chainsource.ErrAdapterConnection,
			err)
	}

	best, err := cs.BestBlock()
	if err != nil {
		cleanUp()
		return fmt.Errorf("%w: %v", chainsource.ErrAdapterConnection,
			err)
	}

	s.db = db
	s.cs = cs
	s.best = chainsource.BlockStamp{Height: best.Height, Hash: best.Hash}
	s.watched = make(map[string]btcutil.Address)
	s.ntfns = queue.NewConcurrentQueue(20)
	s.ntfns.Start()
	s.quit = make(chan struct{})
	s.connected = true

	log.Infof("Neutrino light client started: header tip height=%d, "+
		"hash=%v", best.Height, best.Hash)

	s.wg.Add(1)
	go s.poller(s.quit, cs, s.ntfns)

	return nil
}

// startChainService creates the database and the light client and starts the
// latter.
func (s *Source) startChainService() (walletdb.DB, *neutrino.ChainService,
	error) {

	dbPath := filepath.Join(s.cfg.DataDir, s.cfg.Params.Name)
	if err := os.MkdirAll(dbPath, 0700); err != nil {
		return nil, nil, err
	}

	db, err := walletdb.Create(
		kvdb.BoltBackendName, filepath.Join(dbPath, dbName), true,
		kvdb.DefaultDBTimeout, false,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to create neutrino "+
			"database: %v", err)
	}

	cs, err := neutrino.NewChainService(neutrino.Config{
		DataDir:      dbPath,
		Database:     db,
		ChainParams:  *s.cfg.Params,
		AddPeers:     s.cfg.AddPeers,
		ConnectPeers: s.cfg.ConnectPeers,
	})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("unable to create neutrino light "+
			"client: %v", err)
	}

	if err := cs.Start(); err != nil {
		db.Close()
		return nil, nil, err
	}

	return db, cs, nil
}

// waitCurrent blocks until the header chain is current or CurrentTimeout
// elapses. It returns at once if no timeout is configured.
func (s *Source) waitCurrent(ctx context.Context,
	cs *neutrino.ChainService) error {

	if s.cfg.CurrentTimeout <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CurrentTimeout)
	defer cancel()

	t := s.cfg.NewTicker(s.cfg.PollInterval)
	t.Resume()
	defer t.Stop()

	for !cs.IsCurrent() {
		select {
		case <-t.Ticks():
		case <-ctx.Done():
			return fmt.Errorf("header chain not current: %w",
				ctx.Err())
		}
	}

	return nil
}

// Disconnect stops the light client and closes its database.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) Disconnect() {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	close(s.quit)
	cs, db, ntfns := s.cs, s.db, s.ntfns
	s.mu.Unlock()

	s.wg.Wait()
	ntfns.Stop()

	if err := cs.Stop(); err != nil {
		log.Errorf("Unable to stop neutrino light client: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Errorf("Unable to close neutrino database: %v", err)
	}

	log.Infof("Neutrino light client stopped")
}

// activeChainService returns the light client of the current connection.
func (s *Source) activeChainService() (*neutrino.ChainService, chan struct{},
	error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, nil, chainsource.ErrAdapterConnection
	}

	return s.cs, s.quit, nil
}

// BestBlock returns the tip of the header chain.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) BestBlock(_ context.Context) (*chainsource.BlockStamp,
	error) {

	cs, _, err := s.activeChainService()
	if err != nil {
		return nil, err
	}

	best, err := cs.BestBlock()
	if err != nil {
		return nil, err
	}

	return &chainsource.BlockStamp{Height: best.Height, Hash: best.Hash}, nil
}

// Rescan matches the compact filters of the blocks in from..to against the
// addresses and the scripts of the watched outputs, and fetches the blocks
// that match. Outputs found to pay to the addresses are watched for spends
// for the rest of the rescan.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) Rescan(ctx context.Context, addrs []btcutil.Address,
	outputs []chainsource.WatchedOutput, from, to int32,
	onBlock func(chainsource.FilteredBlock) error) error {

	cs, sessionQuit, err := s.activeChainService()
	if err != nil {
		return err
	}
	if from > to {
		return nil
	}

	// The rescan reports the blocks after its start block.
	start := from - 1
	if start < 0 {
		start = 0
	}

	quit := make(chan struct{})
	relay := newBlockRelay(from, to, onBlock, func() {
		close(quit)
	})
	handlers := rpcclient.NotificationHandlers{
		OnFilteredBlockConnected: relay.filteredBlockConnected,
	}

	rescan := neutrino.NewRescan(
		&neutrino.RescanChainSource{ChainService: cs},
		neutrino.NotificationHandlers(handlers),
		neutrino.QuitChan(quit),
		neutrino.WatchAddrs(addrs...),
		neutrino.WatchInputs(watchInputs(outputs)...),
		neutrino.StartBlock(&headerfs.BlockStamp{Height: start}),
		neutrino.EndBlock(&headerfs.BlockStamp{Height: to}),
	)
	errChan := rescan.Start()
	defer rescan.WaitForShutdown()

	log.Debugf("Rescan of %d addresses and %d outputs over %d..%d "+
		"started", len(addrs), len(outputs), from, to)

	select {
	case err := <-errChan:
		relay.stop()
		if relay.err != nil {
			return relay.err
		}
		if err != nil && !errors.Is(err, neutrino.ErrRescanExit) {
			return fmt.Errorf("rescan failed: %w", err)
		}

		return nil

	case <-relay.done:
		relay.stop()
		return relay.err

	case <-ctx.Done():
		relay.stop()
		return ctx.Err()

	case <-sessionQuit:
		relay.stop()
		return chainsource.ErrAdapterConnection
	}
}

// watchInputs turns the watched outputs into the inputs a rescan reports
// spends of.
func watchInputs(
	outputs []chainsource.WatchedOutput) []neutrino.InputWithScript {

	inputs := make([]neutrino.InputWithScript, 0, len(outputs))
	for _, out := range outputs {
		inputs = append(inputs, neutrino.InputWithScript{
			OutPoint: out.OutPoint,
			PkScript: out.PkScript,
		})
	}

	return inputs
}

// blockRelay hands the filtered blocks of a rescan within from..to to the
// caller. Its callback runs on the rescan goroutine, err and done are only
// read once the rescan was told to stop or done is closed.
type blockRelay struct {
	from, to int32
	onBlock  func(chainsource.FilteredBlock) error

	err  error
	done chan struct{}

	doneOnce sync.Once
	stopOnce sync.Once
	quit     func()
}

func newBlockRelay(from, to int32,
	onBlock func(chainsource.FilteredBlock) error,
	quit func()) *blockRelay {

	return &blockRelay{
		from:    from,
		to:      to,
		onBlock: onBlock,
		done:    make(chan struct{}),
		quit:    quit,
	}
}

// stop ends the rescan. It may be called any number of times.
func (r *blockRelay) stop() {
	r.stopOnce.Do(r.quit)
}

// filteredBlockConnected is the OnFilteredBlockConnected handler of the
// rescan.
func (r *blockRelay) filteredBlockConnected(height int32,
	header *wire.BlockHeader, relevantTxs []*btcutil.Tx) {

	if r.err != nil || height < r.from || height > r.to {
		return
	}

	if len(relevantTxs) > 0 {
		block := chainsource.FilteredBlock{
			BlockStamp: chainsource.BlockStamp{
				Height: height,
				Hash:   header.BlockHash(),
			},
			Txs: make([]*wire.MsgTx, 0, len(relevantTxs)),
		}
		for _, tx := range relevantTxs {
			block.Txs = append(block.Txs, tx.MsgTx())
		}

		if err := r.onBlock(block); err != nil {
			r.err = err
			r.stop()
			r.doneOnce.Do(func() { close(r.done) })
			return
		}
	}

	if height == r.to {
		r.doneOnce.Do(func() { close(r.done) })
	}
}

// NotifyReceived records the addresses. Since a light client cannot watch the
// mempool they are only reported once confirmed, through Rescan.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) NotifyReceived(addrs []btcutil.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return chainsource.ErrAdapterConnection
	}

	for _, addr := range addrs {
		s.watched[addr.EncodeAddress()] = addr
	}

	return nil
}

// Notifications returns the notification channel of the current connection.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) Notifications() <-chan interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ntfns == nil {
		return nil
	}

	return s.ntfns.ChanOut()
}

// PublishTransaction broadcasts the transaction to the connected peers.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) PublishTransaction(ctx context.Context,
	tx *wire.MsgTx) error {

	cs, _, err := s.activeChainService()
	if err != nil {
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- cs.SendTransaction(tx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("%w: %v",
				chainsource.ErrAdapterRejection, err)
		}

	case <-ctx.Done():
		return ctx.Err()
	}

	log.Infof("Broadcast tx %v", tx.TxHash())

	return nil
}

// BackEnd returns the name of the backend.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) BackEnd() string {
	return backendName
}

// poller checks the header tip until quit is closed and sends a
// BlockConnected for every new block.
//
// NOTE: MUST be run as a goroutine.
func (s *Source) poller(quit chan struct{}, cs *neutrino.ChainService,
	ntfns *queue.ConcurrentQueue) {

	defer s.wg.Done()

	t := s.cfg.NewTicker(s.cfg.PollInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			s.pollTip(cs, ntfns, quit)

		case <-quit:
			return
		}
	}
}

// pollTip sends a BlockConnected for every header above the last known tip.
func (s *Source) pollTip(cs *neutrino.ChainService,
	ntfns *queue.ConcurrentQueue, quit chan struct{}) {

	best, err := cs.BestBlock()
	if err != nil {
		log.Debugf("Failed to get best block: %v", err)
		return
	}

	s.mu.Lock()
	current := s.best.Height
	s.mu.Unlock()

	for h := current + 1; h <= best.Height; h++ {
		hash, err := cs.GetBlockHash(int64(h))
		if err != nil {
			log.Warnf("Failed to get block hash at height %d: %v",
				h, err)
			return
		}

		stamp := chainsource.BlockStamp{Height: h, Hash: *hash}
		s.mu.Lock()
		s.best = stamp
		s.mu.Unlock()

		log.Debugf("New block: height=%d hash=%v", h, hash)

		select {
		case ntfns.ChanIn() <- chainsource.BlockConnected{
			BlockStamp: stamp,
		}:
		case <-quit:
			return
		}
	}
}
