package esplorasource

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/hdwallet/chainsource"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

const (
	// backendName is the name of the Esplora backend.
	backendName = "esplora"

	// DefaultPollInterval is how often the tip and the mempool are polled.
	DefaultPollInterval = 30 * time.Second

	// DefaultMaxConcurrency bounds the number of addresses or transactions
	// fetched in parallel.
	DefaultMaxConcurrency = 4
)

// Config holds the configuration of an Esplora chain source.
type Config struct {
	// Client configures the HTTP client.
	Client ClientConfig

	// Params are the parameters of the network the API serves.
	Params *chaincfg.Params

	// PollInterval is the interval the tip and the mempool are polled at.
	PollInterval time.Duration

	// MaxConcurrency bounds parallel requests during a rescan.
	MaxConcurrency int

	// NewTicker creates the poll ticker. Defaults to ticker.New.
	NewTicker func(time.Duration) ticker.Ticker
}

// Source is a chain source backed by an Esplora REST API.
type Source struct {
	cfg Config

	mu        sync.Mutex
	client    *Client
	connected bool
	best      chainsource.BlockStamp
	watched   map[string]btcutil.Address
	seen      map[chainhash.Hash]struct{}
	ntfns     *queue.ConcurrentQueue
	quit      chan struct{}

	wg sync.WaitGroup
}

// A compile time check to ensure Source implements the
// chainsource.ChainSource interface.
var _ chainsource.ChainSource = (*Source)(nil)

// New creates an Esplora chain source. It does not connect.
func New(cfg Config) *Source {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		}
	}

	return &Source{cfg: cfg}
}

// Connect verifies the API is reachable and starts polling it.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	log.Infof("Connecting to Esplora API at %s", s.cfg.Client.URL)

	client := NewClient(s.cfg.Client)
	best, err := bestBlock(ctx, client)
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: %v", chainsource.ErrAdapterConnection,
			err)
	}

	s.client = client
	s.best = *best
	s.watched = make(map[string]btcutil.Address)
	s.seen = make(map[chainhash.Hash]struct{})
	s.ntfns = queue.NewConcurrentQueue(20)
	s.ntfns.Start()
	s.quit = make(chan struct{})
	s.connected = true

	log.Infof("Connected to Esplora API: tip height=%d, hash=%v",
		best.Height, best.Hash)

	s.wg.Add(1)
	go s.poller(s.quit, client, s.ntfns)

	return nil
}

// Disconnect stops polling and aborts requests in flight.
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
	s.client.Close()
	ntfns := s.ntfns
	s.mu.Unlock()

	s.wg.Wait()
	ntfns.Stop()

	log.Infof("Disconnected from Esplora API")
}

// activeClient returns the client of the current connection.
func (s *Source) activeClient() (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil, chainsource.ErrAdapterConnection
	}

	return s.client, nil
}

// bestBlock fetches a consistent height and hash of the tip.
func bestBlock(ctx context.Context,
	client *Client) (*chainsource.BlockStamp, error) {

	height, err := client.GetTipHeight(ctx)
	if err != nil {
		return nil, err
	}

	hash, err := client.GetBlockHashByHeight(ctx, height)
	if err != nil {
		return nil, err
	}

	return &chainsource.BlockStamp{Height: height, Hash: *hash}, nil
}

// BestBlock returns the tip of the best chain.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) BestBlock(ctx context.Context) (*chainsource.BlockStamp,
	error) {

	client, err := s.activeClient()
	if err != nil {
		return nil, err
	}

	return bestBlock(ctx, client)
}

// Rescan fetches the confirmed history of every address and reports the
// transactions confirmed in from..to grouped by block. The API indexes
// spends by the address of the spent output, so watched outputs are covered
// by querying the addresses they pay to. Addresses are queried in parallel.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) Rescan(ctx context.Context, addrs []btcutil.Address,
	outputs []chainsource.WatchedOutput, from, to int32,
	onBlock func(chainsource.FilteredBlock) error) error {

	client, err := s.activeClient()
	if err != nil {
		return err
	}

	addrs = s.withOutputAddrs(addrs, outputs)

	var (
		mu     sync.Mutex
		status = make(map[string]TxStatus)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			txs, err := client.GetAddressTxs(
				gctx, addr.EncodeAddress(), from,
			)
			if err != nil {
				return fmt.Errorf("unable to fetch history of "+
					"%v: %w", addr, err)
			}

			mu.Lock()
			defer mu.Unlock()

			for _, tx := range txs {
				height := int32(tx.Status.BlockHeight)
				if !tx.Status.Confirmed || height < from ||
					height > to {

					continue
				}
				status[tx.TxID] = tx.Status
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	blocks := make(map[int32]*chainsource.FilteredBlock)
	for txid, st := range status {
		height := int32(st.BlockHeight)
		if _, ok := blocks[height]; ok {
			continue
		}

		hash, err := chainhash.NewHashFromStr(st.BlockHash)
		if err != nil {
			return fmt.Errorf("invalid block hash for tx %v: %w",
				txid, err)
		}
		blocks[height] = &chainsource.FilteredBlock{
			BlockStamp: chainsource.BlockStamp{
				Height: height,
				Hash:   *hash,
			},
		}
	}

	txids := make([]string, 0, len(status))
	for txid := range status {
		txids = append(txids, txid)
	}
	sort.Strings(txids)

	raw := make([]*wire.MsgTx, len(txids))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i, txid := range txids {
		i, txid := i, txid
		g.Go(func() error {
			tx, err := client.GetRawTransaction(gctx, txid)
			if err != nil {
				return fmt.Errorf("unable to fetch tx %v: %w",
					txid, err)
			}
			raw[i] = tx

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, txid := range txids {
		block := blocks[int32(status[txid].BlockHeight)]
		block.Txs = append(block.Txs, raw[i])
	}

	heights := make([]int32, 0, len(blocks))
	for height := range blocks {
		heights = append(heights, height)
	}
	sort.Slice(heights, func(i, j int) bool {
		return heights[i] < heights[j]
	})

	// A block may fund an output and spend it again, so the transactions
	// must be handed over in the order they were mined.
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrency)
	for _, height := range heights {
		block := blocks[height]
		if len(block.Txs) < 2 {
			continue
		}

		g.Go(func() error {
			return orderBlockTxs(gctx, client, block)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Debugf("Rescan of %d addresses over %d..%d found %d txs in %d "+
		"blocks", len(addrs), from, to, len(txids), len(heights))

	for _, height := range heights {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onBlock(*blocks[height]); err != nil {
			return err
		}
	}

	return nil
}

// withOutputAddrs adds the addresses paid to by the watched outputs to
// addrs. Outputs with non standard scripts are skipped.
func (s *Source) withOutputAddrs(addrs []btcutil.Address,
	outputs []chainsource.WatchedOutput) []btcutil.Address {

	if len(outputs) == 0 {
		return addrs
	}

	known := make(map[string]struct{}, len(addrs))
	all := make([]btcutil.Address, 0, len(addrs))
	for _, addr := range addrs {
		known[addr.EncodeAddress()] = struct{}{}
		all = append(all, addr)
	}

	for _, out := range outputs {
		_, outAddrs, _, err := txscript.ExtractPkScriptAddrs(
			out.PkScript, s.cfg.Params,
		)
		if err != nil {
			log.Debugf("Skipping output %v: %v", out.OutPoint, err)
			continue
		}

		for _, addr := range outAddrs {
			if _, ok := known[addr.EncodeAddress()]; ok {
				continue
			}
			known[addr.EncodeAddress()] = struct{}{}
			all = append(all, addr)
		}
	}

	return all
}

// orderBlockTxs sorts the transactions of the block by their position in
// it.
func orderBlockTxs(ctx context.Context, client *Client,
	block *chainsource.FilteredBlock) error {

	txids, err := client.GetBlockTxIDs(ctx, block.Hash.String())
	if err != nil {
		return fmt.Errorf("unable to fetch txids of block %v: %w",
			block.Hash, err)
	}

	index := make(map[chainhash.Hash]int, len(txids))
	for i, txid := range txids {
		hash, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			return fmt.Errorf("invalid txid in block %v: %w",
				block.Hash, err)
		}
		index[*hash] = i
	}

	position := make(map[*wire.MsgTx]int, len(block.Txs))
	for _, tx := range block.Txs {
		pos, ok := index[tx.TxHash()]
		if !ok {
			return fmt.Errorf("tx %v not found in block %v",
				tx.TxHash(), block.Hash)
		}
		position[tx] = pos
	}

	sort.Slice(block.Txs, func(i, j int) bool {
		return position[block.Txs[i]] < position[block.Txs[j]]
	})

	return nil
}

// NotifyReceived adds the addresses to the set polled for mempool
// transactions.
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

// PublishTransaction broadcasts the transaction through the API.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) PublishTransaction(ctx context.Context,
	tx *wire.MsgTx) error {

	client, err := s.activeClient()
	if err != nil {
		return err
	}

	txid, err := client.BroadcastTx(ctx, tx)
	if err != nil {
		return err
	}

	log.Infof("Broadcast tx %v", txid)

	return nil
}

// BackEnd returns the name of the backend.
//
// NOTE: This is part of the chainsource.ChainSource interface.
func (s *Source) BackEnd() string {
	return backendName
}

// poller polls the tip and the mempool of watched addresses until quit is
// closed.
//
// NOTE: MUST be run as a goroutine.
func (s *Source) poller(quit chan struct{}, client *Client,
	ntfns *queue.ConcurrentQueue) {

	defer s.wg.Done()

	t := s.cfg.NewTicker(s.cfg.PollInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			ctx, cancel := context.WithTimeout(
				context.Background(), s.cfg.PollInterval,
			)
			s.pollTip(ctx, client, ntfns, quit)
			s.pollMempool(ctx, client, ntfns, quit)
			cancel()

		case <-quit:
			return
		}
	}
}

// pollTip sends a BlockConnected for every block above the last known tip.
func (s *Source) pollTip(ctx context.Context, client *Client,
	ntfns *queue.ConcurrentQueue, quit chan struct{}) {

	height, err := client.GetTipHeight(ctx)
	if err != nil {
		log.Debugf("Failed to get tip height: %v", err)
		return
	}

	s.mu.Lock()
	current := s.best.Height
	s.mu.Unlock()

	for h := current + 1; h <= height; h++ {
		hash, err := client.GetBlockHashByHeight(ctx, h)
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

// pollMempool sends a RelevantTx for every new unconfirmed transaction of a
// watched address.
func (s *Source) pollMempool(ctx context.Context, client *Client,
	ntfns *queue.ConcurrentQueue, quit chan struct{}) {

	s.mu.Lock()
	addrs := make([]string, 0, len(s.watched))
	for addr := range s.watched {
		addrs = append(addrs, addr)
	}
	s.mu.Unlock()

	for _, addr := range addrs {
		txs, err := client.GetAddressMempoolTxs(ctx, addr)
		if err != nil {
			log.Debugf("Failed to poll mempool of %v: %v", addr, err)
			continue
		}

		for _, info := range txs {
			hash, err := chainhash.NewHashFromStr(info.TxID)
			if err != nil {
				continue
			}

			s.mu.Lock()
			_, seen := s.seen[*hash]
			s.seen[*hash] = struct{}{}
			s.mu.Unlock()
			if seen {
				continue
			}

			tx, err := client.GetRawTransaction(ctx, info.TxID)
			if err != nil {
				log.Debugf("Failed to fetch mempool tx %v: %v",
					info.TxID, err)

				s.mu.Lock()
				delete(s.seen, *hash)
				s.mu.Unlock()

				continue
			}

			select {
			case ntfns.ChanIn() <- chainsource.RelevantTx{Tx: tx}:
			case <-quit:
				return
			}
		}
	}
}
