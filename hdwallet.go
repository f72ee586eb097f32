package hdwallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/hdwallet/chainfee"
	"github.com/lightningnetwork/hdwallet/chainsource"
	"github.com/lightningnetwork/hdwallet/chainsource/esplorasource"
	"github.com/lightningnetwork/hdwallet/chainsource/neutrinosource"
	"github.com/lightningnetwork/hdwallet/chainsync"
	"github.com/lightningnetwork/hdwallet/events"
	"github.com/lightningnetwork/hdwallet/monitoring"
	"github.com/lightningnetwork/hdwallet/sendcoins"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/lightningnetwork/hdwallet/walletmanager"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/healthcheck"
)

var (
	// ErrSyncFailed is returned by SyncToTip when the sync service
	// failed.
	ErrSyncFailed = errors.New("chain sync failed")

	// ErrShuttingDown is returned when waiting on a stopped app.
	ErrShuttingDown = errors.New("shutting down")
)

// ChainBackend is a chain source with the fee estimator matching it.
type ChainBackend struct {
	// Source is the view of the network.
	Source chainsource.ChainSource

	// Fees estimates the rate of sends that do not set one.
	Fees chainfee.Estimator
}

// NewChainBackend creates the chain source and fee estimator the config
// selects.
func NewChainBackend(cfg *Config) (*ChainBackend, error) {
	static := chainfee.NewStaticEstimator(cfg.Fee.FeeRate)

	switch cfg.Backend {
	case BackendEsplora:
		clientCfg := esplorasource.ClientConfig{
			URL:               cfg.Esplora.URL,
			RequestTimeout:    cfg.Esplora.RequestTimeout,
			MaxRetries:        cfg.Esplora.MaxRetries,
			RequestsPerSecond: cfg.Esplora.RequestsPerSecond,
		}
		source := esplorasource.New(esplorasource.Config{
			Client:         clientCfg,
			Params:         cfg.ActiveNetParams,
			PollInterval:   cfg.Esplora.PollInterval,
			MaxConcurrency: cfg.Esplora.MaxConcurrency,
		})

		var fees chainfee.Estimator = static
		if cfg.Fee.Estimate {
			fees = esplorasource.NewFeeEstimator(
				esplorasource.NewClient(clientCfg),
				esplorasource.FeeEstimatorConfig{
					FallbackFeePerKB: chainfee.SatPerKVByte(
						cfg.Fee.FeeRate,
					),
				},
			)
		}

		return &ChainBackend{Source: source, Fees: fees}, nil

	case BackendNeutrino:
		source := neutrinosource.New(neutrinosource.Config{
			DataDir:        cfg.ChainDir(),
			Params:         cfg.ActiveNetParams,
			AddPeers:       cfg.Neutrino.AddPeers,
			ConnectPeers:   cfg.Neutrino.ConnectPeers,
			CurrentTimeout: cfg.Neutrino.CurrentTimeout,
			PollInterval:   cfg.Neutrino.PollInterval,
		})

		return &ChainBackend{Source: source, Fees: static}, nil

	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// App ties the wallet manager, the sync service and the event bus together.
type App struct {
	cfg     *Config
	backend *ChainBackend

	bus     *events.Bus
	wallets *walletmanager.Manager
	sync    *chainsync.Service

	liveness *healthcheck.Monitor
	metrics  *monitoring.Metrics
	exporter *monitoring.Exporter

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewApp wires the components for the config on top of backend. Scrypt sets
// the password hardening of new wallets.
func NewApp(cfg *Config, backend *ChainBackend, scrypt wallet.ScryptOptions,
	clk clock.Clock) *App {

	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	bus := events.NewBus()
	wallets := walletmanager.New(walletmanager.Config{
		Params: cfg.ActiveNetParams,
		Scrypt: scrypt,
		Clock:  clk,
		Bus:    bus,
	})
	svc := chainsync.New(chainsync.Config{
		Source:             backend.Source,
		Wallets:            wallets,
		Bus:                bus,
		Clock:              clk,
		MaxConnectAttempts: cfg.Sync.MaxConnectAttempts,
		RetryBackoff:       cfg.Sync.RetryBackoff,
		SubmitTimeout:      cfg.Sync.SubmitTimeout,
	})
	wallets.RegisterSwitchObserver(svc)

	return &App{
		cfg:     cfg,
		backend: backend,
		bus:     bus,
		wallets: wallets,
		sync:    svc,
	}
}

// Start initialises the wallet directory and starts the bus, the fee
// estimator, the liveness monitor and, if enabled, the metrics exporter.
func (a *App) Start() error {
	var err error
	a.startOnce.Do(func() {
		err = a.start()
	})

	return err
}

func (a *App) start() error {
	hdwlLog.Infof("Starting on %v with the %s backend",
		a.cfg.ActiveNetParams.Name, a.backend.Source.BackEnd())

	if err := a.wallets.Initialise(a.cfg.WalletDir()); err != nil {
		return err
	}
	if err := a.bus.Start(); err != nil {
		return err
	}
	if err := a.backend.Fees.Start(); err != nil {
		return fmt.Errorf("unable to start fee estimator: %w", err)
	}

	a.liveness = a.newLivenessMonitor()
	if err := a.liveness.Start(); err != nil {
		return fmt.Errorf("unable to start liveness monitor: %w", err)
	}

	if !a.cfg.Prometheus.Enable {
		return nil
	}

	a.metrics = monitoring.NewMetrics(func() int {
		ids, err := a.wallets.StoredWallets()
		if err != nil {
			return 0
		}

		return len(ids)
	})
	if err := a.metrics.Start(a.bus); err != nil {
		return err
	}

	exporter, err := monitoring.ExportPrometheusMetrics(
		*a.cfg.Prometheus, a.metrics,
	)
	if err != nil {
		return fmt.Errorf("unable to export metrics: %w", err)
	}
	a.exporter = exporter

	return nil
}

// Stop stops the sync service and everything Start started.
func (a *App) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		hdwlLog.Infof("Shutting down")

		a.sync.StopAndWait()

		if a.liveness != nil {
			err = errors.Join(err, a.liveness.Stop())
		}
		if a.exporter != nil {
			err = errors.Join(err, a.exporter.Stop())
		}
		if a.metrics != nil {
			a.metrics.Stop()
		}

		err = errors.Join(err, a.backend.Fees.Stop(), a.bus.Stop())
	})

	return err
}

// Bus returns the event bus.
func (a *App) Bus() *events.Bus {
	return a.bus
}

// Wallets returns the wallet manager.
func (a *App) Wallets() *walletmanager.Manager {
	return a.wallets
}

// Sync returns the chain synchronization service.
func (a *App) Sync() *chainsync.Service {
	return a.sync
}

// OpenWallet loads a stored wallet and makes it the current one.
func (a *App) OpenWallet(id wallet.ID, password []byte) (*wallet.WalletData,
	error) {

	w, err := a.wallets.LoadWallet(id, password)
	if err != nil {
		return nil, err
	}
	if err := a.wallets.SetCurrentWalletData(w); err != nil {
		return nil, err
	}

	return w, nil
}

// SyncToTip starts the sync service if needed, requests a download and
// blocks until the current wallet caught up with the best block known when
// the download ran.
func (a *App) SyncToTip(ctx context.Context) error {
	w, err := a.wallets.CurrentWalletData()
	if err != nil {
		return err
	}

	progress, err := a.bus.SubscribeProgress()
	if err != nil {
		return err
	}
	defer progress.Cancel()

	states, err := a.bus.SubscribeState()
	if err != nil {
		return err
	}
	defer states.Cancel()

	state, _ := a.sync.State()
	if state == chainsync.StateFailed {
		a.sync.StopAndWait()
		state = chainsync.StateStopped
	}
	if state == chainsync.StateStopped {
		if err := a.sync.Start(); err != nil {
			return err
		}
	}
	if err := a.sync.DownloadBlockChain(); err != nil {
		return err
	}

	for {
		select {
		case e := <-progress.Updates():
			if e.WalletID != w.ID() {
				continue
			}
			hdwlLog.Debugf("Wallet %v at %.1f%%", e.WalletID,
				e.Percent())
			if e.Height >= e.Target {
				return nil
			}

		case e := <-states.Updates():
			if e.WalletID == w.ID() &&
				e.State == chainsync.StateFailed {

				return fmt.Errorf("%w: %v", ErrSyncFailed, e.Err)
			}

		case <-progress.Quit():
			return ErrShuttingDown

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendCoins pays amount from the source address of the current wallet to
// the destination address. A zero fee rate uses the fee estimator. The
// outcome is published as a SentEvent and available on the returned
// PendingSend.
func (a *App) SendCoins(ctx context.Context, destination, source string,
	amount btcutil.Amount, feeRate int64,
	password []byte) (*sendcoins.PendingSend, error) {

	params := a.cfg.ActiveNetParams

	dest, err := btcutil.DecodeAddress(destination, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sendcoins.ErrInvalidDestination,
			err)
	}
	src, err := btcutil.DecodeAddress(source, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v",
			sendcoins.ErrUnknownSourceAddress, err)
	}

	rate := chainfee.Normalise(feeRate)
	if feeRate == 0 {
		rate, err = a.backend.Fees.EstimateFeePerKB(a.cfg.Fee.ConfTarget)
		if err != nil {
			return nil, fmt.Errorf("unable to estimate fee: %w", err)
		}
	}

	return a.sync.Send(ctx, sendcoins.SendRequest{
		Destination:   dest,
		Amount:        amount,
		SourceAddress: src,
		FeeRate:       rate,
		Password:      password,
	})
}
