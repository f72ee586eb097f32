package monitoring

import (
	"sync"

	"github.com/lightningnetwork/hdwallet/events"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hdwallet"

// Prometheus is the configuration of the metrics exporter.
//
//nolint:lll
type Prometheus struct {
	Enable bool   `long:"enable" description:"Export Prometheus metrics"`
	Listen string `long:"listen" description:"The interface and port to serve /metrics on"`
}

// DefaultPrometheusListen is the default exporter address.
const DefaultPrometheusListen = "127.0.0.1:8989"

// Metrics turns the events of a bus into Prometheus metrics.
type Metrics struct {
	registry *prometheus.Registry

	syncHeight  *prometheus.GaugeVec
	syncTarget  *prometheus.GaugeVec
	syncState   prometheus.Gauge
	sends       *prometheus.CounterVec
	walletCount prometheus.Gauge

	// countWallets recounts the wallets on every wallet change. If nil
	// the count follows the created and deleted events.
	countWallets func() int

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewMetrics creates the collectors and registers them on a fresh registry.
// countWallets may be nil.
func NewMetrics(countWallets func() int) *Metrics {
	m := &Metrics{
		countWallets: countWallets,
		registry: prometheus.NewRegistry(),
		syncHeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "height",
			Help:      "Last block height processed for a wallet.",
		}, []string{"wallet"}),
		syncTarget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "target_height",
			Help:      "Best block height known when syncing a wallet.",
		}, []string{"wallet"}),
		syncState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "state",
			Help: "State of the sync service (0 stopped, 1 " +
				"starting, 2 running, 3 stopping, 4 failed).",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "send",
			Name:      "total",
			Help:      "Completed sends by outcome.",
		}, []string{"outcome"}),
		walletCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wallets",
			Help:      "Number of wallets known to the manager.",
		}),
		quit: make(chan struct{}),
	}

	if countWallets != nil {
		m.SetWalletCount(countWallets())
	}

	m.registry.MustRegister(
		m.syncHeight, m.syncTarget, m.syncState, m.sends,
		m.walletCount,
	)

	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetWalletCount sets the wallet count, for instance after loading the
// wallets at startup.
func (m *Metrics) SetWalletCount(n int) {
	m.walletCount.Set(float64(n))
}

// Start subscribes to the bus and updates the metrics until Stop is called.
// The bus must be started.
func (m *Metrics) Start(bus *events.Bus) error {
	sent, err := bus.SubscribeSent()
	if err != nil {
		return err
	}
	progress, err := bus.SubscribeProgress()
	if err != nil {
		sent.Cancel()
		return err
	}
	state, err := bus.SubscribeState()
	if err != nil {
		sent.Cancel()
		progress.Cancel()
		return err
	}
	wallets, err := bus.SubscribeWallets()
	if err != nil {
		sent.Cancel()
		progress.Cancel()
		state.Cancel()
		return err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer sent.Cancel()
		defer progress.Cancel()
		defer state.Cancel()
		defer wallets.Cancel()

		for {
			select {
			case e := <-sent.Updates():
				m.observeSent(e)

			case e := <-progress.Updates():
				id := e.WalletID.String()
				m.syncHeight.WithLabelValues(id).Set(
					float64(e.Height),
				)
				m.syncTarget.WithLabelValues(id).Set(
					float64(e.Target),
				)

			case e := <-state.Updates():
				m.syncState.Set(float64(e.State))

			case e := <-wallets.Updates():
				m.observeWallet(e)

			case <-sent.Quit():
				return

			case <-m.quit:
				return
			}
		}
	}()

	log.Debugf("Metrics collection started")

	return nil
}

// Stop ends the collection.
func (m *Metrics) Stop() {
	close(m.quit)
	m.wg.Wait()
}

func (m *Metrics) observeSent(e events.SentEvent) {
	outcome := "success"
	if !e.Success {
		outcome = "failure"
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeWallet(e events.WalletChangedEvent) {
	switch e.Change {
	case events.WalletCreated:
		if m.countWallets == nil {
			m.walletCount.Inc()
		}

	case events.WalletDeleted:
		if m.countWallets == nil {
			m.walletCount.Dec()
		}
		m.syncHeight.DeleteLabelValues(e.WalletID.String())
		m.syncTarget.DeleteLabelValues(e.WalletID.String())

	default:
		return
	}

	if m.countWallets != nil {
		m.SetWalletCount(m.countWallets())
	}
}
