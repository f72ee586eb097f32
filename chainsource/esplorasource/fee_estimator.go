package esplorasource

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/hdwallet/chainfee"
	"github.com/lightningnetwork/lnd/ticker"
)

// DefaultFeeUpdateInterval is the default interval at which the fee
// estimator refreshes its cached estimates.
const DefaultFeeUpdateInterval = 5 * time.Minute

// errNoEstimates is returned when the API has no estimates at all.
var errNoEstimates = errors.New("no fee estimates available")

// FeeEstimatorConfig holds the configuration for the Esplora fee estimator.
type FeeEstimatorConfig struct {
	// FallbackFeePerKB is used when the API cannot give an estimate.
	FallbackFeePerKB chainfee.SatPerKVByte

	// UpdateInterval is the interval cached estimates are refreshed at.
	UpdateInterval time.Duration

	// NewTicker creates the refresh ticker. Defaults to ticker.New.
	NewTicker func(time.Duration) ticker.Ticker
}

// FeeEstimator is a chainfee.Estimator backed by the fee estimates of an
// Esplora API.
type FeeEstimator struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg FeeEstimatorConfig

	client *Client

	cacheMtx sync.RWMutex
	cache    FeeEstimates

	quit chan struct{}
	wg   sync.WaitGroup
}

// Compile time check to ensure FeeEstimator implements chainfee.Estimator.
var _ chainfee.Estimator = (*FeeEstimator)(nil)

// NewFeeEstimator creates a fee estimator querying the API through client.
func NewFeeEstimator(client *Client, cfg FeeEstimatorConfig) *FeeEstimator {
	if cfg.FallbackFeePerKB == 0 {
		cfg.FallbackFeePerKB = chainfee.DefaultFeePerKB
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = DefaultFeeUpdateInterval
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) ticker.Ticker {
			return ticker.New(d)
		}
	}

	return &FeeEstimator{
		cfg:    cfg,
		client: client,
		quit:   make(chan struct{}),
	}
}

// Start fetches the first estimates and keeps them fresh in the background.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *FeeEstimator) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Starting Esplora fee estimator")

	if err := e.updateCache(); err != nil {
		log.Warnf("Failed to fetch initial fee estimates: %v", err)
	}

	e.wg.Add(1)
	go e.updateLoop()

	return nil
}

// Stop stops the background refresh.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *FeeEstimator) Stop() error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	log.Info("Stopping Esplora fee estimator")

	close(e.quit)
	e.wg.Wait()

	return nil
}

// EstimateFeePerKB returns the estimate for the largest target not above
// numBlocks, or the smallest target if all are above it. Missing estimates
// fall back to the configured rate.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *FeeEstimator) EstimateFeePerKB(
	numBlocks uint32) (chainfee.SatPerKVByte, error) {

	e.cacheMtx.RLock()
	cache := e.cache
	e.cacheMtx.RUnlock()

	rate, err := pickEstimate(cache, numBlocks)
	if err != nil {
		log.Debugf("No estimate for %d blocks, using fallback %v: %v",
			numBlocks, e.cfg.FallbackFeePerKB, err)

		return chainfee.Normalise(int64(e.cfg.FallbackFeePerKB)), nil
	}

	return rate, nil
}

// RelayFeePerKB returns the minimum fee rate required for transactions to be
// relayed.
//
// NOTE: This is part of the chainfee.Estimator interface.
func (e *FeeEstimator) RelayFeePerKB() chainfee.SatPerKVByte {
	return chainfee.MinimumFeePerKB
}

// pickEstimate selects the estimate for numBlocks and converts it from sat/vB
// to a normalised sat/kB rate.
func pickEstimate(estimates FeeEstimates,
	numBlocks uint32) (chainfee.SatPerKVByte, error) {

	type target struct {
		blocks  uint32
		satPerB float64
	}

	targets := make([]target, 0, len(estimates))
	for key, rate := range estimates {
		blocks, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			continue
		}
		targets = append(targets, target{uint32(blocks), rate})
	}
	if len(targets) == 0 {
		return 0, errNoEstimates
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].blocks < targets[j].blocks
	})

	chosen := targets[0]
	for _, t := range targets {
		if t.blocks > numBlocks {
			break
		}
		chosen = t
	}

	return chainfee.Normalise(int64(chosen.satPerB * 1000)), nil
}

// updateCache replaces the cached estimates with fresh ones.
func (e *FeeEstimator) updateCache() error {
	ctx, cancel := context.WithTimeout(
		context.Background(), e.client.cfg.RequestTimeout,
	)
	defer cancel()

	estimates, err := e.client.GetFeeEstimates(ctx)
	if err != nil {
		return err
	}

	e.cacheMtx.Lock()
	e.cache = estimates
	e.cacheMtx.Unlock()

	log.Debugf("Updated %d fee estimates", len(estimates))

	return nil
}

// updateLoop refreshes the cache until the estimator is stopped.
//
// NOTE: MUST be run as a goroutine.
func (e *FeeEstimator) updateLoop() {
	defer e.wg.Done()

	t := e.cfg.NewTicker(e.cfg.UpdateInterval)
	t.Resume()
	defer t.Stop()

	for {
		select {
		case <-t.Ticks():
			if err := e.updateCache(); err != nil {
				log.Warnf("Failed to update fee estimates: %v",
					err)
			}

		case <-e.quit:
			return
		}
	}
}
