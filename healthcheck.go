package hdwallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/hdwallet/chainsync"
	"github.com/lightningnetwork/lnd/healthcheck"
)

var (
	// MinHealthCheckInterval is the minimum interval we allow between
	// health checks.
	MinHealthCheckInterval = time.Minute

	// MinHealthCheckTimeout is the minimum timeout we allow for health
	// check calls.
	MinHealthCheckTimeout = time.Second

	// MinHealthCheckBackoff is the minimum back off we allow between health
	// check retries.
	MinHealthCheckBackoff = time.Second
)

// CheckConfig contains configuration for a health check.
//
//nolint:lll
type CheckConfig struct {
	Interval time.Duration `long:"interval" description:"How often to run a health check."`
	Attempts int           `long:"attempts" description:"The number of calls we will make for the check before failing. Set this value to 0 to disable a check."`
	Timeout  time.Duration `long:"timeout" description:"The amount of time we allow the health check to take before failing due to timeout."`
	Backoff  time.Duration `long:"backoff" description:"The amount of time to back-off between failed health checks."`
}

// validate checks the values of a health check, disabled checks are not
// validated.
func (c *CheckConfig) validate(name string) error {
	if c.Attempts == 0 {
		return nil
	}

	if c.Backoff < MinHealthCheckBackoff {
		return fmt.Errorf("%v backoff: %v below minimum: %v", name,
			c.Backoff, MinHealthCheckBackoff)
	}
	if c.Timeout < MinHealthCheckTimeout {
		return fmt.Errorf("%v timeout: %v below minimum: %v", name,
			c.Timeout, MinHealthCheckTimeout)
	}
	if c.Interval < MinHealthCheckInterval {
		return fmt.Errorf("%v interval: %v below minimum: %v", name,
			c.Interval, MinHealthCheckInterval)
	}

	return nil
}

// DiskCheckConfig contains configuration for ensuring that the data
// directory has enough free space.
//
//nolint:lll
type DiskCheckConfig struct {
	RequiredRemaining float64 `long:"diskrequired" description:"The minimum ratio of free disk space to total capacity that we allow before shutting down."`

	*CheckConfig
}

// HealthCheckConfig contains the configuration for the liveness checks.
type HealthCheckConfig struct {
	ChainCheck *CheckConfig     `group:"chainbackend" namespace:"chainbackend"`
	DiskCheck  *DiskCheckConfig `group:"diskspace" namespace:"diskspace"`
}

// Validate checks the values configured for our health checks.
func (h *HealthCheckConfig) Validate() error {
	if err := h.ChainCheck.validate("chain backend"); err != nil {
		return err
	}
	if err := h.DiskCheck.validate("disk space"); err != nil {
		return err
	}

	if h.DiskCheck.RequiredRemaining < 0 ||
		h.DiskCheck.RequiredRemaining >= 1 {

		return errors.New("disk required ratio must be in [0:1)")
	}

	return nil
}

func defaultHealthCheckConfig() *HealthCheckConfig {
	return &HealthCheckConfig{
		ChainCheck: &CheckConfig{
			Interval: time.Minute,
			Attempts: 3,
			Timeout:  10 * time.Second,
			Backoff:  30 * time.Second,
		},
		DiskCheck: &DiskCheckConfig{
			RequiredRemaining: 0.1,
			CheckConfig: &CheckConfig{
				Interval: 12 * time.Hour,
				Attempts: 2,
				Timeout:  5 * time.Second,
				Backoff:  time.Minute,
			},
		},
	}
}

// chainCheck fails while the sync service sits in the failed state.
func (a *App) chainCheck() error {
	state, err := a.sync.State()
	if state != chainsync.StateFailed {
		return nil
	}

	return fmt.Errorf("chain sync failed: %w", err)
}

// diskCheck fails when the data directory runs out of space.
func (a *App) diskCheck() error {
	free, err := healthcheck.AvailableDiskSpaceRatio(a.cfg.DataDir)
	if err != nil {
		return err
	}

	required := a.cfg.HealthChecks.DiskCheck.RequiredRemaining
	if free > required {
		return nil
	}

	return fmt.Errorf("require: %v free space, got: %v", required, free)
}

// newLivenessMonitor creates a monitor for the enabled health checks. A
// check that keeps failing is logged as critical, which shuts the daemon
// down.
func (a *App) newLivenessMonitor() *healthcheck.Monitor {
	var checks []*healthcheck.Observation

	chainCfg := a.cfg.HealthChecks.ChainCheck
	if chainCfg.Attempts != 0 {
		checks = append(checks, healthcheck.NewObservation(
			"chain backend", a.chainCheck, chainCfg.Interval,
			chainCfg.Timeout, chainCfg.Backoff, chainCfg.Attempts,
		))
	}

	diskCfg := a.cfg.HealthChecks.DiskCheck
	if diskCfg.Attempts != 0 {
		checks = append(checks, healthcheck.NewObservation(
			"disk space", a.diskCheck, diskCfg.Interval,
			diskCfg.Timeout, diskCfg.Backoff, diskCfg.Attempts,
		))
	}

	return healthcheck.NewMonitor(&healthcheck.Config{
		Checks:   checks,
		Shutdown: hdwlLog.Criticalf,
	})
}
