package hdwallet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/lightningnetwork/hdwallet/build"
	"github.com/lightningnetwork/hdwallet/signal"
	"github.com/lightningnetwork/hdwallet/wallet"
)

// InitLogging creates the log backend writing to stdout and the rotated log
// file of the config and applies the debug level. The returned closer
// flushes the log file.
func InitLogging(cfg *Config, interceptor *signal.Interceptor) (func() error,
	error) {

	rotator := build.NewRotatingLogWriter()
	err := rotator.InitLogRotator(cfg.LogConfig, cfg.LogFile())
	if err != nil {
		return nil, err
	}

	build.LoggingType = build.LogTypeDefault
	root := build.NewSubLoggerManager(&build.LogWriter{
		RotatorPipe: rotator,
	})
	SetupLoggers(root, interceptor)

	err = build.ParseAndSetDebugLevels(cfg.DebugLevel, root)
	if err != nil {
		_ = rotator.Close()
		return nil, err
	}

	return rotator.Close, nil
}

// readPasswordFile returns the first line of the password file.
func readPasswordFile(path string) ([]byte, error) {
	if path == "" {
		return nil, errors.New("wallet.passwordfile must be set")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read password file: %w", err)
	}

	line, _, _ := bytes.Cut(raw, []byte("\n"))

	return bytes.TrimRight(line, "\r"), nil
}

// Main is the true entry point of the daemon. It serves the wallet named in
// the config, keeping it synchronized until a shutdown is requested.
func Main(cfg *Config, interceptor *signal.Interceptor) error {
	hdwlLog.Infof("Version: %s, network: %s, backend: %s",
		build.FullVersion(), cfg.ActiveNetParams.Name, cfg.Backend)

	backend, err := NewChainBackend(cfg)
	if err != nil {
		return err
	}

	app := NewApp(cfg, backend, wallet.DefaultScryptOptions, nil)
	if err := app.Start(); err != nil {
		return err
	}
	defer func() {
		if err := app.Stop(); err != nil {
			hdwlLog.Errorf("Unable to stop cleanly: %v", err)
		}
	}()

	if cfg.Wallet.ID == "" {
		return errors.New("wallet.id must be set")
	}
	id, err := wallet.ParseID(cfg.Wallet.ID)
	if err != nil {
		return err
	}
	password, err := readPasswordFile(cfg.Wallet.PasswordFile)
	if err != nil {
		return err
	}

	w, err := app.OpenWallet(id, password)
	if err != nil {
		return fmt.Errorf("unable to open wallet %v: %w", id, err)
	}

	hdwlLog.Infof("Serving wallet %v (%v)", w.ID(), w.Details().Name)

	if cfg.Wallet.NoDownload {
		if err := app.Sync().Start(); err != nil {
			return err
		}
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			select {
			case <-interceptor.ShutdownChannel():
				cancel()
			case <-ctx.Done():
			}
		}()

		if err := app.SyncToTip(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		height, _ := w.SyncTip()
		balance := w.Balance()
		hdwlLog.Infof("Wallet %v synced to height %d, balance %v "+
			"(%v unconfirmed)", w.ID(), height, balance.Confirmed,
			balance.Unconfirmed)
	}

	<-interceptor.ShutdownChannel()

	return nil
}
