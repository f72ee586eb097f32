package hdwallet

import (
	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/neutrino"
	"github.com/lightningnetwork/hdwallet/build"
	"github.com/lightningnetwork/hdwallet/chainfee"
	"github.com/lightningnetwork/hdwallet/chainsource"
	"github.com/lightningnetwork/hdwallet/chainsource/esplorasource"
	"github.com/lightningnetwork/hdwallet/chainsource/neutrinosource"
	"github.com/lightningnetwork/hdwallet/chainsync"
	"github.com/lightningnetwork/hdwallet/events"
	"github.com/lightningnetwork/hdwallet/keychain"
	"github.com/lightningnetwork/hdwallet/monitoring"
	"github.com/lightningnetwork/hdwallet/seed"
	"github.com/lightningnetwork/hdwallet/sendcoins"
	"github.com/lightningnetwork/hdwallet/signal"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/lightningnetwork/hdwallet/walletmanager"
	"github.com/lightningnetwork/hdwallet/walletstore"
)

// Subsystem is the logging code of the root package.
const Subsystem = "HDWL"

// hdwlLog is the logger of the root package. It is replaced by SetupLoggers
// once the daemon created its log backend.
var hdwlLog = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables. Critical
// messages of the root logger request a shutdown through the interceptor.
func SetupLoggers(root *build.SubLoggerManager, interceptor *signal.Interceptor) {
	genLogger := root.GenSubLogger

	// Now that we have the proper root logger, we can replace the
	// placeholder logger.
	hdwlLog = build.NewSubLogger(Subsystem, genLogger)
	if interceptor != nil {
		hdwlLog = build.NewShutdownLogger(
			hdwlLog, interceptor.RequestShutdown,
		)
	}
	root.RegisterSubLogger(Subsystem, hdwlLog)

	AddSubLogger(root, seed.Subsystem, seed.UseLogger)
	AddSubLogger(root, keychain.Subsystem, keychain.UseLogger)
	AddSubLogger(root, chainfee.Subsystem, chainfee.UseLogger)
	AddSubLogger(root, wallet.Subsystem, wallet.UseLogger)
	AddSubLogger(root, walletstore.Subsystem, walletstore.UseLogger)
	AddSubLogger(root, walletmanager.Subsystem, walletmanager.UseLogger)
	AddSubLogger(root, chainsource.Subsystem, chainsource.UseLogger)
	AddSubLogger(root, esplorasource.Subsystem, esplorasource.UseLogger)
	AddSubLogger(root, neutrinosource.Subsystem, neutrinosource.UseLogger)
	AddSubLogger(root, "NTRN", neutrino.UseLogger)
	AddSubLogger(root, chainsync.Subsystem, chainsync.UseLogger)
	AddSubLogger(root, sendcoins.Subsystem, sendcoins.UseLogger)
	AddSubLogger(root, events.Subsystem, events.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
	AddSubLogger(root, signal.Subsystem, signal.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, root.GenSubLogger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}
