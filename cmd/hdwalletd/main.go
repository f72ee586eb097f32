package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/hdwallet"
	"github.com/lightningnetwork/hdwallet/signal"
)

func main() {
	// Load the configuration, and parse any command line options.
	loadedConfig, err := hdwallet.LoadConfig(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if !(errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp) {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	// Hook interceptor for os signals.
	interceptor, err := signal.Intercept()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	closeLog, err := hdwallet.InitLogging(loadedConfig, interceptor)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Call the "real" main in a nested manner so the defers will properly
	// be executed in the case of a graceful shutdown.
	err = hdwallet.Main(loadedConfig, interceptor)
	_ = closeLog()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
