// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2022 The Lightning Network Developers

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/lightningnetwork/hdwallet"
	"github.com/lightningnetwork/hdwallet/build"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/urfave/cli"
	"golang.org/x/term"
)

var (
	// out receives the command output.
	out io.Writer = os.Stdout

	// scryptOptions is the password hardening of wallets created by the
	// CLI.
	scryptOptions = wallet.DefaultScryptOptions
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[hdwalletcli] %v\n", err)
	os.Exit(1)
}

// terminalReader reads secrets from the user.
type terminalReader interface {
	ReadPassword() ([]byte, error)
}

type stdTerminalReader struct{}

// ReadPassword reads a password from the terminal. This requires there to be
// an actual TTY so passing in a password from stdin won't work.
func (stdTerminalReader) ReadPassword() ([]byte, error) {
	// The variable syscall.Stdin is of a different type in the Windows
	// API that's why we need the explicit cast. And of course the linter
	// doesn't like it either.
	pw, err := term.ReadPassword(int(syscall.Stdin)) // nolint:unconvert
	fmt.Fprintln(out)
	return pw, err
}

// reader is the source of passwords.
var reader terminalReader = stdTerminalReader{}

func readPassword(text string) ([]byte, error) {
	fmt.Fprint(out, text)
	return reader.ReadPassword()
}

func printJSON(resp interface{}) {
	b, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fatal(err)
	}

	fmt.Fprintf(out, "%s\n", b)
}

// loadConfig loads the daemon config the global flags point to.
func loadConfig(ctx *cli.Context) (*hdwallet.Config, error) {
	args := []string{"--homedir=" + ctx.GlobalString("homedir")}
	if ctx.GlobalIsSet("configfile") {
		args = append(args, "--configfile="+ctx.GlobalString("configfile"))
	}
	if ctx.GlobalIsSet("network") {
		args = append(args, "--network="+ctx.GlobalString("network"))
	}
	if ctx.GlobalIsSet("backend") {
		args = append(args, "--backend="+ctx.GlobalString("backend"))
	}

	return hdwallet.LoadConfig(args)
}

// startApp creates and starts an app for the config of the global flags.
// The cleanup stops it.
func startApp(ctx *cli.Context) (*hdwallet.App, func(), error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	// Library logging goes to stderr at the requested level.
	build.LoggingType = build.LogTypeNone
	if ctx.GlobalIsSet("debuglevel") {
		build.LoggingType = build.LogTypeStdOut
		root := build.NewSubLoggerManager(os.Stderr)
		hdwallet.SetupLoggers(root, nil)
		err := build.ParseAndSetDebugLevels(
			ctx.GlobalString("debuglevel"), root,
		)
		if err != nil {
			return nil, nil, err
		}
	}

	backend, err := hdwallet.NewChainBackend(cfg)
	if err != nil {
		return nil, nil, err
	}

	app := hdwallet.NewApp(cfg, backend, scryptOptions, nil)
	if err := app.Start(); err != nil {
		return nil, nil, err
	}

	return app, func() {
		if err := app.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "[hdwalletcli] %v\n", err)
		}
	}, nil
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "hdwalletcli"
	app.Version = build.FullVersion()
	app.Usage = "control plane for an hdwallet home directory"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "homedir",
			Value:     hdwallet.DefaultHomeDir,
			Usage:     "The path to the wallet's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "configfile",
			Usage:     "The path to the config file.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name: "network, n",
			Usage: "The network the wallets are for, e.g. " +
				"mainnet, testnet, regtest.",
		},
		cli.StringFlag{
			Name:  "backend",
			Usage: "The chain source, esplora or neutrino.",
		},
		cli.StringFlag{
			Name: "debuglevel",
			Usage: "Log library output to stderr at this level, " +
				"e.g. info or SYNC=debug.",
		},
	}
	app.Commands = []cli.Command{
		genSeedCommand,
		createCommand,
		listCommand,
		balanceCommand,
		syncCommand,
		sendCommand,
		historyCommand,
	}

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}
