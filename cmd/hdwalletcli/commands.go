package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/hdwallet"
	"github.com/lightningnetwork/hdwallet/seed"
	"github.com/lightningnetwork/hdwallet/wallet"
	"github.com/lightningnetwork/hdwallet/walletmanager"
	"github.com/urfave/cli"
)

var genSeedCommand = cli.Command{
	Name:     "genseed",
	Category: "Wallet",
	Usage:    "Generate a new BIP-39 mnemonic.",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "words",
			Value: 24,
			Usage: "The number of words, 12 or 24.",
		},
	},
	Action: genSeed,
}

func genSeed(ctx *cli.Context) error {
	bits := seed.MaxEntropyBits
	switch ctx.Int("words") {
	case 12:
		bits = seed.DefaultEntropyBits
	case 24:
	default:
		return fmt.Errorf("unsupported number of words %d",
			ctx.Int("words"))
	}

	mnemonic, err := seed.NewMnemonic(bits)
	if err != nil {
		return err
	}

	printJSON(struct {
		Mnemonic []string `json:"mnemonic"`
	}{mnemonic})

	return nil
}

var createCommand = cli.Command{
	Name:     "create",
	Category: "Wallet",
	Usage:    "Create a wallet from a new or an existing mnemonic.",
	Description: `
	The wallet is encrypted with a password that is read from the terminal.
	Without --mnemonic a fresh 24 word mnemonic is generated and printed.
	Write it down, it is the only backup of the wallet.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "name",
			Usage: "A short label for the wallet.",
		},
		cli.StringFlag{
			Name:  "description",
			Usage: "A free form description.",
		},
		cli.StringFlag{
			Name:  "mnemonic",
			Usage: "Restore from these space separated words.",
		},
		cli.StringFlag{
			Name:  "passphrase",
			Usage: "The optional BIP-39 passphrase.",
		},
	},
	Action: create,
}

func create(ctx *cli.Context) error {
	var (
		mnemonic seed.Mnemonic
		err      error
		fresh    bool
	)
	if ctx.IsSet("mnemonic") {
		mnemonic, err = seed.ParseMnemonic(ctx.String("mnemonic"))
	} else {
		mnemonic, err = seed.NewMnemonic(seed.MaxEntropyBits)
		fresh = true
	}
	if err != nil {
		return err
	}

	password, err := capturePassword()
	if err != nil {
		return err
	}

	s, err := mnemonic.ToSeed(ctx.String("passphrase"))
	if err != nil {
		return err
	}
	defer s.Zero()

	app, cleanUp, err := startApp(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	w, err := app.Wallets().CreateWallet(
		s, password,
		walletmanager.WithName(ctx.String("name")),
		walletmanager.WithDescription(ctx.String("description")),
	)
	if err != nil {
		return err
	}

	addrs, err := w.Addresses()
	if err != nil {
		return err
	}

	resp := struct {
		ID       string   `json:"id"`
		Address  string   `json:"address"`
		Mnemonic []string `json:"mnemonic,omitempty"`
	}{
		ID:      w.ID().String(),
		Address: addrs[0].String(),
	}
	if fresh {
		resp.Mnemonic = mnemonic
	}
	printJSON(resp)

	return nil
}

// capturePassword asks for a new password twice and checks it is long
// enough.
func capturePassword() ([]byte, error) {
	for {
		password, err := readPassword("Input wallet password: ")
		if err != nil {
			return nil, err
		}

		confirm, err := readPassword("Confirm password: ")
		if err != nil {
			return nil, err
		}

		if !bytes.Equal(password, confirm) {
			fmt.Fprintln(out, "Passwords don't match, please try "+
				"again")
			fmt.Fprintln(out)
			continue
		}

		if len(password) < walletmanager.MinPasswordLength {
			fmt.Fprintf(out, "%v, please try again\n\n",
				walletmanager.ErrPasswordTooShort)
			continue
		}

		return password, nil
	}
}

var listCommand = cli.Command{
	Name:     "list",
	Category: "Wallet",
	Usage:    "List the IDs of all stored wallets.",
	Action:   list,
}

func list(ctx *cli.Context) error {
	app, cleanUp, err := startApp(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	ids, err := app.Wallets().StoredWallets()
	if err != nil {
		return err
	}

	resp := struct {
		Wallets []string `json:"wallets"`
	}{Wallets: make([]string, 0, len(ids))}
	for _, id := range ids {
		resp.Wallets = append(resp.Wallets, id.String())
	}
	printJSON(resp)

	return nil
}

var idFlag = cli.StringFlag{
	Name:  "id",
	Usage: "The ID of the wallet.",
}

// openedWallet is a started app with the wallet of the id flag open.
type openedWallet struct {
	app      *hdwallet.App
	w        *wallet.WalletData
	password []byte
	cleanUp  func()
}

// openWallet starts an app and opens the wallet named by the id flag with
// a password read from the terminal.
func openWallet(ctx *cli.Context) (*openedWallet, error) {
	if !ctx.IsSet("id") {
		return nil, errors.New("id argument missing")
	}
	id, err := wallet.ParseID(ctx.String("id"))
	if err != nil {
		return nil, err
	}

	password, err := readPassword("Input wallet password: ")
	if err != nil {
		return nil, err
	}

	app, cleanUp, err := startApp(ctx)
	if err != nil {
		return nil, err
	}

	w, err := app.OpenWallet(id, password)
	if err != nil {
		cleanUp()
		return nil, err
	}

	return &openedWallet{
		app:      app,
		w:        w,
		password: password,
		cleanUp:  cleanUp,
	}, nil
}

type balanceResp struct {
	ID          string `json:"id"`
	SyncHeight  int32  `json:"sync_height"`
	Confirmed   int64  `json:"confirmed_balance"`
	Unconfirmed int64  `json:"unconfirmed_balance"`
	Total       int64  `json:"total_balance"`
}

func balanceOf(w *wallet.WalletData) balanceResp {
	height, _ := w.SyncTip()
	balance := w.Balance()

	return balanceResp{
		ID:          w.ID().String(),
		SyncHeight:  height,
		Confirmed:   int64(balance.Confirmed),
		Unconfirmed: int64(balance.Unconfirmed),
		Total:       int64(balance.Total()),
	}
}

var balanceCommand = cli.Command{
	Name:     "balance",
	Category: "Wallet",
	Usage:    "Show the balance as of the last sync.",
	Flags:    []cli.Flag{idFlag},
	Action:   balance,
}

func balance(ctx *cli.Context) error {
	opened, err := openWallet(ctx)
	if err != nil {
		return err
	}
	defer opened.cleanUp()

	printJSON(balanceOf(opened.w))

	return nil
}

var timeoutFlag = cli.DurationFlag{
	Name:  "timeout",
	Value: 10 * time.Minute,
	Usage: "How long to wait for the wallet to catch up.",
}

var syncCommand = cli.Command{
	Name:     "sync",
	Category: "Chain",
	Usage:    "Bring the wallet up to the tip of the chain.",
	Flags:    []cli.Flag{idFlag, timeoutFlag},
	Action:   syncWallet,
}

func syncWallet(ctx *cli.Context) error {
	opened, err := openWallet(ctx)
	if err != nil {
		return err
	}
	defer opened.cleanUp()

	ctxt, cancel := context.WithTimeout(
		context.Background(), ctx.Duration("timeout"),
	)
	defer cancel()

	if err := opened.app.SyncToTip(ctxt); err != nil {
		return err
	}

	printJSON(balanceOf(opened.w))

	return nil
}

var sendCommand = cli.Command{
	Name:      "send",
	Category:  "Chain",
	Usage:     "Sync the wallet and pay an address.",
	ArgsUsage: "addr amt",
	Description: `
	Pay amt satoshis to addr from one address of the wallet. The wallet is
	synced first. Without --feerate the configured fee policy is used.`,
	Flags: []cli.Flag{
		idFlag,
		cli.StringFlag{
			Name:  "addr",
			Usage: "The address to pay.",
		},
		cli.Int64Flag{
			Name:  "amt",
			Usage: "The amount in satoshis.",
		},
		cli.StringFlag{
			Name: "from",
			Usage: "The wallet address to spend from, by default " +
				"the first one.",
		},
		cli.Int64Flag{
			Name:  "feerate",
			Usage: "The fee rate in sat/kB.",
		},
		timeoutFlag,
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()

	addr := ctx.String("addr")
	if addr == "" && args.Present() {
		addr = args.First()
		args = args.Tail()
	}
	if addr == "" {
		return errors.New("addr argument missing")
	}

	amt := ctx.Int64("amt")
	if !ctx.IsSet("amt") && args.Present() {
		var err error
		amt, err = parseAmount(args.First())
		if err != nil {
			return err
		}
	}
	if amt <= 0 {
		return errors.New("amt must be positive")
	}

	opened, err := openWallet(ctx)
	if err != nil {
		return err
	}
	defer opened.cleanUp()

	from := ctx.String("from")
	if from == "" {
		addrs, err := opened.w.Addresses()
		if err != nil {
			return err
		}
		from = addrs[0].String()
	}

	ctxt, cancel := context.WithTimeout(
		context.Background(), ctx.Duration("timeout"),
	)
	defer cancel()

	if err := opened.app.SyncToTip(ctxt); err != nil {
		return err
	}

	pending, err := opened.app.SendCoins(
		ctxt, addr, from, btcutil.Amount(amt), ctx.Int64("feerate"),
		opened.password,
	)
	if err != nil {
		return err
	}

	result, err := pending.Wait(ctxt)
	if err != nil {
		return err
	}

	if !result.Success {
		return fmt.Errorf("send failed: %v", result.Reason)
	}

	printJSON(struct {
		TxID string `json:"txid"`
		Fee  int64  `json:"fee_sat"`
	}{
		TxID: result.TxID.String(),
		Fee:  int64(pending.Fee),
	})

	return nil
}

// parseAmount parses an amount in satoshis.
func parseAmount(s string) (int64, error) {
	amt, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}

	return amt, nil
}

var historyCommand = cli.Command{
	Name:     "history",
	Category: "Wallet",
	Usage:    "List the transactions of the wallet.",
	Flags:    []cli.Flag{idFlag},
	Action:   history,
}

func history(ctx *cli.Context) error {
	opened, err := openWallet(ctx)
	if err != nil {
		return err
	}
	defer opened.cleanUp()

	type txResp struct {
		TxID      string `json:"txid"`
		Height    int32  `json:"block_height"`
		BlockHash string `json:"block_hash,omitempty"`
		Received  int64  `json:"time_stamp"`
		Outgoing  bool   `json:"outgoing"`
	}

	txs := opened.w.Transactions()
	resp := struct {
		Transactions []txResp `json:"transactions"`
	}{Transactions: make([]txResp, 0, len(txs))}

	for _, rec := range txs {
		tx := txResp{
			TxID:     rec.Hash.String(),
			Height:   rec.Height,
			Received: rec.Received.Unix(),
			Outgoing: rec.Outgoing,
		}
		if rec.Confirmed() {
			tx.BlockHash = rec.BlockHash.String()
		}
		resp.Transactions = append(resp.Transactions, tx)
	}
	printJSON(resp)

	return nil
}
