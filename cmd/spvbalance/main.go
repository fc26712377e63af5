// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// spvbalance prints the balance and the usable outputs recorded in an
// spvwalletd database.  The daemon must not be running.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/spvwallet/internal/cfgutil"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/btcsuite/spvwallet/wallet"
	"github.com/jessevdk/go-flags"
)

const defaultNet = "mainnet"

var datadir = btcutil.AppDataDir("spvwallet", false)

// Flags.
var opts = struct {
	DbPath        string              `long:"db" description:"Path to wallet database"`
	Confirmations int32               `long:"confirmations" description:"Number of blocks an incoming output needs before it is spendable"`
	MinValue      *cfgutil.AmountFlag `long:"minvalue" description:"Only list outputs of at least this value (BTC, or satoshis with a sat suffix)"`
	Outputs       bool                `short:"o" long:"outputs" description:"List the spendable and confirming outputs"`
}{
	DbPath:        filepath.Join(datadir, defaultNet, "wallet.db"),
	Confirmations: 6,
	MinValue:      cfgutil.NewAmountFlag(0),
}

func main() {
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	exists, err := cfgutil.FileExists(opts.DbPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("database file %s does not exist", opts.DbPath)
	}

	db, err := walletdb.Open("bdb", opts.DbPath, true, 10*time.Second,
		false)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	store, err := txstore.Open(db)
	if err != nil {
		return fmt.Errorf("failed to open transaction store: %w", err)
	}

	tip, err := store.SyncedTo()
	switch {
	case txstore.IsNoExists(err):
		tip = &txstore.BlockStamp{}
	case err != nil:
		return err
	}
	bestHeight := func() int32 { return tip.Height }

	p := wallet.NewUnspentOutputProvider(
		store, wallet.PolicySet{wallet.NewLockTimePolicy(bestHeight)},
		opts.Confirmations,
	)
	c, err := p.Classify()
	if err != nil {
		return err
	}

	info := c.BalanceInfo()
	fmt.Printf("Synced to:        %d (%v)\n", tip.Height, tip.Hash)
	fmt.Printf("Spendable:        %v\n", info.Spendable)
	fmt.Printf("Confirmed:        %v\n", info.WaitConfirmedSpendable)
	fmt.Printf("Unspendable:      %v\n", info.Unspendable)

	if !opts.Outputs {
		return nil
	}

	confirming := make(map[string]struct{}, len(c.WaitConfirmed))
	for _, out := range c.WaitConfirmed {
		confirming[out.OutPoint.String()] = struct{}{}
	}
	fmt.Println()
	for _, out := range c.Spendable {
		if out.Value < opts.MinValue.Amount {
			continue
		}
		state := "spendable"
		if _, ok := confirming[out.OutPoint.String()]; ok {
			state = "confirming"
		}
		fmt.Printf("%v %v %s\n", out.OutPoint, out.Value, state)
	}
	return nil
}
