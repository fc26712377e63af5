// Copyright (c) 2013-2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/btcsuite/spvwallet/chain"
	"github.com/btcsuite/spvwallet/internal/cfgutil"
	"github.com/btcsuite/spvwallet/txsender"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/btcsuite/spvwallet/wallet"
	"github.com/lightninglabs/neutrino"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var cfg *config

func main() {
	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	netDir := networkDir(cfg.DataDir.Value)
	if err := checkCreateDir(netDir); err != nil {
		log.Errorf("Unable to create data directory: %v", err)
		return err
	}

	db, err := openDB(filepath.Join(netDir, walletDbName))
	if err != nil {
		log.Errorf("Unable to open wallet database: %v", err)
		return err
	}
	defer db.Close()

	store, err := txstore.Open(db)
	if err != nil {
		log.Errorf("Unable to open transaction store: %v", err)
		return err
	}

	spvdb, err := openDB(filepath.Join(netDir, neutrinoDbName))
	if err != nil {
		log.Errorf("Unable to open neutrino database: %v", err)
		return err
	}
	defer spvdb.Close()

	chainService, err := neutrino.NewChainService(neutrino.Config{
		DataDir:      netDir,
		Database:     spvdb,
		ChainParams:  *activeNet.Params,
		ConnectPeers: cfg.ConnectPeers,
		AddPeers:     cfg.AddPeers,
	})
	if err != nil {
		log.Errorf("Couldn't create neutrino chain service: %v", err)
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// The sender is created after the peer set it reads from, so relay
	// reports reach it through a closure.
	var sender *txsender.TxSender
	peerSet := chain.NewPeerSet(chain.PeerSetConfig{
		Source: chain.NewNeutrinoSource(chainService),
		Store:  store,
		RelayHandlers: []chain.RelayHandler{
			chain.RelayHandlerFunc(store.MarkRelayed),
			chain.RelayHandlerFunc(func(h []chainhash.Hash) error {
				return sender.TransactionsRelayed(h)
			}),
		},
		Ticker: ticker.New(cfg.PollInterval),
	})

	sender, err = txsender.New(txsender.Config{
		Store:           store,
		Syncer:          store,
		PeerView:        peerSet,
		SyncedSignal:    peerSet.Synced(),
		Ticker:          ticker.New(cfg.RetryInterval),
		MaxRetriesCount: cfg.MaxRetries,
		RetriesPeriod:   cfg.RetryPeriod,
		Registerer:      registry,
	})
	if err != nil {
		log.Errorf("Unable to create transaction sender: %v", err)
		return err
	}
	peerSet.SetTaskHandler(sender)

	bestHeight := func() int32 {
		best, err := chainService.BestBlock()
		if err != nil {
			log.Errorf("Unable to fetch best block: %v", err)
			return 0
		}
		return best.Height
	}
	outputs := wallet.NewUnspentOutputProvider(
		store, wallet.PolicySet{wallet.NewLockTimePolicy(bestHeight)},
		cfg.Confirmations,
	)
	if err := registerBalanceMetrics(registry, outputs); err != nil {
		log.Errorf("Unable to register balance metrics: %v", err)
		return err
	}

	if err := chainService.Start(); err != nil {
		log.Errorf("Couldn't start neutrino chain service: %v", err)
		return err
	}
	addInterruptHandler(func() {
		if err := chainService.Stop(); err != nil {
			log.Errorf("Unable to stop neutrino: %v", err)
		}
	})

	if err := peerSet.Start(); err != nil {
		return err
	}
	addInterruptHandler(func() {
		if err := peerSet.Stop(); err != nil {
			log.Errorf("Unable to stop peer set: %v", err)
		}
	})

	if err := sender.Start(); err != nil {
		return err
	}
	addInterruptHandler(func() {
		if err := sender.Stop(); err != nil {
			log.Errorf("Unable to stop transaction sender: %v", err)
		}
	})

	sub, err := sender.SubscribeSendStarts()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	addInterruptHandler(cancel)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logSendStarts(ctx, sub, outputs)
		return nil
	})
	if len(cfg.txs) > 0 {
		g.Go(func() error {
			retry := ticker.New(cfg.RetryInterval)
			retry.Resume()
			defer retry.Stop()

			return submitTransactions(
				ctx, cfg.txs, store, sender, retry.Ticks(),
				clock.NewDefaultClock(),
			)
		})
	}
	if cfg.PrometheusListen != "" {
		g.Go(func() error {
			return servePrometheus(ctx, cfg.PrometheusListen, registry)
		})
	}

	log.Infof("spvwalletd started on %s", activeNet.Name)

	// A failing component requests a shutdown so the interrupt handlers
	// run exactly once.
	go func() {
		if err := g.Wait(); err != nil {
			log.Errorf("%v", err)
			requestShutdown()
		}
	}()

	<-interruptHandlersDone
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Shutdown complete")
	return nil
}

// openDB opens the bolt database at dbPath, creating it if it does not
// exist.
func openDB(dbPath string) (walletdb.DB, error) {
	exists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		return nil, err
	}
	if exists {
		return walletdb.Open("bdb", dbPath, true, dbTimeout, false)
	}
	return walletdb.Create("bdb", dbPath, true, dbTimeout, false)
}

// logSendStarts logs every send start along with the resulting balance.
func logSendStarts(ctx context.Context, sub *txsender.Subscription,
	outputs *wallet.UnspentOutputProvider) {

	defer sub.Cancel()

	for {
		select {
		case e := <-sub.Events():
			start, ok := e.(*txsender.SendStart)
			if !ok {
				continue
			}
			info := outputs.BalanceInfo()
			log.Infof("Sending %v to %d %s (spendable %v, "+
				"confirming %v)", start.Hash, start.Peers,
				pickNoun(start.Peers, "peer", "peers"),
				info.Spendable,
				info.Spendable-info.WaitConfirmedSpendable)

		case <-sub.Quit():
			return

		case <-ctx.Done():
			return
		}
	}
}

// servePrometheus serves the registry on listenAddr until ctx is done.
func servePrometheus(ctx context.Context, listenAddr string,
	registry *prometheus.Registry) error {

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	server := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Infof("Prometheus listening on %s", listenAddr)
		errChan <- server.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
