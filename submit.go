// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/txsender"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/lightningnetwork/lnd/clock"
)

// txRecorder stores outgoing transactions.
type txRecorder interface {
	TxRecord(txHash *chainhash.Hash) (*txstore.TxRecord, error)
	InsertTx(rec *txstore.TxRecord) error
}

// txSubmitter queues transactions for broadcast.
type txSubmitter interface {
	VerifyCanSend() error
	Send(tx *wire.MsgTx) error
}

// submitTransactions waits until the sender has peers to send to, then
// stores every transaction of txs as outgoing and queues it for broadcast.
// Transactions the store already knows are left to the pending sweep.
// Returns nil once all were handed over or ctx is done.
func submitTransactions(ctx context.Context, txs []*wire.MsgTx,
	store txRecorder, sender txSubmitter, retry <-chan time.Time,
	clk clock.Clock) error {

	if len(txs) == 0 {
		return nil
	}

	for {
		err := sender.VerifyCanSend()
		if err == nil {
			break
		}
		if !errors.Is(err, txsender.ErrPeersNotSynced) {
			return err
		}

		select {
		case <-retry:
		case <-ctx.Done():
			return nil
		}
	}

	for _, tx := range txs {
		hash := tx.TxHash()
		_, err := store.TxRecord(&hash)
		switch {
		case err == nil:
			log.Infof("Transaction %v already stored, not "+
				"submitting it again", hash)
			continue

		case !txstore.IsNoExists(err):
			return err
		}

		rec := txstore.NewTxRecord(tx, true, clk.Now())
		if err := store.InsertTx(rec); err != nil {
			return err
		}

		err = sender.Send(tx)
		switch {
		case err == nil:
			log.Infof("Submitted transaction %v", hash)

		// Stored transactions are picked up by the pending sweep.
		case errors.Is(err, txsender.ErrPeersNotSynced):
			log.Infof("Stored transaction %v, sending it once "+
				"peers are synced", hash)

		case errors.Is(err, txsender.ErrSenderShuttingDown):
			return nil

		default:
			return err
		}
	}

	return nil
}
