// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txsender

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/txstore"
)

// Task is a unit of work queued on a peer.
type Task interface {
	// String describes the task for log messages.
	String() string
}

// SendTxTask asks a peer to announce and relay a transaction.
type SendTxTask struct {
	Tx *wire.MsgTx
}

// String implements Task.
func (t *SendTxTask) String() string {
	return fmt.Sprintf("send tx %v", t.Tx.TxHash())
}

// Peer is a connected peer that accepts tasks.
type Peer interface {
	// ID uniquely identifies the peer among the connected peers.
	ID() int32

	// Ready reports whether the peer is idle and can take new work.
	Ready() bool

	// AddTask queues a task on the peer.  Completion is reported
	// asynchronously through a TaskHandler.
	AddTask(task Task)
}

// PeerView exposes the state of the connected peers.  It must be safe for
// concurrent use.
type PeerView interface {
	// ReadyPeers returns the connected peers that are ready.
	ReadyPeers() []Peer

	// SyncedPeers returns the connected peers that have validated the
	// chain up to the locally known tip.
	SyncedPeers() []Peer

	// TotalPeersCount returns the number of connected peers.
	TotalPeersCount() int
}

// TaskHandler is notified when a peer finishes a task.
type TaskHandler interface {
	// HandleCompletedTask reports whether the handler consumed the task.
	HandleCompletedTask(peer Peer, task Task) bool
}

// SentTxStore persists the send bookkeeping of pending transactions.
// FetchSentTx returns an error satisfying txstore.IsNoExists when no record
// exists.
type SentTxStore interface {
	FetchSentTx(txHash *chainhash.Hash) (*txstore.SentTx, error)
	PutSentTx(st *txstore.SentTx) error
	DeleteSentTx(txHash *chainhash.Hash) error
}

// TxSyncer owns the lifecycle of wallet transactions.
type TxSyncer interface {
	// PendingTransactions returns the outgoing transactions that have
	// not been relayed yet.
	PendingTransactions() ([]*wire.MsgTx, error)

	// HandleInvalid marks a transaction as permanently failed.
	HandleInvalid(tx *wire.MsgTx) error
}
