// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"sync"

	"github.com/btcsuite/spvwallet/txsender"
)

// Peer is a connected peer tracked by a PeerSet.  A peer is ready while it
// has no outstanding task.
type Peer struct {
	id  int32
	wp  WirePeer
	set *PeerSet

	mtx     sync.Mutex
	pending int

	quit chan struct{}
}

// A compile time check to ensure Peer implements txsender.Peer.
var _ txsender.Peer = (*Peer)(nil)

func newPeer(set *PeerSet, wp WirePeer) *Peer {
	return &Peer{
		id:   wp.ID(),
		wp:   wp,
		set:  set,
		quit: make(chan struct{}),
	}
}

// ID returns the id of the underlying wire peer.
func (p *Peer) ID() int32 {
	return p.id
}

// Ready reports whether the peer is connected and idle.
func (p *Peer) Ready() bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.pending == 0 && p.wp.Connected()
}

// AddTask runs task on the peer.  Only send tasks are supported: the
// transaction is queued on the wire and the task completes once it has been
// written.
func (p *Peer) AddTask(task txsender.Task) {
	sendTask, ok := task.(*txsender.SendTxTask)
	if !ok {
		log.Warnf("Peer %d: unsupported task %v", p.id, task)
		return
	}

	p.mtx.Lock()
	p.pending++
	p.mtx.Unlock()

	p.set.trackBroadcast(sendTask.Tx.TxHash())

	done := make(chan struct{}, 1)
	p.wp.QueueMessage(sendTask.Tx, done)

	go p.awaitTask(task, done)
}

// awaitTask waits for a queued message to be written and reports the task
// as completed unless the peer went away first.
//
// NOTE: MUST be run as a goroutine.
func (p *Peer) awaitTask(task txsender.Task, done <-chan struct{}) {
	select {
	case <-done:
	case <-p.set.quit:
		return
	}

	p.mtx.Lock()
	p.pending--
	p.mtx.Unlock()

	if !p.wp.Connected() {
		log.Debugf("Peer %d disconnected before %v completed", p.id,
			task)
		return
	}

	p.set.completeTask(p, task)
}
