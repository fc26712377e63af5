// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txsender

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/queue"
)

// subscriberQueueSize is the initial buffer of a subscriber's event queue.
const subscriberQueueSize = 20

// SendStart is delivered to subscribers every time a transaction is handed
// to peers.
type SendStart struct {
	Hash  chainhash.Hash
	Tx    *wire.MsgTx
	Peers int
}

// Subscription receives SendStart events until it is cancelled or the
// sender stops.
type Subscription struct {
	id     uint64
	events *queue.ConcurrentQueue
	quit   chan struct{}
	cancel func()
}

// Events returns the channel SendStart events are delivered on.  Every
// value is a *SendStart.
func (s *Subscription) Events() <-chan interface{} {
	return s.events.ChanOut()
}

// Quit is closed once the subscription stops delivering events.
func (s *Subscription) Quit() <-chan struct{} {
	return s.quit
}

// Cancel ends the subscription.
func (s *Subscription) Cancel() {
	s.cancel()
}

// subscribeRequest registers or removes a subscription on the handler
// goroutine.
type subscribeRequest struct {
	cancel bool
	sub    *Subscription

	// done is closed once the request is processed.
	done chan struct{}
}

// addSubscriber starts the subscriber's queue and tracks it.
func (s *TxSender) addSubscriber(sub *Subscription) {
	sub.events.Start()
	s.subscribers[sub.id] = sub
}

// removeSubscriber stops a subscriber's queue.  Unknown ids are ignored.
func (s *TxSender) removeSubscriber(id uint64) {
	sub, ok := s.subscribers[id]
	if !ok {
		return
	}
	sub.events.Stop()
	close(sub.quit)
	delete(s.subscribers, id)
}

// notifySendStart hands the event to every subscriber.  The subscriber
// queues are unbounded so this only blocks until their goroutines accept
// the value.
func (s *TxSender) notifySendStart(tx *wire.MsgTx, peers int) {
	event := &SendStart{Hash: tx.TxHash(), Tx: tx, Peers: peers}
	for _, sub := range s.subscribers {
		select {
		case sub.events.ChanIn() <- event:
		case <-s.quit:
			return
		}
	}
}
