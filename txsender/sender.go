// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txsender broadcasts pending wallet transactions to a subset of the
// connected peers, retries them on a bounded schedule and reports the ones
// that never make it as invalid.
package txsender

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// MinConnectedPeersCount is the number of connected peers required
	// before anything is broadcast.
	MinConnectedPeersCount = 2

	// DefaultMaxRetriesCount is the number of acknowledged sends after
	// which a transaction that was never relayed is declared invalid.
	DefaultMaxRetriesCount = 3

	// DefaultRetriesPeriod is the minimum time between two sends of the
	// same transaction.
	DefaultRetriesPeriod = time.Minute

	// DefaultRetryInterval is the cadence of the periodic resend sweep.
	DefaultRetryInterval = time.Minute

	// requestQueueSize is the initial buffer of the request queue.
	requestQueueSize = 50
)

var (
	// ErrPeersNotSynced is returned when there are not enough synced
	// peers to broadcast a transaction.
	ErrPeersNotSynced = errors.New("peers not synced")

	// ErrSenderShuttingDown is returned when a request arrives after the
	// sender was stopped.
	ErrSenderShuttingDown = errors.New("tx sender shutting down")
)

// Config holds the collaborators of a TxSender.
type Config struct {
	// Store persists the send bookkeeping.
	Store SentTxStore

	// Syncer provides the pending transactions and invalidates the ones
	// that exhausted their retries.
	Syncer TxSyncer

	// PeerView is used to pick the peers to send to.
	PeerView PeerView

	// Ticker drives the periodic resend sweep.  It is resumed whenever
	// something is sent and paused once nothing is pending.  Defaults to
	// a ticker firing every DefaultRetryInterval.
	Ticker ticker.Ticker

	// Clock is used to time sends.  Defaults to the wall clock.
	Clock clock.Clock

	// SyncedSignal receives a value every time the peers become synced.
	// A nil channel disables the trigger.
	SyncedSignal <-chan struct{}

	// MaxRetriesCount defaults to DefaultMaxRetriesCount.
	MaxRetriesCount uint32

	// RetriesPeriod defaults to DefaultRetriesPeriod.
	RetriesPeriod time.Duration

	// Registerer, if set, receives the sender's prometheus counters.
	Registerer prometheus.Registerer
}

// sendRequest submits transactions for an immediate send.
type sendRequest struct {
	txs []*wire.MsgTx
}

// ackRequest reports that a peer accepted a transaction.
type ackRequest struct {
	peer Peer
	tx   *wire.MsgTx
}

// relayedRequest reports transactions seen relayed by the network.
type relayedRequest struct {
	hashes []chainhash.Hash
}

// TxSender dispatches pending transactions to peers.  Every state change
// happens on a single goroutine fed by a request queue, the retry ticker
// and the synced signal, so sends, sweeps and callbacks never overlap.
type TxSender struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg     Config
	metrics *metrics

	requests *queue.ConcurrentQueue

	subscriberCounter uint64 // To be used atomically.
	subscribers       map[uint64]*Subscription

	quit chan struct{}
	wg   sync.WaitGroup
}

// A compile time check to ensure TxSender implements TaskHandler.
var _ TaskHandler = (*TxSender)(nil)

// New creates a TxSender.  Unset optional fields of cfg are filled with
// their defaults.
func New(cfg Config) (*TxSender, error) {
	if cfg.MaxRetriesCount == 0 {
		cfg.MaxRetriesCount = DefaultMaxRetriesCount
	}
	if cfg.RetriesPeriod == 0 {
		cfg.RetriesPeriod = DefaultRetriesPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultRetryInterval)
	}

	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}

	return &TxSender{
		cfg:         cfg,
		metrics:     m,
		requests:    queue.NewConcurrentQueue(requestQueueSize),
		subscribers: make(map[uint64]*Subscription),
		quit:        make(chan struct{}),
	}, nil
}

// Start launches the handler goroutine.  Requests made before Start block
// until the sender is started.
func (s *TxSender) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	log.Infof("Starting tx sender (max retries %d, retries period %v)",
		s.cfg.MaxRetriesCount, s.cfg.RetriesPeriod)

	s.requests.Start()

	s.wg.Add(1)
	go s.txSendHandler()

	return nil
}

// Stop shuts the handler down and waits for it to exit.  Subscriptions are
// closed.
func (s *TxSender) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}

	log.Infof("Stopping tx sender")

	close(s.quit)
	s.wg.Wait()

	s.cfg.Ticker.Stop()
	s.requests.Stop()

	return nil
}

// enqueue hands a request to the handler goroutine without waiting for it
// to be processed.
func (s *TxSender) enqueue(req interface{}) error {
	select {
	case s.requests.ChanIn() <- req:
		return nil
	case <-s.quit:
		return ErrSenderShuttingDown
	}
}

// Send verifies there are peers to send to and queues tx for broadcast.
// ErrPeersNotSynced is returned, and nothing is queued, when there are
// not.
func (s *TxSender) Send(tx *wire.MsgTx) error {
	if err := s.VerifyCanSend(); err != nil {
		return err
	}
	return s.enqueue(&sendRequest{txs: []*wire.MsgTx{tx}})
}

// VerifyCanSend returns ErrPeersNotSynced when no peers would currently be
// selected for a broadcast.
func (s *TxSender) VerifyCanSend() error {
	if len(s.peersToSendTo()) == 0 {
		return ErrPeersNotSynced
	}
	return nil
}

// HandleCompletedTask consumes completed SendTxTasks, queueing the
// acknowledgement for the handler goroutine.  Other tasks are left for
// other handlers.
func (s *TxSender) HandleCompletedTask(peer Peer, task Task) bool {
	sendTask, ok := task.(*SendTxTask)
	if !ok {
		return false
	}

	err := s.enqueue(&ackRequest{peer: peer, tx: sendTask.Tx})
	if err != nil {
		log.Debugf("Dropping ack of %v from peer %d: %v",
			sendTask.Tx.TxHash(), peer.ID(), err)
	}
	return true
}

// TransactionsRelayed reports transactions the network has relayed.  Their
// bookkeeping is dropped.
func (s *TxSender) TransactionsRelayed(hashes []chainhash.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	return s.enqueue(&relayedRequest{hashes: hashes})
}

// SubscribeSendStarts returns a subscription receiving a SendStart event
// every time a transaction is handed to peers.
func (s *TxSender) SubscribeSendStarts() (*Subscription, error) {
	sub := &Subscription{
		id:     atomic.AddUint64(&s.subscriberCounter, 1),
		events: queue.NewConcurrentQueue(subscriberQueueSize),
		quit:   make(chan struct{}),
	}
	sub.cancel = func() {
		_ = s.enqueue(&subscribeRequest{
			cancel: true,
			sub:    sub,
			done:   make(chan struct{}),
		})
	}

	// Wait for the registration so no event sent after this call returns
	// is missed.
	req := &subscribeRequest{sub: sub, done: make(chan struct{})}
	if err := s.enqueue(req); err != nil {
		return nil, err
	}
	select {
	case <-req.done:
		return sub, nil
	case <-s.quit:
		return nil, ErrSenderShuttingDown
	}
}

// txSendHandler is the serial execution context of the sender.
//
// NOTE: MUST be run as a goroutine.
func (s *TxSender) txSendHandler() {
	defer s.wg.Done()

	synced := s.cfg.SyncedSignal
	for {
		select {
		case req := <-s.requests.ChanOut():
			s.handleRequest(req)

		case <-s.cfg.Ticker.Ticks():
			log.Tracef("Retry timer fired")
			s.sendPendingTransactions()

		case _, ok := <-synced:
			if !ok {
				synced = nil
				continue
			}
			log.Debugf("Peers synced, sending pending transactions")
			s.sendPendingTransactions()

		case <-s.quit:
			for id := range s.subscribers {
				s.removeSubscriber(id)
			}
			return
		}
	}
}

func (s *TxSender) handleRequest(req interface{}) {
	switch r := req.(type) {
	case *sendRequest:
		s.send(r.txs)

	case *ackRequest:
		s.handleSendSuccess(r.peer, r.tx)

	case *relayedRequest:
		s.handleRelayed(r.hashes)

	case *subscribeRequest:
		if r.cancel {
			s.removeSubscriber(r.sub.id)
		} else {
			s.addSubscriber(r.sub)
		}
		close(r.done)

	default:
		log.Errorf("Unknown request type %T", req)
	}
}

// peerState is a snapshot of a peer's observable state.
type peerState struct {
	peer   Peer
	ready  bool
	synced bool
}

// peersToSendTo picks the peers a transaction is broadcast to.
//
// One synced peer is held back as the anchor, preferring one that is not
// ready.  Nothing is selected without a synced peer or with fewer than
// MinConnectedPeersCount connected peers.  The remaining ready peers are
// ordered with unsynced peers first; a single candidate is used as is,
// otherwise the first half of the candidates is used.
func (s *TxSender) peersToSendTo() []Peer {
	syncedPeers := s.cfg.PeerView.SyncedPeers()
	if len(syncedPeers) == 0 {
		return nil
	}

	synced := make([]peerState, 0, len(syncedPeers))
	syncedIDs := make(map[int32]struct{}, len(syncedPeers))
	for _, p := range syncedPeers {
		synced = append(synced, peerState{peer: p, ready: p.Ready()})
		syncedIDs[p.ID()] = struct{}{}
	}
	sort.SliceStable(synced, func(i, j int) bool {
		return !synced[i].ready && synced[j].ready
	})
	anchorID := synced[0].peer.ID()

	if s.cfg.PeerView.TotalPeersCount() < MinConnectedPeersCount {
		return nil
	}

	var candidates []peerState
	for _, p := range s.cfg.PeerView.ReadyPeers() {
		id := p.ID()
		if id == anchorID {
			continue
		}
		_, isSynced := syncedIDs[id]
		candidates = append(candidates, peerState{
			peer: p, ready: true, synced: isSynced,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return !candidates[i].synced && candidates[j].synced
	})

	if len(candidates) == 1 {
		return []Peer{candidates[0].peer}
	}

	selected := make([]Peer, 0, len(candidates)/2)
	for _, c := range candidates[:len(candidates)/2] {
		selected = append(selected, c.peer)
	}
	return selected
}

// transactionsToSend returns the transactions that were never sent or were
// last sent more than RetriesPeriod ago.  Transactions whose bookkeeping
// cannot be read are skipped until the next sweep.
func (s *TxSender) transactionsToSend(txs []*wire.MsgTx) []*wire.MsgTx {
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.RetriesPeriod)

	var eligible []*wire.MsgTx
	for _, tx := range txs {
		hash := tx.TxHash()
		sent, err := s.cfg.Store.FetchSentTx(&hash)
		switch {
		case txstore.IsNoExists(err):
			eligible = append(eligible, tx)

		case err != nil:
			log.Errorf("Unable to read send record of %v: %v",
				hash, err)

		case sent.LastSendTime.Before(cutoff):
			eligible = append(eligible, tx)
		}
	}
	return eligible
}

// send records a send attempt for every transaction and queues it on the
// selected peers.  Nothing happens when no peers are selected.
func (s *TxSender) send(txs []*wire.MsgTx) {
	peers := s.peersToSendTo()
	if len(peers) == 0 {
		log.Debugf("No peers to send %d transaction(s) to", len(txs))
		return
	}

	s.cfg.Ticker.Resume()

	now := s.cfg.Clock.Now()
	for _, tx := range txs {
		hash := tx.TxHash()
		if err := s.recordSend(&hash, now); err != nil {
			log.Errorf("Unable to record send of %v, skipping: %v",
				hash, err)
			continue
		}

		log.Debugf("Sending %v to %d peer(s)", hash, len(peers))

		s.metrics.sendAttempts.Inc()
		s.notifySendStart(tx, len(peers))

		for _, p := range peers {
			p.AddTask(&SendTxTask{Tx: tx})
			s.metrics.peerTasks.Inc()
		}
	}
}

// recordSend creates or refreshes the send record of a transaction.
func (s *TxSender) recordSend(hash *chainhash.Hash, now time.Time) error {
	sent, err := s.cfg.Store.FetchSentTx(hash)
	switch {
	case txstore.IsNoExists(err):
		sent = &txstore.SentTx{Hash: *hash}

	case err != nil:
		return err
	}

	sent.LastSendTime = now
	sent.SendSuccess = false
	return s.cfg.Store.PutSentTx(sent)
}

// handleSendSuccess counts the first acknowledgement of every send and
// declares the transaction invalid once it has been acknowledged
// MaxRetriesCount times without being relayed.
func (s *TxSender) handleSendSuccess(peer Peer, tx *wire.MsgTx) {
	hash := tx.TxHash()

	sent, err := s.cfg.Store.FetchSentTx(&hash)
	switch {
	case txstore.IsNoExists(err):
		return

	case err != nil:
		log.Errorf("Unable to read send record of %v: %v", hash, err)
		return
	}
	if sent.SendSuccess {
		return
	}

	sent.RetriesCount++
	sent.SendSuccess = true
	s.metrics.acks.Inc()

	log.Tracef("Peer %d acknowledged %v (attempt %d)", peer.ID(), hash,
		sent.RetriesCount)

	if sent.RetriesCount < s.cfg.MaxRetriesCount {
		if err := s.cfg.Store.PutSentTx(sent); err != nil {
			log.Errorf("Unable to update send record of %v: %v",
				hash, err)
		}
		return
	}

	log.Infof("Transaction %v was not relayed after %d sends, marking "+
		"it invalid", hash, sent.RetriesCount)

	s.metrics.invalidations.Inc()
	if err := s.cfg.Syncer.HandleInvalid(tx); err != nil {
		log.Errorf("Unable to invalidate %v: %v", hash, err)
	}
	if err := s.cfg.Store.DeleteSentTx(&hash); err != nil {
		log.Errorf("Unable to delete send record of %v: %v", hash, err)
	}
}

// handleRelayed drops the send records of relayed transactions.
func (s *TxSender) handleRelayed(hashes []chainhash.Hash) {
	for i := range hashes {
		hash := &hashes[i]
		if err := s.cfg.Store.DeleteSentTx(hash); err != nil {
			log.Errorf("Unable to delete send record of %v: %v",
				hash, err)
			continue
		}
		s.metrics.relays.Inc()
		log.Debugf("Transaction %v relayed", hash)
	}
}

// sendPendingTransactions resends the pending transactions that are due.
// The retry ticker is paused when nothing is pending.
func (s *TxSender) sendPendingTransactions() {
	s.metrics.sweeps.Inc()

	pending, err := s.cfg.Syncer.PendingTransactions()
	if err != nil {
		log.Errorf("Unable to fetch pending transactions: %v", err)
		return
	}
	if len(pending) == 0 {
		s.cfg.Ticker.Pause()
		return
	}

	txs := s.transactionsToSend(pending)
	if len(txs) == 0 {
		return
	}

	s.send(txs)
}
