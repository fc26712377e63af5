// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/txsender"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultPollInterval is how often the peer set polls the chain
	// source.
	DefaultPollInterval = 5 * time.Second

	// DefaultBroadcastExpiry is how long a broadcast transaction is
	// watched for relay announcements after its last send.
	DefaultBroadcastExpiry = 6 * time.Hour
)

// TipStore records the tip the wallet is synced to.
type TipStore interface {
	SetSyncedTo(bs *txstore.BlockStamp) error
}

// RelayHandler is notified when the network relays transactions the peer
// set broadcast.
type RelayHandler interface {
	TransactionsRelayed(hashes []chainhash.Hash) error
}

// RelayHandlerFunc adapts a function to RelayHandler.
type RelayHandlerFunc func(hashes []chainhash.Hash) error

// TransactionsRelayed calls f.
func (f RelayHandlerFunc) TransactionsRelayed(hashes []chainhash.Hash) error {
	return f(hashes)
}

// PeerSetConfig holds the collaborators of a PeerSet.
type PeerSetConfig struct {
	// Source provides the chain tip and the connected peers.
	Source ChainSource

	// Store, if set, receives the chain tip on every poll.
	Store TipStore

	// RelayHandlers are notified of relayed transactions.
	RelayHandlers []RelayHandler

	// Ticker drives the poll loop.  Defaults to a ticker firing every
	// DefaultPollInterval.
	Ticker ticker.Ticker

	// Clock stamps broadcasts.  Defaults to the wall clock.
	Clock clock.Clock

	// BroadcastExpiry defaults to DefaultBroadcastExpiry.  Transactions
	// that are mined or given up on without an announcement are
	// forgotten once it passes.
	BroadcastExpiry time.Duration
}

// PeerSet tracks the connected peers for the transaction sender.  It
// implements txsender.PeerView and runs send tasks on the peers.
type PeerSet struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg PeerSetConfig

	mtx         sync.Mutex
	peers       map[int32]*Peer
	taskHandler txsender.TaskHandler
	broadcast   map[chainhash.Hash]time.Time
	current     bool

	synced chan struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// A compile time check to ensure PeerSet implements txsender.PeerView.
var _ txsender.PeerView = (*PeerSet)(nil)

// NewPeerSet creates a PeerSet.
func NewPeerSet(cfg PeerSetConfig) *PeerSet {
	if cfg.Ticker == nil {
		cfg.Ticker = ticker.New(DefaultPollInterval)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.BroadcastExpiry == 0 {
		cfg.BroadcastExpiry = DefaultBroadcastExpiry
	}

	return &PeerSet{
		cfg:       cfg,
		peers:     make(map[int32]*Peer),
		broadcast: make(map[chainhash.Hash]time.Time),
		synced:    make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
}

// Start launches the poll loop.
func (s *PeerSet) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	s.cfg.Ticker.Resume()

	s.wg.Add(1)
	go s.pollHandler()

	return nil
}

// Stop shuts the poll loop and the peer watchers down.
func (s *PeerSet) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}

	// Closing quit under the mutex keeps refresh from starting watchers
	// once Wait may be running.
	s.mtx.Lock()
	close(s.quit)
	s.mtx.Unlock()

	s.cfg.Ticker.Stop()
	s.wg.Wait()

	return nil
}

// SetTaskHandler registers the handler notified of completed tasks.
func (s *PeerSet) SetTaskHandler(h txsender.TaskHandler) {
	s.mtx.Lock()
	s.taskHandler = h
	s.mtx.Unlock()
}

// Synced receives a value every time the chain source becomes current.
func (s *PeerSet) Synced() <-chan struct{} {
	return s.synced
}

// ReadyPeers returns the connected peers without an outstanding task.
func (s *PeerSet) ReadyPeers() []txsender.Peer {
	var ready []txsender.Peer
	for _, p := range s.refresh() {
		if p.Ready() {
			ready = append(ready, p)
		}
	}
	return ready
}

// SyncedPeers returns the connected peers whose best block is at least the
// local tip.
func (s *PeerSet) SyncedPeers() []txsender.Peer {
	peers := s.refresh()
	if len(peers) == 0 {
		return nil
	}

	best, err := s.cfg.Source.BestBlock()
	if err != nil {
		log.Errorf("Unable to fetch best block: %v", err)
		return nil
	}

	var synced []txsender.Peer
	for _, p := range peers {
		if p.wp.LastBlock() >= best.Height {
			synced = append(synced, p)
		}
	}
	return synced
}

// TotalPeersCount returns the number of connected peers.
func (s *PeerSet) TotalPeersCount() int {
	return len(s.refresh())
}

// refresh reconciles the tracked peers with the source's connected peers
// and returns them ordered by id.  Newly seen peers get an inv watcher.
func (s *PeerSet) refresh() []*Peer {
	connected := s.cfg.Source.ConnectedPeers()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	select {
	case <-s.quit:
		return nil
	default:
	}

	seen := make(map[int32]struct{}, len(connected))
	for _, wp := range connected {
		id := wp.ID()
		seen[id] = struct{}{}
		if _, ok := s.peers[id]; ok {
			continue
		}

		p := newPeer(s, wp)
		s.peers[id] = p
		log.Debugf("Tracking peer %d (%s)", id, wp.Addr())

		s.wg.Add(1)
		go s.invWatcher(p)
	}

	for id, p := range s.peers {
		if _, ok := seen[id]; ok {
			continue
		}
		log.Debugf("Peer %d (%s) disconnected", id, p.wp.Addr())
		close(p.quit)
		delete(s.peers, id)
	}

	peers := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].id < peers[j].id
	})
	return peers
}

// pollHandler refreshes the peers, stores the chain tip and signals when
// the chain source becomes current.
//
// NOTE: MUST be run as a goroutine.
func (s *PeerSet) pollHandler() {
	defer s.wg.Done()

	s.poll()
	for {
		select {
		case <-s.cfg.Ticker.Ticks():
			s.poll()

		case <-s.quit:
			return
		}
	}
}

func (s *PeerSet) poll() {
	s.refresh()
	s.pruneBroadcasts()

	best, err := s.cfg.Source.BestBlock()
	if err != nil {
		log.Errorf("Unable to fetch best block: %v", err)
		return
	}
	if s.cfg.Store != nil {
		err := s.cfg.Store.SetSyncedTo(&txstore.BlockStamp{
			Height: best.Height,
			Hash:   best.Hash,
		})
		if err != nil {
			log.Errorf("Unable to store tip %d: %v", best.Height,
				err)
		}
	}

	current := s.cfg.Source.IsCurrent()

	s.mtx.Lock()
	becameCurrent := current && !s.current
	s.current = current
	s.mtx.Unlock()

	if !becameCurrent {
		return
	}

	log.Infof("Chain synced to height %d", best.Height)
	select {
	case s.synced <- struct{}{}:
	default:
	}
}

// trackBroadcast remembers a transaction so its relay can be detected.
func (s *PeerSet) trackBroadcast(hash chainhash.Hash) {
	now := s.cfg.Clock.Now()

	s.mtx.Lock()
	s.broadcast[hash] = now
	s.mtx.Unlock()
}

// pruneBroadcasts forgets transactions last sent more than BroadcastExpiry
// ago.
func (s *PeerSet) pruneBroadcasts() {
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.BroadcastExpiry)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	for hash, sent := range s.broadcast {
		if sent.Before(cutoff) {
			log.Debugf("No relay seen for %v, no longer watching", hash)
			delete(s.broadcast, hash)
		}
	}
}

// completeTask reports a finished task to the task handler.
func (s *PeerSet) completeTask(p *Peer, task txsender.Task) {
	s.mtx.Lock()
	h := s.taskHandler
	s.mtx.Unlock()

	if h == nil || !h.HandleCompletedTask(p, task) {
		log.Debugf("Unhandled task %v completed on peer %d", task, p.id)
	}
}

// invWatcher reads the messages of a peer and reports announced
// transactions this peer set broadcast as relayed.
//
// NOTE: MUST be run as a goroutine.
func (s *PeerSet) invWatcher(p *Peer) {
	defer s.wg.Done()

	msgs, cancel := p.wp.SubscribeRecvMsg()
	defer cancel()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			inv, ok := msg.(*wire.MsgInv)
			if !ok {
				continue
			}
			s.handleInv(p, inv)

		case <-p.quit:
			return

		case <-s.quit:
			return
		}
	}
}

func (s *PeerSet) handleInv(p *Peer, inv *wire.MsgInv) {
	var relayed []chainhash.Hash

	s.mtx.Lock()
	for _, iv := range inv.InvList {
		if iv.Type != wire.InvTypeTx && iv.Type != wire.InvTypeWitnessTx {
			continue
		}
		if _, ok := s.broadcast[iv.Hash]; !ok {
			continue
		}
		delete(s.broadcast, iv.Hash)
		relayed = append(relayed, iv.Hash)
	}
	s.mtx.Unlock()

	if len(relayed) == 0 {
		return
	}

	log.Debugf("Peer %d announced %v", p.id, NewLogClosure(func() string {
		return spewHashes(relayed)
	}))

	for _, h := range s.cfg.RelayHandlers {
		if err := h.TransactionsRelayed(relayed); err != nil {
			log.Errorf("Unable to report relayed transactions: %v",
				err)
		}
	}
}

func spewHashes(hashes []chainhash.Hash) string {
	var s string
	for i := range hashes {
		if i > 0 {
			s += ", "
		}
		s += hashes[i].String()
	}
	return s
}
