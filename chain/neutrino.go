// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino"
	"github.com/lightninglabs/neutrino/headerfs"
)

// ChainSource is the view of the light client the peer set needs.
type ChainSource interface {
	// BestBlock returns the tip of the locally validated header chain.
	BestBlock() (*headerfs.BlockStamp, error)

	// IsCurrent reports whether the header chain is synced with the
	// network.
	IsCurrent() bool

	// ConnectedPeers returns the currently connected peers.
	ConnectedPeers() []WirePeer
}

// WirePeer is a connected peer speaking the bitcoin wire protocol.
type WirePeer interface {
	ID() int32
	Addr() string
	Connected() bool

	// LastBlock returns the height of the peer's best known block.
	LastBlock() int32

	// QueueMessage queues msg to be sent.  doneChan, if not nil, receives
	// a value once the message was written or the peer disconnected.
	QueueMessage(msg wire.Message, doneChan chan<- struct{})

	// SubscribeRecvMsg returns a channel receiving every message read
	// from the peer and a function cancelling the subscription.
	SubscribeRecvMsg() (<-chan wire.Message, func())
}

// NeutrinoSource adapts a neutrino chain service to ChainSource.
type NeutrinoSource struct {
	*neutrino.ChainService
}

// A compile time check to ensure NeutrinoSource implements ChainSource.
var _ ChainSource = (*NeutrinoSource)(nil)

// NewNeutrinoSource wraps cs.
func NewNeutrinoSource(cs *neutrino.ChainService) *NeutrinoSource {
	return &NeutrinoSource{ChainService: cs}
}

// ConnectedPeers returns the connected neutrino server peers.
func (s *NeutrinoSource) ConnectedPeers() []WirePeer {
	serverPeers := s.ChainService.Peers()

	peers := make([]WirePeer, 0, len(serverPeers))
	for _, sp := range serverPeers {
		if sp == nil || !sp.Connected() {
			continue
		}
		peers = append(peers, sp)
	}
	return peers
}
