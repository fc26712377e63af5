// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/spvwallet/txstore"
)

// DefaultConfirmationsThreshold is the number of confirmations an incoming
// output needs before it may be spent.
const DefaultConfirmationsThreshold = 6

// UtxoStore provides a consistent view of the wallet's unspent outputs.
type UtxoStore interface {
	// UnspentSnapshot returns the chain tip height and every unspent
	// output owned by a wallet key, read from a single database
	// transaction.
	UnspentSnapshot() (*txstore.Snapshot, error)
}

// BalanceInfo is a balance snapshot.  WaitConfirmedSpendable is the part of
// Spendable that is not still confirming, so it never exceeds Spendable.
type BalanceInfo struct {
	Spendable              btcutil.Amount
	Unspendable            btcutil.Amount
	WaitConfirmedSpendable btcutil.Amount
}

// Classification is the result of sorting one snapshot of unspent outputs.
// WaitConfirmed is always a subset of Spendable.
type Classification struct {
	TipHeight     int32
	Spendable     []txstore.UnspentOutput
	Unspendable   []txstore.UnspentOutput
	WaitConfirmed []txstore.UnspentOutput
}

// BalanceInfo sums the classified outputs.
func (c *Classification) BalanceInfo() BalanceInfo {
	spendable := sumOutputs(c.Spendable)
	return BalanceInfo{
		Spendable:              spendable,
		Unspendable:            sumOutputs(c.Unspendable),
		WaitConfirmedSpendable: spendable - sumOutputs(c.WaitConfirmed),
	}
}

func sumOutputs(outs []txstore.UnspentOutput) btcutil.Amount {
	var total btcutil.Amount
	for i := range outs {
		total += outs[i].Value
	}
	return total
}

// confirms returns the number of confirmations of an output mined at
// blockHeight given the chain tip tipHeight.  An output at the tip has one
// confirmation.
func confirms(blockHeight, tipHeight int32) int64 {
	return int64(tipHeight) - int64(blockHeight) + 1
}

// IsMature reports whether an output mined at blockHeight has at least
// threshold confirmations, i.e. blockHeight <= tipHeight - threshold + 1.
// Every mined output is mature when threshold is not positive.
func IsMature(blockHeight, tipHeight, threshold int32) bool {
	if threshold <= 0 {
		return true
	}
	return confirms(blockHeight, tipHeight) >= int64(threshold)
}

// IsAwaitingConfirmation reports whether an output mined at blockHeight is
// still shown as confirming: with k = tipHeight - blockHeight it holds for
// 0 <= k < threshold - 1.
func IsAwaitingConfirmation(blockHeight, tipHeight, threshold int32) bool {
	k := int64(tipHeight) - int64(blockHeight)
	return k >= 0 && k < int64(threshold)-1
}

// UnspentOutputProvider classifies the wallet's unspent outputs by
// confirmation state and spendability.  It holds no state between calls:
// every query reads a fresh snapshot from the store.
type UnspentOutputProvider struct {
	store                  UtxoStore
	policy                 SpendPolicy
	confirmationsThreshold int32
}

// NewUnspentOutputProvider returns a provider reading from store.  A nil
// policy approves every output.
func NewUnspentOutputProvider(store UtxoStore, policy SpendPolicy,
	confirmationsThreshold int32) *UnspentOutputProvider {

	if policy == nil {
		policy = AllSpendable{}
	}
	return &UnspentOutputProvider{
		store:                  store,
		policy:                 policy,
		confirmationsThreshold: confirmationsThreshold,
	}
}

// Classify reads one snapshot of unspent outputs and sorts it.
//
// An output is usable when its transaction is outgoing, since the wallet
// created it, or when it is mined and mature.  Unmined incoming outputs are
// left out entirely.  Usable outputs the spend policy approves are spendable,
// the others unspendable.  Spendable outputs that are mined but not yet
// past the confirmation threshold are also listed as WaitConfirmed.
func (p *UnspentOutputProvider) Classify() (*Classification, error) {
	snap, err := p.store.UnspentSnapshot()
	if err != nil {
		return nil, err
	}

	c := &Classification{TipHeight: snap.TipHeight}
	for i := range snap.Outputs {
		out := &snap.Outputs[i]
		if !p.usable(out, snap.TipHeight) {
			continue
		}

		if !p.policy.IsSpendable(out) {
			c.Unspendable = append(c.Unspendable, *out)
			continue
		}
		c.Spendable = append(c.Spendable, *out)

		awaiting := false
		out.BlockHeight.WhenSome(func(height int32) {
			awaiting = IsAwaitingConfirmation(
				height, snap.TipHeight, p.confirmationsThreshold,
			)
		})
		if awaiting {
			c.WaitConfirmed = append(c.WaitConfirmed, *out)
		}
	}

	log.Tracef("Classified %d outputs at height %d: %d spendable, %d "+
		"unspendable, %d confirming", len(snap.Outputs), snap.TipHeight,
		len(c.Spendable), len(c.Unspendable), len(c.WaitConfirmed))

	return c, nil
}

// usable applies the maturity filter.
func (p *UnspentOutputProvider) usable(out *txstore.UnspentOutput,
	tipHeight int32) bool {

	if out.Outgoing {
		return true
	}

	mature := false
	out.BlockHeight.WhenSome(func(height int32) {
		mature = IsMature(height, tipHeight, p.confirmationsThreshold)
	})
	return mature
}

// BalanceInfo returns the current balance.  It never fails: when the store
// cannot be read the error is logged and a zero balance is returned.
func (p *UnspentOutputProvider) BalanceInfo() BalanceInfo {
	c, err := p.Classify()
	if err != nil {
		log.Errorf("Unable to read unspent outputs: %v", err)
		return BalanceInfo{}
	}
	return c.BalanceInfo()
}

// SpendableUtxos returns the outputs that may be used to fund a new
// transaction, or nil if the store cannot be read.
func (p *UnspentOutputProvider) SpendableUtxos() []txstore.UnspentOutput {
	c, err := p.Classify()
	if err != nil {
		log.Errorf("Unable to read unspent outputs: %v", err)
		return nil
	}
	return c.Spendable
}

// WaitConfirmedUtxos returns the spendable outputs that are still
// confirming, or nil if the store cannot be read.
func (p *UnspentOutputProvider) WaitConfirmedUtxos() []txstore.UnspentOutput {
	c, err := p.Classify()
	if err != nil {
		log.Errorf("Unable to read unspent outputs: %v", err)
		return nil
	}
	return c.WaitConfirmed
}
