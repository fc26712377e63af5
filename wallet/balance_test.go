// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var errDB = errors.New("db error")

// mockUtxoStore is a mock implementation of UtxoStore.
type mockUtxoStore struct {
	mock.Mock
}

func (m *mockUtxoStore) UnspentSnapshot() (*txstore.Snapshot, error) {
	args := m.Called()
	snap, _ := args.Get(0).(*txstore.Snapshot)
	return snap, args.Error(1)
}

// policyFunc adapts a function to SpendPolicy.
type policyFunc func(out *txstore.UnspentOutput) bool

func (f policyFunc) IsSpendable(out *txstore.UnspentOutput) bool {
	return f(out)
}

func snapshotStore(tip int32, outs ...txstore.UnspentOutput) *mockUtxoStore {
	store := &mockUtxoStore{}
	store.On("UnspentSnapshot").Return(&txstore.Snapshot{
		TipHeight: tip,
		Outputs:   outs,
	}, nil)
	return store
}

func output(id byte, value btcutil.Amount, outgoing bool,
	height fn.Option[int32]) txstore.UnspentOutput {

	return txstore.UnspentOutput{
		OutPoint:    wire.OutPoint{Hash: chainhash.Hash{id}},
		Value:       value,
		PubKey:      []byte{0x02, id},
		Outgoing:    outgoing,
		BlockHeight: height,
	}
}

func outPoints(outs []txstore.UnspentOutput) []wire.OutPoint {
	ops := make([]wire.OutPoint, 0, len(outs))
	for _, out := range outs {
		ops = append(ops, out.OutPoint)
	}
	return ops
}

// TestMaturityBoundary checks that an output k blocks below the tip is
// mature iff k >= T-1 and confirming iff 0 <= k < T-1.
func TestMaturityBoundary(t *testing.T) {
	t.Parallel()

	const tip = 100
	for threshold := int32(1); threshold <= 10; threshold++ {
		for k := int32(0); k <= 12; k++ {
			height := tip - k
			require.Equal(t, k >= threshold-1,
				IsMature(height, tip, threshold),
				"T=%d k=%d", threshold, k)
			require.Equal(t, k < threshold-1,
				IsAwaitingConfirmation(height, tip, threshold),
				"T=%d k=%d", threshold, k)
		}

		require.True(t, IsMature(tip-(threshold-1), tip, threshold))
		if threshold >= 2 {
			require.True(t, IsAwaitingConfirmation(
				tip-(threshold-2), tip, threshold,
			))
		}
	}

	// Blocks above the tip are neither mature nor confirming.
	require.False(t, IsMature(101, 100, 1))
	require.False(t, IsAwaitingConfirmation(101, 100, 3))
}

// TestClassify checks classification of one snapshot with threshold 2 and
// tip 100.
func TestClassify(t *testing.T) {
	t.Parallel()

	var (
		// k=1: exactly mature, not confirming.
		matured = output(1, 1000, false, fn.Some(int32(99)))

		// k=0: fails the maturity filter.
		fresh = output(2, 2000, false, fn.Some(int32(100)))

		// Unmined incoming outputs are not usable at all.
		unmined = output(3, 4000, false, fn.None[int32]())

		// Outgoing change is usable before it is mined.
		change = output(4, 300, true, fn.None[int32]())

		// Mined outgoing change at the tip is still confirming.
		minedChange = output(5, 500, true, fn.Some(int32(100)))

		// Mature but rejected by the policy.
		locked = output(6, 7000, false, fn.Some(int32(10)))
	)

	store := snapshotStore(
		100, matured, fresh, unmined, change, minedChange, locked,
	)
	policy := policyFunc(func(out *txstore.UnspentOutput) bool {
		return out.OutPoint != locked.OutPoint
	})
	p := NewUnspentOutputProvider(store, policy, 2)

	c, err := p.Classify()
	require.NoError(t, err)
	require.EqualValues(t, 100, c.TipHeight)
	require.Equal(t, []wire.OutPoint{
		matured.OutPoint, change.OutPoint, minedChange.OutPoint,
	}, outPoints(c.Spendable))
	require.Equal(t, []wire.OutPoint{locked.OutPoint},
		outPoints(c.Unspendable))
	require.Equal(t, []wire.OutPoint{minedChange.OutPoint},
		outPoints(c.WaitConfirmed))

	require.Equal(t, BalanceInfo{
		Spendable:              1800,
		Unspendable:            7000,
		WaitConfirmedSpendable: 1300,
	}, p.BalanceInfo())

	require.Len(t, p.SpendableUtxos(), 3)
	require.Len(t, p.WaitConfirmedUtxos(), 1)
}

// TestClassifyNonPositiveThreshold checks every mined output is mature when
// the threshold is not positive.
func TestClassifyNonPositiveThreshold(t *testing.T) {
	t.Parallel()

	for _, threshold := range []int32{0, -3} {
		store := snapshotStore(
			100,
			output(1, 10, false, fn.Some(int32(100))),
			output(2, 20, false, fn.Some(int32(150))),
			output(3, 40, false, fn.None[int32]()),
		)
		p := NewUnspentOutputProvider(store, nil, threshold)

		require.Equal(t, BalanceInfo{
			Spendable:              30,
			WaitConfirmedSpendable: 30,
		}, p.BalanceInfo())
	}
}

// TestClassifyUnknownTip checks that without chain data only outgoing
// outputs are usable.
func TestClassifyUnknownTip(t *testing.T) {
	t.Parallel()

	store := snapshotStore(
		0,
		output(1, 10, false, fn.Some(int32(5))),
		output(2, 20, true, fn.None[int32]()),
	)
	p := NewUnspentOutputProvider(store, AllSpendable{}, 6)

	require.Equal(t, BalanceInfo{
		Spendable:              20,
		WaitConfirmedSpendable: 20,
	}, p.BalanceInfo())
}

// TestBalanceStoreError checks that balance queries degrade to empty
// results when the store fails.
func TestBalanceStoreError(t *testing.T) {
	t.Parallel()

	store := &mockUtxoStore{}
	store.On("UnspentSnapshot").Return(nil, errDB)
	p := NewUnspentOutputProvider(store, nil, 6)

	_, err := p.Classify()
	require.ErrorIs(t, err, errDB)
	require.Equal(t, BalanceInfo{}, p.BalanceInfo())
	require.Nil(t, p.SpendableUtxos())
	require.Nil(t, p.WaitConfirmedUtxos())
}

// genOutput draws a random unspent output near a tip of 1000.
func genOutput(t *rapid.T, id int) txstore.UnspentOutput {
	height := fn.None[int32]()
	if rapid.Bool().Draw(t, "mined") {
		height = fn.Some(rapid.Int32Range(950, 1010).Draw(t, "height"))
	}

	out := output(
		byte(id),
		btcutil.Amount(rapid.Int64Range(1, 1e8).Draw(t, "value")),
		rapid.Bool().Draw(t, "outgoing"), height,
	)
	out.OutPoint.Index = uint32(id)
	return out
}

// TestClassifyProperties checks the partition and sum invariants of a
// classification over random snapshots and policies.
func TestClassifyProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "n")
		outs := make([]txstore.UnspentOutput, n)
		for i := range outs {
			outs[i] = genOutput(t, i)
		}
		threshold := rapid.Int32Range(-1, 12).Draw(t, "threshold")
		rejected := rapid.SliceOfN(rapid.Bool(), n, n).Draw(t, "rejected")

		policy := policyFunc(func(out *txstore.UnspentOutput) bool {
			return !rejected[out.OutPoint.Index]
		})
		p := NewUnspentOutputProvider(
			snapshotStore(1000, outs...), policy, threshold,
		)

		c, err := p.Classify()
		require.NoError(t, err)

		// Usable outputs are split between spendable and unspendable
		// without overlap.
		var usableSum btcutil.Amount
		for i := range outs {
			out := &outs[i]
			if p.usable(out, 1000) {
				usableSum += out.Value
			}
		}
		info := c.BalanceInfo()
		require.Equal(t, usableSum, info.Spendable+info.Unspendable)

		spendable := make(map[wire.OutPoint]struct{})
		for _, out := range c.Spendable {
			spendable[out.OutPoint] = struct{}{}
		}
		for _, out := range c.Unspendable {
			require.NotContains(t, spendable, out.OutPoint)
		}
		for _, out := range c.WaitConfirmed {
			require.Contains(t, spendable, out.OutPoint)
		}

		require.GreaterOrEqual(t, int64(info.WaitConfirmedSpendable), int64(0))
		require.LessOrEqual(t, info.WaitConfirmedSpendable, info.Spendable)
		require.Equal(t, info.Spendable-sumOutputs(c.WaitConfirmed),
			info.WaitConfirmedSpendable)

		// Classifying the same snapshot again yields the same sets.
		again, err := p.Classify()
		require.NoError(t, err)
		require.Equal(t, c, again)
	})
}
