// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/spvwallet/txstore"
	"github.com/lightningnetwork/lnd/clock"
)

// SpendPolicy decides whether a mature output may currently be spent.
type SpendPolicy interface {
	IsSpendable(out *txstore.UnspentOutput) bool
}

// AllSpendable approves every output.
type AllSpendable struct{}

// IsSpendable always returns true.
func (AllSpendable) IsSpendable(*txstore.UnspentOutput) bool {
	return true
}

// PolicySet approves an output only when every member policy approves it.
type PolicySet []SpendPolicy

// IsSpendable implements SpendPolicy.
func (s PolicySet) IsSpendable(out *txstore.UnspentOutput) bool {
	for _, p := range s {
		if !p.IsSpendable(out) {
			return false
		}
	}
	return true
}

// LockTimePolicy rejects outputs locked by OP_CHECKLOCKTIMEVERIFY until the
// lock expires.  Outputs without such a lock are approved.
type LockTimePolicy struct {
	// BestHeight returns the current chain tip height.
	BestHeight func() int32

	// Clock is used to evaluate time based locks.
	Clock clock.Clock
}

// NewLockTimePolicy returns a LockTimePolicy using the wall clock.
func NewLockTimePolicy(bestHeight func() int32) *LockTimePolicy {
	return &LockTimePolicy{
		BestHeight: bestHeight,
		Clock:      clock.NewDefaultClock(),
	}
}

// IsSpendable implements SpendPolicy.
func (p *LockTimePolicy) IsSpendable(out *txstore.UnspentOutput) bool {
	lockTime, ok := ScriptLockTime(out.PkScript)
	if !ok {
		return true
	}

	// A negative lock time always fails OP_CHECKLOCKTIMEVERIFY.
	if lockTime < 0 {
		return false
	}

	// A spending transaction with nLockTime set to lockTime is final in
	// the next block once the lock is below that block's height.
	if lockTime < txscript.LockTimeThreshold {
		return lockTime < int64(p.BestHeight())+1
	}
	return lockTime < p.Clock.Now().Unix()
}

// maxLockTimeLen is the maximum number of bytes of a script number read by
// OP_CHECKLOCKTIMEVERIFY.
const maxLockTimeLen = 5

// ScriptLockTime extracts the lock time from a script starting with
// <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP.  The second return value is
// false when the script has no such prefix.
func ScriptLockTime(script []byte) (int64, bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	if !tokenizer.Next() {
		return 0, false
	}
	var lockTime int64
	switch op := tokenizer.Opcode(); {
	case op == txscript.OP_0:
		lockTime = 0

	case op == txscript.OP_1NEGATE:
		lockTime = -1

	case op >= txscript.OP_1 && op <= txscript.OP_16:
		lockTime = int64(op - (txscript.OP_1 - 1))

	case op >= txscript.OP_DATA_1 && op <= txscript.OP_DATA_5:
		num, err := txscript.MakeScriptNum(
			tokenizer.Data(), false, maxLockTimeLen,
		)
		if err != nil {
			return 0, false
		}
		lockTime = int64(num)

	default:
		return 0, false
	}

	if !tokenizer.Next() ||
		tokenizer.Opcode() != txscript.OP_CHECKLOCKTIMEVERIFY {

		return 0, false
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_DROP {
		return 0, false
	}

	return lockTime, true
}
