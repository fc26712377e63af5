// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const testDBTimeout = 10 * time.Second

var (
	testPubKey   = []byte{0x02, 0x01, 0x02, 0x03}
	testPkScript = []byte{0x00, 0x14, 0xaa, 0xbb}
	testTime     = time.Unix(1700000000, 0)
)

// testDB creates a fresh bbolt backed walletdb in a temporary directory.
func testDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "wallet.db")
	db, err := walletdb.Create("bdb", dbPath, true, testDBTimeout, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	return db
}

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(testDB(t))
	require.NoError(t, err)

	return s
}

// newTx returns a transaction spending prevOuts with one output per value.
func newTx(prevOuts []wire.OutPoint, values ...int64) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for i := range prevOuts {
		tx.AddTxIn(wire.NewTxIn(&prevOuts[i], nil, nil))
	}
	for _, v := range values {
		tx.AddTxOut(wire.NewTxOut(v, testPkScript))
	}
	return tx
}

// coinbaseOut is an outpoint the wallet knows nothing about.
func coinbaseOut(b byte) wire.OutPoint {
	return wire.OutPoint{Hash: chainhash.Hash{b}, Index: 0}
}

func insertWithCredits(t *testing.T, s *Store, tx *wire.MsgTx,
	outgoing bool, received time.Time, creditIdx ...uint32) {

	t.Helper()

	rec := NewTxRecord(tx, outgoing, received)
	require.NoError(t, s.InsertTx(rec))
	for _, idx := range creditIdx {
		op := wire.OutPoint{Hash: rec.Hash, Index: idx}
		amt := btcutil.Amount(tx.TxOut[idx].Value)
		require.NoError(t, s.AddCredit(op, amt, testPubKey, testPkScript))
	}
}

// TestOpenExisting checks that reopening a store keeps its contents.
func TestOpenExisting(t *testing.T) {
	t.Parallel()

	db := testDB(t)
	s, err := Open(db)
	require.NoError(t, err)

	bs := &BlockStamp{Height: 42, Hash: chainhash.Hash{1}}
	require.NoError(t, s.SetSyncedTo(bs))

	s, err = Open(db)
	require.NoError(t, err)

	got, err := s.SyncedTo()
	require.NoError(t, err)
	require.Equal(t, bs, got)
}

// TestSyncedToMissing checks the error returned before any tip is recorded.
func TestSyncedToMissing(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	_, err := s.SyncedTo()
	require.True(t, IsNoExists(err))

	snap, err := s.UnspentSnapshot()
	require.NoError(t, err)
	require.Zero(t, snap.TipHeight)
	require.Empty(t, snap.Outputs)
}

// TestUnspentSnapshot checks credit tracking across a receive and a spend.
func TestUnspentSnapshot(t *testing.T) {
	t.Parallel()

	s := testStore(t)

	incoming := newTx([]wire.OutPoint{coinbaseOut(1)}, 1000, 2000)
	insertWithCredits(t, s, incoming, false, testTime, 0, 1)
	inHash := incoming.TxHash()
	require.NoError(t, s.MarkMined(&inHash, 90))

	// Spend the first credit, sending change back to the wallet.
	spendOut := wire.OutPoint{Hash: inHash, Index: 0}
	outgoing := newTx([]wire.OutPoint{spendOut}, 600, 300)
	insertWithCredits(t, s, outgoing, true, testTime.Add(time.Minute), 1)

	require.NoError(t, s.SetSyncedTo(&BlockStamp{Height: 100}))

	snap, err := s.UnspentSnapshot()
	require.NoError(t, err)
	require.EqualValues(t, 100, snap.TipHeight)
	require.Len(t, snap.Outputs, 2)

	byOutPoint := make(map[wire.OutPoint]UnspentOutput)
	for _, out := range snap.Outputs {
		byOutPoint[out.OutPoint] = out
	}

	received := byOutPoint[wire.OutPoint{Hash: inHash, Index: 1}]
	require.EqualValues(t, 2000, received.Value)
	require.False(t, received.Outgoing)
	require.Equal(t, fn.Some(int32(90)), received.BlockHeight)
	require.Equal(t, testPubKey, received.PubKey)
	require.Equal(t, testPkScript, received.PkScript)

	change := byOutPoint[wire.OutPoint{Hash: outgoing.TxHash(), Index: 1}]
	require.EqualValues(t, 300, change.Value)
	require.True(t, change.Outgoing)
	require.True(t, change.BlockHeight.IsNone())
}

// TestAddCreditUnknownTx checks credits need a stored transaction.
func TestAddCreditUnknownTx(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	op := wire.OutPoint{Hash: chainhash.Hash{9}, Index: 0}
	err := s.AddCredit(op, 1, testPubKey, testPkScript)
	require.True(t, IsNoExists(err))

	tx := newTx(nil, 1)
	require.NoError(t, s.InsertTx(NewTxRecord(tx, false, testTime)))
	op = wire.OutPoint{Hash: tx.TxHash(), Index: 5}
	err = s.AddCredit(op, 1, testPubKey, testPkScript)
	var serr Error
	require.ErrorAs(t, err, &serr)
	require.Equal(t, ErrInput, serr.Code)

	op.Index = 0
	err = s.AddCredit(op, 1, nil, testPkScript)
	require.Error(t, err)
}

// TestHandleInvalid checks invalidation releases spent credits, drops the
// invalid transaction's own credits and its sent record.
func TestHandleInvalid(t *testing.T) {
	t.Parallel()

	s := testStore(t)

	incoming := newTx([]wire.OutPoint{coinbaseOut(2)}, 5000)
	insertWithCredits(t, s, incoming, false, testTime, 0)
	inHash := incoming.TxHash()

	outgoing := newTx(
		[]wire.OutPoint{{Hash: inHash, Index: 0}}, 4000, 900,
	)
	insertWithCredits(t, s, outgoing, true, testTime, 1)
	outHash := outgoing.TxHash()
	require.NoError(t, s.PutSentTx(&SentTx{
		Hash: outHash, LastSendTime: testTime, RetriesCount: 2,
	}))

	snap, err := s.UnspentSnapshot()
	require.NoError(t, err)
	require.Len(t, snap.Outputs, 1)
	require.Equal(t, outHash, snap.Outputs[0].OutPoint.Hash)

	require.NoError(t, s.HandleInvalid(outgoing))

	snap, err = s.UnspentSnapshot()
	require.NoError(t, err)
	require.Len(t, snap.Outputs, 1)
	require.Equal(t, inHash, snap.Outputs[0].OutPoint.Hash)

	rec, err := s.TxRecord(&outHash)
	require.NoError(t, err)
	require.Equal(t, StatusInvalid, rec.Status)

	_, err = s.FetchSentTx(&outHash)
	require.True(t, IsNoExists(err))

	pending, err := s.PendingTransactions()
	require.NoError(t, err)
	require.Empty(t, pending)
}

// TestPendingTransactions checks only new outgoing transactions are pending
// and that they are returned oldest first.
func TestPendingTransactions(t *testing.T) {
	t.Parallel()

	s := testStore(t)

	older := newTx([]wire.OutPoint{coinbaseOut(3)}, 1)
	newer := newTx([]wire.OutPoint{coinbaseOut(4)}, 2)
	relayed := newTx([]wire.OutPoint{coinbaseOut(5)}, 3)
	mined := newTx([]wire.OutPoint{coinbaseOut(6)}, 4)
	incoming := newTx([]wire.OutPoint{coinbaseOut(7)}, 5)

	require.NoError(t, s.InsertTx(NewTxRecord(newer, true, testTime.Add(time.Hour))))
	require.NoError(t, s.InsertTx(NewTxRecord(older, true, testTime)))
	require.NoError(t, s.InsertTx(NewTxRecord(relayed, true, testTime)))
	require.NoError(t, s.InsertTx(NewTxRecord(mined, true, testTime)))
	require.NoError(t, s.InsertTx(NewTxRecord(incoming, false, testTime)))

	require.NoError(t, s.MarkRelayed([]chainhash.Hash{
		relayed.TxHash(), {0xff},
	}))
	minedHash := mined.TxHash()
	require.NoError(t, s.MarkMined(&minedHash, 10))

	pending, err := s.PendingTransactions()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, older.TxHash(), pending[0].TxHash())
	require.Equal(t, newer.TxHash(), pending[1].TxHash())
}

// TestSentTxs checks the sent transaction bookkeeping.
func TestSentTxs(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	hash := chainhash.Hash{0x11}

	_, err := s.FetchSentTx(&hash)
	require.True(t, IsNoExists(err))

	st := &SentTx{
		Hash:         hash,
		LastSendTime: time.Unix(0, 1700000000123456789),
		RetriesCount: 1,
		SendSuccess:  true,
	}
	require.NoError(t, s.PutSentTx(st))

	got, err := s.FetchSentTx(&hash)
	require.NoError(t, err)
	require.True(t, st.LastSendTime.Equal(got.LastSendTime))
	require.Equal(t, st.RetriesCount, got.RetriesCount)
	require.Equal(t, st.SendSuccess, got.SendSuccess)

	require.NoError(t, s.DeleteSentTx(&hash))
	require.NoError(t, s.DeleteSentTx(&hash))
	_, err = s.FetchSentTx(&hash)
	require.True(t, IsNoExists(err))

	for i := byte(0); i < 3; i++ {
		require.NoError(t, s.PutSentTx(&SentTx{
			Hash: chainhash.Hash{i}, LastSendTime: testTime,
		}))
	}
	all, err := s.SentTxs()
	require.NoError(t, err)
	require.Len(t, all, 3)

	n, err := s.DropSentTxs()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	all, err = s.SentTxs()
	require.NoError(t, err)
	require.Empty(t, all)
}

// TestMarkMinedDropsSentTx checks a mined transaction loses its send
// bookkeeping even if its relay was never announced.
func TestMarkMinedDropsSentTx(t *testing.T) {
	t.Parallel()

	s := testStore(t)

	tx := newTx([]wire.OutPoint{coinbaseOut(7)}, 5)
	hash := tx.TxHash()
	require.NoError(t, s.InsertTx(NewTxRecord(tx, true, testTime)))
	require.NoError(t, s.PutSentTx(&SentTx{
		Hash: hash, LastSendTime: testTime, RetriesCount: 1,
	}))

	require.NoError(t, s.MarkMined(&hash, 30))

	_, err := s.FetchSentTx(&hash)
	require.True(t, IsNoExists(err))

	pending, err := s.PendingTransactions()
	require.NoError(t, err)
	require.Empty(t, pending)
}

// TestSetSyncedToRollsBack checks a tip moving back unmines the
// transactions above it, while a tip moving forward leaves them alone.
func TestSetSyncedToRollsBack(t *testing.T) {
	t.Parallel()

	s := testStore(t)

	low := newTx([]wire.OutPoint{coinbaseOut(4)}, 1)
	high := newTx([]wire.OutPoint{coinbaseOut(5)}, 2)
	require.NoError(t, s.InsertTx(NewTxRecord(low, false, testTime)))
	require.NoError(t, s.InsertTx(NewTxRecord(high, false, testTime)))

	lowHash, highHash := low.TxHash(), high.TxHash()
	require.NoError(t, s.MarkMined(&lowHash, 10))
	require.NoError(t, s.MarkMined(&highHash, 20))

	require.NoError(t, s.SetSyncedTo(&BlockStamp{Height: 21}))
	require.NoError(t, s.SetSyncedTo(&BlockStamp{Height: 22}))

	rec, err := s.TxRecord(&highHash)
	require.NoError(t, err)
	require.Equal(t, fn.Some(int32(20)), rec.BlockHeight)

	require.NoError(t, s.SetSyncedTo(&BlockStamp{Height: 19}))

	rec, err = s.TxRecord(&highHash)
	require.NoError(t, err)
	require.True(t, rec.BlockHeight.IsNone())
	require.Equal(t, StatusRelayed, rec.Status)

	rec, err = s.TxRecord(&lowHash)
	require.NoError(t, err)
	require.Equal(t, fn.Some(int32(10)), rec.BlockHeight)

	tip, err := s.SyncedTo()
	require.NoError(t, err)
	require.EqualValues(t, 19, tip.Height)
}
