// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Naming
//
// The following variables are commonly used in this file and given
// reserved names:
//
//   ns: The namespace bucket for this package
//   b:  The primary bucket being operated on
//   k:  A single bucket key
//   v:  A single bucket value
//
// Functions use the naming scheme `Op[Raw]Type[Field]`, which performs the
// operation `Op` on the type `Type`, optionally dealing with raw keys and
// values if `Raw` is used.  The following operations are used:
//
//   key:     return a db key for some data
//   value:   return a db value for some data
//   put:     insert or replace a value into a bucket
//   fetch:   read and return a value
//   read:    read a value into an out parameter
//   delete:  remove a k/v pair

// Big endian is the preferred byte order, due to cursor scans over integer
// keys iterating in order.
var byteOrder = binary.BigEndian

// Database versions.  Versions start at 1 and increment for each database
// change.
const (
	// LatestVersion is the most recent store version.
	LatestVersion = 1
)

// This package makes assumptions that the width of a chainhash.Hash is always
// 32 bytes.
var _ [32]byte = chainhash.Hash{}

// namespaceKey is the top level bucket holding every bucket of the store.
var namespaceKey = []byte("spvtxstore")

// Bucket names
var (
	bucketTxRecords = []byte("t")
	bucketCredits   = []byte("c")
	bucketSpent     = []byte("s")
	bucketSentTxs   = []byte("st")
)

// Root (namespace) bucket keys
var (
	rootVersion  = []byte("vers")
	rootSyncedTo = []byte("syncedto")
)

func putVersion(ns walletdb.ReadWriteBucket, version uint32) error {
	v := make([]byte, 4)
	byteOrder.PutUint32(v, version)
	if err := ns.Put(rootVersion, v); err != nil {
		return storeError(ErrDatabase, "failed to store version", err)
	}
	return nil
}

func fetchVersion(ns walletdb.ReadBucket) (uint32, error) {
	v := ns.Get(rootVersion)
	if len(v) != 4 {
		return 0, storeError(ErrData, "no version recorded", nil)
	}
	return byteOrder.Uint32(v), nil
}

// The synced-to value records the best block known to the chain backend:
//
//   [0:4]  Height (4 bytes)
//   [4:36] Block hash (32 bytes)

func putSyncedTo(ns walletdb.ReadWriteBucket, bs *BlockStamp) error {
	v := make([]byte, 36)
	byteOrder.PutUint32(v, uint32(bs.Height))
	copy(v[4:36], bs.Hash[:])
	if err := ns.Put(rootSyncedTo, v); err != nil {
		return storeError(ErrDatabase, "failed to store sync tip", err)
	}
	return nil
}

func fetchSyncedTo(ns walletdb.ReadBucket) (*BlockStamp, error) {
	v := ns.Get(rootSyncedTo)
	if v == nil {
		return nil, storeError(ErrNoExist, "no sync tip recorded", nil)
	}
	if len(v) != 36 {
		str := fmt.Sprintf("sync tip: short read (expected 36 bytes, "+
			"read %v)", len(v))
		return nil, storeError(ErrData, str, nil)
	}
	bs := &BlockStamp{Height: int32(byteOrder.Uint32(v))}
	copy(bs.Hash[:], v[4:36])
	return bs, nil
}

// The canonical outpoint serialization format is:
//
//   [0:32]  Transaction hash (32 bytes)
//   [32:36] Output index (4 bytes)

func canonicalOutPoint(txHash *chainhash.Hash, index uint32) []byte {
	k := make([]byte, 36)
	copy(k, txHash[:])
	byteOrder.PutUint32(k[32:36], index)
	return k
}

func readCanonicalOutPoint(k []byte, op *wire.OutPoint) error {
	if len(k) < 36 {
		return storeError(ErrData, "short canonical outpoint", nil)
	}
	copy(op.Hash[:], k)
	op.Index = byteOrder.Uint32(k[32:36])
	return nil
}

// Transaction records are keyed by transaction hash.  The value is
// serialized as such:
//
//   [0]     Flags (1 byte)
//             0x01: Outgoing
//             0x02: Mined
//   [1]     Status (1 byte)
//   [2:6]   Block height, meaningful only when mined (4 bytes)
//   [6:14]  Received time (8 bytes)
//   [14:]   Serialized transaction

const (
	txFlagOutgoing = 1 << 0
	txFlagMined    = 1 << 1
)

func valueTxRecord(rec *TxRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(14 + rec.MsgTx.SerializeSize())

	var hdr [14]byte
	if rec.Outgoing {
		hdr[0] |= txFlagOutgoing
	}
	rec.BlockHeight.WhenSome(func(height int32) {
		hdr[0] |= txFlagMined
		byteOrder.PutUint32(hdr[2:6], uint32(height))
	})
	hdr[1] = byte(rec.Status)
	byteOrder.PutUint64(hdr[6:14], uint64(rec.Received.Unix()))
	buf.Write(hdr[:])

	if err := rec.MsgTx.Serialize(&buf); err != nil {
		str := fmt.Sprintf("unable to serialize transaction %v",
			rec.Hash)
		return nil, storeError(ErrInput, str, err)
	}
	return buf.Bytes(), nil
}

func putTxRecord(ns walletdb.ReadWriteBucket, rec *TxRecord) error {
	v, err := valueTxRecord(rec)
	if err != nil {
		return err
	}
	b := ns.NestedReadWriteBucket(bucketTxRecords)
	if err := b.Put(rec.Hash[:], v); err != nil {
		str := fmt.Sprintf("failed to store tx record %v", rec.Hash)
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

func readRawTxRecord(k, v []byte, rec *TxRecord) error {
	if len(k) != 32 {
		return storeError(ErrData, "bad tx record key length", nil)
	}
	if len(v) < 14 {
		str := fmt.Sprintf("%s: short read (expected at least %d bytes, "+
			"read %d)", bucketTxRecords, 14, len(v))
		return storeError(ErrData, str, nil)
	}
	copy(rec.Hash[:], k)
	rec.Outgoing = v[0]&txFlagOutgoing != 0
	rec.Status = TxStatus(v[1])
	rec.BlockHeight = fn.None[int32]()
	if v[0]&txFlagMined != 0 {
		rec.BlockHeight = fn.Some(int32(byteOrder.Uint32(v[2:6])))
	}
	rec.Received = time.Unix(int64(byteOrder.Uint64(v[6:14])), 0)

	rec.MsgTx = new(wire.MsgTx)
	err := rec.MsgTx.Deserialize(bytes.NewReader(v[14:]))
	if err != nil {
		str := fmt.Sprintf("%s: failed to deserialize transaction %v",
			bucketTxRecords, rec.Hash)
		return storeError(ErrData, str, err)
	}
	return nil
}

// readRawTxRecordMeta reads only the fixed size header of a transaction
// record, leaving MsgTx nil.
func readRawTxRecordMeta(v []byte, rec *TxRecord) error {
	if len(v) < 14 {
		return storeError(ErrData, "short tx record", nil)
	}
	rec.Outgoing = v[0]&txFlagOutgoing != 0
	rec.Status = TxStatus(v[1])
	rec.BlockHeight = fn.None[int32]()
	if v[0]&txFlagMined != 0 {
		rec.BlockHeight = fn.Some(int32(byteOrder.Uint32(v[2:6])))
	}
	return nil
}

func fetchTxRecord(ns walletdb.ReadBucket, txHash *chainhash.Hash) (*TxRecord, error) {
	v := ns.NestedReadBucket(bucketTxRecords).Get(txHash[:])
	if v == nil {
		str := fmt.Sprintf("missing transaction record %v", txHash)
		return nil, storeError(ErrNoExist, str, nil)
	}
	rec := new(TxRecord)
	if err := readRawTxRecord(txHash[:], v, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Credits are keyed by canonical outpoint.  The value is serialized as such:
//
//   [0:8]      Amount (8 bytes)
//   [8]        Owner public key length N (1 byte)
//   [9:9+N]    Owner public key
//   [9+N:]     Output script

func valueCredit(amount btcutil.Amount, pubKey, pkScript []byte) []byte {
	v := make([]byte, 9+len(pubKey)+len(pkScript))
	byteOrder.PutUint64(v, uint64(amount))
	v[8] = byte(len(pubKey))
	copy(v[9:], pubKey)
	copy(v[9+len(pubKey):], pkScript)
	return v
}

func putCredit(ns walletdb.ReadWriteBucket, op *wire.OutPoint,
	amount btcutil.Amount, pubKey, pkScript []byte) error {

	k := canonicalOutPoint(&op.Hash, op.Index)
	v := valueCredit(amount, pubKey, pkScript)
	err := ns.NestedReadWriteBucket(bucketCredits).Put(k, v)
	if err != nil {
		str := fmt.Sprintf("failed to store credit %v", op)
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

func readRawCredit(k, v []byte, out *UnspentOutput) error {
	if err := readCanonicalOutPoint(k, &out.OutPoint); err != nil {
		return err
	}
	if len(v) < 9 || len(v) < 9+int(v[8]) {
		str := fmt.Sprintf("%s: short read of credit %v",
			bucketCredits, out.OutPoint)
		return storeError(ErrData, str, nil)
	}
	n := int(v[8])
	out.Value = btcutil.Amount(byteOrder.Uint64(v))
	out.PubKey = append([]byte(nil), v[9:9+n]...)
	out.PkScript = append([]byte(nil), v[9+n:]...)
	return nil
}

func existsCredit(ns walletdb.ReadBucket, op *wire.OutPoint) bool {
	k := canonicalOutPoint(&op.Hash, op.Index)
	return ns.NestedReadBucket(bucketCredits).Get(k) != nil
}

// The spent bucket maps a credit's canonical outpoint to the hash of the
// wallet transaction spending it.

func putSpent(ns walletdb.ReadWriteBucket, op *wire.OutPoint,
	spender *chainhash.Hash) error {

	k := canonicalOutPoint(&op.Hash, op.Index)
	err := ns.NestedReadWriteBucket(bucketSpent).Put(k, spender[:])
	if err != nil {
		str := fmt.Sprintf("failed to mark %v spent", op)
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

// Sent transactions are keyed by transaction hash.  The value is serialized
// as such:
//
//   [0:8]   Last send time, unix nanoseconds (8 bytes)
//   [8:12]  Retries count (4 bytes)
//   [12]    Send success (1 byte)

func valueSentTx(st *SentTx) []byte {
	v := make([]byte, 13)
	byteOrder.PutUint64(v, uint64(st.LastSendTime.UnixNano()))
	byteOrder.PutUint32(v[8:12], st.RetriesCount)
	if st.SendSuccess {
		v[12] = 1
	}
	return v
}

func readRawSentTx(k, v []byte, st *SentTx) error {
	if len(k) != 32 {
		return storeError(ErrData, "bad sent tx key length", nil)
	}
	if len(v) != 13 {
		str := fmt.Sprintf("%s: short read (expected %d bytes, read %d)",
			bucketSentTxs, 13, len(v))
		return storeError(ErrData, str, nil)
	}
	copy(st.Hash[:], k)
	st.LastSendTime = time.Unix(0, int64(byteOrder.Uint64(v)))
	st.RetriesCount = byteOrder.Uint32(v[8:12])
	st.SendSuccess = v[12] != 0
	return nil
}

func putSentTx(ns walletdb.ReadWriteBucket, st *SentTx) error {
	err := ns.NestedReadWriteBucket(bucketSentTxs).Put(
		st.Hash[:], valueSentTx(st),
	)
	if err != nil {
		str := fmt.Sprintf("failed to store sent tx %v", st.Hash)
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

func deleteSentTx(ns walletdb.ReadWriteBucket, txHash *chainhash.Hash) error {
	err := ns.NestedReadWriteBucket(bucketSentTxs).Delete(txHash[:])
	if err != nil {
		str := fmt.Sprintf("failed to delete sent tx %v", txHash)
		return storeError(ErrDatabase, str, err)
	}
	return nil
}

// createBuckets creates the namespace layout if it does not exist yet.
func createBuckets(ns walletdb.ReadWriteBucket) error {
	for _, name := range [][]byte{
		bucketTxRecords, bucketCredits, bucketSpent, bucketSentTxs,
	} {
		if _, err := ns.CreateBucketIfNotExists(name); err != nil {
			str := fmt.Sprintf("failed to create bucket %s", name)
			return storeError(ErrDatabase, str, err)
		}
	}
	return nil
}
