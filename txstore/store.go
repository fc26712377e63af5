// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txstore

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TxStatus is the lifecycle state of a wallet transaction.
type TxStatus uint8

const (
	// StatusNew marks a transaction that has been created or received
	// but not yet seen relayed by the network.  Outgoing transactions in
	// this state are pending broadcast.
	StatusNew TxStatus = iota

	// StatusRelayed marks a transaction the network has relayed back to
	// us or that has been mined.
	StatusRelayed

	// StatusInvalid marks a transaction that was given up on.  Its
	// credits are ignored and the outputs it spent are unspent again.
	StatusInvalid
)

// String returns a human readable status.
func (s TxStatus) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusRelayed:
		return "relayed"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// BlockStamp identifies a block by height and hash.
type BlockStamp struct {
	Height int32
	Hash   chainhash.Hash
}

// TxRecord is a wallet transaction along with its lifecycle metadata.
type TxRecord struct {
	Hash        chainhash.Hash
	MsgTx       *wire.MsgTx
	Outgoing    bool
	Status      TxStatus
	BlockHeight fn.Option[int32]
	Received    time.Time
}

// NewTxRecord creates a new, unmined transaction record.
func NewTxRecord(msgTx *wire.MsgTx, outgoing bool, received time.Time) *TxRecord {
	return &TxRecord{
		Hash:        msgTx.TxHash(),
		MsgTx:       msgTx,
		Outgoing:    outgoing,
		Status:      StatusNew,
		BlockHeight: fn.None[int32](),
		Received:    received,
	}
}

// UnspentOutput is an unspent output controlled by one of the wallet's keys.
type UnspentOutput struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte

	// PubKey is the serialized public key of the owning wallet key.
	PubKey []byte

	// Outgoing is set when the transaction creating the output was
	// created by this wallet.
	Outgoing bool

	// BlockHeight is the height of the block containing the creating
	// transaction, if it is mined.
	BlockHeight fn.Option[int32]
}

// Snapshot is a consistent view of the wallet's unspent outputs together
// with the chain tip they were read against.
type Snapshot struct {
	TipHeight int32
	Outputs   []UnspentOutput
}

// SentTx records the broadcast bookkeeping of a pending transaction.
type SentTx struct {
	Hash         chainhash.Hash
	LastSendTime time.Time
	RetriesCount uint32
	SendSuccess  bool
}

// Store implements the transaction store for the SPV wallet on top of a
// walletdb database.
type Store struct {
	db walletdb.DB
}

// Open opens the transaction store in the passed database, creating the
// namespace if it does not exist yet.
func Open(db walletdb.DB) (*Store, error) {
	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(namespaceKey)
		if ns == nil {
			var err error
			ns, err = tx.CreateTopLevelBucket(namespaceKey)
			if err != nil {
				str := "failed to create namespace"
				return storeError(ErrDatabase, str, err)
			}
			if err := putVersion(ns, LatestVersion); err != nil {
				return err
			}
			log.Infof("Created transaction store namespace")
		}

		version, err := fetchVersion(ns)
		if err != nil {
			return err
		}
		if version > LatestVersion {
			str := fmt.Sprintf("store version %d is newer than "+
				"latest supported version %d", version,
				LatestVersion)
			return storeError(ErrUnknownVersion, str, nil)
		}

		return createBuckets(ns)
	})
	if err != nil {
		return nil, err
	}

	return &Store{db: db}, nil
}

// view runs f inside a read transaction on the store namespace.
func (s *Store) view(f func(ns walletdb.ReadBucket) error) error {
	return walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(namespaceKey)
		if ns == nil {
			return storeError(ErrNoExist, "missing namespace", nil)
		}
		return f(ns)
	})
}

// update runs f inside a read-write transaction on the store namespace.
func (s *Store) update(f func(ns walletdb.ReadWriteBucket) error) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(namespaceKey)
		if ns == nil {
			return storeError(ErrNoExist, "missing namespace", nil)
		}
		return f(ns)
	})
}

// SetSyncedTo records the best block known to the chain backend.  A tip
// below the recorded one is a reorganization: transactions mined above the
// new tip are rolled back.
func (s *Store) SetSyncedTo(bs *BlockStamp) error {
	return s.update(func(ns walletdb.ReadWriteBucket) error {
		prev, err := fetchSyncedTo(ns)
		switch {
		case IsNoExists(err):
		case err != nil:
			return err
		case prev.Height > bs.Height:
			if err := rollback(ns, bs.Height); err != nil {
				return err
			}
		}
		return putSyncedTo(ns, bs)
	})
}

// SyncedTo returns the best block recorded with SetSyncedTo.  An ErrNoExist
// error is returned if no block was recorded yet.
func (s *Store) SyncedTo() (*BlockStamp, error) {
	var bs *BlockStamp
	err := s.view(func(ns walletdb.ReadBucket) error {
		var err error
		bs, err = fetchSyncedTo(ns)
		return err
	})
	return bs, err
}

// InsertTx adds a wallet transaction to the store.  Every previous output it
// spends that is a wallet credit is marked spent by it.
func (s *Store) InsertTx(rec *TxRecord) error {
	if rec.MsgTx == nil {
		return storeError(ErrInput, "nil transaction", nil)
	}
	if rec.Hash != rec.MsgTx.TxHash() {
		return storeError(ErrInput, "record hash does not match "+
			"transaction", nil)
	}

	return s.update(func(ns walletdb.ReadWriteBucket) error {
		if err := putTxRecord(ns, rec); err != nil {
			return err
		}
		for _, in := range rec.MsgTx.TxIn {
			op := &in.PreviousOutPoint
			if !existsCredit(ns, op) {
				continue
			}
			if err := putSpent(ns, op, &rec.Hash); err != nil {
				return err
			}
		}
		return nil
	})
}

// TxRecord returns the stored record of a transaction.
func (s *Store) TxRecord(txHash *chainhash.Hash) (*TxRecord, error) {
	var rec *TxRecord
	err := s.view(func(ns walletdb.ReadBucket) error {
		var err error
		rec, err = fetchTxRecord(ns, txHash)
		return err
	})
	return rec, err
}

// AddCredit records an output of a stored transaction as paying to the
// wallet key pubKey.
func (s *Store) AddCredit(op wire.OutPoint, amount btcutil.Amount,
	pubKey, pkScript []byte) error {

	if len(pubKey) == 0 || len(pubKey) > 255 {
		return storeError(ErrInput, "invalid owner public key", nil)
	}

	return s.update(func(ns walletdb.ReadWriteBucket) error {
		rec, err := fetchTxRecord(ns, &op.Hash)
		if err != nil {
			return err
		}
		if int(op.Index) >= len(rec.MsgTx.TxOut) {
			str := fmt.Sprintf("output index %d out of range for "+
				"transaction %v", op.Index, op.Hash)
			return storeError(ErrInput, str, nil)
		}
		return putCredit(ns, &op, amount, pubKey, pkScript)
	})
}

// MarkMined records the height of the block containing a transaction.
// Mined transactions are no longer pending broadcast.
func (s *Store) MarkMined(txHash *chainhash.Hash, height int32) error {
	return s.update(func(ns walletdb.ReadWriteBucket) error {
		rec, err := fetchTxRecord(ns, txHash)
		if err != nil {
			return err
		}
		rec.BlockHeight = fn.Some(height)
		if rec.Status == StatusNew {
			rec.Status = StatusRelayed
		}
		if err := putTxRecord(ns, rec); err != nil {
			return err
		}
		return deleteSentTx(ns, txHash)
	})
}

// MarkRelayed moves every known transaction in txHashes from StatusNew to
// StatusRelayed.  Unknown hashes are ignored.
func (s *Store) MarkRelayed(txHashes []chainhash.Hash) error {
	return s.update(func(ns walletdb.ReadWriteBucket) error {
		for i := range txHashes {
			rec, err := fetchTxRecord(ns, &txHashes[i])
			if IsNoExists(err) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.Status != StatusNew {
				continue
			}
			rec.Status = StatusRelayed
			if err := putTxRecord(ns, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// rollback forgets the block heights of all transactions mined above
// height, as happens when those blocks are disconnected.
func rollback(ns walletdb.ReadWriteBucket, height int32) error {
	b := ns.NestedReadWriteBucket(bucketTxRecords)

	var detached []*TxRecord
	err := b.ForEach(func(k, v []byte) error {
		var meta TxRecord
		if err := readRawTxRecordMeta(v, &meta); err != nil {
			return err
		}
		if meta.BlockHeight.UnwrapOr(-1) <= height {
			return nil
		}
		rec := new(TxRecord)
		if err := readRawTxRecord(k, v, rec); err != nil {
			return err
		}
		detached = append(detached, rec)
		return nil
	})
	if err != nil {
		return err
	}

	for _, rec := range detached {
		rec.BlockHeight = fn.None[int32]()
		if err := putTxRecord(ns, rec); err != nil {
			return err
		}
	}
	if len(detached) > 0 {
		log.Infof("Rolled back %d transaction(s) mined above height %d",
			len(detached), height)
	}
	return nil
}

// UnspentSnapshot returns the chain tip height (0 if unknown) and all
// unspent outputs owned by wallet keys, read in a single transaction.
// Credits of invalid transactions and credits spent by a transaction that is
// not invalid are excluded.
func (s *Store) UnspentSnapshot() (*Snapshot, error) {
	snap := new(Snapshot)
	err := s.view(func(ns walletdb.ReadBucket) error {
		bs, err := fetchSyncedTo(ns)
		switch {
		case IsNoExists(err):
		case err != nil:
			return err
		default:
			snap.TipHeight = bs.Height
		}

		txRecords := ns.NestedReadBucket(bucketTxRecords)
		spent := ns.NestedReadBucket(bucketSpent)
		return ns.NestedReadBucket(bucketCredits).ForEach(func(k, v []byte) error {
			var out UnspentOutput
			if err := readRawCredit(k, v, &out); err != nil {
				return err
			}
			if len(out.PubKey) == 0 {
				return nil
			}

			var meta TxRecord
			recV := txRecords.Get(out.OutPoint.Hash[:])
			if recV == nil {
				return nil
			}
			if err := readRawTxRecordMeta(recV, &meta); err != nil {
				return err
			}
			if meta.Status == StatusInvalid {
				return nil
			}

			if spender := spent.Get(k); spender != nil {
				spenderV := txRecords.Get(spender)
				if spenderV == nil {
					return nil
				}
				var spenderMeta TxRecord
				err := readRawTxRecordMeta(spenderV, &spenderMeta)
				if err != nil {
					return err
				}
				if spenderMeta.Status != StatusInvalid {
					return nil
				}
			}

			out.Outgoing = meta.Outgoing
			out.BlockHeight = meta.BlockHeight
			snap.Outputs = append(snap.Outputs, out)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// PendingTransactions returns every outgoing transaction that has not been
// relayed, mined or invalidated, oldest first.
func (s *Store) PendingTransactions() ([]*wire.MsgTx, error) {
	var recs []*TxRecord
	err := s.view(func(ns walletdb.ReadBucket) error {
		b := ns.NestedReadBucket(bucketTxRecords)
		return b.ForEach(func(k, v []byte) error {
			var meta TxRecord
			if err := readRawTxRecordMeta(v, &meta); err != nil {
				return err
			}
			if !meta.Outgoing || meta.Status != StatusNew {
				return nil
			}
			rec := new(TxRecord)
			if err := readRawTxRecord(k, v, rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Received.Before(recs[j].Received)
	})
	txs := make([]*wire.MsgTx, 0, len(recs))
	for _, rec := range recs {
		txs = append(txs, rec.MsgTx)
	}
	return txs, nil
}

// HandleInvalid gives up on a transaction: it is marked invalid, which
// releases the outputs it spent, and its sent transaction bookkeeping is
// removed.
func (s *Store) HandleInvalid(tx *wire.MsgTx) error {
	txHash := tx.TxHash()
	return s.update(func(ns walletdb.ReadWriteBucket) error {
		rec, err := fetchTxRecord(ns, &txHash)
		if err != nil {
			return err
		}
		rec.Status = StatusInvalid
		if err := putTxRecord(ns, rec); err != nil {
			return err
		}

		spent := ns.NestedReadWriteBucket(bucketSpent)
		for _, in := range tx.TxIn {
			op := &in.PreviousOutPoint
			k := canonicalOutPoint(&op.Hash, op.Index)
			v := spent.Get(k)
			if !bytes.Equal(v, txHash[:]) {
				continue
			}
			if err := spent.Delete(k); err != nil {
				str := fmt.Sprintf("failed to unspend %v", op)
				return storeError(ErrDatabase, str, err)
			}
		}

		return deleteSentTx(ns, &txHash)
	})
}

// FetchSentTx returns the sent transaction bookkeeping for txHash.  An
// ErrNoExist error is returned when the transaction has no record.
func (s *Store) FetchSentTx(txHash *chainhash.Hash) (*SentTx, error) {
	var st *SentTx
	err := s.view(func(ns walletdb.ReadBucket) error {
		v := ns.NestedReadBucket(bucketSentTxs).Get(txHash[:])
		if v == nil {
			str := fmt.Sprintf("no sent tx record for %v", txHash)
			return storeError(ErrNoExist, str, nil)
		}
		st = new(SentTx)
		return readRawSentTx(txHash[:], v, st)
	})
	return st, err
}

// PutSentTx inserts or replaces a sent transaction record.
func (s *Store) PutSentTx(st *SentTx) error {
	return s.update(func(ns walletdb.ReadWriteBucket) error {
		return putSentTx(ns, st)
	})
}

// DeleteSentTx removes the sent transaction record for txHash.  Deleting a
// record that does not exist is not an error.
func (s *Store) DeleteSentTx(txHash *chainhash.Hash) error {
	return s.update(func(ns walletdb.ReadWriteBucket) error {
		return deleteSentTx(ns, txHash)
	})
}

// SentTxs returns every sent transaction record.
func (s *Store) SentTxs() ([]SentTx, error) {
	var sts []SentTx
	err := s.view(func(ns walletdb.ReadBucket) error {
		b := ns.NestedReadBucket(bucketSentTxs)
		return b.ForEach(func(k, v []byte) error {
			var st SentTx
			if err := readRawSentTx(k, v, &st); err != nil {
				return err
			}
			sts = append(sts, st)
			return nil
		})
	})
	return sts, err
}

// DropSentTxs removes all sent transaction bookkeeping, so every pending
// transaction is treated as never sent.  It returns the number of records
// removed.
func (s *Store) DropSentTxs() (int, error) {
	var n int
	err := s.update(func(ns walletdb.ReadWriteBucket) error {
		b := ns.NestedReadWriteBucket(bucketSentTxs)
		err := b.ForEach(func(k, v []byte) error {
			n++
			return nil
		})
		if err != nil {
			return err
		}
		if err := ns.DeleteNestedBucket(bucketSentTxs); err != nil {
			str := "failed to delete sent tx bucket"
			return storeError(ErrDatabase, str, err)
		}
		_, err = ns.CreateBucket(bucketSentTxs)
		if err != nil {
			str := "failed to recreate sent tx bucket"
			return storeError(ErrDatabase, str, err)
		}
		return nil
	})
	return n, err
}
