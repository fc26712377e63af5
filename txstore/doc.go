// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package txstore provides the persistent transaction store of the SPV wallet.

The store keeps, inside a single walletdb namespace, the wallet's
transactions with their lifecycle status, the outputs paying to wallet keys,
which of those outputs are spent by wallet transactions, the best block known
to the chain backend, and the broadcast bookkeeping (SentTx) of outgoing
transactions that have not reached the network yet.

Every read method observes a single database transaction, so a Snapshot
returned by UnspentSnapshot is consistent with the tip height it carries.
*/
package txstore
