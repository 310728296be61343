// Package txid defines the identifiers that thread through every other
// consus package: transaction ids, transaction groups, and the generic
// abstract id used by the paxos layers so the same ballot/ledger code can
// key on a TM, a data center, or a transaction group interchangeably.
package txid

import (
	"fmt"
	"sync/atomic"
)

// TxnID is (home_group, wallclock_start_us, random_nonce) per spec.md §3.
type TxnID struct {
	HomeGroup string
	StartUs   int64
	Nonce     uint64
}

func (t TxnID) String() string {
	return fmt.Sprintf("%s/%d/%d", t.HomeGroup, t.StartUs, t.Nonce)
}

// Less implements the wound-wait ordering: smaller (start_us, nonce) wins.
func (t TxnID) Less(o TxnID) bool {
	if t.StartUs != o.StartUs {
		return t.StartUs < o.StartUs
	}
	return t.Nonce < o.Nonce
}

func (t TxnID) Equal(o TxnID) bool {
	return t.HomeGroup == o.HomeGroup && t.StartUs == o.StartUs && t.Nonce == o.Nonce
}

// TransactionGroup is (executing_group, txid). A single transaction appears
// as several TransactionGroup values, one per participating data center.
type TransactionGroup struct {
	Group string
	Txn   TxnID
}

func (tg TransactionGroup) String() string {
	return tg.Group + "#" + tg.Txn.String()
}

func (tg TransactionGroup) Equal(o TransactionGroup) bool {
	return tg.Group == o.Group && tg.Txn.Equal(o.Txn)
}

// IsHome reports whether this transaction group is the one running in the
// transaction's own home (originating) group — the tg.group == tg.txid.group
// condition spec.md §4.3 uses to pick the inner-Paxos leader DC.
func (tg TransactionGroup) IsHome() bool {
	return tg.Group == tg.Txn.HomeGroup
}

// AbstractID is any of comm_id, cluster_id, version_id, paxos_group_id,
// data_center_id, or partition_id, typed generically so the paxos engines
// (local and global voter) can be written once against an opaque acceptor
// identity.
type AbstractID string

var nonceCounter uint64

// NextNonce returns a process-unique nonce suitable for TxnID.Nonce or a
// replicator's request nonce. It is monotonic within a process, which is
// sufficient: uniqueness across the whole deployment additionally relies on
// HomeGroup/StartUs per spec.md §3.
func NextNonce() uint64 {
	return atomic.AddUint64(&nonceCounter, 1)
}
