package mvcc

import (
	"sort"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

// TxnState is the lifecycle state of a Transaction.
type TxnState int32

const (
	TxnOpen TxnState = iota
	TxnCommitting
	TxnCommitted
	TxnAborted
)

func (s TxnState) String() string {
	switch s {
	case TxnOpen:
		return "open"
	case TxnCommitting:
		return "committing"
	case TxnCommitted:
		return "committed"
	case TxnAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// change is one buffered write. rev is stamped with dag.NoCID until commit.
type change struct {
	rev    *dag.Revision
	insert bool // the document was created by this transaction
}

// Transaction buffers the writes of one Branch handle against a base commit.
type Transaction struct {
	base    dag.CID
	state   TxnState
	pending map[dag.UID]change
}

func newTransaction(base dag.CID) *Transaction {
	return &Transaction{base: base, state: TxnOpen, pending: make(map[dag.UID]change)}
}

// Base returns the commit the transaction reads from.
func (t *Transaction) Base() dag.CID {
	return t.base
}

// State returns the lifecycle state.
func (t *Transaction) State() TxnState {
	return t.state
}

// Len returns the number of buffered changes.
func (t *Transaction) Len() int {
	return len(t.pending)
}

func (t *Transaction) uids() []dag.UID {
	out := make([]dag.UID, 0, len(t.pending))
	for uid := range t.pending {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// stamp returns the buffered revisions restamped with cid, ascending by UID.
func (t *Transaction) stamp(cid dag.CID) []*dag.Revision {
	uids := t.uids()
	out := make([]*dag.Revision, len(uids))
	for i, uid := range uids {
		out[i] = t.pending[uid].rev.Restamp(cid)
	}
	return out
}
