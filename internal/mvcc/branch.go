package mvcc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/systemshift/memex-mvcc/internal/backend"
	"github.com/systemshift/memex-mvcc/internal/dag"
)

// Branch is a handle on a branch at a fixed base commit. Reads see the base
// snapshot plus the handle's own pending writes; other handles never see
// those writes until Commit publishes them.
type Branch struct {
	db       *Database
	name     string
	readOnly bool

	mu  sync.Mutex
	txn *Transaction
}

func newBranch(db *Database, name string, head dag.CID, readOnly bool) *Branch {
	return &Branch{db: db, name: name, readOnly: readOnly, txn: newTransaction(head)}
}

// Name returns the branch name, empty for a detached handle.
func (b *Branch) Name() string {
	return b.name
}

// ReadOnly reports whether the handle was checked out at a fixed commit.
func (b *Branch) ReadOnly() bool {
	return b.readOnly
}

// Head returns the commit the handle reads from.
func (b *Branch) Head() dag.CID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txn.base
}

// State returns the state of the current transaction.
func (b *Branch) State() TxnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txn.state
}

// Pending returns the number of uncommitted changes.
func (b *Branch) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txn.Len()
}

// Collection returns a named collection on this handle.
func (b *Branch) Collection(name string) *Collection {
	return &Collection{branch: b, name: name}
}

// Snapshot resolves the base commit, without pending writes.
func (b *Branch) Snapshot(ctx context.Context) (*Snapshot, error) {
	return b.db.Snapshot(ctx, b.Head())
}

// Rollback discards pending writes and starts a new transaction at the same base.
func (b *Branch) Rollback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txn.state = TxnAborted
	b.txn = newTransaction(b.txn.base)
}

func (b *Branch) writableLocked() error {
	if b.readOnly {
		return ErrReadOnlyBranch
	}
	if b.txn.state != TxnOpen {
		return fmt.Errorf("%w: %s", ErrTxnClosed, b.txn.state)
	}
	return b.db.check()
}

// view copies what a read needs: the base and the pending changes.
func (b *Branch) view() (dag.CID, map[dag.UID]change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := make(map[dag.UID]change, len(b.txn.pending))
	for uid, ch := range b.txn.pending {
		pending[uid] = ch
	}
	return b.txn.base, pending
}

// visibleLocked returns the collection of uid as seen by this handle, or
// ErrUnknownDocument when it is absent or deleted.
func (b *Branch) visibleLocked(ctx context.Context, collection string, uid dag.UID) (change, bool, error) {
	if ch, ok := b.txn.pending[uid]; ok {
		if ch.rev.Deleted || ch.rev.Collection != collection {
			return change{}, false, fmt.Errorf("%w: %s", ErrUnknownDocument, uid)
		}
		return ch, true, nil
	}
	snap, err := b.db.resolver.Resolve(ctx, b.txn.base)
	if err != nil {
		return change{}, false, err
	}
	p, ok := snap.Lookup(uid)
	if !ok || p.Collection != collection {
		return change{}, false, fmt.Errorf("%w: %s", ErrUnknownDocument, uid)
	}
	return change{}, false, nil
}

func (b *Branch) stageInsert(ctx context.Context, collection string, payload map[string]interface{}) (dag.UID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writableLocked(); err != nil {
		return 0, err
	}
	// Validate before spending a UID.
	rev, err := dag.NewRevision(0, dag.NoCID, collection, payload)
	if err != nil {
		return 0, err
	}
	uid, err := b.db.alloc.NextUID(ctx)
	if err != nil {
		return 0, err
	}
	rev.UID = uid
	b.txn.pending[uid] = change{rev: rev, insert: true}
	return uid, nil
}

func (b *Branch) stageUpdate(ctx context.Context, collection string, uid dag.UID, payload map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writableLocked(); err != nil {
		return err
	}
	prev, staged, err := b.visibleLocked(ctx, collection, uid)
	if err != nil {
		return err
	}
	rev, err := dag.NewRevision(uid, dag.NoCID, collection, payload)
	if err != nil {
		return err
	}
	b.txn.pending[uid] = change{rev: rev, insert: staged && prev.insert}
	return nil
}

func (b *Branch) stageDelete(ctx context.Context, collection string, uid dag.UID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writableLocked(); err != nil {
		return err
	}
	prev, staged, err := b.visibleLocked(ctx, collection, uid)
	if err != nil {
		return err
	}
	if staged && prev.insert {
		// Never committed, so there is nothing to tombstone.
		delete(b.txn.pending, uid)
		return nil
	}
	b.txn.pending[uid] = change{rev: dag.NewTombstone(uid, dag.NoCID, collection)}
	return nil
}

// CommitOption configures a commit.
type CommitOption func(*commitOptions)

type commitOptions struct {
	message string
}

// WithMessage attaches a message to the commit.
func WithMessage(msg string) CommitOption {
	return func(o *commitOptions) { o.message = msg }
}

// Commit publishes the pending writes as one commit on top of the base and
// moves the branch head to it. With nothing pending it returns the base and
// creates nothing.
//
// If another writer moved the head first and none of the commits it added
// touched a pending document, the writes are replayed onto the new head.
// Otherwise the transaction is aborted with ErrConcurrentModification and
// the caller must check out again.
func (b *Branch) Commit(ctx context.Context, opts ...CommitOption) (dag.CID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writableLocked(); err != nil {
		return dag.NoCID, err
	}
	txn := b.txn
	if len(txn.pending) == 0 {
		return txn.base, nil
	}
	var co commitOptions
	for _, opt := range opts {
		opt(&co)
	}

	txn.state = TxnCommitting
	uids := txn.uids()
	logger := b.db.logger.With("branch", b.name)

	for attempt := 1; ; attempt++ {
		cid, ok, err := b.db.publishCommit(ctx, b.name, []dag.CID{txn.base}, uids, txn.stamp, co.message, nil)
		if err != nil {
			txn.state = TxnOpen
			logger.Error("commit failed", "base", txn.base, "error", err)
			return dag.NoCID, err
		}
		if ok {
			txn.state = TxnCommitted
			b.txn = newTransaction(cid)
			logger.Debug("committed", "cid", cid, "parent", txn.base, "changes", len(uids), "attempts", attempt)
			return cid, nil
		}

		moved, err := b.db.replayBase(ctx, b.name, txn.base, uids)
		if err != nil {
			if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrBranchNotFound) {
				txn.state = TxnAborted
			} else {
				txn.state = TxnOpen
			}
			return dag.NoCID, err
		}
		if attempt >= b.db.opts.maxCommitRetries {
			txn.state = TxnAborted
			return dag.NoCID, fmt.Errorf("%w: branch %s: gave up after %d attempts",
				ErrConcurrentModification, b.name, attempt)
		}
		logger.Info("head moved, replaying commit", "orphan", cid, "from", txn.base, "to", moved)
		txn.base = moved
	}
}

// publishCommit writes a commit and its revisions, then tries to move the
// branch head from parents[0] to it. A false result leaves an unreachable
// commit behind for the collector.
func (db *Database) publishCommit(ctx context.Context, branch string, parents []dag.CID, touched []dag.UID,
	stamp func(dag.CID) []*dag.Revision, message string, guard func(context.Context) error) (dag.CID, bool, error) {

	db.publish.RLock()
	defer db.publish.RUnlock()

	if err := db.check(); err != nil {
		return dag.NoCID, false, err
	}
	if guard != nil {
		if err := guard(ctx); err != nil {
			return dag.NoCID, false, err
		}
	}
	cid, err := db.alloc.NextCID(ctx)
	if err != nil {
		return dag.NoCID, false, err
	}
	c := dag.NewCommit(cid, parents, touched, db.opts.clock(), message)
	if err := c.Validate(); err != nil {
		return dag.NoCID, false, err
	}
	if err := db.be.InsertCommit(ctx, c); err != nil {
		return dag.NoCID, false, storageErr("insert commit "+cid.String(), err)
	}
	if err := db.commits.add(c); err != nil {
		return dag.NoCID, false, err
	}
	for _, rev := range stamp(cid) {
		if err := db.revs.Put(ctx, rev); err != nil {
			return dag.NoCID, false, err
		}
	}
	ok, err := db.be.CASHead(ctx, branch, parents[0], cid)
	if errors.Is(err, backend.ErrNotFound) {
		return dag.NoCID, false, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	if err != nil {
		return dag.NoCID, false, storageErr("cas head of "+branch, err)
	}
	return cid, ok, nil
}

// replayBase decides whether writes to uids prepared against base can be
// moved onto the branch's current head. That holds when the head descends
// from base and no commit between them touched any of uids. It reads commit
// metadata only.
func (db *Database) replayBase(ctx context.Context, branch string, base dag.CID, uids []dag.UID) (dag.CID, error) {
	head, err := db.Head(ctx, branch)
	if err != nil {
		return dag.NoCID, err
	}
	if _, err := db.commits.ensure(ctx, head); err != nil {
		return dag.NoCID, err
	}
	graph := db.commits.arena()
	descends, err := graph.IsAncestor(base, head)
	if err != nil {
		return dag.NoCID, err
	}
	if !descends {
		return dag.NoCID, fmt.Errorf("%w: branch %s was reset to %s", ErrConcurrentModification, branch, head)
	}
	touched, err := graph.TouchedSince(base, head)
	if err != nil {
		return dag.NoCID, err
	}
	for _, uid := range uids {
		if _, ok := touched[uid]; ok {
			return dag.NoCID, fmt.Errorf("%w: document %s changed on %s since %s",
				ErrConcurrentModification, uid, branch, base)
		}
	}
	return head, nil
}
