// Package mvcc is a Git-style multiversion store over a flat document
// backend. Every write adds immutable revisions under a new commit, commits
// form a DAG, and branches are named heads moved by compare-and-swap.
//
// A Database is safe for concurrent use. A Branch handle belongs to one
// goroutine at a time; open one handle per writer.
package mvcc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/systemshift/memex-mvcc/internal/backend"
	"github.com/systemshift/memex-mvcc/internal/dag"
)

// Database owns the branches and commit graph stored in one backend.
type Database struct {
	be       backend.Backend
	opts     options
	logger   *slog.Logger
	session  string
	identity string
	alloc    *Allocator
	revs     *RevisionStore
	commits  *commitGraph
	resolver *Resolver
	gc       *GarbageCollector

	// publish is held shared by every commit attempt from CID allocation to
	// head CAS, and exclusively by the collector while it snapshots the heads.
	publish sync.RWMutex

	closed atomic.Bool
}

// Open connects to the database stored in be, creating it when be is empty:
// a root commit with no documents and a master branch pointing at it.
func Open(ctx context.Context, be backend.Backend, opts ...Option) (*Database, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxCommitRetries < 1 {
		o.maxCommitRetries = 1
	}

	revs, err := NewRevisionStore(be, o.revisionCacheCost)
	if err != nil {
		return nil, err
	}
	db := &Database{
		be:      be,
		opts:    o,
		session: uuid.NewString(),
		alloc:   NewAllocator(be),
		revs:    revs,
		commits: newCommitGraph(be),
	}
	db.logger = o.logger.With("component", "mvcc", "session", db.session)
	db.resolver, err = NewResolver(db.commits, revs, o.snapshotCacheSize)
	if err != nil {
		revs.Close()
		return nil, err
	}
	db.gc = newGarbageCollector(db, o.gc)

	head, err := db.bootstrap(ctx)
	if err != nil {
		revs.Close()
		return nil, err
	}
	db.logger.Info("database opened", "master", head)
	return db, nil
}

func (db *Database) bootstrap(ctx context.Context) (dag.CID, error) {
	ref, err := db.be.GetBranch(ctx, dag.MasterBranch)
	if err == nil {
		if _, err := db.commits.ensure(ctx, ref.Head); err != nil {
			return dag.NoCID, err
		}
		chain, err := db.commits.arena().Log(ref.Head, 0)
		if err != nil {
			return dag.NoCID, err
		}
		db.identity = rootIdentity(chain[len(chain)-1])
		return ref.Head, nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		return dag.NoCID, storageErr("get master", err)
	}

	db.publish.RLock()
	root, err := db.writeRoot(ctx)
	db.publish.RUnlock()
	if err != nil {
		return dag.NoCID, err
	}
	err = db.be.CreateBranch(ctx, dag.Ref{Name: dag.MasterBranch, Head: root.CID})
	if errors.Is(err, backend.ErrExists) {
		// Another process bootstrapped first; our root is left for the collector.
		db.logger.Info("lost bootstrap race", "orphan", root.CID)
		return db.bootstrap(ctx)
	}
	if err != nil {
		return dag.NoCID, storageErr("create master", err)
	}
	db.identity = rootIdentity(root)
	db.logger.Info("database created", "root", root.CID)
	return root.CID, nil
}

func (db *Database) writeRoot(ctx context.Context) (*dag.Commit, error) {
	cid, err := db.alloc.NextCID(ctx)
	if err != nil {
		return nil, err
	}
	root := dag.NewCommit(cid, nil, nil, db.opts.clock(), "root "+uuid.NewString())
	if err := db.be.InsertCommit(ctx, root); err != nil {
		return nil, storageErr("insert root commit", err)
	}
	if err := db.commits.add(root); err != nil {
		return nil, err
	}
	return root, nil
}

// rootIdentity names the database a root commit belongs to. The root message
// carries a random id, so a database recreated after Drop gets a new identity
// even though its CIDs start over.
func rootIdentity(root *dag.Commit) string {
	return root.CID.String() + "/" + root.Message
}

func (db *Database) check() error {
	if db.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Logger returns the database logger.
func (db *Database) Logger() *slog.Logger {
	return db.logger
}

// Session identifies this Database instance in logs.
func (db *Database) Session() string {
	return db.session
}

// Identity names the stored database. It is fixed when the database is
// created and survives reopening.
func (db *Database) Identity() string {
	return db.identity
}

// GC returns the garbage collector.
func (db *Database) GC() *GarbageCollector {
	return db.gc
}

// Resolver returns the snapshot resolver.
func (db *Database) Resolver() *Resolver {
	return db.resolver
}

// Head returns the current head of a branch.
func (db *Database) Head(ctx context.Context, name string) (dag.CID, error) {
	if err := db.check(); err != nil {
		return dag.NoCID, err
	}
	ref, err := db.be.GetBranch(ctx, name)
	if errors.Is(err, backend.ErrNotFound) {
		return dag.NoCID, fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	if err != nil {
		return dag.NoCID, storageErr("get branch "+name, err)
	}
	return ref.Head, nil
}

// Checkout returns a writable handle on a branch, based at its current head.
func (db *Database) Checkout(ctx context.Context, name string) (*Branch, error) {
	head, err := db.Head(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, err := db.commits.ensure(ctx, head); err != nil {
		return nil, err
	}
	return newBranch(db, name, head, false), nil
}

// CheckoutCommit returns a read-only handle fixed at cid.
func (db *Database) CheckoutCommit(ctx context.Context, cid dag.CID) (*Branch, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	if _, err := db.commits.ensure(ctx, cid); err != nil {
		return nil, fmt.Errorf("checkout %s: %w", cid, err)
	}
	return newBranch(db, "", cid, true), nil
}

// CreateBranch creates name pointing at the current head of from.
func (db *Database) CreateBranch(ctx context.Context, name, from string) (dag.Ref, error) {
	if err := db.check(); err != nil {
		return dag.Ref{}, err
	}
	if err := dag.ValidateBranchName(name); err != nil {
		return dag.Ref{}, err
	}

	// Shared hold: the collector never snapshots between reading from and
	// creating name, so the new head is always counted as reachable.
	db.publish.RLock()
	defer db.publish.RUnlock()

	head, err := db.Head(ctx, from)
	if err != nil {
		return dag.Ref{}, err
	}
	ref := dag.Ref{Name: name, Head: head}
	err = db.be.CreateBranch(ctx, ref)
	if errors.Is(err, backend.ErrExists) {
		return dag.Ref{}, fmt.Errorf("%w: %s", ErrBranchExists, name)
	}
	if err != nil {
		return dag.Ref{}, storageErr("create branch "+name, err)
	}
	db.logger.Info("branch created", "branch", name, "from", from, "head", head)
	return ref, nil
}

// DeleteBranch removes a branch record. The master branch cannot be deleted.
// Commits only the deleted branch reached become garbage.
func (db *Database) DeleteBranch(ctx context.Context, name string) error {
	if err := db.check(); err != nil {
		return err
	}
	if name == dag.MasterBranch {
		return fmt.Errorf("%w: %s", ErrProtectedBranch, name)
	}
	err := db.be.DeleteBranch(ctx, name)
	if errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, name)
	}
	if err != nil {
		return storageErr("delete branch "+name, err)
	}
	db.logger.Info("branch deleted", "branch", name)
	return nil
}

// Branches lists every branch, sorted by name.
func (db *Database) Branches(ctx context.Context) ([]dag.Ref, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	refs, err := db.be.ListBranches(ctx)
	if err != nil {
		return nil, storageErr("list branches", err)
	}
	return refs, nil
}

// Log returns up to n commits of branch's first-parent history, newest
// first. n <= 0 returns the whole history.
func (db *Database) Log(ctx context.Context, branch string, n int) ([]*dag.Commit, error) {
	head, err := db.Head(ctx, branch)
	if err != nil {
		return nil, err
	}
	return db.LogFrom(ctx, head, n)
}

// LogFrom is Log starting at a commit.
func (db *Database) LogFrom(ctx context.Context, head dag.CID, n int) ([]*dag.Commit, error) {
	if _, err := db.commits.ensure(ctx, head); err != nil {
		return nil, err
	}
	commits, err := db.commits.arena().Log(head, n)
	if err != nil {
		return nil, err
	}
	out := make([]*dag.Commit, len(commits))
	for i, c := range commits {
		out[i] = c.Clone()
	}
	return out, nil
}

// Snapshot resolves the visible state at cid.
func (db *Database) Snapshot(ctx context.Context, cid dag.CID) (*Snapshot, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.resolver.Resolve(ctx, cid)
}

// Resolve returns the visible revision of every live document at cid.
func (db *Database) Resolve(ctx context.Context, cid dag.CID) (map[dag.UID]*dag.Revision, error) {
	snap, err := db.Snapshot(ctx, cid)
	if err != nil {
		return nil, err
	}
	out := make(map[dag.UID]*dag.Revision, snap.Len())
	for uid, at := range snap.Visible() {
		rev, err := db.revs.Get(ctx, uid, at)
		if err != nil {
			return nil, err
		}
		out[uid] = rev
	}
	return out, nil
}

// History returns every stored revision of a document, oldest first,
// including revisions on other branches and not yet collected orphans.
func (db *Database) History(ctx context.Context, uid dag.UID) ([]*dag.Revision, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	return db.revs.History(ctx, uid)
}

// Drop deletes all persisted state. The Database is closed afterwards.
func (db *Database) Drop(ctx context.Context) error {
	if err := db.check(); err != nil {
		return err
	}
	db.gc.shutdown()
	if err := db.be.Drop(ctx); err != nil {
		return storageErr("drop", err)
	}
	if err := db.gc.removeCheckpoint(); err != nil {
		db.logger.Error("remove gc checkpoint", "error", err)
	}
	db.resolver.Purge()
	db.revs.Purge()
	db.commits.reset()
	db.logger.Warn("database dropped")
	return db.Close()
}

// Close stops the collector and releases the backend.
func (db *Database) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	db.gc.shutdown()
	db.revs.Close()
	if err := db.be.Close(); err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return nil
}

// forget drops a collected commit from the in-memory arena and caches.
func (db *Database) forget(cid dag.CID) {
	db.resolver.Evict(cid)
	db.commits.remove(cid)
}

func isNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}
