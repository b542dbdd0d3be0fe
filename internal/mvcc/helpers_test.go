package mvcc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/systemshift/memex-mvcc/internal/backend"
	"github.com/systemshift/memex-mvcc/internal/dag"
	"github.com/systemshift/memex-mvcc/internal/logging"
)

var errInjected = errors.New("injected failure")

// faultyBackend wraps the in-memory backend, failing selected operations and
// running hooks just before a head CAS or a branch lookup.
type faultyBackend struct {
	*backend.Memory

	mu        sync.Mutex
	failing   map[string]bool
	beforeCAS func(branch string)
	onLookup  func(branch string)
}

func newFaultyBackend() *faultyBackend {
	return &faultyBackend{Memory: backend.NewMemory(), failing: make(map[string]bool)}
}

func (f *faultyBackend) fail(op string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[op] = on
}

func (f *faultyBackend) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[op] {
		return errInjected
	}
	return nil
}

// onceBeforeCAS runs hook before the next CASHead only.
func (f *faultyBackend) onceBeforeCAS(hook func(branch string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.beforeCAS = hook
}

// beforeLookup runs hook before every GetBranch until cleared with nil.
func (f *faultyBackend) beforeLookup(hook func(branch string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLookup = hook
}

func (f *faultyBackend) GetBranch(ctx context.Context, name string) (dag.Ref, error) {
	f.mu.Lock()
	hook := f.onLookup
	f.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	return f.Memory.GetBranch(ctx, name)
}

func (f *faultyBackend) InsertRevision(ctx context.Context, rev *dag.Revision) error {
	if err := f.check("InsertRevision"); err != nil {
		return err
	}
	return f.Memory.InsertRevision(ctx, rev)
}

func (f *faultyBackend) InsertCommit(ctx context.Context, c *dag.Commit) error {
	if err := f.check("InsertCommit"); err != nil {
		return err
	}
	return f.Memory.InsertCommit(ctx, c)
}

func (f *faultyBackend) AllocateCounter(ctx context.Context, name string) (uint64, error) {
	if err := f.check("AllocateCounter"); err != nil {
		return 0, err
	}
	return f.Memory.AllocateCounter(ctx, name)
}

func (f *faultyBackend) FindRevision(ctx context.Context, uid dag.UID, cid dag.CID) (*dag.Revision, error) {
	if err := f.check("FindRevision"); err != nil {
		return nil, err
	}
	return f.Memory.FindRevision(ctx, uid, cid)
}

func (f *faultyBackend) DeleteCommit(ctx context.Context, cid dag.CID) error {
	if err := f.check("DeleteCommit"); err != nil {
		return err
	}
	return f.Memory.DeleteCommit(ctx, cid)
}

func (f *faultyBackend) CASHead(ctx context.Context, name string, expected, next dag.CID) (bool, error) {
	if err := f.check("CASHead"); err != nil {
		return false, err
	}
	f.mu.Lock()
	hook := f.beforeCAS
	f.beforeCAS = nil
	f.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	return f.Memory.CASHead(ctx, name, expected, next)
}

func openTestDB(t *testing.T, opts ...Option) (*Database, *faultyBackend) {
	t.Helper()
	be := newFaultyBackend()
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	db, err := Open(context.Background(), be, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, be
}

func checkout(t *testing.T, db *Database, name string) *Branch {
	t.Helper()
	b, err := db.Checkout(context.Background(), name)
	require.NoError(t, err)
	return b
}

func insert(t *testing.T, b *Branch, collection string, payload map[string]interface{}) dag.UID {
	t.Helper()
	uid, err := b.Collection(collection).Insert(context.Background(), payload)
	require.NoError(t, err)
	return uid
}

func commit(t *testing.T, b *Branch) dag.CID {
	t.Helper()
	cid, err := b.Commit(context.Background())
	require.NoError(t, err)
	return cid
}

func mustGet(t *testing.T, b *Branch, collection string, uid dag.UID) Document {
	t.Helper()
	doc, err := b.Collection(collection).Get(context.Background(), uid)
	require.NoError(t, err)
	return doc
}

// visible resolves cid into uid -> payload.
func visible(t *testing.T, db *Database, cid dag.CID) map[dag.UID]map[string]interface{} {
	t.Helper()
	revs, err := db.Resolve(context.Background(), cid)
	require.NoError(t, err)
	out := make(map[dag.UID]map[string]interface{}, len(revs))
	for uid, rev := range revs {
		out[uid] = rev.Payload
	}
	return out
}
