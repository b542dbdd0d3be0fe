// Package backendtest is a conformance suite every backend.Backend must pass.
package backendtest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/memex-mvcc/internal/backend"
	"github.com/systemshift/memex-mvcc/internal/dag"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) backend.Backend

var ts = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Run executes the suite.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b backend.Backend)
	}{
		{"Revisions", testRevisions},
		{"RevisionDuplicate", testRevisionDuplicate},
		{"DeleteCommitRevisions", testDeleteCommitRevisions},
		{"Commits", testCommits},
		{"Branches", testBranches},
		{"CASHead", testCASHead},
		{"CASHeadConcurrent", testCASHeadConcurrent},
		{"Counters", testCounters},
		{"CountersConcurrent", testCountersConcurrent},
		{"CreateIndex", testCreateIndex},
		{"Drop", testDrop},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := newBackend(t)
			defer b.Close()
			tc.fn(t, b)
		})
	}
}

func mustRevision(t *testing.T, uid dag.UID, cid dag.CID, payload map[string]interface{}) *dag.Revision {
	t.Helper()
	rev, err := dag.NewRevision(uid, cid, "persons", payload)
	require.NoError(t, err)
	return rev
}

func testRevisions(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	require.NoError(t, b.InsertRevision(ctx, mustRevision(t, 7, 3, map[string]interface{}{"age": 31})))
	require.NoError(t, b.InsertRevision(ctx, mustRevision(t, 7, 1, map[string]interface{}{"age": 30})))
	require.NoError(t, b.InsertRevision(ctx, dag.NewTombstone(7, 5, "persons")))
	require.NoError(t, b.InsertRevision(ctx, mustRevision(t, 8, 3, map[string]interface{}{"name": "Eva"})))

	revs, err := b.FindRevisions(ctx, 7)
	require.NoError(t, err)
	require.Len(t, revs, 3)
	assert.Equal(t, dag.CID(1), revs[0].CID)
	assert.Equal(t, dag.CID(3), revs[1].CID)
	assert.True(t, revs[2].Deleted)
	assert.Equal(t, float64(31), revs[1].Payload["age"])
	assert.Equal(t, "persons", revs[1].Collection)
	assert.NotEmpty(t, revs[1].Digest)

	rev, err := b.FindRevision(ctx, 8, 3)
	require.NoError(t, err)
	assert.Equal(t, "Eva", rev.Payload["name"])

	_, err = b.FindRevision(ctx, 8, 4)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	byCommit, err := b.FindCommitRevisions(ctx, 3)
	require.NoError(t, err)
	require.Len(t, byCommit, 2)
	assert.Equal(t, dag.UID(7), byCommit[0].UID)
	assert.Equal(t, dag.UID(8), byCommit[1].UID)

	none, err := b.FindRevisions(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testRevisionDuplicate(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	require.NoError(t, b.InsertRevision(ctx, mustRevision(t, 1, 1, map[string]interface{}{"a": 1})))
	err := b.InsertRevision(ctx, mustRevision(t, 1, 1, map[string]interface{}{"a": 2}))
	assert.ErrorIs(t, err, backend.ErrExists)

	rev, err := b.FindRevision(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, float64(1), rev.Payload["a"])
}

func testDeleteCommitRevisions(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	require.NoError(t, b.InsertRevision(ctx, mustRevision(t, 1, 2, map[string]interface{}{"a": 1})))
	require.NoError(t, b.InsertRevision(ctx, mustRevision(t, 2, 2, map[string]interface{}{"a": 2})))
	require.NoError(t, b.InsertRevision(ctx, mustRevision(t, 1, 3, map[string]interface{}{"a": 3})))

	n, err := b.DeleteCommitRevisions(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	revs, err := b.FindRevisions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, dag.CID(3), revs[0].CID)

	n, err = b.DeleteCommitRevisions(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testCommits(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	root := dag.NewCommit(1, nil, nil, ts, "root")
	child := dag.NewCommit(2, []dag.CID{1}, []dag.UID{5, 4}, ts, "child")
	merge := dag.NewCommit(4, []dag.CID{2, 3}, []dag.UID{4}, ts, "")
	for _, c := range []*dag.Commit{root, child, merge} {
		require.NoError(t, b.InsertCommit(ctx, c))
	}
	assert.ErrorIs(t, b.InsertCommit(ctx, root), backend.ErrExists)

	got, err := b.FindCommit(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []dag.CID{1}, got.Parents)
	assert.Equal(t, []dag.UID{4, 5}, got.Touched)
	assert.Equal(t, "child", got.Message)
	assert.True(t, got.Timestamp.Equal(ts))

	got, err = b.FindCommit(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.IsRoot())

	_, err = b.FindCommit(ctx, 9)
	assert.ErrorIs(t, err, backend.ErrNotFound)

	all, err := b.ListCommits(ctx, dag.NoCID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, dag.CID(4), all[2].CID)
	assert.True(t, all[2].IsMerge())

	after, err := b.ListCommits(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, after, 2)

	require.NoError(t, b.DeleteCommit(ctx, 4))
	require.NoError(t, b.DeleteCommit(ctx, 4))
	_, err = b.FindCommit(ctx, 4)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func testBranches(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateBranch(ctx, dag.Ref{Name: "master", Head: 1}))
	require.NoError(t, b.CreateBranch(ctx, dag.Ref{Name: "feature/x", Head: 1}))
	assert.ErrorIs(t, b.CreateBranch(ctx, dag.Ref{Name: "master", Head: 2}), backend.ErrExists)

	ref, err := b.GetBranch(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, dag.CID(1), ref.Head)

	refs, err := b.ListBranches(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "feature/x", refs[0].Name)
	assert.Equal(t, "master", refs[1].Name)

	require.NoError(t, b.DeleteBranch(ctx, "feature/x"))
	assert.ErrorIs(t, b.DeleteBranch(ctx, "feature/x"), backend.ErrNotFound)
	_, err = b.GetBranch(ctx, "feature/x")
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func testCASHead(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateBranch(ctx, dag.Ref{Name: "master", Head: 1}))

	ok, err := b.CASHead(ctx, "master", 1, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.CASHead(ctx, "master", 1, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	ref, err := b.GetBranch(ctx, "master")
	require.NoError(t, err)
	assert.Equal(t, dag.CID(2), ref.Head)

	_, err = b.CASHead(ctx, "missing", 1, 2)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func testCASHeadConcurrent(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateBranch(ctx, dag.Ref{Name: "master", Head: 1}))

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(next dag.CID) {
			defer wg.Done()
			ok, err := b.CASHead(ctx, "master", 1, next)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(dag.CID(10 + i))
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testCounters(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	v, err := b.ReadCounter(ctx, backend.CounterCID)
	require.NoError(t, err)
	assert.Zero(t, v)

	for want := uint64(1); want <= 3; want++ {
		got, err := b.AllocateCounter(ctx, backend.CounterCID)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := b.AllocateCounter(ctx, backend.CounterUID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)

	v, err = b.ReadCounter(ctx, backend.CounterCID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), v)
}

func testCountersConcurrent(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	const n = 50
	seen := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := b.AllocateCounter(ctx, backend.CounterUID)
			assert.NoError(t, err)
			seen <- v
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for v := range seen {
		assert.False(t, unique[v], "duplicate id %d", v)
		unique[v] = true
	}
	assert.Len(t, unique, n)
}

func testCreateIndex(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	require.NoError(t, b.CreateIndex(ctx, "name"))
	require.NoError(t, b.CreateIndex(ctx, "address.city"))
	require.NoError(t, b.CreateIndex(ctx, "name"))
	assert.Error(t, b.CreateIndex(ctx, "name; DROP TABLE revisions"))
	assert.Error(t, b.CreateIndex(ctx, ""))
}

func testDrop(t *testing.T, b backend.Backend) {
	ctx := context.Background()
	require.NoError(t, b.InsertCommit(ctx, dag.NewCommit(1, nil, nil, ts, "")))
	require.NoError(t, b.InsertRevision(ctx, mustRevision(t, 1, 1, map[string]interface{}{"a": 1})))
	require.NoError(t, b.CreateBranch(ctx, dag.Ref{Name: "master", Head: 1}))
	_, err := b.AllocateCounter(ctx, backend.CounterCID)
	require.NoError(t, err)

	require.NoError(t, b.Drop(ctx))

	refs, err := b.ListBranches(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)
	commits, err := b.ListCommits(ctx, dag.NoCID)
	require.NoError(t, err)
	assert.Empty(t, commits)
	revs, err := b.FindRevisions(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, revs)
	v, err := b.ReadCounter(ctx, backend.CounterCID)
	require.NoError(t, err)
	assert.Zero(t, v)
}
