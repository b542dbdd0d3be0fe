package mvcc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

// rawCommit stores a commit and its revisions directly, bypassing branches.
func rawCommit(t *testing.T, db *Database, parents []dag.CID, docs map[dag.UID]string) dag.CID {
	t.Helper()
	ctx := context.Background()
	cid, err := db.alloc.NextCID(ctx)
	require.NoError(t, err)
	uids := make([]dag.UID, 0, len(docs))
	for uid := range docs {
		uids = append(uids, uid)
	}
	require.NoError(t, db.be.InsertCommit(ctx, dag.NewCommit(cid, parents, uids, time.Now(), "")))
	for uid, v := range docs {
		rev, err := dag.NewRevision(uid, cid, "items", map[string]interface{}{"v": v})
		require.NoError(t, err)
		require.NoError(t, db.be.InsertRevision(ctx, rev))
	}
	return cid
}

func TestResolver_EqualDistanceGoesToGreaterCID(t *testing.T) {
	ctx := context.Background()
	for _, warm := range []bool{false, true} {
		name := "walk"
		if warm {
			name = "compose"
		}
		t.Run(name, func(t *testing.T) {
			db, _ := openTestDB(t)
			root, err := db.Head(ctx, dag.MasterBranch)
			require.NoError(t, err)

			const uid dag.UID = 7
			left := rawCommit(t, db, []dag.CID{root}, map[dag.UID]string{uid: "left"})
			right := rawCommit(t, db, []dag.CID{root}, map[dag.UID]string{uid: "right"})
			require.Greater(t, right, left)
			// Parent order must not matter.
			merge := rawCommit(t, db, []dag.CID{right, left}, nil)

			if warm {
				_, err := db.Snapshot(ctx, left)
				require.NoError(t, err)
				_, err = db.Snapshot(ctx, right)
				require.NoError(t, err)
			}
			snap, err := db.Snapshot(ctx, merge)
			require.NoError(t, err)
			p, ok := snap.Lookup(uid)
			require.True(t, ok)
			assert.Equal(t, right, p.CID)
			assert.Equal(t, "right", visible(t, db, merge)[uid]["v"])
		})
	}
}

func TestResolver_NearerRevisionWins(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	root, err := db.Head(ctx, dag.MasterBranch)
	require.NoError(t, err)

	const uid dag.UID = 3
	// A long chain on one side, a short one on the other: the nearest
	// revision wins even though the long chain has greater CIDs.
	short := rawCommit(t, db, []dag.CID{root}, map[dag.UID]string{uid: "short"})
	long := root
	for i := 0; i < 4; i++ {
		long = rawCommit(t, db, []dag.CID{long}, map[dag.UID]string{9: "filler"})
	}
	long = rawCommit(t, db, []dag.CID{long}, map[dag.UID]string{uid: "far"})
	for i := 0; i < 3; i++ {
		long = rawCommit(t, db, []dag.CID{long}, nil)
	}
	merge := rawCommit(t, db, []dag.CID{short, long}, nil)

	assert.Equal(t, "short", visible(t, db, merge)[uid]["v"])
}

func TestResolver_CacheStats(t *testing.T) {
	db, _ := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)
	insert(t, b, "items", map[string]interface{}{"n": 1})
	head := commit(t, b)

	db.Resolver().Purge()
	h0, m0 := db.Resolver().CacheStats()
	visible(t, db, head)
	visible(t, db, head)
	h1, m1 := db.Resolver().CacheStats()
	assert.Equal(t, m0+1, m1)
	assert.Equal(t, h0+1, h1)
}

func TestResolver_TombstonesHideDocuments(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)
	uid := insert(t, b, "items", map[string]interface{}{"n": 1})
	commit(t, b)
	require.NoError(t, b.Collection("items").Delete(ctx, uid))
	head := commit(t, b)

	snap, err := db.Snapshot(ctx, head)
	require.NoError(t, err)
	assert.Zero(t, snap.Len())
	_, ok := snap.Lookup(uid)
	assert.False(t, ok)
	p, ok := snap.Entry(uid)
	require.True(t, ok)
	assert.True(t, p.Deleted)
	assert.Empty(t, snap.UIDs(""))
}

func TestResolver_MissingRevisionIsCorrupt(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	root, err := db.Head(ctx, dag.MasterBranch)
	require.NoError(t, err)

	cid, err := db.alloc.NextCID(ctx)
	require.NoError(t, err)
	require.NoError(t, db.be.InsertCommit(ctx, dag.NewCommit(cid, []dag.CID{root}, []dag.UID{1}, time.Now(), "")))

	_, err = db.Snapshot(ctx, cid)
	assert.ErrorIs(t, err, ErrCorruptGraph)
}
