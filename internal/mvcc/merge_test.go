package mvcc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

// forkPeter commits Peter on master, branches b, then gives him a different
// age on each side.
func forkPeter(t *testing.T, db *Database) (uid dag.UID, c1, c2, c3 dag.CID) {
	t.Helper()
	ctx := context.Background()
	master := checkout(t, db, dag.MasterBranch)
	uid = insert(t, master, "persons", map[string]interface{}{"name": "Peter", "age": 30})
	c1 = commit(t, master)

	_, err := db.CreateBranch(ctx, "b", dag.MasterBranch)
	require.NoError(t, err)
	side := checkout(t, db, "b")

	require.NoError(t, master.Collection("persons").Update(ctx, uid, map[string]interface{}{"name": "Peter", "age": 31}))
	c2 = commit(t, master)
	require.NoError(t, side.Collection("persons").Update(ctx, uid, map[string]interface{}{"name": "Peter", "age": 32}))
	c3 = commit(t, side)
	return uid, c1, c2, c3
}

func TestMerge_ConflictingUpdates(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	uid, c1, c2, c3 := forkPeter(t, db)

	_, err := db.Merge(ctx, dag.MasterBranch, "b")
	require.ErrorIs(t, err, ErrMergeConflict)

	var conflict *MergeConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, c1, conflict.Base)
	assert.Equal(t, []dag.UID{uid}, conflict.UIDs())
	c := conflict.Conflicts[0]
	assert.Equal(t, c2, c.Ours.CID)
	assert.Equal(t, c3, c.Theirs.CID)
	require.NotNil(t, c.Base)
	assert.Equal(t, c1, c.Base.CID)
	assert.Equal(t, float64(31), c.Ours.Payload["age"])
	assert.Equal(t, float64(32), c.Theirs.Payload["age"])

	head, err := db.Head(ctx, dag.MasterBranch)
	require.NoError(t, err)
	assert.Equal(t, c2, head, "a failed merge commits nothing")
}

func TestMerge_WithResolutions(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	uid, _, c2, c3 := forkPeter(t, db)

	res, err := db.Merge(ctx, dag.MasterBranch, "b", WithResolutions(map[dag.UID]Resolution{
		uid: {Payload: map[string]interface{}{"name": "Peter", "age": 33}},
		999: {Delete: true},
	}), WithMergeMessage("settle ages"))
	require.NoError(t, err)
	assert.Equal(t, []dag.UID{uid}, res.Resolved)
	assert.Equal(t, []dag.UID{uid}, res.Written)

	log, err := db.Log(ctx, dag.MasterBranch, 1)
	require.NoError(t, err)
	assert.Equal(t, res.CID, log[0].CID)
	assert.Equal(t, []dag.CID{c2, c3}, log[0].Parents)
	assert.Equal(t, "settle ages", log[0].Message)

	assert.Equal(t, float64(33), visible(t, db, res.CID)[uid]["age"])
}

func TestMerge_DeleteOnOneSide(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	master := checkout(t, db, dag.MasterBranch)
	d := insert(t, master, "docs", map[string]interface{}{"title": "D"})
	keep := insert(t, master, "docs", map[string]interface{}{"title": "keep"})
	c1 := commit(t, master)

	_, err := db.CreateBranch(ctx, "b", dag.MasterBranch)
	require.NoError(t, err)
	side := checkout(t, db, "b")
	require.NoError(t, side.Collection("docs").Delete(ctx, d))
	c2 := commit(t, side)

	res, err := db.Merge(ctx, dag.MasterBranch, "b")
	require.NoError(t, err)
	assert.False(t, res.AlreadyMerged)
	assert.Equal(t, c1, res.Base)

	log, err := db.Log(ctx, dag.MasterBranch, 1)
	require.NoError(t, err)
	assert.Equal(t, []dag.CID{c1, c2}, log[0].Parents)

	got := visible(t, db, res.CID)
	assert.NotContains(t, got, d)
	assert.Contains(t, got, keep)
}

func TestMerge_DisjointChanges(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	master := checkout(t, db, dag.MasterBranch)
	x := insert(t, master, "items", map[string]interface{}{"v": "x0"})
	y := insert(t, master, "items", map[string]interface{}{"v": "y0"})
	commit(t, master)

	_, err := db.CreateBranch(ctx, "feature", dag.MasterBranch)
	require.NoError(t, err)
	side := checkout(t, db, "feature")

	require.NoError(t, master.Collection("items").Update(ctx, x, map[string]interface{}{"v": "x1"}))
	commit(t, master)
	require.NoError(t, side.Collection("items").Update(ctx, y, map[string]interface{}{"v": "y1"}))
	z := insert(t, side, "items", map[string]interface{}{"v": "z"})
	commit(t, side)

	res, err := db.Merge(ctx, dag.MasterBranch, "feature")
	require.NoError(t, err)

	got := visible(t, db, res.CID)
	assert.Equal(t, "x1", got[x]["v"])
	assert.Equal(t, "y1", got[y]["v"])
	assert.Equal(t, "z", got[z]["v"])

	// The merged state survives a cold cache.
	db.Resolver().Purge()
	assert.Equal(t, got, visible(t, db, res.CID))
}

func TestMerge_BaseIsLowestCommonAncestor(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	master := checkout(t, db, dag.MasterBranch)
	d := insert(t, master, "items", map[string]interface{}{"v": 0})
	c1 := commit(t, master)
	_, err := db.CreateBranch(ctx, "old", dag.MasterBranch)
	require.NoError(t, err)

	require.NoError(t, master.Collection("items").Update(ctx, d, map[string]interface{}{"v": 1}))
	c2 := commit(t, master)
	_, err = db.CreateBranch(ctx, "b", dag.MasterBranch)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		insert(t, master, "filler", map[string]interface{}{"n": i})
		commit(t, master)
	}
	_, err = db.CreateBranch(ctx, "a", dag.MasterBranch)
	require.NoError(t, err)

	// Merging old into a gives a a short path back to c1.
	old := checkout(t, db, "old")
	insert(t, old, "items", map[string]interface{}{"v": "old"})
	commit(t, old)
	_, err = db.Merge(ctx, "a", "old")
	require.NoError(t, err)

	a := checkout(t, db, "a")
	require.NoError(t, a.Collection("items").Update(ctx, d, map[string]interface{}{"v": 2}))
	commit(t, a)
	b := checkout(t, db, "b")
	other := insert(t, b, "items", map[string]interface{}{"v": "b"})
	commit(t, b)

	res, err := db.Merge(ctx, "a", "b")
	require.NoError(t, err, "b never touched d after c2")
	assert.Equal(t, c2, res.Base)
	assert.NotEqual(t, c1, res.Base)

	got := visible(t, db, res.CID)
	assert.Equal(t, float64(2), got[d]["v"])
	assert.Equal(t, "b", got[other]["v"])
}

func TestMerge_IdenticalChangesDoNotConflict(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	master := checkout(t, db, dag.MasterBranch)
	uid := insert(t, master, "persons", map[string]interface{}{"age": 30})
	commit(t, master)

	_, err := db.CreateBranch(ctx, "b", dag.MasterBranch)
	require.NoError(t, err)
	side := checkout(t, db, "b")

	same := map[string]interface{}{"age": 31}
	require.NoError(t, master.Collection("persons").Update(ctx, uid, same))
	commit(t, master)
	require.NoError(t, side.Collection("persons").Update(ctx, uid, same))
	commit(t, side)

	res, err := db.Merge(ctx, dag.MasterBranch, "b")
	require.NoError(t, err)
	assert.Equal(t, float64(31), visible(t, db, res.CID)[uid]["age"])
}

func TestMerge_DeleteVersusModifyConflicts(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	master := checkout(t, db, dag.MasterBranch)
	uid := insert(t, master, "persons", map[string]interface{}{"age": 30})
	commit(t, master)

	_, err := db.CreateBranch(ctx, "b", dag.MasterBranch)
	require.NoError(t, err)
	side := checkout(t, db, "b")

	require.NoError(t, master.Collection("persons").Delete(ctx, uid))
	commit(t, master)
	require.NoError(t, side.Collection("persons").Update(ctx, uid, map[string]interface{}{"age": 31}))
	commit(t, side)

	_, err = db.Merge(ctx, dag.MasterBranch, "b")
	var conflict *MergeConflictError
	require.True(t, errors.As(err, &conflict))
	require.Len(t, conflict.Conflicts, 1)
	assert.True(t, conflict.Conflicts[0].Ours.Deleted)
	assert.False(t, conflict.Conflicts[0].Theirs.Deleted)

	res, err := db.Merge(ctx, dag.MasterBranch, "b", WithResolutions(map[dag.UID]Resolution{uid: {Delete: true}}))
	require.NoError(t, err)
	assert.NotContains(t, visible(t, db, res.CID), uid)
}

func TestMerge_AlreadyMerged(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	_, err := db.CreateBranch(ctx, "b", dag.MasterBranch)
	require.NoError(t, err)

	master := checkout(t, db, dag.MasterBranch)
	insert(t, master, "items", map[string]interface{}{"n": 1})
	head := commit(t, master)

	res, err := db.Merge(ctx, dag.MasterBranch, "b")
	require.NoError(t, err)
	assert.True(t, res.AlreadyMerged)
	assert.Equal(t, dag.NoCID, res.CID)

	after, err := db.Head(ctx, dag.MasterBranch)
	require.NoError(t, err)
	assert.Equal(t, head, after)

	_, err = db.Merge(ctx, dag.MasterBranch, "missing")
	assert.ErrorIs(t, err, ErrBranchNotFound)
}

func TestMerge_RepeatedMergesKeepNearestRevision(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	master := checkout(t, db, dag.MasterBranch)
	uid := insert(t, master, "counters", map[string]interface{}{"n": 0})
	commit(t, master)

	_, err := db.CreateBranch(ctx, "b", dag.MasterBranch)
	require.NoError(t, err)

	for round := 1; round <= 3; round++ {
		side := checkout(t, db, "b")
		require.NoError(t, side.Collection("counters").Update(ctx, uid, map[string]interface{}{"n": round}))
		commit(t, side)

		res, err := db.Merge(ctx, dag.MasterBranch, "b")
		require.NoError(t, err, "round %d", round)
		assert.Equal(t, float64(round), visible(t, db, res.CID)[uid]["n"], "round %d", round)

		// Bring b up to date so the next round starts from the merge.
		back, err := db.Merge(ctx, "b", dag.MasterBranch)
		require.NoError(t, err)
		assert.Equal(t, float64(round), visible(t, db, back.CID)[uid]["n"])
	}

	db.Resolver().Purge()
	head, err := db.Head(ctx, dag.MasterBranch)
	require.NoError(t, err)
	assert.Equal(t, float64(3), visible(t, db, head)[uid]["n"])
}

func TestMerge_HeadMovesDuringMerge(t *testing.T) {
	ctx := context.Background()
	db, be := openTestDB(t)
	master := checkout(t, db, dag.MasterBranch)
	x := insert(t, master, "items", map[string]interface{}{"v": "x0"})
	commit(t, master)

	_, err := db.CreateBranch(ctx, "b", dag.MasterBranch)
	require.NoError(t, err)
	side := checkout(t, db, "b")
	y := insert(t, side, "items", map[string]interface{}{"v": "y"})
	commit(t, side)

	// An unrelated commit lands on master between planning and CAS.
	var racer dag.CID
	be.onceBeforeCAS(func(string) {
		other, err := db.Checkout(ctx, dag.MasterBranch)
		if err != nil {
			return
		}
		if err := other.Collection("items").Update(ctx, x, map[string]interface{}{"v": "x1"}); err != nil {
			return
		}
		racer, _ = other.Commit(ctx)
	})

	res, err := db.Merge(ctx, dag.MasterBranch, "b")
	require.NoError(t, err)
	require.NotEqual(t, dag.NoCID, racer)
	assert.Equal(t, racer, res.Ours)

	got := visible(t, db, res.CID)
	assert.Equal(t, "x1", got[x]["v"])
	assert.Equal(t, "y", got[y]["v"])
}

func TestMerge_SourceDeletedBeforePublish(t *testing.T) {
	ctx := context.Background()
	db, be := openTestDB(t)
	master := checkout(t, db, dag.MasterBranch)
	insert(t, master, "items", map[string]interface{}{"v": "x"})
	head := commit(t, master)

	_, err := db.CreateBranch(ctx, "b", dag.MasterBranch)
	require.NoError(t, err)
	side := checkout(t, db, "b")
	insert(t, side, "items", map[string]interface{}{"v": "y"})
	commit(t, side)

	before, err := be.ListCommits(ctx, dag.NoCID)
	require.NoError(t, err)

	// The first lookup of b reads its head; b is gone by the second.
	lookups := 0
	be.beforeLookup(func(branch string) {
		if branch != "b" {
			return
		}
		lookups++
		if lookups == 2 {
			require.NoError(t, be.Memory.DeleteBranch(ctx, "b"))
		}
	})
	_, err = db.Merge(ctx, dag.MasterBranch, "b")
	be.beforeLookup(nil)
	require.ErrorIs(t, err, ErrBranchNotFound)

	after, err := db.Head(ctx, dag.MasterBranch)
	require.NoError(t, err)
	assert.Equal(t, head, after)
	commits, err := be.ListCommits(ctx, dag.NoCID)
	require.NoError(t, err)
	assert.Len(t, commits, len(before), "no merge commit is written")
}
