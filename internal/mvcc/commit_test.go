package mvcc

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

func TestCommit_CumulativeSnapshots(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)
	people := b.Collection("persons")

	model := map[dag.UID]map[string]interface{}{}
	var uids []dag.UID
	for step := 0; step < 12; step++ {
		switch {
		case step%4 == 3 && len(uids) > 0:
			victim := uids[0]
			uids = uids[1:]
			require.NoError(t, people.Delete(ctx, victim))
			delete(model, victim)
		case step%3 == 2 && len(uids) > 0:
			target := uids[len(uids)-1]
			payload := map[string]interface{}{"step": float64(step), "updated": true}
			require.NoError(t, people.Update(ctx, target, payload))
			model[target] = payload
		default:
			payload := map[string]interface{}{"step": float64(step)}
			uid := insert(t, b, "persons", payload)
			uids = append(uids, uid)
			model[uid] = payload
		}
		head := commit(t, b)
		assert.Equal(t, model, visible(t, db, head), "snapshot after step %d", step)
	}
}

func TestCommit_ResolveIsIdempotent(t *testing.T) {
	db, _ := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)
	for i := 0; i < 5; i++ {
		insert(t, b, "items", map[string]interface{}{"n": i})
		commit(t, b)
	}
	head := b.Head()

	first := visible(t, db, head)
	second := visible(t, db, head)
	assert.Equal(t, first, second)

	// A cold cache must walk the history and agree with the composed result.
	db.Resolver().Purge()
	assert.Equal(t, first, visible(t, db, head))
}

func TestCommit_PendingWritesAreIsolated(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	writer := checkout(t, db, dag.MasterBranch)
	reader := checkout(t, db, dag.MasterBranch)

	uid := insert(t, writer, "persons", map[string]interface{}{"name": "Peter"})

	doc := mustGet(t, writer, "persons", uid)
	assert.Equal(t, "Peter", doc["name"])
	assert.Equal(t, uid, doc.UID())
	assert.Equal(t, dag.NoCID, doc.CID())

	_, err := reader.Collection("persons").Get(ctx, uid)
	assert.ErrorIs(t, err, ErrUnknownDocument)
	n, err := reader.Collection("persons").Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	cid := commit(t, writer)
	_, err = reader.Collection("persons").Get(ctx, uid)
	assert.ErrorIs(t, err, ErrUnknownDocument, "a handle keeps its base after others commit")

	fresh := checkout(t, db, dag.MasterBranch)
	doc = mustGet(t, fresh, "persons", uid)
	assert.Equal(t, cid, doc.CID())
}

func TestCommit_EmptyIsNoop(t *testing.T) {
	db, _ := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)
	before := b.Head()

	cid := commit(t, b)
	assert.Equal(t, before, cid)

	commits, err := db.Log(context.Background(), dag.MasterBranch, 0)
	require.NoError(t, err)
	assert.Len(t, commits, 1)
}

func TestCommit_UnknownDocument(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)
	people := b.Collection("persons")

	assert.ErrorIs(t, people.Update(ctx, 999, map[string]interface{}{"a": 1}), ErrUnknownDocument)
	assert.ErrorIs(t, people.Delete(ctx, 999), ErrUnknownDocument)

	uid := insert(t, b, "persons", map[string]interface{}{"a": 1})
	commit(t, b)

	assert.ErrorIs(t, b.Collection("pets").Update(ctx, uid, map[string]interface{}{"a": 2}), ErrUnknownDocument,
		"documents belong to one collection")

	require.NoError(t, people.Delete(ctx, uid))
	assert.ErrorIs(t, people.Update(ctx, uid, map[string]interface{}{"a": 2}), ErrUnknownDocument)
	commit(t, b)
	assert.ErrorIs(t, people.Delete(ctx, uid), ErrUnknownDocument)
}

func TestCommit_InsertThenDeleteLeavesNothing(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)
	base := b.Head()

	uid := insert(t, b, "persons", map[string]interface{}{"a": 1})
	require.NoError(t, b.Collection("persons").Update(ctx, uid, map[string]interface{}{"a": 2}))
	require.NoError(t, b.Collection("persons").Delete(ctx, uid))
	assert.Zero(t, b.Pending())

	assert.Equal(t, base, commit(t, b))
}

func TestCommit_ReservedField(t *testing.T) {
	db, _ := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)
	_, err := b.Collection("persons").Insert(context.Background(), map[string]interface{}{"_uid": "x"})
	assert.Error(t, err)
	assert.Zero(t, b.Pending())
}

func TestCommit_Rollback(t *testing.T) {
	db, _ := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)
	base := b.Head()
	insert(t, b, "persons", map[string]interface{}{"a": 1})

	b.Rollback()
	assert.Zero(t, b.Pending())
	assert.Equal(t, TxnOpen, b.State())
	assert.Equal(t, base, commit(t, b))
}

func TestCommit_MessageAndLog(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)

	insert(t, b, "persons", map[string]interface{}{"a": 1})
	first, err := b.Commit(ctx, WithMessage("first"))
	require.NoError(t, err)
	insert(t, b, "persons", map[string]interface{}{"a": 2})
	second, err := b.Commit(ctx, WithMessage("second"))
	require.NoError(t, err)

	log, err := db.Log(ctx, dag.MasterBranch, 0)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, second, log[0].CID)
	assert.Equal(t, "second", log[0].Message)
	assert.Equal(t, first, log[1].CID)
	assert.True(t, log[2].IsRoot())

	limited, err := db.Log(ctx, dag.MasterBranch, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCommit_DisjointRaceIsReplayed(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	a := checkout(t, db, dag.MasterBranch)
	b := checkout(t, db, dag.MasterBranch)

	ua := insert(t, a, "persons", map[string]interface{}{"name": "A"})
	ub := insert(t, b, "persons", map[string]interface{}{"name": "B"})

	ca := commit(t, a)
	cb := commit(t, b)
	assert.Greater(t, cb, ca)

	log, err := db.Log(ctx, dag.MasterBranch, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(log), 3)
	assert.Equal(t, cb, log[0].CID)
	assert.Equal(t, []dag.CID{ca}, log[0].Parents, "the losing commit is replayed onto the winner")

	got := visible(t, db, cb)
	assert.Contains(t, got, ua)
	assert.Contains(t, got, ub)
	assert.Equal(t, cb, b.Head())
}

func TestCommit_OverlappingRaceFails(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	setup := checkout(t, db, dag.MasterBranch)
	uid := insert(t, setup, "persons", map[string]interface{}{"age": 30})
	commit(t, setup)

	a := checkout(t, db, dag.MasterBranch)
	b := checkout(t, db, dag.MasterBranch)
	require.NoError(t, a.Collection("persons").Update(ctx, uid, map[string]interface{}{"age": 31}))
	require.NoError(t, b.Collection("persons").Update(ctx, uid, map[string]interface{}{"age": 32}))

	commit(t, a)
	_, err := b.Commit(ctx)
	assert.ErrorIs(t, err, ErrConcurrentModification)
	assert.Equal(t, TxnAborted, b.State())

	_, err = b.Collection("persons").Insert(ctx, map[string]interface{}{"x": 1})
	assert.ErrorIs(t, err, ErrTxnClosed)

	fresh := checkout(t, db, dag.MasterBranch)
	assert.Equal(t, float64(31), mustGet(t, fresh, "persons", uid)["age"])
}

func TestCommit_ConcurrentDisjointWriters(t *testing.T) {
	ctx := context.Background()
	const writers = 8
	db, _ := openTestDB(t, WithMaxCommitRetries(writers*2))

	var wg sync.WaitGroup
	uids := make([]dag.UID, writers)
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := db.Checkout(ctx, dag.MasterBranch)
			if err != nil {
				errs[i] = err
				return
			}
			uid, err := b.Collection("items").Insert(ctx, map[string]interface{}{"writer": i})
			if err != nil {
				errs[i] = err
				return
			}
			uids[i] = uid
			_, errs[i] = b.Commit(ctx)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	head, err := db.Head(ctx, dag.MasterBranch)
	require.NoError(t, err)
	got := visible(t, db, head)
	require.Len(t, got, writers)
	for i, uid := range uids {
		assert.Equal(t, float64(i), got[uid]["writer"])
	}
}

func TestCommit_StorageUnavailable(t *testing.T) {
	ctx := context.Background()
	db, be := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)
	base := b.Head()
	uid := insert(t, b, "persons", map[string]interface{}{"a": 1})

	be.fail("InsertRevision", true)
	_, err := b.Commit(ctx)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, TxnOpen, b.State(), "a storage failure keeps the pending writes")

	head, err := db.Head(ctx, dag.MasterBranch)
	require.NoError(t, err)
	assert.Equal(t, base, head, "the head never points at a partial commit")

	be.fail("InsertRevision", false)
	cid := commit(t, b)
	assert.Contains(t, visible(t, db, cid), uid)

	be.fail("AllocateCounter", true)
	_, err = b.Collection("persons").Insert(ctx, map[string]interface{}{"b": 2})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestCommit_ReadOnlyCheckout(t *testing.T) {
	ctx := context.Background()
	db, _ := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)
	uid := insert(t, b, "persons", map[string]interface{}{"v": 1})
	first := commit(t, b)
	require.NoError(t, b.Collection("persons").Update(ctx, uid, map[string]interface{}{"v": 2}))
	commit(t, b)

	old, err := db.CheckoutCommit(ctx, first)
	require.NoError(t, err)
	assert.True(t, old.ReadOnly())
	assert.Equal(t, float64(1), mustGet(t, old, "persons", uid)["v"])

	_, err = old.Collection("persons").Insert(ctx, map[string]interface{}{"v": 3})
	assert.ErrorIs(t, err, ErrReadOnlyBranch)
	_, err = old.Commit(ctx)
	assert.ErrorIs(t, err, ErrReadOnlyBranch)
}

func TestCollection_FindAndCount(t *testing.T) {
	ctx := context.Background()
	db, be := openTestDB(t)
	b := checkout(t, db, dag.MasterBranch)
	people := b.Collection("persons")

	var uids []dag.UID
	for i, city := range []string{"Darmstadt", "Berlin", "Darmstadt"} {
		uids = append(uids, insert(t, b, "persons", map[string]interface{}{
			"name":    fmt.Sprintf("p%d", i),
			"age":     30 + i,
			"address": map[string]interface{}{"city": city},
		}))
	}
	insert(t, b, "pets", map[string]interface{}{"name": "Rex"})
	commit(t, b)

	cur, err := people.Find(ctx, Query{"address.city": "Darmstadt"})
	require.NoError(t, err)
	docs, err := cur.All()
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, uids[0], docs[0].UID())
	assert.Equal(t, uids[2], docs[1].UID())
	assert.NotContains(t, docs[0].Payload(), FieldUID)

	n, err := people.Count(ctx, Query{"age": 31})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = people.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	one, err := people.FindOne(ctx, Query{"name": "p1"})
	require.NoError(t, err)
	assert.Equal(t, uids[1], one.UID())

	_, err = people.FindOne(ctx, Query{"name": "nobody"})
	assert.ErrorIs(t, err, ErrUnknownDocument)

	// Pending writes show through the handle's own cursor.
	require.NoError(t, people.Delete(ctx, uids[0]))
	require.NoError(t, people.Update(ctx, uids[1], map[string]interface{}{"name": "p1", "address": map[string]interface{}{"city": "Darmstadt"}}))
	n, err = people.Count(ctx, Query{"address.city": "Darmstadt"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, people.EnsureIndex(ctx, "address.city"))
	assert.Contains(t, be.Indexes(), "address.city")
	assert.Error(t, people.EnsureIndex(ctx, "bad path"))
}
