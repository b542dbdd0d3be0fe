package fuse

import (
	"context"
	"encoding/json"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/memex-mvcc/internal/backend"
	"github.com/systemshift/memex-mvcc/internal/dag"
	"github.com/systemshift/memex-mvcc/internal/logging"
	"github.com/systemshift/memex-mvcc/internal/mvcc"
)

func openDB(t *testing.T) *mvcc.Database {
	t.Helper()
	db, err := mvcc.Open(context.Background(), backend.NewMemory(), mvcc.WithLogger(logging.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func names(entries []fuse.DirEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestReadAt(t *testing.T) {
	data := []byte("0123456789")
	assert.Equal(t, []byte("0123"), readAt(data, 4, 0))
	assert.Equal(t, []byte("89"), readAt(data, 4, 8))
	assert.Nil(t, readAt(data, 4, 10))
	assert.Nil(t, readAt(data, 4, 99))
}

func TestDocNames(t *testing.T) {
	name := docName(42)
	assert.Equal(t, "000000000000002a.json", name)
	uid, ok := parseDocName(name)
	require.True(t, ok)
	assert.Equal(t, dag.UID(42), uid)

	for _, bad := range []string{"000000000000002a", "zz.json", "0000000000000000.json", ".json"} {
		_, ok := parseDocName(bad)
		assert.False(t, ok, bad)
	}
}

func TestCommitJSON(t *testing.T) {
	c := dag.NewCommit(5, []dag.CID{3, 4}, []dag.UID{9}, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), "merge")
	data, err := commitJSON(c)
	require.NoError(t, err)

	var v commitView
	require.NoError(t, json.Unmarshal(data, &v))
	assert.Equal(t, "0000000000000005", v.CID)
	assert.Equal(t, []string{"0000000000000003", "0000000000000004"}, v.Parents)
	assert.Equal(t, []string{"0000000000000009"}, v.Touched)
	assert.Equal(t, "merge", v.Message)
}

func TestTreeListings(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	_, err := db.CreateBranch(ctx, "feature/x", dag.MasterBranch)
	require.NoError(t, err)

	b, err := db.Checkout(ctx, "feature/x")
	require.NoError(t, err)
	uid, err := b.Collection("persons").Insert(ctx, map[string]interface{}{"name": "Peter"})
	require.NoError(t, err)
	_, err = b.Collection("pets").Insert(ctx, map[string]interface{}{"name": "Rex"})
	require.NoError(t, err)
	head, err := b.Commit(ctx)
	require.NoError(t, err)

	branches, e := (&BranchesDir{db: db}).entries(ctx)
	require.Equal(t, fs.OK, e)
	assert.Equal(t, []string{"feature__x", "master"}, names(branches))

	dir, e := (&BranchDir{db: db, branch: "feature/x"}).entries(ctx)
	require.Equal(t, fs.OK, e)
	assert.Equal(t, []string{"HEAD", "log", "persons", "pets"}, names(dir))

	master, e := (&BranchDir{db: db, branch: dag.MasterBranch}).entries(ctx)
	require.Equal(t, fs.OK, e)
	assert.Equal(t, []string{"HEAD", "log"}, names(master))

	log, e := (&LogDir{db: db, branch: "feature/x"}).entries(ctx)
	require.Equal(t, fs.OK, e)
	assert.Equal(t, []string{"0", "1"}, names(log))

	docs, e := (&CollectionDir{db: db, cid: head, collection: "persons"}).entries(ctx)
	require.Equal(t, fs.OK, e)
	assert.Equal(t, []string{docName(uid)}, names(docs))

	commits, e := (&CommitsDir{db: db}).entries(ctx)
	require.Equal(t, fs.OK, e)
	assert.Contains(t, names(commits), head.String())

	data, err := documentJSON(ctx, db, head, "persons", uid)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "Peter", doc["name"])
	assert.Equal(t, uid.String(), doc[mvcc.FieldUID])
	assert.Equal(t, head.String(), doc[mvcc.FieldCID])

	headData, e := (&HeadFile{db: db, branch: "feature/x"}).headBytes(ctx)
	require.Equal(t, fs.OK, e)
	assert.Equal(t, head.String()+"\n", string(headData))
}

func TestErrno(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()

	_, e := (&BranchDir{db: db, branch: "missing"}).entries(ctx)
	assert.Equal(t, syscall.ENOENT, e)

	_, err := documentJSON(ctx, db, 999, "persons", 1)
	assert.Equal(t, syscall.ENOENT, errno(db, "read", err))

	assert.Equal(t, syscall.EINTR, errno(db, "read", context.Canceled))
	assert.Equal(t, syscall.EIO, errno(db, "read", assert.AnError))
	assert.Equal(t, fs.OK, errno(db, "read", nil))
}
