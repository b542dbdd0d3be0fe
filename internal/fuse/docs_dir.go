package fuse

import (
	"context"
	"encoding/json"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/memex-mvcc/internal/dag"
	"github.com/systemshift/memex-mvcc/internal/mvcc"
)

const docSuffix = ".json"

// CommitsDir looks up any stored commit by its hex CID. Listing shows the
// recent history of every branch.
type CommitsDir struct {
	fs.Inode
	db *mvcc.Database
}

var _ = (fs.NodeLookuper)((*CommitsDir)(nil))
var _ = (fs.NodeReaddirer)((*CommitsDir)(nil))
var _ = (fs.NodeGetattrer)((*CommitsDir)(nil))

func (d *CommitsDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("commits")
	return fs.OK
}

func (d *CommitsDir) entries(ctx context.Context) ([]fuse.DirEntry, syscall.Errno) {
	refs, err := d.db.Branches(ctx)
	if err != nil {
		return nil, errno(d.db, "list branches", err)
	}
	seen := make(map[dag.CID]struct{})
	for _, ref := range refs {
		commits, err := d.db.LogFrom(ctx, ref.Head, maxLogEntries)
		if err != nil {
			return nil, errno(d.db, "log", err)
		}
		for _, c := range commits {
			seen[c.CID] = struct{}{}
		}
	}
	cids := make([]dag.CID, 0, len(seen))
	for cid := range seen {
		cids = append(cids, cid)
	}
	dag.SortCIDs(cids)
	entries := make([]fuse.DirEntry, len(cids))
	for i, cid := range cids {
		entries[i] = fuse.DirEntry{
			Name: cid.String(),
			Mode: syscall.S_IFDIR,
			Ino:  stableIno("commits/" + cid.String()),
		}
	}
	return entries, fs.OK
}

func (d *CommitsDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, e := d.entries(ctx)
	if e != fs.OK {
		return nil, e
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *CommitsDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	cid, err := dag.ParseCID(name)
	if err != nil {
		return nil, syscall.ENOENT
	}
	if _, err := d.db.CheckoutCommit(ctx, cid); err != nil {
		return nil, errno(d.db, "checkout commit", err)
	}
	return d.NewInode(ctx, &CommitDir{db: d.db, cid: cid}, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("commits/" + cid.String()),
	}), fs.OK
}

// CommitDir lists the collections visible at one commit.
type CommitDir struct {
	fs.Inode
	db  *mvcc.Database
	cid dag.CID
}

var _ = (fs.NodeLookuper)((*CommitDir)(nil))
var _ = (fs.NodeReaddirer)((*CommitDir)(nil))
var _ = (fs.NodeGetattrer)((*CommitDir)(nil))

func (d *CommitDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("commits/" + d.cid.String())
	return fs.OK
}

func (d *CommitDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, e := collectionEntries(ctx, d.db, d.cid)
	if e != fs.OK {
		return nil, e
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *CommitDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return lookupCollection(ctx, &d.Inode, d.db, d.cid, name)
}

// collectionPath names a collection directory at a commit. Snapshots never
// change, so one path per (commit, collection) is safe to cache.
func collectionPath(cid dag.CID, collection string) string {
	return "commits/" + cid.String() + "/" + collection
}

func collectionEntries(ctx context.Context, db *mvcc.Database, cid dag.CID) ([]fuse.DirEntry, syscall.Errno) {
	snap, err := db.Snapshot(ctx, cid)
	if err != nil {
		return nil, errno(db, "resolve", err)
	}
	names := snap.Collections()
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		if name == "HEAD" || name == "log" || strings.Contains(name, "/") {
			continue
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFDIR,
			Ino:  stableIno(collectionPath(cid, name)),
		})
	}
	return entries, fs.OK
}

func lookupCollection(ctx context.Context, parent *fs.Inode, db *mvcc.Database, cid dag.CID, name string) (*fs.Inode, syscall.Errno) {
	snap, err := db.Snapshot(ctx, cid)
	if err != nil {
		return nil, errno(db, "resolve", err)
	}
	if len(snap.UIDs(name)) == 0 {
		return nil, syscall.ENOENT
	}
	return parent.NewInode(ctx, &CollectionDir{db: db, cid: cid, collection: name}, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno(collectionPath(cid, name)),
	}), fs.OK
}

// CollectionDir lists the documents of one collection as <uid>.json.
type CollectionDir struct {
	fs.Inode
	db         *mvcc.Database
	cid        dag.CID
	collection string
}

var _ = (fs.NodeLookuper)((*CollectionDir)(nil))
var _ = (fs.NodeReaddirer)((*CollectionDir)(nil))
var _ = (fs.NodeGetattrer)((*CollectionDir)(nil))

func (d *CollectionDir) path() string {
	return collectionPath(d.cid, d.collection)
}

func (d *CollectionDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.path())
	return fs.OK
}

func (d *CollectionDir) entries(ctx context.Context) ([]fuse.DirEntry, syscall.Errno) {
	snap, err := d.db.Snapshot(ctx, d.cid)
	if err != nil {
		return nil, errno(d.db, "resolve", err)
	}
	uids := snap.UIDs(d.collection)
	entries := make([]fuse.DirEntry, len(uids))
	for i, uid := range uids {
		name := docName(uid)
		entries[i] = fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
			Ino:  stableIno(d.path() + "/" + name),
		}
	}
	return entries, fs.OK
}

func (d *CollectionDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, e := d.entries(ctx)
	if e != fs.OK {
		return nil, e
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *CollectionDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	uid, ok := parseDocName(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	data, err := documentJSON(ctx, d.db, d.cid, d.collection, uid)
	if err != nil {
		return nil, errno(d.db, "read document", err)
	}
	path := d.path() + "/" + name
	return d.NewInode(ctx, &StaticFile{data: data, path: path}, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno(path),
	}), fs.OK
}

func docName(uid dag.UID) string {
	return uid.String() + docSuffix
}

func parseDocName(name string) (dag.UID, bool) {
	if !strings.HasSuffix(name, docSuffix) {
		return 0, false
	}
	uid, err := dag.ParseUID(strings.TrimSuffix(name, docSuffix))
	if err != nil {
		return 0, false
	}
	return uid, true
}

// documentJSON renders a document as indented JSON, _uid and _cid included.
func documentJSON(ctx context.Context, db *mvcc.Database, cid dag.CID, collection string, uid dag.UID) ([]byte, error) {
	view, err := db.CheckoutCommit(ctx, cid)
	if err != nil {
		return nil, err
	}
	doc, err := view.Collection(collection).Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(map[string]interface{}(doc), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
