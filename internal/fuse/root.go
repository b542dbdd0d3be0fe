package fuse

import (
	"context"
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/memex-mvcc/internal/dag"
	"github.com/systemshift/memex-mvcc/internal/mvcc"
)

// RootNode is the mountpoint directory. Contains "branches/" and "commits/".
type RootNode struct {
	fs.Inode
	db *mvcc.Database
}

var _ = (fs.NodeOnAdder)((*RootNode)(nil))
var _ = (fs.NodeGetattrer)((*RootNode)(nil))

func (r *RootNode) OnAdd(ctx context.Context) {
	branches := &BranchesDir{db: r.db}
	r.AddChild("branches", r.NewPersistentInode(ctx, branches, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("branches"),
	}), true)

	commits := &CommitsDir{db: r.db}
	r.AddChild("commits", r.NewPersistentInode(ctx, commits, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("commits"),
	}), true)
}

func (r *RootNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("/")
	return fs.OK
}

// errno maps engine errors to file system errors.
func errno(db *mvcc.Database, op string, err error) syscall.Errno {
	switch {
	case err == nil:
		return fs.OK
	case errors.Is(err, mvcc.ErrBranchNotFound),
		errors.Is(err, mvcc.ErrUnknownDocument),
		errors.Is(err, dag.ErrCommitNotFound):
		return syscall.ENOENT
	case errors.Is(err, context.Canceled):
		return syscall.EINTR
	default:
		db.Logger().Error("fuse "+op+" failed", "error", err)
		return syscall.EIO
	}
}

// BranchesDir lists every branch.
type BranchesDir struct {
	fs.Inode
	db *mvcc.Database
}

var _ = (fs.NodeLookuper)((*BranchesDir)(nil))
var _ = (fs.NodeReaddirer)((*BranchesDir)(nil))
var _ = (fs.NodeGetattrer)((*BranchesDir)(nil))

func (d *BranchesDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno("branches")
	return fs.OK
}

func (d *BranchesDir) entries(ctx context.Context) ([]fuse.DirEntry, syscall.Errno) {
	refs, err := d.db.Branches(ctx)
	if err != nil {
		return nil, errno(d.db, "list branches", err)
	}
	entries := make([]fuse.DirEntry, len(refs))
	for i, ref := range refs {
		name := dag.RefFilename(ref.Name)
		entries[i] = fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFDIR,
			Ino:  stableIno("branches/" + name),
		}
	}
	return entries, fs.OK
}

func (d *BranchesDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, e := d.entries(ctx)
	if e != fs.OK {
		return nil, e
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *BranchesDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	branch := dag.RefNameFromFilename(name)
	if _, err := d.db.Head(ctx, branch); err != nil {
		return nil, errno(d.db, "lookup branch", err)
	}
	child := d.NewInode(ctx, &BranchDir{db: d.db, branch: branch}, fs.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  stableIno("branches/" + name),
	})
	return child, fs.OK
}

// BranchDir shows the branch head: HEAD, log/, and one directory per
// collection of the head snapshot.
type BranchDir struct {
	fs.Inode
	db     *mvcc.Database
	branch string
}

var _ = (fs.NodeLookuper)((*BranchDir)(nil))
var _ = (fs.NodeReaddirer)((*BranchDir)(nil))
var _ = (fs.NodeGetattrer)((*BranchDir)(nil))

func (d *BranchDir) path() string {
	return "branches/" + dag.RefFilename(d.branch)
}

func (d *BranchDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.path())
	return fs.OK
}

func (d *BranchDir) entries(ctx context.Context) ([]fuse.DirEntry, syscall.Errno) {
	head, err := d.db.Head(ctx, d.branch)
	if err != nil {
		return nil, errno(d.db, "read head", err)
	}
	entries := []fuse.DirEntry{
		{Name: "HEAD", Mode: syscall.S_IFREG, Ino: stableIno(d.path() + "/HEAD")},
		{Name: "log", Mode: syscall.S_IFDIR, Ino: stableIno(d.path() + "/log")},
	}
	cols, e := collectionEntries(ctx, d.db, head)
	if e != fs.OK {
		return nil, e
	}
	return append(entries, cols...), fs.OK
}

func (d *BranchDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, e := d.entries(ctx)
	if e != fs.OK {
		return nil, e
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *BranchDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	switch name {
	case "HEAD":
		f := &HeadFile{db: d.db, branch: d.branch}
		return d.NewInode(ctx, f, fs.StableAttr{
			Mode: syscall.S_IFREG,
			Ino:  stableIno(d.path() + "/HEAD"),
		}), fs.OK
	case "log":
		return d.NewInode(ctx, &LogDir{db: d.db, branch: d.branch}, fs.StableAttr{
			Mode: syscall.S_IFDIR,
			Ino:  stableIno(d.path() + "/log"),
		}), fs.OK
	}
	head, err := d.db.Head(ctx, d.branch)
	if err != nil {
		return nil, errno(d.db, "read head", err)
	}
	return lookupCollection(ctx, &d.Inode, d.db, head, name)
}

// HeadFile returns the current head CID of a branch.
type HeadFile struct {
	fs.Inode
	db     *mvcc.Database
	branch string
}

var _ = (fs.NodeGetattrer)((*HeadFile)(nil))
var _ = (fs.NodeReader)((*HeadFile)(nil))
var _ = (fs.NodeOpener)((*HeadFile)(nil))

func (f *HeadFile) headBytes(ctx context.Context) ([]byte, syscall.Errno) {
	head, err := f.db.Head(ctx, f.branch)
	if err != nil {
		return nil, errno(f.db, "read head", err)
	}
	return []byte(head.String() + "\n"), fs.OK
}

func (f *HeadFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	data, e := f.headBytes(ctx)
	if e != fs.OK {
		return e
	}
	out.Mode = 0444
	out.Size = uint64(len(data))
	out.Ino = stableIno("branches/" + dag.RefFilename(f.branch) + "/HEAD")
	return fs.OK
}

// Open bypasses the page cache: the head moves under the reader.
func (f *HeadFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_DIRECT_IO, fs.OK
}

func (f *HeadFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, e := f.headBytes(ctx)
	if e != fs.OK {
		return nil, e
	}
	return fuse.ReadResultData(readAt(data, len(dest), off)), fs.OK
}

// readAt returns at most n bytes of data starting at off.
func readAt(data []byte, n int, off int64) []byte {
	if off >= int64(len(data)) {
		return nil
	}
	end := off + int64(n)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[off:end]
}
