package fuse

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/memex-mvcc/internal/dag"
	"github.com/systemshift/memex-mvcc/internal/mvcc"
)

const maxLogEntries = 64

// LogDir exposes the recent first-parent history of a branch.
// Layout: log/0 (newest commit JSON), log/1, ...
type LogDir struct {
	fs.Inode
	db     *mvcc.Database
	branch string
}

var _ = (fs.NodeLookuper)((*LogDir)(nil))
var _ = (fs.NodeReaddirer)((*LogDir)(nil))
var _ = (fs.NodeGetattrer)((*LogDir)(nil))

func (d *LogDir) path() string {
	return "branches/" + dag.RefFilename(d.branch) + "/log"
}

func (d *LogDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0555
	out.Ino = stableIno(d.path())
	return fs.OK
}

func (d *LogDir) entries(ctx context.Context) ([]fuse.DirEntry, syscall.Errno) {
	commits, err := d.db.Log(ctx, d.branch, maxLogEntries)
	if err != nil {
		return nil, errno(d.db, "log", err)
	}
	entries := make([]fuse.DirEntry, len(commits))
	for i, c := range commits {
		entries[i] = fuse.DirEntry{
			Name: strconv.Itoa(i),
			Mode: syscall.S_IFREG,
			Ino:  stableIno("log/" + c.CID.String()),
		}
	}
	return entries, fs.OK
}

func (d *LogDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, e := d.entries(ctx)
	if e != fs.OK {
		return nil, e
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *LogDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	idx, err := strconv.Atoi(name)
	if err != nil || idx < 0 || idx >= maxLogEntries {
		return nil, syscall.ENOENT
	}
	commits, err := d.db.Log(ctx, d.branch, idx+1)
	if err != nil {
		return nil, errno(d.db, "log", err)
	}
	if idx >= len(commits) {
		return nil, syscall.ENOENT
	}
	c := commits[idx]
	data, err := commitJSON(c)
	if err != nil {
		return nil, errno(d.db, "encode commit", err)
	}
	// Keyed by CID: log/<n> names a different commit once the head moves.
	path := "log/" + c.CID.String()
	return d.NewInode(ctx, &StaticFile{data: data, path: path}, fs.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  stableIno(path),
	}), fs.OK
}

type commitView struct {
	CID       string   `json:"cid"`
	Parents   []string `json:"parents"`
	Touched   []string `json:"touched"`
	Timestamp string   `json:"timestamp"`
	Message   string   `json:"message,omitempty"`
}

// commitJSON renders a commit with hex identifiers, as the CLI prints them.
func commitJSON(c *dag.Commit) ([]byte, error) {
	v := commitView{
		CID:       c.CID.String(),
		Parents:   make([]string, len(c.Parents)),
		Touched:   make([]string, len(c.Touched)),
		Timestamp: c.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		Message:   c.Message,
	}
	for i, p := range c.Parents {
		v.Parents[i] = p.String()
	}
	for i, u := range c.Touched {
		v.Touched[i] = u.String()
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal commit %s: %w", c.CID, err)
	}
	return append(data, '\n'), nil
}

// StaticFile serves immutable bytes: a commit or a document revision.
type StaticFile struct {
	fs.Inode
	data []byte
	path string
}

var _ = (fs.NodeGetattrer)((*StaticFile)(nil))
var _ = (fs.NodeReader)((*StaticFile)(nil))
var _ = (fs.NodeOpener)((*StaticFile)(nil))

func (f *StaticFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0444
	out.Size = uint64(len(f.data))
	out.Ino = stableIno(f.path)
	return fs.OK
}

func (f *StaticFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, fuse.FOPEN_KEEP_CACHE, fs.OK
}

func (f *StaticFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	return fuse.ReadResultData(readAt(f.data, len(dest), off)), fs.OK
}
