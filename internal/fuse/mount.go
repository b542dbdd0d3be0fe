// Package fuse exposes a database as a read-only file tree:
//
//	branches/<branch>/HEAD                  current head CID
//	branches/<branch>/log/<n>               n-th first-parent commit as JSON, newest first
//	branches/<branch>/<collection>/<uid>.json
//	commits/<cid>/<collection>/<uid>.json   any commit still in storage
//
// Branch names containing slashes appear with each slash replaced by "__".
package fuse

import (
	"hash/fnv"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/systemshift/memex-mvcc/internal/mvcc"
)

// MountFS mounts db read-only at mountpoint.
// Returns the server (call server.Wait() to block, server.Unmount() to stop).
func MountFS(mountpoint string, db *mvcc.Database, debug bool) (*gofuse.Server, error) {
	root := &RootNode{db: db}

	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName:        "mvcc",
			Name:          "mvcc",
			DisableXAttrs: true,
			Debug:         debug,
			Options:       []string{"ro"},
		},
	}

	server, err := fs.Mount(mountpoint, root, opts)
	if err != nil {
		return nil, err
	}
	db.Logger().Info("mounted", "mountpoint", mountpoint)
	return server, nil
}

// stableIno returns a stable inode number for a given path string.
func stableIno(path string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(path))
	return h.Sum64()
}
