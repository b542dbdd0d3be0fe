package mvcc

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/systemshift/memex-mvcc/internal/backend"
	"github.com/systemshift/memex-mvcc/internal/dag"
)

const (
	revCacheNumCounters = 1e6
	revCacheBufferItems = 64

	// DefaultRevisionCacheCost bounds the revision cache at roughly 64MB of payload.
	DefaultRevisionCacheCost = 64 << 20
)

// RevisionStore persists immutable revisions and keeps a read-through cache in
// front of the backend. Revisions never change once written, so a cached
// entry is only ever dropped, never invalidated.
type RevisionStore struct {
	be    backend.Backend
	cache *ristretto.Cache
}

// NewRevisionStore creates a store whose cache holds up to maxCost bytes.
func NewRevisionStore(be backend.Backend, maxCost int64) (*RevisionStore, error) {
	if maxCost <= 0 {
		maxCost = DefaultRevisionCacheCost
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: revCacheNumCounters,
		MaxCost:     maxCost,
		BufferItems: revCacheBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("create revision cache: %w", err)
	}
	return &RevisionStore{be: be, cache: cache}, nil
}

// Put writes rev. A revision already stored under the same key is an error.
func (s *RevisionStore) Put(ctx context.Context, rev *dag.Revision) error {
	if err := s.be.InsertRevision(ctx, rev); err != nil {
		return storageErr("insert revision "+rev.Key().String(), err)
	}
	s.cache.Set(rev.Key().String(), rev.Clone(), rev.Size())
	return nil
}

// Get returns the revision of uid produced by cid. A missing revision that
// the graph says must exist is reported as ErrCorruptGraph.
func (s *RevisionStore) Get(ctx context.Context, uid dag.UID, cid dag.CID) (*dag.Revision, error) {
	key := dag.RevisionKey{UID: uid, CID: cid}.String()
	if v, ok := s.cache.Get(key); ok {
		if rev, ok := v.(*dag.Revision); ok {
			return rev.Clone(), nil
		}
	}
	rev, err := s.be.FindRevision(ctx, uid, cid)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, fmt.Errorf("%w: revision %s missing", ErrCorruptGraph, key)
	}
	if err != nil {
		return nil, storageErr("find revision "+key, err)
	}
	s.cache.Set(key, rev.Clone(), rev.Size())
	return rev, nil
}

// ForCommit returns the revisions cid produced, ascending by UID.
func (s *RevisionStore) ForCommit(ctx context.Context, cid dag.CID) ([]*dag.Revision, error) {
	revs, err := s.be.FindCommitRevisions(ctx, cid)
	if err != nil {
		return nil, storageErr("find revisions of "+cid.String(), err)
	}
	return revs, nil
}

// History returns every stored revision of uid, ascending by CID, whether or
// not it is reachable from any branch.
func (s *RevisionStore) History(ctx context.Context, uid dag.UID) ([]*dag.Revision, error) {
	revs, err := s.be.FindRevisions(ctx, uid)
	if err != nil {
		return nil, storageErr("find revisions of "+uid.String(), err)
	}
	return revs, nil
}

// DeleteCommit removes every revision c produced.
func (s *RevisionStore) DeleteCommit(ctx context.Context, c *dag.Commit) (int, error) {
	n, err := s.be.DeleteCommitRevisions(ctx, c.CID)
	if err != nil {
		return 0, storageErr("delete revisions of "+c.CID.String(), err)
	}
	for _, uid := range c.Touched {
		s.cache.Del(dag.RevisionKey{UID: uid, CID: c.CID}.String())
	}
	return n, nil
}

// Purge empties the cache.
func (s *RevisionStore) Purge() {
	s.cache.Clear()
}

// Close releases the cache.
func (s *RevisionStore) Close() {
	s.cache.Close()
}
