package mvcc

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

// DefaultSnapshotCacheSize is the number of resolved commits kept in memory.
const DefaultSnapshotCacheSize = 1024

// Pointer names the revision a snapshot resolved for one document.
type Pointer struct {
	UID        dag.UID
	CID        dag.CID
	Collection string
	Deleted    bool
}

type entry struct {
	cid        dag.CID
	dist       int
	deleted    bool
	collection string
}

// closer reports whether e should win over o: nearer to the head, then the
// greater CID.
func (e entry) closer(o entry) bool {
	if e.dist != o.dist {
		return e.dist < o.dist
	}
	return e.cid > o.cid
}

// Snapshot is the resolved state of the database at one commit. It records
// tombstones as well as live documents; only live ones are visible.
// A Snapshot is immutable and safe to share.
type Snapshot struct {
	cid     dag.CID
	entries map[dag.UID]entry
	live    int
}

// CID returns the commit the snapshot was resolved at.
func (s *Snapshot) CID() dag.CID {
	return s.cid
}

// Len returns the number of visible documents.
func (s *Snapshot) Len() int {
	return s.live
}

// Lookup returns the visible revision pointer for uid.
func (s *Snapshot) Lookup(uid dag.UID) (Pointer, bool) {
	e, ok := s.entries[uid]
	if !ok || e.deleted {
		return Pointer{}, false
	}
	return Pointer{UID: uid, CID: e.cid, Collection: e.collection}, true
}

// Entry returns the nearest revision pointer for uid, tombstone or not.
func (s *Snapshot) Entry(uid dag.UID) (Pointer, bool) {
	e, ok := s.entries[uid]
	if !ok {
		return Pointer{}, false
	}
	return Pointer{UID: uid, CID: e.cid, Collection: e.collection, Deleted: e.deleted}, true
}

// UIDs returns the visible documents, optionally limited to one collection,
// in ascending order.
func (s *Snapshot) UIDs(collection string) []dag.UID {
	out := make([]dag.UID, 0, s.live)
	for uid, e := range s.entries {
		if e.deleted || (collection != "" && e.collection != collection) {
			continue
		}
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Collections returns the names of collections with at least one visible
// document, sorted.
func (s *Snapshot) Collections() []string {
	seen := make(map[string]struct{})
	for _, e := range s.entries {
		if !e.deleted {
			seen[e.collection] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Visible maps every visible document to the CID of its revision.
func (s *Snapshot) Visible() map[dag.UID]dag.CID {
	out := make(map[dag.UID]dag.CID, s.live)
	for uid, e := range s.entries {
		if !e.deleted {
			out[uid] = e.cid
		}
	}
	return out
}

func newSnapshot(cid dag.CID, entries map[dag.UID]entry) *Snapshot {
	s := &Snapshot{cid: cid, entries: entries}
	for _, e := range entries {
		if !e.deleted {
			s.live++
		}
	}
	return s
}

// commitLoader returns a commit with all of its ancestors present in graph.
type commitLoader interface {
	ensure(ctx context.Context, cid dag.CID) (*dag.Commit, error)
	arena() *dag.Graph
}

// Resolver computes snapshots and memoizes them by CID. Commits never change
// after they are published, so cached snapshots are never invalidated; racing
// resolutions of the same CID produce equal values and the first one stored wins.
type Resolver struct {
	commits commitLoader
	revs    *RevisionStore
	cache   *lru.Cache[dag.CID, *Snapshot]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewResolver creates a Resolver holding up to size snapshots.
func NewResolver(commits commitLoader, revs *RevisionStore, size int) (*Resolver, error) {
	if size <= 0 {
		size = DefaultSnapshotCacheSize
	}
	cache, err := lru.New[dag.CID, *Snapshot](size)
	if err != nil {
		return nil, fmt.Errorf("create snapshot cache: %w", err)
	}
	return &Resolver{commits: commits, revs: revs, cache: cache}, nil
}

// Resolve returns the snapshot at head: for every document touched by head
// or any of its ancestors, the revision produced by the touching commit
// nearest to head. Equal distances go to the greater CID.
func (r *Resolver) Resolve(ctx context.Context, head dag.CID) (*Snapshot, error) {
	if s, ok := r.cache.Get(head); ok {
		r.hits.Add(1)
		return s, nil
	}
	r.misses.Add(1)

	c, err := r.commits.ensure(ctx, head)
	if err != nil {
		return nil, err
	}

	var s *Snapshot
	if parents, ok := r.cachedParents(c); ok {
		s, err = r.compose(ctx, c, parents)
	} else {
		s, err = r.walk(ctx, c)
	}
	if err != nil {
		return nil, err
	}

	if found, _ := r.cache.ContainsOrAdd(head, s); found {
		if cached, ok := r.cache.Peek(head); ok {
			return cached, nil
		}
	}
	return s, nil
}

func (r *Resolver) cachedParents(c *dag.Commit) ([]*Snapshot, bool) {
	if c.IsRoot() {
		return nil, true
	}
	out := make([]*Snapshot, 0, len(c.Parents))
	for _, p := range c.Parents {
		s, ok := r.cache.Get(p)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// compose derives the snapshot of c from its parents' snapshots, one step
// further away, then overlays c's own revisions.
func (r *Resolver) compose(ctx context.Context, c *dag.Commit, parents []*Snapshot) (*Snapshot, error) {
	size := len(c.Touched)
	for _, p := range parents {
		size += len(p.entries)
	}
	entries := make(map[dag.UID]entry, size)
	for _, p := range parents {
		for uid, e := range p.entries {
			e.dist++
			if cur, ok := entries[uid]; !ok || e.closer(cur) {
				entries[uid] = e
			}
		}
	}
	if err := r.overlay(ctx, c, entries); err != nil {
		return nil, err
	}
	return newSnapshot(c.CID, entries), nil
}

// walk resolves c from scratch with one breadth-first pass over its
// ancestry, reading commit metadata for the winners and revisions only for
// the winning (UID, CID) pairs.
func (r *Resolver) walk(ctx context.Context, c *dag.Commit) (*Snapshot, error) {
	graph := r.commits.arena()
	dist, err := graph.Distances(c.CID)
	if err != nil {
		return nil, err
	}
	winners := make(map[dag.UID]entry)
	for cid, d := range dist {
		if cid == c.CID {
			continue
		}
		anc, ok := graph.Get(cid)
		if !ok {
			return nil, fmt.Errorf("%w: ancestor %s of %s not loaded", ErrCorruptGraph, cid, c.CID)
		}
		cand := entry{cid: cid, dist: d}
		for _, uid := range anc.Touched {
			if cur, ok := winners[uid]; !ok || cand.closer(cur) {
				winners[uid] = cand
			}
		}
	}
	for uid, e := range winners {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rev, err := r.revs.Get(ctx, uid, e.cid)
		if err != nil {
			return nil, err
		}
		e.deleted = rev.Deleted
		e.collection = rev.Collection
		winners[uid] = e
	}
	if err := r.overlay(ctx, c, winners); err != nil {
		return nil, err
	}
	return newSnapshot(c.CID, winners), nil
}

func (r *Resolver) overlay(ctx context.Context, c *dag.Commit, entries map[dag.UID]entry) error {
	if len(c.Touched) == 0 {
		return nil
	}
	revs, err := r.revs.ForCommit(ctx, c.CID)
	if err != nil {
		return err
	}
	if len(revs) != len(c.Touched) {
		return fmt.Errorf("%w: commit %s touches %d documents but has %d revisions",
			ErrCorruptGraph, c.CID, len(c.Touched), len(revs))
	}
	for _, rev := range revs {
		if !c.Touches(rev.UID) {
			return fmt.Errorf("%w: revision %s not listed by its commit", ErrCorruptGraph, rev.Key())
		}
		entries[rev.UID] = entry{cid: c.CID, deleted: rev.Deleted, collection: rev.Collection}
	}
	return nil
}

// Evict drops the snapshot of cid. Used when the commit itself is collected.
func (r *Resolver) Evict(cid dag.CID) {
	r.cache.Remove(cid)
}

// Purge drops every cached snapshot.
func (r *Resolver) Purge() {
	r.cache.Purge()
}

// CacheStats reports snapshot cache hits and misses.
func (r *Resolver) CacheStats() (hits, misses uint64) {
	return r.hits.Load(), r.misses.Load()
}
