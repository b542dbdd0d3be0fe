package mvcc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/systemshift/memex-mvcc/internal/backend"
	"github.com/systemshift/memex-mvcc/internal/dag"
)

// commitGraph is the process-local arena of commits, filled lazily from the
// backend. Only commits reachable from something a caller asked for are
// loaded, so orphans whose parents were already collected never enter it.
type commitGraph struct {
	be    backend.Backend
	graph *dag.Graph
	mu    sync.Mutex // serializes loads
}

func newCommitGraph(be backend.Backend) *commitGraph {
	return &commitGraph{be: be, graph: dag.NewGraph()}
}

func (g *commitGraph) arena() *dag.Graph {
	return g.graph
}

// ensure loads cid and every ancestor missing from the arena.
func (g *commitGraph) ensure(ctx context.Context, cid dag.CID) (*dag.Commit, error) {
	if c, ok := g.graph.Get(cid); ok {
		return c, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.graph.Get(cid); ok {
		return c, nil
	}

	missing := make(map[dag.CID]*dag.Commit)
	stack := []dag.CID{cid}
	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := missing[next]; ok || g.graph.Has(next) {
			continue
		}
		c, err := g.be.FindCommit(ctx, next)
		if errors.Is(err, backend.ErrNotFound) {
			if next == cid {
				return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, cid)
			}
			return nil, fmt.Errorf("%w: commit %s missing from storage", ErrCorruptGraph, next)
		}
		if err != nil {
			return nil, storageErr("find commit "+next.String(), err)
		}
		if c.CID != next {
			return nil, fmt.Errorf("%w: commit %s stored as %s", ErrCorruptGraph, c.CID, next)
		}
		missing[next] = c
		stack = append(stack, c.Parents...)
	}

	cids := make([]dag.CID, 0, len(missing))
	for c := range missing {
		cids = append(cids, c)
	}
	sort.Slice(cids, func(i, j int) bool { return cids[i] < cids[j] })
	for _, c := range cids {
		if err := g.graph.Add(missing[c]); err != nil && !errors.Is(err, dag.ErrCommitExists) {
			return nil, err
		}
	}
	c, _ := g.graph.Get(cid)
	return c, nil
}

// add records a commit this process just wrote.
func (g *commitGraph) add(c *dag.Commit) error {
	if err := g.graph.Add(c); err != nil && !errors.Is(err, dag.ErrCommitExists) {
		return err
	}
	return nil
}

func (g *commitGraph) remove(cids ...dag.CID) {
	g.graph.Remove(cids...)
}

func (g *commitGraph) reset() {
	g.mu.Lock()
	g.graph.Remove(g.graph.CIDs()...)
	g.mu.Unlock()
}
