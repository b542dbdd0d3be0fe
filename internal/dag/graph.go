package dag

import (
	"errors"
	"fmt"
	"sync"
)

// Graph errors.
var (
	ErrCorruptGraph   = errors.New("corrupt commit graph")
	ErrCommitExists   = errors.New("commit already exists")
	ErrCommitNotFound = errors.New("commit not found")
)

// Graph is an arena of commits keyed by CID. Commits refer to their parents by
// CID only, so shared history is never owned twice.
type Graph struct {
	mu      sync.RWMutex
	commits map[CID]*Commit
}

// NewGraph creates an empty Graph.
func NewGraph() *Graph {
	return &Graph{commits: make(map[CID]*Commit)}
}

// Add inserts a commit whose parents are already present.
func (g *Graph) Add(c *Commit) error {
	if err := c.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.commits[c.CID]; ok {
		return fmt.Errorf("%w: %s", ErrCommitExists, c.CID)
	}
	for _, p := range c.Parents {
		if _, ok := g.commits[p]; !ok {
			return fmt.Errorf("%w: commit %s references missing parent %s", ErrCorruptGraph, c.CID, p)
		}
	}
	g.commits[c.CID] = c.Clone()
	return nil
}

// Get returns the commit for cid.
func (g *Graph) Get(cid CID) (*Commit, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.commits[cid]
	return c, ok
}

// Has reports whether cid is in the arena.
func (g *Graph) Has(cid CID) bool {
	_, ok := g.Get(cid)
	return ok
}

// Len returns the number of commits.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.commits)
}

// CIDs returns every commit id in ascending order.
func (g *Graph) CIDs() []CID {
	g.mu.RLock()
	out := make([]CID, 0, len(g.commits))
	for cid := range g.commits {
		out = append(out, cid)
	}
	g.mu.RUnlock()
	return SortCIDs(out)
}

// Remove drops commits from the arena. Callers must only remove commits that
// nothing remaining points to.
func (g *Graph) Remove(cids ...CID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cid := range cids {
		delete(g.commits, cid)
	}
}

// Distances walks the ancestry of head breadth-first and returns the number of
// parent links from head to every ancestor (head itself at distance 0).
func (g *Graph) Distances(head CID) (map[CID]int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.commits[head]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, head)
	}
	dist := map[CID]int{head: 0}
	queue := []CID{head}
	for len(queue) > 0 {
		cid := queue[0]
		queue = queue[1:]
		c := g.commits[cid]
		for _, p := range c.Parents {
			if _, seen := dist[p]; seen {
				continue
			}
			if _, ok := g.commits[p]; !ok {
				return nil, fmt.Errorf("%w: commit %s references missing parent %s", ErrCorruptGraph, cid, p)
			}
			dist[p] = dist[cid] + 1
			queue = append(queue, p)
		}
	}
	return dist, nil
}

// Ancestors returns head and all of its transitive parents.
func (g *Graph) Ancestors(head CID) (map[CID]struct{}, error) {
	dist, err := g.Distances(head)
	if err != nil {
		return nil, err
	}
	out := make(map[CID]struct{}, len(dist))
	for cid := range dist {
		out[cid] = struct{}{}
	}
	return out, nil
}

// IsAncestor reports whether anc is desc or one of its ancestors.
func (g *Graph) IsAncestor(anc, desc CID) (bool, error) {
	if anc == desc {
		return g.Has(desc), nil
	}
	// A parent always has a smaller CID than its child.
	if anc > desc {
		return false, nil
	}
	set, err := g.Ancestors(desc)
	if err != nil {
		return false, err
	}
	_, ok := set[anc]
	return ok, nil
}

// LCA returns the merge base of a and b. Only lowest common ancestors
// qualify: a common ancestor that is itself an ancestor of another common
// ancestor never wins. Among the lowest ones the smallest combined distance
// to both heads wins, then the greater CID.
func (g *Graph) LCA(a, b CID) (CID, error) {
	da, err := g.Distances(a)
	if err != nil {
		return NoCID, err
	}
	db, err := g.Distances(b)
	if err != nil {
		return NoCID, err
	}
	common := make(map[CID]struct{})
	for cid := range da {
		if _, ok := db[cid]; ok {
			common[cid] = struct{}{}
		}
	}

	// Ancestors of a common ancestor are common ancestors too, so marking
	// the strict ancestors of every candidate leaves the lowest ones.
	dominated := make(map[CID]struct{}, len(common))
	g.mu.RLock()
	for cid := range common {
		queue := g.parents(cid)
		for len(queue) > 0 {
			p := queue[0]
			queue = queue[1:]
			if _, done := dominated[p]; done {
				continue
			}
			dominated[p] = struct{}{}
			queue = append(queue, g.parents(p)...)
		}
	}
	g.mu.RUnlock()

	best, bestDist := NoCID, -1
	for cid := range common {
		if _, ok := dominated[cid]; ok {
			continue
		}
		d := da[cid] + db[cid]
		if bestDist < 0 || d < bestDist || (d == bestDist && cid > best) {
			best, bestDist = cid, d
		}
	}
	if best == NoCID {
		return NoCID, fmt.Errorf("%w: %s and %s share no ancestor", ErrCorruptGraph, a, b)
	}
	return best, nil
}

// parents returns a copy of the parents of cid. Callers hold g.mu.
func (g *Graph) parents(cid CID) []CID {
	c, ok := g.commits[cid]
	if !ok {
		return nil
	}
	return append([]CID(nil), c.Parents...)
}

// Reachable returns every commit reachable from any of heads.
func (g *Graph) Reachable(heads []CID) (map[CID]struct{}, error) {
	out := make(map[CID]struct{})
	for _, h := range heads {
		if _, done := out[h]; done {
			continue
		}
		set, err := g.Ancestors(h)
		if err != nil {
			return nil, err
		}
		for cid := range set {
			out[cid] = struct{}{}
		}
	}
	return out, nil
}

// Between returns the commits reachable from head but not from base, oldest first.
func (g *Graph) Between(base, head CID) ([]*Commit, error) {
	from, err := g.Ancestors(base)
	if err != nil {
		return nil, err
	}
	to, err := g.Ancestors(head)
	if err != nil {
		return nil, err
	}
	var cids []CID
	for cid := range to {
		if _, ok := from[cid]; !ok {
			cids = append(cids, cid)
		}
	}
	SortCIDs(cids)
	out := make([]*Commit, 0, len(cids))
	for _, cid := range cids {
		c, _ := g.Get(cid)
		out = append(out, c)
	}
	return out, nil
}
