package dag

import "fmt"

// Log walks the first-parent chain from head, returning up to n commits
// (newest first). n <= 0 means the whole chain.
func (g *Graph) Log(head CID, n int) ([]*Commit, error) {
	var commits []*Commit
	current := head
	for current != NoCID && (n <= 0 || len(commits) < n) {
		c, ok := g.Get(current)
		if !ok {
			if len(commits) == 0 {
				return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, current)
			}
			return commits, fmt.Errorf("%w: commit %s references missing parent %s",
				ErrCorruptGraph, commits[len(commits)-1].CID, current)
		}
		commits = append(commits, c)

		if c.IsRoot() {
			break
		}
		current = c.Parents[0]
	}
	return commits, nil
}

// TouchedSince returns the union of UIDs touched by commits reachable from
// head but not from base. It reads commit metadata only.
func (g *Graph) TouchedSince(base, head CID) (map[UID]struct{}, error) {
	commits, err := g.Between(base, head)
	if err != nil {
		return nil, err
	}
	out := make(map[UID]struct{})
	for _, c := range commits {
		for _, u := range c.Touched {
			out[u] = struct{}{}
		}
	}
	return out, nil
}
