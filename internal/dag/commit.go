package dag

import (
	"fmt"
	"sort"
	"time"
)

// Commit is an immutable node of the version graph. A root commit has no
// parents, a normal commit one and a merge commit two. Touched lists every
// UID the commit wrote a revision for, sorted ascending.
type Commit struct {
	V         int       `json:"v"`
	CID       CID       `json:"cid"`
	Parents   []CID     `json:"parents,omitempty"`
	Touched   []UID     `json:"touched,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// NewCommit builds a commit record, normalising the touched set.
func NewCommit(cid CID, parents []CID, touched []UID, ts time.Time, message string) *Commit {
	t := make([]UID, len(touched))
	copy(t, touched)
	var p []CID
	if len(parents) > 0 {
		p = make([]CID, len(parents))
		copy(p, parents)
	}
	return &Commit{
		V:         1,
		CID:       cid,
		Parents:   p,
		Touched:   SortUIDs(t),
		Timestamp: ts.UTC(),
		Message:   message,
	}
}

// IsRoot reports whether the commit starts a history.
func (c *Commit) IsRoot() bool {
	return len(c.Parents) == 0
}

// IsMerge reports whether the commit joins two histories.
func (c *Commit) IsMerge() bool {
	return len(c.Parents) == 2
}

// Touches reports whether the commit wrote a revision of uid.
func (c *Commit) Touches(uid UID) bool {
	i := sort.Search(len(c.Touched), func(i int) bool { return c.Touched[i] >= uid })
	return i < len(c.Touched) && c.Touched[i] == uid
}

// Validate checks the structural rules every commit must satisfy on its own.
// Parents must predate the commit, which rules out cycles given monotonic CIDs.
func (c *Commit) Validate() error {
	if c.CID == NoCID {
		return fmt.Errorf("%w: commit without cid", ErrCorruptGraph)
	}
	if len(c.Parents) > 2 {
		return fmt.Errorf("%w: commit %s has %d parents", ErrCorruptGraph, c.CID, len(c.Parents))
	}
	for _, p := range c.Parents {
		if p == NoCID || p >= c.CID {
			return fmt.Errorf("%w: commit %s has invalid parent %s", ErrCorruptGraph, c.CID, p)
		}
	}
	if c.IsMerge() && c.Parents[0] == c.Parents[1] {
		return fmt.Errorf("%w: merge commit %s repeats parent %s", ErrCorruptGraph, c.CID, c.Parents[0])
	}
	return nil
}

// Clone returns a deep copy.
func (c *Commit) Clone() *Commit {
	out := *c
	out.Parents = append([]CID(nil), c.Parents...)
	out.Touched = append([]UID(nil), c.Touched...)
	return &out
}
