package mvcc

import (
	"context"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

// Cursor iterates the result of Collection.Find. Revisions are loaded one at
// a time as the cursor advances.
type Cursor struct {
	ctx    context.Context
	db     *Database
	snap   *Snapshot
	staged map[dag.UID]*dag.Revision
	uids   []dag.UID
	query  Query

	pos    int
	cur    Document
	err    error
	closed bool
}

// Next advances to the next matching document.
func (c *Cursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	for c.pos < len(c.uids) {
		uid := c.uids[c.pos]
		c.pos++
		if err := c.ctx.Err(); err != nil {
			c.err = err
			return false
		}
		rev, ok, err := c.load(uid)
		if err != nil {
			c.err = err
			return false
		}
		if !ok || !c.query.matches(rev.Payload) {
			continue
		}
		c.cur = newDocument(rev)
		return true
	}
	c.cur = nil
	return false
}

func (c *Cursor) load(uid dag.UID) (*dag.Revision, bool, error) {
	if rev, ok := c.staged[uid]; ok {
		return rev, !rev.Deleted, nil
	}
	p, ok := c.snap.Lookup(uid)
	if !ok {
		return nil, false, nil
	}
	rev, err := c.db.revs.Get(c.ctx, uid, p.CID)
	if err != nil {
		return nil, false, err
	}
	return rev, true, nil
}

// Document returns the current document.
func (c *Cursor) Document() Document {
	return c.cur
}

// Err returns the error that stopped iteration, if any.
func (c *Cursor) Err() error {
	return c.err
}

// All drains the cursor.
func (c *Cursor) All() ([]Document, error) {
	defer c.Close()
	var out []Document
	for c.Next() {
		out = append(out, c.Document())
	}
	return out, c.Err()
}

// Close releases the cursor. It is safe to call more than once.
func (c *Cursor) Close() {
	c.closed = true
	c.cur = nil
}
