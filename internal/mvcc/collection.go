package mvcc

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

// Reserved document fields added to every returned Document.
const (
	FieldUID = "_uid"
	FieldCID = "_cid"
)

// Document is a revision payload plus its _uid and, once committed, _cid.
type Document map[string]interface{}

// UID returns the document identifier.
func (d Document) UID() dag.UID {
	s, _ := d[FieldUID].(string)
	uid, _ := dag.ParseUID(s)
	return uid
}

// CID returns the commit that produced this version, dag.NoCID while pending.
func (d Document) CID() dag.CID {
	s, _ := d[FieldCID].(string)
	cid, _ := dag.ParseCID(s)
	return cid
}

// Payload returns the document without its reserved fields.
func (d Document) Payload() map[string]interface{} {
	out := make(map[string]interface{}, len(d))
	for k, v := range d {
		if !strings.HasPrefix(k, "_") {
			out[k] = v
		}
	}
	return out
}

func newDocument(rev *dag.Revision) Document {
	d := make(Document, len(rev.Payload)+2)
	for k, v := range rev.Payload {
		d[k] = v
	}
	d[FieldUID] = rev.UID.String()
	if rev.CID != dag.NoCID {
		d[FieldCID] = rev.CID.String()
	}
	return d
}

// Query selects documents by field equality. Keys are field paths such as
// "name" or "address.city"; an empty Query matches every document.
type Query map[string]interface{}

// normalize converts query values to the shapes payloads decode to, so that
// Query{"age": 30} matches a stored 30.0.
func (q Query) normalize() (Query, error) {
	if len(q) == 0 {
		return nil, nil
	}
	values := make(map[string]interface{}, len(q))
	for k, v := range q {
		if k == "" {
			return nil, fmt.Errorf("empty query field")
		}
		values[k] = v
	}
	norm, err := dag.NormalizePayload(values)
	if err != nil {
		return nil, fmt.Errorf("normalize query: %w", err)
	}
	return Query(norm), nil
}

func (q Query) matches(payload map[string]interface{}) bool {
	for path, want := range q {
		got, ok := lookupPath(payload, path)
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func lookupPath(payload map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = payload
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Collection is a named set of documents seen through one Branch handle.
type Collection struct {
	branch *Branch
	name   string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Insert stages a new document and returns its freshly allocated UID.
func (c *Collection) Insert(ctx context.Context, payload map[string]interface{}) (dag.UID, error) {
	return c.branch.stageInsert(ctx, c.name, payload)
}

// Update stages a replacement payload for a visible document.
func (c *Collection) Update(ctx context.Context, uid dag.UID, payload map[string]interface{}) error {
	return c.branch.stageUpdate(ctx, c.name, uid, payload)
}

// Delete stages a tombstone for a visible document.
func (c *Collection) Delete(ctx context.Context, uid dag.UID) error {
	return c.branch.stageDelete(ctx, c.name, uid)
}

// EnsureIndex asks the backend for an index over a payload field path.
func (c *Collection) EnsureIndex(ctx context.Context, fieldPath string) error {
	if err := c.branch.db.check(); err != nil {
		return err
	}
	if err := c.branch.db.be.CreateIndex(ctx, fieldPath); err != nil {
		return storageErr("create index "+fieldPath, err)
	}
	return nil
}

// Get returns the visible version of uid.
func (c *Collection) Get(ctx context.Context, uid dag.UID) (Document, error) {
	base, pending := c.branch.view()
	if ch, ok := pending[uid]; ok {
		if ch.rev.Deleted || ch.rev.Collection != c.name {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, uid)
		}
		return newDocument(ch.rev), nil
	}
	snap, err := c.branch.db.Snapshot(ctx, base)
	if err != nil {
		return nil, err
	}
	p, ok := snap.Lookup(uid)
	if !ok || p.Collection != c.name {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, uid)
	}
	rev, err := c.branch.db.revs.Get(ctx, uid, p.CID)
	if err != nil {
		return nil, err
	}
	return newDocument(rev), nil
}

// Find returns a cursor over the documents matching q, in UID order.
func (c *Collection) Find(ctx context.Context, q Query) (*Cursor, error) {
	norm, err := q.normalize()
	if err != nil {
		return nil, err
	}
	base, pending := c.branch.view()
	snap, err := c.branch.db.Snapshot(ctx, base)
	if err != nil {
		return nil, err
	}

	staged := make(map[dag.UID]*dag.Revision)
	uids := snap.UIDs(c.name)
	for uid, ch := range pending {
		if ch.rev.Collection != c.name {
			continue
		}
		staged[uid] = ch.rev
		if _, visible := snap.Lookup(uid); !visible {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	return &Cursor{
		ctx:    ctx,
		db:     c.branch.db,
		snap:   snap,
		staged: staged,
		uids:   uids,
		query:  norm,
	}, nil
}

// FindOne returns the first matching document in UID order, or
// ErrUnknownDocument when nothing matches.
func (c *Collection) FindOne(ctx context.Context, q Query) (Document, error) {
	cur, err := c.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	if cur.Next() {
		return cur.Document(), nil
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: no document in %s matches", ErrUnknownDocument, c.name)
}

// Count returns the number of documents matching q.
func (c *Collection) Count(ctx context.Context, q Query) (int, error) {
	cur, err := c.Find(ctx, q)
	if err != nil {
		return 0, err
	}
	defer cur.Close()
	n := 0
	for cur.Next() {
		n++
	}
	return n, cur.Err()
}
