package dag

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Revision is one immutable version of a document, tagged with the UID of the
// document and the CID of the commit that produced it. A tombstone carries
// Deleted and no payload.
type Revision struct {
	V          int                    `json:"v"`
	UID        UID                    `json:"uid"`
	CID        CID                    `json:"cid"`
	Collection string                 `json:"collection"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Digest     string                 `json:"digest,omitempty"`
	Deleted    bool                   `json:"deleted,omitempty"`
}

// RevisionKey addresses a revision. At most one revision exists per key.
type RevisionKey struct {
	UID UID
	CID CID
}

func (k RevisionKey) String() string {
	return k.UID.String() + "@" + k.CID.String()
}

// NewRevision normalises payload through canonical JSON and stamps its digest.
// Keys beginning with an underscore are reserved and rejected.
func NewRevision(uid UID, cid CID, collection string, payload map[string]interface{}) (*Revision, error) {
	for k := range payload {
		if strings.HasPrefix(k, "_") {
			return nil, fmt.Errorf("reserved field name %q", k)
		}
	}
	norm, err := NormalizePayload(payload)
	if err != nil {
		return nil, err
	}
	digest, err := PayloadDigest(norm)
	if err != nil {
		return nil, err
	}
	return &Revision{
		V:          1,
		UID:        uid,
		CID:        cid,
		Collection: collection,
		Payload:    norm,
		Digest:     digest,
	}, nil
}

// NewTombstone marks uid deleted as of cid.
func NewTombstone(uid UID, cid CID, collection string) *Revision {
	return &Revision{V: 1, UID: uid, CID: cid, Collection: collection, Deleted: true}
}

// Key returns the (UID, CID) address of the revision.
func (r *Revision) Key() RevisionKey {
	return RevisionKey{UID: r.UID, CID: r.CID}
}

// SamePayload reports whether two revisions leave the document in the same
// state. Two tombstones are equal; a tombstone never equals a live revision.
func (r *Revision) SamePayload(o *Revision) bool {
	if r.Deleted || o.Deleted {
		return r.Deleted == o.Deleted
	}
	return r.Digest == o.Digest
}

// Restamp copies the revision under a different commit.
func (r *Revision) Restamp(cid CID) *Revision {
	out := r.Clone()
	out.CID = cid
	return out
}

// Clone returns a deep copy.
func (r *Revision) Clone() *Revision {
	out := *r
	if r.Payload != nil {
		out.Payload = copyValue(r.Payload).(map[string]interface{})
	}
	return &out
}

// Size approximates the in-memory footprint, used as cache cost.
func (r *Revision) Size() int64 {
	data, err := CanonicalJSON(r.Payload)
	if err != nil {
		return 64
	}
	return int64(len(data)) + 64
}

// NormalizePayload round-trips payload through canonical JSON so every value
// has the shape encoding/json decodes to (numbers become float64).
func NormalizePayload(payload map[string]interface{}) (map[string]interface{}, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := CanonicalJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

func copyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, item := range val {
			m[k] = copyValue(item)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, item := range val {
			s[i] = copyValue(item)
		}
		return s
	default:
		return val
	}
}

// CanonicalJSON produces a deterministic JSON encoding with sorted keys.
func CanonicalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return canonicalEncode(raw)
}

func canonicalEncode(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyBytes, _ := json.Marshal(k)
			buf = append(buf, keyBytes...)
			buf = append(buf, ':')
			valBytes, err := canonicalEncode(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, valBytes...)
		}
		return append(buf, '}'), nil

	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			itemBytes, err := canonicalEncode(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemBytes...)
		}
		return append(buf, ']'), nil

	default:
		return json.Marshal(v)
	}
}
