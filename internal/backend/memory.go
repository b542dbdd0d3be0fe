package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

// Memory is a Backend held entirely in process memory. Values are cloned on
// the way in and out so callers can never alias stored state.
type Memory struct {
	mu        sync.RWMutex
	closed    bool
	revisions map[dag.RevisionKey]*dag.Revision
	byUID     map[dag.UID][]dag.CID
	byCID     map[dag.CID][]dag.UID
	commits   map[dag.CID]*dag.Commit
	branches  map[string]dag.CID
	counters  map[string]uint64
	indexes   map[string]struct{}
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	m := &Memory{}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.revisions = make(map[dag.RevisionKey]*dag.Revision)
	m.byUID = make(map[dag.UID][]dag.CID)
	m.byCID = make(map[dag.CID][]dag.UID)
	m.commits = make(map[dag.CID]*dag.Commit)
	m.branches = make(map[string]dag.CID)
	m.counters = make(map[string]uint64)
	m.indexes = make(map[string]struct{})
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) InsertRevision(ctx context.Context, rev *dag.Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	key := rev.Key()
	if _, ok := m.revisions[key]; ok {
		return fmt.Errorf("revision %s: %w", key, ErrExists)
	}
	m.revisions[key] = rev.Clone()
	m.byUID[rev.UID] = append(m.byUID[rev.UID], rev.CID)
	m.byCID[rev.CID] = append(m.byCID[rev.CID], rev.UID)
	return nil
}

func (m *Memory) FindRevisions(ctx context.Context, uid dag.UID) ([]*dag.Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	cids := append([]dag.CID(nil), m.byUID[uid]...)
	dag.SortCIDs(cids)
	out := make([]*dag.Revision, 0, len(cids))
	for _, cid := range cids {
		out = append(out, m.revisions[dag.RevisionKey{UID: uid, CID: cid}].Clone())
	}
	return out, nil
}

func (m *Memory) FindRevision(ctx context.Context, uid dag.UID, cid dag.CID) (*dag.Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	rev, ok := m.revisions[dag.RevisionKey{UID: uid, CID: cid}]
	if !ok {
		return nil, fmt.Errorf("revision %s@%s: %w", uid, cid, ErrNotFound)
	}
	return rev.Clone(), nil
}

func (m *Memory) FindCommitRevisions(ctx context.Context, cid dag.CID) ([]*dag.Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	uids := append([]dag.UID(nil), m.byCID[cid]...)
	uids = dag.SortUIDs(uids)
	out := make([]*dag.Revision, 0, len(uids))
	for _, uid := range uids {
		out = append(out, m.revisions[dag.RevisionKey{UID: uid, CID: cid}].Clone())
	}
	return out, nil
}

func (m *Memory) DeleteCommitRevisions(ctx context.Context, cid dag.CID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	uids := m.byCID[cid]
	for _, uid := range uids {
		delete(m.revisions, dag.RevisionKey{UID: uid, CID: cid})
		rest := m.byUID[uid][:0]
		for _, c := range m.byUID[uid] {
			if c != cid {
				rest = append(rest, c)
			}
		}
		if len(rest) == 0 {
			delete(m.byUID, uid)
		} else {
			m.byUID[uid] = rest
		}
	}
	delete(m.byCID, cid)
	return len(uids), nil
}

func (m *Memory) InsertCommit(ctx context.Context, c *dag.Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.commits[c.CID]; ok {
		return fmt.Errorf("commit %s: %w", c.CID, ErrExists)
	}
	m.commits[c.CID] = c.Clone()
	return nil
}

func (m *Memory) FindCommit(ctx context.Context, cid dag.CID) (*dag.Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	c, ok := m.commits[cid]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", cid, ErrNotFound)
	}
	return c.Clone(), nil
}

func (m *Memory) ListCommits(ctx context.Context, after dag.CID) ([]*dag.Commit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []*dag.Commit
	for cid, c := range m.commits {
		if cid > after {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CID < out[j].CID })
	return out, nil
}

func (m *Memory) DeleteCommit(ctx context.Context, cid dag.CID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	delete(m.commits, cid)
	return nil
}

func (m *Memory) CreateBranch(ctx context.Context, ref dag.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.branches[ref.Name]; ok {
		return fmt.Errorf("branch %s: %w", ref.Name, ErrExists)
	}
	m.branches[ref.Name] = ref.Head
	return nil
}

func (m *Memory) GetBranch(ctx context.Context, name string) (dag.Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return dag.Ref{}, err
	}
	head, ok := m.branches[name]
	if !ok {
		return dag.Ref{}, fmt.Errorf("branch %s: %w", name, ErrNotFound)
	}
	return dag.Ref{Name: name, Head: head}, nil
}

func (m *Memory) ListBranches(ctx context.Context) ([]dag.Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	out := make([]dag.Ref, 0, len(m.branches))
	for name, head := range m.branches {
		out = append(out, dag.Ref{Name: name, Head: head})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) DeleteBranch(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	if _, ok := m.branches[name]; !ok {
		return fmt.Errorf("branch %s: %w", name, ErrNotFound)
	}
	delete(m.branches, name)
	return nil
}

func (m *Memory) CASHead(ctx context.Context, name string, expected, next dag.CID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}
	head, ok := m.branches[name]
	if !ok {
		return false, fmt.Errorf("branch %s: %w", name, ErrNotFound)
	}
	if head != expected {
		return false, nil
	}
	m.branches[name] = next
	return true, nil
}

func (m *Memory) AllocateCounter(ctx context.Context, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	m.counters[name]++
	return m.counters[name], nil
}

func (m *Memory) ReadCounter(ctx context.Context, name string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	return m.counters[name], nil
}

func (m *Memory) CreateIndex(ctx context.Context, fieldPath string) error {
	if err := ValidateFieldPath(fieldPath); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.indexes[fieldPath] = struct{}{}
	return nil
}

// Indexes returns the field paths CreateIndex has recorded.
func (m *Memory) Indexes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.indexes))
	for p := range m.indexes {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Drop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}
	m.reset()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
