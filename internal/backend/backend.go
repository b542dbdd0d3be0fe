// Package backend defines the narrow storage contract the version engine is
// built on, together with an in-memory implementation.
//
// Every method is atomic on its own. The engine never needs multi-call
// transactions: it publishes work through CASHead, so a crash between calls
// leaves at most unreachable commits and revisions behind.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

// Backend errors.
var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
	ErrClosed   = errors.New("backend closed")
)

// Counter namespaces used by the identity allocator.
const (
	CounterUID = "uid"
	CounterCID = "cid"
)

// Backend is the persistence contract: one collection of revisions keyed by
// (UID, CID), one of commits keyed by CID, one of branch records keyed by name
// and one counter per identifier namespace.
type Backend interface {
	// InsertRevision stores an immutable revision. ErrExists if (UID, CID) is taken.
	InsertRevision(ctx context.Context, rev *dag.Revision) error
	// FindRevisions returns every revision of uid in ascending CID order.
	FindRevisions(ctx context.Context, uid dag.UID) ([]*dag.Revision, error)
	// FindRevision returns the revision at (uid, cid) or ErrNotFound.
	FindRevision(ctx context.Context, uid dag.UID, cid dag.CID) (*dag.Revision, error)
	// FindCommitRevisions returns the revisions stamped with cid in ascending UID order.
	FindCommitRevisions(ctx context.Context, cid dag.CID) ([]*dag.Revision, error)
	// DeleteCommitRevisions removes every revision stamped with cid.
	DeleteCommitRevisions(ctx context.Context, cid dag.CID) (int, error)

	// InsertCommit stores an immutable commit. ErrExists if the CID is taken.
	InsertCommit(ctx context.Context, c *dag.Commit) error
	// FindCommit returns the commit or ErrNotFound.
	FindCommit(ctx context.Context, cid dag.CID) (*dag.Commit, error)
	// ListCommits returns commits with CID greater than after, ascending.
	ListCommits(ctx context.Context, after dag.CID) ([]*dag.Commit, error)
	// DeleteCommit removes a commit record. Missing commits are not an error.
	DeleteCommit(ctx context.Context, cid dag.CID) error

	// CreateBranch stores a new branch record. ErrExists if the name is taken.
	CreateBranch(ctx context.Context, ref dag.Ref) error
	// GetBranch returns the branch record or ErrNotFound.
	GetBranch(ctx context.Context, name string) (dag.Ref, error)
	// ListBranches returns all branch records, sorted by name, read in one atomic step.
	ListBranches(ctx context.Context) ([]dag.Ref, error)
	// DeleteBranch removes a branch record or returns ErrNotFound.
	DeleteBranch(ctx context.Context, name string) error
	// CASHead moves the head of name from expected to next. It reports false
	// when the head no longer equals expected, ErrNotFound if the branch is gone.
	CASHead(ctx context.Context, name string, expected, next dag.CID) (bool, error)

	// AllocateCounter atomically increments the named counter and returns the
	// new value. The first allocation returns 1.
	AllocateCounter(ctx context.Context, name string) (uint64, error)
	// ReadCounter returns the last value allocated from name, 0 if none.
	ReadCounter(ctx context.Context, name string) (uint64, error)

	// CreateIndex ensures an index over a payload field path such as "name" or "address.city".
	CreateIndex(ctx context.Context, fieldPath string) error

	// Drop deletes all persisted state.
	Drop(ctx context.Context) error
	// Close releases resources. The backend is unusable afterwards.
	Close() error
}

// ValidateFieldPath checks an index field path: dot-separated identifiers.
func ValidateFieldPath(path string) error {
	if path == "" {
		return fmt.Errorf("invalid field path %q", path)
	}
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return fmt.Errorf("invalid field path %q", path)
		}
		for i, r := range seg {
			switch {
			case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9' && i > 0:
			default:
				return fmt.Errorf("invalid field path %q", path)
			}
		}
	}
	return nil
}
