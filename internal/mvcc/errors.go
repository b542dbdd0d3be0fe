package mvcc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

// Engine errors, compared with errors.Is.
var (
	// ErrStorageUnavailable wraps any failed backend call. It is never retried
	// by the engine.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrUnknownDocument means the UID is not visible in the snapshot the
	// operation ran against.
	ErrUnknownDocument = errors.New("unknown document")
	// ErrConcurrentModification means the branch head moved and the changes
	// could not be shown to be disjoint. Check out again and retry.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrMergeConflict is matched by *MergeConflictError.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrCorruptGraph reports a violated graph invariant such as a missing parent.
	ErrCorruptGraph = dag.ErrCorruptGraph

	ErrBranchNotFound    = errors.New("branch not found")
	ErrBranchExists      = errors.New("branch already exists")
	ErrProtectedBranch   = errors.New("branch is protected")
	ErrReadOnlyBranch    = errors.New("branch is read-only")
	ErrTxnClosed         = errors.New("transaction is closed")
	ErrInvalidBranchName = dag.ErrInvalidBranchName
	ErrCommitNotFound    = dag.ErrCommitNotFound
	ErrClosed            = errors.New("database closed")
)

// Conflict is one document both sides of a merge changed incompatibly.
// Ours is the revision visible on the target branch, Theirs the one on the
// branch being merged in. Base is nil when the document did not exist at the
// merge base.
type Conflict struct {
	UID    dag.UID
	Base   *dag.Revision
	Ours   *dag.Revision
	Theirs *dag.Revision
}

// MergeConflictError carries every conflict found by a failed merge.
type MergeConflictError struct {
	Into      string
	From      string
	Base      dag.CID
	Conflicts []Conflict
}

func (e *MergeConflictError) Error() string {
	uids := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		uids[i] = c.UID.String()
	}
	return fmt.Sprintf("merge conflict: merging %s into %s: %d conflicting documents [%s]",
		e.From, e.Into, len(e.Conflicts), strings.Join(uids, " "))
}

func (e *MergeConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}

// UIDs lists the conflicting documents in ascending order.
func (e *MergeConflictError) UIDs() []dag.UID {
	out := make([]dag.UID, len(e.Conflicts))
	for i, c := range e.Conflicts {
		out[i] = c.UID
	}
	return out
}

// storageErr wraps a backend failure. Context errors pass through unchanged
// so callers can still tell cancellation apart from an outage.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
