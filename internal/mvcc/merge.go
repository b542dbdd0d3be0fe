package mvcc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

// Resolution is a caller's answer to one merge conflict: a replacement
// payload, or Delete to keep the document deleted.
type Resolution struct {
	Payload map[string]interface{}
	Delete  bool
}

// MergeOption configures a merge.
type MergeOption func(*mergeOptions)

type mergeOptions struct {
	resolutions map[dag.UID]Resolution
	message     string
}

// WithResolutions resolves conflicts on the given documents. Conflicts
// without an entry still fail the merge; entries for documents that do not
// conflict are ignored.
func WithResolutions(r map[dag.UID]Resolution) MergeOption {
	return func(o *mergeOptions) { o.resolutions = r }
}

// WithMergeMessage sets the merge commit message.
func WithMergeMessage(msg string) MergeOption {
	return func(o *mergeOptions) { o.message = msg }
}

// MergeResult describes a successful merge.
type MergeResult struct {
	Into   string
	From   string
	Base   dag.CID
	Ours   dag.CID
	Theirs dag.CID
	// CID is the merge commit, dag.NoCID when AlreadyMerged.
	CID           dag.CID
	AlreadyMerged bool
	// Written lists the documents the merge commit carries a revision for.
	Written []dag.UID
	// Resolved lists the conflicts settled by WithResolutions.
	Resolved []dag.UID
}

type mergePlan struct {
	base       dag.CID
	writes     []*dag.Revision
	resolved   []dag.UID
	considered []dag.UID
}

func (p *mergePlan) touched() []dag.UID {
	out := make([]dag.UID, len(p.writes))
	for i, rev := range p.writes {
		out[i] = rev.UID
	}
	return out
}

func (p *mergePlan) stamp(cid dag.CID) []*dag.Revision {
	out := make([]*dag.Revision, len(p.writes))
	for i, rev := range p.writes {
		out[i] = rev.Restamp(cid)
	}
	return out
}

// Merge three-way merges the head of from into the branch into and moves
// into to a new two-parent commit whose first parent is into's head. When
// from's head is already an ancestor of into's head nothing is written.
//
// A document changed on both sides since the merge base to different
// results is a conflict; any unresolved conflict fails the merge with a
// *MergeConflictError and nothing is committed.
func (db *Database) Merge(ctx context.Context, into, from string, opts ...MergeOption) (*MergeResult, error) {
	if err := db.check(); err != nil {
		return nil, err
	}
	var mo mergeOptions
	for _, opt := range opts {
		opt(&mo)
	}
	if mo.message == "" {
		mo.message = fmt.Sprintf("merge %s into %s", from, into)
	}
	logger := db.logger.With("into", into, "from", from)

	for attempt := 1; ; attempt++ {
		ours, err := db.Head(ctx, into)
		if err != nil {
			return nil, err
		}
		theirs, err := db.Head(ctx, from)
		if err != nil {
			return nil, err
		}
		res := &MergeResult{Into: into, From: from, Ours: ours, Theirs: theirs}

		plan, err := db.planMerge(ctx, into, from, ours, theirs, mo.resolutions)
		if err != nil {
			var conflict *MergeConflictError
			if errors.As(err, &conflict) {
				logger.Info("merge conflict", "base", conflict.Base, "conflicts", len(conflict.Conflicts))
			}
			return nil, err
		}
		if plan == nil {
			res.AlreadyMerged = true
			logger.Info("already merged", "head", ours)
			return res, nil
		}
		res.Base = plan.base
		res.Written = plan.touched()
		res.Resolved = plan.resolved

		cid, ok, err := db.publishCommit(ctx, into, []dag.CID{ours, theirs}, res.Written, plan.stamp, mo.message,
			db.sourceAt(from, theirs))
		if errors.Is(err, errSourceMoved) {
			if attempt >= db.opts.maxCommitRetries {
				return nil, fmt.Errorf("%w: merge from %s: gave up after %d attempts",
					ErrConcurrentModification, from, attempt)
			}
			logger.Info("source head moved, recomputing merge")
			continue
		}
		if err != nil {
			return nil, err
		}
		if ok {
			res.CID = cid
			logger.Info("merged", "cid", cid, "base", plan.base, "written", len(res.Written),
				"resolved", len(res.Resolved))
			return res, nil
		}

		if _, err := db.replayBase(ctx, into, ours, plan.considered); err != nil {
			return nil, err
		}
		if attempt >= db.opts.maxCommitRetries {
			return nil, fmt.Errorf("%w: merge into %s: gave up after %d attempts",
				ErrConcurrentModification, into, attempt)
		}
		logger.Info("head moved, recomputing merge", "orphan", cid)
	}
}

var errSourceMoved = errors.New("merge source moved")

// sourceAt checks, under the publish hold, that from still points at theirs.
// A head read earlier may belong to a branch deleted since and already
// planned for collection; the current head of a live branch never is.
func (db *Database) sourceAt(from string, theirs dag.CID) func(context.Context) error {
	return func(ctx context.Context) error {
		head, err := db.Head(ctx, from)
		if err != nil {
			return err
		}
		if head != theirs {
			return errSourceMoved
		}
		return nil
	}
}

// planMerge computes the merge commit contents, or nil when theirs is
// already contained in ours.
func (db *Database) planMerge(ctx context.Context, into, from string, ours, theirs dag.CID,
	resolutions map[dag.UID]Resolution) (*mergePlan, error) {

	if _, err := db.commits.ensure(ctx, ours); err != nil {
		return nil, err
	}
	if _, err := db.commits.ensure(ctx, theirs); err != nil {
		return nil, err
	}
	graph := db.commits.arena()
	contained, err := graph.IsAncestor(theirs, ours)
	if err != nil {
		return nil, err
	}
	if contained {
		return nil, nil
	}
	base, err := graph.LCA(ours, theirs)
	if err != nil {
		return nil, err
	}

	var baseSnap, oursSnap, theirsSnap *Snapshot
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range []struct {
		cid dag.CID
		out **Snapshot
	}{{base, &baseSnap}, {ours, &oursSnap}, {theirs, &theirsSnap}} {
		job := job
		g.Go(func() error {
			s, err := db.resolver.Resolve(gctx, job.cid)
			*job.out = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates, err := changedSince(graph, base, ours, theirs)
	if err != nil {
		return nil, err
	}

	plan := &mergePlan{base: base, considered: candidates}
	var conflicts []Conflict
	for _, uid := range candidates {
		b, inBase := baseSnap.Entry(uid)
		o, inOurs := oursSnap.Entry(uid)
		t, inTheirs := theirsSnap.Entry(uid)
		oursChanged := !samePointer(b, inBase, o, inOurs)
		theirsChanged := !samePointer(b, inBase, t, inTheirs)

		var (
			result   *dag.Revision
			resultAt Pointer
			fromSide bool
		)
		switch {
		case !oursChanged && !theirsChanged:
			continue
		case !theirsChanged:
			resultAt, fromSide = o, true
		case !oursChanged:
			resultAt, fromSide = t, true
		case samePointer(o, inOurs, t, inTheirs):
			continue
		default:
			orev, err := db.revs.Get(ctx, uid, o.CID)
			if err != nil {
				return nil, err
			}
			trev, err := db.revs.Get(ctx, uid, t.CID)
			if err != nil {
				return nil, err
			}
			if orev.SamePayload(trev) {
				result = orev
				break
			}
			if r, ok := resolutions[uid]; ok {
				result, err = resolve(uid, o.Collection, r)
				if err != nil {
					return nil, err
				}
				plan.resolved = append(plan.resolved, uid)
				break
			}
			c := Conflict{UID: uid, Ours: orev, Theirs: trev}
			if inBase {
				if c.Base, err = db.revs.Get(ctx, uid, b.CID); err != nil {
					return nil, err
				}
			}
			conflicts = append(conflicts, c)
			continue
		}

		// Both parents must agree with the merge result, otherwise the
		// nearer-ancestor rule could pick the losing side later.
		if fromSide {
			if samePointer(resultAt, true, o, inOurs) && samePointer(resultAt, true, t, inTheirs) {
				continue
			}
			if result, err = db.revs.Get(ctx, uid, resultAt.CID); err != nil {
				return nil, err
			}
		}
		plan.writes = append(plan.writes, result)
	}

	if len(conflicts) > 0 {
		return nil, &MergeConflictError{Into: into, From: from, Base: base, Conflicts: conflicts}
	}
	return plan, nil
}

// changedSince returns, ascending, every UID touched between base and either head.
func changedSince(graph *dag.Graph, base, ours, theirs dag.CID) ([]dag.UID, error) {
	a, err := graph.TouchedSince(base, ours)
	if err != nil {
		return nil, err
	}
	b, err := graph.TouchedSince(base, theirs)
	if err != nil {
		return nil, err
	}
	for uid := range b {
		a[uid] = struct{}{}
	}
	out := make([]dag.UID, 0, len(a))
	for uid := range a {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// samePointer compares revision identity: both absent, or the same producing commit.
func samePointer(a Pointer, aok bool, b Pointer, bok bool) bool {
	if !aok || !bok {
		return aok == bok
	}
	return a.CID == b.CID
}

func resolve(uid dag.UID, collection string, r Resolution) (*dag.Revision, error) {
	if r.Delete {
		return dag.NewTombstone(uid, dag.NoCID, collection), nil
	}
	rev, err := dag.NewRevision(uid, dag.NoCID, collection, r.Payload)
	if err != nil {
		return nil, fmt.Errorf("resolution for %s: %w", uid, err)
	}
	return rev, nil
}
