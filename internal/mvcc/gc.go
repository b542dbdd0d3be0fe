package mvcc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

// GC errors.
var (
	ErrGCAlreadyRunning = errors.New("garbage collector is already running")
	ErrGCNotRunning     = errors.New("garbage collector is not running")
)

// DefaultGCInterval is the default interval between background sweeps.
const DefaultGCInterval = 5 * time.Minute

// GCConfig holds configuration options for the GarbageCollector.
type GCConfig struct {
	// Interval is the time between background sweeps.
	Interval time.Duration

	// MinCommitAge keeps unreachable commits younger than this. Other
	// processes sharing the backend may still be between writing a commit
	// and moving their branch head to it.
	MinCommitAge time.Duration

	// BatchSize caps the commits deleted per sweep. The rest stay in the
	// checkpoint for the next sweep. 0 means no limit.
	BatchSize int

	// CheckpointPath, when set, records the pending deletions of a sweep so
	// an interrupted sweep resumes where it stopped.
	CheckpointPath string
}

// DefaultGCConfig returns the default GC configuration.
func DefaultGCConfig() GCConfig {
	return GCConfig{Interval: DefaultGCInterval}
}

// GCStats holds statistics about garbage collection.
type GCStats struct {
	TotalRuns               uint64
	TotalCommitsCollected   uint64
	TotalRevisionsCollected uint64
	LastSweepID             string
	LastRunTime             time.Time
	LastRunDuration         time.Duration
	LastCommitsCollected    int
	LastRevisionsCollected  int
	// Pending is the number of proven-unreachable commits left for later sweeps.
	Pending int
}

// SweepResult reports one call to Collect.
type SweepResult struct {
	SweepID   string
	Resumed   bool
	Commits   int
	Revisions int
	Pending   int
}

// checkpoint is the on-disk state of an unfinished sweep.
type checkpoint struct {
	Database  string    `json:"database"`
	SweepID   string    `json:"sweep_id"`
	Started   time.Time `json:"started"`
	Watermark dag.CID   `json:"watermark"`
	Pending   []dag.CID `json:"pending"`
}

// GarbageCollector removes commits no branch can reach, together with the
// revisions they produced.
//
// A sweep snapshots every branch head and the CID counter while holding the
// database's publish lock, so no commit of this process is between
// allocation and head CAS at that moment. Commits allocated afterwards are
// above the watermark and never candidates. Everything else unreachable from
// the snapshot can never become reachable again: heads only move forward to
// new commits and branches are only created from existing heads.
type GarbageCollector struct {
	db     *Database
	config GCConfig

	running int32
	stopCh  chan struct{}
	doneCh  chan struct{}

	sweepMu sync.Mutex // one sweep at a time
	mu      sync.RWMutex
	stats   GCStats
	closed  bool

	// memCheckpoint stands in for the checkpoint file when CheckpointPath is empty.
	memCheckpoint *checkpoint
}

func newGarbageCollector(db *Database, cfg GCConfig) *GarbageCollector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultGCInterval
	}
	return &GarbageCollector{db: db, config: cfg}
}

// Config returns the collector configuration.
func (gc *GarbageCollector) Config() GCConfig {
	return gc.config
}

// Start runs Collect every Interval in the background.
func (gc *GarbageCollector) Start() error {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	if gc.closed {
		return ErrClosed
	}
	if atomic.LoadInt32(&gc.running) == 1 {
		return ErrGCAlreadyRunning
	}

	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	gc.stopCh = stopCh
	gc.doneCh = doneCh
	atomic.StoreInt32(&gc.running, 1)

	go gc.runBackground(stopCh, doneCh)
	gc.db.logger.Info("gc started", "interval", gc.config.Interval)
	return nil
}

// Stop stops background sweeps, waiting for a running sweep to finish.
func (gc *GarbageCollector) Stop() error {
	gc.mu.Lock()
	if !atomic.CompareAndSwapInt32(&gc.running, 1, 0) {
		gc.mu.Unlock()
		return ErrGCNotRunning
	}
	stopCh := gc.stopCh
	doneCh := gc.doneCh
	gc.stopCh = nil
	gc.doneCh = nil
	gc.mu.Unlock()

	close(stopCh)
	<-doneCh
	return nil
}

// IsRunning reports whether background sweeps are active.
func (gc *GarbageCollector) IsRunning() bool {
	return atomic.LoadInt32(&gc.running) == 1
}

func (gc *GarbageCollector) shutdown() {
	_ = gc.Stop()
	gc.mu.Lock()
	gc.closed = true
	gc.mu.Unlock()
}

func (gc *GarbageCollector) runBackground(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	ticker := time.NewTicker(gc.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := gc.Collect(ctx); err != nil && ctx.Err() == nil {
				gc.db.logger.Error("gc sweep failed", "error", err)
			}
		}
	}
}

// Stats returns a copy of the collector statistics.
func (gc *GarbageCollector) Stats() GCStats {
	gc.mu.RLock()
	defer gc.mu.RUnlock()
	return gc.stats
}

// Collect runs one sweep. It first finishes any sweep recorded in the
// checkpoint, otherwise it computes a new candidate set. It only ever deletes
// commits proven unreachable and may be interrupted at any point.
func (gc *GarbageCollector) Collect(ctx context.Context) (SweepResult, error) {
	gc.mu.RLock()
	closed := gc.closed
	gc.mu.RUnlock()
	if closed {
		return SweepResult{}, ErrClosed
	}
	if err := gc.db.check(); err != nil {
		return SweepResult{}, err
	}

	gc.sweepMu.Lock()
	defer gc.sweepMu.Unlock()

	start := time.Now()
	logger := gc.db.logger.With("component", "gc")

	cp, resumed, err := gc.loadCheckpoint()
	if err != nil {
		return SweepResult{}, err
	}
	if resumed && cp.Database != gc.db.identity {
		logger.Warn("discarding checkpoint of another database", "sweep", cp.SweepID, "database", cp.Database)
		if err := gc.removeCheckpoint(); err != nil {
			return SweepResult{}, err
		}
		resumed = false
	}
	if resumed {
		// Only delete what is still provably unreachable now.
		fresh, err := gc.plan(ctx)
		if err != nil {
			return SweepResult{}, err
		}
		before := len(cp.Pending)
		cp.Pending = intersectPending(cp.Pending, fresh.Pending)
		logger.Warn("resuming interrupted sweep", "sweep", cp.SweepID, "pending", len(cp.Pending),
			"dropped", before-len(cp.Pending))
	} else {
		cp, err = gc.plan(ctx)
		if err != nil {
			return SweepResult{}, err
		}
		if err := gc.saveCheckpoint(cp); err != nil {
			return SweepResult{}, err
		}
	}

	res := SweepResult{SweepID: cp.SweepID, Resumed: resumed}
	for len(cp.Pending) > 0 {
		if gc.config.BatchSize > 0 && res.Commits >= gc.config.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cid := cp.Pending[0]
		n, err := gc.collectCommit(ctx, cid)
		if err != nil {
			res.Pending = len(cp.Pending)
			return res, err
		}
		res.Commits++
		res.Revisions += n
		cp.Pending = cp.Pending[1:]
		if err := gc.saveCheckpoint(cp); err != nil {
			return res, err
		}
	}
	res.Pending = len(cp.Pending)
	if res.Pending == 0 {
		if err := gc.removeCheckpoint(); err != nil {
			return res, err
		}
	}

	gc.record(res, start)
	logger.Info("sweep finished", "sweep", res.SweepID, "commits", res.Commits,
		"revisions", res.Revisions, "pending", res.Pending, "duration", time.Since(start))
	return res, nil
}

// plan snapshots the heads and returns every collectable commit, newest first
// so a partial sweep never strands a child whose parent is already gone.
func (gc *GarbageCollector) plan(ctx context.Context) (checkpoint, error) {
	db := gc.db
	cp := checkpoint{Database: db.identity, SweepID: uuid.NewString(), Started: db.opts.clock().UTC()}

	db.publish.Lock()
	watermark, err := db.alloc.CIDWatermark(ctx)
	var refs []dag.Ref
	if err == nil {
		refs, err = db.be.ListBranches(ctx)
		if err != nil {
			err = storageErr("list branches", err)
		}
	}
	db.publish.Unlock()
	if err != nil {
		return cp, err
	}
	cp.Watermark = watermark

	all, err := db.be.ListCommits(ctx, dag.NoCID)
	if err != nil {
		return cp, storageErr("list commits", err)
	}
	byCID := make(map[dag.CID]*dag.Commit, len(all))
	for _, c := range all {
		byCID[c.CID] = c
	}

	reachable := make(map[dag.CID]struct{}, len(all))
	stack := make([]dag.CID, 0, len(refs))
	for _, ref := range refs {
		stack = append(stack, ref.Head)
	}
	for len(stack) > 0 {
		cid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := reachable[cid]; seen {
			continue
		}
		c, ok := byCID[cid]
		if !ok {
			return cp, fmt.Errorf("%w: reachable commit %s missing from storage", ErrCorruptGraph, cid)
		}
		reachable[cid] = struct{}{}
		stack = append(stack, c.Parents...)
	}

	cutoff := cp.Started.Add(-gc.config.MinCommitAge)
	for _, c := range all {
		if _, ok := reachable[c.CID]; ok {
			continue
		}
		if c.CID > watermark {
			continue
		}
		if gc.config.MinCommitAge > 0 && c.Timestamp.After(cutoff) {
			continue
		}
		cp.Pending = append(cp.Pending, c.CID)
	}
	sort.Slice(cp.Pending, func(i, j int) bool { return cp.Pending[i] > cp.Pending[j] })
	return cp, nil
}

// intersectPending keeps the CIDs of pending that are also in fresh, in
// pending's order.
func intersectPending(pending, fresh []dag.CID) []dag.CID {
	keep := make(map[dag.CID]struct{}, len(fresh))
	for _, cid := range fresh {
		keep[cid] = struct{}{}
	}
	out := pending[:0:0]
	for _, cid := range pending {
		if _, ok := keep[cid]; ok {
			out = append(out, cid)
		}
	}
	return out
}

// collectCommit removes the revisions of cid, then the commit itself, so an
// interruption never leaves revisions without their commit.
func (gc *GarbageCollector) collectCommit(ctx context.Context, cid dag.CID) (int, error) {
	db := gc.db
	c, err := db.be.FindCommit(ctx, cid)
	if err != nil {
		if isNotFound(err) {
			// Already gone, from an earlier attempt or another process.
			if _, err := db.be.DeleteCommitRevisions(ctx, cid); err != nil {
				return 0, storageErr("delete revisions of "+cid.String(), err)
			}
			db.forget(cid)
			return 0, nil
		}
		return 0, storageErr("find commit "+cid.String(), err)
	}
	n, err := db.revs.DeleteCommit(ctx, c)
	if err != nil {
		return 0, err
	}
	db.forget(cid)
	if err := db.be.DeleteCommit(ctx, cid); err != nil {
		return n, storageErr("delete commit "+cid.String(), err)
	}
	return n, nil
}

func (gc *GarbageCollector) record(res SweepResult, start time.Time) {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	gc.stats.TotalRuns++
	gc.stats.TotalCommitsCollected += uint64(res.Commits)
	gc.stats.TotalRevisionsCollected += uint64(res.Revisions)
	gc.stats.LastSweepID = res.SweepID
	gc.stats.LastRunTime = start
	gc.stats.LastRunDuration = time.Since(start)
	gc.stats.LastCommitsCollected = res.Commits
	gc.stats.LastRevisionsCollected = res.Revisions
	gc.stats.Pending = res.Pending
}

func (gc *GarbageCollector) loadCheckpoint() (checkpoint, bool, error) {
	if gc.config.CheckpointPath == "" {
		gc.mu.RLock()
		defer gc.mu.RUnlock()
		if gc.memCheckpoint == nil {
			return checkpoint{}, false, nil
		}
		return *gc.memCheckpoint, true, nil
	}
	var cp checkpoint
	found, err := dag.ReadJSONFile(gc.config.CheckpointPath, &cp)
	if err != nil {
		return checkpoint{}, false, fmt.Errorf("load gc checkpoint: %w", err)
	}
	if !found || len(cp.Pending) == 0 {
		return checkpoint{}, false, nil
	}
	return cp, true, nil
}

func (gc *GarbageCollector) saveCheckpoint(cp checkpoint) error {
	if gc.config.CheckpointPath == "" {
		gc.mu.Lock()
		defer gc.mu.Unlock()
		if len(cp.Pending) == 0 {
			gc.memCheckpoint = nil
			return nil
		}
		saved := cp
		saved.Pending = append([]dag.CID(nil), cp.Pending...)
		gc.memCheckpoint = &saved
		return nil
	}
	if err := dag.WriteJSONFile(gc.config.CheckpointPath, cp); err != nil {
		return fmt.Errorf("save gc checkpoint: %w", err)
	}
	return nil
}

func (gc *GarbageCollector) removeCheckpoint() error {
	if gc.config.CheckpointPath == "" {
		gc.mu.Lock()
		gc.memCheckpoint = nil
		gc.mu.Unlock()
		return nil
	}
	return dag.RemoveFile(gc.config.CheckpointPath)
}
