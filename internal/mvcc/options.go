package mvcc

import (
	"log/slog"
	"time"
)

// DefaultMaxCommitRetries bounds how often a commit is replayed onto a moved
// head before giving up with ErrConcurrentModification.
const DefaultMaxCommitRetries = 8

type options struct {
	logger            *slog.Logger
	snapshotCacheSize int
	revisionCacheCost int64
	maxCommitRetries  int
	clock             func() time.Time
	gc                GCConfig
}

func defaultOptions() options {
	return options{
		logger:            slog.Default(),
		snapshotCacheSize: DefaultSnapshotCacheSize,
		revisionCacheCost: DefaultRevisionCacheCost,
		maxCommitRetries:  DefaultMaxCommitRetries,
		clock:             time.Now,
		gc:                DefaultGCConfig(),
	}
}

// Option configures a Database.
type Option func(*options)

// WithLogger sets the structured logger. nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSnapshotCacheSize sets how many resolved snapshots are memoized.
func WithSnapshotCacheSize(n int) Option {
	return func(o *options) { o.snapshotCacheSize = n }
}

// WithRevisionCacheCost sets the revision cache budget in bytes.
func WithRevisionCacheCost(cost int64) Option {
	return func(o *options) { o.revisionCacheCost = cost }
}

// WithMaxCommitRetries sets how many times a commit or merge is replayed
// after losing a head race to disjoint changes.
func WithMaxCommitRetries(n int) Option {
	return func(o *options) { o.maxCommitRetries = n }
}

// WithClock replaces time.Now for commit timestamps and GC age checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithGCConfig configures the garbage collector.
func WithGCConfig(cfg GCConfig) Option {
	return func(o *options) { o.gc = cfg }
}
