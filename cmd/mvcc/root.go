package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/systemshift/memex-mvcc/internal/backend"
	"github.com/systemshift/memex-mvcc/internal/backend/sqlite"
	"github.com/systemshift/memex-mvcc/internal/config"
	"github.com/systemshift/memex-mvcc/internal/logging"
	"github.com/systemshift/memex-mvcc/internal/mvcc"
)

// DefaultConfigPath is read when --config is not given. It may be absent.
const DefaultConfigPath = "mvcc.yaml"

type globalFlags struct {
	configPath string
	dbPath     string
	driver     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:   "mvcc",
		Short: "Git-style versioned document store",
		Long: `mvcc stores JSON documents in collections under a commit graph with
branches, three-way merges and garbage collection.

Examples:
  mvcc init
  mvcc put master persons '{"name":"Peter","age":30}'
  mvcc branch create feature
  mvcc merge feature --into master
  mvcc log master -n 5`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", DefaultConfigPath, "Path to the YAML configuration")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "Database path (overrides storage.path)")
	root.PersistentFlags().StringVar(&g.driver, "driver", "", "Storage driver: sqlite or memory (overrides storage.driver)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (overrides logging.level)")

	root.AddCommand(
		newInitCmd(&g),
		newBranchCmd(&g),
		newCheckoutCmd(&g),
		newPutCmd(&g),
		newRmCmd(&g),
		newMergeCmd(&g),
		newLogCmd(&g),
		newGCCmd(&g),
		newMountCmd(&g),
	)
	return root
}

func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dbPath != "" {
		cfg.Storage.Path = g.dbPath
	}
	if g.driver != "" {
		cfg.Storage.Driver = g.driver
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is an open database plus what must be released with it.
type session struct {
	cfg    *config.Config
	db     *mvcc.Database
	logger *slog.Logger
	closer io.Closer
}

func (s *session) Close() error {
	err := s.db.Close()
	if cerr := s.closer.Close(); err == nil {
		err = cerr
	}
	return err
}

func openBackend(cfg config.StorageConfig) (backend.Backend, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return backend.NewMemory(), nil
	case config.DriverSQLite:
		return sqlite.OpenWithConfig(sqlite.DBConfig{
			Path:            cfg.Path,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			BusyTimeout:     cfg.BusyTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// open loads the configuration and opens the database it names.
func (g *globalFlags) open(ctx context.Context) (*session, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	be, err := openBackend(cfg.Storage)
	if err != nil {
		closer.Close()
		return nil, err
	}
	db, err := mvcc.Open(ctx, be,
		mvcc.WithLogger(logger),
		mvcc.WithSnapshotCacheSize(cfg.Cache.SnapshotEntries),
		mvcc.WithRevisionCacheCost(cfg.Cache.RevisionMaxCost),
		mvcc.WithMaxCommitRetries(cfg.Commit.MaxRetries),
		mvcc.WithGCConfig(mvcc.GCConfig{
			Interval:       cfg.GC.Interval,
			MinCommitAge:   cfg.GC.MinCommitAge,
			BatchSize:      cfg.GC.BatchSize,
			CheckpointPath: cfg.GC.Checkpoint,
		}),
	)
	if err != nil {
		be.Close()
		closer.Close()
		return nil, err
	}
	return &session{cfg: cfg, db: db, logger: logger, closer: closer}, nil
}

// withDB runs fn against an open database and closes it afterwards.
func (g *globalFlags) withDB(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := g.open(ctx)
	if err != nil {
		return err
	}
	runErr := fn(ctx, s)
	if err := s.Close(); runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
