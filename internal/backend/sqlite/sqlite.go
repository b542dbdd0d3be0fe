// Package sqlite implements backend.Backend on a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/systemshift/memex-mvcc/internal/backend"
	"github.com/systemshift/memex-mvcc/internal/dag"
)

//go:embed schema.sql
var schemaSQL string

const indexPrefix = "idx_payload_"

// DBConfig configures the connection pool.
type DBConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// Connection pool bounds.
const (
	MinOpenConns        = 1
	MaxOpenConnsLimit   = 200
	DefaultMaxOpenConns = 16
	DefaultMaxIdleConns = 4
	DefaultBusyTimeout  = 5 * time.Second
)

// DefaultDBConfig returns the configuration Open uses.
func DefaultDBConfig(path string) DBConfig {
	return DBConfig{
		Path:            path,
		MaxOpenConns:    DefaultMaxOpenConns,
		MaxIdleConns:    DefaultMaxIdleConns,
		ConnMaxLifetime: time.Hour,
		BusyTimeout:     DefaultBusyTimeout,
	}
}

// Validate checks the configuration values.
func (c DBConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("db config: path is required")
	}
	if c.MaxOpenConns < MinOpenConns || c.MaxOpenConns > MaxOpenConnsLimit {
		return fmt.Errorf("db config: MaxOpenConns must be between %d and %d, got %d",
			MinOpenConns, MaxOpenConnsLimit, c.MaxOpenConns)
	}
	if c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("db config: MaxIdleConns (%d) must be between 0 and MaxOpenConns (%d)",
			c.MaxIdleConns, c.MaxOpenConns)
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("db config: BusyTimeout must not be negative")
	}
	return nil
}

// DBOption adjusts a DBConfig.
type DBOption func(*DBConfig)

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) DBOption {
	return func(c *DBConfig) { c.MaxOpenConns = n }
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) DBOption {
	return func(c *DBConfig) { c.MaxIdleConns = n }
}

// WithBusyTimeout sets how long a writer waits for the database lock.
func WithBusyTimeout(d time.Duration) DBOption {
	return func(c *DBConfig) { c.BusyTimeout = d }
}

// Store is a SQLite backed backend.Backend.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

var _ backend.Backend = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string, opts ...DBOption) (*Store, error) {
	cfg := DefaultDBConfig(path)
	for _, opt := range opts {
		opt(&cfg)
	}
	return OpenWithConfig(cfg)
}

// OpenWithConfig opens a database with the given configuration.
func OpenWithConfig(cfg DBConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database at %s: %w", cfg.Path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database at %s: %w", cfg.Path, err)
	}
	return &Store{db: db, path: cfg.Path}, nil
}

// Path returns the database file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, backend.ErrClosed
	}
	return s.db, nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func (s *Store) InsertRevision(ctx context.Context, rev *dag.Revision) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	var payload sql.NullString
	if !rev.Deleted {
		data, err := dag.CanonicalJSON(rev.Payload)
		if err != nil {
			return fmt.Errorf("serialize revision %s: %w", rev.Key(), err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO revisions (uid, cid, collection, payload, digest, deleted) VALUES (?, ?, ?, ?, ?, ?)`,
		int64(rev.UID), int64(rev.CID), rev.Collection, payload, rev.Digest, rev.Deleted)
	if isConstraint(err) {
		return fmt.Errorf("revision %s: %w", rev.Key(), backend.ErrExists)
	}
	if err != nil {
		return fmt.Errorf("insert revision %s: %w", rev.Key(), err)
	}
	return nil
}

const revisionColumns = `uid, cid, collection, payload, digest, deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRevision(row rowScanner) (*dag.Revision, error) {
	var (
		uid, cid   int64
		collection string
		payload    sql.NullString
		digest     sql.NullString
		deleted    bool
	)
	if err := row.Scan(&uid, &cid, &collection, &payload, &digest, &deleted); err != nil {
		return nil, err
	}
	rev := &dag.Revision{
		V:          1,
		UID:        dag.UID(uid),
		CID:        dag.CID(cid),
		Collection: collection,
		Digest:     digest.String,
		Deleted:    deleted,
	}
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &rev.Payload); err != nil {
			return nil, fmt.Errorf("decode revision %s: %w", rev.Key(), err)
		}
	}
	return rev, nil
}

func (s *Store) queryRevisions(ctx context.Context, query string, args ...any) ([]*dag.Revision, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	var out []*dag.Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

func (s *Store) FindRevisions(ctx context.Context, uid dag.UID) ([]*dag.Revision, error) {
	return s.queryRevisions(ctx,
		`SELECT `+revisionColumns+` FROM revisions WHERE uid = ? ORDER BY cid`, int64(uid))
}

func (s *Store) FindRevision(ctx context.Context, uid dag.UID, cid dag.CID) (*dag.Revision, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+revisionColumns+` FROM revisions WHERE uid = ? AND cid = ?`, int64(uid), int64(cid))
	rev, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("revision %s@%s: %w", uid, cid, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find revision %s@%s: %w", uid, cid, err)
	}
	return rev, nil
}

func (s *Store) FindCommitRevisions(ctx context.Context, cid dag.CID) ([]*dag.Revision, error) {
	return s.queryRevisions(ctx,
		`SELECT `+revisionColumns+` FROM revisions WHERE cid = ? ORDER BY uid`, int64(cid))
}

func (s *Store) DeleteCommitRevisions(ctx context.Context, cid dag.CID) (int, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM revisions WHERE cid = ?`, int64(cid))
	if err != nil {
		return 0, fmt.Errorf("delete revisions of %s: %w", cid, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) InsertCommit(ctx context.Context, c *dag.Commit) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("serialize commit %s: %w", c.CID, err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO commits (cid, body) VALUES (?, ?)`, int64(c.CID), string(body))
	if isConstraint(err) {
		return fmt.Errorf("commit %s: %w", c.CID, backend.ErrExists)
	}
	if err != nil {
		return fmt.Errorf("insert commit %s: %w", c.CID, err)
	}
	return nil
}

func decodeCommit(body string) (*dag.Commit, error) {
	var c dag.Commit
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("decode commit: %w", err)
	}
	return &c, nil
}

func (s *Store) FindCommit(ctx context.Context, cid dag.CID) (*dag.Commit, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var body string
	err = db.QueryRowContext(ctx, `SELECT body FROM commits WHERE cid = ?`, int64(cid)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("commit %s: %w", cid, backend.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find commit %s: %w", cid, err)
	}
	return decodeCommit(body)
}

func (s *Store) ListCommits(ctx context.Context, after dag.CID) ([]*dag.Commit, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT body FROM commits WHERE cid > ? ORDER BY cid`, int64(after))
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	var out []*dag.Commit
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		c, err := decodeCommit(body)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCommit(ctx context.Context, cid dag.CID) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM commits WHERE cid = ?`, int64(cid)); err != nil {
		return fmt.Errorf("delete commit %s: %w", cid, err)
	}
	return nil
}

func (s *Store) CreateBranch(ctx context.Context, ref dag.Ref) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO branches (name, head) VALUES (?, ?)`, ref.Name, int64(ref.Head))
	if isConstraint(err) {
		return fmt.Errorf("branch %s: %w", ref.Name, backend.ErrExists)
	}
	if err != nil {
		return fmt.Errorf("create branch %s: %w", ref.Name, err)
	}
	return nil
}

func (s *Store) GetBranch(ctx context.Context, name string) (dag.Ref, error) {
	db, err := s.conn()
	if err != nil {
		return dag.Ref{}, err
	}
	var head int64
	err = db.QueryRowContext(ctx, `SELECT head FROM branches WHERE name = ?`, name).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return dag.Ref{}, fmt.Errorf("branch %s: %w", name, backend.ErrNotFound)
	}
	if err != nil {
		return dag.Ref{}, fmt.Errorf("get branch %s: %w", name, err)
	}
	return dag.Ref{Name: name, Head: dag.CID(head)}, nil
}

// ListBranches reads every branch in one statement, which SQLite runs against
// a single consistent snapshot.
func (s *Store) ListBranches(ctx context.Context) ([]dag.Ref, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT name, head FROM branches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	out := []dag.Ref{}
	for rows.Next() {
		var (
			name string
			head int64
		)
		if err := rows.Scan(&name, &head); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		out = append(out, dag.Ref{Name: name, Head: dag.CID(head)})
	}
	return out, rows.Err()
}

func (s *Store) DeleteBranch(ctx context.Context, name string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM branches WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("branch %s: %w", name, backend.ErrNotFound)
	}
	return nil
}

func (s *Store) CASHead(ctx context.Context, name string, expected, next dag.CID) (bool, error) {
	db, err := s.conn()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx,
		`UPDATE branches SET head = ? WHERE name = ? AND head = ?`, int64(next), name, int64(expected))
	if err != nil {
		return false, fmt.Errorf("cas head of %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetBranch(ctx, name); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) AllocateCounter(ctx context.Context, name string) (uint64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var v int64
	err = db.QueryRowContext(ctx,
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`, name).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("allocate %s: %w", name, err)
	}
	return uint64(v), nil
}

func (s *Store) ReadCounter(ctx context.Context, name string) (uint64, error) {
	db, err := s.conn()
	if err != nil {
		return 0, err
	}
	var v int64
	err = db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	return uint64(v), nil
}

// indexName hex-encodes the path so distinct paths never share an index name.
func indexName(fieldPath string) string {
	return indexPrefix + hex.EncodeToString([]byte(fieldPath))
}

// CreateIndex adds an expression index over json_extract(payload, '$.path').
func (s *Store) CreateIndex(ctx context.Context, fieldPath string) error {
	if err := backend.ValidateFieldPath(fieldPath); err != nil {
		return err
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	name := indexName(fieldPath)
	stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON revisions(collection, json_extract(payload, '$.%s'))`,
		name, fieldPath)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create index on %s: %w", fieldPath, err)
	}
	return nil
}

// Drop removes every row and every payload index.
func (s *Store) Drop(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin drop: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE ?`, indexPrefix+"%")
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}
	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		indexes = append(indexes, name)
	}
	rows.Close()

	for _, name := range indexes {
		if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS `+name); err != nil {
			return fmt.Errorf("drop index %s: %w", name, err)
		}
	}
	for _, table := range []string{"revisions", "commits", "branches", "counters"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
