// Package sqlite implements core.EntityStore on top of a single-file SQLite
// database via the pure-Go modernc.org/sqlite driver (no CGO). It backs the
// Lite deployment profile: one process, one file, WAL mode for concurrent
// readers during a writer's transaction.
//
// Features:
//   - WAL mode enabled (concurrent reads during writes)
//   - Foreign keys enabled (data integrity)
//   - Secure file permissions (0600, owner read/write only)
//   - WithSavepoint backed by real SQL SAVEPOINTs, nested arbitrarily deep
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/palacewire/circulation/internal/core"
	"github.com/palacewire/circulation/pkg/metrics"
)

// forbiddenPathPrefixes blocks obviously unsafe database locations; this is
// a sanity check, not a sandbox.
var forbiddenPathPrefixes = []string{"/etc", "/sys", "/proc", "/dev"}

// queryable is satisfied by both *sql.DB and *sql.Tx, letting every CRUD
// method below run identically whether or not a savepoint is in effect.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStorage implements core.EntityStore against a SQLite database file.
//
// A zero-value tx means this handle talks directly to the connection pool;
// WithSavepoint returns a child handle bound to a transaction (and, for
// nested calls, to the same transaction with an extra SAVEPOINT layered on
// top) so callers see exact rollback semantics instead of the whole-store
// snapshot/restore the in-memory store uses.
type SQLiteStorage struct {
	db      *sql.DB
	conn    queryable
	path    string
	logger  *slog.Logger
	metrics *metrics.DatabaseMetrics
	seq     *atomic.Uint64
}

// NewSQLiteStorage opens (creating if necessary) the SQLite database at path
// and prepares its schema. dbMetrics may be nil to disable instrumentation.
func NewSQLiteStorage(ctx context.Context, path string, logger *slog.Logger, dbMetrics *metrics.DatabaseMetrics) (*SQLiteStorage, error) {
	if err := validatePath(path); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sqlite: create directory %s: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	// SQLite allows only one writer at a time; a large connection pool just
	// produces SQLITE_BUSY under load. A handful of readers plus the single
	// effective writer is enough for the Lite profile.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}

	s := &SQLiteStorage{
		db:      db,
		conn:    db,
		path:    path,
		logger:  logger,
		metrics: dbMetrics,
		seq:     new(atomic.Uint64),
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}

	if err := os.Chmod(path, 0o600); err != nil {
		logger.Warn("failed to restrict database file permissions", "path", path, "error", err)
	}

	return s, nil
}

func validatePath(path string) error {
	if strings.Contains(path, "..") {
		return fmt.Errorf("path must not contain '..': %s", path)
	}
	for _, prefix := range forbiddenPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return fmt.Errorf("path may not live under %s: %s", prefix, path)
		}
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS patrons (
	id                       TEXT PRIMARY KEY,
	library_id               TEXT NOT NULL,
	authorization_identifier TEXT NOT NULL DEFAULT '',
	last_loan_activity_sync  INTEGER,
	block_reason             TEXT NOT NULL DEFAULT '',
	fines                    REAL NOT NULL DEFAULT 0,
	authorization_expires    INTEGER,
	neighborhood             TEXT,
	external_type            TEXT
);

CREATE TABLE IF NOT EXISTS license_pools (
	id                    INTEGER PRIMARY KEY,
	collection_id         INTEGER NOT NULL,
	data_source           TEXT NOT NULL DEFAULT '',
	identifier_type       TEXT NOT NULL,
	identifier            TEXT NOT NULL,
	open_access           INTEGER NOT NULL DEFAULT 0,
	unlimited_access      INTEGER NOT NULL DEFAULT 0,
	licenses_owned        INTEGER NOT NULL DEFAULT 0,
	licenses_available    INTEGER NOT NULL DEFAULT 0,
	patrons_in_hold_queue INTEGER NOT NULL DEFAULT 0,
	UNIQUE (collection_id, identifier_type, identifier)
);

CREATE TABLE IF NOT EXISTS delivery_mechanisms (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	content_type TEXT NOT NULL,
	drm_scheme   TEXT NOT NULL,
	streaming    INTEGER NOT NULL DEFAULT 0,
	UNIQUE (content_type, drm_scheme)
);

CREATE TABLE IF NOT EXISTS license_pool_delivery_mechanisms (
	id                                 INTEGER PRIMARY KEY AUTOINCREMENT,
	license_pool_id                    INTEGER NOT NULL REFERENCES license_pools(id),
	delivery_mechanism_id              INTEGER NOT NULL REFERENCES delivery_mechanisms(id),
	rights_uri                         TEXT NOT NULL DEFAULT '',
	resource_url                       TEXT,
	resource_representation_available INTEGER,
	UNIQUE (license_pool_id, delivery_mechanism_id)
);

CREATE TABLE IF NOT EXISTS loans (
	id                  TEXT PRIMARY KEY,
	patron_id           TEXT NOT NULL,
	license_pool_id     INTEGER NOT NULL,
	start               INTEGER NOT NULL,
	"end"               INTEGER,
	fulfillment_lpdm_id INTEGER,
	external_identifier TEXT,
	UNIQUE (patron_id, license_pool_id)
);

CREATE TABLE IF NOT EXISTS holds (
	id                  TEXT PRIMARY KEY,
	patron_id           TEXT NOT NULL,
	license_pool_id     INTEGER NOT NULL,
	start               INTEGER NOT NULL,
	"end"               INTEGER,
	position            INTEGER,
	external_identifier TEXT,
	UNIQUE (patron_id, license_pool_id)
);

CREATE TABLE IF NOT EXISTS credentials (
	id            TEXT PRIMARY KEY,
	data_source   TEXT NOT NULL,
	type          TEXT NOT NULL,
	collection_id INTEGER,
	patron_id     TEXT,
	bytes         TEXT NOT NULL,
	expires       INTEGER
);

CREATE INDEX IF NOT EXISTS idx_loans_patron ON loans(patron_id);
CREATE INDEX IF NOT EXISTS idx_holds_patron ON holds(patron_id);
CREATE INDEX IF NOT EXISTS idx_lpdm_pool ON license_pool_delivery_mechanisms(license_pool_id);
CREATE INDEX IF NOT EXISTS idx_credentials_lookup ON credentials(data_source, type, collection_id, patron_id);
`

func (s *SQLiteStorage) initSchema(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying database connection. Calling Close on a
// savepoint-scoped handle is a no-op; only the root handle owns the *sql.DB.
func (s *SQLiteStorage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the filesystem path of the database file.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// WithSavepoint runs fn against a transaction-scoped handle. The outermost
// call opens a *sql.Tx; nested calls issue a named SAVEPOINT within it, so a
// deeply nested failure rolls back only its own layer.
func (s *SQLiteStorage) WithSavepoint(ctx context.Context, fn func(ctx context.Context, store core.EntityStore) error) error {
	if tx, ok := s.conn.(*sql.Tx); ok {
		name := fmt.Sprintf("sp_%d", s.seq.Add(1))
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
			return fmt.Errorf("sqlite: savepoint %s: %w", name, err)
		}

		child := &SQLiteStorage{conn: tx, path: s.path, logger: s.logger, metrics: s.metrics, seq: s.seq}
		if err := fn(ctx, child); err != nil {
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
				return fmt.Errorf("sqlite: rollback savepoint %s: %w (after: %v)", name, rbErr, err)
			}
			return err
		}
		_, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin transaction: %w", err)
	}

	child := &SQLiteStorage{conn: tx, path: s.path, logger: s.logger, metrics: s.metrics, seq: s.seq}
	if err := fn(ctx, child); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("savepoint rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) recordQuery(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil && err != sql.ErrNoRows {
		status = "error"
		s.metrics.ErrorsTotal.WithLabelValues("query").Inc()
	}
	s.metrics.QueriesTotal.WithLabelValues(op, status).Inc()
	s.metrics.QueryDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

type patronNotFoundError struct{ id string }

func (e patronNotFoundError) Error() string {
	return fmt.Sprintf("sqlite: patron %q not found", e.id)
}
