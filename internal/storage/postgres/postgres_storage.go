// Package postgres implements core.EntityStore against PostgreSQL via
// pgx/pgxpool. It backs the Standard deployment profile, where multiple
// orchestrator replicas share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/palacewire/circulation/internal/core"
	"github.com/palacewire/circulation/pkg/metrics"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every CRUD
// method run identically whether or not a savepoint is in effect.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Storage implements core.EntityStore against a PostgreSQL database.
type Storage struct {
	pool    *pgxpool.Pool
	tx      pgx.Tx
	logger  *slog.Logger
	metrics *metrics.DatabaseMetrics
}

// NewStorage wraps an already-connected pool. The caller owns the pool's
// lifecycle (created via config, closed on shutdown).
func NewStorage(pool *pgxpool.Pool, logger *slog.Logger, dbMetrics *metrics.DatabaseMetrics) *Storage {
	return &Storage{pool: pool, logger: logger, metrics: dbMetrics}
}

// EnsureSchema creates the circulation entity tables if they do not already
// exist. Production deployments should prefer the goose migrations in
// internal/storage/migrator; this exists for local/dev bring-up without a
// separate migration step.
func (s *Storage) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS patrons (
	id                       TEXT PRIMARY KEY,
	library_id               TEXT NOT NULL,
	authorization_identifier TEXT NOT NULL DEFAULT '',
	last_loan_activity_sync  TIMESTAMPTZ,
	block_reason             TEXT NOT NULL DEFAULT '',
	fines                    DOUBLE PRECISION NOT NULL DEFAULT 0,
	authorization_expires    TIMESTAMPTZ,
	neighborhood             TEXT,
	external_type            TEXT
);

CREATE TABLE IF NOT EXISTS license_pools (
	id                    BIGINT PRIMARY KEY,
	collection_id         BIGINT NOT NULL,
	data_source           TEXT NOT NULL DEFAULT '',
	identifier_type       TEXT NOT NULL,
	identifier            TEXT NOT NULL,
	open_access           BOOLEAN NOT NULL DEFAULT FALSE,
	unlimited_access      BOOLEAN NOT NULL DEFAULT FALSE,
	licenses_owned        INTEGER NOT NULL DEFAULT 0,
	licenses_available    INTEGER NOT NULL DEFAULT 0,
	patrons_in_hold_queue INTEGER NOT NULL DEFAULT 0,
	UNIQUE (collection_id, identifier_type, identifier)
);

CREATE TABLE IF NOT EXISTS delivery_mechanisms (
	id           BIGSERIAL PRIMARY KEY,
	content_type TEXT NOT NULL,
	drm_scheme   TEXT NOT NULL,
	streaming    BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (content_type, drm_scheme)
);

CREATE TABLE IF NOT EXISTS license_pool_delivery_mechanisms (
	id                                 BIGSERIAL PRIMARY KEY,
	license_pool_id                    BIGINT NOT NULL REFERENCES license_pools(id),
	delivery_mechanism_id              BIGINT NOT NULL REFERENCES delivery_mechanisms(id),
	rights_uri                         TEXT NOT NULL DEFAULT '',
	resource_url                       TEXT,
	resource_representation_available BOOLEAN,
	UNIQUE (license_pool_id, delivery_mechanism_id)
);

CREATE TABLE IF NOT EXISTS loans (
	id                  TEXT PRIMARY KEY,
	patron_id           TEXT NOT NULL,
	license_pool_id     BIGINT NOT NULL,
	start               TIMESTAMPTZ NOT NULL,
	"end"               TIMESTAMPTZ,
	fulfillment_lpdm_id BIGINT,
	external_identifier TEXT,
	UNIQUE (patron_id, license_pool_id)
);

CREATE TABLE IF NOT EXISTS holds (
	id                  TEXT PRIMARY KEY,
	patron_id           TEXT NOT NULL,
	license_pool_id     BIGINT NOT NULL,
	start               TIMESTAMPTZ NOT NULL,
	"end"               TIMESTAMPTZ,
	position            INTEGER,
	external_identifier TEXT,
	UNIQUE (patron_id, license_pool_id)
);

CREATE TABLE IF NOT EXISTS credentials (
	id            TEXT PRIMARY KEY,
	data_source   TEXT NOT NULL,
	type          TEXT NOT NULL,
	collection_id BIGINT,
	patron_id     TEXT,
	bytes         TEXT NOT NULL,
	expires       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_loans_patron ON loans(patron_id);
CREATE INDEX IF NOT EXISTS idx_holds_patron ON holds(patron_id);
CREATE INDEX IF NOT EXISTS idx_lpdm_pool ON license_pool_delivery_mechanisms(license_pool_id);
CREATE INDEX IF NOT EXISTS idx_credentials_lookup ON credentials(data_source, type, collection_id, patron_id);
`

// conn returns the pool or, when this handle was produced by WithSavepoint,
// the bound transaction.
func (s *Storage) conn() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.pool
}

func (s *Storage) recordQuery(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "error"
		s.metrics.ErrorsTotal.WithLabelValues("query").Inc()
	}
	s.metrics.QueriesTotal.WithLabelValues(op, status).Inc()
	s.metrics.QueryDurationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// WithSavepoint runs fn against a transaction-scoped handle. pgx represents
// nested transactions as SQL SAVEPOINTs automatically when Begin is called
// on an existing pgx.Tx.
func (s *Storage) WithSavepoint(ctx context.Context, fn func(ctx context.Context, store core.EntityStore) error) error {
	var tx pgx.Tx
	var err error
	if s.tx != nil {
		tx, err = s.tx.Begin(ctx)
	} else {
		tx, err = s.pool.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("postgres: begin transaction: %w", err)
	}

	child := &Storage{pool: s.pool, tx: tx, logger: s.logger, metrics: s.metrics}
	if err := fn(ctx, child); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("savepoint rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Close closes the underlying connection pool. Calling Close on a
// savepoint-scoped handle is a no-op; only the root handle owns the pool.
func (s *Storage) Close() error {
	if s.tx != nil {
		return nil
	}
	s.pool.Close()
	return nil
}

type patronNotFoundError struct{ id string }

func (e patronNotFoundError) Error() string {
	return fmt.Sprintf("postgres: patron %q not found", e.id)
}
