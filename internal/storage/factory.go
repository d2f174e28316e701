// Package storage provides storage backend selection logic based on deployment profile.
// Supports both Lite (SQLite embedded) and Standard (PostgreSQL external) profiles.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/palacewire/circulation/internal/config"
	"github.com/palacewire/circulation/internal/core"
	"github.com/palacewire/circulation/internal/storage/memory"
	"github.com/palacewire/circulation/internal/storage/postgres"
	"github.com/palacewire/circulation/internal/storage/sqlite"
	"github.com/palacewire/circulation/pkg/metrics"
)

// NewStorage creates the entity-store backend appropriate for cfg.Profile,
// returning the unified core.EntityStore interface.
//
// Profiles:
//   - Lite: SQLite embedded storage
//   - Standard: PostgreSQL external storage (pgPool required)
func NewStorage(
	ctx context.Context,
	cfg *config.Config,
	pgPool *pgxpool.Pool,
	logger *slog.Logger,
	dbMetrics *metrics.DatabaseMetrics,
) (core.EntityStore, error) {
	startTime := time.Now()

	if err := cfg.Validate(); err != nil {
		return nil, &ErrInvalidProfile{Profile: string(cfg.Profile), Cause: err}
	}

	logger.Info("initializing storage backend", "profile", cfg.Profile, "backend", cfg.Storage.Backend)

	var store core.EntityStore
	var err error

	switch {
	case cfg.IsLiteProfile():
		store, err = initLiteStorage(ctx, cfg, logger, dbMetrics)
		if err != nil {
			return nil, &ErrStorageInitFailed{Backend: "sqlite", Profile: string(cfg.Profile), Cause: err}
		}

	case cfg.IsStandardProfile():
		store, err = initStandardStorage(ctx, pgPool, logger, dbMetrics)
		if err != nil {
			return nil, &ErrStorageInitFailed{Backend: "postgres", Profile: string(cfg.Profile), Cause: err}
		}

	default:
		return nil, &ErrInvalidProfile{Profile: string(cfg.Profile), Cause: fmt.Errorf("unknown deployment profile: %s", cfg.Profile)}
	}

	duration := time.Since(startTime)
	logger.Info("storage backend initialized", "profile", cfg.Profile, "backend", cfg.Storage.Backend, "duration_ms", duration.Milliseconds())

	RecordOperation("init", string(cfg.Storage.Backend), "success")
	RecordOperationDuration("init", string(cfg.Storage.Backend), duration.Seconds())

	return store, nil
}

// initLiteStorage initializes SQLite embedded storage for Lite profile.
// The database file is created at cfg.Storage.FilesystemPath with secure
// permissions (0600); the parent directory is created with mode 0700.
func initLiteStorage(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	dbMetrics *metrics.DatabaseMetrics,
) (core.EntityStore, error) {
	logger.Info("initializing embedded storage (lite profile)", "path", cfg.Storage.FilesystemPath)

	if cfg.Storage.FilesystemPath == "" {
		return nil, fmt.Errorf("lite profile requires storage.filesystem_path (e.g., /data/circulation.db)")
	}

	store, err := sqlite.NewSQLiteStorage(ctx, cfg.Storage.FilesystemPath, logger, dbMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite storage: %w", err)
	}

	SetBackendType("sqlite", 1)
	SetHealthStatus("sqlite", 1)

	return store, nil
}

// initStandardStorage initializes PostgreSQL storage for the Standard profile.
func initStandardStorage(
	ctx context.Context,
	pgPool *pgxpool.Pool,
	logger *slog.Logger,
	dbMetrics *metrics.DatabaseMetrics,
) (core.EntityStore, error) {
	if pgPool == nil {
		return nil, fmt.Errorf("postgresql pool is nil (required for standard profile)")
	}

	if err := pgPool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgresql connection failed: %w", err)
	}

	stats := pgPool.Stat()
	logger.Info("postgresql connection verified",
		"total_conns", stats.TotalConns(),
		"idle_conns", stats.IdleConns(),
		"acquired_conns", stats.AcquiredConns(),
	)

	store := postgres.NewStorage(pgPool, logger, dbMetrics)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to apply postgres schema: %w", err)
	}

	SetBackendType("postgres", 2)
	SetHealthStatus("postgres", 1)
	SetConnectionStats("postgres", int32(stats.TotalConns()), int32(stats.IdleConns()), int32(stats.AcquiredConns()))

	return store, nil
}

// NewFallbackStorage creates in-memory storage for graceful degradation when
// the primary backend (SQLite or Postgres) fails to initialize.
//
// WARNING: data is NOT persisted. Use only for:
//  1. Storage initialization failure (Postgres/SQLite unreachable)
//  2. Development/testing without a database
//  3. Temporary degradation during maintenance
func NewFallbackStorage(logger *slog.Logger) core.EntityStore {
	logger.Warn("creating fallback in-memory storage (data will NOT persist)")
	logger.Warn("this is not suitable for production use")

	SetBackendType("memory", 0)
	SetHealthStatus("memory", 2)

	return memory.NewMemoryStorage(logger)
}
