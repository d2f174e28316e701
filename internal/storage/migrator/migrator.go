// Package migrator runs the goose-managed SQL migrations embedded from its
// sqlite/ and postgres/ subdirectories against either storage backend, for use by
// cmd/circmigrate and by deployment tooling ahead of starting the engine.
package migrator

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/palacewire/circulation/internal/config"
)

//go:embed sqlite/*.sql
var sqliteMigrations embed.FS

//go:embed postgres/*.sql
var postgresMigrations embed.FS

// Up applies every pending migration for cfg.Storage.Backend.
func Up(db *sql.DB, cfg *config.Config) error {
	dialect, fsys, err := dialectAndMigrations(cfg)
	if err != nil {
		return err
	}
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrator: setting dialect %s: %w", dialect, err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("migrator: applying migrations: %w", err)
	}
	return nil
}

// DownTo rolls back every migration newer than version target; target itself
// stays applied.
func DownTo(db *sql.DB, cfg *config.Config, target int64) error {
	dialect, fsys, err := dialectAndMigrations(cfg)
	if err != nil {
		return err
	}
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrator: setting dialect %s: %w", dialect, err)
	}
	if err := goose.DownTo(db, ".", target); err != nil {
		return fmt.Errorf("migrator: rolling back migrations: %w", err)
	}
	return nil
}

// Status prints the applied/pending state of every migration to stdout via
// goose's own reporter.
func Status(db *sql.DB, cfg *config.Config) error {
	dialect, fsys, err := dialectAndMigrations(cfg)
	if err != nil {
		return err
	}
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("migrator: setting dialect %s: %w", dialect, err)
	}
	if err := goose.Status(db, "."); err != nil {
		return fmt.Errorf("migrator: reading migration status: %w", err)
	}
	return nil
}

func dialectAndMigrations(cfg *config.Config) (string, fs.FS, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendSQLite:
		sub, err := fs.Sub(sqliteMigrations, "sqlite")
		if err != nil {
			return "", nil, err
		}
		return "sqlite3", sub, nil
	case config.StorageBackendPostgres:
		sub, err := fs.Sub(postgresMigrations, "postgres")
		if err != nil {
			return "", nil, err
		}
		return "postgres", sub, nil
	default:
		return "", nil, fmt.Errorf("migrator: unsupported storage backend %q", cfg.Storage.Backend)
	}
}
