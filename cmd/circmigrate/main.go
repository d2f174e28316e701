// Command circmigrate applies, rolls back, or reports the status of the
// circulation orchestrator's schema migrations against whichever storage
// backend the loaded configuration selects.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/palacewire/circulation/internal/config"
	"github.com/palacewire/circulation/internal/storage/migrator"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "circmigrate: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "circmigrate",
	Short: "Manage the circulation orchestrator's database schema",
	Long: `circmigrate applies goose-managed SQL migrations against the
storage backend selected by the loaded configuration (lite/sqlite or
standard/postgres).`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional, falls back to env/defaults)")
	rootCmd.AddCommand(upCmd, statusCmd, downCmd)
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		return migrator.Up(db, cfg)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print which migrations have been applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		return migrator.Status(db, cfg)
	},
}

var downSteps int64

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration newer than the given version (that version stays applied)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		return migrator.DownTo(db, cfg, downSteps)
	},
}

func init() {
	downCmd.Flags().Int64Var(&downSteps, "to-version", 0, "roll back to this migration version")
}

func openDB() (*config.Config, *sql.DB, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	switch cfg.Storage.Backend {
	case config.StorageBackendSQLite:
		db, err := sql.Open("sqlite", cfg.Storage.FilesystemPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite database: %w", err)
		}
		return cfg, db, nil
	case config.StorageBackendPostgres:
		db, err := sql.Open("pgx", cfg.GetDatabaseURL())
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres database: %w", err)
		}
		return cfg, db, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}
