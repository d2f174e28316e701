package storage_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palacewire/circulation/internal/config"
	"github.com/palacewire/circulation/internal/storage"
	"github.com/palacewire/circulation/internal/storage/sqlite"
)

func newMinimalConfig(profile config.DeploymentProfile, backend config.StorageBackend, dbPath string) *config.Config {
	return &config.Config{
		Profile: profile,
		Storage: config.StorageConfig{
			Backend:        backend,
			FilesystemPath: dbPath,
		},
		Database: config.DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "circulation_test",
			Username:        "test",
			Password:        "test",
			SSLMode:         "disable",
			MaxConnections:  10,
			MinConnections:  2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
		},
		Metrics: config.MetricsConfig{Enabled: true, Namespace: "circulation"},
		Log:     config.LogConfig{Level: "info", Format: "json"},
		App:     config.AppConfig{Name: "circulation-test"},
		Circulation: config.CirculationConfig{
			AdapterCallTimeout: 15 * time.Second,
			SyncFanoutTimeout:  20 * time.Second,
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewStorage_LiteProfile(t *testing.T) {
	cfg := newMinimalConfig(config.ProfileLite, config.StorageBackendSQLite, t.TempDir()+"/test.db")
	ctx := context.Background()

	store, err := storage.NewStorage(ctx, cfg, nil, testLogger(), nil)

	require.NoError(t, err)
	require.NotNil(t, store)

	_, ok := store.(*sqlite.SQLiteStorage)
	assert.True(t, ok, "storage should be *sqlite.SQLiteStorage for the Lite profile")
}

func TestNewStorage_StandardProfile_NoPostgresPool(t *testing.T) {
	cfg := newMinimalConfig(config.ProfileStandard, config.StorageBackendPostgres, "")
	ctx := context.Background()

	store, err := storage.NewStorage(ctx, cfg, nil, testLogger(), nil)

	assert.Error(t, err)
	assert.Nil(t, store)
	assert.Contains(t, err.Error(), "postgresql pool is nil")
}

func TestNewStorage_InvalidProfile(t *testing.T) {
	cfg := newMinimalConfig(config.DeploymentProfile("invalid"), config.StorageBackendSQLite, t.TempDir()+"/test.db")
	ctx := context.Background()

	store, err := storage.NewStorage(ctx, cfg, nil, testLogger(), nil)

	assert.Error(t, err)
	assert.Nil(t, store)
}

func TestNewStorage_SQLiteFileCreation(t *testing.T) {
	dbPath := t.TempDir() + "/circulation.db"
	cfg := newMinimalConfig(config.ProfileLite, config.StorageBackendSQLite, dbPath)
	ctx := context.Background()

	_, err := storage.NewStorage(ctx, cfg, nil, testLogger(), nil)
	require.NoError(t, err)

	_, statErr := os.Stat(dbPath)
	assert.NoError(t, statErr)
}

func TestNewStorage_SQLiteDirectoryCreation(t *testing.T) {
	dbPath := t.TempDir() + "/nested/dir/circulation.db"
	cfg := newMinimalConfig(config.ProfileLite, config.StorageBackendSQLite, dbPath)
	ctx := context.Background()

	_, err := storage.NewStorage(ctx, cfg, nil, testLogger(), nil)
	require.NoError(t, err)

	_, statErr := os.Stat(dbPath)
	assert.NoError(t, statErr)
}

func TestNewStorage_EmptyFilesystemPath(t *testing.T) {
	cfg := newMinimalConfig(config.ProfileLite, config.StorageBackendSQLite, "")
	ctx := context.Background()

	_, err := storage.NewStorage(ctx, cfg, nil, testLogger(), nil)
	assert.Error(t, err)
}

func TestNewFallbackStorage(t *testing.T) {
	store := storage.NewFallbackStorage(testLogger())
	require.NotNil(t, store)

	_, err := store.GetLoan(context.Background(), "nobody", 1)
	assert.NoError(t, err)
}

func TestNewStorage_ConcurrentCalls(t *testing.T) {
	const numGoroutines = 10

	cfg := newMinimalConfig(config.ProfileLite, config.StorageBackendSQLite, t.TempDir()+"/test.db")
	ctx := context.Background()

	results := make(chan error, numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			_, err := storage.NewStorage(ctx, cfg, nil, testLogger(), nil)
			results <- err
		}()
	}

	for i := 0; i < numGoroutines; i++ {
		if err := <-results; err != nil {
			t.Logf("concurrent call %d failed (acceptable under contention): %v", i, err)
		}
	}
}
