package postgres_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/palacewire/circulation/internal/core"
	"github.com/palacewire/circulation/internal/storage/postgres"
)

// setupTestStorage starts a disposable Postgres container and returns a
// Storage backed by it, with the schema already applied.
func setupTestStorage(t *testing.T) *postgres.Storage {
	if os.Getenv("CIRC_INTEGRATION") == "" {
		t.Skip("set CIRC_INTEGRATION=1 to run tests against a real Postgres container")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("circulation_test"),
		tcpostgres.WithUsername("circulation"),
		tcpostgres.WithPassword("circulation"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	store := postgres.NewStorage(pool, logger, nil)
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestStorage_UpsertAndGetLoan(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	loan := &core.Loan{ID: "loan-1", PatronID: "patron-1", LicensePoolID: 1, Start: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, store.UpsertLoan(ctx, loan))

	got, err := store.GetLoan(ctx, "patron-1", 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "loan-1", got.ID)
}

func TestStorage_WithSavepoint_RollsBackOnError(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.WithSavepoint(ctx, func(ctx context.Context, s core.EntityStore) error {
		loan := &core.Loan{ID: "sp-loan", PatronID: "patron-sp", LicensePoolID: 1, Start: time.Now().UTC()}
		if err := s.UpsertLoan(ctx, loan); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := store.GetLoan(ctx, "patron-sp", 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStorage_GetOrCreateDeliveryMechanism_Idempotent(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	first, err := store.GetOrCreateDeliveryMechanism(ctx, "application/epub+zip", core.NoDRM)
	require.NoError(t, err)

	second, err := store.GetOrCreateDeliveryMechanism(ctx, "application/epub+zip", core.NoDRM)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}

func TestStorage_SaveLicensePoolAndFind(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	pool := &core.LicensePool{ID: 10, CollectionID: 1, IdentifierType: "Overdrive ID", Identifier: "book-10"}
	require.NoError(t, store.SaveLicensePool(ctx, pool))

	got, err := store.FindLicensePool(ctx, 1, core.IdentifierKey{Type: "Overdrive ID", Identifier: "book-10"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(10), got.ID)
}
