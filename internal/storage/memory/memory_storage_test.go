package memory_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/palacewire/circulation/internal/core"
	"github.com/palacewire/circulation/internal/storage/memory"
)

func newTestStorage(t *testing.T) *memory.MemoryStorage {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return memory.NewMemoryStorage(logger)
}

func TestUpsertAndGetLoan(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	loan := &core.Loan{ID: "loan-1", PatronID: "patron-1", LicensePoolID: 42}
	require.NoError(t, storage.UpsertLoan(ctx, loan))

	got, err := storage.GetLoan(ctx, "patron-1", 42)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "loan-1", got.ID)
}

func TestGetLoan_NotFound(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	got, err := storage.GetLoan(ctx, "nobody", 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteLoan(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	loan := &core.Loan{ID: "loan-del", PatronID: "patron-1", LicensePoolID: 1}
	require.NoError(t, storage.UpsertLoan(ctx, loan))
	require.NoError(t, storage.DeleteLoan(ctx, "loan-del"))

	got, err := storage.GetLoan(ctx, "patron-1", 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListLoans(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, storage.UpsertLoan(ctx, &core.Loan{ID: "loan", PatronID: "patron-1", LicensePoolID: i}))
	}

	got, err := storage.ListLoans(ctx, "patron-1")
	require.NoError(t, err)
	assert.Len(t, got, 1, "same ID overwrites across upserts")
}

func TestUpsertAndGetHold(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	position := 0
	hold := &core.Hold{ID: "hold-1", PatronID: "patron-1", LicensePoolID: 7, Position: &position}
	require.NoError(t, storage.UpsertHold(ctx, hold))

	got, err := storage.GetHold(ctx, "patron-1", 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsReserved())
}

func TestSaveAndGetLicensePool(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	pool := &core.LicensePool{ID: 1, CollectionID: 10, IdentifierType: "Overdrive ID", Identifier: "abc123"}
	require.NoError(t, storage.SaveLicensePool(ctx, pool))

	got, err := storage.GetLicensePool(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abc123", got.Identifier)
}

func TestFindLicensePool(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	pool := &core.LicensePool{ID: 2, CollectionID: 10, IdentifierType: "Axis ID", Identifier: "xyz"}
	require.NoError(t, storage.SaveLicensePool(ctx, pool))

	got, err := storage.FindLicensePool(ctx, 10, core.IdentifierKey{Type: "Axis ID", Identifier: "xyz"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.ID)
}

func TestGetOrCreateDeliveryMechanism_Idempotent(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	first, err := storage.GetOrCreateDeliveryMechanism(ctx, "application/epub+zip", "application/vnd.adobe.adept+xml")
	require.NoError(t, err)

	second, err := storage.GetOrCreateDeliveryMechanism(ctx, "application/epub+zip", "application/vnd.adobe.adept+xml")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "repeated calls for the same pair must resolve to the same row")
}

func TestGetOrCreateLPDM_BindsToPool(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	pool := &core.LicensePool{ID: 5, CollectionID: 1, IdentifierType: "Overdrive ID", Identifier: "book-1"}
	require.NoError(t, storage.SaveLicensePool(ctx, pool))

	mech := core.DeliveryMechanism{ContentType: "application/epub+zip", DRMScheme: core.NoDRM}
	lpdm, err := storage.GetOrCreateLPDM(ctx, 5, mech, "public-domain", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), lpdm.LicensePoolID)

	got, err := storage.GetLicensePool(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, got.DeliveryMechanisms, 1)
}

func TestSaveAndGetCredential(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	collectionID := int64(3)
	cred := &core.Credential{ID: "cred-1", DataSource: "Axis 360", Type: "bearer", CollectionID: &collectionID}
	require.NoError(t, storage.SaveCredential(ctx, cred))

	got, err := storage.GetCredential(ctx, "Axis 360", "bearer", &collectionID, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "cred-1", got.ID)
}

func TestTouchLoanActivitySync(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()
	storage.PutPatron(&core.Patron{ID: "patron-1"})

	at := int64(1700000000)
	require.NoError(t, storage.TouchLoanActivitySync(ctx, "patron-1", &at))

	got, err := storage.GetPatron(ctx, "patron-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastLoanActivitySync)
}

func TestGetPatron_NotFound(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	got, err := storage.GetPatron(ctx, "ghost")
	assert.Error(t, err)
	assert.Nil(t, got)
}

func TestWithSavepoint_RollsBackOnError(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := storage.WithSavepoint(ctx, func(ctx context.Context, store core.EntityStore) error {
		if err := store.UpsertLoan(ctx, &core.Loan{ID: "l1", PatronID: "p1", LicensePoolID: 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := storage.GetLoan(ctx, "p1", 1)
	require.NoError(t, err)
	assert.Nil(t, got, "the loan written inside the failed savepoint must not survive")
}

func TestWithSavepoint_CommitsOnSuccess(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	err := storage.WithSavepoint(ctx, func(ctx context.Context, store core.EntityStore) error {
		return store.UpsertLoan(ctx, &core.Loan{ID: "l2", PatronID: "p2", LicensePoolID: 2})
	})
	require.NoError(t, err)

	got, err := storage.GetLoan(ctx, "p2", 2)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestConcurrentWrites(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	const numGoroutines = 10
	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_ = storage.UpsertLoan(ctx, &core.Loan{ID: "concurrent", PatronID: "patron-1", LicensePoolID: id})
		}(int64(i))
	}
	wg.Wait()

	got, err := storage.ListLoans(ctx, "patron-1")
	require.NoError(t, err)
	assert.Len(t, got, 1, "same loan ID across goroutines collapses to one row")
}
