package circulation_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palacewire/circulation/internal/analytics"
	"github.com/palacewire/circulation/internal/bookshelf"
	"github.com/palacewire/circulation/internal/circulation"
	"github.com/palacewire/circulation/internal/core"
	"github.com/palacewire/circulation/internal/registry"
	"github.com/palacewire/circulation/internal/storage/memory"
	"github.com/palacewire/circulation/internal/vendor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeAdapter struct {
	caps           vendor.Capabilities
	checkoutLoan   *core.LoanInfo
	checkoutHold   *core.HoldInfo
	checkoutErr    error
	fulfillInfo    *core.FulfillmentInfo
	fulfillErr     error
	canFulfillFree bool
	placeHoldCalls int
}

func (a *fakeAdapter) Capabilities() vendor.Capabilities { return a.caps }
func (a *fakeAdapter) Checkout(ctx context.Context, patron *core.Patron, pin string, pool *core.LicensePool, mech *core.DeliveryMechanismInfo) (*core.LoanInfo, *core.HoldInfo, error) {
	return a.checkoutLoan, a.checkoutHold, a.checkoutErr
}
func (a *fakeAdapter) Checkin(ctx context.Context, patron *core.Patron, pin string, pool *core.LicensePool) error {
	return nil
}
func (a *fakeAdapter) Fulfill(ctx context.Context, patron *core.Patron, pin string, pool *core.LicensePool, lpdm *core.LicensePoolDeliveryMechanism) (*core.FulfillmentInfo, error) {
	return a.fulfillInfo, a.fulfillErr
}
func (a *fakeAdapter) PlaceHold(ctx context.Context, patron *core.Patron, pin string, pool *core.LicensePool, notificationEmail string) (*core.HoldInfo, error) {
	a.placeHoldCalls++
	return &core.HoldInfo{CirculationInfo: pool.CirculationInfo()}, nil
}
func (a *fakeAdapter) ReleaseHold(ctx context.Context, patron *core.Patron, pin string, pool *core.LicensePool) error {
	return nil
}
func (a *fakeAdapter) UpdateAvailability(ctx context.Context, pool *core.LicensePool) error { return nil }
func (a *fakeAdapter) CanFulfillWithoutLoan(patron *core.Patron, pool *core.LicensePool, lpdm *core.LicensePoolDeliveryMechanism) bool {
	return a.canFulfillFree
}
func (a *fakeAdapter) DeliveryMechanismToInternalFormat(key vendor.FormatKey) (string, error) {
	return key.ContentType, nil
}

func newTestEngine(t *testing.T, adapter vendor.Adapter, pool *core.LicensePool) (*circulation.Engine, *memory.MemoryStorage, *analytics.MockSink) {
	store := memory.NewMemoryStorage(testLogger())
	require.NoError(t, store.SaveLicensePool(context.Background(), pool))

	library := &core.Library{ID: "lib-1", Collections: []*core.Collection{{ID: pool.CollectionID, Protocol: "fake"}}}
	reg := registry.New(library, map[string]registry.Constructor{
		"fake": func(c *core.Collection) (vendor.Adapter, error) { return adapter, nil },
	}, testLogger())

	sink := analytics.NewMockSink(nil)
	syncer := bookshelf.New(store, reg, sink, testLogger(), bookshelf.Options{})
	engine := circulation.New(library, store, reg, syncer, sink, testLogger(), circulation.Options{})
	return engine, store, sink
}

func TestBorrow_NewLoanEmitsCheckout(t *testing.T) {
	pool := &core.LicensePool{ID: 1, CollectionID: 7, Identifier: "book-1", LicensesAvailable: 1}
	end := time.Now().Add(14 * 24 * time.Hour)
	adapter := &fakeAdapter{
		caps:         vendor.Capabilities{SetDeliveryMechanismAt: vendor.FulfillStep},
		checkoutLoan: &core.LoanInfo{CirculationInfo: pool.CirculationInfo(), End: &end},
	}
	engine, _, sink := newTestEngine(t, adapter, pool)

	patron := &core.Patron{ID: "p1"}
	result, err := engine.Borrow(context.Background(), nil, patron, "", pool, nil, "")
	require.NoError(t, err)
	require.NotNil(t, result.Loan)
	assert.True(t, result.IsNew)
	assert.Equal(t, 1, sink.Count(core.EventCheckout))
}

func TestBorrow_ExpiredAuthorizationRejectedBeforeAdapterCall(t *testing.T) {
	pool := &core.LicensePool{ID: 1, CollectionID: 7, Identifier: "book-1"}
	adapter := &fakeAdapter{caps: vendor.Capabilities{SetDeliveryMechanismAt: vendor.FulfillStep}}
	engine, _, sink := newTestEngine(t, adapter, pool)

	expired := time.Now().Add(-time.Hour)
	patron := &core.Patron{ID: "p1", AuthorizationExpires: &expired}

	_, err := engine.Borrow(context.Background(), nil, patron, "", pool, nil, "")
	assert.ErrorIs(t, err, core.ErrAuthorizationExpired)
	assert.Equal(t, 0, sink.Count(core.EventCheckout))
}

func TestBorrow_BorrowStepRequiresDeliveryMechanism(t *testing.T) {
	pool := &core.LicensePool{ID: 1, CollectionID: 7, Identifier: "book-1"}
	adapter := &fakeAdapter{caps: vendor.Capabilities{SetDeliveryMechanismAt: vendor.BorrowStep}}
	engine, _, _ := newTestEngine(t, adapter, pool)

	patron := &core.Patron{ID: "p1"}
	_, err := engine.Borrow(context.Background(), nil, patron, "", pool, nil, "")
	assert.ErrorIs(t, err, core.ErrDeliveryMechanismMissing)
}

func TestBorrow_CheckoutDowngradeToHoldSkipsPlaceHold(t *testing.T) {
	pool := &core.LicensePool{ID: 1, CollectionID: 7, Identifier: "book-1"}
	adapter := &fakeAdapter{
		caps:         vendor.Capabilities{SetDeliveryMechanismAt: vendor.FulfillStep},
		checkoutHold: &core.HoldInfo{CirculationInfo: pool.CirculationInfo(), HoldPosition: intPtr(3)},
	}
	engine, _, sink := newTestEngine(t, adapter, pool)

	patron := &core.Patron{ID: "p1"}
	result, err := engine.Borrow(context.Background(), nil, patron, "", pool, nil, "")
	require.NoError(t, err)
	require.NotNil(t, result.Hold)
	assert.True(t, result.IsNew)
	assert.Equal(t, 0, adapter.placeHoldCalls, "a HoldInfo already produced by Checkout must not trigger a second vendor PlaceHold call")
	assert.Equal(t, 1, sink.Count(core.EventHoldPlace))
}

func TestBorrow_AlreadyOnHoldSkipsPlaceHold(t *testing.T) {
	pool := &core.LicensePool{ID: 1, CollectionID: 7, Identifier: "book-1"}
	adapter := &fakeAdapter{
		caps:        vendor.Capabilities{SetDeliveryMechanismAt: vendor.FulfillStep},
		checkoutErr: core.ErrAlreadyOnHold,
	}
	engine, _, _ := newTestEngine(t, adapter, pool)

	patron := &core.Patron{ID: "p1"}
	result, err := engine.Borrow(context.Background(), nil, patron, "", pool, nil, "")
	require.NoError(t, err)
	require.NotNil(t, result.Hold)
	assert.Equal(t, 0, adapter.placeHoldCalls, "a HoldInfo synthesized from AlreadyOnHold must not trigger a second vendor PlaceHold call")
}

func intPtr(v int) *int { return &v }

func TestFulfill_NoLoanAndCannotFulfillFreeReturnsNoActiveLoan(t *testing.T) {
	pool := &core.LicensePool{ID: 1, CollectionID: 7, Identifier: "book-1"}
	adapter := &fakeAdapter{caps: vendor.Capabilities{SetDeliveryMechanismAt: vendor.FulfillStep}, canFulfillFree: false}
	engine, _, _ := newTestEngine(t, adapter, pool)

	patron := &core.Patron{ID: "p1"}
	_, err := engine.Fulfill(context.Background(), nil, patron, "", pool, nil, false)
	assert.ErrorIs(t, err, core.ErrNoActiveLoan)
}

func TestFulfill_EmitsFulfillEventOnSuccess(t *testing.T) {
	pool := &core.LicensePool{ID: 1, CollectionID: 7, Identifier: "book-1"}
	link := "https://cdn.example/book-1"
	adapter := &fakeAdapter{
		caps:        vendor.Capabilities{SetDeliveryMechanismAt: vendor.FulfillStep},
		fulfillInfo: &core.FulfillmentInfo{ContentLink: &link},
	}
	engine, store, sink := newTestEngine(t, adapter, pool)

	patron := &core.Patron{ID: "p1"}
	loan := &core.Loan{ID: "loan-1", PatronID: "p1", LicensePoolID: pool.ID, Start: time.Now()}
	require.NoError(t, store.UpsertLoan(context.Background(), loan))

	info, err := engine.Fulfill(context.Background(), nil, patron, "", pool, nil, false)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, 1, sink.Count(core.EventFulfill))
}

func TestRevokeLoan_DeletesLoanAndEmitsCheckin(t *testing.T) {
	pool := &core.LicensePool{ID: 1, CollectionID: 7, Identifier: "book-1"}
	adapter := &fakeAdapter{caps: vendor.Capabilities{SetDeliveryMechanismAt: vendor.FulfillStep}}
	engine, store, sink := newTestEngine(t, adapter, pool)

	patron := &core.Patron{ID: "p1"}
	store.PutPatron(patron)
	loan := &core.Loan{ID: "loan-1", PatronID: "p1", LicensePoolID: pool.ID, Start: time.Now()}
	require.NoError(t, store.UpsertLoan(context.Background(), loan))

	err := engine.RevokeLoan(context.Background(), nil, patron, "", pool)
	require.NoError(t, err)

	remaining, err := store.GetLoan(context.Background(), "p1", pool.ID)
	require.NoError(t, err)
	assert.Nil(t, remaining)
	assert.Equal(t, 1, sink.Count(core.EventCheckin))
}

func TestRevokeLoan_NoLoanIsNoop(t *testing.T) {
	pool := &core.LicensePool{ID: 1, CollectionID: 7, Identifier: "book-1"}
	adapter := &fakeAdapter{caps: vendor.Capabilities{SetDeliveryMechanismAt: vendor.FulfillStep}}
	engine, _, sink := newTestEngine(t, adapter, pool)

	err := engine.RevokeLoan(context.Background(), nil, &core.Patron{ID: "p1"}, "", pool)
	require.NoError(t, err)
	assert.Equal(t, 0, sink.Count(core.EventCheckin))
}

func TestCanRevokeHold(t *testing.T) {
	pool := &core.LicensePool{ID: 1, CollectionID: 7, Identifier: "book-1"}
	adapter := &fakeAdapter{caps: vendor.Capabilities{CanRevokeHoldWhenReserved: false}}
	engine, _, _ := newTestEngine(t, adapter, pool)

	reserved := 0
	assert.False(t, engine.CanRevokeHold(pool, &core.Hold{Position: &reserved}), "a reserved hold can't be revoked unless the adapter allows it")

	queued := 3
	assert.True(t, engine.CanRevokeHold(pool, &core.Hold{Position: &queued}))
}
