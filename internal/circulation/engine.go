// Package circulation implements the top-level circulation state machine
// (C5): borrow, fulfill, revoke, and release, each coordinating the policy
// gate, adapter registry, and entity store, and emitting analytics.
package circulation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/palacewire/circulation/internal/bookshelf"
	"github.com/palacewire/circulation/internal/core"
	"github.com/palacewire/circulation/internal/policy"
	"github.com/palacewire/circulation/internal/registry"
	"github.com/palacewire/circulation/internal/vendor"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Engine is the circulation state machine bound to one library.
type Engine struct {
	Library   *core.Library
	store     core.EntityStore
	registry  *registry.Registry
	gate      *policy.Gate
	sync      *bookshelf.Syncer
	analytics core.AnalyticsSink
	logger    *slog.Logger
	now       Clock
}

// Options configures an Engine.
type Options struct {
	Now Clock
}

// New builds an Engine for library, wired to the given collaborators.
func New(library *core.Library, store core.EntityStore, reg *registry.Registry, syncer *bookshelf.Syncer, analytics core.AnalyticsSink, logger *slog.Logger, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		Library:   library,
		store:     store,
		registry:  reg,
		gate:      policy.New(policy.Clock(now)),
		sync:      syncer,
		analytics: analytics,
		logger:    logger,
		now:       now,
	}
}

// attributionLibrary implements the _collect_event precedence rule (§4.5.4):
// patron's library, else the current request's library, else the engine's
// own library.
func (e *Engine) attributionLibrary(reqCtx *core.RequestContext, patron *core.Patron) *core.Library {
	if patron != nil && patron.Library != nil {
		return patron.Library
	}
	if reqCtx != nil && reqCtx.Library != nil {
		return reqCtx.Library
	}
	return e.Library
}

// neighborhoodFor enriches analytics with a neighborhood only when the
// currently authenticated patron in reqCtx is the same entity the event is
// attributed to — never another patron's (§4.5.4).
func (e *Engine) neighborhoodFor(reqCtx *core.RequestContext, patron *core.Patron) string {
	if reqCtx == nil || reqCtx.Patron == nil || patron == nil {
		return ""
	}
	if reqCtx.Patron.ID != patron.ID {
		return ""
	}
	if patron.Neighborhood == nil {
		return ""
	}
	return *patron.Neighborhood
}

func (e *Engine) emit(ctx context.Context, reqCtx *core.RequestContext, patron *core.Patron, pool *core.LicensePool, name string) {
	defer func() { _ = recover() }() // analytics errors/panics are suppressed (§7)
	library := e.attributionLibrary(reqCtx, patron)
	e.analytics.CollectEvent(ctx, library, pool, name, e.neighborhoodFor(reqCtx, patron))
}

// BorrowResult is the triple §4.5.1 returns: exactly one of Loan, Hold is
// non-nil.
type BorrowResult struct {
	Loan  *core.Loan
	Hold  *core.Hold
	IsNew bool
}

// Borrow implements §4.5.1.
func (e *Engine) Borrow(ctx context.Context, reqCtx *core.RequestContext, patron *core.Patron, pin string, pool *core.LicensePool, mech *core.DeliveryMechanismInfo, holdNotificationEmail string) (*BorrowResult, error) {
	if err := e.gate.AssertBorrowingPrivileges(patron); err != nil {
		return nil, err
	}

	adapter := e.registry.AdapterFor(pool)
	if adapter == nil {
		return nil, core.ErrNoLicenses
	}

	if adapter.Capabilities().SetDeliveryMechanismAt == vendor.BorrowStep && mech == nil {
		return nil, core.ErrDeliveryMechanismMissing
	}

	existingLoan, err := e.store.GetLoan(ctx, patron.ID, pool.ID)
	if err != nil {
		return nil, err
	}
	if existingLoan != nil {
		if _, ok := adapter.(vendor.PatronActivityAdapter); ok {
			if _, _, err := e.sync.Sync(ctx, patron, pin, true); err != nil {
				e.logger.Warn("borrow: forced sync before renewal failed", "error", err)
			}
			existingLoan, err = e.store.GetLoan(ctx, patron.ID, pool.ID)
			if err != nil {
				return nil, err
			}
		}
	}

	loans, err := e.store.ListLoans(ctx, patron.ID)
	if err != nil {
		return nil, err
	}
	holds, err := e.store.ListHolds(ctx, patron.ID)
	if err != nil {
		return nil, err
	}
	pools := e.poolsFor(ctx, loans)
	if err := e.gate.EnforceLimits(ctx, patron, pool, loans, holds, pools, adapter); err != nil {
		return nil, err
	}

	loanInfo, holdInfo, checkoutErr := adapter.Checkout(ctx, patron, pin, pool, mech)

	var deferredLoanErr error
	if checkoutErr != nil {
		loanInfo, holdInfo, deferredLoanErr, checkoutErr = e.interpretCheckoutError(ctx, adapter, pool, existingLoan, checkoutErr)
		if checkoutErr != nil {
			return nil, checkoutErr
		}
	}

	if loanInfo != nil {
		loan, isNew, err := e.commitLoan(ctx, patron, pool, mech, loanInfo, existingLoan)
		if err != nil {
			return nil, err
		}
		if isNew {
			e.emit(ctx, reqCtx, patron, pool, core.EventCheckout)
		}
		return &BorrowResult{Loan: loan, IsNew: isNew}, nil
	}

	// Fall through to hold placement, unless Checkout (or its error
	// interpretation) already produced a HoldInfo — placing a second hold
	// for one that already exists remotely would be a spurious vendor call.
	placedHold := holdInfo
	if placedHold == nil {
		var holdErr error
		placedHold, holdErr = adapter.PlaceHold(ctx, patron, pin, pool, holdNotificationEmail)
		if holdErr != nil {
			if errors.Is(holdErr, core.ErrCurrentlyAvailable) && deferredLoanErr != nil {
				return nil, deferredLoanErr
			}
			if errors.Is(holdErr, core.ErrAlreadyOnHold) {
				placedHold = &core.HoldInfo{CirculationInfo: pool.CirculationInfo(), HoldPosition: nil}
			} else {
				return nil, holdErr
			}
		}
	}

	hold, isNew, err := e.commitHold(ctx, patron, pool, placedHold)
	if err != nil {
		return nil, err
	}
	if isNew {
		e.emit(ctx, reqCtx, patron, pool, core.EventHoldPlace)
	}
	return &BorrowResult{Hold: hold, IsNew: isNew}, nil
}

// interpretCheckoutError translates a vendor checkout error per the §4.5.1
// outcome table into either a synthesized LoanInfo/HoldInfo, a deferred
// loan-limit error to resurface later, or a propagated error.
func (e *Engine) interpretCheckoutError(ctx context.Context, adapter vendor.Adapter, pool *core.LicensePool, existingLoan *core.Loan, checkoutErr error) (*core.LoanInfo, *core.HoldInfo, error, error) {
	switch {
	case errors.Is(checkoutErr, core.ErrAlreadyCheckedOut):
		end := e.now().Add(time.Hour)
		info := &core.LoanInfo{CirculationInfo: pool.CirculationInfo(), End: &end}
		if existingLoan != nil {
			info.ExternalIdentifier = existingLoan.ExternalIdentifier
		}
		return info, nil, nil, nil

	case errors.Is(checkoutErr, core.ErrAlreadyOnHold):
		info := &core.HoldInfo{CirculationInfo: pool.CirculationInfo()}
		return nil, info, nil, nil

	case errors.Is(checkoutErr, core.ErrNoAvailableCopies):
		if existingLoan != nil {
			return nil, nil, nil, core.ErrCannotRenew
		}
		if err := adapter.UpdateAvailability(ctx, pool); err != nil {
			e.logger.Warn("borrow: update_availability after NoAvailableCopies failed", "error", err)
		}
		return nil, nil, nil, nil // fall through to hold placement

	case errors.Is(checkoutErr, core.ErrNoLicenses):
		if err := adapter.UpdateAvailability(ctx, pool); err != nil {
			e.logger.Warn("borrow: update_availability after NoLicenses failed", "error", err)
		}
		return nil, nil, nil, checkoutErr

	default:
		var limitErr *core.PatronLoanLimitReached
		if errors.As(checkoutErr, &limitErr) {
			return nil, nil, checkoutErr, nil // remember, fall through to hold placement
		}
		return nil, nil, nil, checkoutErr
	}
}

func (e *Engine) commitLoan(ctx context.Context, patron *core.Patron, pool *core.LicensePool, mech *core.DeliveryMechanismInfo, info *core.LoanInfo, existingLoan *core.Loan) (*core.Loan, bool, error) {
	var loan *core.Loan
	isNew := existingLoan == nil

	err := e.store.WithSavepoint(ctx, func(ctx context.Context, store core.EntityStore) error {
		if existingLoan != nil {
			loan = existingLoan
		} else {
			loan = &core.Loan{ID: uuid.NewString(), PatronID: patron.ID, LicensePoolID: pool.ID}
		}

		start := e.now()
		if info.Start != nil {
			start = *info.Start
		}
		loan.Start = start
		loan.End = info.End
		if info.ExternalIdentifier != nil {
			loan.ExternalIdentifier = info.ExternalIdentifier
		}

		adapter := e.registry.AdapterFor(pool)
		if adapter != nil && adapter.Capabilities().SetDeliveryMechanismAt == vendor.BorrowStep && mech != nil {
			lpdmMech, err := store.GetOrCreateDeliveryMechanism(ctx, mech.ContentType, mech.DRMScheme)
			if err != nil {
				return err
			}
			lpdm, err := store.GetOrCreateLPDM(ctx, pool.ID, *lpdmMech, mech.RightsURI, mech.Resource)
			if err != nil {
				return err
			}
			loan.FulfillmentLPDMID = &lpdm.ID
		}

		if err := store.UpsertLoan(ctx, loan); err != nil {
			return err
		}

		if existingHold, err := store.GetHold(ctx, patron.ID, pool.ID); err == nil && existingHold != nil {
			if err := store.DeleteHold(ctx, existingHold.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return loan, isNew, err
}

func (e *Engine) commitHold(ctx context.Context, patron *core.Patron, pool *core.LicensePool, info *core.HoldInfo) (*core.Hold, bool, error) {
	var hold *core.Hold

	existingHold, err := e.store.GetHold(ctx, patron.ID, pool.ID)
	if err != nil {
		return nil, false, err
	}
	isNew := existingHold == nil

	err = e.store.WithSavepoint(ctx, func(ctx context.Context, store core.EntityStore) error {
		if existingHold != nil {
			hold = existingHold
		} else {
			hold = &core.Hold{ID: uuid.NewString(), PatronID: patron.ID, LicensePoolID: pool.ID}
		}

		start := e.now()
		if info.Start != nil {
			start = *info.Start
		}
		hold.Start = start
		hold.End = info.End
		hold.Position = info.HoldPosition
		if info.ExternalIdentifier != nil {
			hold.ExternalIdentifier = info.ExternalIdentifier
		}

		if err := store.UpsertHold(ctx, hold); err != nil {
			return err
		}

		if existingLoan, err := store.GetLoan(ctx, patron.ID, pool.ID); err == nil && existingLoan != nil {
			if err := store.DeleteLoan(ctx, existingLoan.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return hold, isNew, err
}

func (e *Engine) poolsFor(ctx context.Context, loans []*core.Loan) map[int64]*core.LicensePool {
	pools := make(map[int64]*core.LicensePool, len(loans))
	for _, loan := range loans {
		if _, ok := pools[loan.LicensePoolID]; ok {
			continue
		}
		pool, err := e.store.GetLicensePool(ctx, loan.LicensePoolID)
		if err == nil && pool != nil {
			pools[loan.LicensePoolID] = pool
		}
	}
	return pools
}

// Fulfill implements §4.5.2.
func (e *Engine) Fulfill(ctx context.Context, reqCtx *core.RequestContext, patron *core.Patron, pin string, pool *core.LicensePool, lpdm *core.LicensePoolDeliveryMechanism, syncOnFailure bool) (*core.FulfillmentInfo, error) {
	loan, err := e.store.GetLoan(ctx, patron.ID, pool.ID)
	if err != nil {
		return nil, err
	}

	adapter := e.registry.AdapterFor(pool)
	if adapter == nil {
		return nil, core.ErrNoLicenses
	}

	if loan == nil && !adapter.CanFulfillWithoutLoan(patron, pool, lpdm) {
		if _, ok := adapter.(vendor.PatronActivityAdapter); syncOnFailure && ok {
			if _, _, err := e.sync.Sync(ctx, patron, pin, true); err != nil {
				e.logger.Warn("fulfill: forced sync failed", "error", err)
			}
			return e.Fulfill(ctx, reqCtx, patron, pin, pool, lpdm, false)
		}
		return nil, core.ErrNoActiveLoan
	}

	if loan != nil && loan.FulfillmentLPDMID != nil {
		bound := findLPDM(pool, *loan.FulfillmentLPDMID)
		if bound != nil && lpdm != nil && !bound.CompatibleWith(*lpdm) {
			return nil, core.ErrDeliveryMechanismConflict
		}
	}

	if pool.OpenAccess {
		if fulfillment := resolveOpenAccessFulfillment(pool, lpdm); fulfillment != nil {
			e.emit(ctx, reqCtx, patron, pool, core.EventFulfill)
			return fulfillment, nil
		}
		return nil, core.ErrFormatNotAvailable
	}

	fulfillment, err := adapter.Fulfill(ctx, patron, pin, pool, lpdm)
	if err != nil {
		return nil, err
	}
	if !fulfillment.HasPayload() {
		return nil, core.ErrNoAcceptableFormat
	}

	e.emit(ctx, reqCtx, patron, pool, core.EventFulfill)

	if loan != nil && loan.FulfillmentLPDMID == nil && lpdm != nil && !lpdm.DeliveryMechanism.Streaming {
		err := e.store.WithSavepoint(ctx, func(ctx context.Context, store core.EntityStore) error {
			loan.FulfillmentLPDMID = &lpdm.ID
			return store.UpsertLoan(ctx, loan)
		})
		if err != nil {
			return nil, err
		}
	}

	return fulfillment, nil
}

func findLPDM(pool *core.LicensePool, id int64) *core.LicensePoolDeliveryMechanism {
	for i := range pool.DeliveryMechanisms {
		if pool.DeliveryMechanisms[i].ID == id {
			return &pool.DeliveryMechanisms[i]
		}
	}
	return nil
}

// resolveOpenAccessFulfillment implements the open-access resource fallback
// chain (SUPPLEMENTED FEATURES #1): if the requested LPDM has no usable
// resource, search every other LPDM of the pool sharing (content_type,
// drm_scheme) for one that does, before giving up.
func resolveOpenAccessFulfillment(pool *core.LicensePool, requested *core.LicensePoolDeliveryMechanism) *core.FulfillmentInfo {
	candidates := []core.LicensePoolDeliveryMechanism{}
	if requested != nil {
		candidates = append(candidates, *requested)
	}
	for _, lpdm := range pool.DeliveryMechanisms {
		if requested != nil && lpdm.ID == requested.ID {
			continue
		}
		if requested != nil &&
			lpdm.DeliveryMechanism.ContentType == requested.DeliveryMechanism.ContentType &&
			lpdm.DeliveryMechanism.DRMScheme == requested.DeliveryMechanism.DRMScheme {
			candidates = append(candidates, lpdm)
		}
	}

	for _, lpdm := range candidates {
		if lpdm.Resource != nil && lpdm.Resource.RepresentationAvailable {
			link := lpdm.Resource.URL
			contentType := lpdm.DeliveryMechanism.ContentType
			return &core.FulfillmentInfo{
				CirculationInfo: core.CirculationInfo{CollectionID: pool.CollectionID, IdentifierType: pool.IdentifierType, Identifier: pool.Identifier},
				ContentLink:     &link,
				ContentType:     &contentType,
			}
		}
	}
	return nil
}

// RevokeLoan implements the loan half of §4.5.3.
func (e *Engine) RevokeLoan(ctx context.Context, reqCtx *core.RequestContext, patron *core.Patron, pin string, pool *core.LicensePool) error {
	loan, err := e.store.GetLoan(ctx, patron.ID, pool.ID)
	if err != nil {
		return err
	}
	if loan == nil {
		return nil
	}

	adapter := e.registry.AdapterFor(pool)
	if adapter == nil {
		return core.ErrNoLicenses
	}

	if err := adapter.Checkin(ctx, patron, pin, pool); err != nil && !core.IsRecoverable(err) {
		return err
	}

	err = e.store.WithSavepoint(ctx, func(ctx context.Context, store core.EntityStore) error {
		if err := store.DeleteLoan(ctx, loan.ID); err != nil {
			return err
		}
		return store.TouchLoanActivitySync(ctx, patron.ID, nil)
	})
	if err != nil {
		return err
	}

	e.emit(ctx, reqCtx, patron, pool, core.EventCheckin)
	return nil
}

// CanRevokeHold implements §4.5.3's can_revoke_hold.
func (e *Engine) CanRevokeHold(pool *core.LicensePool, hold *core.Hold) bool {
	if hold.Position != nil && *hold.Position > 0 {
		return true
	}
	adapter := e.registry.AdapterFor(pool)
	return adapter != nil && adapter.Capabilities().CanRevokeHoldWhenReserved
}

// ReleaseHold implements the hold half of §4.5.3.
func (e *Engine) ReleaseHold(ctx context.Context, reqCtx *core.RequestContext, patron *core.Patron, pin string, pool *core.LicensePool) error {
	hold, err := e.store.GetHold(ctx, patron.ID, pool.ID)
	if err != nil {
		return err
	}
	if hold == nil {
		return nil
	}

	adapter := e.registry.AdapterFor(pool)
	if adapter == nil {
		return core.ErrNoLicenses
	}

	if err := adapter.ReleaseHold(ctx, patron, pin, pool); err != nil && !core.IsRecoverable(err) {
		return err
	}

	err = e.store.WithSavepoint(ctx, func(ctx context.Context, store core.EntityStore) error {
		if err := store.DeleteHold(ctx, hold.ID); err != nil {
			return err
		}
		return store.TouchLoanActivitySync(ctx, patron.ID, nil)
	})
	if err != nil {
		return err
	}

	e.emit(ctx, reqCtx, patron, pool, core.EventHoldRelease)
	return nil
}

// SyncBookshelf exposes the engine's bookshelf syncer directly, for callers
// that need §4.6 without going through a borrow/fulfill retry path.
func (e *Engine) SyncBookshelf(ctx context.Context, patron *core.Patron, pin string, force bool) ([]*core.Loan, []*core.Hold, error) {
	return e.sync.Sync(ctx, patron, pin, force)
}
