// Package bookshelf implements the concurrent fan-out synchronization
// protocol (C6) that reconciles local Loan/Hold rows with the truth held by
// every activity-capable vendor adapter for a patron's library.
package bookshelf

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/palacewire/circulation/internal/core"
	"github.com/palacewire/circulation/internal/registry"
	"github.com/palacewire/circulation/internal/vendor"
)

// recentLoanProtectionWindow matches a loan created mid-sync so a
// concurrent borrow is never reaped by this sync's deletions (§4.6).
const recentLoanProtectionWindow = time.Minute

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Syncer runs sync_bookshelf (§4.6) against a library's registry.
type Syncer struct {
	store             core.EntityStore
	registry          *registry.Registry
	analytics         core.AnalyticsSink
	logger            *slog.Logger
	now               Clock
	perAdapterTimeout time.Duration
}

// Options configures a Syncer.
type Options struct {
	PerAdapterTimeout time.Duration
	Now               Clock
}

// New builds a Syncer.
func New(store core.EntityStore, reg *registry.Registry, analytics core.AnalyticsSink, logger *slog.Logger, opts Options) *Syncer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PerAdapterTimeout == 0 {
		opts.PerAdapterTimeout = 30 * time.Second
	}
	return &Syncer{
		store:             store,
		registry:          reg,
		analytics:         analytics,
		logger:            logger,
		now:               opts.Now,
		perAdapterTimeout: opts.PerAdapterTimeout,
	}
}

type adapterResult struct {
	adapter vendor.PatronActivityAdapter
	loans   []core.LoanInfo
	holds   []core.HoldInfo
	err     error
}

// Sync reconciles patron's loans/holds against every activity-capable
// adapter. With force=false and a non-null last-sync stamp, it returns the
// locally cached rows without contacting any vendor (§4.6 freshness gate).
func (s *Syncer) Sync(ctx context.Context, patron *core.Patron, pin string, force bool) ([]*core.Loan, []*core.Hold, error) {
	if !force && patron.LastLoanActivitySync != nil {
		return s.localView(ctx, patron.ID)
	}

	syncStart := s.now()
	adapters := s.registry.SyncCapable()
	results := s.fanOut(ctx, patron, pin, adapters)

	complete := true
	managed := make(map[int64]struct{}, len(adapters))
	var remoteLoans []core.LoanInfo
	var remoteHolds []core.HoldInfo

	for _, r := range results {
		if r.err != nil {
			complete = false
			s.logger.Warn("bookshelf sync: adapter failed", "error", r.err)
			continue
		}
		remoteLoans = append(remoteLoans, r.loans...)
		remoteHolds = append(remoteHolds, r.holds...)
	}
	// Every adapter in the sync-capable set is "managed" regardless of this
	// round's outcome — an incomplete sync still must not delete rows that
	// belong to a collection we didn't hear back from, which is handled by
	// the completeness flag, not by excluding the collection from `managed`.
	for collectionID := range s.registry.SyncCapableCollectionIDs() {
		managed[collectionID] = struct{}{}
	}

	var finalErr error
	err := s.store.WithSavepoint(ctx, func(ctx context.Context, store core.EntityStore) error {
		loanMap, err := s.localLoanMap(ctx, store, patron.ID, managed)
		if err != nil {
			return err
		}
		holdMap, err := s.localHoldMap(ctx, store, patron.ID, managed)
		if err != nil {
			return err
		}

		for _, li := range remoteLoans {
			if err := s.reconcileLoan(ctx, store, patron, li, loanMap); err != nil {
				return err
			}
		}
		for _, hi := range remoteHolds {
			if err := s.reconcileHold(ctx, store, patron, hi, holdMap); err != nil {
				return err
			}
		}

		if complete {
			now := s.now()
			for key, loan := range loanMap {
				if now.Sub(loan.Start) < recentLoanProtectionWindow {
					continue
				}
				if err := store.DeleteLoan(ctx, loan.ID); err != nil {
					return err
				}
				delete(loanMap, key)
			}
			for key, hold := range holdMap {
				if err := store.DeleteHold(ctx, hold.ID); err != nil {
					return err
				}
				delete(holdMap, key)
			}
		}

		var stamp *int64
		if complete {
			t := syncStart.Unix()
			stamp = &t
		}
		return store.TouchLoanActivitySync(ctx, patron.ID, stamp)
	})
	if err != nil {
		finalErr = err
	}

	loans, holds, viewErr := s.localView(ctx, patron.ID)
	if viewErr != nil && finalErr == nil {
		finalErr = viewErr
	}
	return loans, holds, finalErr
}

func (s *Syncer) localView(ctx context.Context, patronID string) ([]*core.Loan, []*core.Hold, error) {
	loans, err := s.store.ListLoans(ctx, patronID)
	if err != nil {
		return nil, nil, err
	}
	holds, err := s.store.ListHolds(ctx, patronID)
	if err != nil {
		return nil, nil, err
	}
	return loans, holds, nil
}

// fanOut calls PatronActivity on every adapter concurrently, isolating
// panics and per-adapter timeouts, and joins before returning (grounded on
// the goroutine-per-receiver / WaitGroup / per-call timeout / panic-recovery
// shape used elsewhere in this codebase for parallel dispatch).
func (s *Syncer) fanOut(ctx context.Context, patron *core.Patron, pin string, adapters []vendor.PatronActivityAdapter) []adapterResult {
	results := make([]adapterResult, len(adapters))
	var wg sync.WaitGroup

	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a vendor.PatronActivityAdapter) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = adapterResult{adapter: a, err: fmt.Errorf("circulation: patron_activity panicked: %v", r)}
				}
			}()

			cctx, cancel := context.WithTimeout(ctx, s.perAdapterTimeout)
			defer cancel()

			loans, holds, err := a.PatronActivity(cctx, patron, pin)
			results[i] = adapterResult{adapter: a, loans: loans, holds: holds, err: err}
		}(i, a)
	}

	wg.Wait()
	return results
}

func (s *Syncer) localLoanMap(ctx context.Context, store core.EntityStore, patronID string, managed map[int64]struct{}) (map[core.IdentifierKey]*core.Loan, error) {
	loans, err := store.ListLoans(ctx, patronID)
	if err != nil {
		return nil, err
	}
	out := make(map[core.IdentifierKey]*core.Loan, len(loans))
	for _, loan := range loans {
		pool, err := store.GetLicensePool(ctx, loan.LicensePoolID)
		if err != nil || pool == nil {
			continue
		}
		if _, ok := managed[pool.CollectionID]; !ok {
			continue
		}
		out[pool.Key()] = loan
	}
	return out, nil
}

func (s *Syncer) localHoldMap(ctx context.Context, store core.EntityStore, patronID string, managed map[int64]struct{}) (map[core.IdentifierKey]*core.Hold, error) {
	holds, err := store.ListHolds(ctx, patronID)
	if err != nil {
		return nil, err
	}
	out := make(map[core.IdentifierKey]*core.Hold, len(holds))
	for _, hold := range holds {
		pool, err := store.GetLicensePool(ctx, hold.LicensePoolID)
		if err != nil || pool == nil {
			continue
		}
		if _, ok := managed[pool.CollectionID]; !ok {
			continue
		}
		out[pool.Key()] = hold
	}
	return out, nil
}

func (s *Syncer) reconcileLoan(ctx context.Context, store core.EntityStore, patron *core.Patron, li core.LoanInfo, loanMap map[core.IdentifierKey]*core.Loan) error {
	pool, err := store.FindLicensePool(ctx, li.CollectionID, li.Key())
	if err != nil || pool == nil {
		return nil // unknown to our catalog; nothing to reconcile against
	}
	key := pool.Key()

	loan, existed := loanMap[key]
	if !existed {
		loan = &core.Loan{
			ID:                 uuid.NewString(),
			PatronID:           patron.ID,
			LicensePoolID:      pool.ID,
			Start:              s.now(),
			ExternalIdentifier: li.ExternalIdentifier,
		}
	}
	if li.Start != nil {
		loan.Start = *li.Start
	}
	if li.End != nil {
		loan.End = li.End
	}

	if err := store.UpsertLoan(ctx, loan); err != nil {
		return err
	}
	if li.LockedTo != nil {
		if err := ApplyDeliveryMechanism(ctx, store, loan, pool, *li.LockedTo); err != nil {
			return err
		}
	}
	delete(loanMap, key)
	return nil
}

func (s *Syncer) reconcileHold(ctx context.Context, store core.EntityStore, patron *core.Patron, hi core.HoldInfo, holdMap map[core.IdentifierKey]*core.Hold) error {
	pool, err := store.FindLicensePool(ctx, hi.CollectionID, hi.Key())
	if err != nil || pool == nil {
		return nil
	}
	key := pool.Key()

	hold, existed := holdMap[key]
	if !existed {
		hold = &core.Hold{
			ID:                 uuid.NewString(),
			PatronID:           patron.ID,
			LicensePoolID:      pool.ID,
			Start:              s.now(),
			ExternalIdentifier: hi.ExternalIdentifier,
		}
	}
	if hi.Start != nil {
		hold.Start = *hi.Start
	}
	hold.End = hi.End
	hold.Position = hi.HoldPosition

	if err := store.UpsertHold(ctx, hold); err != nil {
		return err
	}
	delete(holdMap, key)
	return nil
}
