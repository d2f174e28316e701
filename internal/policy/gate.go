// Package policy implements the circulation engine's pre-vendor-call
// authorization and limit checks (C4).
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/palacewire/circulation/internal/core"
	"github.com/palacewire/circulation/internal/vendor"
)

// Clock abstracts time.Now for tests.
type Clock func() time.Time

// Gate enforces a library's borrowing privileges and loan/hold limits
// before the engine is allowed to call a vendor adapter.
type Gate struct {
	now Clock
}

// New builds a Gate. If now is nil, time.Now is used.
func New(now Clock) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{now: now}
}

// AssertBorrowingPrivileges is called first by the engine for every borrow
// (§4.4). It never touches the vendor.
func (g *Gate) AssertBorrowingPrivileges(patron *core.Patron) error {
	if patron.AuthorizationExpires != nil && patron.AuthorizationExpires.Before(g.now()) {
		return core.ErrAuthorizationExpired
	}
	if patron.Library != nil && patron.Library.Settings.MaxOutstandingFines > 0 &&
		patron.Fines > patron.Library.Settings.MaxOutstandingFines {
		return core.ErrOutstandingFines
	}
	if patron.IsBlocked() {
		return core.ErrAuthorizationBlocked
	}
	return nil
}

// PatronAtLoanLimit reports whether patron has reached their library's
// configured loan limit. Indefinite loans (End == nil) don't count, nor do
// loans against open-access pools (§4.4).
func PatronAtLoanLimit(patron *core.Patron, loans []*core.Loan, pools map[int64]*core.LicensePool) bool {
	limit := 0
	if patron.Library != nil {
		limit = patron.Library.Settings.LoanLimit
	}
	if limit <= 0 {
		return false
	}
	count := 0
	for _, loan := range loans {
		if loan.End == nil {
			continue
		}
		pool := pools[loan.LicensePoolID]
		if pool != nil && pool.OpenAccess {
			continue
		}
		count++
	}
	return count >= limit
}

// PatronAtHoldLimit reports whether patron has reached their library's
// configured hold limit.
func PatronAtHoldLimit(patron *core.Patron, holds []*core.Hold) bool {
	limit := 0
	if patron.Library != nil {
		limit = patron.Library.Settings.HoldLimit
	}
	if limit <= 0 {
		return false
	}
	return len(holds) >= limit
}

// EnforceLimits decides, before any vendor checkout/hold call, whether the
// patron may proceed (§4.4). It may call adapter.UpdateAvailability to
// resolve a borderline case.
func (g *Gate) EnforceLimits(ctx context.Context, patron *core.Patron, pool *core.LicensePool, loans []*core.Loan, holds []*core.Hold, pools map[int64]*core.LicensePool, adapter vendor.Adapter) error {
	if pool.OpenAccess || pool.UnlimitedAccess {
		return nil
	}

	atLoanLimit := PatronAtLoanLimit(patron, loans, pools)
	atHoldLimit := PatronAtHoldLimit(patron, holds)

	if !atLoanLimit && !atHoldLimit {
		return nil
	}

	loanLimit := 0
	holdLimit := 0
	if patron.Library != nil {
		loanLimit = patron.Library.Settings.LoanLimit
		holdLimit = patron.Library.Settings.HoldLimit
	}

	if atLoanLimit && atHoldLimit {
		return &core.PatronLoanLimitReached{Limit: loanLimit}
	}

	if err := adapter.UpdateAvailability(ctx, pool); err != nil {
		return fmt.Errorf("circulation: refreshing availability before limit check: %w", err)
	}

	switch {
	case pool.LicensesAvailable > 0 && atLoanLimit:
		return &core.PatronLoanLimitReached{Limit: loanLimit}
	case pool.LicensesAvailable == 0 && atHoldLimit:
		return &core.PatronHoldLimitReached{Limit: holdLimit}
	default:
		return nil
	}
}
