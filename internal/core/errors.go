package core

import (
	"errors"
	"fmt"
)

// Zero-payload errors. Each names a behavior, not a type; callers match them
// with errors.Is.
var (
	// Auth/policy
	ErrAuthorizationExpired = errors.New("circulation: patron authorization has expired")
	ErrAuthorizationBlocked = errors.New("circulation: patron is blocked from borrowing")
	ErrOutstandingFines     = errors.New("circulation: patron has exceeded the allowed fine balance")

	// Borrow/renew
	ErrAlreadyCheckedOut         = errors.New("circulation: patron already has this title checked out")
	ErrAlreadyOnHold             = errors.New("circulation: patron already holds this title")
	ErrCurrentlyAvailable        = errors.New("circulation: title is currently available, hold not needed")
	ErrNoAvailableCopies         = errors.New("circulation: no copies currently available")
	ErrNoLicenses                = errors.New("circulation: collection owns no licenses for this title")
	ErrCannotRenew               = errors.New("circulation: loan cannot be renewed")
	ErrDeliveryMechanismMissing  = errors.New("circulation: delivery mechanism required at borrow time")

	// Fulfill
	ErrNoActiveLoan             = errors.New("circulation: patron has no active loan for this title")
	ErrCannotFulfill            = errors.New("circulation: title cannot be fulfilled")
	ErrNoAcceptableFormat       = errors.New("circulation: no delivery mechanism acceptable to the client is available")
	ErrFormatNotAvailable       = errors.New("circulation: requested delivery mechanism is not available for this title")
	ErrDeliveryMechanismConflict = errors.New("circulation: loan is already bound to a different delivery mechanism")

	// Return/release. ErrNotCheckedOut and ErrNotOnHold are recovered silently
	// by the engine (see IsRecoverable); ErrCannotReturn and
	// ErrCannotReleaseHold are surfaced to the caller.
	ErrNotCheckedOut = errors.New("circulation: patron does not have this title checked out")
	ErrNotOnHold     = errors.New("circulation: patron does not hold this title")
	ErrCannotReturn  = errors.New("circulation: loan cannot be returned to the vendor")
	ErrCannotReleaseHold = errors.New("circulation: hold cannot be released at the vendor")
)

// PatronLoanLimitReached is raised by the policy gate (C4) when a patron is
// already at their library's configured loan limit. It carries the limit so
// callers can render a useful detail.
type PatronLoanLimitReached struct {
	Limit int
}

func (e *PatronLoanLimitReached) Error() string {
	return fmt.Sprintf("circulation: patron has reached the loan limit of %d", e.Limit)
}

// PatronHoldLimitReached is raised by the policy gate (C4) when a patron is
// already at their library's configured hold limit.
type PatronHoldLimitReached struct {
	Limit int
}

func (e *PatronHoldLimitReached) Error() string {
	return fmt.Sprintf("circulation: patron has reached the hold limit of %d", e.Limit)
}

// DeliveryMechanismError is raised when an adapter's
// delivery_mechanism_to_internal_format mapping has no entry for the
// requested (content_type, drm_scheme) pair.
type DeliveryMechanismError struct {
	ContentType string
	DRMScheme   string
}

func (e *DeliveryMechanismError) Error() string {
	return fmt.Sprintf("circulation: no internal format mapping for content_type=%q drm_scheme=%q", e.ContentType, e.DRMScheme)
}

// RemoteInitiatedServerError wraps an infrastructure failure reported by a
// vendor adapter (5xx, connection refused, malformed response). It always
// carries the vendor name so logs and metrics can attribute the outage.
type RemoteInitiatedServerError struct {
	Vendor string
	Cause  error
}

func (e *RemoteInitiatedServerError) Error() string {
	return fmt.Sprintf("circulation: %s reported a server error: %v", e.Vendor, e.Cause)
}

func (e *RemoteInitiatedServerError) Unwrap() error { return e.Cause }

// ConfigurationError is raised by a VendorAdapter constructor when a
// Collection's integration configuration is invalid or incomplete. The
// registry (C7) stores this under the collection's ID instead of raising it.
type ConfigurationError struct {
	CollectionID int64
	Cause        error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("circulation: collection %d has invalid configuration: %v", e.CollectionID, e.Cause)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// IsRecoverable reports whether err is one of the errors the circulation
// engine recovers from silently during revoke/release (§7): the local row
// was going to be deleted anyway, so a vendor saying "you don't have this"
// is not a failure.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrNotCheckedOut) || errors.Is(err, ErrNotOnHold)
}
