package core

import "context"

// AnalyticsSink is the external collaborator (C8) the engine and bookshelf
// sync call to record checkouts, checkins, holds, and fulfillments. It must
// never return an error that aborts the caller — analytics failures are
// suppressed (§7).
type AnalyticsSink interface {
	// CollectEvent records one named event, optionally attributed to a pool
	// and enriched with a neighborhood (§4.5.4 governs when the caller may
	// pass a non-empty neighborhood).
	CollectEvent(ctx context.Context, library *Library, pool *LicensePool, name string, neighborhood string)
}

// Well-known analytics event names (§4.5.1, §4.5.2, §4.5.3).
const (
	EventCheckout    = "circulation.checkout"
	EventHoldPlace   = "circulation.hold_place"
	EventFulfill     = "circulation.fulfill"
	EventCheckin     = "circulation.checkin"
	EventHoldRelease = "circulation.hold_release"
)

// EntityStore is the external collaborator (C9) providing typed CRUD over
// the core entities, with nested-transaction (savepoint) support so a late
// failure in a multi-step write rolls back cleanly. Implementations live in
// internal/storage; the engine and bookshelf sync depend only on this
// interface.
type EntityStore interface {
	// WithSavepoint runs fn inside a nested transaction. If fn returns an
	// error, every write fn performed through the store handed into fn is
	// rolled back; the outer transaction (if any) is unaffected. Nesting is
	// legal: a WithSavepoint call inside fn receives a further-nested store.
	WithSavepoint(ctx context.Context, fn func(ctx context.Context, store EntityStore) error) error

	GetPatron(ctx context.Context, id string) (*Patron, error)
	TouchLoanActivitySync(ctx context.Context, patronID string, at *int64) error

	GetLoan(ctx context.Context, patronID string, poolID int64) (*Loan, error)
	ListLoans(ctx context.Context, patronID string) ([]*Loan, error)
	UpsertLoan(ctx context.Context, loan *Loan) error
	DeleteLoan(ctx context.Context, id string) error

	GetHold(ctx context.Context, patronID string, poolID int64) (*Hold, error)
	ListHolds(ctx context.Context, patronID string) ([]*Hold, error)
	UpsertHold(ctx context.Context, hold *Hold) error
	DeleteHold(ctx context.Context, id string) error

	GetLicensePool(ctx context.Context, id int64) (*LicensePool, error)
	FindLicensePool(ctx context.Context, collectionID int64, key IdentifierKey) (*LicensePool, error)
	SaveLicensePool(ctx context.Context, pool *LicensePool) error

	// GetOrCreateDeliveryMechanism resolves a (content_type, drm_scheme) pair
	// to a DeliveryMechanism row, creating one if none exists (§4.7 step 1).
	GetOrCreateDeliveryMechanism(ctx context.Context, contentType, drmScheme string) (*DeliveryMechanism, error)

	// GetOrCreateLPDM resolves or creates the LicensePoolDeliveryMechanism
	// binding a pool to a mechanism with the given rights/resource (§4.7
	// step 3).
	GetOrCreateLPDM(ctx context.Context, poolID int64, mech DeliveryMechanism, rightsURI string, resource *Resource) (*LicensePoolDeliveryMechanism, error)

	GetCredential(ctx context.Context, dataSource, credType string, collectionID *int64, patronID *string) (*Credential, error)
	SaveCredential(ctx context.Context, cred *Credential) error
}
