// Package core defines the domain model, transport records, and
// collaborator interfaces the circulation engine is built against.
// Everything here is data and contracts; the state-machine logic that
// interprets it lives in internal/circulation and internal/bookshelf.
package core

import "time"

// Patron is the entity-store record of an authenticated library user.
// It is specified only by the fields the engine reads and writes (§3).
type Patron struct {
	ID                      string
	Library                 *Library
	AuthorizationIdentifier string

	// LastLoanActivitySync controls bookshelf-sync freshness (§4.6). Nil means
	// "never synced" and always forces a fresh fan-out.
	LastLoanActivitySync *time.Time

	BlockReason           string
	Fines                 float64
	AuthorizationExpires  *time.Time
	Neighborhood          *string
	ExternalType          *string
}

// IsBlocked reports whether the patron carries a block reason.
func (p *Patron) IsBlocked() bool { return p.BlockReason != "" }

// LibrarySettings holds the per-library policy knobs the engine consults (§3, §6).
type LibrarySettings struct {
	// LoanLimit is the non-negative cap on concurrent non-open-access loans.
	// 0 means unlimited.
	LoanLimit int

	// HoldLimit is the non-negative cap on concurrent holds. 0 means unlimited.
	HoldLimit int

	AllowHolds                      bool
	DefaultNotificationEmailAddress string
	MaxOutstandingFines             float64
	DefaultLoanDuration             time.Duration
	EbookLoanDuration               time.Duration
}

// Library is a tenant of the circulation orchestrator; it owns its own
// policy and a set of Collections.
type Library struct {
	ID          string
	Name        string
	Collections []*Collection
	Settings    LibrarySettings
}

// Collection is a source of licensed content from one distributor.
// Protocol selects which VendorAdapter implementation services it.
type Collection struct {
	ID                       int64
	Name                     string
	Protocol                 string
	IntegrationConfiguration []byte // opaque settings blob (YAML), decoded by the adapter
}

// DeliveryMechanism is a (content-type, DRM-scheme) tuple a title may be
// delivered through.
type DeliveryMechanism struct {
	ID         int64
	ContentType string
	DRMScheme   string
	Streaming   bool
}

// NoDRM is the DRM scheme value marking a DRM-free delivery.
const NoDRM = "NO_DRM"

// BearerToken is the DRM scheme value used by distributors (OPDS-for-
// Distributors among them) that gate content behind a bearer token rather
// than a DRM wrapper.
const BearerToken = "BEARER_TOKEN"

// IsDRMFree reports whether this mechanism requires no DRM wrapping.
func (d DeliveryMechanism) IsDRMFree() bool { return d.DRMScheme == NoDRM }

// Resource is a representation backing an open-access delivery mechanism.
type Resource struct {
	URL            string
	RepresentationAvailable bool
}

// LicensePoolDeliveryMechanism binds a DeliveryMechanism to a LicensePool,
// optionally with rights information and a resource (for open-access).
type LicensePoolDeliveryMechanism struct {
	ID                int64
	LicensePoolID     int64
	DeliveryMechanism DeliveryMechanism
	RightsURI         string
	Resource          *Resource
}

// CompatibleWith implements the external predicate from §3: two LPDMs are
// compatible iff they describe the same DRM+content combination, or one
// subsumes the other via a shared DRM-free content type.
func (m LicensePoolDeliveryMechanism) CompatibleWith(other LicensePoolDeliveryMechanism) bool {
	if m.DeliveryMechanism.ContentType == other.DeliveryMechanism.ContentType &&
		m.DeliveryMechanism.DRMScheme == other.DeliveryMechanism.DRMScheme {
		return true
	}
	// A DRM-free mechanism of the same content type subsumes any DRM'd
	// variant of that content type, and vice versa.
	sameContent := m.DeliveryMechanism.ContentType == other.DeliveryMechanism.ContentType
	return sameContent && (m.DeliveryMechanism.IsDRMFree() || other.DeliveryMechanism.IsDRMFree())
}

// LicensePool binds an Identifier to a Collection and tracks copy counts.
type LicensePool struct {
	ID                  int64
	CollectionID        int64
	DataSource          string
	IdentifierType      string
	Identifier          string
	OpenAccess          bool
	UnlimitedAccess     bool
	LicensesOwned       int
	LicensesAvailable   int
	PatronsInHoldQueue  int
	DeliveryMechanisms  []LicensePoolDeliveryMechanism
}

// Key returns the (identifier_type, identifier) pair used as the
// reconciliation key in bookshelf sync (§4.6).
func (lp *LicensePool) Key() IdentifierKey {
	return IdentifierKey{Type: lp.IdentifierType, Identifier: lp.Identifier}
}

// CirculationInfo builds the transport envelope identifying this pool, for
// engine code that synthesizes a LoanInfo/HoldInfo/FulfillmentInfo without
// going through an adapter (e.g. the AlreadyCheckedOut placeholder, §4.5.1).
func (lp *LicensePool) CirculationInfo() CirculationInfo {
	return CirculationInfo{
		CollectionID:   lp.CollectionID,
		DataSourceName: lp.DataSource,
		IdentifierType: lp.IdentifierType,
		Identifier:     lp.Identifier,
	}
}

// IdentifierKey is the (identifier_type, identifier) compound key used to
// match remote LoanInfo/HoldInfo records against local LicensePools.
type IdentifierKey struct {
	Type       string
	Identifier string
}

// Loan is the core-owned lifecycle record of a patron's checkout of a pool.
type Loan struct {
	ID                 string
	PatronID           string
	LicensePoolID      int64
	Start              time.Time
	End                *time.Time
	FulfillmentLPDMID  *int64
	ExternalIdentifier *string
}

// IsIndefinite reports whether the loan has no scheduled end.
func (l *Loan) IsIndefinite() bool { return l.End == nil }

// Hold is the core-owned lifecycle record of a patron's place in a queue.
// Position 0 means the copy is reserved and ready to check out.
type Hold struct {
	ID                 string
	PatronID           string
	LicensePoolID      int64
	Start              time.Time
	End                *time.Time
	Position           *int // nil is treated as "unknown, sync to resolve" (§9)
	ExternalIdentifier *string
}

// IsReserved reports whether the hold is at the front of the queue.
func (h *Hold) IsReserved() bool { return h.Position != nil && *h.Position == 0 }

// Credential is an opaque, adapter-owned secret (bearer token, API key)
// the core persists but never inspects.
type Credential struct {
	ID           string
	DataSource   string
	Type         string
	CollectionID *int64
	PatronID     *string
	Bytes        string
	Expires      *time.Time
}

// Expired reports whether the credential's expiry has passed as of now.
func (c Credential) Expired(now time.Time) bool {
	return c.Expires != nil && now.After(*c.Expires)
}

// RequestContext carries the currently authenticated patron/library for
// analytics attribution (§4.5.4, §6). Nil fields mean "no request in flight"
// (e.g. a background sync job).
type RequestContext struct {
	Patron  *Patron
	Library *Library
}
