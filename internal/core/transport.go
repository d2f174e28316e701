package core

import "time"

// CirculationInfo is the common envelope every transport record at the
// adapter boundary carries: which collection and which vendor identifier it
// describes. CollectionID is always present before a record is connected to
// a LicensePool, even when the adapter constructing it has no DB handle.
type CirculationInfo struct {
	CollectionID   int64
	DataSourceName string
	IdentifierType string
	Identifier     string
}

// Key returns the (identifier_type, identifier) pair used to match this
// record against a local LicensePool during reconciliation.
func (c CirculationInfo) Key() IdentifierKey {
	return IdentifierKey{Type: c.IdentifierType, Identifier: c.Identifier}
}

// LoanInfo describes a loan as reported by a vendor adapter or synthesized
// by the engine itself (e.g. the AlreadyCheckedOut placeholder, §4.5.1).
type LoanInfo struct {
	CirculationInfo

	Start *time.Time
	End   *time.Time

	Fulfillment        *FulfillmentInfo
	LockedTo           *DeliveryMechanismInfo
	ExternalIdentifier *string
}

// HoldInfo describes a hold as reported by a vendor adapter. HoldPosition
// nil means "unknown — treat as first in line" (§4.1, §9); 0 means the copy
// is reserved and ready to check out.
type HoldInfo struct {
	CirculationInfo

	Start *time.Time
	End   *time.Time

	HoldPosition       *int
	ExternalIdentifier *string
}

// IsReserved reports whether the hold is at the front of the queue, per the
// "null is unknown, first in line" convention.
func (h HoldInfo) IsReserved() bool {
	return h.HoldPosition == nil || *h.HoldPosition == 0
}

// FulfillmentInfo describes the fetched (or lazily fetchable) means of
// delivering a title to a patron. Exactly one of ContentLink / Content
// carries the payload once fetched.
type FulfillmentInfo struct {
	CirculationInfo

	ContentLink         *string
	ContentType         *string
	Content             *string
	ContentExpires      *time.Time
	ContentLinkRedirect bool
}

// ResponseOverride is returned by AsResponse when an adapter wants to
// control how the HTTP layer renders a fulfillment (APIAwareFulfillmentInfo
// in the vendor's own vocabulary). Opaque to the engine.
type ResponseOverride struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// AsResponse returns an adapter-specific rendering override for this
// fulfillment, or (nil, false) to tell the caller to use standard rendering.
// The base FulfillmentInfo never overrides; LazyFulfillment forwards this to
// the underlying adapter once the value has been fetched (SUPPLEMENTED
// FEATURES #2).
func (f *FulfillmentInfo) AsResponse() (*ResponseOverride, bool) {
	return nil, false
}

// HasPayload reports whether the fulfillment carries usable content.
func (f *FulfillmentInfo) HasPayload() bool {
	return (f.ContentLink != nil && *f.ContentLink != "") || (f.Content != nil && *f.Content != "")
}

// DeliveryMechanismInfo is the (content_type, drm_scheme) a vendor reports a
// loan is locked to, optionally carrying rights/resource detail. Apply
// resolves or creates the matching DeliveryMechanism/LPDM and binds it to
// the loan (§4.7); implemented in internal/bookshelf since it needs the
// entity store.
type DeliveryMechanismInfo struct {
	ContentType string
	DRMScheme   string
	RightsURI   string
	Resource    *Resource
}
