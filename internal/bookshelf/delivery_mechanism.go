package bookshelf

import (
	"context"

	"github.com/palacewire/circulation/internal/core"
)

// ApplyDeliveryMechanism implements DeliveryMechanismInfo.apply (§4.7): a
// remote report that a loan is locked to a specific (content_type,
// drm_scheme[, rights_uri][, resource]) resolves or creates the matching
// DeliveryMechanism and LicensePoolDeliveryMechanism, then binds it to the
// loan. A no-op if the loan is already bound to that mechanism.
func ApplyDeliveryMechanism(ctx context.Context, store core.EntityStore, loan *core.Loan, pool *core.LicensePool, info core.DeliveryMechanismInfo) error {
	mech, err := store.GetOrCreateDeliveryMechanism(ctx, info.ContentType, info.DRMScheme)
	if err != nil {
		return err
	}

	if loan.FulfillmentLPDMID != nil {
		for _, lpdm := range pool.DeliveryMechanisms {
			if lpdm.ID == *loan.FulfillmentLPDMID && lpdm.DeliveryMechanism.ID == mech.ID {
				return nil
			}
		}
	}

	lpdm, err := store.GetOrCreateLPDM(ctx, pool.ID, *mech, info.RightsURI, info.Resource)
	if err != nil {
		return err
	}

	loan.FulfillmentLPDMID = &lpdm.ID
	return store.UpsertLoan(ctx, loan)
}
