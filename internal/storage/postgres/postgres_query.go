package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/palacewire/circulation/internal/core"
)

func (s *Storage) GetPatron(ctx context.Context, id string) (*core.Patron, error) {
	start := time.Now()
	row := s.conn().QueryRow(ctx, `
SELECT id, library_id, authorization_identifier, last_loan_activity_sync,
       block_reason, fines, authorization_expires, neighborhood, external_type
FROM patrons WHERE id = $1`, id)

	p := &core.Patron{Library: &core.Library{}}
	err := row.Scan(&p.ID, &p.Library.ID, &p.AuthorizationIdentifier, &p.LastLoanActivitySync,
		&p.BlockReason, &p.Fines, &p.AuthorizationExpires, &p.Neighborhood, &p.ExternalType)
	s.recordQuery("select", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, patronNotFoundError{id: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get patron %s: %w", id, err)
	}
	return p, nil
}

func (s *Storage) TouchLoanActivitySync(ctx context.Context, patronID string, atUnix *int64) error {
	start := time.Now()
	var at *time.Time
	if atUnix != nil {
		t := time.Unix(*atUnix, 0).UTC()
		at = &t
	}
	_, err := s.conn().Exec(ctx, `UPDATE patrons SET last_loan_activity_sync = $1 WHERE id = $2`, at, patronID)
	s.recordQuery("update", start, err)
	return err
}

func (s *Storage) GetLoan(ctx context.Context, patronID string, poolID int64) (*core.Loan, error) {
	start := time.Now()
	row := s.conn().QueryRow(ctx, `
SELECT id, patron_id, license_pool_id, start, "end", fulfillment_lpdm_id, external_identifier
FROM loans WHERE patron_id = $1 AND license_pool_id = $2`, patronID, poolID)
	loan, err := scanLoan(row)
	s.recordQuery("select", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get loan: %w", err)
	}
	return loan, nil
}

func (s *Storage) ListLoans(ctx context.Context, patronID string) ([]*core.Loan, error) {
	start := time.Now()
	rows, err := s.conn().Query(ctx, `
SELECT id, patron_id, license_pool_id, start, "end", fulfillment_lpdm_id, external_identifier
FROM loans WHERE patron_id = $1`, patronID)
	s.recordQuery("select", start, err)
	if err != nil {
		return nil, fmt.Errorf("postgres: list loans: %w", err)
	}
	defer rows.Close()

	out := []*core.Loan{}
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan loan: %w", err)
		}
		out = append(out, loan)
	}
	return out, rows.Err()
}

func (s *Storage) UpsertLoan(ctx context.Context, loan *core.Loan) error {
	start := time.Now()
	_, err := s.conn().Exec(ctx, `
INSERT INTO loans (id, patron_id, license_pool_id, start, "end", fulfillment_lpdm_id, external_identifier)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (patron_id, license_pool_id) DO UPDATE SET
	id = excluded.id, start = excluded.start, "end" = excluded."end",
	fulfillment_lpdm_id = excluded.fulfillment_lpdm_id, external_identifier = excluded.external_identifier`,
		loan.ID, loan.PatronID, loan.LicensePoolID, loan.Start, loan.End, loan.FulfillmentLPDMID, loan.ExternalIdentifier)
	s.recordQuery("upsert", start, err)
	return err
}

func (s *Storage) DeleteLoan(ctx context.Context, id string) error {
	start := time.Now()
	_, err := s.conn().Exec(ctx, `DELETE FROM loans WHERE id = $1`, id)
	s.recordQuery("delete", start, err)
	return err
}

func (s *Storage) GetHold(ctx context.Context, patronID string, poolID int64) (*core.Hold, error) {
	start := time.Now()
	row := s.conn().QueryRow(ctx, `
SELECT id, patron_id, license_pool_id, start, "end", position, external_identifier
FROM holds WHERE patron_id = $1 AND license_pool_id = $2`, patronID, poolID)
	hold, err := scanHold(row)
	s.recordQuery("select", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get hold: %w", err)
	}
	return hold, nil
}

func (s *Storage) ListHolds(ctx context.Context, patronID string) ([]*core.Hold, error) {
	start := time.Now()
	rows, err := s.conn().Query(ctx, `
SELECT id, patron_id, license_pool_id, start, "end", position, external_identifier
FROM holds WHERE patron_id = $1`, patronID)
	s.recordQuery("select", start, err)
	if err != nil {
		return nil, fmt.Errorf("postgres: list holds: %w", err)
	}
	defer rows.Close()

	out := []*core.Hold{}
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan hold: %w", err)
		}
		out = append(out, hold)
	}
	return out, rows.Err()
}

func (s *Storage) UpsertHold(ctx context.Context, hold *core.Hold) error {
	start := time.Now()
	_, err := s.conn().Exec(ctx, `
INSERT INTO holds (id, patron_id, license_pool_id, start, "end", position, external_identifier)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (patron_id, license_pool_id) DO UPDATE SET
	id = excluded.id, start = excluded.start, "end" = excluded."end",
	position = excluded.position, external_identifier = excluded.external_identifier`,
		hold.ID, hold.PatronID, hold.LicensePoolID, hold.Start, hold.End, hold.Position, hold.ExternalIdentifier)
	s.recordQuery("upsert", start, err)
	return err
}

func (s *Storage) DeleteHold(ctx context.Context, id string) error {
	start := time.Now()
	_, err := s.conn().Exec(ctx, `DELETE FROM holds WHERE id = $1`, id)
	s.recordQuery("delete", start, err)
	return err
}

func (s *Storage) GetLicensePool(ctx context.Context, id int64) (*core.LicensePool, error) {
	start := time.Now()
	row := s.conn().QueryRow(ctx, `
SELECT id, collection_id, data_source, identifier_type, identifier,
       open_access, unlimited_access, licenses_owned, licenses_available, patrons_in_hold_queue
FROM license_pools WHERE id = $1`, id)
	pool, err := scanLicensePool(row)
	s.recordQuery("select", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get license pool: %w", err)
	}
	if err := s.attachDeliveryMechanisms(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

func (s *Storage) FindLicensePool(ctx context.Context, collectionID int64, key core.IdentifierKey) (*core.LicensePool, error) {
	start := time.Now()
	row := s.conn().QueryRow(ctx, `
SELECT id, collection_id, data_source, identifier_type, identifier,
       open_access, unlimited_access, licenses_owned, licenses_available, patrons_in_hold_queue
FROM license_pools WHERE collection_id = $1 AND identifier_type = $2 AND identifier = $3`,
		collectionID, key.Type, key.Identifier)
	pool, err := scanLicensePool(row)
	s.recordQuery("select", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: find license pool: %w", err)
	}
	if err := s.attachDeliveryMechanisms(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

func (s *Storage) SaveLicensePool(ctx context.Context, pool *core.LicensePool) error {
	start := time.Now()
	_, err := s.conn().Exec(ctx, `
INSERT INTO license_pools (id, collection_id, data_source, identifier_type, identifier,
                            open_access, unlimited_access, licenses_owned, licenses_available, patrons_in_hold_queue)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	collection_id = excluded.collection_id, data_source = excluded.data_source,
	identifier_type = excluded.identifier_type, identifier = excluded.identifier,
	open_access = excluded.open_access, unlimited_access = excluded.unlimited_access,
	licenses_owned = excluded.licenses_owned, licenses_available = excluded.licenses_available,
	patrons_in_hold_queue = excluded.patrons_in_hold_queue`,
		pool.ID, pool.CollectionID, pool.DataSource, pool.IdentifierType, pool.Identifier,
		pool.OpenAccess, pool.UnlimitedAccess, pool.LicensesOwned, pool.LicensesAvailable, pool.PatronsInHoldQueue)
	s.recordQuery("upsert", start, err)
	return err
}

func (s *Storage) GetOrCreateDeliveryMechanism(ctx context.Context, contentType, drmScheme string) (*core.DeliveryMechanism, error) {
	start := time.Now()
	row := s.conn().QueryRow(ctx, `SELECT id, content_type, drm_scheme, streaming FROM delivery_mechanisms WHERE content_type = $1 AND drm_scheme = $2`,
		contentType, drmScheme)

	dm := &core.DeliveryMechanism{}
	err := row.Scan(&dm.ID, &dm.ContentType, &dm.DRMScheme, &dm.Streaming)
	s.recordQuery("select", start, err)
	if err == nil {
		return dm, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: lookup delivery mechanism: %w", err)
	}

	insertStart := time.Now()
	var id int64
	err = s.conn().QueryRow(ctx, `INSERT INTO delivery_mechanisms (content_type, drm_scheme) VALUES ($1, $2) RETURNING id`,
		contentType, drmScheme).Scan(&id)
	s.recordQuery("insert", insertStart, err)
	if err != nil {
		return nil, fmt.Errorf("postgres: create delivery mechanism: %w", err)
	}
	return &core.DeliveryMechanism{ID: id, ContentType: contentType, DRMScheme: drmScheme}, nil
}

func (s *Storage) GetOrCreateLPDM(ctx context.Context, poolID int64, mech core.DeliveryMechanism, rightsURI string, resource *core.Resource) (*core.LicensePoolDeliveryMechanism, error) {
	resolved, err := s.GetOrCreateDeliveryMechanism(ctx, mech.ContentType, mech.DRMScheme)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	row := s.conn().QueryRow(ctx, `
SELECT id, rights_uri, resource_url, resource_representation_available
FROM license_pool_delivery_mechanisms WHERE license_pool_id = $1 AND delivery_mechanism_id = $2`, poolID, resolved.ID)

	var lpdmID int64
	var rights string
	var resourceURL *string
	var resourceAvailable *bool
	scanErr := row.Scan(&lpdmID, &rights, &resourceURL, &resourceAvailable)
	s.recordQuery("select", start, scanErr)
	if scanErr == nil {
		return buildLPDM(lpdmID, poolID, *resolved, rights, resourceURL, resourceAvailable), nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: lookup lpdm: %w", scanErr)
	}

	var resourceURLArg *string
	var resourceAvailableArg *bool
	if resource != nil {
		resourceURLArg = &resource.URL
		resourceAvailableArg = &resource.RepresentationAvailable
	}

	insertStart := time.Now()
	var id int64
	err = s.conn().QueryRow(ctx, `
INSERT INTO license_pool_delivery_mechanisms (license_pool_id, delivery_mechanism_id, rights_uri, resource_url, resource_representation_available)
VALUES ($1, $2, $3, $4, $5) RETURNING id`, poolID, resolved.ID, rightsURI, resourceURLArg, resourceAvailableArg).Scan(&id)
	s.recordQuery("insert", insertStart, err)
	if err != nil {
		return nil, fmt.Errorf("postgres: create lpdm: %w", err)
	}

	return &core.LicensePoolDeliveryMechanism{
		ID: id, LicensePoolID: poolID, DeliveryMechanism: *resolved, RightsURI: rightsURI, Resource: resource,
	}, nil
}

func buildLPDM(id, poolID int64, mech core.DeliveryMechanism, rights string, resourceURL *string, resourceAvailable *bool) *core.LicensePoolDeliveryMechanism {
	lpdm := &core.LicensePoolDeliveryMechanism{ID: id, LicensePoolID: poolID, DeliveryMechanism: mech, RightsURI: rights}
	if resourceURL != nil {
		available := resourceAvailable != nil && *resourceAvailable
		lpdm.Resource = &core.Resource{URL: *resourceURL, RepresentationAvailable: available}
	}
	return lpdm
}

func (s *Storage) attachDeliveryMechanisms(ctx context.Context, pool *core.LicensePool) error {
	start := time.Now()
	rows, err := s.conn().Query(ctx, `
SELECT lpdm.id, lpdm.rights_uri, lpdm.resource_url, lpdm.resource_representation_available,
       dm.id, dm.content_type, dm.drm_scheme, dm.streaming
FROM license_pool_delivery_mechanisms lpdm
JOIN delivery_mechanisms dm ON dm.id = lpdm.delivery_mechanism_id
WHERE lpdm.license_pool_id = $1`, pool.ID)
	s.recordQuery("select", start, err)
	if err != nil {
		return fmt.Errorf("postgres: attach delivery mechanisms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var lpdmID, dmID int64
		var rights, contentType, drmScheme string
		var resourceURL *string
		var resourceAvailable *bool
		var streaming bool
		if err := rows.Scan(&lpdmID, &rights, &resourceURL, &resourceAvailable, &dmID, &contentType, &drmScheme, &streaming); err != nil {
			return fmt.Errorf("postgres: scan lpdm: %w", err)
		}
		mech := core.DeliveryMechanism{ID: dmID, ContentType: contentType, DRMScheme: drmScheme, Streaming: streaming}
		pool.DeliveryMechanisms = append(pool.DeliveryMechanisms, *buildLPDM(lpdmID, pool.ID, mech, rights, resourceURL, resourceAvailable))
	}
	return rows.Err()
}

func (s *Storage) GetCredential(ctx context.Context, dataSource, credType string, collectionID *int64, patronID *string) (*core.Credential, error) {
	start := time.Now()
	row := s.conn().QueryRow(ctx, `
SELECT id, data_source, type, collection_id, patron_id, bytes, expires
FROM credentials
WHERE data_source = $1 AND type = $2
  AND collection_id IS NOT DISTINCT FROM $3 AND patron_id IS NOT DISTINCT FROM $4`,
		dataSource, credType, collectionID, patronID)

	cred := &core.Credential{}
	err := row.Scan(&cred.ID, &cred.DataSource, &cred.Type, &cred.CollectionID, &cred.PatronID, &cred.Bytes, &cred.Expires)
	s.recordQuery("select", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get credential: %w", err)
	}
	return cred, nil
}

func (s *Storage) SaveCredential(ctx context.Context, cred *core.Credential) error {
	start := time.Now()
	_, err := s.conn().Exec(ctx, `
INSERT INTO credentials (id, data_source, type, collection_id, patron_id, bytes, expires)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	data_source = excluded.data_source, type = excluded.type, collection_id = excluded.collection_id,
	patron_id = excluded.patron_id, bytes = excluded.bytes, expires = excluded.expires`,
		cred.ID, cred.DataSource, cred.Type, cred.CollectionID, cred.PatronID, cred.Bytes, cred.Expires)
	s.recordQuery("upsert", start, err)
	return err
}

// scannable is satisfied by both pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanLoan(r scannable) (*core.Loan, error) {
	loan := &core.Loan{}
	if err := r.Scan(&loan.ID, &loan.PatronID, &loan.LicensePoolID, &loan.Start, &loan.End,
		&loan.FulfillmentLPDMID, &loan.ExternalIdentifier); err != nil {
		return nil, err
	}
	return loan, nil
}

func scanHold(r scannable) (*core.Hold, error) {
	hold := &core.Hold{}
	if err := r.Scan(&hold.ID, &hold.PatronID, &hold.LicensePoolID, &hold.Start, &hold.End,
		&hold.Position, &hold.ExternalIdentifier); err != nil {
		return nil, err
	}
	return hold, nil
}

func scanLicensePool(r scannable) (*core.LicensePool, error) {
	pool := &core.LicensePool{}
	if err := r.Scan(&pool.ID, &pool.CollectionID, &pool.DataSource, &pool.IdentifierType, &pool.Identifier,
		&pool.OpenAccess, &pool.UnlimitedAccess, &pool.LicensesOwned, &pool.LicensesAvailable, &pool.PatronsInHoldQueue); err != nil {
		return nil, err
	}
	return pool, nil
}
