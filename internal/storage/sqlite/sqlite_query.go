// Package sqlite: CRUD operations over the circulation entity tables.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/palacewire/circulation/internal/core"
)

func (s *SQLiteStorage) GetPatron(ctx context.Context, id string) (*core.Patron, error) {
	start := time.Now()
	row := s.conn.QueryRowContext(ctx, `
SELECT id, library_id, authorization_identifier, last_loan_activity_sync,
       block_reason, fines, authorization_expires, neighborhood, external_type
FROM patrons WHERE id = ?`, id)

	p := &core.Patron{Library: &core.Library{}}
	var lastSync, authExpires sql.NullInt64
	var neighborhood, externalType sql.NullString

	err := row.Scan(&p.ID, &p.Library.ID, &p.AuthorizationIdentifier, &lastSync,
		&p.BlockReason, &p.Fines, &authExpires, &neighborhood, &externalType)
	s.recordQuery("select", start, err)
	if err == sql.ErrNoRows {
		return nil, patronNotFoundError{id: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get patron %s: %w", id, err)
	}

	if lastSync.Valid {
		t := time.Unix(lastSync.Int64, 0).UTC()
		p.LastLoanActivitySync = &t
	}
	if authExpires.Valid {
		t := time.Unix(authExpires.Int64, 0).UTC()
		p.AuthorizationExpires = &t
	}
	if neighborhood.Valid {
		p.Neighborhood = &neighborhood.String
	}
	if externalType.Valid {
		p.ExternalType = &externalType.String
	}
	return p, nil
}

func (s *SQLiteStorage) TouchLoanActivitySync(ctx context.Context, patronID string, atUnix *int64) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `UPDATE patrons SET last_loan_activity_sync = ? WHERE id = ?`, atUnix, patronID)
	s.recordQuery("update", start, err)
	return err
}

func (s *SQLiteStorage) GetLoan(ctx context.Context, patronID string, poolID int64) (*core.Loan, error) {
	start := time.Now()
	row := s.conn.QueryRowContext(ctx, `
SELECT id, patron_id, license_pool_id, start, "end", fulfillment_lpdm_id, external_identifier
FROM loans WHERE patron_id = ? AND license_pool_id = ?`, patronID, poolID)
	loan, err := scanLoan(row)
	s.recordQuery("select", start, err)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get loan: %w", err)
	}
	return loan, nil
}

func (s *SQLiteStorage) ListLoans(ctx context.Context, patronID string) ([]*core.Loan, error) {
	start := time.Now()
	rows, err := s.conn.QueryContext(ctx, `
SELECT id, patron_id, license_pool_id, start, "end", fulfillment_lpdm_id, external_identifier
FROM loans WHERE patron_id = ?`, patronID)
	s.recordQuery("select", start, err)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list loans: %w", err)
	}
	defer rows.Close()

	out := []*core.Loan{}
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan loan: %w", err)
		}
		out = append(out, loan)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) UpsertLoan(ctx context.Context, loan *core.Loan) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO loans (id, patron_id, license_pool_id, start, "end", fulfillment_lpdm_id, external_identifier)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (patron_id, license_pool_id) DO UPDATE SET
	id = excluded.id, start = excluded.start, "end" = excluded."end",
	fulfillment_lpdm_id = excluded.fulfillment_lpdm_id, external_identifier = excluded.external_identifier`,
		loan.ID, loan.PatronID, loan.LicensePoolID, loan.Start.Unix(), nullableUnix(loan.End),
		loan.FulfillmentLPDMID, loan.ExternalIdentifier)
	s.recordQuery("upsert", start, err)
	return err
}

func (s *SQLiteStorage) DeleteLoan(ctx context.Context, id string) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `DELETE FROM loans WHERE id = ?`, id)
	s.recordQuery("delete", start, err)
	return err
}

func (s *SQLiteStorage) GetHold(ctx context.Context, patronID string, poolID int64) (*core.Hold, error) {
	start := time.Now()
	row := s.conn.QueryRowContext(ctx, `
SELECT id, patron_id, license_pool_id, start, "end", position, external_identifier
FROM holds WHERE patron_id = ? AND license_pool_id = ?`, patronID, poolID)
	hold, err := scanHold(row)
	s.recordQuery("select", start, err)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get hold: %w", err)
	}
	return hold, nil
}

func (s *SQLiteStorage) ListHolds(ctx context.Context, patronID string) ([]*core.Hold, error) {
	start := time.Now()
	rows, err := s.conn.QueryContext(ctx, `
SELECT id, patron_id, license_pool_id, start, "end", position, external_identifier
FROM holds WHERE patron_id = ?`, patronID)
	s.recordQuery("select", start, err)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list holds: %w", err)
	}
	defer rows.Close()

	out := []*core.Hold{}
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan hold: %w", err)
		}
		out = append(out, hold)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) UpsertHold(ctx context.Context, hold *core.Hold) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO holds (id, patron_id, license_pool_id, start, "end", position, external_identifier)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (patron_id, license_pool_id) DO UPDATE SET
	id = excluded.id, start = excluded.start, "end" = excluded."end",
	position = excluded.position, external_identifier = excluded.external_identifier`,
		hold.ID, hold.PatronID, hold.LicensePoolID, hold.Start.Unix(), nullableUnix(hold.End),
		hold.Position, hold.ExternalIdentifier)
	s.recordQuery("upsert", start, err)
	return err
}

func (s *SQLiteStorage) DeleteHold(ctx context.Context, id string) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `DELETE FROM holds WHERE id = ?`, id)
	s.recordQuery("delete", start, err)
	return err
}

func (s *SQLiteStorage) GetLicensePool(ctx context.Context, id int64) (*core.LicensePool, error) {
	start := time.Now()
	row := s.conn.QueryRowContext(ctx, `
SELECT id, collection_id, data_source, identifier_type, identifier,
       open_access, unlimited_access, licenses_owned, licenses_available, patrons_in_hold_queue
FROM license_pools WHERE id = ?`, id)
	pool, err := scanLicensePool(row)
	s.recordQuery("select", start, err)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get license pool: %w", err)
	}
	if err := s.attachDeliveryMechanisms(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

func (s *SQLiteStorage) FindLicensePool(ctx context.Context, collectionID int64, key core.IdentifierKey) (*core.LicensePool, error) {
	start := time.Now()
	row := s.conn.QueryRowContext(ctx, `
SELECT id, collection_id, data_source, identifier_type, identifier,
       open_access, unlimited_access, licenses_owned, licenses_available, patrons_in_hold_queue
FROM license_pools WHERE collection_id = ? AND identifier_type = ? AND identifier = ?`,
		collectionID, key.Type, key.Identifier)
	pool, err := scanLicensePool(row)
	s.recordQuery("select", start, err)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find license pool: %w", err)
	}
	if err := s.attachDeliveryMechanisms(ctx, pool); err != nil {
		return nil, err
	}
	return pool, nil
}

func (s *SQLiteStorage) SaveLicensePool(ctx context.Context, pool *core.LicensePool) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO license_pools (id, collection_id, data_source, identifier_type, identifier,
                            open_access, unlimited_access, licenses_owned, licenses_available, patrons_in_hold_queue)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	collection_id = excluded.collection_id, data_source = excluded.data_source,
	identifier_type = excluded.identifier_type, identifier = excluded.identifier,
	open_access = excluded.open_access, unlimited_access = excluded.unlimited_access,
	licenses_owned = excluded.licenses_owned, licenses_available = excluded.licenses_available,
	patrons_in_hold_queue = excluded.patrons_in_hold_queue`,
		pool.ID, pool.CollectionID, pool.DataSource, pool.IdentifierType, pool.Identifier,
		boolToInt(pool.OpenAccess), boolToInt(pool.UnlimitedAccess),
		pool.LicensesOwned, pool.LicensesAvailable, pool.PatronsInHoldQueue)
	s.recordQuery("upsert", start, err)
	return err
}

func (s *SQLiteStorage) GetOrCreateDeliveryMechanism(ctx context.Context, contentType, drmScheme string) (*core.DeliveryMechanism, error) {
	start := time.Now()
	row := s.conn.QueryRowContext(ctx, `SELECT id, content_type, drm_scheme, streaming FROM delivery_mechanisms WHERE content_type = ? AND drm_scheme = ?`,
		contentType, drmScheme)

	dm := &core.DeliveryMechanism{}
	var streaming int
	err := row.Scan(&dm.ID, &dm.ContentType, &dm.DRMScheme, &streaming)
	s.recordQuery("select", start, err)
	if err == nil {
		dm.Streaming = streaming != 0
		return dm, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: lookup delivery mechanism: %w", err)
	}

	insertStart := time.Now()
	res, err := s.conn.ExecContext(ctx, `INSERT INTO delivery_mechanisms (content_type, drm_scheme) VALUES (?, ?)`, contentType, drmScheme)
	s.recordQuery("insert", insertStart, err)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create delivery mechanism: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlite: delivery mechanism id: %w", err)
	}
	return &core.DeliveryMechanism{ID: id, ContentType: contentType, DRMScheme: drmScheme}, nil
}

func (s *SQLiteStorage) GetOrCreateLPDM(ctx context.Context, poolID int64, mech core.DeliveryMechanism, rightsURI string, resource *core.Resource) (*core.LicensePoolDeliveryMechanism, error) {
	resolved, err := s.GetOrCreateDeliveryMechanism(ctx, mech.ContentType, mech.DRMScheme)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	row := s.conn.QueryRowContext(ctx, `
SELECT id, rights_uri, resource_url, resource_representation_available
FROM license_pool_delivery_mechanisms WHERE license_pool_id = ? AND delivery_mechanism_id = ?`, poolID, resolved.ID)

	var lpdmID int64
	var rights string
	var resourceURL sql.NullString
	var resourceAvailable sql.NullInt64
	scanErr := row.Scan(&lpdmID, &rights, &resourceURL, &resourceAvailable)
	s.recordQuery("select", start, scanErr)
	if scanErr == nil {
		return buildLPDM(lpdmID, poolID, *resolved, rights, resourceURL, resourceAvailable), nil
	}
	if scanErr != sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: lookup lpdm: %w", scanErr)
	}

	var resourceURLArg any
	var resourceAvailableArg any
	if resource != nil {
		resourceURLArg = resource.URL
		resourceAvailableArg = resource.RepresentationAvailable
	}

	insertStart := time.Now()
	res, err := s.conn.ExecContext(ctx, `
INSERT INTO license_pool_delivery_mechanisms (license_pool_id, delivery_mechanism_id, rights_uri, resource_url, resource_representation_available)
VALUES (?, ?, ?, ?, ?)`, poolID, resolved.ID, rightsURI, resourceURLArg, resourceAvailableArg)
	s.recordQuery("insert", insertStart, err)
	if err != nil {
		return nil, fmt.Errorf("sqlite: create lpdm: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("sqlite: lpdm id: %w", err)
	}

	lpdm := &core.LicensePoolDeliveryMechanism{
		ID: id, LicensePoolID: poolID, DeliveryMechanism: *resolved, RightsURI: rightsURI, Resource: resource,
	}
	return lpdm, nil
}

func buildLPDM(id, poolID int64, mech core.DeliveryMechanism, rights string, resourceURL sql.NullString, resourceAvailable sql.NullInt64) *core.LicensePoolDeliveryMechanism {
	lpdm := &core.LicensePoolDeliveryMechanism{ID: id, LicensePoolID: poolID, DeliveryMechanism: mech, RightsURI: rights}
	if resourceURL.Valid {
		lpdm.Resource = &core.Resource{URL: resourceURL.String, RepresentationAvailable: resourceAvailable.Int64 != 0}
	}
	return lpdm
}

func (s *SQLiteStorage) attachDeliveryMechanisms(ctx context.Context, pool *core.LicensePool) error {
	start := time.Now()
	rows, err := s.conn.QueryContext(ctx, `
SELECT lpdm.id, lpdm.rights_uri, lpdm.resource_url, lpdm.resource_representation_available,
       dm.id, dm.content_type, dm.drm_scheme, dm.streaming
FROM license_pool_delivery_mechanisms lpdm
JOIN delivery_mechanisms dm ON dm.id = lpdm.delivery_mechanism_id
WHERE lpdm.license_pool_id = ?`, pool.ID)
	s.recordQuery("select", start, err)
	if err != nil {
		return fmt.Errorf("sqlite: attach delivery mechanisms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var lpdmID, dmID int64
		var rights string
		var resourceURL sql.NullString
		var resourceAvailable sql.NullInt64
		var contentType, drmScheme string
		var streaming int
		if err := rows.Scan(&lpdmID, &rights, &resourceURL, &resourceAvailable, &dmID, &contentType, &drmScheme, &streaming); err != nil {
			return fmt.Errorf("sqlite: scan lpdm: %w", err)
		}
		mech := core.DeliveryMechanism{ID: dmID, ContentType: contentType, DRMScheme: drmScheme, Streaming: streaming != 0}
		pool.DeliveryMechanisms = append(pool.DeliveryMechanisms, *buildLPDM(lpdmID, pool.ID, mech, rights, resourceURL, resourceAvailable))
	}
	return rows.Err()
}

func (s *SQLiteStorage) GetCredential(ctx context.Context, dataSource, credType string, collectionID *int64, patronID *string) (*core.Credential, error) {
	start := time.Now()
	row := s.conn.QueryRowContext(ctx, `
SELECT id, data_source, type, collection_id, patron_id, bytes, expires
FROM credentials
WHERE data_source = ? AND type = ?
  AND collection_id IS ? AND patron_id IS ?`, dataSource, credType, collectionID, patronID)

	cred := &core.Credential{}
	var cID sql.NullInt64
	var pID sql.NullString
	var expires sql.NullInt64
	err := row.Scan(&cred.ID, &cred.DataSource, &cred.Type, &cID, &pID, &cred.Bytes, &expires)
	s.recordQuery("select", start, err)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get credential: %w", err)
	}
	if cID.Valid {
		cred.CollectionID = &cID.Int64
	}
	if pID.Valid {
		cred.PatronID = &pID.String
	}
	if expires.Valid {
		t := time.Unix(expires.Int64, 0).UTC()
		cred.Expires = &t
	}
	return cred, nil
}

func (s *SQLiteStorage) SaveCredential(ctx context.Context, cred *core.Credential) error {
	start := time.Now()
	_, err := s.conn.ExecContext(ctx, `
INSERT INTO credentials (id, data_source, type, collection_id, patron_id, bytes, expires)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	data_source = excluded.data_source, type = excluded.type, collection_id = excluded.collection_id,
	patron_id = excluded.patron_id, bytes = excluded.bytes, expires = excluded.expires`,
		cred.ID, cred.DataSource, cred.Type, cred.CollectionID, cred.PatronID, cred.Bytes, nullableUnix(cred.Expires))
	s.recordQuery("upsert", start, err)
	return err
}

// row is satisfied by both *sql.Row and *sql.Rows, letting scanLoan/scanHold
// serve both single-record and list queries.
type row interface {
	Scan(dest ...any) error
}

func scanLoan(r row) (*core.Loan, error) {
	loan := &core.Loan{}
	var start int64
	var end sql.NullInt64
	var fulfillmentLPDMID sql.NullInt64
	var externalIdentifier sql.NullString

	if err := r.Scan(&loan.ID, &loan.PatronID, &loan.LicensePoolID, &start, &end, &fulfillmentLPDMID, &externalIdentifier); err != nil {
		return nil, err
	}
	loan.Start = time.Unix(start, 0).UTC()
	if end.Valid {
		t := time.Unix(end.Int64, 0).UTC()
		loan.End = &t
	}
	if fulfillmentLPDMID.Valid {
		loan.FulfillmentLPDMID = &fulfillmentLPDMID.Int64
	}
	if externalIdentifier.Valid {
		loan.ExternalIdentifier = &externalIdentifier.String
	}
	return loan, nil
}

func scanHold(r row) (*core.Hold, error) {
	hold := &core.Hold{}
	var start int64
	var end sql.NullInt64
	var position sql.NullInt64
	var externalIdentifier sql.NullString

	if err := r.Scan(&hold.ID, &hold.PatronID, &hold.LicensePoolID, &start, &end, &position, &externalIdentifier); err != nil {
		return nil, err
	}
	hold.Start = time.Unix(start, 0).UTC()
	if end.Valid {
		t := time.Unix(end.Int64, 0).UTC()
		hold.End = &t
	}
	if position.Valid {
		p := int(position.Int64)
		hold.Position = &p
	}
	if externalIdentifier.Valid {
		hold.ExternalIdentifier = &externalIdentifier.String
	}
	return hold, nil
}

func scanLicensePool(r row) (*core.LicensePool, error) {
	pool := &core.LicensePool{}
	var openAccess, unlimitedAccess int
	if err := r.Scan(&pool.ID, &pool.CollectionID, &pool.DataSource, &pool.IdentifierType, &pool.Identifier,
		&openAccess, &unlimitedAccess, &pool.LicensesOwned, &pool.LicensesAvailable, &pool.PatronsInHoldQueue); err != nil {
		return nil, err
	}
	pool.OpenAccess = openAccess != 0
	pool.UnlimitedAccess = unlimitedAccess != 0
	return pool, nil
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
