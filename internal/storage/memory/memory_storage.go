// Package memory implements core.EntityStore using in-memory maps.
// Designed for graceful degradation when primary storage (SQLite/Postgres)
// fails, and as the backing store for tests. The storage factory returns it
// only as a fallback after the configured backend fails to initialise.
//
// WARNING: Data is NOT persisted - lost on restart, crash, or pod eviction.
// This is NOT suitable for production use. Use only for:
//  1. Development/testing environments
//  2. Graceful degradation during storage outages
//  3. Temporary fallback during database maintenance
//
// Features:
//   - Thread-safe (RWMutex for concurrent access)
//   - Fast operations (< 1µs for CRUD)
//   - WithSavepoint via snapshot/restore of the whole map set
//   - Zero external dependencies
package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/palacewire/circulation/internal/core"
)

// MemoryStorage implements core.EntityStore using in-memory maps.
// Thread-safe for concurrent access.
//
// WARNING: Data is NOT persisted. Use only for graceful degradation or tests.
type MemoryStorage struct {
	mu     sync.RWMutex
	logger *slog.Logger

	patrons    map[string]*core.Patron
	loans      map[string]*core.Loan // by loan ID
	holds      map[string]*core.Hold // by hold ID
	pools      map[int64]*core.LicensePool
	mechanisms map[int64]*core.DeliveryMechanism
	lpdms      map[int64]*core.LicensePoolDeliveryMechanism
	credentials map[string]*core.Credential

	nextMechanismID int64
	nextLPDMID      int64
}

// NewMemoryStorage creates empty in-memory storage.
// Logs a warning on creation, reminding operators this is not
// production-durable.
func NewMemoryStorage(logger *slog.Logger) *MemoryStorage {
	logger.Warn("in-memory entity store created (data will NOT persist)")

	return &MemoryStorage{
		logger:      logger,
		patrons:     make(map[string]*core.Patron),
		loans:       make(map[string]*core.Loan),
		holds:       make(map[string]*core.Hold),
		pools:       make(map[int64]*core.LicensePool),
		mechanisms:  make(map[int64]*core.DeliveryMechanism),
		lpdms:       make(map[int64]*core.LicensePoolDeliveryMechanism),
		credentials: make(map[string]*core.Credential),
	}
}

// snapshot is a shallow copy of every map, sufficient to restore state since
// every stored value is itself replaced wholesale on write (never mutated
// in place) by this implementation.
type snapshot struct {
	patrons         map[string]*core.Patron
	loans           map[string]*core.Loan
	holds           map[string]*core.Hold
	pools           map[int64]*core.LicensePool
	mechanisms      map[int64]*core.DeliveryMechanism
	lpdms           map[int64]*core.LicensePoolDeliveryMechanism
	credentials     map[string]*core.Credential
	nextMechanismID int64
	nextLPDMID      int64
}

func (m *MemoryStorage) snapshotLocked() snapshot {
	s := snapshot{
		patrons:         make(map[string]*core.Patron, len(m.patrons)),
		loans:           make(map[string]*core.Loan, len(m.loans)),
		holds:           make(map[string]*core.Hold, len(m.holds)),
		pools:           make(map[int64]*core.LicensePool, len(m.pools)),
		mechanisms:      make(map[int64]*core.DeliveryMechanism, len(m.mechanisms)),
		lpdms:           make(map[int64]*core.LicensePoolDeliveryMechanism, len(m.lpdms)),
		credentials:     make(map[string]*core.Credential, len(m.credentials)),
		nextMechanismID: m.nextMechanismID,
		nextLPDMID:      m.nextLPDMID,
	}
	for k, v := range m.patrons {
		s.patrons[k] = v
	}
	for k, v := range m.loans {
		s.loans[k] = v
	}
	for k, v := range m.holds {
		s.holds[k] = v
	}
	for k, v := range m.pools {
		s.pools[k] = v
	}
	for k, v := range m.mechanisms {
		s.mechanisms[k] = v
	}
	for k, v := range m.lpdms {
		s.lpdms[k] = v
	}
	for k, v := range m.credentials {
		s.credentials[k] = v
	}
	return s
}

func (m *MemoryStorage) restoreLocked(s snapshot) {
	m.patrons = s.patrons
	m.loans = s.loans
	m.holds = s.holds
	m.pools = s.pools
	m.mechanisms = s.mechanisms
	m.lpdms = s.lpdms
	m.credentials = s.credentials
	m.nextMechanismID = s.nextMechanismID
	m.nextLPDMID = s.nextLPDMID
}

// WithSavepoint runs fn against this same store, snapshotting every map
// first so a returned error rolls the whole batch back. There is no real
// nested-transaction isolation here (unlike the SQL-backed implementations)
// since every operation already holds the single store-wide lock for its
// duration; this is adequate for tests and for Lite-profile graceful
// degradation, where concurrent writers are not expected.
func (m *MemoryStorage) WithSavepoint(ctx context.Context, fn func(ctx context.Context, store core.EntityStore) error) error {
	m.mu.Lock()
	before := m.snapshotLocked()
	m.mu.Unlock()

	if err := fn(ctx, m); err != nil {
		m.mu.Lock()
		m.restoreLocked(before)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *MemoryStorage) GetPatron(ctx context.Context, id string) (*core.Patron, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.patrons[id]
	if !ok {
		return nil, errPatronNotFound(id)
	}
	cp := *p
	return &cp, nil
}

// PutPatron is a test/seed helper, not part of core.EntityStore: the engine
// never creates patrons, only reads them.
func (m *MemoryStorage) PutPatron(p *core.Patron) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.patrons[p.ID] = &cp
}

func (m *MemoryStorage) TouchLoanActivitySync(ctx context.Context, patronID string, atUnix *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.patrons[patronID]
	if !ok {
		return errPatronNotFound(patronID)
	}
	cp := *p
	if atUnix == nil {
		cp.LastLoanActivitySync = nil
	} else {
		t := unixToTime(*atUnix)
		cp.LastLoanActivitySync = &t
	}
	m.patrons[patronID] = &cp
	return nil
}

func (m *MemoryStorage) GetLoan(ctx context.Context, patronID string, poolID int64) (*core.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.loans {
		if l.PatronID == patronID && l.LicensePoolID == poolID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) ListLoans(ctx context.Context, patronID string) ([]*core.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.Loan, 0)
	for _, l := range m.loans {
		if l.PatronID == patronID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStorage) UpsertLoan(ctx context.Context, loan *core.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *loan
	m.loans[loan.ID] = &cp
	m.logger.Debug("loan upserted", "loan_id", loan.ID, "patron_id", loan.PatronID, "pool_id", loan.LicensePoolID)
	return nil
}

func (m *MemoryStorage) DeleteLoan(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loans, id)
	return nil
}

func (m *MemoryStorage) GetHold(ctx context.Context, patronID string, poolID int64) (*core.Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, h := range m.holds {
		if h.PatronID == patronID && h.LicensePoolID == poolID {
			cp := *h
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) ListHolds(ctx context.Context, patronID string) ([]*core.Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.Hold, 0)
	for _, h := range m.holds {
		if h.PatronID == patronID {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStorage) UpsertHold(ctx context.Context, hold *core.Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *hold
	m.holds[hold.ID] = &cp
	m.logger.Debug("hold upserted", "hold_id", hold.ID, "patron_id", hold.PatronID, "pool_id", hold.LicensePoolID)
	return nil
}

func (m *MemoryStorage) DeleteHold(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.holds, id)
	return nil
}

func (m *MemoryStorage) GetLicensePool(ctx context.Context, id int64) (*core.LicensePool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pools[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.DeliveryMechanisms = append([]core.LicensePoolDeliveryMechanism(nil), p.DeliveryMechanisms...)
	return &cp, nil
}

func (m *MemoryStorage) FindLicensePool(ctx context.Context, collectionID int64, key core.IdentifierKey) (*core.LicensePool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.pools {
		if p.CollectionID == collectionID && p.IdentifierType == key.Type && p.Identifier == key.Identifier {
			cp := *p
			cp.DeliveryMechanisms = append([]core.LicensePoolDeliveryMechanism(nil), p.DeliveryMechanisms...)
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) SaveLicensePool(ctx context.Context, pool *core.LicensePool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *pool
	cp.DeliveryMechanisms = append([]core.LicensePoolDeliveryMechanism(nil), pool.DeliveryMechanisms...)
	m.pools[pool.ID] = &cp
	return nil
}

func (m *MemoryStorage) GetOrCreateDeliveryMechanism(ctx context.Context, contentType, drmScheme string) (*core.DeliveryMechanism, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, dm := range m.mechanisms {
		if dm.ContentType == contentType && dm.DRMScheme == drmScheme {
			cp := *dm
			return &cp, nil
		}
	}

	m.nextMechanismID++
	dm := &core.DeliveryMechanism{
		ID:          m.nextMechanismID,
		ContentType: contentType,
		DRMScheme:   drmScheme,
	}
	m.mechanisms[dm.ID] = dm
	cp := *dm
	return &cp, nil
}

func (m *MemoryStorage) GetOrCreateLPDM(ctx context.Context, poolID int64, mech core.DeliveryMechanism, rightsURI string, resource *core.Resource) (*core.LicensePoolDeliveryMechanism, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, lpdm := range m.lpdms {
		if lpdm.LicensePoolID == poolID &&
			lpdm.DeliveryMechanism.ContentType == mech.ContentType &&
			lpdm.DeliveryMechanism.DRMScheme == mech.DRMScheme {
			cp := *lpdm
			return &cp, nil
		}
	}

	m.nextLPDMID++
	lpdm := &core.LicensePoolDeliveryMechanism{
		ID:                m.nextLPDMID,
		LicensePoolID:     poolID,
		DeliveryMechanism: mech,
		RightsURI:         rightsURI,
		Resource:          resource,
	}
	m.lpdms[lpdm.ID] = lpdm

	if pool, ok := m.pools[poolID]; ok {
		cp := *pool
		cp.DeliveryMechanisms = append(append([]core.LicensePoolDeliveryMechanism(nil), pool.DeliveryMechanisms...), *lpdm)
		m.pools[poolID] = &cp
	}

	out := *lpdm
	return &out, nil
}

func (m *MemoryStorage) GetCredential(ctx context.Context, dataSource, credType string, collectionID *int64, patronID *string) (*core.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.credentials {
		if c.DataSource == dataSource && c.Type == credType &&
			int64PtrEqual(c.CollectionID, collectionID) &&
			stringPtrEqual(c.PatronID, patronID) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) SaveCredential(ctx context.Context, cred *core.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *cred
	m.credentials[cred.ID] = &cp
	return nil
}

// Close releases no resources; present for symmetry with the SQL-backed
// stores so callers can defer it unconditionally.
func (m *MemoryStorage) Close() error {
	m.logger.Info("memory entity store closed (data discarded)")
	return nil
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
