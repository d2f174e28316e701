// Package registry instantiates one vendor adapter per collection and
// tracks which collections can participate in bookshelf sync (C7).
package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/palacewire/circulation/internal/core"
	"github.com/palacewire/circulation/internal/vendor"
)

// Constructor builds an adapter for one collection. It returns
// *core.ConfigurationError (never panics) when the collection's integration
// configuration is invalid (§4.3, §4.8).
type Constructor func(collection *core.Collection) (vendor.Adapter, error)

// Registry instantiates and holds one adapter per collection. Construction
// failures are stored, never raised (§4.8): a broken collection simply has
// no active adapter until its configuration is fixed and the registry is
// rebuilt.
type Registry struct {
	mu                     sync.RWMutex
	adapters               map[int64]vendor.Adapter
	initializationErrors   map[int64]error
	syncSet                map[int64]struct{}
	pools                  map[int64]int64 // licensePoolID -> collectionID, populated by Bind
	logger                 *slog.Logger
}

// New builds a Registry by instantiating an adapter for every collection of
// library whose protocol has a registered constructor.
func New(library *core.Library, constructors map[string]Constructor, logger *slog.Logger) *Registry {
	r := &Registry{
		adapters:             make(map[int64]vendor.Adapter),
		initializationErrors: make(map[int64]error),
		syncSet:              make(map[int64]struct{}),
		pools:                make(map[int64]int64),
		logger:               logger,
	}

	for _, collection := range library.Collections {
		ctor, ok := constructors[collection.Protocol]
		if !ok {
			continue
		}

		adapter, err := ctor(collection)
		if err != nil {
			r.initializationErrors[collection.ID] = err
			logger.Warn("adapter construction failed, collection disabled",
				"collection_id", collection.ID, "protocol", collection.Protocol, "error", err)
			continue
		}

		r.adapters[collection.ID] = adapter
		if _, ok := adapter.(vendor.PatronActivityAdapter); ok {
			r.syncSet[collection.ID] = struct{}{}
		}
	}

	return r
}

// Bind records which collection a LicensePool belongs to. AdapterFor does not
// consult this record; it resolves by the pool's own CollectionID.
func (r *Registry) Bind(pool *core.LicensePool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[pool.ID] = pool.CollectionID
}

// AdapterFor resolves the adapter serving pool's collection, or nil if no
// active adapter exists (missing protocol or failed construction).
func (r *Registry) AdapterFor(pool *core.LicensePool) vendor.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[pool.CollectionID]
}

// AdapterForCollection resolves by collection ID directly.
func (r *Registry) AdapterForCollection(collectionID int64) vendor.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[collectionID]
}

// InitializationError returns the stored construction failure for
// collectionID, if any.
func (r *Registry) InitializationError(collectionID int64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initializationErrors[collectionID]
}

// SyncCapable returns every adapter that implements patron_activity, for use
// by bookshelf sync's fan-out.
func (r *Registry) SyncCapable() []vendor.PatronActivityAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]vendor.PatronActivityAdapter, 0, len(r.syncSet))
	for collectionID := range r.syncSet {
		if a, ok := r.adapters[collectionID].(vendor.PatronActivityAdapter); ok {
			out = append(out, a)
		}
	}
	return out
}

// SyncCapableCollectionIDs returns the set of collection IDs whose adapter
// implements patron_activity.
func (r *Registry) SyncCapableCollectionIDs() map[int64]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int64]struct{}, len(r.syncSet))
	for id := range r.syncSet {
		out[id] = struct{}{}
	}
	return out
}

// ErrNoAdapter is a formatting helper for the "no adapter for this pool's
// collection" case, which the engine converts to core.ErrNoLicenses.
func ErrNoAdapter(collectionID int64) error {
	return fmt.Errorf("circulation: no active adapter for collection %d", collectionID)
}
