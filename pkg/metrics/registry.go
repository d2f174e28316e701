// Package metrics provides centralized metrics management for the circulation orchestrator.
//
// This package implements a unified taxonomy for Prometheus metrics:
//   - Business metrics: borrow/fulfill/checkin outcomes, bookshelf sync
//   - Technical metrics: HTTP traffic to the demo entrypoint
//   - Infrastructure metrics: database, cache, entity store repositories
//
// All metrics follow the naming convention:
// circulation_<category>_<subsystem>_<metric_name>_<unit>
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Business().CirculationEventsTotal.WithLabelValues("circulation.checkout", libraryID).Inc()
//	registry.Infra().DB.ConnectionsActive.Set(42)
package metrics

import (
	"sync"
)

// MetricCategory represents the category of a metric.
type MetricCategory string

const (
	// CategoryBusiness represents business-level metrics (borrow, fulfill, sync)
	CategoryBusiness MetricCategory = "business"

	// CategoryTechnical represents technical metrics (HTTP)
	CategoryTechnical MetricCategory = "technical"

	// CategoryInfra represents infrastructure metrics (database, cache, repositories)
	CategoryInfra MetricCategory = "infra"
)

// MetricsRegistry is the central registry for all Prometheus metrics.
// Provides organized access to metrics by category (Business, Technical, Infra).
//
// This is a simplified registry design (vs. full validation/map approach)
// for better maintainability and performance.
//
// Usage:
//
//	registry := metrics.DefaultRegistry()
//	registry.Business().CirculationEventsTotal.WithLabelValues(core.EventCheckout, libraryID).Inc()
//
// Thread-safe: All Prometheus metrics are thread-safe by design.
// Singleton: Use DefaultRegistry() to get the global instance.
type MetricsRegistry struct {
	namespace string

	// Category managers (lazy-initialized)
	business  *BusinessMetrics
	technical *TechnicalMetrics
	infra     *InfraMetrics

	// Separate sync.Once for each category for true lazy initialization
	businessOnce  sync.Once
	technicalOnce sync.Once
	infraOnce     sync.Once
}

var (
	// Global singleton registry instance
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry.
// Safe for concurrent use. Initialized once on first call.
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Infra().DB.ConnectionsActive.Set(10)
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("circulation")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the specified namespace.
// For most use cases, use DefaultRegistry() instead of calling this directly.
//
// Parameters:
//   - namespace: The Prometheus namespace for all metrics (typically "circulation")
//
// Returns:
//   - *MetricsRegistry: A new registry instance
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "circulation"
	}

	return &MetricsRegistry{
		namespace: namespace,
	}
}

// Business returns the Business metrics manager.
// Lazy-initialized on first access.
//
// Business metrics include:
//   - Circulation events (checkout, hold placement, fulfillment, checkin, release)
//   - Borrow outcomes (loan granted, hold granted, failure)
//   - Bookshelf sync runs and per-adapter failures
//
// Example:
//
//	registry.Business().CirculationEventsTotal.WithLabelValues("circulation.checkout", libraryID).Inc()
//	registry.Business().FulfillmentLatency.WithLabelValues("overdrive").Observe(0.95)
func (r *MetricsRegistry) Business() *BusinessMetrics {
	r.businessOnce.Do(func() {
		r.business = NewBusinessMetrics(r.namespace)
	})
	return r.business
}

// Technical returns the Technical metrics manager.
// Lazy-initialized on first access.
//
// Technical metrics include:
//   - HTTP requests served by the demo entrypoint (count, duration, size)
//
// Example:
//
//	handler := registry.Technical().HTTP.Middleware(mux)
func (r *MetricsRegistry) Technical() *TechnicalMetrics {
	r.technicalOnce.Do(func() {
		r.technical = NewTechnicalMetrics(r.namespace)
	})
	return r.technical
}

// Infra returns the Infrastructure metrics manager.
// Lazy-initialized on first access.
//
// Infrastructure metrics include:
//   - Database (connections, queries, errors)
//   - Cache (hits, misses, evictions)
//   - Repository (query duration, errors, results)
//
// Example:
//
//	registry.Infra().DB.ConnectionsActive.Set(42)
//	registry.Infra().Repository.QueryDurationSeconds.WithLabelValues("GetLoan", "success").Observe(0.05)
func (r *MetricsRegistry) Infra() *InfraMetrics {
	r.infraOnce.Do(func() {
		r.infra = NewInfraMetrics(r.namespace)
	})
	return r.infra
}

// Namespace returns the configured namespace for this registry.
//
// Returns:
//   - string: The Prometheus namespace (e.g., "circulation")
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}

// ValidateMetricName validates a metric name against naming conventions.
// Currently a placeholder for future validation logic.
//
// Naming convention:
// <namespace>_<category>_<subsystem>_<metric_name>_<unit>
//
// Examples:
// ✅ circulation_business_borrow_checkouts_total
// ✅ circulation_technical_http_request_duration_seconds
// ✅ circulation_infra_db_connections_active
// ❌ checkouts_total (missing namespace)
// ❌ circulation_checkouts_total (missing category/subsystem)
//
// Parameters:
//   - name: The metric name to validate
//
// Returns:
//   - error: nil if valid, error describing the problem otherwise
//
// TODO: Implement validation logic (regex, taxonomy check)
func (r *MetricsRegistry) ValidateMetricName(name string) error {
	// Placeholder for future validation
	// Could check:
	// 1. Starts with namespace
	// 2. Contains category (business/technical/infra)
	// 3. Follows snake_case
	// 4. Has appropriate unit suffix (_total, _seconds, etc.)
	return nil
}
