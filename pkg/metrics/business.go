package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BusinessMetrics contains the circulation-level metrics: outcomes of
// borrow/fulfill/checkin/hold operations, bookshelf sync completeness, and
// adapter-call latency broken out per vendor protocol.
//
// All metrics follow the taxonomy:
// circulation_business_<subsystem>_<metric_name>_<unit>
type BusinessMetrics struct {
	namespace string

	// Circulation events subsystem — one counter per named analytics event
	// the engine emits (§4.5.4), labeled by library for per-tenant reporting.
	CirculationEventsTotal *prometheus.CounterVec

	// Borrow subsystem
	CheckoutsTotal      *prometheus.CounterVec // outcome: loan|hold|failure
	HoldsPlacedTotal    *prometheus.CounterVec
	RenewalsTotal       *prometheus.CounterVec

	// Fulfillment subsystem
	FulfillmentsTotal    *prometheus.CounterVec // protocol, outcome
	FulfillmentLatency   *prometheus.HistogramVec

	// Adapter call subsystem — every vendor round trip made by an Adapter
	// implementation (checkout, checkin, fulfill, place_hold, release_hold,
	// update_availability, patron_activity).
	AdapterCallsTotal    *prometheus.CounterVec // protocol, operation, outcome
	AdapterCallDuration  *prometheus.HistogramVec

	// Bookshelf sync subsystem
	SyncRunsTotal        *prometheus.CounterVec // completeness: complete|partial
	SyncDurationSeconds  *prometheus.HistogramVec
	SyncAdapterFailures  *prometheus.CounterVec // protocol
}

// NewBusinessMetrics creates a new BusinessMetrics instance.
func NewBusinessMetrics(namespace string) *BusinessMetrics {
	return &BusinessMetrics{
		namespace: namespace,

		CirculationEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "business_events",
				Name:      "total",
				Help:      "Total number of circulation analytics events emitted, by event name and library",
			},
			[]string{"event", "library_id"},
		),

		CheckoutsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "business_borrow",
				Name:      "checkouts_total",
				Help:      "Total checkout attempts by outcome",
			},
			[]string{"outcome"}, // loan|hold|failure
		),

		HoldsPlacedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "business_borrow",
				Name:      "holds_placed_total",
				Help:      "Total holds placed",
			},
			[]string{"protocol"},
		),

		RenewalsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "business_borrow",
				Name:      "renewals_total",
				Help:      "Total renewal attempts by outcome",
			},
			[]string{"outcome"}, // renewed|cannot_renew
		),

		FulfillmentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "business_fulfillment",
				Name:      "total",
				Help:      "Total fulfillment attempts by protocol and outcome",
			},
			[]string{"protocol", "outcome"},
		),

		FulfillmentLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "business_fulfillment",
				Name:      "duration_seconds",
				Help:      "Duration of fulfillment operations, including any lazy fetch",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"protocol"},
		),

		AdapterCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "business_adapter",
				Name:      "calls_total",
				Help:      "Total vendor adapter calls by protocol, operation, and outcome",
			},
			[]string{"protocol", "operation", "outcome"},
		),

		AdapterCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "business_adapter",
				Name:      "call_duration_seconds",
				Help:      "Duration of vendor adapter calls",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"protocol", "operation"},
		),

		SyncRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "business_sync",
				Name:      "runs_total",
				Help:      "Total bookshelf sync runs by completeness",
			},
			[]string{"completeness"}, // complete|partial
		),

		SyncDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "business_sync",
				Name:      "duration_seconds",
				Help:      "Duration of a full bookshelf sync fan-out + reconciliation",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"completeness"},
		),

		SyncAdapterFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "business_sync",
				Name:      "adapter_failures_total",
				Help:      "Total per-adapter failures during bookshelf sync fan-out",
			},
			[]string{"protocol"},
		),
	}
}

// RecordCirculationEvent records one analytics event emission.
func (m *BusinessMetrics) RecordCirculationEvent(event, libraryID string) {
	m.CirculationEventsTotal.WithLabelValues(event, libraryID).Inc()
}

// RecordCheckout records a checkout attempt's outcome ("loan", "hold", or
// "failure").
func (m *BusinessMetrics) RecordCheckout(outcome string) {
	m.CheckoutsTotal.WithLabelValues(outcome).Inc()
}

// RecordHoldPlaced records a hold placement for the given vendor protocol.
func (m *BusinessMetrics) RecordHoldPlaced(protocol string) {
	m.HoldsPlacedTotal.WithLabelValues(protocol).Inc()
}

// RecordRenewal records a renewal attempt's outcome.
func (m *BusinessMetrics) RecordRenewal(outcome string) {
	m.RenewalsTotal.WithLabelValues(outcome).Inc()
}

// RecordFulfillment records a fulfillment attempt and its latency.
func (m *BusinessMetrics) RecordFulfillment(protocol, outcome string, duration float64) {
	m.FulfillmentsTotal.WithLabelValues(protocol, outcome).Inc()
	m.FulfillmentLatency.WithLabelValues(protocol).Observe(duration)
}

// RecordAdapterCall records one vendor round trip.
func (m *BusinessMetrics) RecordAdapterCall(protocol, operation, outcome string, duration float64) {
	m.AdapterCallsTotal.WithLabelValues(protocol, operation, outcome).Inc()
	m.AdapterCallDuration.WithLabelValues(protocol, operation).Observe(duration)
}

// RecordSyncRun records a completed bookshelf sync run.
func (m *BusinessMetrics) RecordSyncRun(complete bool, duration float64) {
	completeness := "partial"
	if complete {
		completeness = "complete"
	}
	m.SyncRunsTotal.WithLabelValues(completeness).Inc()
	m.SyncDurationSeconds.WithLabelValues(completeness).Observe(duration)
}

// RecordSyncAdapterFailure records one adapter's failure during a sync
// fan-out round.
func (m *BusinessMetrics) RecordSyncAdapterFailure(protocol string) {
	m.SyncAdapterFailures.WithLabelValues(protocol).Inc()
}
