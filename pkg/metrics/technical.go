package metrics

// TechnicalMetrics aggregates transport-level metrics: HTTP traffic served by
// the demo entrypoint (health checks, the /metrics endpoint itself) and
// vendor round-trip retries (via RetryMetrics, constructed separately since
// it is keyed per resilience.RetryPolicy rather than per namespace).
//
// Example:
//
//	tm := NewTechnicalMetrics("circulation")
//	handler := tm.HTTP.Middleware(mux)
type TechnicalMetrics struct {
	namespace string

	// HTTP subsystem - inbound request metrics for the demo entrypoint.
	HTTP *HTTPMetrics
}

// NewTechnicalMetrics creates a new TechnicalMetrics aggregator.
func NewTechnicalMetrics(namespace string) *TechnicalMetrics {
	return &TechnicalMetrics{
		namespace: namespace,
		HTTP:      NewHTTPMetricsWithNamespace(namespace, "technical_http"),
	}
}
