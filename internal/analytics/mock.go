// Package analytics provides a small in-memory AnalyticsSink (C8)
// implementation, grounded on the original's mock analytics provider: it
// counts events by name rather than shipping them anywhere, for use by
// tests and by the demo entrypoint when no real sink is configured
// (SUPPLEMENTED FEATURES #6).
package analytics

import (
	"context"
	"sync"

	"github.com/palacewire/circulation/internal/core"
	"github.com/palacewire/circulation/pkg/metrics"
)

// MockSink records every event it receives, by name, and additionally by
// (name, library) so tests can assert attribution.
type MockSink struct {
	mu        sync.Mutex
	byName    map[string]int
	events    []Event
	collector *metrics.BusinessMetrics
}

// Event is one recorded call to CollectEvent.
type Event struct {
	LibraryID    string
	PoolID       int64
	Name         string
	Neighborhood string
}

// NewMockSink builds an empty MockSink. collector may be nil to disable
// Prometheus recording (tests usually pass nil).
func NewMockSink(collector *metrics.BusinessMetrics) *MockSink {
	return &MockSink{byName: make(map[string]int), collector: collector}
}

// CollectEvent implements core.AnalyticsSink. It never returns an error and
// never panics — a defensive recover guards against a caller accidentally
// passing a nil library, matching §7's "analytics errors are suppressed".
func (m *MockSink) CollectEvent(ctx context.Context, library *core.Library, pool *core.LicensePool, name string, neighborhood string) {
	defer func() { _ = recover() }()

	m.mu.Lock()
	defer m.mu.Unlock()

	ev := Event{Name: name, Neighborhood: neighborhood}
	if library != nil {
		ev.LibraryID = library.ID
	}
	if pool != nil {
		ev.PoolID = pool.ID
	}

	m.byName[name]++
	m.events = append(m.events, ev)

	if m.collector != nil {
		m.collector.RecordCirculationEvent(name, ev.LibraryID)
	}
}

// Count returns how many times an event name was recorded.
func (m *MockSink) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byName[name]
}

// Events returns a copy of every recorded event, in order.
func (m *MockSink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
