package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics aggregates the settlement pipeline counters.
type MarketMetrics struct {
	groupsSubmitted   *prometheus.CounterVec
	groupsConfirmed   *prometheus.CounterVec
	groupsFailed      *prometheus.CounterVec
	resolverRequests  *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
}

var (
	marketOnce     sync.Once
	marketRegistry *MarketMetrics
)

// Market returns the process-wide settlement metrics registry.
func Market() *MarketMetrics {
	marketOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			groupsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "asamart_groups_submitted_total",
				Help: "Count of atomic transaction groups submitted by flow.",
			}, []string{"flow"}),
			groupsConfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "asamart_groups_confirmed_total",
				Help: "Count of atomic transaction groups confirmed by flow.",
			}, []string{"flow"}),
			groupsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "asamart_groups_failed_total",
				Help: "Count of settlement failures by flow and reason.",
			}, []string{"flow", "reason"}),
			resolverRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "asamart_resolver_requests_total",
				Help: "Count of escrow contract resolutions by outcome.",
			}, []string{"outcome"}),
			statusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "asamart_listing_transitions_total",
				Help: "Count of listing status transitions committed to the registry.",
			}, []string{"to"}),
		}
		prometheus.MustRegister(
			marketRegistry.groupsSubmitted,
			marketRegistry.groupsConfirmed,
			marketRegistry.groupsFailed,
			marketRegistry.resolverRequests,
			marketRegistry.statusTransitions,
		)
	})
	return marketRegistry
}

func (m *MarketMetrics) ObserveGroupSubmitted(flow string) {
	if m == nil {
		return
	}
	m.groupsSubmitted.WithLabelValues(flow).Inc()
}

func (m *MarketMetrics) ObserveGroupConfirmed(flow string) {
	if m == nil {
		return
	}
	m.groupsConfirmed.WithLabelValues(flow).Inc()
}

func (m *MarketMetrics) ObserveGroupFailed(flow, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.groupsFailed.WithLabelValues(flow, reason).Inc()
}

func (m *MarketMetrics) ObserveResolverRequest(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.resolverRequests.WithLabelValues(outcome).Inc()
}

func (m *MarketMetrics) ObserveStatusTransition(to string) {
	if m == nil {
		return
	}
	m.statusTransitions.WithLabelValues(to).Inc()
}
