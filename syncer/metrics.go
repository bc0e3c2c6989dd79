package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's prometheus collectors.
type Metrics struct {
	passes    *prometheus.CounterVec
	pages     *prometheus.CounterVec
	committed *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	retries   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "publicsync",
			Name:      "fetch_passes_total",
			Help:      "Fetch passes by record type and result.",
		}, []string{"record_type", "result"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "publicsync",
			Name:      "pages_fetched_total",
			Help:      "Query pages fetched by record type.",
		}, []string{"record_type"}),
		committed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "publicsync",
			Name:      "records_committed_total",
			Help:      "Records handed to local storage by record type.",
		}, []string{"record_type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "publicsync",
			Name:      "records_dropped_total",
			Help:      "Fetched records with no owning sync object.",
		}, []string{"record_type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "publicsync",
			Name:      "query_retries_total",
			Help:      "Query retries by record type and failure kind.",
		}, []string{"record_type", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.passes, m.pages, m.committed, m.dropped, m.retries)
	}
	return m
}
