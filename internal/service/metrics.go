package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the reindex pipeline collectors.
type Metrics struct {
	Resolved        *prometheus.CounterVec
	Dispatched      *prometheus.CounterVec
	PartialFailures *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
}

// NewMetrics creates the pipeline collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reindex_entities_resolved_total",
			Help: "Total number of entities resolved for reindexing, by kind",
		}, []string{"kind"}),
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reindex_dispatch_total",
			Help: "Total number of index dispatches, by result",
		}, []string{"result"}),
		PartialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reindex_partial_failures_total",
			Help: "Total number of failed resolution steps that did not abort the request",
		}, []string{"step"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reindex_request_duration_seconds",
			Help:    "Duration of a reindex request from validation to dispatch",
			Buckets: prometheus.DefBuckets,
		}, []string{"seed"}),
	}
	reg.MustRegister(m.Resolved, m.Dispatched, m.PartialFailures, m.Duration)
	return m
}
