package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's prometheus collectors.
type Metrics struct {
	SyncAttempts *prometheus.CounterVec
	Enqueues     *prometheus.CounterVec
	BatchRecords *prometheus.CounterVec
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etlify_sync_attempts_total",
			Help: "Sync attempts by CRM and terminal result.",
		}, []string{"crm", "result"}),
		Enqueues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etlify_enqueues_total",
			Help: "Enqueue requests by outcome (enqueued, deduplicated).",
		}, []string{"outcome"}),
		BatchRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "etlify_batch_records_total",
			Help: "Records dispatched by batch runs, per model.",
		}, []string{"model"}),
	}
	if reg != nil {
		reg.MustRegister(m.SyncAttempts, m.Enqueues, m.BatchRecords)
	}
	return m
}
