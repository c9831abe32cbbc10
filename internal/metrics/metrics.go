// Package metrics exposes the Prometheus instruments for the ingestion
// pipeline and store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	RecordsProcessed *prometheus.CounterVec
	ApplyResults     *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	IngestLag        *prometheus.GaugeVec
	CheckpointOffset *prometheus.GaugeVec
	QuarantinedTables prometheus.Gauge
	DanglingRetries  prometheus.Counter
	DanglingRejected prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		RecordsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "records_processed_total",
			Help:      "Change events consumed, by source partition.",
		}, []string{"partition"}),
		ApplyResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "apply_results_total",
			Help:      "Update outcomes by status (applied, conflicted, rejected).",
		}, []string{"status"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Name:      "worker_queue_depth",
			Help:      "Updates buffered across worker queues.",
		}),
		IngestLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loom",
			Name:      "ingest_lag_seconds",
			Help:      "Age of the most recently consumed event, by partition.",
		}, []string{"partition"}),
		CheckpointOffset: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loom",
			Name:      "checkpoint_offset",
			Help:      "Last durably checkpointed offset, by partition.",
		}, []string{"partition"}),
		QuarantinedTables: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "loom",
			Name:      "quarantined_tables",
			Help:      "Source tables currently quarantined for schema drift.",
		}),
		DanglingRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "dangling_relation_retries_total",
			Help:      "Relation updates requeued because an endpoint was not yet known.",
		}),
		DanglingRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "dangling_relations_rejected_total",
			Help:      "Relation updates dropped after the retry window expired.",
		}),
	}
}
