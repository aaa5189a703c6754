// Package metrics defines the Prometheus instruments of the telemetry
// pipeline. Components take a *Metrics; New(nil) builds unregistered
// instruments for callers that do not export them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ns = "eventsite"

	LabelKind   = "kind"
	LabelResult = "result"

	ResultStored    = "stored"
	ResultDropped   = "dropped"
	ResultRejected  = "rejected"
	ResultUntracked = "untracked"
	ResultSuccess   = "success"
	ResultFailure   = "failure"
)

type Metrics struct {
	EventsTotal     *prometheus.CounterVec
	SessionsStarted *prometheus.CounterVec
	InflightWrites  prometheus.Gauge

	RollupsTotal   *prometheus.CounterVec
	RollupSeconds  prometheus.Histogram
	SessionsClosed *prometheus.CounterVec

	WarehouseBatches *prometheus.CounterVec
	WarehouseEvents  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "recorder", Name: "events_total",
			Help: "Telemetry events by kind and outcome (stored, dropped, rejected, untracked).",
		}, []string{LabelKind, LabelResult}),
		SessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "tracker", Name: "sessions_started_total",
			Help: "Sessions started, split by whether the session was persisted.",
		}, []string{"tracked"}),
		InflightWrites: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "recorder", Name: "inflight_writes",
			Help: "Event writes currently in progress.",
		}),
		RollupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "rollup", Name: "runs_total",
			Help: "Daily rollups by result.",
		}, []string{LabelResult}),
		RollupSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "rollup", Name: "duration_seconds",
			Help:    "Time taken to recompute one day.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "tracker", Name: "sessions_closed_total",
			Help: "Sessions reaching a terminal state, by outcome (ended, abandoned).",
		}, []string{LabelKind}),
		WarehouseBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "warehouse", Name: "batches_total",
			Help: "Warehouse batch flushes by result.",
		}, []string{LabelResult}),
		WarehouseEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "warehouse", Name: "events_total",
			Help: "Events successfully mirrored into the warehouse.",
		}),
	}
}
