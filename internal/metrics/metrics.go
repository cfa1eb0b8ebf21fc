package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "splitsync"

var (
	// ConflictsDetected counts divergent submissions by classification.
	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conflict",
		Name:      "detected_total",
		Help:      "Conflicts detected, labelled by classification.",
	}, []string{"classification"})

	// ConflictsResolved counts closed conflicts by resolution mode.
	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "conflict",
		Name:      "resolved_total",
		Help:      "Conflicts resolved, labelled by mode (direct, vote, auto, error).",
	}, []string{"mode"})

	// SweepRuns counts escalation worker sweeps.
	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escalation",
		Name:      "sweep_runs_total",
		Help:      "Escalation worker sweep executions.",
	})

	// SweepRecordFailures counts per-record processing failures during sweeps.
	SweepRecordFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "escalation",
		Name:      "record_failures_total",
		Help:      "Pending conflict records whose sweep processing failed.",
	})
)

// Handler exposes the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
