// Package metrics provides Prometheus metrics for Vitalis.
// Counters, gauges, and histograms for sessions, pipeline stages, the
// memory governor, the persona debate, overrides, and relay sync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Sessions ───────────────────────────────────────────────────────────────

// SessionsStarted tracks sessions accepted by the pipeline.
var SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "sessions_started_total",
	Help:      "Total sessions accepted for processing.",
})

// SessionsByOutcome tracks terminal outcomes per final status.
var SessionsByOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "sessions_outcome_total",
	Help:      "Total sessions by final status (TRIAGE, FINALIZED, ERRORED).",
}, []string{"status"})

// SessionsActive tracks sessions currently running.
var SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "vitalis",
	Name:      "sessions_active",
	Help:      "Number of sessions currently executing.",
})

// ─── Pipeline ───────────────────────────────────────────────────────────────

// StageLatency tracks per-model inference duration in seconds.
var StageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "vitalis",
	Name:      "stage_latency_seconds",
	Help:      "Inference stage duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"model"})

// StageOutcomes tracks stage evidence results by model and status.
var StageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "stage_outcomes_total",
	Help:      "Stage results by model and evidence status.",
}, []string{"model", "status"})

// Escalations tracks triage sessions escalated to oncology mode.
var Escalations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "escalations_total",
	Help:      "Sessions escalated from triage to oncology workup.",
})

// StageAnomalies tracks behavioral outliers flagged by the model watchdog.
var StageAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "stage_anomalies_total",
	Help:      "Stage executions flagged as behavioral outliers, by model and kind.",
}, []string{"model", "kind"})

// ─── Governor ───────────────────────────────────────────────────────────────

// VramAllocated tracks memory held by live leases in MB.
var VramAllocated = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "vitalis",
	Name:      "vram_allocated_mb",
	Help:      "Memory currently held by stage leases in MB.",
})

// VramPeak tracks the allocation high-water mark in MB.
var VramPeak = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "vitalis",
	Name:      "vram_peak_mb",
	Help:      "Highest lease allocation observed in MB.",
})

// LeaseRejections tracks acquisitions refused for lack of budget.
var LeaseRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "lease_rejections_total",
	Help:      "Lease acquisitions refused by the governor.",
}, []string{"model"})

// ─── Debate ─────────────────────────────────────────────────────────────────

// DebatePasses tracks completed debate passes by persona.
var DebatePasses = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "debate_passes_total",
	Help:      "Completed debate passes by persona.",
}, []string{"persona"})

// DebateRetries tracks passes retried with reduced context.
var DebateRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "debate_retries_total",
	Help:      "Debate passes retried after worker failure.",
})

// UngroundedClaims tracks passes rejected for unresolvable citations.
var UngroundedClaims = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "ungrounded_claims_total",
	Help:      "Debate passes rejected because a citation tag did not resolve.",
})

// ─── Overrides ──────────────────────────────────────────────────────────────

// OverridesRecorded tracks clinician overrides by field.
var OverridesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "overrides_recorded_total",
	Help:      "Clinician overrides recorded by field.",
}, []string{"field"})

// ─── Relay ──────────────────────────────────────────────────────────────────

// RelayUploads tracks override batches uploaded to the remote endpoint.
var RelayUploads = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "relay_uploads_total",
	Help:      "Override batches uploaded successfully.",
})

// RelayFailures tracks failed upload attempts.
var RelayFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "relay_failures_total",
	Help:      "Override batch upload failures.",
})

// RelayLatency tracks upload round-trip latency.
var RelayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "vitalis",
	Name:      "relay_latency_seconds",
	Help:      "Override upload round-trip latency.",
	Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
})

// RelayBacklog tracks overrides not yet uploaded.
var RelayBacklog = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "vitalis",
	Name:      "relay_backlog",
	Help:      "Override records recorded but not yet uploaded.",
})

// ─── Cases ──────────────────────────────────────────────────────────────────

// CasesFinalized tracks onco cases committed, by risk level.
var CasesFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vitalis",
	Name:      "cases_finalized_total",
	Help:      "Onco cases finalized by risk level.",
}, []string{"risk"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "vitalis",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
