// Package observability declares the Prometheus metrics of the ledger, the
// event bus, the notification aggregator and the consistency auditor.
//
// Metrics are registered on the default registry at init and exposed on
// /metrics by the API server when enabled.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "backbone"

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// LedgerOperations counts ledger operations by op and result.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Ledger operations by op (add, deduct, transfer, adjust, purge) and result.",
}, []string{"op", "result"})

// LedgerPointsMoved counts points credited and debited.
var LedgerPointsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "points_total",
	Help:      "Points moved through the ledger by direction (credit, debit).",
}, []string{"direction"})

// LedgerCommitLatency tracks store commit latency.
var LedgerCommitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "commit_seconds",
	Help:      "Ledger store commit latency in seconds.",
	Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
})

// ─── Event Bus Metrics ──────────────────────────────────────────────────────

// EventsPublished counts published events by type.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "events",
	Name:      "published_total",
	Help:      "Events published by type.",
}, []string{"type"})

// HandlerInvocations counts handler runs by type and outcome.
var HandlerInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "events",
	Name:      "handler_invocations_total",
	Help:      "Handler invocations by event type and outcome (ok, error, panic, timeout).",
}, []string{"type", "outcome"})

// HandlerLatency tracks handler run time.
var HandlerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "events",
	Name:      "handler_seconds",
	Help:      "Handler run time in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"type"})

// EventsDropped counts events dropped because a subscriber mailbox was full.
var EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "events",
	Name:      "dropped_total",
	Help:      "Events dropped on full subscriber mailboxes, by type.",
}, []string{"type"})

// ─── Notification Metrics ───────────────────────────────────────────────────

// NotificationsEnqueued counts accepted and deduplicated items.
var NotificationsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "notify",
	Name:      "enqueued_total",
	Help:      "Notification items by kind and result (queued, duplicate).",
}, []string{"kind", "result"})

// NotificationFlushes counts batch flushes by trigger and result.
var NotificationFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "notify",
	Name:      "flushes_total",
	Help:      "Batch flushes by trigger (timer, ceiling, critical, forced, shutdown) and result.",
}, []string{"trigger", "result"})

// NotificationBatchSize tracks items per delivered batch.
var NotificationBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "notify",
	Name:      "batch_items",
	Help:      "Items per flushed batch.",
	Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
})

// NotificationPendingRecipients tracks recipients with queued items.
var NotificationPendingRecipients = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "notify",
	Name:      "pending_recipients",
	Help:      "Recipients with at least one queued item.",
})

// ─── Audit Metrics ──────────────────────────────────────────────────────────

// AuditFindings counts reports by issue type and severity.
var AuditFindings = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "audit",
	Name:      "findings_total",
	Help:      "Inconsistency reports by issue type and severity.",
}, []string{"issue", "severity"})

// AuditCorrections counts correction attempts by issue type and result.
var AuditCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "audit",
	Name:      "corrections_total",
	Help:      "Auto-corrections by issue type and result (applied, failed).",
}, []string{"issue", "result"})

// AuditScanDuration tracks scan wall time.
var AuditScanDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "audit",
	Name:      "scan_seconds",
	Help:      "Consistency scan duration in seconds, by scope (full, targeted).",
	Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
}, []string{"scope"})

// AuditUsersChecked counts users scanned.
var AuditUsersChecked = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "audit",
	Name:      "users_checked_total",
	Help:      "Users checked by consistency scans.",
})

// ─── Component Errors ───────────────────────────────────────────────────────

// ComponentErrors counts ErrorOccurred events by reporting component.
var ComponentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "component_errors_total",
	Help:      "ErrorOccurred events by component (eventbus, notify, audit).",
}, []string{"component"})
