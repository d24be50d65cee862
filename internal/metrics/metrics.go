// Package metrics holds the Prometheus collectors shared by the poller,
// the dispatch service and the HTTP endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poller metrics
var (
	// PollsTotal counts getUpdates rounds by outcome (ok, empty, timeout, error).
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breathr_polls_total",
			Help: "Long-poll rounds by outcome",
		},
		[]string{"outcome"},
	)

	// UpdatesProcessed counts updates handled by the poller.
	UpdatesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "breathr_updates_processed_total",
			Help: "Updates processed by the poller",
		},
	)

	// RepliesTotal counts canned replies by command and result.
	RepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breathr_replies_total",
			Help: "Canned command replies by command and result",
		},
		[]string{"command", "result"},
	)

	// DirectorySaves counts directory persist attempts by result.
	DirectorySaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breathr_directory_saves_total",
			Help: "Directory persist attempts by result",
		},
		[]string{"result"},
	)

	// DirectoryEntries is the number of users known to the poller.
	DirectoryEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "breathr_directory_entries",
			Help: "Users currently in the directory",
		},
	)

	// Cursor is the last processed update id.
	Cursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "breathr_poll_cursor",
			Help: "Last processed update id",
		},
	)
)

// Dispatch metrics
var (
	// DispatchTotal counts send requests by result
	// (sent, not_found, send_error, breaker_open).
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breathr_dispatch_total",
			Help: "Dispatch requests by result",
		},
		[]string{"result"},
	)

	// DispatchDuration measures outbound send latency in seconds.
	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "breathr_dispatch_duration_seconds",
			Help:    "Outbound send duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breathr_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breathr_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "breathr_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Process metrics
var (
	// TaskRestarts counts supervised task restarts after a failure.
	TaskRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breathr_task_restarts_total",
			Help: "Supervised task restarts by task name",
		},
		[]string{"task"},
	)
)
