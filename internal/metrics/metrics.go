// Package metrics registers the engine's prometheus instruments. All
// collectors are package-level and registered on the default registry;
// the HTTP layer exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestedMessages counts messages persisted to the inbox, by channel.
	IngestedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "almudeer_ingested_messages_total",
		Help: "Inbound messages persisted to the inbox.",
	}, []string{"channel"})

	// FilteredMessages counts messages rejected by the filter chain.
	FilteredMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "almudeer_filtered_messages_total",
		Help: "Inbound messages rejected before persistence.",
	}, []string{"channel", "reason"})

	// DuplicateMessages counts suppressed replays.
	DuplicateMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "almudeer_duplicate_messages_total",
		Help: "Inbound messages suppressed as duplicates.",
	}, []string{"channel"})

	// TasksProcessed counts queue outcomes by type and result.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "almudeer_tasks_processed_total",
		Help: "Task queue outcomes.",
	}, []string{"type", "result"})

	// AICalls counts analyzer invocations by outcome (ok, error,
	// rate_limited).
	AICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "almudeer_ai_calls_total",
		Help: "Analyzer invocations.",
	}, []string{"outcome"})

	// OutboxSends counts dispatch attempts by channel and result.
	OutboxSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "almudeer_outbox_sends_total",
		Help: "Outbound dispatch attempts.",
	}, []string{"channel", "result"})

	// WSConnections gauges live WebSocket clients on this worker.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "almudeer_ws_connections",
		Help: "Live WebSocket connections on this worker.",
	})
)
