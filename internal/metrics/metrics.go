// Package metrics exposes Prometheus instrumentation for the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpdatesTotal counts container updates by outcome:
	// "completed", "failed", "rolled_back", "skipped_validation".
	UpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_updates_total",
		Help: "Container update attempts by outcome.",
	}, []string{"outcome"})

	// UpdateDuration observes end-to-end update duration in seconds.
	UpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dockmon_update_duration_seconds",
		Help:    "Container update duration.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// AlertTransitions counts alert state transitions: "opened", "resolved",
	// "snoozed", "reopened".
	AlertTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_alert_transitions_total",
		Help: "Alert state transitions.",
	}, []string{"transition"})

	// NotificationsDispatched counts dispatched alert notifications.
	NotificationsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dockmon_notifications_dispatched_total",
		Help: "Alert notifications handed to the dispatcher.",
	})

	// AgentSessions tracks the number of live agent WebSocket sessions.
	AgentSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_agent_sessions",
		Help: "Live agent WebSocket sessions.",
	})

	// AgentCommands counts agent commands by result status:
	// "success", "error", "timeout".
	AgentCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_agent_commands_total",
		Help: "Agent commands by result status.",
	}, []string{"status"})

	// DigestCacheLookups counts digest cache lookups by result: "hit", "miss".
	DigestCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_digest_cache_lookups_total",
		Help: "Digest cache lookups by result.",
	}, []string{"result"})

	// HostsOnline tracks the number of hosts currently reachable.
	HostsOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dockmon_hosts_online",
		Help: "Hosts currently online.",
	})

	// EventsDropped counts events dropped from the bounded event queue,
	// by severity class ("error", "other").
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_events_dropped_total",
		Help: "Events dropped due to full subscriber buffers.",
	}, []string{"class"})

	// MaintenanceRuns counts daily maintenance task executions by task name
	// and outcome.
	MaintenanceRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dockmon_maintenance_runs_total",
		Help: "Maintenance task executions.",
	}, []string{"task", "outcome"})
)
