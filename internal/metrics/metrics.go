// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GuardEventsTotal counts monitored events by verdict
	GuardEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_guard_events_total",
			Help: "Total number of monitored events evaluated by the guard",
		},
		[]string{"device", "verdict"},
	)

	// GuardCounterEntries tracks keys with at least one live occurrence
	GuardCounterEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_guard_counter_entries",
			Help: "Number of flow keys currently tracked by the rate counter",
		},
	)

	// BansInstalledTotal counts drop rules installed by the ban controller
	BansInstalledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_bans_installed_total",
			Help: "Total number of bans installed",
		},
		[]string{"device"},
	)

	// BansRemovedTotal counts bans lifted, by reason (expired, shutdown)
	BansRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_bans_removed_total",
			Help: "Total number of bans removed",
		},
		[]string{"device", "reason"},
	)

	// BansActive tracks bans pending or installed
	BansActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_bans_active",
			Help: "Number of bans currently pending or active",
		},
	)

	// BackendErrorsTotal counts failed backend operations
	BackendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_backend_errors_total",
			Help: "Total number of failed enforcement backend operations",
		},
		[]string{"backend", "op"},
	)

	// BackendLatencySeconds measures backend operation latency
	BackendLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowguard_backend_latency_seconds",
			Help:    "Latency of enforcement backend operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		},
		[]string{"backend", "op"},
	)

	// RegistryRules tracks rules held by the registry
	RegistryRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_registry_rules",
			Help: "Number of application rules held by the registry",
		},
	)

	// RegistryOpsTotal counts registry operations by outcome
	RegistryOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_registry_ops_total",
			Help: "Total number of registry operations",
		},
		[]string{"op", "result"},
	)

	// SchedulerJobsTotal counts executed scheduled jobs by outcome
	SchedulerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_scheduler_jobs_total",
			Help: "Total number of scheduled jobs executed",
		},
		[]string{"job", "result"},
	)

	// CaptureFramesTotal counts frames read by capture sources
	CaptureFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_capture_frames_total",
			Help: "Total number of frames read from capture interfaces",
		},
		[]string{"interface", "class"},
	)

	// CommandsTotal counts control commands by transport and outcome
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_commands_total",
			Help: "Total number of control commands handled",
		},
		[]string{"transport", "method", "result"},
	)
)
