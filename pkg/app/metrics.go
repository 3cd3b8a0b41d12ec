package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	startDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bubbles_vm_start_duration_seconds",
			Help:    "Time from the start request until the guest agent answered",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		},
	)

	startFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubbles_vm_start_failures_total",
			Help: "Total number of failed vm starts by stage",
		},
		[]string{"stage"},
	)

	readinessAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bubbles_guest_readiness_attempts_total",
			Help: "Total number of guest readiness probes sent",
		},
	)

	shutdownFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bubbles_vm_shutdown_fallbacks_total",
			Help: "Total number of stops that fell back to the hypervisor stop command",
		},
	)
)
