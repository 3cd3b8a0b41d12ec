package state

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bubbles/pkg/models"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bubbles_vm_transitions_total",
			Help: "Total number of vm status transitions by target status",
		},
		[]string{"status"},
	)

	runningGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bubbles_vm_running_count",
			Help: "Number of vms confirmed running",
		},
	)
)

func recordTransition(from, to models.VMStatus) {
	transitionsTotal.WithLabelValues(to.String()).Inc()

	if to == models.Running && from != models.Running {
		runningGauge.Inc()
	}

	if from == models.Running && to != models.Running {
		runningGauge.Dec()
	}
}
