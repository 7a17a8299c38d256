package guest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	processesStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guestctl_guest_processes_started",
			Help: "Number of guest processes spawned.",
		},
	)
	spawnFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestctl_guest_spawn_failures",
			Help: "Number of guest process spawn failures.",
		},
		[]string{"reason"},
	)
	activeLoops = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "guestctl_guest_active_loops",
			Help: "Number of running guest execution loops.",
		},
	)
	terminalStatuses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestctl_guest_terminal_statuses",
			Help: "Number of final process statuses reported, by status.",
		},
		[]string{"status"},
	)

	guestCollectors = []prometheus.Collector{
		processesStarted,
		spawnFailures,
		activeLoops,
		terminalStatuses,
	}

	metricsOnce sync.Once
)

// initMetrics registers the metrics collectors.
func initMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(guestCollectors...)
	})
}
