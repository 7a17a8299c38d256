package host

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	callLatency = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "guestctl_host_call_latency",
			Help: "Guest control call latency (seconds).",
		},
		[]string{"call"},
	)
	callSuccesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestctl_host_call_successes",
			Help: "Number of successful guest control calls.",
		},
		[]string{"call"},
	)
	callFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestctl_host_call_failures",
			Help: "Number of failed guest control calls.",
		},
		[]string{"call"},
	)
	callTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "guestctl_host_call_timeouts",
			Help: "Number of timed out guest control calls.",
		},
	)
	droppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guestctl_host_dropped_messages",
			Help: "Number of inbound messages dropped, by reason.",
		},
		[]string{"reason"},
	)

	hostCollectors = []prometheus.Collector{
		callLatency,
		callSuccesses,
		callFailures,
		callTimeouts,
		droppedMessages,
	}

	metricsOnce sync.Once
)

// initMetrics registers the metrics collectors.
func initMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(hostCollectors...)
	})
}
