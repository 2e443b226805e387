package replicant

import (
	"github.com/prometheus/client_golang/prometheus"
)

// commandsTotal and commandLatencySeconds are updated by Replicant.Do
// (commandsTotal also by Cast), and reconfigurationsTotal by each installed
// configuration change. stabilizedTotal is registered, but nothing in this
// module increments it.
var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicant_commands_total",
			Help: "Number of client commands dispatched, by protocol.",
		}, []string{"protocol"},
	)
	stabilizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replicant_stabilized_total",
			Help: "Number of stabilization acknowledgements processed, by protocol.",
		}, []string{"protocol"},
	)
	reconfigurationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replicant_reconfigurations_total",
			Help: "Number of configuration changes installed across all replicated objects.",
		},
	)
	commandLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "replicant_command_latency_seconds",
			Help:    "Latency of a client Do call from cast to reply, by protocol.",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal, stabilizedTotal, reconfigurationsTotal, commandLatencySeconds)
}
