// Package metrics exposes the ambient prometheus instrumentation for the
// network core: connection pool size, primary-interface switches, and
// checkpoint/chunk validation outcomes.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors the supervisor and interface state
// machine update. Each instance registers against the Registerer passed
// to New, so tests can pass a fresh Registry to get independent, isolated
// sets.
type Metrics struct {
	ConnectedInterfaces prometheus.Gauge
	ConnectingAttempts  prometheus.Gauge
	PrimarySwitches     prometheus.Counter
	ChunkOutcomes       *prometheus.CounterVec
	CheckpointFailures  prometheus.Counter
	ServerBlacklists    prometheus.Counter
}

// New builds a Metrics set and registers it against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectedInterfaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "walletnet",
			Subsystem: "network",
			Name:      "connected_interfaces",
			Help:      "Number of interfaces currently connected.",
		}),
		ConnectingAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "walletnet",
			Subsystem: "network",
			Name:      "connecting_attempts",
			Help:      "Number of connection attempts currently in flight.",
		}),
		PrimarySwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletnet",
			Subsystem: "network",
			Name:      "primary_switches_total",
			Help:      "Number of times the primary interface has changed.",
		}),
		ChunkOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walletnet",
			Subsystem: "network",
			Name:      "chunk_outcomes_total",
			Help:      "Header chunk connect outcomes by result.",
		}, []string{"outcome"}),
		CheckpointFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletnet",
			Subsystem: "network",
			Name:      "checkpoint_failures_total",
			Help:      "Number of checkpoint proof validation failures.",
		}),
		ServerBlacklists: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walletnet",
			Subsystem: "network",
			Name:      "server_blacklists_total",
			Help:      "Number of servers blacklisted for protocol violations.",
		}),
	}
	reg.MustRegister(
		m.ConnectedInterfaces,
		m.ConnectingAttempts,
		m.PrimarySwitches,
		m.ChunkOutcomes,
		m.CheckpointFailures,
		m.ServerBlacklists,
	)
	return m
}
