package hotstuff

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts the pipeline stages the way the engine reports progress:
// blocks fetched, blocks delivered, commands decided, blocks proposed.
// Each node carries its own registry so several replicas can share a process.
type Metrics struct {
	registry *prometheus.Registry

	Fetched   prometheus.Counter
	Delivered prometheus.Counter
	Decided   prometheus.Counter
	Proposed  prometheus.Counter
}

// NewMetrics creates and registers the counters.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Fetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kauri_blocks_fetched_total",
			Help: "Number of block bodies obtained locally.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kauri_blocks_delivered_total",
			Help: "Number of blocks that passed DAG delivery.",
		}),
		Decided: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kauri_cmds_decided_total",
			Help: "Number of committed commands.",
		}),
		Proposed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kauri_blocks_proposed_total",
			Help: "Number of blocks proposed by this replica.",
		}),
	}
	m.registry.MustRegister(m.Fetched, m.Delivered, m.Decided, m.Proposed)
	return m
}

// Registry exposes the node's collector registry, e.g. for an HTTP exporter.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
