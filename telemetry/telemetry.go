// Package telemetry wires the runtime's prometheus collectors. Each Runtime
// owns a private registry so multiple in-process peers never collide on
// registration.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors updated by the dispatcher and trainer.
type Metrics struct {
	registry *prometheus.Registry

	// Pulls counts executed parameter pulls.
	Pulls prometheus.Counter
	// Pushes counts executed gradient pushes.
	Pushes prometheus.Counter
	// Skipped counts dispatched operations dropped by the termination
	// gate.
	Skipped prometheus.Counter
	// Batches counts trained mini-batches.
	Batches prometheus.Counter
	// DoneRanks tracks the last reduced count of finished peers.
	DoneRanks prometheus.Gauge
}

// New creates the collectors on a fresh private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Pulls: factory.NewCounter(prometheus.CounterOpts{
			Name: "feather_dispatch_pulls_total",
			Help: "Parameter pulls executed by the sync dispatcher.",
		}),
		Pushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "feather_dispatch_pushes_total",
			Help: "Gradient pushes executed by the sync dispatcher.",
		}),
		Skipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "feather_dispatch_skipped_total",
			Help: "Dispatched operations dropped by the termination gate.",
		}),
		Batches: factory.NewCounter(prometheus.CounterOpts{
			Name: "feather_trainer_batches_total",
			Help: "Mini-batches processed by the training loop.",
		}),
		DoneRanks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feather_cluster_done_ranks",
			Help: "Last reduced count of peers that reached their finish flag.",
		}),
	}
}

// Registry exposes the private registry for scraping or test inspection.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
