// Package metrics registers the process-wide cascade counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the counters the pipeline updates. Construct one per process
// (or per test) with its own registry so tests never share global state.
type Set struct {
	FlashCalls    *prometheus.CounterVec
	ProCalls      *prometheus.CounterVec
	PacketsRouted *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
}

// New creates and registers the metric set on reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		FlashCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civiclens_flash_calls_total",
			Help: "Flash-tier model invocations by terminal status.",
		}, []string{"status"}),
		ProCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civiclens_pro_calls_total",
			Help: "Pro-tier model invocations by terminal status.",
		}, []string{"status"}),
		PacketsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civiclens_packets_routed_total",
			Help: "Packets by routing outcome.",
		}, []string{"route"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "civiclens_active_runs",
			Help: "Pipelines currently executing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.FlashCalls, s.ProCalls, s.PacketsRouted, s.ActiveRuns)
	}
	return s
}

// NewNop returns an unregistered set safe for tests.
func NewNop() *Set { return New(nil) }
