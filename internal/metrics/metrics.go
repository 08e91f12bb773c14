// Package metrics holds the prometheus instruments the boundary layer
// records. Kept off the core's critical path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	NoncesIssued  prometheus.Counter
	Verifications *prometheus.CounterVec
}

// New builds a dedicated registry so tests can instantiate isolated sets.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		NoncesIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "humancheck",
			Name:      "nonces_issued_total",
			Help:      "Nonces issued to clients.",
		}),
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "humancheck",
			Name:      "verifications_total",
			Help:      "Token verifications by outcome.",
		}, []string{"outcome"}),
	}
}
