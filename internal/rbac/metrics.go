package rbac

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks evaluator traffic. All methods are nil-safe so the service
// can run without a registry in tests.
type Metrics struct {
	checks      *prometheus.CounterVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// NewMetrics registers the evaluator collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		checks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_rbac_checks_total",
			Help: "Permission checks by outcome.",
		}, []string{"outcome"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "veritas_rbac_cache_hits_total",
			Help: "Permission checks answered from the decision cache.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "veritas_rbac_cache_misses_total",
			Help: "Permission checks that fell through to storage.",
		}),
	}
}

func (m *Metrics) observeCheck(allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.checks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) observeCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}
