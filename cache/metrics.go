package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Validation hot-path counters, exposed at /metrics. The validator
// increments these; the tiers themselves stay oblivious.
var (
	Hits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keygate_cache_hits_total",
		Help: "Validations answered from the fast tier.",
	})

	Misses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keygate_cache_misses_total",
		Help: "Validations that fell through to the durable store.",
	})

	Unavailable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keygate_cache_unavailable_total",
		Help: "Fast-tier failures degraded to the durable store.",
	})

	Evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keygate_cache_evictions_total",
		Help: "Active evictions on revocation or forced expiry.",
	})

	ValidationResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keygate_validations_total",
		Help: "Credential validation outcomes.",
	}, []string{"result"}) // valid | invalid
)
