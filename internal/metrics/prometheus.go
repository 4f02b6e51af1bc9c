package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	LoginSuccessTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identra_logins_success_total",
		Help: "Successful logins, partitioned by authority.",
	}, []string{"authority"})

	LoginFailureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identra_logins_failure_total",
		Help: "Failed logins, partitioned by authority and error kind.",
	}, []string{"authority", "kind"})

	TokensMintedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identra_tokens_minted_total",
		Help: "ID/response tokens minted.",
	})

	KeyCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identra_key_cache_hits_total",
		Help: "Key material cache hits.",
	})

	KeyCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identra_key_cache_misses_total",
		Help: "Key material cache misses.",
	})

	FederationResolvesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identra_federation_resolves_total",
		Help: "Federation entity statement resolutions, by outcome.",
	}, []string{"outcome"})
)

// Register registers all metrics on the given registerer. Call once at
// startup.
func Register(reg prometheus.Registerer) {
	collectors := []prometheus.Collector{
		LoginSuccessTotal,
		LoginFailureTotal,
		TokensMintedTotal,
		KeyCacheHitsTotal,
		KeyCacheMissesTotal,
		FederationResolvesTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("failed to register metric")
		}
	}
}
