package tokenexchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "authz"
	metricsSubsystem = "token_broker"
)

var (
	// exchangesTotal tracks token-exchange calls by result.
	exchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "exchanges_total",
			Help:      "Token exchange calls against the identity provider, by result.",
		},
		[]string{"result"},
	)

	// refreshesTotal tracks refresh-token calls by result.
	refreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "refreshes_total",
			Help:      "Refresh-token calls against the identity provider, by result.",
		},
		[]string{"result"},
	)

	// cacheEventsTotal tracks cache lookups by cache and outcome.
	cacheEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "cache_events_total",
			Help:      "Token cache lookups, by cache (exchange, client_credentials) and event (hit, miss).",
		},
		[]string{"cache", "event"},
	)

	// fallbacksTotal counts escalations to the client-credentials grant
	// after a failed exchange.
	fallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "client_credentials_fallbacks_total",
			Help:      "Client-credentials fallbacks taken after a failed token exchange.",
		},
	)
)

const (
	resultSuccess = "success"
	resultError   = "error"

	cacheExchange          = "exchange"
	cacheClientCredentials = "client_credentials"

	eventHit  = "hit"
	eventMiss = "miss"
)

func countResult(counter *prometheus.CounterVec, err error) {
	if err != nil {
		counter.WithLabelValues(resultError).Inc()
		return
	}
	counter.WithLabelValues(resultSuccess).Inc()
}
