// Package metrics exports routing decision, breaker, fault and configuration
// metrics in Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Decision results.
const (
	ResultRouted   = "routed"
	ResultFallback = "fallback"
	ResultRejected = "rejected"
	ResultAborted  = "aborted"
)

// Collector holds the engine's Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	decisions         *prometheus.CounterVec
	ruleMatches       *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	breakerRejections *prometheus.CounterVec
	faultsInjected    *prometheus.CounterVec
	configErrors      *prometheus.CounterVec
	snapshotInfo      *prometheus.GaugeVec
}

// NewCollector registers the metrics on registry. A nil registry gets a fresh one.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshroute_decisions_total",
				Help: "Routing decisions by selected destination version and result",
			},
			[]string{"destination", "version", "result"},
		),
		ruleMatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshroute_rule_matches_total",
				Help: "Requests matched by each route rule",
			},
			[]string{"rule"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshroute_breaker_state",
				Help: "Circuit breaker state per destination version (0=closed, 1=half-open, 2=open)",
			},
			[]string{"destination", "version"},
		),
		breakerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshroute_breaker_rejections_total",
				Help: "Requests rejected by a circuit breaker",
			},
			[]string{"destination", "version"},
		),
		faultsInjected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshroute_faults_injected_total",
				Help: "Injected faults by kind",
			},
			[]string{"kind"},
		),
		configErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshroute_config_errors_total",
				Help: "Configuration entries rejected at load time by error kind",
			},
			[]string{"kind"},
		),
		snapshotInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshroute_snapshot_info",
				Help: "Always 1; the version label carries the active configuration snapshot version",
			},
			[]string{"version"},
		),
	}
}

func (c *Collector) RecordDecision(destination, version, result string) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(destination, version, result).Inc()
}

func (c *Collector) RecordRuleMatch(rule string) {
	if c == nil {
		return
	}
	c.ruleMatches.WithLabelValues(rule).Inc()
}

// SetBreakerState records a breaker state using its numeric value.
func (c *Collector) SetBreakerState(destination, version string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(destination, version).Set(float64(state))
}

// DeleteBreaker removes the state series of a dropped breaker.
func (c *Collector) DeleteBreaker(destination, version string) {
	if c == nil {
		return
	}
	c.breakerState.DeleteLabelValues(destination, version)
}

func (c *Collector) RecordBreakerRejection(destination, version string) {
	if c == nil {
		return
	}
	c.breakerRejections.WithLabelValues(destination, version).Inc()
}

func (c *Collector) RecordFault(kind string) {
	if c == nil {
		return
	}
	c.faultsInjected.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordConfigError(kind string) {
	if c == nil {
		return
	}
	c.configErrors.WithLabelValues(kind).Inc()
}

// SetSnapshotVersion replaces the snapshot info series with one labelled by
// the decimal version, as reported by the admin API.
func (c *Collector) SetSnapshotVersion(version uint64) {
	if c == nil {
		return
	}
	c.snapshotInfo.Reset()
	c.snapshotInfo.WithLabelValues(strconv.FormatUint(version, 10)).Set(1)
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
