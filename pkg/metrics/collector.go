package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Forward kinds
const (
	KindHTTP    = "http"
	KindUpgrade = "upgrade"
)

// Forward outcomes
const (
	OutcomeOK                 = "ok"
	OutcomeBackendUnavailable = "backend_unavailable"
	OutcomeHandshakeFailed    = "handshake_failed"
	OutcomeCanceled           = "canceled"
	OutcomeError              = "error"
)

// Relay directions
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

// Config controls metric registration
type Config struct {
	Enabled   bool
	Namespace string
	Subsystem string

	// DurationBuckets overrides the forward duration histogram buckets
	DurationBuckets []float64
}

// Collector owns the proxy's Prometheus metrics.
//
// A nil or disabled Collector accepts every Record call and does nothing, so
// callers never need to guard on whether metrics are configured.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	forwardsTotal   *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec
	activeUpgrades  *prometheus.GaugeVec
	relayedBytes    *prometheus.CounterVec
	fallthroughs    prometheus.Counter
	reloadsTotal    *prometheus.CounterVec
}

// NewCollector registers all metrics with registry. A nil registry gets a fresh one.
func NewCollector(cfg Config, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "devproxy"
	}
	if len(cfg.DurationBuckets) == 0 {
		// local backends answer in milliseconds; upgrades live for minutes
		cfg.DurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600}
	}

	c := &Collector{
		config:   cfg,
		registry: registry,

		forwardsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "forwards_total",
				Help:      "Forwarded requests and upgraded connections by rule, kind and outcome",
			},
			[]string{"rule", "kind", "outcome"},
		),
		forwardDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "forward_duration_seconds",
				Help:      "Time from match to close of a forwarded request or bridge",
				Buckets:   cfg.DurationBuckets,
			},
			[]string{"rule", "kind"},
		),
		activeUpgrades: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "active_upgrades",
				Help:      "Upgraded connections currently being bridged",
			},
			[]string{"rule"},
		),
		relayedBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "relayed_bytes_total",
				Help:      "Bytes copied across upgrade bridges",
			},
			[]string{"rule", "direction"},
		),
		fallthroughs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "fallthrough_total",
				Help:      "Requests that matched no route and were served locally",
			},
		),
		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "table_reloads_total",
				Help:      "Route table reload attempts by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		c.forwardsTotal,
		c.forwardDuration,
		c.activeUpgrades,
		c.relayedBytes,
		c.fallthroughs,
		c.reloadsTotal,
	)

	return c
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled
}

// RecordForward records a completed forward
func (c *Collector) RecordForward(rule, kind, outcome string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.forwardsTotal.WithLabelValues(rule, kind, outcome).Inc()
	c.forwardDuration.WithLabelValues(rule, kind).Observe(duration.Seconds())
}

// UpgradeOpened marks the start of a bridge
func (c *Collector) UpgradeOpened(rule string) {
	if !c.enabled() {
		return
	}
	c.activeUpgrades.WithLabelValues(rule).Inc()
}

// UpgradeClosed marks the end of a bridge
func (c *Collector) UpgradeClosed(rule string) {
	if !c.enabled() {
		return
	}
	c.activeUpgrades.WithLabelValues(rule).Dec()
}

// AddRelayedBytes counts bytes copied in one direction of a bridge
func (c *Collector) AddRelayedBytes(rule, direction string, n int64) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.relayedBytes.WithLabelValues(rule, direction).Add(float64(n))
}

// RecordFallthrough counts a request handed back to the local handler
func (c *Collector) RecordFallthrough() {
	if !c.enabled() {
		return
	}
	c.fallthroughs.Inc()
}

// RecordReload counts a route table reload attempt
func (c *Collector) RecordReload(ok bool) {
	if !c.enabled() {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.reloadsTotal.WithLabelValues(result).Inc()
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler exposes the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
