// Package metrics exposes Prometheus metrics for the tool server, mounted
// on a small separate net/http debug listener per spec.md §4.12. Grounded
// on the teacher's two prometheus sites: cmd/pulse-sensor-proxy/metrics.go
// (a struct of pre-declared CounterVec/HistogramVec/Gauge fields registered
// against a private prometheus.Registry) for counters updated on the hot
// path, and cmd/pulse/metrics_server.go (a context-driven http.Server with
// a goroutine watching ctx.Done() for shutdown) for the listener shape.
//
// Breaker and feature-health state are exposed through a custom
// prometheus.Collector instead of Set() calls scattered through the
// dispatch path: BreakerStatus() and health.Manager.Snapshot() are already
// the source of truth, so Collect reads them live at scrape time.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/datagen24/dshield-mcp-sub002/internal/circuit"
)

// BreakerSource is implemented by every backend.Adapter.
type BreakerSource interface {
	Name() string
	BreakerStatus() circuit.Status
}

// FeatureSource reports the availability of each defined feature.
type FeatureSource interface {
	Snapshot() map[string]FeatureState
}

// FeatureState mirrors health.FeatureStatus without importing internal/health,
// keeping this package free of a dependency on the server's health manager.
type FeatureState struct {
	Available bool
	Reason    string
}

// LimiterSource reports live rate limiter occupancy.
type LimiterSource interface {
	ActiveKeys() int
}

// Collector is a prometheus.Collector that reads breaker, feature, and
// limiter state live at scrape time rather than being pushed updates.
type Collector struct {
	breakers []BreakerSource
	features FeatureSource
	limiter  LimiterSource

	breakerState        *prometheus.Desc
	breakerTotalFailures *prometheus.Desc
	breakerTotalTrips   *prometheus.Desc
	featureAvailable    *prometheus.Desc
	limiterActiveKeys   *prometheus.Desc
}

func newCollector(breakers []BreakerSource, features FeatureSource, limiter LimiterSource) *Collector {
	return &Collector{
		breakers: breakers,
		features: features,
		limiter:  limiter,
		breakerState: prometheus.NewDesc(
			"dshield_mcp_breaker_state",
			"Circuit breaker state by backend (0=closed, 1=half_open, 2=open).",
			[]string{"backend"}, nil,
		),
		breakerTotalFailures: prometheus.NewDesc(
			"dshield_mcp_breaker_failures_total",
			"Cumulative failures observed by a circuit breaker.",
			[]string{"backend"}, nil,
		),
		breakerTotalTrips: prometheus.NewDesc(
			"dshield_mcp_breaker_trips_total",
			"Cumulative number of times a circuit breaker has opened.",
			[]string{"backend"}, nil,
		),
		featureAvailable: prometheus.NewDesc(
			"dshield_mcp_feature_available",
			"Whether a derived feature is currently available (1) or degraded (0).",
			[]string{"feature"}, nil,
		),
		limiterActiveKeys: prometheus.NewDesc(
			"dshield_mcp_ratelimit_active_keys",
			"Number of API keys with tracked rate limiter state.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.breakerState
	ch <- c.breakerTotalFailures
	ch <- c.breakerTotalTrips
	ch <- c.featureAvailable
	ch <- c.limiterActiveKeys
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.breakers {
		st := b.BreakerStatus()
		ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, breakerStateValue(st.State), b.Name())
		ch <- prometheus.MustNewConstMetric(c.breakerTotalFailures, prometheus.CounterValue, float64(st.TotalFailures), b.Name())
		ch <- prometheus.MustNewConstMetric(c.breakerTotalTrips, prometheus.CounterValue, float64(st.TotalTrips), b.Name())
	}

	if c.features != nil {
		for feature, fs := range c.features.Snapshot() {
			v := 0.0
			if fs.Available {
				v = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.featureAvailable, prometheus.GaugeValue, v, feature)
		}
	}

	if c.limiter != nil {
		ch <- prometheus.MustNewConstMetric(c.limiterActiveKeys, prometheus.GaugeValue, float64(c.limiter.ActiveKeys()))
	}
}

func breakerStateValue(s string) float64 {
	switch s {
	case circuit.StateClosed.String():
		return 0
	case circuit.StateHalfOpen.String():
		return 1
	case circuit.StateOpen.String():
		return 2
	default:
		return -1
	}
}

// Registry wraps a private prometheus.Registry with the hot-path counters
// and histograms recorded from internal/server and internal/mcp, plus the
// live Collector above.
type Registry struct {
	registry *prometheus.Registry

	rpcRequests   *prometheus.CounterVec
	rpcLatency    *prometheus.HistogramVec
	toolCalls     *prometheus.CounterVec
	toolLatency   *prometheus.HistogramVec
	rateLimitHits *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec
	buildInfo     *prometheus.GaugeVec

	server *http.Server
}

// New constructs and registers every metric. breakers, features, and
// limiter may be nil (or features/limiter nil interfaces) in tests that
// only exercise the counters.
func New(version string, breakers []BreakerSource, features FeatureSource, limiter LimiterSource) *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		rpcRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dshield_mcp_rpc_requests_total",
				Help: "Total JSON-RPC requests handled by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		rpcLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dshield_mcp_rpc_latency_seconds",
				Help:    "JSON-RPC request handling latency.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dshield_mcp_tool_calls_total",
				Help: "Total tools/call invocations by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		toolLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dshield_mcp_tool_latency_seconds",
				Help:    "Tool handler latency.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		rateLimitHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dshield_mcp_rate_limit_rejections_total",
				Help: "Requests rejected by the rate limiter by scope.",
			},
			[]string{"scope"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dshield_mcp_errors_total",
				Help: "JSON-RPC errors produced by error code.",
			},
			[]string{"code"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dshield_mcp_build_info",
				Help: "Server build metadata.",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.rpcRequests,
		r.rpcLatency,
		r.toolCalls,
		r.toolLatency,
		r.rateLimitHits,
		r.errorsByCode,
		r.buildInfo,
		newCollector(breakers, features, limiter),
	)
	r.buildInfo.WithLabelValues(version).Set(1)

	return r
}

// RecordRPC records one dispatched JSON-RPC request.
func (r *Registry) RecordRPC(method, outcome string, d time.Duration) {
	r.rpcRequests.WithLabelValues(method, outcome).Inc()
	r.rpcLatency.WithLabelValues(method).Observe(d.Seconds())
}

// RecordToolCall records one tools/call invocation outcome.
func (r *Registry) RecordToolCall(tool, outcome string, d time.Duration) {
	r.toolCalls.WithLabelValues(tool, outcome).Inc()
	r.toolLatency.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordRateLimitReject counts a rejection by the scope that rejected it:
// "key", "connection", or "global".
func (r *Registry) RecordRateLimitReject(scope string) {
	r.rateLimitHits.WithLabelValues(scope).Inc()
}

// RecordError counts a JSON-RPC error by its wire code.
func (r *Registry) RecordError(code string) {
	r.errorsByCode.WithLabelValues(code).Inc()
}

// Start serves /metrics on addr until ctx is cancelled. A disabled or empty
// addr is a no-op, mirroring the teacher's "disabled" sentinel handling.
func (r *Registry) Start(ctx context.Context, addr string, log zerolog.Logger) error {
	if addr == "" || addr == "disabled" {
		log.Info().Msg("metrics endpoint disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))

	r.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics server shutdown failed")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("metrics endpoint listening")
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped unexpectedly")
		}
	}()

	return nil
}

// Handler returns the raw promhttp handler, for tests and for servers that
// want to mount it on an existing mux instead of calling Start.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
