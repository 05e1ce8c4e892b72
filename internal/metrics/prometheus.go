// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics live in a private registry (not the global default) so they
// don't collide with host-level metrics when the gateway is embedded in a
// larger binary. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,protocol,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_admission_rejections_total{stage}
	admissionRejections *prometheus.CounterVec

	// gateway_circuit_breaker_trips_total
	breakerTrips prometheus.Counter

	// gateway_upstream_requests_total{provider,outcome}
	upstreamRequests *prometheus.CounterVec

	// gateway_upstream_request_duration_seconds{provider}
	upstreamDuration *prometheus.HistogramVec

	// gateway_streaming_responses_total{protocol}
	streamingResponses *prometheus.CounterVec

	// gateway_meter_events_total{capability,provider}
	meterEvents *prometheus.CounterVec

	// gateway_metered_usd_total{kind} — kind is cost or charge
	meteredUSD *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

// Admission stage labels for RecordRejection.
const (
	StageAuth        = "auth"
	StageValidation  = "validation"
	StageRateLimit   = "rate_limit"
	StageBreaker     = "circuit_breaker"
	StageBudget      = "budget"
	StageSpendingCap = "spending_cap"
)

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "protocol", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		admissionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admission_rejections_total",
				Help: "Requests rejected by the admission pipeline, by stage",
			},
			[]string{"stage"},
		),

		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_trips_total",
			Help: "Total circuit breaker trip transitions across all bot instances",
		}),

		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_requests_total",
				Help: "Upstream dispatch outcomes",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_request_duration_seconds",
				Help:    "Upstream dispatch duration in seconds (time to response headers for streams)",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),

		streamingResponses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_streaming_responses_total",
				Help: "Streaming responses piped through, by caller protocol",
			},
			[]string{"protocol"},
		),

		meterEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_meter_events_total",
				Help: "Meter events emitted for billed requests",
			},
			[]string{"capability", "provider"},
		),

		meteredUSD: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_metered_usd_total",
				Help: "Metered USD totals; kind is cost (upstream) or charge (after margin)",
			},
			[]string{"kind"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.admissionRejections,
		r.breakerTrips,
		r.upstreamRequests,
		r.upstreamDuration,
		r.streamingResponses,
		r.meterEvents,
		r.meteredUSD,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one handled request.
func (r *Registry) ObserveHTTP(route, protocol string, statusCode int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, protocol, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRejection counts one admission-pipeline rejection. stage is one of the
// Stage* constants.
func (r *Registry) RecordRejection(stage string) {
	r.admissionRejections.WithLabelValues(stage).Inc()
}

// RecordBreakerTrip counts one CLOSED → OPEN transition.
func (r *Registry) RecordBreakerTrip() {
	r.breakerTrips.Inc()
}

// ObserveUpstream records one upstream dispatch. outcome is "success",
// "error" (non-2xx status), "timeout", or "unreachable".
func (r *Registry) ObserveUpstream(provider, outcome string, dur time.Duration) {
	r.upstreamRequests.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// RecordStreaming counts one streaming passthrough response.
func (r *Registry) RecordStreaming(protocol string) {
	r.streamingResponses.WithLabelValues(protocol).Inc()
}

// RecordMeterEvent counts one emitted meter event and its USD amounts.
func (r *Registry) RecordMeterEvent(capability, provider string, costUSD, chargeUSD float64) {
	r.meterEvents.WithLabelValues(capability, provider).Inc()
	r.meteredUSD.WithLabelValues("cost").Add(costUSD)
	r.meteredUSD.WithLabelValues("charge").Add(chargeUSD)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
