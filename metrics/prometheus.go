package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace          = "gateway"
	requestSubsystem   = "request"
	authSubsystem      = "auth"
	ratelimitSubsystem = "ratelimit"
	upstreamSubsystem  = "upstream"
)

// Prometheus implements Metrics with namespace/subsystem-qualified vectors,
// the same organizing idiom the teacher's metrics/prometheus.go uses for
// route/filter/backend metrics, applied here to the gateway's own concerns.
type Prometheus struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	authFailuresTotal  *prometheus.CounterVec
	rateLimitDenied    *prometheus.CounterVec
	upstreamErrors     *prometheus.CounterVec
	upstreamDuration   *prometheus.HistogramVec
	inFlight           prometheus.Gauge
	upstreamPoolInUse  prometheus.Gauge
	storeAvailable     *prometheus.GaugeVec

	registry *prometheus.Registry
	handler  http.Handler
}

var defaultBuckets = []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()

	p := &Prometheus{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: requestSubsystem, Name: "total",
			Help: "Total requests processed, by status/method/route.",
		}, []string{"status", "method", "route"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: requestSubsystem, Name: "duration_seconds",
			Help: "End-to-end request duration in seconds.", Buckets: defaultBuckets,
		}, []string{"route"}),
		authFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: authSubsystem, Name: "failures_total",
			Help: "Authentication failures, by reason.",
		}, []string{"reason"}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: ratelimitSubsystem, Name: "denied_total",
			Help: "Rate limit denials, by rule.",
		}, []string{"rule"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: upstreamSubsystem, Name: "errors_total",
			Help: "Upstream errors, by kind.",
		}, []string{"kind"}),
		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: upstreamSubsystem, Name: "duration_seconds",
			Help: "Upstream round-trip duration in seconds.", Buckets: defaultBuckets,
		}, []string{"route"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "in_flight_requests",
			Help: "Requests currently being processed.",
		}),
		upstreamPoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: upstreamSubsystem, Name: "pool_in_use",
			Help: "Upstream connections currently checked out of the pool.",
		}),
		storeAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "store_available",
			Help: "1 if the named external store's last probe succeeded, else 0.",
		}, []string{"store"}),
		registry: reg,
	}

	reg.MustRegister(
		p.requestsTotal, p.requestDuration, p.authFailuresTotal, p.rateLimitDenied,
		p.upstreamErrors, p.upstreamDuration, p.inFlight, p.upstreamPoolInUse, p.storeAvailable,
	)
	p.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return p
}

func (p *Prometheus) Handler() http.Handler { return p.handler }

func (p *Prometheus) IncRequest(status int, method, routeID string) {
	p.requestsTotal.WithLabelValues(strconv.Itoa(status), method, routeID).Inc()
}

func (p *Prometheus) IncAuthFailure(reason string) {
	p.authFailuresTotal.WithLabelValues(reason).Inc()
}

func (p *Prometheus) IncRateLimitDenied(rule string) {
	p.rateLimitDenied.WithLabelValues(rule).Inc()
}

func (p *Prometheus) IncUpstreamError(kind string) {
	p.upstreamErrors.WithLabelValues(kind).Inc()
}

func (p *Prometheus) MeasureRequestDuration(routeID string, start time.Time) {
	p.requestDuration.WithLabelValues(routeID).Observe(time.Since(start).Seconds())
}

func (p *Prometheus) MeasureUpstreamDuration(routeID string, start time.Time) {
	p.upstreamDuration.WithLabelValues(routeID).Observe(time.Since(start).Seconds())
}

func (p *Prometheus) SetInFlight(n int)          { p.inFlight.Set(float64(n)) }
func (p *Prometheus) SetUpstreamPoolInUse(n int) { p.upstreamPoolInUse.Set(float64(n)) }

func (p *Prometheus) SetStoreAvailable(store string, available bool) {
	v := 0.0
	if available {
		v = 1.0
	}
	p.storeAvailable.WithLabelValues(store).Set(v)
}

var _ Metrics = (*Prometheus)(nil)
