// Package telemetry holds a named struct of atomic counters with
// process lifetime, exported read-only by snapshotting, and mirrors
// them into Prometheus vectors served over /metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stats is the process-wide counter block. Every field is an atomic
// counter; reads are unsynchronized with respect to each other, so no
// multi-field atomicity is promised.
type Stats struct {
	RouteSelf   atomic.Int64
	RoutePeer   atomic.Int64
	RouteOrigin atomic.Int64

	PeerErrors atomic.Int64

	ControlRxPresent    atomic.Int64
	ControlRxAbsent     atomic.Int64
	ControlRxDiscourage atomic.Int64
	ControlRxUnknownCmd atomic.Int64

	DelayedPackets  atomic.Int64
	AuthFailures    atomic.Int64
	ScopeMismatch   atomic.Int64
	VersionMismatch atomic.Int64

	CacheHitFresh atomic.Int64
	CacheHitSWR   atomic.Int64
	CacheHitSIE   atomic.Int64
	CacheMiss     atomic.Int64

	SelfLoopback atomic.Int64 // Absent(self_url) observed: our own broadcast looped back

	InFlight atomic.Int64 // current in-flight HTTP requests, read by the load-shed check
}

// Global is the single process-wide instance. Components take it by
// field rather than reaching for this var directly, except at the
// composition root (cmd/distcached) and in tests.
var Global = &Stats{}

var (
	registry = prometheus.NewRegistry()

	routeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distcache",
		Name:      "route_total",
		Help:      "Requests routed by target.",
	}, []string{"target"})

	peerErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "distcache",
		Name:      "peer_errors_total",
		Help:      "Peer HTTP calls that raised an error.",
	})

	controlRxTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distcache",
		Name:      "control_rx_total",
		Help:      "UDP control datagrams received, by command and outcome.",
	}, []string{"cmd", "result"})

	cacheResultTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distcache",
		Name:      "cache_result_total",
		Help:      "Disk cache lookups by result.",
	}, []string{"result"})

	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "distcache",
		Name:      "requests_total",
		Help:      "Total number of inbound HTTP requests.",
	}, []string{"op", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "distcache",
		Name:      "request_duration_seconds",
		Help:      "Latency of inbound HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
	}, []string{"op"})

	inFlightGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "distcache",
		Name:      "in_flight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	}, []string{"op"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "distcache",
		Name:      "build_info",
		Help:      "Build info (constant 1, labeled by version and git_sha).",
	}, []string{"version", "git_sha"})

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "distcache",
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(startTime).Seconds() })
)

func init() {
	registry.MustRegister(routeTotal, peerErrorsTotal, controlRxTotal,
		cacheResultTotal, requestsTotal, requestDuration, inFlightGauge,
		buildInfo, uptime)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// RecordRoute mirrors an atomic Stats increment into the Prometheus
// vector. target is "self", "peer", or "origin".
func (s *Stats) RecordRoute(target string) {
	switch target {
	case "self":
		s.RouteSelf.Add(1)
	case "peer":
		s.RoutePeer.Add(1)
	case "origin":
		s.RouteOrigin.Add(1)
	}
	routeTotal.WithLabelValues(target).Inc()
}

// RecordPeerError increments both the atomic counter and the exporter.
func (s *Stats) RecordPeerError() {
	s.PeerErrors.Add(1)
	peerErrorsTotal.Inc()
}

// RecordControlRx increments both the atomic counter (by cmd) and the
// Prometheus vector (by cmd and result), for datagrams that reached
// dispatch.
func (s *Stats) RecordControlRx(cmd byte, result string) {
	switch cmd {
	case 'P':
		s.ControlRxPresent.Add(1)
	case 'A':
		s.ControlRxAbsent.Add(1)
	case 'D':
		s.ControlRxDiscourage.Add(1)
	default:
		s.ControlRxUnknownCmd.Add(1)
	}
	controlRxTotal.WithLabelValues(string(cmd), result).Inc()
}

// RecordRejected counts a datagram that never reached dispatch: reason
// is one of "delayed", "auth", "scope", "version".
func (s *Stats) RecordRejected(reason string) {
	switch reason {
	case "delayed":
		s.DelayedPackets.Add(1)
	case "auth":
		s.AuthFailures.Add(1)
	case "scope":
		s.ScopeMismatch.Add(1)
	case "version":
		s.VersionMismatch.Add(1)
	}
	controlRxTotal.WithLabelValues("?", reason).Inc()
}

// RecordCacheResult increments the atomic field matching result and the
// Prometheus vector. result is one of "fresh", "swr", "sie", "miss".
func (s *Stats) RecordCacheResult(result string) {
	switch result {
	case "fresh":
		s.CacheHitFresh.Add(1)
	case "swr":
		s.CacheHitSWR.Add(1)
	case "sie":
		s.CacheHitSIE.Add(1)
	case "miss":
		s.CacheMiss.Add(1)
	}
	cacheResultTotal.WithLabelValues(result).Inc()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the
// provided "op" label. It also drives Stats.InFlight so the
// coordinator's load-shed check has a cheap counter to read instead of
// scraping a Prometheus gauge back out.
func (s *Stats) Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		s.InFlight.Add(1)
		inFlightGauge.WithLabelValues(op).Inc()
		defer func() {
			s.InFlight.Add(-1)
			inFlightGauge.WithLabelValues(op).Dec()
		}()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		requestsTotal.WithLabelValues(op, class).Inc()
		requestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
