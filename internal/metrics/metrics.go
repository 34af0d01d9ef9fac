// Package metrics exposes the coordination core's prometheus surface:
// gauges the API handler updates directly as it mutates ServerState, in
// the same register-package-level-collectors-once style the rest of this
// codebase's dependency pack uses for its own process metrics.
package metrics

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chorus-sig/roastd/common/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide collector registry.
var Registry = prometheus.NewRegistry()

var (
	// OnlineParticipants tracks the current live-session count.
	OnlineParticipants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roastd_online_participants",
		Help: "Number of participants with a live session",
	})

	// OpenDkgs tracks the number of named DKGs currently in flight.
	OpenDkgs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roastd_open_dkgs",
		Help: "Number of in-flight DKGs by round",
	}, []string{"round"})

	// OpenCoordinations tracks in-flight ROAST signature coordinations.
	OpenCoordinations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roastd_open_signature_coordinations",
		Help: "Number of in-flight ROAST signature coordinations",
	})

	// MaliciousMarks counts participants marked malicious, cumulatively,
	// across every coordination (a monotonic counter, never reset on
	// coordination deletion).
	MaliciousMarks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roastd_malicious_marks_total",
		Help: "Total number of times a participant was marked malicious",
	})

	// RequestsHandled counts every API operation by kind and outcome.
	RequestsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roastd_requests_total",
		Help: "Number of API requests handled, by operation and outcome",
	}, []string{"operation", "outcome"})

	// RequestLatency times each API operation.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roastd_request_duration_seconds",
		Help:    "API request handling latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	registerOnce sync.Once
)

func bind(logger log.Logger) {
	if err := Registry.Register(collectors.NewGoCollector()); err != nil {
		logger.Errorw("metrics", "collector", "go", "err", err)
	}
	if err := Registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		logger.Errorw("metrics", "collector", "process", "err", err)
	}
	for _, c := range []prometheus.Collector{
		OnlineParticipants,
		OpenDkgs,
		OpenCoordinations,
		MaliciousMarks,
		RequestsHandled,
		RequestLatency,
	} {
		if err := Registry.Register(c); err != nil {
			logger.Errorw("metrics", "collector", "register", "err", err)
		}
	}
}

// ObserveRequest records one API operation's outcome and latency.
func ObserveRequest(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	RequestsHandled.WithLabelValues(operation, outcome).Inc()
	RequestLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Start binds collectors exactly once and serves /metrics on bindAddr,
// returning the listener so the caller can close it on shutdown.
func Start(logger log.Logger, bindAddr string) net.Listener {
	logger = log.Component(logger, "metrics")
	registerOnce.Do(func() { bind(logger) })

	if !strings.Contains(bindAddr, ":") {
		bindAddr = "127.0.0.1:" + bindAddr
	}
	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		logger.Warnw("metrics", "listen failed", "err", err)
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))
	srv := &http.Server{Addr: l.Addr().String(), ReadHeaderTimeout: 3 * time.Second, Handler: mux}
	go func() {
		logger.Infow("metrics", "listen finished", "err", srv.Serve(l))
	}()
	return l
}
