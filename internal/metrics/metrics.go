// Package metrics exports Prometheus collectors for Graph traffic, token
// serving and the refresh sweep. A Collector satisfies both
// graph.RequestObserver and tokens.Observer.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zcop/sharepoint2/internal/tokens"
)

const namespace = "sharepoint2"

// Refresh outcome label values.
const (
	outcomeOK       = "ok"
	outcomeTerminal = "terminal"
	outcomeError    = "error"
)

// Collector owns a private registry with every sharepoint2 metric.
type Collector struct {
	registry *prometheus.Registry

	graphRequests *prometheus.CounterVec
	graphLatency  *prometheus.HistogramVec
	tokensServed  *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	refreshTime   prometheus.Histogram
	sweepDue      prometheus.Gauge
	sweepFailed   prometheus.Gauge
	sweepLast     prometheus.Gauge
}

// New creates a Collector with Go runtime and process collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		graphRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "requests_total",
			Help:      "Graph API requests by method and HTTP status (0 for transport errors).",
		}, []string{"method", "status"}),
		graphLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "request_duration_seconds",
			Help:      "Graph API request latency per attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		tokensServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "served_total",
			Help:      "Access tokens served, split by whether a refresh was needed.",
		}, []string{"source"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "refreshes_total",
			Help:      "Refresh-token exchanges by outcome.",
		}, []string{"outcome"}),
		refreshTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tokens",
			Name:      "refresh_duration_seconds",
			Help:      "Token endpoint round-trip time.",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepDue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "due",
			Help:      "Credentials found due by the last sweep.",
		}),
		sweepFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "failed",
			Help:      "Credentials the last sweep failed to refresh.",
		}),
		sweepLast: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last sweep finished.",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.graphRequests, c.graphLatency,
		c.tokensServed, c.refreshes, c.refreshTime,
		c.sweepDue, c.sweepFailed, c.sweepLast,
	)

	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one Graph request attempt.
func (c *Collector) ObserveRequest(method string, status int, elapsed time.Duration) {
	c.graphRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.graphLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveTokenServed records one access token handed to a caller.
func (c *Collector) ObserveTokenServed(refreshed bool) {
	source := "cache"
	if refreshed {
		source = "refresh"
	}

	c.tokensServed.WithLabelValues(source).Inc()
}

// ObserveRefresh records one refresh attempt.
func (c *Collector) ObserveRefresh(err error, elapsed time.Duration) {
	outcome := outcomeOK

	switch {
	case err == nil:
	case tokens.IsTerminal(err):
		outcome = outcomeTerminal
	default:
		outcome = outcomeError
	}

	c.refreshes.WithLabelValues(outcome).Inc()
	c.refreshTime.Observe(elapsed.Seconds())
}

// ObserveSweep records the result of a RefreshDue pass.
func (c *Collector) ObserveSweep(report *tokens.SweepReport, finished time.Time) {
	c.sweepDue.Set(float64(report.Due))
	c.sweepFailed.Set(float64(len(report.Failed)))
	c.sweepLast.Set(float64(finished.Unix()))
}

// Server serves /metrics on its own listener.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// Listen binds addr and starts serving the collector in the background.
func Listen(addr string, c *Collector, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	s := &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		ln:     ln,
		logger: logger,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("metrics endpoint listening", slog.String("addr", ln.Addr().String()))

	return s, nil
}

// Addr is the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
