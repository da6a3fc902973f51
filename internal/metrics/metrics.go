// Package metrics provides metrics collection for the runtime API proxy.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector collects proxy metrics. A nil *Collector discards everything.
type Collector struct {
	registry *prometheus.Registry

	proxiedRequests     *prometheus.CounterVec
	upstreamFailures    *prometheus.CounterVec
	nextRetries         prometheus.Counter
	rejectedInvocations *prometheus.CounterVec
	invocationDuration  prometheus.Histogram
	lifecyclePolls      *prometheus.CounterVec
	initDuration        *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a new metrics collector.
func NewCollector(logger *zap.Logger) *Collector {
	registry := prometheus.NewRegistry()

	// Requests routed through the proxy, by handler and upstream status
	proxiedRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lrap_proxied_requests_total",
			Help: "Total requests proxied to the Runtime API",
		},
		[]string{"route", "method", "code"},
	)

	upstreamFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lrap_upstream_failures_total",
			Help: "Total transport failures reaching the Runtime API",
		},
		[]string{"route"},
	)

	nextRetries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lrap_next_retries_total",
			Help: "Total next-invocation fetches retried after a transport failure",
		},
	)

	rejectedInvocations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lrap_rejected_invocations_total",
			Help: "Total invocations dropped by validation",
		},
		[]string{"error_type"},
	)

	// Time the application spent on one invocation (in milliseconds)
	invocationDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lrap_invocation_duration_ms",
			Help:    "Application processing time per invocation in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1ms to ~16s
		},
	)

	lifecyclePolls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lrap_lifecycle_polls_total",
			Help: "Total Extensions API next-event polls",
		},
		[]string{"result"},
	)

	// Startup phases (extension init, app init) in microseconds
	initDuration := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lrap_init_duration_us",
			Help: "Initialization phase duration in microseconds",
		},
		[]string{"phase"},
	)

	registry.MustRegister(proxiedRequests)
	registry.MustRegister(upstreamFailures)
	registry.MustRegister(nextRetries)
	registry.MustRegister(rejectedInvocations)
	registry.MustRegister(invocationDuration)
	registry.MustRegister(lifecyclePolls)
	registry.MustRegister(initDuration)

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Collector{
		registry:            registry,
		proxiedRequests:     proxiedRequests,
		upstreamFailures:    upstreamFailures,
		nextRetries:         nextRetries,
		rejectedInvocations: rejectedInvocations,
		invocationDuration:  invocationDuration,
		lifecyclePolls:      lifecyclePolls,
		initDuration:        initDuration,
		logger:              logger,
	}
}

// RecordProxied records a request answered by the Runtime API.
func (c *Collector) RecordProxied(route, method string, code int) {
	if c == nil {
		return
	}
	c.proxiedRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
}

// RecordUpstreamFailure records a transport failure reaching the Runtime API.
func (c *Collector) RecordUpstreamFailure(route string) {
	if c == nil {
		return
	}
	c.upstreamFailures.WithLabelValues(route).Inc()
}

// RecordNextRetry records a retried next-invocation fetch.
func (c *Collector) RecordNextRetry() {
	if c == nil {
		return
	}
	c.nextRetries.Inc()
}

// RecordRejected records an invocation dropped by validation.
func (c *Collector) RecordRejected(errorType string) {
	if c == nil {
		return
	}
	c.rejectedInvocations.WithLabelValues(errorType).Inc()
}

// RecordInvocation records the application's processing time for one event.
func (c *Collector) RecordInvocation(d time.Duration) {
	if c == nil {
		return
	}
	c.invocationDuration.Observe(float64(d.Microseconds()) / 1000)
}

// RecordLifecyclePoll records the outcome of one lifecycle poll.
func (c *Collector) RecordLifecyclePoll(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.lifecyclePolls.WithLabelValues(result).Inc()
}

// SetInitDuration records the duration of a startup phase.
func (c *Collector) SetInitDuration(phase string, d time.Duration) {
	if c == nil {
		return
	}
	c.initDuration.WithLabelValues(phase).Set(float64(d.Microseconds()))
}

// Handler returns the HTTP handler for the Prometheus metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	c.logger.Info("Starting metrics server", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
