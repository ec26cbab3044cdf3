// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Metrics exported in Prometheus format.

package hemi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const metricsNamespace = "webrox"

// stageMetrics holds the collectors of a stage. Each stage has its own registry.
type stageMetrics struct {
	registry          *prometheus.Registry
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	parseErrors       *prometheus.CounterVec
	cgiProcesses      *prometheus.CounterVec
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
}

func newStageMetrics() *stageMetrics {
	m := new(stageMetrics)
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(m.registry)
	m.requests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of requests answered, by webapp and status",
		},
		[]string{"webapp", "status"},
	)
	m.requestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time spent handling requests, by webapp",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"webapp"},
	)
	m.parseErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "parse_errors_total",
			Help:      "Total number of rejected requests, by status",
		},
		[]string{"status"},
	)
	m.cgiProcesses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cgi",
			Name:      "processes_total",
			Help:      "Total number of cgi executions, by outcome",
		},
		[]string{"outcome"},
	)
	m.connectionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "connections_active",
			Help:      "Number of open client connections",
		},
	)
	m.connectionsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "connections_total",
			Help:      "Total number of accepted client connections",
		},
	)
	return m
}

func (m *stageMetrics) observeRequest(webapp string, status int16, elapsed time.Duration) {
	m.requests.WithLabelValues(webapp, strconv.Itoa(int(status))).Inc()
	m.requestDuration.WithLabelValues(webapp).Observe(elapsed.Seconds())
}
func (m *stageMetrics) observeParseError(status int16) {
	m.parseErrors.WithLabelValues(strconv.Itoa(int(status))).Inc()
}
func (m *stageMetrics) observeCGI(outcome string) {
	m.cgiProcesses.WithLabelValues(outcome).Inc()
}
func (m *stageMetrics) connOpened() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}
func (m *stageMetrics) connClosed() { m.connectionsActive.Dec() }

// metricsServer exposes the registry of a stage on its own listener.
type metricsServer struct {
	address  string
	logger   zerolog.Logger
	listener net.Listener
	server   *http.Server
}

func newMetricsServer(address string, metrics *stageMetrics, logger zerolog.Logger) *metricsServer {
	s := new(metricsServer)
	s.address = address
	s.logger = logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry}))
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *metricsServer) listen() (err error) {
	s.listener, err = net.Listen("tcp", s.address)
	return err
}

func (s *metricsServer) serve() error { // runner
	s.logger.Info().Str("address", s.listener.Addr().String()).Msg("metrics listening")
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *metricsServer) shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
func (s *metricsServer) close() error { return s.server.Close() }
