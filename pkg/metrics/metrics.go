// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds every collector the gateway records into. One value
// is created at startup and shared by reference.
type Metrics struct {
	registry *prometheus.Registry
	logger   *logrus.Logger

	SIPRequestsTotal  *prometheus.CounterVec
	SIPResponsesTotal *prometheus.CounterVec
	MalformedMessages prometheus.Counter

	RegistrationState    prometheus.Gauge
	RegistrationAttempts *prometheus.CounterVec
	KeepalivesSent       prometheus.Counter

	CatalogQueriesTotal *prometheus.CounterVec
	CatalogItemsSent    prometheus.Counter
	CatalogTruncations  prometheus.Counter

	SessionsActive    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	SessionRecoveries *prometheus.CounterVec
	SessionDuration   prometheus.Histogram

	RTPPacketsForwarded prometheus.Counter
	RTPBytesForwarded   prometheus.Counter
}

// New builds and registers all collectors on a fresh registry.
func New(logger *logrus.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	m.SIPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gb28181_sip_requests_total",
		Help: "Inbound SIP requests by method",
	}, []string{"method"})

	m.SIPResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gb28181_sip_responses_total",
		Help: "Outbound SIP responses by status class",
	}, []string{"status"})

	m.MalformedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gb28181_malformed_messages_total",
		Help: "Messages dropped by the parser",
	})

	m.RegistrationState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gb28181_registered",
		Help: "1 while the platform registration is confirmed",
	})

	m.RegistrationAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gb28181_registration_attempts_total",
		Help: "REGISTER transactions by outcome",
	}, []string{"outcome"})

	m.KeepalivesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gb28181_keepalives_sent_total",
		Help: "MANSCDP keepalive notifies sent",
	})

	m.CatalogQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gb28181_catalog_queries_total",
		Help: "Catalog queries by outcome",
	}, []string{"outcome"})

	m.CatalogItemsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gb28181_catalog_items_sent_total",
		Help: "Catalog items included in responses",
	})

	m.CatalogTruncations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gb28181_catalog_truncations_total",
		Help: "Catalog responses truncated to fit the datagram budget",
	})

	m.SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gb28181_sessions_active",
		Help: "Stream sessions currently running",
	})

	m.SessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gb28181_sessions_total",
		Help: "Stream sessions by kind",
	}, []string{"kind"})

	m.SessionRecoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gb28181_session_recoveries_total",
		Help: "Stream recovery attempts by outcome",
	}, []string{"outcome"})

	m.SessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gb28181_session_duration_seconds",
		Help:    "Lifetime of ended stream sessions",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	m.RTPPacketsForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gb28181_rtp_packets_forwarded_total",
		Help: "RTP packets relayed to platforms",
	})

	m.RTPBytesForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gb28181_rtp_bytes_forwarded_total",
		Help: "RTP bytes relayed to platforms",
	})

	m.registry.MustRegister(
		m.SIPRequestsTotal, m.SIPResponsesTotal, m.MalformedMessages,
		m.RegistrationState, m.RegistrationAttempts, m.KeepalivesSent,
		m.CatalogQueriesTotal, m.CatalogItemsSent, m.CatalogTruncations,
		m.SessionsActive, m.SessionsTotal, m.SessionRecoveries, m.SessionDuration,
		m.RTPPacketsForwarded, m.RTPBytesForwarded,
	)
	return m
}

// RecordResponse buckets an outbound status code (e.g. "4xx").
func (m *Metrics) RecordResponse(statusCode int) {
	m.SIPResponsesTotal.WithLabelValues(strconv.Itoa(statusCode/100) + "xx").Inc()
}

// Serve exposes /metrics on the given port until the server fails.
// It is intended to run in its own goroutine.
func (m *Metrics) Serve(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	m.logger.WithField("port", port).Info("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		m.logger.WithError(err).Error("Metrics endpoint failed")
	}
}

// Handler returns the scrape handler for embedding in another mux.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
