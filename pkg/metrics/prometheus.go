package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

type MetricsCollector struct {
	registry           *prometheus.Registry
	collections        *prometheus.CounterVec
	credited           prometheus.Counter
	collectDuration    prometheus.Histogram
	deviceMismatches   *prometheus.CounterVec
	suspiciousVerdicts prometheus.Counter
	mismatchWindow     prometheus.Histogram
	riskScore          prometheus.Histogram
	holdingsExpired    prometheus.Counter
	accountBalance     *prometheus.GaugeVec
	logger             *slog.Logger
}

func NewMetricsCollector(logger *slog.Logger) *MetricsCollector {
	if logger == nil {
		logger = slog.Default()
	}

	registry := prometheus.NewRegistry()

	collector := &MetricsCollector{
		registry: registry,
		collections: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "economy_collections_total",
			Help: "Collect attempts by result status",
		}, []string{"status"}),
		credited: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "economy_credited_total",
			Help: "Total currency credited by authoritative collections",
		}),
		collectDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "economy_collect_duration_seconds",
			Help:    "Time taken by a collect_earnings round trip",
			Buckets: prometheus.DefBuckets,
		}),
		deviceMismatches: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "economy_device_mismatches_total",
			Help: "Device fingerprint mismatches by where they were seen and what was done",
		}, []string{"source", "action"}),
		suspiciousVerdicts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "economy_suspicious_verdicts_total",
			Help: "Suspicion checks that crossed the mismatch threshold",
		}),
		mismatchWindow: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "economy_window_mismatch_count",
			Help:    "Mismatch count inside the suspicion window per check",
			Buckets: []float64{0, 1, 2, 3, 4, 6, 10},
		}),
		riskScore: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "economy_device_risk_score",
			Help:    "Advisory device risk score per suspicion check",
			Buckets: []float64{0, 25, 40, 55, 70, 85, 100},
		}),
		holdingsExpired: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "economy_holdings_expired_total",
			Help: "Holdings moved to expired by the lifecycle sweep",
		}),
		accountBalance: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "economy_account_balance",
			Help: "Balance reported by the last collection",
		}, []string{"account_id"}),
		logger: logger,
	}

	return collector
}

// ObserveCollect records one coordinator attempt.
func (m *MetricsCollector) ObserveCollect(status string, duration time.Duration) {
	m.collections.WithLabelValues(status).Inc()
	m.collectDuration.Observe(duration.Seconds())
}

// Credited and DeviceMismatch are called by the stores after a collect
// transaction settles.
func (m *MetricsCollector) Credited(accountID string, amount decimal.Decimal) {
	m.credited.Add(amount.InexactFloat64())
}

func (m *MetricsCollector) DeviceMismatch(accountID string, rejected bool) {
	action := "flagged"
	if rejected {
		action = "rejected"
	}
	m.deviceMismatches.WithLabelValues("store", action).Inc()
	m.logger.Warn("Store saw device mismatch",
		slog.String("account_id", accountID),
		slog.String("action", action))
}

func (m *MetricsCollector) ObserveMismatch(accountID string) {
	m.deviceMismatches.WithLabelValues("client", "recorded").Inc()
}

func (m *MetricsCollector) ObserveSuspicion(accountID string, mismatchCount, riskScore int, suspicious bool) {
	m.mismatchWindow.Observe(float64(mismatchCount))
	m.riskScore.Observe(float64(riskScore))
	if suspicious {
		m.suspiciousVerdicts.Inc()
	}
}

func (m *MetricsCollector) RecordExpired(n int) {
	m.holdingsExpired.Add(float64(n))
}

func (m *MetricsCollector) UpdateAccountBalance(accountID string, balance decimal.Decimal) {
	m.accountBalance.WithLabelValues(accountID).Set(balance.InexactFloat64())
}

func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile dumps the registry in the text exposition format, for
// short-lived processes scraped through a node_exporter textfile directory.
func (m *MetricsCollector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

func (m *MetricsCollector) GetHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsCollector) StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.GetHandler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		m.logger.Info("Starting metrics server", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server failed", slog.String("error", err.Error()))
		}
	}()

	return server
}

func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	m.logger.Info("Metrics collector shutdown complete")
	return nil
}
