// Package metrics exposes the Prometheus counters/gauges/histograms for
// the alerting pipeline, grounded on PrometheusMetrics' shape but
// retargeted from exchange-ingest gap detection onto this pipeline's own
// feed, watchlist, signal, reconciliation, and clock concerns.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PrometheusMetrics handles all Prometheus metrics for the alerting pipeline.
type PrometheusMetrics struct {
	// FeedClient.
	FeedState *prometheus.GaugeVec
	FeedReconnects *prometheus.CounterVec
	CandlesIngested *prometheus.CounterVec

	// WatchlistCurator.
	WatchlistSize prometheus.Gauge
	WatchlistChurn *prometheus.CounterVec

	// SignalEngine / AlertSink.
	AlertsEmitted *prometheus.CounterVec
	AlertSinkDropped *prometheus.CounterVec
	SinkQueueDepth prometheus.Gauge

	// ReconciliationController.
	ReconcileGapPct *prometheus.GaugeVec
	ReconcileRuns *prometheus.CounterVec

	// TimeService.
	ClockSynced *prometheus.GaugeVec
	ClockOffsetMs *prometheus.GaugeVec

	// AlertSink Notifier (Redis notification-channel publish).
	NotifyEvents *prometheus.GaugeVec
	NotifierHealthy prometheus.Gauge

	// Generic processing latency, shared across components.
	ProcessingLatency *prometheus.HistogramVec

	logger *zap.Logger
	server *http.Server
}

// New creates and registers the metrics set.
func New(logger *zap.Logger) *PrometheusMetrics {
	m := &PrometheusMetrics{
		logger: logger,

		FeedState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alerts_feed_state",
				Help: "FeedClient connection state, keyed by state name (1=current state).",
			},
			[]string{"state"},
		),
		FeedReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_feed_reconnects_total",
				Help: "Total number of FeedClient reconnect attempts.",
			},
			[]string{"reason"},
		),
		CandlesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_candles_ingested_total",
				Help: "Total number of candle events ingested from the feed.",
			},
			[]string{"symbol", "closed"},
		),

		WatchlistSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "alerts_watchlist_size",
				Help: "Current number of active watchlist symbols.",
			},
		),
		WatchlistChurn: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_watchlist_churn_total",
				Help: "Total number of symbols added/removed from the watchlist.",
			},
			[]string{"direction"},
		),

		AlertsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_emitted_total",
				Help: "Total number of alerts submitted to the AlertSink.",
			},
			[]string{"kind"},
		),
		AlertSinkDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_sink_dropped_total",
				Help: "Total number of alerts dropped due to sink queue saturation.",
			},
			[]string{"kind"},
		),
		SinkQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "alerts_sink_queue_depth",
				Help: "Current depth of the AlertSink delivery queue.",
			},
		),

		ReconcileGapPct: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alerts_reconcile_integrity_pct",
				Help: "Candle integrity percentage over the analysis window, per symbol.",
			},
			[]string{"symbol"},
		),
		ReconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_reconcile_runs_total",
				Help: "Total number of reconciliation passes, by outcome.",
			},
			[]string{"outcome"},
		),

		ClockSynced: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alerts_clock_synced",
				Help: "Whether the given TimeService offset source is synced (1) or not (0).",
			},
			[]string{"source"},
		),
		ClockOffsetMs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alerts_clock_offset_ms",
				Help: "Current trusted-UTC offset in milliseconds, by source.",
			},
			[]string{"source"},
		),

		NotifyEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alerts_notify_events_total",
				Help: "Cumulative Notifier publish outcomes, by outcome (successful/failed/throttled).",
			},
			[]string{"outcome"},
		),
		NotifierHealthy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "alerts_notifier_healthy",
				Help: "Whether the Notifier's last health check passed (1) or failed (0).",
			},
		),

		ProcessingLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "alerts_processing_latency_seconds",
				Help: "Processing latency in seconds, by component and operation.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"component", "operation"},
		),
	}

	prometheus.MustRegister(
		m.FeedState, m.FeedReconnects, m.CandlesIngested,
		m.WatchlistSize, m.WatchlistChurn,
		m.AlertsEmitted, m.AlertSinkDropped, m.SinkQueueDepth,
		m.ReconcileGapPct, m.ReconcileRuns,
		m.ClockSynced, m.ClockOffsetMs,
		m.NotifyEvents, m.NotifierHealthy,
		m.ProcessingLatency,
	)

	return m
}

// Start starts the Prometheus metrics HTTP server on port.
func (m *PrometheusMetrics) Start(port string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{Addr: ":" + port, Handler: mux}

	m.logger.Info("starting metrics server", zap.String("port", port))

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop stops the Prometheus metrics server.
func (m *PrometheusMetrics) Stop() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}

// RecordCandle records one ingested candle event.
func (m *PrometheusMetrics) RecordCandle(symbol string, closed bool) {
	state := "open"
	if closed {
		state = "closed"
	}
	m.CandlesIngested.WithLabelValues(symbol, state).Inc()
}

// SetFeedState flips the gauge for the given state to 1 and zeroes every
// other known state, so a single `alerts_feed_state == 1` row identifies
// the current state.
func (m *PrometheusMetrics) SetFeedState(states []string, current string) {
	for _, s := range states {
		if s == current {
			m.FeedState.WithLabelValues(s).Set(1)
		} else {
			m.FeedState.WithLabelValues(s).Set(0)
		}
	}
}

// RecordReconnect records one FeedClient reconnect attempt.
func (m *PrometheusMetrics) RecordReconnect(reason string) {
	m.FeedReconnects.WithLabelValues(reason).Inc()
}

// SetWatchlistSize sets the current active watchlist size.
func (m *PrometheusMetrics) SetWatchlistSize(n int) {
	m.WatchlistSize.Set(float64(n))
}

// RecordWatchlistChurn records watchlist additions/removals.
func (m *PrometheusMetrics) RecordWatchlistChurn(added, removed int) {
	m.WatchlistChurn.WithLabelValues("added").Add(float64(added))
	m.WatchlistChurn.WithLabelValues("removed").Add(float64(removed))
}

// RecordAlertEmitted records one alert submitted to the AlertSink.
func (m *PrometheusMetrics) RecordAlertEmitted(kind string) {
	m.AlertsEmitted.WithLabelValues(kind).Inc()
}

// RecordAlertDropped records one alert dropped on sink saturation.
func (m *PrometheusMetrics) RecordAlertDropped(kind string) {
	m.AlertSinkDropped.WithLabelValues(kind).Inc()
}

// SetSinkQueueDepth sets the current AlertSink queue depth.
func (m *PrometheusMetrics) SetSinkQueueDepth(depth int) {
	m.SinkQueueDepth.Set(float64(depth))
}

// SetReconcileIntegrity sets the candle integrity percentage for symbol.
func (m *PrometheusMetrics) SetReconcileIntegrity(symbol string, pct float64) {
	m.ReconcileGapPct.WithLabelValues(symbol).Set(pct)
}

// RecordReconcileRun records one reconciliation pass outcome.
func (m *PrometheusMetrics) RecordReconcileRun(outcome string) {
	m.ReconcileRuns.WithLabelValues(outcome).Inc()
}

// SetClockStatus records whether a TimeService source is synced and its
// current offset.
func (m *PrometheusMetrics) SetClockStatus(source string, synced bool, offsetMs float64) {
	if synced {
		m.ClockSynced.WithLabelValues(source).Set(1)
	} else {
		m.ClockSynced.WithLabelValues(source).Set(0)
	}
	m.ClockOffsetMs.WithLabelValues(source).Set(offsetMs)
}

// SetNotifyEvents mirrors the Notifier's cumulative publish counters into
// the registry as a point-in-time snapshot.
func (m *PrometheusMetrics) SetNotifyEvents(successful, failed, throttled int64) {
	m.NotifyEvents.WithLabelValues("successful").Set(float64(successful))
	m.NotifyEvents.WithLabelValues("failed").Set(float64(failed))
	m.NotifyEvents.WithLabelValues("throttled").Set(float64(throttled))
}

// SetNotifierHealthy records the Notifier's most recent health check.
func (m *PrometheusMetrics) SetNotifierHealthy(healthy bool) {
	if healthy {
		m.NotifierHealthy.Set(1)
	} else {
		m.NotifierHealthy.Set(0)
	}
}

// RecordLatency records a processing duration for component/operation.
func (m *PrometheusMetrics) RecordLatency(component, operation string, d time.Duration) {
	m.ProcessingLatency.WithLabelValues(component, operation).Observe(d.Seconds())
}
