// Command alerts-engine wires the system together: TimeService, CandleStore,
// FeedClient, HistoricalBackfiller, WatchlistCurator, ImbalanceAnalyzer,
// SignalEngine, ReconciliationController, and AlertSink, grounded on the
// P9MicroStream struct-of-components / supervised-worker startup idiom but
// rebuilt around this pipeline's own dependency graph.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/fotonphotos/microstream-alerts/internal/alert"
	"github.com/fotonphotos/microstream-alerts/internal/backfill"
	"github.com/fotonphotos/microstream-alerts/internal/candle"
	"github.com/fotonphotos/microstream-alerts/internal/clock"
	"github.com/fotonphotos/microstream-alerts/internal/config"
	"github.com/fotonphotos/microstream-alerts/internal/imbalance"
	"github.com/fotonphotos/microstream-alerts/internal/metrics"
	"github.com/fotonphotos/microstream-alerts/internal/orderbook"
	"github.com/fotonphotos/microstream-alerts/internal/publisher"
	"github.com/fotonphotos/microstream-alerts/internal/reconcile"
	sigeng "github.com/fotonphotos/microstream-alerts/internal/signal"
	"github.com/fotonphotos/microstream-alerts/internal/sink"
	"github.com/fotonphotos/microstream-alerts/internal/supervisor"
	"github.com/fotonphotos/microstream-alerts/internal/watchlist"
	"github.com/fotonphotos/microstream-alerts/pkg/broadcaster"
	"github.com/fotonphotos/microstream-alerts/pkg/bybit"
)

var (
	configPath string
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use: "alerts-engine",
		Short: "Real-time market-microstructure alerting engine for Bybit USDT perpetuals",
		RunE: run,
	}
	root.Flags().StringVar(&configPath, "config", "configs/config.yaml", "path to the YAML config file")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger(logLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	loader := config.NewLoader(configPath, logger)
	if err := loader.Load(); err != nil {
		logger.Warn("initial config load failed, using defaults", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, loader.Current().Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	candleStore := candle.NewPGStore(pool, logger)
	if err := candleStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure candle schema: %w", err)
	}

	alertStore := alert.NewPGStore(pool, logger)
	if err := alertStore.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure alert schema: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", loader.Current().Redis.Host, loader.Current().Redis.Port),
		Password: loader.Current().Redis.Password,
		DB: loader.Current().Redis.DB,
		PoolSize: loader.Current().Redis.PoolSize,
	})
	defer redisClient.Close()
	notifier := publisher.NewRedisPublisher(redisClient, logger)
	defer notifier.Close()
	notifier.SetThrottleLimit(loader.Current().NotifyMaxPerSecond)

	bus := broadcaster.NewBroadcaster(logger)
	go bus.Run()

	metricsReg := metrics.New(logger)
	if loader.Current().Metrics.Enabled {
		if err := metricsReg.Start(fmt.Sprintf("%d", loader.Current().Metrics.Port)); err != nil {
			logger.Warn("metrics server failed to start", zap.Error(err))
		}
	}

	timeService := clock.New(
		logger,
		clock.NewHTTPDateSource("https://www.cloudflare.com"),
		clock.NewExchangeTimeSource(loader.Current().Bybit.RestURL),
		time.Hour,
		5*time.Minute,
	)

	rest := bybit.NewRESTClient(loader.Current().Bybit.RestURL, rate.NewLimiter(rate.Limit(5), 10), logger)
	feed := bybit.NewClient(loader.Current().Bybit.WebSocketURL, logger)
	backfiller := backfill.New(rest, candleStore, logger)
	imbalancer := imbalance.New()
	obCollab := orderbook.New(rest, logger)

	alertSink := sink.New(alertStore, bus, notifier, timeService.IsSynced, timeService.NowMs, logger)

	signalSettings := func() sigeng.Settings { return toSignalSettings(loader.Current()) }
	engine := sigeng.New(candleStore, imbalancer, obCollab, meteredSubmitter{alertSink, metricsReg}, timeService.NowMs, signalSettings, logger)

	progress := progressPublisher{bus: bus}
	reconciler := reconcile.New(candleStore, backfiller, progress, logger)

	history := watchlist.RESTHistoricalPriceSource{Rest: rest, NowMs: timeService.NowMs}
	curator := watchlist.New(rest, history, logger)
	curator.OnPairsChanged(func(added, removed []string) {
		metricsReg.RecordWatchlistChurn(len(added), len(removed))
		if len(added) > 0 {
			feed.Subscribe(added)
			w := reconcileWindow(loader.Current(), timeService.NowMs())
			for _, symbol := range added {
				symbol := symbol
				go func() {
					if err := reconciler.ReconcileSymbol(ctx, symbol, w); err != nil {
						logger.Warn("reconciliation failed for newly added symbol", zap.String("symbol", symbol), zap.Error(err))
					}
				}()
			}
		}
		if len(removed) > 0 {
			feed.Unsubscribe(removed)
		}
		metricsReg.SetWatchlistSize(len(curator.Symbols()))
	})

	prevWindowCfg := loader.Current()
	loader.OnChange(func(cfg *config.Config) {
		timeService.SetSyncMethod(clock.SyncAuto)
		notifier.SetThrottleLimit(cfg.NotifyMaxPerSecond)
		logger.Info("config hot-reloaded, new settings take effect on next candle", zap.Float64("volume_multiplier", cfg.VolumeMultiplier))
		if cfg.AnalysisHours != prevWindowCfg.AnalysisHours || cfg.OffsetMinutes != prevWindowCfg.OffsetMinutes {
			go reconciler.ReconcileAll(ctx, curator.Symbols(), reconcileWindow(cfg, timeService.NowMs()))
		}
		prevWindowCfg = cfg
	})

	logger.Info("running initial watchlist curation")
	if err := curator.Update(ctx, toWatchlistSettings(loader.Current()), timeService.NowMs()); err != nil {
		logger.Warn("initial watchlist update failed", zap.Error(err))
	}
	metricsReg.SetWatchlistSize(len(curator.Symbols()))

	initialWindow := reconcileWindow(loader.Current(), timeService.NowMs())
	reconciler.ReconcileAll(ctx, curator.Symbols(), initialWindow)
	feed.Subscribe(curator.Symbols())

	sup := supervisor.NewSupervisor(logger)
	registerWorker(sup, "time-service", timeService.Run)
	registerWorker(sup, "feed-client", feed.Run)
	registerWorker(sup, "watchlist-curator", func(ctx context.Context) error {
		return curator.Run(ctx, func() watchlist.Settings { return toWatchlistSettings(loader.Current()) }, timeService.NowMs)
	})
	registerWorker(sup, "backfill-scan", func(ctx context.Context) error {
		return backfiller.Run(ctx, curator.Symbols, func() (int64, int64) {
			w := reconcileWindow(loader.Current(), timeService.NowMs())
			return w.StartMs, w.EndMs
		})
	})
	registerWorker(sup, "retention", func(ctx context.Context) error {
		return candle.RetentionLoop(ctx, candleStore, curator.Symbols, func() int { return loader.Current().EffectiveRetentionHours() }, timeService.NowMs, logger)
	})
	registerWorker(sup, "alert-sink", alertSink.Run)
	registerWorker(sup, "notifier-health", func(ctx context.Context) error {
		return pollNotifierHealth(ctx, notifier, metricsReg, 30*time.Second)
	})
	registerWorker(sup, "config-watch", func(ctx context.Context) error {
		stop := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(stop)
		}()
		return loader.Watch(stop)
	})
	registerWorker(sup, "candle-consumer", func(ctx context.Context) error {
		return consumeFeed(ctx, feed, candleStore, engine, metricsReg, logger)
	})

	if err := sup.Start(); err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	srv := startHTTPServer(loader.Current().Server.Addr, bus, logger)

	logger.Info("alerts-engine started", zap.String("config", configPath))

	waitForShutdown()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	cancel()
	sup.Stop()
	engine.Wait()
	metricsReg.Stop()

	logger.Info("alerts-engine stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

func registerWorker(sup *supervisor.Supervisor, name string, fn supervisor.WorkerFunc) {
	_ = sup.AddWorker(supervisor.WorkerConfig{
		Name: name,
		MaxRetries: 0,
		InitialBackoff: time.Second,
		MaxBackoff: time.Minute,
		BackoffFactor: 2.0,
	}, fn)
}

// consumeFeed drains the FeedClient's normalized candle events, persists
// every bar, and forwards it to the SignalEngine's
// "candle persistence happens before signal evaluation" ordering.
func consumeFeed(ctx context.Context, feed *bybit.Client, store candle.Store, engine *sigeng.Engine, m *metrics.PrometheusMetrics, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-feed.Events():
			m.RecordCandle(evt.Symbol, evt.IsClosed)
			if err := store.Upsert(ctx, evt.Candle); err != nil {
				logger.Warn("candle upsert failed", zap.String("symbol", evt.Symbol), zap.Error(err))
				continue
			}
			engine.OnCandle(ctx, evt.Symbol, evt.Candle, evt.IsClosed)
		}
	}
}

// pollNotifierHealth periodically samples the Notifier's cumulative publish
// counters and health check into the metrics registry, turning its
// dashboard-facing GetMetrics()/Health() surface into a supervised worker.
func pollNotifierHealth(ctx context.Context, notifier *publisher.RedisPublisher, m *metrics.PrometheusMetrics, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats := notifier.GetMetrics()
			m.SetNotifyEvents(stats.SuccessfulEvents, stats.FailedEvents, stats.ThrottledEvents)
			m.SetNotifierHealthy(notifier.Health())
		}
	}
}

func startHTTPServer(addr string, bus *broadcaster.Broadcaster, logger *zap.Logger) *http.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
		EnableCompression: true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", zap.Error(err))
			return
		}
		bus.Register(conn)
		defer bus.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("client-bus server error", zap.Error(err))
		}
	}()
	logger.Info("client-bus server listening", zap.String("addr", addr))
	return srv
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// toSignalSettings projects the hot-reloadable Config onto the
// SignalEngine's narrower Settings view.
func toSignalSettings(cfg *config.Config) sigeng.Settings {
	return sigeng.Settings{
		AnalysisHours: cfg.AnalysisHours,
		OffsetMinutes: cfg.OffsetMinutes,
		VolumeMultiplier: cfg.VolumeMultiplier,
		MinVolumeUsdt: decimal.NewFromFloat(cfg.MinVolumeUsdt),
		ConsecutiveLongCount: cfg.ConsecutiveLongCount,
		AlertGroupingMinutes: cfg.AlertGroupingMinutes,
		VolumeType: candle.VolumeType(cfg.VolumeType),

		VolumeEnabled: cfg.VolumeEnabled,
		ConsecutiveEnabled: cfg.ConsecutiveEnabled,
		PriorityEnabled: cfg.PriorityEnabled,
		ImbalanceEnabled: cfg.ImbalanceEnabled,
		OrderbookSnapshotOnAlert: cfg.OrderbookSnapshotOnAlert,

		ImbalanceSettings: imbalance.Settings{
			MinGapPercentage: cfg.MinGapPercentage,
			MinStrength: cfg.MinStrength,
			FairValueGapEnabled: cfg.FvgEnabled,
			OrderBlockEnabled: cfg.ObEnabled,
			BreakerBlockEnabled: cfg.BbEnabled,
		},
	}
}

func toWatchlistSettings(cfg *config.Config) watchlist.Settings {
	return watchlist.Settings{
		PriceHistoryDays: cfg.PriceHistoryDays,
		PriceDropPercentage: cfg.PriceDropPercentage,
		PairsCheckIntervalMinutes: cfg.PairsCheckIntervalMinutes,
		WatchlistAutoUpdate: cfg.WatchlistAutoUpdate,
	}
}

// reconcileWindow computes the required analysis window:
// end = floor(now, 1 min) - offsetMinutes, start = end - analysisHours.
func reconcileWindow(cfg *config.Config, nowMs int64) reconcile.Window {
	end := clock.AlignDownToMinute(nowMs) - int64(cfg.OffsetMinutes)*60_000
	start := end - int64(cfg.AnalysisHours)*3_600_000
	return reconcile.Window{StartMs: start, EndMs: end}
}

// progressPublisher adapts the client-bus Broadcaster to ProgressSink,
// wrapping each reconciliation milestone in a flat JSON object tagged by
// `type`, the same discriminator field the sink's alert envelope carries.
type progressPublisher struct {
	bus *broadcaster.Broadcaster
}

func (p progressPublisher) Publish(event string, payload map[string]interface{}) {
	envelope := map[string]interface{}{"type": event}
	for k, v := range payload {
		envelope[k] = v
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	p.bus.Broadcast(data)
}

// meteredSubmitter wraps the AlertSink so every submission is reflected in
// the alerts_emitted_total counter without SignalEngine depending on the
// metrics package directly.
type meteredSubmitter struct {
	sink *sink.Sink
	m *metrics.PrometheusMetrics
}

func (m meteredSubmitter) Submit(a alert.Alert) {
	m.m.RecordAlertEmitted(string(a.Kind))
	m.sink.Submit(a)
}
