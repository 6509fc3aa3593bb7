// Package reconcile implements the ReconciliationController: aligns the
// CandleStore to the required analysis window by deleting candles outside
// it and backfilling gaps inside it.
package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fotonphotos/microstream-alerts/internal/candle"
)

// Backfiller is the dependency: load a missing range.
type Backfiller interface {
	LoadRange(ctx context.Context, symbol string, fromMs, toMs int64) error
}

// ProgressSink receives the client-bus progress events
// step 5 (startup_data_check_progress / _completed).
type ProgressSink interface {
	Publish(event string, payload map[string]interface{})
}

// Controller is the ReconciliationController.
type Controller struct {
	store candle.Store
	backfiller Backfiller
	progress ProgressSink
	logger *zap.Logger

	group singleflight.Group
}

// New builds a Controller.
func New(store candle.Store, backfiller Backfiller, progress ProgressSink, logger *zap.Logger) *Controller {
	return &Controller{store: store, backfiller: backfiller, progress: progress, logger: logger}
}

// Window is the required analysis window: end = floor(now,
// 1 min) - offsetMinutes, start = end - analysisHours.
type Window struct {
	StartMs int64
	EndMs int64
}

// ReconcileSymbol runs one symbol's reconciliation, serialised per-symbol
// via singleflight so concurrent triggers (startup + setting change) for
// the same symbol collapse into a single pass.
func (c *Controller) ReconcileSymbol(ctx context.Context, symbol string, w Window) error {
	key := symbol
	_, err, _ := c.group.Do(key, func() (interface{}, error) {
		return nil, c.reconcileOne(ctx, symbol, w)
	})
	return err
}

func (c *Controller) reconcileOne(ctx context.Context, symbol string, w Window) error {
	if c.progress != nil {
		c.progress.Publish("startup_data_check_progress", map[string]interface{}{"symbol": symbol})
	}

	minMs, maxMs, count, err := c.store.TimeRange(ctx, symbol)
	if err != nil {
		return fmt.Errorf("reconcile %s: time range: %w", symbol, err)
	}

	if count > 0 && minMs < w.StartMs {
		if err := c.store.DeleteBefore(ctx, symbol, w.StartMs); err != nil {
			return fmt.Errorf("reconcile %s: delete before: %w", symbol, err)
		}
	}
	if count > 0 && maxMs >= w.EndMs {
		if err := c.store.DeleteFrom(ctx, symbol, w.EndMs); err != nil {
			return fmt.Errorf("reconcile %s: delete from: %w", symbol, err)
		}
	}

	report, err := c.store.CheckIntegrity(ctx, symbol, w.StartMs, w.EndMs)
	if err != nil {
		return fmt.Errorf("reconcile %s: check integrity: %w", symbol, err)
	}
	if report.Missing > 0 {
		if err := c.backfiller.LoadRange(ctx, symbol, w.StartMs, w.EndMs); err != nil {
			c.logger.Warn("reconcile backfill failed", zap.String("symbol", symbol), zap.Error(err))
			if c.progress != nil {
				c.progress.Publish("startup_data_check_error", map[string]interface{}{"symbol": symbol, "error": err.Error()})
			}
			return nil
		}
	}

	if c.progress != nil {
		c.progress.Publish("startup_data_check_completed", map[string]interface{}{"symbol": symbol})
	}
	return nil
}

// ReconcileAll runs ReconcileSymbol for every symbol in symbols, logging
// (not failing) per-symbol errors so one bad symbol doesn't block the rest.
func (c *Controller) ReconcileAll(ctx context.Context, symbols []string, w Window) {
	for _, symbol := range symbols {
		if err := c.ReconcileSymbol(ctx, symbol, w); err != nil {
			c.logger.Warn("reconciliation failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}
