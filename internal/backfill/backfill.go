// Package backfill implements the HistoricalBackfiller: fills missing
// minutes into the CandleStore over REST, paged in 24-hour chunks,
// grounded on historical_data_fetcher.go's request/parse shape but
// narrowed to Bybit's linear-perpetual kline endpoint.
package backfill

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fotonphotos/microstream-alerts/internal/candle"
	"github.com/fotonphotos/microstream-alerts/pkg/bybit"
)

const (
	chunkDuration = 24 * time.Hour
	chunkPause = 100 * time.Millisecond
	symbolPause = 500 * time.Millisecond
	klinePageLimit = 1000
	minGapThreshold = 90.0 // integrity percent below which the periodic scan triggers a load
)

// Backfiller is the HistoricalBackfiller.
type Backfiller struct {
	rest *bybit.RESTClient
	store candle.Store
	logger *zap.Logger
}

// New builds a Backfiller against rest and store.
func New(rest *bybit.RESTClient, store candle.Store, logger *zap.Logger) *Backfiller {
	return &Backfiller{rest: rest, store: store, logger: logger}
}

// LoadRange pages [fromMs, toMs) in 24h chunks, upserting every returned bar.
// Idempotent: re-running over an already-filled range only overwrites with
// equivalent values (candle.Store.Upsert is itself idempotent per symbol+
// startMs).
func (b *Backfiller) LoadRange(ctx context.Context, symbol string, fromMs, toMs int64) error {
	for chunkStart := fromMs; chunkStart < toMs; chunkStart += int64(chunkDuration.Milliseconds()) {
		chunkEnd := chunkStart + int64(chunkDuration.Milliseconds())
		if chunkEnd > toMs {
			chunkEnd = toMs
		}

		candles, err := b.rest.GetKline(ctx, symbol, chunkStart, chunkEnd, klinePageLimit)
		if err != nil {
			b.logger.Warn("backfill chunk fetch failed", zap.String("symbol", symbol),
				zap.Int64("chunk_start", chunkStart), zap.Error(err))
			return err
		}

		for _, c := range candles {
			if c.StartMs < chunkStart || c.StartMs >= chunkEnd {
				continue
			}
			if err := b.store.Upsert(ctx, c); err != nil {
				b.logger.Warn("backfill upsert failed", zap.String("symbol", symbol),
					zap.Int64("start_ms", c.StartMs), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(chunkPause):
		}
	}
	return nil
}

// ScanAndLoad is the low-priority periodic task: for every
// watchlist symbol, checks integrity over [fromMs, toMs) and triggers a load
// whenever it falls below minGapThreshold percent.
func (b *Backfiller) ScanAndLoad(ctx context.Context, symbols []string, fromMs, toMs int64) {
	for _, symbol := range symbols {
		report, err := b.store.CheckIntegrity(ctx, symbol, fromMs, toMs)
		if err != nil {
			b.logger.Warn("integrity check failed during scan", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if report.Pct < minGapThreshold {
			if err := b.LoadRange(ctx, symbol, fromMs, toMs); err != nil {
				b.logger.Warn("scan-triggered backfill failed", zap.String("symbol", symbol), zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(symbolPause):
		}
	}
}

// Run drives ScanAndLoad on a fixed tick until ctx is cancelled. Intended to
// be supervised like any other long-running task.
func (b *Backfiller) Run(ctx context.Context, symbols func() []string, window func() (fromMs, toMs int64)) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fromMs, toMs := window()
			b.ScanAndLoad(ctx, symbols(), fromMs, toMs)
		}
	}
}
