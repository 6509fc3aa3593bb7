// Package watchlist implements the WatchlistCurator: periodic price-drop
// scoring over every perpetual pair, admitting/evicting symbols, ported in
// meaning from filter/filter_price.py.
package watchlist

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fotonphotos/microstream-alerts/pkg/bybit"
)

const batchSize = 10

// Entry is a WatchlistEntry
type Entry struct {
	Symbol string
	PriceDropPct float64
	CurrentPrice decimal.Decimal
	HistoricalPrice decimal.Decimal
	Active bool
	AddedAt int64
	UpdatedAt int64
}

// Settings mirrors the thresholds
type Settings struct {
	PriceHistoryDays int
	PriceDropPercentage float64
	PairsCheckIntervalMinutes int
	WatchlistAutoUpdate bool
}

// PriceStatistics is the filter_price.py projection (get_price_statistics):
// min/max/average drop percentage across the active watchlist.
type PriceStatistics struct {
	TotalPairs int
	AverageDrop float64
	MaxDrop float64
	MinDrop float64
}

// HistoricalPriceSource resolves the priceHistoryDays-ago daily close for a
// symbol; satisfied in production by a thin wrapper over the backfiller's
// REST client against daily klines.
type HistoricalPriceSource interface {
	HistoricalClose(ctx context.Context, symbol string, daysAgo int) (decimal.Decimal, error)
}

// RESTHistoricalPriceSource adapts bybit.RESTClient.GetDailyClose to
// HistoricalPriceSource.
type RESTHistoricalPriceSource struct {
	Rest *bybit.RESTClient
	NowMs func() int64
}

func (r RESTHistoricalPriceSource) HistoricalClose(ctx context.Context, symbol string, daysAgo int) (decimal.Decimal, error) {
	return r.Rest.GetDailyClose(ctx, symbol, daysAgo, r.NowMs())
}

// Curator is the WatchlistCurator.
type Curator struct {
	rest *bybit.RESTClient
	history HistoricalPriceSource
	logger *zap.Logger

	mu sync.RWMutex
	entries map[string]Entry

	onPairsChanged func(added, removed []string)
}

// New builds a Curator against rest (instruments/tickers) and history (daily
// close lookups).
func New(rest *bybit.RESTClient, history HistoricalPriceSource, logger *zap.Logger) *Curator {
	return &Curator{
		rest: rest,
		history: history,
		logger: logger,
		entries: make(map[string]Entry),
	}
}

// OnPairsChanged registers the callback invoked after every update cycle
// with the symbols added and removed. Drives feed subscribe/unsubscribe
// and reconciliation for newly added symbols.
func (c *Curator) OnPairsChanged(fn func(added, removed []string)) {
	c.onPairsChanged = fn
}

// Symbols returns the currently active watchlist symbols.
func (c *Curator) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for s, e := range c.entries {
		if e.Active {
			out = append(out, s)
		}
	}
	return out
}

// GetPriceStatistics projects the current watchlist's drop distribution, a
// read-only operator-dashboard view ported from filter_price.py's
// get_price_statistics (dropped by the distillation, supplemented here).
func (c *Curator) GetPriceStatistics() PriceStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := PriceStatistics{}
	first := true
	var sum float64
	for _, e := range c.entries {
		if !e.Active {
			continue
		}
		stats.TotalPairs++
		sum += e.PriceDropPct
		if first {
			stats.MaxDrop, stats.MinDrop = e.PriceDropPct, e.PriceDropPct
			first = false
			continue
		}
		if e.PriceDropPct > stats.MaxDrop {
			stats.MaxDrop = e.PriceDropPct
		}
		if e.PriceDropPct < stats.MinDrop {
			stats.MinDrop = e.PriceDropPct
		}
	}
	if stats.TotalPairs > 0 {
		stats.AverageDrop = sum / float64(stats.TotalPairs)
	}
	return stats
}

// Update runs one full curation cycle steps 1-5.
func (c *Curator) Update(ctx context.Context, s Settings, nowMs int64) error {
	instruments, err := c.rest.GetPerpetualUSDTInstruments(ctx)
	if err != nil {
		return err
	}

	qualifiers, err := c.analyzePriceChanges(ctx, instruments, s)
	if err != nil {
		return err
	}

	c.mu.Lock()
	var added, removed []string
	qualifierSet := make(map[string]bool, len(qualifiers))
	for _, e := range qualifiers {
		qualifierSet[e.Symbol] = true
		if existing, ok := c.entries[e.Symbol]; !ok || !existing.Active {
			added = append(added, e.Symbol)
			e.AddedAt = nowMs
		} else {
			e.AddedAt = existing.AddedAt
		}
		e.Active = true
		e.UpdatedAt = nowMs
		c.entries[e.Symbol] = e
	}
	for symbol, e := range c.entries {
		if e.Active && !qualifierSet[symbol] {
			e.Active = false
			e.UpdatedAt = nowMs
			c.entries[symbol] = e
			removed = append(removed, symbol)
		}
	}
	c.mu.Unlock()

	if (len(added) > 0 || len(removed) > 0) && c.onPairsChanged != nil {
		c.onPairsChanged(added, removed)
	}
	return nil
}

// analyzePriceChanges resolves current + historical prices in batches of
// batchSize via errgroup, computes drop%, and returns qualifying entries,
// steps 2-3.
func (c *Curator) analyzePriceChanges(ctx context.Context, symbols []string, s Settings) ([]Entry, error) {
	prices, err := c.rest.GetTickers(ctx, symbols)
	if err != nil {
		return nil, err
	}

	var (
		mu sync.Mutex
		out []Entry
	)

	for i := 0; i < len(symbols); i += batchSize {
		end := i + batchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[i:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, symbol := range batch {
			symbol := symbol
			current, ok := prices[symbol]
			if !ok || current.IsZero() {
				continue
			}
			g.Go(func() error {
				historical, err := c.history.HistoricalClose(gctx, symbol, s.PriceHistoryDays)
				if err != nil || historical.IsZero() {
					c.logger.Warn("skipping symbol, no historical price", zap.String("symbol", symbol))
					return nil
				}
				drop, _ := historical.Sub(current).Div(historical).Mul(decimal.NewFromInt(100)).Float64()
				if drop < s.PriceDropPercentage {
					return nil
				}
				mu.Lock()
				out = append(out, Entry{
					Symbol: symbol,
					PriceDropPct: drop,
					CurrentPrice: current,
					HistoricalPrice: historical,
				})
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Run drives Update on a pairsCheckIntervalMinutes tick until ctx is
// cancelled. Dormant () when settings().WatchlistAutoUpdate is
// false, though Update remains directly callable on demand.
func (c *Curator) Run(ctx context.Context, settings func() Settings, nowMs func() int64) error {
	interval := time.Duration(settings().PairsCheckIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s := settings()
			if !s.WatchlistAutoUpdate {
				continue
			}
			if err := c.Update(ctx, s, nowMs()); err != nil {
				c.logger.Warn("watchlist update failed", zap.Error(err))
			}
		}
	}
}
