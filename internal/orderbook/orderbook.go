// Package orderbook wraps the Bybit order-book REST endpoint as the
// best-effort top-of-book collaborator consulted when a closed-candle volume
// spike fires, gated by orderbookSnapshotOnAlert. Absence of a snapshot is never
// an error to the caller — only to this package's own logs.
package orderbook

import (
	"context"

	"go.uber.org/zap"

	"github.com/fotonphotos/microstream-alerts/internal/alert"
	"github.com/fotonphotos/microstream-alerts/pkg/bybit"
)

const defaultDepth = 25

// Collaborator fetches best-effort top-of-book snapshots.
type Collaborator struct {
	rest *bybit.RESTClient
	logger *zap.Logger
}

// New builds a Collaborator against rest.
func New(rest *bybit.RESTClient, logger *zap.Logger) *Collaborator {
	return &Collaborator{rest: rest, logger: logger}
}

// Snapshot returns a best-effort snapshot for symbol, or nil if the REST
// call fails — never propagated as an error to the caller.
func (c *Collaborator) Snapshot(ctx context.Context, symbol string) *alert.OrderBookSnapshot {
	snap, err := c.rest.GetOrderBook(ctx, symbol, defaultDepth)
	if err != nil {
		c.logger.Debug("order book snapshot unavailable", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}

	out := &alert.OrderBookSnapshot{TsMs: snap.TsMs}
	for _, b := range snap.Bids {
		out.Bids = append(out.Bids, alert.OrderBookLevel{Price: b.Price, Size: b.Size})
	}
	for _, a := range snap.Asks {
		out.Asks = append(out.Asks, alert.OrderBookLevel{Price: a.Price, Size: a.Size})
	}
	return out
}
