package reconcile

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fotonphotos/microstream-alerts/internal/candle"
)

type fakeBackfiller struct {
	mu sync.Mutex
	calls []string
	err error
	fill func(store *candle.MemStore, symbol string, fromMs, toMs int64)
}

func (f *fakeBackfiller) LoadRange(ctx context.Context, symbol string, fromMs, toMs int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, symbol)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	return nil
}

type fakeProgress struct {
	mu sync.Mutex
	events []string
}

func (f *fakeProgress) Publish(event string, payload map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func seedClosed(t *testing.T, store *candle.MemStore, symbol string, startMs, endMs int64) {
	t.Helper()
	ctx := context.Background()
	price := decimal.NewFromInt(100)
	for ms := startMs; ms < endMs; ms += 60_000 {
		c := candle.New(symbol, ms, price, price.Add(decimal.NewFromInt(1)), price.Sub(decimal.NewFromInt(1)), price, decimal.NewFromInt(1), true)
		require.NoError(t, store.Upsert(ctx, c))
	}
}

// Candles fully within the window and with no gaps require no backfill.
func TestReconcileSymbolNoGapsNoBackfill(t *testing.T) {
	ctx := context.Background()
	store := candle.NewMemStore()
	seedClosed(t, store, "BTCUSDT", 0, 600_000)

	backfiller := &fakeBackfiller{}
	progress := &fakeProgress{}
	c := New(store, backfiller, progress, zap.NewNop())

	err := c.ReconcileSymbol(ctx, "BTCUSDT", Window{StartMs: 0, EndMs: 600_000})
	require.NoError(t, err)
	assert.Empty(t, backfiller.calls)
	assert.Contains(t, progress.events, "startup_data_check_completed")
}

// A gap in the middle of the window triggers exactly one backfill call.
func TestReconcileSymbolGapTriggersBackfill(t *testing.T) {
	ctx := context.Background()
	store := candle.NewMemStore()
	seedClosed(t, store, "BTCUSDT", 0, 300_000)
	seedClosed(t, store, "BTCUSDT", 420_000, 600_000)

	backfiller := &fakeBackfiller{}
	progress := &fakeProgress{}
	c := New(store, backfiller, progress, zap.NewNop())

	err := c.ReconcileSymbol(ctx, "BTCUSDT", Window{StartMs: 0, EndMs: 600_000})
	require.NoError(t, err)
	assert.Len(t, backfiller.calls, 1)
	assert.Equal(t, "BTCUSDT", backfiller.calls[0])
}

// Candles outside the window (stale, pre-window) get pruned via DeleteBefore/DeleteFrom.
func TestReconcileSymbolPrunesOutsideWindow(t *testing.T) {
	ctx := context.Background()
	store := candle.NewMemStore()
	seedClosed(t, store, "BTCUSDT", -180_000, 0) // stale, before window
	seedClosed(t, store, "BTCUSDT", 0, 600_000)
	seedClosed(t, store, "BTCUSDT", 600_000, 780_000) // beyond window

	backfiller := &fakeBackfiller{}
	progress := &fakeProgress{}
	c := New(store, backfiller, progress, zap.NewNop())

	require.NoError(t, c.ReconcileSymbol(ctx, "BTCUSDT", Window{StartMs: 0, EndMs: 600_000}))

	minMs, maxMs, count, err := store.TimeRange(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(0), minMs)
	assert.Equal(t, int64(540_000), maxMs)
	assert.Equal(t, 10, count)
	assert.Empty(t, backfiller.calls)
}

// Backfill failure is logged and reported via progress, not returned as an error.
func TestReconcileSymbolBackfillFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	store := candle.NewMemStore()
	seedClosed(t, store, "BTCUSDT", 0, 60_000) // mostly missing -> triggers backfill

	backfiller := &fakeBackfiller{err: assertErr{}}
	progress := &fakeProgress{}
	c := New(store, backfiller, progress, zap.NewNop())

	err := c.ReconcileSymbol(ctx, "BTCUSDT", Window{StartMs: 0, EndMs: 600_000})
	require.NoError(t, err)
	assert.Len(t, backfiller.calls, 1)
	assert.Contains(t, progress.events, "startup_data_check_error")
	assert.NotContains(t, progress.events, "startup_data_check_completed")
}

type assertErr struct{}

func (assertErr) Error() string { return "backfill unavailable" }

// ReconcileAll continues past a failing symbol rather than aborting.
func TestReconcileAllContinuesOnError(t *testing.T) {
	ctx := context.Background()
	store := candle.NewMemStore()
	seedClosed(t, store, "BTCUSDT", 0, 600_000)
	seedClosed(t, store, "ETHUSDT", 0, 600_000)

	backfiller := &fakeBackfiller{}
	progress := &fakeProgress{}
	c := New(store, backfiller, progress, zap.NewNop())

	c.ReconcileAll(ctx, []string{"BTCUSDT", "ETHUSDT"}, Window{StartMs: 0, EndMs: 600_000})

	completed := 0
	for _, e := range progress.events {
		if e == "startup_data_check_completed" {
			completed++
		}
	}
	assert.Equal(t, 2, completed)
}
