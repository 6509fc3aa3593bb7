package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fotonphotos/microstream-alerts/internal/candle"
	"github.com/fotonphotos/microstream-alerts/pkg/bybit"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// klineRow builds one Bybit kline row: [start, open, high, low, close, volume, turnover].
func klineRow(startMs int64, open, high, low, close, volume string) []string {
	return []string{fmt.Sprintf("%d", startMs), open, high, low, close, volume, "0"}
}

func klineServer(t *testing.T, rows []([]string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"result": map[string]interface{}{"list": rows},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

// LoadRange upserts every in-chunk bar returned by GetKline into the store.
func TestLoadRangeUpsertsReturnedBars(t *testing.T) {
	ctx := context.Background()
	rows := []([]string){
		klineRow(120_000, "100", "102", "99", "101", "10"),
		klineRow(60_000, "99", "101", "98", "100", "10"),
		klineRow(0, "98", "100", "97", "99", "10"),
	}
	server := klineServer(t, rows)
	defer server.Close()

	rest := bybit.NewRESTClient(server.URL, nil, zap.NewNop())
	store := candle.NewMemStore()
	b := New(rest, store, zap.NewNop())

	require.NoError(t, b.LoadRange(ctx, "BTCUSDT", 0, 180_000))

	got, err := store.GetClosedRange(ctx, "BTCUSDT", 0, 180_000)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Equal(t, int64(0), got[0].StartMs)
	assert.Equal(t, int64(120_000), got[2].StartMs)
}

// A kline row whose startMs falls outside [chunkStart, chunkEnd) is dropped.
func TestLoadRangeDropsOutOfChunkRows(t *testing.T) {
	ctx := context.Background()
	rows := []([]string){
		klineRow(0, "98", "100", "97", "99", "10"),
		klineRow(-60_000, "98", "100", "97", "99", "10"), // before the requested range
	}
	server := klineServer(t, rows)
	defer server.Close()

	rest := bybit.NewRESTClient(server.URL, nil, zap.NewNop())
	store := candle.NewMemStore()
	b := New(rest, store, zap.NewNop())

	require.NoError(t, b.LoadRange(ctx, "BTCUSDT", 0, 60_000))

	got, err := store.GetClosedRange(ctx, "BTCUSDT", -120_000, 120_000)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int64(0), got[0].StartMs)
}

// ScanAndLoad only triggers LoadRange when integrity falls below the threshold.
func TestScanAndLoadSkipsHealthySymbol(t *testing.T) {
	ctx := context.Background()
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":{"list":[]}}`)
	}))
	defer server.Close()

	rest := bybit.NewRESTClient(server.URL, nil, zap.NewNop())
	store := candle.NewMemStore()
	b := New(rest, store, zap.NewNop())

	for ms := int64(0); ms < 600_000; ms += 60_000 {
		require.NoError(t, store.Upsert(ctx, candle.New("BTCUSDT", ms, d(100), d(101), d(99), d(100), d(1), true)))
	}

	b.ScanAndLoad(ctx, []string{"BTCUSDT"}, 0, 600_000)
	assert.Equal(t, 0, requests)
}

func TestScanAndLoadTriggersOnLowIntegrity(t *testing.T) {
	ctx := context.Background()
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":{"list":[]}}`)
	}))
	defer server.Close()

	rest := bybit.NewRESTClient(server.URL, nil, zap.NewNop())
	store := candle.NewMemStore()
	b := New(rest, store, zap.NewNop())

	// Only 1 of 10 expected minutes present -> well below the integrity floor.
	require.NoError(t, store.Upsert(ctx, candle.New("BTCUSDT", 0, d(100), d(101), d(99), d(100), d(1), true)))

	b.ScanAndLoad(ctx, []string{"BTCUSDT"}, 0, 600_000)
	assert.Equal(t, 1, requests)
}
