package watchlist

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fotonphotos/microstream-alerts/pkg/bybit"
)

type fakeHistorySource struct {
	mu sync.Mutex
	prices map[string]decimal.Decimal
}

func (f *fakeHistorySource) HistoricalClose(ctx context.Context, symbol string, daysAgo int) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prices[symbol], nil
}

// instrumentsAndTickersServer serves both endpoints Update depends on:
// instruments-info (the universe) and tickers (current last price).
func instrumentsAndTickersServer(symbols []string, lastPrice map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v5/market/instruments-info":
			list := ""
			for i, s := range symbols {
				if i > 0 {
					list += ","
				}
				list += fmt.Sprintf(`{"symbol":%q,"status":"Trading","contractType":"LinearPerpetual"}`, s)
			}
			fmt.Fprintf(w, `{"result":{"list":[%s]}}`, list)
		case "/v5/market/tickers":
			list := ""
			i := 0
			for symbol, price := range lastPrice {
				if i > 0 {
					list += ","
				}
				list += fmt.Sprintf(`{"symbol":%q,"lastPrice":%q}`, symbol, price)
				i++
			}
			fmt.Fprintf(w, `{"result":{"list":[%s]}}`, list)
		default:
			fmt.Fprint(w, `{"result":{"list":[]}}`)
		}
	}))
}

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// A symbol whose price dropped past the threshold, with a known historical
// close, is admitted to the watchlist and reported via OnPairsChanged.
func TestUpdateAddsQualifyingSymbol(t *testing.T) {
	ctx := context.Background()
	server := instrumentsAndTickersServer([]string{"BTCUSDT"}, map[string]string{"BTCUSDT": "90"})
	defer server.Close()

	rest := bybit.NewRESTClient(server.URL, nil, zap.NewNop())
	history := &fakeHistorySource{prices: map[string]decimal.Decimal{"BTCUSDT": dec("100")}}
	curator := New(rest, history, zap.NewNop())

	var added, removed []string
	curator.OnPairsChanged(func(a, r []string) { added, removed = a, r })

	s := Settings{PriceHistoryDays: 7, PriceDropPercentage: 5.0}
	require.NoError(t, curator.Update(ctx, s, 1000))

	assert.Equal(t, []string{"BTCUSDT"}, added)
	assert.Empty(t, removed)
	assert.Equal(t, []string{"BTCUSDT"}, curator.Symbols())
}

// A symbol whose drop falls short of the threshold is never admitted.
func TestUpdateSkipsSymbolBelowThreshold(t *testing.T) {
	ctx := context.Background()
	server := instrumentsAndTickersServer([]string{"ETHUSDT"}, map[string]string{"ETHUSDT": "99"})
	defer server.Close()

	rest := bybit.NewRESTClient(server.URL, nil, zap.NewNop())
	history := &fakeHistorySource{prices: map[string]decimal.Decimal{"ETHUSDT": dec("100")}}
	curator := New(rest, history, zap.NewNop())

	s := Settings{PriceHistoryDays: 7, PriceDropPercentage: 5.0}
	require.NoError(t, curator.Update(ctx, s, 1000))

	assert.Empty(t, curator.Symbols())
}

// A symbol with no resolvable historical close (new listing) is skipped, not errored.
func TestUpdateSkipsSymbolWithZeroHistoricalPrice(t *testing.T) {
	ctx := context.Background()
	server := instrumentsAndTickersServer([]string{"NEWUSDT"}, map[string]string{"NEWUSDT": "50"})
	defer server.Close()

	rest := bybit.NewRESTClient(server.URL, nil, zap.NewNop())
	history := &fakeHistorySource{prices: map[string]decimal.Decimal{}}
	curator := New(rest, history, zap.NewNop())

	s := Settings{PriceHistoryDays: 7, PriceDropPercentage: 5.0}
	require.NoError(t, curator.Update(ctx, s, 1000))

	assert.Empty(t, curator.Symbols())
}

// A symbol that stops qualifying on a later cycle is evicted and reported.
func TestUpdateRemovesSymbolThatStopsQualifying(t *testing.T) {
	ctx := context.Background()
	history := &fakeHistorySource{prices: map[string]decimal.Decimal{"BTCUSDT": dec("100")}}
	s := Settings{PriceHistoryDays: 7, PriceDropPercentage: 5.0}

	serverDropped := instrumentsAndTickersServer([]string{"BTCUSDT"}, map[string]string{"BTCUSDT": "90"})
	defer serverDropped.Close()
	rest := bybit.NewRESTClient(serverDropped.URL, nil, zap.NewNop())
	curator := New(rest, history, zap.NewNop())
	require.NoError(t, curator.Update(ctx, s, 1000))
	require.Equal(t, []string{"BTCUSDT"}, curator.Symbols())

	serverRecovered := instrumentsAndTickersServer([]string{"BTCUSDT"}, map[string]string{"BTCUSDT": "99"})
	defer serverRecovered.Close()
	curator.rest = bybit.NewRESTClient(serverRecovered.URL, nil, zap.NewNop())

	var added, removed []string
	curator.OnPairsChanged(func(a, r []string) { added, removed = a, r })
	require.NoError(t, curator.Update(ctx, s, 2000))

	assert.Empty(t, added)
	assert.Equal(t, []string{"BTCUSDT"}, removed)
	assert.Empty(t, curator.Symbols())
}

// GetPriceStatistics projects min/max/average drop across active entries.
func TestGetPriceStatistics(t *testing.T) {
	ctx := context.Background()
	server := instrumentsAndTickersServer([]string{"BTCUSDT", "ETHUSDT"}, map[string]string{"BTCUSDT": "80", "ETHUSDT": "90"})
	defer server.Close()

	rest := bybit.NewRESTClient(server.URL, nil, zap.NewNop())
	history := &fakeHistorySource{prices: map[string]decimal.Decimal{"BTCUSDT": dec("100"), "ETHUSDT": dec("100")}}
	curator := New(rest, history, zap.NewNop())

	s := Settings{PriceHistoryDays: 7, PriceDropPercentage: 5.0}
	require.NoError(t, curator.Update(ctx, s, 1000))

	stats := curator.GetPriceStatistics()
	assert.Equal(t, 2, stats.TotalPairs)
	assert.InDelta(t, 20.0, stats.MaxDrop, 0.01)
	assert.InDelta(t, 10.0, stats.MinDrop, 0.01)
	assert.InDelta(t, 15.0, stats.AverageDrop, 0.01)
}
