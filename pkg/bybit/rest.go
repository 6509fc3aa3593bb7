package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fotonphotos/microstream-alerts/internal/apperr"
	"github.com/fotonphotos/microstream-alerts/internal/candle"
)

// RESTClient is the shared REST collaborator used by HistoricalBackfiller,
// WatchlistCurator, and the order-book snapshot collaborator, grounded on
// historical_data_fetcher.go's request shape but narrowed to Bybit's v5
// linear-perpetual endpoints. A gobreaker trips on repeated REST failures
// so a degraded venue doesn't pile up retries behind callers that each
// have their own backoff (PermanentNetwork policy).
type RESTClient struct {
	baseURL string
	client *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger *zap.Logger
}

// NewRESTClient builds a client against baseURL (e.g. https://api.bybit.com).
// limiter paces outbound requests; a nil limiter means unpaced.
func NewRESTClient(baseURL string, limiter *rate.Limiter, logger *zap.Logger) *RESTClient {
	st := gobreaker.Settings{
		Name: "bybit-rest",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &RESTClient{
		baseURL: baseURL,
		client: &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(st),
		limiter: limiter,
		logger: logger,
	}
}

func (r *RESTClient) get(ctx context.Context, path string) ([]byte, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, apperr.New(apperr.TransientNetwork, "bybit.rest.limiter", err)
		}
	}

	result, err := r.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("rate limited: %s", resp.Status)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("server error: %s", resp.Status)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		if strings.Contains(err.Error(), "rate limited") {
			return nil, apperr.New(apperr.UpstreamRateLimit, "bybit.rest.get", err)
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperr.New(apperr.PermanentNetwork, "bybit.rest.get", err)
		}
		return nil, apperr.New(apperr.TransientNetwork, "bybit.rest.get", err)
	}
	return result.([]byte), nil
}

type klineResponse struct {
	Result struct {
		List [][]string `json:"list"`
	} `json:"result"`
}

// GetKline fetches one page of 1-minute klines in [startMs, endMs), newest
// first on the wire, returned ascending
func (r *RESTClient) GetKline(ctx context.Context, symbol string, startMs, endMs int64, limit int) ([]candle.Candle, error) {
	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=1&start=%d&end=%d&limit=%d",
		symbol, startMs, endMs, limit)
	body, err := r.get(ctx, path)
	if err != nil {
		return nil, err
	}

	var payload klineResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperr.New(apperr.Malformed, "bybit.rest.GetKline", err)
	}

	out := make([]candle.Candle, 0, len(payload.Result.List))
	for _, row := range payload.Result.List {
		if len(row) < 7 {
			continue
		}
		c, err := parseRESTKline(symbol, row)
		if err != nil {
			r.logger.Warn("dropping malformed backfill row", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	// Bybit returns newest-first; reverse to ascending.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func parseRESTKline(symbol string, row []string) (candle.Candle, error) {
	var startMs int64
	if _, err := fmt.Sscanf(row[0], "%d", &startMs); err != nil {
		return candle.Candle{}, fmt.Errorf("parse start: %w", err)
	}
	open, err1 := decimal.NewFromString(row[1])
	high, err2 := decimal.NewFromString(row[2])
	low, err3 := decimal.NewFromString(row[3])
	closePrice, err4 := decimal.NewFromString(row[4])
	volume, err5 := decimal.NewFromString(row[5])
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return candle.Candle{}, fmt.Errorf("bad kline numerics for %s", symbol)
	}
	return candle.New(symbol, alignDownToMinute(startMs), open, high, low, closePrice, volume, true), nil
}

// GetDailyClose resolves the close price of the daily candle that started
// daysAgo days before nowMs, used by the watchlist curator's historical-price
// lookup. Returns a zero decimal if the venue has no such bar yet (new
// listing).
func (r *RESTClient) GetDailyClose(ctx context.Context, symbol string, daysAgo int, nowMs int64) (decimal.Decimal, error) {
	dayMs := int64(24 * time.Hour / time.Millisecond)
	targetStart := nowMs - int64(daysAgo)*dayMs
	targetStart -= targetStart % dayMs

	path := fmt.Sprintf("/v5/market/kline?category=linear&symbol=%s&interval=D&start=%d&end=%d&limit=1",
		symbol, targetStart, targetStart+dayMs)
	body, err := r.get(ctx, path)
	if err != nil {
		return decimal.Decimal{}, err
	}

	var payload klineResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Decimal{}, apperr.New(apperr.Malformed, "bybit.rest.GetDailyClose", err)
	}
	if len(payload.Result.List) == 0 || len(payload.Result.List[0]) < 5 {
		return decimal.Decimal{}, nil
	}
	return decimal.NewFromString(payload.Result.List[0][4])
}

type instrumentsResponse struct {
	Result struct {
		List []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
			ContractType string `json:"contractType"`
		} `json:"list"`
	} `json:"result"`
}

// GetPerpetualUSDTInstruments returns every LinearPerpetual, Trading,
// USDT-quoted symbol.
func (r *RESTClient) GetPerpetualUSDTInstruments(ctx context.Context) ([]string, error) {
	body, err := r.get(ctx, "/v5/market/instruments-info?category=linear")
	if err != nil {
		return nil, err
	}
	var payload instrumentsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperr.New(apperr.Malformed, "bybit.rest.GetPerpetualUSDTInstruments", err)
	}

	var out []string
	for _, inst := range payload.Result.List {
		if inst.ContractType != "LinearPerpetual" || inst.Status != "Trading" {
			continue
		}
		if !strings.HasSuffix(inst.Symbol, "USDT") {
			continue
		}
		out = append(out, inst.Symbol)
	}
	return out, nil
}

type tickersResponse struct {
	Result struct {
		List []struct {
			Symbol string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	} `json:"result"`
}

// GetTickers returns the current lastPrice for every requested symbol via
// the batch tickers endpoint (single request, no symbol filter, filtered
// client-side).
func (r *RESTClient) GetTickers(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	body, err := r.get(ctx, "/v5/market/tickers?category=linear")
	if err != nil {
		return nil, err
	}
	var payload tickersResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperr.New(apperr.Malformed, "bybit.rest.GetTickers", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	out := make(map[string]decimal.Decimal, len(symbols))
	for _, t := range payload.Result.List {
		if len(want) > 0 && !want[t.Symbol] {
			continue
		}
		price, err := decimal.NewFromString(t.LastPrice)
		if err != nil {
			continue
		}
		out[t.Symbol] = price
	}
	return out, nil
}

type orderbookResponse struct {
	Result struct {
		B [][]string `json:"b"`
		A [][]string `json:"a"`
	} `json:"result"`
}

// OrderBookLevel is one [price, size] entry returned by GetOrderBook.
type OrderBookLevel struct {
	Price decimal.Decimal
	Size decimal.Decimal
}

// OrderBookSnapshot is the parsed top-of-book response from GetOrderBook.
type OrderBookSnapshot struct {
	Bids []OrderBookLevel
	Asks []OrderBookLevel
	TsMs int64
}

// GetOrderBook fetches the top `limit` levels per side.
func (r *RESTClient) GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBookSnapshot, error) {
	path := fmt.Sprintf("/v5/market/orderbook?category=linear&symbol=%s&limit=%d", symbol, limit)
	body, err := r.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var payload orderbookResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, apperr.New(apperr.Malformed, "bybit.rest.GetOrderBook", err)
	}

	snap := &OrderBookSnapshot{TsMs: time.Now().UnixMilli()}
	snap.Bids = parseLevels(payload.Result.B)
	snap.Asks = parseLevels(payload.Result.A)
	return snap, nil
}

func parseLevels(rows [][]string) []OrderBookLevel {
	out := make([]OrderBookLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err1 := decimal.NewFromString(row[0])
		size, err2 := decimal.NewFromString(row[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, OrderBookLevel{Price: price, Size: size})
	}
	return out
}
