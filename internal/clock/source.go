package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPDateSource treats any HTTP endpoint's standard `Date` response
// header as a trusted-UTC sample. This is the "time servers" source: it
// needs no venue-specific contract, only a reachable HTTPS endpoint.
type HTTPDateSource struct {
	URL string
	Client *http.Client
}

// NewHTTPDateSource builds a source against url with a bounded client.
func NewHTTPDateSource(url string) *HTTPDateSource {
	return &HTTPDateSource{
		URL: url,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *HTTPDateSource) Fetch(ctx context.Context) (time.Time, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.URL, nil)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("build date-source request: %w", err)
	}

	start := time.Now()
	resp, err := h.Client.Do(req)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("fetch date-source: %w", err)
	}
	defer resp.Body.Close()
	rtt := time.Since(start)

	dateHeader := resp.Header.Get("Date")
	if dateHeader == "" {
		return time.Time{}, 0, fmt.Errorf("date-source response missing Date header")
	}
	parsed, err := http.ParseTime(dateHeader)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("parse Date header: %w", err)
	}
	return parsed, rtt, nil
}

// bybitServerTimeResponse mirrors GET /v5/market/time
type bybitServerTimeResponse struct {
	Result struct {
		TimeSecond string `json:"timeSecond"`
		TimeNano string `json:"timeNano"`
	} `json:"result"`
}

// ExchangeTimeSource implements TimeSource against the venue's
// /v5/market/time endpoint.
type ExchangeTimeSource struct {
	BaseURL string
	Client *http.Client
}

// NewExchangeTimeSource builds a source against the venue's REST base URL.
func NewExchangeTimeSource(baseURL string) *ExchangeTimeSource {
	return &ExchangeTimeSource{
		BaseURL: baseURL,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (e *ExchangeTimeSource) Fetch(ctx context.Context) (time.Time, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/v5/market/time", nil)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("build exchange time request: %w", err)
	}

	start := time.Now()
	resp, err := e.Client.Do(req)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("fetch exchange time: %w", err)
	}
	defer resp.Body.Close()
	rtt := time.Since(start)

	var payload bybitServerTimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return time.Time{}, 0, fmt.Errorf("decode exchange time response: %w", err)
	}

	var sec int64
	if _, err := fmt.Sscanf(payload.Result.TimeSecond, "%d", &sec); err != nil {
		return time.Time{}, 0, fmt.Errorf("parse timeSecond: %w", err)
	}
	return time.Unix(sec, 0).UTC(), rtt, nil
}
