package candle

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemStore is an in-memory Store used by tests across packages that
// depend on (signal, reconcile, backfill) without a live Postgres.
type MemStore struct {
	mu sync.Mutex
	candles map[string]map[int64]Candle
	ready bool
}

// NewMemStore constructs an empty, ready in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{candles: make(map[string]map[int64]Candle), ready: true}
}

func (m *MemStore) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

func (m *MemStore) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *MemStore) Upsert(_ context.Context, c Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return errNotReady
	}
	if !c.Valid() {
		return errInvariant
	}
	bySymbol, ok := m.candles[c.Symbol]
	if !ok {
		bySymbol = make(map[int64]Candle)
		m.candles[c.Symbol] = bySymbol
	}
	bySymbol[c.StartMs] = c
	return nil
}

func (m *MemStore) GetClosedRange(_ context.Context, symbol string, fromMs, toMs int64) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil, errNotReady
	}
	var out []Candle
	for _, c := range m.candles[symbol] {
		if c.IsClosed && c.StartMs >= fromMs && c.StartMs < toMs {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMs < out[j].StartMs })
	return out, nil
}

func (m *MemStore) GetRecentClosed(_ context.Context, symbol string, limit int) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil, errNotReady
	}
	var out []Candle
	for _, c := range m.candles[symbol] {
		if c.IsClosed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMs > out[j].StartMs })
	if len(out) > limit {
		out = out[:limit]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMs < out[j].StartMs })
	return out, nil
}

func (m *MemStore) GetHistoricalBaseline(_ context.Context, symbol string, hours int, offsetMinutes int, nowMs int64, volType VolumeType) ([]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return nil, errNotReady
	}
	end := nowMs - int64(offsetMinutes)*60_000
	start := end - int64(hours)*3_600_000

	var out []decimal.Decimal
	for _, c := range m.candles[symbol] {
		if !c.IsClosed || c.StartMs < start || c.StartMs >= end {
			continue
		}
		switch volType {
		case VolumeLong:
			if !c.IsLong() {
				continue
			}
		case VolumeShort:
			if c.IsLong() {
				continue
			}
		}
		out = append(out, c.VolumeUsdt())
	}
	return out, nil
}

func (m *MemStore) CheckIntegrity(_ context.Context, symbol string, fromMs, toMs int64) (IntegrityReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return IntegrityReport{}, errNotReady
	}
	existing := 0
	for _, c := range m.candles[symbol] {
		if c.StartMs >= fromMs && c.StartMs < toMs {
			existing++
		}
	}
	expected := int((toMs - fromMs) / minuteMs)
	if expected < 1 {
		expected = 1
	}
	missing := expected - existing
	if missing < 0 {
		missing = 0
	}
	return IntegrityReport{Existing: existing, Expected: expected, Missing: missing, Pct: float64(existing) / float64(expected) * 100}, nil
}

func (m *MemStore) DeleteBefore(_ context.Context, symbol string, ms int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return errNotReady
	}
	for start := range m.candles[symbol] {
		if start < ms {
			delete(m.candles[symbol], start)
		}
	}
	return nil
}

func (m *MemStore) DeleteFrom(_ context.Context, symbol string, ms int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return errNotReady
	}
	for start := range m.candles[symbol] {
		if start >= ms {
			delete(m.candles[symbol], start)
		}
	}
	return nil
}

func (m *MemStore) TimeRange(_ context.Context, symbol string) (int64, int64, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return 0, 0, 0, errNotReady
	}
	var minMs, maxMs int64
	count := 0
	first := true
	for _, c := range m.candles[symbol] {
		if !c.IsClosed {
			continue
		}
		if first || c.StartMs < minMs {
			minMs = c.StartMs
		}
		if first || c.StartMs > maxMs {
			maxMs = c.StartMs
		}
		first = false
		count++
	}
	return minMs, maxMs, count, nil
}

var (
	errNotReady = &memStoreError{"candle store not ready"}
	errInvariant = &memStoreError{"candle fails OHLC invariant"}
)

type memStoreError struct{ msg string }

func (e *memStoreError) Error() string { return e.msg }
