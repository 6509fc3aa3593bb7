package candle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fotonphotos/microstream-alerts/internal/apperr"
)

// Store is the CandleStore contract. Implementations must make writes
// idempotent and serialise concurrent writers for the same
// (symbol, startMs) key.
type Store interface {
	Upsert(ctx context.Context, c Candle) error
	GetClosedRange(ctx context.Context, symbol string, fromMs, toMs int64) ([]Candle, error)
	GetRecentClosed(ctx context.Context, symbol string, limit int) ([]Candle, error)
	GetHistoricalBaseline(ctx context.Context, symbol string, hours int, offsetMinutes int, nowMs int64, volType VolumeType) ([]decimal.Decimal, error)
	CheckIntegrity(ctx context.Context, symbol string, fromMs, toMs int64) (IntegrityReport, error)
	DeleteBefore(ctx context.Context, symbol string, ms int64) error
	DeleteFrom(ctx context.Context, symbol string, ms int64) error
	TimeRange(ctx context.Context, symbol string) (minMs, maxMs int64, count int, err error)
	Ready() bool
}

// PGStore is the Postgres-backed Store, grounded on the kline_data table
// layout and on the upsert idiom used throughout the reference implementation's
// analytics pipeline (insert-or-replace-by-key, never per-row delete).
type PGStore struct {
	pool *pgxpool.Pool
	logger *zap.Logger

	mu sync.RWMutex
	ready bool
}

// NewPGStore wraps an already-connected pool. Ready() starts true; callers
// (e.g. a health-check loop) call SetReady(false) on a connectivity loss
// so the rest of the pipeline can degrade StorageUnavailable
// policy instead of hanging on doomed queries.
func NewPGStore(pool *pgxpool.Pool, logger *zap.Logger) *PGStore {
	return &PGStore{pool: pool, logger: logger, ready: true}
}

// SetReady flips the degrade flag; CandleStore queries short-circuit with
// a StorageUnavailable error while false.
func (s *PGStore) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

func (s *PGStore) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

func (s *PGStore) notReady(op string) error {
	return apperr.New(apperr.StorageUnavailable, op, fmt.Errorf("candle store not ready"))
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS kline_data (
	symbol text NOT NULL,
	start_time bigint NOT NULL,
	end_time bigint NOT NULL,
	open numeric NOT NULL,
	high numeric NOT NULL,
	low numeric NOT NULL,
	close numeric NOT NULL,
	volume numeric NOT NULL,
	is_closed boolean NOT NULL,
	is_long boolean NOT NULL,
	PRIMARY KEY (symbol, start_time)
);
CREATE INDEX IF NOT EXISTS kline_data_symbol_start_idx ON kline_data (symbol, start_time);
CREATE INDEX IF NOT EXISTS kline_data_is_closed_idx ON kline_data (is_closed);
CREATE INDEX IF NOT EXISTS kline_data_is_long_idx ON kline_data (is_long);
`

// EnsureSchema creates the kline_data table if absent. Called once at
// startup; idempotent.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaDDL)
	if err != nil {
		return apperr.New(apperr.StorageUnavailable, "EnsureSchema", err)
	}
	return nil
}

func (s *PGStore) Upsert(ctx context.Context, c Candle) error {
	if !s.Ready() {
		return s.notReady("Upsert")
	}
	if !c.Valid() {
		return apperr.New(apperr.InvariantViolated, "Upsert", fmt.Errorf("candle %s@%d fails OHLC invariant", c.Symbol, c.StartMs))
	}

	const q = `
INSERT INTO kline_data (symbol, start_time, end_time, open, high, low, close, volume, is_closed, is_long)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (symbol, start_time) DO UPDATE SET
	end_time = EXCLUDED.end_time,
	open = EXCLUDED.open,
	high = EXCLUDED.high,
	low = EXCLUDED.low,
	close = EXCLUDED.close,
	volume = EXCLUDED.volume,
	is_closed = EXCLUDED.is_closed,
	is_long = EXCLUDED.is_long
`
	_, err := s.pool.Exec(ctx, q,
		c.Symbol, c.StartMs, c.EndMs,
		c.Open, c.High, c.Low, c.Close, c.Volume,
		c.IsClosed, c.IsLong(),
	)
	if err != nil {
		return apperr.New(apperr.StorageUnavailable, "Upsert", err)
	}
	return nil
}

func (s *PGStore) GetClosedRange(ctx context.Context, symbol string, fromMs, toMs int64) ([]Candle, error) {
	if !s.Ready() {
		return nil, s.notReady("GetClosedRange")
	}
	const q = `
SELECT symbol, start_time, end_time, open, high, low, close, volume, is_closed
FROM kline_data
WHERE symbol = $1 AND is_closed = true AND start_time >= $2 AND start_time < $3
ORDER BY start_time ASC
`
	rows, err := s.pool.Query(ctx, q, symbol, fromMs, toMs)
	if err != nil {
		return nil, apperr.New(apperr.StorageUnavailable, "GetClosedRange", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

func (s *PGStore) GetRecentClosed(ctx context.Context, symbol string, limit int) ([]Candle, error) {
	if !s.Ready() {
		return nil, s.notReady("GetRecentClosed")
	}
	const q = `
SELECT symbol, start_time, end_time, open, high, low, close, volume, is_closed
FROM kline_data
WHERE symbol = $1 AND is_closed = true
ORDER BY start_time DESC
LIMIT $2
`
	rows, err := s.pool.Query(ctx, q, symbol, limit)
	if err != nil {
		return nil, apperr.New(apperr.StorageUnavailable, "GetRecentClosed", err)
	}
	defer rows.Close()
	candles, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].StartMs < candles[j].StartMs })
	return candles, nil
}

func (s *PGStore) GetHistoricalBaseline(ctx context.Context, symbol string, hours int, offsetMinutes int, nowMs int64, volType VolumeType) ([]decimal.Decimal, error) {
	if !s.Ready() {
		return nil, s.notReady("GetHistoricalBaseline")
	}
	end := nowMs - int64(offsetMinutes)*60_000
	start := end - int64(hours)*3_600_000

	q := `
SELECT volume, close
FROM kline_data
WHERE symbol = $1 AND is_closed = true AND start_time >= $2 AND start_time < $3
`
	switch volType {
	case VolumeLong:
		q += " AND is_long = true"
	case VolumeShort:
		q += " AND is_long = false"
	}

	rows, err := s.pool.Query(ctx, q, symbol, start, end)
	if err != nil {
		return nil, apperr.New(apperr.StorageUnavailable, "GetHistoricalBaseline", err)
	}
	defer rows.Close()

	var out []decimal.Decimal
	for rows.Next() {
		var volume, closePrice decimal.Decimal
		if err := rows.Scan(&volume, &closePrice); err != nil {
			return nil, apperr.New(apperr.Malformed, "GetHistoricalBaseline", err)
		}
		out = append(out, volume.Mul(closePrice))
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.StorageUnavailable, "GetHistoricalBaseline", err)
	}
	return out, nil
}

func (s *PGStore) CheckIntegrity(ctx context.Context, symbol string, fromMs, toMs int64) (IntegrityReport, error) {
	if !s.Ready() {
		return IntegrityReport{}, s.notReady("CheckIntegrity")
	}
	const q = `SELECT count(*) FROM kline_data WHERE symbol = $1 AND start_time >= $2 AND start_time < $3`
	var existing int
	if err := s.pool.QueryRow(ctx, q, symbol, fromMs, toMs).Scan(&existing); err != nil {
		return IntegrityReport{}, apperr.New(apperr.StorageUnavailable, "CheckIntegrity", err)
	}

	expected := int((toMs - fromMs) / minuteMs)
	if expected < 1 {
		expected = 1
	}
	missing := expected - existing
	if missing < 0 {
		missing = 0
	}
	pct := float64(existing) / float64(expected) * 100
	return IntegrityReport{Existing: existing, Expected: expected, Missing: missing, Pct: pct}, nil
}

func (s *PGStore) DeleteBefore(ctx context.Context, symbol string, ms int64) error {
	if !s.Ready() {
		return s.notReady("DeleteBefore")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM kline_data WHERE symbol = $1 AND start_time < $2`, symbol, ms)
	if err != nil {
		return apperr.New(apperr.StorageUnavailable, "DeleteBefore", err)
	}
	return nil
}

func (s *PGStore) DeleteFrom(ctx context.Context, symbol string, ms int64) error {
	if !s.Ready() {
		return s.notReady("DeleteFrom")
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM kline_data WHERE symbol = $1 AND start_time >= $2`, symbol, ms)
	if err != nil {
		return apperr.New(apperr.StorageUnavailable, "DeleteFrom", err)
	}
	return nil
}

func (s *PGStore) TimeRange(ctx context.Context, symbol string) (int64, int64, int, error) {
	if !s.Ready() {
		return 0, 0, 0, s.notReady("TimeRange")
	}
	const q = `
SELECT coalesce(min(start_time),0), coalesce(max(start_time),0), count(*)
FROM kline_data WHERE symbol = $1 AND is_closed = true
`
	var minMs, maxMs int64
	var count int
	if err := s.pool.QueryRow(ctx, q, symbol).Scan(&minMs, &maxMs, &count); err != nil {
		return 0, 0, 0, apperr.New(apperr.StorageUnavailable, "TimeRange", err)
	}
	return minMs, maxMs, count, nil
}

func scanCandles(rows pgx.Rows) ([]Candle, error) {
	var out []Candle
	for rows.Next() {
		var c Candle
		var isClosed bool
		if err := rows.Scan(&c.Symbol, &c.StartMs, &c.EndMs, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &isClosed); err != nil {
			return nil, apperr.New(apperr.Malformed, "scanCandles", err)
		}
		c.IsClosed = isClosed
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.StorageUnavailable, "scanCandles", err)
	}
	return out, nil
}

// RetentionLoop is the background job: deletes closed
// candles older than now-effectiveRetentionHours for every watchlist
// symbol, on a fixed tick. Grounded on supervised-loop
// idiom (ticker + context cancellation, no internal retry — the
// supervisor restarts this on panic/error).
func RetentionLoop(ctx context.Context, store Store, symbols func() []string, effectiveRetentionHours func() int, nowMs func() int64, logger *zap.Logger) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	run := func() {
		hours := effectiveRetentionHours()
		cutoff := nowMs() - int64(hours)*3_600_000
		for _, symbol := range symbols() {
			if err := store.DeleteBefore(ctx, symbol, cutoff); err != nil {
				logger.Warn("retention delete failed", zap.String("symbol", symbol), zap.Error(err))
			}
		}
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			run()
		}
	}
}
