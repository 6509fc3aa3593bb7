package alert

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fotonphotos/microstream-alerts/internal/apperr"
)

// Store persists Alerts to the sibling `alerts` table
type Store interface {
	Insert(ctx context.Context, a Alert) error
}

// PGStore is the Postgres-backed Store, grounded on candle.PGStore's
// upsert idiom and the `alerts` table layout
type PGStore struct {
	pool *pgxpool.Pool
	logger *zap.Logger
}

// NewPGStore wraps an already-connected pool.
func NewPGStore(pool *pgxpool.Pool, logger *zap.Logger) *PGStore {
	return &PGStore{pool: pool, logger: logger}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS alerts (
	id uuid PRIMARY KEY,
	symbol text NOT NULL,
	alert_type text NOT NULL,
	price numeric NOT NULL,
	volume_ratio double precision,
	current_volume_usdt numeric,
	average_volume_usdt numeric,
	consecutive_count int,
	alert_timestamp_ms bigint NOT NULL,
	close_timestamp_ms bigint,
	is_closed boolean NOT NULL,
	is_true_signal boolean,
	has_imbalance boolean NOT NULL DEFAULT false,
	imbalance_data jsonb,
	order_book_snapshot jsonb,
	message text,
	status text NOT NULL DEFAULT 'new',
	created_at timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS alerts_symbol_ts_idx ON alerts (symbol, alert_timestamp_ms);
CREATE INDEX IF NOT EXISTS alerts_type_idx ON alerts (alert_type);
`

// EnsureSchema creates the alerts table if absent. Idempotent.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return apperr.New(apperr.StorageUnavailable, "alert.EnsureSchema", err)
	}
	return nil
}

func (s *PGStore) Insert(ctx context.Context, a Alert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	var imbalanceJSON, obJSON []byte
	var err error
	if a.Imbalance != nil {
		if imbalanceJSON, err = json.Marshal(a.Imbalance); err != nil {
			return apperr.New(apperr.Malformed, "alert.Insert", err)
		}
	}
	if a.OrderBookSnapshot != nil {
		if obJSON, err = json.Marshal(a.OrderBookSnapshot); err != nil {
			return apperr.New(apperr.Malformed, "alert.Insert", err)
		}
	}

	const q = `
INSERT INTO alerts (
	id, symbol, alert_type, price, volume_ratio, current_volume_usdt, average_volume_usdt,
	consecutive_count, alert_timestamp_ms, close_timestamp_ms, is_closed, is_true_signal,
	has_imbalance, imbalance_data, order_book_snapshot, message
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (id) DO NOTHING
`
	_, err = s.pool.Exec(ctx, q,
		a.ID, a.Symbol, string(a.Kind), a.Price, a.VolumeRatio, a.VolumeUsdt, a.AvgVolumeUsdt,
		a.ConsecutiveCount, a.TsMs, a.CloseTsMs, a.IsClosed, a.IsTrueSignal,
		a.HasImbalance, nullableJSON(imbalanceJSON), nullableJSON(obJSON), a.Message,
	)
	if err != nil {
		return apperr.New(apperr.StorageUnavailable, "alert.Insert", err)
	}
	return nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
