// Package alert defines the Alert sum type: a tagged union
// over common fields plus a kind-specific payload, encoded as optional
// fields rather than an interface hierarchy so a single struct maps
// directly onto the `alerts` table's nullable columns and
// round-trips through JSON without a custom marshaller.
package alert

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fotonphotos/microstream-alerts/internal/imbalance"
)

// Kind is the alert's variant discriminator.
type Kind string

const (
	KindPreliminaryVolumeSpike Kind = "preliminary_volume_spike"
	KindFinalVolumeSpike Kind = "final_volume_spike"
	KindVolumeSpike Kind = "volume_spike"
	KindConsecutiveLong Kind = "consecutive_long"
	KindPriority Kind = "priority"
)

// OrderBookLevel is one [price, size] entry of a top-of-book snapshot.
type OrderBookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size decimal.Decimal `json:"size"`
}

// OrderBookSnapshot is the best-effort top-of-book attachment added to a
// closed-candle VolumeSpike alert when `orderbookSnapshotOnAlert` is enabled.
type OrderBookSnapshot struct {
	Bids []OrderBookLevel `json:"bids"`
	Asks []OrderBookLevel `json:"asks"`
	TsMs int64 `json:"ts_ms"`
}

// Alert is the delivery unit: common fields plus the fields relevant
// to Kind, left zero/nil for the variants that don't carry them.
type Alert struct {
	ID uuid.UUID `json:"id"`
	Kind Kind `json:"kind"`
	Symbol string `json:"symbol"`
	Price decimal.Decimal `json:"price"`
	TsMs int64 `json:"ts_ms"`
	CloseTsMs *int64 `json:"close_ts_ms,omitempty"`
	IsClosed bool `json:"is_closed"`
	Message string `json:"message"`

	// Volume-spike family (Preliminary, Final, VolumeSpike, Priority).
	VolumeRatio *float64 `json:"volume_ratio,omitempty"`
	VolumeUsdt *decimal.Decimal `json:"volume_usdt,omitempty"`
	AvgVolumeUsdt *decimal.Decimal `json:"avg_volume_usdt,omitempty"`
	IsTrueSignal *bool `json:"is_true_signal,omitempty"`
	PreliminaryTsMs *int64 `json:"preliminary_ts_ms,omitempty"`

	// Consecutive-run family (ConsecutiveLong, Priority).
	ConsecutiveCount *int `json:"consecutive_count,omitempty"`

	// Structure enrichment (VolumeSpike, ConsecutiveLong, Priority).
	HasImbalance bool `json:"has_imbalance"`
	Imbalance *imbalance.Imbalance `json:"imbalance,omitempty"`

	// Order-book enrichment: attached only to the closed-candle VolumeSpike.
	OrderBookSnapshot *OrderBookSnapshot `json:"order_book_snapshot,omitempty"`

	// PreliminaryTsMs correlates a FinalVolumeSpike back to the
	// PreliminaryVolumeSpike that preceded it. CorrelationID is not set
	// by the SignalEngine and is not persisted by PGStore, so it stays
	// the zero UUID; cross-phase linkage rests on PreliminaryTsMs alone.
	CorrelationID uuid.UUID `json:"correlation_id,omitempty"`
}

// Validate enforces the invariants common to every Alert.
func (a Alert) Validate() error {
	if a.TsMs <= 0 {
		return fmt.Errorf("alert %s: tsMs must be positive, got %d", a.Kind, a.TsMs)
	}
	if a.CloseTsMs != nil && *a.CloseTsMs < a.TsMs {
		return fmt.Errorf("alert %s: closeTsMs %d < tsMs %d", a.Kind, *a.CloseTsMs, a.TsMs)
	}
	if a.Kind == KindPriority {
		if a.ConsecutiveCount == nil {
			return fmt.Errorf("priority alert missing consecutiveCount")
		}
	}
	return nil
}
