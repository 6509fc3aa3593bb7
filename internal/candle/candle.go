// Package candle implements the CandleStore: persistence, range
// queries, volume baselines, and gap checks for one-minute bars.
package candle

import (
	"github.com/shopspring/decimal"
)

const minuteMs = int64(60_000)

// VolumeType selects which closed candles contribute to a baseline query.
type VolumeType string

const (
	VolumeLong VolumeType = "long"
	VolumeShort VolumeType = "short"
	VolumeAll VolumeType = "all"
)

// Candle is a one-minute OHLCV bar identified by (Symbol, StartMs).
type Candle struct {
	Symbol string
	StartMs int64
	EndMs int64
	Open decimal.Decimal
	High decimal.Decimal
	Low decimal.Decimal
	Close decimal.Decimal
	Volume decimal.Decimal
	IsClosed bool
}

// IsLong reports whether the candle closed above its open.
func (c Candle) IsLong() bool {
	return c.Close.GreaterThan(c.Open)
}

// VolumeUsdt is the notional traded value of the bar (volume * close),
// the quantity both the baseline query and the spike detectors key on.
func (c Candle) VolumeUsdt() decimal.Decimal {
	return c.Volume.Mul(c.Close)
}

// Valid enforces the OHLC invariant:
// low <= min(open,close) <= max(open,close) <= high, startMs % 60_000 == 0.
func (c Candle) Valid() bool {
	if c.StartMs%minuteMs != 0 {
		return false
	}
	lowerBody := decimal.Min(c.Open, c.Close)
	upperBody := decimal.Max(c.Open, c.Close)
	if c.Low.GreaterThan(lowerBody) {
		return false
	}
	if upperBody.GreaterThan(c.High) {
		return false
	}
	if c.Volume.IsNegative() {
		return false
	}
	return true
}

// New builds a Candle, deriving EndMs from StartMs.
func New(symbol string, startMs int64, open, high, low, close, volume decimal.Decimal, isClosed bool) Candle {
	return Candle{
		Symbol: symbol,
		StartMs: startMs,
		EndMs: startMs + minuteMs,
		Open: open,
		High: high,
		Low: low,
		Close: close,
		Volume: volume,
		IsClosed: isClosed,
	}
}

// IntegrityReport is the result of CheckIntegrity.
type IntegrityReport struct {
	Existing int
	Expected int
	Missing int
	Pct float64
}
