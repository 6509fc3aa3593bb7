// Validators centralizes the gating predicates applies before emitting
// an alert, mirroring alert/alert_validators.py's separation of
// alert-shape construction (Engine) from alert-validity rules (Validators).
package signal

import (
	"github.com/shopspring/decimal"
)

// VolumeCheck is the result of a passing volume validation.
type VolumeCheck struct {
	Ratio float64
	VolumeUsdt decimal.Decimal
	AvgVolumeUsdt decimal.Decimal
}

// Validators holds no state; every method is a pure predicate over its
// arguments so Engine can call it without touching PerSymbolState directly.
type Validators struct{}

// ValidateVolume implements alert_validators.py's validate_volume_alert:
// requires a long candle, a notional floor, at least 10 historical
// samples, and a ratio against their average meeting volumeMultiplier.
// Cooldown is the caller's responsibility (Engine tracks lastAlertTs per
// symbol, not per call).
func (Validators) ValidateVolume(isLong bool, candleUsdt decimal.Decimal, minVolumeUsdt decimal.Decimal, historicalVolumesUsdt []decimal.Decimal, volumeMultiplier float64) (VolumeCheck, bool) {
	if !isLong {
		return VolumeCheck{}, false
	}
	if candleUsdt.LessThan(minVolumeUsdt) {
		return VolumeCheck{}, false
	}
	if len(historicalVolumesUsdt) < 10 {
		return VolumeCheck{}, false
	}

	sum := decimal.Zero
	for _, v := range historicalVolumesUsdt {
		sum = sum.Add(v)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(historicalVolumesUsdt))))
	if avg.IsZero() {
		return VolumeCheck{}, false
	}

	ratio, _ := candleUsdt.Div(avg).Float64()
	if ratio < volumeMultiplier {
		return VolumeCheck{}, false
	}
	return VolumeCheck{Ratio: ratio, VolumeUsdt: candleUsdt, AvgVolumeUsdt: avg}, true
}

// ValidateConsecutive implements validate_consecutive_alert: the run
// counter must have reached the configured threshold.
func (Validators) ValidateConsecutive(consecutiveCount, threshold int) bool {
	return consecutiveCount >= threshold
}

// ValidatePriority implements validate_priority_alert: requires a valid
// consecutive alert on this candle AND evidence of a volume signal, either
// just emitted on this candle or seen within the last consecutive-run
// length in minutes (hasVolumeSignal, computed by the Engine).
func (Validators) ValidatePriority(hasConsecutiveAlert, hasVolumeSignal bool) bool {
	return hasConsecutiveAlert && hasVolumeSignal
}

// Cooldown reports whether now has advanced past lastAlertTsMs by at least
// groupingMinutes alertGroupingMinutes gate. lastAlertTsMs
// == 0 means "never alerted" and always passes.
func (Validators) Cooldown(lastAlertTsMs, nowMs int64, groupingMinutes int) bool {
	if lastAlertTsMs == 0 {
		return true
	}
	return nowMs-lastAlertTsMs >= int64(groupingMinutes)*60_000
}
