package alert

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidateRejectsNonPositiveTimestamp(t *testing.T) {
	a := Alert{Kind: KindVolumeSpike, Symbol: "BTCUSDT", Price: decimal.NewFromInt(100), TsMs: 0}
	assert.Error(t, a.Validate())
}

func TestValidateRejectsCloseBeforeOpen(t *testing.T) {
	closeTs := int64(999)
	a := Alert{Kind: KindVolumeSpike, Symbol: "BTCUSDT", Price: decimal.NewFromInt(100), TsMs: 1000, CloseTsMs: &closeTs}
	assert.Error(t, a.Validate())
}

func TestValidatePriorityRequiresConsecutiveCount(t *testing.T) {
	a := Alert{Kind: KindPriority, Symbol: "BTCUSDT", Price: decimal.NewFromInt(100), TsMs: 1000}
	assert.Error(t, a.Validate())

	count := 5
	a.ConsecutiveCount = &count
	assert.NoError(t, a.Validate())
}

func TestValidateAcceptsWellFormedAlert(t *testing.T) {
	closeTs := int64(1100)
	ratio := 3.5
	a := Alert{
		Kind: KindVolumeSpike,
		Symbol: "ETHUSDT",
		Price: decimal.NewFromInt(2000),
		TsMs: 1000,
		CloseTsMs: &closeTs,
		IsClosed: true,
		VolumeRatio: &ratio,
	}
	assert.NoError(t, a.Validate())
}
