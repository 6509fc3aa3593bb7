package signal

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestValidateVolumeRequiresLongCandle(t *testing.T) {
	v := Validators{}
	_, ok := v.ValidateVolume(false, dec("10000"), dec("1000"), historicalSamples(12, "500"), 2.0)
	assert.False(t, ok)
}

func TestValidateVolumeRequiresNotionalFloor(t *testing.T) {
	v := Validators{}
	_, ok := v.ValidateVolume(true, dec("500"), dec("1000"), historicalSamples(12, "500"), 2.0)
	assert.False(t, ok)
}

func TestValidateVolumeRequiresMinimumHistory(t *testing.T) {
	v := Validators{}
	_, ok := v.ValidateVolume(true, dec("10000"), dec("1000"), historicalSamples(5, "500"), 2.0)
	assert.False(t, ok)
}

func TestValidateVolumePassesAboveMultiplier(t *testing.T) {
	v := Validators{}
	check, ok := v.ValidateVolume(true, dec("10000"), dec("1000"), historicalSamples(12, "1000"), 2.0)
	assert.True(t, ok)
	assert.Equal(t, 10.0, check.Ratio)
	assert.True(t, check.VolumeUsdt.Equal(dec("10000")))
	assert.True(t, check.AvgVolumeUsdt.Equal(dec("1000")))
}

func TestValidateVolumeFailsBelowMultiplier(t *testing.T) {
	v := Validators{}
	_, ok := v.ValidateVolume(true, dec("1500"), dec("1000"), historicalSamples(12, "1000"), 2.0)
	assert.False(t, ok)
}

func TestValidateConsecutive(t *testing.T) {
	v := Validators{}
	assert.False(t, v.ValidateConsecutive(4, 5))
	assert.True(t, v.ValidateConsecutive(5, 5))
	assert.True(t, v.ValidateConsecutive(6, 5))
}

func TestValidatePriority(t *testing.T) {
	v := Validators{}
	assert.False(t, v.ValidatePriority(false, true))
	assert.False(t, v.ValidatePriority(true, false))
	assert.True(t, v.ValidatePriority(true, true))
}

func TestCooldown(t *testing.T) {
	v := Validators{}
	assert.True(t, v.Cooldown(0, 1_000_000, 5))
	assert.False(t, v.Cooldown(1_000_000, 1_000_000+4*60_000, 5))
	assert.True(t, v.Cooldown(1_000_000, 1_000_000+5*60_000, 5))
}

func historicalSamples(n int, each string) []decimal.Decimal {
	out := make([]decimal.Decimal, n)
	for i := range out {
		out[i] = dec(each)
	}
	return out
}
