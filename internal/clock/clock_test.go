package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	offset time.Duration
	err error
}

func (f *fakeSource) Fetch(ctx context.Context) (time.Time, time.Duration, error) {
	if f.err != nil {
		return time.Time{}, 0, f.err
	}
	return time.Now().Add(f.offset), 0, nil
}

func TestAlignDownToMinute(t *testing.T) {
	cases := []struct {
		in, want int64
	}{
		{0, 0},
		{59_999, 0},
		{60_000, 60_000},
		{60_001, 60_000},
		{119_999, 60_000},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, AlignDownToMinute(c.in))
	}
}

func TestNowMsFallsBackToSystemUTCWhenUnsynced(t *testing.T) {
	svc := New(zap.NewNop(), nil, nil, time.Hour, 5*time.Minute)
	now := svc.NowMs()
	assert.InDelta(t, time.Now().UnixMilli(), now, 1000)
	assert.False(t, svc.IsSynced())
}

func TestNowMsPrefersTrustedOffsetInAutoMode(t *testing.T) {
	trusted := &fakeSource{offset: 10 * time.Second}
	exchange := &fakeSource{offset: 2 * time.Hour}
	svc := New(zap.NewNop(), trusted, exchange, time.Hour, 5*time.Minute)

	svc.syncTrusted(context.Background())
	svc.syncExchange(context.Background())

	require.True(t, svc.IsSynced())
	delta := svc.NowMs() - time.Now().UnixMilli()
	assert.InDelta(t, 10_000, delta, 500)
}

func TestIsCandleClosed(t *testing.T) {
	svc := New(zap.NewNop(), nil, nil, time.Hour, 5*time.Minute)
	now := svc.NowMs()
	assert.True(t, svc.IsCandleClosed(now-1))
	assert.False(t, svc.IsCandleClosed(now+60_000))
}
