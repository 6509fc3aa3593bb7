package orderbook

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fotonphotos/microstream-alerts/pkg/bybit"
)

func TestSnapshotParsesBidsAndAsks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":{"b":[["100.5","2"],["100.0","3"]],"a":[["101.0","1"],["101.5","4"]]}}`)
	}))
	defer server.Close()

	rest := bybit.NewRESTClient(server.URL, nil, zap.NewNop())
	c := New(rest, zap.NewNop())

	snap := c.Snapshot(context.Background(), "BTCUSDT")
	require.NotNil(t, snap)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)
	assert.Equal(t, "100.5", snap.Bids[0].Price.String())
	assert.Equal(t, "101.5", snap.Asks[1].Price.String())
}

// A failing REST call never surfaces as an error: Snapshot returns nil.
func TestSnapshotReturnsNilOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	rest := bybit.NewRESTClient(server.URL, nil, zap.NewNop())
	c := New(rest, zap.NewNop())

	snap := c.Snapshot(context.Background(), "BTCUSDT")
	assert.Nil(t, snap)
}

// Malformed level rows are dropped rather than failing the whole snapshot.
func TestSnapshotDropsMalformedLevels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"result":{"b":[["100.5","2"],["bad"]],"a":[["101.0","1"]]}}`)
	}))
	defer server.Close()

	rest := bybit.NewRESTClient(server.URL, nil, zap.NewNop())
	c := New(rest, zap.NewNop())

	snap := c.Snapshot(context.Background(), "BTCUSDT")
	require.NotNil(t, snap)
	assert.Len(t, snap.Bids, 1)
	assert.Len(t, snap.Asks, 1)
}
