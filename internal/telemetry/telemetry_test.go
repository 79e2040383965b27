package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitDisabledInstallsNothing(t *testing.T) {
	provider, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, provider)
	require.NoError(t, provider.Shutdown(context.Background()))
}

func TestInitEnabledProvidesShutdown(t *testing.T) {
	provider, err := Init(context.Background(), Config{
		Enabled:        true,
		OTLPEndpoint:   "localhost:4318",
		OTLPInsecure:   true,
		MetricInterval: time.Hour,
		Environment:    "dev",
	})
	require.NoError(t, err)
	require.NotNil(t, provider)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Nothing listens on the endpoint; shutdown flushes into the void but
	// must still return.
	_ = provider.Shutdown(ctx)
}

func TestNewMetricsInstruments(t *testing.T) {
	m, err := NewMetrics()
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	m.QuoteServed(ctx, "LIVE")
	m.FeedReconnect(ctx)
	m.FeedDropped(ctx, "malformed")
	m.LedgerConflict(ctx)
	m.OrderSettled(ctx, "BUY")
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics

	ctx := context.Background()
	m.QuoteServed(ctx, "POLLED")
	m.FeedReconnect(ctx)
	m.FeedDropped(ctx, "unknown")
	m.LedgerConflict(ctx)
	m.OrderSettled(ctx, "SELL")
}
