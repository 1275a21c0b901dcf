package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitBridgesMetricsIntoRegistry(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	providers, err := Init(ctx, Config{ServiceName: "pagewatch-test", SampleRatio: 1, Registerer: reg})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, providers.Shutdown(context.Background())) })

	counter, err := otel.Meter("pagewatch/test").Int64Counter("pagewatch.test.events")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "pagewatch_test_events") {
			found = true
			require.InDelta(t, 3, mf.GetMetric()[0].GetCounter().GetValue(), 0.001)
		}
	}
	require.True(t, found, "otel counter exported to prometheus")

	_, span := otel.Tracer("pagewatch/test").Start(ctx, "sampled")
	require.True(t, span.SpanContext().IsSampled())
	span.End()
}

func TestShutdownNil(t *testing.T) {
	t.Parallel()

	var p *Providers
	require.NoError(t, p.Shutdown(context.Background()))
}
