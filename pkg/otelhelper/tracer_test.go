package otelhelper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOnSampler", sampler(0).Description())
	assert.Equal(t, "AlwaysOnSampler", sampler(1).Description())
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestNewTracerProvider_Resource(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()

	provider, err := newTracerProvider(TracerConfig{ServiceName: "flowrun-worker", InstanceID: "worker-1"}, exporter)
	require.NoError(t, err)

	_, span := provider.Tracer("test").Start(t.Context(), "step")
	span.End()
	require.NoError(t, provider.ForceFlush(t.Context()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)

	attrs := spans[0].Resource.Set()
	name, ok := attrs.Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "flowrun-worker", name.AsString())

	instance, ok := attrs.Value(semconv.ServiceInstanceIDKey)
	require.True(t, ok)
	assert.Equal(t, "worker-1", instance.AsString())

	require.NoError(t, provider.Shutdown(t.Context()))
}
