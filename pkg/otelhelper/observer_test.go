package otelhelper_test

import (
	"errors"
	"testing"

	"github.com/dukex/flowrun/pkg/otelhelper"
	"github.com/dukex/flowrun/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStepObserver_RecordsSpanPerStep(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	observer := otelhelper.NewStepObserver(provider.Tracer("test"), attribute.String(otelhelper.WorkerIDKey, "worker-1"))
	record := protocol.StepRecord{ExecutionID: "exec-1", CorrelationID: "corr-1", WorkflowID: "wf-1"}

	ctx := observer.StepStarted(t.Context(), record)
	observer.StepFinished(ctx, record, protocol.StepOutcomeOK, nil)

	ctx = observer.StepStarted(t.Context(), record)
	observer.StepFinished(ctx, record, protocol.StepOutcomeError, errors.New("boom"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}

	assert.Equal(t, "exec-1", attrs[otelhelper.ExecutionIDKey].AsString())
	assert.Equal(t, "corr-1", attrs[otelhelper.CorrelationIDKey].AsString())
	assert.Equal(t, "worker-1", attrs[otelhelper.WorkerIDKey].AsString())
	assert.Equal(t, "ok", attrs[otelhelper.StepOutcomeKey].AsString())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}
