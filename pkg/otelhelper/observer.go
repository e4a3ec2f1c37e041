package otelhelper

import (
	"context"

	"github.com/dukex/flowrun/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const stepSpanName = "workflow.step"

// StepObserver records one span per executor step.
type StepObserver struct {
	tracer trace.Tracer
	attrs  []attribute.KeyValue
}

// NewStepObserver creates an observer; attrs are added to every span.
func NewStepObserver(tracer trace.Tracer, attrs ...attribute.KeyValue) *StepObserver {
	return &StepObserver{tracer: tracer, attrs: attrs}
}

func (o *StepObserver) StepStarted(ctx context.Context, record protocol.StepRecord) context.Context {
	attrs := append([]attribute.KeyValue{
		attribute.String(ExecutionIDKey, record.ExecutionID),
		attribute.String(CorrelationIDKey, record.CorrelationID),
		attribute.String(WorkflowIDKey, record.WorkflowID),
	}, o.attrs...)

	ctx, _ = StartSpan(ctx, o.tracer, stepSpanName, attrs...) //nolint:spancheck // ended in StepFinished

	return ctx
}

func (o *StepObserver) StepFinished(ctx context.Context, _ protocol.StepRecord, outcome protocol.StepOutcome, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String(StepOutcomeKey, string(outcome)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if outcome == protocol.StepOutcomeError {
		span.SetStatus(codes.Error, "step ended in error")
	}

	span.End()
}
