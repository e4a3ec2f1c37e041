package protocol

import "context"

type StepOutcome string

const (
	StepOutcomeRetry StepOutcome = "retry"
	StepOutcomeOK    StepOutcome = "ok"
	StepOutcomeError StepOutcome = "error"
)

// StepRecord identifies the step being observed.
type StepRecord struct {
	ExecutionID   string
	CorrelationID string
	WorkflowID    string
}

// StepObserver is notified around each step. StepStarted may return a derived context
// that is used for the rest of the step.
type StepObserver interface {
	StepStarted(ctx context.Context, record StepRecord) context.Context
	StepFinished(ctx context.Context, record StepRecord, outcome StepOutcome, err error)
}
