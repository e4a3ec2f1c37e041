package models

// Keys shared by every runner context.
const (
	RunnerContextMethod  = "method"
	RunnerContextRunning = "running"
	RunnerContextSuccess = "success"
	RunnerContextOutput  = "output"
)

// ErrorTaskFailed is the error name reported for failed task states.
const ErrorTaskFailed = "TaskFailed"

// RunnerContext is the transient state a runner passes between run, poll and cleanup.
type RunnerContext map[string]any

func (rc RunnerContext) Method() string {
	method, _ := rc[RunnerContextMethod].(string)

	return method
}

func (rc RunnerContext) Running() bool {
	running, _ := rc[RunnerContextRunning].(bool)

	return running
}

func (rc RunnerContext) Success() bool {
	success, _ := rc[RunnerContextSuccess].(bool)

	return success
}

func (rc RunnerContext) Output() any {
	return rc[RunnerContextOutput]
}

// String returns a string-typed field, or "" when absent.
func (rc RunnerContext) String(key string) string {
	value, _ := rc[key].(string)

	return value
}

// Fail marks the context as finished unsuccessfully with a TaskFailed output.
func (rc RunnerContext) Fail(cause string) RunnerContext {
	return rc.FailWith(ErrorTaskFailed, cause)
}

func (rc RunnerContext) FailWith(errorName, cause string) RunnerContext {
	rc[RunnerContextRunning] = false
	rc[RunnerContextSuccess] = false
	rc[RunnerContextOutput] = map[string]any{"Error": errorName, "Cause": cause}

	return rc
}

// Succeed marks the context as finished successfully with the given output.
func (rc RunnerContext) Succeed(output any) RunnerContext {
	rc[RunnerContextRunning] = false
	rc[RunnerContextSuccess] = true
	rc[RunnerContextOutput] = output

	return rc
}

// Pending marks the context as still running.
func (rc RunnerContext) Pending() RunnerContext {
	rc[RunnerContextRunning] = true

	return rc
}

// Merge copies other's entries into a new context, other winning on conflicts.
func (rc RunnerContext) Merge(other map[string]any) RunnerContext {
	merged := make(RunnerContext, len(rc)+len(other))
	for key, value := range rc {
		merged[key] = value
	}

	for key, value := range other {
		merged[key] = value
	}

	return merged
}
