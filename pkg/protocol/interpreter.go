package protocol

import (
	"context"
	"encoding/json"
	"time"
)

// Interpreter advances a state machine held in an opaque context.
type Interpreter interface {
	// RunNonBlocking performs transitions until the run ends or has to wait.
	RunNonBlocking(ctx context.Context) error

	// Context is the serialized state to persist and pass back on the next step.
	Context() json.RawMessage
	Output() json.RawMessage

	Ended() bool
	// Failed reports whether the run ended in a Fail state or a failed task.
	Failed() bool

	// WaitUntil is the resume deadline of a Wait state, nil otherwise.
	WaitUntil() *time.Time
	// Waiting reports an outstanding external async resource.
	Waiting() bool

	// Credentials returns the credential values as the run left them.
	Credentials() map[string]string
}

// InterpreterFactory constructs interpreters.
type InterpreterFactory interface {
	New(payload, context json.RawMessage, credentials map[string]string) (Interpreter, error)

	// NewContext builds the initial context for a run with the given input and
	// execution metadata.
	NewContext(input json.RawMessage, execution map[string]any) (json.RawMessage, error)
}
