package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle status of an ExecutionRecord.
type ExecutionStatus string

const (
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusError   ExecutionStatus = "error"   // the workflow reached a Fail state
	ExecutionStatusFailure ExecutionStatus = "failure" // the interpreter itself could not advance
)

// IsTerminal reports whether no further step will ever run for the status.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusError, ExecutionStatusFailure:
		return true
	default:
		return false
	}
}

// RoutingHints select which worker pool runs the next step.
type RoutingHints struct {
	Zone           string `json:"zone,omitempty"`
	Role           string `json:"role,omitempty"`
	QueueName      string `json:"queue_name,omitempty"`
	WorkerAffinity string `json:"worker_affinity,omitempty"`
}

// Requester identifies who started an execution and scopes credential lookups.
type Requester struct {
	UserID   string `json:"user_id"             validate:"required"`
	GroupID  string `json:"group_id,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// ExecutionRecord is one run of a workflow definition, advanced one step at a time.
type ExecutionRecord struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	CorrelationID string          `json:"correlation_id"`
	Status        ExecutionStatus `json:"status"`
	Payload       json.RawMessage `json:"payload"`
	Context       json.RawMessage `json:"context"`
	Output        json.RawMessage `json:"output,omitempty"`
	Credentials   CredentialMap   `json:"credentials,omitempty"`
	TaskID        string          `json:"task_id,omitempty"`
	Requester     Requester       `json:"requester"`
	Routing       RoutingHints    `json:"routing"`

	// StepToken identifies the single outstanding continuation. Empty once terminal.
	StepToken string `json:"step_token,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so repositories can hand out records without sharing state.
func (r *ExecutionRecord) Clone() *ExecutionRecord {
	if r == nil {
		return nil
	}

	clone := *r
	clone.Payload = append(json.RawMessage(nil), r.Payload...)
	clone.Context = append(json.RawMessage(nil), r.Context...)
	clone.Output = append(json.RawMessage(nil), r.Output...)
	clone.Credentials = r.Credentials.Clone()

	return &clone
}
