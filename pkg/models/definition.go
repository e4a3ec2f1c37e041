// Package models defines the domain models for state-machine workflow execution.
package models

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the immutable template an execution is instantiated from.
type WorkflowDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"                  validate:"required,min=3"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload"               validate:"required"`
	Credentials CredentialMap   `json:"credentials,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
