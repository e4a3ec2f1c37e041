// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"encoding/json"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/google/uuid"
)

// PassDefinition is a one-state machine that succeeds immediately.
const PassDefinition = `{"StartAt":"Hello","States":{"Hello":{"Type":"Pass","Result":{"hello":"world"},"End":true}}}`

// CreateTestDefinition creates a WorkflowDefinition with default values that can be overridden.
func CreateTestDefinition(overrides ...func(*models.WorkflowDefinition)) *models.WorkflowDefinition {
	now := time.Now().UTC()

	definition := &models.WorkflowDefinition{
		ID:        uuid.New().String(),
		Name:      "Test Workflow",
		Payload:   json.RawMessage(PassDefinition),
		CreatedAt: now,
		UpdatedAt: now,
	}

	for _, override := range overrides {
		override(definition)
	}

	return definition
}

// WithPayload replaces the state machine of the definition.
func WithPayload(payload string) func(*models.WorkflowDefinition) {
	return func(definition *models.WorkflowDefinition) {
		definition.Payload = json.RawMessage(payload)
	}
}

// CreateTestExecution creates a pending ExecutionRecord of the definition.
func CreateTestExecution(definition *models.WorkflowDefinition, overrides ...func(*models.ExecutionRecord)) *models.ExecutionRecord {
	record := &models.ExecutionRecord{
		ID:            uuid.New().String(),
		WorkflowID:    definition.ID,
		CorrelationID: uuid.New().String(),
		Status:        models.ExecutionStatusPending,
		Payload:       append(json.RawMessage(nil), definition.Payload...),
		Credentials:   definition.Credentials.Clone(),
		Requester:     models.Requester{UserID: "user-1", TenantID: "tenant-1"},
	}

	for _, override := range overrides {
		override(record)
	}

	return record
}
