package web

import (
	"encoding/json"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/services"
)

// ExecuteWorkflowRequest is the body of POST /workflows/:id/execute.
type ExecuteWorkflowRequest struct {
	Inputs         json.RawMessage      `json:"inputs,omitempty"`
	Credentials    models.CredentialMap `json:"credentials,omitempty"`
	UserID         string               `json:"user_id"`
	GroupID        string               `json:"group_id,omitempty"`
	TenantID       string               `json:"tenant_id,omitempty"`
	Zone           string               `json:"zone,omitempty"`
	Role           string               `json:"role,omitempty"`
	QueueName      string               `json:"queue_name,omitempty"`
	WorkerAffinity string               `json:"worker_affinity,omitempty"`
	Object         *services.ObjectRef  `json:"object,omitempty"`
	Metadata       map[string]any       `json:"metadata,omitempty"`
}

func (r ExecuteWorkflowRequest) toService(workflowID string) services.ExecuteRequest {
	return services.ExecuteRequest{
		WorkflowID:     workflowID,
		Inputs:         r.Inputs,
		Credentials:    r.Credentials,
		UserID:         r.UserID,
		GroupID:        r.GroupID,
		TenantID:       r.TenantID,
		Zone:           r.Zone,
		Role:           r.Role,
		QueueName:      r.QueueName,
		WorkerAffinity: r.WorkerAffinity,
		Object:         r.Object,
		Metadata:       r.Metadata,
	}
}

type ListWorkflowsResponse struct {
	Workflows  []*models.WorkflowDefinition `json:"workflows"`
	TotalCount int                          `json:"total_count"`
}
