package postgresql

import "github.com/dukex/flowrun/pkg/persistence/sqlbase"

func migrations() []sqlbase.Migration {
	return []sqlbase.Migration{
		{Version: 1, Name: "create_workflow_tables", SQL: `
			CREATE TABLE workflow_definitions (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				payload JSONB NOT NULL,
				credentials JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_definitions_created_at ON workflow_definitions(created_at);

			CREATE TABLE tasks (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				user_id VARCHAR(255) NOT NULL DEFAULT '',
				state VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL,
				message TEXT NOT NULL DEFAULT '',
				context_data JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE TABLE workflow_executions (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL REFERENCES workflow_definitions(id),
				correlation_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'running', 'success', 'error', 'failure')),
				payload JSONB,
				context JSONB,
				output JSONB,
				credentials JSONB,
				task_id VARCHAR(255),
				requester JSONB NOT NULL DEFAULT '{}',
				routing JSONB NOT NULL DEFAULT '{}',
				step_token VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_executions_workflow_id ON workflow_executions(workflow_id);
			CREATE INDEX idx_workflow_executions_status ON workflow_executions(status);
			CREATE INDEX idx_workflow_executions_correlation_id ON workflow_executions(correlation_id);
		`},
		{Version: 2, Name: "create_authentications", SQL: `
			CREATE TABLE authentications (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL DEFAULT '',
				credential_ref VARCHAR(255) NOT NULL,
				tenant_id VARCHAR(255) NOT NULL DEFAULT '',
				userid TEXT NOT NULL DEFAULT '',
				password TEXT NOT NULL DEFAULT '',
				auth_key TEXT NOT NULL DEFAULT '',
				auth_key_password TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				UNIQUE (tenant_id, credential_ref)
			);
		`},
	}
}
