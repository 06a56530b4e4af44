package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create executions table
			CREATE TABLE executions (
				id VARCHAR(255) PRIMARY KEY,
				definition_id VARCHAR(255) NOT NULL,
				data JSONB NOT NULL DEFAULT '{}',
				step_index INTEGER NOT NULL CHECK (step_index >= 0),
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'waiting_for_response', 'completed', 'failed')),
				output JSONB,
				error JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_executions_definition_id ON executions(definition_id);
			CREATE INDEX idx_executions_status_updated_at ON executions(status, updated_at);
		`,
		2: `
			-- Track whether the request for the current step reached the transport
			ALTER TABLE executions ADD COLUMN dispatched_at TIMESTAMP WITH TIME ZONE;

			CREATE INDEX idx_executions_undispatched ON executions(updated_at)
				WHERE status = 'waiting_for_response' AND dispatched_at IS NULL;
		`,
	}
}
