package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_instances (
				id VARCHAR(255) PRIMARY KEY,
				schema_version INT NOT NULL,
				title VARCHAR(255) NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL,
				record JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_instances_status ON workflow_instances(status);
			CREATE INDEX idx_workflow_instances_created_at ON workflow_instances(created_at);

			CREATE TABLE assets (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				record JSONB NOT NULL
			);

			CREATE INDEX idx_assets_workflow_id ON assets(workflow_id);
		`,
		2: `
			CREATE TABLE awaits (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				node_id VARCHAR(255) NOT NULL,
				run_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				record JSONB NOT NULL,
				UNIQUE (workflow_id, node_id, run_id)
			);

			CREATE INDEX idx_awaits_status ON awaits(status);

			CREATE TABLE job_records (
				run_id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				job_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL,
				cancelled BOOLEAN NOT NULL DEFAULT false,
				record JSONB NOT NULL
			);

			CREATE INDEX idx_job_records_workflow_id ON job_records(workflow_id);
		`,
	}
}
