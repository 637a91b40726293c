package postgres

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				owner_id VARCHAR(255) NOT NULL,
				spec JSONB NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT false,
				trigger_id UUID,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flows_owner_id ON flows(owner_id);
			CREATE INDEX idx_flows_is_active ON flows(is_active);

			CREATE TABLE flow_executions (
				id UUID PRIMARY KEY,
				flow_id UUID,
				inputs JSONB,
				outputs JSONB,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'success', 'failure', 'error', 'cancelled', 'paused')),
				error TEXT,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flow_executions_flow_id ON flow_executions(flow_id);
			CREATE INDEX idx_flow_executions_status ON flow_executions(status);
			CREATE INDEX idx_flow_executions_started_at ON flow_executions(started_at);

			CREATE TABLE flow_execution_steps (
				id UUID PRIMARY KEY,
				execution_id UUID NOT NULL REFERENCES flow_executions(id) ON DELETE CASCADE,
				node_id VARCHAR(255) NOT NULL,
				action_id VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('running', 'success', 'error')),
				error TEXT,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				ended_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flow_execution_steps_execution_id ON flow_execution_steps(execution_id);

			CREATE TABLE credentials (
				id UUID PRIMARY KEY,
				user_id VARCHAR(255) NOT NULL,
				service_id VARCHAR(255) NOT NULL,
				provider VARCHAR(255),
				session_id VARCHAR(255),
				access_token BYTEA,
				refresh_token BYTEA,
				client_secret BYTEA,
				client_id VARCHAR(255),
				config JSONB,
				expires_at TIMESTAMP WITH TIME ZONE,
				scopes JSONB,
				version BIGINT NOT NULL DEFAULT 1,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- One global row (session_id NULL) and at most one row per
			-- session for each (user, service).
			CREATE UNIQUE INDEX idx_credentials_global
				ON credentials(user_id, service_id) WHERE session_id IS NULL;
			CREATE UNIQUE INDEX idx_credentials_session
				ON credentials(user_id, service_id, session_id) WHERE session_id IS NOT NULL;

			CREATE TABLE auth_policies (
				id UUID PRIMARY KEY,
				provider VARCHAR(255) NOT NULL,
				service VARCHAR(255),
				mechanism VARCHAR(50) NOT NULL CHECK (mechanism IN ('oauth2', 'api_key', 'bot_token', 'db_credentials')),
				base_auth_url TEXT,
				max_scopes JSONB,
				auth_config JSONB,
				display_name VARCHAR(255),
				icon_url TEXT,
				auth_string VARCHAR(512) NOT NULL
			);

			CREATE UNIQUE INDEX idx_auth_policies_key ON auth_policies(provider, COALESCE(service, ''), mechanism);
			CREATE INDEX idx_auth_policies_auth_string ON auth_policies(auth_string);

			CREATE TABLE action_auth_scopes (
				action_id VARCHAR(255) PRIMARY KEY,
				policy_id UUID NOT NULL REFERENCES auth_policies(id) ON DELETE CASCADE,
				required_scopes JSONB
			);

			CREATE TABLE triggers (
				id UUID PRIMARY KEY,
				flow_id UUID NOT NULL,
				node_id VARCHAR(255),
				action_id VARCHAR(255),
				trigger_type VARCHAR(100) NOT NULL,
				trigger_args JSONB,
				job_handle VARCHAR(512) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('active', 'removed')),
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_triggers_flow_id ON triggers(flow_id);
			CREATE INDEX idx_triggers_status ON triggers(status);
		`,
	}
}
