package postgres

// migrations is an ordered, idempotent list of schema statements. The first
// creates schema_migrations outside any transaction; each later one is run
// in its own transaction; schema_migrations records the ids already
// applied so repeated calls to migrate() are no-ops past the first.
var migrations = []struct {
	id  string
	sql string
}{
	{
		id: "0001_schema_migrations",
		sql: `CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		id: "0002_workflow_definitions",
		sql: `CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			description TEXT,
			steps JSONB NOT NULL,
			triggers JSONB,
			parameters_schema JSONB,
			default_parameters JSONB,
			output_schema JSONB,
			metadata JSONB,
			dag JSONB NOT NULL,
			schedule_next_run_at TIMESTAMPTZ,
			schedule_last_materialized_window JSONB,
			schedule_catchup_cursor TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (slug, version)
		)`,
	},
	{
		id:  "0003_workflow_definitions_slug_idx",
		sql: `CREATE INDEX IF NOT EXISTS idx_workflow_definitions_slug ON workflow_definitions (slug)`,
	},
	{
		id: "0004_workflow_runs",
		sql: `CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL REFERENCES workflow_definitions(id),
			status TEXT NOT NULL,
			parameters JSONB,
			context JSONB,
			output JSONB,
			error_message TEXT,
			current_step_id TEXT,
			current_step_index INTEGER,
			metrics JSONB,
			triggered_by TEXT,
			trigger JSONB,
			partition_key TEXT,
			run_key TEXT,
			run_key_normalized TEXT,
			claim_owner TEXT,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			duration_ms BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		id: "0005_workflow_runs_run_key_uniq",
		sql: `CREATE UNIQUE INDEX IF NOT EXISTS uq_workflow_runs_active_run_key
			ON workflow_runs (workflow_definition_id, run_key_normalized)
			WHERE status IN ('pending', 'running') AND run_key_normalized IS NOT NULL`,
	},
	{
		id: "0006_workflow_run_steps",
		sql: `CREATE TABLE IF NOT EXISTS workflow_run_steps (
			id TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL REFERENCES workflow_runs(id),
			step_id TEXT NOT NULL,
			template_step_id TEXT,
			fanout_index INTEGER,
			parent_step_id TEXT,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_heartbeat_at TIMESTAMPTZ,
			failure_reason TEXT,
			input JSONB,
			output JSONB,
			job_run_id TEXT,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		id:  "0007_workflow_run_steps_run_idx",
		sql: `CREATE INDEX IF NOT EXISTS idx_workflow_run_steps_run ON workflow_run_steps (workflow_run_id)`,
	},
	{
		id: "0008_workflow_asset_declarations",
		sql: `CREATE TABLE IF NOT EXISTS workflow_asset_declarations (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL REFERENCES workflow_definitions(id),
			step_id TEXT NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('produces', 'consumes')),
			asset_id TEXT NOT NULL,
			asset_schema JSONB,
			freshness JSONB,
			auto_materialize JSONB,
			partitioning JSONB,
			UNIQUE (workflow_definition_id, step_id, direction, asset_id)
		)`,
	},
	{
		id: "0009_workflow_run_step_assets",
		sql: `CREATE TABLE IF NOT EXISTS workflow_run_step_assets (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			workflow_run_id TEXT NOT NULL,
			workflow_run_step_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			partition_key TEXT,
			payload JSONB,
			asset_schema JSONB,
			freshness JSONB,
			produced_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (workflow_run_step_id, asset_id, COALESCE(partition_key, ''))
		)`,
	},
	{
		id: "0010_asset_stale_partitions",
		sql: `CREATE TABLE IF NOT EXISTS asset_stale_partitions (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			partition_key TEXT,
			requested_by TEXT NOT NULL,
			requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			note TEXT,
			UNIQUE (workflow_definition_id, asset_id, COALESCE(partition_key, ''))
		)`,
	},
	{
		id: "0011_asset_partition_parameters",
		sql: `CREATE TABLE IF NOT EXISTS asset_partition_parameters (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			parameters JSONB NOT NULL,
			source TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (workflow_definition_id, asset_id, partition_key)
		)`,
	},
	{
		id: "0012_job_bundles",
		sql: `CREATE TABLE IF NOT EXISTS job_bundles (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			description TEXT,
			latest_version TEXT
		)`,
	},
	{
		id: "0013_job_bundle_versions",
		sql: `CREATE TABLE IF NOT EXISTS job_bundle_versions (
			id TEXT PRIMARY KEY,
			bundle_id TEXT NOT NULL REFERENCES job_bundles(id),
			slug TEXT NOT NULL,
			version TEXT NOT NULL,
			manifest JSONB NOT NULL,
			checksum TEXT NOT NULL,
			capability_flags JSONB,
			artifact_storage TEXT NOT NULL CHECK (artifact_storage IN ('local', 's3')),
			artifact_path TEXT NOT NULL,
			artifact_content_type TEXT,
			artifact_size BIGINT,
			artifact_data BYTEA,
			immutable BOOLEAN NOT NULL DEFAULT false,
			status TEXT NOT NULL CHECK (status IN ('published', 'deprecated')),
			published_by TEXT,
			published_by_kind TEXT,
			published_by_token_hash TEXT,
			published_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			deprecated_at TIMESTAMPTZ,
			UNIQUE (bundle_id, version)
		)`,
	},
	{
		id: "0014_schedules",
		sql: `CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL REFERENCES workflow_definitions(id),
			cron TEXT NOT NULL,
			timezone TEXT,
			start_window TIMESTAMPTZ,
			end_window TIMESTAMPTZ,
			catch_up BOOLEAN NOT NULL DEFAULT false,
			next_run_at TIMESTAMPTZ,
			last_materialized_window JSONB,
			catchup_cursor TIMESTAMPTZ,
			enabled BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		id:  "0015_schedules_due_idx",
		sql: `CREATE INDEX IF NOT EXISTS idx_schedules_next_run_at ON schedules (next_run_at) WHERE enabled`,
	},
	{
		id: "0016_event_triggers",
		sql: `CREATE TABLE IF NOT EXISTS event_triggers (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL REFERENCES workflow_definitions(id),
			event_type TEXT NOT NULL,
			event_source TEXT,
			predicate TEXT,
			throttle_ms BIGINT,
			failure_threshold INTEGER,
			paused BOOLEAN NOT NULL DEFAULT false,
			paused_reason TEXT,
			paused_until TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		id: "0017_trigger_deliveries",
		sql: `CREATE TABLE IF NOT EXISTS trigger_deliveries (
			id TEXT PRIMARY KEY,
			event_trigger_id TEXT NOT NULL REFERENCES event_triggers(id),
			event_id TEXT NOT NULL,
			status TEXT NOT NULL,
			workflow_run_id TEXT,
			error TEXT,
			payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		id: "0018_workflow_execution_history",
		sql: `CREATE TABLE IF NOT EXISTS workflow_execution_history (
			id TEXT PRIMARY KEY,
			workflow_run_id TEXT NOT NULL,
			workflow_run_step_id TEXT,
			step_id TEXT,
			event_type TEXT NOT NULL,
			event_payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		id:  "0019_workflow_execution_history_run_idx",
		sql: `CREATE INDEX IF NOT EXISTS idx_workflow_execution_history_run ON workflow_execution_history (workflow_run_id, created_at)`,
	},
	{
		id: "0020_audit_logs",
		sql: `CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			status TEXT NOT NULL,
			scopes JSONB,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
	{
		id: "0021_auto_materialize_claims",
		sql: `CREATE TABLE IF NOT EXISTS auto_materialize_claims (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL REFERENCES workflow_definitions(id),
			asset_id TEXT NOT NULL,
			partition_key TEXT NOT NULL DEFAULT '',
			workflow_run_id TEXT,
			failures INTEGER NOT NULL DEFAULT 0,
			next_eligible_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (workflow_definition_id, asset_id, partition_key)
		)`,
	},
	{
		id:  "0022_trigger_deliveries_event_source",
		sql: `ALTER TABLE trigger_deliveries ADD COLUMN IF NOT EXISTS event_source TEXT`,
	},
	{
		id: "0023_trigger_source_pauses",
		sql: `CREATE TABLE IF NOT EXISTS trigger_source_pauses (
			source TEXT PRIMARY KEY,
			reason TEXT,
			paused_until TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	},
}
