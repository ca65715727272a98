package journal

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	workspace_root TEXT NOT NULL,
	baseline_commit TEXT,
	status TEXT NOT NULL,
	budgets_json TEXT NOT NULL,
	active_plan_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	session_id TEXT NOT NULL,
	seq_no INTEGER NOT NULL,
	at TEXT NOT NULL,
	kind TEXT NOT NULL,
	envelope_json TEXT NOT NULL,
	PRIMARY KEY (session_id, seq_no)
);

CREATE TABLE IF NOT EXISTS plans (
	plan_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	plan_json TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (plan_id, version)
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status TEXT NOT NULL,
	prompt TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subagent_runs (
	run_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	name TEXT NOT NULL,
	goal TEXT NOT NULL,
	status TEXT NOT NULL,
	output TEXT,
	error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS autopilot_runs (
	run_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	prompt TEXT NOT NULL,
	status TEXT NOT NULL,
	stop_reason TEXT,
	completed_iterations INTEGER NOT NULL DEFAULT 0,
	failed_iterations INTEGER NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_ledger (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	unit TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS provider_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	cache_key TEXT NOT NULL,
	cache_hit INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS background_jobs (
	job_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	reference TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profile_runs (
	profile_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	summary TEXT NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS verification_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	command TEXT NOT NULL,
	success INTEGER NOT NULL,
	output TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	reason TEXT NOT NULL,
	files_count INTEGER NOT NULL,
	snapshot_path TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS router_stats (
	decision_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	selected_model TEXT NOT NULL,
	score REAL NOT NULL,
	confidence REAL NOT NULL,
	escalated INTEGER NOT NULL,
	reason_codes TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
CREATE INDEX IF NOT EXISTS idx_verification_session ON verification_runs(session_id, id);
CREATE INDEX IF NOT EXISTS idx_autopilot_updated ON autopilot_runs(updated_at)
`
