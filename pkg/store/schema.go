package store

// schemaVersion is the target schema version for this build.
const schemaVersion = 1

var schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	pipeline     TEXT NOT NULL DEFAULT '',
	instrument   TEXT NOT NULL,
	timeframe    TEXT NOT NULL,
	state        TEXT NOT NULL,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	total_cost   REAL NOT NULL DEFAULT 0,
	error        TEXT,
	created_at   TEXT NOT NULL,
	started_at   TEXT,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

CREATE TABLE IF NOT EXISTS step_results (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id            TEXT NOT NULL REFERENCES runs(id),
	step_name         TEXT NOT NULL,
	system_prompt     TEXT,
	user_prompt       TEXT,
	output            TEXT,
	model             TEXT,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost              REAL NOT NULL DEFAULT 0,
	status            TEXT NOT NULL,
	error_message     TEXT,
	error_detail      TEXT,
	duration_ms       INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_step_results_run ON step_results(run_id);

CREATE TABLE IF NOT EXISTS failing_models (
	model      TEXT PRIMARY KEY,
	reason     TEXT NOT NULL,
	flagged_at TEXT NOT NULL
);
`
