package store

// schema is applied with CREATE TABLE IF NOT EXISTS on every open, matching
// spec.md §4.1's listed surfaces. Style grounded on
// other_examples/964e282d_untoldecay-BeadsLog__internal-storage-sqlite-schema.go.go
// (inline CHECK constraints, explicit indexes per query shape).
const schema = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA foreign_keys = ON;
PRAGMA busy_timeout = 10000;

CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	type             TEXT NOT NULL DEFAULT '',
	priority         INTEGER NOT NULL CHECK (priority BETWEEN 0 AND 3),
	state            TEXT NOT NULL,
	lane             TEXT NOT NULL DEFAULT '',
	shard            TEXT,
	assigned_model   TEXT,
	worker_id        TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at       DATETIME,
	completed_at     DATETIME,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	max_retries      INTEGER NOT NULL DEFAULT 3,
	parent_task_id   TEXT NOT NULL DEFAULT '',
	payload          TEXT NOT NULL DEFAULT '',
	metadata         TEXT NOT NULL DEFAULT '{}',
	result           TEXT NOT NULL DEFAULT '',
	error            TEXT NOT NULL DEFAULT '',
	trace_id         TEXT NOT NULL DEFAULT '',
	heartbeat_at     DATETIME,
	last_activity_at DATETIME,
	checksum         TEXT NOT NULL DEFAULT '',
	failure_domain   TEXT NOT NULL DEFAULT '',
	submitted_by     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_state_priority ON tasks(state, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id);
CREATE INDEX IF NOT EXISTS idx_tasks_type ON tasks(type);

CREATE TABLE IF NOT EXISTS events (
	seq_id         INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        TEXT NOT NULL DEFAULT '{}',
	trace_id       TEXT NOT NULL DEFAULT '',
	causation_id   TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events(aggregate_type, aggregate_id);

CREATE TABLE IF NOT EXISTS workers (
	id              TEXT PRIMARY KEY,
	pid             INTEGER NOT NULL DEFAULT 0,
	hostname        TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	specialization  TEXT NOT NULL DEFAULT '',
	shard           TEXT NOT NULL DEFAULT '',
	model           TEXT NOT NULL DEFAULT '',
	started_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_heartbeat  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	tasks_completed INTEGER NOT NULL DEFAULT 0,
	tasks_failed    INTEGER NOT NULL DEFAULT 0,
	crash_count     INTEGER NOT NULL DEFAULT 0,
	current_task    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS worker_heartbeats (
	worker_id TEXT NOT NULL,
	at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker ON worker_heartbeats(worker_id, at);

CREATE TABLE IF NOT EXISTS consensus_requests (
	id             TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL,
	review_type    TEXT NOT NULL,
	subject        TEXT NOT NULL DEFAULT '',
	context        TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	final_decision TEXT NOT NULL DEFAULT '',
	approvals      INTEGER NOT NULL DEFAULT 0,
	rejections     INTEGER NOT NULL DEFAULT 0,
	abstentions    INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	timeout_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_consensus_task ON consensus_requests(task_id);

CREATE TABLE IF NOT EXISTS consensus_votes (
	request_id       TEXT NOT NULL,
	model            TEXT NOT NULL,
	decision         TEXT NOT NULL,
	confidence       REAL NOT NULL CHECK (confidence BETWEEN 0 AND 1),
	reasoning        TEXT NOT NULL DEFAULT '',
	required_changes TEXT NOT NULL DEFAULT '',
	latency_ms       INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (request_id, model)
);

CREATE TABLE IF NOT EXISTS breakers (
	model           TEXT PRIMARY KEY,
	state           TEXT NOT NULL DEFAULT 'CLOSED',
	failure_count   INTEGER NOT NULL DEFAULT 0,
	last_failure    DATETIME,
	last_success    DATETIME,
	half_open_calls INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS costs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms   INTEGER NOT NULL DEFAULT 0,
	task_type     TEXT NOT NULL DEFAULT '',
	timestamp     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	trace_id      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_costs_timestamp ON costs(timestamp);
CREATE INDEX IF NOT EXISTS idx_costs_model ON costs(model, timestamp);

CREATE TABLE IF NOT EXISTS gates (
	task_id      TEXT NOT NULL,
	phase        TEXT NOT NULL,
	gate_status  TEXT NOT NULL DEFAULT 'PENDING',
	decided_at   DATETIME,
	PRIMARY KEY (task_id, phase)
);

CREATE TABLE IF NOT EXISTS health_status (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	overall    TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS task_phases (
	task_id        TEXT NOT NULL,
	phase          TEXT NOT NULL,
	started_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	completed_at   DATETIME,
	gate_status    TEXT NOT NULL DEFAULT 'PENDING',
	gate_failures  TEXT NOT NULL DEFAULT '',
	gate_approvers TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (task_id, phase)
);

CREATE TABLE IF NOT EXISTS phase_artifacts (
	task_id TEXT NOT NULL,
	phase   TEXT NOT NULL,
	name    TEXT NOT NULL,
	ref     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (task_id, phase, name)
);

CREATE TABLE IF NOT EXISTS phase_gate_decisions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL,
	phase      TEXT NOT NULL,
	decision   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	decided_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS routing_decisions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT NOT NULL,
	review_type TEXT NOT NULL,
	roster      TEXT NOT NULL DEFAULT '[]',
	decided_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS state (
	file_path TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (file_path, key)
);
`
