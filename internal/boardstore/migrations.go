package boardstore

// schema is applied on every open; statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL DEFAULT 'backlog',
	adw_id TEXT,
	workflow_name TEXT,
	pipeline TEXT,
	progress_percent INTEGER,
	current_step TEXT,
	workflow_status TEXT,
	progress_updated TIMESTAMP,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_adw_id ON tasks(adw_id);

CREATE TABLE IF NOT EXISTS task_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	ts TIMESTAMP NOT NULL,
	level TEXT NOT NULL,
	message TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, id);
`
