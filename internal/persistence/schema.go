package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Timestamps are Unix nanoseconds; NULL means unset.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		handler TEXT NOT NULL,
		args TEXT,
		scheduled_at INTEGER NOT NULL,
		occurrence_at INTEGER NOT NULL,
		recurrence TEXT NOT NULL,
		timeout_ns INTEGER NOT NULL,
		priority INTEGER NOT NULL,
		retry_policy TEXT NOT NULL,
		resources TEXT NOT NULL,
		service TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER,
		result TEXT,
		error TEXT,
		attempt INTEGER NOT NULL DEFAULT 1,
		retry_of TEXT NOT NULL DEFAULT '',
		retried_by TEXT NOT NULL DEFAULT '',
		previous TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status_scheduled ON tasks(status, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_name ON tasks(name);

	CREATE TABLE IF NOT EXISTS dependency_edges (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id),
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_dependency_edges_depends_on ON dependency_edges(depends_on_id);

	CREATE TABLE IF NOT EXISTS execution_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		ts INTEGER NOT NULL,
		status INTEGER NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE INDEX IF NOT EXISTS idx_execution_log_task_id ON execution_log(task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
