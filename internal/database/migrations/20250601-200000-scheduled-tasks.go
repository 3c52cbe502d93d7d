package migrations

func init() {
	Register(Migration{
		Version:     "20250601-200000",
		Description: "Add scheduled tasks and task executions tables",
		Up: []string{
			// Scheduled tasks - recurring work definitions with aggregate
			// run statistics maintained by the scheduler.
			`CREATE TABLE IF NOT EXISTS scheduled_tasks (
				id TEXT PRIMARY KEY,
				api_key_id TEXT,
				name TEXT NOT NULL,
				kind TEXT NOT NULL,
				schedule TEXT NOT NULL,
				payload_json TEXT,
				is_active INTEGER NOT NULL DEFAULT 1,
				last_run_at TEXT,
				run_count INTEGER NOT NULL DEFAULT 0,
				success_count INTEGER NOT NULL DEFAULT 0,
				failure_count INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_active ON scheduled_tasks(is_active)`,

			// Task executions - one row per in-flight run. The reaper fails
			// rows stuck in running past the stale age.
			`CREATE TABLE IF NOT EXISTS task_executions (
				id TEXT PRIMARY KEY,
				task_id TEXT REFERENCES scheduled_tasks(id) ON DELETE CASCADE,
				job_id TEXT,
				status TEXT NOT NULL DEFAULT 'running',
				fail_reason TEXT,
				error_message TEXT,
				started_at TEXT NOT NULL,
				finished_at TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_task_executions_task ON task_executions(task_id)`,
			`CREATE INDEX IF NOT EXISTS idx_task_executions_status_started ON task_executions(status, started_at)`,
			`CREATE INDEX IF NOT EXISTS idx_task_executions_job ON task_executions(job_id)`,
		},
	})
}
