package migrations

func init() {
	Register(Migration{
		Version:     "20250601-000000",
		Description: "Initial schema",
		Up: []string{
			// API keys - programmatic access plus the credit balance the
			// billing ledger debits. Credits may go negative: admission
			// checks happen before dispatch, not at deduction time.
			`CREATE TABLE IF NOT EXISTS api_keys (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				key_hash TEXT UNIQUE NOT NULL,
				key_prefix TEXT NOT NULL,
				user_id TEXT,
				credits REAL NOT NULL DEFAULT 0,
				is_active INTEGER NOT NULL DEFAULT 1,
				last_used_at TEXT,
				expires_at TEXT,
				created_at TEXT NOT NULL,
				revoked_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_key_hash ON api_keys(key_hash)`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)`,

			// Jobs - one row per scrape/crawl/search/map request
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				api_key_id TEXT,
				kind TEXT NOT NULL,
				queue TEXT NOT NULL,
				url TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				payload_json TEXT,
				total INTEGER NOT NULL DEFAULT 0,
				completed INTEGER NOT NULL DEFAULT 0,
				failed INTEGER NOT NULL DEFAULT 0,
				credits_used REAL NOT NULL DEFAULT 0,
				deducted_at TEXT,
				cache_hits INTEGER NOT NULL DEFAULT 0,
				result_json TEXT,
				error_message TEXT,
				started_at TEXT,
				finished_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_api_key_id ON jobs(api_key_id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,

			// Billing ledger - append-only audit trail for every credit
			// mutation. The unique idempotency_key is what makes retried
			// charges safe.
			`CREATE TABLE IF NOT EXISTS billing_ledger (
				id TEXT PRIMARY KEY,
				idempotency_key TEXT UNIQUE NOT NULL,
				job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				api_key_id TEXT,
				mode TEXT NOT NULL,
				reason TEXT NOT NULL,
				charged REAL NOT NULL,
				before_used REAL NOT NULL,
				after_used REAL NOT NULL,
				before_credits REAL,
				after_credits REAL,
				details_json TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_billing_ledger_job_id ON billing_ledger(job_id)`,
			`CREATE INDEX IF NOT EXISTS idx_billing_ledger_api_key_id ON billing_ledger(api_key_id)`,

			// Queue messages - durable work queue. A leased message that is
			// never acked becomes visible again after leased_until passes.
			`CREATE TABLE IF NOT EXISTS queue_messages (
				id TEXT PRIMARY KEY,
				queue TEXT NOT NULL,
				job_id TEXT,
				payload_json TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				attempts INTEGER NOT NULL DEFAULT 0,
				available_at TEXT NOT NULL,
				leased_until TEXT,
				error_message TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_messages_poll ON queue_messages(queue, status, available_at)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_messages_job_id ON queue_messages(job_id)`,

			// Crawl pages - individual page results for crawl jobs.
			// IDs are ULIDs so the primary key doubles as a pagination cursor.
			`CREATE TABLE IF NOT EXISTS crawl_pages (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				url TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'completed',
				data_json TEXT,
				error_message TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_crawl_pages_job_id ON crawl_pages(job_id)`,
		},
	})
}
