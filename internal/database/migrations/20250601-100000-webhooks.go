package migrations

func init() {
	Register(Migration{
		Version:     "20250601-100000",
		Description: "Add webhook subscriptions and deliveries tables",
		Up: []string{
			// Webhook subscriptions - endpoints registered by an api key
			// (and optionally a user) to receive job lifecycle events.
			`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
				id TEXT PRIMARY KEY,
				api_key_id TEXT,
				user_id TEXT,
				url TEXT NOT NULL,
				secret_encrypted TEXT,
				scope TEXT NOT NULL DEFAULT 'all',
				events TEXT NOT NULL DEFAULT '["*"]',
				task_ids TEXT,
				headers_json TEXT,
				timeout_seconds INTEGER NOT NULL DEFAULT 30,
				max_retries INTEGER NOT NULL DEFAULT 3,
				backoff_multiplier REAL NOT NULL DEFAULT 2,
				is_active INTEGER NOT NULL DEFAULT 1,
				consecutive_failures INTEGER NOT NULL DEFAULT 0,
				tags TEXT,
				metadata_json TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_webhook_subs_api_key ON webhook_subscriptions(api_key_id)`,
			`CREATE INDEX IF NOT EXISTS idx_webhook_subs_api_key_active ON webhook_subscriptions(api_key_id, is_active)`,

			// Webhook deliveries - one row per delivery attempt chain.
			// Retries update the same row; replay inserts a new one.
			`CREATE TABLE IF NOT EXISTS webhook_deliveries (
				id TEXT PRIMARY KEY,
				subscription_id TEXT,
				job_id TEXT,
				event_type TEXT NOT NULL,
				url TEXT NOT NULL,
				payload_json TEXT NOT NULL,
				request_headers_json TEXT,
				status_code INTEGER,
				response_body TEXT,
				response_time_ms INTEGER,
				status TEXT NOT NULL DEFAULT 'pending',
				error_message TEXT,
				attempt_number INTEGER NOT NULL DEFAULT 1,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				next_retry_at TEXT,
				created_at TEXT NOT NULL,
				delivered_at TEXT,
				FOREIGN KEY (subscription_id) REFERENCES webhook_subscriptions(id) ON DELETE SET NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_sub ON webhook_deliveries(subscription_id)`,
			`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_job ON webhook_deliveries(job_id)`,
			`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_status ON webhook_deliveries(status)`,
			`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_retry ON webhook_deliveries(status, next_retry_at)`,
		},
	})
}
