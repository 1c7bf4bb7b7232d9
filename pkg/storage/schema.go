package storage

// schema creates both tables and their indexes. Statements are
// idempotent so opening an existing database is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS execution_queue (
	task_id         TEXT PRIMARY KEY,
	notebook_path   TEXT NOT NULL,
	cell_index      INTEGER NOT NULL,
	code            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending'
	                CHECK (status IN ('pending','running','completed','failed','cancelled','timeout')),
	created_at      TIMESTAMP NOT NULL,
	started_at      TIMESTAMP,
	completed_at    TIMESTAMP,
	error_message   TEXT,
	execution_count INTEGER,
	outputs_blob    TEXT,
	retries         INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_queue_notebook_status ON execution_queue(notebook_path, status);
CREATE INDEX IF NOT EXISTS idx_queue_status ON execution_queue(status);

CREATE TABLE IF NOT EXISTS asset_leases (
	asset_path    TEXT PRIMARY KEY,
	notebook_path TEXT NOT NULL,
	last_seen     TIMESTAMP NOT NULL,
	lease_expires TIMESTAMP NOT NULL,
	created_at    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_notebook ON asset_leases(notebook_path);
`
