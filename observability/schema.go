package observability

import "database/sql"

// Schema contains the complete DDL for the observability tables.
// Call Init(db) to apply it, or use this constant to embed in your own
// schema management.
const Schema = `
-- Job lifecycle, breaker transitions and worker health flips.
CREATE TABLE IF NOT EXISTS job_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    worker_id TEXT,
    job_kind TEXT,
    detail TEXT,
    success INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_job_events_type_time
    ON job_events(event_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_job_events_entity
    ON job_events(entity_id);
CREATE INDEX IF NOT EXISTS idx_job_events_worker
    ON job_events(worker_id, created_at DESC);

-- Service Heartbeats
CREATE TABLE IF NOT EXISTS service_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    service_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    memory_sys_mb REAL,
    gc_count INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_service_time
    ON service_heartbeats(service_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_heartbeats_timestamp
    ON service_heartbeats(timestamp DESC);

-- Metadata registry
CREATE TABLE IF NOT EXISTS _observability_metadata (
    table_name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
    description TEXT
);
INSERT OR IGNORE INTO _observability_metadata (table_name, description) VALUES
    ('job_events', 'Job lifecycle, breaker and worker-health events'),
    ('service_heartbeats', 'Process liveness heartbeats with runtime metrics');
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
