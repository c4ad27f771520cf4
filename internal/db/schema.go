package db

// SchemaVersion is the current schema version
const SchemaVersion = 3

const schema = `
CREATE TABLE IF NOT EXISTS change_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL DEFAULT '',
    local_id TEXT NOT NULL,
    operation TEXT NOT NULL,
    payload TEXT,
    created_at TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    UNIQUE(entity_type, local_id)
);

CREATE TABLE IF NOT EXISTS records (
    entity_type TEXT NOT NULL,
    local_id TEXT NOT NULL,
    data TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0,
    phase TEXT NOT NULL DEFAULT 'pending',
    remote_id TEXT NOT NULL DEFAULT '',
    synced_at TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (entity_type, local_id)
);

CREATE INDEX IF NOT EXISTS idx_records_remote ON records(entity_type, remote_id);

CREATE TABLE IF NOT EXISTS conflicts (
    id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL DEFAULT '',
    local_id TEXT NOT NULL,
    local_data TEXT,
    remote_data TEXT,
    local_updated_at TEXT NOT NULL,
    remote_updated_at TEXT NOT NULL,
    detected_at TEXT NOT NULL,
    UNIQUE(entity_type, local_id)
);

CREATE TABLE IF NOT EXISTS sync_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    direction TEXT NOT NULL,
    operation TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    local_id TEXT NOT NULL DEFAULT '',
    entity_id TEXT NOT NULL DEFAULT '',
    device_id TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL
);
`

// Migration is one schema change applied in version order
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations lists every schema change
var Migrations = []Migration{
	{Version: 1, Description: "initial schema", SQL: schema},
	{
		Version:     2,
		Description: "index sync history by entity",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_sync_history_entity ON sync_history(entity_type, local_id);`,
	},
	{
		Version:     3,
		Description: "record deleted sides of conflicts",
		SQL: `ALTER TABLE conflicts ADD COLUMN local_deleted INTEGER NOT NULL DEFAULT 0;
ALTER TABLE conflicts ADD COLUMN remote_deleted INTEGER NOT NULL DEFAULT 0;`,
	},
}
