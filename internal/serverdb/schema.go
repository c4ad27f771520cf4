package serverdb

// ServerSchemaVersion is the current server database schema version
const ServerSchemaVersion = 2

const serverSchema = `
-- Principals own records; every API key belongs to one
CREATE TABLE IF NOT EXISTS principals (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
    id TEXT PRIMARY KEY,
    principal_id TEXT NOT NULL,
    key_hash TEXT UNIQUE NOT NULL,
    key_prefix TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    expires_at TEXT,
    last_used_at TEXT,
    created_at TEXT NOT NULL,
    FOREIGN KEY (principal_id) REFERENCES principals(id) ON DELETE CASCADE
);

-- Authoritative records. synced_at is the server receipt time and drives
-- incremental pulls; updated_at is the client's entity timestamp.
CREATE TABLE IF NOT EXISTS records (
    entity_id TEXT PRIMARY KEY,
    principal_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    local_id TEXT NOT NULL,
    data TEXT,
    deleted INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    synced_at TEXT NOT NULL,
    device_id TEXT NOT NULL DEFAULT '',
    UNIQUE (principal_id, entity_type, local_id),
    FOREIGN KEY (principal_id) REFERENCES principals(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_records_principal_synced ON records(principal_id, synced_at);
`

// Migration is one schema upgrade step.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations is the list of all server database migrations in order
var Migrations = []Migration{
	// Version 1 is the initial schema - no migration needed
	{
		Version:     2,
		Description: "Add lookup indexes for api keys and records by type",
		SQL: `CREATE INDEX IF NOT EXISTS idx_api_keys_principal ON api_keys(principal_id);
		CREATE INDEX IF NOT EXISTS idx_records_principal_type ON records(principal_id, entity_type);`,
	},
}
