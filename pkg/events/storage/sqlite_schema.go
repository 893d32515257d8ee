package storage

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// Schema creates the event table and its indexes. Timestamps and latencies
// are stored as integer nanoseconds so both SQLite drivers round-trip them
// identically.
const Schema = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    ts INTEGER NOT NULL,

    request_id TEXT,
    listener TEXT,
    route TEXT,
    method TEXT,
    host TEXT,
    path TEXT,
    status INTEGER,
    latency_ns INTEGER,
    attempts INTEGER,
    bytes_out INTEGER,

    backend TEXT,
    from_state TEXT,
    to_state TEXT,

    in_use INTEGER,
    capacity INTEGER,
    waiters INTEGER,

    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, ts);
CREATE INDEX IF NOT EXISTS idx_events_backend ON events(backend, ts);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);
`

// InsertSchemaVersion records the schema version if absent.
const InsertSchemaVersion = `INSERT OR IGNORE INTO schema_version (version) VALUES (?)`

// GetSchemaVersion reads the highest recorded schema version.
const GetSchemaVersion = `SELECT MAX(version) FROM schema_version`

const insertEvent = `
INSERT INTO events (
    id, kind, ts, request_id, listener, route, method, host, path, status,
    latency_ns, attempts, bytes_out, backend, from_state, to_state,
    in_use, capacity, waiters, error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectColumns = `
    id, kind, ts, request_id, listener, route, method, host, path, status,
    latency_ns, attempts, bytes_out, backend, from_state, to_state,
    in_use, capacity, waiters, error`
