package store

// schema is executed on every Open. Statements are idempotent so an
// existing database upgrades in place.
const schema = `
CREATE TABLE IF NOT EXISTS nodes (
    id                TEXT PRIMARY KEY,
    name              TEXT NOT NULL,
    ip                TEXT NOT NULL DEFAULT '',
    country_code      TEXT NOT NULL DEFAULT '',
    country_name      TEXT NOT NULL DEFAULT '',
    city              TEXT NOT NULL DEFAULT '',
    isp               TEXT NOT NULL DEFAULT '',
    xray_version      TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'unknown',
    last_heartbeat_at TEXT,
    last_metrics      TEXT,
    registered_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS clients (
    id             TEXT PRIMARY KEY,
    email          TEXT NOT NULL UNIQUE,
    status         TEXT NOT NULL DEFAULT 'active',
    daily_limit_mb INTEGER NOT NULL DEFAULT 0,
    expires_at     TEXT,
    total_uplink   INTEGER NOT NULL DEFAULT 0,
    total_downlink INTEGER NOT NULL DEFAULT 0,
    created_at     TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS assignments (
    client_id  TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
    node_id    TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    created_at TEXT NOT NULL,
    PRIMARY KEY (client_id, node_id)
);

CREATE TABLE IF NOT EXISTS traffic_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    client_id   TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
    node_id     TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    uplink      INTEGER NOT NULL,
    downlink    INTEGER NOT NULL,
    recorded_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_traffic (
    client_id   TEXT NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
    day         TEXT NOT NULL,
    total_bytes INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (client_id, day)
);

CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_assignments_node ON assignments(node_id);
CREATE INDEX IF NOT EXISTS idx_traffic_logs_client ON traffic_logs(client_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_daily_traffic_day ON daily_traffic(day);
`
