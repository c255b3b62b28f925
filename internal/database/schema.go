package database

// schema contains all table definitions. Each statement is idempotent (CREATE IF NOT EXISTS).
const schema = `
CREATE TABLE IF NOT EXISTS provision_runs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at    INTEGER NOT NULL,
    finished_at   INTEGER,
    duration_ms   INTEGER,
    status        TEXT    NOT NULL DEFAULT 'running',
    failed_step   TEXT    NOT NULL DEFAULT '',
    error         TEXT    NOT NULL DEFAULT '',
    wan_interface TEXT    NOT NULL DEFAULT '',
    public_ip     TEXT    NOT NULL DEFAULT '',
    ca_created    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_provision_runs_started
    ON provision_runs (started_at);

CREATE TABLE IF NOT EXISTS certificates (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     INTEGER NOT NULL REFERENCES provision_runs(id) ON DELETE CASCADE,
    role       TEXT    NOT NULL,
    path       TEXT    NOT NULL,
    subject    TEXT    NOT NULL DEFAULT '',
    issuer     TEXT    NOT NULL DEFAULT '',
    sha256     TEXT    NOT NULL,
    san        TEXT    NOT NULL DEFAULT '',
    not_after  INTEGER NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
CREATE INDEX IF NOT EXISTS idx_certificates_role
    ON certificates (role, id);

CREATE TABLE IF NOT EXISTS settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);
`
