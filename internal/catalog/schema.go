package catalog

// schema is executed on every open; all statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'active',
    settings     TEXT NOT NULL DEFAULT '{}',
    bucket_count INTEGER NOT NULL DEFAULT 0,
    table_count  INTEGER NOT NULL DEFAULT 0,
    size_bytes   INTEGER NOT NULL DEFAULT 0,
    created_at   TIMESTAMP NOT NULL,
    updated_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS branches (
    project_id TEXT NOT NULL,
    id         TEXT NOT NULL,
    name       TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (project_id, id)
);

CREATE TABLE IF NOT EXISTS branch_tables (
    project_id  TEXT NOT NULL,
    branch_id   TEXT NOT NULL,
    bucket      TEXT NOT NULL,
    table_name  TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL,
    PRIMARY KEY (project_id, branch_id, bucket, table_name)
);

CREATE TABLE IF NOT EXISTS api_keys (
    id          TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL,
    scope       TEXT NOT NULL,
    branch_id   TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    key_hash    TEXT NOT NULL,
    safe_prefix TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL,
    expires_at  TIMESTAMP,
    revoked     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_api_keys_project ON api_keys(project_id);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash);

CREATE TABLE IF NOT EXISTS snapshots (
    id          TEXT PRIMARY KEY,
    project_id  TEXT NOT NULL,
    bucket      TEXT NOT NULL,
    table_name  TEXT NOT NULL,
    type        TEXT NOT NULL,
    row_count   INTEGER NOT NULL DEFAULT 0,
    size_bytes  INTEGER NOT NULL DEFAULT 0,
    columns     TEXT NOT NULL DEFAULT '[]',
    primary_key TEXT NOT NULL DEFAULT '[]',
    data_path   TEXT NOT NULL,
    created_at  TIMESTAMP NOT NULL,
    expires_at  TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_snapshots_project ON snapshots(project_id, bucket, table_name);

CREATE TABLE IF NOT EXISTS snapshot_settings (
    scope      TEXT NOT NULL,
    entity_id  TEXT NOT NULL,
    delta      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (scope, entity_id)
);

CREATE TABLE IF NOT EXISTS files (
    id           TEXT PRIMARY KEY,
    project_id   TEXT NOT NULL,
    name         TEXT NOT NULL,
    rel_path     TEXT NOT NULL,
    size_bytes   INTEGER NOT NULL DEFAULT 0,
    content_hash TEXT NOT NULL DEFAULT '',
    content_type TEXT NOT NULL DEFAULT '',
    is_staged    INTEGER NOT NULL DEFAULT 0,
    tags         TEXT NOT NULL DEFAULT '{}',
    created_at   TIMESTAMP NOT NULL,
    expires_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_files_project ON files(project_id);

CREATE TABLE IF NOT EXISTS workspaces (
    id            TEXT PRIMARY KEY,
    project_id    TEXT NOT NULL,
    branch_id     TEXT NOT NULL DEFAULT '',
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    active        INTEGER NOT NULL DEFAULT 1,
    max_memory_mb INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL,
    expires_at    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS wire_sessions (
    id            TEXT PRIMARY KEY,
    workspace_id  TEXT NOT NULL,
    client_addr   TEXT NOT NULL DEFAULT '',
    started_at    TIMESTAMP NOT NULL,
    last_activity TIMESTAMP NOT NULL,
    query_count   INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL DEFAULT 'active'
);
CREATE INDEX IF NOT EXISTS idx_wire_sessions_workspace ON wire_sessions(workspace_id);

CREATE TABLE IF NOT EXISTS idempotency (
    key        TEXT PRIMARY KEY,
    method     TEXT NOT NULL,
    endpoint   TEXT NOT NULL,
    body_hash  TEXT NOT NULL DEFAULT '',
    status     INTEGER NOT NULL,
    body       BLOB,
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS operations (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    project_id    TEXT NOT NULL,
    operation     TEXT NOT NULL,
    status        TEXT NOT NULL,
    resource_type TEXT NOT NULL DEFAULT '',
    resource_id   TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_operations_project ON operations(project_id, id);
`
