package store

// Schema is the complete monitor schema. All timestamps are milliseconds
// since epoch.
const Schema = `
-- Pages under watch
CREATE TABLE IF NOT EXISTS pages (
    id              TEXT PRIMARY KEY,
    url             TEXT NOT NULL UNIQUE,
    title           TEXT NOT NULL DEFAULT '',
    check_interval  INTEGER NOT NULL DEFAULT 900000,
    enabled         INTEGER NOT NULL DEFAULT 1,
    exclusions      TEXT NOT NULL DEFAULT '[]',
    report_first    INTEGER NOT NULL DEFAULT 0,
    etag            TEXT NOT NULL DEFAULT '',
    last_modified   TEXT NOT NULL DEFAULT '',
    last_checked_at INTEGER,
    last_hash       TEXT NOT NULL DEFAULT '',
    last_status     TEXT NOT NULL DEFAULT 'pending',
    last_error      TEXT NOT NULL DEFAULT '',
    fail_count      INTEGER NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pages_due ON pages(enabled, last_checked_at);

-- Current baseline snapshot, one row per page
CREATE TABLE IF NOT EXISTS snapshots (
    page_id     TEXT PRIMARY KEY REFERENCES pages(id) ON DELETE CASCADE,
    url         TEXT NOT NULL,
    data        BLOB NOT NULL,
    hash        TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    fetched_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

-- Reported changes, newest first by ID (UUIDv7 sorts by time)
CREATE TABLE IF NOT EXISTS change_log (
    id           TEXT PRIMARY KEY,
    page_id      TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
    url          TEXT NOT NULL,
    delta        BLOB NOT NULL,
    record_count INTEGER NOT NULL,
    reported_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_log_page ON change_log(page_id, reported_at DESC);
CREATE INDEX IF NOT EXISTS idx_change_log_time ON change_log(reported_at DESC);

-- Per-check observability
CREATE TABLE IF NOT EXISTS fetch_log (
    id            TEXT PRIMARY KEY,
    page_id       TEXT NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
    status        TEXT NOT NULL,
    status_code   INTEGER,
    content_hash  TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    fetched_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_log_page ON fetch_log(page_id, fetched_at DESC);
`
