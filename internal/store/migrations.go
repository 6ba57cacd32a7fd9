package store

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS items (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    short_name TEXT NOT NULL DEFAULT '',
    name_key   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_name_key ON items(name_key);

CREATE TABLE IF NOT EXISTS watches (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    scope_id       TEXT NOT NULL,
    channel_id     TEXT NOT NULL,
    user_id        TEXT NOT NULL,
    item_id        TEXT NOT NULL DEFAULT '',
    item_name      TEXT NOT NULL,
    item_key       TEXT NOT NULL,
    max_price      INTEGER NOT NULL CHECK (max_price >= 1),
    once           BOOLEAN NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    cooldown_until INTEGER NOT NULL DEFAULT 0,
    UNIQUE(scope_id, user_id, item_key)
);

CREATE INDEX IF NOT EXISTS idx_watches_scope_user ON watches(scope_id, user_id);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS items (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    short_name TEXT NOT NULL DEFAULT '',
    name_key   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_items_name_key ON items(name_key);

CREATE TABLE IF NOT EXISTS watches (
    id             BIGSERIAL PRIMARY KEY,
    scope_id       TEXT NOT NULL,
    channel_id     TEXT NOT NULL,
    user_id        TEXT NOT NULL,
    item_id        TEXT NOT NULL DEFAULT '',
    item_name      TEXT NOT NULL,
    item_key       TEXT NOT NULL,
    max_price      BIGINT NOT NULL CHECK (max_price >= 1),
    once           BOOLEAN NOT NULL DEFAULT FALSE,
    created_at     BIGINT NOT NULL,
    cooldown_until BIGINT NOT NULL DEFAULT 0,
    UNIQUE(scope_id, user_id, item_key)
);

CREATE INDEX IF NOT EXISTS idx_watches_scope_user ON watches(scope_id, user_id);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
