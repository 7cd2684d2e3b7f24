package store

// DDL for the sync tables. Applied idempotently at startup; migrations
// beyond additive DDL are out of scope for the engine.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS sync_seq (
    principal_id TEXT PRIMARY KEY,
    seq          BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_ops (
    principal_id TEXT        NOT NULL,
    server_seq   BIGINT      NOT NULL,
    op_id        TEXT        NOT NULL UNIQUE,
    client_id    TEXT        NOT NULL,
    entity_type  TEXT        NOT NULL,
    entity_id    TEXT        NOT NULL,
    kind         TEXT        NOT NULL,
    payload      JSONB,
    client_ts    BIGINT      NOT NULL DEFAULT 0,
    committed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (principal_id, server_seq)
);

CREATE TABLE IF NOT EXISTS sync_entities (
    kind            TEXT        NOT NULL,
    id              TEXT        NOT NULL,
    principal_id    TEXT        NOT NULL,
    fields          JSONB       NOT NULL DEFAULT '{}'::jsonb,
    version         BIGINT      NOT NULL DEFAULT 0,
    last_op_id      TEXT        NOT NULL DEFAULT '',
    last_device_id  TEXT        NOT NULL DEFAULT '',
    last_server_seq BIGINT      NOT NULL DEFAULT 0,
    deleted_at      TIMESTAMPTZ,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS idx_sync_entities_principal
    ON sync_entities (principal_id) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS sync_clients (
    principal_id    TEXT        NOT NULL,
    device_id       TEXT        NOT NULL,
    last_pushed_seq BIGINT      NOT NULL DEFAULT 0,
    last_pulled_seq BIGINT      NOT NULL DEFAULT 0,
    last_push_at    TIMESTAMPTZ,
    last_pull_at    TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (principal_id, device_id)
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id            TEXT        PRIMARY KEY,
    principal_id  TEXT        NOT NULL,
    entity_type   TEXT        NOT NULL,
    entity_id     TEXT        NOT NULL,
    losing_op_id  TEXT        NOT NULL,
    winning_op_id TEXT        NOT NULL,
    local_fields  JSONB       NOT NULL DEFAULT '{}'::jsonb,
    remote_fields JSONB       NOT NULL DEFAULT '{}'::jsonb,
    state         TEXT        NOT NULL DEFAULT 'pending',
    resolution    TEXT        NOT NULL DEFAULT '',
    detected_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    resolved_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_pending
    ON sync_conflicts (principal_id) WHERE state = 'pending';

CREATE TABLE IF NOT EXISTS sync_outbox (
    id           BIGSERIAL   PRIMARY KEY,
    principal_id TEXT        NOT NULL,
    op           JSONB       NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
