package client

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"BTPSync/module/sync/model"
	"BTPSync/tools/errs"

	"github.com/google/uuid"
)

// Local is the device-side persistence: the replica of the entity rows,
// the queue of not-yet-acknowledged operations and the sync cursor. All
// of it lives in one SQLite file so a restart loses nothing.
type Local struct {
	db *sql.DB
}

const localDDL = `
CREATE TABLE IF NOT EXISTS pending_ops (
    op_id       TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    kind        TEXT NOT NULL,
    payload     TEXT NOT NULL DEFAULT '{}',
    client_ts   INTEGER NOT NULL,
    queued_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_entity ON pending_ops (entity_type, entity_id);

CREATE TABLE IF NOT EXISTS entities (
    kind       TEXT NOT NULL,
    id         TEXT NOT NULL,
    doc        TEXT NOT NULL DEFAULT '{}',
    version    INTEGER NOT NULL DEFAULT 0,
    deleted_at INTEGER,
    PRIMARY KEY (kind, id)
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// OpenLocal opens (or creates) the local database. ":memory:" works for
// throwaway engines.
func OpenLocal(path string) (*Local, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.WrapMsg(err, "open local db")
	}
	if _, err := db.Exec(localDDL); err != nil {
		_ = db.Close()
		return nil, errs.WrapMsg(err, "apply local schema")
	}
	// the apply routine is the single writer; one connection keeps
	// sqlite's locking out of the picture
	db.SetMaxOpenConns(1)
	return &Local{db: db}, nil
}

func (l *Local) Close() error { return l.db.Close() }

// ===== pending queue =====

// Enqueue stores a locally authored op until the server acknowledges it.
func (l *Local) Enqueue(op *model.Operation) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return errs.WrapMsg(err, "marshal payload")
	}
	_, err = l.db.Exec(`
		INSERT INTO pending_ops (op_id, entity_type, entity_id, kind, payload, client_ts, queued_at)
		VALUES (?,?,?,?,?,?,?)`,
		op.OpID, op.EntityType, op.EntityID, op.Kind, string(payload), op.ClientTS, time.Now().UnixMilli())
	return errs.WrapMsg(err, "enqueue op")
}

// PendingOps returns the queue in authoring order.
func (l *Local) PendingOps() ([]*model.Operation, error) {
	rows, err := l.db.Query(`
		SELECT op_id, entity_type, entity_id, kind, payload, client_ts
		FROM pending_ops ORDER BY queued_at, op_id`)
	if err != nil {
		return nil, errs.WrapMsg(err, "read pending")
	}
	defer rows.Close()
	var out []*model.Operation
	for rows.Next() {
		op := &model.Operation{}
		var payload string
		if err := rows.Scan(&op.OpID, &op.EntityType, &op.EntityID, &op.Kind, &payload, &op.ClientTS); err != nil {
			return nil, errs.WrapMsg(err, "scan pending")
		}
		if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
			return nil, errs.WrapMsg(err, "unmarshal payload")
		}
		out = append(out, op)
	}
	return out, errs.Wrap(rows.Err())
}

// HasPendingFor reports whether an unacknowledged local op targets the
// entity. This is the conflict guard's question.
func (l *Local) HasPendingFor(kind model.EntityKind, id string) (bool, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM pending_ops WHERE entity_type = ? AND entity_id = ?`,
		kind, id).Scan(&n)
	return n > 0, errs.Wrap(err)
}

// Ack drops acknowledged ops from the queue. An acked op is never
// resent.
func (l *Local) Ack(opIDs []string) error {
	tx, err := l.db.Begin()
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, id := range opIDs {
		if _, err := tx.Exec(`DELETE FROM pending_ops WHERE op_id = ?`, id); err != nil {
			return errs.WrapMsg(err, "ack op")
		}
	}
	return errs.Wrap(tx.Commit())
}

// ===== replica =====

// ApplyOp folds one operation into the local replica: upsert with field
// merge for CREATE/UPDATE, soft delete for DELETE. Same degrade rule as
// the server: an UPDATE for a missing row becomes a CREATE.
func (l *Local) ApplyOp(op *model.Operation) error {
	var doc string
	var version int64
	var deletedAt sql.NullInt64
	err := l.db.QueryRow(`SELECT doc, version, deleted_at FROM entities WHERE kind = ? AND id = ?`,
		op.EntityType, op.EntityID).Scan(&doc, &version, &deletedAt)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return errs.WrapMsg(err, "load entity")
	}

	fields := map[string]any{}
	if exists {
		if err := json.Unmarshal([]byte(doc), &fields); err != nil {
			return errs.WrapMsg(err, "unmarshal doc")
		}
	}

	switch op.Kind {
	case model.OpCreate, model.OpUpdate:
		for k, v := range op.Payload {
			if k == "deletedAt" {
				if v == nil {
					deletedAt = sql.NullInt64{}
				}
				continue
			}
			if v == nil {
				continue
			}
			fields[k] = v
		}
	case model.OpDelete:
		deletedAt = sql.NullInt64{Int64: time.Now().UnixMilli(), Valid: true}
	}

	newDoc, err := json.Marshal(fields)
	if err != nil {
		return errs.WrapMsg(err, "marshal doc")
	}
	_, err = l.db.Exec(`
		INSERT INTO entities (kind, id, doc, version, deleted_at) VALUES (?,?,?,?,?)
		ON CONFLICT (kind, id) DO UPDATE SET doc = excluded.doc, version = excluded.version, deleted_at = excluded.deleted_at`,
		op.EntityType, op.EntityID, string(newDoc), version+1, nullableInt(deletedAt))
	return errs.WrapMsg(err, "store entity")
}

func nullableInt(v sql.NullInt64) any {
	if v.Valid {
		return v.Int64
	}
	return nil
}

// Entity reads one replica row; nil when absent.
func (l *Local) Entity(kind model.EntityKind, id string) (*model.EntityRow, error) {
	var doc string
	var version int64
	var deletedAt sql.NullInt64
	err := l.db.QueryRow(`SELECT doc, version, deleted_at FROM entities WHERE kind = ? AND id = ?`,
		kind, id).Scan(&doc, &version, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "load entity")
	}
	row := &model.EntityRow{Kind: kind, ID: id, Version: version, Fields: map[string]any{}}
	if err := json.Unmarshal([]byte(doc), &row.Fields); err != nil {
		return nil, errs.WrapMsg(err, "unmarshal doc")
	}
	if deletedAt.Valid {
		t := time.UnixMilli(deletedAt.Int64)
		row.DeletedAt = &t
	}
	return row, nil
}

// ===== meta =====

func (l *Local) getMeta(key string) (string, error) {
	var v string
	err := l.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, errs.Wrap(err)
}

func (l *Local) setMeta(key, value string) error {
	_, err := l.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?,?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return errs.Wrap(err)
}

// Cursor is the last-seen server sequence; NoCursor (-1) before the
// first successful sync.
func (l *Local) Cursor() (int64, error) {
	v, err := l.getMeta("cursor")
	if err != nil {
		return 0, err
	}
	if v == "" {
		return -1, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, errs.Wrap(err)
}

// SetCursor advances the cursor; it never regresses.
func (l *Local) SetCursor(seq int64) error {
	cur, err := l.Cursor()
	if err != nil {
		return err
	}
	if seq <= cur {
		return nil
	}
	return l.setMeta("cursor", strconv.FormatInt(seq, 10))
}

// DeviceID returns the stable per-installation device id, minting one on
// first use.
func (l *Local) DeviceID() (string, error) {
	v, err := l.getMeta("device_id")
	if err != nil {
		return "", err
	}
	if v != "" {
		return v, nil
	}
	v = uuid.NewString()
	if err := l.setMeta("device_id", v); err != nil {
		return "", err
	}
	return v, nil
}
