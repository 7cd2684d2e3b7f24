package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"BTPSync/module/sync/model"
	"BTPSync/tools/errs"
	ids "BTPSync/tools/ids"
)

// PgStore is the production Store over Postgres. One transaction per
// push batch, one savepoint per operation, seq counter row locked for
// the duration of the batch so the per-principal log stays gapless.
type PgStore struct {
	pool  *pgxpool.Pool
	Clock func() time.Time
}

var _ Store = (*PgStore)(nil)
var _ Store = (*memStore)(nil)

func NewPg(ctx context.Context, pool *pgxpool.Pool) (*PgStore, error) {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return nil, errs.WrapMsg(err, "apply sync schema")
	}
	return &PgStore{pool: pool, Clock: time.Now}, nil
}

// ===== batch apply =====

type pgBatch struct {
	tx        pgx.Tx
	clock     func() time.Time
	principal string
	device    string
	knownSeq  int64

	seq   int64 // last assigned seq, written back on commit
	spNum int
}

func (s *PgStore) InBatch(ctx context.Context, principalID, deviceID string, knownSeq int64, fn func(Batch) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.WrapMsg(err, "begin push tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO sync_seq (principal_id) VALUES ($1) ON CONFLICT DO NOTHING`, principalID); err != nil {
		return errs.WrapMsg(err, "ensure seq row")
	}
	var cur int64
	if err := tx.QueryRow(ctx,
		`SELECT seq FROM sync_seq WHERE principal_id = $1 FOR UPDATE`, principalID).Scan(&cur); err != nil {
		return errs.WrapMsg(err, "lock seq row")
	}

	b := &pgBatch{tx: tx, clock: s.Clock, principal: principalID, device: deviceID, knownSeq: knownSeq, seq: cur}
	if err := fn(b); err != nil {
		return err
	}
	if b.seq != cur {
		if _, err := tx.Exec(ctx,
			`UPDATE sync_seq SET seq = $2 WHERE principal_id = $1`, principalID, b.seq); err != nil {
			return errs.WrapMsg(err, "advance seq")
		}
	}
	return errs.WrapMsg(tx.Commit(ctx), "commit push tx")
}

func (b *pgBatch) Apply(ctx context.Context, op *model.Operation) (*ApplyResult, error) {
	b.spNum++
	sp := fmt.Sprintf("op_%d", b.spNum)
	if _, err := b.tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return nil, errs.WrapMsg(err, "savepoint")
	}
	res, err := b.applyOne(ctx, op)
	if err != nil {
		if _, rbErr := b.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			return nil, errs.WrapMsg(rbErr, "rollback to savepoint")
		}
		return nil, err
	}
	if _, err := b.tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return nil, errs.WrapMsg(err, "release savepoint")
	}
	return res, nil
}

func (b *pgBatch) applyOne(ctx context.Context, op *model.Operation) (*ApplyResult, error) {
	// duplicate opId: already applied, never re-projected
	var prevSeq int64
	err := b.tx.QueryRow(ctx, `SELECT server_seq FROM sync_ops WHERE op_id = $1`, op.OpID).Scan(&prevSeq)
	if err == nil {
		return &ApplyResult{Duplicate: true, ServerSeq: prevSeq}, nil
	}
	if err != pgx.ErrNoRows {
		return nil, errs.WrapMsg(err, "dedupe lookup")
	}

	row, err := scanEntityForUpdate(ctx, b.tx, op.EntityType, op.EntityID)
	if err != nil {
		return nil, err
	}

	now := b.clock()
	next, err := Project(row, op, now)
	if err != nil {
		return nil, err
	}

	var conflict *model.Conflict
	if DetectConflict(row, op, b.knownSeq) {
		conflict = &model.Conflict{
			ID:           ids.GenerateString(),
			PrincipalID:  b.principal,
			EntityType:   op.EntityType,
			EntityID:     op.EntityID,
			LosingOpID:   row.LastOpID,
			WinningOpID:  op.OpID,
			LocalFields:  row.Fields,
			RemoteFields: op.Payload,
			State:        model.ConflictPending,
			DetectedAt:   now,
		}
	}

	b.seq++
	committed := op.Clone()
	committed.ServerSeq = b.seq
	committed.PrincipalID = b.principal
	next.LastServerSeq = b.seq

	fieldsJSON, err := json.Marshal(next.Fields)
	if err != nil {
		return nil, errs.WrapMsg(err, "marshal fields")
	}
	if _, err := b.tx.Exec(ctx, `
		INSERT INTO sync_entities (kind, id, principal_id, fields, version, last_op_id, last_device_id, last_server_seq, deleted_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (kind, id) DO UPDATE SET
			fields = EXCLUDED.fields, version = EXCLUDED.version,
			last_op_id = EXCLUDED.last_op_id, last_device_id = EXCLUDED.last_device_id,
			last_server_seq = EXCLUDED.last_server_seq,
			deleted_at = EXCLUDED.deleted_at, updated_at = EXCLUDED.updated_at`,
		next.Kind, next.ID, next.PrincipalID, fieldsJSON, next.Version,
		next.LastOpID, next.LastDeviceID, next.LastServerSeq, next.DeletedAt, next.UpdatedAt); err != nil {
		return nil, errs.WrapMsg(err, "upsert entity")
	}

	payloadJSON, err := json.Marshal(op.Payload)
	if err != nil {
		return nil, errs.WrapMsg(err, "marshal payload")
	}
	if _, err := b.tx.Exec(ctx, `
		INSERT INTO sync_ops (principal_id, server_seq, op_id, client_id, entity_type, entity_id, kind, payload, client_ts, committed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		b.principal, committed.ServerSeq, committed.OpID, committed.ClientID,
		committed.EntityType, committed.EntityID, committed.Kind, payloadJSON, committed.ClientTS, now); err != nil {
		return nil, errs.WrapMsg(err, "append op")
	}

	// outbox marker in the same tx: commit notification only becomes
	// claimable once the op itself is durable
	opJSON, err := json.Marshal(committed)
	if err != nil {
		return nil, errs.WrapMsg(err, "marshal outbound op")
	}
	if _, err := b.tx.Exec(ctx,
		`INSERT INTO sync_outbox (principal_id, op) VALUES ($1,$2)`, b.principal, opJSON); err != nil {
		return nil, errs.WrapMsg(err, "append outbox")
	}

	if conflict != nil {
		localJSON, _ := json.Marshal(conflict.LocalFields)
		remoteJSON, _ := json.Marshal(conflict.RemoteFields)
		if _, err := b.tx.Exec(ctx, `
			INSERT INTO sync_conflicts (id, principal_id, entity_type, entity_id, losing_op_id, winning_op_id, local_fields, remote_fields, state, detected_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'pending',$9)`,
			conflict.ID, conflict.PrincipalID, conflict.EntityType, conflict.EntityID,
			conflict.LosingOpID, conflict.WinningOpID, localJSON, remoteJSON, conflict.DetectedAt); err != nil {
			return nil, errs.WrapMsg(err, "record conflict")
		}
	}

	return &ApplyResult{ServerSeq: committed.ServerSeq, Version: next.Version, Conflict: conflict}, nil
}

func scanEntityForUpdate(ctx context.Context, tx pgx.Tx, kind model.EntityKind, id string) (*model.EntityRow, error) {
	row := &model.EntityRow{}
	var fieldsJSON []byte
	err := tx.QueryRow(ctx, `
		SELECT kind, id, principal_id, fields, version, last_op_id, last_device_id, last_server_seq, deleted_at, updated_at
		FROM sync_entities WHERE kind = $1 AND id = $2 FOR UPDATE`, kind, id).Scan(
		&row.Kind, &row.ID, &row.PrincipalID, &fieldsJSON, &row.Version,
		&row.LastOpID, &row.LastDeviceID, &row.LastServerSeq, &row.DeletedAt, &row.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "load entity")
	}
	if err := json.Unmarshal(fieldsJSON, &row.Fields); err != nil {
		return nil, errs.WrapMsg(err, "unmarshal fields")
	}
	return row, nil
}

// ===== reads =====

func scanOps(rows pgx.Rows) ([]*model.Operation, error) {
	defer rows.Close()
	var out []*model.Operation
	for rows.Next() {
		op := &model.Operation{}
		var payloadJSON []byte
		if err := rows.Scan(&op.PrincipalID, &op.ServerSeq, &op.OpID, &op.ClientID,
			&op.EntityType, &op.EntityID, &op.Kind, &payloadJSON, &op.ClientTS); err != nil {
			return nil, errs.WrapMsg(err, "scan op")
		}
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &op.Payload); err != nil {
				return nil, errs.WrapMsg(err, "unmarshal payload")
			}
		}
		out = append(out, op)
	}
	return out, errs.Wrap(rows.Err())
}

func (s *PgStore) ReadSince(ctx context.Context, principalID, excludeDevice string, since int64, limit int) ([]*model.Operation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT principal_id, server_seq, op_id, client_id, entity_type, entity_id, kind, payload, client_ts
		FROM sync_ops
		WHERE principal_id = $1 AND server_seq > $2 AND ($3 = '' OR client_id <> $3)
		ORDER BY server_seq
		LIMIT $4`, principalID, since, excludeDevice, limit)
	if err != nil {
		return nil, errs.WrapMsg(err, "read since")
	}
	return scanOps(rows)
}

func (s *PgStore) Snapshot(ctx context.Context, principalID string) ([]*model.EntityRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, id, principal_id, fields, version, last_op_id, last_device_id, last_server_seq, deleted_at, updated_at
		FROM sync_entities
		WHERE (principal_id = $1 OR kind = ANY($2)) AND deleted_at IS NULL
		ORDER BY id`, principalID, sharedKindNames())
	if err != nil {
		return nil, errs.WrapMsg(err, "snapshot")
	}
	defer rows.Close()
	var out []*model.EntityRow
	for rows.Next() {
		row := &model.EntityRow{}
		var fieldsJSON []byte
		if err := rows.Scan(&row.Kind, &row.ID, &row.PrincipalID, &fieldsJSON, &row.Version,
			&row.LastOpID, &row.LastDeviceID, &row.LastServerSeq, &row.DeletedAt, &row.UpdatedAt); err != nil {
			return nil, errs.WrapMsg(err, "scan entity")
		}
		if err := json.Unmarshal(fieldsJSON, &row.Fields); err != nil {
			return nil, errs.WrapMsg(err, "unmarshal fields")
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(err)
	}
	// dependency order so a fresh client creates parents before children
	sortRowsByRank(out)
	return out, nil
}

func sortRowsByRank(rows []*model.EntityRow) {
	// insertion sort keeps this allocation-free; snapshots are page-sized
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0 && rankOf(rows[j-1].Kind) > rankOf(rows[j].Kind); j-- {
			rows[j-1], rows[j] = rows[j], rows[j-1]
		}
	}
}

func rankOf(kind model.EntityKind) int {
	sp, _ := model.SpecFor(kind)
	return sp.Rank
}

func sharedKindNames() []string {
	kinds := model.SharedKinds()
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}

func (s *PgStore) GetEntity(ctx context.Context, kind model.EntityKind, id string) (*model.EntityRow, error) {
	row := &model.EntityRow{}
	var fieldsJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT kind, id, principal_id, fields, version, last_op_id, last_device_id, last_server_seq, deleted_at, updated_at
		FROM sync_entities WHERE kind = $1 AND id = $2`, kind, id).Scan(
		&row.Kind, &row.ID, &row.PrincipalID, &fieldsJSON, &row.Version,
		&row.LastOpID, &row.LastDeviceID, &row.LastServerSeq, &row.DeletedAt, &row.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "load entity")
	}
	if err := json.Unmarshal(fieldsJSON, &row.Fields); err != nil {
		return nil, errs.WrapMsg(err, "unmarshal fields")
	}
	return row, nil
}

func (s *PgStore) LatestSeq(ctx context.Context, principalID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(seq, 0) FROM sync_seq WHERE principal_id = $1`, principalID).Scan(&seq)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return seq, errs.Wrap(err)
}

func (s *PgStore) LogFloor(ctx context.Context, principalID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MIN(server_seq), 0) FROM sync_ops WHERE principal_id = $1`, principalID).Scan(&seq)
	return seq, errs.Wrap(err)
}

func (s *PgStore) CountOps(ctx context.Context, principalID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_ops WHERE principal_id = $1`, principalID).Scan(&n)
	return n, errs.Wrap(err)
}

// ===== device cursors =====

func (s *PgStore) TouchPush(ctx context.Context, principalID, deviceID string, seq int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_clients (principal_id, device_id, last_pushed_seq, last_push_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (principal_id, device_id) DO UPDATE SET
			last_pushed_seq = GREATEST(sync_clients.last_pushed_seq, EXCLUDED.last_pushed_seq),
			last_push_at = now()`, principalID, deviceID, seq)
	return errs.WrapMsg(err, "touch push")
}

func (s *PgStore) TouchPull(ctx context.Context, principalID, deviceID string, seq int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_clients (principal_id, device_id, last_pulled_seq, last_pull_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (principal_id, device_id) DO UPDATE SET
			last_pulled_seq = GREATEST(sync_clients.last_pulled_seq, EXCLUDED.last_pulled_seq),
			last_pull_at = now()`, principalID, deviceID, seq)
	return errs.WrapMsg(err, "touch pull")
}

func scanClients(rows pgx.Rows) ([]*model.SyncClient, error) {
	defer rows.Close()
	var out []*model.SyncClient
	for rows.Next() {
		c := &model.SyncClient{}
		var pushAt, pullAt *time.Time
		if err := rows.Scan(&c.PrincipalID, &c.DeviceID, &c.LastPushedSeq, &c.LastPulledSeq,
			&pushAt, &pullAt, &c.CreatedAt); err != nil {
			return nil, errs.WrapMsg(err, "scan client")
		}
		if pushAt != nil {
			c.LastPushAt = *pushAt
		}
		if pullAt != nil {
			c.LastPullAt = *pullAt
		}
		out = append(out, c)
	}
	return out, errs.Wrap(rows.Err())
}

func (s *PgStore) GetClient(ctx context.Context, principalID, deviceID string) (*model.SyncClient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT principal_id, device_id, last_pushed_seq, last_pulled_seq, last_push_at, last_pull_at, created_at
		FROM sync_clients WHERE principal_id = $1 AND device_id = $2`, principalID, deviceID)
	if err != nil {
		return nil, errs.WrapMsg(err, "get client")
	}
	clients, err := scanClients(rows)
	if err != nil || len(clients) == 0 {
		return nil, err
	}
	return clients[0], nil
}

func (s *PgStore) Clients(ctx context.Context, principalID string) ([]*model.SyncClient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT principal_id, device_id, last_pushed_seq, last_pulled_seq, last_push_at, last_pull_at, created_at
		FROM sync_clients WHERE principal_id = $1 ORDER BY device_id`, principalID)
	if err != nil {
		return nil, errs.WrapMsg(err, "list clients")
	}
	return scanClients(rows)
}

// ===== conflicts =====

func scanConflicts(rows pgx.Rows) ([]*model.Conflict, error) {
	defer rows.Close()
	var out []*model.Conflict
	for rows.Next() {
		c := &model.Conflict{}
		var localJSON, remoteJSON []byte
		var resolution string
		if err := rows.Scan(&c.ID, &c.PrincipalID, &c.EntityType, &c.EntityID,
			&c.LosingOpID, &c.WinningOpID, &localJSON, &remoteJSON,
			&c.State, &resolution, &c.DetectedAt, &c.ResolvedAt); err != nil {
			return nil, errs.WrapMsg(err, "scan conflict")
		}
		c.Resolution = model.Resolution(resolution)
		if err := json.Unmarshal(localJSON, &c.LocalFields); err != nil {
			return nil, errs.Wrap(err)
		}
		if err := json.Unmarshal(remoteJSON, &c.RemoteFields); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, c)
	}
	return out, errs.Wrap(rows.Err())
}

const conflictCols = `id, principal_id, entity_type, entity_id, losing_op_id, winning_op_id,
	local_fields, remote_fields, state, resolution, detected_at, resolved_at`

func (s *PgStore) PendingConflicts(ctx context.Context, principalID string) ([]*model.Conflict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conflictCols+` FROM sync_conflicts WHERE principal_id = $1 AND state = 'pending' ORDER BY detected_at`,
		principalID)
	if err != nil {
		return nil, errs.WrapMsg(err, "pending conflicts")
	}
	return scanConflicts(rows)
}

func (s *PgStore) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conflictCols+` FROM sync_conflicts WHERE id = $1`, id)
	if err != nil {
		return nil, errs.WrapMsg(err, "get conflict")
	}
	conflicts, err := scanConflicts(rows)
	if err != nil || len(conflicts) == 0 {
		return nil, err
	}
	return conflicts[0], nil
}

func (s *PgStore) ResolveConflict(ctx context.Context, id string, res model.Resolution) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_conflicts SET state = 'resolved', resolution = $2, resolved_at = now()
		WHERE id = $1 AND state = 'pending'`, id, res)
	if err != nil {
		return errs.WrapMsg(err, "resolve conflict")
	}
	if tag.RowsAffected() == 0 {
		return errs.New("conflict not found or already resolved")
	}
	return nil
}

// ===== outbox =====

func (s *PgStore) PendingOutbox(ctx context.Context, limit int) ([]*Outbound, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, op FROM sync_outbox ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, errs.WrapMsg(err, "pending outbox")
	}
	defer rows.Close()
	var out []*Outbound
	for rows.Next() {
		o := &Outbound{Op: &model.Operation{}}
		var opJSON []byte
		if err := rows.Scan(&o.ID, &opJSON); err != nil {
			return nil, errs.WrapMsg(err, "scan outbox")
		}
		if err := json.Unmarshal(opJSON, o.Op); err != nil {
			return nil, errs.WrapMsg(err, "unmarshal outbox op")
		}
		out = append(out, o)
	}
	return out, errs.Wrap(rows.Err())
}

func (s *PgStore) MarkDispatched(ctx context.Context, dispatched []int64) error {
	if len(dispatched) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM sync_outbox WHERE id = ANY($1)`, dispatched)
	return errs.WrapMsg(err, "mark dispatched")
}
