package store

import (
	"context"

	"BTPSync/module/sync/model"
)

// ApplyResult is what one accepted operation produced.
type ApplyResult struct {
	ServerSeq int64
	Version   int64
	Conflict  *model.Conflict // non-nil when the op raced another device's write
	Duplicate bool            // opId already in the log, nothing re-applied
}

// Batch is the per-push apply surface. Every call runs inside the one
// transaction opened by InBatch; Apply isolates each op behind a
// savepoint so a rejected op never aborts its siblings.
type Batch interface {
	// Apply projects op onto its entity row and appends it to the log,
	// assigning serverSeq. A duplicate opId reports Duplicate instead of
	// re-applying.
	Apply(ctx context.Context, op *model.Operation) (*ApplyResult, error)
}

// Outbound is one pending commit notification awaiting dispatch.
type Outbound struct {
	ID int64
	Op *model.Operation
}

// Store is the durable surface of the engine: the append-only op log,
// the entity projections, device cursors, conflicts and the notify
// outbox. Two implementations: Postgres for production, memory for
// tests (mirroring each other's semantics).
type Store interface {
	// InBatch runs fn inside one transaction for a single device's push.
	// knownSeq is the caller's lastPushedSeq, used for conflict detection.
	InBatch(ctx context.Context, principalID, deviceID string, knownSeq int64, fn func(Batch) error) error

	// ReadSince returns committed ops with serverSeq > since, ordered,
	// capped at limit. excludeDevice drops ops authored by that device
	// (the push response's remoteOps path); empty means no exclusion.
	ReadSince(ctx context.Context, principalID, excludeDevice string, since int64, limit int) ([]*model.Operation, error)

	// Snapshot returns every live entity row of the principal, in
	// dependency order, for full-sync synthesis.
	Snapshot(ctx context.Context, principalID string) ([]*model.EntityRow, error)

	GetEntity(ctx context.Context, kind model.EntityKind, id string) (*model.EntityRow, error)

	LatestSeq(ctx context.Context, principalID string) (int64, error)
	LogFloor(ctx context.Context, principalID string) (int64, error)
	CountOps(ctx context.Context, principalID string) (int64, error)

	TouchPush(ctx context.Context, principalID, deviceID string, seq int64) error
	TouchPull(ctx context.Context, principalID, deviceID string, seq int64) error
	GetClient(ctx context.Context, principalID, deviceID string) (*model.SyncClient, error)
	Clients(ctx context.Context, principalID string) ([]*model.SyncClient, error)

	PendingConflicts(ctx context.Context, principalID string) ([]*model.Conflict, error)
	GetConflict(ctx context.Context, id string) (*model.Conflict, error)
	ResolveConflict(ctx context.Context, id string, res model.Resolution) error

	// Outbox: pending commit notifications, claimed by the dispatcher.
	PendingOutbox(ctx context.Context, limit int) ([]*Outbound, error)
	MarkDispatched(ctx context.Context, ids []int64) error
}
