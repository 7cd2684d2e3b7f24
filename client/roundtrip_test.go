package client

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BTPSync/module/sync/model"
	syncsvc "BTPSync/module/sync/service"
	"BTPSync/module/sync/store"
)

// serviceApi runs the engine against the real service in-process, the
// way the HTTP transport would, bound to one principal.
type serviceApi struct {
	svc       *syncsvc.Service
	principal string
}

func (a *serviceApi) Push(ctx context.Context, req *syncsvc.PushRequest) (*syncsvc.PushResult, error) {
	return a.svc.Push(ctx, a.principal, req)
}

func (a *serviceApi) Pull(ctx context.Context, deviceID string, since int64) (*syncsvc.PullResult, error) {
	return a.svc.Pull(ctx, a.principal, deviceID, since)
}

func serviceEngine(t *testing.T, svc *syncsvc.Service) *Engine {
	t.Helper()
	local, err := OpenLocal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	e, err := NewEngine(local, &serviceApi{svc: svc, principal: "u1"})
	require.NoError(t, err)
	return e
}

// A deferred remote op must come back: the cursor may not sail past it,
// or the guard turns into silent divergence between the two replicas.
func TestDeferredRemoteOpRedeliveredAfterQueueFlush(t *testing.T) {
	ctx := context.Background()
	svc := syncsvc.New(store.NewMem(), nil, 200)
	dA := serviceEngine(t, svc)
	dB := serviceEngine(t, svc)

	// dA creates the project and syncs it up
	_, err := dA.QueueMutation(model.KindProject, "p1", model.OpCreate, map[string]any{"name": "draft"})
	require.NoError(t, err)
	require.NoError(t, dA.Sync(ctx))

	// dA starts a local rename that stays unacked for now
	_, err = dA.QueueMutation(model.KindProject, "p1", model.OpUpdate, map[string]any{"name": "keep"})
	require.NoError(t, err)

	// dB catches up, then edits a different field of the same project
	require.NoError(t, dB.Sync(ctx))
	_, err = dB.QueueMutation(model.KindProject, "p1", model.OpUpdate, map[string]any{"notes": "remote-note"})
	require.NoError(t, err)
	require.NoError(t, dB.Sync(ctx))

	// dB's commit reaches dA over realtime while dA's rename is pending:
	// deferred, and the cursor stays put so the server re-delivers it
	committed, err := svc.Store().ReadSince(ctx, "u1", "", 1, 10)
	require.NoError(t, err)
	require.Len(t, committed, 1)
	dA.ApplyRemote(committed[0])

	row, err := dA.Local().Entity(model.KindProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, "keep", row.Fields["name"])
	assert.Nil(t, row.Fields["notes"]) // not folded yet

	cursor, err := dA.Local().Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(1), cursor)

	// next round: the rename flushes and the deferred op folds in
	require.NoError(t, dA.Sync(ctx))

	row, err = dA.Local().Entity(model.KindProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, "keep", row.Fields["name"])
	assert.Equal(t, "remote-note", row.Fields["notes"])

	// replica and server projection agree field for field
	server, err := svc.Store().GetEntity(ctx, model.KindProject, "p1")
	require.NoError(t, err)
	require.NotNil(t, server)
	assert.Equal(t, "keep", server.Fields["name"])
	assert.Equal(t, "remote-note", server.Fields["notes"])
}

// Sync keeps pulling while the server reports more pages; a backlog
// larger than one page must land in one round.
func TestSyncDrainsAllPages(t *testing.T) {
	ctx := context.Background()
	st := store.NewMem()
	seeder := syncsvc.New(st, nil, 200)
	ops := make([]*model.Operation, 0, 5)
	for i := 0; i < 5; i++ {
		ops = append(ops, &model.Operation{
			OpID:       fmt.Sprintf("seed-%d", i),
			EntityType: model.KindProject,
			EntityID:   fmt.Sprintf("p%d", i),
			Kind:       model.OpCreate,
			Payload:    map[string]any{"name": fmt.Sprintf("site %d", i)},
		})
	}
	_, err := seeder.Push(ctx, "u1", &syncsvc.PushRequest{DeviceID: "seeder", Operations: ops})
	require.NoError(t, err)

	e := serviceEngine(t, syncsvc.New(st, nil, 2)) // page size 2
	require.NoError(t, e.Local().SetCursor(0))     // incremental path, not a snapshot

	require.NoError(t, e.Sync(ctx))

	cursor, err := e.Local().Cursor()
	require.NoError(t, err)
	assert.Equal(t, int64(5), cursor)
	for i := 0; i < 5; i++ {
		row, err := e.Local().Entity(model.KindProject, fmt.Sprintf("p%d", i))
		require.NoError(t, err)
		require.NotNil(t, row, "p%d missing", i)
	}
}
