package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BTPSync/module/sync/model"
)

// raceTwoDevices commits dA's write, then dB's stale write (authored
// before dB saw dA's), leaving one pending conflict.
func raceTwoDevices(t *testing.T, svc *Service) *model.Conflict {
	t.Helper()
	ctx := context.Background()

	_, err := svc.Push(ctx, "u1", &PushRequest{
		DeviceID:   "dA",
		Operations: []*model.Operation{newOp("a-1", model.OpCreate, model.KindProject, "p1", map[string]any{"name": "from-A", "notes": "keep"})},
	})
	require.NoError(t, err)

	_, err = svc.Push(ctx, "u1", &PushRequest{
		DeviceID:      "dB",
		LastPushedSeq: 0,
		Operations:    []*model.Operation{newOp("b-1", model.OpUpdate, model.KindProject, "p1", map[string]any{"name": "from-B"})},
	})
	require.NoError(t, err)

	pending, err := svc.Conflicts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

func TestConcurrentWritesRecordConflict(t *testing.T) {
	svc, st := testService()
	c := raceTwoDevices(t, svc)

	assert.Equal(t, model.KindProject, c.EntityType)
	assert.Equal(t, "p1", c.EntityID)
	assert.Equal(t, "b-1", c.WinningOpID)
	assert.Equal(t, "from-A", c.LocalFields["name"])
	assert.Equal(t, "from-B", c.RemoteFields["name"])

	// LWW applied regardless of the recorded conflict
	row, err := st.GetEntity(context.Background(), model.KindProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, "from-B", row.Fields["name"])
}

func TestCurrentClientDoesNotConflict(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	_, err := svc.Push(ctx, "u1", &PushRequest{
		DeviceID:   "dA",
		Operations: []*model.Operation{newOp("a-1", model.OpCreate, model.KindProject, "p1", map[string]any{"name": "v1"})},
	})
	require.NoError(t, err)

	// dB pulled first, so it pushes with the current cursor
	_, err = svc.Push(ctx, "u1", &PushRequest{
		DeviceID:      "dB",
		LastPushedSeq: 1,
		Operations:    []*model.Operation{newOp("b-1", model.OpUpdate, model.KindProject, "p1", map[string]any{"name": "v2"})},
	})
	require.NoError(t, err)

	pending, err := svc.Conflicts(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolveRemoteWins(t *testing.T) {
	svc, st := testService()
	c := raceTwoDevices(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.Resolve(ctx, "u1", c.ID, "dA", model.ResolveRemoteWins, nil))

	// nothing re-applied: state stays as LWW left it, log unchanged
	row, err := st.GetEntity(ctx, model.KindProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, "from-B", row.Fields["name"])
	n, err := st.CountOps(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pending, err := svc.Conflicts(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolveLocalWinsReemitsOverwrittenState(t *testing.T) {
	svc, st := testService()
	c := raceTwoDevices(t, svc)
	ctx := context.Background()

	require.NoError(t, svc.Resolve(ctx, "u1", c.ID, "dA", model.ResolveLocalWins, nil))

	// the overwritten state came back as a fresh operation with a real seq
	row, err := st.GetEntity(ctx, model.KindProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, "from-A", row.Fields["name"])
	n, err := st.CountOps(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// and the resolution write did not register as a new conflict
	pending, err := svc.Conflicts(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResolveMergedRequiresPayload(t *testing.T) {
	svc, _ := testService()
	c := raceTwoDevices(t, svc)

	err := svc.Resolve(context.Background(), "u1", c.ID, "dA", model.ResolveMerged, nil)
	require.Error(t, err)
}

func TestResolveMergedAppliesCallerMerge(t *testing.T) {
	svc, st := testService()
	c := raceTwoDevices(t, svc)
	ctx := context.Background()

	merged := map[string]any{"name": "from-A + from-B"}
	require.NoError(t, svc.Resolve(ctx, "u1", c.ID, "dA", model.ResolveMerged, merged))

	row, err := st.GetEntity(ctx, model.KindProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, "from-A + from-B", row.Fields["name"])
}

func TestResolveRejectsForeignPrincipal(t *testing.T) {
	svc, _ := testService()
	c := raceTwoDevices(t, svc)

	err := svc.Resolve(context.Background(), "u2", c.ID, "dX", model.ResolveRemoteWins, nil)
	require.Error(t, err)
}

func TestResolveRejectsUnknownResolution(t *testing.T) {
	svc, _ := testService()
	c := raceTwoDevices(t, svc)

	err := svc.Resolve(context.Background(), "u1", c.ID, "dA", model.Resolution("coin-flip"), nil)
	require.Error(t, err)
}

func TestStatusReportsLogAndCursors(t *testing.T) {
	svc, _ := testService()
	ctx := context.Background()

	_, err := svc.Push(ctx, "u1", &PushRequest{
		DeviceID:   "d1",
		Operations: []*model.Operation{newOp("a-1", model.OpCreate, model.KindProject, "p1", map[string]any{"name": "x"})},
	})
	require.NoError(t, err)

	res, err := svc.Status(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.TotalOperations)
	assert.Equal(t, int64(1), res.LatestServerSeq)
	require.NotNil(t, res.ClientStatus)
	assert.Equal(t, int64(1), res.ClientStatus.LastPushedSeq)
	assert.Zero(t, res.PendingConflicts)
	require.Len(t, res.KnownDevices, 1)
}
