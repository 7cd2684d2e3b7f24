package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BTPSync/module/sync/model"
	"BTPSync/module/sync/store"
)

func storeWithN(t *testing.T, n int) store.Store {
	t.Helper()
	st := store.NewMem()
	svc := New(st, nil, 200)
	ops := make([]*model.Operation, 0, n)
	for i := 0; i < n; i++ {
		ops = append(ops, newOp(fmt.Sprintf("n-%d", i), model.OpCreate, model.KindProject,
			fmt.Sprintf("p%d", i), map[string]any{"name": "x"}))
	}
	_, err := svc.Push(context.Background(), "u1", &PushRequest{DeviceID: "d1", Operations: ops})
	require.NoError(t, err)
	return st
}

func seedEntities(t *testing.T, svc *Service) {
	t.Helper()
	_, err := svc.Push(context.Background(), "u1", &PushRequest{
		DeviceID: "d1",
		Operations: []*model.Operation{
			newOp("s-1", model.OpCreate, model.KindProject, "p1", map[string]any{"name": "Villa"}),
			newOp("s-2", model.OpCreate, model.KindSheet, "sh1", map[string]any{"projectId": "p1", "title": "Lot 1"}),
			newOp("s-3", model.OpCreate, model.KindProject, "p2", map[string]any{"name": "Gone"}),
			newOp("s-4", model.OpDelete, model.KindProject, "p2", nil),
		},
	})
	require.NoError(t, err)
}

func TestPullFreshClientGetsFullSync(t *testing.T) {
	svc, _ := testService()
	seedEntities(t, svc)

	res, err := svc.Pull(context.Background(), "u1", "d2", NoCursor)
	require.NoError(t, err)
	assert.True(t, res.FullSync)
	assert.Equal(t, int64(4), res.ServerSeq)
	assert.Positive(t, res.ServerTime)

	// snapshot is CREATE-only and never carries a deleted entity
	ids := make(map[string]model.OpKind)
	for _, op := range res.Operations {
		assert.Equal(t, model.OpCreate, op.Kind)
		ids[op.EntityID] = op.Kind
	}
	assert.Contains(t, ids, "p1")
	assert.Contains(t, ids, "sh1")
	assert.NotContains(t, ids, "p2") // deleted rows are silence, not a DELETE op
}

func TestPullFullSyncOrderedByDependency(t *testing.T) {
	svc, _ := testService()
	seedEntities(t, svc)

	res, err := svc.Pull(context.Background(), "u1", "d2", NoCursor)
	require.NoError(t, err)
	require.Len(t, res.Operations, 2)
	assert.Equal(t, model.KindProject, res.Operations[0].EntityType) // parent before child
	assert.Equal(t, model.KindSheet, res.Operations[1].EntityType)
}

func TestPullIncremental(t *testing.T) {
	svc, _ := testService()
	seedEntities(t, svc)

	res, err := svc.Pull(context.Background(), "u1", "d2", 2)
	require.NoError(t, err)
	assert.False(t, res.FullSync)
	require.Len(t, res.Operations, 2)
	assert.Equal(t, "s-3", res.Operations[0].OpID)
	assert.Equal(t, "s-4", res.Operations[1].OpID)
	assert.Equal(t, int64(4), res.ServerSeq)
}

func TestPullCaughtUpIsEmpty(t *testing.T) {
	svc, _ := testService()
	seedEntities(t, svc)

	res, err := svc.Pull(context.Background(), "u1", "d2", 4)
	require.NoError(t, err)
	assert.False(t, res.FullSync)
	assert.Empty(t, res.Operations)
	assert.Equal(t, int64(4), res.ServerSeq)
	assert.False(t, res.HasMore)
}

func TestPullPagesWhenOverPageSize(t *testing.T) {
	st := storeWithN(t, 5)
	svc := New(st, nil, 2) // page size 2

	res, err := svc.Pull(context.Background(), "u1", "", 0)
	require.NoError(t, err)
	require.Len(t, res.Operations, 2)
	// cursor points at the page's tail and hasMore tells the caller to
	// keep paging
	assert.Equal(t, res.Operations[1].ServerSeq, res.ServerSeq)
	assert.Less(t, res.ServerSeq, int64(5))
	assert.True(t, res.HasMore)

	// the last page is short and closes the loop
	last, err := svc.Pull(context.Background(), "u1", "", 4)
	require.NoError(t, err)
	require.Len(t, last.Operations, 1)
	assert.Equal(t, int64(5), last.ServerSeq)
	assert.False(t, last.HasMore)
}

func TestPullAdvancesDeviceCursor(t *testing.T) {
	svc, st := testService()
	seedEntities(t, svc)

	_, err := svc.Pull(context.Background(), "u1", "d2", NoCursor)
	require.NoError(t, err)

	c, err := st.GetClient(context.Background(), "u1", "d2")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(4), c.LastPulledSeq)
}
