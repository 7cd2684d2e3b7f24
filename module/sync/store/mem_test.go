package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BTPSync/module/sync/model"
	"BTPSync/tools/errs"
)

func applyOne(t *testing.T, s *memStore, principal, device string, knownSeq int64, op *model.Operation) (*ApplyResult, error) {
	t.Helper()
	var res *ApplyResult
	var applyErr error
	err := s.InBatch(context.Background(), principal, device, knownSeq, func(b Batch) error {
		res, applyErr = b.Apply(context.Background(), op)
		return nil
	})
	require.NoError(t, err)
	return res, applyErr
}

func TestMemSeqIsGaplessPerPrincipal(t *testing.T) {
	s := NewMem()

	r1, err := applyOne(t, s, "u1", "d1", 0, opOf(model.OpCreate, model.KindProject, "p1", map[string]any{"name": "a"}))
	require.NoError(t, err)
	r2, err := applyOne(t, s, "u1", "d1", 0, opOf(model.OpUpdate, model.KindProject, "p1", map[string]any{"name": "b"}))
	require.NoError(t, err)
	other, err := applyOne(t, s, "u2", "d9", 0, opOf(model.OpCreate, model.KindProject, "px", map[string]any{"name": "z"}))
	require.NoError(t, err)

	assert.Equal(t, int64(1), r1.ServerSeq)
	assert.Equal(t, int64(2), r2.ServerSeq)
	assert.Equal(t, int64(1), other.ServerSeq) // principals do not share a sequence
}

func TestMemDuplicateOpAcksWithoutReapply(t *testing.T) {
	s := NewMem()
	op := opOf(model.OpCreate, model.KindProject, "p1", map[string]any{"name": "a"})

	first, err := applyOne(t, s, "u1", "d1", 0, op)
	require.NoError(t, err)

	again, err := applyOne(t, s, "u1", "d1", 0, op.Clone())
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.ServerSeq, again.ServerSeq)

	n, err := s.CountOps(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	row, err := s.GetEntity(context.Background(), model.KindProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.Version) // not re-applied
}

func TestMemRejectionConsumesNoSeq(t *testing.T) {
	s := NewMem()

	_, err := applyOne(t, s, "u1", "d1", 0, opOf(model.OpCreate, model.KindProject, "p1", map[string]any{"hacked": true}))
	require.Error(t, err)
	assert.Equal(t, errs.CodeRejectedPayload, errs.CodeOf(err))

	ok, err := applyOne(t, s, "u1", "d1", 0, opOf(model.OpCreate, model.KindProject, "p1", map[string]any{"name": "a"}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), ok.ServerSeq) // the rejected op burned nothing

	row, err := s.GetEntity(context.Background(), model.KindProject, "p1")
	require.NoError(t, err)
	assert.Nil(t, row.Fields["hacked"])
}

func TestMemConflictRecordedAndLWWApplied(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	_, err := applyOne(t, s, "u1", "dA", 0, opOf(model.OpCreate, model.KindProject, "p1", map[string]any{"name": "v1"}))
	require.NoError(t, err)

	// dB pushes an update authored before it saw dA's write (knownSeq 0)
	late := opOf(model.OpUpdate, model.KindProject, "p1", map[string]any{"name": "v2"})
	late.OpID = "op-late"
	late.ClientID = "dB"
	res, err := applyOne(t, s, "u1", "dB", 0, late)
	require.NoError(t, err)

	require.NotNil(t, res.Conflict)
	assert.Equal(t, "op-late", res.Conflict.WinningOpID)
	assert.Equal(t, model.ConflictPending, res.Conflict.State)

	// last write still wins
	row, err := s.GetEntity(ctx, model.KindProject, "p1")
	require.NoError(t, err)
	assert.Equal(t, "v2", row.Fields["name"])

	pending, err := s.PendingConflicts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.ResolveConflict(ctx, pending[0].ID, model.ResolveRemoteWins))
	pending, err = s.PendingConflicts(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemReadSinceExcludesDevice(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	a := opOf(model.OpCreate, model.KindProject, "p1", map[string]any{"name": "a"})
	a.ClientID = "dA"
	_, err := applyOne(t, s, "u1", "dA", 0, a)
	require.NoError(t, err)

	b := opOf(model.OpCreate, model.KindProject, "p2", map[string]any{"name": "b"})
	b.OpID = "op-p2"
	b.ClientID = "dB"
	_, err = applyOne(t, s, "u1", "dB", 0, b)
	require.NoError(t, err)

	ops, err := s.ReadSince(ctx, "u1", "dA", 0, 100)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op-p2", ops[0].OpID)

	ops, err = s.ReadSince(ctx, "u1", "", 1, 100)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, int64(2), ops[0].ServerSeq)
}

func TestMemSnapshotLiveAndSharedOnly(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	_, err := applyOne(t, s, "u1", "d1", 0, opOf(model.OpCreate, model.KindProject, "p1", map[string]any{"name": "mine"}))
	require.NoError(t, err)
	_, err = applyOne(t, s, "u1", "d1", 0, opOf(model.OpCreate, model.KindProject, "p2", map[string]any{"name": "gone"}))
	require.NoError(t, err)
	_, err = applyOne(t, s, "u1", "d1", 0, opOf(model.OpDelete, model.KindProject, "p2", nil))
	require.NoError(t, err)

	// another principal's private row stays invisible
	foreign := opOf(model.OpCreate, model.KindProject, "px", map[string]any{"name": "theirs"})
	foreign.PrincipalID = "u2"
	_, err = applyOne(t, s, "u2", "d9", 0, foreign)
	require.NoError(t, err)

	// shared reference data crosses the boundary
	company := opOf(model.OpCreate, model.KindCompany, "c1", map[string]any{"name": "Atlas BTP"})
	company.PrincipalID = "u2"
	_, err = applyOne(t, s, "u2", "d9", 0, company)
	require.NoError(t, err)

	rows, err := s.Snapshot(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "p1", rows[0].ID) // rank 0 before rank 8
	assert.Equal(t, "c1", rows[1].ID)
}

func TestMemOutboxLifecycle(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	_, err := applyOne(t, s, "u1", "d1", 0, opOf(model.OpCreate, model.KindProject, "p1", map[string]any{"name": "a"}))
	require.NoError(t, err)
	_, err = applyOne(t, s, "u1", "d1", 0, opOf(model.OpUpdate, model.KindProject, "p1", map[string]any{"name": "b"}))
	require.NoError(t, err)

	pending, err := s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Less(t, pending[0].Op.ServerSeq, pending[1].Op.ServerSeq)

	require.NoError(t, s.MarkDispatched(ctx, []int64{pending[0].ID}))
	pending, err = s.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(2), pending[0].Op.ServerSeq)
}

func TestMemTouchCursorsMonotonic(t *testing.T) {
	s := NewMem()
	ctx := context.Background()

	require.NoError(t, s.TouchPush(ctx, "u1", "d1", 5))
	require.NoError(t, s.TouchPush(ctx, "u1", "d1", 3)) // regression ignored
	require.NoError(t, s.TouchPull(ctx, "u1", "d1", 7))

	c, err := s.GetClient(ctx, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.LastPushedSeq)
	assert.Equal(t, int64(7), c.LastPulledSeq)
}
