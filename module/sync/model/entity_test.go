package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsAreRankOrdered(t *testing.T) {
	kinds := Kinds()
	require.Len(t, kinds, 9)
	assert.Equal(t, KindProject, kinds[0])
	assert.Equal(t, KindCompany, kinds[len(kinds)-1])

	prev := -1
	for _, k := range kinds {
		sp, ok := SpecFor(k)
		require.True(t, ok)
		assert.Greater(t, sp.Rank, prev)
		prev = sp.Rank
	}
}

func TestSpecForClosedSet(t *testing.T) {
	_, ok := SpecFor(EntityKind("invoice"))
	assert.False(t, ok)

	sp, ok := SpecFor(KindLineItem)
	require.True(t, ok)
	assert.True(t, sp.Allows("designation"))
	assert.False(t, sp.Allows("principalId")) // bookkeeping is never payload
}

func TestValidatePayload(t *testing.T) {
	sp, _ := SpecFor(KindProject)
	assert.NoError(t, sp.ValidatePayload(map[string]any{"name": "x", "budget": 1.0}))
	assert.Error(t, sp.ValidatePayload(map[string]any{"name": "x", "role": "admin"}))
	assert.NoError(t, sp.ValidatePayload(nil))
}

func TestSharedKinds(t *testing.T) {
	shared := SharedKinds()
	require.Len(t, shared, 1)
	assert.Equal(t, KindCompany, shared[0])
}

func TestOpKindRankAndValidity(t *testing.T) {
	assert.True(t, OpCreate.Valid())
	assert.False(t, OpKind("MERGE").Valid())
	assert.Less(t, OpCreate.Rank(), OpUpdate.Rank())
	assert.Less(t, OpUpdate.Rank(), OpDelete.Rank())
}

func TestSyntheticCreateCarriesStateNotHistory(t *testing.T) {
	row := &EntityRow{
		Kind: KindProject, ID: "p1", PrincipalID: "u1",
		Fields:        map[string]any{"name": "Villa"},
		LastServerSeq: 42,
	}
	op := SyntheticCreate(row)
	assert.Equal(t, OpCreate, op.Kind)
	assert.Equal(t, "Villa", op.Payload["name"])
	assert.Equal(t, int64(42), op.ServerSeq)
	assert.Equal(t, "snapshot-project-p1", op.OpID)
	assert.Empty(t, op.ClientID) // a snapshot has no authoring device
}
