package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BTPSync/module/sync/model"
	"BTPSync/module/sync/store"
)

type fakeBus struct {
	published []struct {
		Subject string
		Op      *model.Operation
	}
	failAfter int // publish count before erroring; -1 never fails
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	if b.failAfter >= 0 && len(b.published) >= b.failAfter {
		return fmt.Errorf("bus unavailable")
	}
	op := &model.Operation{}
	if err := json.Unmarshal(data, op); err != nil {
		return err
	}
	b.published = append(b.published, struct {
		Subject string
		Op      *model.Operation
	}{subject, op})
	return nil
}

func seedOutbox(t *testing.T, st store.Store, n int) {
	t.Helper()
	err := st.InBatch(context.Background(), "u1", "d1", 0, func(b store.Batch) error {
		for i := 0; i < n; i++ {
			op := &model.Operation{
				OpID:       fmt.Sprintf("op-%d", i),
				ClientID:   "d1",
				EntityType: model.KindProject,
				EntityID:   fmt.Sprintf("p%d", i),
				Kind:       model.OpCreate,
				Payload:    map[string]any{"name": fmt.Sprintf("proj %d", i)},
			}
			if _, err := b.Apply(context.Background(), op); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestDrainPublishesInCommitOrder(t *testing.T) {
	st := store.NewMem()
	seedOutbox(t, st, 3)
	bus := &fakeBus{failAfter: -1}

	d := New(st, bus, 0, 0)
	require.NoError(t, d.DrainOnce(context.Background()))

	require.Len(t, bus.published, 3)
	for i, p := range bus.published {
		assert.Equal(t, SubjectFor("u1"), p.Subject)
		assert.Equal(t, fmt.Sprintf("op-%d", i), p.Op.OpID)
		assert.Equal(t, int64(i+1), p.Op.ServerSeq)
	}

	// drained entries are gone; a second drain is a no-op
	require.NoError(t, d.DrainOnce(context.Background()))
	assert.Len(t, bus.published, 3)
}

func TestDrainStopsAtFirstPublishFailure(t *testing.T) {
	st := store.NewMem()
	seedOutbox(t, st, 3)
	bus := &fakeBus{failAfter: 1}

	d := New(st, bus, 0, 0)
	require.NoError(t, d.DrainOnce(context.Background()))
	require.Len(t, bus.published, 1)

	// the unpublished tail stays queued, order preserved
	pending, err := st.PendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "op-1", pending[0].Op.OpID)

	// bus recovers, the tail goes out in order
	bus.failAfter = -1
	require.NoError(t, d.DrainOnce(context.Background()))
	require.Len(t, bus.published, 3)
	assert.Equal(t, "op-1", bus.published[1].Op.OpID)
	assert.Equal(t, "op-2", bus.published[2].Op.OpID)
}

func TestDrainRespectsBatchLimit(t *testing.T) {
	st := store.NewMem()
	seedOutbox(t, st, 5)
	bus := &fakeBus{failAfter: -1}

	d := New(st, bus, 0, 2)
	require.NoError(t, d.DrainOnce(context.Background()))
	assert.Len(t, bus.published, 2)

	require.NoError(t, d.DrainOnce(context.Background()))
	require.NoError(t, d.DrainOnce(context.Background()))
	assert.Len(t, bus.published, 5)
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "sync.ops.u1", SubjectFor("u1"))
}
