package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"BTPSync/logger"
	"BTPSync/module/sync/store"
)

// SubjectPrefix is the bus namespace for commit notifications.
const SubjectPrefix = "sync.ops."

// SubjectFor returns the per-principal commit subject.
func SubjectFor(principalID string) string { return SubjectPrefix + principalID }

// Publisher is the bus half the dispatcher needs (NATS in production).
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Dispatcher drains the commit outbox onto the bus. The push transaction
// wrote the op and its outbox marker atomically, so anything visible
// here is durable; an op is deleted from the outbox only after its
// publish succeeded. Crash between publish and delete re-publishes;
// receivers already dedupe by opId, so at-least-once is fine.
type Dispatcher struct {
	store store.Store
	pub   Publisher
	every time.Duration
	batch int

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(st store.Store, pub Publisher, every time.Duration, batch int) *Dispatcher {
	if every <= 0 {
		every = 200 * time.Millisecond
	}
	if batch <= 0 {
		batch = 128
	}
	return &Dispatcher{store: st, pub: pub, every: every, batch: batch, stopCh: make(chan struct{})}
}

// Run polls until Stop. Intended for safe.SafeGo.
func (d *Dispatcher) Run() {
	t := time.NewTicker(d.every)
	defer t.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-t.C:
			if err := d.DrainOnce(context.Background()); err != nil {
				logger.Warnf("[outbox] drain failed, retrying: %v", err)
			}
		}
	}
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// DrainOnce claims one batch of pending notifications and publishes them
// in commit order.
func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	pending, err := d.store.PendingOutbox(ctx, d.batch)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	done := make([]int64, 0, len(pending))
	for _, o := range pending {
		data, err := json.Marshal(o.Op)
		if err != nil {
			// unmarshalable row would wedge the queue; drop it loudly
			logger.Errorf("[outbox] drop undecodable entry id=%d: %v", o.ID, err)
			done = append(done, o.ID)
			continue
		}
		if err := d.pub.Publish(SubjectFor(o.Op.PrincipalID), data); err != nil {
			// keep order: stop at the first publish failure, retry next tick
			break
		}
		done = append(done, o.ID)
	}
	if len(done) == 0 {
		return nil
	}
	return d.store.MarkDispatched(ctx, done)
}
