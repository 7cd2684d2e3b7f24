package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"BTPSync/logger"
	"BTPSync/module/sync/model"
	syncsvc "BTPSync/module/sync/service"
	"BTPSync/tools/errs"
)

// Engine is the device-side half of the sync protocol: it queues local
// mutations, pushes them with retry, folds remote operations into the
// replica and keeps the cursor moving forward.
//
// Remote ops arrive from two directions, the websocket and the polling
// fallback, and the engine treats them differently: a
// polled DELETE is never applied, because polling cannot tell a real
// delete from a hole in the caller's own history.
type Engine struct {
	local *Local
	api   Api

	deviceID string

	mu sync.Mutex // single writer over queue + replica + cursor

	// holdSeq pins the cursor just below the oldest deferred remote op,
	// so the server re-delivers it once the local queue has flushed.
	// 0 means no hold. Re-established on every fold pass; survives
	// restarts implicitly because the persisted cursor never passed it.
	holdSeq int64

	backoff time.Duration
}

const (
	backoffMin = time.Second
	backoffMax = 2 * time.Minute
)

func NewEngine(local *Local, api Api) (*Engine, error) {
	dev, err := local.DeviceID()
	if err != nil {
		return nil, err
	}
	return &Engine{local: local, api: api, deviceID: dev, backoff: backoffMin}, nil
}

func (e *Engine) DeviceID() string { return e.deviceID }

// Local exposes the replica for read paths (UI queries).
func (e *Engine) Local() *Local { return e.local }

// ===== local mutations =====

// QueueMutation records a user edit: the op goes to the pending queue
// and is applied to the replica immediately, so the UI reflects the
// change before the server has seen it.
func (e *Engine) QueueMutation(entityType model.EntityKind, entityID string, kind model.OpKind, payload map[string]any) (*model.Operation, error) {
	op := &model.Operation{
		OpID:       uuid.NewString(),
		ClientID:   e.deviceID,
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       kind,
		Payload:    payload,
		ClientTS:   time.Now().UnixMilli(),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.local.Enqueue(op); err != nil {
		return nil, err
	}
	if err := e.local.ApplyOp(op); err != nil {
		return nil, err
	}
	return op, nil
}

// ===== push =====

// PushPending sends the queue to the server, drops acked ops and folds
// in the piggybacked remote ops. A failed push leaves the queue intact;
// an op is resent until acknowledged.
func (e *Engine) PushPending(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending, err := e.local.PendingOps()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	cursor, err := e.local.Cursor()
	if err != nil {
		return err
	}
	lastPushed := cursor
	if lastPushed < 0 {
		lastPushed = 0
	}

	res, err := e.api.Push(ctx, &syncsvc.PushRequest{
		Operations:    pending,
		DeviceID:      e.deviceID,
		LastPushedSeq: lastPushed,
	})
	if err != nil {
		return errs.WrapMsg(err, "push")
	}

	if len(res.AckOps) > 0 {
		if err := e.local.Ack(res.AckOps); err != nil {
			return err
		}
	}
	for _, oe := range res.Errors {
		if oe.OpID == "" {
			continue
		}
		switch oe.Code {
		case errs.CodeRejectedPayload, errs.CodeUnknownEntity:
			// deterministic rejection, retrying would wedge the queue
			logger.Warnf("[engine] op rejected, dropped op=%s code=%d msg=%s", oe.OpID, oe.Code, oe.Error)
			if err := e.local.Ack([]string{oe.OpID}); err != nil {
				return err
			}
		default:
			// transient (storage hiccup etc): keep queued, the next
			// push retries it
			logger.Warnf("[engine] op failed, kept queued op=%s code=%d msg=%s", oe.OpID, oe.Code, oe.Error)
		}
	}
	e.holdSeq = 0
	for _, op := range res.RemoteOps {
		e.foldRemote(op, false)
	}
	return e.advanceCursor(res.ServerSeq)
}

// ===== pull =====

// PullOnce fetches one page of remote history (or a full snapshot when
// the cursor is stale) and folds it in. Returns true when the server may
// have more pages.
func (e *Engine) PullOnce(ctx context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cursor, err := e.local.Cursor()
	if err != nil {
		return false, err
	}
	res, err := e.api.Pull(ctx, e.deviceID, cursor)
	if err != nil {
		return false, errs.WrapMsg(err, "pull")
	}

	e.holdSeq = 0
	for _, op := range res.Operations {
		// polled history shares the websocket's delete rule; a snapshot
		// is CREATE-only so full sync is unaffected
		e.foldRemote(op, !res.FullSync)
	}
	if err := e.advanceCursor(res.ServerSeq); err != nil {
		return false, err
	}
	return res.HasMore, nil
}

// Sync is one full round: push the queue, then pull until caught up.
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.PushPending(ctx); err != nil {
		return err
	}
	for {
		before := e.cursorOrNeg()
		more, err := e.PullOnce(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		// a pinned cursor (deferred op behind a pending local edit)
		// makes re-pulling the same page pointless this round
		if e.cursorOrNeg() <= before {
			return nil
		}
	}
}

func (e *Engine) cursorOrNeg() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.local.Cursor()
	if err != nil {
		return -1
	}
	return c
}

// ===== remote ops =====

// ApplyRemote folds one realtime op (websocket path) into the replica.
func (e *Engine) ApplyRemote(op *model.Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.foldRemote(op, false)
	if op.ServerSeq > 0 {
		if err := e.advanceCursor(op.ServerSeq); err != nil {
			logger.Errorf("[engine] cursor advance failed: %v", err)
		}
	}
}

// advanceCursor moves the cursor forward, but never past a deferred
// remote op: the server must re-deliver that op after the pending local
// edit flushes. Caller holds e.mu.
func (e *Engine) advanceCursor(seq int64) error {
	if e.holdSeq > 0 && seq > e.holdSeq {
		seq = e.holdSeq
	}
	return e.local.SetCursor(seq)
}

// foldRemote applies an already-ordered remote op. Caller holds e.mu.
func (e *Engine) foldRemote(op *model.Operation, viaPolling bool) {
	if op.ClientID == e.deviceID {
		return // own op echoed back through pull
	}
	cursor, err := e.local.Cursor()
	if err != nil {
		logger.Errorf("[engine] cursor read failed: %v", err)
		return
	}
	if op.ServerSeq > 0 && op.ServerSeq <= cursor {
		return // already seen, cursor only moves forward
	}
	if viaPolling && op.Kind == model.OpDelete {
		logger.Warnf("[engine] polled DELETE withheld entity=%s/%s op=%s",
			op.EntityType, op.EntityID, op.OpID)
		return
	}
	pending, err := e.local.HasPendingFor(op.EntityType, op.EntityID)
	if err != nil {
		logger.Errorf("[engine] pending lookup failed: %v", err)
		return
	}
	if pending {
		// conflict guard: a local unacked edit outranks the remote write
		// until the server has arbitrated both. Pin the cursor below the
		// op so the next push/pull round re-delivers it.
		if op.ServerSeq > 0 {
			hold := op.ServerSeq - 1
			if e.holdSeq == 0 || hold < e.holdSeq {
				e.holdSeq = hold
			}
		}
		logger.Warnf("[engine] remote op deferred, local edit pending entity=%s/%s seq=%d",
			op.EntityType, op.EntityID, op.ServerSeq)
		return
	}
	if err := e.local.ApplyOp(op); err != nil {
		logger.Errorf("[engine] apply remote op failed op=%s: %v", op.OpID, err)
	}
}

// ===== background loops =====

// RunPolling drives Sync on a ticker as the fallback when realtime is
// down, with exponential backoff on repeated failures.
func (e *Engine) RunPolling(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	timer := time.NewTimer(every)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := e.Sync(ctx); err != nil {
			logger.Warnf("[engine] sync round failed, backing off %s: %v", e.backoff, err)
			timer.Reset(e.backoff)
			e.backoff = min(e.backoff*2, backoffMax)
			continue
		}
		e.backoff = backoffMin
		timer.Reset(every)
	}
}
