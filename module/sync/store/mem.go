package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"BTPSync/module/sync/model"
	"BTPSync/tools/errs"
	ids "BTPSync/tools/ids"
)

// memStore mirrors the Postgres implementation in memory. Production
// never runs on it; the service tests do, so its semantics (idempotency,
// gapless per-principal seq, conflict recording, outbox append) must
// stay in lockstep with pg.go.
type memStore struct {
	mu sync.Mutex

	seq      map[string]int64              // principal -> last assigned seq
	ops      map[string][]*model.Operation // principal -> committed ops in seq order
	byOpID   map[string]*model.Operation
	entities map[string]*model.EntityRow  // kind|id -> row
	clients  map[string]*model.SyncClient // principal|device
	conflict map[string]*model.Conflict

	outbox     []*Outbound
	outboxNext int64

	Clock func() time.Time // injectable for tests
}

func NewMem() *memStore {
	return &memStore{
		seq:      make(map[string]int64),
		ops:      make(map[string][]*model.Operation),
		byOpID:   make(map[string]*model.Operation),
		entities: make(map[string]*model.EntityRow),
		clients:  make(map[string]*model.SyncClient),
		conflict: make(map[string]*model.Conflict),
		Clock:    time.Now,
	}
}

func entityKey(kind model.EntityKind, id string) string { return string(kind) + "|" + id }
func clientKey(principal, device string) string         { return principal + "|" + device }

// ===== batch apply =====

type memBatch struct {
	s         *memStore
	principal string
	device    string
	knownSeq  int64
}

func (s *memStore) InBatch(ctx context.Context, principalID, deviceID string, knownSeq int64, fn func(Batch) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memBatch{s: s, principal: principalID, device: deviceID, knownSeq: knownSeq})
}

func (b *memBatch) Apply(ctx context.Context, op *model.Operation) (*ApplyResult, error) {
	s := b.s
	if prev, ok := s.byOpID[op.OpID]; ok {
		return &ApplyResult{Duplicate: true, ServerSeq: prev.ServerSeq}, nil
	}

	now := s.Clock()
	key := entityKey(op.EntityType, op.EntityID)
	row := s.entities[key]

	// validate + project before any mutation; a rejection leaves the
	// batch state untouched (savepoint equivalent)
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
			LocalFields:  row.Clone().Fields,
			RemoteFields: op.Payload,
			State:        model.ConflictPending,
			DetectedAt:   now,
		}
	}

	s.seq[b.principal]++
	seq := s.seq[b.principal]

	committed := op.Clone()
	committed.ServerSeq = seq
	committed.PrincipalID = b.principal
	next.LastServerSeq = seq

	s.entities[key] = next
	s.ops[b.principal] = append(s.ops[b.principal], committed)
	s.byOpID[op.OpID] = committed
	if conflict != nil {
		s.conflict[conflict.ID] = conflict
	}

	s.outboxNext++
	s.outbox = append(s.outbox, &Outbound{ID: s.outboxNext, Op: committed})

	return &ApplyResult{ServerSeq: seq, Version: next.Version, Conflict: conflict}, nil
}

// ===== reads =====

func (s *memStore) ReadSince(ctx context.Context, principalID, excludeDevice string, since int64, limit int) ([]*model.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Operation
	for _, op := range s.ops[principalID] {
		if op.ServerSeq <= since {
			continue
		}
		if excludeDevice != "" && op.ClientID == excludeDevice {
			continue
		}
		out = append(out, op.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) Snapshot(ctx context.Context, principalID string) ([]*model.EntityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.EntityRow
	for _, row := range s.entities {
		sp, _ := model.SpecFor(row.Kind)
		if (row.PrincipalID == principalID || sp.Shared) && row.Live() {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, _ := model.SpecFor(out[i].Kind)
		sj, _ := model.SpecFor(out[j].Kind)
		if si.Rank != sj.Rank {
			return si.Rank < sj.Rank
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) GetEntity(ctx context.Context, kind model.EntityKind, id string) (*model.EntityRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.entities[entityKey(kind, id)]
	if !ok {
		return nil, nil
	}
	return row.Clone(), nil
}

func (s *memStore) LatestSeq(ctx context.Context, principalID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq[principalID], nil
}

func (s *memStore) LogFloor(ctx context.Context, principalID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := s.ops[principalID]
	if len(ops) == 0 {
		return 0, nil
	}
	return ops[0].ServerSeq, nil
}

func (s *memStore) CountOps(ctx context.Context, principalID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.ops[principalID])), nil
}

// ===== device cursors =====

func (s *memStore) touch(principalID, deviceID string) *model.SyncClient {
	key := clientKey(principalID, deviceID)
	c, ok := s.clients[key]
	if !ok {
		c = &model.SyncClient{PrincipalID: principalID, DeviceID: deviceID, CreatedAt: s.Clock()}
		s.clients[key] = c
	}
	return c
}

func (s *memStore) TouchPush(ctx context.Context, principalID, deviceID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.touch(principalID, deviceID)
	if seq > c.LastPushedSeq {
		c.LastPushedSeq = seq
	}
	c.LastPushAt = s.Clock()
	return nil
}

func (s *memStore) TouchPull(ctx context.Context, principalID, deviceID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.touch(principalID, deviceID)
	if seq > c.LastPulledSeq {
		c.LastPulledSeq = seq
	}
	c.LastPullAt = s.Clock()
	return nil
}

func (s *memStore) GetClient(ctx context.Context, principalID, deviceID string) (*model.SyncClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientKey(principalID, deviceID)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) Clients(ctx context.Context, principalID string) ([]*model.SyncClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.SyncClient
	for _, c := range s.clients {
		if c.PrincipalID == principalID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// ===== conflicts =====

func (s *memStore) PendingConflicts(ctx context.Context, principalID string) ([]*model.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Conflict
	for _, c := range s.conflict {
		if c.PrincipalID == principalID && c.State == model.ConflictPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflict[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ResolveConflict(ctx context.Context, id string, res model.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflict[id]
	if !ok {
		return errs.New("conflict not found")
	}
	now := s.Clock()
	c.State = model.ConflictResolved
	c.Resolution = res
	c.ResolvedAt = &now
	return nil
}

// ===== outbox =====

func (s *memStore) PendingOutbox(ctx context.Context, limit int) ([]*Outbound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Outbound
	for _, o := range s.outbox {
		out = append(out, o)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) MarkDispatched(ctx context.Context, dispatched []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[int64]struct{}, len(dispatched))
	for _, id := range dispatched {
		drop[id] = struct{}{}
	}
	kept := s.outbox[:0]
	for _, o := range s.outbox {
		if _, ok := drop[o.ID]; !ok {
			kept = append(kept, o)
		}
	}
	s.outbox = kept
	return nil
}
