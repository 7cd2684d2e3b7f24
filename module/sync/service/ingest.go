package service

import (
	"context"
	"sort"

	"BTPSync/logger"
	"BTPSync/module/sync/model"
	"BTPSync/module/sync/store"
	"BTPSync/tools/errs"
)

// Presence answers which devices of a principal currently hold a live
// realtime connection (any gateway node). Backed by Redis in production.
type Presence interface {
	ConnectedDevices(ctx context.Context, principalID string) ([]string, error)
}

// Service is the sync engine's server-side surface: push ingest, pull,
// status and conflict resolution over one Store.
type Service struct {
	store    store.Store
	presence Presence // optional
	pageSize int
}

func New(st store.Store, presence Presence, pageSize int) *Service {
	if pageSize <= 0 {
		pageSize = 200
	}
	return &Service{store: st, presence: presence, pageSize: pageSize}
}

func (s *Service) Store() store.Store { return s.store }

// ===== push =====

type PushRequest struct {
	Operations    []*model.Operation `json:"operations"`
	DeviceID      string             `json:"deviceId"`
	LastPushedSeq int64              `json:"lastPushedSeq"`
}

type OpError struct {
	OpID  string `json:"opId"`
	Code  int    `json:"code"`
	Error string `json:"error"`
}

type PushResult struct {
	AckOps    []string           `json:"ackOps"`
	ServerSeq int64              `json:"serverSeq"`
	RemoteOps []*model.Operation `json:"remoteOps"`
	Errors    []OpError          `json:"errors"`
}

// Push ingests one device's batch: dependency-orders it, applies each op
// behind its own savepoint inside one transaction, acknowledges
// duplicates without re-applying, then piggybacks the other devices' ops
// the caller has not seen. Acknowledging an opId is permanent.
func (s *Service) Push(ctx context.Context, principalID string, req *PushRequest) (*PushResult, error) {
	if req.DeviceID == "" {
		return nil, errs.NewCodeError(errs.CodeRejectedPayload, "deviceId required")
	}

	ops := orderBatch(req.Operations)
	res := &PushResult{AckOps: []string{}, RemoteOps: []*model.Operation{}, Errors: []OpError{}}
	var maxSeq int64

	err := s.store.InBatch(ctx, principalID, req.DeviceID, req.LastPushedSeq, func(b store.Batch) error {
		for _, op := range ops {
			if op.OpID == "" {
				res.Errors = append(res.Errors, OpError{Code: errs.CodeRejectedPayload, Error: "opId required"})
				continue
			}
			// authority comes from the session, never from the payload
			op.PrincipalID = principalID
			op.ClientID = req.DeviceID

			applied, err := b.Apply(ctx, op)
			if err != nil {
				// savepoint already rolled back; the batch keeps going
				res.Errors = append(res.Errors, OpError{OpID: op.OpID, Code: errs.CodeOf(err), Error: err.Error()})
				logger.Warnf("[push] op rejected principal=%s device=%s op=%s err=%v",
					principalID, req.DeviceID, op.OpID, err)
				continue
			}
			res.AckOps = append(res.AckOps, op.OpID)
			if applied.ServerSeq > maxSeq {
				maxSeq = applied.ServerSeq
			}
			if applied.Conflict != nil {
				logger.Warnf("[push] conflict recorded principal=%s entity=%s/%s winner=%s",
					principalID, op.EntityType, op.EntityID, op.OpID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if maxSeq == 0 {
		latest, err := s.store.LatestSeq(ctx, principalID)
		if err != nil {
			return nil, err
		}
		maxSeq = latest
	}
	res.ServerSeq = maxSeq

	if err := s.store.TouchPush(ctx, principalID, req.DeviceID, maxSeq); err != nil {
		return nil, err
	}

	// fold in what other devices committed meanwhile, no second round trip
	remote, err := s.store.ReadSince(ctx, principalID, req.DeviceID, req.LastPushedSeq, s.pageSize)
	if err != nil {
		return nil, err
	}
	res.RemoteOps = remote
	return res, nil
}

// orderBatch stable-sorts a batch so CREATE precedes UPDATE precedes
// DELETE, and within one verb parents precede children by entity rank.
// Clients queue ops from UI events and get the causal order wrong under
// racing screens; the server tolerates it here.
func orderBatch(ops []*model.Operation) []*model.Operation {
	out := make([]*model.Operation, len(ops))
	copy(out, ops)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind.Rank() != out[j].Kind.Rank() {
			return out[i].Kind.Rank() < out[j].Kind.Rank()
		}
		ri, rj := 0, 0
		if sp, ok := model.SpecFor(out[i].EntityType); ok {
			ri = sp.Rank
		}
		if sp, ok := model.SpecFor(out[j].EntityType); ok {
			rj = sp.Rank
		}
		if out[i].Kind == model.OpDelete {
			// children torn down before parents
			return ri > rj
		}
		return ri < rj
	})
	return out
}
