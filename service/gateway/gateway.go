package gateway

import (
	"context"
	"encoding/json"

	"BTPSync/logger"
	"BTPSync/module/sync/model"
	"BTPSync/service/dispatcher"
	"BTPSync/service/natsx"
)

// PresenceChecker answers whether a device is live on any gateway node.
type PresenceChecker interface {
	Live(ctx context.Context, principal, device string) (bool, error)
}

// Gateway fans committed operations out to live connections. It receives
// ops from the bus strictly after commit (outbox dispatch), so nothing
// is ever broadcast before the underlying row is durable.
type Gateway struct {
	reg      *Registry
	fanout   *Fanout
	presence PresenceChecker // nil on single-node setups: the local registry is authoritative
	nodeID   string
}

func New(reg *Registry, fanout *Fanout, presence PresenceChecker, nodeID string) *Gateway {
	return &Gateway{reg: reg, fanout: fanout, presence: presence, nodeID: nodeID}
}

// StartBus subscribes the gateway to commit notifications.
func (g *Gateway) StartBus(nc *natsx.NatsxClient) error {
	return nc.Subscribe(dispatcher.SubjectPrefix+"*", func(ctx context.Context, msg natsx.NatsxMessage) error {
		op := &model.Operation{}
		if err := json.Unmarshal(msg.Data, op); err != nil {
			logger.Errorf("[gateway] bad bus payload subject=%s: %v", msg.Subject, err)
			return nil
		}
		g.HandleCommit(ctx, op)
		return nil
	})
}

// HandleCommit broadcasts one committed op to the principal's room and
// any joined scope rooms, minus every connection of the originating
// device (a device must never receive back the op it just authored).
func (g *Gateway) HandleCommit(ctx context.Context, op *model.Operation) {
	if op.Kind == model.OpDelete && !g.originLive(ctx, op) {
		// A DELETE with no traceable live sender looks like a full-resync
		// bug, not a user action. Propagating it could wipe data on every
		// device; a dropped update can always be re-pulled, a propagated
		// bad delete cannot be un-deleted.
		logger.Warnf("[gateway] drop untraceable DELETE principal=%s device=%s entity=%s/%s op=%s",
			op.PrincipalID, op.ClientID, op.EntityType, op.EntityID, op.OpID)
		return
	}

	targets := g.reg.listPrincipal(op.PrincipalID)
	for _, scope := range scopesOf(op) {
		targets = append(targets, g.reg.listScope(scope)...)
	}

	seen := make(map[string]struct{}, len(targets))
	out := targets[:0]
	for _, c := range targets {
		if _, dup := seen[c.id]; dup {
			continue
		}
		seen[c.id] = struct{}{}
		if c.device == op.ClientID {
			continue // echo prevention
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return
	}
	g.fanout.Broadcast(out, BuildOpFrame(op))
}

// originLive checks the originating device locally first, then across
// nodes via presence.
func (g *Gateway) originLive(ctx context.Context, op *model.Operation) bool {
	if op.ClientID == "" {
		return false
	}
	if g.reg.deviceLive(op.PrincipalID, op.ClientID) {
		return true
	}
	if g.presence == nil {
		return false
	}
	live, err := g.presence.Live(ctx, op.PrincipalID, op.ClientID)
	if err != nil {
		logger.Warnf("[gateway] presence check failed, treating origin as dead: %v", err)
		return false
	}
	return live
}

// scopesOf names the finer-grained rooms an op belongs to: its project
// room, and a shared room for cross-principal reference kinds.
func scopesOf(op *model.Operation) []string {
	var out []string
	if op.EntityType == model.KindProject {
		out = append(out, "project:"+op.EntityID)
	} else if pid, ok := op.Payload["projectId"].(string); ok && pid != "" {
		out = append(out, "project:"+pid)
	}
	if sp, ok := model.SpecFor(op.EntityType); ok && sp.Shared {
		out = append(out, "shared:"+string(op.EntityType))
	}
	return out
}
