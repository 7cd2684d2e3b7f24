package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"BTPSync/module/sync/model"
)

// Wire events of the realtime channel.
const (
	EvtJoin        = "join"         // client -> server, payload {scope}
	EvtLeave       = "leave"        // client -> server, payload {scope}
	EvtSyncRequest = "sync:request" // client -> server, payload {since}
	EvtSyncOp      = "sync:op"      // server -> client, single operation
	EvtSyncState   = "sync:state"   // server -> client, batch answer to sync:request
	EvtSyncError   = "sync:error"
)

// Frame is one JSON message on the websocket, either direction.
type Frame struct {
	Event   string          `json:"event"`
	Ts      int64           `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func ParseFrame(raw []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, fmt.Errorf("unmarshal frame failed: %w", err)
	}
	if f.Event == "" {
		return nil, fmt.Errorf("frame has no event")
	}
	return f, nil
}

// ScopePayload carries join/leave targets, e.g. "project:P1".
type ScopePayload struct {
	Scope string `json:"scope"`
}

// SyncRequestPayload asks for a catch-up batch over the socket.
type SyncRequestPayload struct {
	Since int64 `json:"since"`
}

func mustFrame(event string, payload any) []byte {
	body, _ := json.Marshal(payload)
	data, _ := json.Marshal(&Frame{Event: event, Ts: time.Now().UnixMilli(), Payload: body})
	return data
}

// BuildOpFrame wraps one committed operation for broadcast.
func BuildOpFrame(op *model.Operation) []byte {
	return mustFrame(EvtSyncOp, op)
}

// BuildStateFrame answers a sync:request with a batch plus the cursor to
// continue from.
func BuildStateFrame(ops []*model.Operation, serverSeq int64, fullSync bool) []byte {
	return mustFrame(EvtSyncState, map[string]any{
		"operations": ops,
		"serverSeq":  serverSeq,
		"fullSync":   fullSync,
	})
}

func BuildErrorFrame(code int, msg string) []byte {
	return mustFrame(EvtSyncError, map[string]any{"code": code, "msg": msg})
}
