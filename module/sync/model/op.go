package model

import (
	"time"
)

// OpKind is the replication verb carried by an operation.
type OpKind string

const (
	OpCreate OpKind = "CREATE"
	OpUpdate OpKind = "UPDATE"
	OpDelete OpKind = "DELETE"
)

// kindRank orders verbs inside one push batch: creates must land before
// updates, deletes last.
var kindRank = map[OpKind]int{
	OpCreate: 0,
	OpUpdate: 1,
	OpDelete: 2,
}

func (k OpKind) Valid() bool {
	_, ok := kindRank[k]
	return ok
}

func (k OpKind) Rank() int { return kindRank[k] }

// Operation is the unit of replication. Immutable once committed;
// corrections are new operations, never edits of the log.
type Operation struct {
	OpID        string         `json:"opId"`        // client-generated, idempotency key
	ClientID    string         `json:"clientId"`    // originating device
	PrincipalID string         `json:"principalId"` // owning user/tenant
	EntityType  EntityKind     `json:"entityType"`
	EntityID    string         `json:"entityId"` // stable across devices
	Kind        OpKind         `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
	ClientTS    int64          `json:"clientTimestamp,omitempty"` // wall clock ms, advisory only
	ServerSeq   int64          `json:"serverSeq,omitempty"`       // assigned at commit, sole ordering authority
}

// Clone returns a shallow copy with its own payload map, so callers can
// hold on to an op across apply without aliasing the batch.
func (o *Operation) Clone() *Operation {
	cp := *o
	if o.Payload != nil {
		cp.Payload = make(map[string]any, len(o.Payload))
		for k, v := range o.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// SyntheticCreate builds the full-sync replacement op for a live entity
// row: current state replayed as a single CREATE. Full sync must never
// synthesize a DELETE (a fresh client has nothing to delete).
func SyntheticCreate(row *EntityRow) *Operation {
	payload := make(map[string]any, len(row.Fields))
	for k, v := range row.Fields {
		payload[k] = v
	}
	return &Operation{
		OpID:        "snapshot-" + string(row.Kind) + "-" + row.ID,
		PrincipalID: row.PrincipalID,
		EntityType:  row.Kind,
		EntityID:    row.ID,
		Kind:        OpCreate,
		Payload:     payload,
		ClientTS:    time.Now().UnixMilli(),
		ServerSeq:   row.LastServerSeq,
	}
}
