package model

import "time"

// ConflictState is the lifecycle of a recorded conflict.
type ConflictState string

const (
	ConflictPending  ConflictState = "pending"
	ConflictResolved ConflictState = "resolved"
)

// Resolution is the outcome picked by a human or by policy.
type Resolution string

const (
	ResolveLocalWins  Resolution = "local_wins"
	ResolveRemoteWins Resolution = "remote_wins"
	ResolveMerged     Resolution = "merged"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolveLocalWins, ResolveRemoteWins, ResolveMerged:
		return true
	}
	return false
}

// Conflict records two writes to the same entity that raced across
// devices. The ingestor applies last-writer-wins immediately and records
// the loser here; surfacing is at-least-once, the LWW write may already
// have propagated before anyone resolves it.
type Conflict struct {
	ID          string        `json:"id"`
	PrincipalID string        `json:"principalId"`
	EntityType  EntityKind    `json:"entityType"`
	EntityID    string        `json:"entityId"`

	// The committed state that got overwritten and the op that won.
	LosingOpID   string         `json:"losingOpId"`
	WinningOpID  string         `json:"winningOpId"`
	LocalFields  map[string]any `json:"localFields"`  // entity state before the winning op
	RemoteFields map[string]any `json:"remoteFields"` // winning op payload

	State      ConflictState `json:"state"`
	Resolution Resolution    `json:"resolution,omitempty"`
	DetectedAt time.Time     `json:"detectedAt"`
	ResolvedAt *time.Time    `json:"resolvedAt,omitempty"`
}
