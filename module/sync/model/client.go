package model

import "time"

// SyncClient tracks one known device of a principal. Created on first
// contact, updated on every push/pull, never deleted.
type SyncClient struct {
	PrincipalID   string    `json:"principalId"`
	DeviceID      string    `json:"deviceId"`
	LastPushedSeq int64     `json:"lastPushedSeq"`
	LastPulledSeq int64     `json:"lastPulledSeq"`
	LastPushAt    time.Time `json:"lastPushAt,omitempty"`
	LastPullAt    time.Time `json:"lastPullAt,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
