package service

import (
	"context"

	"BTPSync/module/sync/model"
)

type StatusResult struct {
	TotalOperations  int64              `json:"totalOperations"`
	LatestServerSeq  int64              `json:"latestServerSeq"`
	ClientStatus     *model.SyncClient  `json:"clientStatus,omitempty"`
	PendingConflicts int                `json:"pendingConflicts"`
	ConnectedDevices []string           `json:"connectedDevices"`
	KnownDevices     []*model.SyncClient `json:"knownDevices"`
}

// Status reports the principal's log position, the calling device's
// cursors and who else is online right now.
func (s *Service) Status(ctx context.Context, principalID, deviceID string) (*StatusResult, error) {
	res := &StatusResult{ConnectedDevices: []string{}}

	total, err := s.store.CountOps(ctx, principalID)
	if err != nil {
		return nil, err
	}
	res.TotalOperations = total

	latest, err := s.store.LatestSeq(ctx, principalID)
	if err != nil {
		return nil, err
	}
	res.LatestServerSeq = latest

	if deviceID != "" {
		client, err := s.store.GetClient(ctx, principalID, deviceID)
		if err != nil {
			return nil, err
		}
		res.ClientStatus = client
	}

	conflicts, err := s.store.PendingConflicts(ctx, principalID)
	if err != nil {
		return nil, err
	}
	res.PendingConflicts = len(conflicts)

	known, err := s.store.Clients(ctx, principalID)
	if err != nil {
		return nil, err
	}
	res.KnownDevices = known

	if s.presence != nil {
		devices, err := s.presence.ConnectedDevices(ctx, principalID)
		if err == nil {
			res.ConnectedDevices = devices
		}
		// presence is advisory; a redis hiccup must not fail status
	}
	return res, nil
}
