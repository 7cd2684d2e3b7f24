package service

import (
	"context"
	"time"

	"BTPSync/logger"
	"BTPSync/module/sync/model"
)

// NoCursor marks a pull without a known position (fresh or reset client).
const NoCursor int64 = -1

type PullResult struct {
	Operations []*model.Operation `json:"operations"`
	ServerSeq  int64              `json:"serverSeq"`
	ServerTime int64              `json:"serverTime"`
	FullSync   bool               `json:"fullSync"`
	HasMore    bool               `json:"hasMore"` // page was full, pull again from ServerSeq
}

// Pull returns operations newer than the caller's cursor, or a full-sync
// snapshot when the cursor is absent or has fallen below the log floor.
//
// Full sync never replays history: it synthesizes one CREATE per live
// entity row and nothing else. Synthesizing a DELETE here would make a
// fresh client delete data it has never seen the moment it catches up.
func (s *Service) Pull(ctx context.Context, principalID, deviceID string, since int64) (*PullResult, error) {
	res := &PullResult{Operations: []*model.Operation{}, ServerTime: time.Now().UnixMilli()}

	floor, err := s.store.LogFloor(ctx, principalID)
	if err != nil {
		return nil, err
	}
	full := since == NoCursor || (floor > 0 && since+1 < floor)

	if full {
		rows, err := s.store.Snapshot(ctx, principalID)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			res.Operations = append(res.Operations, model.SyntheticCreate(row))
		}
		latest, err := s.store.LatestSeq(ctx, principalID)
		if err != nil {
			return nil, err
		}
		res.ServerSeq = latest
		res.FullSync = true
		logger.Infof("[pull] full sync principal=%s device=%s entities=%d seq=%d",
			principalID, deviceID, len(rows), latest)
	} else {
		ops, err := s.store.ReadSince(ctx, principalID, "", since, s.pageSize)
		if err != nil {
			return nil, err
		}
		res.Operations = ops
		if len(ops) == s.pageSize {
			// page full: report the page's last seq so the caller keeps paging
			res.ServerSeq = ops[len(ops)-1].ServerSeq
			res.HasMore = true
		} else {
			latest, err := s.store.LatestSeq(ctx, principalID)
			if err != nil {
				return nil, err
			}
			res.ServerSeq = latest
		}
	}

	if deviceID != "" {
		if err := s.store.TouchPull(ctx, principalID, deviceID, res.ServerSeq); err != nil {
			return nil, err
		}
	}
	return res, nil
}
