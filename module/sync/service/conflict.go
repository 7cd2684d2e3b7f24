package service

import (
	"context"

	"github.com/google/uuid"

	"BTPSync/module/sync/model"
	"BTPSync/tools/errs"
)

// Conflicts lists the principal's unresolved conflicts for the review UI.
func (s *Service) Conflicts(ctx context.Context, principalID string) ([]*model.Conflict, error) {
	return s.store.PendingConflicts(ctx, principalID)
}

// Resolve closes a pending conflict. The LWW write already landed at
// detection time (and may already have propagated), so:
//
//	remote_wins: nothing to re-apply, just mark resolved
//	local_wins:  re-emit the overwritten state as a fresh UPDATE
//	merged:      emit the caller-provided merge as a fresh UPDATE
//
// Re-emitted writes go through the normal push path, so they get a real
// serverSeq and fan out to every device like any other operation.
func (s *Service) Resolve(ctx context.Context, principalID, conflictID, deviceID string, res model.Resolution, mergedData map[string]any) error {
	if !res.Valid() {
		return errs.NewCodeError(errs.CodeRejectedPayload, "unknown resolution").WithDetail(string(res))
	}
	c, err := s.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if c == nil || c.PrincipalID != principalID {
		return errs.New("conflict not found")
	}
	if c.State == model.ConflictResolved {
		return errs.New("conflict already resolved")
	}

	var payload map[string]any
	switch res {
	case model.ResolveLocalWins:
		payload = c.LocalFields
	case model.ResolveMerged:
		if mergedData == nil {
			return errs.NewCodeError(errs.CodeRejectedPayload, "mergedData required for merged resolution")
		}
		payload = mergedData
	}

	if payload != nil {
		if deviceID == "" {
			deviceID = "conflict-resolver"
		}
		op := &model.Operation{
			OpID:       "resolve-" + uuid.NewString(),
			EntityType: c.EntityType,
			EntityID:   c.EntityID,
			Kind:       model.OpUpdate,
			Payload:    payload,
		}
		// the resolver has seen the whole log; pushing at the latest seq
		// keeps this write from registering as yet another conflict
		latest, err := s.store.LatestSeq(ctx, principalID)
		if err != nil {
			return err
		}
		pushed, err := s.Push(ctx, principalID, &PushRequest{
			Operations:    []*model.Operation{op},
			DeviceID:      deviceID,
			LastPushedSeq: latest,
		})
		if err != nil {
			return err
		}
		if len(pushed.Errors) > 0 {
			return errs.NewCodeError(pushed.Errors[0].Code, "resolution write rejected").WithDetail(pushed.Errors[0].Error)
		}
	}

	return s.store.ResolveConflict(ctx, conflictID, res)
}
