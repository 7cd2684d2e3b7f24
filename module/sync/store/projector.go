package store

import (
	"time"

	"BTPSync/module/sync/model"
	"BTPSync/tools/errs"
)

// Project applies one operation onto an entity row and returns the new
// row state. row == nil means the entity does not exist yet. Pure: both
// store implementations run their writes through here so Postgres and
// memory agree on semantics.
//
// CREATE/UPDATE upsert: an UPDATE for a missing row degrades into a
// CREATE, because replicated ops can arrive out of dependency order
// across unreliable links. DELETE only sets the soft-delete marker; no
// physical removal happens on this path.
func Project(row *model.EntityRow, op *model.Operation, now time.Time) (*model.EntityRow, error) {
	sp, ok := model.SpecFor(op.EntityType)
	if !ok {
		return nil, errs.NewCodeError(errs.CodeUnknownEntity, "unknown entity type").WithDetail(string(op.EntityType))
	}
	if !op.Kind.Valid() {
		return nil, errs.NewCodeError(errs.CodeRejectedPayload, "unknown op kind").WithDetail(string(op.Kind))
	}
	if err := sp.ValidatePayload(op.Payload); err != nil {
		return nil, errs.NewCodeError(errs.CodeRejectedPayload, "payload rejected").WithDetail(err.Error())
	}

	var next *model.EntityRow
	if row == nil {
		next = &model.EntityRow{
			Kind:        op.EntityType,
			ID:          op.EntityID,
			PrincipalID: op.PrincipalID,
			Fields:      map[string]any{},
		}
	} else {
		next = row.Clone()
	}

	switch op.Kind {
	case model.OpCreate, model.OpUpdate:
		mergeFields(next, op.Payload, now)
	case model.OpDelete:
		if next.DeletedAt == nil {
			t := now
			next.DeletedAt = &t
		}
	}

	next.Version++
	next.LastOpID = op.OpID
	next.LastDeviceID = op.ClientID
	next.UpdatedAt = now
	return next, nil
}

// mergeFields folds the allow-listed, non-empty payload fields into the
// row. A present "deletedAt" key is the one field with explicit null
// semantics: null clears the soft-delete marker (restore), a value sets
// it.
func mergeFields(row *model.EntityRow, payload map[string]any, now time.Time) {
	for name, v := range payload {
		if name == "deletedAt" {
			if v == nil {
				row.DeletedAt = nil
			} else if t, ok := parseTime(v); ok {
				row.DeletedAt = &t
			}
			continue
		}
		if v == nil {
			continue // partial payloads omit by null, never erase
		}
		row.Fields[name] = v
	}
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	case float64:
		return time.UnixMilli(int64(t)), true
	case int64:
		return time.UnixMilli(t), true
	}
	return time.Time{}, false
}

// DetectConflict reports whether op collides with a concurrent write
// from another device. The rule: the row's current state was produced by
// a different device at a sequence the pushing client had not yet seen
// (knownSeq) when it authored this UPDATE/DELETE. LWW still applies the
// op; the caller records the conflict for later human review.
func DetectConflict(row *model.EntityRow, op *model.Operation, knownSeq int64) bool {
	if row == nil || op.Kind == model.OpCreate {
		return false
	}
	if row.LastDeviceID == "" || row.LastDeviceID == op.ClientID {
		return false
	}
	return row.LastServerSeq > knownSeq
}
