// Package conflict surfaces remote rows that denote the same subject as a
// freshly synced record and applies the user's decision on them.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/solarcrm/fieldsync/internal/db"
	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/sync/remote"
)

// Resolution is the user's decision on a duplicate candidate.
type Resolution string

const (
	ResolutionKeepBoth Resolution = "keep_both"
	ResolutionDiscard  Resolution = "discard"
	ResolutionMerge    Resolution = "merge"
)

// Resolver detects duplicate candidates after a sync cycle and resolves
// them on explicit request. It never deletes a remote row on its own.
type Resolver struct {
	store    db.DuplicateStore
	remote   remote.Store
	kinds    map[models.Kind]models.KindSpec
	idColumn string
	now      func() time.Time
}

// NewResolver creates a new Resolver.
func NewResolver(store db.DuplicateStore, remoteStore remote.Store, kinds map[models.Kind]models.KindSpec, idColumn string) *Resolver {
	if kinds == nil {
		kinds = models.DefaultKindSpecs()
	}
	if idColumn == "" {
		idColumn = "id"
	}
	return &Resolver{
		store:    store,
		remote:   remoteStore,
		kinds:    kinds,
		idColumn: idColumn,
		now:      time.Now,
	}
}

type pairKey struct {
	table string
	a, b  string
}

func newPairKey(table, x, y string) pairKey {
	if x > y {
		x, y = y, x
	}
	return pairKey{table: table, a: x, b: y}
}

// DetectDuplicates queries the remote table of every synced record for
// other rows of the same owner sharing one of the kind's match fields.
// Each new pair is stored as an open candidate; the number stored is
// returned. A failed query is logged and skipped.
func (r *Resolver) DetectDuplicates(ctx context.Context, records []*models.PendingRecord) (int, error) {
	seen := make(map[pairKey]struct{})
	found := 0

	for _, rec := range records {
		if rec.RemoteID == "" {
			continue
		}
		spec, ok := r.kinds[rec.Kind]
		if !ok || len(spec.MatchFields) == 0 {
			continue
		}
		payload, err := rec.PayloadMap()
		if err != nil {
			continue
		}

		for _, field := range spec.MatchFields {
			value := remote.IDString(payload[field])
			if value == "" {
				continue
			}

			filters := []remote.Filter{remote.Eq(field, value)}
			if spec.OwnerColumn != "" {
				filters = append(filters, remote.Eq(spec.OwnerColumn, rec.OwnerID))
			}
			rows, err := r.remote.Query(ctx, spec.Table, filters...)
			if err != nil {
				logging.Warn("duplicate scan failed", map[string]interface{}{
					"local_id": rec.LocalID.String(),
					"table":    spec.Table,
					"field":    field,
					"error":    err.Error(),
				})
				continue
			}

			for _, row := range rows {
				existing := remote.IDString(row[r.idColumn])
				if existing == "" || existing == rec.RemoteID {
					continue
				}
				key := newPairKey(spec.Table, rec.RemoteID, existing)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}

				added, err := r.store.AddDuplicateCandidate(&models.DuplicateCandidate{
					OwnerID:          rec.OwnerID,
					Kind:             rec.Kind,
					Table:            spec.Table,
					MatchField:       field,
					MatchValue:       value,
					RecordLocalID:    rec.LocalID,
					SyncedRemoteID:   rec.RemoteID,
					ExistingRemoteID: existing,
					DetectedAt:       r.now().UnixMilli(),
				})
				if err != nil {
					return found, err
				}
				if added {
					found++
				}
			}
		}
	}

	if found > 0 {
		logging.Info("duplicate candidates detected", map[string]interface{}{
			"count": found,
		})
	}
	return found, nil
}

// List returns the owner's candidates in the given statuses.
func (r *Resolver) List(ownerID string, statuses ...models.DuplicateStatus) ([]*models.DuplicateCandidate, error) {
	return r.store.ListDuplicateCandidates(ownerID, statuses...)
}

// openCandidate loads a candidate and checks it still awaits a decision.
func (r *Resolver) openCandidate(id models.UUID) (*models.DuplicateCandidate, error) {
	c, err := r.store.GetDuplicateCandidate(id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.DuplicateStatusOpen {
		return nil, apperrors.New(apperrors.ErrDuplicateResolved,
			fmt.Sprintf("duplicate candidate %s already %s", id, c.Status))
	}
	return c, nil
}

// inPair reports whether remoteID is one of the candidate's two rows.
func inPair(c *models.DuplicateCandidate, remoteID string) bool {
	return remoteID == c.SyncedRemoteID || remoteID == c.ExistingRemoteID
}

// KeepBoth closes the candidate leaving both rows in place.
func (r *Resolver) KeepBoth(ctx context.Context, id models.UUID) error {
	if _, err := r.openCandidate(id); err != nil {
		return err
	}
	return r.store.ResolveDuplicateCandidate(id, models.DuplicateStatusKeptBoth)
}

// Discard deletes one of the pair's rows.
func (r *Resolver) Discard(ctx context.Context, id models.UUID, remoteID string) error {
	c, err := r.openCandidate(id)
	if err != nil {
		return err
	}
	if !inPair(c, remoteID) {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("row %s is not part of duplicate candidate %s", remoteID, id))
	}

	if err := r.deleteRow(ctx, c.Table, remoteID); err != nil {
		return err
	}
	if err := r.store.ResolveDuplicateCandidate(id, models.DuplicateStatusDiscarded); err != nil {
		return err
	}
	r.closeStale(c, remoteID)

	logging.Info("duplicate discarded", map[string]interface{}{
		"candidate_id": id.String(),
		"table":        c.Table,
		"remote_id":    remoteID,
	})
	return nil
}

// Merge copies the discarded row's values into the kept row's empty
// fields, then deletes the discarded row. Non-empty fields of the kept row
// are never overwritten.
func (r *Resolver) Merge(ctx context.Context, id models.UUID, keepID, discardID string) error {
	c, err := r.openCandidate(id)
	if err != nil {
		return err
	}
	if keepID == discardID || !inPair(c, keepID) || !inPair(c, discardID) {
		return apperrors.New(apperrors.ErrInvalid,
			fmt.Sprintf("merge of candidate %s needs both of its rows", id))
	}

	keep, err := remote.Get(ctx, r.remote, c.Table, r.idColumn, keepID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("load %s %s", c.Table, keepID), err)
	}
	discard, err := remote.Get(ctx, r.remote, c.Table, r.idColumn, discardID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("load %s %s", c.Table, discardID), err)
	}

	fill := MergeValues(keep, discard, r.idColumn)
	if len(fill) > 0 {
		if err := r.remote.Update(ctx, c.Table, keepID, fill); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("update %s %s", c.Table, keepID), err)
		}
	}
	if err := r.deleteRow(ctx, c.Table, discardID); err != nil {
		return err
	}
	if err := r.store.ResolveDuplicateCandidate(id, models.DuplicateStatusMerged); err != nil {
		return err
	}
	r.closeStale(c, discardID)

	logging.Info("duplicates merged", map[string]interface{}{
		"candidate_id": id.String(),
		"table":        c.Table,
		"kept":         keepID,
		"discarded":    discardID,
		"filled":       len(fill),
	})
	return nil
}

// Resolve dispatches a resolution by name.
func (r *Resolver) Resolve(ctx context.Context, id models.UUID, resolution Resolution, keepID, discardID string) error {
	switch resolution {
	case ResolutionKeepBoth:
		return r.KeepBoth(ctx, id)
	case ResolutionDiscard:
		return r.Discard(ctx, id, discardID)
	case ResolutionMerge:
		return r.Merge(ctx, id, keepID, discardID)
	default:
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown resolution %q", resolution))
	}
}

// deleteRow removes a remote row; a row that is already gone is fine.
func (r *Resolver) deleteRow(ctx context.Context, table, remoteID string) error {
	err := r.remote.Delete(ctx, table, remoteID)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		return apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("delete %s %s", table, remoteID), err)
	}
	return nil
}

// closeStale marks other open candidates pointing at a deleted row as
// discarded, since there is nothing left to decide for them.
func (r *Resolver) closeStale(resolved *models.DuplicateCandidate, removedID string) {
	open, err := r.store.ListDuplicateCandidates(resolved.OwnerID, models.DuplicateStatusOpen)
	if err != nil {
		logging.Warn("failed to list open duplicate candidates", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	for _, c := range open {
		if c.ID == resolved.ID || c.Table != resolved.Table || !inPair(c, removedID) {
			continue
		}
		if err := r.store.ResolveDuplicateCandidate(c.ID, models.DuplicateStatusDiscarded); err != nil {
			logging.Warn("failed to close stale duplicate candidate", map[string]interface{}{
				"candidate_id": c.ID.String(),
				"error":        err.Error(),
			})
		}
	}
}

// MergeValues returns the fields of discard that fill empty fields of keep.
func MergeValues(keep, discard remote.Row, idColumn string) remote.Row {
	fill := remote.Row{}
	for k, v := range discard {
		if k == idColumn || isEmpty(v) {
			continue
		}
		if isEmpty(keep[k]) {
			fill[k] = v
		}
	}
	return fill
}

func isEmpty(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	}
	return false
}
