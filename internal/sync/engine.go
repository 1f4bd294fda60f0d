package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/solarcrm/fieldsync/internal/db"
	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/sync/remote"
)

// DefaultMaxRetries is the number of failed attempts after which a record
// stops being retried automatically.
const DefaultMaxRetries = 3

// SyncError reports a failed SyncOne. The record's stored state has
// already been updated when it is returned.
type SyncError struct {
	LocalID    models.UUID
	RetryCount int
	// Terminal is set when the record is in the error state and will not be
	// retried automatically.
	Terminal bool
	Err      error
}

func (e *SyncError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("record %s failed permanently after %d attempts: %v", e.LocalID, e.RetryCount, e.Err)
	}
	return fmt.Sprintf("record %s failed (attempt %d): %v", e.LocalID, e.RetryCount, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsTerminal reports whether err is a SyncError for an exhausted record.
func IsTerminal(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Terminal
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	MaxRetries int
	Kinds      map[models.Kind]models.KindSpec
}

// Engine is the record synchronizer. It uploads a record's attachments,
// writes the record to its remote table and records the outcome locally.
type Engine struct {
	store      Store
	remote     remote.Store
	uploader   *Uploader
	maxRetries int
	kinds      map[models.Kind]models.KindSpec
}

// NewEngine creates a new Engine.
func NewEngine(store Store, remoteStore remote.Store, uploader *Uploader, cfg EngineConfig) *Engine {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Kinds == nil {
		cfg.Kinds = models.DefaultKindSpecs()
	}
	return &Engine{
		store:      store,
		remote:     remoteStore,
		uploader:   uploader,
		maxRetries: cfg.MaxRetries,
		kinds:      cfg.Kinds,
	}
}

// MaxRetries returns the attempt ceiling.
func (e *Engine) MaxRetries() int {
	return e.maxRetries
}

// KindSpec returns the remote mapping for kind.
func (e *Engine) KindSpec(kind models.Kind) (models.KindSpec, bool) {
	spec, ok := e.kinds[kind]
	return spec, ok
}

// SyncOne pushes one record. Already synced records return their remote id
// without touching the remote store. Records in the error state are not
// retried and yield a terminal SyncError. A record already being synced is
// refused with SYNC_FAILED and left untouched.
func (e *Engine) SyncOne(ctx context.Context, localID models.UUID) (string, error) {
	rec, err := e.store.GetRecord(localID)
	if err != nil {
		return "", err
	}

	switch rec.SyncStatus {
	case models.SyncStatusSynced:
		return rec.RemoteID, nil
	case models.SyncStatusError:
		return "", &SyncError{
			LocalID:    rec.LocalID,
			RetryCount: rec.RetryCount,
			Terminal:   true,
			Err:        apperrors.New(apperrors.ErrSyncTerminal, rec.LastError),
		}
	case models.SyncStatusSyncing:
		return "", &SyncError{
			LocalID:    rec.LocalID,
			RetryCount: rec.RetryCount,
			Err:        apperrors.New(apperrors.ErrSyncFailed, "record is already being synced"),
		}
	}

	if err := e.store.UpdateRecordStatus(rec.LocalID, db.RecordUpdate{
		Status:     models.SyncStatusSyncing,
		RetryCount: rec.RetryCount,
		LastError:  rec.LastError,
	}); err != nil {
		return "", err
	}

	attachments, err := e.store.ListAttachmentsByParent(rec.Kind, rec.LocalID)
	if err != nil {
		return "", e.fail(rec, err)
	}
	if err := e.uploadAttachments(ctx, rec, attachments); err != nil {
		return "", e.fail(rec, err)
	}

	remoteID, err := e.submit(ctx, rec, attachments)
	if err != nil {
		return "", e.fail(rec, err)
	}

	if err := e.store.UpdateRecordStatus(rec.LocalID, db.RecordUpdate{
		Status:     models.SyncStatusSynced,
		RemoteID:   remoteID,
		RetryCount: rec.RetryCount,
	}); err != nil {
		// The row exists remotely; the retry creates it again and the
		// duplicate resolver reports the pair.
		logging.Error("failed to mark record synced", err, map[string]interface{}{
			"local_id":  rec.LocalID.String(),
			"remote_id": remoteID,
		})
		return "", e.fail(rec, apperrors.Storage(fmt.Sprintf("mark record synced (remote id %s)", remoteID), err))
	}

	logging.Info("record synced", map[string]interface{}{
		"local_id":    rec.LocalID.String(),
		"kind":        string(rec.Kind),
		"remote_id":   remoteID,
		"attachments": len(attachments),
	})
	return remoteID, nil
}

// uploadAttachments uploads every attachment not yet synced, stopping at the
// first failure. The given attachments are updated in place.
func (e *Engine) uploadAttachments(ctx context.Context, rec *models.PendingRecord, attachments []*models.PendingAttachment) error {
	for i, att := range attachments {
		if att.SyncStatus == models.SyncStatusSynced && att.RemoteURL != "" {
			continue
		}

		if err := e.store.UpdateAttachmentStatus(att.LocalID, db.AttachmentUpdate{
			Status: models.SyncStatusSyncing,
		}); err != nil {
			return err
		}

		url, err := e.uploader.Upload(ctx, att.Blob, DestinationPath(rec, att, i), att.MimeType)
		if err != nil {
			if uerr := e.store.UpdateAttachmentStatus(att.LocalID, db.AttachmentUpdate{
				Status:    models.SyncStatusError,
				LastError: err.Error(),
			}); uerr != nil {
				logging.Error("failed to mark attachment failed", uerr, map[string]interface{}{
					"attachment_id": att.LocalID.String(),
				})
			}
			return err
		}

		if err := e.store.UpdateAttachmentStatus(att.LocalID, db.AttachmentUpdate{
			Status:    models.SyncStatusSynced,
			RemoteURL: url,
		}); err != nil {
			return err
		}
		att.SyncStatus = models.SyncStatusSynced
		att.RemoteURL = url
	}
	return nil
}

// DiscardUploads deletes the blobs already uploaded for a record that never
// reached the remote store, so dropping it leaves no orphaned objects.
// Synced and in-flight records are left alone. Failures are logged and the
// first one returned; the remaining blobs are still attempted.
func (e *Engine) DiscardUploads(ctx context.Context, rec *models.PendingRecord) (int, error) {
	if rec.SyncStatus == models.SyncStatusSynced || rec.SyncStatus == models.SyncStatusSyncing {
		return 0, nil
	}
	attachments, err := e.store.ListAttachmentsByParent(rec.Kind, rec.LocalID)
	if err != nil {
		return 0, err
	}

	removed := 0
	var firstErr error
	for i, att := range attachments {
		if att.SyncStatus != models.SyncStatusSynced || att.RemoteURL == "" {
			continue
		}
		path := DestinationPath(rec, att, i)
		supported, err := e.uploader.Remove(ctx, path)
		if !supported {
			return removed, nil
		}
		if err != nil {
			logging.Warn("failed to delete uploaded attachment", map[string]interface{}{
				"local_id": rec.LocalID.String(),
				"path":     path,
				"error":    err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// BuildRow turns a record and its uploaded attachments into the remote row.
// Photo URLs fill the kind's array field in capture order; other roles
// fill their mapped field.
func BuildRow(rec *models.PendingRecord, spec models.KindSpec, attachments []*models.PendingAttachment) (remote.Row, error) {
	row, err := rec.PayloadMap()
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var photos []string
	for _, att := range attachments {
		field, array := spec.FieldForRole(att.Role)
		if field == "" {
			continue
		}
		if array {
			photos = append(photos, att.RemoteURL)
			continue
		}
		row[field] = att.RemoteURL
	}
	if len(photos) > 0 && spec.PhotosField != "" {
		row[spec.PhotosField] = photos
	}
	if spec.OwnerColumn != "" {
		row[spec.OwnerColumn] = rec.OwnerID
	}
	return row, nil
}

// submit creates the remote row and runs the kind's follow-up writes. A
// failed follow-up fails the whole submission; the created row is left in
// place.
func (e *Engine) submit(ctx context.Context, rec *models.PendingRecord, attachments []*models.PendingAttachment) (string, error) {
	spec, ok := e.kinds[rec.Kind]
	if !ok || spec.Table == "" {
		return "", apperrors.Submit(fmt.Sprintf("no remote table for kind %q", rec.Kind), nil)
	}
	if e.remote == nil {
		return "", apperrors.New(apperrors.ErrSyncNotConfigured, "remote store is not configured")
	}

	row, err := BuildRow(rec, spec, attachments)
	if err != nil {
		return "", apperrors.Submit("build row", err)
	}

	remoteID, err := e.remote.Create(ctx, spec.Table, row)
	if err != nil {
		return "", apperrors.Submit(fmt.Sprintf("create %s row", spec.Table), err)
	}

	for _, f := range spec.FollowUps {
		target := remote.IDString(row[f.KeyField])
		if target == "" {
			continue
		}
		if err := e.remote.Update(ctx, f.Table, target, f.Set); err != nil {
			return "", apperrors.Submit(fmt.Sprintf("update %s %s", f.Table, target), err)
		}
	}
	return remoteID, nil
}

// fail records a failed attempt. The retry count grows by one; at the
// ceiling the record becomes terminal.
func (e *Engine) fail(rec *models.PendingRecord, cause error) error {
	retries := rec.RetryCount + 1
	terminal := retries >= e.maxRetries
	status := models.SyncStatusPending
	if terminal {
		status = models.SyncStatusError
	}

	if err := e.store.UpdateRecordStatus(rec.LocalID, db.RecordUpdate{
		Status:     status,
		RetryCount: retries,
		LastError:  cause.Error(),
	}); err != nil {
		logging.Error("failed to record sync failure", err, map[string]interface{}{
			"local_id": rec.LocalID.String(),
		})
	}

	logging.Warn("record sync failed", map[string]interface{}{
		"local_id":    rec.LocalID.String(),
		"kind":        string(rec.Kind),
		"retry_count": retries,
		"terminal":    terminal,
		"code":        string(apperrors.CodeOf(cause)),
		"error":       cause.Error(),
	})

	return &SyncError{LocalID: rec.LocalID, RetryCount: retries, Terminal: terminal, Err: cause}
}
