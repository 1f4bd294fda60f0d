// Package services exposes offline capture and sync to the view layer:
// observable state plus the actions bound to its buttons and badges.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/solarcrm/fieldsync/internal/connectivity"
	"github.com/solarcrm/fieldsync/internal/db"
	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/media"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/sync/conflict"
	"github.com/solarcrm/fieldsync/internal/sync/scheduler"
)

// State is the observable sync state shown by the view layer.
type State struct {
	IsOnline bool `json:"is_online"`
	// PendingCount counts records not yet synced or failed.
	PendingCount int `json:"pending_count"`
	// PendingAttachments counts attachments of those records still to upload.
	PendingAttachments int        `json:"pending_attachments"`
	FailedCount        int        `json:"failed_count"`
	IsSyncing          bool       `json:"is_syncing"`
	LastSyncTime       *time.Time `json:"last_sync_time,omitempty"`
	SyncErrors         []string   `json:"sync_errors"`
	OpenDuplicates     int        `json:"open_duplicates"`
	HasDraft           bool       `json:"has_draft"`
}

// AttachmentInput is a blob captured with a record.
type AttachmentInput struct {
	Role     string `json:"role,omitempty"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data"`
}

// CaptureInput is the form data of one capture.
type CaptureInput struct {
	Kind        models.Kind            `json:"kind"`
	Payload     map[string]interface{} `json:"payload"`
	Attachments []AttachmentInput      `json:"attachments,omitempty"`
}

// Draft is a capture whose save failed. It is kept so the form can be
// restored and submitted again without re-entering anything.
type Draft struct {
	Input    CaptureInput `json:"input"`
	Error    string       `json:"error"`
	FailedAt time.Time    `json:"failed_at"`
}

// Deps are the collaborators of a CaptureService.
type Deps struct {
	OwnerID      string
	Store        db.PendingStore
	Monitor      *connectivity.Monitor
	Orchestrator *scheduler.Orchestrator
	Scheduler    *scheduler.Scheduler
	Resolver     *conflict.Resolver
	// Uploads, when set, deletes blobs uploaded for records that are dropped
	// before they reach the remote store.
	Uploads      UploadDiscarder
	Preparer     *media.Preparer
	Kinds        map[models.Kind]models.KindSpec
}

// UploadDiscarder deletes the blobs already uploaded for an unsynced record.
type UploadDiscarder interface {
	DiscardUploads(ctx context.Context, rec *models.PendingRecord) (int, error)
}

// CaptureService is the library surface linked into the application.
type CaptureService struct {
	owner    string
	store    db.PendingStore
	monitor  *connectivity.Monitor
	orch     *scheduler.Orchestrator
	sched    *scheduler.Scheduler
	resolver *conflict.Resolver
	uploads  UploadDiscarder
	preparer *media.Preparer
	kinds    map[models.Kind]models.KindSpec

	mu         sync.RWMutex
	draft      *Draft
	syncErrors []string
	nextSub    int
	subs       map[int]chan State
	cancelConn func()
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewCaptureService creates a new CaptureService.
func NewCaptureService(deps Deps) *CaptureService {
	if deps.Preparer == nil {
		deps.Preparer = media.NewPreparer(media.DefaultOptions())
	}
	if deps.Kinds == nil {
		deps.Kinds = models.DefaultKindSpecs()
	}
	s := &CaptureService{
		owner:    deps.OwnerID,
		store:    deps.Store,
		monitor:  deps.Monitor,
		orch:     deps.Orchestrator,
		sched:    deps.Scheduler,
		resolver: deps.Resolver,
		uploads:  deps.Uploads,
		preparer: deps.Preparer,
		kinds:    deps.Kinds,
		subs:     make(map[int]chan State),
	}
	s.orch.OnStart(func(ownerID string, _ scheduler.Trigger) {
		if ownerID == s.owner {
			s.publish()
		}
	})
	s.orch.OnSummary(s.onSummary)
	return s
}

// OwnerID returns the actor whose records this service manages.
func (s *CaptureService) OwnerID() string {
	return s.owner
}

// Start recovers records interrupted by a previous shutdown, then starts
// the sync triggers.
func (s *CaptureService) Start(ctx context.Context) error {
	reset, err := s.store.ResetInterruptedSyncs()
	if err != nil {
		return err
	}
	if reset > 0 {
		logging.Warn("records interrupted mid-sync were returned to pending", map[string]interface{}{
			"count": reset,
		})
	}

	events, cancel := s.monitor.Subscribe(4)
	s.mu.Lock()
	s.cancelConn = cancel
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-stopCh:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				s.publish()
			}
		}
	}()

	if s.sched != nil {
		if err := s.sched.Start(ctx); err != nil {
			s.Stop()
			return err
		}
	}
	return nil
}

// Stop stops the triggers and closes subscriber channels.
func (s *CaptureService) Stop() {
	if s.sched != nil {
		s.sched.Stop()
	}

	s.mu.Lock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.cancelConn()
		s.stopCh = nil
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()
}

// State returns the current observable state.
func (s *CaptureService) State() (State, error) {
	st := State{
		IsOnline:  s.monitor.IsOnline(),
		IsSyncing: s.orch.IsSyncing(),
	}

	var err error
	if st.PendingCount, err = s.store.CountRecords(s.owner, models.SyncStatusPending, models.SyncStatusSyncing); err != nil {
		return st, err
	}
	if st.PendingAttachments, err = s.store.CountAttachments(s.owner, models.SyncStatusPending, models.SyncStatusSyncing, models.SyncStatusError); err != nil {
		return st, err
	}
	if st.FailedCount, err = s.store.CountRecords(s.owner, models.SyncStatusError); err != nil {
		return st, err
	}
	if s.resolver != nil {
		open, err := s.resolver.List(s.owner, models.DuplicateStatusOpen)
		if err != nil {
			return st, err
		}
		st.OpenDuplicates = len(open)
	}
	if t := s.orch.LastSyncTime(); !t.IsZero() {
		st.LastSyncTime = &t
	}

	s.mu.RLock()
	st.SyncErrors = append([]string{}, s.syncErrors...)
	st.HasDraft = s.draft != nil
	s.mu.RUnlock()
	return st, nil
}

// Subscribe returns a channel receiving the state after every change and a
// cancel function. Slow subscribers miss intermediate states.
func (s *CaptureService) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

func (s *CaptureService) publish() {
	st, err := s.State()
	if err != nil {
		logging.Error("failed to compute sync state", err, map[string]interface{}{"owner_id": s.owner})
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

func (s *CaptureService) onSummary(summary scheduler.Summary) {
	if summary.OwnerID != s.owner || summary.Skipped {
		return
	}
	s.mu.Lock()
	s.syncErrors = append([]string{}, summary.Errors...)
	s.mu.Unlock()
	s.publish()
}

// AddRecord normalizes the attachments and stores the capture with status
// pending, then syncs right away when online. When the store rejects the
// write the input is kept as the draft and the error is returned.
func (s *CaptureService) AddRecord(ctx context.Context, input CaptureInput) (models.UUID, error) {
	if _, ok := s.kinds[input.Kind]; !ok {
		return "", apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown record kind %q", input.Kind))
	}

	payload, err := json.Marshal(input.Payload)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "payload is not valid JSON", err)
	}
	if input.Payload == nil {
		payload = []byte("{}")
	}

	attachments := make([]*models.PendingAttachment, 0, len(input.Attachments))
	for _, in := range input.Attachments {
		prepared, err := s.preparer.Prepare(in.Data, in.FileName, in.MimeType)
		if err != nil {
			return "", apperrors.Wrap(apperrors.ErrValidation, "invalid attachment", err)
		}
		attachments = append(attachments, &models.PendingAttachment{
			Role:     in.Role,
			FileName: prepared.FileName,
			MimeType: prepared.MimeType,
			Blob:     prepared.Data,
		})
	}

	rec := &models.PendingRecord{
		OwnerID: s.owner,
		Kind:    input.Kind,
		Payload: payload,
	}
	if err := s.store.CaptureRecord(rec, attachments); err != nil {
		s.keepDraft(input, err)
		logging.ErrorWithCode("failed to store capture", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"owner_id": s.owner,
			"kind":     string(input.Kind),
		})
		return "", err
	}

	s.mu.Lock()
	s.draft = nil
	s.mu.Unlock()

	logging.Info("record captured", map[string]interface{}{
		"local_id":    rec.LocalID.String(),
		"kind":        string(rec.Kind),
		"attachments": len(attachments),
		"online":      s.monitor.IsOnline(),
	})
	s.publish()

	if s.sched != nil {
		s.sched.AfterCapture()
	}
	return rec.LocalID, nil
}

func (s *CaptureService) keepDraft(input CaptureInput, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = &Draft{Input: input, Error: err.Error(), FailedAt: time.Now()}
}

// Draft returns the last capture that could not be stored.
func (s *CaptureService) Draft() (Draft, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.draft == nil {
		return Draft{}, false
	}
	return *s.draft, true
}

// SubmitDraft retries storing the draft.
func (s *CaptureService) SubmitDraft(ctx context.Context) (models.UUID, error) {
	d, ok := s.Draft()
	if !ok {
		return "", apperrors.New(apperrors.ErrNotFound, "no draft to submit")
	}
	return s.AddRecord(ctx, d.Input)
}

// DiscardDraft drops the draft.
func (s *CaptureService) DiscardDraft() {
	s.mu.Lock()
	s.draft = nil
	s.mu.Unlock()
	s.publish()
}

// ManualSync runs a cycle now and always notifies.
func (s *CaptureService) ManualSync(ctx context.Context) (scheduler.Summary, error) {
	if s.sched == nil {
		return s.orch.SyncAll(ctx, s.owner, scheduler.Options{Trigger: scheduler.TriggerManual})
	}
	return s.sched.SyncNow(ctx)
}

// ClearFailedItems deletes the owner's records in the error state along
// with any blobs they had already uploaded.
func (s *CaptureService) ClearFailedItems(ctx context.Context) (int64, error) {
	if s.uploads != nil {
		failed, err := s.store.ListRecordsByOwner(s.owner, models.SyncStatusError)
		if err != nil {
			return 0, err
		}
		for _, rec := range failed {
			s.discardUploads(ctx, rec)
		}
	}

	n, err := s.store.DeleteFailed(s.owner)
	if err != nil {
		return 0, err
	}
	logging.Info("failed records cleared", map[string]interface{}{"owner_id": s.owner, "count": n})
	s.publish()
	return n, nil
}

// discardUploads is best effort; a blob left behind never blocks the delete.
func (s *CaptureService) discardUploads(ctx context.Context, rec *models.PendingRecord) {
	if s.uploads == nil {
		return
	}
	n, err := s.uploads.DiscardUploads(ctx, rec)
	if err != nil {
		logging.ErrorWithCode("failed to delete uploaded attachments", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"local_id": rec.LocalID.String(),
			"deleted":  n,
		})
		return
	}
	if n > 0 {
		logging.Debug("uploaded attachments deleted", map[string]interface{}{
			"local_id": rec.LocalID.String(),
			"deleted":  n,
		})
	}
}

// RetryFailed gives every failed record one more attempt and starts a
// cycle when online.
func (s *CaptureService) RetryFailed(ctx context.Context) (int64, error) {
	n, err := s.store.RequeueFailed(s.owner)
	if err != nil {
		return 0, err
	}
	s.publish()
	if n > 0 && s.sched != nil {
		s.sched.AfterCapture()
	}
	return n, nil
}

// DeleteRecord removes a record and its attachments. Blobs uploaded for a
// record that never reached the remote store are deleted too.
func (s *CaptureService) DeleteRecord(ctx context.Context, localID models.UUID) error {
	rec, err := s.store.GetRecord(localID)
	if err != nil {
		return err
	}
	if rec.OwnerID != s.owner {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("record %s not found", localID))
	}
	s.discardUploads(ctx, rec)
	if err := s.store.DeleteRecord(localID); err != nil {
		return err
	}
	s.publish()
	return nil
}

// PurgeSynced deletes synced records to reclaim space.
func (s *CaptureService) PurgeSynced() (int64, error) {
	n, err := s.store.PurgeSynced(s.owner)
	if err != nil {
		return 0, err
	}
	s.publish()
	return n, nil
}

// Records lists the owner's records, optionally filtered by status.
func (s *CaptureService) Records(statuses ...models.SyncStatus) ([]*models.PendingRecord, error) {
	return s.store.ListRecordsByOwner(s.owner, statuses...)
}

// Attachments lists a record's attachments.
func (s *CaptureService) Attachments(rec *models.PendingRecord) ([]*models.PendingAttachment, error) {
	return s.store.ListAttachmentsByParent(rec.Kind, rec.LocalID)
}

// Duplicates lists duplicate candidates awaiting review.
func (s *CaptureService) Duplicates() ([]*models.DuplicateCandidate, error) {
	if s.resolver == nil {
		return nil, nil
	}
	return s.resolver.List(s.owner, models.DuplicateStatusOpen)
}

// ResolveDuplicate applies the user's decision on a candidate.
func (s *CaptureService) ResolveDuplicate(ctx context.Context, id models.UUID, resolution conflict.Resolution, keepID, discardID string) error {
	if s.resolver == nil {
		return apperrors.New(apperrors.ErrSyncNotConfigured, "duplicate review is not available")
	}
	c, err := s.store.GetDuplicateCandidate(id)
	if err != nil {
		return err
	}
	if c.OwnerID != s.owner {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("duplicate candidate %s not found", id))
	}
	if err := s.resolver.Resolve(ctx, id, resolution, keepID, discardID); err != nil {
		return err
	}
	s.publish()
	return nil
}
