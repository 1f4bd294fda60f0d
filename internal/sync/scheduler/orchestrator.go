package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solarcrm/fieldsync/internal/db"
	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/lock"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/models"
	syncpkg "github.com/solarcrm/fieldsync/internal/sync"
)

// DefaultRecentErrors is how many error messages a Summary keeps.
const DefaultRecentErrors = 5

// Trigger names what started a sync cycle.
type Trigger string

const (
	TriggerCapture   Trigger = "capture"
	TriggerReconnect Trigger = "reconnect"
	TriggerPeriodic  Trigger = "periodic"
	TriggerManual    Trigger = "manual"
)

// Options control a single SyncAll call.
type Options struct {
	// Silent suppresses the summary notification unless something changed.
	Silent  bool
	Trigger Trigger
}

// Summary is the outcome of one sync cycle.
type Summary struct {
	OwnerID    string    `json:"owner_id"`
	Trigger    Trigger   `json:"trigger"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	Total      int       `json:"total"`
	Skipped    bool      `json:"skipped"`
	Duplicates int       `json:"duplicates"`
	Errors     []string  `json:"errors,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Changed reports whether the cycle touched any record.
func (s Summary) Changed() bool {
	return s.Synced > 0 || s.Failed > 0 || s.Duplicates > 0
}

// DuplicateDetector runs after a cycle over the records it synced.
type DuplicateDetector interface {
	DetectDuplicates(ctx context.Context, records []*models.PendingRecord) (int, error)
}

// PendingLister is the part of the local store the orchestrator reads.
type PendingLister interface {
	ListRecordsByOwner(ownerID string, statuses ...models.SyncStatus) ([]*models.PendingRecord, error)
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	// RecentErrors bounds Summary.Errors.
	RecentErrors int
	// CycleTimeout bounds a whole cycle; zero leaves timeouts to the
	// transports.
	CycleTimeout time.Duration
}

// Orchestrator runs sync cycles: every pending record of an owner is
// handed to the synchronizer, oldest first, one at a time.
type Orchestrator struct {
	store        PendingLister
	synchronizer syncpkg.Synchronizer
	locker       lock.Locker
	detector     DuplicateDetector
	recentErrors int
	cycleTimeout time.Duration

	active atomic.Int32

	mu       sync.RWMutex
	lastSync time.Time
	last     Summary
	notify   []func(Summary)
	onStart  []func(ownerID string, trigger Trigger)
}

// NewOrchestrator creates a new Orchestrator. A nil locker falls back to an
// in-process lock; a nil detector skips duplicate detection.
func NewOrchestrator(store PendingLister, synchronizer syncpkg.Synchronizer, locker lock.Locker, detector DuplicateDetector, cfg OrchestratorConfig) *Orchestrator {
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	if cfg.RecentErrors <= 0 {
		cfg.RecentErrors = DefaultRecentErrors
	}
	return &Orchestrator{
		store:        store,
		synchronizer: synchronizer,
		locker:       locker,
		detector:     detector,
		recentErrors: cfg.RecentErrors,
		cycleTimeout: cfg.CycleTimeout,
	}
}

// OnSummary registers a callback receiving cycle summaries.
func (o *Orchestrator) OnSummary(fn func(Summary)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notify = append(o.notify, fn)
}

// OnStart registers a callback run when a cycle acquires the owner's guard.
func (o *Orchestrator) OnStart(fn func(ownerID string, trigger Trigger)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onStart = append(o.onStart, fn)
}

// IsSyncing reports whether a cycle is running in this process.
func (o *Orchestrator) IsSyncing() bool {
	return o.active.Load() > 0
}

// LastSyncTime returns when the last completed cycle finished.
func (o *Orchestrator) LastSyncTime() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastSync
}

// LastSummary returns the summary of the last completed cycle.
func (o *Orchestrator) LastSummary() Summary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

func lockKey(ownerID string) string {
	return "sync:" + ownerID
}

// SyncAll runs one cycle for the owner. A call overlapping a running cycle
// for the same owner returns at once with Skipped set and zero counts.
// The cycle is detached from ctx's cancellation.
func (o *Orchestrator) SyncAll(ctx context.Context, ownerID string, opts Options) (Summary, error) {
	summary := Summary{OwnerID: ownerID, Trigger: opts.Trigger, StartedAt: time.Now()}

	release, acquired, err := o.locker.TryAcquire(ctx, lockKey(ownerID))
	if err != nil {
		return summary, apperrors.Wrap(apperrors.ErrSyncFailed, "acquire sync lock", err)
	}
	if !acquired {
		logging.Debug("sync already in progress, skipping", map[string]interface{}{
			"owner_id": ownerID,
			"trigger":  string(opts.Trigger),
		})
		summary.Skipped = true
		summary.FinishedAt = summary.StartedAt
		return summary, nil
	}
	defer release()

	o.active.Add(1)
	var once sync.Once
	finish := func() { once.Do(func() { o.active.Add(-1) }) }
	defer finish()

	o.mu.RLock()
	starts := append([]func(string, Trigger){}, o.onStart...)
	o.mu.RUnlock()
	for _, fn := range starts {
		fn(ownerID, opts.Trigger)
	}

	cycleCtx := context.WithoutCancel(ctx)
	if o.cycleTimeout > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(cycleCtx, o.cycleTimeout)
		defer cancel()
	}

	records, err := o.store.ListRecordsByOwner(ownerID, models.SyncStatusPending)
	if err != nil {
		logging.ErrorWithCode("failed to list pending records", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"owner_id": ownerID})
		return summary, err
	}
	summary.Total = len(records)

	var synced []*models.PendingRecord
	for _, rec := range records {
		remoteID, err := o.synchronizer.SyncOne(cycleCtx, rec.LocalID)
		if err != nil {
			summary.Failed++
			summary.addError(err.Error(), o.recentErrors)
			continue
		}
		summary.Synced++
		rec.RemoteID = remoteID
		rec.SyncStatus = models.SyncStatusSynced
		synced = append(synced, rec)
	}

	if o.detector != nil && len(synced) > 0 {
		n, err := o.detector.DetectDuplicates(cycleCtx, synced)
		if err != nil {
			logging.Error("duplicate detection failed", err, map[string]interface{}{"owner_id": ownerID})
		}
		summary.Duplicates = n
	}

	summary.FinishedAt = time.Now()
	o.mu.Lock()
	o.lastSync = summary.FinishedAt
	o.last = summary
	o.mu.Unlock()

	if summary.Total > 0 {
		logging.Info("sync cycle completed", map[string]interface{}{
			"owner_id":    ownerID,
			"trigger":     string(opts.Trigger),
			"synced":      summary.Synced,
			"failed":      summary.Failed,
			"total":       summary.Total,
			"duplicates":  summary.Duplicates,
			"duration_ms": summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
		})
	}

	finish()
	if !opts.Silent || summary.Changed() {
		o.publish(summary)
	}
	return summary, nil
}

func (o *Orchestrator) publish(summary Summary) {
	o.mu.RLock()
	fns := append([]func(Summary){}, o.notify...)
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(summary)
	}
}

// addError keeps the most recent limit messages.
func (s *Summary) addError(msg string, limit int) {
	s.Errors = append(s.Errors, msg)
	if len(s.Errors) > limit {
		s.Errors = s.Errors[len(s.Errors)-limit:]
	}
}

var _ PendingLister = (*db.Repository)(nil)
