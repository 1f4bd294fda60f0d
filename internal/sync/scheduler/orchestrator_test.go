package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/solarcrm/fieldsync/internal/lock"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/sync/remote"
)

// TestSyncAll_partialFailure captures three checklists, one with an
// attachment that cannot be uploaded.
func TestSyncAll_partialFailure(t *testing.T) {
	f := setup(t, OrchestratorConfig{})
	f.capture(t, models.KindChecklist, `{"lead_id":"L1"}`)
	bad := f.capture(t, models.KindChecklist, `{"lead_id":"L2"}`, badBlob)
	f.capture(t, models.KindChecklist, `{"lead_id":"L3"}`, "ok")

	s, err := f.orch.SyncAll(context.Background(), owner, Options{Trigger: TriggerManual})
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if s.Synced != 2 || s.Failed != 1 || s.Total != 3 {
		t.Errorf("summary = %d/%d/%d, want 2/1/3", s.Synced, s.Failed, s.Total)
	}
	if len(s.Errors) != 1 {
		t.Errorf("errors = %v", s.Errors)
	}

	rec, _ := f.repo.GetRecord(bad.LocalID)
	if rec.SyncStatus != models.SyncStatusPending || rec.RetryCount != 1 {
		t.Errorf("failed record = %s/%d, want pending/1", rec.SyncStatus, rec.RetryCount)
	}
	if n := len(f.remote.Rows("checklists_instalacao")); n != 2 {
		t.Errorf("remote rows = %d, want 2", n)
	}
}

// TestSyncAll_submitRetryCeiling verifies a record whose create fails three
// cycles in a row is no longer pending.
func TestSyncAll_submitRetryCeiling(t *testing.T) {
	f := setup(t, OrchestratorConfig{})
	f.remote.FailCreate = func(string, remote.Row) error { return errors.New("502 bad gateway") }
	rec := f.capture(t, models.KindChecklist, `{"lead_id":"L1"}`)

	for i := 0; i < 3; i++ {
		s, err := f.orch.SyncAll(context.Background(), owner, Options{Trigger: TriggerManual})
		if err != nil {
			t.Fatalf("cycle %d failed: %v", i+1, err)
		}
		if s.Failed != 1 {
			t.Errorf("cycle %d: failed = %d, want 1", i+1, s.Failed)
		}
	}

	got, _ := f.repo.GetRecord(rec.LocalID)
	if got.SyncStatus != models.SyncStatusError || got.RetryCount != 3 {
		t.Errorf("record = %s/%d, want error/3", got.SyncStatus, got.RetryCount)
	}
	pending, err := f.repo.ListRecordsByOwner(owner, models.SyncStatusPending)
	if err != nil {
		t.Fatalf("ListRecordsByOwner() failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending records = %d, want 0", len(pending))
	}
}

// TestSyncAll_retryCeiling verifies a record failing three cycles in a row
// is excluded from later cycles.
func TestSyncAll_retryCeiling(t *testing.T) {
	f := setup(t, OrchestratorConfig{})
	f.capture(t, models.KindChecklist, `{"lead_id":"L1"}`)
	bad := f.capture(t, models.KindChecklist, `{"lead_id":"L2"}`, badBlob)

	for i := 0; i < 3; i++ {
		if _, err := f.orch.SyncAll(context.Background(), owner, Options{Trigger: TriggerManual}); err != nil {
			t.Fatalf("cycle %d failed: %v", i+1, err)
		}
	}

	rec, _ := f.repo.GetRecord(bad.LocalID)
	if rec.SyncStatus != models.SyncStatusError || rec.RetryCount != 3 {
		t.Errorf("record = %s/%d, want error/3", rec.SyncStatus, rec.RetryCount)
	}
	pending, _ := f.repo.ListRecordsByOwner(owner, models.SyncStatusPending)
	for _, p := range pending {
		if p.LocalID == bad.LocalID {
			t.Error("exhausted record still listed as pending")
		}
	}

	uploads := f.blobs.uploads
	s, err := f.orch.SyncAll(context.Background(), owner, Options{Trigger: TriggerManual})
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if s.Total != 0 || s.Failed != 0 {
		t.Errorf("summary total/failed = %d/%d, want 0/0", s.Total, s.Failed)
	}
	if f.blobs.uploads != uploads {
		t.Error("exhausted record was retried")
	}
}

// TestSyncAll_overlappingCalls fires two cycles back to back while the
// first is blocked inside a remote create.
func TestSyncAll_overlappingCalls(t *testing.T) {
	f := setup(t, OrchestratorConfig{})
	const n = 3
	for i := 0; i < n; i++ {
		f.capture(t, models.KindChecklist, `{"lead_id":"L"}`)
	}

	var creates atomic.Int32
	entered := make(chan struct{}, n)
	gate := make(chan struct{})
	f.remote.FailCreate = func(string, remote.Row) error {
		creates.Add(1)
		entered <- struct{}{}
		<-gate
		return nil
	}

	var wg sync.WaitGroup
	var first Summary
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, _ = f.orch.SyncAll(context.Background(), owner, Options{Trigger: TriggerManual})
	}()

	<-entered
	if !f.orch.IsSyncing() {
		t.Error("IsSyncing() = false during a cycle")
	}
	second, err := f.orch.SyncAll(context.Background(), owner, Options{Trigger: TriggerManual})
	if err != nil {
		t.Fatalf("second SyncAll() failed: %v", err)
	}
	if !second.Skipped || second.Synced != 0 || second.Total != 0 {
		t.Errorf("second summary = %+v, want skipped with zero counts", second)
	}

	close(gate)
	wg.Wait()

	if first.Synced != n {
		t.Errorf("first cycle synced = %d, want %d", first.Synced, n)
	}
	if got := creates.Load(); got != n {
		t.Errorf("remote creates = %d, want %d", got, n)
	}
	if f.orch.IsSyncing() {
		t.Error("IsSyncing() = true after the cycle")
	}
	if f.locker.Held(lockKey(owner)) {
		t.Error("lock still held after the cycle")
	}
}

// TestSyncAll_otherOwnerNotBlocked verifies the guard is per owner.
func TestSyncAll_otherOwnerNotBlocked(t *testing.T) {
	f := setup(t, OrchestratorConfig{})
	release, ok, _ := f.locker.TryAcquire(context.Background(), lockKey(owner))
	if !ok {
		t.Fatal("TryAcquire() failed")
	}
	defer release()

	s, _ := f.orch.SyncAll(context.Background(), "vendor-2", Options{})
	if s.Skipped {
		t.Error("another owner's cycle was skipped")
	}
	s, _ = f.orch.SyncAll(context.Background(), owner, Options{})
	if !s.Skipped {
		t.Error("locked owner's cycle was not skipped")
	}
}

// TestSyncAll_notifications verifies when summaries are published.
func TestSyncAll_notifications(t *testing.T) {
	f := setup(t, OrchestratorConfig{})

	f.orch.SyncAll(context.Background(), owner, Options{Silent: true, Trigger: TriggerPeriodic})
	f.expectNoSummary(t, 20*time.Millisecond)

	f.orch.SyncAll(context.Background(), owner, Options{Trigger: TriggerManual})
	if s := f.waitSummary(t, time.Second); s.Trigger != TriggerManual || s.Total != 0 {
		t.Errorf("manual summary = %+v", s)
	}

	f.capture(t, models.KindChecklist, `{"lead_id":"L1"}`)
	f.orch.SyncAll(context.Background(), owner, Options{Silent: true, Trigger: TriggerPeriodic})
	if s := f.waitSummary(t, time.Second); s.Synced != 1 {
		t.Errorf("silent summary with changes = %+v", s)
	}

	if f.orch.LastSyncTime().IsZero() {
		t.Error("LastSyncTime() not recorded")
	}
	if f.orch.LastSummary().Synced != 1 {
		t.Errorf("LastSummary() = %+v", f.orch.LastSummary())
	}
}

// TestSyncAll_recentErrors verifies only the latest messages are kept.
func TestSyncAll_recentErrors(t *testing.T) {
	f := setup(t, OrchestratorConfig{RecentErrors: 2})
	for i := 0; i < 4; i++ {
		f.capture(t, models.KindChecklist, `{}`, badBlob)
	}

	s, _ := f.orch.SyncAll(context.Background(), owner, Options{})
	if s.Failed != 4 || len(s.Errors) != 2 {
		t.Errorf("failed/errors = %d/%d, want 4/2", s.Failed, len(s.Errors))
	}
}

// TestSyncAll_detachedFromCaller verifies a cancelled trigger context does
// not abort the cycle.
func TestSyncAll_detachedFromCaller(t *testing.T) {
	f := setup(t, OrchestratorConfig{})
	f.capture(t, models.KindChecklist, `{"lead_id":"L1"}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := f.orch.SyncAll(ctx, owner, Options{})
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if s.Synced != 1 {
		t.Errorf("synced = %d, want 1", s.Synced)
	}
}

// TestSyncAll_duplicates verifies detection runs after the cycle.
func TestSyncAll_duplicates(t *testing.T) {
	f := setup(t, OrchestratorConfig{})
	f.remote.Seed("clientes", "online-1", remote.Row{"telefone": "11999", "vendedor_id": owner})
	f.capture(t, models.KindLeadConversion, `{"telefone":"11999","nome":"Ana"}`)

	s, err := f.orch.SyncAll(context.Background(), owner, Options{})
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if s.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", s.Duplicates)
	}
	open, _ := f.repo.ListDuplicateCandidates(owner, models.DuplicateStatusOpen)
	if len(open) != 1 {
		t.Errorf("open candidates = %d, want 1", len(open))
	}
}

type failingLister struct{}

func (failingLister) ListRecordsByOwner(string, ...models.SyncStatus) ([]*models.PendingRecord, error) {
	return nil, errors.New("disk I/O error")
}

// TestSyncAll_releasesGuardOnError verifies a failed cycle never leaves the
// owner locked.
func TestSyncAll_releasesGuardOnError(t *testing.T) {
	locker := lock.NewMemoryLocker()
	orch := NewOrchestrator(failingLister{}, nil, locker, nil, OrchestratorConfig{})

	if _, err := orch.SyncAll(context.Background(), owner, Options{}); err == nil {
		t.Fatal("SyncAll() should fail")
	}
	if locker.Held(lockKey(owner)) {
		t.Error("lock still held after failure")
	}
	if orch.IsSyncing() {
		t.Error("IsSyncing() = true after failure")
	}
}
