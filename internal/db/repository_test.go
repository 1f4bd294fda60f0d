package db

import (
	"encoding/json"
	"sync/atomic"
	"testing"

	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/models"
)

// setupTestRepo opens a migrated database in a temp directory.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := OpenAndMigrate(t.TempDir())
	if err != nil {
		t.Fatalf("OpenAndMigrate() failed: %v", err)
	}
	repo := NewRepository(db.DB)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

// fixedClock makes created_at deterministic and strictly increasing.
func fixedClock(t *testing.T, start int64) {
	t.Helper()
	var tick atomic.Int64
	tick.Store(start)
	prev := nowMillis
	nowMillis = func() int64 { return tick.Add(1) }
	t.Cleanup(func() { nowMillis = prev })
}

func newRecord(owner string) *models.PendingRecord {
	return &models.PendingRecord{
		OwnerID: owner,
		Kind:    models.KindChecklist,
		Payload: json.RawMessage(`{"lead_id":"L1","observacoes":"ok"}`),
	}
}

// TestAddRecord_defaults verifies generated fields.
func TestAddRecord_defaults(t *testing.T) {
	repo := setupTestRepo(t)

	rec := newRecord("inst-1")
	if err := repo.AddRecord(rec); err != nil {
		t.Fatalf("AddRecord() failed: %v", err)
	}
	if rec.LocalID == "" {
		t.Error("LocalID not generated")
	}
	if rec.CreatedAt == 0 || rec.UpdatedAt == 0 {
		t.Error("timestamps not set")
	}
	if rec.SyncStatus != models.SyncStatusPending {
		t.Errorf("SyncStatus = %q, want pending", rec.SyncStatus)
	}

	got, err := repo.GetRecord(rec.LocalID)
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if got.OwnerID != "inst-1" || got.Kind != models.KindChecklist {
		t.Errorf("GetRecord() = %+v", got)
	}
	payload, err := got.PayloadMap()
	if err != nil {
		t.Fatalf("PayloadMap() failed: %v", err)
	}
	if payload["lead_id"] != "L1" {
		t.Errorf("payload lead_id = %v, want L1", payload["lead_id"])
	}
}

// TestAddRecord_validation verifies required fields.
func TestAddRecord_validation(t *testing.T) {
	repo := setupTestRepo(t)

	err := repo.AddRecord(&models.PendingRecord{Kind: models.KindChecklist})
	if !apperrors.Is(err, apperrors.ErrStorage) || !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("AddRecord() without owner = %v, want STORAGE_ERROR/INVALID_INPUT", err)
	}

	err = repo.AddRecord(&models.PendingRecord{OwnerID: "x", Kind: "k", SyncStatus: "weird"})
	if err == nil {
		t.Error("AddRecord() with unknown status should fail")
	}
}

// TestAddRecord_duplicateID verifies constraint failures surface as storage errors.
func TestAddRecord_duplicateID(t *testing.T) {
	repo := setupTestRepo(t)

	rec := newRecord("inst-1")
	if err := repo.AddRecord(rec); err != nil {
		t.Fatalf("AddRecord() failed: %v", err)
	}
	dup := newRecord("inst-1")
	dup.LocalID = rec.LocalID
	err := repo.AddRecord(dup)
	if apperrors.CodeOf(err) != apperrors.ErrStorage {
		t.Errorf("CodeOf(err) = %v, want STORAGE_ERROR", apperrors.CodeOf(err))
	}
}

// TestGetRecord_notFound verifies the error chain.
func TestGetRecord_notFound(t *testing.T) {
	repo := setupTestRepo(t)

	_, err := repo.GetRecord("00000000-0000-4000-8000-000000000000")
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetRecord() = %v, want NOT_FOUND", err)
	}
	if apperrors.CodeOf(err) != apperrors.ErrStorage {
		t.Errorf("CodeOf(err) = %v, want STORAGE_ERROR", apperrors.CodeOf(err))
	}
}

// TestListRecordsByOwner_order verifies oldest-first order, owner isolation
// and status filters.
func TestListRecordsByOwner_order(t *testing.T) {
	repo := setupTestRepo(t)
	fixedClock(t, 1000)

	var ids []models.UUID
	for i := 0; i < 3; i++ {
		rec := newRecord("inst-1")
		if err := repo.AddRecord(rec); err != nil {
			t.Fatalf("AddRecord() failed: %v", err)
		}
		ids = append(ids, rec.LocalID)
	}
	if err := repo.AddRecord(newRecord("inst-2")); err != nil {
		t.Fatalf("AddRecord() failed: %v", err)
	}

	// Same created_at falls back to insertion order.
	same1, same2 := newRecord("inst-3"), newRecord("inst-3")
	same1.CreatedAt, same2.CreatedAt = 5, 5
	repo.AddRecord(same1)
	repo.AddRecord(same2)

	recs, err := repo.ListRecordsByOwner("inst-1")
	if err != nil {
		t.Fatalf("ListRecordsByOwner() failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("ListRecordsByOwner() = %d records, want 3", len(recs))
	}
	for i, rec := range recs {
		if rec.LocalID != ids[i] {
			t.Errorf("recs[%d] = %s, want %s", i, rec.LocalID, ids[i])
		}
	}

	recs, _ = repo.ListRecordsByOwner("inst-3")
	if len(recs) != 2 || recs[0].LocalID != same1.LocalID {
		t.Errorf("tie-break order wrong: %+v", recs)
	}

	if err := repo.UpdateRecordStatus(ids[1], RecordUpdate{Status: models.SyncStatusError, RetryCount: 3, LastError: "boom"}); err != nil {
		t.Fatalf("UpdateRecordStatus() failed: %v", err)
	}
	recs, _ = repo.ListRecordsByOwner("inst-1", models.SyncStatusPending)
	if len(recs) != 2 {
		t.Errorf("pending records = %d, want 2", len(recs))
	}
	all, _ := repo.ListRecordsByOwner("")
	if len(all) != 6 {
		t.Errorf("all records = %d, want 6", len(all))
	}
}

// TestCountRecords verifies status filtering.
func TestCountRecords(t *testing.T) {
	repo := setupTestRepo(t)

	for i := 0; i < 3; i++ {
		repo.AddRecord(newRecord("inst-1"))
	}
	synced := newRecord("inst-1")
	synced.SyncStatus = models.SyncStatusSynced
	synced.RemoteID = "r-1"
	repo.AddRecord(synced)

	n, err := repo.CountRecords("inst-1", models.SyncStatusPending, models.SyncStatusSyncing)
	if err != nil {
		t.Fatalf("CountRecords() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("CountRecords(pending, syncing) = %d, want 3", n)
	}
	if n, _ := repo.CountRecords("inst-1"); n != 4 {
		t.Errorf("CountRecords() = %d, want 4", n)
	}
	if n, _ := repo.CountRecords("nobody"); n != 0 {
		t.Errorf("CountRecords(nobody) = %d, want 0", n)
	}
}

// TestUpdateRecordStatus_invariants verifies remote id and retry count rules.
func TestUpdateRecordStatus_invariants(t *testing.T) {
	repo := setupTestRepo(t)
	rec := newRecord("inst-1")
	repo.AddRecord(rec)

	if err := repo.UpdateRecordStatus(rec.LocalID, RecordUpdate{Status: models.SyncStatusSynced}); err == nil {
		t.Error("synced without remote id should fail")
	}
	if err := repo.UpdateRecordStatus(rec.LocalID, RecordUpdate{Status: models.SyncStatusPending, RemoteID: "r"}); err == nil {
		t.Error("pending with remote id should fail")
	}
	if err := repo.UpdateRecordStatus(rec.LocalID, RecordUpdate{Status: "bogus"}); err == nil {
		t.Error("unknown status should fail")
	}

	if err := repo.UpdateRecordStatus(rec.LocalID, RecordUpdate{Status: models.SyncStatusPending, RetryCount: 2, LastError: "timeout"}); err != nil {
		t.Fatalf("UpdateRecordStatus() failed: %v", err)
	}
	if err := repo.UpdateRecordStatus(rec.LocalID, RecordUpdate{Status: models.SyncStatusSyncing, RetryCount: 0}); err != nil {
		t.Fatalf("UpdateRecordStatus() failed: %v", err)
	}
	got, _ := repo.GetRecord(rec.LocalID)
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2 (never decreases)", got.RetryCount)
	}

	if err := repo.UpdateRecordStatus(rec.LocalID, RecordUpdate{Status: models.SyncStatusSynced, RemoteID: "remote-9", RetryCount: 2}); err != nil {
		t.Fatalf("UpdateRecordStatus() failed: %v", err)
	}
	got, _ = repo.GetRecord(rec.LocalID)
	if got.SyncStatus != models.SyncStatusSynced || got.RemoteID != "remote-9" {
		t.Errorf("record = %+v, want synced remote-9", got)
	}

	err := repo.UpdateRecordStatus("00000000-0000-4000-8000-000000000000", RecordUpdate{Status: models.SyncStatusPending})
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("UpdateRecordStatus(unknown) = %v, want NOT_FOUND", err)
	}
}

// TestCaptureRecord verifies the record and attachments are stored together.
func TestCaptureRecord(t *testing.T) {
	repo := setupTestRepo(t)
	fixedClock(t, 100)

	rec := newRecord("inst-1")
	atts := []*models.PendingAttachment{
		{FileName: "a.jpg", MimeType: "image/jpeg", Blob: []byte{1, 2, 3}},
		{FileName: "b.jpg", Blob: []byte{4}},
		{FileName: "sig.png", Role: models.RoleClientSignature, MimeType: "image/png", Blob: []byte{5}},
	}
	if err := repo.CaptureRecord(rec, atts); err != nil {
		t.Fatalf("CaptureRecord() failed: %v", err)
	}

	got, err := repo.ListAttachmentsByParent(rec.Kind, rec.LocalID)
	if err != nil {
		t.Fatalf("ListAttachmentsByParent() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("attachments = %d, want 3", len(got))
	}
	if got[0].FileName != "a.jpg" || got[2].Role != models.RoleClientSignature {
		t.Errorf("attachments out of order: %s, %s", got[0].FileName, got[2].Role)
	}
	if got[1].Role != models.RolePhoto || got[1].MimeType != "application/octet-stream" {
		t.Errorf("defaults not applied: role=%q mime=%q", got[1].Role, got[1].MimeType)
	}
	if string(got[0].Blob) != string([]byte{1, 2, 3}) {
		t.Errorf("blob = %v", got[0].Blob)
	}

	if n, _ := repo.CountAttachments("inst-1", models.SyncStatusPending); n != 3 {
		t.Errorf("CountAttachments() = %d, want 3", n)
	}
	if n, _ := repo.CountAttachments("inst-2"); n != 0 {
		t.Errorf("CountAttachments(inst-2) = %d, want 0", n)
	}
}

// TestCaptureRecord_atomic verifies nothing is stored when one insert fails.
func TestCaptureRecord_atomic(t *testing.T) {
	repo := setupTestRepo(t)

	existing := &models.PendingAttachment{ParentLocalID: "p", ParentKind: models.KindChecklist, FileName: "x", Blob: []byte{1}}
	if err := repo.AddAttachment(existing); err != nil {
		t.Fatalf("AddAttachment() failed: %v", err)
	}

	rec := newRecord("inst-1")
	atts := []*models.PendingAttachment{
		{FileName: "ok.jpg", Blob: []byte{1}},
		{LocalID: existing.LocalID, FileName: "clash.jpg", Blob: []byte{2}},
	}
	if err := repo.CaptureRecord(rec, atts); apperrors.CodeOf(err) != apperrors.ErrStorage {
		t.Fatalf("CaptureRecord() = %v, want STORAGE_ERROR", err)
	}
	if n, _ := repo.CountRecords("inst-1"); n != 0 {
		t.Errorf("records after failed capture = %d, want 0", n)
	}
	if got, _ := repo.ListAttachmentsByParent(rec.Kind, rec.LocalID); len(got) != 0 {
		t.Errorf("attachments after failed capture = %d, want 0", len(got))
	}
}

// TestUpdateAttachmentStatus verifies attachment state transitions.
func TestUpdateAttachmentStatus(t *testing.T) {
	repo := setupTestRepo(t)
	rec := newRecord("inst-1")
	att := &models.PendingAttachment{FileName: "a.jpg", Blob: []byte{1}}
	repo.CaptureRecord(rec, []*models.PendingAttachment{att})

	if err := repo.UpdateAttachmentStatus(att.LocalID, AttachmentUpdate{Status: models.SyncStatusSynced}); err == nil {
		t.Error("synced without url should fail")
	}
	if err := repo.UpdateAttachmentStatus(att.LocalID, AttachmentUpdate{Status: models.SyncStatusSynced, RemoteURL: "https://cdn/x.jpg"}); err != nil {
		t.Fatalf("UpdateAttachmentStatus() failed: %v", err)
	}
	got, err := repo.GetAttachment(att.LocalID)
	if err != nil {
		t.Fatalf("GetAttachment() failed: %v", err)
	}
	if got.SyncStatus != models.SyncStatusSynced || got.RemoteURL != "https://cdn/x.jpg" {
		t.Errorf("attachment = %+v", got)
	}

	if err := repo.DeleteAttachment(att.LocalID); err != nil {
		t.Fatalf("DeleteAttachment() failed: %v", err)
	}
	if _, err := repo.GetAttachment(att.LocalID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("GetAttachment() after delete = %v, want NOT_FOUND", err)
	}
}

// TestDeleteRecord_cascade verifies attachments are removed with the record.
func TestDeleteRecord_cascade(t *testing.T) {
	repo := setupTestRepo(t)
	rec := newRecord("inst-1")
	other := newRecord("inst-1")
	repo.CaptureRecord(rec, []*models.PendingAttachment{{FileName: "a", Blob: []byte{1}}, {FileName: "b", Blob: []byte{2}}})
	repo.CaptureRecord(other, []*models.PendingAttachment{{FileName: "c", Blob: []byte{3}}})

	if err := repo.DeleteRecord(rec.LocalID); err != nil {
		t.Fatalf("DeleteRecord() failed: %v", err)
	}
	if _, err := repo.GetRecord(rec.LocalID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("record still present: %v", err)
	}
	if got, _ := repo.ListAttachmentsByParent(rec.Kind, rec.LocalID); len(got) != 0 {
		t.Errorf("attachments left = %d, want 0", len(got))
	}
	if got, _ := repo.ListAttachmentsByParent(other.Kind, other.LocalID); len(got) != 1 {
		t.Errorf("other record's attachments = %d, want 1", len(got))
	}

	if err := repo.DeleteRecord(rec.LocalID); err != nil {
		t.Errorf("repeated DeleteRecord() = %v, want nil", err)
	}
}

// TestResetInterruptedSyncs verifies syncing rows do not survive a restart.
func TestResetInterruptedSyncs(t *testing.T) {
	dir := t.TempDir()
	db, err := OpenAndMigrate(dir)
	if err != nil {
		t.Fatalf("OpenAndMigrate() failed: %v", err)
	}
	repo := NewRepository(db.DB)

	rec := newRecord("inst-1")
	att := &models.PendingAttachment{FileName: "a", Blob: []byte{1}}
	repo.CaptureRecord(rec, []*models.PendingAttachment{att})
	repo.UpdateRecordStatus(rec.LocalID, RecordUpdate{Status: models.SyncStatusSyncing})
	repo.UpdateAttachmentStatus(att.LocalID, AttachmentUpdate{Status: models.SyncStatusSyncing})
	repo.Close()
	db.Close()

	db, err = OpenAndMigrate(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()
	repo = NewRepository(db.DB)
	defer repo.Close()

	n, err := repo.ResetInterruptedSyncs()
	if err != nil {
		t.Fatalf("ResetInterruptedSyncs() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ResetInterruptedSyncs() = %d, want 1", n)
	}
	got, _ := repo.GetRecord(rec.LocalID)
	if got.SyncStatus != models.SyncStatusPending {
		t.Errorf("record status = %q, want pending", got.SyncStatus)
	}
	gotAtt, _ := repo.GetAttachment(att.LocalID)
	if gotAtt.SyncStatus != models.SyncStatusPending {
		t.Errorf("attachment status = %q, want pending", gotAtt.SyncStatus)
	}
	if n, _ := repo.CountRecords("", models.SyncStatusSyncing); n != 0 {
		t.Errorf("syncing records = %d, want 0", n)
	}
}

// TestPurgeSynced verifies only synced rows of the owner are removed.
func TestPurgeSynced(t *testing.T) {
	repo := setupTestRepo(t)

	done := newRecord("inst-1")
	repo.CaptureRecord(done, []*models.PendingAttachment{{FileName: "a", Blob: []byte{1}}})
	repo.UpdateRecordStatus(done.LocalID, RecordUpdate{Status: models.SyncStatusSynced, RemoteID: "r1"})
	open := newRecord("inst-1")
	repo.AddRecord(open)
	foreign := newRecord("inst-2")
	repo.AddRecord(foreign)
	repo.UpdateRecordStatus(foreign.LocalID, RecordUpdate{Status: models.SyncStatusSynced, RemoteID: "r2"})

	n, err := repo.PurgeSynced("inst-1")
	if err != nil {
		t.Fatalf("PurgeSynced() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeSynced() = %d, want 1", n)
	}
	if n, _ := repo.CountAttachments(""); n != 0 {
		t.Errorf("attachments left = %d, want 0", n)
	}
	if n, _ := repo.CountRecords("inst-1"); n != 1 {
		t.Errorf("inst-1 records = %d, want 1", n)
	}
	if n, _ := repo.CountRecords("inst-2"); n != 1 {
		t.Errorf("inst-2 records = %d, want 1", n)
	}
}

// TestDeleteFailed verifies terminal records and attachments are removed.
func TestDeleteFailed(t *testing.T) {
	repo := setupTestRepo(t)

	failed := newRecord("inst-1")
	att := &models.PendingAttachment{FileName: "a", Blob: []byte{1}}
	repo.CaptureRecord(failed, []*models.PendingAttachment{att})
	repo.UpdateRecordStatus(failed.LocalID, RecordUpdate{Status: models.SyncStatusError, RetryCount: 3, LastError: "x"})
	repo.AddRecord(newRecord("inst-1"))

	n, err := repo.DeleteFailed("inst-1")
	if err != nil {
		t.Fatalf("DeleteFailed() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteFailed() = %d, want 1", n)
	}
	if _, err := repo.GetAttachment(att.LocalID); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("attachment of failed record still present")
	}
	if n, _ := repo.CountRecords("inst-1", models.SyncStatusPending); n != 1 {
		t.Errorf("pending records = %d, want 1", n)
	}
}

// TestRequeueFailed verifies failed records become pending with their retry
// count kept.
func TestRequeueFailed(t *testing.T) {
	repo := setupTestRepo(t)

	rec := newRecord("inst-1")
	att := &models.PendingAttachment{FileName: "a", Blob: []byte{1}}
	repo.CaptureRecord(rec, []*models.PendingAttachment{att})
	repo.UpdateAttachmentStatus(att.LocalID, AttachmentUpdate{Status: models.SyncStatusError, LastError: "503"})
	repo.UpdateRecordStatus(rec.LocalID, RecordUpdate{Status: models.SyncStatusError, RetryCount: 3, LastError: "503"})

	n, err := repo.RequeueFailed("inst-1")
	if err != nil {
		t.Fatalf("RequeueFailed() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("RequeueFailed() = %d, want 1", n)
	}
	got, _ := repo.GetRecord(rec.LocalID)
	if got.SyncStatus != models.SyncStatusPending {
		t.Errorf("status = %q, want pending", got.SyncStatus)
	}
	if got.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3", got.RetryCount)
	}
	gotAtt, _ := repo.GetAttachment(att.LocalID)
	if gotAtt.SyncStatus != models.SyncStatusPending || gotAtt.LastError != "" {
		t.Errorf("attachment = %q/%q, want pending with no error", gotAtt.SyncStatus, gotAtt.LastError)
	}
}

// TestDuplicateCandidates verifies persistence, dedupe and resolution.
func TestDuplicateCandidates(t *testing.T) {
	repo := setupTestRepo(t)

	c := &models.DuplicateCandidate{
		OwnerID:          "vend-1",
		Kind:             models.KindLeadConversion,
		Table:            "clientes",
		MatchField:       "telefone",
		MatchValue:       "+5511999990000",
		SyncedRemoteID:   "new-1",
		ExistingRemoteID: "old-1",
	}
	inserted, err := repo.AddDuplicateCandidate(c)
	if err != nil {
		t.Fatalf("AddDuplicateCandidate() failed: %v", err)
	}
	if !inserted {
		t.Error("first AddDuplicateCandidate() should insert")
	}

	again := *c
	again.ID = ""
	inserted, err = repo.AddDuplicateCandidate(&again)
	if err != nil {
		t.Fatalf("AddDuplicateCandidate() failed: %v", err)
	}
	if inserted {
		t.Error("same pair should not be inserted twice")
	}

	if _, err := repo.AddDuplicateCandidate(&models.DuplicateCandidate{Table: "x"}); err == nil {
		t.Error("candidate without remote ids should fail")
	}

	open, err := repo.ListDuplicateCandidates("vend-1", models.DuplicateStatusOpen)
	if err != nil {
		t.Fatalf("ListDuplicateCandidates() failed: %v", err)
	}
	if len(open) != 1 || open[0].MatchValue != "+5511999990000" {
		t.Fatalf("open candidates = %+v", open)
	}

	if err := repo.ResolveDuplicateCandidate(c.ID, models.DuplicateStatusMerged); err != nil {
		t.Fatalf("ResolveDuplicateCandidate() failed: %v", err)
	}
	got, _ := repo.GetDuplicateCandidate(c.ID)
	if got.Status != models.DuplicateStatusMerged || got.ResolvedAt == 0 {
		t.Errorf("candidate = %+v, want merged with resolved_at", got)
	}

	err = repo.ResolveDuplicateCandidate(c.ID, models.DuplicateStatusKeptBoth)
	if !apperrors.Is(err, apperrors.ErrDuplicateResolved) {
		t.Errorf("second resolution = %v, want DUPLICATE_ALREADY_RESOLVED", err)
	}
	err = repo.ResolveDuplicateCandidate("00000000-0000-4000-8000-000000000000", models.DuplicateStatusKeptBoth)
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("unknown candidate = %v, want NOT_FOUND", err)
	}
	if err := repo.ResolveDuplicateCandidate(c.ID, models.DuplicateStatusOpen); err == nil {
		t.Error("reopening should fail")
	}

	if open, _ := repo.ListDuplicateCandidates("vend-1", models.DuplicateStatusOpen); len(open) != 0 {
		t.Errorf("open candidates after resolution = %d, want 0", len(open))
	}
}
