package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/solarcrm/fieldsync/internal/db"
	"github.com/solarcrm/fieldsync/internal/lock"
	"github.com/solarcrm/fieldsync/internal/models"
	syncpkg "github.com/solarcrm/fieldsync/internal/sync"
	"github.com/solarcrm/fieldsync/internal/sync/conflict"
	"github.com/solarcrm/fieldsync/internal/sync/remote"
)

const owner = "inst-1"

// badBlob is attachment content the test blob store refuses.
const badBlob = "corrupt"

type testBlobs struct {
	mu      sync.Mutex
	uploads int
}

func (b *testBlobs) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads++
	if string(data) == badBlob {
		return "", errors.New("upload rejected")
	}
	return key, nil
}

func (b *testBlobs) PublicURL(storedPath string) string {
	return "https://cdn.test/" + storedPath
}

type fixture struct {
	repo      *db.Repository
	remote    *remote.MemoryStore
	blobs     *testBlobs
	locker    *lock.MemoryLocker
	orch      *Orchestrator
	summaries chan Summary
}

func setup(t *testing.T, cfg OrchestratorConfig) *fixture {
	t.Helper()
	database, err := db.OpenAndMigrate(t.TempDir())
	if err != nil {
		t.Fatalf("OpenAndMigrate() failed: %v", err)
	}
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	f := &fixture{
		repo:      repo,
		remote:    remote.NewMemoryStore("id"),
		blobs:     &testBlobs{},
		locker:    lock.NewMemoryLocker(),
		summaries: make(chan Summary, 32),
	}
	engine := syncpkg.NewEngine(repo, f.remote, syncpkg.NewUploader(f.blobs), syncpkg.EngineConfig{MaxRetries: 3})
	resolver := conflict.NewResolver(repo, f.remote, nil, "id")
	f.orch = NewOrchestrator(repo, engine, f.locker, resolver, cfg)
	f.orch.OnSummary(func(s Summary) {
		select {
		case f.summaries <- s:
		default:
		}
	})
	return f
}

func (f *fixture) capture(t *testing.T, kind models.Kind, payload string, blobs ...string) *models.PendingRecord {
	t.Helper()
	rec := &models.PendingRecord{OwnerID: owner, Kind: kind, Payload: json.RawMessage(payload)}
	var atts []*models.PendingAttachment
	for i, b := range blobs {
		atts = append(atts, &models.PendingAttachment{
			FileName: "foto" + string(rune('a'+i)) + ".jpg",
			MimeType: "image/jpeg",
			Blob:     []byte(b),
		})
	}
	if err := f.repo.CaptureRecord(rec, atts); err != nil {
		t.Fatalf("CaptureRecord() failed: %v", err)
	}
	return rec
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	n, err := f.repo.CountRecords(owner, models.SyncStatusPending, models.SyncStatusSyncing)
	if err != nil {
		t.Fatalf("CountRecords() failed: %v", err)
	}
	return n
}

// waitSummary returns the next published summary or fails after timeout.
func (f *fixture) waitSummary(t *testing.T, timeout time.Duration) Summary {
	t.Helper()
	select {
	case s := <-f.summaries:
		return s
	case <-time.After(timeout):
		t.Fatal("no summary published")
		return Summary{}
	}
}

// expectNoSummary fails if a summary is published within d.
func (f *fixture) expectNoSummary(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case s := <-f.summaries:
		t.Fatalf("unexpected summary: %+v", s)
	case <-time.After(d):
	}
}
