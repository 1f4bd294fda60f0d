package db

import (
	"github.com/solarcrm/fieldsync/internal/models"
)

// RecordUpdate is the mutable sync state written by UpdateRecordStatus.
// RemoteID must be set exactly when Status is synced. RetryCount never
// decreases: a lower value than the stored one is ignored.
type RecordUpdate struct {
	Status     models.SyncStatus
	RemoteID   string
	RetryCount int
	LastError  string
}

// AttachmentUpdate is the mutable sync state written by UpdateAttachmentStatus.
type AttachmentUpdate struct {
	Status    models.SyncStatus
	RemoteURL string
	LastError string
}

// RecordStore persists pending records.
type RecordStore interface {
	// AddRecord inserts a record. Empty LocalID, CreatedAt and SyncStatus
	// are filled in.
	AddRecord(record *models.PendingRecord) error

	// GetRecord returns the record or a STORAGE_ERROR wrapping NOT_FOUND.
	GetRecord(localID models.UUID) (*models.PendingRecord, error)

	// ListRecordsByOwner returns the owner's records, oldest first,
	// optionally restricted to the given statuses.
	ListRecordsByOwner(ownerID string, statuses ...models.SyncStatus) ([]*models.PendingRecord, error)

	// CountRecords counts the owner's records in the given statuses.
	CountRecords(ownerID string, statuses ...models.SyncStatus) (int, error)

	// UpdateRecordStatus writes the sync state in a single statement.
	UpdateRecordStatus(localID models.UUID, update RecordUpdate) error

	// DeleteRecord removes the record and its attachments atomically.
	DeleteRecord(localID models.UUID) error
}

// AttachmentStore persists attachment blobs awaiting upload.
type AttachmentStore interface {
	AddAttachment(attachment *models.PendingAttachment) error
	GetAttachment(localID models.UUID) (*models.PendingAttachment, error)
	ListAttachmentsByParent(kind models.Kind, parentLocalID models.UUID) ([]*models.PendingAttachment, error)
	CountAttachments(ownerID string, statuses ...models.SyncStatus) (int, error)
	UpdateAttachmentStatus(localID models.UUID, update AttachmentUpdate) error
	DeleteAttachment(localID models.UUID) error
}

// MaintenanceStore groups bulk operations over both tables.
type MaintenanceStore interface {
	// CaptureRecord stores a record with its attachments in one transaction.
	CaptureRecord(record *models.PendingRecord, attachments []*models.PendingAttachment) error

	// ResetInterruptedSyncs moves every syncing row back to pending. It is
	// run once at startup, before any sync cycle.
	ResetInterruptedSyncs() (int64, error)

	PurgeSynced(ownerID string) (int64, error)
	DeleteFailed(ownerID string) (int64, error)
	RequeueFailed(ownerID string) (int64, error)
}

// DuplicateStore persists duplicate candidates awaiting review.
type DuplicateStore interface {
	// AddDuplicateCandidate stores a candidate unless the same pair is
	// already known, reporting whether a row was inserted.
	AddDuplicateCandidate(candidate *models.DuplicateCandidate) (bool, error)
	GetDuplicateCandidate(id models.UUID) (*models.DuplicateCandidate, error)
	ListDuplicateCandidates(ownerID string, statuses ...models.DuplicateStatus) ([]*models.DuplicateCandidate, error)
	ResolveDuplicateCandidate(id models.UUID, status models.DuplicateStatus) error
}

// PendingStore is the full local persistent store used by the sync layer.
type PendingStore interface {
	RecordStore
	AttachmentStore
	MaintenanceStore
	DuplicateStore
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ RecordStore      = (*Repository)(nil)
	_ AttachmentStore  = (*Repository)(nil)
	_ MaintenanceStore = (*Repository)(nil)
	_ DuplicateStore   = (*Repository)(nil)
	_ PendingStore     = (*Repository)(nil)
)
