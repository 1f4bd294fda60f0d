// Package sync pushes locally captured records and their attachments to the
// remote store.
package sync

import (
	"context"

	"github.com/solarcrm/fieldsync/internal/db"
	"github.com/solarcrm/fieldsync/internal/models"
)

// BlobStore is the object storage attachments are uploaded to.
type BlobStore interface {
	// Upload stores data under key and returns the stored path.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// PublicURL returns the URL a stored path can be read from.
	PublicURL(storedPath string) string
}

// BlobRemover is implemented by blob stores that can delete objects.
type BlobRemover interface {
	Delete(ctx context.Context, key string) error
}

// Synchronizer pushes a single pending record to the remote store.
// This interface allows the orchestrator to be tested without a backend.
type Synchronizer interface {
	// SyncOne synchronizes the record and returns its remote id.
	// Failures are returned as *SyncError.
	SyncOne(ctx context.Context, localID models.UUID) (string, error)
}

// Store is the part of the local store the synchronizer reads and writes.
type Store interface {
	db.RecordStore
	db.AttachmentStore
}

// Ensure implementations satisfy the interfaces at compile time.
var (
	_ BlobStore    = (*S3Client)(nil)
	_ BlobRemover  = (*S3Client)(nil)
	_ Synchronizer = (*Engine)(nil)
	_ Store        = (*db.Repository)(nil)
)
