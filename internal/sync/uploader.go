package sync

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/media"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/sync/storage"
)

// Uploader sends whole attachment blobs to blob storage.
type Uploader struct {
	blobs BlobStore
}

// NewUploader creates a new Uploader. A nil store makes every upload fail
// with UPLOAD_FAILED, which keeps records pending until storage is set up.
func NewUploader(blobs BlobStore) *Uploader {
	return &Uploader{blobs: blobs}
}

// Upload stores blob at destinationPath and returns its public URL.
func (u *Uploader) Upload(ctx context.Context, blob []byte, destinationPath, contentType string) (string, error) {
	if u.blobs == nil {
		return "", apperrors.Upload("blob storage is not configured", nil)
	}
	if len(blob) == 0 {
		return "", apperrors.Upload(fmt.Sprintf("attachment %s is empty", destinationPath), nil)
	}

	stored, err := u.blobs.Upload(ctx, destinationPath, blob, contentType)
	if err != nil {
		return "", apperrors.Upload(fmt.Sprintf("upload %s", destinationPath), err)
	}
	return u.blobs.PublicURL(stored), nil
}

// Remove deletes the object at destinationPath. It reports false when the
// blob store cannot delete objects.
func (u *Uploader) Remove(ctx context.Context, destinationPath string) (bool, error) {
	remover, ok := u.blobs.(BlobRemover)
	if !ok {
		return false, nil
	}
	if err := remover.Delete(ctx, destinationPath); err != nil {
		return true, apperrors.Upload(fmt.Sprintf("delete %s", destinationPath), err)
	}
	return true, nil
}

// DestinationPath names the object an attachment is uploaded to. index is
// the attachment's position among its record's attachments.
func DestinationPath(record *models.PendingRecord, attachment *models.PendingAttachment, index int) string {
	capturedAt := time.UnixMilli(attachment.CreatedAt)
	if attachment.CreatedAt == 0 {
		capturedAt = record.CreatedAtTime()
	}
	return storage.ObjectKey(
		string(record.Kind),
		record.OwnerID,
		capturedAt,
		index,
		attachment.Blob,
		media.Extension(attachment.FileName, attachment.MimeType),
	)
}
