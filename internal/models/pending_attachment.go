package models

// PendingAttachment is a binary blob owned by a PendingRecord until it has
// been uploaded to blob storage.
type PendingAttachment struct {
	LocalID       UUID       `db:"local_id" json:"local_id"`
	ParentLocalID UUID       `db:"parent_local_id" json:"parent_local_id"`
	ParentKind    Kind       `db:"parent_kind" json:"parent_kind"`
	Role          string     `db:"role" json:"role"`
	FileName      string     `db:"file_name" json:"file_name"`
	MimeType      string     `db:"mime_type" json:"mime_type"`
	Blob          []byte     `db:"blob" json:"-"`
	SyncStatus    SyncStatus `db:"sync_status" json:"sync_status"`
	RemoteURL     string     `db:"remote_url" json:"remote_url,omitempty"`
	LastError     string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     int64      `db:"created_at" json:"created_at"`
	UpdatedAt     int64      `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for PendingAttachment.
func (PendingAttachment) TableName() string {
	return "pending_attachments"
}

// Size returns the blob size in bytes.
func (a *PendingAttachment) Size() int {
	return len(a.Blob)
}
