package models

import (
	"encoding/json"
	"time"
)

// PendingRecord is a domain entity captured on the device and not yet
// confirmed by the remote store.
type PendingRecord struct {
	LocalID    UUID            `db:"local_id" json:"local_id"`
	OwnerID    string          `db:"owner_id" json:"owner_id"`
	Kind       Kind            `db:"kind" json:"kind"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	CreatedAt  int64           `db:"created_at" json:"created_at"` // unix millis, client clock
	UpdatedAt  int64           `db:"updated_at" json:"updated_at"`
	SyncStatus SyncStatus      `db:"sync_status" json:"sync_status"`
	RemoteID   string          `db:"remote_id" json:"remote_id,omitempty"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	LastError  string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for PendingRecord.
func (PendingRecord) TableName() string {
	return "pending_records"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *PendingRecord) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// PayloadMap decodes the payload into a fresh map. An empty payload yields
// an empty map.
func (r *PendingRecord) PayloadMap() (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if len(r.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Terminal reports whether automatic retries have been exhausted.
func (r *PendingRecord) Terminal() bool {
	return r.SyncStatus == SyncStatusError
}
