package models

import "time"

// DuplicateStatus tracks the review state of a DuplicateCandidate.
type DuplicateStatus string

const (
	DuplicateStatusOpen      DuplicateStatus = "open"
	DuplicateStatusKeptBoth  DuplicateStatus = "kept_both"
	DuplicateStatusMerged    DuplicateStatus = "merged"
	DuplicateStatusDiscarded DuplicateStatus = "discarded"
)

// DuplicateCandidate pairs a freshly synced remote row with a pre-existing
// remote row that denotes the same subject. It waits for a human decision.
type DuplicateCandidate struct {
	ID               UUID            `db:"id" json:"id"`
	OwnerID          string          `db:"owner_id" json:"owner_id"`
	Kind             Kind            `db:"kind" json:"kind"`
	Table            string          `db:"remote_table" json:"table"`
	MatchField       string          `db:"match_field" json:"match_field"`
	MatchValue       string          `db:"match_value" json:"match_value"`
	RecordLocalID    UUID            `db:"record_local_id" json:"record_local_id"`
	SyncedRemoteID   string          `db:"synced_remote_id" json:"synced_remote_id"`
	ExistingRemoteID string          `db:"existing_remote_id" json:"existing_remote_id"`
	Status           DuplicateStatus `db:"status" json:"status"`
	DetectedAt       int64           `db:"detected_at" json:"detected_at"`
	ResolvedAt       int64           `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for DuplicateCandidate.
func (DuplicateCandidate) TableName() string {
	return "duplicate_candidates"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *DuplicateCandidate) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
