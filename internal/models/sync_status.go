package models

// SyncStatus is the synchronization state shared by records and attachments.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSyncing, SyncStatusSynced, SyncStatusError:
		return true
	}
	return false
}

// Kind identifies the domain entity a pending record becomes once synced.
// Attachments carry their parent's kind because they live in a shared table.
type Kind string

const (
	KindChecklist      Kind = "checklist"
	KindLeadConversion Kind = "lead_conversion"
)

// Attachment roles. Photos are collected into an array field; every other
// role maps to a named URL field of the remote row.
const (
	RolePhoto              = "photo"
	RoleClientSignature    = "client_signature"
	RoleInstallerSignature = "installer_signature"
)
