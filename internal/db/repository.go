package db

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/uuid"
)

// nowMillis is the clock used for created_at/updated_at columns.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}

// Repository is the SQLite implementation of PendingStore.
type Repository struct {
	db *sql.DB

	// Prepared statements for hot single-row queries, keyed by SQL text.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func notFound(what string, id models.UUID) error {
	return apperrors.Storage(fmt.Sprintf("%s %s", what, id),
		apperrors.New(apperrors.ErrNotFound, what+" not found"))
}

func invalid(message string) error {
	return apperrors.Storage(message, apperrors.New(apperrors.ErrInvalid, message))
}

// inClause renders "column IN (?, ?)" for a non-empty value list.
func inClause[S ~string](column string, values []S) (string, []interface{}) {
	if len(values) == 0 {
		return "", nil
	}
	placeholders := make([]string, len(values))
	args := make([]interface{}, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = string(v)
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")), args
}

// where joins non-empty conditions with AND.
func where(conds ...string) string {
	var parts []string
	for _, c := range conds {
		if c != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(parts, " AND ")
}

// withTx runs fn inside a transaction, committing only if fn succeeds.
func (r *Repository) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =====================================================
// PendingRecord Operations
// =====================================================

const recordColumns = `local_id, owner_id, kind, payload, created_at, updated_at,
	sync_status, remote_id, retry_count, last_error`

func prepareRecord(record *models.PendingRecord) error {
	if record.OwnerID == "" {
		return invalid("record owner is required")
	}
	if record.Kind == "" {
		return invalid("record kind is required")
	}
	if record.LocalID == "" {
		record.LocalID = uuid.NewLocalID()
	}
	now := nowMillis()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.SyncStatus == "" {
		record.SyncStatus = models.SyncStatusPending
	}
	if !record.SyncStatus.Valid() {
		return invalid(fmt.Sprintf("unknown sync status %q", record.SyncStatus))
	}
	if len(record.Payload) == 0 {
		record.Payload = []byte("{}")
	}
	return nil
}

func insertRecord(ex execer, record *models.PendingRecord) error {
	query := `INSERT INTO pending_records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := ex.Exec(query, record.LocalID, record.OwnerID, string(record.Kind),
		string(record.Payload), record.CreatedAt, record.UpdatedAt,
		string(record.SyncStatus), record.RemoteID, record.RetryCount, record.LastError)
	return err
}

func scanRecord(row rowScanner) (*models.PendingRecord, error) {
	var rec models.PendingRecord
	var kind, payload, status string
	err := row.Scan(&rec.LocalID, &rec.OwnerID, &kind, &payload, &rec.CreatedAt,
		&rec.UpdatedAt, &status, &rec.RemoteID, &rec.RetryCount, &rec.LastError)
	if err != nil {
		return nil, err
	}
	rec.Kind = models.Kind(kind)
	rec.Payload = []byte(payload)
	rec.SyncStatus = models.SyncStatus(status)
	return &rec, nil
}

// AddRecord inserts a new pending record.
func (r *Repository) AddRecord(record *models.PendingRecord) error {
	if err := prepareRecord(record); err != nil {
		return err
	}
	if err := insertRecord(r.db, record); err != nil {
		return apperrors.Storage("add record", err)
	}
	return nil
}

// GetRecord retrieves a pending record by local ID.
func (r *Repository) GetRecord(localID models.UUID) (*models.PendingRecord, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + recordColumns + ` FROM pending_records WHERE local_id = ?`)
	if err != nil {
		return nil, apperrors.Storage("get record", err)
	}

	rec, err := scanRecord(stmt.QueryRow(localID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("record", localID)
	}
	if err != nil {
		return nil, apperrors.Storage("get record", err)
	}
	return rec, nil
}

// ListRecordsByOwner returns records oldest first. An empty ownerID lists
// every owner.
func (r *Repository) ListRecordsByOwner(ownerID string, statuses ...models.SyncStatus) ([]*models.PendingRecord, error) {
	var ownerCond string
	var args []interface{}
	if ownerID != "" {
		ownerCond = "owner_id = ?"
		args = append(args, ownerID)
	}
	statusCond, statusArgs := inClause("sync_status", statuses)
	args = append(args, statusArgs...)

	query := `SELECT ` + recordColumns + ` FROM pending_records` +
		where(ownerCond, statusCond) + ` ORDER BY created_at ASC, rowid ASC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Storage("list records", err)
	}
	defer rows.Close()

	var records []*models.PendingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Storage("scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("list records", err)
	}
	return records, nil
}

// CountRecords counts records in the given statuses; no statuses counts all.
func (r *Repository) CountRecords(ownerID string, statuses ...models.SyncStatus) (int, error) {
	var ownerCond string
	var args []interface{}
	if ownerID != "" {
		ownerCond = "owner_id = ?"
		args = append(args, ownerID)
	}
	statusCond, statusArgs := inClause("sync_status", statuses)
	args = append(args, statusArgs...)

	var count int
	query := `SELECT COUNT(*) FROM pending_records` + where(ownerCond, statusCond)
	if err := r.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, apperrors.Storage("count records", err)
	}
	return count, nil
}

// UpdateRecordStatus writes the record's sync state.
func (r *Repository) UpdateRecordStatus(localID models.UUID, update RecordUpdate) error {
	if !update.Status.Valid() {
		return invalid(fmt.Sprintf("unknown sync status %q", update.Status))
	}
	if (update.Status == models.SyncStatusSynced) != (update.RemoteID != "") {
		return invalid("remote id must be set exactly when a record is synced")
	}

	query := `UPDATE pending_records
	SET sync_status = ?, remote_id = ?, retry_count = MAX(retry_count, ?),
		last_error = ?, updated_at = ?
	WHERE local_id = ?`
	res, err := r.db.Exec(query, string(update.Status), update.RemoteID, update.RetryCount,
		update.LastError, nowMillis(), localID)
	if err != nil {
		return apperrors.Storage("update record status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("record", localID)
	}
	return nil
}

// DeleteRecord removes a record and its attachments. Deleting an unknown
// record is a no-op.
func (r *Repository) DeleteRecord(localID models.UUID) error {
	err := r.withTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM pending_attachments WHERE parent_local_id = ?`, localID); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM pending_records WHERE local_id = ?`, localID)
		return err
	})
	if err != nil {
		return apperrors.Storage("delete record", err)
	}
	return nil
}

// =====================================================
// PendingAttachment Operations
// =====================================================

const attachmentColumns = `local_id, parent_local_id, parent_kind, role, file_name, mime_type,
	blob, sync_status, remote_url, last_error, created_at, updated_at`

func prepareAttachment(a *models.PendingAttachment) error {
	if a.ParentLocalID == "" || a.ParentKind == "" {
		return invalid("attachment parent is required")
	}
	if a.LocalID == "" {
		a.LocalID = uuid.NewLocalID()
	}
	if a.Role == "" {
		a.Role = models.RolePhoto
	}
	if a.MimeType == "" {
		a.MimeType = "application/octet-stream"
	}
	if a.SyncStatus == "" {
		a.SyncStatus = models.SyncStatusPending
	}
	if !a.SyncStatus.Valid() {
		return invalid(fmt.Sprintf("unknown sync status %q", a.SyncStatus))
	}
	if a.Blob == nil {
		a.Blob = []byte{}
	}
	now := nowMillis()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	return nil
}

func insertAttachment(ex execer, a *models.PendingAttachment) error {
	query := `INSERT INTO pending_attachments (` + attachmentColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := ex.Exec(query, a.LocalID, a.ParentLocalID, string(a.ParentKind), a.Role,
		a.FileName, a.MimeType, a.Blob, string(a.SyncStatus), a.RemoteURL, a.LastError,
		a.CreatedAt, a.UpdatedAt)
	return err
}

func scanAttachment(row rowScanner) (*models.PendingAttachment, error) {
	var a models.PendingAttachment
	var kind, status string
	err := row.Scan(&a.LocalID, &a.ParentLocalID, &kind, &a.Role, &a.FileName, &a.MimeType,
		&a.Blob, &status, &a.RemoteURL, &a.LastError, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ParentKind = models.Kind(kind)
	a.SyncStatus = models.SyncStatus(status)
	return &a, nil
}

// AddAttachment inserts a new pending attachment.
func (r *Repository) AddAttachment(attachment *models.PendingAttachment) error {
	if err := prepareAttachment(attachment); err != nil {
		return err
	}
	if err := insertAttachment(r.db, attachment); err != nil {
		return apperrors.Storage("add attachment", err)
	}
	return nil
}

// GetAttachment retrieves an attachment by local ID.
func (r *Repository) GetAttachment(localID models.UUID) (*models.PendingAttachment, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + attachmentColumns + ` FROM pending_attachments WHERE local_id = ?`)
	if err != nil {
		return nil, apperrors.Storage("get attachment", err)
	}

	a, err := scanAttachment(stmt.QueryRow(localID))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("attachment", localID)
	}
	if err != nil {
		return nil, apperrors.Storage("get attachment", err)
	}
	return a, nil
}

// ListAttachmentsByParent returns a record's attachments in capture order.
func (r *Repository) ListAttachmentsByParent(kind models.Kind, parentLocalID models.UUID) ([]*models.PendingAttachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM pending_attachments
	WHERE parent_kind = ? AND parent_local_id = ?
	ORDER BY created_at ASC, rowid ASC`

	rows, err := r.db.Query(query, string(kind), parentLocalID)
	if err != nil {
		return nil, apperrors.Storage("list attachments", err)
	}
	defer rows.Close()

	var attachments []*models.PendingAttachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, apperrors.Storage("scan attachment", err)
		}
		attachments = append(attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("list attachments", err)
	}
	return attachments, nil
}

// CountAttachments counts attachments of the owner's records in the given
// statuses.
func (r *Repository) CountAttachments(ownerID string, statuses ...models.SyncStatus) (int, error) {
	var ownerCond string
	var args []interface{}
	if ownerID != "" {
		ownerCond = "r.owner_id = ?"
		args = append(args, ownerID)
	}
	statusCond, statusArgs := inClause("a.sync_status", statuses)
	args = append(args, statusArgs...)

	query := `SELECT COUNT(*) FROM pending_attachments a
	JOIN pending_records r ON r.local_id = a.parent_local_id` + where(ownerCond, statusCond)

	var count int
	if err := r.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, apperrors.Storage("count attachments", err)
	}
	return count, nil
}

// UpdateAttachmentStatus writes the attachment's sync state.
func (r *Repository) UpdateAttachmentStatus(localID models.UUID, update AttachmentUpdate) error {
	if !update.Status.Valid() {
		return invalid(fmt.Sprintf("unknown sync status %q", update.Status))
	}
	if update.Status == models.SyncStatusSynced && update.RemoteURL == "" {
		return invalid("remote url is required for a synced attachment")
	}

	query := `UPDATE pending_attachments
	SET sync_status = ?, remote_url = ?, last_error = ?, updated_at = ?
	WHERE local_id = ?`
	res, err := r.db.Exec(query, string(update.Status), update.RemoteURL, update.LastError,
		nowMillis(), localID)
	if err != nil {
		return apperrors.Storage("update attachment status", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("attachment", localID)
	}
	return nil
}

// DeleteAttachment removes a single attachment.
func (r *Repository) DeleteAttachment(localID models.UUID) error {
	if _, err := r.db.Exec(`DELETE FROM pending_attachments WHERE local_id = ?`, localID); err != nil {
		return apperrors.Storage("delete attachment", err)
	}
	return nil
}

// =====================================================
// Maintenance Operations
// =====================================================

// CaptureRecord stores the record and its attachments atomically. Each
// attachment's parent is set to the record.
func (r *Repository) CaptureRecord(record *models.PendingRecord, attachments []*models.PendingAttachment) error {
	if err := prepareRecord(record); err != nil {
		return err
	}
	for _, a := range attachments {
		a.ParentLocalID = record.LocalID
		a.ParentKind = record.Kind
		if err := prepareAttachment(a); err != nil {
			return err
		}
	}

	err := r.withTx(func(tx *sql.Tx) error {
		if err := insertRecord(tx, record); err != nil {
			return err
		}
		for _, a := range attachments {
			if err := insertAttachment(tx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.Storage("capture record", err)
	}
	return nil
}

// ResetInterruptedSyncs returns every syncing record and attachment to
// pending and reports how many records were affected.
func (r *Repository) ResetInterruptedSyncs() (int64, error) {
	var affected int64
	err := r.withTx(func(tx *sql.Tx) error {
		now := nowMillis()
		res, err := tx.Exec(`UPDATE pending_records SET sync_status = 'pending', updated_at = ?
			WHERE sync_status = 'syncing'`, now)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		_, err = tx.Exec(`UPDATE pending_attachments SET sync_status = 'pending', updated_at = ?
			WHERE sync_status = 'syncing'`, now)
		return err
	})
	if err != nil {
		return 0, apperrors.Storage("reset interrupted syncs", err)
	}
	return affected, nil
}

// deleteByStatus removes the owner's records in status with their attachments.
func (r *Repository) deleteByStatus(ownerID string, status models.SyncStatus) (int64, error) {
	var affected int64
	err := r.withTx(func(tx *sql.Tx) error {
		ownerCond := ""
		args := []interface{}{string(status)}
		if ownerID != "" {
			ownerCond = " AND owner_id = ?"
			args = append(args, ownerID)
		}

		_, err := tx.Exec(`DELETE FROM pending_attachments WHERE parent_local_id IN (
			SELECT local_id FROM pending_records WHERE sync_status = ?`+ownerCond+`)`, args...)
		if err != nil {
			return err
		}
		res, err := tx.Exec(`DELETE FROM pending_records WHERE sync_status = ?`+ownerCond, args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// PurgeSynced deletes the owner's synced records and their attachments.
func (r *Repository) PurgeSynced(ownerID string) (int64, error) {
	n, err := r.deleteByStatus(ownerID, models.SyncStatusSynced)
	if err != nil {
		return 0, apperrors.Storage("purge synced records", err)
	}
	return n, nil
}

// DeleteFailed deletes the owner's terminally failed records and their
// attachments.
func (r *Repository) DeleteFailed(ownerID string) (int64, error) {
	n, err := r.deleteByStatus(ownerID, models.SyncStatusError)
	if err != nil {
		return 0, apperrors.Storage("delete failed records", err)
	}
	return n, nil
}

// RequeueFailed moves the owner's failed records back to pending, keeping
// their retry count, so the next cycle makes exactly one more attempt.
func (r *Repository) RequeueFailed(ownerID string) (int64, error) {
	var affected int64
	err := r.withTx(func(tx *sql.Tx) error {
		ownerCond := ""
		args := []interface{}{nowMillis()}
		if ownerID != "" {
			ownerCond = " AND owner_id = ?"
			args = append(args, ownerID)
		}

		_, err := tx.Exec(`UPDATE pending_attachments SET sync_status = 'pending', last_error = '', updated_at = ?
			WHERE sync_status = 'error' AND parent_local_id IN (
				SELECT local_id FROM pending_records WHERE sync_status = 'error'`+ownerCond+`)`, args...)
		if err != nil {
			return err
		}
		res, err := tx.Exec(`UPDATE pending_records SET sync_status = 'pending', updated_at = ?
			WHERE sync_status = 'error'`+ownerCond, args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, apperrors.Storage("requeue failed records", err)
	}
	return affected, nil
}

// =====================================================
// DuplicateCandidate Operations
// =====================================================

const duplicateColumns = `id, owner_id, kind, remote_table, match_field, match_value,
	record_local_id, synced_remote_id, existing_remote_id, status, detected_at, resolved_at`

func scanDuplicate(row rowScanner) (*models.DuplicateCandidate, error) {
	var c models.DuplicateCandidate
	var kind, status string
	err := row.Scan(&c.ID, &c.OwnerID, &kind, &c.Table, &c.MatchField, &c.MatchValue,
		&c.RecordLocalID, &c.SyncedRemoteID, &c.ExistingRemoteID, &status,
		&c.DetectedAt, &c.ResolvedAt)
	if err != nil {
		return nil, err
	}
	c.Kind = models.Kind(kind)
	c.Status = models.DuplicateStatus(status)
	return &c, nil
}

// AddDuplicateCandidate stores a candidate; a pair already on file is left
// untouched.
func (r *Repository) AddDuplicateCandidate(c *models.DuplicateCandidate) (bool, error) {
	if c.Table == "" || c.SyncedRemoteID == "" || c.ExistingRemoteID == "" {
		return false, invalid("duplicate candidate needs table and both remote ids")
	}
	if c.ID == "" {
		c.ID = uuid.NewLocalID()
	}
	if c.Status == "" {
		c.Status = models.DuplicateStatusOpen
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = nowMillis()
	}

	query := `INSERT OR IGNORE INTO duplicate_candidates (` + duplicateColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.Exec(query, c.ID, c.OwnerID, string(c.Kind), c.Table, c.MatchField,
		c.MatchValue, c.RecordLocalID, c.SyncedRemoteID, c.ExistingRemoteID,
		string(c.Status), c.DetectedAt, c.ResolvedAt)
	if err != nil {
		return false, apperrors.Storage("add duplicate candidate", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Storage("add duplicate candidate", err)
	}
	return n > 0, nil
}

// GetDuplicateCandidate retrieves a candidate by ID.
func (r *Repository) GetDuplicateCandidate(id models.UUID) (*models.DuplicateCandidate, error) {
	row := r.db.QueryRow(`SELECT `+duplicateColumns+` FROM duplicate_candidates WHERE id = ?`, id)
	c, err := scanDuplicate(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, notFound("duplicate candidate", id)
	}
	if err != nil {
		return nil, apperrors.Storage("get duplicate candidate", err)
	}
	return c, nil
}

// ListDuplicateCandidates returns candidates oldest first.
func (r *Repository) ListDuplicateCandidates(ownerID string, statuses ...models.DuplicateStatus) ([]*models.DuplicateCandidate, error) {
	var ownerCond string
	var args []interface{}
	if ownerID != "" {
		ownerCond = "owner_id = ?"
		args = append(args, ownerID)
	}
	statusCond, statusArgs := inClause("status", statuses)
	args = append(args, statusArgs...)

	query := `SELECT ` + duplicateColumns + ` FROM duplicate_candidates` +
		where(ownerCond, statusCond) + ` ORDER BY detected_at ASC, rowid ASC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Storage("list duplicate candidates", err)
	}
	defer rows.Close()

	var out []*models.DuplicateCandidate
	for rows.Next() {
		c, err := scanDuplicate(rows)
		if err != nil {
			return nil, apperrors.Storage("scan duplicate candidate", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("list duplicate candidates", err)
	}
	return out, nil
}

// ResolveDuplicateCandidate records the user's decision on an open candidate.
func (r *Repository) ResolveDuplicateCandidate(id models.UUID, status models.DuplicateStatus) error {
	if status == models.DuplicateStatusOpen {
		return invalid("a resolution cannot reopen a candidate")
	}

	res, err := r.db.Exec(`UPDATE duplicate_candidates SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'open'`, string(status), nowMillis(), id)
	if err != nil {
		return apperrors.Storage("resolve duplicate candidate", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		if _, getErr := r.GetDuplicateCandidate(id); getErr != nil {
			return getErr
		}
		return apperrors.New(apperrors.ErrDuplicateResolved, fmt.Sprintf("duplicate candidate %s already resolved", id))
	}
	return nil
}
