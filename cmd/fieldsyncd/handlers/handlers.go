// Package handlers provides the local REST API over the capture service.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/services"
	"github.com/solarcrm/fieldsync/internal/sync/conflict"
	"github.com/solarcrm/fieldsync/internal/uuid"
)

// Handler serves capture, sync and duplicate review requests.
type Handler struct {
	svc *services.CaptureService
}

// New creates a new Handler.
func New(svc *services.CaptureService) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/state", h.GetState)

	r.Route("/records", func(r chi.Router) {
		r.Get("/", h.ListRecords)
		r.Post("/", h.CreateRecord)
		r.Get("/{id}", h.GetRecord)
		r.Delete("/{id}", h.DeleteRecord)
	})

	r.Route("/draft", func(r chi.Router) {
		r.Get("/", h.GetDraft)
		r.Post("/submit", h.SubmitDraft)
		r.Delete("/", h.DiscardDraft)
	})

	r.Route("/sync", func(r chi.Router) {
		r.Post("/", h.SyncNow)
		r.Post("/retry", h.RetryFailed)
		r.Post("/clear-failed", h.ClearFailed)
		r.Post("/purge", h.PurgeSynced)
	})

	r.Route("/duplicates", func(r chi.Router) {
		r.Get("/", h.ListDuplicates)
		r.Post("/{id}/resolve", h.ResolveDuplicate)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// statusFor maps an application error code to an HTTP status.
func statusFor(err error) int {
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrValidation), apperrors.Is(err, apperrors.ErrInvalid):
		return http.StatusBadRequest
	case apperrors.Is(err, apperrors.ErrDuplicateResolved):
		return http.StatusConflict
	case apperrors.Is(err, apperrors.ErrOffline), apperrors.Is(err, apperrors.ErrSyncNotConfigured):
		return http.StatusServiceUnavailable
	case apperrors.Is(err, apperrors.ErrSyncFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("request failed", string(code), err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
		})
	}
	writeJSON(w, status, map[string]interface{}{
		"code":  code,
		"error": err.Error(),
	})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "service": "fieldsync"})
}

// GetState handles GET /state
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.State()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type recordView struct {
	*models.PendingRecord
	Attachments []*models.PendingAttachment `json:"attachments"`
}

// ListRecords handles GET /records?status=pending&status=error
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	var statuses []models.SyncStatus
	for _, s := range r.URL.Query()["status"] {
		st := models.SyncStatus(s)
		if !st.Valid() {
			writeError(w, r, apperrors.New(apperrors.ErrValidation, "unknown status "+s))
			return
		}
		statuses = append(statuses, st)
	}

	recs, err := h.svc.Records(statuses...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": recs,
		"total": len(recs),
	})
}

// CreateRecord handles POST /records. Attachment data is base64 in JSON.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var input services.CaptureInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
		return
	}

	id, err := h.svc.AddRecord(r.Context(), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"local_id": id})
}

// pathID returns the {id} URL parameter once it is a well-formed local id.
func pathID(r *http.Request) (models.UUID, error) {
	id := chi.URLParam(r, "id")
	if err := uuid.Validate(id); err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "malformed id", err)
	}
	return models.UUID(id), nil
}

func (h *Handler) ownRecord(r *http.Request) (*models.PendingRecord, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	recs, err := h.svc.Records()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.LocalID == id {
			return rec, nil
		}
	}
	return nil, apperrors.New(apperrors.ErrNotFound, "record "+string(id)+" not found")
}

// GetRecord handles GET /records/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.ownRecord(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	atts, err := h.svc.Attachments(rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recordView{PendingRecord: rec, Attachments: atts})
}

// DeleteRecord handles DELETE /records/{id}
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.DeleteRecord(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDraft handles GET /draft
func (h *Handler) GetDraft(w http.ResponseWriter, r *http.Request) {
	d, ok := h.svc.Draft()
	if !ok {
		writeError(w, r, apperrors.New(apperrors.ErrNotFound, "no draft"))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// SubmitDraft handles POST /draft/submit
func (h *Handler) SubmitDraft(w http.ResponseWriter, r *http.Request) {
	id, err := h.svc.SubmitDraft(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"local_id": id})
}

// DiscardDraft handles DELETE /draft
func (h *Handler) DiscardDraft(w http.ResponseWriter, r *http.Request) {
	h.svc.DiscardDraft()
	w.WriteHeader(http.StatusNoContent)
}

// SyncNow handles POST /sync
func (h *Handler) SyncNow(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.ManualSync(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// RetryFailed handles POST /sync/retry
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RetryFailed(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"requeued": n})
}

// ClearFailed handles POST /sync/clear-failed
func (h *Handler) ClearFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.ClearFailedItems(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}

// PurgeSynced handles POST /sync/purge
func (h *Handler) PurgeSynced(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.PurgeSynced()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": n})
}

// ListDuplicates handles GET /duplicates
func (h *Handler) ListDuplicates(w http.ResponseWriter, r *http.Request) {
	dups, err := h.svc.Duplicates()
	if err != nil {
		writeError(w, r, err)
		return
	}
	if dups == nil {
		dups = []*models.DuplicateCandidate{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": dups, "total": len(dups)})
}

// ResolveDuplicate handles POST /duplicates/{id}/resolve
func (h *Handler) ResolveDuplicate(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Resolution conflict.Resolution `json:"resolution"`
		KeepID     string              `json:"keep_id"`
		DiscardID  string              `json:"discard_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, r, apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err))
		return
	}

	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.ResolveDuplicate(r.Context(), id, request.Resolution, request.KeepID, request.DiscardID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "resolution": request.Resolution})
}
