/*
handlers.go - HTTP API handlers for the roster engine

PURPOSE:
  Exposes roster uploads and the resulting registry via REST API. Handles
  HTTP request/response and JSON serialization, and delegates to the
  reconciler.

ENDPOINTS:
  Uploads:
    POST   /api/uploads                Import one roster file (multipart "file")

  Registry:
    GET    /api/persons                List persons (?role=student)
    GET    /api/persons/{key}          Person details
    GET    /api/persons/{key}/ledger   Ledger entry of a person

  Runs:
    GET    /api/runs                   Import history, newest first (?limit=N)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Unusable file (empty, no header, unsupported format)
  - 404: Person or ledger entry not found
  - 409: Conflicting concurrent write, retry the file
  - 413: Upload too large
  - 503: Transaction timeout or store unavailable, retry the file
  A batch that committed but could not be counted afterwards is a 200
  with "warning" set and "count" zero.
  - 500: Internal errors

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/roster-engine/grid"
	"github.com/warp/roster-engine/roster"
)

// DefaultMaxUploadBytes bounds a multipart upload.
const DefaultMaxUploadBytes int64 = 32 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      roster.Store
	Runs       roster.RunLog // optional
	Reconciler *roster.Reconciler

	MaxUploadBytes int64
	Logger         *slog.Logger
}

// NewHandler creates a handler serving store and importing through rec.
func NewHandler(store roster.Store, rec *roster.Reconciler) *Handler {
	h := &Handler{
		Store:          store,
		Reconciler:     rec,
		MaxUploadBytes: DefaultMaxUploadBytes,
		Logger:         slog.Default(),
	}
	if runs, ok := store.(roster.RunLog); ok {
		h.Runs = runs
	}
	return h
}

// =============================================================================
// UPLOAD ENDPOINT
// =============================================================================

// Upload imports one roster file as a single atomic batch.
// POST /api/uploads
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeUploadError(w, http.StatusRequestEntityTooLarge, "Upload too large", err)
			return
		}
		writeUploadError(w, http.StatusBadRequest, "Missing multipart field \"file\"", err)
		return
	}
	defer file.Close()

	g, err := grid.Read(file, header.Filename)
	if err != nil {
		if errors.Is(err, grid.ErrUnsupportedFormat) {
			writeUploadError(w, http.StatusBadRequest, "Unsupported file type", err)
			return
		}
		writeUploadError(w, http.StatusBadRequest, "Unreadable file", err)
		return
	}

	report, err := h.Reconciler.Import(ctx, g, header.Filename)
	if isCommitted(err) {
		h.Logger.Warn("upload committed without final count", "run_id", report.RunID, "error", err)
		resp := toUploadResponse(report)
		resp.Warning = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if err != nil {
		status := statusForImportError(err)
		resp := UploadErrorResponse{
			ErrorResponse: ErrorResponse{Error: importErrorMessage(err), Code: importErrorCode(err), Details: err.Error()},
			RunID:         report.RunID,
			Retryable:     roster.IsRetryable(err),
		}
		if be, ok := roster.AsBatchError(err); ok {
			resp.Line = be.Line
		}
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, toUploadResponse(report))
}

// statusForImportError maps a reconciler error onto an HTTP status.
func statusForImportError(err error) int {
	switch {
	case roster.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, roster.ErrTransactionConflict):
		return http.StatusConflict
	case errors.Is(err, roster.ErrTransactionTimeout),
		errors.Is(err, roster.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func importErrorMessage(err error) string {
	switch {
	case errors.Is(err, roster.ErrEmptyInput):
		return "The file has no rows"
	case errors.Is(err, roster.ErrHeaderNotFound):
		return "No header row with a name and a contact column"
	case errors.Is(err, roster.ErrTransactionConflict):
		return "Another import touched the same records, retry the file"
	case errors.Is(err, roster.ErrTransactionTimeout):
		return "Import timed out, retry the file"
	case errors.Is(err, roster.ErrKeySpaceExhausted):
		return "Could not allocate a unique key"
	default:
		return "Import failed"
	}
}

func importErrorCode(err error) string {
	for _, kind := range []error{
		roster.ErrEmptyInput,
		roster.ErrHeaderNotFound,
		roster.ErrTransactionConflict,
		roster.ErrTransactionTimeout,
		roster.ErrKeySpaceExhausted,
		roster.ErrStoreUnavailable,
	} {
		if errors.Is(err, kind) {
			return codes[kind]
		}
	}
	return "internal"
}

var codes = map[error]string{
	roster.ErrEmptyInput:          "empty_input",
	roster.ErrHeaderNotFound:      "header_not_found",
	roster.ErrTransactionConflict: "conflict",
	roster.ErrTransactionTimeout:  "timeout",
	roster.ErrKeySpaceExhausted:   "key_space_exhausted",
	roster.ErrStoreUnavailable:    "store_unavailable",
}

// =============================================================================
// REGISTRY ENDPOINTS
// =============================================================================

// ListPersons returns persons, optionally filtered by role.
// GET /api/persons?role=student
func (h *Handler) ListPersons(w http.ResponseWriter, r *http.Request) {
	role := roster.Role(r.URL.Query().Get("role"))

	persons, err := h.Store.ListPersons(r.Context(), role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list persons", err)
		return
	}

	dtos := make([]PersonDTO, 0, len(persons))
	for _, p := range persons {
		dtos = append(dtos, toPersonDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetPerson returns one person by key.
// GET /api/persons/{key}
func (h *Handler) GetPerson(w http.ResponseWriter, r *http.Request) {
	key := roster.CanonicalKey(chi.URLParam(r, "key"))

	p, err := h.Store.FindByKeyExact(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get person", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Person not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toPersonDTO(*p))
}

// GetLedger returns the ledger entry of a person.
// GET /api/persons/{key}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	key := roster.CanonicalKey(chi.URLParam(r, "key"))

	e, err := h.Store.GetLedgerEntry(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get ledger entry", err)
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "Ledger entry not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTO(*e))
}

// =============================================================================
// RUN ENDPOINTS
// =============================================================================

// ListRuns returns import history, newest first.
// GET /api/runs?limit=50
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	dtos := []RunDTO{}
	if h.Runs != nil {
		runs, err := h.Runs.ListRuns(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to list runs", err)
			return
		}
		for _, run := range runs {
			dtos = append(dtos, toRunDTO(run))
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health reports liveness.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeUploadError(w http.ResponseWriter, status int, message string, err error) {
	resp := UploadErrorResponse{ErrorResponse: ErrorResponse{Error: message}}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
