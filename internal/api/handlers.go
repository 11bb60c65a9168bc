package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keyton-weissinger/patchworkmcp/internal/apperr"
	"github.com/keyton-weissinger/patchworkmcp/internal/core"
	"github.com/keyton-weissinger/patchworkmcp/internal/settings"
	"github.com/keyton-weissinger/patchworkmcp/internal/store"
)

// SettingsStore is the settings surface the API exposes.
type SettingsStore interface {
	View(ctx context.Context) (*settings.View, error)
	Save(ctx context.Context, u settings.Update) (*settings.View, error)
}

type APIHandler struct {
	feedbackService *core.FeedbackService
	settings        SettingsStore
}

func NewAPIHandler(fs *core.FeedbackService, ss SettingsStore) *APIHandler {
	return &APIHandler{feedbackService: fs, settings: ss}
}

type errorResponse struct {
	Error string      `json:"error"`
	Kind  apperr.Kind `json:"kind"`
	Field string      `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// writeError answers with the typed error body. Unexpected errors are logged
// and reported without their details.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	msg := err.Error()
	if kind == apperr.KindInternal {
		log.Printf("Internal error on %s %s: %v", r.Method, r.URL.Path, err)
		msg = "internal server error"
	}
	writeJSON(w, apperr.HTTPStatus(kind), errorResponse{Error: msg, Kind: kind, Field: apperr.FieldOf(err)})
}

// writeDecodeError answers a body that did not decode. A field of the wrong
// type is a validation failure on that field; malformed JSON is a bad request.
func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &typeErr) && typeErr.Field != "":
		writeError(w, r, apperr.Validation(typeErr.Field,
			fmt.Sprintf("%s must be a %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)))
	case strings.Contains(err.Error(), "tools_available"):
		writeError(w, r, apperr.Validation("tools_available", err.Error()))
	default:
		writeBadBody(w, err)
	}
}

func writeBadBody(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error: "Invalid request body: " + err.Error(),
		Kind:  apperr.KindValidation,
		Field: "body",
	})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *APIHandler) SubmitFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	var in store.FeedbackInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	item, err := h.feedbackService.Submit(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (h *APIHandler) ListFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.Filter{
		ServerName: q.Get("server_name"),
		GapType:    q.Get("gap_type"),
		Resolution: q.Get("resolution"),
		SessionID:  q.Get("session_id"),
	}
	if v := q.Get("reviewed"); v != "" {
		reviewed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, r, apperr.Validation("reviewed", "reviewed must be true or false"))
			return
		}
		f.Reviewed = &reviewed
	}
	for _, p := range []struct {
		name string
		dest *int
	}{{"limit", &f.Limit}, {"offset", &f.Offset}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, apperr.Validation(p.name, p.name+" must be a non-negative integer"))
			return
		}
		*p.dest = n
	}

	items, err := h.feedbackService.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *APIHandler) GetFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	item, err := h.feedbackService.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type PatchFeedbackRequest struct {
	Reviewed *bool `json:"reviewed"`
}

func (h *APIHandler) PatchFeedbackHandler(w http.ResponseWriter, r *http.Request) {
	var req PatchFeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if req.Reviewed == nil {
		writeError(w, r, apperr.Validation("reviewed", "reviewed is required"))
		return
	}

	item, err := h.feedbackService.SetReviewed(r.Context(), chi.URLParam(r, "id"), *req.Reviewed)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type AddNoteRequest struct {
	Body string `json:"body"`
	// Content is accepted for older dashboard builds.
	Content string `json:"content"`
}

func (h *APIHandler) AddNoteHandler(w http.ResponseWriter, r *http.Request) {
	var req AddNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w, r, err)
		return
	}
	body := req.Body
	if strings.TrimSpace(body) == "" {
		body = req.Content
	}

	note, err := h.feedbackService.AppendNote(r.Context(), chi.URLParam(r, "id"), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.feedbackService.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *APIHandler) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.settings.View(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *APIHandler) PutSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var u settings.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	view, err := h.settings.Save(r.Context(), u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
