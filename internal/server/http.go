package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Handler serves the reconciliation endpoint over a Store.
type Handler struct {
	store     *Store
	validator *Validator
	auth      Authenticator
	logger    *slog.Logger
	pullLimit int
	mux       *http.ServeMux
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the handler's logger.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// WithPullLimit lowers the page size below wire.PullLimit.
func WithPullLimit(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 && n <= wire.PullLimit {
			h.pullLimit = n
		}
	}
}

// NewHandler wires the routes.
func NewHandler(store *Store, validator *Validator, auth Authenticator, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:     store,
		validator: validator,
		auth:      auth,
		logger:    slog.Default(),
		pullLimit: wire.PullLimit,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc(wire.PatternPull, h.handlePull)
	h.mux.HandleFunc(wire.PatternComplete, h.handleComplete)
	h.mux.HandleFunc(wire.PatternDeleteWorkout, h.handleDeleteWorkout)
	h.mux.HandleFunc(wire.PatternCreateTemplate, h.handleSaveTemplate)
	h.mux.HandleFunc(wire.PatternUpdateTemplate, h.handleSaveTemplate)
	h.mux.HandleFunc(wire.PatternListTemplates, h.handleListTemplates)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handlePull(w http.ResponseWriter, r *http.Request) {
	user, err := authenticate(h.auth, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req, err := wire.ParsePullRequest(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req.Limit = min(req.Limit, h.pullLimit)

	resp, err := h.store.Pull(r.Context(), user, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Debug("pull",
		"user", user,
		"module", req.Module,
		"since", req.Since,
		"workouts", len(resp.Workouts),
		"deleted", len(resp.Deleted),
	)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	user, err := authenticate(h.auth, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.validator.CompleteRequest(body); err != nil {
		h.writeError(w, r, err)
		return
	}
	var req wire.CompleteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, wire.Errorf(wire.CodeValidation, "decode body: %v", err))
		return
	}

	updatedAt, err := h.store.Finalize(r.Context(), user, r.PathValue("module"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wire.CompleteResponse{
		OK:              true,
		WorkoutID:       req.Workout.ID,
		ServerUpdatedAt: updatedAt,
	})
}

func (h *Handler) handleDeleteWorkout(w http.ResponseWriter, r *http.Request) {
	user, err := authenticate(h.auth, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	deletedAt, err := h.store.Delete(r.Context(), user, r.PathValue("module"), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wire.CompleteResponse{OK: true, WorkoutID: id, ServerUpdatedAt: deletedAt})
}

// handleSaveTemplate serves both POST (create) and PUT (update by path id).
func (h *Handler) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	user, err := authenticate(h.auth, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.validator.Template(body); err != nil {
		h.writeError(w, r, err)
		return
	}
	var t workout.Template
	if err := json.Unmarshal(body, &t); err != nil {
		h.writeError(w, r, wire.Errorf(wire.CodeValidation, "decode body: %v", err))
		return
	}

	create := r.Method == http.MethodPost
	if !create && r.PathValue("id") != t.ID {
		h.writeError(w, r, wire.Errorf(wire.CodeValidation, "path id %q does not match body id %q", r.PathValue("id"), t.ID))
		return
	}

	updatedAt, err := h.store.SaveTemplate(r.Context(), user, r.PathValue("module"), t, create)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wire.TemplateResponse{OK: true, TemplateID: t.ID, ServerUpdatedAt: updatedAt})
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	user, err := authenticate(h.auth, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	templates, err := h.store.Templates(r.Context(), user, r.PathValue("module"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, wire.TemplateList{Templates: templates})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, wire.Errorf(wire.CodeValidation, "body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// writeError answers protocol errors with their status and code. Anything
// else is logged and reported as a transient 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var werr *wire.Error
	if !errors.As(err, &werr) {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.writeJSON(w, http.StatusInternalServerError, wire.ErrorBody{
			Error: wire.Errorf(wire.CodeTransient, "internal error"),
		})
		return
	}
	level := slog.LevelInfo
	if werr.Code == wire.CodeValidation {
		level = slog.LevelWarn
	}
	h.logger.Log(r.Context(), level, "request rejected",
		"method", r.Method,
		"path", r.URL.Path,
		"code", werr.Code,
		"message", werr.Message,
	)
	h.writeJSON(w, werr.HTTPStatus(), wire.ErrorBody{Error: werr})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response", "error", err)
	}
}
