package project

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"media-snipper/internal/platform/respond"
	"media-snipper/internal/storage"

	"github.com/go-chi/chi/v5"
)

// Handler exposes project CRUD endpoints using go-chi.
type Handler struct {
	svc    *Service
	layout *storage.Layout
	log    *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, layout *storage.Layout, log *slog.Logger) *Handler {
	return &Handler{svc: svc, layout: layout, log: log}
}

// Routes mounts the handlers on r under /api/projects and /projects.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/projects", h.List)
	r.Post("/api/projects", h.Create)
	r.Get("/api/projects/{id}", h.Get)
	r.Put("/api/projects/{id}", h.Update)
	r.Delete("/api/projects/{id}", h.Delete)
	r.Get("/projects/{id}/{file}", h.ServeFile)
}

// List handles GET /api/projects.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.List(r.Context())
	if err != nil {
		h.log.Error("list projects failed", slog.String("error", err.Error()))
		respond.Error(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}
	if ps == nil {
		ps = []*Project{}
	}
	respond.JSON(w, http.StatusOK, ps)
}

// Create handles POST /api/projects.
// Body: { "name": "optional", "url": "https://..." }.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var in CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.log.Debug("invalid create body", slog.String("error", err.Error()))
		respond.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	p, err := h.svc.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusCreated, p)
}

// Get handles GET /api/projects/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, p)
}

// Update handles PUT /api/projects/{id}.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var in UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.log.Debug("invalid update body", slog.String("error", err.Error()))
		respond.Error(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	p, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, p)
}

// Delete handles DELETE /api/projects/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ServeFile handles GET /projects/{id}/{file} for the acquired source and the
// last export.
func (h *Handler) ServeFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "file")

	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if name != p.VideoFile && name != storage.OutputFile {
		respond.Error(w, http.StatusNotFound, "Video not found")
		return
	}
	path, err := h.layout.FilePath(id, name)
	if err != nil || !storage.FileExists(path) {
		respond.Error(w, http.StatusNotFound, "Video not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Error(w, http.StatusNotFound, "Project not found")
	case errors.As(err, &ve):
		respond.Error(w, http.StatusBadRequest, ve.Error())
	default:
		h.log.Error("project request failed", slog.String("error", err.Error()))
		respond.Error(w, http.StatusInternalServerError, "Internal server error")
	}
}
