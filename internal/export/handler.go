package export

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"media-snipper/internal/platform/respond"
	"media-snipper/internal/project"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the export endpoint.
type Handler struct {
	engine   *Engine
	projects project.Store
	log      *slog.Logger
}

// NewHandler returns a Handler reading projects from store.
func NewHandler(engine *Engine, store project.Store, log *slog.Logger) *Handler {
	return &Handler{engine: engine, projects: store, log: log}
}

// Export handles POST /api/projects/{id}/export and responds with the
// rendered file as an attachment named after the project.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.projects.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			respond.Error(w, http.StatusNotFound, "Project not found")
			return
		}
		h.log.Error("load project failed", slog.String("project_id", id), slog.String("error", err.Error()))
		respond.Error(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	err = h.engine.Deliver(r.Context(), p, func(path string) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": p.Name + ".mp4"}))
		http.ServeFile(w, r, path)
	})
	if err != nil {
		var te *TranscodeError
		switch {
		case errors.Is(err, ErrNoSegments):
			respond.Error(w, http.StatusBadRequest, "No segments to export")
		case errors.Is(err, ErrSourceMissing):
			respond.Error(w, http.StatusNotFound, "Video file not found")
		case errors.As(err, &te):
			respond.Error(w, http.StatusInternalServerError, te.Error())
		default:
			h.log.Error("export failed", slog.String("project_id", id), slog.String("error", err.Error()))
			respond.Error(w, http.StatusInternalServerError, "Export failed")
		}
	}
}
