package acquisition

import (
	"errors"
	"log/slog"
	"net/http"

	"media-snipper/internal/lock"
	"media-snipper/internal/platform/respond"
	"media-snipper/internal/project"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the acquisition trigger.
type Handler struct {
	coord *Coordinator
	log   *slog.Logger
}

// NewHandler returns a Handler using coord.
func NewHandler(coord *Coordinator, log *slog.Logger) *Handler {
	return &Handler{coord: coord, log: log}
}

// Start handles POST /api/projects/{id}/download.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.coord.Start(r.Context(), id)
	switch {
	case err == nil:
		respond.JSON(w, http.StatusOK, map[string]any{"success": true, "message": "Download started"})
	case errors.Is(err, project.ErrNotFound):
		respond.Error(w, http.StatusNotFound, "Project not found")
	case errors.Is(err, lock.ErrAlreadyActive):
		respond.Error(w, http.StatusConflict, "Download already in progress")
	case errors.Is(err, ErrBusy):
		respond.Error(w, http.StatusServiceUnavailable, "Too many downloads in progress, try again later")
	default:
		h.log.Error("start acquisition failed", slog.String("project_id", id), slog.String("error", err.Error()))
		respond.Error(w, http.StatusInternalServerError, "Failed to start download")
	}
}
