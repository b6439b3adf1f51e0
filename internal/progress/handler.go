package progress

import (
	"errors"
	"log/slog"
	"net/http"

	"media-snipper/internal/platform/respond"

	"github.com/go-chi/chi/v5"
)

// Handler serves progress streams over server-sent events.
type Handler struct {
	streamer *Streamer
	log      *slog.Logger
}

// NewHandler returns a Handler using streamer.
func NewHandler(streamer *Streamer, log *slog.Logger) *Handler {
	return &Handler{streamer: streamer, log: log}
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// Stream handles GET /api/projects/{id}/download/progress.
// Client disconnect ends the stream but never the job.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respond.Error(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	st, err := h.streamer.Open(ctx, id)
	if errors.Is(err, ErrNoActiveJob) {
		setStreamHeaders(w)
		w.WriteHeader(http.StatusOK)
		h.write(w, Frame{Kind: FrameEvent, Event: Failed(msgNoActiveJob)})
		flusher.Flush()
		return
	}
	if err != nil {
		h.log.Error("open progress stream failed", slog.String("project_id", id), slog.String("error", err.Error()))
		respond.Error(w, http.StatusInternalServerError, "Failed to open progress stream")
		return
	}
	defer st.Close()

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	for {
		f, ok := st.Next(ctx)
		if !ok {
			return
		}
		if !h.write(w, f) {
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) write(w http.ResponseWriter, f Frame) bool {
	b, err := f.Encode()
	if err != nil {
		h.log.Error("encode frame failed", slog.String("error", err.Error()))
		return false
	}
	if _, err := w.Write(b); err != nil {
		h.log.Debug("stream client gone", slog.String("error", err.Error()))
		return false
	}
	return true
}
