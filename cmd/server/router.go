package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"media-snipper/internal/acquisition"
	"media-snipper/internal/export"
	"media-snipper/internal/platform/logger"
	"media-snipper/internal/platform/metrics"
	"media-snipper/internal/platform/redisclient"
	"media-snipper/internal/platform/respond"
	"media-snipper/internal/progress"
	"media-snipper/internal/project"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

type routerDeps struct {
	log         *slog.Logger
	metrics     *metrics.Metrics
	redis       *redis.Client
	projects    *project.Handler
	acquisition *acquisition.Handler
	progress    *progress.Handler
	export      *export.Handler
	queued      func() int
}

func newRouter(d routerDeps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(d.log))
	r.Use(metrics.RequestMiddleware(d.metrics))

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		d.metrics.Handler(func() { d.metrics.SetQueuedJobs(d.queued()) }).ServeHTTP(w, r)
	})
	r.Get("/health", healthHandler(d.redis))

	d.projects.Routes(r)
	r.Post("/api/projects/{id}/download", d.acquisition.Start)
	r.Get("/api/projects/{id}/download/progress", d.progress.Stream)
	r.Post("/api/projects/{id}/export", d.export.Export)
	return r
}

func healthHandler(rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := redisclient.Ping(ctx, rdb); err != nil {
			respond.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "redis": err.Error()})
			return
		}
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok", "redis": "ok"})
	}
}
