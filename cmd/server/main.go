package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"media-snipper/internal/acquisition"
	"media-snipper/internal/downloader"
	"media-snipper/internal/export"
	"media-snipper/internal/lock"
	"media-snipper/internal/platform/config"
	"media-snipper/internal/platform/database"
	"media-snipper/internal/platform/logger"
	"media-snipper/internal/platform/metrics"
	"media-snipper/internal/platform/redisclient"
	"media-snipper/internal/progress"
	"media-snipper/internal/project"
	"media-snipper/internal/storage"
)

const (
	shutdownTimeout     = 10 * time.Second
	poolShutdownTimeout = 30 * time.Second
	versionTimeout      = 5 * time.Second
)

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	redisURL := config.GetEnv("REDIS_URL", "redis://localhost:6379/0")
	projectsDir := config.GetEnv("PROJECTS_DIR", "./projects")
	tempDir := config.GetEnv("TEMP_DIR", filepath.Join(os.TempDir(), "media-snipper"))
	storeBackend := config.GetEnv("STORE_BACKEND", "file")
	sqlitePath := config.GetEnv("SQLITE_PATH", filepath.Join(projectsDir, "projects.db"))
	maxWorkers := config.GetEnvInt("MAX_WORKERS", 4)
	queueSize := config.GetEnvInt("JOB_QUEUE_SIZE", 32)
	lockTTL := config.GetEnvDuration("LOCK_TTL_SECONDS", lock.DefaultTTL)
	staleAfter := config.GetEnvDuration("HEARTBEAT_STALE_SECONDS", lock.DefaultStaleAfter)
	keepalive := config.GetEnvDuration("STREAM_KEEPALIVE_SECONDS", progress.DefaultKeepalive)
	ytdlpFormat := config.GetEnv("YTDLP_FORMAT", downloader.DefaultFormat)
	ytdlpCache := config.GetEnv("YTDLP_CACHE_DIR", filepath.Join(projectsDir, ".cache"))
	ffmpegPath := config.GetEnv("FFMPEG_PATH", export.DefaultFFmpeg)
	videoCodec := config.GetEnv("FFMPEG_VIDEO_CODEC", export.DefaultVideoCodec)
	audioCodec := config.GetEnv("FFMPEG_AUDIO_CODEC", export.DefaultAudioCodec)

	log := logger.New(logLevel, logFormat)

	rdb, err := redisclient.New(redisURL)
	if err != nil {
		log.Error("redis config error", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	if err := redisclient.Ping(context.Background(), rdb); err != nil {
		log.Warn("redis not reachable at startup", "error", err)
	}

	store, closeStore, err := openStore(storeBackend, projectsDir, sqlitePath)
	if err != nil {
		log.Error("project store error", "backend", storeBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	logToolVersions(log, ffmpegPath)

	met := metrics.New()
	layout := storage.NewLayout(projectsDir, tempDir)
	locks := lock.NewManager(rdb, lock.Options{TTL: lockTTL, StaleAfter: staleAfter}, log, met)
	broker := progress.NewBroker(rdb, log)
	pool := acquisition.NewPool(maxWorkers, queueSize, log)

	projects := project.NewService(store, layout, log, met)
	coord := acquisition.NewCoordinator(acquisition.Config{
		Projects:   store,
		Locks:      locks,
		Publisher:  broker,
		Downloader: downloader.New(downloader.Options{Format: ytdlpFormat, CacheDir: ytdlpCache}),
		Layout:     layout,
		Pool:       pool,
		Log:        log,
		Metrics:    met,
	})
	streamer := progress.NewStreamer(broker, locks, progress.StreamOptions{Keepalive: keepalive}, log, met)
	engine := export.NewEngine(export.ExecRunner{}, layout, export.Options{
		FFmpegPath: ffmpegPath,
		VideoCodec: videoCodec,
		AudioCodec: audioCodec,
	}, log, met)

	r := newRouter(routerDeps{
		log:         log,
		metrics:     met,
		redis:       rdb,
		projects:    project.NewHandler(projects, layout, log),
		acquisition: acquisition.NewHandler(coord, log),
		progress:    progress.NewHandler(streamer, log),
		export:      export.NewHandler(engine, store, log),
		queued:      pool.Queued,
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"store_backend", storeBackend,
		"projects_dir", projectsDir,
		"max_workers", maxWorkers,
		"job_queue_size", queueSize,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	shutdown(log, srv, pool, shutdownTimeout, poolShutdownTimeout)
	log.Info("server stopped")
}

// shutdown drains HTTP connections, then the worker pool. Workers get their
// own budget; open progress streams can use up the server's.
func shutdown(log *slog.Logger, srv *http.Server, pool *acquisition.Pool, serverWait, poolWait time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), serverWait)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}

	poolCtx, poolCancel := context.WithTimeout(context.Background(), poolWait)
	defer poolCancel()
	if err := pool.Shutdown(poolCtx); err != nil {
		log.Error("worker shutdown error", "error", err)
	}
}

// openStore builds the project store for backend. The returned func closes
// any resources it holds.
func openStore(backend, projectsDir, sqlitePath string) (project.Store, func() error, error) {
	noop := func() error { return nil }
	switch backend {
	case "file":
		s, err := project.NewFileStore(projectsDir)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "sqlite":
		db, err := database.Open(sqlitePath)
		if err != nil {
			return nil, noop, err
		}
		s, err := project.NewSQLiteStore(context.Background(), db)
		if err != nil {
			db.Close()
			return nil, noop, err
		}
		return s, db.Close, nil
	case "memory":
		return project.NewMemoryStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown store backend %q", backend)
	}
}

func logToolVersions(log *slog.Logger, ffmpegPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
	defer cancel()

	if v, err := downloader.Version(ctx); err != nil {
		log.Warn("yt-dlp not available", "error", err)
	} else {
		log.Info("yt-dlp found", "version", v)
	}
	if v, err := export.Version(ctx, ffmpegPath); err != nil {
		log.Warn("ffmpeg not available", "error", err)
	} else {
		log.Info("ffmpeg found", "version", v)
	}
}
