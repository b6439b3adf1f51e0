package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"media-snipper/internal/lock"
	"media-snipper/internal/platform/metrics"
	"media-snipper/internal/progress"
	"media-snipper/internal/project"
	"media-snipper/internal/storage"

	"github.com/dustin/go-humanize"
)

const (
	outputTemplate = storage.SourceBase + ".%(ext)s"
	cleanupTimeout = 5 * time.Second
)

// errFenced marks a job that lost its lease to a successor; it ends without an event.
var errFenced = errors.New("lease taken over by another job")

// Publisher delivers progress events to observers.
type Publisher interface {
	Publish(ctx context.Context, projectID string, ev progress.Event) error
}

// Coordinator starts acquisition jobs and drives them to completion.
type Coordinator struct {
	projects   project.Store
	locks      *lock.Manager
	publisher  Publisher
	downloader Downloader
	layout     *storage.Layout
	pool       *Pool
	log        *slog.Logger
	metrics    *metrics.Metrics
	beatEvery  time.Duration
}

// Config groups the Coordinator's collaborators. Metrics may be nil.
type Config struct {
	Projects   project.Store
	Locks      *lock.Manager
	Publisher  Publisher
	Downloader Downloader
	Layout     *storage.Layout
	Pool       *Pool
	Log        *slog.Logger
	Metrics    *metrics.Metrics
	// BeatEvery throttles heartbeats; 0 uses lock.DefaultBeatEvery.
	BeatEvery time.Duration
}

// NewCoordinator returns a Coordinator wired from cfg.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		projects:   cfg.Projects,
		locks:      cfg.Locks,
		publisher:  cfg.Publisher,
		downloader: cfg.Downloader,
		layout:     cfg.Layout,
		pool:       cfg.Pool,
		log:        cfg.Log,
		metrics:    cfg.Metrics,
		beatEvery:  cfg.BeatEvery,
	}
}

// Start takes the project lock and queues the acquisition job. It returns
// project.ErrNotFound, lock.ErrAlreadyActive, or ErrBusy; failures of the job
// itself are reported only as progress events.
func (c *Coordinator) Start(ctx context.Context, projectID string) error {
	p, err := c.projects.Get(ctx, projectID)
	if err != nil {
		return err
	}

	lease, err := c.locks.TryAcquire(ctx, p.ID)
	if err != nil {
		return err
	}

	if err := c.pool.Submit(func(jobCtx context.Context) { c.run(jobCtx, lease) }); err != nil {
		if relErr := c.locks.Release(ctx, lease); relErr != nil {
			c.log.Error("release after rejected submit failed", slog.String("project_id", p.ID), slog.String("error", relErr.Error()))
		}
		c.log.Warn("acquisition rejected", slog.String("project_id", p.ID), slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}

	c.log.Info("acquisition queued", slog.String("project_id", p.ID))
	if c.metrics != nil {
		c.metrics.IncAcquisitionsStarted()
	}
	return nil
}

// run is the worker side of one acquisition. The lease is released and the
// scratch directory removed on every exit path.
func (c *Coordinator) run(ctx context.Context, lease *lock.Lease) {
	log := c.log.With(slog.String("project_id", lease.ProjectID))
	tempDir := c.layout.JobTempDir(lease.ProjectID, lease.Token)

	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := c.locks.Release(cctx, lease); err != nil {
			log.Error("release lock failed", slog.String("error", err.Error()))
		} else {
			log.Debug("lock released")
		}
		if err := c.layout.RemoveJobTempDir(lease.ProjectID, lease.Token); err != nil {
			log.Warn("remove temp dir failed", slog.String("error", err.Error()))
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			log.Error("acquisition panicked", slog.Any("panic", r))
			c.fail(log, lease.ProjectID, fmt.Errorf("internal error: %v", r))
		}
	}()

	owns, err := c.locks.Owns(ctx, lease)
	if err != nil {
		log.Error("lease check failed", slog.String("error", err.Error()))
		c.fail(log, lease.ProjectID, err)
		return
	}
	if !owns {
		log.Warn("lease lost while queued, dropping job")
		return
	}

	log.Info("acquisition started")
	err = c.acquire(ctx, log, lease, tempDir)
	switch {
	case err == nil:
		log.Info("acquisition completed")
		if c.metrics != nil {
			c.metrics.IncAcquisitionsCompleted()
		}
	case errors.Is(err, errFenced) || c.superseded(lease):
		log.Warn("acquisition superseded, result discarded", slog.String("error", err.Error()))
	default:
		log.Error("acquisition failed", slog.String("error", err.Error()))
		c.fail(log, lease.ProjectID, err)
	}
}

func (c *Coordinator) acquire(ctx context.Context, log *slog.Logger, lease *lock.Lease, tempDir string) error {
	id := lease.ProjectID
	c.publish(log, id, progress.Started())

	p, err := c.projects.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}

	info, err := c.downloader.Probe(ctx, p.URL)
	if err != nil {
		return err
	}
	if p.HasDefaultName() && info.Title != "" {
		if _, err := c.projects.Update(ctx, id, func(p *project.Project) error {
			if p.HasDefaultName() {
				p.Name = info.Title
			}
			return nil
		}); err != nil {
			return fmt.Errorf("store title: %w", err)
		}
	}

	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	beater := c.locks.NewBeater(lease, c.beatEvery)
	res, err := c.downloader.Download(ctx, p.URL, filepath.Join(tempDir, outputTemplate), func(u Update) {
		if err := beater.Beat(ctx); err != nil {
			log.Warn("heartbeat failed", slog.String("error", err.Error()))
		}
		switch u.Status {
		case UpdateDownloading:
			c.publish(log, id, downloadingEvent(u))
		case UpdateFinished:
			c.publish(log, id, progress.Finished())
		}
	})
	if err != nil {
		return err
	}

	src := firstExisting(res.Candidates)
	if src == "" {
		return ErrFileNotFound
	}

	if owns, err := c.locks.Owns(ctx, lease); err != nil {
		return fmt.Errorf("check lease: %w", err)
	} else if !owns {
		return errFenced
	}

	name := storage.SourceName(filepath.Ext(src))
	if err := storage.MoveInto(src, c.layout.SourcePath(id, name)); err != nil {
		return fmt.Errorf("store media: %w", err)
	}

	title := res.Info.Title
	if title == "" {
		title = info.Title
	}
	duration := res.Info.Duration
	if duration == 0 {
		duration = info.Duration
	}

	if owns, err := c.locks.Owns(ctx, lease); err != nil {
		return fmt.Errorf("check lease: %w", err)
	} else if !owns {
		return errFenced
	}

	if _, err := c.projects.Update(ctx, id, func(p *project.Project) error {
		d := duration
		p.VideoFile = name
		p.VideoPath = storage.PublicPath(id, name)
		p.Duration = &d
		p.Title = title
		if p.HasDefaultName() && title != "" {
			p.Name = title
		}
		return nil
	}); err != nil {
		return fmt.Errorf("store result: %w", err)
	}

	c.publish(log, id, progress.Complete(duration, title))
	return nil
}

// superseded reports whether another job has taken lease over. A failed
// check counts as not superseded so the error still reaches observers.
func (c *Coordinator) superseded(lease *lock.Lease) bool {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	owns, err := c.locks.Owns(ctx, lease)
	return err == nil && !owns
}

func (c *Coordinator) fail(log *slog.Logger, projectID string, err error) {
	c.publish(log, projectID, progress.Failed(err.Error()))
	if c.metrics != nil {
		c.metrics.IncAcquisitionsFailed()
	}
}

// publish is best effort; a failed publish never fails the job.
func (c *Coordinator) publish(log *slog.Logger, projectID string, ev progress.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.publisher.Publish(ctx, projectID, ev); err != nil {
		log.Warn("publish progress failed", slog.String("status", string(ev.Status)), slog.String("error", err.Error()))
	}
}

func downloadingEvent(u Update) progress.Event {
	percent := 0
	if u.Total > 0 {
		percent = int(float64(u.Downloaded) / float64(u.Total) * 100)
	}
	speed := progress.Unknown
	if u.Speed > 0 {
		speed = humanize.IBytes(uint64(u.Speed)) + "/s"
	}
	eta := progress.Unknown
	if u.ETA > 0 {
		eta = u.ETA.Round(time.Second).String()
	}
	return progress.Downloading(percent, u.Downloaded, u.Total, speed, eta)
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if p != "" && storage.FileExists(p) {
			return p
		}
	}
	return ""
}
