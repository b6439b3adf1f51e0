package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"media-snipper/internal/platform/metrics"
	"media-snipper/internal/project"
	"media-snipper/internal/storage"
)

const (
	DefaultFFmpeg     = "ffmpeg"
	DefaultVideoCodec = "libx264"
	DefaultAudioCodec = "aac"
)

var (
	// ErrNoSegments is returned when a project has nothing to export.
	ErrNoSegments = errors.New("no segments to export")

	// ErrSourceMissing is returned when the acquired media is not on disk.
	ErrSourceMissing = errors.New("video file not found")
)

// TranscodeError carries the transcoder's stderr from a failed run.
type TranscodeError struct {
	Stderr string
	Err    error
}

func (e *TranscodeError) Error() string {
	return "FFmpeg error: " + e.Stderr
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// Options configures the transcoder invocation. Empty fields take defaults.
type Options struct {
	FFmpegPath string
	VideoCodec string
	AudioCodec string
}

// Engine builds and runs segment exports.
type Engine struct {
	runner  Runner
	layout  *storage.Layout
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	locks map[string]*projectLock
}

type projectLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine returns an Engine. Metrics may be nil.
func NewEngine(runner Runner, layout *storage.Layout, opts Options, log *slog.Logger, m *metrics.Metrics) *Engine {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = DefaultFFmpeg
	}
	if opts.VideoCodec == "" {
		opts.VideoCodec = DefaultVideoCodec
	}
	if opts.AudioCodec == "" {
		opts.AudioCodec = DefaultAudioCodec
	}
	return &Engine{
		runner:  runner,
		layout:  layout,
		opts:    opts,
		log:     log,
		metrics: m,
		locks:   make(map[string]*projectLock),
	}
}

// lock serializes exports of one project; the returned func unlocks.
func (e *Engine) lock(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &projectLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}

// Export cuts p's segments from its acquired media, in list order, and
// concatenates them into the project's output file. Segments are used as
// stored; a segment with end <= start yields a non-positive duration.
//
// The returned file may be replaced by a later export of the same project;
// callers that read it use Deliver.
func (e *Engine) Export(ctx context.Context, p *project.Project) (string, error) {
	var output string
	err := e.Deliver(ctx, p, func(path string) { output = path })
	return output, err
}

// Deliver is Export with deliver called on the rendered file before other
// exports of p may start.
func (e *Engine) Deliver(ctx context.Context, p *project.Project, deliver func(path string)) error {
	if len(p.Segments) == 0 {
		e.observe(metrics.ExportFailed, 0)
		return ErrNoSegments
	}
	if p.VideoFile == "" {
		e.observe(metrics.ExportFailed, 0)
		return ErrSourceMissing
	}
	source := e.layout.SourcePath(p.ID, p.VideoFile)
	if !storage.FileExists(source) {
		e.observe(metrics.ExportFailed, 0)
		return ErrSourceMissing
	}

	unlock := e.lock(p.ID)
	defer unlock()

	output := e.layout.OutputPath(p.ID)
	args := BuildArgs(source, p.Segments, output, e.opts.VideoCodec, e.opts.AudioCodec)

	log := e.log.With(slog.String("project_id", p.ID))
	log.Info("export started", slog.Int("segments", len(p.Segments)))

	start := time.Now()
	stderr, err := e.runner.Run(ctx, e.opts.FFmpegPath, args)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		if rmErr := os.Remove(output); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Warn("remove partial output failed", slog.String("error", rmErr.Error()))
		}
		log.Error("export failed", slog.String("error", err.Error()), slog.String("stderr", strings.TrimSpace(stderr)))
		e.observe(metrics.ExportFailed, elapsed)
		return &TranscodeError{Stderr: stderr, Err: fmt.Errorf("run %s: %w", e.opts.FFmpegPath, err)}
	}

	log.Info("export completed", slog.Float64("seconds", elapsed))
	e.observe(metrics.ExportSucceeded, elapsed)
	deliver(output)
	return nil
}

func (e *Engine) observe(result string, seconds float64) {
	if e.metrics != nil {
		e.metrics.ObserveExport(result, seconds)
	}
}
