package downloader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"media-snipper/internal/acquisition"

	"github.com/lrstanley/go-ytdlp"
)

const (
	DefaultFormat   = "best[ext=mp4]"
	progressEvery   = 500 * time.Millisecond
	toolName        = "yt-dlp"
	maxStderrLength = 4096
)

// Options configures the yt-dlp invocation.
type Options struct {
	Format   string
	CacheDir string
}

// YTDLP implements acquisition.Downloader on top of the yt-dlp binary.
type YTDLP struct {
	opts Options
}

var _ acquisition.Downloader = (*YTDLP)(nil)

// New returns a YTDLP downloader.
func New(opts Options) *YTDLP {
	if opts.Format == "" {
		opts.Format = DefaultFormat
	}
	return &YTDLP{opts: opts}
}

func (y *YTDLP) base() *ytdlp.Command {
	cmd := ytdlp.New().
		Format(y.opts.Format).
		NoPlaylist().
		ConcurrentFragments(1)
	if y.opts.CacheDir != "" {
		cmd = cmd.CacheDir(y.opts.CacheDir)
	}
	return cmd
}

// Probe implements acquisition.Downloader.Probe.
func (y *YTDLP) Probe(ctx context.Context, url string) (*acquisition.MediaInfo, error) {
	res, err := y.base().SkipDownload().DumpJSON().Run(ctx, url)
	if err != nil {
		return nil, toolError(res, err)
	}
	info, _, err := parseInfo(res.Stdout)
	if err != nil {
		return nil, &acquisition.ToolError{Tool: toolName, Err: err}
	}
	return info, nil
}

// Download implements acquisition.Downloader.Download.
func (y *YTDLP) Download(ctx context.Context, url, outputTemplate string, onUpdate func(acquisition.Update)) (*acquisition.Result, error) {
	cmd := y.base().
		Output(outputTemplate).
		PrintJSON()

	var (
		mu       sync.Mutex
		lastFile string
	)
	cmd.ProgressFunc(progressEvery, func(u ytdlp.ProgressUpdate) {
		if u.Filename != "" {
			mu.Lock()
			lastFile = u.Filename
			mu.Unlock()
		}
		update := acquisition.Update{
			Status:     string(u.Status),
			Downloaded: int64(u.DownloadedBytes),
			Total:      int64(u.TotalBytes),
			ETA:        u.ETA(),
			Filename:   u.Filename,
		}
		if !u.Started.IsZero() {
			if elapsed := time.Since(u.Started).Seconds(); elapsed > 0 {
				update.Speed = float64(u.DownloadedBytes) / elapsed
			}
		}
		onUpdate(update)
	})

	res, err := cmd.Run(ctx, url)
	if err != nil {
		return nil, toolError(res, err)
	}

	info, files, err := parseInfo(res.Stdout)
	if err != nil {
		return nil, &acquisition.ToolError{Tool: toolName, Err: err}
	}

	mu.Lock()
	last := lastFile
	mu.Unlock()
	return &acquisition.Result{Info: *info, Candidates: candidates(files, last, outputTemplate)}, nil
}

// candidates lists the paths the transfer may have written, most trusted
// first: paths reported in the final JSON, the last progress filename, then
// whatever matches the output template on disk.
func candidates(reported []string, lastFile, outputTemplate string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	for _, p := range reported {
		add(p)
	}
	add(lastFile)
	matches, _ := filepath.Glob(strings.Replace(outputTemplate, "%(ext)s", "*", 1))
	for _, p := range matches {
		add(p)
	}
	return out
}

// Version returns the installed yt-dlp version.
func Version(ctx context.Context) (string, error) {
	res, err := ytdlp.New().Version(ctx)
	if err != nil {
		return "", toolError(res, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

type infoJSON struct {
	Title              string   `json:"title"`
	Duration           *float64 `json:"duration"`
	Ext                string   `json:"ext"`
	Filename           string   `json:"_filename"`
	FilenameAlt        string   `json:"filename"`
	RequestedDownloads []struct {
		Filepath string `json:"filepath"`
		Filename string `json:"_filename"`
	} `json:"requested_downloads"`
}

// parseInfo reads the last JSON object yt-dlp printed and returns the media
// metadata plus every file path it mentions.
func parseInfo(stdout string) (*acquisition.MediaInfo, []string, error) {
	var last *infoJSON
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var v infoJSON
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			continue
		}
		last = &v
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read yt-dlp output: %w", err)
	}
	if last == nil {
		return nil, nil, fmt.Errorf("no metadata in yt-dlp output")
	}

	info := &acquisition.MediaInfo{Title: last.Title, Ext: last.Ext}
	if last.Duration != nil {
		info.Duration = *last.Duration
	}

	var files []string
	for _, rd := range last.RequestedDownloads {
		files = append(files, rd.Filepath, rd.Filename)
	}
	files = append(files, last.Filename, last.FilenameAlt)
	return info, files, nil
}

func toolError(res *ytdlp.Result, err error) error {
	te := &acquisition.ToolError{Tool: toolName, Err: err}
	if res != nil {
		te.Stderr = lastLines(res.Stderr, maxStderrLength)
	}
	return te
}

// lastLines trims s to at most max bytes, keeping the end.
func lastLines(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
