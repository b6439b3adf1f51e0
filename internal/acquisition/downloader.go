package acquisition

import (
	"context"
	"errors"
	"time"
)

// Update statuses reported by a Downloader.
const (
	UpdateDownloading = "downloading"
	UpdateFinished    = "finished"
)

// MediaInfo is the metadata a downloader resolves for a URL.
type MediaInfo struct {
	Title    string
	Duration float64
	Ext      string
}

// Update is one progress callback from a running transfer.
type Update struct {
	Status     string
	Downloaded int64
	Total      int64
	// Speed in bytes per second, 0 when unknown.
	Speed float64
	// ETA is 0 when unknown.
	ETA      time.Duration
	Filename string
}

// Result describes a completed transfer. Candidates are the paths the
// downloader may have written, most likely first.
type Result struct {
	Info       MediaInfo
	Candidates []string
}

// Downloader fetches remote media.
type Downloader interface {
	// Probe resolves metadata without transferring media.
	Probe(ctx context.Context, url string) (*MediaInfo, error)
	// Download transfers the media to outputTemplate, calling onUpdate as
	// progress is made. onUpdate may be called from another goroutine.
	Download(ctx context.Context, url, outputTemplate string, onUpdate func(Update)) (*Result, error)
}

var (
	// ErrFileNotFound is returned when none of the downloader's candidate files exist.
	ErrFileNotFound = errors.New("downloaded file not found")

	// ErrBusy is returned by Start when the worker pool cannot take another job.
	ErrBusy = errors.New("acquisition workers busy")
)

// ToolError wraps a failed external tool invocation.
type ToolError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Stderr != "" {
		return e.Tool + " error: " + e.Stderr
	}
	return e.Tool + " error: " + e.Err.Error()
}

func (e *ToolError) Unwrap() error { return e.Err }
