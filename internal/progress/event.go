package progress

import (
	"encoding/json"
	"fmt"
)

// Status tags a progress event.
type Status string

const (
	StatusStarted     Status = "started"
	StatusDownloading Status = "downloading"
	StatusFinished    Status = "finished"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
)

// Unknown is reported for speed or ETA the downloader cannot estimate.
const Unknown = "Unknown"

// Event is one progress notification for an acquisition job. Only the fields
// belonging to Status are encoded.
type Event struct {
	Status     Status
	Percent    int
	Downloaded int64
	Total      int64
	Speed      string
	ETA        string
	Duration   float64
	Title      string
	Error      string
}

func Started() Event  { return Event{Status: StatusStarted} }
func Finished() Event { return Event{Status: StatusFinished} }

// Downloading reports transfer progress. percent is clamped to 0..100.
func Downloading(percent int, downloaded, total int64, speed, eta string) Event {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if eta == "" {
		eta = Unknown
	}
	return Event{Status: StatusDownloading, Percent: percent, Downloaded: downloaded, Total: total, Speed: speed, ETA: eta}
}

func Complete(duration float64, title string) Event {
	return Event{Status: StatusComplete, Duration: duration, Title: title}
}

func Failed(msg string) Event {
	return Event{Status: StatusError, Error: msg}
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Status == StatusComplete || e.Status == StatusError
}

type downloadingWire struct {
	Status     Status `json:"status"`
	Percent    int    `json:"percent"`
	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total"`
	Speed      string `json:"speed"`
	ETA        string `json:"eta"`
}

type completeWire struct {
	Status   Status  `json:"status"`
	Duration float64 `json:"duration"`
	Title    string  `json:"title"`
}

type errorWire struct {
	Status Status `json:"status"`
	Error  string `json:"error"`
}

type statusWire struct {
	Status Status `json:"status"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Status {
	case StatusStarted, StatusFinished:
		return json.Marshal(statusWire{Status: e.Status})
	case StatusDownloading:
		return json.Marshal(downloadingWire{e.Status, e.Percent, e.Downloaded, e.Total, e.Speed, e.ETA})
	case StatusComplete:
		return json.Marshal(completeWire{e.Status, e.Duration, e.Title})
	case StatusError:
		return json.Marshal(errorWire{e.Status, e.Error})
	default:
		return nil, fmt.Errorf("unknown event status %q", e.Status)
	}
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w struct {
		Status     Status  `json:"status"`
		Percent    int     `json:"percent"`
		Downloaded int64   `json:"downloaded"`
		Total      int64   `json:"total"`
		Speed      string  `json:"speed"`
		ETA        string  `json:"eta"`
		Duration   float64 `json:"duration"`
		Title      string  `json:"title"`
		Error      string  `json:"error"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	switch w.Status {
	case StatusStarted, StatusDownloading, StatusFinished, StatusComplete, StatusError:
	default:
		return fmt.Errorf("unknown event status %q", w.Status)
	}
	*e = Event(w)
	return nil
}
