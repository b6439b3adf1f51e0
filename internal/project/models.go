package project

import "time"

// DefaultName is given to projects created without a name. The acquisition
// job replaces it with the media title.
const DefaultName = "Untitled Project"

// Segment is a time range cut out of the source media, in seconds.
type Segment struct {
	ID    string  `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Project is the persisted state of one media project.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	VideoPath string    `json:"video_path,omitempty"`
	VideoFile string    `json:"video_file,omitempty"`
	Duration  *float64  `json:"duration,omitempty"`
	Title     string    `json:"title,omitempty"`
	Segments  []Segment `json:"segments"`
}

// HasDefaultName reports whether the name may still be replaced by the media title.
func (p *Project) HasDefaultName() bool {
	return p.Name == "" || p.Name == DefaultName
}

// Clone returns a deep copy of p.
func (p *Project) Clone() *Project {
	c := *p
	if p.Duration != nil {
		d := *p.Duration
		c.Duration = &d
	}
	c.Segments = make([]Segment, len(p.Segments))
	copy(c.Segments, p.Segments)
	return &c
}
