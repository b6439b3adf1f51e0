package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"media-snipper/internal/platform/metrics"
	"media-snipper/internal/storage"

	"github.com/google/uuid"
)

// ValidationError reports a rejected client write.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// CreateInput is the body of a create request.
type CreateInput struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// UpdateInput is a partial update. Nil fields are left unchanged; Segments
// replaces the whole list when present.
type UpdateInput struct {
	Name     *string    `json:"name,omitempty"`
	URL      *string    `json:"url,omitempty"`
	Segments *[]Segment `json:"segments,omitempty"`
}

// Service applies validation and defaults and delegates persistence to a Store.
type Service struct {
	store   Store
	layout  *storage.Layout
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService returns a Service over store. Metrics may be nil.
func NewService(store Store, layout *storage.Layout, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{store: store, layout: layout, log: log, metrics: m, now: time.Now}
}

// Store returns the underlying project store.
func (s *Service) Store() Store {
	return s.store
}

// Create registers a new project for a media URL.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Project, error) {
	url := strings.TrimSpace(in.URL)
	if url == "" {
		return nil, &ValidationError{Field: "url", Message: "URL is required"}
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = DefaultName
	}

	p := &Project{
		ID:        uuid.NewString(),
		Name:      name,
		URL:       url,
		CreatedAt: s.now().UTC(),
		Segments:  []Segment{},
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	s.log.Info("project created", slog.String("project_id", p.ID), slog.String("url", p.URL))
	if s.metrics != nil {
		s.metrics.IncProjectsCreated()
	}
	return p, nil
}

// Get returns the project or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Project, error) {
	return s.store.Get(ctx, id)
}

// List returns all projects, newest first.
func (s *Service) List(ctx context.Context) ([]*Project, error) {
	return s.store.List(ctx)
}

// Update applies a partial update. Segment writes are validated and missing
// segment ids are generated; segment order is kept as given.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*Project, error) {
	var segs []Segment
	if in.Segments != nil {
		var err error
		if segs, err = normalizeSegments(*in.Segments); err != nil {
			return nil, err
		}
	}
	if in.URL != nil && strings.TrimSpace(*in.URL) == "" {
		return nil, &ValidationError{Field: "url", Message: "URL must not be empty"}
	}

	return s.store.Update(ctx, id, func(p *Project) error {
		if in.Name != nil {
			p.Name = strings.TrimSpace(*in.Name)
			if p.Name == "" {
				p.Name = DefaultName
			}
		}
		if in.URL != nil {
			p.URL = strings.TrimSpace(*in.URL)
		}
		if in.Segments != nil {
			p.Segments = segs
		}
		return nil
	})
}

// Delete removes the record and the project directory with all its media.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.layout.RemoveProject(id); err != nil {
		s.log.Warn("remove project dir failed", slog.String("project_id", id), slog.String("error", err.Error()))
	}
	s.log.Info("project deleted", slog.String("project_id", id))
	return nil
}

func normalizeSegments(in []Segment) ([]Segment, error) {
	out := make([]Segment, 0, len(in))
	for i, seg := range in {
		field := fmt.Sprintf("segments[%d]", i)
		if seg.Start < 0 {
			return nil, &ValidationError{Field: field, Message: "start must not be negative"}
		}
		if seg.End <= seg.Start {
			return nil, &ValidationError{Field: field, Message: "end must be greater than start"}
		}
		if seg.ID == "" {
			seg.ID = uuid.NewString()
		}
		out = append(out, seg)
	}
	return out, nil
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
