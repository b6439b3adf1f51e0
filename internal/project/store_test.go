package project

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"media-snipper/internal/platform/database"
)

type storeFactory func(t *testing.T) Store

func storeBackends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir())
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) Store {
			db, err := database.Open(filepath.Join(t.TempDir(), "projects.db"))
			if err != nil {
				t.Fatalf("database.Open: %v", err)
			}
			t.Cleanup(func() { db.Close() })
			s, err := NewSQLiteStore(context.Background(), db)
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return s
		},
	}
}

func sampleProject(id string, created time.Time) *Project {
	d := 42.5
	return &Project{
		ID:        id,
		Name:      "Clip",
		URL:       "https://example.com/watch?v=" + id,
		CreatedAt: created,
		VideoPath: "/projects/" + id + "/video.mp4",
		VideoFile: "video.mp4",
		Duration:  &d,
		Title:     "A title",
		Segments:  []Segment{{ID: "s2", Start: 10, End: 12}, {ID: "s1", Start: 0, End: 5}},
	}
}

func assertSameProject(t *testing.T, got, want *Project) {
	t.Helper()
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	g, w := *got, *want
	g.CreatedAt, w.CreatedAt = time.Time{}, time.Time{}
	gb, _ := json.Marshal(g)
	wb, _ := json.Marshal(w)
	if string(gb) != string(wb) {
		t.Errorf("project mismatch:\n got  %s\n want %s", gb, wb)
	}
}

func TestStore_round_trip(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			want := sampleProject("p1", time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC))

			if err := s.Create(ctx, want); err != nil {
				t.Fatalf("Create: %v", err)
			}
			got, err := s.Get(ctx, "p1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			assertSameProject(t, got, want)

			if err := s.Create(ctx, want); !errors.Is(err, ErrExists) {
				t.Errorf("duplicate Create: expected ErrExists, got %v", err)
			}

			if err := s.Delete(ctx, "p1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := s.Get(ctx, "p1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete: expected ErrNotFound, got %v", err)
			}
			if err := s.Delete(ctx, "p1"); !errors.Is(err, ErrNotFound) {
				t.Errorf("second Delete: expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_List_newest_first(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			offsets := map[string]time.Duration{"old": 0, "mid": time.Hour, "new": 2 * time.Hour}
			for _, id := range []string{"old", "new", "mid"} {
				if err := s.Create(ctx, sampleProject(id, base.Add(offsets[id]))); err != nil {
					t.Fatalf("Create %s: %v", id, err)
				}
			}

			ps, err := s.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(ps) != 3 {
				t.Fatalf("expected 3 projects, got %d", len(ps))
			}
			for i, want := range []string{"new", "mid", "old"} {
				if ps[i].ID != want {
					t.Errorf("List[%d] = %s, want %s", i, ps[i].ID, want)
				}
			}
		})
	}
}

func TestStore_Update(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			if err := s.Create(ctx, &Project{ID: "p1", Name: DefaultName, URL: "u", CreatedAt: time.Now().UTC(), Segments: []Segment{}}); err != nil {
				t.Fatalf("Create: %v", err)
			}

			updated, err := s.Update(ctx, "p1", func(p *Project) error {
				p.Name = "Renamed"
				d := 9.0
				p.Duration = &d
				return nil
			})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			if updated.Name != "Renamed" || updated.Duration == nil || *updated.Duration != 9 {
				t.Errorf("unexpected update result: %+v", updated)
			}

			got, _ := s.Get(ctx, "p1")
			if got.Name != "Renamed" {
				t.Errorf("update not persisted: %+v", got)
			}

			boom := errors.New("boom")
			if _, err := s.Update(ctx, "p1", func(p *Project) error {
				p.Name = "discarded"
				return boom
			}); !errors.Is(err, boom) {
				t.Errorf("expected fn error, got %v", err)
			}
			got, _ = s.Get(ctx, "p1")
			if got.Name != "Renamed" {
				t.Errorf("failed update must not write, name = %s", got.Name)
			}

			if _, err := s.Update(ctx, "missing", func(*Project) error { return nil }); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_Update_concurrent(t *testing.T) {
	for name, newStore := range storeBackends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)
			if err := s.Create(ctx, &Project{ID: "p1", Name: "n", URL: "u", CreatedAt: time.Now().UTC()}); err != nil {
				t.Fatalf("Create: %v", err)
			}

			const n = 10
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := s.Update(ctx, "p1", func(p *Project) error {
						p.Segments = append(p.Segments, Segment{ID: "x", Start: 0, End: 1})
						return nil
					}); err != nil {
						t.Errorf("Update: %v", err)
					}
				}()
			}
			wg.Wait()

			got, _ := s.Get(ctx, "p1")
			if len(got.Segments) != n {
				t.Errorf("expected %d segments after concurrent updates, got %d", n, len(got.Segments))
			}
		})
	}
}

func TestMemoryStore_returns_copies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := sampleProject("p1", time.Now().UTC())
	if err := s.Create(ctx, p); err != nil {
		t.Fatal(err)
	}

	p.Segments[0].Start = 99
	got, _ := s.Get(ctx, "p1")
	got.Name = "mutated"
	*got.Duration = 1

	again, _ := s.Get(ctx, "p1")
	if again.Name != "Clip" || *again.Duration != 42.5 || again.Segments[0].Start != 10 {
		t.Errorf("store state leaked to caller: %+v", again)
	}
}

func TestFileStore_rejects_path_ids(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.Create(ctx, &Project{ID: "../escape"}); err == nil {
		t.Error("expected error for traversal id")
	}
	if _, err := s.Get(ctx, ".locks"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for hidden id, got %v", err)
	}
}
