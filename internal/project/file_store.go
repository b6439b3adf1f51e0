package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

const (
	metaFileName  = "meta.json"
	locksDirName  = ".locks"
	lockRetryStep = 20 * time.Millisecond
)

// FileStore keeps one meta.json per project directory under root.
// Writes go through a temp file and rename, and are serialized across
// processes with an advisory lock per project. Reads always hit the disk.
type FileStore struct {
	root string
}

// NewFileStore returns a FileStore rooted at root, creating it if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(root, locksDirName), 0755); err != nil {
		return nil, fmt.Errorf("create store dirs: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) metaPath(id string) string {
	return filepath.Join(s.root, id, metaFileName)
}

// lock takes the per-project write lock; the returned func releases it.
func (s *FileStore) lock(ctx context.Context, id string) (func(), error) {
	fl := flock.New(filepath.Join(s.root, locksDirName, id+".lock"))
	ok, err := fl.TryLockContext(ctx, lockRetryStep)
	if err != nil {
		return nil, fmt.Errorf("lock project %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock project %s: %w", id, ctx.Err())
	}
	return func() { _ = fl.Unlock() }, nil
}

func validID(id string) bool {
	return id != "" && id == filepath.Base(id) && !strings.HasPrefix(id, ".")
}

// Create implements Store.Create.
func (s *FileStore) Create(ctx context.Context, p *Project) error {
	if !validID(p.ID) {
		return fmt.Errorf("invalid project id %q", p.ID)
	}
	unlock, err := s.lock(ctx, p.ID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(s.metaPath(p.ID)); err == nil {
		return ErrExists
	}
	if err := os.MkdirAll(filepath.Dir(s.metaPath(p.ID)), 0755); err != nil {
		return fmt.Errorf("create project dir: %w", err)
	}
	return s.write(p)
}

// Get implements Store.Get.
func (s *FileStore) Get(_ context.Context, id string) (*Project, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	return s.read(id)
}

// List implements Store.List.
func (s *FileStore) List(_ context.Context) ([]*Project, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read projects dir: %w", err)
	}

	out := make([]*Project, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || !validID(e.Name()) {
			continue
		}
		p, err := s.read(e.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sortNewestFirst(out)
	return out, nil
}

// Update implements Store.Update.
func (s *FileStore) Update(ctx context.Context, id string, fn func(*Project) error) (*Project, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.ID = id
	if err := s.write(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Delete implements Store.Delete. Only the metadata file is removed; media
// files in the project directory are left to the caller.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if err := os.Remove(s.metaPath(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("remove metadata: %w", err)
	}
	return nil
}

func (s *FileStore) read(id string) (*Project, error) {
	b, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var p Project
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", id, err)
	}
	if p.Segments == nil {
		p.Segments = []Segment{}
	}
	return &p, nil
}

func (s *FileStore) write(p *Project) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	path := s.metaPath(p.ID)
	tmp, err := os.CreateTemp(filepath.Dir(path), metaFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp metadata: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace metadata: %w", err)
	}
	return nil
}
