package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File names inside a project directory.
const (
	MetaFile   = "meta.json"
	SourceBase = "video"
	OutputFile = "output.mp4"
)

// Layout resolves on-disk locations for project data and job scratch space.
type Layout struct {
	ProjectsDir string
	TempDir     string
}

// NewLayout returns a Layout rooted at projectsDir with job scratch space under tempDir.
func NewLayout(projectsDir, tempDir string) *Layout {
	return &Layout{ProjectsDir: projectsDir, TempDir: tempDir}
}

// ProjectDir returns the directory holding a project's files.
func (l *Layout) ProjectDir(id string) string {
	return filepath.Join(l.ProjectsDir, id)
}

// EnsureProjectDir creates the project directory if needed.
func (l *Layout) EnsureProjectDir(id string) error {
	return os.MkdirAll(l.ProjectDir(id), 0755)
}

// SourceName returns the canonical file name for acquired media with the given extension.
func SourceName(ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "mp4"
	}
	return SourceBase + "." + ext
}

// FilePath returns the path of name inside the project directory.
// Names that would escape the directory are rejected.
func (l *Layout) FilePath(id, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(l.ProjectDir(id), name), nil
}

// SourcePath returns the path of the acquired media file named videoFile.
func (l *Layout) SourcePath(id, videoFile string) string {
	return filepath.Join(l.ProjectDir(id), videoFile)
}

// OutputPath returns the path of the export artifact.
func (l *Layout) OutputPath(id string) string {
	return filepath.Join(l.ProjectDir(id), OutputFile)
}

// PublicPath returns the URL path under which a project file is served.
func PublicPath(id, name string) string {
	return "/projects/" + id + "/" + name
}

// JobTempDir returns the scratch directory of one acquisition job. Jobs for
// the same project get separate directories keyed by their lease token.
func (l *Layout) JobTempDir(id, token string) string {
	return filepath.Join(l.TempDir, id, token)
}

// RemoveJobTempDir deletes a job's scratch directory, and the project's
// scratch parent once no other job is using it.
func (l *Layout) RemoveJobTempDir(id, token string) error {
	if err := os.RemoveAll(l.JobTempDir(id, token)); err != nil {
		return err
	}
	// Fails while another job of the project still holds a directory.
	_ = os.Remove(filepath.Join(l.TempDir, id))
	return nil
}

// RemoveProject deletes the project directory and everything in it.
func (l *Layout) RemoveProject(id string) error {
	if id == "" {
		return fmt.Errorf("empty project id")
	}
	return os.RemoveAll(l.ProjectDir(id))
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
