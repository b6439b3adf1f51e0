package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const projectsSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	url         TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	video_path  TEXT NOT NULL DEFAULT '',
	video_file  TEXT NOT NULL DEFAULT '',
	duration    REAL,
	title       TEXT NOT NULL DEFAULT '',
	segments    TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_projects_created_at ON projects(created_at);
`

const projectColumns = `id, name, url, created_at, video_path, video_file, duration, title, segments`

// SQLiteStore persists projects in a SQLite table. Segments are kept as a JSON column.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore prepares the schema on db and returns a store using it.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, projectsSchema); err != nil {
		return nil, fmt.Errorf("apply projects schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var (
		p         Project
		createdAt string
		duration  sql.NullFloat64
		segments  string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.URL, &createdAt, &p.VideoPath, &p.VideoFile, &duration, &p.Title, &segments); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", p.ID, err)
	}
	p.CreatedAt = t
	if duration.Valid {
		d := duration.Float64
		p.Duration = &d
	}
	if err := json.Unmarshal([]byte(segments), &p.Segments); err != nil {
		return nil, fmt.Errorf("decode segments for %s: %w", p.ID, err)
	}
	if p.Segments == nil {
		p.Segments = []Segment{}
	}
	return &p, nil
}

func encodeRow(p *Project) (createdAt string, duration sql.NullFloat64, segments string, err error) {
	segs := p.Segments
	if segs == nil {
		segs = []Segment{}
	}
	b, err := json.Marshal(segs)
	if err != nil {
		return "", duration, "", fmt.Errorf("encode segments: %w", err)
	}
	if p.Duration != nil {
		duration = sql.NullFloat64{Float64: *p.Duration, Valid: true}
	}
	return p.CreatedAt.UTC().Format(time.RFC3339Nano), duration, string(b), nil
}

// Create implements Store.Create.
func (s *SQLiteStore) Create(ctx context.Context, p *Project) error {
	createdAt, duration, segments, err := encodeRow(p)
	if err != nil {
		return err
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM projects WHERE id = ?`, p.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check project: %w", err)
	}
	if exists > 0 {
		return ErrExists
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.URL, createdAt, p.VideoPath, p.VideoFile, duration, p.Title, segments,
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// Get implements Store.Get.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

// List implements Store.List.
func (s *SQLiteStore) List(ctx context.Context) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	sortNewestFirst(out)
	return out, nil
}

// Update implements Store.Update. The transaction starts with a no-op write
// so the database write lock is held before the record is read.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*Project) error) (*Project, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE projects SET id = id WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("lock project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	p, err := scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.ID = id

	createdAt, duration, segments, err := encodeRow(p)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE projects SET name = ?, url = ?, created_at = ?, video_path = ?, video_file = ?,
			duration = ?, title = ?, segments = ? WHERE id = ?`,
		p.Name, p.URL, createdAt, p.VideoPath, p.VideoFile, duration, p.Title, segments, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return p, nil
}

// Delete implements Store.Delete.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
