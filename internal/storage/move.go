package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MoveInto moves src to dst, replacing any existing dst atomically.
// When a rename is not possible (e.g. across filesystems) the file is copied
// to a sibling temp file and renamed into place.
func MoveInto(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	if err := os.Rename(src, dst); err == nil {
		return nil
	} else if errors.Is(err, os.ErrNotExist) {
		return err
	}

	part := dst + ".part"
	if err := copyFile(src, part); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	if err := os.Rename(part, dst); err != nil {
		_ = os.Remove(part)
		return fmt.Errorf("rename into place: %w", err)
	}
	_ = os.Remove(src)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
