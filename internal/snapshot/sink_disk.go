package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DiskSink writes snapshots below a local directory.
type DiskSink struct {
	root string
}

// NewDiskSink returns a sink rooted at root, creating it when missing.
func NewDiskSink(root string) (*DiskSink, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("disk: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create root: %w", err)
	}
	return &DiskSink{root: abs}, nil
}

func (s *DiskSink) String() string { return "disk://" + filepath.ToSlash(s.root) }

// Root returns the directory snapshots are written to.
func (s *DiskSink) Root() string { return s.root }

// Put writes the object to a temporary file and renames it into place, so a
// partially written snapshot never appears under its final name.
func (s *DiskSink) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	dest, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("disk: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return fmt.Errorf("disk: create temp: %w", err)
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: body})
	if err != nil {
		cleanup()
		return fmt.Errorf("disk: write: %w", err)
	}
	if size >= 0 && n != size {
		cleanup()
		return fmt.Errorf("disk: short write: %d of %d bytes", n, size)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("disk: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("disk: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("disk: rename: %w", err)
	}
	return nil
}

// Remove deletes the object stored under key and prunes directories it
// leaves empty.
func (s *DiskSink) Remove(ctx context.Context, key string) error {
	dest, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil {
		return fmt.Errorf("disk: remove: %w", err)
	}
	for dir := filepath.Dir(dest); dir != s.root; dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

func (s *DiskSink) path(key string) (string, error) {
	dest := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(dest, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("disk: key %q escapes root", key)
	}
	return dest, nil
}
