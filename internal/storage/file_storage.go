package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileStorage resolves and prepares output locations for downloads. Relative
// names are resolved against the base directory.
type FileStorage struct {
	dir string
}

// NewFileStorage creates a new FileStorage rooted at dir.
func NewFileStorage(dir string) *FileStorage {
	return &FileStorage{dir: dir}
}

// Resolve returns name joined to the base directory unless it is absolute.
func (s *FileStorage) Resolve(name string) string {
	if filepath.IsAbs(name) || s.dir == "" {
		return filepath.Clean(name)
	}
	return filepath.Join(s.dir, name)
}

// EnsureDir creates the directory (and parents) if it does not exist yet.
func (s *FileStorage) EnsureDir(dir string) error {
	path := s.Resolve(dir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create output directory %s: %w", path, err)
	}
	return nil
}

// FileExists checks whether a regular file exists.
func (s *FileStorage) FileExists(name string) bool {
	info, err := os.Stat(s.Resolve(name))
	return err == nil && !info.IsDir()
}

// GetFileSize returns the size of the file in bytes.
func (s *FileStorage) GetFileSize(name string) (int64, error) {
	info, err := os.Stat(s.Resolve(name))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
