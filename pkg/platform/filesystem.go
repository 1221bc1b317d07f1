package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSystemProvider abstracts file access for plugin storage. Paths are
// always relative to the provider's root.
type FileSystemProvider interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Remove(path string) error
	MkdirAll(path string) error
	List(path string) ([]string, error)
	Exists(path string) (bool, error)
}

// OSFileSystem serves files under a fixed root directory. Absolute paths
// and paths escaping the root are rejected.
type OSFileSystem struct {
	root string
}

func NewOSFileSystem(root string) (*OSFileSystem, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create filesystem root: %w", err)
	}
	return &OSFileSystem{root: root}, nil
}

func (fs *OSFileSystem) Root() string { return fs.root }

func (fs *OSFileSystem) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute path not allowed: %s", path)
	}
	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes storage root: %s", path)
	}
	return filepath.Join(fs.root, cleaned), nil
}

func (fs *OSFileSystem) ReadFile(path string) ([]byte, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

func (fs *OSFileSystem) WriteFile(path string, data []byte) error {
	full, err := fs.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.WriteFile(full, data, 0644)
}

func (fs *OSFileSystem) Remove(path string) error {
	full, err := fs.resolve(path)
	if err != nil {
		return err
	}
	return os.Remove(full)
}

func (fs *OSFileSystem) MkdirAll(path string) error {
	full, err := fs.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0755)
}

func (fs *OSFileSystem) List(path string) ([]string, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

func (fs *OSFileSystem) Exists(path string) (bool, error) {
	full, err := fs.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
