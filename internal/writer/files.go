package writer

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lriba/testweaver/pkg/models"
)

// FileStore writes generated artifacts into the framework root. Paths in
// file specs are relative to that root; anything escaping it is rejected.
type FileStore struct {
	root   string
	logger *slog.Logger
}

func NewFileStore(root string, logger *slog.Logger) *FileStore {
	return &FileStore{root: root, logger: logger}
}

// Root returns the framework root directory.
func (s *FileStore) Root() string {
	return s.root
}

// Write persists each file atomically and returns the relative paths written.
func (s *FileStore) Write(files []models.FileSpec) ([]string, error) {
	paths := make([]string, 0, len(files))
	for _, f := range files {
		abs, err := s.resolve(f.Path)
		if err != nil {
			return nil, err
		}
		if err := WriteFileAtomic(abs, []byte(f.FileContent)); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
		s.logger.Debug("Wrote file", "path", f.Path)
		paths = append(paths, f.Path)
	}
	return paths, nil
}

// Read loads a framework file back into a spec, e.g. when rehydrating model
// sources for a resumed run.
func (s *FileStore) Read(relPath string) (models.FileSpec, error) {
	abs, err := s.resolve(relPath)
	if err != nil {
		return models.FileSpec{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return models.FileSpec{}, fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	return models.FileSpec{Path: relPath, FileContent: string(data)}, nil
}

// Exists reports whether a relative path is present under the root.
func (s *FileStore) Exists(relPath string) bool {
	abs, err := s.resolve(relPath)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(abs)
	return statErr == nil
}

// CopyTemplate copies a framework skeleton into the root, skipping files
// that already exist so reruns never clobber generated work.
func (s *FileStore) CopyTemplate(templateDir string) error {
	return filepath.WalkDir(templateDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(templateDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(s.root, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if _, err := os.Stat(target); err == nil {
			s.logger.Debug("Skipping existing template file", "path", rel)
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read template file %s: %w", rel, err)
		}
		if err := WriteFileAtomic(target, data); err != nil {
			return fmt.Errorf("failed to copy template file %s: %w", rel, err)
		}
		return nil
	})
}

func (s *FileStore) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("empty file path")
	}
	clean := filepath.Clean(relPath)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("file path %q escapes the framework root", relPath)
	}
	return filepath.Join(s.root, clean), nil
}
