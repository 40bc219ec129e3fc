package identity

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type fileRecord struct {
	PairedUUID string `yaml:"paired_uuid"`
}

// FileStore keeps the identity in a small YAML file.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the file at path. The file and its
// directory are created on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("identity: read %s: %w", s.path, err)
	}

	var rec fileRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("identity: parse %s: %w", s.path, err)
	}
	if rec.PairedUUID == "" {
		return "", ErrNotFound
	}
	return rec.PairedUUID, nil
}

func (s *FileStore) Save(_ context.Context, id string) error {
	data, err := yaml.Marshal(fileRecord{PairedUUID: id})
	if err != nil {
		return fmt.Errorf("identity: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("identity: create dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("identity: remove %s: %w", s.path, err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
