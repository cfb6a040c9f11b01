package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// LocalStorage keeps files on the local filesystem, one directory per owner.
// Each file is stored under its uuid with a JSON metadata sidecar, so the
// original (untrusted) filename never touches the filesystem.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the store rooted at basePath.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (s *LocalStorage) filePath(ownerID, fileID uuid.UUID) string {
	return filepath.Join(s.basePath, ownerID.String(), fileID.String())
}

func (s *LocalStorage) metaPath(ownerID, fileID uuid.UUID) string {
	return s.filePath(ownerID, fileID) + ".json"
}

func (s *LocalStorage) Upload(_ context.Context, ownerID uuid.UUID, filename string, contentType string, r io.Reader) (*FileInfo, error) {
	fileID := uuid.New()

	ownerDir := filepath.Join(s.basePath, ownerID.String())
	if err := os.MkdirAll(ownerDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating owner directory: %w", err)
	}

	path := s.filePath(ownerID, fileID)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	size, err := io.Copy(f, r)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing file: %w", err)
	}

	info := &FileInfo{
		ID:          fileID,
		Name:        filename,
		Size:        size,
		ContentType: contentType,
		Path:        fileID.String(),
		CreatedAt:   time.Now().UTC(),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	if err := os.WriteFile(s.metaPath(ownerID, fileID), meta, 0o644); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing metadata: %w", err)
	}
	return info, nil
}

func (s *LocalStorage) GetReader(_ context.Context, ownerID uuid.UUID, fileID uuid.UUID) (io.ReadCloser, error) {
	f, err := os.Open(s.filePath(ownerID, fileID))
	if os.IsNotExist(err) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

func (s *LocalStorage) GetInfo(_ context.Context, ownerID uuid.UUID, fileID uuid.UUID) (*FileInfo, error) {
	data, err := os.ReadFile(s.metaPath(ownerID, fileID))
	if os.IsNotExist(err) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	var info FileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return &info, nil
}

func (s *LocalStorage) Delete(_ context.Context, ownerID uuid.UUID, fileID uuid.UUID) error {
	if err := os.Remove(s.filePath(ownerID, fileID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting file: %w", err)
	}
	_ = os.Remove(s.metaPath(ownerID, fileID))
	return nil
}
