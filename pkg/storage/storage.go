// Package storage keeps the raw uploaded statement files. Jobs reference
// files by id; the bytes stay available for reprocessing and retries for as
// long as the job exists.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// ErrFileNotFound is returned when a file id is unknown for the owner.
var ErrFileNotFound = errors.New("stored file not found")

// FileInfo contains metadata about a stored file
type FileInfo struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	Path        string    `json:"path"` // Internal storage path
	CreatedAt   time.Time `json:"created_at"`
}

// Storage is what the import pipeline needs from a file store: write the
// upload once, stream it back any number of times, drop it when the job is
// purged.
type Storage interface {
	// Upload stores a file and returns its metadata
	Upload(ctx context.Context, ownerID uuid.UUID, filename string, contentType string, r io.Reader) (*FileInfo, error)

	// GetReader returns a reader for a stored file
	GetReader(ctx context.Context, ownerID uuid.UUID, fileID uuid.UUID) (io.ReadCloser, error)

	// GetInfo returns metadata without reading the file
	GetInfo(ctx context.Context, ownerID uuid.UUID, fileID uuid.UUID) (*FileInfo, error)

	// Delete removes a stored file
	Delete(ctx context.Context, ownerID uuid.UUID, fileID uuid.UUID) error
}
