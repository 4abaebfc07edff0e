package interfaces

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// FileRef points at a completely received file staged on local disk.
type FileRef struct {
	// ID is the upload session id the file belongs to.
	ID string

	// Path is the absolute or working-directory relative location of the file.
	Path string

	// Filename is the client supplied name, informational only.
	Filename string

	// Size in bytes, zero if unknown.
	Size int64
}

// Open opens the staged file for reading.
func (f FileRef) Open() (*os.File, error) {
	return os.Open(f.Path)
}

// DisplayName returns the client supplied name or the base name of the staged file.
func (f FileRef) DisplayName() string {
	if f.Filename != "" {
		return f.Filename
	}
	return filepath.Base(f.Path)
}

// StorageBackend persists a file to a content-addressed storage provider.
type StorageBackend interface {
	// Store uploads the file and returns its content identifier.
	// Calling Store repeatedly with the same file must be safe.
	Store(ctx context.Context, file FileRef, uploader string) (string, error)

	// Name returns identifier for logging.
	Name() string
}

var (
	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrBackendMisconfigured is returned when a backend lacks required settings.
	ErrBackendMisconfigured = errors.New("storage backend misconfigured")

	// ErrUnknownBackend is returned for backend names missing from the registry.
	ErrUnknownBackend = errors.New("unknown storage backend")
)
