package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/web3-uploader/interfaces"
)

// FileBackend keeps a content-addressed copy of every file in a local directory.
type FileBackend struct {
	baseDir string
	log     *slog.Logger
}

// NewFileBackend creates baseDir if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("%w: file backend directory not set", interfaces.ErrBackendMisconfigured)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBackend{baseDir: baseDir, log: log}, nil
}

// Store copies the file to baseDir/<sha256> and returns the hex digest.
func (b *FileBackend) Store(ctx context.Context, file interfaces.FileRef, uploader string) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("could not open staged file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(b.baseDir, ".incoming-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), src); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	digest := hex.EncodeToString(h.Sum(nil))
	target := filepath.Join(b.baseDir, digest)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}

	b.log.Debug("Stored file in directory",
		slog.String("uploader", uploader),
		slog.String("path", target))
	return digest, nil
}

// Name implements interfaces.StorageBackend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}
