package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/web3-uploader/interfaces"
)

// Web3StorageBackend uploads files to the web3.storage HTTP API.
type Web3StorageBackend struct {
	endpoint string
	token    string
	client   *http.Client
	log      *slog.Logger
}

// NewWeb3StorageBackend fails when no token is configured.
func NewWeb3StorageBackend(endpoint, token string, timeout time.Duration, log *slog.Logger) (*Web3StorageBackend, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: web3.storage requires a token", interfaces.ErrBackendMisconfigured)
	}
	return &Web3StorageBackend{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}, nil
}

// Store implements interfaces.StorageBackend.
func (b *Web3StorageBackend) Store(ctx context.Context, file interfaces.FileRef, uploader string) (string, error) {
	start := time.Now()

	f, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("could not open staged file: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+"/upload", f)
	if err != nil {
		return "", fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Name", url.PathEscape(file.DisplayName()))
	if file.Size > 0 {
		req.ContentLength = file.Size
	}

	cid, err := doCIDRequest(b.client, req)
	if err != nil {
		return "", fmt.Errorf("web3.storage upload failed: %w", err)
	}

	b.log.Info("Stored file in web3.storage",
		slog.String("uploader", uploader),
		slog.String("file", file.DisplayName()),
		slog.String("cid", cid),
		slog.Duration("duration", time.Since(start)))
	return cid, nil
}

// Name implements interfaces.StorageBackend.
func (b *Web3StorageBackend) Name() string {
	return "web3storage"
}
