package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/web3-uploader/interfaces"
)

// IPFSBackend adds files to an IPFS node through its RPC API.
type IPFSBackend struct {
	shell *shell.Shell
	api   string
	pin   bool
	log   *slog.Logger
}

// NewIPFSBackend connects to the node RPC API at host:port.
func NewIPFSBackend(api string, pin bool, timeout time.Duration, log *slog.Logger) *IPFSBackend {
	sh := shell.NewShell(api)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}
	return &IPFSBackend{
		shell: sh,
		api:   api,
		pin:   pin,
		log:   log,
	}
}

// Store streams the file to the node and returns its CID.
func (b *IPFSBackend) Store(ctx context.Context, file interfaces.FileRef, uploader string) (string, error) {
	start := time.Now()

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable", slog.String("api", b.api))
		return "", interfaces.ErrBackendUnavailable
	}

	f, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("could not open staged file: %w", err)
	}
	defer f.Close()

	cid, err := b.shell.Add(f, shell.Pin(b.pin))
	if err != nil {
		return "", fmt.Errorf("failed to add file to IPFS: %w", err)
	}

	b.log.Info("Stored file in IPFS",
		slog.String("uploader", uploader),
		slog.String("file", file.DisplayName()),
		slog.String("cid", cid),
		slog.Duration("duration", time.Since(start)))
	return cid, nil
}

// Name implements interfaces.StorageBackend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s", b.api)
}
