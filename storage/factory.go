package storage

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/ruteri/web3-uploader/config"
	"github.com/ruteri/web3-uploader/interfaces"
)

// Constructor builds a backend from the configuration document.
type Constructor func(cfg *config.Config, log *slog.Logger) (interfaces.StorageBackend, error)

// Factory maps storage provider names to constructors.
type Factory struct {
	constructors map[string]Constructor
	log          *slog.Logger
}

// NewFactory returns a factory with every built-in provider registered.
func NewFactory(log *slog.Logger) *Factory {
	f := &Factory{
		constructors: make(map[string]Constructor),
		log:          log,
	}
	f.Register("ipfs_node", newIPFSFromConfig)
	f.Register("ipfs", newIPFSFromConfig)
	f.Register("web3storage", newWeb3StorageFromConfig)
	f.Register("estuary", newEstuaryFromConfig)
	f.Register("s3", newS3FromConfig)
	f.Register("file", newFileFromConfig)
	return f
}

// Register adds or replaces a provider.
func (f *Factory) Register(name string, c Constructor) {
	f.constructors[strings.ToLower(name)] = c
}

// Names returns the registered provider names, sorted.
func (f *Factory) Names() []string {
	names := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the backends listed in cfg.StorageProviders, in order.
// Any unknown name or constructor failure aborts.
func (f *Factory) Build(cfg *config.Config) ([]interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(cfg.StorageProviders))
	for _, name := range cfg.StorageProviders {
		c, ok := f.constructors[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("%w: %q (known: %s)", interfaces.ErrUnknownBackend, name, strings.Join(f.Names(), ", "))
		}

		backend, err := c(cfg, f.log)
		if err != nil {
			return nil, fmt.Errorf("could not create storage provider %s: %w", name, err)
		}

		f.log.Debug("Created storage backend", slog.String("provider", name), slog.String("backend", backend.Name()))
		backends = append(backends, backend)
	}
	return backends, nil
}

func newIPFSFromConfig(cfg *config.Config, log *slog.Logger) (interfaces.StorageBackend, error) {
	return NewIPFSBackend(cfg.IPFS.API, cfg.IPFS.Pin, cfg.IPFS.Timeout, log), nil
}

func newWeb3StorageFromConfig(cfg *config.Config, log *slog.Logger) (interfaces.StorageBackend, error) {
	return NewWeb3StorageBackend(cfg.Web3Storage.Endpoint, cfg.Web3Storage.Token, cfg.Web3Storage.Timeout, log)
}

func newEstuaryFromConfig(cfg *config.Config, log *slog.Logger) (interfaces.StorageBackend, error) {
	return NewEstuaryBackend(EstuaryOptions{
		Endpoint:     cfg.Estuary.Endpoint,
		Token:        cfg.Estuary.Token,
		CollectionID: cfg.Estuary.CollectionID,
		Replication:  cfg.Estuary.Replication,
		DownloadRoot: cfg.UploadEndpointRoot,
		Timeout:      cfg.Estuary.Timeout,
	}, log)
}

func newS3FromConfig(cfg *config.Config, log *slog.Logger) (interfaces.StorageBackend, error) {
	return NewS3Backend(S3Options{
		Bucket:    cfg.S3.Bucket,
		Prefix:    cfg.S3.Prefix,
		Region:    cfg.S3.Region,
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		PathStyle: cfg.S3.PathStyle,
	}, log)
}

func newFileFromConfig(cfg *config.Config, log *slog.Logger) (interfaces.StorageBackend, error) {
	return NewFileBackend(cfg.File.Dir, log)
}
