package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/ruteri/web3-uploader/auth"
	"github.com/tus/tusd/v2/pkg/filestore"
	tusd "github.com/tus/tusd/v2/pkg/handler"
	"github.com/tus/tusd/v2/pkg/memorylocker"
)

// TusOptions configures the embedded tus server.
type TusOptions struct {
	// Dir is where partial and complete uploads are staged.
	Dir string
	// BasePath is the URL prefix the handler is mounted at, e.g. /upload/.
	BasePath string
	// MaxSize limits a single upload in bytes, zero for no limit.
	MaxSize int64
}

// TusSource runs an embedded tusd handler and forwards its lifecycle
// notifications to an Adapter.
type TusSource struct {
	handler  *tusd.Handler
	adapter  *Adapter
	basePath string
	log      *slog.Logger
}

// NewTusSource creates the filestore in opts.Dir and the tusd handler on top of it.
func NewTusSource(opts TusOptions, adapter *Adapter, log *slog.Logger) (*TusSource, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create upload directory: %w", err)
	}
	basePath := "/" + strings.Trim(opts.BasePath, "/") + "/"

	store := filestore.New(opts.Dir)
	locker := memorylocker.New()
	composer := tusd.NewStoreComposer()
	store.UseIn(composer)
	locker.UseIn(composer)

	handler, err := tusd.NewHandler(tusd.Config{
		BasePath:                basePath,
		StoreComposer:           composer,
		MaxSize:                 opts.MaxSize,
		NotifyCreatedUploads:    true,
		NotifyUploadProgress:    true,
		NotifyCompleteUploads:   true,
		NotifyTerminatedUploads: true,
		RespectForwardedHeaders: true,
		Logger:                  log.With("component", "tusd"),
	})
	if err != nil {
		return nil, fmt.Errorf("could not create tus handler: %w", err)
	}

	return &TusSource{
		handler:  handler,
		adapter:  adapter,
		basePath: basePath,
		log:      log,
	}, nil
}

// BasePath returns the normalized mount prefix.
func (s *TusSource) BasePath() string {
	return s.basePath
}

// Handler returns the tus protocol handler to mount at BasePath, with or
// without the trailing slash.
func (s *TusSource) Handler() http.Handler {
	withSlash := http.StripPrefix(s.basePath, s.handler)
	withoutSlash := http.StripPrefix(strings.TrimSuffix(s.basePath, "/"), s.handler)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, s.basePath) {
			withSlash.ServeHTTP(w, r)
			return
		}
		withoutSlash.ServeHTTP(w, r)
	})
}

// Run pumps tusd notifications into the adapter until ctx is cancelled.
func (s *TusSource) Run(ctx context.Context) error {
	for {
		var ev Event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case hook := <-s.handler.CreatedUploads:
			ev = CreatedFromHook(hook)
		case hook := <-s.handler.UploadProgress:
			ev = ProgressFromHook(hook)
		case hook := <-s.handler.CompleteUploads:
			ev = CompletedFromHook(hook)
		case hook := <-s.handler.TerminatedUploads:
			ev = TerminatedFromHook(hook)
		}
		if err := s.adapter.Submit(ctx, ev); err != nil {
			return err
		}
	}
}

// ownerOf returns the identity the authentication gate accepted for the
// creation request: headers first, upload metadata as fallback.
func ownerOf(header http.Header, metadata map[string]string) string {
	creds := auth.CredentialsFromHeaders(header)
	return auth.MergeCredentials(creds, auth.CredentialsFromMetadata(metadata)).Identity
}

func filenameOf(metadata map[string]string) string {
	if name := metadata["filename"]; name != "" {
		return name
	}
	return metadata["name"]
}

// CreatedFromHook converts a tusd creation notification.
func CreatedFromHook(hook tusd.HookEvent) Created {
	return Created{
		ID:       hook.Upload.ID,
		Owner:    ownerOf(hook.HTTPRequest.Header, hook.Upload.MetaData),
		Filename: filenameOf(hook.Upload.MetaData),
		Size:     hook.Upload.Size,
	}
}

// ProgressFromHook converts a tusd progress notification.
func ProgressFromHook(hook tusd.HookEvent) Progress {
	return Progress{
		ID:     hook.Upload.ID,
		Offset: hook.Upload.Offset,
		Size:   hook.Upload.Size,
	}
}

// CompletedFromHook converts a tusd completion notification.
func CompletedFromHook(hook tusd.HookEvent) Completed {
	return Completed{
		ID:       hook.Upload.ID,
		Owner:    ownerOf(hook.HTTPRequest.Header, hook.Upload.MetaData),
		Filename: filenameOf(hook.Upload.MetaData),
		Size:     hook.Upload.Size,
	}
}

// TerminatedFromHook converts a tusd termination notification.
// Storage details reported by the transport are never trusted: the staged
// file is always located from the upload id.
func TerminatedFromHook(hook tusd.HookEvent) Terminated {
	return Terminated{ID: hook.Upload.ID}
}
