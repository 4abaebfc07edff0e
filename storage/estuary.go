package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/web3-uploader/interfaces"
)

// EstuaryBackend adds files to an Estuary collection.
type EstuaryBackend struct {
	endpoint     string
	token        string
	collectionID string
	replication  int
	// downloadRoot is the public URL prefix the file can be pulled from, optional.
	downloadRoot string
	client       *http.Client
	log          *slog.Logger
}

type EstuaryOptions struct {
	Endpoint     string
	Token        string
	CollectionID string
	Replication  int
	DownloadRoot string
	Timeout      time.Duration
}

func NewEstuaryBackend(opts EstuaryOptions, log *slog.Logger) (*EstuaryBackend, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("%w: estuary requires a bearer token", interfaces.ErrBackendMisconfigured)
	}
	return &EstuaryBackend{
		endpoint:     strings.TrimSuffix(opts.Endpoint, "/"),
		token:        opts.Token,
		collectionID: opts.CollectionID,
		replication:  opts.Replication,
		downloadRoot: opts.DownloadRoot,
		client:       &http.Client{Timeout: opts.Timeout},
		log:          log,
	}, nil
}

// Store uploads the file as multipart form data.
func (b *EstuaryBackend) Store(ctx context.Context, file interfaces.FileRef, uploader string) (string, error) {
	start := time.Now()

	f, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("could not open staged file: %w", err)
	}
	defer f.Close()

	query := url.Values{}
	if b.collectionID != "" {
		query.Set("coluuid", b.collectionID)
	}
	if b.replication > 0 {
		query.Set("replication", strconv.Itoa(b.replication))
	}
	if b.downloadRoot != "" {
		query.Set("location", b.downloadRoot+"download/"+url.PathEscape(file.ID))
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("data", file.DisplayName())
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.WriteField("filename", file.DisplayName())
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	endpoint := b.endpoint + "/content/add"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	cid, err := doCIDRequest(b.client, req)
	// unblock the writer if the request ended early
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return "", fmt.Errorf("estuary upload failed: %w", err)
	}

	b.log.Info("Stored file in Estuary",
		slog.String("uploader", uploader),
		slog.String("file", file.DisplayName()),
		slog.String("cid", cid),
		slog.Duration("duration", time.Since(start)))
	return cid, nil
}

// Name implements interfaces.StorageBackend.
func (b *EstuaryBackend) Name() string {
	return "estuary"
}
