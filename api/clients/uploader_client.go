package clients

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ruteri/web3-uploader/api"
	"github.com/ruteri/web3-uploader/auth"
	"github.com/ruteri/web3-uploader/cryptoutils"
	"github.com/ruteri/web3-uploader/interfaces"
)

// TusVersion is the resumable upload protocol version spoken by Upload.
const TusVersion = "1.0.0"

// ErrUploadFailed is returned by WaitForUpload when storage dispatch failed.
var ErrUploadFailed = errors.New("upload failed")

// UploaderClient talks to the uploader HTTP API, signing every request with
// a fresh timestamp.
type UploaderClient struct {
	// ServerAddr is the base URL of the uploader, e.g. http://localhost:5000
	ServerAddr string

	// Identity is the ledger account the key belongs to.
	Identity string

	// PrivateKey signs the canonical message of every request.
	PrivateKey *ecdsa.PrivateKey

	// APIKey is sent when set.
	APIKey string

	// UploadPath is the tus mount point, /upload/ if empty.
	UploadPath string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Clock replaces time.Now for request timestamps.
	Clock func() time.Time
}

func (c *UploaderClient) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *UploaderClient) timestamp() int64 {
	if c.Clock != nil {
		return c.Clock().UnixMilli()
	}
	return time.Now().UnixMilli()
}

// SignedHeaders returns the authentication headers for a request made now.
func (c *UploaderClient) SignedHeaders() (http.Header, error) {
	if c.PrivateKey == nil {
		return nil, errors.New("no signing key configured")
	}
	payload, err := cryptoutils.SignRequest(c.Identity, c.PrivateKey, c.timestamp())
	if err != nil {
		return nil, err
	}
	encoded, err := cryptoutils.EncodeSignedPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("could not encode signature: %w", err)
	}

	h := http.Header{}
	h.Set(auth.FieldIdentity, payload.Username)
	h.Set(auth.FieldPublicKey, payload.Pubkey)
	h.Set(auth.FieldTimestamp, payload.Ts.String())
	h.Set(auth.FieldSignature, encoded)
	if c.APIKey != "" {
		h.Set(auth.FieldAPIKey, c.APIKey)
	}
	return h, nil
}

func (c *UploaderClient) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	headers, err := c.SignedHeaders()
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	return req, nil
}

// Progress fetches the session view of an upload. A view with status
// "uploaded" is only ever returned once by the server.
func (c *UploaderClient) Progress(ctx context.Context, id string) (*api.SessionView, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("%s/progress/%s", strings.TrimSuffix(c.ServerAddr, "/"), url.PathEscape(id)), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not request progress: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read progress response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("progress endpoint returned error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var view api.SessionView
	if err := json.Unmarshal(body, &view); err != nil {
		return nil, fmt.Errorf("could not parse progress response: %w", err)
	}
	return &view, nil
}

// WaitForUpload polls Progress until the upload reached a terminal state or
// ctx is done.
func (c *UploaderClient) WaitForUpload(ctx context.Context, id string, interval time.Duration) (*api.SessionView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		view, err := c.Progress(ctx, id)
		if err != nil {
			return nil, err
		}
		switch view.State() {
		case interfaces.StateUploaded:
			return view, nil
		case interfaces.StateFailed:
			return view, fmt.Errorf("%w: %s", ErrUploadFailed, view.Error)
		}

		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Upload sends a file in a single chunk through the tus protocol and
// returns the upload id.
func (c *UploaderClient) Upload(ctx context.Context, filename string, data io.Reader, size int64, metadata map[string]string) (string, error) {
	uploadPath := c.UploadPath
	if uploadPath == "" {
		uploadPath = "/upload/"
	}
	endpoint := strings.TrimSuffix(c.ServerAddr, "/") + "/" + strings.Trim(uploadPath, "/") + "/"

	md := map[string]string{"filename": filename, auth.FieldIdentity: c.Identity}
	for k, v := range metadata {
		md[k] = v
	}

	create, err := c.newRequest(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	create.Header.Set("Tus-Resumable", TusVersion)
	create.Header.Set("Upload-Length", strconv.FormatInt(size, 10))
	create.Header.Set("Upload-Metadata", EncodeUploadMetadata(md))

	resp, err := c.client().Do(create)
	if err != nil {
		return "", fmt.Errorf("could not create upload: %w", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload creation returned error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	location, err := resp.Location()
	if err != nil {
		return "", fmt.Errorf("upload creation returned no location: %w", err)
	}
	id := path.Base(location.Path)

	patch, err := c.newRequest(ctx, http.MethodPatch, location.String(), data)
	if err != nil {
		return "", err
	}
	patch.ContentLength = size
	patch.Header.Set("Tus-Resumable", TusVersion)
	patch.Header.Set("Upload-Offset", "0")
	patch.Header.Set("Content-Type", "application/offset+octet-stream")

	resp, err = c.client().Do(patch)
	if err != nil {
		return id, fmt.Errorf("could not send upload data: %w", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return id, fmt.Errorf("upload data returned error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return id, nil
}

// EncodeUploadMetadata encodes pairs as an Upload-Metadata header value.
func EncodeUploadMetadata(md map[string]string) string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		if md[k] == "" {
			pairs = append(pairs, k)
			continue
		}
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(md[k])))
	}
	return strings.Join(pairs, ",")
}
