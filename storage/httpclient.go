package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ruteri/web3-uploader/interfaces"
)

// cidResponse is the reply shape shared by the pinning service APIs.
type cidResponse struct {
	CID string `json:"cid"`
}

// doCIDRequest sends req and decodes the returned cid. Server-side and
// throttling failures wrap ErrBackendUnavailable.
func doCIDRequest(client *http.Client, req *http.Request) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: status %d: %s", interfaces.ErrBackendUnavailable, resp.StatusCode, string(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var parsed cidResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("could not parse response: %w", err)
	}
	if parsed.CID == "" {
		return "", errEmptyCID
	}
	return parsed.CID, nil
}
