package downloadhandler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(dir string) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mux := chi.NewRouter()
	NewHandler(dir, logger).RegisterRoutes(mux)
	return mux
}

func TestDownload_WithUploadInfo(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc"), []byte("hello world!"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc.info"),
		[]byte(`{"ID":"abc","Size":12,"MetaData":{"filename":"clip.mp4","filetype":"video/mp4"}}`), 0644))

	w := httptest.NewRecorder()
	newRouter(dir).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/download/abc", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world!", w.Body.String())
	assert.Equal(t, "video/mp4", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=clip.mp4`, w.Header().Get("Content-Disposition"))
}

func TestDownload_ContentTypeFromExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.txt"), []byte("hello world!"), 0644))

	w := httptest.NewRecorder()
	newRouter(dir).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/download/test.txt", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, `attachment; filename=test.txt`, w.Header().Get("Content-Disposition"))
}

func TestDownload_Range(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc"), []byte("hello world!"), 0644))

	req := httptest.NewRequest(http.MethodGet, "/download/abc", nil)
	req.Header.Set("Range", "bytes=6-")
	w := httptest.NewRecorder()
	newRouter(dir).ServeHTTP(w, req)

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "world!", w.Body.String())
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
}

func TestDownload_NotFound(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc.info"), []byte(`{}`), 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0755))
	h := newRouter(dir)

	for _, path := range []string{"/download/missing", "/download/abc.info", "/download/sub", "/download/..%2Fetc%2Fpasswd"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestSanitizeName(t *testing.T) {
	for in, expected := range map[string]string{
		"abc":              "abc",
		"../../etc/passwd": "passwd",
		`..\secret`:        "secret",
		"..":               "",
		"":                 "",
		".hidden":          "",
		"abc.info":         "",
	} {
		assert.Equal(t, expected, SanitizeName(in), in)
	}
}
