package downloadhandler

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	tusd "github.com/tus/tusd/v2/pkg/handler"
)

// infoSuffix is the extension of the tusd filestore sidecar.
const infoSuffix = ".info"

// Handler serves staged uploads from the files directory.
type Handler struct {
	dir string
	log *slog.Logger
}

// NewHandler creates a download handler rooted at dir.
func NewHandler(dir string, log *slog.Logger) *Handler {
	return &Handler{
		dir: dir,
		log: log,
	}
}

// RegisterRoutes mounts GET /download/{filename}.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/download/{filename}", h.HandleDownload)
}

// SanitizeName reduces a requested name to a single path element inside
// the files directory. It returns "" when nothing servable remains.
func SanitizeName(name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return ""
	}
	if strings.HasSuffix(name, infoSuffix) {
		return ""
	}
	return name
}

// HandleDownload streams a staged file with attachment headers.
//
// Status codes:
//   - 200 OK (or 206 for range requests): file content
//   - 404 Not Found: no such file
func (h *Handler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	name := SanitizeName(r.PathValue("filename"))
	if name == "" {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	path := filepath.Join(h.dir, name)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("Failed to open staged file", "err", err, "file", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil || stat.IsDir() {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	metadata := h.uploadMetadata(path)
	displayName := name
	if original := SanitizeName(metadata["filename"]); original != "" {
		displayName = original
	} else if original := SanitizeName(metadata["name"]); original != "" {
		displayName = original
	}

	w.Header().Set("Content-Type", contentType(metadata, displayName))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": displayName}))

	h.log.Debug("Serving staged file", "file", name, "size", stat.Size())
	http.ServeContent(w, r, displayName, stat.ModTime(), f)
}

// uploadMetadata returns the tus metadata recorded next to the file, if any.
func (h *Handler) uploadMetadata(path string) map[string]string {
	data, err := os.ReadFile(path + infoSuffix)
	if err != nil {
		return nil
	}
	var info tusd.FileInfo
	if err := json.Unmarshal(data, &info); err != nil {
		h.log.Warn("Unreadable upload info", "err", err, "file", filepath.Base(path))
		return nil
	}
	return info.MetaData
}

func contentType(metadata map[string]string, name string) string {
	for _, key := range []string{"filetype", "type"} {
		if t := metadata[key]; t != "" {
			if _, _, err := mime.ParseMediaType(t); err == nil {
				return t
			}
		}
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
