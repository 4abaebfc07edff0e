package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ruteri/web3-uploader/interfaces"
)

type contextKey struct{}

// WithIdentity returns a context carrying the authenticated identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// IdentityFrom returns the identity stored by Middleware or UploadGate.
func IdentityFrom(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(contextKey{}).(string)
	return identity, ok && identity != ""
}

// rejection is the JSON body of 401 and 403 answers.
type rejection struct {
	Status string `json:"status"`
	Error  string `json:"error"`
	Reason Reason `json:"reason,omitempty"`
}

// WriteRejection answers with the JSON error body and a status derived from err.
func WriteRejection(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	body := rejection{Status: "error", Error: err.Error()}

	var authErr *Error
	if errors.As(err, &authErr) {
		body.Reason = authErr.Reason
	} else if !errors.Is(err, interfaces.ErrAuthentication) {
		status = http.StatusForbidden
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// Middleware authenticates every request from its headers.
func Middleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authenticated, err := a.Authenticate(r.Context(), CredentialsFromHeaders(r.Header))
			if err != nil {
				WriteRejection(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), authenticated.Identity)))
		})
	}
}

var errNotOwner = errors.New("upload belongs to another identity")

// SessionOwners resolves the owner of a known upload. Unknown uploads are
// reported with interfaces.ErrSessionNotFound.
type SessionOwners interface {
	Get(id string) (interfaces.Session, error)
}

// UploadGate guards the tus routes mounted under basePath.
//
// Creation requests authenticate from headers, falling back to the
// Upload-Metadata fields, and have the authenticated identity recorded in
// their metadata. Requests addressing an existing upload must come from its
// owner.
func UploadGate(a *Authenticator, owners SessionOwners, basePath string, log *slog.Logger) func(http.Handler) http.Handler {
	basePath = "/" + strings.Trim(basePath, "/") + "/"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			creds := CredentialsFromHeaders(r.Header)
			var md map[string]string
			if r.Method == http.MethodPost {
				md = ParseUploadMetadata(r.Header.Get("Upload-Metadata"))
				creds = MergeCredentials(creds, CredentialsFromMetadata(md))
			}

			authenticated, err := a.Authenticate(r.Context(), creds)
			if err != nil {
				WriteRejection(w, err)
				return
			}

			if r.Method == http.MethodPost {
				claimed := md[FieldIdentity]
				if claimed != "" && claimed != authenticated.Identity {
					log.Warn("Upload metadata names another identity", "identity", authenticated.Identity, "claimed", claimed)
					WriteRejection(w, errNotOwner)
					return
				}
				if claimed == "" {
					r.Header.Set("Upload-Metadata", AppendUploadMetadata(r.Header.Get("Upload-Metadata"), FieldIdentity, authenticated.Identity))
				}
			} else if id := uploadID(r.URL.Path, basePath); id != "" {
				session, err := owners.Get(id)
				switch {
				case errors.Is(err, interfaces.ErrSessionNotFound):
					// nothing staged under this id, the tus handler answers 404
				case err != nil:
					log.Error("Could not resolve upload owner", "uploadID", id, "err", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				case session.Owner != authenticated.Identity:
					log.Warn("Rejected access to foreign upload", "identity", authenticated.Identity, "uploadID", id)
					WriteRejection(w, errNotOwner)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), authenticated.Identity)))
		})
	}
}

func uploadID(urlPath, basePath string) string {
	idx := strings.Index(urlPath, basePath)
	if idx < 0 {
		return ""
	}
	id := strings.Trim(urlPath[idx+len(basePath):], "/")
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}
