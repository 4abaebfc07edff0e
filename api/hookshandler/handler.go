package hookshandler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/web3-uploader/auth"
	"github.com/ruteri/web3-uploader/uploader"
	tusd "github.com/tus/tusd/v2/pkg/handler"
)

// Hook names sent by tusd.
const (
	HookPreCreate     = "pre-create"
	HookPostCreate    = "post-create"
	HookPostReceive   = "post-receive"
	HookPostFinish    = "post-finish"
	HookPostTerminate = "post-terminate"
)

// HookNameHeader carries the hook name for tusd v1 http hooks.
const HookNameHeader = "Hook-Name"

// HookSecretHeader and HookSecretParam carry the shared hook secret. tusd
// forwards neither on its own, so the secret is usually part of the
// -hooks-http URL.
const (
	HookSecretHeader = "Hook-Secret"
	HookSecretParam  = "secret"
)

// Submitter accepts upload events. *uploader.Adapter implements it.
type Submitter interface {
	Submit(ctx context.Context, ev uploader.Event) error
}

// Handler receives tusd http hooks from a tus server running outside this
// process and feeds them to the upload adapter.
type Handler struct {
	events        Submitter
	authenticator *auth.Authenticator
	secret        string
	log           *slog.Logger
}

// NewHandler creates a hooks handler. When authenticator is not nil,
// pre-create hooks are rejected unless the creation request is signed.
//
// Hook calls must carry secret when it is set. Without a secret only
// loopback peers are accepted.
func NewHandler(events Submitter, authenticator *auth.Authenticator, secret string, log *slog.Logger) *Handler {
	return &Handler{
		events:        events,
		authenticator: authenticator,
		secret:        secret,
		log:           log,
	}
}

// RegisterRoutes mounts POST /hooks.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/hooks", h.HandleHook)
}

type hookEvent struct {
	Upload      *tusd.FileInfo
	HTTPRequest tusd.HTTPRequest
}

// hookRequest covers both body layouts: tusd v1 sends the event at the top
// level, v2 wraps it in Event and names the hook in Type.
type hookRequest struct {
	Type  string
	Event *hookEvent
	hookEvent
}

type hookHTTPResponse struct {
	StatusCode int               `json:"StatusCode,omitempty"`
	Body       string            `json:"Body,omitempty"`
	Header     map[string]string `json:"Header,omitempty"`
}

// hookResponse mirrors the tusd v2 hook response body.
type hookResponse struct {
	HTTPResponse *hookHTTPResponse `json:"HTTPResponse,omitempty"`
	RejectUpload bool              `json:"RejectUpload,omitempty"`
}

// HandleHook converts a hook into an adapter event.
//
// Status codes:
//   - 200 OK: hook accepted, or hook name not handled
//   - 400 Bad Request: malformed body or missing upload id
//   - 401 Unauthorized: unsigned pre-create (v1 bodies only, v2 gets RejectUpload)
//   - 403 Forbidden: the caller is not the configured tus server
//   - 503 Service Unavailable: the event could not be queued
func (h *Handler) HandleHook(w http.ResponseWriter, r *http.Request) {
	if !h.trusted(r) {
		h.log.Warn("Rejected hook from untrusted caller", "remoteAddr", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var req hookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Warn("Invalid hook body", "err", err)
		http.Error(w, "Invalid hook body", http.StatusBadRequest)
		return
	}

	name := r.Header.Get(HookNameHeader)
	if name == "" {
		name = req.Type
	}

	ev := req.hookEvent
	v2 := req.Event != nil
	if v2 {
		ev = *req.Event
	}
	if ev.Upload == nil {
		h.log.Warn("Hook without upload", "hook", name)
		http.Error(w, "Missing upload", http.StatusBadRequest)
		return
	}
	hook := tusd.HookEvent{Upload: *ev.Upload, HTTPRequest: ev.HTTPRequest}

	if name == HookPreCreate {
		h.preCreate(r.Context(), w, hook, v2)
		return
	}

	if !uploader.ValidUploadID(hook.Upload.ID) {
		h.log.Warn("Hook with invalid upload id", "hook", name, "uploadID", hook.Upload.ID)
		http.Error(w, "Invalid upload id", http.StatusBadRequest)
		return
	}

	var event uploader.Event
	switch name {
	case HookPostCreate:
		event = uploader.CreatedFromHook(hook)
	case HookPostReceive:
		event = uploader.ProgressFromHook(hook)
	case HookPostFinish:
		event = uploader.CompletedFromHook(hook)
	case HookPostTerminate:
		event = uploader.TerminatedFromHook(hook)
	default:
		h.log.Debug("Ignoring hook", "hook", name, "uploadID", hook.Upload.ID)
		writeResponse(w, hookResponse{})
		return
	}

	if err := h.events.Submit(r.Context(), event); err != nil {
		h.log.Error("Could not queue upload event", "err", err, "hook", name, "uploadID", hook.Upload.ID)
		http.Error(w, "Upload events unavailable", http.StatusServiceUnavailable)
		return
	}

	h.log.Debug("Hook accepted", "hook", name, "uploadID", hook.Upload.ID)
	writeResponse(w, hookResponse{})
}

func (h *Handler) preCreate(ctx context.Context, w http.ResponseWriter, hook tusd.HookEvent, v2 bool) {
	if h.authenticator == nil {
		writeResponse(w, hookResponse{})
		return
	}

	creds := auth.MergeCredentials(
		auth.CredentialsFromHeaders(http.Header(hook.HTTPRequest.Header)),
		auth.CredentialsFromMetadata(hook.Upload.MetaData),
	)
	_, err := h.authenticator.Authenticate(ctx, creds)
	if err == nil {
		writeResponse(w, hookResponse{})
		return
	}

	msg := err.Error()
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		msg = string(authErr.Reason)
	}
	h.log.Info("Rejected upload creation", "reason", msg)

	if !v2 {
		// tusd v1 rejects the upload on any non-2xx hook answer
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	writeResponse(w, hookResponse{
		RejectUpload: true,
		HTTPResponse: &hookHTTPResponse{
			StatusCode: http.StatusUnauthorized,
			Body:       err.Error(),
		},
	})
}

func (h *Handler) trusted(r *http.Request) bool {
	if h.secret != "" {
		got := r.Header.Get(HookSecretHeader)
		if got == "" {
			got = r.URL.Query().Get(HookSecretParam)
		}
		return subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) == 1
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func writeResponse(w http.ResponseWriter, resp hookResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
