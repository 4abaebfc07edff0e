package progresshandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/web3-uploader/api"
	"github.com/ruteri/web3-uploader/auth"
	"github.com/ruteri/web3-uploader/interfaces"
)

// Dispatcher starts storage dispatch for a Received session.
// *uploader.Adapter implements it.
type Dispatcher interface {
	BeginDispatch(ctx context.Context, id string) error
}

// Handler serves session progress to polling clients.
type Handler struct {
	store      interfaces.SessionStore
	dispatcher Dispatcher
	log        *slog.Logger
}

// NewHandler creates a progress handler. When dispatcher is not nil, polling a
// Received session starts its dispatch if that did not happen yet.
func NewHandler(store interfaces.SessionStore, dispatcher Dispatcher, log *slog.Logger) *Handler {
	return &Handler{
		store:      store,
		dispatcher: dispatcher,
		log:        log,
	}
}

// RegisterRoutes mounts GET /progress/{id}.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/progress/{id}", h.HandleProgress)
}

// HandleProgress reports the session state.
//
// Unknown ids are not an error: clients may poll before the creation event was
// processed. An Uploaded session is returned exactly once and then removed.
func (h *Handler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	view, status := h.progress(r.Context(), id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(view); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) progress(ctx context.Context, id string) (any, int) {
	sess, err := h.store.Get(id)
	if errors.Is(err, interfaces.ErrSessionNotFound) {
		return api.UnknownSession, http.StatusOK
	}
	if err != nil {
		h.log.Error("Failed to read session", "err", err, "uploadID", id)
		return api.StatusResponse{Status: "error", Error: "internal error"}, http.StatusInternalServerError
	}

	if identity, ok := auth.IdentityFrom(ctx); ok && sess.Owner != "" && sess.Owner != identity {
		h.log.Debug("Progress requested by non-owner", "uploadID", id, "identity", identity)
		return api.StatusResponse{Status: "error", Error: "not the owner of this upload"}, http.StatusForbidden
	}

	switch sess.State {
	case interfaces.StateUploaded:
		consumed, err := h.store.Consume(id)
		if errors.Is(err, interfaces.ErrSessionNotFound) {
			// another poll consumed it first
			return api.UnknownSession, http.StatusOK
		}
		if err != nil {
			h.log.Error("Failed to consume session", "err", err, "uploadID", id)
			return api.StatusResponse{Status: "error", Error: "internal error"}, http.StatusInternalServerError
		}
		h.log.Info("Upload result delivered", "uploadID", id, "cid", consumed.CID)
		return api.NewSessionView(consumed), http.StatusOK

	case interfaces.StateReceived:
		if h.dispatcher == nil {
			break
		}
		err := h.dispatcher.BeginDispatch(ctx, id)
		switch {
		case err == nil:
			h.log.Info("Dispatch started from progress poll", "uploadID", id)
		case errors.Is(err, interfaces.ErrInvalidTransition), errors.Is(err, interfaces.ErrSessionNotFound):
		default:
			h.log.Warn("Could not start dispatch", "err", err, "uploadID", id)
		}
		if fresh, err := h.store.Get(id); err == nil {
			sess = fresh
		}
	}

	return api.NewSessionView(sess), http.StatusOK
}
