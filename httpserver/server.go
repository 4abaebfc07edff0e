package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/web3-uploader/api"
	"github.com/ruteri/web3-uploader/auth"
	"go.uber.org/atomic"
)

// RouteRegistrar mounts a handler's routes on the router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Handlers are the pieces the server routes to. Nil entries are not mounted.
type Handlers struct {
	// Authenticator guards uploads and downloads, and progress when GateProgress is set.
	Authenticator *auth.Authenticator
	// Sessions resolves upload owners for the upload gate.
	Sessions auth.SessionOwners

	Progress     RouteRegistrar
	GateProgress bool

	// Uploads is the tus handler, mounted under UploadBasePath.
	Uploads        http.Handler
	UploadBasePath string

	// Hooks receives tusd webhooks from an external tus server.
	Hooks RouteRegistrar

	Download RouteRegistrar
}

type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	handlers Handlers
	srv      *http.Server
}

func New(cfg *api.HTTPServerConfig, handlers Handlers) (*Server, error) {
	if (handlers.Uploads != nil || handlers.Download != nil) && handlers.Authenticator == nil {
		return nil, errors.New("uploads and downloads require an authenticator")
	}
	if handlers.Uploads != nil && handlers.Sessions == nil {
		return nil, errors.New("upload gate requires a session store")
	}

	srv := &Server{
		cfg:      cfg,
		log:      cfg.Log,
		handlers: handlers,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return srv, nil
}

// Router builds the route tree.
func (srv *Server) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(srv.httpLogger)

	h := srv.handlers
	limit := RateLimit(NewRateLimiter(srv.cfg.RateLimit), srv.log)

	if h.Progress != nil {
		mux.Group(func(r chi.Router) {
			r.Use(limit)
			if h.GateProgress && h.Authenticator != nil {
				r.Use(auth.Middleware(h.Authenticator))
			}
			h.Progress.RegisterRoutes(r)
		})
	}

	if h.Uploads != nil {
		basePath := "/" + strings.Trim(h.UploadBasePath, "/")
		gated := limit(auth.UploadGate(h.Authenticator, h.Sessions, basePath, srv.log)(h.Uploads))
		mux.Handle(basePath, gated)
		mux.Handle(basePath+"/*", gated)
	}

	if h.Download != nil {
		mux.Group(func(r chi.Router) {
			r.Use(auth.Middleware(h.Authenticator))
			h.Download.RegisterRoutes(r)
		})
	}

	if h.Hooks != nil {
		h.Hooks.RegisterRoutes(mux)
	}

	mux.Get("/version", srv.handleVersion)

	// Health and diagnostic endpoints
	mux.Get("/livez", srv.handleLivenessCheck)
	mux.Get("/readyz", srv.handleReadinessCheck)
	mux.Get("/drain", srv.handleDrain)
	mux.Get("/undrain", srv.handleUndrain)

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (srv *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.VersionResponse{Version: srv.cfg.Version, App: api.AppName})
}

func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: "alive"})
}

func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeJSON(w, http.StatusServiceUnavailable, api.StatusResponse{Status: "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: "ready"})
}

func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeJSON(w, http.StatusOK, api.StatusResponse{Status: "already draining"})
		return
	}
	srv.log.Info("Server marked as not ready")
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: "draining"})
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeJSON(w, http.StatusOK, api.StatusResponse{Status: "already ready"})
		return
	}
	srv.log.Info("Server marked as ready")
	writeJSON(w, http.StatusOK, api.StatusResponse{Status: "ready"})
}

func (srv *Server) RunInBackground() {
	go func() {
		srv.log.Info("Starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown marks the server not ready, waits DrainDuration for load
// balancers to notice, then stops accepting requests.
func (srv *Server) Shutdown() {
	if srv.isReady.Swap(false) && srv.cfg.DrainDuration > 0 {
		srv.log.Info("Draining before shutdown", "duration", srv.cfg.DrainDuration)
		time.Sleep(srv.cfg.DrainDuration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := srv.srv.Shutdown(ctx); err != nil {
		srv.log.Error("Graceful HTTP server shutdown failed", "err", err)
	} else {
		srv.log.Info("HTTP server gracefully stopped")
	}
}
