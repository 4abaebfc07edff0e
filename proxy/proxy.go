// Package proxy implements an authenticating reverse proxy placed in front
// of the uploader. Every request must carry a valid signature before it is
// forwarded.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/web3-uploader/auth"
)

// Config contains the parameters of the proxy.
type Config struct {
	// ListenAddr is where the proxy accepts client connections.
	ListenAddr string

	// Upstream is the uploader base URL, e.g. http://127.0.0.1:5083
	Upstream string

	// Authenticator checks the signature header of every request.
	Authenticator *auth.Authenticator

	// ShutdownTimeout bounds Shutdown, 5s if zero.
	ShutdownTimeout time.Duration

	Log *slog.Logger
}

// Proxy forwards authenticated requests to the upstream uploader.
type Proxy struct {
	cfg     Config
	reverse *httputil.ReverseProxy
	server  *http.Server
}

// New creates a proxy for cfg.Upstream.
func New(cfg Config) (*Proxy, error) {
	if cfg.Authenticator == nil {
		return nil, errors.New("proxy requires an authenticator")
	}
	target, err := url.Parse(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", cfg.Upstream, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream %q: scheme and host required", cfg.Upstream)
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	p := &Proxy{cfg: cfg}

	p.reverse = httputil.NewSingleHostReverseProxy(target)
	originalDirector := p.reverse.Director
	p.reverse.Director = func(req *http.Request) {
		originalDirector(req)
		if identity, ok := auth.IdentityFrom(req.Context()); ok {
			req.Header.Set("X-Forwarded-User", identity)
		}
	}
	p.reverse.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
		cfg.Log.Error("Upstream request failed", "err", err, "path", req.URL.Path)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
	}

	p.server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: p.Handler(),
	}
	return p, nil
}

// Handler returns the proxy handler with request logging.
func (p *Proxy) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(func(next http.Handler) http.Handler {
		return httplogger.LoggingMiddlewareSlog(p.cfg.Log, next)
	})
	mux.HandleFunc("/*", p.handleRequest)
	return mux
}

func (p *Proxy) handleRequest(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get(auth.FieldSignature) == "" {
		p.cfg.Log.Debug("Request without signature", "path", req.URL.Path)
		http.Error(w, "Invalid Authentication", http.StatusUnauthorized)
		return
	}

	authenticated, err := p.cfg.Authenticator.Authenticate(req.Context(), auth.CredentialsFromHeaders(req.Header))
	if err != nil {
		p.cfg.Log.Debug("Rejected proxied request", "err", err, "path", req.URL.Path)
		http.Error(w, "Invalid Authentication", http.StatusUnauthorized)
		return
	}

	p.reverse.ServeHTTP(w, req.WithContext(auth.WithIdentity(req.Context(), authenticated.Identity)))
}

// RunInBackground starts listening in a separate goroutine.
func (p *Proxy) RunInBackground() {
	go func() {
		p.cfg.Log.Info("Starting proxy", "listenAddress", p.cfg.ListenAddr, "upstream", p.cfg.Upstream)
		if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.cfg.Log.Error("Proxy server stopped", "err", err)
		}
	}()
}

// Shutdown gracefully stops the proxy.
func (p *Proxy) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
	defer cancel()
	if err := p.server.Shutdown(ctx); err != nil {
		p.cfg.Log.Error("Failed to gracefully shutdown proxy", "err", err)
		return err
	}
	return nil
}
