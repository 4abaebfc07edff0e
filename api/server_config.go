package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig holds what httpserver.New needs to serve the uploader.
type HTTPServerConfig struct {
	ListenAddr string
	Version    string
	Log        *slog.Logger

	// Mounts net/http/pprof under /debug.
	EnablePprof bool

	// Requests per second per client IP on /upload and /progress, 0 disables.
	RateLimit float64

	// Readiness is flipped off DrainDuration before the listener closes.
	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration

	// ReadTimeout bounds a whole request including its body, so it has to
	// cover the largest PATCH chunk a client sends over a slow link.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}
