// Package hookshandler receives tusd http hooks, for deployments where the
// resumable upload server runs as a separate tusd process.
//
// Hooks are accepted from loopback peers, or from anyone presenting the
// configured shared secret, e.g. tusd -hooks-http "http://127.0.0.1:5082/hooks?secret=...".
// Storage paths in hook bodies are ignored.
package hookshandler
