// Package clients provides a signing client for the uploader API: it
// creates tus uploads and polls their progress.
package clients
