// Package uploader turns resumable-upload transport events into session
// state transitions and storage dispatch jobs.
package uploader

import "strings"

// Event is a lifecycle notification from the upload transport.
type Event interface {
	// UploadID returns the id of the session the event belongs to.
	UploadID() string
}

// Created is sent when a client opened a new upload.
type Created struct {
	ID       string
	Owner    string
	Filename string
	Size     int64
}

// Progress is sent while bytes arrive.
type Progress struct {
	ID     string
	Offset int64
	Size   int64
}

// Completed is sent once every byte is on disk.
type Completed struct {
	ID       string
	Owner    string
	Filename string
	Size     int64
}

// Terminated is sent when the client aborted the upload.
type Terminated struct {
	ID string
}

func (e Created) UploadID() string    { return e.ID }
func (e Progress) UploadID() string   { return e.ID }
func (e Completed) UploadID() string  { return e.ID }
func (e Terminated) UploadID() string { return e.ID }

// ValidUploadID reports whether id can name a staged file. Ids never carry
// path separators, so the staged file always stays inside the upload
// directory.
func ValidUploadID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.HasSuffix(id, ".info")
}
